package heap

import "unsafe"

// addrOfByte returns the address of byte offset off within mem. Block
// memory is obtained from pagealloc, which hands out OS-backed (not
// Go-GC-managed) slices, so this address is stable for the block's
// lifetime.
func addrOfByte(mem []byte, off uintptr) unsafe.Pointer {
	return unsafe.Pointer(&mem[off])
}
