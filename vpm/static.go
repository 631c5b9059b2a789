package vpm

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
)

// GenerateValidPointersMapHeader writes the static form of every bucket's
// table to path: three named arrays per bucket (the valid/interior
// pointer table, the invalid-bits bitvector, and the per-page block
// info), in the layout a build consuming precomputed tables expects.
// maps must be ordered by bucket index.
func GenerateValidPointersMapHeader(path string, maps []*Map) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "vpm: create header")
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	if err := WriteStatic(w, maps); err != nil {
		return err
	}
	return errors.Wrap(w.Flush(), "vpm: flush header")
}

// WriteStatic emits the three arrays for every bucket to w. The valid
// and interior tables are concatenated per bucket into one
// [2 * maxSlots]-element row, valid first, matching the
// validPointersBuffer[BucketCount][2*MaxSmallObjectCount] layout.
func WriteStatic(w io.Writer, maps []*Map) error {
	fmt.Fprintf(w, "// Generated valid-pointers tables. Do not edit.\n\n")

	fmt.Fprintf(w, "validPointersBuffer = [%d][]uint16{\n", len(maps))
	for _, m := range maps {
		fmt.Fprintf(w, "\t{")
		for _, v := range m.Valid {
			fmt.Fprintf(w, "0x%04x, ", v)
		}
		for _, v := range m.Interior {
			fmt.Fprintf(w, "0x%04x, ", v)
		}
		fmt.Fprintf(w, "},\n")
	}
	fmt.Fprintf(w, "}\n\n")

	fmt.Fprintf(w, "invalidBitsData = [%d][]uint64{\n", len(maps))
	for _, m := range maps {
		fmt.Fprintf(w, "\t{")
		for _, word := range m.InvalidBits {
			fmt.Fprintf(w, "0x%016x, ", word)
		}
		fmt.Fprintf(w, "},\n")
	}
	fmt.Fprintf(w, "}\n\n")

	fmt.Fprintf(w, "blockInfoBuffer = [%d][]BlockInfo{\n", len(maps))
	for _, m := range maps {
		fmt.Fprintf(w, "\t{")
		for _, p := range m.Pages {
			fmt.Fprintf(w, "{0x%04x, 0x%04x}, ", p.LastObjectIndex, p.ObjectCount)
		}
		fmt.Fprintf(w, "},\n")
	}
	fmt.Fprintf(w, "}\n")
	return nil
}

// FromStatic reconstructs a Map from precomputed tables, for a build
// that links the generated arrays in rather than calling Build at
// startup. The caller supplies the same geometry Build would have used.
func FromStatic(granularity, bucketSize uintptr, maxObjects int, validInterior []uint16, invalidBits []uint64, pages []BlockInfo) *Map {
	maxSlots := len(validInterior) / 2
	return &Map{
		Granularity: granularity,
		BucketSize:  bucketSize,
		MaxObjects:  maxObjects,
		Valid:       validInterior[:maxSlots],
		Interior:    validInterior[maxSlots:],
		InvalidBits: invalidBits,
		Pages:       pages,
	}
}
