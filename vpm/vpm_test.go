package vpm

import "testing"

func TestBuildSmallBucket(t *testing.T) {
	const granularity = 16
	const bucketSize = 48
	const pageSize = 4096
	m := Build(granularity, bucketSize, 1, pageSize)

	maxObjects := int(pageSize / bucketSize)
	if m.MaxObjects != maxObjects {
		t.Fatalf("MaxObjects = %d, want %d", m.MaxObjects, maxObjects)
	}

	for j := 0; j < maxObjects; j++ {
		off := uintptr(j) * bucketSize
		idx, ok := m.IsStart(off)
		if !ok || idx != uint16(j) {
			t.Fatalf("IsStart(%d) = (%d,%v), want (%d,true)", off, idx, ok, j)
		}
		for b := uintptr(0); b < bucketSize; b += granularity {
			got := m.ContainingObject(off + b)
			if got != uint16(j) {
				t.Fatalf("ContainingObject(%d) = %d, want %d", off+b, got, j)
			}
		}
	}
}

func TestInvalidBitsMatchStarts(t *testing.T) {
	const granularity = 16
	const bucketSize = 32
	const pageSize = 4096
	m := Build(granularity, bucketSize, 1, pageSize)

	stride := int(bucketSize / granularity)
	for slot := range m.Valid {
		isStart := slot%stride == 0 && slot/stride < m.MaxObjects
		bitSet := m.InvalidBits[slot/64]&(1<<uint(slot%64)) != 0
		if isStart == bitSet {
			t.Fatalf("slot %d: isStart=%v but invalid-bit set=%v", slot, isStart, bitSet)
		}
	}
}

func TestOffsetPastMaxObjectsIsInvalid(t *testing.T) {
	const granularity = 16
	const bucketSize = 48
	const pageSize = 4096
	m := Build(granularity, bucketSize, 1, pageSize)

	tailStart := uintptr(m.MaxObjects) * bucketSize
	if _, ok := m.IsStart(tailStart); ok && tailStart < pageSize {
		t.Fatalf("offset %d beyond MaxObjects*BucketSize should not be a start", tailStart)
	}
}
