package vpm

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteStaticEmitsAllThreeArrays(t *testing.T) {
	maps := []*Map{
		Build(16, 32, 1, 4096),
		Build(16, 48, 1, 4096),
	}

	var buf bytes.Buffer
	if err := WriteStatic(&buf, maps); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, name := range []string{"validPointersBuffer", "invalidBitsData", "blockInfoBuffer"} {
		if !strings.Contains(out, name) {
			t.Fatalf("output missing %q array", name)
		}
	}
}

func TestGenerateValidPointersMapHeaderWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vpm_tables.gen")
	maps := []*Map{Build(16, 32, 1, 4096)}
	if err := GenerateValidPointersMapHeader(path, maps); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) == 0 {
		t.Fatal("generated header is empty")
	}
}

func TestFromStaticMatchesBuild(t *testing.T) {
	built := Build(16, 48, 1, 4096)

	combined := make([]uint16, 0, len(built.Valid)+len(built.Interior))
	combined = append(combined, built.Valid...)
	combined = append(combined, built.Interior...)
	loaded := FromStatic(16, 48, built.MaxObjects, combined, built.InvalidBits, built.Pages)

	for off := uintptr(0); off < 4096; off += 16 {
		bIdx, bOK := built.IsStart(off)
		lIdx, lOK := loaded.IsStart(off)
		if bIdx != lIdx || bOK != lOK {
			t.Fatalf("IsStart(%d): built (%d,%v) != loaded (%d,%v)", off, bIdx, bOK, lIdx, lOK)
		}
		if built.ContainingObject(off) != loaded.ContainingObject(off) {
			t.Fatalf("ContainingObject(%d) mismatch", off)
		}
	}
}
