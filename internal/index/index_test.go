package index

import (
	"testing"

	"chunkvault/internal/digest"
)

func TestFixedIndexChunkInfo(t *testing.T) {
	digests := []digest.Digest{
		digest.Sum([]byte("a")),
		digest.Sum([]byte("b")),
		digest.Sum([]byte("c")),
	}
	f := &FixedIndex{ChunkSize: 10, Digests: digests, TotalSize: 25}

	if f.IndexCount() != 3 {
		t.Fatalf("IndexCount = %d, want 3", f.IndexCount())
	}
	if f.IndexBytes() != 25 {
		t.Fatalf("IndexBytes = %d, want 25", f.IndexBytes())
	}

	info, err := f.ChunkInfo(2)
	if err != nil {
		t.Fatalf("ChunkInfo: %v", err)
	}
	if info.Start != 20 || info.End != 25 {
		t.Fatalf("last chunk range = [%d,%d), want [20,25)", info.Start, info.End)
	}

	if _, err := f.ChunkInfo(3); err == nil {
		t.Fatal("expected out-of-range error")
	}
}

func TestDynamicIndexChunkInfo(t *testing.T) {
	digests := []digest.Digest{
		digest.Sum([]byte("x")),
		digest.Sum([]byte("y")),
	}
	d := &DynamicIndex{Digests: digests, Ends: []uint64{100, 180}}

	if d.IndexBytes() != 180 {
		t.Fatalf("IndexBytes = %d, want 180", d.IndexBytes())
	}

	info, err := d.ChunkInfo(1)
	if err != nil {
		t.Fatalf("ChunkInfo: %v", err)
	}
	if info.Start != 100 || info.End != 180 {
		t.Fatalf("chunk 1 range = [%d,%d), want [100,180)", info.Start, info.End)
	}

	first, err := d.ChunkInfo(0)
	if err != nil {
		t.Fatalf("ChunkInfo(0): %v", err)
	}
	if first.Start != 0 || first.End != 100 {
		t.Fatalf("chunk 0 range = [%d,%d), want [0,100)", first.Start, first.End)
	}
}

func TestDynamicIndexEmpty(t *testing.T) {
	d := &DynamicIndex{}
	if d.IndexBytes() != 0 {
		t.Fatalf("IndexBytes = %d, want 0", d.IndexBytes())
	}
	if _, err := d.IndexDigest(0); err == nil {
		t.Fatal("expected out-of-range error on empty index")
	}
}
