package digest

import "testing"

func TestSumAndString(t *testing.T) {
	d := Sum([]byte("hello"))
	s := d.String()
	if len(s) != Size*2 {
		t.Fatalf("String() length = %d, want %d", len(s), Size*2)
	}

	back, err := Parse(s)
	if err != nil {
		t.Fatalf("Parse(%q): %v", s, err)
	}
	if back != d {
		t.Fatalf("round trip mismatch: got %s, want %s", back, d)
	}
}

func TestSumDeterministic(t *testing.T) {
	a := Sum([]byte("hello"))
	b := Sum([]byte("hello"))
	if a != b {
		t.Fatal("Sum is not deterministic")
	}
	c := Sum([]byte("world"))
	if a == c {
		t.Fatal("different input produced the same digest")
	}
}

func TestShardHex(t *testing.T) {
	d := Sum([]byte("hello"))
	shard := d.ShardHex()
	if len(shard) != 2 {
		t.Fatalf("ShardHex() = %q, want 2 chars", shard)
	}
	if shard != d.String()[:2] {
		t.Fatalf("ShardHex() = %q, want prefix of %q", shard, d.String())
	}
}

func TestParseInvalidLength(t *testing.T) {
	if _, err := Parse("abcd"); err == nil {
		t.Fatal("expected error for short hex string")
	}
}

func TestParseInvalidHex(t *testing.T) {
	bad := make([]byte, Size*2)
	for i := range bad {
		bad[i] = 'z'
	}
	if _, err := Parse(string(bad)); err == nil {
		t.Fatal("expected error for non-hex string")
	}
}

func TestIsZero(t *testing.T) {
	var d Digest
	if !d.IsZero() {
		t.Fatal("zero value should report IsZero")
	}
	d = Sum([]byte("x"))
	if d.IsZero() {
		t.Fatal("non-zero digest reported IsZero")
	}
}
