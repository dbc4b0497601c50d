// Package index defines the uniform read view over a per-archive index
// file that garbage collection and restore consume. Fixed-size and
// dynamic-size encodings present identical surface through the IndexFile
// interface; this package ships only in-memory stand-ins, since the
// on-disk encodings themselves live outside this repo's scope.
package index

import (
	"errors"
	"fmt"

	"chunkvault/internal/digest"
)

// ErrOutOfRange is returned by IndexDigest/ChunkInfo for a position outside
// [0, IndexCount()).
var ErrOutOfRange = errors.New("index: position out of range")

// ChunkInfo describes one referenced chunk and the byte range of the
// original (uncompressed) stream it reconstructs.
type ChunkInfo struct {
	Digest digest.Digest
	Start  uint64
	End    uint64
}

// IndexFile is the minimal capability set GC and restore need from an
// archive index: count, per-position digest, total referenced bytes, and
// the byte range each position covers.
type IndexFile interface {
	IndexCount() int
	IndexDigest(pos int) (digest.Digest, error)
	IndexBytes() uint64
	ChunkInfo(pos int) (ChunkInfo, error)
}

// FixedIndex is an in-memory IndexFile for block-device-style backups
// where every chunk has the same length except possibly the last.
type FixedIndex struct {
	ChunkSize uint64
	Digests   []digest.Digest
	TotalSize uint64
}

var _ IndexFile = (*FixedIndex)(nil)

// IndexCount returns the number of chunk positions.
func (f *FixedIndex) IndexCount() int {
	return len(f.Digests)
}

// IndexDigest returns the digest at pos.
func (f *FixedIndex) IndexDigest(pos int) (digest.Digest, error) {
	if pos < 0 || pos >= len(f.Digests) {
		return digest.Digest{}, fmt.Errorf("%w: %d", ErrOutOfRange, pos)
	}
	return f.Digests[pos], nil
}

// IndexBytes returns the total uncompressed byte count the index
// represents.
func (f *FixedIndex) IndexBytes() uint64 {
	return f.TotalSize
}

// ChunkInfo returns the digest and byte range for pos. The final position
// may be shorter than ChunkSize if TotalSize isn't an exact multiple.
func (f *FixedIndex) ChunkInfo(pos int) (ChunkInfo, error) {
	d, err := f.IndexDigest(pos)
	if err != nil {
		return ChunkInfo{}, err
	}
	start := uint64(pos) * f.ChunkSize
	end := start + f.ChunkSize
	if end > f.TotalSize {
		end = f.TotalSize
	}
	return ChunkInfo{Digest: d, Start: start, End: end}, nil
}

// DynamicIndex is an in-memory IndexFile for content-defined-chunking
// archives, where each chunk's length is recorded explicitly as a
// cumulative end offset.
type DynamicIndex struct {
	Digests []digest.Digest
	// Ends holds, for each position, the cumulative uncompressed byte
	// offset at which that chunk ends. len(Ends) must equal len(Digests).
	Ends []uint64
}

var _ IndexFile = (*DynamicIndex)(nil)

// IndexCount returns the number of chunk positions.
func (d *DynamicIndex) IndexCount() int {
	return len(d.Digests)
}

// IndexDigest returns the digest at pos.
func (d *DynamicIndex) IndexDigest(pos int) (digest.Digest, error) {
	if pos < 0 || pos >= len(d.Digests) {
		return digest.Digest{}, fmt.Errorf("%w: %d", ErrOutOfRange, pos)
	}
	return d.Digests[pos], nil
}

// IndexBytes returns the total uncompressed byte count the index
// represents: the final cumulative end offset, or zero if empty.
func (d *DynamicIndex) IndexBytes() uint64 {
	if len(d.Ends) == 0 {
		return 0
	}
	return d.Ends[len(d.Ends)-1]
}

// ChunkInfo returns the digest and byte range for pos.
func (d *DynamicIndex) ChunkInfo(pos int) (ChunkInfo, error) {
	dg, err := d.IndexDigest(pos)
	if err != nil {
		return ChunkInfo{}, err
	}
	if pos >= len(d.Ends) {
		return ChunkInfo{}, fmt.Errorf("%w: %d", ErrOutOfRange, pos)
	}
	end := d.Ends[pos]
	var start uint64
	if pos > 0 {
		start = d.Ends[pos-1]
	}
	return ChunkInfo{Digest: dg, Start: start, End: end}, nil
}
