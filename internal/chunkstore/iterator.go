package chunkstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"chunkvault/internal/digest"
)

// IterEntry is one item yielded by the chunk iterator: a chunk digest, the
// shard it lives in, and enough progress information to derive a
// whole-percent completion figure.
type IterEntry struct {
	Digest     digest.Digest
	Path       string
	Size       int64
	ShardIndex int  // 0..255, which shard this entry came from
	ShardTotal int  // always 256
	Done       bool // never set by Next; exhaustion is reported by Next's ok result
}

// Iterator walks the 256 shards lazily, shard by shard, so a GC run never
// holds a full directory listing of the whole pool in memory at once.
type Iterator struct {
	store      *ChunkStore
	shardIndex int
	pending    []os.DirEntry
	err        error
	done       bool
}

// GetChunkIterator returns an Iterator positioned before the first shard.
func (s *ChunkStore) GetChunkIterator() *Iterator {
	return &Iterator{store: s, shardIndex: -1}
}

// Next returns the next chunk entry, or (_, false, nil) once the walk is
// exhausted. A non-nil error aborts the walk; callers should stop calling
// Next after an error.
func (it *Iterator) Next() (IterEntry, bool, error) {
	if it.err != nil {
		return IterEntry{}, false, it.err
	}
	if it.done {
		return IterEntry{}, false, nil
	}

	for {
		if len(it.pending) == 0 {
			if !it.advanceShard() {
				it.done = true
				return IterEntry{}, false, nil
			}
			continue
		}

		entry := it.pending[0]
		it.pending = it.pending[1:]

		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".bad") {
			continue
		}
		d, parseErr := digest.Parse(name)
		if parseErr != nil {
			// Not a chunk file (e.g. a stray temp file); skip it.
			continue
		}

		it.store.wait()
		info, err := entry.Info()
		if err != nil {
			it.err = fmt.Errorf("chunkstore: stat %s: %w", name, err)
			return IterEntry{}, false, it.err
		}

		return IterEntry{
			Digest:     d,
			Path:       filepath.Join(it.store.cfg.Dir, d.ShardHex(), name),
			Size:       info.Size(),
			ShardIndex: it.shardIndex,
			ShardTotal: shardCount,
		}, true, nil
	}
}

// advanceShard loads the next non-empty shard's directory listing. Returns
// false once all 256 shards have been consumed.
func (it *Iterator) advanceShard() bool {
	for it.shardIndex+1 < shardCount {
		it.shardIndex++
		shard := fmt.Sprintf("%02x", it.shardIndex)
		entries, err := os.ReadDir(filepath.Join(it.store.cfg.Dir, shard))
		if err != nil {
			it.err = fmt.Errorf("chunkstore: read shard %s: %w", shard, err)
			return false
		}
		if len(entries) > 0 {
			it.pending = entries
			return true
		}
	}
	return false
}

// Percent returns a whole-percent completion estimate for the current
// iterator position, derived from the shard index.
func (e IterEntry) Percent() int {
	if e.ShardTotal == 0 {
		return 100
	}
	return (e.ShardIndex + 1) * 100 / e.ShardTotal
}
