package chunkstore

import (
	"fmt"
	"os"
	"path/filepath"

	"chunkvault/internal/digest"
)

// InsertChunk writes blob under its content digest. If a chunk with this
// digest already exists, the temp file is discarded, the existing chunk's
// atime is touched, and alreadyExisted reports true -- insertion is
// idempotent by construction.
func (s *ChunkStore) InsertChunk(blob []byte, d digest.Digest) (alreadyExisted bool, size int64, err error) {
	if err := s.checkOpen(); err != nil {
		return false, 0, err
	}
	s.wait()

	target := s.ChunkPath(d)
	if _, statErr := os.Stat(target); statErr == nil {
		if _, err := s.CondTouchChunk(d, true); err != nil {
			return false, 0, err
		}
		return true, int64(len(blob)), nil
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".insert-*.tmp")
	if err != nil {
		return false, 0, fmt.Errorf("chunkstore: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }() // no-op once renamed away

	if _, err := tmp.Write(blob); err != nil {
		_ = tmp.Close()
		return false, 0, fmt.Errorf("chunkstore: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return false, 0, fmt.Errorf("chunkstore: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return false, 0, fmt.Errorf("chunkstore: close temp file: %w", err)
	}

	if err := os.Chmod(tmpPath, s.cfg.FileMode); err != nil {
		return false, 0, fmt.Errorf("chunkstore: chmod temp file: %w", err)
	}

	if err := os.Rename(tmpPath, target); err != nil {
		// Lost the race with a concurrent identical insert: treat as a hit.
		if _, statErr := os.Stat(target); statErr == nil {
			if _, err := s.CondTouchChunk(d, true); err != nil {
				return false, 0, err
			}
			return true, int64(len(blob)), nil
		}
		return false, 0, fmt.Errorf("chunkstore: rename into place: %w", err)
	}

	// Stamp the atime explicitly rather than trusting the mount to track
	// it: GC's cutoff rule reads it back, and a freshly renamed file's
	// times say nothing about when this writer last referenced the chunk.
	now := s.now()
	if err := os.Chtimes(target, now, now); err != nil {
		return false, 0, fmt.Errorf("chunkstore: touch %s: %w", target, err)
	}

	return false, int64(len(blob)), nil
}

// LoadChunk reads the full contents of the chunk identified by d.
func (s *ChunkStore) LoadChunk(d digest.Digest) ([]byte, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Clean(s.ChunkPath(d)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrChunkNotFound, d)
		}
		return nil, fmt.Errorf("chunkstore: load %s: %w", d, err)
	}
	return data, nil
}

// StatChunk reports whether a chunk exists and its size, without reading
// its content.
func (s *ChunkStore) StatChunk(d digest.Digest) (size int64, exists bool, err error) {
	if err := s.checkOpen(); err != nil {
		return 0, false, err
	}
	info, statErr := os.Stat(s.ChunkPath(d))
	if os.IsNotExist(statErr) {
		return 0, false, nil
	}
	if statErr != nil {
		return 0, false, fmt.Errorf("chunkstore: stat %s: %w", d, statErr)
	}
	return info.Size(), true, nil
}

// CondTouchChunk bumps the atime of the chunk identified by d. If the chunk
// is missing, it returns false when failIfMissing is false, or an error
// when failIfMissing is true.
func (s *ChunkStore) CondTouchChunk(d digest.Digest, failIfMissing bool) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	return s.CondTouchPath(s.ChunkPath(d), failIfMissing)
}

// CondTouchPath is the generalized touch used both for chunk files and for
// .bad sidecars: it performs an explicit atime update rather than relying
// on a bare read, which some mount options never translate into an atime
// bump at all.
func (s *ChunkStore) CondTouchPath(path string, failIfMissing bool) (bool, error) {
	s.wait()

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		if failIfMissing {
			return false, fmt.Errorf("%w: %s", ErrChunkNotFound, path)
		}
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("chunkstore: stat %s: %w", path, err)
	}

	now := s.now()
	if err := os.Chtimes(path, now, info.ModTime()); err != nil {
		return false, fmt.Errorf("chunkstore: touch %s: %w", path, err)
	}
	return true, nil
}
