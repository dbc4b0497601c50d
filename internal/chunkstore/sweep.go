package chunkstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"chunkvault/internal/worker"
)

// SweepResult is the accounting a GarbageCollectionStatus needs back from a
// sweep: removed/pending/disk totals and .bad sidecar bookkeeping.
type SweepResult struct {
	RemovedBytes  int64
	RemovedChunks int64

	// PendingBytes/PendingChunks count chunks that are candidates for
	// removal (unreferenced as of the mark boundary) but whose atime still
	// falls inside the safety window, so this sweep left them alone.
	PendingBytes  int64
	PendingChunks int64

	RemovedBad int64
	StillBad   int64

	// DiskBytes/DiskChunks are the totals remaining in the pool once this
	// sweep has finished (kept-live chunks plus pending chunks).
	DiskBytes  int64
	DiskChunks int64
}

// SweepUnusedChunks implements the atime-cutoff rule:
// T_cutoff = min(phase1Start, oldestWriter) − safetyWindow. A chunk
// is deleted only if its atime is strictly older than T_cutoff; chunks
// whose atime falls between T_cutoff and the reference boundary are left
// in place as "pending" for a future sweep.
//
// wctx is polled before every delete so GC's cooperative cancellation can
// stop the sweep between chunks, leaving a partial but consistent pool.
func (s *ChunkStore) SweepUnusedChunks(wctx *worker.Context, phase1Start time.Time, oldestWriter time.Time, hasOldestWriter bool, safetyWindow time.Duration) (SweepResult, error) {
	if err := s.checkOpen(); err != nil {
		return SweepResult{}, err
	}
	if wctx == nil {
		wctx = worker.Background()
	}
	if safetyWindow <= 0 {
		safetyWindow = DefaultSafetyWindow
	}

	referenceBoundary := phase1Start
	if hasOldestWriter && oldestWriter.Before(referenceBoundary) {
		referenceBoundary = oldestWriter
	}
	cutoff := referenceBoundary.Add(-safetyWindow)

	var result SweepResult

	for shardIndex := 0; shardIndex < shardCount; shardIndex++ {
		if err := wctx.Poll(); err != nil {
			return result, err
		}

		shard := fmt.Sprintf("%02x", shardIndex)
		shardDir := filepath.Join(s.cfg.Dir, shard)
		entries, err := os.ReadDir(shardDir)
		if err != nil {
			return result, fmt.Errorf("chunkstore: read shard %s: %w", shard, err)
		}

		if err := s.sweepShard(wctx, shardDir, entries, cutoff, referenceBoundary, &result); err != nil {
			return result, err
		}
	}

	return result, nil
}

func (s *ChunkStore) sweepShard(wctx *worker.Context, shardDir string, entries []os.DirEntry, cutoff, referenceBoundary time.Time, result *SweepResult) error {
	baseExists := make(map[string]bool)

	for _, entry := range entries {
		if entry.IsDir() || strings.HasSuffix(entry.Name(), ".bad") {
			continue
		}
		baseExists[entry.Name()] = true
	}

	for _, entry := range entries {
		if err := wctx.Poll(); err != nil {
			return err
		}
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		path := filepath.Join(shardDir, name)

		if strings.HasSuffix(name, ".bad") {
			s.sweepBadSidecar(path, name, baseExists, result)
			continue
		}

		info, err := entry.Info()
		if err != nil {
			return fmt.Errorf("chunkstore: stat %s: %w", path, err)
		}

		atime := accessTime(info)
		s.wait()

		switch {
		case atime.Before(cutoff):
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("chunkstore: remove %s: %w", path, err)
			}
			result.RemovedChunks++
			result.RemovedBytes += info.Size()
		case atime.Before(referenceBoundary):
			result.PendingChunks++
			result.PendingBytes += info.Size()
			result.DiskChunks++
			result.DiskBytes += info.Size()
		default:
			result.DiskChunks++
			result.DiskBytes += info.Size()
		}
	}

	return nil
}

func (s *ChunkStore) sweepBadSidecar(path, name string, baseExists map[string]bool, result *SweepResult) {
	base, ok := badSidecarBase(name)
	if !ok || baseExists[base] {
		if ok {
			result.StillBad++
		}
		return
	}
	if err := os.Remove(path); err == nil || os.IsNotExist(err) {
		result.RemovedBad++
	}
}

// badSidecarBase parses "<digest-hex>.<n>.bad" and returns "<digest-hex>".
func badSidecarBase(name string) (string, bool) {
	if !strings.HasSuffix(name, ".bad") {
		return "", false
	}
	trimmed := strings.TrimSuffix(name, ".bad")
	idx := strings.LastIndex(trimmed, ".")
	if idx < 0 {
		return "", false
	}
	if _, err := strconv.Atoi(trimmed[idx+1:]); err != nil {
		return "", false
	}
	return trimmed[:idx], true
}
