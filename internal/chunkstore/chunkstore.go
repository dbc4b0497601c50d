// Package chunkstore implements a content-addressed blob pool: a 256-way
// sharded digest→path mapping with idempotent inserts, atime-based
// conditional touches, and the process-wide shared/exclusive lock that the
// garbage collector coordinates against.
//
// The store is deliberately ignorant of snapshots, indices, and manifests:
// it knows only digests and bytes. Everything above that line lives in the
// namespace and datastore packages.
package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"chunkvault/internal/digest"
	"chunkvault/internal/logging"
)

const (
	chunksDirName = ".chunks"
	lockFileName  = ".lock"

	// DefaultSafetyWindow is the GC atime-cutoff safety margin.
	DefaultSafetyWindow = 5 * time.Minute

	// shardCount is the number of two-hex-char shard directories.
	shardCount = 256
)

var (
	// ErrMissingDir is returned by Open when no path is given.
	ErrMissingDir = errors.New("chunkstore: path is required")

	// ErrDirectoryLocked is returned when the process lock is already held
	// exclusively by another process.
	ErrDirectoryLocked = errors.New("chunkstore: store directory is locked by another process")

	// ErrChunkNotFound is returned when a digest has no corresponding chunk.
	ErrChunkNotFound = errors.New("chunkstore: chunk not found")

	// ErrClosed is returned by any operation on a closed store.
	ErrClosed = errors.New("chunkstore: store is closed")
)

// Config configures a ChunkStore.
type Config struct {
	// Name identifies the owning datastore, used only for logging.
	Name string

	// Dir is the chunk pool root (conventionally <datastore>/.chunks).
	Dir string

	// LockPath is the process lock file, conventionally <datastore>/.lock,
	// one level above the pool itself. Defaults to <Dir>/.lock when empty.
	LockPath string

	FileMode os.FileMode
	DirMode  os.FileMode

	// Now, if set, overrides time.Now (for deterministic tests).
	Now func() time.Time

	// Logger scopes a "chunkstore" component logger. May be nil.
	Logger *slog.Logger

	// ChunksPerSecond rate-limits the store's per-chunk operations: inserts,
	// touches (including GC's mark), iterator steps and sweep entries all
	// share one limiter. Zero means unlimited. See
	// TuningConfig.GCChunksPerSecond in the config package.
	ChunksPerSecond int
}

// ChunkStore is a content-addressed blob pool rooted at a single directory.
type ChunkStore struct {
	cfg    Config
	logger *slog.Logger

	lockFile *os.File
	lockMu   sync.Mutex // serializes lock state transitions on lockFile

	writersMu sync.Mutex
	writers   map[writerID]time.Time

	limiter *rate.Limiter

	closed bool
	mu     sync.Mutex
}

// Open verifies (creating if necessary) the 256-shard directory tree at
// cfg.Dir and acquires the process lock in shared mode, as a live writer
// would. GC performs its own one-shot exclusive upgrade via
// TryExclusiveLock; no separate read-only open mode exists.
func Open(cfg Config) (*ChunkStore, error) {
	if cfg.Dir == "" {
		return nil, ErrMissingDir
	}
	if cfg.FileMode == 0 {
		cfg.FileMode = 0o640
	}
	if cfg.DirMode == 0 {
		cfg.DirMode = 0o750
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.LockPath == "" {
		cfg.LockPath = filepath.Join(cfg.Dir, lockFileName)
	}

	if err := os.MkdirAll(cfg.Dir, cfg.DirMode); err != nil {
		return nil, fmt.Errorf("chunkstore: create %s: %w", cfg.Dir, err)
	}
	if err := ensureShards(cfg.Dir, cfg.DirMode); err != nil {
		return nil, err
	}

	lockFile, err := os.OpenFile(cfg.LockPath, os.O_CREATE|os.O_RDWR, cfg.FileMode)
	if err != nil {
		return nil, fmt.Errorf("chunkstore: open lock file: %w", err)
	}
	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_SH|syscall.LOCK_NB); err != nil {
		_ = lockFile.Close()
		return nil, fmt.Errorf("%w: %s", ErrDirectoryLocked, cfg.Dir)
	}

	var limiter *rate.Limiter
	if cfg.ChunksPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.ChunksPerSecond), cfg.ChunksPerSecond)
	}

	logger := logging.Scope(cfg.Logger, "chunkstore", "store", cfg.Name)

	return &ChunkStore{
		cfg:      cfg,
		logger:   logger,
		lockFile: lockFile,
		writers:  make(map[writerID]time.Time),
		limiter:  limiter,
	}, nil
}

func ensureShards(dir string, mode os.FileMode) error {
	for i := 0; i < shardCount; i++ {
		shard := fmt.Sprintf("%02x", i)
		if err := os.MkdirAll(filepath.Join(dir, shard), mode); err != nil {
			return fmt.Errorf("chunkstore: create shard %s: %w", shard, err)
		}
	}
	return nil
}

// Close releases the process lock. The store must not be used afterwards.
func (s *ChunkStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.lockFile != nil {
		err := s.lockFile.Close()
		s.lockFile = nil
		return err
	}
	return nil
}

func (s *ChunkStore) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// ChunkPath returns the on-disk path for a chunk digest:
// <dir>/<hh>/<digest-hex>.
func (s *ChunkStore) ChunkPath(d digest.Digest) string {
	return filepath.Join(s.cfg.Dir, d.ShardHex(), d.String())
}

// BadChunkPath returns the sidecar path for the n-th (0..9) bad-chunk
// marker for digest d.
func (s *ChunkStore) BadChunkPath(d digest.Digest, n int) string {
	return fmt.Sprintf("%s.%d.bad", s.ChunkPath(d), n)
}

func (s *ChunkStore) now() time.Time {
	return s.cfg.Now()
}

// wait blocks on the rate limiter, if configured. The error is discarded:
// with a background context and a burst of at least one, Wait cannot fail.
func (s *ChunkStore) wait() {
	if s.limiter == nil {
		return
	}
	_ = s.limiter.Wait(context.Background())
}
