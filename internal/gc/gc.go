// Package gc implements the two-phase mark-and-sweep garbage collector:
// phase 1 walks every index file in a datastore and touches the chunks it
// references; phase 2 sweeps the chunk pool for anything left with a
// stale atime. Correctness rests entirely on the atime-cutoff rule in
// chunkstore, not on mutual exclusion with concurrent writers.
package gc

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"chunkvault/internal/chunkstore"
	"chunkvault/internal/index"
	"chunkvault/internal/logging"
	"chunkvault/internal/worker"
)

// ErrAlreadyRunning is returned by Run when a GC pass is already active
// for this driver.
var ErrAlreadyRunning = errors.New("gc: already running")

// IndexOpener loads an index file at path into the uniform IndexFile read
// view. The on-disk .fidx/.didx encodings are an external collaborator:
// callers supply whatever decoder matches their archive format.
type IndexOpener func(path string) (index.IndexFile, error)

// Config configures a Driver.
type Config struct {
	// Root is the datastore's base directory.
	Root string

	// Chunks is the chunk pool this datastore owns.
	Chunks *chunkstore.ChunkStore

	// SafetyWindow is the atime-cutoff safety margin. Zero means
	// chunkstore.DefaultSafetyWindow.
	SafetyWindow time.Duration

	// SkipGlobs lists doublestar patterns, relative to Root, that the
	// phase-1 walk should not descend into (e.g. "**/lost+found").
	SkipGlobs []string

	// OpenIndex loads an index file found during the walk.
	OpenIndex IndexOpener

	// StatusPath is where the last completed status is persisted
	// (conventionally <Root>/.gc-status). Empty disables persistence.
	StatusPath string

	// HistoryPath, when KeepHistory > 0, is where a rotating history of
	// completed statuses is appended (conventionally
	// <Root>/.gc-status.history).
	HistoryPath string

	// KeepHistory caps the number of entries retained in HistoryPath.
	// Zero disables history.
	KeepHistory int

	// CompressHistory zstd-compresses the history file's contents.
	CompressHistory bool

	Logger *slog.Logger

	// Now, if set, overrides time.Now (for deterministic tests).
	Now func() time.Time
}

// Status is the result of one completed (or aborted) GC run, matching the
// GarbageCollectionStatus report contract.
type Status struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Completed  bool      `json:"completed"`
	AbortedErr string    `json:"aborted_error,omitempty"`

	IndexFilesProcessed int64  `json:"index_files_processed"`
	ChunksMarked        int64  `json:"chunks_marked"`
	MissingChunks       int64  `json:"missing_chunks"`
	StrangePaths        int64  `json:"strange_paths"`
	IndexDataBytes      uint64 `json:"index_data_bytes"`

	RemovedBytes  int64 `json:"removed_bytes"`
	RemovedChunks int64 `json:"removed_chunks"`
	PendingBytes  int64 `json:"pending_bytes"`
	PendingChunks int64 `json:"pending_chunks"`
	RemovedBad    int64 `json:"removed_bad"`
	StillBad      int64 `json:"still_bad"`
	DiskBytes     int64 `json:"disk_bytes"`
	DiskChunks    int64 `json:"disk_chunks"`

	DedupFactor      float64 `json:"dedup_factor"`
	AverageChunkSize float64 `json:"average_chunk_size"`
	CompressionRatio float64 `json:"compression_ratio"`
}

// Driver runs GC passes for a single datastore, serialized so at most one
// runs at a time.
type Driver struct {
	cfg Config

	runMu   sync.Mutex
	running bool

	statusMu   sync.Mutex
	lastStatus *Status

	logger *slog.Logger
}

// NewDriver builds a Driver from cfg, applying defaults.
func NewDriver(cfg Config) *Driver {
	if cfg.SafetyWindow <= 0 {
		cfg.SafetyWindow = chunkstore.DefaultSafetyWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Driver{cfg: cfg, logger: logging.Scope(cfg.Logger, "gc")}
}

// Running reports whether a GC pass is currently active.
func (d *Driver) Running() bool {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	return d.running
}

// LastStatus returns the status of the most recently completed run. An
// aborted run is persisted but does not replace it.
func (d *Driver) LastStatus() (Status, bool) {
	d.statusMu.Lock()
	defer d.statusMu.Unlock()
	if d.lastStatus == nil {
		return Status{}, false
	}
	return *d.lastStatus, true
}

// Run executes one GC pass: mark, then sweep. It fails immediately with
// ErrAlreadyRunning if another pass is active on this driver.
func (d *Driver) Run(wctx *worker.Context) (Status, error) {
	if !d.tryStart() {
		return Status{}, ErrAlreadyRunning
	}
	defer d.finish()

	if wctx == nil {
		wctx = worker.Background()
	}

	runID := uuid.NewString()
	status := Status{RunID: runID, StartedAt: d.cfg.Now()}
	d.logger.Info("gc run starting", "run_id", runID, "store_root", d.cfg.Root)

	if release, err := d.cfg.Chunks.TryExclusiveLock(); err != nil {
		d.logger.Warn("gc exclusive-lock defensive check failed, continuing under shared lock", "run_id", runID, "error", err)
	} else {
		release()
	}

	markResult, err := d.mark(wctx, &status)
	if err != nil {
		status.FinishedAt = d.cfg.Now()
		status.AbortedErr = err.Error()
		d.persist(status)
		return status, err
	}
	status.IndexFilesProcessed = markResult.indexFiles
	status.ChunksMarked = markResult.marked
	status.MissingChunks = markResult.missing
	status.StrangePaths = markResult.strange
	status.IndexDataBytes = markResult.indexDataBytes

	oldestWriter, hasOldestWriter := d.cfg.Chunks.OldestWriter()
	sweepResult, err := d.cfg.Chunks.SweepUnusedChunks(wctx, status.StartedAt, oldestWriter, hasOldestWriter, d.cfg.SafetyWindow)
	if err != nil {
		status.FinishedAt = d.cfg.Now()
		status.AbortedErr = err.Error()
		d.persist(status)
		return status, err
	}

	status.RemovedBytes = sweepResult.RemovedBytes
	status.RemovedChunks = sweepResult.RemovedChunks
	status.PendingBytes = sweepResult.PendingBytes
	status.PendingChunks = sweepResult.PendingChunks
	status.RemovedBad = sweepResult.RemovedBad
	status.StillBad = sweepResult.StillBad
	status.DiskBytes = sweepResult.DiskBytes
	status.DiskChunks = sweepResult.DiskChunks
	status.Completed = true
	status.FinishedAt = d.cfg.Now()

	if status.DiskBytes > 0 {
		status.DedupFactor = float64(status.IndexDataBytes) / float64(status.DiskBytes)
	}
	if status.DiskChunks > 0 {
		status.AverageChunkSize = float64(status.DiskBytes) / float64(status.DiskChunks)
	}
	// The on-disk compression ratio isolates client-side chunk compression
	// from deduplication: it compares the average logical chunk size (the
	// bytes an index position represents, before any dedup collapsing) to
	// the average stored chunk size.
	if status.ChunksMarked > 0 && status.AverageChunkSize > 0 {
		avgLogicalChunkSize := float64(status.IndexDataBytes) / float64(status.ChunksMarked)
		status.CompressionRatio = avgLogicalChunkSize / status.AverageChunkSize
	}

	d.logger.Info("gc run finished",
		"run_id", runID,
		"removed_chunks", status.RemovedChunks,
		"removed_bytes", status.RemovedBytes,
		"disk_chunks", status.DiskChunks,
		"dedup_factor", status.DedupFactor,
	)

	d.statusMu.Lock()
	d.lastStatus = &status
	d.statusMu.Unlock()

	d.persist(status)
	return status, nil
}

func (d *Driver) tryStart() bool {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	if d.running {
		return false
	}
	d.running = true
	return true
}

func (d *Driver) finish() {
	d.runMu.Lock()
	d.running = false
	d.runMu.Unlock()
}
