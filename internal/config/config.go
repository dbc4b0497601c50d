// Package config provides the datastore configuration record and its
// persistence, plus the generation counter that the datastore registry uses
// to decide whether a cached handle is still fresh.
//
// Store is not accessed on the backup/restore hot path: it is read
// once per lookup() and otherwise left alone. Full config-file parsing, the
// config CLI, and the user-facing config format are out of scope -- this
// package owns only DataStoreConfig and its persistence contract.
package config

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Store.Load when no config exists for a name.
var ErrNotFound = errors.New("config: datastore not found")

// Operation tags a datastore handle request as a reader or a writer, for
// maintenance-mode enforcement and for the per-datastore operation counter.
type Operation int

const (
	// OperationNone is used for lookups that do not hold the datastore open
	// for backup/restore (e.g. administrative listing).
	OperationNone Operation = iota
	OperationRead
	OperationWrite
)

func (o Operation) String() string {
	switch o {
	case OperationRead:
		return "read"
	case OperationWrite:
		return "write"
	default:
		return "none"
	}
}

// MaintenanceMode describes the datastore's current administrative state.
type MaintenanceMode int

const (
	// MaintenanceNone allows all operations.
	MaintenanceNone MaintenanceMode = iota
	// MaintenanceReadOnly allows reads but rejects new writers.
	MaintenanceReadOnly
	// MaintenanceOffline rejects all new operations, including reads.
	MaintenanceOffline
)

func (m MaintenanceMode) String() string {
	switch m {
	case MaintenanceReadOnly:
		return "read-only"
	case MaintenanceOffline:
		return "offline"
	default:
		return "none"
	}
}

// Allows reports whether op may proceed under this maintenance mode.
func (m MaintenanceMode) Allows(op Operation) bool {
	switch m {
	case MaintenanceOffline:
		return false
	case MaintenanceReadOnly:
		return op != OperationWrite
	default:
		return true
	}
}

// TuningConfig carries the per-datastore operational knobs: the GC safety
// window, optional compression of manifest/gc-status envelopes, and GC
// rate limiting.
type TuningConfig struct {
	// GCSafetyWindowSeconds is the atime-cutoff safety margin (default:
	// 300 seconds / 5 minutes). Zero means "use the default".
	GCSafetyWindowSeconds int64

	// CompressEnvelopes enables zstd compression of the signed manifest blob
	// payload and of retained .gc-status history entries. The on-disk file
	// names and the bit-relevant layout are unaffected.
	CompressEnvelopes bool

	// KeepGCHistory is the number of completed GC statuses retained in
	// .gc-status.history, in addition to the single authoritative
	// .gc-status file. Zero disables history retention.
	KeepGCHistory int

	// GCChunksPerSecond rate-limits the GC mark and sweep walks. The same
	// limiter also paces chunk inserts and touches by backup writers, since
	// the chunk store shares one limiter across all its operations. Zero
	// means unlimited.
	GCChunksPerSecond int
}

// DataStoreConfig is the declarative description of one datastore, as
// consumed by lookup_datastore. It is the one piece of "package
// configuration" this repo owns; everything else about config loading,
// parsing, and editing belongs to an external collaborator.
type DataStoreConfig struct {
	Name            string
	Path            string
	Tuning          TuningConfig
	VerifyNew       bool
	MaintenanceMode MaintenanceMode
}

// Store persists and loads datastore configuration. Save bumps the
// generation returned by the accompanying VersionCache (see version.go);
// Load does not.
type Store interface {
	// Load returns the configuration for name, or ErrNotFound.
	Load(ctx context.Context, name string) (DataStoreConfig, error)

	// List returns the names of all configured datastores.
	List(ctx context.Context) ([]string, error)

	// Save persists cfg, creating or replacing the entry for cfg.Name.
	Save(ctx context.Context, cfg DataStoreConfig) error

	// Remove deletes the configuration for name. Returns ErrNotFound if
	// absent.
	Remove(ctx context.Context, name string) error
}
