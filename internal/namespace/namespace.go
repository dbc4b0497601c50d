// Package namespace implements the on-disk layout of backup groups and
// snapshots: owner tracking, protection markers, and the two kinds of
// advisory locks (directory locks and manifest locks) that let concurrent
// backup, restore, and GC operations coexist safely.
package namespace

import (
	"errors"
	"regexp"
	"time"

	"chunkvault/internal/chunkstore"
)

const (
	ownerFileName     = "owner"
	protectedFileName = ".protected"
	manifestBlobName  = "index.json.blob"

	// ManifestLockTimeout is the blocking timeout for acquiring a manifest
	// lock, per the manifest update protocol.
	ManifestLockTimeout = 5 * time.Second
)

var (
	// ErrInvalidGroupType is returned for a backup type outside the closed
	// set this datastore accepts.
	ErrInvalidGroupType = errors.New("namespace: invalid backup group type")

	// ErrInvalidID is returned for a group id containing path separators
	// or otherwise unsuitable as a single path component.
	ErrInvalidID = errors.New("namespace: invalid backup group id")

	// ErrOwnerExists is returned by SetOwner when an owner file already
	// exists and force was not set.
	ErrOwnerExists = errors.New("namespace: owner already set")

	// ErrLockContended is returned when a non-blocking directory lock is
	// already held by another operation.
	ErrLockContended = errors.New("namespace: directory already in use")

	// ErrLockTimeout is returned when a manifest lock could not be
	// acquired within ManifestLockTimeout.
	ErrLockTimeout = errors.New("namespace: manifest lock timed out")

	// ErrProtected is returned when an operation would remove a protected
	// snapshot, with or without force.
	ErrProtected = errors.New("namespace: snapshot is protected")

	// ErrNotFound is returned when a group or snapshot does not exist.
	ErrNotFound = errors.New("namespace: not found")
)

// AllowedGroupTypes is the closed set of backup group types this
// datastore recognizes.
var AllowedGroupTypes = map[string]bool{
	"vm":   true,
	"ct":   true,
	"host": true,
}

// snapshotNamePattern matches the strict RFC-3339, second-precision, Z-only
// form snapshot directories are named with. Entries that don't match are
// silently ignored when listing a group's backups.
var snapshotNamePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}Z$`)

// snapshotTimeFormat is time.RFC3339 with second precision; Go's Format
// emits the "Z" suffix for a UTC Time under this layout.
const snapshotTimeFormat = "2006-01-02T15:04:05Z07:00"

// StoreRef is the narrow handle BackupGroup and BackupDir borrow from
// their owning datastore: just enough to resolve paths and touch chunks,
// not the full DataStore. This follows the value-type-plus-path-parameters
// shape rather than a back-reference, to avoid a reference cycle between
// the namespace and datastore packages.
type StoreRef struct {
	// StoreName identifies the owning datastore, used only to build
	// manifest lock paths.
	StoreName string

	// Root is the datastore's base directory.
	Root string

	// Chunks is the chunk pool backing this datastore. The namespace
	// package carries it for callers and does not call into it itself.
	Chunks *chunkstore.ChunkStore

	// RunDir is the base directory manifest-lock side-files are kept
	// under, separate from the datastore root itself.
	RunDir string
}

// FormatSnapshotTime renders t in the canonical snapshot directory name
// form: RFC-3339, second precision, Z suffix.
func FormatSnapshotTime(t time.Time) string {
	return t.UTC().Format(snapshotTimeFormat)
}

// ParseSnapshotTime parses a snapshot directory name, rejecting anything
// that doesn't match the strict accepted form exactly.
func ParseSnapshotTime(s string) (time.Time, error) {
	if !snapshotNamePattern.MatchString(s) {
		return time.Time{}, errors.New("namespace: malformed snapshot timestamp: " + s)
	}
	return time.Parse(snapshotTimeFormat, s)
}

// IsSnapshotName reports whether s matches the strict snapshot directory
// name pattern, without parsing it. Used by the GC walk to classify paths
// as canonical or strange.
func IsSnapshotName(s string) bool {
	return snapshotNamePattern.MatchString(s)
}
