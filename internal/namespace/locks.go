package namespace

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// lockPollInterval is how often ManifestLock retries acquisition while
// waiting out its blocking timeout.
const lockPollInterval = 20 * time.Millisecond

// lockDirNoblock takes a non-blocking exclusive flock directly on path
// (which may be a directory), returning ErrLockContended with reason on
// contention. The directory itself is the lock target so that a rename or
// atomic replace elsewhere never invalidates it.
func lockDirNoblock(path, reason string) (release func(), err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("namespace: open %s for locking: %w", path, err)
	}
	if flockErr := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); flockErr != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s (%s)", ErrLockContended, path, reason)
	}
	return func() { _ = f.Close() }, nil
}

// LockDir acquires a non-blocking exclusive lock on the group directory,
// held for the duration of a single operation that must exclude all
// others on this group (e.g. snapshot creation).
func (g BackupGroup) LockDir(reason string) (release func(), err error) {
	if err := os.MkdirAll(g.Path(), 0o750); err != nil {
		return nil, fmt.Errorf("namespace: create group dir: %w", err)
	}
	return lockDirNoblock(g.Path(), reason)
}

// LockDir acquires a non-blocking exclusive lock on the snapshot
// directory itself, held for the duration of a single operation (e.g.
// snapshot creation or deletion). Contention surfaces as ErrLockContended
// with a reason string mentioning "already in use".
func (d BackupDir) LockDir(reason string) (release func(), err error) {
	if err := os.MkdirAll(d.FullPath(), 0o750); err != nil {
		return nil, fmt.Errorf("namespace: create snapshot dir: %w", err)
	}
	return lockDirNoblock(d.FullPath(), reason+": already in use")
}

// CreateLockedBackupDir creates the snapshot directory (if absent) and
// locks it, returning the release function alongside the BackupDir handle.
// A second concurrent call for the same group/timestamp fails with
// ErrLockContended.
func (g BackupGroup) CreateLockedBackupDir(ts time.Time) (dir BackupDir, release func(), err error) {
	dir = BackupDir{Group: g, Timestamp: ts}
	release, err = dir.LockDir("backup creation")
	if err != nil {
		return BackupDir{}, nil, err
	}
	return dir, release, nil
}

// manifestLockPath builds <runDir>/locks/<store>/<type>/<id>/<rfc3339>.index.json.lck,
// a side path deliberately distinct from the manifest file itself: atomic
// rename replaces the manifest's inode, which would silently invalidate a
// flock held on that same file.
func manifestLockPath(ref StoreRef, typ, id string, ts time.Time) string {
	return filepath.Join(ref.RunDir, "locks", ref.StoreName, typ, id, FormatSnapshotTime(ts)+".index.json.lck")
}

// ManifestLock acquires the manifest lock for this snapshot, blocking up
// to ManifestLockTimeout before giving up with ErrLockTimeout. It
// serializes manifest read-modify-write sequences against concurrent
// updates to the same snapshot.
func (d BackupDir) ManifestLock() (release func(), err error) {
	path := manifestLockPath(d.Group.ref, d.Group.Type, d.Group.ID, d.Timestamp)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("namespace: create manifest lock dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return nil, fmt.Errorf("namespace: open manifest lock file: %w", err)
	}

	deadline := time.Now().Add(ManifestLockTimeout)
	for {
		flockErr := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if flockErr == nil {
			return func() { _ = f.Close() }, nil
		}
		if time.Now().After(deadline) {
			_ = f.Close()
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, path)
		}
		time.Sleep(lockPollInterval)
	}
}
