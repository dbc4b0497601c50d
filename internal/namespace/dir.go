package namespace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// BackupDir identifies one point-in-time snapshot within a BackupGroup.
type BackupDir struct {
	Group     BackupGroup
	Timestamp time.Time
}

// FullPath returns the snapshot's on-disk directory,
// <base>/<type>/<id>/<rfc3339>.
func (d BackupDir) FullPath() string {
	return filepath.Join(d.Group.Path(), FormatSnapshotTime(d.Timestamp))
}

// ManifestPath returns the path of the snapshot's signed manifest blob.
func (d BackupDir) ManifestPath() string {
	return filepath.Join(d.FullPath(), manifestBlobName)
}

func (d BackupDir) protectedPath() string {
	return filepath.Join(d.FullPath(), protectedFileName)
}

// LoadBlob reads a named file from within the snapshot directory, e.g.
// the manifest blob or a client log.
func (d BackupDir) LoadBlob(name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(d.FullPath(), name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s in %s", ErrNotFound, name, d.FullPath())
		}
		return nil, fmt.Errorf("namespace: load blob %s: %w", name, err)
	}
	return data, nil
}

// IsProtected reports whether the snapshot carries a .protected marker.
func (d BackupDir) IsProtected() bool {
	_, err := os.Stat(d.protectedPath())
	return err == nil
}

// successful reports whether the snapshot's manifest blob exists and
// parses as JSON. Decoding the manifest's contents is the datastore
// layer's job; this is only the check LastSuccessfulBackup needs.
func (d BackupDir) successful() bool {
	data, err := os.ReadFile(d.ManifestPath())
	return err == nil && json.Valid(data)
}

// SetProtected creates or removes the .protected marker.
func (d BackupDir) SetProtected(protected bool) error {
	path := d.protectedPath()
	if protected {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
		if err != nil {
			if os.IsExist(err) {
				return nil
			}
			return fmt.Errorf("namespace: create protection marker: %w", err)
		}
		return f.Close()
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("namespace: remove protection marker: %w", err)
	}
	return nil
}

// Destroy removes the snapshot directory. Without force, it first takes
// the snapshot's directory lock and its manifest lock; force skips both
// locks. A protected snapshot is refused either way.
func (d BackupDir) Destroy(force bool) error {
	if !force {
		release, err := d.LockDir("snapshot removal")
		if err != nil {
			return err
		}
		defer release()

		releaseManifest, err := d.ManifestLock()
		if err != nil {
			return err
		}
		defer releaseManifest()
	}

	if d.IsProtected() {
		return fmt.Errorf("%w: %s", ErrProtected, d.FullPath())
	}

	if err := os.RemoveAll(d.FullPath()); err != nil {
		return fmt.Errorf("namespace: remove snapshot %s: %w", d.FullPath(), err)
	}
	return nil
}
