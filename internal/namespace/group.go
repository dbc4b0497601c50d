package namespace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"chunkvault/internal/auth"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// BackupGroup identifies a (type, id) namespace grouping related
// snapshots of the same source, e.g. one VM's successive backups.
type BackupGroup struct {
	ref  StoreRef
	Type string
	ID   string
}

// NewBackupGroup validates typ and id and returns a BackupGroup handle.
// It does not touch the filesystem; the group directory is created
// lazily by the first snapshot.
func NewBackupGroup(ref StoreRef, typ, id string) (BackupGroup, error) {
	if !AllowedGroupTypes[typ] {
		return BackupGroup{}, fmt.Errorf("%w: %s", ErrInvalidGroupType, typ)
	}
	if id == "" || !idPattern.MatchString(id) {
		return BackupGroup{}, fmt.Errorf("%w: %s", ErrInvalidID, id)
	}
	return BackupGroup{ref: ref, Type: typ, ID: id}, nil
}

// Path returns the group's on-disk directory, <base>/<type>/<id>.
func (g BackupGroup) Path() string {
	return filepath.Join(g.ref.Root, g.Type, g.ID)
}

func (g BackupGroup) ownerPath() string {
	return filepath.Join(g.Path(), ownerFileName)
}

// GetOwner returns the identity recorded in the group's owner file,
// stripped of its trailing newline.
func (g BackupGroup) GetOwner() (auth.Authid, error) {
	data, err := os.ReadFile(g.ownerPath())
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: owner for %s/%s", ErrNotFound, g.Type, g.ID)
		}
		return "", fmt.Errorf("namespace: read owner: %w", err)
	}
	return auth.Parse(strings.TrimSuffix(string(data), "\n"))
}

// SetOwner writes the group's owner file. Without force, it refuses to
// overwrite an existing owner.
func (g BackupGroup) SetOwner(authid auth.Authid, force bool) error {
	if err := os.MkdirAll(g.Path(), 0o750); err != nil {
		return fmt.Errorf("namespace: create group dir: %w", err)
	}

	path := g.ownerPath()
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w: %s/%s", ErrOwnerExists, g.Type, g.ID)
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("namespace: stat owner: %w", err)
		}
	}

	tmp, err := os.CreateTemp(g.Path(), ".owner-*.tmp")
	if err != nil {
		return fmt.Errorf("namespace: create owner temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.WriteString(authid.String() + "\n"); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("namespace: write owner: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("namespace: close owner temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("namespace: rename owner into place: %w", err)
	}
	return nil
}

// ListBackups enumerates this group's snapshot directories, filtering
// entries by the strict RFC-3339 name pattern; non-matching entries are
// silently ignored. Results are sorted oldest first.
func (g BackupGroup) ListBackups() ([]BackupDir, error) {
	entries, err := os.ReadDir(g.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("namespace: list group %s/%s: %w", g.Type, g.ID, err)
	}

	var dirs []BackupDir
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		ts, err := ParseSnapshotTime(entry.Name())
		if err != nil {
			continue
		}
		dirs = append(dirs, BackupDir{Group: g, Timestamp: ts})
	}
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].Timestamp.Before(dirs[j].Timestamp) })
	return dirs, nil
}

// LastSuccessfulBackup returns the most recent snapshot whose manifest
// blob exists and parses, or ok=false if none qualifies.
func (g BackupGroup) LastSuccessfulBackup() (dir BackupDir, ok bool, err error) {
	dirs, err := g.ListBackups()
	if err != nil {
		return BackupDir{}, false, err
	}
	for i := len(dirs) - 1; i >= 0; i-- {
		if dirs[i].successful() {
			return dirs[i], true, nil
		}
	}
	return BackupDir{}, false, nil
}

// Destroy removes every unprotected snapshot in the group, then removes
// the group directory itself iff no protected snapshot remains. It
// reports whether the group directory was fully removed, matching
// remove_backup_group's boolean result.
func (g BackupGroup) Destroy(force bool) (removed bool, err error) {
	dirs, err := g.ListBackups()
	if err != nil {
		return false, err
	}

	anyProtected := false
	for _, d := range dirs {
		if err := d.Destroy(force); err != nil {
			if errors.Is(err, ErrProtected) {
				anyProtected = true
				continue
			}
			return false, err
		}
	}

	if anyProtected {
		return false, nil
	}
	if err := os.Remove(g.Path()); err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("namespace: remove group dir: %w", err)
	}
	return true, nil
}
