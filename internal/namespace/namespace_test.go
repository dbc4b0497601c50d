package namespace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testRef(t *testing.T) StoreRef {
	t.Helper()
	base := t.TempDir()
	return StoreRef{StoreName: "store1", Root: base, RunDir: filepath.Join(base, "run")}
}

func TestSnapshotTimeRoundTrip(t *testing.T) {
	cases := []string{
		"2024-01-01T00:00:00Z",
		"2026-07-29T23:59:59Z",
	}
	for _, s := range cases {
		ts, err := ParseSnapshotTime(s)
		if err != nil {
			t.Fatalf("ParseSnapshotTime(%q): %v", s, err)
		}
		if got := FormatSnapshotTime(ts); got != s {
			t.Fatalf("round trip %q -> %q", s, got)
		}
	}
}

func TestParseSnapshotTimeRejectsMalformed(t *testing.T) {
	for _, s := range []string{"2024-01-01T00:00:00+02:00", "2024-01-01", "not-a-time"} {
		if _, err := ParseSnapshotTime(s); err == nil {
			t.Fatalf("expected rejection of %q", s)
		}
	}
}

func TestOwnerSetAndGet(t *testing.T) {
	g, err := NewBackupGroup(testRef(t), "vm", "100")
	if err != nil {
		t.Fatalf("NewBackupGroup: %v", err)
	}

	if err := g.SetOwner("alice@home", false); err != nil {
		t.Fatalf("SetOwner: %v", err)
	}
	owner, err := g.GetOwner()
	if err != nil {
		t.Fatalf("GetOwner: %v", err)
	}
	if owner != "alice@home" {
		t.Fatalf("owner = %q, want %q", owner, "alice@home")
	}

	if err := g.SetOwner("bob@home", false); err == nil {
		t.Fatal("expected SetOwner without force to fail when owner exists")
	}
	if err := g.SetOwner("bob@home", true); err != nil {
		t.Fatalf("SetOwner with force: %v", err)
	}
	owner, err = g.GetOwner()
	if err != nil {
		t.Fatalf("GetOwner after force: %v", err)
	}
	if owner != "bob@home" {
		t.Fatalf("owner after force = %q, want %q", owner, "bob@home")
	}
}

func TestInvalidGroupTypeAndID(t *testing.T) {
	ref := testRef(t)
	if _, err := NewBackupGroup(ref, "bogus", "100"); err == nil {
		t.Fatal("expected invalid group type rejection")
	}
	if _, err := NewBackupGroup(ref, "vm", "has/slash"); err == nil {
		t.Fatal("expected invalid id rejection")
	}
}

func TestLockDirContention(t *testing.T) {
	ref := testRef(t)
	g, err := NewBackupGroup(ref, "vm", "100")
	if err != nil {
		t.Fatalf("NewBackupGroup: %v", err)
	}
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	dir := BackupDir{Group: g, Timestamp: ts}

	release, err := dir.LockDir("first backup")
	if err != nil {
		t.Fatalf("first LockDir: %v", err)
	}
	defer release()

	if _, err := dir.LockDir("second backup"); err == nil {
		t.Fatal("expected second LockDir to fail with contention")
	} else if !strings.Contains(err.Error(), "already in use") {
		t.Fatalf("error %q does not mention 'already in use'", err.Error())
	}
}

func TestProtectionBlocksDestroy(t *testing.T) {
	ref := testRef(t)
	g, err := NewBackupGroup(ref, "vm", "100")
	if err != nil {
		t.Fatalf("NewBackupGroup: %v", err)
	}
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	dir := BackupDir{Group: g, Timestamp: ts}

	if err := os.MkdirAll(dir.FullPath(), 0o750); err != nil {
		t.Fatalf("mkdir snapshot: %v", err)
	}
	if err := os.WriteFile(dir.ManifestPath(), []byte("{}"), 0o640); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	if err := dir.SetProtected(true); err != nil {
		t.Fatalf("SetProtected: %v", err)
	}

	if err := dir.Destroy(false); err == nil {
		t.Fatal("expected Destroy to refuse a protected snapshot")
	}

	removed, err := g.Destroy(false)
	if err != nil {
		t.Fatalf("group Destroy: %v", err)
	}
	if removed {
		t.Fatal("expected group Destroy to report false when a protected snapshot remains")
	}
	if _, err := os.Stat(dir.FullPath()); err != nil {
		t.Fatalf("protected snapshot should remain: %v", err)
	}
	if _, err := os.Stat(g.Path()); err != nil {
		t.Fatalf("group dir should remain: %v", err)
	}
}

func TestLastSuccessfulBackup(t *testing.T) {
	ref := testRef(t)
	g, err := NewBackupGroup(ref, "vm", "100")
	if err != nil {
		t.Fatalf("NewBackupGroup: %v", err)
	}

	older := BackupDir{Group: g, Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	newer := BackupDir{Group: g, Timestamp: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)}
	incomplete := BackupDir{Group: g, Timestamp: time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC)}

	for _, d := range []BackupDir{older, newer, incomplete} {
		if err := os.MkdirAll(d.FullPath(), 0o750); err != nil {
			t.Fatalf("mkdir %s: %v", d.FullPath(), err)
		}
	}
	for _, d := range []BackupDir{older, newer} {
		if err := os.WriteFile(d.ManifestPath(), []byte("{}"), 0o640); err != nil {
			t.Fatalf("write manifest: %v", err)
		}
	}

	last, ok, err := g.LastSuccessfulBackup()
	if err != nil {
		t.Fatalf("LastSuccessfulBackup: %v", err)
	}
	if !ok {
		t.Fatal("expected a successful backup")
	}
	if !last.Timestamp.Equal(newer.Timestamp) {
		t.Fatalf("last = %v, want %v", last.Timestamp, newer.Timestamp)
	}
}
