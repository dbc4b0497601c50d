package gc

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"chunkvault/internal/chunkstore"
	"chunkvault/internal/digest"
	"chunkvault/internal/index"
	"chunkvault/internal/worker"
)

// testIndexFile is the in-memory view of a trivial on-disk encoding used
// only by these tests: a JSON array of hex digests. A real .fidx/.didx decoder is an external
// collaborator outside this repo's scope.
type testIndexFile struct {
	Digests []digest.Digest
}

func (f *testIndexFile) IndexCount() int { return len(f.Digests) }
func (f *testIndexFile) IndexDigest(pos int) (digest.Digest, error) {
	return f.Digests[pos], nil
}
func (f *testIndexFile) IndexBytes() uint64 { return uint64(len(f.Digests)) * 4096 }
func (f *testIndexFile) ChunkInfo(pos int) (index.ChunkInfo, error) {
	return index.ChunkInfo{Digest: f.Digests[pos]}, nil
}

func writeTestIndex(t *testing.T, path string, digests ...digest.Digest) {
	t.Helper()
	hexes := make([]string, len(digests))
	for i, d := range digests {
		hexes[i] = d.String()
	}
	data, err := json.Marshal(hexes)
	if err != nil {
		t.Fatalf("marshal test index: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, data, 0o640); err != nil {
		t.Fatalf("write test index: %v", err)
	}
}

func openTestIndex(path string) (index.IndexFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var hexes []string
	if err := json.Unmarshal(raw, &hexes); err != nil {
		return nil, err
	}
	digests := make([]digest.Digest, len(hexes))
	for i, h := range hexes {
		d, err := digest.Parse(h)
		if err != nil {
			return nil, err
		}
		digests[i] = d
	}
	return &testIndexFile{Digests: digests}, nil
}

func TestGCKeepsReferencedSweepsUnreferenced(t *testing.T) {
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	now := base
	nowFunc := func() time.Time { return now }

	root := t.TempDir()
	chunksDir := filepath.Join(root, ".chunks")
	store, err := chunkstore.Open(chunkstore.Config{Name: "test", Dir: chunksDir, Now: nowFunc})
	if err != nil {
		t.Fatalf("chunkstore.Open: %v", err)
	}
	defer store.Close()

	referenced := []byte("referenced chunk content")
	unreferenced := []byte("unreferenced chunk content")
	refDigest := digest.Sum(referenced)
	unrefDigest := digest.Sum(unreferenced)

	now = base.Add(-2 * time.Hour)
	if _, _, err := store.InsertChunk(referenced, refDigest); err != nil {
		t.Fatalf("insert referenced: %v", err)
	}
	if _, _, err := store.InsertChunk(unreferenced, unrefDigest); err != nil {
		t.Fatalf("insert unreferenced: %v", err)
	}

	indexPath := filepath.Join(root, "vm", "100", "2026-01-01T00:00:00Z", "drive-scsi0.fidx")
	writeTestIndex(t, indexPath, refDigest)

	now = base
	driver := NewDriver(Config{
		Root:        root,
		Chunks:      store,
		OpenIndex:   openTestIndex,
		StatusPath:  filepath.Join(root, ".gc-status"),
		HistoryPath: filepath.Join(root, ".gc-status.history"),
		KeepHistory: 3,
		Now:         nowFunc,
	})

	status, err := driver.Run(worker.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !status.Completed {
		t.Fatal("expected run to complete")
	}
	if status.ChunksMarked != 1 {
		t.Fatalf("ChunksMarked = %d, want 1", status.ChunksMarked)
	}
	if status.RemovedChunks != 1 || status.RemovedBytes != int64(len(unreferenced)) {
		t.Fatalf("removed = %+v, want 1 chunk of %d bytes", status, len(unreferenced))
	}
	if status.DiskChunks != 1 {
		t.Fatalf("disk chunks = %d, want 1", status.DiskChunks)
	}

	if _, exists, err := store.StatChunk(refDigest); err != nil || !exists {
		t.Fatalf("referenced chunk should survive: exists=%v err=%v", exists, err)
	}
	if _, exists, err := store.StatChunk(unrefDigest); err != nil || exists {
		t.Fatalf("unreferenced chunk should be swept: exists=%v err=%v", exists, err)
	}

	if _, err := os.Stat(filepath.Join(root, ".gc-status")); err != nil {
		t.Fatalf(".gc-status should be persisted: %v", err)
	}
}

func TestGCAlreadyRunning(t *testing.T) {
	root := t.TempDir()
	store, err := chunkstore.Open(chunkstore.Config{Name: "test", Dir: filepath.Join(root, ".chunks")})
	if err != nil {
		t.Fatalf("chunkstore.Open: %v", err)
	}
	defer store.Close()

	driver := NewDriver(Config{Root: root, Chunks: store, OpenIndex: openTestIndex})

	driver.runMu.Lock()
	driver.running = true
	driver.runMu.Unlock()

	if _, err := driver.Run(worker.Background()); err != ErrAlreadyRunning {
		t.Fatalf("Run = %v, want ErrAlreadyRunning", err)
	}
	if !driver.Running() {
		t.Fatal("Running() should report true")
	}

	driver.runMu.Lock()
	driver.running = false
	driver.runMu.Unlock()
	if driver.Running() {
		t.Fatal("Running() should report false after manual reset")
	}
}

func TestGCCountsStrangePaths(t *testing.T) {
	root := t.TempDir()
	store, err := chunkstore.Open(chunkstore.Config{Name: "test", Dir: filepath.Join(root, ".chunks")})
	if err != nil {
		t.Fatalf("chunkstore.Open: %v", err)
	}
	defer store.Close()

	blob := []byte("oddly placed chunk")
	d := digest.Sum(blob)
	if _, _, err := store.InsertChunk(blob, d); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// Not under <type>/<id>/<rfc3339>/ at all.
	strangePath := filepath.Join(root, "misplaced", "drive.fidx")
	writeTestIndex(t, strangePath, d)

	driver := NewDriver(Config{Root: root, Chunks: store, OpenIndex: openTestIndex})
	status, err := driver.Run(worker.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if status.StrangePaths != 1 {
		t.Fatalf("StrangePaths = %d, want 1", status.StrangePaths)
	}
	if status.ChunksMarked != 1 {
		t.Fatalf("ChunksMarked = %d, want 1 (strange paths still mark)", status.ChunksMarked)
	}
}
