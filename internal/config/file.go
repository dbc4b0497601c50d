package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/fsnotify/fsnotify"

	"chunkvault/internal/logging"
)

// fileDocument is the on-disk JSON shape of a FileStore's backing file: a
// map keyed by datastore name. This is this repo's own configuration
// bookkeeping format, distinct from an on-disk datastore's own layout.
type fileDocument struct {
	Datastores map[string]DataStoreConfig `json:"datastores"`
}

// FileStore is a Store backed by a single JSON file, with an optional
// fsnotify watcher that eagerly bumps the VersionCache when the file
// changes on disk -- e.g. because another process edited it. This is purely
// an optimization layered on top of lookup()'s mandatory 60-second
// staleness window; a FileStore with no watcher is just as correct, only
// slower to notice external edits.
type FileStore struct {
	mu      sync.Mutex
	path    string
	version *VersionCache
	logger  *slog.Logger

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
}

// NewFileStore opens (or creates, if absent) a JSON config file at path.
func NewFileStore(path string, version *VersionCache, logger *slog.Logger) (*FileStore, error) {
	s := &FileStore{
		path:    path,
		version: version,
		logger:  logging.Scope(logger, "config-store", "type", "file"),
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := s.writeDocument(fileDocument{Datastores: map[string]DataStoreConfig{}}); err != nil {
			return nil, fmt.Errorf("config: initialize %s: %w", path, err)
		}
	}
	return s, nil
}

// Watch starts an fsnotify watcher on the backing file's directory. Every
// write/rename event for the file bumps the VersionCache so in-process
// caches see the change without waiting out the staleness window. Call
// Close to stop watching.
func (s *FileStore) Watch() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.watcher != nil {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("config: watch %s: %w", s.path, err)
	}

	s.watcher = w
	s.stopCh = make(chan struct{})
	go s.watchLoop(w, s.stopCh)
	return nil
}

func (s *FileStore) watchLoop(w *fsnotify.Watcher, stop chan struct{}) {
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				s.version.Bump()
				s.logger.Info("config file changed externally, generation bumped", "path", s.path)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.logger.Warn("config watcher error", "error", err)
		case <-stop:
			return
		}
	}
}

// Close stops the fsnotify watcher, if running.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher == nil {
		return nil
	}
	close(s.stopCh)
	err := s.watcher.Close()
	s.watcher = nil
	return err
}

func (s *FileStore) readDocument() (fileDocument, error) {
	data, err := os.ReadFile(filepath.Clean(s.path))
	if err != nil {
		return fileDocument{}, fmt.Errorf("config: read %s: %w", s.path, err)
	}
	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fileDocument{}, fmt.Errorf("config: parse %s: %w", s.path, err)
	}
	if doc.Datastores == nil {
		doc.Datastores = map[string]DataStoreConfig{}
	}
	return doc, nil
}

// writeDocument atomically replaces the backing file via a temp-file +
// rename, the same pattern used for the manifest and chunk writes elsewhere
// in this codebase.
func (s *FileStore) writeDocument(doc fileDocument) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func (s *FileStore) Load(_ context.Context, name string) (DataStoreConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.readDocument()
	if err != nil {
		return DataStoreConfig{}, err
	}
	cfg, ok := doc.Datastores[name]
	if !ok {
		return DataStoreConfig{}, ErrNotFound
	}
	return cfg, nil
}

func (s *FileStore) List(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.readDocument()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(doc.Datastores))
	for name := range doc.Datastores {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

func (s *FileStore) Save(_ context.Context, cfg DataStoreConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.readDocument()
	if err != nil {
		return err
	}
	doc.Datastores[cfg.Name] = cfg
	if err := s.writeDocument(doc); err != nil {
		return err
	}
	s.version.Bump()
	return nil
}

func (s *FileStore) Remove(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.readDocument()
	if err != nil {
		return err
	}
	if _, ok := doc.Datastores[name]; !ok {
		return ErrNotFound
	}
	delete(doc.Datastores, name)
	if err := s.writeDocument(doc); err != nil {
		return err
	}
	s.version.Bump()
	return nil
}

var _ Store = (*FileStore)(nil)
