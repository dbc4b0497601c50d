package chunkstore

import (
	"time"

	"github.com/google/uuid"
)

// writerID identifies one registered live writer.
type writerID uuid.UUID

// WriterToken represents one live writer's registration. GC consults the
// store's oldest live registration time to compute its atime cutoff; the
// writer releases its token when the backup finishes (successfully or not).
type WriterToken struct {
	store *ChunkStore
	id    writerID
}

// RegisterWriter records a new live writer, timestamped at call time. The
// returned token must be released (typically via defer) when the writer's
// backup completes.
func (s *ChunkStore) RegisterWriter() *WriterToken {
	id := writerID(uuid.New())
	now := s.now()

	s.writersMu.Lock()
	s.writers[id] = now
	s.writersMu.Unlock()

	return &WriterToken{store: s, id: id}
}

// Release unregisters the writer. Safe to call more than once.
func (t *WriterToken) Release() {
	if t == nil || t.store == nil {
		return
	}
	t.store.writersMu.Lock()
	delete(t.store.writers, t.id)
	t.store.writersMu.Unlock()
	t.store = nil
}

// OldestWriter reports the registration time of the oldest still-registered
// writer, and whether any writer is currently registered.
func (s *ChunkStore) OldestWriter() (oldest time.Time, ok bool) {
	s.writersMu.Lock()
	defer s.writersMu.Unlock()

	for _, t := range s.writers {
		if !ok || t.Before(oldest) {
			oldest = t
			ok = true
		}
	}
	return oldest, ok
}
