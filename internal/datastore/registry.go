package datastore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"chunkvault/internal/config"
	"chunkvault/internal/gc"
	"chunkvault/internal/logging"
)

// CacheStaleness is the maximum age of a cached DataStore instance before
// lookup forces a reopen, even at an unchanged config generation.
const CacheStaleness = 60 * time.Second

// ErrMaintenanceMode is returned when the current maintenance mode
// forbids the requested operation.
var ErrMaintenanceMode = errors.New("datastore: operation forbidden by maintenance mode")

// Registry is the process-wide open-datastore map: it caches opened
// DataStore instances keyed by name, reopening only when the
// configuration generation changes or the cache entry goes stale.
type Registry struct {
	cfgStore  config.Store
	version   *config.VersionCache
	runDir    string
	openIndex gc.IndexOpener
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	entries map[string]*registryEntry
	group   singleflight.Group
}

type registryEntry struct {
	mu         sync.Mutex
	inner      *innerStore
	generation uint64
	lastUpdate time.Time

	opsMu sync.Mutex
	ops   map[config.Operation]int64
}

// innerStore pairs one opened DataStore instance with the count of live
// handles pinned to it. A reopen (generation bump or staleness expiry)
// replaces the entry's current instance but must not close it out from
// under handles acquired earlier: the replaced instance is only marked
// superseded, and its chunk pool closes once the last such handle
// releases.
type innerStore struct {
	ds     *DataStore
	logger *slog.Logger

	mu         sync.Mutex
	refs       int64
	superseded bool
	closed     bool
}

func (i *innerStore) acquire() {
	i.mu.Lock()
	i.refs++
	i.mu.Unlock()
}

func (i *innerStore) release() {
	i.mu.Lock()
	if i.refs > 0 {
		i.refs--
	}
	doClose := i.superseded && i.refs == 0 && !i.closed
	if doClose {
		i.closed = true
	}
	i.mu.Unlock()
	if doClose {
		i.close()
	}
}

// supersede marks the instance as replaced. It closes immediately only if
// no handle still pins it; otherwise the final release closes it.
func (i *innerStore) supersede() {
	i.mu.Lock()
	i.superseded = true
	doClose := i.refs == 0 && !i.closed
	if doClose {
		i.closed = true
	}
	i.mu.Unlock()
	if doClose {
		i.close()
	}
}

func (i *innerStore) close() {
	if err := i.ds.Close(); err != nil {
		i.logger.Warn("failed to close superseded datastore", "store", i.ds.Name(), "error", err)
	}
}

func (e *registryEntry) bump(op config.Operation) {
	e.opsMu.Lock()
	defer e.opsMu.Unlock()
	if e.ops == nil {
		e.ops = make(map[config.Operation]int64)
	}
	e.ops[op]++
}

func (e *registryEntry) release(op config.Operation) {
	e.opsMu.Lock()
	defer e.opsMu.Unlock()
	if e.ops[op] > 0 {
		e.ops[op]--
	}
}

func (e *registryEntry) activeOps() int64 {
	e.opsMu.Lock()
	defer e.opsMu.Unlock()
	var total int64
	for _, n := range e.ops {
		total += n
	}
	return total
}

// NewRegistry builds a Registry. runDir is the base directory manifest
// locks are kept under, separate from any datastore's own root.
// openIndex is supplied to every opened DataStore's GC driver to decode
// .fidx/.didx files. It may be nil, in which case GC's mark phase opens
// no index file and marks no chunk.
func NewRegistry(cfgStore config.Store, version *config.VersionCache, runDir string, openIndex gc.IndexOpener, logger *slog.Logger) *Registry {
	return &Registry{
		cfgStore:  cfgStore,
		version:   version,
		runDir:    runDir,
		openIndex: openIndex,
		logger:    logging.Scope(logger, "datastore-registry"),
		now:       time.Now,
		entries:   make(map[string]*registryEntry),
	}
}

// Handle is a live reference to an opened DataStore, tagged with the
// operation kind it was acquired for. The handle pins the exact instance
// it was resolved against, so a reopen for the same name never closes a
// chunk pool this handle is still using. Release must be called once the
// operation completes; it is safe to call more than once.
type Handle struct {
	inner *innerStore
	entry *registryEntry
	op    config.Operation
	once  sync.Once
}

// Store returns the underlying DataStore.
func (h *Handle) Store() *DataStore { return h.inner.ds }

// Release decrements this handle's operation count and unpins its
// DataStore instance. Guarded by sync.Once so a double call is a no-op
// rather than a double decrement, since Go has no destructor to enforce
// single release automatically.
func (h *Handle) Release() {
	h.once.Do(func() {
		h.entry.release(h.op)
		h.inner.release()
	})
}

// Lookup implements the lifecycle: load config, check maintenance mode,
// bump the operation counter, consult the generation+staleness cache, and
// return a handle. Concurrent lookups for the same name that both miss
// the cache collapse into a single reopen via singleflight.
func (r *Registry) Lookup(ctx context.Context, name string, op config.Operation) (*Handle, error) {
	cfg, err := r.cfgStore.Load(ctx, name)
	if err != nil {
		return nil, err
	}
	generation := r.version.Current()

	if !cfg.MaintenanceMode.Allows(op) {
		return nil, fmt.Errorf("%w: %s forbids %s", ErrMaintenanceMode, cfg.MaintenanceMode, op)
	}

	r.mu.Lock()
	entry, ok := r.entries[name]
	if !ok {
		entry = &registryEntry{}
		r.entries[name] = entry
	}
	r.mu.Unlock()

	entry.bump(op)

	inner, err := r.resolve(entry, name, cfg, generation)
	if err != nil {
		entry.release(op)
		return nil, err
	}

	return &Handle{inner: inner, entry: entry, op: op}, nil
}

// resolve returns the entry's current instance with one reference
// acquired for the caller, reopening first if the cached instance is
// stale. A replaced instance is superseded, never closed eagerly:
// handles resolved before the reopen keep using it until they release.
func (r *Registry) resolve(entry *registryEntry, name string, cfg config.DataStoreConfig, generation uint64) (*innerStore, error) {
	for {
		entry.mu.Lock()
		// An instance installed at a later generation by a concurrent
		// lookup is at least as fresh as the one this caller observed.
		if entry.inner != nil && entry.generation >= generation && r.now().Before(entry.lastUpdate.Add(CacheStaleness)) {
			inner := entry.inner
			inner.acquire()
			entry.mu.Unlock()
			return inner, nil
		}
		entry.mu.Unlock()

		_, err, _ := r.group.Do(name, func() (any, error) {
			entry.mu.Lock()
			if entry.inner != nil && entry.generation >= generation && r.now().Before(entry.lastUpdate.Add(CacheStaleness)) {
				entry.mu.Unlock()
				return nil, nil
			}
			entry.mu.Unlock()

			ds, err := open(cfg, r.runDir, r.openIndex, r.logger)
			if err != nil {
				return nil, err
			}
			fresh := &innerStore{ds: ds, logger: r.logger}

			entry.mu.Lock()
			old := entry.inner
			entry.inner = fresh
			entry.generation = generation
			entry.lastUpdate = r.now()
			entry.mu.Unlock()

			if old != nil {
				old.supersede()
			}
			return nil, nil
		})
		if err != nil {
			return nil, err
		}
	}
}

// ActiveOperations reports the number of live handles for name, by
// operation kind. Maintenance mode flips reject new lookups immediately;
// this is what an operator polls to know when the existing ones have
// drained.
func (r *Registry) ActiveOperations(name string) (reads, writes int64) {
	r.mu.Lock()
	entry, ok := r.entries[name]
	r.mu.Unlock()
	if !ok {
		return 0, 0
	}
	entry.opsMu.Lock()
	defer entry.opsMu.Unlock()
	return entry.ops[config.OperationRead], entry.ops[config.OperationWrite]
}

// RemoveUnusedDatastores prunes cache entries for names no longer present
// in config and currently idle (no active operations), closing their
// chunk pools. It is invoked both on-demand and periodically by the
// background scheduler.
func (r *Registry) RemoveUnusedDatastores(ctx context.Context) error {
	names, err := r.cfgStore.List(ctx)
	if err != nil {
		return fmt.Errorf("datastore: list configured stores: %w", err)
	}
	live := make(map[string]bool, len(names))
	for _, n := range names {
		live[n] = true
	}

	r.mu.Lock()
	stale := make([]string, 0)
	for name := range r.entries {
		if !live[name] {
			stale = append(stale, name)
		}
	}
	r.mu.Unlock()

	for _, name := range stale {
		r.mu.Lock()
		entry := r.entries[name]
		r.mu.Unlock()
		if entry == nil || entry.activeOps() > 0 {
			continue
		}

		entry.mu.Lock()
		inner := entry.inner
		entry.inner = nil
		entry.mu.Unlock()
		if inner != nil {
			// Normally idle at this point; a handle racing past the
			// activeOps check above keeps the instance open until it
			// releases.
			inner.supersede()
		}

		r.mu.Lock()
		delete(r.entries, name)
		r.mu.Unlock()
	}
	return nil
}
