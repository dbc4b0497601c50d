package config

import "sync/atomic"

// VersionCache holds the process-wide "datastore_generation" counter. Every
// config-visible change (a Save, a Remove, or an external file-watcher
// event) bumps it. The datastore registry compares a cached handle's
// recorded generation against Current() to decide whether the handle is
// stale.
//
// A single VersionCache is shared by every Store implementation and every
// datastore registry in the process.
type VersionCache struct {
	generation atomic.Uint64
}

// NewVersionCache returns a VersionCache starting at generation 1, so the
// zero value of a cached "last seen generation" field is always considered
// stale.
func NewVersionCache() *VersionCache {
	v := &VersionCache{}
	v.generation.Store(1)
	return v
}

// Current returns the current generation.
func (v *VersionCache) Current() uint64 {
	return v.generation.Load()
}

// Bump increments the generation and returns the new value.
func (v *VersionCache) Bump() uint64 {
	return v.generation.Add(1)
}
