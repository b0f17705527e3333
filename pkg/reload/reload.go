// Package reload implements the DynamicReloader: a per-asset-kind,
// TTL+ETag cache over pluggable sources (policy, SFT registry, SFT maps).
// Every swap is atomic, so a reader never observes a half-updated asset,
// and a failed fetch never invalidates the previously loaded value.
package reload

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Source fetches one asset's current body and ETag. A Source implementation
// is free to be a local file watch, an HTTP fetch, or a database read.
type Source interface {
	Fetch(ctx context.Context) (body []byte, etag string, err error)
}

// Parser turns a fetched body into the asset's in-memory value (a
// *hel.Policy, a *sft.Registry, a translate.SftMap, ...).
type Parser func(body []byte) (any, error)

// Asset registers one reloadable asset under a stable key, e.g. "policy",
// "sft_registry", or "sft_map:alpha@v1".
type Asset struct {
	Key    string
	Source Source
	Parse  Parser
	TTL    time.Duration
}

type cacheEntry struct {
	value    any
	etag     string
	loadedNs int64
	lastErr  error
}

// Status is the per-asset snapshot returned by Reloader.Status.
type Status struct {
	ETag  string
	AgeS  float64
	Error string
}

// Reloader owns one cache entry per registered asset key.
type Reloader struct {
	mu      sync.RWMutex
	assets  map[string]Asset
	entries map[string]*cacheEntry
	nowNs   func() int64
}

// New returns an empty Reloader. nowNs defaults to time.Now in nanoseconds
// when nil; tests may inject a deterministic clock.
func New(nowNs func() int64) *Reloader {
	if nowNs == nil {
		nowNs = func() int64 { return time.Now().UnixNano() }
	}
	return &Reloader{
		assets:  make(map[string]Asset),
		entries: make(map[string]*cacheEntry),
		nowNs:   nowNs,
	}
}

// Register adds or replaces an asset's source/parser/ttl. It does not
// trigger an immediate fetch; the first Get call populates the cache.
func (r *Reloader) Register(a Asset) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assets[a.Key] = a
}

// Get returns the current value for key, fetching or refreshing it first
// if the cache entry is missing, stale (older than the asset's TTL), or
// force is true. A fetch error on a populated entry is swallowed: the
// stale value is returned and the error recorded for Status.
func (r *Reloader) Get(ctx context.Context, key string, force bool) (any, error) {
	r.mu.RLock()
	asset, known := r.assets[key]
	entry := r.entries[key]
	r.mu.RUnlock()

	if !known {
		return nil, fmt.Errorf("reload: unknown asset %q", key)
	}
	if entry != nil && entry.value == nil {
		// Only an error was recorded so far; there is no value to serve.
		entry = nil
	}

	now := r.nowNs()
	stale := entry == nil || force || (now-entry.loadedNs) > asset.TTL.Nanoseconds()
	if !stale {
		return entry.value, nil
	}

	body, etag, err := asset.Source.Fetch(ctx)
	if err != nil {
		r.mu.Lock()
		if e, ok := r.entries[key]; ok {
			e.lastErr = err
		} else {
			r.entries[key] = &cacheEntry{lastErr: err, loadedNs: now}
		}
		r.mu.Unlock()
		if entry != nil {
			return entry.value, nil
		}
		return nil, fmt.Errorf("reload: initial fetch of %q failed: %w", key, err)
	}

	if entry != nil && entry.etag == etag {
		r.mu.Lock()
		entry.loadedNs = now
		entry.lastErr = nil
		r.mu.Unlock()
		return entry.value, nil
	}

	value, err := asset.Parse(body)
	if err != nil {
		r.mu.Lock()
		if e, ok := r.entries[key]; ok {
			e.lastErr = err
		} else {
			r.entries[key] = &cacheEntry{lastErr: err, loadedNs: now}
		}
		r.mu.Unlock()
		if entry != nil {
			return entry.value, nil
		}
		return nil, fmt.Errorf("reload: initial parse of %q failed: %w", key, err)
	}

	newEntry := &cacheEntry{value: value, etag: etag, loadedNs: now}
	r.mu.Lock()
	r.entries[key] = newEntry
	r.mu.Unlock()
	return value, nil
}

// Status reports the current state of every asset Get has tried to load at
// least once; registered assets never fetched are absent.
func (r *Reloader) Status() map[string]Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Status, len(r.entries))
	now := r.nowNs()
	for key, e := range r.entries {
		s := Status{ETag: e.etag, AgeS: float64(now-e.loadedNs) / 1e9}
		if e.lastErr != nil {
			s.Error = e.lastErr.Error()
		}
		out[key] = s
	}
	return out
}
