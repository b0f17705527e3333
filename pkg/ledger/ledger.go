// Package ledger implements the append-only transform-receipt event log.
// Unlike a hash-chained audit ledger, entries here are not linked to their
// predecessor — receipts are already content-addressed and signed, so the
// ledger's job is purely discovery: list/query recent events by map, CID
// prefix, or time. Ordering is total only within one ledger instance:
// events sort by ts_ns, breaking ties by insertion order.
package ledger

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// EventKindTransformReceipt is the only event kind emitted today.
const EventKindTransformReceipt = "transform.receipt"

// Event is one ledger entry.
type Event struct {
	ID         string         `json:"id"`
	TsNs       int64          `json:"ts_ns"`
	Kind       string         `json:"kind"`
	OutCID     string         `json:"out_cid"`
	InCID      string         `json:"in_cid,omitempty"`
	Map        string         `json:"map,omitempty"`
	Stage      string         `json:"stage,omitempty"`
	ReceiptKey string         `json:"receipt_key,omitempty"`
	ReceiptURL string         `json:"receipt_url,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`

	seq uint64 // insertion-order tie-break, assigned by the backend
}

// Filters narrows a Query call. Zero values are unconstrained.
type Filters struct {
	Map       string
	CIDPrefix string
	SinceNs   int64
}

// Backend is the pluggable ledger storage contract.
type Backend interface {
	Append(ctx context.Context, e Event) (Event, error)
	List(ctx context.Context, limit int) ([]Event, error)
	Query(ctx context.Context, f Filters) ([]Event, error)
}

// Ledger is the stable public API in front of a pluggable Backend.
type Ledger struct {
	backend Backend
}

// New returns a Ledger backed by backend.
func New(backend Backend) *Ledger {
	return &Ledger{backend: backend}
}

// Append records a new event and returns it with its assigned ordering
// applied.
func (l *Ledger) Append(ctx context.Context, e Event) (Event, error) {
	if e.Kind == "" {
		e.Kind = EventKindTransformReceipt
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return l.backend.Append(ctx, e)
}

// List returns the most recent events, newest first. limit<=0 means no cap.
func (l *Ledger) List(ctx context.Context, limit int) ([]Event, error) {
	return l.backend.List(ctx, limit)
}

// Query returns events matching f, newest first.
func (l *Ledger) Query(ctx context.Context, f Filters) ([]Event, error) {
	return l.backend.Query(ctx, f)
}

// MemoryBackend is an in-process, mutex-guarded ledger backend. An event is
// fully constructed before the lock is taken, so readers never observe a
// partial write.
type MemoryBackend struct {
	mu      sync.Mutex
	events  []Event
	nextSeq uint64
}

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (b *MemoryBackend) Append(_ context.Context, e Event) (Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSeq++
	e.seq = b.nextSeq
	b.events = append(b.events, e)
	return e, nil
}

func (b *MemoryBackend) List(_ context.Context, limit int) ([]Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ordered := sortedNewestFirst(b.events)
	if limit > 0 && limit < len(ordered) {
		ordered = ordered[:limit]
	}
	return ordered, nil
}

func (b *MemoryBackend) Query(_ context.Context, f Filters) ([]Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var matched []Event
	for _, e := range b.events {
		if f.Map != "" && e.Map != f.Map {
			continue
		}
		if f.CIDPrefix != "" && !hasCIDPrefix(e, f.CIDPrefix) {
			continue
		}
		if f.SinceNs != 0 && e.TsNs < f.SinceNs {
			continue
		}
		matched = append(matched, e)
	}
	return sortedNewestFirst(matched), nil
}

func hasCIDPrefix(e Event, prefix string) bool {
	return hasPrefix(e.OutCID, prefix) || hasPrefix(e.InCID, prefix)
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// sortedNewestFirst orders by ts_ns descending, breaking ties by insertion
// order descending (most recently appended first). The event count in a
// single ledger response is small enough that an insertion sort is simpler
// than pulling in sort.Slice for a stable multi-key comparator.
func sortedNewestFirst(events []Event) []Event {
	out := make([]Event, len(events))
	copy(out, events)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && less(out[j-1], out[j]); j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// less reports whether a is older than b (earlier ts_ns, or appended
// earlier on a tie), i.e. whether a sorts after b in newest-first order.
func less(a, b Event) bool {
	if a.TsNs != b.TsNs {
		return a.TsNs < b.TsNs
	}
	return a.seq < b.seq
}

var _ Backend = (*MemoryBackend)(nil)
