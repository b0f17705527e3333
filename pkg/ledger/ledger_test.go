package ledger

import (
	"context"
	"testing"
)

func TestAppend_DefaultsKind(t *testing.T) {
	l := New(NewMemoryBackend())
	e, err := l.Append(context.Background(), Event{TsNs: 1, OutCID: "bxxx"})
	if err != nil {
		t.Fatal(err)
	}
	if e.Kind != EventKindTransformReceipt {
		t.Fatalf("expected default kind, got %s", e.Kind)
	}
}

func TestList_NewestFirst(t *testing.T) {
	l := New(NewMemoryBackend())
	ctx := context.Background()
	_, _ = l.Append(ctx, Event{TsNs: 100, OutCID: "b1"})
	_, _ = l.Append(ctx, Event{TsNs: 300, OutCID: "b2"})
	_, _ = l.Append(ctx, Event{TsNs: 200, OutCID: "b3"})

	events, err := l.List(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 || events[0].OutCID != "b2" || events[1].OutCID != "b3" || events[2].OutCID != "b1" {
		t.Fatalf("expected newest-first order, got %+v", events)
	}
}

func TestList_RespectsLimit(t *testing.T) {
	l := New(NewMemoryBackend())
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, _ = l.Append(ctx, Event{TsNs: int64(i), OutCID: "b"})
	}
	events, err := l.List(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
}

func TestList_TiesBrokenByInsertionOrder(t *testing.T) {
	l := New(NewMemoryBackend())
	ctx := context.Background()
	_, _ = l.Append(ctx, Event{TsNs: 42, OutCID: "first"})
	_, _ = l.Append(ctx, Event{TsNs: 42, OutCID: "second"})

	events, err := l.List(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if events[0].OutCID != "second" || events[1].OutCID != "first" {
		t.Fatalf("expected insertion-order tie-break (newest appended first), got %+v", events)
	}
}

func TestQuery_FiltersByMap(t *testing.T) {
	l := New(NewMemoryBackend())
	ctx := context.Background()
	_, _ = l.Append(ctx, Event{TsNs: 1, OutCID: "b1", Map: "alpha@v1"})
	_, _ = l.Append(ctx, Event{TsNs: 2, OutCID: "b2", Map: "beta@v1"})

	events, err := l.Query(ctx, Filters{Map: "alpha@v1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].OutCID != "b1" {
		t.Fatalf("expected only alpha@v1 event, got %+v", events)
	}
}

func TestQuery_FiltersByCIDPrefix(t *testing.T) {
	l := New(NewMemoryBackend())
	ctx := context.Background()
	_, _ = l.Append(ctx, Event{TsNs: 1, OutCID: "bfirst123"})
	_, _ = l.Append(ctx, Event{TsNs: 2, InCID: "bfirst456", OutCID: "bother"})
	_, _ = l.Append(ctx, Event{TsNs: 3, OutCID: "bsecond999"})

	events, err := l.Query(ctx, Filters{CIDPrefix: "bfirst"})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 matching events (out or in cid), got %+v", events)
	}
}

func TestQuery_FiltersBySinceNs(t *testing.T) {
	l := New(NewMemoryBackend())
	ctx := context.Background()
	_, _ = l.Append(ctx, Event{TsNs: 10, OutCID: "b1"})
	_, _ = l.Append(ctx, Event{TsNs: 20, OutCID: "b2"})
	_, _ = l.Append(ctx, Event{TsNs: 30, OutCID: "b3"})

	events, err := l.Query(ctx, Filters{SinceNs: 20})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events since ts_ns 20, got %+v", events)
	}
}

func TestQuery_CombinesFilters(t *testing.T) {
	l := New(NewMemoryBackend())
	ctx := context.Background()
	_, _ = l.Append(ctx, Event{TsNs: 10, OutCID: "bmatch1", Map: "alpha@v1"})
	_, _ = l.Append(ctx, Event{TsNs: 20, OutCID: "bmatch2", Map: "alpha@v1"})
	_, _ = l.Append(ctx, Event{TsNs: 30, OutCID: "bnomatch", Map: "beta@v1"})

	events, err := l.Query(ctx, Filters{Map: "alpha@v1", CIDPrefix: "bmatch", SinceNs: 15})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].OutCID != "bmatch2" {
		t.Fatalf("expected only bmatch2 to satisfy all filters, got %+v", events)
	}
}
