package reload

import (
	"context"
	"errors"
	"testing"
	"time"
)

type countingSource struct {
	bodies  [][]byte
	etags   []string
	errs    []error
	calls   int
}

func (s *countingSource) Fetch(_ context.Context) ([]byte, string, error) {
	i := s.calls
	if i >= len(s.bodies) && len(s.bodies) > 0 {
		i = len(s.bodies) - 1
	}
	s.calls++
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	if err != nil {
		return nil, "", err
	}
	return s.bodies[i], s.etags[i], nil
}

func stringParser(body []byte) (any, error) {
	return string(body), nil
}

func TestGet_FetchesOnFirstCall(t *testing.T) {
	src := &countingSource{bodies: [][]byte{[]byte("v1")}, etags: []string{"e1"}}
	r := New(func() int64 { return 0 })
	r.Register(Asset{Key: "policy", Source: src, Parse: stringParser, TTL: time.Minute})

	v, err := r.Get(context.Background(), "policy", false)
	if err != nil {
		t.Fatal(err)
	}
	if v.(string) != "v1" {
		t.Fatalf("expected v1, got %v", v)
	}
	if src.calls != 1 {
		t.Fatalf("expected 1 fetch, got %d", src.calls)
	}
}

func TestGet_CachesWithinTTL(t *testing.T) {
	src := &countingSource{bodies: [][]byte{[]byte("v1")}, etags: []string{"e1"}}
	nowNs := int64(0)
	r := New(func() int64 { return nowNs })
	r.Register(Asset{Key: "policy", Source: src, Parse: stringParser, TTL: time.Minute})

	if _, err := r.Get(context.Background(), "policy", false); err != nil {
		t.Fatal(err)
	}
	nowNs = int64(30 * time.Second)
	if _, err := r.Get(context.Background(), "policy", false); err != nil {
		t.Fatal(err)
	}
	if src.calls != 1 {
		t.Fatalf("expected cached read within TTL, got %d fetches", src.calls)
	}
}

func TestGet_RefetchesAfterTTLExpires(t *testing.T) {
	src := &countingSource{bodies: [][]byte{[]byte("v1"), []byte("v1")}, etags: []string{"e1", "e1"}}
	nowNs := int64(0)
	r := New(func() int64 { return nowNs })
	r.Register(Asset{Key: "policy", Source: src, Parse: stringParser, TTL: time.Minute})

	if _, err := r.Get(context.Background(), "policy", false); err != nil {
		t.Fatal(err)
	}
	nowNs = int64(2 * time.Minute)
	if _, err := r.Get(context.Background(), "policy", false); err != nil {
		t.Fatal(err)
	}
	if src.calls != 2 {
		t.Fatalf("expected refetch after ttl expiry, got %d fetches", src.calls)
	}
}

func TestGet_SameETagSkipsReparse(t *testing.T) {
	parseCalls := 0
	parser := func(body []byte) (any, error) {
		parseCalls++
		return string(body), nil
	}
	src := &countingSource{bodies: [][]byte{[]byte("v1"), []byte("v1")}, etags: []string{"same", "same"}}
	nowNs := int64(0)
	r := New(func() int64 { return nowNs })
	r.Register(Asset{Key: "policy", Source: src, Parse: parser, TTL: time.Minute})

	if _, err := r.Get(context.Background(), "policy", false); err != nil {
		t.Fatal(err)
	}
	nowNs = int64(2 * time.Minute)
	if _, err := r.Get(context.Background(), "policy", false); err != nil {
		t.Fatal(err)
	}
	if parseCalls != 1 {
		t.Fatalf("expected unchanged etag to skip re-parse/swap, got %d parses", parseCalls)
	}
}

func TestGet_ForceBypassesTTL(t *testing.T) {
	src := &countingSource{bodies: [][]byte{[]byte("v1"), []byte("v2")}, etags: []string{"e1", "e2"}}
	r := New(func() int64 { return 0 })
	r.Register(Asset{Key: "policy", Source: src, Parse: stringParser, TTL: time.Hour})

	if _, err := r.Get(context.Background(), "policy", false); err != nil {
		t.Fatal(err)
	}
	v, err := r.Get(context.Background(), "policy", true)
	if err != nil {
		t.Fatal(err)
	}
	if v.(string) != "v2" {
		t.Fatalf("expected force to refetch and swap to v2, got %v", v)
	}
}

func TestGet_FetchErrorKeepsPreviousValue(t *testing.T) {
	src := &countingSource{
		bodies: [][]byte{[]byte("v1"), nil},
		etags:  []string{"e1", ""},
		errs:   []error{nil, errors.New("network down")},
	}
	r := New(func() int64 { return 0 })
	r.Register(Asset{Key: "policy", Source: src, Parse: stringParser, TTL: 0})

	if _, err := r.Get(context.Background(), "policy", false); err != nil {
		t.Fatal(err)
	}
	v, err := r.Get(context.Background(), "policy", true)
	if err != nil {
		t.Fatal(err)
	}
	if v.(string) != "v1" {
		t.Fatalf("expected stale value retained after fetch error, got %v", v)
	}

	status := r.Status()["policy"]
	if status.Error == "" {
		t.Fatal("expected fetch error to be surfaced in status")
	}
}

func TestGet_InitialFetchErrorReturnsError(t *testing.T) {
	src := &countingSource{errs: []error{errors.New("boom")}}
	r := New(func() int64 { return 0 })
	r.Register(Asset{Key: "policy", Source: src, Parse: stringParser, TTL: time.Minute})

	if _, err := r.Get(context.Background(), "policy", false); err == nil {
		t.Fatal("expected error on first fetch with no cached value")
	}
}

func TestGet_UnknownAssetErrors(t *testing.T) {
	r := New(nil)
	if _, err := r.Get(context.Background(), "missing", false); err == nil {
		t.Fatal("expected error for unregistered asset key")
	}
}

func TestStatus_ReportsETagAndAge(t *testing.T) {
	src := &countingSource{bodies: [][]byte{[]byte("v1")}, etags: []string{"e1"}}
	nowNs := int64(0)
	r := New(func() int64 { return nowNs })
	r.Register(Asset{Key: "policy", Source: src, Parse: stringParser, TTL: time.Minute})

	if _, err := r.Get(context.Background(), "policy", false); err != nil {
		t.Fatal(err)
	}
	nowNs = int64(5 * time.Second)
	status := r.Status()["policy"]
	if status.ETag != "e1" {
		t.Fatalf("expected etag e1, got %s", status.ETag)
	}
	if status.AgeS < 4.9 || status.AgeS > 5.1 {
		t.Fatalf("expected age ~5s, got %f", status.AgeS)
	}
}
