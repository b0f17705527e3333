package orchestrator

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// visitor pairs a tenant's token bucket with the time it was last touched,
// so idle tenants can be swept from the map.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// TenantLimiters manages one token bucket per tenant, refilled at qps with
// the given burst. A background goroutine evicts tenants idle for more
// than 3 minutes so the map does not grow unbounded.
type TenantLimiters struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	qps      rate.Limit
	burst    int
}

// NewTenantLimiters starts the cleanup goroutine and returns the limiter set.
func NewTenantLimiters(qps float64, burst int) *TenantLimiters {
	tl := &TenantLimiters{
		visitors: make(map[string]*visitor),
		qps:      rate.Limit(qps),
		burst:    burst,
	}
	go tl.cleanup()
	return tl
}

func (tl *TenantLimiters) get(tenantID string) *rate.Limiter {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	v, ok := tl.visitors[tenantID]
	if !ok {
		limiter := rate.NewLimiter(tl.qps, tl.burst)
		tl.visitors[tenantID] = &visitor{limiter: limiter, lastSeen: time.Now()}
		return limiter
	}
	v.lastSeen = time.Now()
	return v.limiter
}

// Allow reports whether tenantID may proceed under its token bucket.
func (tl *TenantLimiters) Allow(tenantID string) bool {
	return tl.get(tenantID).Allow()
}

func (tl *TenantLimiters) cleanup() {
	for {
		time.Sleep(time.Minute)
		tl.mu.Lock()
		for id, v := range tl.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(tl.visitors, id)
			}
		}
		tl.mu.Unlock()
	}
}

// QuotaStore persists per-tenant monthly usage counters.
type QuotaStore interface {
	Increment(tenantID string, periodKey string) (count int64, err error)
}

// MemoryQuotaStore is an in-process QuotaStore keyed by (tenant, period).
type MemoryQuotaStore struct {
	mu     sync.Mutex
	counts map[string]int64
}

// NewMemoryQuotaStore returns an empty MemoryQuotaStore.
func NewMemoryQuotaStore() *MemoryQuotaStore {
	return &MemoryQuotaStore{counts: make(map[string]int64)}
}

func (s *MemoryQuotaStore) Increment(tenantID, periodKey string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tenantID + "|" + periodKey
	s.counts[key]++
	return s.counts[key], nil
}

// MonthlyQuota enforces a fail-closed per-tenant monthly request cap: any
// storage error denies the request, matching the teacher's SimpleEnforcer.
type MonthlyQuota struct {
	store    QuotaStore
	limit    int64
	nowFn    func() time.Time
}

// NewMonthlyQuota returns a quota enforcer capped at limit requests/month.
func NewMonthlyQuota(store QuotaStore, limit int64) *MonthlyQuota {
	return &MonthlyQuota{store: store, limit: limit, nowFn: time.Now}
}

// Allow increments the tenant's usage for the current month and reports
// whether the request is within the monthly cap. A store error fails closed
// (denies the request).
func (q *MonthlyQuota) Allow(tenantID string) (bool, error) {
	if q.limit <= 0 {
		return true, nil
	}
	period := q.nowFn().UTC().Format("2006-01")
	count, err := q.store.Increment(tenantID, period)
	if err != nil {
		return false, err
	}
	return count <= q.limit, nil
}
