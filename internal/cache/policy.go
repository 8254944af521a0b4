// Package cache implements the Cache Policy: fingerprint-keyed lookup/store/
// invalidate over the Durable Store's CacheEntry table, plus an in-memory
// table that coalesces concurrent upstream calls for the same fingerprint.
package cache

import (
	"sync"

	"github.com/snapp-incubator/frl-proxy/internal/metrics"
	"github.com/snapp-incubator/frl-proxy/internal/store"
)

// inflight tracks one outstanding upstream call for a fingerprint. Waiters
// block on done and then read result/err, set exactly once by the owner.
type inflight struct {
	done   chan struct{}
	result *store.StoredResponse
	err    error
}

// Policy wraps the durable CacheEntry table with an in-process coalescing
// table, guarding at most one outstanding upstream call per fingerprint, per
// spec.md §4.3 and §5.
type Policy struct {
	st *store.Store

	mu    sync.Mutex
	inFly map[string]*inflight
}

// New builds a Policy over st.
func New(st *store.Store) *Policy {
	return &Policy{st: st, inFly: map[string]*inflight{}}
}

// Lookup returns the cached response for an FRL_ACTIVATE fingerprint, if any.
func (p *Policy) Lookup(kind store.Kind, fingerprint string) (*store.StoredResponse, bool, error) {
	resp, ok, err := p.st.LookupCache(kind, fingerprint)
	if err == nil {
		if ok {
			metrics.CacheLookups.WithLabelValues("hit").Inc()
		} else {
			metrics.CacheLookups.WithLabelValues("miss").Inc()
		}
	}
	return resp, ok, err
}

// Store upserts the CacheEntry after a successful (2xx) activation response.
// correlationKey is the (npdId, deviceId, osUserId) tuple shared with any
// future deactivation for this device/user.
func (p *Policy) Store(kind store.Kind, fingerprint, correlationKey, responseID string) error {
	return p.st.StoreCache(kind, fingerprint, correlationKey, responseID)
}

// InvalidateByCorrelationKey removes every CacheEntry sharing correlationKey
// after a successful deactivation, regardless of which app(s) were cached
// under it.
func (p *Policy) InvalidateByCorrelationKey(correlationKey string) error {
	return p.st.InvalidateCacheByCorrelationKey(correlationKey)
}

// Coalesce runs fn for the first caller of a given fingerprint and has every
// concurrent caller for the same fingerprint block on that single call's
// result instead of issuing their own upstream request.
func (p *Policy) Coalesce(fingerprint string, fn func() (*store.StoredResponse, error)) (*store.StoredResponse, error) {
	p.mu.Lock()
	if existing, ok := p.inFly[fingerprint]; ok {
		p.mu.Unlock()
		<-existing.done
		return existing.result, existing.err
	}

	owner := &inflight{done: make(chan struct{})}
	p.inFly[fingerprint] = owner
	p.mu.Unlock()

	owner.result, owner.err = fn()

	p.mu.Lock()
	delete(p.inFly, fingerprint)
	p.mu.Unlock()
	close(owner.done)

	return owner.result, owner.err
}
