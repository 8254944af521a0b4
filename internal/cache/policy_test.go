package cache_test

import (
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/snapp-incubator/frl-proxy/internal/cache"
	"github.com/snapp-incubator/frl-proxy/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestLookupMissThenStoreThenHit(t *testing.T) {
	st := openTestStore(t)
	p := cache.New(st)

	_, ok, err := p.Lookup(store.KindFRLActivate, "fp-1")
	require.NoError(t, err)
	require.False(t, ok)

	resp := &store.StoredResponse{Status: 200, Body: []byte(`{"asnpId":"A1"}`), IsCacheable: true}
	require.NoError(t, st.CreateStandaloneResponse(resp))
	require.NoError(t, p.Store(store.KindFRLActivate, "fp-1", "corr-1", resp.ID))

	got, ok, err := p.Lookup(store.KindFRLActivate, "fp-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, resp.ID, got.ID)
}

func TestInvalidateByCorrelationKeyRemovesCacheEntry(t *testing.T) {
	st := openTestStore(t)
	p := cache.New(st)

	resp := &store.StoredResponse{Status: 200, Body: []byte(`{}`), IsCacheable: true}
	require.NoError(t, st.CreateStandaloneResponse(resp))
	require.NoError(t, p.Store(store.KindFRLActivate, "fp-2", "corr-2", resp.ID))

	require.NoError(t, p.InvalidateByCorrelationKey("corr-2"))

	_, ok, err := p.Lookup(store.KindFRLActivate, "fp-2")
	require.NoError(t, err)
	require.False(t, ok)
}

// Invalidation is scoped by correlationKey (npdId/deviceId/osUserId), not the
// per-app fingerprint: a deactivation has no appId and so must evict every
// app activated for that device/user sharing the same correlation key.
func TestInvalidateByCorrelationKeyRemovesAllMatchingApps(t *testing.T) {
	st := openTestStore(t)
	p := cache.New(st)

	respA := &store.StoredResponse{Status: 200, Body: []byte(`{"asnpId":"A1"}`), IsCacheable: true}
	respB := &store.StoredResponse{Status: 200, Body: []byte(`{"asnpId":"A2"}`), IsCacheable: true}
	require.NoError(t, st.CreateStandaloneResponse(respA))
	require.NoError(t, st.CreateStandaloneResponse(respB))
	require.NoError(t, p.Store(store.KindFRLActivate, "fp-photoshop", "corr-shared", respA.ID))
	require.NoError(t, p.Store(store.KindFRLActivate, "fp-illustrator", "corr-shared", respB.ID))

	require.NoError(t, p.InvalidateByCorrelationKey("corr-shared"))

	_, ok, err := p.Lookup(store.KindFRLActivate, "fp-photoshop")
	require.NoError(t, err)
	require.False(t, ok)
	_, ok, err = p.Lookup(store.KindFRLActivate, "fp-illustrator")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCoalesceRunsFnOnceForConcurrentCallers(t *testing.T) {
	st := openTestStore(t)
	p := cache.New(st)

	var calls int32
	release := make(chan struct{})

	const n = 8
	var wg sync.WaitGroup
	results := make([]*store.StoredResponse, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := p.Coalesce("fp-shared", func() (*store.StoredResponse, error) {
				atomic.AddInt32(&calls, 1)
				<-release
				return &store.StoredResponse{ID: "owner-response"}, nil
			})
			results[i] = r
			errs[i] = err
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.EqualValues(t, 1, calls)
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, "owner-response", results[i].ID)
	}
}

func TestCoalesceSeparateFingerprintsRunIndependently(t *testing.T) {
	st := openTestStore(t)
	p := cache.New(st)

	var calls int32
	var wg sync.WaitGroup
	for _, fp := range []string{"fp-a", "fp-b"} {
		wg.Add(1)
		go func(fp string) {
			defer wg.Done()
			_, err := p.Coalesce(fp, func() (*store.StoredResponse, error) {
				atomic.AddInt32(&calls, 1)
				return &store.StoredResponse{ID: fp}, nil
			})
			require.NoError(t, err)
		}(fp)
	}
	wg.Wait()

	require.EqualValues(t, 2, calls)
}

func TestCoalescePropagatesErrorToAllWaiters(t *testing.T) {
	st := openTestStore(t)
	p := cache.New(st)
	wantErr := errors.New("upstream unreachable")

	var wg sync.WaitGroup
	errs := make([]error, 4)
	release := make(chan struct{})
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := p.Coalesce("fp-err", func() (*store.StoredResponse, error) {
				<-release
				return nil, wantErr
			})
			errs[i] = err
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		require.ErrorIs(t, err, wantErr)
	}
}

func TestCoalesceAllowsReentryAfterPriorCallCompletes(t *testing.T) {
	st := openTestStore(t)
	p := cache.New(st)

	_, err := p.Coalesce("fp-seq", func() (*store.StoredResponse, error) {
		return &store.StoredResponse{ID: "first"}, nil
	})
	require.NoError(t, err)

	r, err := p.Coalesce("fp-seq", func() (*store.StoredResponse, error) {
		return &store.StoredResponse{ID: "second"}, nil
	})
	require.NoError(t, err)
	require.Equal(t, "second", r.ID)
}
