package forwarder_test

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/snapp-incubator/frl-proxy/internal/cache"
	"github.com/snapp-incubator/frl-proxy/internal/forwarder"
	"github.com/snapp-incubator/frl-proxy/internal/mode"
	"github.com/snapp-incubator/frl-proxy/internal/store"
	"github.com/snapp-incubator/frl-proxy/internal/testutil/fakeupstream"
	"github.com/snapp-incubator/frl-proxy/internal/upstream"

	"github.com/snapp-incubator/frl-proxy/internal/config"
)

type ForwarderSuite struct {
	suite.Suite
	license *fakeupstream.Server
	log     *fakeupstream.Server
	st      *store.Store
	client  *upstream.Client
	cache   *cache.Policy
}

func (s *ForwarderSuite) SetupTest() {
	s.license = fakeupstream.New()
	s.log = fakeupstream.New()

	dbPath := filepath.Join(s.T().TempDir(), "test.db")
	var err error
	s.st, err = store.Open(dbPath)
	s.Require().NoError(err)

	s.client, err = upstream.New(upstream.Config{
		LicenseBaseURL: s.license.URL(),
		LogBaseURL:     s.log.URL(),
		RequestTimeout: 5 * time.Second,
		MaxAttempts:    1,
	})
	s.Require().NoError(err)

	s.cache = cache.New(s.st)
}

func (s *ForwarderSuite) TearDownTest() {
	s.license.Close()
	s.log.Close()
	_ = s.st.Close()
}

func (s *ForwarderSuite) TestDrainForwardsAllPendingRequests() {
	for i := 0; i < 5; i++ {
		req := &store.StoredRequest{
			Kind:        store.KindFRLActivate,
			Fingerprint: "fp-" + string(rune('A'+i)),
			Method:      http.MethodPost,
			Path:        "/asnp/frl_connected/values/2.0",
			Target:      store.TargetLicense,
		}
		require.NoError(s.T(), s.st.CreateRequest(req))
	}

	m := mode.New(config.ModeIsolated)
	w := forwarder.New(store.TargetLicense, s.st, s.cache, s.client, m)

	result := w.Drain(context.Background())
	s.Equal(5, result.Forwarded)
	s.Equal(0, result.Failed)
	s.Equal(0, result.Remaining)
	s.Equal(5, s.license.RequestCount())
}

func (s *ForwarderSuite) TestDrainLeavesRetryableFailuresPending() {
	s.license.SetResponder(func(r *http.Request, body []byte) (int, []byte, map[string]string) {
		return http.StatusInternalServerError, nil, nil
	})

	req := &store.StoredRequest{
		Kind:   store.KindFRLActivate,
		Method: http.MethodPost,
		Path:   "/asnp/frl_connected/values/2.0",
		Target: store.TargetLicense,
	}
	require.NoError(s.T(), s.st.CreateRequest(req))

	m := mode.New(config.ModeIsolated)
	w := forwarder.New(store.TargetLicense, s.st, s.cache, s.client, m)
	result := w.Drain(context.Background())

	s.Equal(0, result.Forwarded)
	s.Equal(1, result.Failed)
	s.Equal(1, result.Remaining)

	reloaded, err := s.st.RequestByID(req.ID)
	require.NoError(s.T(), err)
	s.Equal(store.StatePending, reloaded.State)
	s.Equal(1, reloaded.Attempts)
}

func (s *ForwarderSuite) TestDrainInvalidatesCacheOnForwardedDeactivation() {
	resp := &store.StoredResponse{Status: 200, Body: []byte(`{"asnpId":"A1"}`), IsCacheable: true}
	require.NoError(s.T(), s.st.CreateStandaloneResponse(resp))
	require.NoError(s.T(), s.cache.Store(store.KindFRLActivate, "fp-activate", "corr-shared", resp.ID))

	_, ok, err := s.cache.Lookup(store.KindFRLActivate, "fp-activate")
	require.NoError(s.T(), err)
	require.True(s.T(), ok)

	deactivateReq := &store.StoredRequest{
		Kind:           store.KindFRLDeactivate,
		Fingerprint:    "fp-deactivate",
		CorrelationKey: "corr-shared",
		Method:         http.MethodDelete,
		Path:           "/asnp/frl_connected/v1?npdId=N1&deviceId=D1&osUserId=U1",
		Target:         store.TargetLicense,
	}
	require.NoError(s.T(), s.st.CreateRequest(deactivateReq))

	m := mode.New(config.ModeIsolated)
	w := forwarder.New(store.TargetLicense, s.st, s.cache, s.client, m)
	result := w.Drain(context.Background())
	s.Equal(1, result.Forwarded)

	_, ok, err = s.cache.Lookup(store.KindFRLActivate, "fp-activate")
	require.NoError(s.T(), err)
	require.False(s.T(), ok)
}

func TestForwarderSuite(t *testing.T) {
	suite.Run(t, new(ForwarderSuite))
}
