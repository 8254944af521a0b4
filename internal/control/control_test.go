package control_test

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/snapp-incubator/frl-proxy/internal/cache"
	"github.com/snapp-incubator/frl-proxy/internal/config"
	"github.com/snapp-incubator/frl-proxy/internal/control"
	"github.com/snapp-incubator/frl-proxy/internal/forwarder"
	"github.com/snapp-incubator/frl-proxy/internal/mode"
	"github.com/snapp-incubator/frl-proxy/internal/store"
	"github.com/snapp-incubator/frl-proxy/internal/testutil/fakeupstream"
	"github.com/snapp-incubator/frl-proxy/internal/upstream"
)

type ControlSuite struct {
	suite.Suite
	license *fakeupstream.Server
	log     *fakeupstream.Server
	st      *store.Store
	router  *mux.Router
	surface *control.Surface
}

func (s *ControlSuite) SetupTest() {
	s.license = fakeupstream.New()
	s.log = fakeupstream.New()

	dbPath := filepath.Join(s.T().TempDir(), "test.db")
	var err error
	s.st, err = store.Open(dbPath)
	s.Require().NoError(err)

	client, err := upstream.New(upstream.Config{
		LicenseBaseURL: s.license.URL(),
		LogBaseURL:     s.log.URL(),
	})
	s.Require().NoError(err)

	cachePolicy := cache.New(s.st)
	m := mode.New(config.ModeConnected)
	pair := forwarder.NewPair(s.st, cachePolicy, client, m)

	s.surface = control.New(m, s.st, pair, "")
	s.router = mux.NewRouter()
	s.surface.Register(s.router)
}

func (s *ControlSuite) TearDownTest() {
	s.license.Close()
	s.log.Close()
	_ = s.st.Close()
}

func (s *ControlSuite) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *ControlSuite) TestStatusReportsModeAndCounts() {
	w := s.do(http.MethodGet, "/status", "")
	s.Equal(http.StatusOK, w.Code)
	s.Contains(w.Body.String(), "mode: CONNECTED")
	s.Contains(w.Body.String(), "pending_license: 0")
}

func (s *ControlSuite) TestSetModeValidatesAndApplies() {
	w := s.do(http.MethodPost, "/control/mode", `{"mode":"ISOLATED"}`)
	s.Equal(http.StatusOK, w.Code)
	s.Equal(config.ModeIsolated, s.surface.Mode.Get())

	bad := s.do(http.MethodPost, "/control/mode", `{"mode":"BOGUS"}`)
	s.Equal(http.StatusBadRequest, bad.Code)
}

func (s *ControlSuite) TestForwardDrainsPendingRequests() {
	req := &store.StoredRequest{Kind: store.KindFRLActivate, Fingerprint: "fp1", Method: http.MethodPost, Path: "/x", Target: store.TargetLicense}
	require.NoError(s.T(), s.st.CreateRequest(req))

	w := s.do(http.MethodPost, "/control/forward", "")
	s.Equal(http.StatusOK, w.Code)
	s.Contains(w.Body.String(), `"forwarded":1`)
}

func (s *ControlSuite) TestExportThenImportRoundTrips() {
	req := &store.StoredRequest{Kind: store.KindFRLActivate, Fingerprint: "fp1", Method: http.MethodPost, Path: "/x", Target: store.TargetLicense}
	require.NoError(s.T(), s.st.CreateRequest(req))

	exported := s.do(http.MethodPost, "/control/export", "")
	s.Equal(http.StatusOK, exported.Code)
	s.NotEmpty(exported.Body.String())

	imported := s.do(http.MethodPost, "/control/import", exported.Body.String())
	s.Equal(http.StatusOK, imported.Code)
	s.Contains(imported.Body.String(), `"requests":1`)
}

func (s *ControlSuite) TestControlEndpointsRequireSharedSecretWhenConfigured() {
	s.surface.SharedSecret = "topsecret"

	unauthorized := s.do(http.MethodPost, "/control/mode", `{"mode":"isolated"}`)
	s.Equal(http.StatusUnauthorized, unauthorized.Code)

	req := httptest.NewRequest(http.MethodPost, "/control/mode", strings.NewReader(`{"mode":"isolated"}`))
	req.Header.Set("X-Control-Secret", "topsecret")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	s.Equal(http.StatusOK, w.Code)
}

func TestControlSuite(t *testing.T) {
	suite.Run(t, new(ControlSuite))
}
