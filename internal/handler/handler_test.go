package handler_test

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/snapp-incubator/frl-proxy/internal/cache"
	"github.com/snapp-incubator/frl-proxy/internal/config"
	"github.com/snapp-incubator/frl-proxy/internal/handler"
	"github.com/snapp-incubator/frl-proxy/internal/mode"
	"github.com/snapp-incubator/frl-proxy/internal/store"
	"github.com/snapp-incubator/frl-proxy/internal/testutil/fakeupstream"
	"github.com/snapp-incubator/frl-proxy/internal/upstream"
)

const activationBody = `{"npdId":"N1","deviceDetails":{"deviceId":"D1","osUserId":"U1"},"appDetails":{"nglAppId":"Photoshop1"}}`

type HandlerSuite struct {
	suite.Suite
	license *fakeupstream.Server
	log     *fakeupstream.Server
	st      *store.Store
	m       *mode.Flag
	h       *handler.Handler
}

func (s *HandlerSuite) SetupTest() {
	s.license = fakeupstream.New()
	s.log = fakeupstream.New()

	dbPath := filepath.Join(s.T().TempDir(), "test.db")
	var err error
	s.st, err = store.Open(dbPath)
	s.Require().NoError(err)

	client, err := upstream.New(upstream.Config{
		LicenseBaseURL: s.license.URL(),
		LogBaseURL:     s.log.URL(),
		RequestTimeout: 5 * time.Second,
		MaxAttempts:    1,
	})
	s.Require().NoError(err)

	s.m = mode.New(config.ModeConnected)
	cachePolicy := cache.New(s.st)
	s.h = handler.New(s.m, s.st, cachePolicy, client, nil)
}

func (s *HandlerSuite) TearDownTest() {
	s.license.Close()
	s.log.Close()
	_ = s.st.Close()
}

func (s *HandlerSuite) postActivation() *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/asnp/frl_connected/values/2.0", strings.NewReader(activationBody))
	req.Header.Set("X-Request-Id", "req-1")
	w := httptest.NewRecorder()
	s.h.ServeHTTP(w, req)
	return w
}

func (s *HandlerSuite) TestCacheHitUnderDisconnection() {
	s.license.SetResponder(func(r *http.Request, body []byte) (int, []byte, map[string]string) {
		return http.StatusOK, []byte(`{"asnpId":"A1"}`), map[string]string{"Content-Type": "application/json"}
	})

	first := s.postActivation()
	s.Require().Equal(http.StatusOK, first.Code)

	s.license.SetDown(true)

	second := s.postActivation()
	s.Equal(http.StatusOK, second.Code)
	s.JSONEq(`{"asnpId":"A1"}`, second.Body.String())
	s.Equal(1, s.license.RequestCount())
}

func (s *HandlerSuite) TestIsolatedModeCacheMissReturns502() {
	s.m.Set(config.ModeIsolated)
	w := s.postActivation()
	s.Equal(http.StatusBadGateway, w.Code)
}

func (s *HandlerSuite) TestCoalescingOneUpstreamCallForConcurrentActivations() {
	release := make(chan struct{})
	s.license.SetResponder(func(r *http.Request, body []byte) (int, []byte, map[string]string) {
		<-release
		return http.StatusOK, []byte(`{"asnpId":"A1"}`), map[string]string{"Content-Type": "application/json"}
	})

	const n = 10
	results := make(chan int, n)
	for i := 0; i < n; i++ {
		go func() {
			w := s.postActivation()
			results <- w.Code
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)

	for i := 0; i < n; i++ {
		s.Equal(http.StatusOK, <-results)
	}
	s.Equal(1, s.license.RequestCount())
}

func (s *HandlerSuite) postDeactivation() *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodDelete, "/asnp/frl_connected/v1?npdId=N1&deviceId=D1&osUserId=U1", nil)
	req.Header.Set("X-Request-Id", "req-deactivate")
	w := httptest.NewRecorder()
	s.h.ServeHTTP(w, req)
	return w
}

func (s *HandlerSuite) TestDeactivationInvalidatesCache() {
	s.license.SetResponder(func(r *http.Request, body []byte) (int, []byte, map[string]string) {
		return http.StatusOK, []byte(`{"asnpId":"A1"}`), map[string]string{"Content-Type": "application/json"}
	})

	first := s.postActivation()
	s.Require().Equal(http.StatusOK, first.Code)

	deactivate := s.postDeactivation()
	s.Require().Equal(http.StatusOK, deactivate.Code)

	s.license.SetDown(true)

	s.m.Set(config.ModeIsolated)
	miss := s.postActivation()
	s.Equal(http.StatusBadGateway, miss.Code)
}

func (s *HandlerSuite) TestOutOfBandRevalidationUsesOriginalActivationPath() {
	s.license.SetResponder(func(r *http.Request, body []byte) (int, []byte, map[string]string) {
		return http.StatusOK, []byte(`{"asnpId":"A1"}`), map[string]string{"Content-Type": "application/json"}
	})

	first := s.postActivation()
	s.Require().Equal(http.StatusOK, first.Code)
	s.Require().Equal(1, s.license.RequestCount())

	// This second call is a cache hit, serving synchronously, but it also
	// fires the out-of-band revalidation goroutine; wait for it to land.
	second := s.postActivation()
	s.Require().Equal(http.StatusOK, second.Code)

	s.Require().Eventually(func() bool {
		return s.license.RequestCount() == 2
	}, time.Second, 10*time.Millisecond)

	reqs := s.license.Requests()
	s.Equal("/asnp/frl_connected/values/2.0", reqs[1].Path)
}

func (s *HandlerSuite) TestDeactivationInvalidatesBothActivatedApps() {
	s.license.SetResponder(func(r *http.Request, body []byte) (int, []byte, map[string]string) {
		return http.StatusOK, []byte(`{"asnpId":"A1"}`), map[string]string{"Content-Type": "application/json"}
	})

	photoshopBody := `{"npdId":"N1","deviceDetails":{"deviceId":"D1","osUserId":"U1"},"appDetails":{"nglAppId":"Photoshop1"}}`
	illustratorBody := `{"npdId":"N1","deviceDetails":{"deviceId":"D1","osUserId":"U1"},"appDetails":{"nglAppId":"Illustrator1"}}`

	post := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/asnp/frl_connected/values/2.0", strings.NewReader(body))
		req.Header.Set("X-Request-Id", "req-multi")
		w := httptest.NewRecorder()
		s.h.ServeHTTP(w, req)
		return w
	}

	s.Require().Equal(http.StatusOK, post(photoshopBody).Code)
	s.Require().Equal(http.StatusOK, post(illustratorBody).Code)

	deactivate := s.postDeactivation()
	s.Require().Equal(http.StatusOK, deactivate.Code)

	s.license.SetDown(true)
	s.m.Set(config.ModeIsolated)

	s.Equal(http.StatusBadGateway, post(photoshopBody).Code)
	s.Equal(http.StatusBadGateway, post(illustratorBody).Code)
}

func (s *HandlerSuite) TestLogUploadUnderOutageDefersWithNoContent() {
	s.log.SetDown(true)

	req := httptest.NewRequest(http.MethodPost, "/ulecs/v1", strings.NewReader(`{"events":[]}`))
	req.Header.Set("X-Api-Key", "key-1")
	w := httptest.NewRecorder()
	s.h.ServeHTTP(w, req)

	s.Equal(http.StatusNoContent, w.Code)
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}
