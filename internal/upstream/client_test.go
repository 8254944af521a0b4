package upstream_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapp-incubator/frl-proxy/internal/testutil/fakeupstream"
	"github.com/snapp-incubator/frl-proxy/internal/upstream"
)

func TestSendSuccessReturnsOutcome(t *testing.T) {
	license := fakeupstream.New()
	defer license.Close()

	c, err := upstream.New(upstream.Config{LicenseBaseURL: license.URL(), MaxAttempts: 1})
	require.NoError(t, err)

	out := c.Send(context.Background(), upstream.License, upstream.Request{Method: http.MethodGet, Path: "/x"})
	assert.Equal(t, upstream.Success, out.Kind)
	require.NotNil(t, out.Response)
	assert.Equal(t, http.StatusOK, out.Response.Status)
	assert.False(t, out.Retryable())
}

func TestSendRetriesOn500ThenSucceeds(t *testing.T) {
	license := fakeupstream.New()
	defer license.Close()

	attempts := 0
	license.SetResponder(func(r *http.Request, body []byte) (int, []byte, map[string]string) {
		attempts++
		if attempts < 3 {
			return http.StatusInternalServerError, nil, nil
		}
		return http.StatusOK, []byte(`{}`), map[string]string{"Content-Type": "application/json"}
	})

	c, err := upstream.New(upstream.Config{LicenseBaseURL: license.URL(), MaxAttempts: 5, RequestTimeout: 5 * time.Second})
	require.NoError(t, err)

	out := c.Send(context.Background(), upstream.License, upstream.Request{Method: http.MethodPost, Path: "/x"})
	assert.Equal(t, upstream.Success, out.Kind)
	assert.Equal(t, 3, attempts)
}

func TestSendDoesNotRetryOn4xx(t *testing.T) {
	license := fakeupstream.New()
	defer license.Close()

	license.SetResponder(func(r *http.Request, body []byte) (int, []byte, map[string]string) {
		return http.StatusBadRequest, []byte(`{"error":"bad"}`), nil
	})

	c, err := upstream.New(upstream.Config{LicenseBaseURL: license.URL(), MaxAttempts: 5, RequestTimeout: 5 * time.Second})
	require.NoError(t, err)

	out := c.Send(context.Background(), upstream.License, upstream.Request{Method: http.MethodPost, Path: "/x"})
	assert.Equal(t, upstream.ErrorStatus, out.Kind)
	assert.False(t, out.Retryable())
	assert.Equal(t, 1, license.RequestCount())
}

func TestSendExhaustsRetriesOnPersistent500(t *testing.T) {
	license := fakeupstream.New()
	defer license.Close()
	license.SetResponder(func(r *http.Request, body []byte) (int, []byte, map[string]string) {
		return http.StatusInternalServerError, nil, nil
	})

	c, err := upstream.New(upstream.Config{LicenseBaseURL: license.URL(), MaxAttempts: 3, RequestTimeout: 5 * time.Second})
	require.NoError(t, err)

	out := c.Send(context.Background(), upstream.License, upstream.Request{Method: http.MethodPost, Path: "/x"})
	assert.Equal(t, upstream.ErrorStatus, out.Kind)
	assert.True(t, out.Retryable())
	assert.Equal(t, 3, license.RequestCount())
}

func TestSendOnlyPropagatesAllowedHeaders(t *testing.T) {
	license := fakeupstream.New()
	defer license.Close()

	c, err := upstream.New(upstream.Config{LicenseBaseURL: license.URL(), MaxAttempts: 1})
	require.NoError(t, err)

	headers := http.Header{}
	headers.Set("X-Request-Id", "req-1")
	headers.Set("X-Forwarded-For", "10.0.0.1")
	headers.Set("Cookie", "session=abc")

	out := c.Send(context.Background(), upstream.License, upstream.Request{Method: http.MethodGet, Path: "/x", Headers: headers})
	require.Equal(t, upstream.Success, out.Kind)

	recorded := license.Requests()
	require.Len(t, recorded, 1)
	assert.Equal(t, "req-1", recorded[0].Header.Get("X-Request-Id"))
	assert.Empty(t, recorded[0].Header.Get("X-Forwarded-For"))
	assert.Empty(t, recorded[0].Header.Get("Cookie"))
}

func TestSendNetworkErrorIsRetryable(t *testing.T) {
	c, err := upstream.New(upstream.Config{LicenseBaseURL: "http://127.0.0.1:1", MaxAttempts: 1, RequestTimeout: 500 * time.Millisecond})
	require.NoError(t, err)

	out := c.Send(context.Background(), upstream.License, upstream.Request{Method: http.MethodGet, Path: "/x"})
	assert.Equal(t, upstream.NetworkError, out.Kind)
	assert.True(t, out.Retryable())
}
