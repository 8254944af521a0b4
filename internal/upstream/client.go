// Package upstream performs one HTTP round-trip to the License Server or
// Log Server, honoring an optional outbound proxy, with timeouts and bounded
// exponential-backoff retries.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/snapp-incubator/frl-proxy/internal/logging"
	"github.com/snapp-incubator/frl-proxy/internal/metrics"
)

// Target selects which upstream base URL a Request is routed to.
type Target string

const (
	License Target = "LICENSE"
	Log     Target = "LOG"
)

// allowedHeaders is the propagated header set of spec.md §4.4; everything
// else (including hop-by-hop headers) is dropped.
var allowedHeaders = []string{
	"Content-Type", "Accept", "Accept-Encoding", "Accept-Language",
	"X-Api-Key", "X-Session-Id", "X-Request-Id", "User-Agent",
}

// Request is one outbound call to an upstream base.
type Request struct {
	Method  string
	Path    string // including query string
	Headers http.Header
	Body    []byte
}

// Response is a successful upstream round-trip result.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// OutcomeKind tags the terminal disposition of an upstream attempt.
type OutcomeKind string

const (
	Success      OutcomeKind = "SUCCESS"
	NetworkError OutcomeKind = "NETWORK_ERROR"
	ParseFailure OutcomeKind = "PARSE_FAILURE"
	ErrorStatus  OutcomeKind = "ERROR_STATUS"
)

// Outcome is the Go idiomatic replacement for the source's FrlOutcome/
// SendOutcome enums: a tagged struct rather than a sum type, carrying only
// the fields relevant to its Kind.
type Outcome struct {
	Kind     OutcomeKind
	Response *Response // set when Kind == Success or ErrorStatus
	Err      error      // set when Kind == NetworkError or ParseFailure
}

// Retryable reports whether the Forwarder should leave the owning request
// PENDING and retry later, versus treating it as terminal.
func (o Outcome) Retryable() bool {
	switch o.Kind {
	case NetworkError:
		return true
	case ErrorStatus:
		return o.Response != nil && (o.Response.Status == http.StatusTooManyRequests || o.Response.Status >= 500)
	default:
		return false
	}
}

// Config configures a Client's bases, outbound proxy, timeout, and retry
// policy.
type Config struct {
	LicenseBaseURL string
	LogBaseURL     string

	RequestTimeout time.Duration
	MaxAttempts    int

	UseProxy      bool
	ProxyProtocol string
	ProxyHost     string
	ProxyPort     int
	UseBasicAuth  bool
	ProxyUsername string
	ProxyPassword string
}

// Client performs retried round-trips against the two configured upstream
// bases.
type Client struct {
	cfg    Config
	client *retryablehttp.Client
}

// New builds a Client from cfg.
func New(cfg Config) (*Client, error) {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}

	transport := &http.Transport{}
	if cfg.UseProxy {
		proxyURL, err := buildProxyURL(cfg)
		if err != nil {
			return nil, err
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient = &http.Client{Transport: transport, Timeout: cfg.RequestTimeout}
	rc.RetryMax = cfg.MaxAttempts - 1
	rc.CheckRetry = checkRetry
	rc.Backoff = backoffPolicy
	// Once retries are exhausted, hand back the last response (e.g. a 5xx)
	// instead of an error, so Send classifies it as ErrorStatus.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.Logger = nil // the package logger is used explicitly at call sites instead

	return &Client{cfg: cfg, client: rc}, nil
}

func buildProxyURL(cfg Config) (*url.URL, error) {
	scheme := cfg.ProxyProtocol
	if scheme == "" {
		scheme = "http"
	}
	u := &url.URL{
		Scheme: scheme,
		Host:   fmt.Sprintf("%s:%d", cfg.ProxyHost, cfg.ProxyPort),
	}
	if cfg.UseBasicAuth {
		u.User = url.UserPassword(cfg.ProxyUsername, cfg.ProxyPassword)
	}
	return u, nil
}

// checkRetry retries on transport errors, 429, and 5xx; never on other 4xx.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return true, nil
	}
	if resp.StatusCode >= 500 {
		return true, nil
	}
	return false, nil
}

// backoffPolicy implements base 500ms, factor 2, +/-20% jitter, capped at 5
// minutes, matching spec.md §4.4. It builds a fresh cenkalti/backoff
// exponential generator per attempt rather than retryablehttp's default
// linear/exponential helpers, since retryablehttp calls Backoff statelessly
// per attempt and backoff.ExponentialBackOff expects to be stepped in order.
func backoffPolicy(_, _ time.Duration, attemptNum int, _ *http.Response) time.Duration {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 500 * time.Millisecond
	eb.Multiplier = 2
	eb.RandomizationFactor = 0.2
	eb.MaxInterval = 5 * time.Minute

	d := eb.InitialInterval
	for i := 0; i < attemptNum; i++ {
		d = time.Duration(float64(d) * eb.Multiplier)
		if d > eb.MaxInterval {
			d = eb.MaxInterval
			break
		}
	}
	return backoff.NewConstantBackOff(d).NextBackOff() + jitter(d, eb.RandomizationFactor)
}

func jitter(d time.Duration, factor float64) time.Duration {
	spread := float64(d) * factor
	return time.Duration(spread * (2*rand.Float64() - 1))
}

func (c *Client) baseURL(target Target) string {
	if target == Log {
		return c.cfg.LogBaseURL
	}
	return c.cfg.LicenseBaseURL
}

// Send performs one (possibly retried) round-trip against target.
func (c *Client) Send(ctx context.Context, target Target, req Request) Outcome {
	start := time.Now()
	base := c.baseURL(target)
	fullURL := base + req.Path

	httpReq, err := retryablehttp.NewRequestWithContext(ctx, req.Method, fullURL, bytes.NewReader(req.Body))
	if err != nil {
		return Outcome{Kind: ParseFailure, Err: fmt.Errorf("building upstream request: %w", err)}
	}
	copyAllowedHeaders(httpReq.Header, req.Headers)
	if u, parseErr := url.Parse(base); parseErr == nil {
		httpReq.Host = u.Host
	}

	resp, err := c.client.Do(httpReq)
	metrics.UpstreamDuration.WithLabelValues(string(target)).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.UpstreamCalls.WithLabelValues(string(target), string(NetworkError)).Inc()
		return Outcome{Kind: NetworkError, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body := &bytes.Buffer{}
	if _, err := body.ReadFrom(resp.Body); err != nil {
		metrics.UpstreamCalls.WithLabelValues(string(target), string(ParseFailure)).Inc()
		return Outcome{Kind: ParseFailure, Err: fmt.Errorf("reading upstream body: %w", err)}
	}

	out := &Response{Status: resp.StatusCode, Headers: resp.Header.Clone(), Body: body.Bytes()}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		metrics.UpstreamCalls.WithLabelValues(string(target), string(Success)).Inc()
		return Outcome{Kind: Success, Response: out}
	}

	logging.L.Debug("upstream returned non-2xx",
		zap.String("target", string(target)), zap.Int("status", resp.StatusCode))
	metrics.UpstreamCalls.WithLabelValues(string(target), string(ErrorStatus)).Inc()
	return Outcome{Kind: ErrorStatus, Response: out}
}

func copyAllowedHeaders(dst http.Header, src http.Header) {
	for _, name := range allowedHeaders {
		if v := src.Get(name); v != "" {
			dst.Set(name, v)
		}
	}
}
