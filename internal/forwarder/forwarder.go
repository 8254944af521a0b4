// Package forwarder implements the Forwarder / Replay Loop: one background
// worker per upstream target that drains PENDING StoredRequests to the
// Upstream Client in CONNECTED mode, or once on manual trigger in ISOLATED
// mode.
package forwarder

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/snapp-incubator/frl-proxy/internal/cache"
	"github.com/snapp-incubator/frl-proxy/internal/config"
	"github.com/snapp-incubator/frl-proxy/internal/logging"
	"github.com/snapp-incubator/frl-proxy/internal/metrics"
	"github.com/snapp-incubator/frl-proxy/internal/mode"
	"github.com/snapp-incubator/frl-proxy/internal/store"
	"github.com/snapp-incubator/frl-proxy/internal/upstream"
)

const (
	batchSize      = 50
	maxBackoffStep = 5 * time.Minute
)

// Worker drains PENDING requests for a single upstream target.
type Worker struct {
	target   store.Target
	upstream upstream.Target
	st       *store.Store
	cache    *cache.Policy
	client   *upstream.Client
	mode     *mode.Flag

	backoff time.Duration
	stop    chan struct{}
	done    chan struct{}
}

// New builds a Worker for the given target.
func New(target store.Target, st *store.Store, c *cache.Policy, client *upstream.Client, m *mode.Flag) *Worker {
	ut := upstream.License
	if target == store.TargetLog {
		ut = upstream.Log
	}
	return &Worker{
		target:   target,
		upstream: ut,
		st:       st,
		cache:    c,
		client:   client,
		mode:     m,
		backoff:  0,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run loops forever, draining while the process is in connected mode and
// sleeping otherwise, until Stop is called. It returns once the in-flight
// drain finishes, per spec.md §4.6's "stops immediately on shutdown signal
// after completing the in-flight item."
func (w *Worker) Run() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		default:
		}

		if w.mode.Get() != config.ModeConnected {
			select {
			case <-w.stop:
				return
			case <-time.After(2 * time.Second):
			}
			continue
		}

		result := w.drainOnce(context.Background())
		if result.forwarded == 0 && result.failed == 0 {
			select {
			case <-w.stop:
				return
			case <-time.After(2 * time.Second):
			}
			continue
		}
		if result.failed > 0 {
			w.sleepBackoff()
		} else {
			w.backoff = 0
		}
	}
}

// Stop requests the worker to halt after its current item and waits for it
// to do so.
func (w *Worker) Stop() {
	close(w.stop)
	<-w.done
}

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Forwarded int
	Failed    int
	Remaining int
}

type drainCounts struct {
	forwarded, failed int
}

// Drain runs one complete one-shot drain pass against whichever upstream is
// reachable, used by the manual /control/forward trigger and the `forward`
// CLI subcommand. It ignores the process Mode, matching spec.md §4.6's
// "manual trigger ... switches the process into a one-shot drain mode"
// behavior regardless of ISOLATED/CONNECTED.
func (w *Worker) Drain(ctx context.Context) DrainResult {
	var total DrainResult
	for {
		r := w.drainOnce(ctx)
		total.Forwarded += r.forwarded
		total.Failed += r.failed
		// Stop once a pass makes no forward progress: a retryable failure
		// left PENDING would otherwise be picked straight back up and retried
		// with no backoff, spinning forever against a still-down upstream.
		if r.forwarded == 0 {
			break
		}
	}
	remaining, err := w.st.PendingByTarget(w.target, 0)
	if err == nil {
		total.Remaining = len(remaining)
	}
	return total
}

func (w *Worker) drainOnce(ctx context.Context) drainCounts {
	pending, err := w.st.PendingByTarget(w.target, batchSize)
	if err != nil {
		logging.L.Error("loading pending requests failed", zap.String("target", string(w.target)), zap.Error(err))
		return drainCounts{}
	}
	metrics.ForwarderPending.WithLabelValues(string(w.target)).Set(float64(len(pending)))

	var counts drainCounts
	for _, req := range pending {
		select {
		case <-w.stop:
			return counts
		default:
		}

		headers := toHeader(store.DecodeHeaders(req.Headers))
		out := w.client.Send(ctx, w.upstream, upstream.Request{
			Method:  req.Method,
			Path:    req.Path,
			Headers: headers,
			Body:    req.Body,
		})

		switch {
		case out.Kind == upstream.Success:
			w.applySuccess(req, out)
			counts.forwarded++
			metrics.ForwarderDrains.WithLabelValues(string(w.target), "success").Inc()

		case out.Kind == upstream.ErrorStatus && !out.Retryable():
			w.applyTerminal(req, out)
			counts.forwarded++
			metrics.ForwarderDrains.WithLabelValues(string(w.target), "terminal_failure").Inc()

		default:
			_ = w.st.RecordRetryableFailure(req.ID, forwardError(out))
			counts.failed++
			metrics.ForwarderDrains.WithLabelValues(string(w.target), "retryable_failure").Inc()
		}
	}
	return counts
}

func (w *Worker) applySuccess(req store.StoredRequest, out upstream.Outcome) {
	resp := storedResponseFromOutcome(out.Response)
	if err := w.st.RecordSuccess(req.ID, resp); err != nil {
		logging.L.Error("recording forwarded response failed", zap.String("request_id", req.ID), zap.Error(err))
		return
	}
	if req.Kind == store.KindFRLActivate {
		if err := w.cache.Store(req.Kind, req.Fingerprint, req.CorrelationKey, resp.ID); err != nil {
			logging.L.Error("caching forwarded activation failed", zap.Error(err))
		}
	} else if req.Kind == store.KindFRLDeactivate {
		if err := w.cache.InvalidateByCorrelationKey(req.CorrelationKey); err != nil {
			logging.L.Error("invalidating cache on forwarded deactivation failed", zap.Error(err))
		}
	}
}

func (w *Worker) applyTerminal(req store.StoredRequest, out upstream.Outcome) {
	resp := storedResponseFromOutcome(out.Response)
	if err := w.st.RecordTerminalFailure(req.ID, resp); err != nil {
		logging.L.Error("recording terminal forward failure failed", zap.String("request_id", req.ID), zap.Error(err))
	}
}

func (w *Worker) sleepBackoff() {
	if w.backoff == 0 {
		w.backoff = 500 * time.Millisecond
	} else {
		w.backoff *= 2
	}
	if w.backoff > maxBackoffStep {
		w.backoff = maxBackoffStep
	}
	select {
	case <-w.stop:
	case <-time.After(w.backoff):
	}
}

func toHeader(m map[string]string) http.Header {
	h := http.Header{}
	for k, v := range m {
		h.Set(k, v)
	}
	return h
}

func storedResponseFromOutcome(out *upstream.Response) *store.StoredResponse {
	hdrs := map[string]string{}
	if v := out.Headers.Get("Content-Type"); v != "" {
		hdrs["Content-Type"] = v
	}
	return &store.StoredResponse{
		Status:      out.Status,
		Headers:     store.EncodeHeaders(hdrs),
		Body:        out.Body,
		IsCacheable: out.Status >= 200 && out.Status < 300,
	}
}

func forwardError(o upstream.Outcome) string {
	if o.Err != nil {
		return o.Err.Error()
	}
	if o.Response != nil {
		return fmt.Sprintf("upstream status %d", o.Response.Status)
	}
	return "unknown forward failure"
}

// Pair bundles the License and Log workers so callers (control surface,
// lifecycle supervisor) can manage both together.
type Pair struct {
	License *Worker
	Log     *Worker
}

// NewPair builds both workers sharing the same store, cache, client, and
// mode flag.
func NewPair(st *store.Store, c *cache.Policy, client *upstream.Client, m *mode.Flag) *Pair {
	return &Pair{
		License: New(store.TargetLicense, st, c, client, m),
		Log:     New(store.TargetLog, st, c, client, m),
	}
}

// Start launches both workers' Run loops.
func (p *Pair) Start() {
	go p.License.Run()
	go p.Log.Run()
}

// Stop halts both workers, waiting for their in-flight items to finish.
func (p *Pair) Stop() {
	p.License.Stop()
	p.Log.Stop()
}

// Drain runs one complete one-shot drain pass against both upstreams.
func (p *Pair) Drain(ctx context.Context) (DrainResult, DrainResult) {
	return p.License.Drain(ctx), p.Log.Drain(ctx)
}
