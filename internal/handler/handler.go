// Package handler implements the Request Handler: the ingress pipeline that
// classifies, journals, decides (serve-from-cache / forward-now / defer),
// and responds, per the mode-dependent decision table of spec.md §4.5.
package handler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/snapp-incubator/frl-proxy/internal/audit"
	"github.com/snapp-incubator/frl-proxy/internal/cache"
	"github.com/snapp-incubator/frl-proxy/internal/classifier"
	"github.com/snapp-incubator/frl-proxy/internal/config"
	"github.com/snapp-incubator/frl-proxy/internal/fingerprint"
	"github.com/snapp-incubator/frl-proxy/internal/logging"
	"github.com/snapp-incubator/frl-proxy/internal/metrics"
	"github.com/snapp-incubator/frl-proxy/internal/mode"
	"github.com/snapp-incubator/frl-proxy/internal/store"
	"github.com/snapp-incubator/frl-proxy/internal/upstream"
)

const selectedHeaderLimit = 16 << 20 // 16MiB, matches spec.md's "body at configured size limit" boundary case's ceiling.

// Handler wires the Classifier, Cache Policy, Durable Store, and Upstream
// Client together into the ingress pipeline.
type Handler struct {
	Mode   *mode.Flag
	Store  *store.Store
	Cache  *cache.Policy
	Client *upstream.Client
	Audit  audit.Storage
}

// New builds a Handler. audit may be nil, in which case resolved requests
// are simply not logged (used by tests that don't care about the audit
// trail); production callers pass the configured audit.Storage backend.
func New(m *mode.Flag, st *store.Store, c *cache.Policy, uc *upstream.Client, auditStorage audit.Storage) *Handler {
	if auditStorage == nil {
		auditStorage = audit.Noop{}
	}
	return &Handler{Mode: m, Store: st, Cache: c, Client: uc, Audit: auditStorage}
}

func (h *Handler) recordAudit(r *http.Request, cls classifier.Classification, fp, outcome string, status int) {
	if err := h.Audit.Store(audit.Log{
		Timestamp:      time.Now().UTC(),
		RequestID:      r.Header.Get("X-Request-Id"),
		Kind:           string(cls.Kind),
		Method:         r.Method,
		URL:            r.URL.RequestURI(),
		Headers:        map[string][]string(r.Header),
		Outcome:        outcome,
		UpstreamStatus: status,
		Fingerprint:    fp,
	}); err != nil {
		logging.L.Warn("writing audit log failed", zap.Error(err))
	}
}

// ServeHTTP is the catch-all entry point mounted by internal/server behind
// the Control Surface's routes. It classifies the request itself and answers
// 404 for anything that is not an FRL activation, FRL deactivation, or log
// upload.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, selectedHeaderLimit))
	if err != nil {
		http.Error(w, "error reading request body", http.StatusBadRequest)
		return
	}

	cls, err := classifier.Classify(r.Method, r.URL.RequestURI(), r.Header, body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	switch cls.Kind {
	case classifier.KindFRLActivate:
		h.serveFRLActivate(w, r, cls, body)
	case classifier.KindFRLDeactivate:
		h.serveFRLDeactivate(w, r, cls, body)
	case classifier.KindLogUpload:
		h.serveLogUpload(w, r, cls, body)
	default:
		http.NotFound(w, r)
	}
}

func selectedHeaders(h http.Header) map[string]string {
	out := map[string]string{}
	for _, name := range []string{"Content-Type", "Accept", "Accept-Encoding", "Accept-Language", "X-Api-Key", "X-Session-Id", "X-Request-Id", "User-Agent"} {
		if v := h.Get(name); v != "" {
			out[name] = v
		}
	}
	return out
}

func writeUpstreamResponse(w http.ResponseWriter, resp *store.StoredResponse, requestID string) {
	hdrs := store.DecodeHeaders(resp.Headers)
	for k, v := range hdrs {
		w.Header().Set(k, v)
	}
	if requestID != "" {
		w.Header().Set("X-Request-Id", requestID)
	}
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func storedResponseFromOutcome(out *upstream.Response) *store.StoredResponse {
	hdrs := map[string]string{}
	for _, name := range []string{"Content-Type", "X-Request-Id"} {
		if v := out.Headers.Get(name); v != "" {
			hdrs[name] = v
		}
	}
	return &store.StoredResponse{
		Status:      out.Status,
		Headers:     store.EncodeHeaders(hdrs),
		Body:        out.Body,
		IsCacheable: out.Status >= 200 && out.Status < 300,
	}
}

func (h *Handler) journal(r *http.Request, cls classifier.Classification, body []byte, fp, correlationKey string) (*store.StoredRequest, error) {
	target := store.TargetLicense
	if cls.Target == classifier.TargetLog {
		target = store.TargetLog
	}
	req := &store.StoredRequest{
		Kind:           store.Kind(cls.Kind),
		Fingerprint:    fp,
		CorrelationKey: correlationKey,
		Method:         r.Method,
		Path:           r.URL.RequestURI(),
		Headers:        store.EncodeHeaders(selectedHeaders(r.Header)),
		Body:           body,
		Target:         target,
	}
	if err := h.Store.CreateRequest(req); err != nil {
		return nil, fmt.Errorf("journaling request: %w", err)
	}
	return req, nil
}

func (h *Handler) callUpstream(ctx context.Context, target store.Target, method, path string, headers http.Header, body []byte) upstream.Outcome {
	ut := upstream.License
	if target == store.TargetLog {
		ut = upstream.Log
	}
	return h.Client.Send(ctx, ut, upstream.Request{Method: method, Path: path, Headers: headers, Body: body})
}

func (h *Handler) serveFRLActivate(w http.ResponseWriter, r *http.Request, cls classifier.Classification, body []byte) {
	fp := fingerprint.Compute(string(cls.Kind), cls.Identity.NpdID, cls.Identity.DeviceID, cls.Identity.OsUserID, cls.Identity.AppID)
	correlationKey := fingerprint.CorrelationKey(cls.Identity.NpdID, cls.Identity.DeviceID, cls.Identity.OsUserID)
	requestID := r.Header.Get("X-Request-Id")
	m := h.Mode.Get()

	metrics.RequestCount.WithLabelValues(string(cls.Kind), "start").Inc()
	start := time.Now()
	defer func() { metrics.RequestDuration.WithLabelValues(string(cls.Kind)).Observe(time.Since(start).Seconds()) }()

	if m == config.ModePassthrough {
		h.passthrough(w, r, cls, store.TargetLicense, body)
		return
	}

	cached, hit, err := h.Cache.Lookup(store.KindFRLActivate, fp)
	if err != nil {
		logging.L.Error("cache lookup failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusServiceUnavailable)
		return
	}

	if hit {
		writeUpstreamResponse(w, cached, requestID)
		if m == config.ModeConnected {
			go h.revalidateOutOfBand(cls, body, r.Header, r.URL.RequestURI(), fp, correlationKey)
		}
		metrics.RequestCount.WithLabelValues(string(cls.Kind), "served_from_cache").Inc()
		h.recordAudit(r, cls, fp, "served_from_cache", cached.Status)
		return
	}

	if m == config.ModeIsolated {
		req, err := h.journal(r, cls, body, fp, correlationKey)
		if err != nil {
			logging.L.Error("journal failed", zap.Error(err))
			http.Error(w, "internal error", http.StatusServiceUnavailable)
			return
		}
		_ = req
		http.Error(w, "no cached activation available", http.StatusBadGateway)
		metrics.RequestCount.WithLabelValues(string(cls.Kind), "deferred").Inc()
		h.recordAudit(r, cls, fp, "deferred", 0)
		return
	}

	// CONNECTED, cache miss: forward synchronously, coalescing concurrent
	// callers for the same fingerprint.
	req, err := h.journal(r, cls, body, fp, correlationKey)
	if err != nil {
		logging.L.Error("journal failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusServiceUnavailable)
		return
	}

	resp, err := h.Cache.Coalesce(fp, func() (*store.StoredResponse, error) {
		out := h.callUpstream(r.Context(), store.TargetLicense, r.Method, r.URL.RequestURI(), r.Header, body)
		return h.resolveForwardOutcome(req, out, store.KindFRLActivate, fp, correlationKey)
	})
	if err != nil {
		// upstream unreachable and no cache fallback
		metrics.RequestCount.WithLabelValues(string(cls.Kind), "forwarded_fail").Inc()
		h.recordAudit(r, cls, fp, "forwarded_fail", 0)
		http.Error(w, "upstream unreachable", http.StatusBadGateway)
		return
	}

	writeUpstreamResponse(w, resp, requestID)
	metrics.RequestCount.WithLabelValues(string(cls.Kind), "forwarded_ok").Inc()
	h.recordAudit(r, cls, fp, "forwarded_ok", resp.Status)
}

// resolveForwardOutcome applies a completed upstream Outcome to the journal
// and cache, returning the response to hand back to the client, or an error
// if the request must be left PENDING with no response available yet.
// correlationKey is the (npdId, deviceId, osUserId) tuple, independent of
// appId, used to store an activation's cache entry and to find it again on
// deactivation.
func (h *Handler) resolveForwardOutcome(req *store.StoredRequest, out upstream.Outcome, kind store.Kind, fp, correlationKey string) (*store.StoredResponse, error) {
	switch out.Kind {
	case upstream.Success:
		resp := storedResponseFromOutcome(out.Response)
		if err := h.Store.RecordSuccess(req.ID, resp); err != nil {
			return nil, err
		}
		if kind == store.KindFRLActivate {
			if err := h.Cache.Store(kind, fp, correlationKey, resp.ID); err != nil {
				logging.L.Error("caching activation failed", zap.Error(err))
			}
		} else if kind == store.KindFRLDeactivate {
			if err := h.Cache.InvalidateByCorrelationKey(correlationKey); err != nil {
				logging.L.Error("invalidating cache failed", zap.Error(err))
			}
		}
		return resp, nil

	case upstream.ErrorStatus:
		if !out.Retryable() {
			resp := storedResponseFromOutcome(out.Response)
			if err := h.Store.RecordTerminalFailure(req.ID, resp); err != nil {
				return nil, err
			}
			return resp, nil
		}
		_ = h.Store.RecordRetryableFailure(req.ID, fmt.Sprintf("upstream status %d", out.Response.Status))
		return nil, fmt.Errorf("retryable upstream status %d", out.Response.Status)

	default:
		_ = h.Store.RecordRetryableFailure(req.ID, out.Err.Error())
		return nil, out.Err
	}
}

func (h *Handler) revalidateOutOfBand(cls classifier.Classification, body []byte, headers http.Header, path, fp, correlationKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	out := h.callUpstream(ctx, store.TargetLicense, http.MethodPost, path, headers, body)
	if out.Kind == upstream.Success {
		resp := storedResponseFromOutcome(out.Response)
		if err := h.Store.CreateStandaloneResponse(resp); err == nil {
			_ = h.Cache.Store(store.KindFRLActivate, fp, correlationKey, resp.ID)
		}
	}
	_ = cls
}

func (h *Handler) serveFRLDeactivate(w http.ResponseWriter, r *http.Request, cls classifier.Classification, body []byte) {
	fp := fingerprint.Compute(string(cls.Kind), cls.Identity.NpdID, cls.Identity.DeviceID, cls.Identity.OsUserID, cls.Identity.AppID)
	correlationKey := fingerprint.CorrelationKey(cls.Identity.NpdID, cls.Identity.DeviceID, cls.Identity.OsUserID)
	m := h.Mode.Get()

	if m == config.ModePassthrough {
		h.passthrough(w, r, cls, store.TargetLicense, body)
		return
	}

	req, err := h.journal(r, cls, body, fp, correlationKey)
	if err != nil {
		logging.L.Error("journal failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusServiceUnavailable)
		return
	}

	if m == config.ModeIsolated {
		w.WriteHeader(http.StatusNoContent)
		metrics.RequestCount.WithLabelValues(string(cls.Kind), "deferred").Inc()
		h.recordAudit(r, cls, fp, "deferred", 0)
		return
	}

	out := h.callUpstream(r.Context(), store.TargetLicense, r.Method, r.URL.RequestURI(), r.Header, body)
	resp, err := h.resolveForwardOutcome(req, out, store.KindFRLDeactivate, fp, correlationKey)
	if err != nil {
		http.Error(w, "upstream unreachable", http.StatusBadGateway)
		metrics.RequestCount.WithLabelValues(string(cls.Kind), "forwarded_fail").Inc()
		h.recordAudit(r, cls, fp, "forwarded_fail", 0)
		return
	}
	writeUpstreamResponse(w, resp, r.Header.Get("X-Request-Id"))
	metrics.RequestCount.WithLabelValues(string(cls.Kind), "forwarded_ok").Inc()
	h.recordAudit(r, cls, fp, "forwarded_ok", resp.Status)
}

func (h *Handler) serveLogUpload(w http.ResponseWriter, r *http.Request, cls classifier.Classification, body []byte) {
	m := h.Mode.Get()

	if m == config.ModePassthrough {
		h.passthrough(w, r, cls, store.TargetLog, body)
		return
	}

	req, err := h.journal(r, cls, body, "", "")
	if err != nil {
		logging.L.Error("journal failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusServiceUnavailable)
		return
	}

	if m == config.ModeIsolated {
		w.WriteHeader(http.StatusNoContent)
		metrics.RequestCount.WithLabelValues(string(cls.Kind), "deferred").Inc()
		h.recordAudit(r, cls, "", "deferred", 0)
		return
	}

	out := h.callUpstream(r.Context(), store.TargetLog, r.Method, r.URL.RequestURI(), r.Header, body)
	if out.Kind != upstream.Success {
		// LOG_UPLOAD failures always defer rather than surfacing an error,
		// per spec.md §4.5's CONNECTED/LOG_UPLOAD row.
		_ = h.Store.RecordRetryableFailure(req.ID, outcomeError(out))
		w.WriteHeader(http.StatusNoContent)
		metrics.RequestCount.WithLabelValues(string(cls.Kind), "deferred").Inc()
		h.recordAudit(r, cls, "", "deferred", 0)
		return
	}

	resp := storedResponseFromOutcome(out.Response)
	if err := h.Store.RecordSuccess(req.ID, resp); err != nil {
		logging.L.Error("recording log upload response failed", zap.Error(err))
	}
	w.WriteHeader(http.StatusNoContent)
	metrics.RequestCount.WithLabelValues(string(cls.Kind), "forwarded_ok").Inc()
	h.recordAudit(r, cls, "", "forwarded_ok", resp.Status)
}

func outcomeError(o upstream.Outcome) string {
	if o.Err != nil {
		return o.Err.Error()
	}
	if o.Response != nil {
		return fmt.Sprintf("upstream status %d", o.Response.Status)
	}
	return "unknown upstream failure"
}

// passthrough forwards synchronously without ever caching or journaling,
// per spec.md §4.5's PASSTHROUGH row.
func (h *Handler) passthrough(w http.ResponseWriter, r *http.Request, cls classifier.Classification, target store.Target, body []byte) {
	out := h.callUpstream(r.Context(), target, r.Method, r.URL.RequestURI(), r.Header, body)
	switch out.Kind {
	case upstream.Success, upstream.ErrorStatus:
		resp := storedResponseFromOutcome(out.Response)
		writeUpstreamResponse(w, resp, r.Header.Get("X-Request-Id"))
		h.recordAudit(r, cls, "", "forwarded_ok", resp.Status)
	default:
		http.Error(w, "upstream unreachable", http.StatusBadGateway)
		h.recordAudit(r, cls, "", "forwarded_fail", 0)
	}
}
