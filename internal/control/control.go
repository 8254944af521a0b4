// Package control implements the Control Surface: /status, /control/mode,
// /control/forward, /control/export, /control/import, sharing the main
// listener and optionally gated by a shared-secret header.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/snapp-incubator/frl-proxy/internal/config"
	"github.com/snapp-incubator/frl-proxy/internal/forwarder"
	"github.com/snapp-incubator/frl-proxy/internal/logging"
	"github.com/snapp-incubator/frl-proxy/internal/mode"
	"github.com/snapp-incubator/frl-proxy/internal/store"
)

// BuildVersion is set at link time (or left as "dev" for local builds),
// reported by GET /status.
var BuildVersion = "dev"

// Surface wires the control endpoints into a *mux.Router.
type Surface struct {
	Mode         *mode.Flag
	Store        *store.Store
	Forwarders   *forwarder.Pair
	SharedSecret string
}

// New builds a Surface.
func New(m *mode.Flag, st *store.Store, fwd *forwarder.Pair, sharedSecret string) *Surface {
	return &Surface{Mode: m, Store: st, Forwarders: fwd, SharedSecret: sharedSecret}
}

// Register mounts the control routes onto r.
func (s *Surface) Register(r *mux.Router) {
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	ctrl := r.PathPrefix("/control").Subrouter()
	ctrl.Use(s.authMiddleware)
	ctrl.HandleFunc("/mode", s.handleSetMode).Methods(http.MethodPost)
	ctrl.HandleFunc("/forward", s.handleForward).Methods(http.MethodPost)
	ctrl.HandleFunc("/export", s.handleExport).Methods(http.MethodPost)
	ctrl.HandleFunc("/import", s.handleImport).Methods(http.MethodPost)
}

func (s *Surface) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.SharedSecret == "" {
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get("X-Control-Secret") != s.SharedSecret {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Surface) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.Store.PendingCounts()
	if err != nil {
		http.Error(w, "internal error", http.StatusServiceUnavailable)
		return
	}
	licenseLast, _ := s.Store.LastForwardedAt(store.TargetLicense)
	logLast, _ := s.Store.LastForwardedAt(store.TargetLog)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "mode: %s\n", s.Mode.Get())
	fmt.Fprintf(w, "pending_license: %d\n", counts[store.TargetLicense])
	fmt.Fprintf(w, "pending_log: %d\n", counts[store.TargetLog])
	fmt.Fprintf(w, "last_forwarded_license: %s\n", formatTime(licenseLast))
	fmt.Fprintf(w, "last_forwarded_log: %s\n", formatTime(logLast))
	fmt.Fprintf(w, "build_version: %s\n", BuildVersion)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Format(time.RFC3339)
}

type setModeRequest struct {
	Mode config.Mode `json:"mode"`
}

func (s *Surface) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var body setModeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}
	switch body.Mode {
	case config.ModeConnected, config.ModeIsolated, config.ModePassthrough:
	default:
		http.Error(w, "unknown mode", http.StatusBadRequest)
		return
	}

	prev := s.Mode.Set(body.Mode)
	logging.L.Info("mode changed via control endpoint", zap.String("from", string(prev)), zap.String("to", string(body.Mode)))
	w.WriteHeader(http.StatusOK)
}

type forwardResponse struct {
	License drainResult `json:"license"`
	Log     drainResult `json:"log"`
}

type drainResult struct {
	Forwarded int `json:"forwarded"`
	Failed    int `json:"failed"`
	Remaining int `json:"remaining"`
}

func (s *Surface) handleForward(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	license, log := s.Forwarders.Drain(ctx)
	resp := forwardResponse{
		License: drainResult{Forwarded: license.Forwarded, Failed: license.Failed, Remaining: license.Remaining},
		Log:     drainResult{Forwarded: log.Forwarded, Failed: log.Failed, Remaining: log.Remaining},
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Surface) handleExport(w http.ResponseWriter, r *http.Request) {
	originID := r.URL.Query().Get("origin_id")
	if originID == "" {
		originID = "frl-proxy"
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	n, err := s.Store.ExportPending(w, originID)
	if err != nil {
		logging.L.Error("export failed", zap.Error(err))
		return
	}
	logging.L.Info("exported pending journal", zap.Int("count", n))
}

func (s *Surface) handleImport(w http.ResponseWriter, r *http.Request) {
	requests, responses, err := s.Store.ImportBlob(r.Body)
	if err != nil {
		http.Error(w, fmt.Sprintf("import failed: %v", err), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int{"requests": requests, "responses": responses})
}
