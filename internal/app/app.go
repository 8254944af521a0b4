// Package app wires the ambient and domain stacks together from loaded
// configuration, shared by every CLI subcommand that needs a live proxy.
package app

import (
	"time"

	"github.com/snapp-incubator/frl-proxy/internal/audit"
	"github.com/snapp-incubator/frl-proxy/internal/cache"
	"github.com/snapp-incubator/frl-proxy/internal/config"
	"github.com/snapp-incubator/frl-proxy/internal/control"
	"github.com/snapp-incubator/frl-proxy/internal/forwarder"
	"github.com/snapp-incubator/frl-proxy/internal/handler"
	"github.com/snapp-incubator/frl-proxy/internal/logging"
	"github.com/snapp-incubator/frl-proxy/internal/mode"
	"github.com/snapp-incubator/frl-proxy/internal/store"
	"github.com/snapp-incubator/frl-proxy/internal/upstream"
)

// App bundles every live component a subcommand might need.
type App struct {
	Settings   *config.ProxySettings
	Store      *store.Store
	Cache      *cache.Policy
	Client     *upstream.Client
	Mode       *mode.Flag
	Handler    *handler.Handler
	Forwarders *forwarder.Pair
	Control    *control.Surface
	Audit      audit.Storage
}

// Build loads configuration from path (empty for defaults only) and
// constructs every component, but starts nothing (no listeners, no
// forwarder goroutines); callers decide what to run.
func Build(configPath string) (*App, error) {
	settings := config.Load(configPath)

	if err := logging.Init(logging.Config{
		Level:        settings.Logging.Level,
		Destination:  settings.Logging.Destination,
		FilePath:     settings.Logging.FilePath,
		RotateSizeKB: settings.Logging.RotateSizeKB,
		RotateCount:  settings.Logging.RotateCount,
	}); err != nil {
		return nil, err
	}

	st, err := store.Open(settings.Cache.DBPath)
	if err != nil {
		return nil, err
	}

	auditStorage, err := audit.New(settings.Audit)
	if err != nil {
		return nil, err
	}

	client, err := upstream.New(upstream.Config{
		LicenseBaseURL: settings.Proxy.FRLRemoteHost,
		LogBaseURL:     settings.Proxy.LogRemoteHost,
		RequestTimeout: time.Duration(settings.Network.RequestTimeoutSeconds) * time.Second,
		MaxAttempts:    settings.Network.MaxAttempts,
		UseProxy:       settings.Network.UseProxy,
		ProxyProtocol:  settings.Network.ProxyProtocol,
		ProxyHost:      settings.Network.ProxyHost,
		ProxyPort:      settings.Network.ProxyPort,
		UseBasicAuth:   settings.Network.UseBasicAuth,
		ProxyUsername:  settings.Network.ProxyUsername,
		ProxyPassword:  settings.Network.ProxyPassword,
	})
	if err != nil {
		return nil, err
	}

	m := mode.New(settings.Proxy.Mode)
	cachePolicy := cache.New(st)
	h := handler.New(m, st, cachePolicy, client, auditStorage)
	fwd := forwarder.NewPair(st, cachePolicy, client, m)
	ctrl := control.New(m, st, fwd, settings.Proxy.ControlSharedSecret)

	return &App{
		Settings:   settings,
		Store:      st,
		Cache:      cachePolicy,
		Client:     client,
		Mode:       m,
		Handler:    h,
		Forwarders: fwd,
		Control:    ctrl,
		Audit:      auditStorage,
	}, nil
}

// Close releases resources. It does not stop background goroutines; call
// Forwarders.Stop() first if they were started.
func (a *App) Close() error {
	return a.Store.Close()
}
