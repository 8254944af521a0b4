package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/snapp-incubator/frl-proxy/internal/app"
	"github.com/snapp-incubator/frl-proxy/internal/logging"
	"github.com/snapp-incubator/frl-proxy/internal/metrics"
	"github.com/snapp-incubator/frl-proxy/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the proxy with the current config",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := app.Build(configPath)
	if err != nil {
		return withExitCode(1, err)
	}
	defer func() { _ = a.Close() }()

	srv := server.New(
		fmt.Sprintf("%s:%d", a.Settings.Proxy.Host, a.Settings.Proxy.Port),
		a.Handler, a.Control,
	)

	var metricsSrv *metrics.Server
	if a.Settings.Metrics.Enabled {
		metricsSrv = metrics.NewServer(a.Settings.Metrics.Bind)
		go metricsSrv.Run()
	}

	a.Forwarders.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- srv.Run() }()

	select {
	case <-sigCh:
		logging.L.Info("shutdown signal received")
	case err := <-serveErrCh:
		if err != nil {
			logging.L.Error("http server exited with error", zap.Error(err))
			a.Forwarders.Stop()
			return withExitCode(2, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logging.L.Error("graceful shutdown failed", zap.Error(err))
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(ctx)
	}
	a.Forwarders.Stop()

	logging.L.Info("all servers are down")
	return nil
}
