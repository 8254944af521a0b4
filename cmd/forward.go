package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/snapp-incubator/frl-proxy/internal/app"
)

var forwardCmd = &cobra.Command{
	Use:   "forward",
	Short: "Run one forwarding drain cycle against both upstreams and exit",
	RunE:  runForward,
}

func init() {
	rootCmd.AddCommand(forwardCmd)
}

func runForward(cmd *cobra.Command, args []string) error {
	a, err := app.Build(configPath)
	if err != nil {
		return withExitCode(1, err)
	}
	defer func() { _ = a.Close() }()

	license, log := a.Forwarders.Drain(context.Background())
	fmt.Printf("license: forwarded=%d failed=%d remaining=%d\n", license.Forwarded, license.Failed, license.Remaining)
	fmt.Printf("log: forwarded=%d failed=%d remaining=%d\n", log.Forwarded, log.Failed, log.Remaining)

	if license.Remaining > 0 && license.Forwarded == 0 || log.Remaining > 0 && log.Forwarded == 0 {
		return withExitCode(3, fmt.Errorf("upstream unreachable: no requests could be forwarded"))
	}
	return nil
}
