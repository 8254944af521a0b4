// Package cmd implements the operator-facing CLI surface of spec.md §6:
// serve, configure, forward, export, import, clear.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "frl-proxy",
	Short: "Store-and-forward reverse proxy for Adobe FRL licensing and NUL log uploads",
	Long: `frl-proxy sits between Adobe desktop applications and the License and
Log Servers, caching FRL activations and deferring traffic to a durable
journal while the upstream is unreachable.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the proxy config file")
}

// Execute runs the root command and returns the process exit code per
// spec.md §6: 0 success, 1 config error, 2 runtime error, 3 upstream
// unreachable during one-shot forward.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if code, ok := err.(exitCoder); ok {
			return code.ExitCode()
		}
		return 2
	}
	return 0
}

// exitCoder lets a subcommand's returned error carry a specific exit code.
type exitCoder interface {
	error
	ExitCode() int
}

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) ExitCode() int { return e.code }

func withExitCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}
