package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/snapp-incubator/frl-proxy/internal/app"
)

var exportCmd = &cobra.Command{
	Use:   "export <file>",
	Short: "Export the PENDING journal to a file for transport to a connected instance",
	Args:  cobra.ExactArgs(1),
	RunE:  runExport,
}

func init() {
	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	a, err := app.Build(configPath)
	if err != nil {
		return withExitCode(1, err)
	}
	defer func() { _ = a.Close() }()

	f, err := os.Create(args[0])
	if err != nil {
		return withExitCode(2, fmt.Errorf("creating export file: %w", err))
	}
	defer func() { _ = f.Close() }()

	n, err := a.Store.ExportPending(f, "frl-proxy")
	if err != nil {
		return withExitCode(2, fmt.Errorf("exporting journal: %w", err))
	}
	fmt.Printf("exported %d pending requests to %s\n", n, args[0])
	return nil
}
