package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/snapp-incubator/frl-proxy/internal/app"
)

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import a journal or response blob produced by export",
	Args:  cobra.ExactArgs(1),
	RunE:  runImport,
}

func init() {
	rootCmd.AddCommand(importCmd)
}

func runImport(cmd *cobra.Command, args []string) error {
	a, err := app.Build(configPath)
	if err != nil {
		return withExitCode(1, err)
	}
	defer func() { _ = a.Close() }()

	f, err := os.Open(args[0])
	if err != nil {
		return withExitCode(2, fmt.Errorf("opening import file: %w", err))
	}
	defer func() { _ = f.Close() }()

	requests, responses, err := a.Store.ImportBlob(f)
	if err != nil {
		return withExitCode(2, fmt.Errorf("importing blob: %w", err))
	}
	fmt.Printf("imported %d requests and %d responses from %s\n", requests, responses, args[0])
	return nil
}
