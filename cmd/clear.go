package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/snapp-incubator/frl-proxy/internal/app"
)

var (
	clearRequests  bool
	clearResponses bool
	clearAllFlag   bool
)

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Truncate the journal",
	RunE:  runClear,
}

func init() {
	clearCmd.Flags().BoolVar(&clearRequests, "requests", false, "truncate stored requests only")
	clearCmd.Flags().BoolVar(&clearResponses, "responses", false, "truncate stored responses only")
	clearCmd.Flags().BoolVar(&clearAllFlag, "all", false, "truncate requests, responses, and the activation cache")
	rootCmd.AddCommand(clearCmd)
}

func runClear(cmd *cobra.Command, args []string) error {
	if !clearRequests && !clearResponses && !clearAllFlag {
		return withExitCode(1, fmt.Errorf("one of --requests, --responses, or --all is required"))
	}

	a, err := app.Build(configPath)
	if err != nil {
		return withExitCode(1, err)
	}
	defer func() { _ = a.Close() }()

	if clearAllFlag {
		if err := a.Store.ClearAll(); err != nil {
			return withExitCode(2, err)
		}
		fmt.Println("cleared requests, responses, and cache")
		return nil
	}
	if clearRequests {
		if err := a.Store.ClearRequests(); err != nil {
			return withExitCode(2, err)
		}
		fmt.Println("cleared requests")
	}
	if clearResponses {
		if err := a.Store.ClearResponses(); err != nil {
			return withExitCode(2, err)
		}
		fmt.Println("cleared responses")
	}
	return nil
}
