package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/snapp-incubator/frl-proxy/internal/config"
)

var repair bool

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Write the config file, filling in any missing defaults",
	RunE:  runConfigure,
}

func init() {
	configureCmd.Flags().BoolVar(&repair, "repair", false, "rewrite an existing config file, preserving its values and adding missing defaults")
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		path = "frl-proxy.yaml"
	}

	if _, err := os.Stat(path); err == nil && !repair {
		return withExitCode(1, fmt.Errorf("%s already exists; pass --repair to rewrite it", path))
	}

	settings := config.Load(path)

	out, err := yaml.Marshal(settings)
	if err != nil {
		return withExitCode(1, fmt.Errorf("marshaling config: %w", err))
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return withExitCode(1, fmt.Errorf("writing config file: %w", err))
	}
	fmt.Printf("wrote %s\n", path)
	return nil
}
