package config

import (
	"os"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"go.uber.org/zap"

	"github.com/snapp-incubator/frl-proxy/internal/logging"
)

var (
	// k is the global koanf instance. Use "." as the key path delimiter.
	k = koanf.New(".")

	// Settings is the config of the running frl-proxy process.
	Settings *ProxySettings
)

var defaultSettings = ProxySettings{
	Proxy: Proxy{
		Mode:          ModeConnected,
		Host:          "127.0.0.1",
		Port:          8080,
		FRLRemoteHost: "https://lcs-cops.adobe.io",
		LogRemoteHost: "https://lcs-ulecs.adobe.io",
	},
	Network: Network{
		RequestTimeoutSeconds: 60,
		MaxAttempts:           3,
	},
	Cache: Cache{
		DBPath: "frl-proxy.db",
	},
	Logging: Logging{
		Level:       "info",
		Destination: "stdout",
		FilePath:    "frl-proxy.log",
	},
	Metrics: metric{
		Enabled: true,
		Bind:    "127.0.0.1:9090",
	},
	Audit: Audit{
		Enabled: false,
		Backend: "stdout",
	},
}

// ProxySettings is the top-level configuration of frl-proxy.
type ProxySettings struct {
	Proxy   Proxy   `koanf:"proxy" yaml:"proxy"`
	Network Network `koanf:"network" yaml:"network"`
	Cache   Cache   `koanf:"cache" yaml:"cache"`
	Logging Logging `koanf:"logging" yaml:"logging"`
	Metrics metric  `koanf:"metrics" yaml:"metrics"`
	Audit   Audit   `koanf:"audit" yaml:"audit"`
}

// Load loads the default config, then merges a YAML config file at path (if
// path is non-empty and exists). Environment variables are not read. On
// malformed input it logs at Fatal level, which exits the process.
func Load(path string) *ProxySettings {
	err := k.Load(structs.Provider(defaultSettings, "koanf"), nil)
	if err != nil {
		logging.L.Fatal("error in loading the default config", zap.Error(err))
	}

	if path != "" {
		if _, statErr := os.Stat(path); statErr == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				logging.L.Fatal("error in loading the config file", zap.Error(err))
			}
		}
	}

	var c ProxySettings
	if err := k.Unmarshal("", &c); err != nil {
		logging.L.Fatal("error in unmarshalling the config file", zap.Error(err))
	}

	Settings = &c
	return &c
}

// Override applies command-line overrides (mode, ssl, log destination) on
// top of an already-loaded configuration.
func Override(overrides map[string]interface{}) *ProxySettings {
	if err := k.Load(confmap.Provider(overrides, "."), nil); err != nil {
		logging.L.Fatal("error applying config overrides", zap.Error(err))
	}
	var c ProxySettings
	if err := k.Unmarshal("", &c); err != nil {
		logging.L.Fatal("error unmarshalling overridden config", zap.Error(err))
	}
	Settings = &c
	return &c
}
