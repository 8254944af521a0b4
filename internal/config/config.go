package config

// Elasticsearch is the config of the Elasticsearch audit backend.
type Elasticsearch struct {
	Addresses []string `koanf:"addresses" yaml:"addresses"` // A list of Elasticsearch nodes to use.
	Username  string   `koanf:"username" yaml:"username"`   // Username for HTTP Basic Authentication.
	Password  string   `koanf:"password" yaml:"password"`   // Password for HTTP Basic Authentication.

	CloudID                string `koanf:"cloud_id" yaml:"cloud_id"`                               // Endpoint for the Elastic Service (https://elastic.co/cloud).
	APIKey                 string `koanf:"api_key" yaml:"api_key"`                                 // Base64-encoded token for authorization; if set, overrides username/password and service token.
	ServiceToken           string `koanf:"service_token" yaml:"service_token"`                     // Service token for authorization; if set, overrides username/password.
	CertificateFingerprint string `koanf:"certificate_fingerprint" yaml:"certificate_fingerprint"` // SHA256 hex fingerprint given by Elasticsearch on first launch.
}

type metric struct {
	Enabled bool   `koanf:"enabled" yaml:"enabled"` // Enablement of the metric exposure
	Bind    string `koanf:"bind" yaml:"bind"`       // Address of the http server
}

// Mode is the proxy's operational mode.
type Mode string

const (
	ModeConnected   Mode = "connected"
	ModeIsolated    Mode = "isolated"
	ModePassthrough Mode = "passthrough"
)

// Proxy holds the listener and upstream-routing configuration.
type Proxy struct {
	Mode Mode   `koanf:"mode" yaml:"mode"`
	Host string `koanf:"host" yaml:"host"`
	Port int    `koanf:"port" yaml:"port"`

	SSL         bool   `koanf:"ssl" yaml:"ssl"`
	SSLCertPath string `koanf:"ssl_cert_path" yaml:"ssl_cert_path"`
	SSLKeyPath  string `koanf:"ssl_key_path" yaml:"ssl_key_path"`
	PFXPath     string `koanf:"pfx_path" yaml:"pfx_path"`
	Password    string `koanf:"password" yaml:"password"`

	FRLRemoteHost string `koanf:"frl_remote_host" yaml:"frl_remote_host"`
	LogRemoteHost string `koanf:"log_remote_host" yaml:"log_remote_host"`

	ControlSharedSecret string `koanf:"control_shared_secret" yaml:"control_shared_secret"`
}

// Network is the outbound-proxy configuration used to reach upstream.
type Network struct {
	UseProxy      bool   `koanf:"use_proxy" yaml:"use_proxy"`
	ProxyProtocol string `koanf:"proxy_protocol" yaml:"proxy_protocol"`
	ProxyHost     string `koanf:"proxy_host" yaml:"proxy_host"`
	ProxyPort     int    `koanf:"proxy_port" yaml:"proxy_port"`
	UseBasicAuth  bool   `koanf:"use_basic_auth" yaml:"use_basic_auth"`
	ProxyUsername string `koanf:"proxy_username" yaml:"proxy_username"`
	ProxyPassword string `koanf:"proxy_password" yaml:"proxy_password"`

	RequestTimeoutSeconds int `koanf:"request_timeout_seconds" yaml:"request_timeout_seconds"`
	MaxAttempts           int `koanf:"max_attempts" yaml:"max_attempts"`
}

// Cache is the durable-store configuration.
type Cache struct {
	DBPath string `koanf:"db_path" yaml:"db_path"`
}

// Logging mirrors the logging.* configuration keys of spec.md §6.
type Logging struct {
	Level        string `koanf:"level" yaml:"level"`             // trace|debug|info|warn|error
	Destination  string `koanf:"destination" yaml:"destination"` // stdout|file
	FilePath     string `koanf:"file_path" yaml:"file_path"`
	RotateSizeKB int    `koanf:"rotate_size_kb" yaml:"rotate_size_kb"`
	RotateCount  int    `koanf:"rotate_count" yaml:"rotate_count"`
}

// Audit is the configuration of the side-channel observability sink.
type Audit struct {
	Enabled       bool          `koanf:"enabled" yaml:"enabled"`
	Backend       string        `koanf:"backend" yaml:"backend"` // stdout|elasticsearch
	Elasticsearch Elasticsearch `koanf:"elasticsearch" yaml:"elasticsearch"`
}
