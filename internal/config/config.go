// Package config provides YAML configuration loading and validation for the
// SkyMirror server daemon and the headless mirror client.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so that YAML values can be written in the
// human form accepted by time.ParseDuration ("2s", "500ms", "1m30s").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a standard time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// ServerConfig is the top-level configuration for the SkyMirror server.
type ServerConfig struct {
	// ListenAddr is the HTTP listen address (e.g. "0.0.0.0:8120").
	// Defaults to "0.0.0.0:8120" when omitted.
	ListenAddr string `yaml:"listen_addr"`

	// ImagePath is the path of the monitored file. Required.
	ImagePath string `yaml:"image_path"`

	// APIKeys is the set of access keys clients may present. At least one
	// key is required.
	APIKeys []string `yaml:"api_keys"`

	// CheckInterval is the content-fingerprint refresh cadence. Defaults
	// to 2s when omitted.
	CheckInterval Duration `yaml:"check_interval"`

	// SessionTimeout is how long an idle key holder retains exclusivity
	// before another client may take the key over. Defaults to 30s.
	SessionTimeout Duration `yaml:"session_timeout"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// AdminJWTPublicKey is the path to a PEM-encoded RSA public key used
	// to verify bearer tokens on the operator endpoints. Leave empty to
	// disable the operator API (dev mode).
	AdminJWTPublicKey string `yaml:"admin_jwt_public_key"`

	// History configures the optional observation-history store.
	History HistoryConfig `yaml:"history"`
}

// HistoryConfig selects the backend that records change and claim events.
type HistoryConfig struct {
	// Driver is "sqlite", "postgres", or empty to disable history.
	Driver string `yaml:"driver"`

	// Path is the SQLite database file. Required when Driver is "sqlite";
	// ":memory:" is accepted for throwaway deployments.
	Path string `yaml:"path"`

	// DSN is the PostgreSQL connection string. Required when Driver is
	// "postgres".
	DSN string `yaml:"dsn"`
}

// MirrorConfig is the top-level configuration for the mirror client.
type MirrorConfig struct {
	// ServerURL is the base URL of the SkyMirror server
	// (e.g. "http://observatory.example.com:8120"). Required.
	ServerURL string `yaml:"server_url"`

	// APIKey is the access key presented on every request. Required.
	APIKey string `yaml:"api_key"`

	// ClientID is this client's stable identity. Defaults to a value
	// derived from the hostname and process ID when omitted.
	ClientID string `yaml:"client_id"`

	// PollInterval is the status-poll cadence. Defaults to 5s.
	PollInterval Duration `yaml:"poll_interval"`

	// OutputPath is where fetched image bytes are written. Required.
	OutputPath string `yaml:"output_path"`

	// RequestTimeout bounds each individual HTTP request. Defaults to 30s.
	RequestTimeout Duration `yaml:"request_timeout"`

	// ReconnectDelay is the initial back-off after a connection failure;
	// it doubles per failure up to ReconnectMaxDelay and resets after a
	// successful poll. Defaults: 5s and 5m.
	ReconnectDelay    Duration `yaml:"reconnect_delay"`
	ReconnectMaxDelay Duration `yaml:"reconnect_max_delay"`

	// MetricsAddr is the listen address for the Prometheus text metrics
	// endpoint. Leave empty to disable metrics serving.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel sets the minimum log severity. Defaults to "info".
	LogLevel string `yaml:"log_level"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validHistoryDrivers is the set of accepted history backend names; the
// empty string disables history.
var validHistoryDrivers = map[string]bool{
	"":         true,
	"sqlite":   true,
	"postgres": true,
}

// LoadServer reads the YAML file at path, unmarshals it into ServerConfig,
// applies defaults, and validates all required fields. It returns an error
// describing every validation failure, not just the first.
func LoadServer(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg ServerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

func (cfg *ServerConfig) applyDefaults() {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "0.0.0.0:8120"
	}
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = Duration(2 * time.Second)
	}
	if cfg.SessionTimeout == 0 {
		cfg.SessionTimeout = Duration(30 * time.Second)
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

func (cfg *ServerConfig) validate() error {
	var errs []error

	if cfg.ImagePath == "" {
		errs = append(errs, errors.New("image_path is required"))
	}
	if len(cfg.APIKeys) == 0 {
		errs = append(errs, errors.New("api_keys must contain at least one key"))
	}
	for i, k := range cfg.APIKeys {
		if k == "" {
			errs = append(errs, fmt.Errorf("api_keys[%d] is empty", i))
		}
	}
	if cfg.CheckInterval < 0 {
		errs = append(errs, errors.New("check_interval must be positive"))
	}
	if cfg.SessionTimeout < 0 {
		errs = append(errs, errors.New("session_timeout must be positive"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if !validHistoryDrivers[cfg.History.Driver] {
		errs = append(errs, fmt.Errorf("history.driver %q must be one of: sqlite, postgres", cfg.History.Driver))
	}
	if cfg.History.Driver == "sqlite" && cfg.History.Path == "" {
		errs = append(errs, errors.New("history.path is required for the sqlite driver"))
	}
	if cfg.History.Driver == "postgres" && cfg.History.DSN == "" {
		errs = append(errs, errors.New("history.dsn is required for the postgres driver"))
	}

	return errors.Join(errs...)
}

// LoadMirror reads, defaults, and validates a mirror client configuration
// from the YAML file at path.
func LoadMirror(path string) (*MirrorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg MirrorConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, fmt.Errorf("config: defaults for %q: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

func (cfg *MirrorConfig) applyDefaults() error {
	if cfg.ClientID == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("resolving system hostname: %w", err)
		}
		cfg.ClientID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = Duration(5 * time.Second)
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = Duration(30 * time.Second)
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = Duration(5 * time.Second)
	}
	if cfg.ReconnectMaxDelay == 0 {
		cfg.ReconnectMaxDelay = Duration(5 * time.Minute)
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	return nil
}

func (cfg *MirrorConfig) validate() error {
	var errs []error

	if cfg.ServerURL == "" {
		errs = append(errs, errors.New("server_url is required"))
	} else if u, err := url.Parse(cfg.ServerURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("server_url %q is not an absolute URL", cfg.ServerURL))
	}
	if cfg.APIKey == "" {
		errs = append(errs, errors.New("api_key is required"))
	}
	if cfg.OutputPath == "" {
		errs = append(errs, errors.New("output_path is required"))
	}
	if cfg.PollInterval < 0 {
		errs = append(errs, errors.New("poll_interval must be positive"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}

	return errors.Join(errs...)
}
