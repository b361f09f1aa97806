// pkg/config/loader.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	envPrefix    = "LB_"
	configEnvVar = "CONFIG_PATH"
)

// Loader loads the balancer's configuration from layered sources.
type Loader struct {
	k           *koanf.Koanf
	configPaths []string
	envPrefix   string
}

// NewLoader creates a new config loader.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		k: koanf.New("."),
		configPaths: []string{
			"config.yaml",
			"config/config.yaml",
			"/etc/balancer/config.yaml",
		},
		envPrefix: envPrefix,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithConfigPaths sets the search paths for the config file.
func WithConfigPaths(paths ...string) LoaderOption {
	return func(l *Loader) {
		l.configPaths = paths
	}
}

// WithEnvPrefix sets the environment variable prefix.
func WithEnvPrefix(prefix string) LoaderOption {
	return func(l *Loader) {
		l.envPrefix = prefix
	}
}

// Load loads the configuration with ascending priority:
// 1. defaults, 2. config file (yaml), 3. environment variables.
func (l *Loader) Load() (*Config, error) {
	if err := l.loadDefaults(); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if err := l.loadConfigFile(); err != nil {
		// Config file is optional; a missing file is not fatal.
		fmt.Printf("Warning: %v\n", err)
	}

	if err := l.loadEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}

	var cfg Config
	if err := l.k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyTLSEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyTLSEnv reads the spec's literal TLS_CERT_PATH/TLS_KEY_PATH
// environment variables, outside the LB_-prefixed koanf overlay: when both
// are set, they win over whatever the config file or LB_TLS_* overlay
// supplied, so "drop PEM files next to the binary and export two vars" is
// always sufficient to enable HTTPS.
func applyTLSEnv(cfg *Config) {
	certPath := os.Getenv("TLS_CERT_PATH")
	keyPath := os.Getenv("TLS_KEY_PATH")
	if certPath != "" && keyPath != "" {
		cfg.TLS.CertFile = certPath
		cfg.TLS.KeyFile = keyPath
	}
}

// loadDefaults loads the built-in default values.
func (l *Loader) loadDefaults() error {
	defaults := map[string]any{
		"app.name":        "balancer",
		"app.version":     "dev",
		"app.environment": "development",

		"rest_listen_port":        80,
		"grpc_listen_port":        50050,
		"strategy":                "round_robin",
		"health_check_interval":   5 * time.Second,
		"health_check_time_limit": 30 * time.Second,
		"connection_timeout":      10 * time.Second,
		"max_request_body_bytes":  10 * 1024 * 1024,

		"dispatcher.insecure_skip_verify": false,

		"tls.cert_file": "",
		"tls.key_file":  "",

		"log.level":       "info",
		"log.format":      "json",
		"log.output":      "stdout",
		"log.max_size":    100,
		"log.max_backups": 3,
		"log.max_age":     7,
		"log.compress":    true,

		"metrics.enabled":   true,
		"metrics.port":      9090,
		"metrics.path":      "/metrics",
		"metrics.namespace": "balancer",
		"metrics.subsystem": "",

		"tracing.enabled":      false,
		"tracing.endpoint":     "localhost:4317",
		"tracing.service_name": "balancer",
		"tracing.sample_rate":  0.1,

		"audit.enabled":      true,
		"audit.backend":      "stdout",
		"audit.buffer_size":  1000,
		"audit.flush_period": 5 * time.Second,
	}

	return l.k.Load(confmap.Provider(defaults, "."), nil)
}

// loadConfigFile loads the configuration from a YAML file.
func (l *Loader) loadConfigFile() error {
	if configPath := os.Getenv(configEnvVar); configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return l.k.Load(file.Provider(configPath), yaml.Parser())
		}
	}

	for _, path := range l.configPaths {
		absPath, err := filepath.Abs(path)
		if err != nil {
			continue
		}

		if _, err := os.Stat(absPath); err == nil {
			return l.k.Load(file.Provider(absPath), yaml.Parser())
		}
	}

	return fmt.Errorf("config file not found in paths: %v", l.configPaths)
}

// envSections lists the nested config groups, so the env transform only
// introduces a "." at the group boundary and leaves every other underscore
// alone (most keys, like max_request_body_bytes, are flat).
var envSections = []string{
	"app_", "dispatcher_", "tls_", "log_", "metrics_", "tracing_", "audit_",
}

// loadEnv loads configuration overrides from environment variables.
func (l *Loader) loadEnv() error {
	return l.k.Load(env.Provider(l.envPrefix, ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, l.envPrefix))
		for _, section := range envSections {
			if strings.HasPrefix(key, section) {
				// LB_TLS_CERT_FILE -> tls.cert_file
				return strings.TrimSuffix(section, "_") + "." + strings.TrimPrefix(key, section)
			}
		}
		// LB_GRPC_LISTEN_PORT -> grpc_listen_port
		return key
	}), nil)
}

// MustLoad loads the configuration or panics.
func MustLoad(opts ...LoaderOption) *Config {
	cfg, err := NewLoader(opts...).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Load is a convenience function using the default loader options.
func Load() (*Config, error) {
	return NewLoader().Load()
}
