// pkg/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the top-level configuration structure for the balancer.
type Config struct {
	Instances            []InstanceConfig `koanf:"instances"`
	RestListenPort       int              `koanf:"rest_listen_port"`
	GRPCListenPort       int              `koanf:"grpc_listen_port"`
	Strategy             string           `koanf:"strategy"` // round_robin, random, least_connections
	HealthCheckInterval  time.Duration    `koanf:"health_check_interval"`
	HealthCheckTimeLimit time.Duration    `koanf:"health_check_time_limit"`
	ConnectionTimeout    time.Duration    `koanf:"connection_timeout"`
	MaxRetries           *int             `koanf:"max_retries"` // nil: unset, try every alive instance once
	MaxRequestBodyBytes  int64            `koanf:"max_request_body_bytes"`

	App        AppConfig        `koanf:"app"`
	Dispatcher DispatcherConfig `koanf:"dispatcher"`
	TLS        TLSConfig        `koanf:"tls"`
	Log        LogConfig        `koanf:"log"`
	Metrics    MetricsConfig    `koanf:"metrics"`
	Tracing    TracingConfig    `koanf:"tracing"`
	Audit      AuditConfig      `koanf:"audit"`
}

// AppConfig carries the service identity. Version and Environment label the
// service_info metric; the startup log lines do not include these fields.
type AppConfig struct {
	Name        string `koanf:"name"`
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"`
}

// InstanceConfig addresses one upstream instance in the fleet.
type InstanceConfig struct {
	BaseHost string `koanf:"base_host"`
	RestPort int    `koanf:"rest_port"`
	GRPCPort int    `koanf:"grpc_port"`
}

// DispatcherConfig holds dispatch-time behavior knobs.
type DispatcherConfig struct {
	// InsecureSkipVerify accepts self-signed upstream certificates.
	// Defaults to false (strict verification).
	InsecureSkipVerify bool `koanf:"insecure_skip_verify"`
}

// TLSConfig carries the balancer's own listener certificate material.
// Empty CertFile/KeyFile means the frontend listeners serve in the clear.
type TLSConfig struct {
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
}

// LogConfig configures the structured logger.
type LogConfig struct {
	Level      string `koanf:"level"`       // debug, info, warn, error
	Format     string `koanf:"format"`      // json, text
	Output     string `koanf:"output"`      // stdout, stderr, file
	FilePath   string `koanf:"file_path"`
	MaxSize    int    `koanf:"max_size"`    // MB
	MaxBackups int    `koanf:"max_backups"`
	MaxAge     int    `koanf:"max_age"`     // days
	Compress   bool   `koanf:"compress"`
}

// MetricsConfig configures the Prometheus metrics server.
type MetricsConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Port      int    `koanf:"port"`
	Path      string `koanf:"path"`
	Namespace string `koanf:"namespace"`
	Subsystem string `koanf:"subsystem"`
}

// TracingConfig configures the OpenTelemetry tracer.
type TracingConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	ServiceName string  `koanf:"service_name"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// AuditConfig configures the audit log backend.
type AuditConfig struct {
	Enabled     bool          `koanf:"enabled"`
	Backend     string        `koanf:"backend"` // stdout, file
	FilePath    string        `koanf:"file_path"`
	BufferSize  int           `koanf:"buffer_size"`
	FlushPeriod time.Duration `koanf:"flush_period"`
}

var validStrategies = map[string]bool{
	"round_robin":       true,
	"random":            true,
	"least_connections": true,
}

// Validate checks the configuration for consistency, failing closed on any
// unrecognized or out-of-range value rather than silently falling back to a
// default.
func (c *Config) Validate() error {
	var errs []string

	if len(c.Instances) == 0 {
		errs = append(errs, "instances must contain at least one entry")
	}
	for i, inst := range c.Instances {
		if inst.BaseHost == "" {
			errs = append(errs, fmt.Sprintf("instances[%d].base_host is required", i))
		}
		if inst.RestPort <= 0 || inst.RestPort > 65535 {
			errs = append(errs, fmt.Sprintf("instances[%d].rest_port must be between 1 and 65535, got %d", i, inst.RestPort))
		}
		if inst.GRPCPort <= 0 || inst.GRPCPort > 65535 {
			errs = append(errs, fmt.Sprintf("instances[%d].grpc_port must be between 1 and 65535, got %d", i, inst.GRPCPort))
		}
	}

	if c.RestListenPort <= 0 || c.RestListenPort > 65535 {
		errs = append(errs, fmt.Sprintf("rest_listen_port must be between 1 and 65535, got %d", c.RestListenPort))
	}
	if c.GRPCListenPort <= 0 || c.GRPCListenPort > 65535 {
		errs = append(errs, fmt.Sprintf("grpc_listen_port must be between 1 and 65535, got %d", c.GRPCListenPort))
	}

	if c.Strategy == "" {
		c.Strategy = "round_robin"
	}
	if !validStrategies[strings.ToLower(c.Strategy)] {
		errs = append(errs, fmt.Sprintf("strategy must be one of: round_robin, random, least_connections, got %q", c.Strategy))
	}

	if c.MaxRetries != nil && *c.MaxRetries < 0 {
		errs = append(errs, "max_retries must be non-negative")
	}
	if c.MaxRequestBodyBytes <= 0 {
		errs = append(errs, "max_request_body_bytes must be positive")
	}
	if c.HealthCheckInterval <= 0 {
		errs = append(errs, "health_check_interval must be positive")
	}
	if c.HealthCheckTimeLimit <= 0 {
		errs = append(errs, "health_check_time_limit must be positive")
	}
	if c.ConnectionTimeout <= 0 {
		errs = append(errs, "connection_timeout must be positive")
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Sprintf("log.level must be one of: debug, info, warn, error, got %s", c.Log.Level))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return nil
}

// RestAddress returns the instance's REST base address.
func (i InstanceConfig) RestAddress() string {
	return fmt.Sprintf("%s:%d", i.BaseHost, i.RestPort)
}

// GRPCAddress returns the instance's gRPC (HTTP/2) base address.
func (i InstanceConfig) GRPCAddress() string {
	return fmt.Sprintf("%s:%d", i.BaseHost, i.GRPCPort)
}
