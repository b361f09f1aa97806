package config

import (
	"os"
	"path/filepath"
	"testing"
)

const minimalYAML = `
instances:
  - base_host: "10.0.0.1"
    rest_port: 8000
    grpc_port: 50051
`

func TestLoader_LoadDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(minimalYAML), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := NewLoader(WithConfigPaths(configPath)).Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.RestListenPort != 80 {
		t.Errorf("expected rest listen port 80, got %d", cfg.RestListenPort)
	}
	if cfg.GRPCListenPort != 50050 {
		t.Errorf("expected grpc listen port 50050, got %d", cfg.GRPCListenPort)
	}
	if cfg.Strategy != "round_robin" {
		t.Errorf("expected strategy round_robin, got %s", cfg.Strategy)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected log level 'info', got %s", cfg.Log.Level)
	}
	if cfg.Metrics.Port != 9090 {
		t.Errorf("expected metrics port 9090, got %d", cfg.Metrics.Port)
	}
}

func TestLoader_LoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
instances:
  - base_host: "10.0.0.1"
    rest_port: 8000
    grpc_port: 50051
rest_listen_port: 8888
strategy: "least_connections"
log:
  level: debug
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	if err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	loader := NewLoader(WithConfigPaths(configPath))
	cfg, err := loader.Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.RestListenPort != 8888 {
		t.Errorf("expected rest listen port 8888, got %d", cfg.RestListenPort)
	}
	if cfg.Strategy != "least_connections" {
		t.Errorf("expected strategy least_connections, got %s", cfg.Strategy)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected log level 'debug', got %s", cfg.Log.Level)
	}
}

func TestLoader_LoadFromEnv(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(minimalYAML), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	os.Setenv("LB_REST_LISTEN_PORT", "9999")
	os.Setenv("LB_STRATEGY", "random")
	defer func() {
		os.Unsetenv("LB_REST_LISTEN_PORT")
		os.Unsetenv("LB_STRATEGY")
	}()

	cfg, err := NewLoader(WithConfigPaths(configPath)).Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.RestListenPort != 9999 {
		t.Errorf("expected rest listen port 9999, got %d", cfg.RestListenPort)
	}
	if cfg.Strategy != "random" {
		t.Errorf("expected strategy random, got %s", cfg.Strategy)
	}
}

func TestLoader_EnvOverridesFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := minimalYAML + "rest_listen_port: 8000\n"
	os.WriteFile(configPath, []byte(configContent), 0644)

	os.Setenv("LB_REST_LISTEN_PORT", "7000")
	defer os.Unsetenv("LB_REST_LISTEN_PORT")

	cfg, err := NewLoader(WithConfigPaths(configPath)).Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.RestListenPort != 7000 {
		t.Errorf("expected env override 7000, got %d", cfg.RestListenPort)
	}
}

func TestLoader_NestedEnvOverride(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(minimalYAML), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	os.Setenv("LB_TLS_CERT_FILE", "/etc/balancer/tls.crt")
	defer os.Unsetenv("LB_TLS_CERT_FILE")

	cfg, err := NewLoader(WithConfigPaths(configPath)).Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.TLS.CertFile != "/etc/balancer/tls.crt" {
		t.Errorf("expected tls cert file override, got %s", cfg.TLS.CertFile)
	}
}

func TestLoader_TLSCertPathEnvWinsOverFileAndPrefix(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(minimalYAML), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	os.Setenv("LB_TLS_CERT_FILE", "/from/prefixed/overlay.crt")
	os.Setenv("TLS_CERT_PATH", "/etc/tls/server.crt")
	os.Setenv("TLS_KEY_PATH", "/etc/tls/server.key")
	defer os.Unsetenv("LB_TLS_CERT_FILE")
	defer os.Unsetenv("TLS_CERT_PATH")
	defer os.Unsetenv("TLS_KEY_PATH")

	cfg, err := NewLoader(WithConfigPaths(configPath)).Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.TLS.CertFile != "/etc/tls/server.crt" {
		t.Errorf("expected TLS_CERT_PATH to win, got %s", cfg.TLS.CertFile)
	}
	if cfg.TLS.KeyFile != "/etc/tls/server.key" {
		t.Errorf("expected TLS_KEY_PATH to populate key file, got %s", cfg.TLS.KeyFile)
	}
}

func TestLoader_TLSCertPathEnvIgnoredUnlessBothSet(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(minimalYAML), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	os.Setenv("TLS_CERT_PATH", "/etc/tls/server.crt")
	defer os.Unsetenv("TLS_CERT_PATH")

	cfg, err := NewLoader(WithConfigPaths(configPath)).Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.TLS.CertFile != "" {
		t.Errorf("expected TLS cert file to stay empty without a paired key path, got %s", cfg.TLS.CertFile)
	}
}

func TestLoader_WithEnvPrefix(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(minimalYAML), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	os.Setenv("CUSTOM_REST_LISTEN_PORT", "6000")
	defer os.Unsetenv("CUSTOM_REST_LISTEN_PORT")

	cfg, err := NewLoader(WithConfigPaths(configPath), WithEnvPrefix("CUSTOM_")).Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.RestListenPort != 6000 {
		t.Errorf("expected 6000, got %d", cfg.RestListenPort)
	}
}

func TestLoader_ConfigEnvVar(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "custom-config.yaml")
	os.WriteFile(configPath, []byte(minimalYAML), 0644)

	os.Setenv("CONFIG_PATH", configPath)
	defer os.Unsetenv("CONFIG_PATH")

	cfg, err := NewLoader().Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if len(cfg.Instances) != 1 || cfg.Instances[0].BaseHost != "10.0.0.1" {
		t.Errorf("expected instance loaded from CONFIG_PATH file, got %+v", cfg.Instances)
	}
}

func TestLoader_MissingInstancesFailsValidation(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	os.WriteFile(configPath, []byte("rest_listen_port: 80\n"), 0644)

	_, err := NewLoader(WithConfigPaths(configPath)).Load()
	if err == nil {
		t.Error("expected validation error when no instances are configured")
	}
}
