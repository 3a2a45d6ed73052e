package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr bool
		checkFn func(t *testing.T, cfg *Config, dir string)
	}{
		{
			name: "empty file gets defaults",
			yaml: "",
			checkFn: func(t *testing.T, cfg *Config, dir string) {
				if cfg.Service.LogLevel != "info" || cfg.Service.LogFormat != "json" {
					t.Errorf("default service not applied: %+v", cfg.Service)
				}
				if cfg.Gateway.Port != 25333 {
					t.Errorf("default port = %d", cfg.Gateway.Port)
				}
				if cfg.PipelinesDir != filepath.Join(dir, "pipelines") {
					t.Errorf("pipelines_dir not resolved against config dir: %s", cfg.PipelinesDir)
				}
				if cfg.Storage.Path != "" {
					t.Errorf("storage should be disabled by default, got %q", cfg.Storage.Path)
				}
			},
		},
		{
			name: "full config",
			yaml: `
service:
  name: bridge
  log_level: debug
  log_format: text
storage:
  path: ./data/results.db
gateway:
  host: 0.0.0.0
  port: 9000
  auth_token: s3cret
  log_actions: true
  shutdown_grace: 2s
`,
			checkFn: func(t *testing.T, cfg *Config, dir string) {
				if cfg.Service.Name != "bridge" || cfg.Service.LogFormat != "text" {
					t.Errorf("service not parsed: %+v", cfg.Service)
				}
				if cfg.Storage.Path != filepath.Join(dir, "data", "results.db") {
					t.Errorf("storage.path = %s", cfg.Storage.Path)
				}
				if cfg.Gateway.Addr() != "0.0.0.0:9000" {
					t.Errorf("gateway addr = %s", cfg.Gateway.Addr())
				}
				if cfg.Gateway.Token() != "s3cret" || !cfg.Gateway.LogActions {
					t.Errorf("gateway not parsed: %+v", cfg.Gateway)
				}
				if cfg.Gateway.ShutdownGrace != 2*time.Second {
					t.Errorf("shutdown_grace = %v", cfg.Gateway.ShutdownGrace)
				}
			},
		},
		{
			name: "env var interpolation",
			yaml: `
storage:
  path: ${DOCBRIDGE_TEST_DB}
gateway:
  auth_token: ${DOCBRIDGE_TEST_TOKEN}
`,
			env: map[string]string{
				"DOCBRIDGE_TEST_DB":    "/tmp/results.db",
				"DOCBRIDGE_TEST_TOKEN": "from-env",
			},
			checkFn: func(t *testing.T, cfg *Config, dir string) {
				if cfg.Storage.Path != "/tmp/results.db" {
					t.Errorf("env var not interpolated in storage.path: %s", cfg.Storage.Path)
				}
				if cfg.Gateway.AuthToken != "from-env" {
					t.Errorf("env var not interpolated in auth_token: %s", cfg.Gateway.AuthToken)
				}
			},
		},
		{
			name:    "missing env var fails validation",
			yaml:    "gateway:\n  auth_token: ${DOCBRIDGE_MISSING_VAR}\n",
			wantErr: true,
		},
		{
			name:    "invalid log level",
			yaml:    "service:\n  log_level: loud\n",
			wantErr: true,
		},
		{
			name:    "invalid port",
			yaml:    "gateway:\n  port: 70000\n",
			wantErr: true,
		},
		{
			name:    "malformed yaml",
			yaml:    "service: [\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			tmpDir := t.TempDir()
			configPath := filepath.Join(tmpDir, "config.yaml")
			if err := os.WriteFile(configPath, []byte(tt.yaml), 0644); err != nil {
				t.Fatalf("failed to write test config: %v", err)
			}

			cfg, err := Load(configPath)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Load() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && tt.checkFn != nil {
				tt.checkFn(t, cfg, tmpDir)
			}
		})
	}
}

func TestLoadDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	writeTestFile(t, filepath.Join(tmpDir, "config.yaml"), "service:\n  name: from-dir\n")

	cfg, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("Load(dir) failed: %v", err)
	}
	if cfg.Service.Name != "from-dir" {
		t.Errorf("Service.Name = %q", cfg.Service.Name)
	}
	if cfg.SourcePath != filepath.Join(tmpDir, "config.yaml") {
		t.Errorf("SourcePath = %q", cfg.SourcePath)
	}

	if _, err := Load(t.TempDir()); err == nil {
		t.Error("expected error for a directory without config.yaml")
	}
}

func TestGatewayTokenFallsBackToEnv(t *testing.T) {
	g := GatewayConfig{Port: 4242}
	if g.TokenEnvVar() != "DOCBRIDGE_GATEWAY_TOKEN_4242" {
		t.Fatalf("TokenEnvVar() = %s", g.TokenEnvVar())
	}

	t.Setenv("DOCBRIDGE_GATEWAY_TOKEN_4242", "env-token")
	if g.Token() != "env-token" {
		t.Errorf("Token() = %q, want env-token", g.Token())
	}

	g.AuthToken = "configured"
	if g.Token() != "configured" {
		t.Errorf("Token() = %q, want configured", g.Token())
	}
}

func TestDiscoverConfigDir(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DOCBRIDGE_CONFIG_DIR", dir)

	got, err := DiscoverConfigDir()
	if err != nil {
		t.Fatalf("DiscoverConfigDir() failed: %v", err)
	}
	if got != dir {
		t.Errorf("DiscoverConfigDir() = %q, want %q", got, dir)
	}
}
