package config

import (
	"fmt"
	"os"
	"time"
)

// Config is the complete docbridge configuration.
type Config struct {
	Service      ServiceConfig `yaml:"service"`
	Storage      StorageConfig `yaml:"storage"`
	Gateway      GatewayConfig `yaml:"gateway"`
	PipelinesDir string        `yaml:"pipelines_dir"`

	// SourcePath is the absolute path of the loaded config.yaml.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines process-wide settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// StorageConfig defines the SQLite store for corpus results and the run log.
// An empty path disables persistence.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// GatewayConfig defines the gateway listener.
type GatewayConfig struct {
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"`
	AuthToken     string        `yaml:"auth_token"`
	LogActions    bool          `yaml:"log_actions"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
	LockDir       string        `yaml:"lock_dir"`
}

// TokenEnvVar returns the environment variable consulted when no auth_token
// is configured.
func (g GatewayConfig) TokenEnvVar() string {
	return fmt.Sprintf("DOCBRIDGE_GATEWAY_TOKEN_%d", g.Port)
}

// Token returns the configured auth token, falling back to TokenEnvVar.
// An empty result disables authentication.
func (g GatewayConfig) Token() string {
	if g.AuthToken != "" {
		return g.AuthToken
	}
	return os.Getenv(g.TokenEnvVar())
}

// Addr returns host:port.
func (g GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

// ChecksumManifest is the .checksums file written by "docbridge config lock".
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "docbridge",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Storage: StorageConfig{
			Path: "",
		},
		Gateway: GatewayConfig{
			Host:          "127.0.0.1",
			Port:          25333,
			ShutdownGrace: 500 * time.Millisecond,
			LockDir:       os.TempDir(),
		},
		PipelinesDir: "./pipelines",
	}
}
