package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads configuration from a file, or from config.yaml inside a directory.
// Defaults fill anything the file leaves out. When a .checksums manifest sits
// next to the file, every locked file is verified before the config is used.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	configDir := filepath.Dir(absPath)

	if fileExists(filepath.Join(configDir, checksumFile)) {
		if err := VerifyChecksums(configDir); err != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	cfg.SourcePath = absPath

	cfg.PipelinesDir = resolveRelative(configDir, cfg.PipelinesDir)
	cfg.Storage.Path = resolveRelative(configDir, cfg.Storage.Path)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DiscoverConfigDir finds the config directory by checking standard locations.
// Priority order: $DOCBRIDGE_CONFIG_DIR, ~/.config/docbridge, /etc/docbridge.
func DiscoverConfigDir() (string, error) {
	if dir := os.Getenv("DOCBRIDGE_CONFIG_DIR"); dir != "" {
		if _, err := os.Stat(dir); err == nil {
			return dir, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfigDir := filepath.Join(homeDir, ".config", "docbridge")
		if _, err := os.Stat(userConfigDir); err == nil {
			return userConfigDir, nil
		}
	}

	systemConfigDir := "/etc/docbridge"
	if _, err := os.Stat(systemConfigDir); err == nil {
		return systemConfigDir, nil
	}

	return "", fmt.Errorf("no config found (checked: $DOCBRIDGE_CONFIG_DIR, ~/.config/docbridge, /etc/docbridge)")
}

// ExpandEnv replaces ${VAR} with environment variable values. Undefined
// variables are left as-is.
func ExpandEnv(input string) string {
	return interpolateEnv(input)
}

func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func resolveRelative(base, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}

func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	if cfg.Gateway.Port <= 0 || cfg.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port must be between 1 and 65535 (got %d)", cfg.Gateway.Port)
	}
	if cfg.Gateway.ShutdownGrace < 0 {
		return fmt.Errorf("gateway.shutdown_grace must not be negative")
	}
	if envVarPattern.MatchString(cfg.Gateway.AuthToken) {
		matches := envVarPattern.FindStringSubmatch(cfg.Gateway.AuthToken)
		return fmt.Errorf("gateway.auth_token: environment variable ${%s} is not set", matches[1])
	}
	if envVarPattern.MatchString(cfg.Storage.Path) {
		return fmt.Errorf("storage.path: unresolved environment variable in %q", cfg.Storage.Path)
	}
	return nil
}
