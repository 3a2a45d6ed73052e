package supervisor

import (
	_ "embed"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/mattjoyce/docbridge/internal/bridgeerr"
	"github.com/mattjoyce/docbridge/internal/config"
)

//go:embed templates/worker.py
var workerTemplate []byte

// Fingerprint decides whether a running worker may be reused. Two equal
// fingerprints are interchangeable.
type Fingerprint struct {
	Interpreter  string
	Script       string
	ForceRestart bool
}

// ResolveInterpreter returns the interpreter binary for cfg. An explicit
// interpreter_path must name an existing regular file; otherwise the
// interpreter name is looked up on PATH.
func ResolveInterpreter(cfg config.WorkerConfig) (string, error) {
	if cfg.InterpreterPath != "" {
		abs, err := filepath.Abs(cfg.InterpreterPath)
		if err != nil {
			return "", fmt.Errorf("resolve interpreter_path %q: %v: %w", cfg.InterpreterPath, err, bridgeerr.ErrWorkerUnavailable)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return "", fmt.Errorf("interpreter_path %s: %v: %w", abs, err, bridgeerr.ErrWorkerUnavailable)
		}
		if !info.Mode().IsRegular() {
			return "", fmt.Errorf("interpreter_path %s is not a regular file: %w", abs, bridgeerr.ErrWorkerUnavailable)
		}
		return abs, nil
	}

	name := cfg.Interpreter
	if name == "" {
		name = config.DefaultInterpreter
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("interpreter %q not found on PATH: %w", name, bridgeerr.ErrWorkerUnavailable)
	}
	return path, nil
}

// ResolveScript returns the absolute path of the worker script. A missing
// script is created from the default template when create_missing_script is
// set.
func ResolveScript(cfg config.WorkerConfig) (string, error) {
	if cfg.Script == "" {
		return "", fmt.Errorf("no worker script configured: %w", bridgeerr.ErrWorkerUnavailable)
	}
	abs, err := filepath.Abs(cfg.Script)
	if err != nil {
		return "", fmt.Errorf("resolve script %q: %v: %w", cfg.Script, err, bridgeerr.ErrWorkerUnavailable)
	}

	info, err := os.Stat(abs)
	if os.IsNotExist(err) && cfg.CreateMissingScript {
		if err := WriteTemplate(abs); err != nil {
			return "", err
		}
		info, err = os.Stat(abs)
	}
	if err != nil {
		return "", fmt.Errorf("script %s: %v: %w", abs, err, bridgeerr.ErrWorkerUnavailable)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("script %s is not a regular file: %w", abs, bridgeerr.ErrWorkerUnavailable)
	}

	f, err := os.Open(abs)
	if err != nil {
		return "", fmt.Errorf("script %s is not readable: %v: %w", abs, err, bridgeerr.ErrWorkerUnavailable)
	}
	f.Close()
	return abs, nil
}

// Resolve builds the fingerprint for cfg.
func Resolve(cfg config.WorkerConfig) (Fingerprint, error) {
	interp, err := ResolveInterpreter(cfg)
	if err != nil {
		return Fingerprint{}, err
	}
	script, err := ResolveScript(cfg)
	if err != nil {
		return Fingerprint{}, err
	}
	return Fingerprint{Interpreter: interp, Script: script, ForceRestart: cfg.ForceRestart}, nil
}

// WriteTemplate writes the default worker script to path.
func WriteTemplate(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create script dir: %v: %w", err, bridgeerr.ErrWorkerUnavailable)
	}
	if err := os.WriteFile(path, workerTemplate, 0o644); err != nil {
		return fmt.Errorf("write script template: %v: %w", err, bridgeerr.ErrWorkerUnavailable)
	}
	return nil
}
