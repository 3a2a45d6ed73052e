package config

import (
	"fmt"
	"strings"
	"time"
)

// Worker defaults.
const (
	DefaultInterpreter  = "python3"
	DefaultPathVar      = "PYTHONPATH"
	DefaultMaxLineBytes = 64 << 20
	DefaultGracePeriod  = 5 * time.Second
)

// WorkerConfig describes how a pipeline step starts and talks to its worker.
type WorkerConfig struct {
	Interpreter     string   `yaml:"interpreter"`
	InterpreterPath string   `yaml:"interpreter_path"`
	InterpreterArgs []string `yaml:"interpreter_args,omitempty"`
	Script          string   `yaml:"script"`
	ScriptArgs      []string `yaml:"script_args,omitempty"`
	LogLevel        string   `yaml:"log_level"`

	WorkDir    string            `yaml:"work_dir"`
	LibraryDir string            `yaml:"library_dir"`
	PathVar    string            `yaml:"path_var"`
	Env        map[string]string `yaml:"env,omitempty"`

	// Params are sent to the worker with the start command.
	Params map[string]any `yaml:"params,omitempty"`

	Sets        []string `yaml:"sets,omitempty"`
	InputAS     string   `yaml:"input_as"`
	OutputAS    string   `yaml:"output_as"`
	IDFeature   string   `yaml:"id_feature"`
	TypeFeature string   `yaml:"type_feature"`

	ForceRestart        bool          `yaml:"force_restart"`
	CheckScript         bool          `yaml:"check_script"`
	CreateMissingScript bool          `yaml:"create_missing_script"`
	MaxLineBytes        int           `yaml:"max_line_bytes"`
	GracePeriod         time.Duration `yaml:"grace_period"`
}

// ApplyDefaults fills unset fields.
func (w *WorkerConfig) ApplyDefaults() {
	if w.Interpreter == "" {
		w.Interpreter = DefaultInterpreter
	}
	if w.ScriptArgs == nil {
		w.ScriptArgs = []string{"--mode", "pipe"}
	}
	if w.PathVar == "" {
		w.PathVar = DefaultPathVar
	}
	if len(w.Sets) == 0 && w.InputAS == "" && w.OutputAS == "" {
		w.Sets = []string{"*"}
	}
	if w.IDFeature == "" {
		w.IDFeature = "annotationID"
	}
	if w.MaxLineBytes <= 0 {
		w.MaxLineBytes = DefaultMaxLineBytes
	}
	if w.GracePeriod <= 0 {
		w.GracePeriod = DefaultGracePeriod
	}
}

// SelectedSets returns the annotation sets exported to the worker. An explicit
// sets list wins; otherwise the input and output sets are used.
func (w *WorkerConfig) SelectedSets() []string {
	if len(w.Sets) > 0 {
		return w.Sets
	}
	if w.InputAS == w.OutputAS {
		return []string{w.InputAS}
	}
	return []string{w.InputAS, w.OutputAS}
}

// Validate reports configuration errors that would make every spawn fail.
func (w *WorkerConfig) Validate() error {
	if strings.TrimSpace(w.Script) == "" {
		return fmt.Errorf("worker.script is required")
	}
	if envVarPattern.MatchString(w.Script) {
		return fmt.Errorf("worker.script: unresolved environment variable in %q", w.Script)
	}
	if w.LogLevel != "" && !validWorkerLogLevels[strings.ToUpper(w.LogLevel)] {
		return fmt.Errorf("worker.log_level must be one of DEBUG, INFO, WARN, WARNING, ERROR, CRITICAL (got %q)", w.LogLevel)
	}
	for k, v := range w.Env {
		if envVarPattern.MatchString(v) {
			matches := envVarPattern.FindStringSubmatch(v)
			return fmt.Errorf("worker.env.%s: environment variable ${%s} is not set", k, matches[1])
		}
	}
	return nil
}

var validWorkerLogLevels = map[string]bool{
	"DEBUG": true, "INFO": true, "WARN": true, "WARNING": true, "ERROR": true, "CRITICAL": true,
}
