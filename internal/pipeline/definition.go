package pipeline

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/docbridge/internal/config"
)

// Result sink kinds.
const (
	SinkNone     = "none"
	SinkFeatures = "features"
	SinkFile     = "file"
	SinkSQLite   = "sqlite"
)

// FileSpec is a YAML file holding either one definition or a pipelines list.
type FileSpec struct {
	Pipelines []Definition `yaml:"pipelines"`
}

// Definition is one pipeline as written in YAML.
type Definition struct {
	Name       string    `yaml:"name"`
	Duplicates int       `yaml:"duplicates"`
	Steps      []StepDef `yaml:"steps"`

	// Fingerprint is blake3:<hex> of the normalized definition.
	Fingerprint string `yaml:"-"`
}

// StepDef binds one worker to a result sink.
type StepDef struct {
	Name   string              `yaml:"name"`
	Worker config.WorkerConfig `yaml:"worker"`
	Result ResultDef           `yaml:"result"`
}

// ResultDef selects where a step's corpus result goes.
type ResultDef struct {
	Sink string `yaml:"sink"`
	Path string `yaml:"path,omitempty"`
	Log  bool   `yaml:"log,omitempty"`
}

// LoadFile parses every definition in a YAML file. Relative worker and
// result paths are resolved against the file's directory.
func LoadFile(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline file %q: %w", path, err)
	}
	data = []byte(config.ExpandEnv(string(data)))

	var fs FileSpec
	if err := yaml.Unmarshal(data, &fs); err != nil {
		return nil, fmt.Errorf("parse pipeline file %q: %w", path, err)
	}
	defs := fs.Pipelines
	if len(defs) == 0 {
		var single Definition
		if err := yaml.Unmarshal(data, &single); err != nil {
			return nil, fmt.Errorf("parse pipeline file %q: %w", path, err)
		}
		defs = []Definition{single}
	}

	base := filepath.Dir(path)
	for i := range defs {
		defs[i].resolvePaths(base)
		if err := defs[i].Normalize(); err != nil {
			return nil, fmt.Errorf("pipeline file %q: %w", path, err)
		}
	}
	return defs, nil
}

// LoadDir loads every *.yaml and *.yml file in dir, keyed by pipeline name.
// A missing directory yields no pipelines.
func LoadDir(dir string) (map[string]Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Definition{}, nil
		}
		return nil, fmt.Errorf("read pipelines directory %q: %w", dir, err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if ext := filepath.Ext(e.Name()); ext == ".yaml" || ext == ".yml" {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)

	out := make(map[string]Definition)
	for _, f := range files {
		defs, err := LoadFile(f)
		if err != nil {
			return nil, err
		}
		for _, d := range defs {
			if _, dup := out[d.Name]; dup {
				return nil, fmt.Errorf("duplicate pipeline name %q in %s", d.Name, f)
			}
			out[d.Name] = d
		}
	}
	return out, nil
}

// Normalize trims names, applies defaults, validates and computes the
// fingerprint.
func (d *Definition) Normalize() error {
	d.Name = strings.TrimSpace(d.Name)
	if d.Name == "" {
		return fmt.Errorf("pipeline name is required")
	}
	if d.Duplicates == 0 {
		d.Duplicates = 1
	}
	if d.Duplicates < 0 {
		return fmt.Errorf("pipeline %q: duplicates must be positive (got %d)", d.Name, d.Duplicates)
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("pipeline %q: steps must be non-empty", d.Name)
	}

	seen := make(map[string]struct{}, len(d.Steps))
	for i := range d.Steps {
		st := &d.Steps[i]
		st.Name = strings.TrimSpace(st.Name)
		if st.Name == "" {
			st.Name = fmt.Sprintf("step-%d", i+1)
		}
		if _, dup := seen[st.Name]; dup {
			return fmt.Errorf("pipeline %q: duplicate step name %q", d.Name, st.Name)
		}
		seen[st.Name] = struct{}{}

		st.Worker.ApplyDefaults()
		if err := st.Worker.Validate(); err != nil {
			return fmt.Errorf("pipeline %q step %q: %w", d.Name, st.Name, err)
		}

		switch st.Result.Sink {
		case "":
			st.Result.Sink = SinkFeatures
		case SinkNone, SinkFeatures, SinkSQLite:
		case SinkFile:
			if st.Result.Path == "" {
				return fmt.Errorf("pipeline %q step %q: result.path is required for the file sink", d.Name, st.Name)
			}
		default:
			return fmt.Errorf("pipeline %q step %q: unknown result sink %q", d.Name, st.Name, st.Result.Sink)
		}
	}

	fp, err := fingerprint(d)
	if err != nil {
		return err
	}
	d.Fingerprint = fp
	return nil
}

func (d *Definition) resolvePaths(base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	for i := range d.Steps {
		w := &d.Steps[i].Worker
		w.Script = abs(w.Script)
		w.WorkDir = abs(w.WorkDir)
		w.LibraryDir = abs(w.LibraryDir)
		d.Steps[i].Result.Path = abs(d.Steps[i].Result.Path)
	}
}

func fingerprint(d *Definition) (string, error) {
	body, err := yaml.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("fingerprint pipeline %q: %w", d.Name, err)
	}
	sum := blake3.Sum256(body)
	return "blake3:" + hex.EncodeToString(sum[:]), nil
}
