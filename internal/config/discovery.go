package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// ConfigFiles lists the files of a config directory that "config lock" covers.
type ConfigFiles struct {
	Root      string
	Config    string
	Pipelines []string
}

// DiscoverConfigFiles walks a config directory. config.yaml is required;
// pipelines/*.yaml are optional.
func DiscoverConfigFiles(configDir string) (*ConfigFiles, error) {
	absDir, err := filepath.Abs(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config dir %q: %w", configDir, err)
	}

	cf := &ConfigFiles{Root: absDir}

	configPath := filepath.Join(absDir, "config.yaml")
	if _, err := os.Stat(configPath); err != nil {
		return nil, fmt.Errorf("config.yaml not found in %s: %w", absDir, err)
	}
	cf.Config = configPath

	cf.Pipelines, err = walkYAMLDir(filepath.Join(absDir, "pipelines"))
	if err != nil {
		return nil, fmt.Errorf("failed to walk pipelines/: %w", err)
	}
	return cf, nil
}

// RelativeFiles returns every discovered file relative to Root, sorted.
func (cf *ConfigFiles) RelativeFiles() []string {
	all := append([]string{cf.Config}, cf.Pipelines...)
	out := make([]string, 0, len(all))
	for _, p := range all {
		rel, err := filepath.Rel(cf.Root, p)
		if err != nil {
			rel = p
		}
		out = append(out, filepath.ToSlash(rel))
	}
	sort.Strings(out)
	return out
}

// walkYAMLDir returns sorted absolute paths of the *.yaml and *.yml files
// directly inside dir. A missing dir has none.
func walkYAMLDir(dir string) ([]string, error) {
	if !dirExists(dir) {
		return nil, nil
	}
	var files []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			if fileExists(m) {
				files = append(files, m)
			}
		}
	}
	sort.Strings(files)
	return files, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
