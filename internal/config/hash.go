package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

const checksumFile = ".checksums"

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// Lock hashes config.yaml and every pipeline definition in configDir and
// writes the .checksums manifest.
func Lock(configDir string) (*ChecksumManifest, error) {
	files, err := DiscoverConfigFiles(configDir)
	if err != nil {
		return nil, err
	}

	manifest := &ChecksumManifest{
		Version:     1,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Hashes:      make(map[string]string),
	}
	for _, rel := range files.RelativeFiles() {
		hash, err := ComputeBlake3Hash(filepath.Join(files.Root, filepath.FromSlash(rel)))
		if err != nil {
			return nil, fmt.Errorf("failed to hash %s: %w", rel, err)
		}
		manifest.Hashes[rel] = hash
	}

	data, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checksums: %w", err)
	}
	if err := os.WriteFile(filepath.Join(files.Root, checksumFile), data, 0600); err != nil {
		return nil, fmt.Errorf("failed to write checksums: %w", err)
	}
	return manifest, nil
}

// LoadChecksums reads the .checksums file from a config directory.
func LoadChecksums(configDir string) (*ChecksumManifest, error) {
	data, err := os.ReadFile(filepath.Join(configDir, checksumFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("checksums file not found (run 'docbridge config lock')")
		}
		return nil, fmt.Errorf("failed to read checksums: %w", err)
	}

	var manifest ChecksumManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse checksums: %w", err)
	}
	if manifest.Version != 1 {
		return nil, fmt.Errorf("unsupported checksums version: %d", manifest.Version)
	}
	return &manifest, nil
}

// VerifyChecksums checks every discovered file in configDir against the
// manifest. A file missing from the manifest, a manifest entry missing from
// disk, and a hash mismatch are all errors.
func VerifyChecksums(configDir string) error {
	manifest, err := LoadChecksums(configDir)
	if err != nil {
		return err
	}
	files, err := DiscoverConfigFiles(configDir)
	if err != nil {
		return err
	}

	seen := make(map[string]bool)
	for _, rel := range files.RelativeFiles() {
		seen[rel] = true
		expected, ok := manifest.Hashes[rel]
		if !ok {
			return fmt.Errorf("%s has no hash in checksums (run 'docbridge config lock')", rel)
		}
		actual, err := ComputeBlake3Hash(filepath.Join(files.Root, filepath.FromSlash(rel)))
		if err != nil {
			return err
		}
		if actual != expected {
			return fmt.Errorf("hash mismatch for %s: expected %s, got %s\n"+
				"If you edited this file intentionally, run: docbridge config lock", rel, expected, actual)
		}
	}
	for rel := range manifest.Hashes {
		if !seen[rel] {
			return fmt.Errorf("%s is in checksums but missing from disk", rel)
		}
	}
	return nil
}
