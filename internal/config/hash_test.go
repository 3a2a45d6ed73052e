package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func lockedDir(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()
	writeTestFile(t, filepath.Join(tmpDir, "config.yaml"), "service:\n  name: locked\n")
	if err := os.MkdirAll(filepath.Join(tmpDir, "pipelines"), 0755); err != nil {
		t.Fatal(err)
	}
	writeTestFile(t, filepath.Join(tmpDir, "pipelines", "p.yaml"), "name: p\n")

	manifest, err := Lock(tmpDir)
	if err != nil {
		t.Fatalf("Lock() failed: %v", err)
	}
	if len(manifest.Hashes) != 2 {
		t.Fatalf("len(manifest.Hashes) = %d, want 2", len(manifest.Hashes))
	}
	return tmpDir
}

func TestLockAndVerify(t *testing.T) {
	dir := lockedDir(t)

	if _, err := os.Stat(filepath.Join(dir, ".checksums")); err != nil {
		t.Fatalf("expected .checksums to be written: %v", err)
	}
	if err := VerifyChecksums(dir); err != nil {
		t.Fatalf("VerifyChecksums() failed: %v", err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() of a locked dir failed: %v", err)
	}
	if cfg.Service.Name != "locked" {
		t.Errorf("Service.Name = %q", cfg.Service.Name)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	dir := lockedDir(t)
	writeTestFile(t, filepath.Join(dir, "pipelines", "p.yaml"), "name: changed\n")

	err := VerifyChecksums(dir)
	if err == nil || !strings.Contains(err.Error(), "hash mismatch") {
		t.Fatalf("expected hash mismatch, got %v", err)
	}
	if _, err := Load(dir); err == nil {
		t.Error("Load() should refuse a tampered config dir")
	}
}

func TestVerifyDetectsAddedAndRemovedFiles(t *testing.T) {
	dir := lockedDir(t)
	writeTestFile(t, filepath.Join(dir, "pipelines", "extra.yaml"), "name: extra\n")
	if err := VerifyChecksums(dir); err == nil {
		t.Error("expected error for a file missing from the manifest")
	}

	dir = lockedDir(t)
	if err := os.Remove(filepath.Join(dir, "pipelines", "p.yaml")); err != nil {
		t.Fatal(err)
	}
	if err := VerifyChecksums(dir); err == nil {
		t.Error("expected error for a locked file missing from disk")
	}
}

func TestLoadChecksumsMissing(t *testing.T) {
	if _, err := LoadChecksums(t.TempDir()); err == nil {
		t.Error("expected error when .checksums is absent")
	}
}

func TestComputeBlake3HashStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	writeTestFile(t, path, "abc")

	a, err := ComputeBlake3Hash(path)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := ComputeBlake3Hash(path)
	if a != b || len(a) != 64 {
		t.Errorf("unexpected hashes %q %q", a, b)
	}
}
