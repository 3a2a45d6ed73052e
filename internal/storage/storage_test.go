package storage

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func TestOpenSQLiteBootstrapsTables(t *testing.T) {
	t.Parallel()

	for _, path := range []string{filepath.Join(t.TempDir(), "nested", "docbridge.db"), MemoryPath} {
		db, err := OpenSQLite(context.Background(), path)
		if err != nil {
			t.Fatalf("OpenSQLite(%s): %v", path, err)
		}
		for _, table := range []string{"corpus_results", "run_log"} {
			var name string
			if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?;", table).Scan(&name); err != nil {
				t.Fatalf("%s: table %q missing: %v", path, table, err)
			}
		}
		_ = db.Close()
	}
}

func TestOpenSQLiteRejectsEmptyPath(t *testing.T) {
	if _, err := OpenSQLite(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestCheckLocalFilesystem(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	dbPath := filepath.Join(root, "a", "b", "docbridge.db")

	cases := []struct {
		name    string
		fs      string
		fsErr   error
		wantErr string
	}{
		{name: "local", fs: "0xef53"},
		{name: "nfs", fs: "nfs", wantErr: `network filesystem "nfs"`},
		{name: "uppercase smb", fs: "SMBFS", wantErr: "SMBFS"},
		{name: "undetectable", fsErr: errors.New("unsupported")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var inspected string
			err := checkLocalFilesystem(dbPath, func(p string) (string, error) {
				inspected = p
				return tc.fs, tc.fsErr
			})
			if inspected != root {
				t.Fatalf("inspected %q, want nearest existing parent %q", inspected, root)
			}
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error = %v, want containing %q", err, tc.wantErr)
			}
		})
	}
}
