package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestComputeBlake3Hash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("service:\n  name: a\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	first, err := ComputeBlake3Hash(path)
	if err != nil {
		t.Fatalf("ComputeBlake3Hash() failed: %v", err)
	}
	if len(first) != 64 {
		t.Fatalf("len(hash) = %d, want 64", len(first))
	}

	if err := os.WriteFile(path, []byte("service:\n  name: b\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	second, err := ComputeBlake3Hash(path)
	if err != nil {
		t.Fatalf("ComputeBlake3Hash() failed: %v", err)
	}
	if first == second {
		t.Fatal("hash did not change with content")
	}
}

func TestComputeBlake3HashMissingFile(t *testing.T) {
	if _, err := ComputeBlake3Hash(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestFingerprint(t *testing.T) {
	cfg := Defaults()
	if got := cfg.Fingerprint(); got != "blake3:unknown" {
		t.Fatalf("Fingerprint() = %q for unloaded config", got)
	}

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(""), 0o600); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	fp := loaded.Fingerprint()
	if !strings.HasPrefix(fp, "blake3:") || len(fp) != len("blake3:")+16 {
		t.Fatalf("Fingerprint() = %q", fp)
	}
}
