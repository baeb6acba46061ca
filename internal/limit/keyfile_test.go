package limit

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAPIKeyFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := `{"api_keys":[{"label":"primary","key":"sk-test-abc123"},{"key":"sk-test-second"}]}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write key file: %v", err)
	}
	key, err := LoadAPIKey(path)
	if err != nil {
		t.Fatalf("LoadAPIKey error: %v", err)
	}
	if key != "sk-test-abc123" {
		t.Fatalf("key = %q, want first entry", key)
	}
}

func TestLoadAPIKeyMissingFileNotFatal(t *testing.T) {
	key, err := LoadAPIKey(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("missing file should not error, got: %v", err)
	}
	if key != "" {
		t.Fatalf("expected empty key, got %q", key)
	}
}

func TestLoadAPIKeyEmptyEntries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"api_keys":[{"key":"  "},{"key":"sk-real"}]}`), 0o644); err != nil {
		t.Fatalf("write key file: %v", err)
	}
	key, err := LoadAPIKey(path)
	if err != nil {
		t.Fatalf("LoadAPIKey error: %v", err)
	}
	if key != "sk-real" {
		t.Fatalf("key = %q, want sk-real", key)
	}
}

func TestLoadAPIKeyMalformed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{not json`), 0o644); err != nil {
		t.Fatalf("write key file: %v", err)
	}
	if _, err := LoadAPIKey(path); err == nil {
		t.Fatal("expected parse error for malformed key file")
	}
}
