package limit

import (
	"os"
	"path/filepath"
	"testing"
)

const catalogFixture = `[
  {"publicName":"claude-sonnet-4-5-20250929-thinking-32k","capabilities":{"outputCapabilities":{"text":true}}},
  {"publicName":"gpt-image-gen","capabilities":{"outputCapabilities":{"text":false}}},
  {"publicName":"gemini-2.5-pro","capabilities":{"outputCapabilities":{"text":true}}}
]`

func writeCatalog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "models.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	return path
}

func TestLoadModelCatalog(t *testing.T) {
	catalog, err := LoadModelCatalog(writeCatalog(t, catalogFixture))
	if err != nil {
		t.Fatalf("LoadModelCatalog error: %v", err)
	}
	names := catalog.TextModelNames()
	if len(names) != 2 {
		t.Fatalf("text model names = %v, want 2 entries", names)
	}
	if !catalog.HasTextModel("gemini-2.5-pro") {
		t.Fatal("expected gemini-2.5-pro to be text capable")
	}
	if catalog.HasTextModel("gpt-image-gen") {
		t.Fatal("image-only model reported as text capable")
	}
	if catalog.HasTextModel("unlisted-model") {
		t.Fatal("unlisted model reported as listed")
	}
}

func TestLoadModelCatalogMissingFile(t *testing.T) {
	catalog, err := LoadModelCatalog(filepath.Join(t.TempDir(), "models.json"))
	if err != nil {
		t.Fatalf("missing catalog should not error, got: %v", err)
	}
	if !catalog.Empty() {
		t.Fatal("nil catalog should be empty")
	}
	if catalog.HasTextModel("anything") {
		t.Fatal("nil catalog should list nothing")
	}
}

func TestLoadModelCatalogMalformed(t *testing.T) {
	if _, err := LoadModelCatalog(writeCatalog(t, `{"not":"a list"}`)); err == nil {
		t.Fatal("expected parse error")
	}
}
