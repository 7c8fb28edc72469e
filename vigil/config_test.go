package vigil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfig(t *testing.T) {
	// WHAT: A YAML file loads with unset fields defaulted.
	dir := t.TempDir()
	path := filepath.Join(dir, "vigil.yaml")
	data := []byte(`
db_path: /tmp/vigil.db
max_watches: 10
browser:
  headful: true
  resource_blocking: [images, fonts]
sinks:
  - type: stdout
  - type: webhook
    url: https://hooks.example/vigil
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DBPath != "/tmp/vigil.db" || cfg.MaxWatches != 10 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if !cfg.Browser.Headful || len(cfg.Browser.ResourceBlocking) != 2 {
		t.Fatalf("browser = %+v", cfg.Browser)
	}
	if len(cfg.Sinks) != 2 || cfg.Sinks[1].URL != "https://hooks.example/vigil" {
		t.Fatalf("sinks = %+v", cfg.Sinks)
	}
	// Defaults fill the rest.
	if cfg.DefaultIntervalMs != 30000 || cfg.MinIntervalMs != 3000 || cfg.HTTPAddr != ":8787" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestLoadConfig_Missing(t *testing.T) {
	if _, err := LoadConfig("/nonexistent/vigil.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}
