package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesDerivedDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	data := "workDir: /tmp/aos\nstorageDir: /tmp/aos/storage\nstateDir: /tmp/aos/state\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.LayersDir != filepath.Join(cfg.StorageDir, "layers") {
		t.Fatalf("LayersDir = %s, want derived from StorageDir", cfg.LayersDir)
	}

	if cfg.DatabasePath != filepath.Join(cfg.StorageDir, "servicemanager.db") {
		t.Fatalf("DatabasePath = %s, want derived from StorageDir", cfg.DatabasePath)
	}

	if cfg.ReconcileWorkers != 4 {
		t.Fatalf("ReconcileWorkers = %d, want default 4", cfg.ReconcileWorkers)
	}

	if cfg.LayerTTL != 24*time.Hour {
		t.Fatalf("LayerTTL = %v, want default 24h", cfg.LayerTTL)
	}
}

func TestLoadHonorsExplicitOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	data := "storageDir: /tmp/aos/storage\nlayersDir: /custom/layers\nreconcileWorkers: 8\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.LayersDir != "/custom/layers" {
		t.Fatalf("LayersDir = %s, want explicit override preserved", cfg.LayersDir)
	}

	if cfg.ReconcileWorkers != 8 {
		t.Fatalf("ReconcileWorkers = %d, want 8", cfg.ReconcileWorkers)
	}
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error loading nonexistent config file")
	}
}
