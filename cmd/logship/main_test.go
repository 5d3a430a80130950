package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigFromFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "logship.yaml")
	contents := "environment: staging\nregion: us-west-2\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := loadConfig(path, "", "")
	if err != nil {
		t.Fatalf("loadConfig error: %v", err)
	}
	if cfg.Environment != "staging" || cfg.Region != "us-west-2" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestLoadConfigFallsBackToDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := loadConfig("", "dev", "us-east-1")
	if err != nil {
		t.Fatalf("loadConfig error: %v", err)
	}
	if len(cfg.Sources) != 5 {
		t.Fatalf("expected the five default sources, got %d", len(cfg.Sources))
	}
}

func TestLoadConfigRequiresEnvironmentAndRegion(t *testing.T) {
	t.Parallel()

	if _, err := loadConfig("", "dev", ""); err == nil {
		t.Fatal("expected error without region")
	}
	if _, err := loadConfig("", "", "us-east-1"); err == nil {
		t.Fatal("expected error without environment")
	}
}
