package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err == nil {
		t.Fatal("expected validation error: memory_dir is required and has no default")
	}
	_ = cfg
}

func TestLoadAppliesYAMLOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "impulsed.yaml")
	content := "memory_dir: /var/lib/impulsed\nprior_p: 0.35\nweight_profile: full_biometric\nrequest_timeout: 45s\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MemoryDir != "/var/lib/impulsed" {
		t.Errorf("MemoryDir = %q", cfg.MemoryDir)
	}
	if cfg.PriorP != 0.35 {
		t.Errorf("PriorP = %v, want 0.35", cfg.PriorP)
	}
	if cfg.WeightProfile != "full_biometric" {
		t.Errorf("WeightProfile = %q", cfg.WeightProfile)
	}
	if cfg.RequestTimeout.Seconds() != 45 {
		t.Errorf("RequestTimeout = %v, want 45s", cfg.RequestTimeout)
	}
	// Defaults survive for keys not present in the file.
	if cfg.RefinementThreshold != 7 {
		t.Errorf("RefinementThreshold = %v, want default 7", cfg.RefinementThreshold)
	}
}

func TestLoadRejectsInvalidWeightProfile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "impulsed.yaml")
	os.WriteFile(path, []byte("memory_dir: /tmp/x\nweight_profile: nonsense\n"), 0o644)

	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for an invalid weight_profile")
	}
}

func TestLoadRejectsOutOfRangePrior(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "impulsed.yaml")
	os.WriteFile(path, []byte("memory_dir: /tmp/x\nprior_p: 1.5\n"), 0o644)

	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for prior_p outside (0,1)")
	}
}

func TestLoadEnvOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "impulsed.yaml")
	os.WriteFile(path, []byte("memory_dir: /from/yaml\n"), 0o644)

	t.Setenv("IMPULSED_MEMORY_DIR", "/from/env")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MemoryDir != "/from/env" {
		t.Errorf("MemoryDir = %q, want env override to win", cfg.MemoryDir)
	}
}
