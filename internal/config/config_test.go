package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultsMatchSpec(t *testing.T) {
	c := Defaults()
	if c.DepthScale != 0.001 {
		t.Errorf("DepthScale default = %v, want 0.001", c.DepthScale)
	}
	if c.TemporalSlots != 30 {
		t.Errorf("TemporalSlots default = %v, want 30", c.TemporalSlots)
	}
	if c.AdaptiveOnStreak != 2 || c.AdaptiveOffStreak != 3 {
		t.Errorf("adaptive streak defaults = %d/%d, want 2/3", c.AdaptiveOnStreak, c.AdaptiveOffStreak)
	}
	if c.ConfidenceWeights != [3]float64{0.6, 0.25, 0.15} {
		t.Errorf("confidence weights = %v, want (0.6,0.25,0.15)", c.ConfidenceWeights)
	}
}

func TestLoadOverlaysFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "caldera.json")
	if err := os.WriteFile(path, []byte(`{"DepthScale": 0.002, "MaxWidth": 1024}`), 0o644); err != nil {
		t.Fatal(err)
	}
	os.Setenv("CALDERA_MAX_WIDTH", "2048")
	defer os.Unsetenv("CALDERA_MAX_WIDTH")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DepthScale != 0.002 {
		t.Errorf("DepthScale = %v, want file override 0.002", cfg.DepthScale)
	}
	if cfg.MaxWidth != 2048 {
		t.Errorf("MaxWidth = %v, want env override 2048 (env beats file)", cfg.MaxWidth)
	}
	if cfg.MaxHeight != 480 {
		t.Errorf("MaxHeight = %v, want untouched default 480", cfg.MaxHeight)
	}
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.SHMName != "caldera-world" {
		t.Errorf("SHMName = %q, want default", cfg.SHMName)
	}
}
