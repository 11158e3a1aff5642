package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %s", err)
	}
	want := DefaultConfig()
	if *cfg != *want {
		t.Errorf("Load = %+v, want defaults %+v", cfg, want)
	}
}

func TestLoadEmptyPath(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Error("empty path should fail")
	}
}

func TestLoadPartialConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cogepd.yaml")
	data := "panel: \"2.7\"\npins:\n  reset: GPIO5\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %s", err)
	}
	if cfg.Panel != "2.7" {
		t.Errorf("Panel = %q, want 2.7", cfg.Panel)
	}
	if cfg.Pins.Reset != "GPIO5" {
		t.Errorf("Reset = %q, want GPIO5", cfg.Pins.Reset)
	}
	// unset fields are normalized to the defaults
	if cfg.Pins.Busy != DefaultConfig().Pins.Busy {
		t.Errorf("Busy = %q, want default", cfg.Pins.Busy)
	}
	if cfg.Temperature != 25 {
		t.Errorf("Temperature = %d, want 25", cfg.Temperature)
	}
}

func TestLoadBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cogepd.yaml")
	if err := os.WriteFile(path, []byte("panel: [unclosed"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("malformed YAML should fail")
	}
}
