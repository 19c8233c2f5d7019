package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bastion.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefault_HardenedTightensKnobs(t *testing.T) {
	relaxed := Default(ModeRelaxed)
	hardened := Default(ModeHardened)

	if !hardened.Escalation.BlockOnCritical {
		t.Error("hardened mode must block on critical")
	}
	if relaxed.Escalation.BlockOnCritical {
		t.Error("relaxed mode must not block on critical")
	}
	if hardened.Grant.TTLMinutes >= relaxed.Grant.TTLMinutes {
		t.Errorf("hardened TTL %d should be shorter than relaxed %d",
			hardened.Grant.TTLMinutes, relaxed.Grant.TTLMinutes)
	}
	if hardened.Pipeline.BatchSize >= relaxed.Pipeline.BatchSize {
		t.Errorf("hardened batch size %d should be smaller than relaxed %d",
			hardened.Pipeline.BatchSize, relaxed.Pipeline.BatchSize)
	}
}

func TestLoad_EmptyPathReturnsRelaxedDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mode != ModeRelaxed {
		t.Errorf("got mode %s, want relaxed", cfg.Mode)
	}
}

func TestLoad_FileOverridesModeDefaults(t *testing.T) {
	path := writeConfig(t, `
mode: hardened
grant:
  ttl_minutes: 5
integrity:
  elements:
    - id: header
      path: /srv/assets/header.js
      salt: s1
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Grant.TTLMinutes != 5 {
		t.Errorf("ttl_minutes: got %d, want file override 5", cfg.Grant.TTLMinutes)
	}
	// Untouched knobs keep the hardened defaults.
	if !cfg.Escalation.BlockOnCritical {
		t.Error("expected hardened default block_on_critical under the file")
	}
	if cfg.Pipeline.BatchSize != 5 {
		t.Errorf("batch_size: got %d, want hardened default 5", cfg.Pipeline.BatchSize)
	}
	if len(cfg.Integrity.Elements) != 1 || cfg.Integrity.Elements[0].ID != "header" {
		t.Errorf("unexpected integrity elements: %+v", cfg.Integrity.Elements)
	}
}

func TestLoad_UnknownModeRejected(t *testing.T) {
	path := writeConfig(t, "mode: paranoid\n")
	if _, err := Load(path); err == nil {
		t.Error("expected error for unknown mode")
	}
}

func TestLoad_MissingFileErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
