package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// =============================================================================
// UNIFIED CONFIG TESTS
// =============================================================================

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Name != "redcapaudit" {
		t.Errorf("expected Name=redcapaudit, got %s", cfg.Name)
	}
	if cfg.Family.Prefix != "ob" {
		t.Errorf("expected Prefix=ob, got %s", cfg.Family.Prefix)
	}
	if len(cfg.Family.Suffixes) != 30 {
		t.Errorf("expected 30 family suffixes, got %d", len(cfg.Family.Suffixes))
	}
	if cfg.Projection.Mode != "literal" {
		t.Errorf("expected Mode=literal, got %s", cfg.Projection.Mode)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestDefaultConfig_Family(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Family.Prefix != "ob" {
		t.Errorf("expected Prefix=ob, got %s", cfg.Family.Prefix)
	}
	s := cfg.Family.Suffixes
	if len(s) != 30 || s[0] != "template" || s[1] != "0" || s[2] != "1a" || s[29] != "14b" {
		t.Errorf("unexpected default suffixes: %v", s)
	}

	cfg.Family.Suffixes[0] = "changed"
	if DefaultConfig().Family.Suffixes[0] != "template" {
		t.Fatal("DefaultConfig must return a fresh suffix list")
	}
}

func TestConfig_SaveLoad(t *testing.T) {
	t.Setenv("REDCAP_URL", "")
	t.Setenv("REDCAPAUDIT_DB", "")

	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "nested", "redcapaudit.yaml")

	cfg := DefaultConfig()
	cfg.Projection.Mode = "boundary"
	cfg.REDCap.BaseURL = "https://redcap.example.org"
	cfg.REDCap.Password = "secret"

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if strings.Contains(string(data), "secret") {
		t.Fatal("password must never be written to disk")
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Projection.Mode != "boundary" {
		t.Errorf("expected Mode=boundary, got %s", loaded.Projection.Mode)
	}
	if loaded.REDCap.BaseURL != "https://redcap.example.org" {
		t.Errorf("expected BaseURL to round trip, got %s", loaded.REDCap.BaseURL)
	}
	if loaded.REDCap.Password != "" {
		t.Errorf("expected empty password after load, got %q", loaded.REDCap.Password)
	}
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Family.Prefix != "ob" {
		t.Errorf("expected defaults, got prefix %q", cfg.Family.Prefix)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("family: [unterminated"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty prefix", func(c *Config) { c.Family.Prefix = "" }},
		{"no suffixes", func(c *Config) { c.Family.Suffixes = nil }},
		{"bad projection", func(c *Config) { c.Projection.Mode = "fuzzy" }},
		{"bad clock", func(c *Config) { c.Schedule.MorningInvite = "8am" }},
		{"hour out of range", func(c *Config) { c.Schedule.AfternoonLate = "24:00:00" }},
		{"zero concurrency", func(c *Config) { c.Runner.Concurrency = 0 }},
		{"unnamed template", func(c *Config) {
			c.AlertTemplates = []AlertTemplate{{Kind: "simple"}}
		}},
		{"duplicate template", func(c *Config) {
			c.AlertTemplates = []AlertTemplate{
				{Name: "A", Kind: "simple"},
				{Name: "A", Kind: "simple"},
			}
		}},
		{"bad template kind", func(c *Config) {
			c.AlertTemplates = []AlertTemplate{{Name: "A", Kind: "weird"}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestConfig_AlertTemplateLookup(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AlertTemplates = []AlertTemplate{
		{Name: "STAFF_COMBINED_SMS", Kind: "simple", AlertIndex: "200"},
		{Name: "LATE_OBS_STAFF_SMS", Kind: "late_observation", AlertIndex: "307"},
	}

	tpl, ok := cfg.AlertTemplate("LATE_OBS_STAFF_SMS")
	if !ok || tpl.AlertIndex != "307" {
		t.Fatalf("expected LATE_OBS_STAFF_SMS/307, got %+v (ok=%v)", tpl, ok)
	}
	if _, ok := cfg.AlertTemplate("MISSING"); ok {
		t.Error("expected missing template lookup to fail")
	}

	names := cfg.AlertTemplateNames()
	if len(names) != 2 || names[0] != "STAFF_COMBINED_SMS" {
		t.Errorf("unexpected names: %v", names)
	}
}

func TestConfig_Timeouts(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.GetRuleTimeout(); got != 10*time.Second {
		t.Errorf("expected 10s, got %v", got)
	}
	cfg.Runner.RuleTimeout = "not-a-duration"
	if got := cfg.GetRuleTimeout(); got != 10*time.Second {
		t.Errorf("expected fallback 10s, got %v", got)
	}
	cfg.REDCap.Timeout = "5s"
	if got := cfg.GetREDCapTimeout(); got != 5*time.Second {
		t.Errorf("expected 5s, got %v", got)
	}
	if got := (BrowserConfig{}).NavigationTimeout(); got != 30*time.Second {
		t.Errorf("expected 30s default navigation timeout, got %v", got)
	}
}
