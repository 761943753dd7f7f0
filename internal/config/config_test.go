package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Mode != ModeMock {
		t.Fatalf("default mode should be mock, got %s", cfg.Mode)
	}
	if cfg.CacheTTL.D() != 30*time.Minute {
		t.Fatalf("default cache_ttl should be 30m, got %s", cfg.CacheTTL)
	}
}

func TestFromYAMLParsesDurations(t *testing.T) {
	cfg, err := FromYAML([]byte(`
mode: live
base_url: http://localhost:9000
cache_ttl: 15m
remote_timeout: 2s
autosave:
  interval: 10s
  every_n: 5
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.CacheTTL.D() != 15*time.Minute {
		t.Fatalf("cache_ttl: got %s", cfg.CacheTTL)
	}
	if cfg.RemoteTimeout.D() != 2*time.Second {
		t.Fatalf("remote_timeout: got %s", cfg.RemoteTimeout)
	}
	if cfg.Autosave.Interval.D() != 10*time.Second {
		t.Fatalf("autosave.interval: got %s", cfg.Autosave.Interval)
	}
	if cfg.Autosave.EveryN != 5 {
		t.Fatalf("autosave.every_n: got %d", cfg.Autosave.EveryN)
	}
}

func TestFromYAMLRejectsBadDuration(t *testing.T) {
	if _, err := FromYAML([]byte("cache_ttl: soon\n")); err == nil {
		t.Fatalf("expected error for invalid duration")
	}
}

func TestValidateRejectsBadMode(t *testing.T) {
	cfg := Default()
	cfg.Mode = "offline"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected mode error")
	}
}

func TestValidateRequiresBaseURLInLiveMode(t *testing.T) {
	cfg := Default()
	cfg.Mode = ModeLive
	cfg.BaseURL = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected base_url error")
	}
}

func TestFormFallsBackToDefaultPolicy(t *testing.T) {
	cfg := Default()
	p := cfg.Form("unknown-kind")
	if p.SignatureField != "signature" {
		t.Fatalf("expected default policy, got %+v", p)
	}
	if p.SubmitPercent != 90 {
		t.Fatalf("expected default submit_percent 90, got %v", p.SubmitPercent)
	}
}

func TestFormKnownKind(t *testing.T) {
	cfg := Default()
	p := cfg.Form("consent")
	if len(p.Sections) != 6 {
		t.Fatalf("consent should have 6 sections, got %v", p.Sections)
	}
	if p.ReviewFraction != 0.8 {
		t.Fatalf("review_fraction: got %v", p.ReviewFraction)
	}
}

func TestLoadOptionalMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadOptional(filepath.Join(t.TempDir(), "intakeline.yml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeMock {
		t.Fatalf("expected defaults, got mode %s", cfg.Mode)
	}
}

func TestLoadOptionalReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := Path(dir)
	content := "mode: live\nbase_url: http://localhost:7000\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := LoadOptional(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeLive || cfg.BaseURL != "http://localhost:7000" {
		t.Fatalf("file not applied: %+v", cfg)
	}
}
