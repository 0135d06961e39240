package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultsWhenEmpty(t *testing.T) {
	var cfg Config
	if got := cfg.DisplayTick(); got != time.Second {
		t.Errorf("DisplayTick = %v", got)
	}
	if got := cfg.TimeCheckpoint(); got != 2*time.Minute {
		t.Errorf("TimeCheckpoint = %v", got)
	}
	if got := cfg.ReconcilePoll(); got != 5*time.Second {
		t.Errorf("ReconcilePoll = %v", got)
	}
	if got := cfg.InteractionWindow(); got != time.Second {
		t.Errorf("InteractionWindow = %v", got)
	}
	if got := cfg.CompletionDelta(); got != 1 {
		t.Errorf("CompletionDelta = %v", got)
	}
	if got := cfg.TimeDeltaHours(); got != 0.01 {
		t.Errorf("TimeDeltaHours = %v", got)
	}
	if got := cfg.ServerAddr(); got != "127.0.0.1:8743" {
		t.Errorf("ServerAddr = %q", got)
	}
}

func TestFromYAMLOverrides(t *testing.T) {
	cfg, err := FromYAML([]byte(`
intervals:
  time_checkpoint: 30s
  reconcile_poll: 1s
thresholds:
  completion_delta: 5
  time_delta_hours: 0.05
server:
  addr: 0.0.0.0:9000
  auth:
    jwt_secret: sekrit
responses:
  extra_not_applicable: ["sans objet"]
`))
	if err != nil {
		t.Fatalf("FromYAML: %v", err)
	}
	if got := cfg.TimeCheckpoint(); got != 30*time.Second {
		t.Errorf("TimeCheckpoint = %v", got)
	}
	if got := cfg.CompletionDelta(); got != 5 {
		t.Errorf("CompletionDelta = %v", got)
	}
	if got := cfg.TimeDeltaHours(); got != 0.05 {
		t.Errorf("TimeDeltaHours = %v", got)
	}
	if got := cfg.ServerAddr(); got != "0.0.0.0:9000" {
		t.Errorf("ServerAddr = %q", got)
	}
	if cfg.Server.Auth.JWTSecret != "sekrit" {
		t.Errorf("jwt secret lost")
	}
	if len(cfg.Responses.ExtraNotApplicable) != 1 {
		t.Errorf("extra spellings lost")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"bad duration", "intervals:\n  display_tick: soon"},
		{"negative duration", "intervals:\n  reconcile_poll: -5s"},
		{"negative delta", "thresholds:\n  completion_delta: -1"},
		{"negative hours", "thresholds:\n  time_delta_hours: -0.5"},
		{"empty spelling", "responses:\n  extra_not_applicable: [\"\"]"},
		{"webhook without url", "webhooks:\n  - secret: x"},
		{"webhook negative timeout", "webhooks:\n  - url: http://example.com\n    timeout_seconds: -1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := FromYAML([]byte(tc.yaml)); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestDefaultTemplateRoundTrips(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault()))
	if err != nil {
		t.Fatalf("default template does not validate: %v", err)
	}
	if cfg.Workspace.Name != "checkline" {
		t.Errorf("workspace name = %q", cfg.Workspace.Name)
	}
	if !cfg.Server.Auth.AllowLegacyActorHeader {
		t.Error("default must allow legacy actor header")
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil {
		t.Fatalf("LoadOptional on empty dir: %v", err)
	}
	if got := cfg.TimeCheckpoint(); got != 2*time.Minute {
		t.Errorf("defaults not applied: %v", got)
	}

	if err := os.WriteFile(filepath.Join(dir, "checkline.yml"), []byte("thresholds:\n  completion_delta: 3\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = LoadOptional(dir)
	if err != nil {
		t.Fatalf("LoadOptional: %v", err)
	}
	if got := cfg.CompletionDelta(); got != 3 {
		t.Errorf("file not loaded: %v", got)
	}
}

func TestLoadMissingFileMentionsInit(t *testing.T) {
	_, err := Load(t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "ckl init") {
		t.Errorf("err = %v", err)
	}
}
