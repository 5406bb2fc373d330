package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Detector.WindowSize != 60 {
		t.Errorf("windowSize = %d, want default 60", cfg.Detector.WindowSize)
	}
	if cfg.SelfMod.MaxWeaknessesPerCycle != 3 {
		t.Errorf("maxWeaknessesPerCycle = %d, want default 3", cfg.SelfMod.MaxWeaknessesPerCycle)
	}
}

func TestLoadBackfillsPartialConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vigil.json")
	doc := `{
		"server": {"port": 9001},
		"detector": {"windowSize": 120},
		"training": {"minSamplesForTraining": 50}
	}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9001 {
		t.Errorf("port = %d, want 9001", cfg.Server.Port)
	}
	if cfg.Detector.WindowSize != 120 {
		t.Errorf("windowSize = %d, want 120", cfg.Detector.WindowSize)
	}
	if cfg.Training.MinSamplesForTraining != 50 {
		t.Errorf("minSamplesForTraining = %d, want 50", cfg.Training.MinSamplesForTraining)
	}
	// Untouched sections keep defaults.
	if cfg.Detector.TriggerCooldownSecs != 300 {
		t.Errorf("cooldown = %d, want default 300", cfg.Detector.TriggerCooldownSecs)
	}
	if cfg.Training.BufferCap != 10000 {
		t.Errorf("bufferCap = %d, want default 10000", cfg.Training.BufferCap)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"window too small", func(c *Config) { c.Detector.WindowSize = 5 }},
		{"negative monitor interval", func(c *Config) { c.Detector.MonitorIntervalMs = -1 }},
		{"zero spike count", func(c *Config) { c.Detector.LatencySpikeCount = 0 }},
		{"confidence threshold above 1", func(c *Config) { c.Patterns.ConfidenceThreshold = 1.5 }},
		{"zero weaknesses per cycle", func(c *Config) { c.SelfMod.MaxWeaknessesPerCycle = 0 }},
		{"zero buffer cap", func(c *Config) { c.Training.BufferCap = 0 }},
		{"bad cron expr", func(c *Config) { c.Training.Schedule = ScheduleConfig{Kind: "cron", Expr: "not a cron"} }},
		{"unknown schedule kind", func(c *Config) { c.Training.Schedule = ScheduleConfig{Kind: "sometimes"} }},
		{"mqtt enabled without broker", func(c *Config) { c.MQTT.Enabled = true; c.MQTT.BrokerURL = "" }},
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("Validate accepted a bad config")
			}
		})
	}
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vigil.json")
	if err := os.WriteFile(path, []byte("{nope"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load accepted malformed JSON")
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()
	if got := cfg.Detector.MonitorInterval(); got != time.Second {
		t.Errorf("MonitorInterval = %v, want 1s", got)
	}
	if got := cfg.Detector.TriggerCooldown(); got != 5*time.Minute {
		t.Errorf("TriggerCooldown = %v, want 5m", got)
	}
	if got := cfg.SelfMod.CollaboratorTimeout(); got != 30*time.Second {
		t.Errorf("CollaboratorTimeout = %v, want 30s", got)
	}
}
