// Package config loads and validates Vigil configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"
)

// Config holds all Vigil configuration.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Auth     AuthConfig     `json:"auth"`
	MQTT     MQTTConfig     `json:"mqtt"`
	Detector DetectorConfig `json:"detector"`
	Patterns PatternConfig  `json:"patterns"`
	SelfMod  SelfModConfig  `json:"selfMod"`
	Training TrainingConfig `json:"training"`
	Audit    AuditConfig    `json:"audit"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	DataDir  string `json:"dataDir"`
	LogLevel string `json:"logLevel"`
}

// AuthConfig controls JWT auth on the mutating API endpoints.
// When Secret is empty the control surface is open (local-only deployments).
type AuthConfig struct {
	Secret      string `json:"secret,omitempty"`
	TokenExpiry int    `json:"tokenExpiryHours"`
}

// MQTTConfig configures the optional metric/event ingestion channel.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"brokerUrl"`
	ClientID    string `json:"clientId,omitempty"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
	TopicPrefix string `json:"topicPrefix,omitempty"`
}

// DetectorConfig controls the metric window and weakness rules.
type DetectorConfig struct {
	WindowSize              int     `json:"windowSize"`
	MonitorIntervalMs       int     `json:"monitorIntervalMs"`
	TriggerCooldownSecs     int     `json:"triggerCooldownSecs"`
	LatencyThresholdMs      float64 `json:"latencyThresholdMs"`
	LatencySpikeCount       int     `json:"latencySpikeCount"`
	ConfidenceDropThreshold float64 `json:"confidenceDropThreshold"`
	ConfidenceFloor         float64 `json:"confidenceFloor"`
	ErrorSpikeRatio         float64 `json:"errorSpikeRatio"`
	MemoryPressurePct       float64 `json:"memoryPressurePct"`
	ThroughputDropRatio     float64 `json:"throughputDropRatio"`
}

// PatternConfig controls the event log and pattern analysis.
type PatternConfig struct {
	MaxEvents           int     `json:"maxEvents"`
	AnalysisIntervalMs  int     `json:"analysisIntervalMs"`
	ConfidenceThreshold float64 `json:"confidenceThreshold"`
	SequenceWindow      int     `json:"sequenceWindow"`
}

// SelfModConfig controls proposal generation and risk gating.
type SelfModConfig struct {
	AutoApplyLowRisk       bool   `json:"autoApplyLowRisk"`
	AutoApplyMediumRisk    bool   `json:"autoApplyMediumRisk"`
	MaxWeaknessesPerCycle  int    `json:"maxWeaknessesPerCycle"`
	MinInferencesBeforeRSI int    `json:"minInferencesBeforeRsi"`
	CollaboratorTimeoutMs  int    `json:"collaboratorTimeoutMs"`
	PlaybookDir            string `json:"playbookDir,omitempty"`
	SandboxProfile         string `json:"sandboxProfile,omitempty"`
	NotifyTraining         bool   `json:"notifyTraining"`
}

// TrainingConfig controls the background training coordinator.
type TrainingConfig struct {
	BufferCap               int            `json:"bufferCap"`
	MinSamplesForTraining   int            `json:"minSamplesForTraining"`
	MaxSamplesPerBatch      int            `json:"maxSamplesPerBatch"`
	KeepLastNVersions       int            `json:"keepLastNVersions"`
	AutoSwapModels          bool           `json:"autoSwapModels"`
	MinImprovementThreshold float64        `json:"minImprovementThreshold"`
	CollaboratorTimeoutMs   int            `json:"collaboratorTimeoutMs"`
	Schedule                ScheduleConfig `json:"schedule"`
}

// ScheduleConfig defines when scheduled retraining runs.
type ScheduleConfig struct {
	Kind         string `json:"kind"` // "interval" or "cron"
	IntervalSecs int    `json:"intervalSecs,omitempty"`
	Expr         string `json:"expr,omitempty"`
}

type AuditConfig struct {
	// DBPath is the sqlite file for the audit log. Empty = in-memory only.
	DBPath string `json:"dbPath,omitempty"`
	// Keep is the number of recent records held in memory for queries.
	Keep int `json:"keep"`
}

// Default returns a Config with all defaults applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     8640,
			DataDir:  "data",
			LogLevel: "info",
		},
		Auth: AuthConfig{
			TokenExpiry: 24,
		},
		MQTT: MQTTConfig{
			TopicPrefix: "vigil",
		},
		Detector: DetectorConfig{
			WindowSize:              60,
			MonitorIntervalMs:       1000,
			TriggerCooldownSecs:     300,
			LatencyThresholdMs:      500,
			LatencySpikeCount:       3,
			ConfidenceDropThreshold: 0.15,
			ConfidenceFloor:         0.6,
			ErrorSpikeRatio:         0.5,
			MemoryPressurePct:       0.85,
			ThroughputDropRatio:     0.3,
		},
		Patterns: PatternConfig{
			MaxEvents:           1000,
			AnalysisIntervalMs:  5000,
			ConfidenceThreshold: 0.75,
			SequenceWindow:      10,
		},
		SelfMod: SelfModConfig{
			AutoApplyLowRisk:       true,
			AutoApplyMediumRisk:    false,
			MaxWeaknessesPerCycle:  3,
			MinInferencesBeforeRSI: 100,
			CollaboratorTimeoutMs:  30000,
			NotifyTraining:         true,
		},
		Training: TrainingConfig{
			BufferCap:               10000,
			MinSamplesForTraining:   100,
			MaxSamplesPerBatch:      5000,
			KeepLastNVersions:       5,
			AutoSwapModels:          true,
			MinImprovementThreshold: 2.0,
			CollaboratorTimeoutMs:   600000,
			Schedule: ScheduleConfig{
				Kind:         "interval",
				IntervalSecs: 3600,
			},
		},
		Audit: AuditConfig{
			Keep: 1000,
		},
	}
}

// Load reads a config file, fills in defaults, and validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults backfills zero values that have non-zero defaults.
func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Server.Port == 0 {
		cfg.Server.Port = def.Server.Port
	}
	if cfg.Server.DataDir == "" {
		cfg.Server.DataDir = def.Server.DataDir
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = def.Server.LogLevel
	}
	if cfg.Detector.WindowSize == 0 {
		cfg.Detector.WindowSize = def.Detector.WindowSize
	}
	if cfg.Detector.MonitorIntervalMs == 0 {
		cfg.Detector.MonitorIntervalMs = def.Detector.MonitorIntervalMs
	}
	if cfg.Detector.TriggerCooldownSecs == 0 {
		cfg.Detector.TriggerCooldownSecs = def.Detector.TriggerCooldownSecs
	}
	if cfg.Detector.LatencyThresholdMs == 0 {
		cfg.Detector.LatencyThresholdMs = def.Detector.LatencyThresholdMs
	}
	if cfg.Detector.LatencySpikeCount == 0 {
		cfg.Detector.LatencySpikeCount = def.Detector.LatencySpikeCount
	}
	if cfg.Detector.ConfidenceDropThreshold == 0 {
		cfg.Detector.ConfidenceDropThreshold = def.Detector.ConfidenceDropThreshold
	}
	if cfg.Detector.ConfidenceFloor == 0 {
		cfg.Detector.ConfidenceFloor = def.Detector.ConfidenceFloor
	}
	if cfg.Detector.ErrorSpikeRatio == 0 {
		cfg.Detector.ErrorSpikeRatio = def.Detector.ErrorSpikeRatio
	}
	if cfg.Detector.MemoryPressurePct == 0 {
		cfg.Detector.MemoryPressurePct = def.Detector.MemoryPressurePct
	}
	if cfg.Detector.ThroughputDropRatio == 0 {
		cfg.Detector.ThroughputDropRatio = def.Detector.ThroughputDropRatio
	}
	if cfg.Patterns.MaxEvents == 0 {
		cfg.Patterns.MaxEvents = def.Patterns.MaxEvents
	}
	if cfg.Patterns.AnalysisIntervalMs == 0 {
		cfg.Patterns.AnalysisIntervalMs = def.Patterns.AnalysisIntervalMs
	}
	if cfg.Patterns.ConfidenceThreshold == 0 {
		cfg.Patterns.ConfidenceThreshold = def.Patterns.ConfidenceThreshold
	}
	if cfg.Patterns.SequenceWindow == 0 {
		cfg.Patterns.SequenceWindow = def.Patterns.SequenceWindow
	}
	if cfg.SelfMod.MaxWeaknessesPerCycle == 0 {
		cfg.SelfMod.MaxWeaknessesPerCycle = def.SelfMod.MaxWeaknessesPerCycle
	}
	if cfg.SelfMod.MinInferencesBeforeRSI == 0 {
		cfg.SelfMod.MinInferencesBeforeRSI = def.SelfMod.MinInferencesBeforeRSI
	}
	if cfg.SelfMod.CollaboratorTimeoutMs == 0 {
		cfg.SelfMod.CollaboratorTimeoutMs = def.SelfMod.CollaboratorTimeoutMs
	}
	if cfg.Training.BufferCap == 0 {
		cfg.Training.BufferCap = def.Training.BufferCap
	}
	if cfg.Training.MinSamplesForTraining == 0 {
		cfg.Training.MinSamplesForTraining = def.Training.MinSamplesForTraining
	}
	if cfg.Training.MaxSamplesPerBatch == 0 {
		cfg.Training.MaxSamplesPerBatch = def.Training.MaxSamplesPerBatch
	}
	if cfg.Training.KeepLastNVersions == 0 {
		cfg.Training.KeepLastNVersions = def.Training.KeepLastNVersions
	}
	if cfg.Training.MinImprovementThreshold == 0 {
		cfg.Training.MinImprovementThreshold = def.Training.MinImprovementThreshold
	}
	if cfg.Training.CollaboratorTimeoutMs == 0 {
		cfg.Training.CollaboratorTimeoutMs = def.Training.CollaboratorTimeoutMs
	}
	if cfg.Training.Schedule.Kind == "" {
		cfg.Training.Schedule = def.Training.Schedule
	}
	if cfg.Audit.Keep == 0 {
		cfg.Audit.Keep = def.Audit.Keep
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = def.MQTT.TopicPrefix
	}
	if cfg.Auth.TokenExpiry == 0 {
		cfg.Auth.TokenExpiry = def.Auth.TokenExpiry
	}
}

// Validate checks configuration invariants. Errors here are fatal at startup.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Detector.WindowSize < 10 {
		return fmt.Errorf("detector.windowSize must be >= 10, got %d", c.Detector.WindowSize)
	}
	if c.Detector.MonitorIntervalMs <= 0 {
		return fmt.Errorf("detector.monitorIntervalMs must be positive, got %d", c.Detector.MonitorIntervalMs)
	}
	if c.Detector.TriggerCooldownSecs < 0 {
		return fmt.Errorf("detector.triggerCooldownSecs must not be negative, got %d", c.Detector.TriggerCooldownSecs)
	}
	if c.Detector.LatencySpikeCount <= 0 {
		return fmt.Errorf("detector.latencySpikeCount must be positive, got %d", c.Detector.LatencySpikeCount)
	}
	if c.Patterns.MaxEvents <= 0 {
		return fmt.Errorf("patterns.maxEvents must be positive, got %d", c.Patterns.MaxEvents)
	}
	if c.Patterns.ConfidenceThreshold < 0 || c.Patterns.ConfidenceThreshold > 1 {
		return fmt.Errorf("patterns.confidenceThreshold must be in [0,1], got %g", c.Patterns.ConfidenceThreshold)
	}
	if c.SelfMod.MaxWeaknessesPerCycle <= 0 {
		return fmt.Errorf("selfMod.maxWeaknessesPerCycle must be positive, got %d", c.SelfMod.MaxWeaknessesPerCycle)
	}
	if c.Training.BufferCap <= 0 {
		return fmt.Errorf("training.bufferCap must be positive, got %d", c.Training.BufferCap)
	}
	if c.Training.MinSamplesForTraining <= 0 {
		return fmt.Errorf("training.minSamplesForTraining must be positive, got %d", c.Training.MinSamplesForTraining)
	}
	if c.Training.KeepLastNVersions <= 0 {
		return fmt.Errorf("training.keepLastNVersions must be positive, got %d", c.Training.KeepLastNVersions)
	}
	switch c.Training.Schedule.Kind {
	case "interval":
		if c.Training.Schedule.IntervalSecs <= 0 {
			return fmt.Errorf("training.schedule.intervalSecs must be positive, got %d", c.Training.Schedule.IntervalSecs)
		}
	case "cron":
		if _, err := cron.ParseStandard(c.Training.Schedule.Expr); err != nil {
			return fmt.Errorf("training.schedule.expr invalid: %w", err)
		}
	case "", "none":
		// Scheduled retraining disabled; manual and RSI triggers still work.
	default:
		return fmt.Errorf("training.schedule.kind must be interval, cron, or none, got %q", c.Training.Schedule.Kind)
	}
	if c.MQTT.Enabled && c.MQTT.BrokerURL == "" {
		return fmt.Errorf("mqtt.brokerUrl required when mqtt is enabled")
	}
	return nil
}

// MonitorInterval returns the detector tick interval.
func (c *DetectorConfig) MonitorInterval() time.Duration {
	return time.Duration(c.MonitorIntervalMs) * time.Millisecond
}

// TriggerCooldown returns the minimum time between weakness emissions.
func (c *DetectorConfig) TriggerCooldown() time.Duration {
	return time.Duration(c.TriggerCooldownSecs) * time.Second
}

// AnalysisInterval returns the pattern analysis tick interval.
func (c *PatternConfig) AnalysisInterval() time.Duration {
	return time.Duration(c.AnalysisIntervalMs) * time.Millisecond
}

// CollaboratorTimeout returns the per-call sandbox/patcher timeout.
func (c *SelfModConfig) CollaboratorTimeout() time.Duration {
	return time.Duration(c.CollaboratorTimeoutMs) * time.Millisecond
}

// CollaboratorTimeout returns the per-run trainer timeout.
func (c *TrainingConfig) CollaboratorTimeout() time.Duration {
	return time.Duration(c.CollaboratorTimeoutMs) * time.Millisecond
}
