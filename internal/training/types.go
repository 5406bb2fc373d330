// Package training buffers labeled samples, runs retraining through an
// external trainer collaborator, versions the resulting models, and hot-swaps
// the active version when validated improvement clears the threshold.
package training

import (
	"context"
	"errors"
	"time"
)

// TriggerKind names what caused a training run.
type TriggerKind string

const (
	TriggerScheduled       TriggerKind = "scheduled"
	TriggerManual          TriggerKind = "manual"
	TriggerRSI             TriggerKind = "rsi_triggered"
	TriggerSampleThreshold TriggerKind = "sample_threshold"
)

// Trigger is a retraining request. Reason is set for RSI triggers (the
// applied proposal's description) and free-form for manual ones.
type Trigger struct {
	Kind   TriggerKind `json:"kind"`
	Reason string      `json:"reason,omitempty"`
	At     time.Time   `json:"at"`
}

// Sample is one labeled training example. Input is opaque to the
// coordinator; only the trainer interprets it.
type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	Input     string    `json:"input"`
	Label     string    `json:"label"`
	Weight    float64   `json:"weight,omitempty"`
}

// TrainResult is what the trainer collaborator reports for a completed run.
type TrainResult struct {
	Loss               float64 `json:"loss"`
	ValidationAccuracy float64 `json:"validation_accuracy"`
	CheckpointRef      string  `json:"checkpoint_ref"`
}

// Trainer runs one training pass over a batch of samples. It must enforce
// its own deadline via ctx and return an error rather than hang.
type Trainer interface {
	Train(ctx context.Context, samples []Sample) (TrainResult, error)
}

// ModelLoader swaps the served model checkpoint in the host process.
type ModelLoader interface {
	Activate(ctx context.Context, checkpointRef string) error
}

// ModelVersion is an immutable record of one completed training run. The
// active pointer lives in the coordinator, not on the version; Active is
// filled in on copies returned from queries.
type ModelVersion struct {
	Version            int         `json:"version"`
	CreatedAt          time.Time   `json:"created_at"`
	CheckpointRef      string      `json:"checkpoint_ref"`
	SampleCount        int         `json:"sample_count"`
	TrainingLoss       float64     `json:"training_loss"`
	ValidationAccuracy float64     `json:"validation_accuracy"`
	ImprovementPct     float64     `json:"improvement_pct"`
	Trigger            TriggerKind `json:"trigger"`
	Reason             string      `json:"reason,omitempty"`
	Active             bool        `json:"active"`
}

var (
	// ErrVersionNotFound is returned by SwapToVersion for a version that
	// never existed or was pruned.
	ErrVersionNotFound = errors.New("training: model version not found")
)
