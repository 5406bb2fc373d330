package training

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// SimTrainer is the built-in trainer for demo and test deployments. Each
// run reports slightly better accuracy than the last, capped below 1,
// so the auto-swap path is exercised end to end.
type SimTrainer struct {
	mu       sync.Mutex
	runs     int
	accuracy float64
	step     float64
}

// NewSimTrainer starts from the given accuracy and improves by step per run.
func NewSimTrainer(start, step float64) *SimTrainer {
	return &SimTrainer{accuracy: start, step: step}
}

func (t *SimTrainer) Train(ctx context.Context, samples []Sample) (TrainResult, error) {
	if err := ctx.Err(); err != nil {
		return TrainResult{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.runs++
	t.accuracy += t.step
	if t.accuracy > 0.99 {
		t.accuracy = 0.99
	}
	return TrainResult{
		Loss:               1 - t.accuracy,
		ValidationAccuracy: t.accuracy,
		CheckpointRef:      fmt.Sprintf("sim-ckpt-%d", t.runs),
	}, nil
}

// SimLoader records checkpoint activations instead of loading anything.
type SimLoader struct {
	logger *slog.Logger

	mu      sync.Mutex
	current string
}

func NewSimLoader(logger *slog.Logger) *SimLoader {
	return &SimLoader{logger: logger.With("component", "loader")}
}

func (l *SimLoader) Activate(ctx context.Context, checkpointRef string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	l.current = checkpointRef
	l.mu.Unlock()
	l.logger.Info("checkpoint activated", "checkpoint", checkpointRef)
	return nil
}

// Current returns the last activated checkpoint ref.
func (l *SimLoader) Current() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}
