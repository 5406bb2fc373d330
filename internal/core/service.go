// Package core wires the metric store, weakness detector, pattern
// recognizer, self-modification engine and training coordinator into one
// control loop and exposes the external surface the host calls.
package core

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/clawinfra/vigil/internal/audit"
	"github.com/clawinfra/vigil/internal/config"
	"github.com/clawinfra/vigil/internal/metrics"
	"github.com/clawinfra/vigil/internal/pattern"
	"github.com/clawinfra/vigil/internal/selfmod"
	"github.com/clawinfra/vigil/internal/training"
)

// triggerBuffer bounds the weakness channel. A full channel means the loop
// is already busy; further weaknesses are dropped and counted, never queued
// behind a backlog.
const triggerBuffer = 64

// Stats is the introspection snapshot for GetStats.
type Stats struct {
	Metrics         metrics.Stats          `json:"metrics"`
	Events          int                    `json:"events"`
	Patterns        int                    `json:"patterns"`
	Proposals       map[selfmod.Status]int `json:"proposals"`
	Versions        int                    `json:"versions"`
	ActiveVersion   int                    `json:"active_version"`
	BufferedSamples int                    `json:"buffered_samples"`
	DroppedTriggers uint64                 `json:"dropped_triggers"`
	LastEmission    time.Time              `json:"last_emission,omitempty"`
}

// Service owns all loop components. Producers and the sole trigger consumer
// communicate only through the bounded channel; component state never leaks
// across package boundaries.
type Service struct {
	cfg    *config.Config
	logger *slog.Logger

	store       *metrics.Store
	detector    *metrics.Detector
	recognizer  *pattern.Recognizer
	engine      *selfmod.Engine
	coordinator *training.Coordinator
	trail       *audit.Log

	triggerCh chan metrics.Weakness
	trainCh   chan training.Trigger

	mu           sync.Mutex
	lastEmission time.Time
	dropped      uint64
}

// New assembles a Service from already-constructed components. The engine's
// training notifier is wired here so a successful apply schedules an
// RSI-triggered retraining run.
func New(cfg *config.Config, engine *selfmod.Engine, coordinator *training.Coordinator, trail *audit.Log, logger *slog.Logger) *Service {
	store := metrics.NewStore(cfg.Detector.WindowSize)
	s := &Service{
		cfg:         cfg,
		logger:      logger.With("component", "core"),
		store:       store,
		detector:    metrics.NewDetector(store, cfg.Detector, logger),
		recognizer:  pattern.NewRecognizer(cfg.Patterns, logger),
		engine:      engine,
		coordinator: coordinator,
		trail:       trail,
		triggerCh:   make(chan metrics.Weakness, triggerBuffer),
		trainCh:     make(chan training.Trigger, 8),
	}

	engine.SetTrainingNotifier(func(reason string) {
		select {
		case s.trainCh <- training.Trigger{Kind: training.TriggerRSI, Reason: reason, At: time.Now()}:
		default:
			s.logger.Warn("training notification dropped, queue full")
		}
	})
	return s
}

// RecordMetric ingests one sample from the inference service. O(1), never
// blocks; called inline on the request path.
func (s *Service) RecordMetric(sample metrics.Sample) {
	s.store.Record(sample)
}

// RecordEvent appends one event to the pattern log. Same contract as
// RecordMetric.
func (s *Service) RecordEvent(ev pattern.Event) {
	s.recognizer.Record(ev)
}

// AddTrainingSamples forwards labeled samples to the coordinator buffer.
func (s *Service) AddTrainingSamples(batch []training.Sample) {
	s.coordinator.AddSamples(batch)
}

// GetWeaknesses computes the current weaknesses from both producers,
// without emitting into the trigger path.
func (s *Service) GetWeaknesses(limit int) []metrics.Weakness {
	weaknesses := s.currentWeaknesses()
	if limit > 0 && len(weaknesses) > limit {
		weaknesses = weaknesses[:limit]
	}
	return weaknesses
}

// GetPatterns returns detected patterns, optionally filtered by type.
func (s *Service) GetPatterns(filter pattern.Type) []pattern.Pattern {
	return s.recognizer.Patterns(filter)
}

// GetStats reflects the true last-known state of every component, including
// mid-failure.
func (s *Service) GetStats() Stats {
	s.mu.Lock()
	lastEmission := s.lastEmission
	dropped := s.dropped
	s.mu.Unlock()

	active, _ := s.coordinator.Active()
	return Stats{
		Metrics:         s.store.Stats(),
		Events:          s.recognizer.EventCount(),
		Patterns:        len(s.recognizer.Patterns("")),
		Proposals:       s.engine.StatusCounts(),
		Versions:        len(s.coordinator.Versions()),
		ActiveVersion:   active.Version,
		BufferedSamples: s.coordinator.BufferLen(),
		DroppedTriggers: dropped,
		LastEmission:    lastEmission,
	}
}

// RunRSICycle is the manual entry point: it pulls current weaknesses from
// both producers directly, bypassing the trigger channel and its cooldown.
func (s *Service) RunRSICycle(ctx context.Context) selfmod.RSIResult {
	return s.engine.RunCycle(ctx, s.currentWeaknesses(), s.store.TotalRecorded())
}

// Approve marks a tested proposal approved for apply.
func (s *Service) Approve(id string) error {
	return s.engine.Approve(id)
}

// Apply applies a tested proposal, subject to the risk policy.
func (s *Service) Apply(ctx context.Context, id string) error {
	return s.engine.Apply(ctx, id)
}

// Rollback reverts an applied proposal.
func (s *Service) Rollback(ctx context.Context, id string) error {
	return s.engine.Rollback(ctx, id)
}

// ListProposals returns all proposals in creation order.
func (s *Service) ListProposals() []selfmod.Proposal {
	return s.engine.List()
}

// TriggerTraining requests a training run. Returns the new version when the
// run completed, nil when gated or failed.
func (s *Service) TriggerTraining(ctx context.Context, trig training.Trigger) *training.ModelVersion {
	return s.coordinator.Trigger(ctx, trig)
}

// SwapToVersion manually activates a retained model version.
func (s *Service) SwapToVersion(ctx context.Context, version int) error {
	return s.coordinator.SwapToVersion(ctx, version)
}

// GetVersions returns all retained model versions.
func (s *Service) GetVersions() []training.ModelVersion {
	return s.coordinator.Versions()
}

// Audit returns the audit log for streaming consumers.
func (s *Service) Audit() *audit.Log {
	return s.trail
}

// Run starts the background loops and blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.detectorLoop(ctx) })
	g.Go(func() error { return s.patternLoop(ctx) })
	g.Go(func() error { return s.consumerLoop(ctx) })
	g.Go(func() error { return s.trainingDispatchLoop(ctx) })
	g.Go(func() error { return s.coordinator.Run(ctx) })

	s.logger.Info("control loop started",
		"monitor_interval", s.cfg.Detector.MonitorInterval(),
		"analysis_interval", s.cfg.Patterns.AnalysisInterval(),
		"cooldown", s.cfg.Detector.TriggerCooldown(),
	)
	return g.Wait()
}

func (s *Service) detectorLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Detector.MonitorInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.emit(s.detector.Evaluate())
		}
	}
}

func (s *Service) patternLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Patterns.AnalysisInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.recognizer.Analyze()
			s.emit(s.recognizer.Weaknesses(s.cfg.Patterns.ConfidenceThreshold))
		}
	}
}

// consumerLoop is the sole reader of the trigger channel, which keeps all
// proposal processing single-threaded.
func (s *Service) consumerLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case w := <-s.triggerCh:
			if s.store.TotalRecorded() < uint64(s.cfg.SelfMod.MinInferencesBeforeRSI) {
				s.logger.Debug("weakness dropped, not enough observations", "kind", w.Kind)
				continue
			}
			p := s.engine.ProcessWeakness(ctx, w)
			s.logger.Info("weakness processed", "kind", w.Kind, "proposal", p.ID, "status", p.Status)
		}
	}
}

func (s *Service) trainingDispatchLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case trig := <-s.trainCh:
			s.coordinator.Trigger(ctx, trig)
		}
	}
}

// emit pushes weaknesses into the trigger channel, gated by the global
// cooldown. Inside the cooldown window everything is discarded, not queued;
// on a full channel individual weaknesses are dropped and counted.
func (s *Service) emit(weaknesses []metrics.Weakness) {
	if len(weaknesses) == 0 {
		return
	}

	s.mu.Lock()
	now := time.Now()
	if !s.lastEmission.IsZero() && now.Sub(s.lastEmission) < s.cfg.Detector.TriggerCooldown() {
		s.mu.Unlock()
		s.logger.Debug("weaknesses discarded during cooldown", "count", len(weaknesses))
		return
	}
	s.lastEmission = now
	s.mu.Unlock()

	for _, w := range weaknesses {
		select {
		case s.triggerCh <- w:
		default:
			s.mu.Lock()
			s.dropped++
			s.mu.Unlock()
			s.logger.Warn("trigger channel full, weakness dropped", "kind", w.Kind)
		}
	}
}

// currentWeaknesses merges detector and pattern weaknesses for the pull
// paths (GetWeaknesses, RunRSICycle).
func (s *Service) currentWeaknesses() []metrics.Weakness {
	weaknesses := s.detector.Evaluate()
	return append(weaknesses, s.recognizer.Weaknesses(s.cfg.Patterns.ConfidenceThreshold)...)
}
