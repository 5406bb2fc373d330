package training

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/clawinfra/vigil/internal/audit"
	"github.com/clawinfra/vigil/internal/config"
)

// Coordinator owns the sample buffer, the version list, and the active
// pointer. All three are single-writer under the coordinator mutex; a
// training run holds the run mutex so two triggers never train concurrently.
type Coordinator struct {
	cfg     config.TrainingConfig
	trainer Trainer
	loader  ModelLoader
	trail   *audit.Log
	logger  *slog.Logger

	runMu sync.Mutex // serializes training runs

	mu          sync.Mutex
	buffer      []Sample
	versions    []ModelVersion
	active      int // active version number, 0 = none
	nextVersion int
	latched     bool // sample-threshold trigger armed once per fill

	// autoCh carries the sample-threshold trigger to the Run loop. Buffered
	// size 1; AddSamples never blocks on it.
	autoCh chan Trigger
}

// NewCoordinator builds a Coordinator. The loader may be nil when the host
// has no hot-swap hook; swaps then only move the internal active pointer.
func NewCoordinator(cfg config.TrainingConfig, trainer Trainer, loader ModelLoader, trail *audit.Log, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		cfg:         cfg,
		trainer:     trainer,
		loader:      loader,
		trail:       trail,
		logger:      logger.With("component", "training"),
		nextVersion: 1,
		autoCh:      make(chan Trigger, 1),
	}
}

// AddSamples appends a batch to the buffer, evicting the oldest past the
// cap. O(batch); no I/O; safe to call from the inference request path.
// Crossing 2x the minimum sample count arms the sample-threshold trigger
// exactly once per fill; it re-arms only after the buffer drains below the
// minimum.
func (c *Coordinator) AddSamples(batch []Sample) {
	if len(batch) == 0 {
		return
	}

	c.mu.Lock()
	c.buffer = append(c.buffer, batch...)
	if over := len(c.buffer) - c.cfg.BufferCap; over > 0 {
		c.buffer = c.buffer[over:]
	}
	fire := !c.latched && len(c.buffer) >= 2*c.cfg.MinSamplesForTraining
	if fire {
		c.latched = true
	}
	c.mu.Unlock()

	if fire {
		select {
		case c.autoCh <- Trigger{Kind: TriggerSampleThreshold, At: time.Now()}:
		default:
		}
	}
}

// BufferLen reports the current number of buffered samples.
func (c *Coordinator) BufferLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffer)
}

// Trigger requests a training run. Below the minimum sample count the
// trigger is a logged no-op, except Manual which always runs. Returns the
// new version on success and nil when gated or failed; collaborator
// failures are contained here, visible via the audit trail.
func (c *Coordinator) Trigger(ctx context.Context, trig Trigger) *ModelVersion {
	c.mu.Lock()
	buffered := len(c.buffer)
	c.mu.Unlock()

	if trig.Kind != TriggerManual && buffered < c.cfg.MinSamplesForTraining {
		c.logger.Debug("training trigger gated",
			"trigger", trig.Kind,
			"buffered", buffered,
			"need", c.cfg.MinSamplesForTraining,
		)
		return nil
	}
	return c.runTraining(ctx, trig)
}

// runTraining executes one run: snapshot the batch, call the trainer with a
// bounded timeout, version the result. A failed run keeps the buffer so the
// samples are retried on the next trigger; a successful run drains it.
func (c *Coordinator) runTraining(ctx context.Context, trig Trigger) *ModelVersion {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	c.mu.Lock()
	batch := make([]Sample, len(c.buffer))
	copy(batch, c.buffer)
	c.mu.Unlock()

	// Oldest samples beyond the batch cap are dropped from the run, not
	// from the buffer.
	if len(batch) > c.cfg.MaxSamplesPerBatch {
		batch = batch[len(batch)-c.cfg.MaxSamplesPerBatch:]
	}

	runID := fmt.Sprintf("run-%d", time.Now().UnixNano())
	c.trail.Append(audit.EntityTrainingRun, runID, "", "started",
		fmt.Sprintf("trigger=%s samples=%d", trig.Kind, len(batch)))
	c.logger.Info("training run started", "trigger", trig.Kind, "samples", len(batch), "reason", trig.Reason)

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CollaboratorTimeout())
	defer cancel()

	result, err := c.trainer.Train(callCtx, batch)
	if err != nil {
		c.trail.Append(audit.EntityTrainingRun, runID, "started", "failed", err.Error())
		c.logger.Error("training run failed", "trigger", trig.Kind, "error", err)
		return nil
	}

	c.mu.Lock()
	v := ModelVersion{
		Version:            c.nextVersion,
		CreatedAt:          time.Now(),
		CheckpointRef:      result.CheckpointRef,
		SampleCount:        len(batch),
		TrainingLoss:       result.Loss,
		ValidationAccuracy: result.ValidationAccuracy,
		Trigger:            trig.Kind,
		Reason:             trig.Reason,
	}
	if cur := c.activeLocked(); cur != nil && cur.ValidationAccuracy > 0 {
		v.ImprovementPct = (result.ValidationAccuracy - cur.ValidationAccuracy) / cur.ValidationAccuracy * 100
	}
	c.nextVersion++
	c.versions = append(c.versions, v)
	c.pruneLocked()

	// Success drains the buffer and re-arms the sample-threshold trigger.
	c.buffer = c.buffer[:0]
	c.latched = false
	c.mu.Unlock()

	c.trail.Append(audit.EntityTrainingRun, runID, "started", "completed",
		fmt.Sprintf("version=%d accuracy=%.4f", v.Version, v.ValidationAccuracy))
	c.trail.Append(audit.EntityModelVersion, fmt.Sprintf("v%d", v.Version), "", "created",
		fmt.Sprintf("trigger=%s improvement=%.2f%%", trig.Kind, v.ImprovementPct))
	c.logger.Info("training run completed",
		"version", v.Version,
		"accuracy", v.ValidationAccuracy,
		"improvement_pct", v.ImprovementPct,
	)

	c.maybeSwap(ctx, v)

	out := v
	return &out
}

// maybeSwap activates the new version when auto-swap is on and improvement
// clears the threshold. The first version ever trained activates
// unconditionally under auto-swap, there being nothing to improve on.
func (c *Coordinator) maybeSwap(ctx context.Context, v ModelVersion) {
	if !c.cfg.AutoSwapModels {
		return
	}

	c.mu.Lock()
	hasActive := c.active != 0
	c.mu.Unlock()

	if hasActive && v.ImprovementPct < c.cfg.MinImprovementThreshold {
		c.logger.Info("new version retained but not activated",
			"version", v.Version,
			"improvement_pct", v.ImprovementPct,
			"threshold", c.cfg.MinImprovementThreshold,
		)
		return
	}
	if err := c.SwapToVersion(ctx, v.Version); err != nil {
		c.logger.Error("auto swap failed", "version", v.Version, "error", err)
	}
}

// SwapToVersion moves the active pointer to an existing version, calling
// the model loader first so a load failure never leaves a half-swapped
// pointer. Always available as a manual override, including rolling back to
// an older retained version.
func (c *Coordinator) SwapToVersion(ctx context.Context, version int) error {
	c.mu.Lock()
	target := c.findLocked(version)
	prev := c.active
	c.mu.Unlock()

	if target == nil {
		return fmt.Errorf("%w: %d", ErrVersionNotFound, version)
	}

	if c.loader != nil {
		if err := c.loader.Activate(ctx, target.CheckpointRef); err != nil {
			c.trail.Append(audit.EntityModelVersion, fmt.Sprintf("v%d", version),
				"inactive", "inactive", "activate failed: "+err.Error())
			return fmt.Errorf("activate version %d: %w", version, err)
		}
	}

	c.mu.Lock()
	c.active = version
	c.mu.Unlock()

	c.trail.Append(audit.EntityModelVersion, fmt.Sprintf("v%d", version),
		fmt.Sprintf("active=v%d", prev), fmt.Sprintf("active=v%d", version), "")
	c.logger.Info("model version activated", "version", version, "previous", prev)
	return nil
}

// Versions returns copies of all retained versions, oldest first, with the
// Active flag resolved.
func (c *Coordinator) Versions() []ModelVersion {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]ModelVersion, len(c.versions))
	copy(out, c.versions)
	for i := range out {
		out[i].Active = out[i].Version == c.active
	}
	return out
}

// Active returns the currently active version, if any.
func (c *Coordinator) Active() (ModelVersion, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v := c.activeLocked()
	if v == nil {
		return ModelVersion{}, false
	}
	out := *v
	out.Active = true
	return out, true
}

// Run executes the background loop: the retraining schedule plus the
// sample-threshold auto-trigger. Returns when ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	sched, err := newSchedule(c.cfg.Schedule)
	if err != nil {
		return fmt.Errorf("training schedule: %w", err)
	}

	var timerCh <-chan time.Time
	var timer *time.Timer
	if sched != nil {
		next := sched.next(time.Now())
		timer = time.NewTimer(time.Until(next))
		defer timer.Stop()
		timerCh = timer.C
		c.logger.Info("training schedule armed", "kind", c.cfg.Schedule.Kind, "next_run", next.Format(time.RFC3339))
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case trig := <-c.autoCh:
			c.Trigger(ctx, trig)
		case <-timerCh:
			c.Trigger(ctx, Trigger{Kind: TriggerScheduled, At: time.Now()})
			timer.Reset(time.Until(sched.next(time.Now())))
		}
	}
}

func (c *Coordinator) activeLocked() *ModelVersion {
	if c.active == 0 {
		return nil
	}
	return c.findLocked(c.active)
}

func (c *Coordinator) findLocked(version int) *ModelVersion {
	for i := range c.versions {
		if c.versions[i].Version == version {
			return &c.versions[i]
		}
	}
	return nil
}

// pruneLocked drops the oldest versions beyond the retention limit, skipping
// the active one. Caller holds c.mu.
func (c *Coordinator) pruneLocked() {
	for len(c.versions) > c.cfg.KeepLastNVersions {
		idx := -1
		for i := range c.versions {
			if c.versions[i].Version != c.active {
				idx = i
				break
			}
		}
		if idx < 0 {
			return
		}
		pruned := c.versions[idx]
		c.versions = append(c.versions[:idx], c.versions[idx+1:]...)
		c.trail.Append(audit.EntityModelVersion, fmt.Sprintf("v%d", pruned.Version),
			"retained", "pruned", "")
		c.logger.Debug("model version pruned", "version", pruned.Version)
	}
}
