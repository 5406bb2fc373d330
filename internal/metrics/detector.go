package metrics

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/clawinfra/vigil/internal/config"
)

// Detector evaluates the metric window against configured thresholds and
// produces Weakness records. It holds no emission state: the coordinating
// loop owns the timer, the cooldown gate, and the trigger channel.
type Detector struct {
	store  *Store
	cfg    config.DetectorConfig
	logger *slog.Logger
}

// NewDetector creates a Detector over the given store.
func NewDetector(store *Store, cfg config.DetectorConfig, logger *slog.Logger) *Detector {
	return &Detector{
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "detector"),
	}
}

// Evaluate runs every rule against the current window. Each rule fires
// independently, so one pass may yield several weaknesses. Returns nil while
// the cold-start guard is in effect.
func (d *Detector) Evaluate() []Weakness {
	baseline, recent, ok := d.store.Halves()
	if !ok {
		return nil
	}

	now := time.Now()
	var found []Weakness

	if w, ok := d.checkLatencySpike(baseline, recent, now); ok {
		found = append(found, w)
	}
	if w, ok := d.checkConfidenceDrop(baseline, recent, now); ok {
		found = append(found, w)
	}
	if w, ok := d.checkConfidenceLow(recent, now); ok {
		found = append(found, w)
	}
	if w, ok := d.checkErrorSpike(baseline, recent, now); ok {
		found = append(found, w)
	}
	if w, ok := d.checkMemoryPressure(recent, now); ok {
		found = append(found, w)
	}
	if w, ok := d.checkThroughputDrop(baseline, recent, now); ok {
		found = append(found, w)
	}

	if len(found) > 0 {
		d.logger.Debug("weaknesses detected", "count", len(found))
	}
	return found
}

// checkLatencySpike fires when at least spikeCount recent samples exceed the
// baseline mean by the configured threshold.
func (d *Detector) checkLatencySpike(baseline, recent []Sample, now time.Time) (Weakness, bool) {
	baseLat := mean(baseline, func(s Sample) float64 { return s.LatencyMs })
	limit := baseLat + d.cfg.LatencyThresholdMs

	count := 0
	exceedSum := 0.0
	for _, s := range recent {
		if s.LatencyMs > limit {
			count++
			exceedSum += s.LatencyMs
		}
	}
	if count < d.cfg.LatencySpikeCount {
		return Weakness{}, false
	}

	exceedMean := exceedSum / float64(count)
	severity := clamp01((exceedMean - limit) / d.cfg.LatencyThresholdMs)
	return Weakness{
		Kind:     KindLatencySpike,
		Severity: severity,
		Description: fmt.Sprintf("%d recent samples above %.0fms (baseline %.0fms)",
			count, limit, baseLat),
		MetricValue: exceedMean,
		DetectedAt:  now,
	}, true
}

func (d *Detector) checkConfidenceDrop(baseline, recent []Sample, now time.Time) (Weakness, bool) {
	baseConf := mean(baseline, func(s Sample) float64 { return s.Confidence })
	recentConf := mean(recent, func(s Sample) float64 { return s.Confidence })

	drop := baseConf - recentConf
	if drop < d.cfg.ConfidenceDropThreshold {
		return Weakness{}, false
	}

	return Weakness{
		Kind:     KindConfidenceDrop,
		Severity: clamp01(drop / (2 * d.cfg.ConfidenceDropThreshold)),
		Description: fmt.Sprintf("confidence dropped %.3f (baseline %.3f, recent %.3f)",
			drop, baseConf, recentConf),
		MetricValue: recentConf,
		DetectedAt:  now,
	}, true
}

// checkConfidenceLow is an absolute floor, independent of the baseline.
func (d *Detector) checkConfidenceLow(recent []Sample, now time.Time) (Weakness, bool) {
	recentConf := mean(recent, func(s Sample) float64 { return s.Confidence })
	if recentConf >= d.cfg.ConfidenceFloor {
		return Weakness{}, false
	}

	return Weakness{
		Kind:     KindConfidenceLow,
		Severity: clamp01(2 * (d.cfg.ConfidenceFloor - recentConf) / d.cfg.ConfidenceFloor),
		Description: fmt.Sprintf("recent confidence %.3f below floor %.2f",
			recentConf, d.cfg.ConfidenceFloor),
		MetricValue: recentConf,
		DetectedAt:  now,
	}, true
}

func (d *Detector) checkErrorSpike(baseline, recent []Sample, now time.Time) (Weakness, bool) {
	baseErr := mean(baseline, func(s Sample) float64 { return s.PredictionError })
	recentErr := mean(recent, func(s Sample) float64 { return s.PredictionError })

	if baseErr <= 0 {
		return Weakness{}, false
	}
	ratio := (recentErr - baseErr) / baseErr
	if ratio < d.cfg.ErrorSpikeRatio {
		return Weakness{}, false
	}

	return Weakness{
		Kind:     KindErrorSpike,
		Severity: clamp01(ratio / (2 * d.cfg.ErrorSpikeRatio)),
		Description: fmt.Sprintf("prediction error up %.0f%% (baseline %.4f, recent %.4f)",
			ratio*100, baseErr, recentErr),
		MetricValue: recentErr,
		DetectedAt:  now,
	}, true
}

// checkMemoryPressure looks only at the most recent sample: memory is a
// level, not a trend.
func (d *Detector) checkMemoryPressure(recent []Sample, now time.Time) (Weakness, bool) {
	latest := recent[len(recent)-1].MemoryPct
	if latest < d.cfg.MemoryPressurePct {
		return Weakness{}, false
	}

	return Weakness{
		Kind:     KindMemoryPressure,
		Severity: clamp01((latest - d.cfg.MemoryPressurePct) / (1 - d.cfg.MemoryPressurePct)),
		Description: fmt.Sprintf("memory at %.0f%% (threshold %.0f%%)",
			latest*100, d.cfg.MemoryPressurePct*100),
		MetricValue: latest,
		DetectedAt:  now,
	}, true
}

func (d *Detector) checkThroughputDrop(baseline, recent []Sample, now time.Time) (Weakness, bool) {
	baseTput := mean(baseline, func(s Sample) float64 { return s.Throughput })
	recentTput := mean(recent, func(s Sample) float64 { return s.Throughput })

	if baseTput <= 0 {
		return Weakness{}, false
	}
	drop := (baseTput - recentTput) / baseTput
	if drop < d.cfg.ThroughputDropRatio {
		return Weakness{}, false
	}

	return Weakness{
		Kind:     KindThroughputDrop,
		Severity: clamp01(drop / (2 * d.cfg.ThroughputDropRatio)),
		Description: fmt.Sprintf("throughput down %.0f%% (baseline %.1f, recent %.1f)",
			drop*100, baseTput, recentTput),
		MetricValue: recentTput,
		DetectedAt:  now,
	}, true
}
