// Package metrics implements the rolling metric window and the weakness
// detector that watches it. The inference service pushes one Sample per
// completed unit of work; the detector periodically compares recent behavior
// against the baseline half of the window and emits Weakness records.
package metrics

import "time"

// Sample is one observation from the inference service. Immutable once recorded.
type Sample struct {
	Timestamp       time.Time `json:"timestamp"`
	LatencyMs       float64   `json:"latency_ms"`
	Confidence      float64   `json:"confidence"` // 0.0-1.0
	PredictionError float64   `json:"prediction_error"`
	MemoryPct       float64   `json:"memory_pct"` // 0.0-1.0
	Throughput      float64   `json:"throughput"`
}

// WeaknessKind is a closed enum of detectable deficiencies. Adding a kind
// means updating the propose/risk policy switches, which the compiler checks.
type WeaknessKind string

const (
	KindLatencySpike     WeaknessKind = "latency_spike"
	KindConfidenceDrop   WeaknessKind = "confidence_drop"
	KindConfidenceLow    WeaknessKind = "confidence_low"
	KindErrorSpike       WeaknessKind = "error_spike"
	KindMemoryPressure   WeaknessKind = "memory_pressure"
	KindThroughputDrop   WeaknessKind = "throughput_drop"
	KindRecurringPattern WeaknessKind = "recurring_pattern"
)

// Kinds lists every weakness kind, in a stable order.
func Kinds() []WeaknessKind {
	return []WeaknessKind{
		KindLatencySpike,
		KindConfidenceDrop,
		KindConfidenceLow,
		KindErrorSpike,
		KindMemoryPressure,
		KindThroughputDrop,
		KindRecurringPattern,
	}
}

// Weakness is a detected deficiency. Read-only once created; it is consumed
// by the self-modification engine within one control-loop iteration.
type Weakness struct {
	Kind        WeaknessKind `json:"kind"`
	Severity    float64      `json:"severity"` // 0.0-1.0
	Description string       `json:"description"`
	MetricValue float64      `json:"metric_value"`
	DetectedAt  time.Time    `json:"detected_at"`
}

// Stats summarizes the two halves of the current window.
type Stats struct {
	SampleCount     int     `json:"sample_count"`
	TotalRecorded   uint64  `json:"total_recorded"`
	BaselineLatency float64 `json:"baseline_latency_ms"`
	RecentLatency   float64 `json:"recent_latency_ms"`
	BaselineConf    float64 `json:"baseline_confidence"`
	RecentConf      float64 `json:"recent_confidence"`
	BaselineError   float64 `json:"baseline_error"`
	RecentError     float64 `json:"recent_error"`
	BaselineTput    float64 `json:"baseline_throughput"`
	RecentTput      float64 `json:"recent_throughput"`
	LatestMemoryPct float64 `json:"latest_memory_pct"`
	Valid           bool    `json:"valid"`
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func mean(samples []Sample, f func(Sample) float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range samples {
		sum += f(s)
	}
	return sum / float64(len(samples))
}
