package metrics

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/clawinfra/vigil/internal/config"
)

func testDetectorConfig() config.DetectorConfig {
	return config.Default().Detector
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fill records count samples built from the template, half baseline half recent.
func fill(store *Store, count int, f func(i int) Sample) {
	for i := 0; i < count; i++ {
		store.Record(f(i))
	}
}

func healthySample() Sample {
	return Sample{
		Timestamp:       time.Now(),
		LatencyMs:       100,
		Confidence:      0.9,
		PredictionError: 0.1,
		MemoryPct:       0.5,
		Throughput:      50,
	}
}

func TestStoreEviction(t *testing.T) {
	store := NewStore(60)
	for i := 0; i < 200; i++ {
		store.Record(healthySample())
	}
	if got := store.Len(); got != 60 {
		t.Fatalf("window size exceeded: got %d, want 60", got)
	}
	if got := store.TotalRecorded(); got != 200 {
		t.Errorf("total recorded = %d, want 200", got)
	}
}

func TestStoreSnapshotOrder(t *testing.T) {
	store := NewStore(10)
	for i := 0; i < 15; i++ {
		s := healthySample()
		s.LatencyMs = float64(i)
		store.Record(s)
	}
	snap := store.Snapshot()
	if len(snap) != 10 {
		t.Fatalf("snapshot len = %d, want 10", len(snap))
	}
	// Oldest surviving sample is #5, newest #14.
	if snap[0].LatencyMs != 5 || snap[9].LatencyMs != 14 {
		t.Errorf("snapshot out of order: first=%.0f last=%.0f", snap[0].LatencyMs, snap[9].LatencyMs)
	}
}

func TestColdStartGuard(t *testing.T) {
	store := NewStore(60)
	detector := NewDetector(store, testDetectorConfig(), testLogger())

	// 9 terrible samples: still below the 10-sample floor, nothing may fire.
	for i := 0; i < 9; i++ {
		store.Record(Sample{LatencyMs: 10000, Confidence: 0.1, PredictionError: 9, MemoryPct: 0.99, Throughput: 0.1})
	}
	if ws := detector.Evaluate(); ws != nil {
		t.Fatalf("expected no weaknesses before 10 samples, got %d", len(ws))
	}

	stats := store.Stats()
	if stats.Valid {
		t.Error("stats should not be valid before 10 samples")
	}
}

func TestLatencySpikeDetection(t *testing.T) {
	store := NewStore(20)
	detector := NewDetector(store, testDetectorConfig(), testLogger())

	// Baseline half: 100ms. Recent half: 5 samples at baseline+600ms.
	fill(store, 10, func(i int) Sample { return healthySample() })
	fill(store, 10, func(i int) Sample {
		s := healthySample()
		if i >= 5 {
			s.LatencyMs = 700
		}
		return s
	})

	ws := detector.Evaluate()
	found := findKind(ws, KindLatencySpike)
	if found == nil {
		t.Fatal("expected latency_spike weakness")
	}
	if found.Severity <= 0 || found.Severity > 1 {
		t.Errorf("severity out of range: %g", found.Severity)
	}
}

func TestLatencySpikeNeedsCount(t *testing.T) {
	cfg := testDetectorConfig()
	cfg.LatencySpikeCount = 3
	store := NewStore(20)
	detector := NewDetector(store, cfg, testLogger())

	// Only 2 spiking samples: below spike_count.
	fill(store, 18, func(i int) Sample { return healthySample() })
	for i := 0; i < 2; i++ {
		s := healthySample()
		s.LatencyMs = 2000
		store.Record(s)
	}

	if w := findKind(detector.Evaluate(), KindLatencySpike); w != nil {
		t.Error("latency_spike should not fire with fewer than spike_count exceedances")
	}
}

func TestConfidenceDrop(t *testing.T) {
	tests := []struct {
		name       string
		recentConf float64
		want       bool
	}{
		{"fires at 0.2 drop", 0.7, true},
		{"quiet at 0.1 drop", 0.8, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewStore(20)
			detector := NewDetector(store, testDetectorConfig(), testLogger())

			fill(store, 10, func(i int) Sample { return healthySample() }) // confidence 0.9
			fill(store, 10, func(i int) Sample {
				s := healthySample()
				s.Confidence = tt.recentConf
				return s
			})

			got := findKind(detector.Evaluate(), KindConfidenceDrop) != nil
			if got != tt.want {
				t.Errorf("confidence_drop fired=%v, want %v", got, tt.want)
			}
		})
	}
}

func TestConfidenceLowAbsolute(t *testing.T) {
	store := NewStore(20)
	detector := NewDetector(store, testDetectorConfig(), testLogger())

	// Both halves low: no drop relative to baseline, but below the 0.6 floor.
	fill(store, 20, func(i int) Sample {
		s := healthySample()
		s.Confidence = 0.5
		return s
	})

	ws := detector.Evaluate()
	if findKind(ws, KindConfidenceLow) == nil {
		t.Error("confidence_low should fire on absolute floor regardless of baseline")
	}
	if findKind(ws, KindConfidenceDrop) != nil {
		t.Error("confidence_drop should not fire without a relative drop")
	}
}

func TestErrorSpike(t *testing.T) {
	store := NewStore(20)
	detector := NewDetector(store, testDetectorConfig(), testLogger())

	fill(store, 10, func(i int) Sample { return healthySample() }) // error 0.1
	fill(store, 10, func(i int) Sample {
		s := healthySample()
		s.PredictionError = 0.2 // 100% over baseline
		return s
	})

	if findKind(detector.Evaluate(), KindErrorSpike) == nil {
		t.Error("error_spike should fire at 100% relative increase")
	}
}

func TestMemoryPressureUsesLatestSample(t *testing.T) {
	store := NewStore(20)
	detector := NewDetector(store, testDetectorConfig(), testLogger())

	fill(store, 19, func(i int) Sample { return healthySample() })
	s := healthySample()
	s.MemoryPct = 0.92
	store.Record(s)

	w := findKind(detector.Evaluate(), KindMemoryPressure)
	if w == nil {
		t.Fatal("memory_pressure should fire on the most recent sample")
	}
	if w.MetricValue != 0.92 {
		t.Errorf("metric value = %g, want 0.92", w.MetricValue)
	}
}

func TestThroughputDrop(t *testing.T) {
	store := NewStore(20)
	detector := NewDetector(store, testDetectorConfig(), testLogger())

	fill(store, 10, func(i int) Sample { return healthySample() }) // throughput 50
	fill(store, 10, func(i int) Sample {
		s := healthySample()
		s.Throughput = 30 // 40% drop
		return s
	})

	if findKind(detector.Evaluate(), KindThroughputDrop) == nil {
		t.Error("throughput_drop should fire at 40% relative decrease")
	}
}

func TestMultipleRulesFireIndependently(t *testing.T) {
	store := NewStore(20)
	detector := NewDetector(store, testDetectorConfig(), testLogger())

	fill(store, 10, func(i int) Sample { return healthySample() })
	fill(store, 10, func(i int) Sample {
		return Sample{
			LatencyMs:       700,
			Confidence:      0.5,
			PredictionError: 0.3,
			MemoryPct:       0.9,
			Throughput:      20,
		}
	})

	ws := detector.Evaluate()
	if len(ws) < 4 {
		t.Errorf("expected at least 4 independent weaknesses, got %d", len(ws))
	}
	for _, w := range ws {
		if w.Severity < 0 || w.Severity > 1 {
			t.Errorf("%s severity out of range: %g", w.Kind, w.Severity)
		}
	}
}

func findKind(ws []Weakness, kind WeaknessKind) *Weakness {
	for i := range ws {
		if ws[i].Kind == kind {
			return &ws[i]
		}
	}
	return nil
}
