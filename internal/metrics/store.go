package metrics

import (
	"sync"
	"time"
)

// minValidSamples is the cold-start guard: no statistic is valid and no
// weakness may be emitted before this many samples are in the window.
const minValidSamples = 10

// Store is a fixed-capacity rolling window of samples. One writer (the
// request path) and one reader (the evaluator) share it under a single mutex;
// Record is O(1) and never blocks on I/O.
type Store struct {
	mu      sync.Mutex
	samples []Sample
	head    int // index of the oldest sample
	size    int
	total   uint64 // samples ever recorded, for the RSI gate
}

// NewStore creates a Store holding at most windowSize samples.
// windowSize is validated by config before construction.
func NewStore(windowSize int) *Store {
	if windowSize < minValidSamples {
		windowSize = minValidSamples
	}
	return &Store{
		samples: make([]Sample, windowSize),
	}
}

// Record appends a sample, evicting the oldest when the window is full.
func (s *Store) Record(sample Sample) {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.size < len(s.samples) {
		s.samples[(s.head+s.size)%len(s.samples)] = sample
		s.size++
	} else {
		s.samples[s.head] = sample
		s.head = (s.head + 1) % len(s.samples)
	}
	s.total++
}

// Len returns the number of samples currently in the window.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// TotalRecorded returns the number of samples ever recorded.
func (s *Store) TotalRecorded() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// Snapshot returns the current window ordered oldest to newest.
func (s *Store) Snapshot() []Sample {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Sample, s.size)
	for i := 0; i < s.size; i++ {
		out[i] = s.samples[(s.head+i)%len(s.samples)]
	}
	return out
}

// Halves splits the current window into its baseline (first) and recent
// (second) halves. ok is false while the cold-start guard is in effect.
func (s *Store) Halves() (baseline, recent []Sample, ok bool) {
	snap := s.Snapshot()
	if len(snap) < minValidSamples {
		return nil, nil, false
	}
	mid := len(snap) / 2
	return snap[:mid], snap[mid:], true
}

// Stats computes baseline/recent means for each metric. Valid is false while
// the cold-start guard is in effect, in which case only counts are populated.
func (s *Store) Stats() Stats {
	baseline, recent, ok := s.Halves()

	s.mu.Lock()
	st := Stats{
		SampleCount:   s.size,
		TotalRecorded: s.total,
	}
	s.mu.Unlock()

	if !ok {
		return st
	}

	st.Valid = true
	st.BaselineLatency = mean(baseline, func(sm Sample) float64 { return sm.LatencyMs })
	st.RecentLatency = mean(recent, func(sm Sample) float64 { return sm.LatencyMs })
	st.BaselineConf = mean(baseline, func(sm Sample) float64 { return sm.Confidence })
	st.RecentConf = mean(recent, func(sm Sample) float64 { return sm.Confidence })
	st.BaselineError = mean(baseline, func(sm Sample) float64 { return sm.PredictionError })
	st.RecentError = mean(recent, func(sm Sample) float64 { return sm.PredictionError })
	st.BaselineTput = mean(baseline, func(sm Sample) float64 { return sm.Throughput })
	st.RecentTput = mean(recent, func(sm Sample) float64 { return sm.Throughput })
	st.LatestMemoryPct = recent[len(recent)-1].MemoryPct
	return st
}
