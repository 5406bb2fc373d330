// Package pattern maintains the bounded event log and detects recurring
// temporal, sequential, correlation, and cyclic patterns across it. Patterns
// are recomputed wholesale on each analysis pass; nothing is mutated
// incrementally.
package pattern

import "time"

// Event is one named occurrence pushed by any caller. Never mutated.
type Event struct {
	Timestamp time.Time         `json:"timestamp"`
	Type      string            `json:"event_type"`
	Severity  float64           `json:"severity"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Type classifies a detected pattern.
type Type string

const (
	Temporal    Type = "temporal"
	Sequential  Type = "sequential"
	Correlation Type = "correlation"
	Cyclic      Type = "cyclic"
)

// Pattern is one detected recurrence. Superseded patterns are replaced on the
// next analysis pass, not merged.
type Pattern struct {
	Type          Type       `json:"pattern_type"`
	Description   string     `json:"description"`
	Confidence    float64    `json:"confidence"`
	Occurrences   int        `json:"occurrences"`
	FirstSeen     time.Time  `json:"first_seen"`
	LastSeen      time.Time  `json:"last_seen"`
	AvgSeverity   float64    `json:"avg_severity"`
	NextPredicted *time.Time `json:"next_predicted,omitempty"`
	WeaknessTypes []string   `json:"weakness_types,omitempty"`
}

// knownCycles are the intervals a temporal pattern is matched against for
// cyclic reclassification, with per-cycle tolerance.
var knownCycles = []struct {
	name      string
	interval  time.Duration
	tolerance time.Duration
}{
	{"hourly", time.Hour, 600 * time.Second},
	{"daily", 24 * time.Hour, 3600 * time.Second},
	{"weekly", 7 * 24 * time.Hour, 7200 * time.Second},
}
