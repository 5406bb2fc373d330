package pattern

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/clawinfra/vigil/internal/config"
	"github.com/clawinfra/vigil/internal/metrics"
)

const (
	minOccurrences = 3   // repeats before anything counts as a pattern
	maxIntervalCV  = 0.3 // stddev/mean ceiling for temporal regularity
	minSubsequence = 2   // shortest sequential subsequence
	maxSubsequence = 5   // longest sequential subsequence
	minPearson     = 0.7 // |r| floor for correlation patterns
	alignWindow    = 10 * time.Second
)

// Recognizer owns the bounded event log and recomputes all pattern families
// on each Analyze pass. Safe for one concurrent writer and one reader.
type Recognizer struct {
	cfg    config.PatternConfig
	logger *slog.Logger

	mu       sync.Mutex
	events   []Event
	patterns []Pattern // result of the last Analyze pass
}

// NewRecognizer creates a Recognizer with a bounded event log.
func NewRecognizer(cfg config.PatternConfig, logger *slog.Logger) *Recognizer {
	return &Recognizer{
		cfg:    cfg,
		logger: logger.With("component", "patterns"),
		events: make([]Event, 0, 256),
	}
}

// Record appends an event, evicting the oldest when the log is full. O(1)
// amortized; never blocks on I/O.
func (r *Recognizer) Record(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, ev)
	if len(r.events) > r.cfg.MaxEvents {
		excess := len(r.events) - r.cfg.MaxEvents
		r.events = r.events[excess:]
	}
}

// EventCount returns the number of events currently in the log.
func (r *Recognizer) EventCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// Analyze recomputes all four pattern families from the current log and
// replaces the previous result set.
func (r *Recognizer) Analyze() []Pattern {
	r.mu.Lock()
	events := make([]Event, len(r.events))
	copy(events, r.events)
	r.mu.Unlock()

	var patterns []Pattern
	patterns = append(patterns, r.temporalAndCyclic(events)...)
	patterns = append(patterns, r.sequential(events)...)
	patterns = append(patterns, r.correlation(events)...)

	r.mu.Lock()
	r.patterns = patterns
	r.mu.Unlock()

	r.logger.Debug("analysis complete", "events", len(events), "patterns", len(patterns))
	return patterns
}

// Patterns returns the result of the last analysis pass, optionally filtered
// by type (empty string = all).
func (r *Recognizer) Patterns(filter Type) []Pattern {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Pattern
	for _, p := range r.patterns {
		if filter == "" || p.Type == filter {
			out = append(out, p)
		}
	}
	return out
}

// Weaknesses translates high-confidence patterns from the last pass into
// synthetic recurring-pattern weaknesses for the trigger path.
func (r *Recognizer) Weaknesses(threshold float64) []metrics.Weakness {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []metrics.Weakness
	now := time.Now()
	for _, p := range r.patterns {
		if p.Confidence < threshold {
			continue
		}
		out = append(out, metrics.Weakness{
			Kind:        metrics.KindRecurringPattern,
			Severity:    clamp01(p.Confidence * p.AvgSeverity),
			Description: fmt.Sprintf("%s pattern: %s", p.Type, p.Description),
			MetricValue: p.Confidence,
			DetectedAt:  now,
		})
	}
	return out
}

// temporalAndCyclic groups events by type, measures inter-arrival regularity,
// and reclassifies temporal patterns matching a known cycle as cyclic.
func (r *Recognizer) temporalAndCyclic(events []Event) []Pattern {
	groups := make(map[string][]Event)
	for _, ev := range events {
		groups[ev.Type] = append(groups[ev.Type], ev)
	}

	var patterns []Pattern
	for typ, group := range groups {
		if len(group) < minOccurrences {
			continue
		}
		sort.Slice(group, func(i, j int) bool {
			return group[i].Timestamp.Before(group[j].Timestamp)
		})

		intervals := make([]float64, 0, len(group)-1)
		for i := 1; i < len(group); i++ {
			intervals = append(intervals, group[i].Timestamp.Sub(group[i-1].Timestamp).Seconds())
		}

		m := meanOf(intervals)
		if m <= 0 {
			continue
		}
		cv := stddevOf(intervals, m) / m
		if cv > maxIntervalCV {
			continue
		}

		last := group[len(group)-1].Timestamp
		next := last.Add(time.Duration(m * float64(time.Second)))
		meanInterval := time.Duration(m * float64(time.Second))

		p := Pattern{
			Type:        Temporal,
			Confidence:  clamp01(1 - cv),
			Occurrences: len(group),
			FirstSeen:   group[0].Timestamp,
			LastSeen:    last,
			AvgSeverity: avgSeverity(group),
			Description: fmt.Sprintf("%q recurs every %s (%d occurrences)",
				typ, meanInterval.Round(time.Second), len(group)),
			NextPredicted: &next,
			WeaknessTypes: []string{typ},
		}

		for _, cycle := range knownCycles {
			diff := meanInterval - cycle.interval
			if diff < 0 {
				diff = -diff
			}
			if diff <= cycle.tolerance {
				p.Type = Cyclic
				p.Description = fmt.Sprintf("%q follows a %s cycle (%d occurrences)",
					typ, cycle.name, len(group))
				break
			}
		}

		patterns = append(patterns, p)
	}
	return patterns
}

// sequential extracts contiguous subsequences of recent event-type tokens and
// reports those that repeat.
func (r *Recognizer) sequential(events []Event) []Pattern {
	window := r.cfg.SequenceWindow
	if len(events) < minSubsequence {
		return nil
	}
	start := 0
	if len(events) > window {
		start = len(events) - window
	}
	recent := events[start:]

	tokens := make([]string, len(recent))
	for i, ev := range recent {
		tokens[i] = ev.Type
	}

	counts := make(map[string]int)
	for length := minSubsequence; length <= maxSubsequence && length <= len(tokens); length++ {
		for i := 0; i+length <= len(tokens); i++ {
			key := strings.Join(tokens[i:i+length], "→")
			counts[key]++
		}
	}

	var patterns []Pattern
	for seq, n := range counts {
		if n < minOccurrences {
			continue
		}
		patterns = append(patterns, Pattern{
			Type:        Sequential,
			Confidence:  clamp01(float64(n) / 10.0),
			Occurrences: n,
			FirstSeen:   recent[0].Timestamp,
			LastSeen:    recent[len(recent)-1].Timestamp,
			AvgSeverity: avgSeverity(recent),
			Description: fmt.Sprintf("sequence [%s] repeated %d times", seq, n),
			WeaknessTypes: strings.Split(seq, "→"),
		})
	}
	return patterns
}

// correlation pairs numeric metadata series, aligns points within the align
// window, and reports strong Pearson correlations.
func (r *Recognizer) correlation(events []Event) []Pattern {
	type point struct {
		ts  time.Time
		val float64
	}
	series := make(map[string][]point)
	for _, ev := range events {
		for key, raw := range ev.Metadata {
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				continue
			}
			series[key] = append(series[key], point{ev.Timestamp, v})
		}
	}

	keys := make([]string, 0, len(series))
	for k := range series {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var patterns []Pattern
	for i := 0; i < len(keys); i++ {
		for j := i + 1; j < len(keys); j++ {
			a, b := series[keys[i]], series[keys[j]]

			var xs, ys []float64
			var first, last time.Time
			bi := 0
			for _, pa := range a {
				for bi < len(b) && pa.ts.Sub(b[bi].ts) > alignWindow {
					bi++
				}
				if bi >= len(b) {
					break
				}
				diff := b[bi].ts.Sub(pa.ts)
				if diff < 0 {
					diff = -diff
				}
				if diff > alignWindow {
					continue
				}
				xs = append(xs, pa.val)
				ys = append(ys, b[bi].val)
				if first.IsZero() || pa.ts.Before(first) {
					first = pa.ts
				}
				if pa.ts.After(last) {
					last = pa.ts
				}
				bi++
			}

			if len(xs) < minOccurrences {
				continue
			}
			rho := pearson(xs, ys)
			if math.Abs(rho) < minPearson {
				continue
			}

			direction := "positively"
			if rho < 0 {
				direction = "inversely"
			}
			patterns = append(patterns, Pattern{
				Type:        Correlation,
				Confidence:  clamp01(math.Abs(rho)),
				Occurrences: len(xs),
				FirstSeen:   first,
				LastSeen:    last,
				AvgSeverity: avgSeverity(events),
				Description: fmt.Sprintf("%q and %q %s correlated (r=%.2f over %d aligned samples)",
					keys[i], keys[j], direction, rho, len(xs)),
				WeaknessTypes: []string{keys[i], keys[j]},
			})
		}
	}
	return patterns
}

func pearson(xs, ys []float64) float64 {
	n := float64(len(xs))
	if n == 0 {
		return 0
	}
	mx, my := meanOf(xs), meanOf(ys)

	var cov, vx, vy float64
	for i := range xs {
		dx, dy := xs[i]-mx, ys[i]-my
		cov += dx * dy
		vx += dx * dx
		vy += dy * dy
	}
	if vx == 0 || vy == 0 {
		return 0
	}
	return cov / math.Sqrt(vx*vy)
}

func meanOf(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

func stddevOf(vals []float64, m float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var ss float64
	for _, v := range vals {
		d := v - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(vals)))
}

func avgSeverity(events []Event) float64 {
	if len(events) == 0 {
		return 0
	}
	sum := 0.0
	for _, ev := range events {
		sum += ev.Severity
	}
	return sum / float64(len(events))
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
