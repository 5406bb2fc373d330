package selfmod

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/clawinfra/vigil/internal/metrics"
)

// Playbook maps one weakness kind to a remediation family and base risk.
// Built-in defaults cover every kind; a playbook directory can override them.
type Playbook struct {
	Kind        metrics.WeaknessKind `yaml:"kind"`
	Family      Family               `yaml:"family"`
	Risk        RiskLevel            `yaml:"risk"`
	Description string               `yaml:"description"`
	Patch       string               `yaml:"patch,omitempty"`
}

// criticalSeverity is the severity at which a weakness is treated as
// safety-relevant and its proposal escalated to critical (manual approval).
const criticalSeverity = 0.9

// defaultPlaybooks is the fixed propose policy. Exhaustive over the weakness
// enum; the compiler-checked switch in playbookFor keeps it that way.
func defaultPlaybooks() map[metrics.WeaknessKind]Playbook {
	pbs := make(map[metrics.WeaknessKind]Playbook)
	for _, kind := range metrics.Kinds() {
		pbs[kind] = playbookFor(kind)
	}
	return pbs
}

func playbookFor(kind metrics.WeaknessKind) Playbook {
	switch kind {
	case metrics.KindLatencySpike:
		return Playbook{
			Kind:        kind,
			Family:      FamilyPerformance,
			Risk:        RiskMedium,
			Description: "reduce per-request latency: batch size, cache warmup, or execution-path tuning",
			Patch:       `{"action":"tune_performance","target":"latency"}`,
		}
	case metrics.KindThroughputDrop:
		return Playbook{
			Kind:        kind,
			Family:      FamilyPerformance,
			Risk:        RiskMedium,
			Description: "restore throughput: worker concurrency or queue sizing adjustment",
			Patch:       `{"action":"tune_performance","target":"throughput"}`,
		}
	case metrics.KindConfidenceDrop:
		return Playbook{
			Kind:        kind,
			Family:      FamilyConfidenceCalibration,
			Risk:        RiskMedium,
			Description: "recalibrate confidence scoring against the recent sample distribution",
			Patch:       `{"action":"recalibrate","target":"confidence"}`,
		}
	case metrics.KindConfidenceLow:
		return Playbook{
			Kind:        kind,
			Family:      FamilyConfidenceCalibration,
			Risk:        RiskLow,
			Description: "adjust confidence reporting thresholds and add calibration telemetry",
			Patch:       `{"action":"recalibrate","target":"confidence_floor"}`,
		}
	case metrics.KindErrorSpike:
		return Playbook{
			Kind:        kind,
			Family:      FamilyErrorHandling,
			Risk:        RiskMedium,
			Description: "tighten input validation and fallback handling on the prediction path",
			Patch:       `{"action":"harden","target":"prediction_error"}`,
		}
	case metrics.KindMemoryPressure:
		return Playbook{
			Kind:        kind,
			Family:      FamilyMemoryManagement,
			Risk:        RiskHigh,
			Description: "reduce resident memory: cache eviction, buffer shrink, or model offload",
			Patch:       `{"action":"reclaim_memory"}`,
		}
	case metrics.KindRecurringPattern:
		return Playbook{
			Kind:        kind,
			Family:      FamilyErrorHandling,
			Risk:        RiskLow,
			Description: "add targeted telemetry and guard logic for a recurring event pattern",
			Patch:       `{"action":"instrument","target":"recurring_pattern"}`,
		}
	default:
		// Unreachable for the closed enum; kept so a new kind fails visibly.
		return Playbook{
			Kind:        kind,
			Family:      FamilyErrorHandling,
			Risk:        RiskCritical,
			Description: fmt.Sprintf("no playbook for weakness kind %q", kind),
		}
	}
}

// LoadPlaybooks reads *.yaml overrides from dir on top of the defaults.
// A missing directory is not an error; the defaults stand.
func LoadPlaybooks(dir string) (map[metrics.WeaknessKind]Playbook, error) {
	pbs := defaultPlaybooks()
	if dir == "" {
		return pbs, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return pbs, nil
		}
		return nil, fmt.Errorf("read playbook dir: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read playbook %s: %w", name, err)
		}

		var loaded []Playbook
		if err := yaml.Unmarshal(data, &loaded); err != nil {
			return nil, fmt.Errorf("parse playbook %s: %w", name, err)
		}
		for _, pb := range loaded {
			if err := pb.validate(); err != nil {
				return nil, fmt.Errorf("playbook %s: %w", name, err)
			}
			pbs[pb.Kind] = pb
		}
	}
	return pbs, nil
}

func (pb Playbook) validate() error {
	if _, ok := defaultPlaybooks()[pb.Kind]; !ok {
		return fmt.Errorf("unknown weakness kind %q", pb.Kind)
	}
	switch pb.Risk {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
	default:
		return fmt.Errorf("unknown risk level %q", pb.Risk)
	}
	switch pb.Family {
	case FamilyErrorHandling, FamilyPerformance, FamilyConfidenceCalibration, FamilyMemoryManagement:
	default:
		return fmt.Errorf("unknown family %q", pb.Family)
	}
	if pb.Description == "" {
		return fmt.Errorf("description required")
	}
	return nil
}

// escalate bumps risk to critical for safety-relevant severity.
func escalate(base RiskLevel, severity float64) RiskLevel {
	if severity >= criticalSeverity {
		return RiskCritical
	}
	return base
}
