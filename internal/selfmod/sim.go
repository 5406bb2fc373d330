package selfmod

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
)

// SimProfile configures the simulated collaborators, keyed by remediation
// family. Loaded from a TOML file so test and demo deployments can script
// sandbox behavior without code changes.
type SimProfile struct {
	Latency  string                     `toml:"latency,omitempty"`
	Families map[string]SimFamilyConfig `toml:"families"`
}

// SimFamilyConfig scripts the outcome for proposals of one family.
type SimFamilyConfig struct {
	Pass      bool    `toml:"pass"`
	Delta     float64 `toml:"delta"`
	FailApply bool    `toml:"fail_apply"`
}

// DefaultSimProfile passes everything with a modest measured improvement.
func DefaultSimProfile() SimProfile {
	return SimProfile{
		Families: map[string]SimFamilyConfig{
			string(FamilyErrorHandling):         {Pass: true, Delta: 0.05},
			string(FamilyPerformance):           {Pass: true, Delta: 0.10},
			string(FamilyConfidenceCalibration): {Pass: true, Delta: 0.04},
			string(FamilyMemoryManagement):      {Pass: true, Delta: 0.08},
		},
	}
}

// LoadSimProfile reads a profile from a TOML file. An empty path returns
// the default profile.
func LoadSimProfile(path string) (SimProfile, error) {
	if path == "" {
		return DefaultSimProfile(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return SimProfile{}, fmt.Errorf("read sim profile: %w", err)
	}
	profile := DefaultSimProfile()
	if err := toml.Unmarshal(data, &profile); err != nil {
		return SimProfile{}, fmt.Errorf("parse sim profile: %w", err)
	}
	return profile, nil
}

// SimCollaborators implements Sandbox and Patcher against an in-memory model
// of the host. Used by the default binary and in tests; a real deployment
// substitutes its own collaborators.
type SimCollaborators struct {
	profile SimProfile
	latency time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	applied map[string]bool // proposal id -> currently applied
}

// NewSimCollaborators builds the simulated sandbox/patcher pair.
func NewSimCollaborators(profile SimProfile, logger *slog.Logger) (*SimCollaborators, error) {
	var latency time.Duration
	if profile.Latency != "" {
		d, err := time.ParseDuration(profile.Latency)
		if err != nil {
			return nil, fmt.Errorf("sim profile latency: %w", err)
		}
		latency = d
	}
	return &SimCollaborators{
		profile: profile,
		latency: latency,
		logger:  logger.With("component", "sim"),
		applied: make(map[string]bool),
	}, nil
}

func (s *SimCollaborators) familyConfig(family Family) SimFamilyConfig {
	if fc, ok := s.profile.Families[string(family)]; ok {
		return fc
	}
	return SimFamilyConfig{Pass: true, Delta: 0.02}
}

// wait simulates collaborator latency while honoring the caller's deadline.
func (s *SimCollaborators) wait(ctx context.Context) error {
	if s.latency <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(s.latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Test implements Sandbox.
func (s *SimCollaborators) Test(ctx context.Context, p *Proposal) (TestOutcome, error) {
	if err := s.wait(ctx); err != nil {
		return TestOutcome{}, err
	}
	fc := s.familyConfig(p.Family)
	s.logger.Debug("sandbox test", "id", p.ID, "family", p.Family, "pass", fc.Pass)
	return TestOutcome{Pass: fc.Pass, MeasuredDelta: fc.Delta}, nil
}

// Apply implements Patcher.
func (s *SimCollaborators) Apply(ctx context.Context, p *Proposal) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	if s.familyConfig(p.Family).FailApply {
		return fmt.Errorf("sim: apply scripted to fail for family %s", p.Family)
	}
	s.mu.Lock()
	s.applied[p.ID] = true
	s.mu.Unlock()
	s.logger.Debug("patch applied", "id", p.ID)
	return nil
}

// Revert implements Patcher. Reverting a patch that was never applied is an
// error so the engine's single-revert invariant is checkable in tests.
func (s *SimCollaborators) Revert(ctx context.Context, p *Proposal) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.applied[p.ID] {
		return fmt.Errorf("sim: revert of unapplied patch %s", p.ID)
	}
	delete(s.applied, p.ID)
	s.logger.Debug("patch reverted", "id", p.ID)
	return nil
}

// AppliedCount reports how many patches are currently live in the simulation.
func (s *SimCollaborators) AppliedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.applied)
}
