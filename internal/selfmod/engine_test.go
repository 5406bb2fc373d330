package selfmod

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/clawinfra/vigil/internal/audit"
	"github.com/clawinfra/vigil/internal/config"
	"github.com/clawinfra/vigil/internal/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testSelfModConfig() config.SelfModConfig {
	cfg := config.Default().SelfMod
	cfg.MinInferencesBeforeRSI = 0
	return cfg
}

// scriptedCollaborators lets each test dictate collaborator behavior.
type scriptedCollaborators struct {
	testOutcome TestOutcome
	testErr     error
	testDelay   time.Duration
	applyErr    error
	revertErr   error
	reverts     int
}

func (s *scriptedCollaborators) Test(ctx context.Context, p *Proposal) (TestOutcome, error) {
	if s.testDelay > 0 {
		select {
		case <-ctx.Done():
			return TestOutcome{}, ctx.Err()
		case <-time.After(s.testDelay):
		}
	}
	return s.testOutcome, s.testErr
}

func (s *scriptedCollaborators) Apply(ctx context.Context, p *Proposal) error {
	return s.applyErr
}

func (s *scriptedCollaborators) Revert(ctx context.Context, p *Proposal) error {
	s.reverts++
	return s.revertErr
}

func newTestEngine(t *testing.T, cfg config.SelfModConfig, collab *scriptedCollaborators) *Engine {
	t.Helper()
	trail := audit.NewMemory(100, testLogger())
	t.Cleanup(func() { trail.Close() })
	eng, err := NewEngine(cfg, collab, collab, trail, testLogger())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return eng
}

func latencyWeakness(severity float64) metrics.Weakness {
	return metrics.Weakness{
		Kind:        metrics.KindLatencySpike,
		Severity:    severity,
		Description: "mean exceedance 650ms over baseline",
		MetricValue: 650,
		DetectedAt:  time.Now(),
	}
}

func confidenceWeakness(severity float64) metrics.Weakness {
	return metrics.Weakness{
		Kind:        metrics.KindConfidenceLow,
		Severity:    severity,
		Description: "recent confidence 0.52 below floor 0.6",
		MetricValue: 0.52,
		DetectedAt:  time.Now(),
	}
}

func TestProposeAssignsPlaybookAndRisk(t *testing.T) {
	eng := newTestEngine(t, testSelfModConfig(), &scriptedCollaborators{})

	p := eng.Propose(latencyWeakness(0.5))
	if p.Status != StatusPending {
		t.Fatalf("status = %s, want pending", p.Status)
	}
	if p.Family != FamilyPerformance {
		t.Errorf("family = %s, want performance", p.Family)
	}
	if p.Risk != RiskMedium {
		t.Errorf("risk = %s, want medium", p.Risk)
	}
	if p.ID == "" || p.Patch == "" {
		t.Errorf("proposal missing id or patch: %+v", p)
	}
}

func TestSeverityEscalatesRiskToCritical(t *testing.T) {
	eng := newTestEngine(t, testSelfModConfig(), &scriptedCollaborators{})

	p := eng.Propose(latencyWeakness(0.95))
	if p.Risk != RiskCritical {
		t.Fatalf("risk = %s, want critical at severity 0.95", p.Risk)
	}
}

func TestApplyOnPendingIsInvalidState(t *testing.T) {
	eng := newTestEngine(t, testSelfModConfig(), &scriptedCollaborators{})
	p := eng.Propose(latencyWeakness(0.5))

	err := eng.Apply(context.Background(), p.ID)
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Apply on pending: err = %v, want ErrInvalidState", err)
	}
}

func TestTestFailureRejects(t *testing.T) {
	collab := &scriptedCollaborators{testOutcome: TestOutcome{Pass: false, MeasuredDelta: -0.2}}
	eng := newTestEngine(t, testSelfModConfig(), collab)
	p := eng.Propose(latencyWeakness(0.5))

	if err := eng.Test(context.Background(), p.ID); err != nil {
		t.Fatalf("Test: %v", err)
	}
	got, _ := eng.Get(p.ID)
	if got.Status != StatusRejected {
		t.Fatalf("status = %s, want rejected after failed sandbox test", got.Status)
	}
	if got.MeasuredDelta != -0.2 {
		t.Errorf("measured delta = %g, want -0.2", got.MeasuredDelta)
	}
}

func TestSandboxErrorRejects(t *testing.T) {
	collab := &scriptedCollaborators{testErr: errors.New("sandbox crashed")}
	eng := newTestEngine(t, testSelfModConfig(), collab)
	p := eng.Propose(latencyWeakness(0.5))

	if err := eng.Test(context.Background(), p.ID); err != nil {
		t.Fatalf("Test: %v", err)
	}
	got, _ := eng.Get(p.ID)
	if got.Status != StatusRejected {
		t.Fatalf("status = %s, want rejected after sandbox error", got.Status)
	}
	if got.LastError == "" {
		t.Error("LastError not recorded")
	}
}

func TestSandboxTimeoutRejects(t *testing.T) {
	cfg := testSelfModConfig()
	cfg.CollaboratorTimeoutMs = 20
	collab := &scriptedCollaborators{
		testDelay:   200 * time.Millisecond,
		testOutcome: TestOutcome{Pass: true},
	}
	eng := newTestEngine(t, cfg, collab)
	p := eng.Propose(latencyWeakness(0.5))

	if err := eng.Test(context.Background(), p.ID); err != nil {
		t.Fatalf("Test: %v", err)
	}
	got, _ := eng.Get(p.ID)
	if got.Status != StatusRejected {
		t.Fatalf("status = %s, want rejected after collaborator timeout", got.Status)
	}
}

func TestAutoApplyRespectsRiskGate(t *testing.T) {
	tests := []struct {
		name       string
		risk       RiskLevel
		lowAuto    bool
		mediumAuto bool
		wantAllow  bool
	}{
		{"low auto-applies when enabled", RiskLow, true, false, true},
		{"low refused when disabled", RiskLow, false, false, false},
		{"medium refused by default", RiskMedium, true, false, false},
		{"medium auto-applies when enabled", RiskMedium, true, true, true},
		{"high never auto-applies", RiskHigh, true, true, false},
		{"critical never auto-applies", RiskCritical, true, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testSelfModConfig()
			cfg.AutoApplyLowRisk = tt.lowAuto
			cfg.AutoApplyMediumRisk = tt.mediumAuto
			collab := &scriptedCollaborators{testOutcome: TestOutcome{Pass: true, MeasuredDelta: 0.1}}
			eng := newTestEngine(t, cfg, collab)

			p := eng.Propose(latencyWeakness(0.5))
			// Force the risk under test regardless of playbook defaults.
			eng.mu.Lock()
			eng.proposals[p.ID].Risk = tt.risk
			eng.mu.Unlock()

			if err := eng.Test(context.Background(), p.ID); err != nil {
				t.Fatalf("Test: %v", err)
			}
			err := eng.Apply(context.Background(), p.ID)
			got, _ := eng.Get(p.ID)
			if tt.wantAllow {
				if err != nil {
					t.Fatalf("Apply: %v, want success", err)
				}
				if got.Status != StatusApplied {
					t.Fatalf("status = %s, want applied", got.Status)
				}
			} else {
				if !errors.Is(err, ErrNotApproved) {
					t.Fatalf("Apply: err = %v, want ErrNotApproved", err)
				}
				if got.Status != StatusTested {
					t.Fatalf("status = %s, want tested (queued)", got.Status)
				}
			}
		})
	}
}

func TestApproveUnlocksHighRiskApply(t *testing.T) {
	collab := &scriptedCollaborators{testOutcome: TestOutcome{Pass: true, MeasuredDelta: 0.1}}
	eng := newTestEngine(t, testSelfModConfig(), collab)

	p := eng.Propose(latencyWeakness(0.95)) // critical
	if err := eng.Test(context.Background(), p.ID); err != nil {
		t.Fatalf("Test: %v", err)
	}
	if err := eng.Apply(context.Background(), p.ID); !errors.Is(err, ErrNotApproved) {
		t.Fatalf("Apply before approve: err = %v, want ErrNotApproved", err)
	}
	if err := eng.Approve(p.ID); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if err := eng.Apply(context.Background(), p.ID); err != nil {
		t.Fatalf("Apply after approve: %v", err)
	}
	got, _ := eng.Get(p.ID)
	if got.Status != StatusApplied || got.AppliedAt == nil {
		t.Fatalf("proposal not applied: %+v", got)
	}
}

func TestPatcherFailureLeavesTested(t *testing.T) {
	collab := &scriptedCollaborators{
		testOutcome: TestOutcome{Pass: true, MeasuredDelta: 0.1},
		applyErr:    errors.New("disk full"),
	}
	eng := newTestEngine(t, testSelfModConfig(), collab)

	p := eng.Propose(confidenceWeakness(0.1)) // low risk, auto-apply on
	if err := eng.Test(context.Background(), p.ID); err != nil {
		t.Fatalf("Test: %v", err)
	}
	err := eng.Apply(context.Background(), p.ID)
	if err == nil {
		t.Fatal("Apply succeeded despite patcher failure")
	}
	got, _ := eng.Get(p.ID)
	if got.Status != StatusTested {
		t.Fatalf("status = %s, want tested after patcher failure", got.Status)
	}
	if got.LastError == "" {
		t.Error("LastError not recorded")
	}
}

func TestRollbackRevertsExactlyOnce(t *testing.T) {
	collab := &scriptedCollaborators{testOutcome: TestOutcome{Pass: true, MeasuredDelta: 0.1}}
	eng := newTestEngine(t, testSelfModConfig(), collab)

	p := eng.Propose(confidenceWeakness(0.1))
	if err := eng.Test(context.Background(), p.ID); err != nil {
		t.Fatalf("Test: %v", err)
	}
	if err := eng.Apply(context.Background(), p.ID); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if err := eng.Rollback(context.Background(), p.ID); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	got, _ := eng.Get(p.ID)
	if got.Status != StatusRolledBack || got.RolledBackAt == nil {
		t.Fatalf("proposal not rolled back: %+v", got)
	}

	// Second rollback must not reach the patcher again.
	if err := eng.Rollback(context.Background(), p.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double rollback: err = %v, want ErrNotFound", err)
	}
	if collab.reverts != 1 {
		t.Fatalf("revert called %d times, want 1", collab.reverts)
	}
}

func TestRollbackFailureLeavesApplied(t *testing.T) {
	collab := &scriptedCollaborators{
		testOutcome: TestOutcome{Pass: true, MeasuredDelta: 0.1},
		revertErr:   errors.New("revert hook unreachable"),
	}
	eng := newTestEngine(t, testSelfModConfig(), collab)

	p := eng.Propose(confidenceWeakness(0.1))
	if err := eng.Test(context.Background(), p.ID); err != nil {
		t.Fatalf("Test: %v", err)
	}
	if err := eng.Apply(context.Background(), p.ID); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if err := eng.Rollback(context.Background(), p.ID); err == nil {
		t.Fatal("Rollback succeeded despite revert failure")
	}
	got, _ := eng.Get(p.ID)
	if got.Status != StatusApplied {
		t.Fatalf("status = %s, want applied after failed revert", got.Status)
	}
}

func TestRollbackUnknownID(t *testing.T) {
	eng := newTestEngine(t, testSelfModConfig(), &scriptedCollaborators{})
	if err := eng.Rollback(context.Background(), "no-such-id"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRunCycleObservationGate(t *testing.T) {
	cfg := testSelfModConfig()
	cfg.MinInferencesBeforeRSI = 100
	eng := newTestEngine(t, cfg, &scriptedCollaborators{testOutcome: TestOutcome{Pass: true}})

	result := eng.RunCycle(context.Background(), []metrics.Weakness{latencyWeakness(0.5)}, 99)
	if result.Evaluated != 0 {
		t.Fatalf("evaluated %d weaknesses below the observation gate", result.Evaluated)
	}
	if len(eng.List()) != 0 {
		t.Fatal("proposals created below the observation gate")
	}

	result = eng.RunCycle(context.Background(), []metrics.Weakness{latencyWeakness(0.5)}, 100)
	if result.Evaluated != 1 {
		t.Fatalf("evaluated = %d at the gate boundary, want 1", result.Evaluated)
	}
}

func TestRunCycleRanksAndCaps(t *testing.T) {
	cfg := testSelfModConfig()
	cfg.MaxWeaknessesPerCycle = 2
	collab := &scriptedCollaborators{testOutcome: TestOutcome{Pass: true, MeasuredDelta: 0.1}}
	eng := newTestEngine(t, cfg, collab)

	weaknesses := []metrics.Weakness{
		{Kind: metrics.KindConfidenceLow, Severity: 0.2, DetectedAt: time.Now()},
		{Kind: metrics.KindLatencySpike, Severity: 0.8, DetectedAt: time.Now()},
		{Kind: metrics.KindErrorSpike, Severity: 0.5, DetectedAt: time.Now()},
	}
	result := eng.RunCycle(context.Background(), weaknesses, 1000)
	if result.Evaluated != 2 {
		t.Fatalf("evaluated = %d, want cap of 2", result.Evaluated)
	}

	proposals := eng.List()
	if len(proposals) != 2 {
		t.Fatalf("got %d proposals, want 2", len(proposals))
	}
	if proposals[0].Kind != metrics.KindLatencySpike {
		t.Errorf("first proposal kind = %s, want highest-severity latency_spike", proposals[0].Kind)
	}
	if proposals[1].Kind != metrics.KindErrorSpike {
		t.Errorf("second proposal kind = %s, want error_spike", proposals[1].Kind)
	}
}

func TestRunCycleCountsOutcomes(t *testing.T) {
	cfg := testSelfModConfig()
	cfg.AutoApplyLowRisk = true
	cfg.AutoApplyMediumRisk = false
	collab := &scriptedCollaborators{testOutcome: TestOutcome{Pass: true, MeasuredDelta: 0.1}}
	eng := newTestEngine(t, cfg, collab)

	weaknesses := []metrics.Weakness{
		{Kind: metrics.KindConfidenceLow, Severity: 0.3, DetectedAt: time.Now()}, // low -> applied
		{Kind: metrics.KindLatencySpike, Severity: 0.5, DetectedAt: time.Now()},  // medium -> queued
	}
	result := eng.RunCycle(context.Background(), weaknesses, 1000)
	if result.Applied != 1 || result.Queued != 1 || result.Rejected != 0 {
		t.Fatalf("result = %+v, want 1 applied, 1 queued", result)
	}
}

func TestApplyNotifiesTraining(t *testing.T) {
	collab := &scriptedCollaborators{testOutcome: TestOutcome{Pass: true, MeasuredDelta: 0.1}}
	eng := newTestEngine(t, testSelfModConfig(), collab)

	var reason string
	eng.SetTrainingNotifier(func(r string) { reason = r })

	p := eng.Propose(confidenceWeakness(0.1))
	if err := eng.Test(context.Background(), p.ID); err != nil {
		t.Fatalf("Test: %v", err)
	}
	if err := eng.Apply(context.Background(), p.ID); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if reason == "" {
		t.Fatal("training notifier not called on apply")
	}
}

func TestAuditTrailRecordsTransitions(t *testing.T) {
	trail := audit.NewMemory(100, testLogger())
	defer trail.Close()
	collab := &scriptedCollaborators{testOutcome: TestOutcome{Pass: true, MeasuredDelta: 0.1}}
	eng, err := NewEngine(testSelfModConfig(), collab, collab, trail, testLogger())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	p := eng.Propose(confidenceWeakness(0.1))
	if err := eng.Test(context.Background(), p.ID); err != nil {
		t.Fatalf("Test: %v", err)
	}
	if err := eng.Apply(context.Background(), p.ID); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := eng.Rollback(context.Background(), p.ID); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	records := trail.ForEntity(audit.EntityProposal, p.ID)
	if len(records) != 4 {
		t.Fatalf("got %d audit records, want 4 (created/tested/applied/rolled_back)", len(records))
	}
	last := records[len(records)-1]
	if last.From != string(StatusApplied) || last.To != string(StatusRolledBack) {
		t.Errorf("last transition %s -> %s, want applied -> rolled_back", last.From, last.To)
	}
}

func TestPlaybookOverrideFromYAML(t *testing.T) {
	dir := t.TempDir()
	doc := fmt.Sprintf(`- kind: %s
  family: %s
  risk: %s
  description: pin the inference arena and disable the lazy allocator
  patch: '{"action":"pin_arena"}'
`, metrics.KindMemoryPressure, FamilyMemoryManagement, RiskLow)
	if err := os.WriteFile(filepath.Join(dir, "memory.yaml"), []byte(doc), 0o644); err != nil {
		t.Fatalf("write playbook: %v", err)
	}

	pbs, err := LoadPlaybooks(dir)
	if err != nil {
		t.Fatalf("LoadPlaybooks: %v", err)
	}
	got := pbs[metrics.KindMemoryPressure]
	if got.Risk != RiskLow {
		t.Errorf("override risk = %s, want low", got.Risk)
	}
	if got.Patch != `{"action":"pin_arena"}` {
		t.Errorf("override patch = %q", got.Patch)
	}
	// Untouched kinds keep their defaults.
	if pbs[metrics.KindLatencySpike].Family != FamilyPerformance {
		t.Errorf("latency playbook lost its default")
	}
}

func TestPlaybookRejectsUnknownKind(t *testing.T) {
	dir := t.TempDir()
	doc := "- kind: made_up_kind\n  family: performance\n  risk: low\n  description: x\n"
	if err := os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte(doc), 0o644); err != nil {
		t.Fatalf("write playbook: %v", err)
	}
	if _, err := LoadPlaybooks(dir); err == nil {
		t.Fatal("LoadPlaybooks accepted an unknown weakness kind")
	}
}

func TestMissingPlaybookDirUsesDefaults(t *testing.T) {
	pbs, err := LoadPlaybooks("/nonexistent/playbooks")
	if err != nil {
		t.Fatalf("LoadPlaybooks: %v", err)
	}
	if len(pbs) != len(metrics.Kinds()) {
		t.Fatalf("got %d playbooks, want one per weakness kind", len(pbs))
	}
}
