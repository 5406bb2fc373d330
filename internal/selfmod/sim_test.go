package selfmod

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadSimProfileTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sandbox.toml")
	doc := `latency = "5ms"

[families.performance]
pass = true
delta = 0.25

[families.memory_management]
pass = false
delta = -0.1
fail_apply = true
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write profile: %v", err)
	}

	profile, err := LoadSimProfile(path)
	if err != nil {
		t.Fatalf("LoadSimProfile: %v", err)
	}
	if profile.Latency != "5ms" {
		t.Errorf("latency = %q, want 5ms", profile.Latency)
	}
	perf := profile.Families[string(FamilyPerformance)]
	if !perf.Pass || perf.Delta != 0.25 {
		t.Errorf("performance family = %+v", perf)
	}
	mem := profile.Families[string(FamilyMemoryManagement)]
	if mem.Pass || !mem.FailApply {
		t.Errorf("memory family = %+v", mem)
	}
	// Families absent from the file keep their defaults.
	if eh := profile.Families[string(FamilyErrorHandling)]; !eh.Pass {
		t.Errorf("error_handling family lost its default: %+v", eh)
	}
}

func TestSimCollaboratorsScriptedOutcomes(t *testing.T) {
	profile := DefaultSimProfile()
	profile.Families[string(FamilyPerformance)] = SimFamilyConfig{Pass: false, Delta: -0.3}
	profile.Families[string(FamilyMemoryManagement)] = SimFamilyConfig{Pass: true, Delta: 0.1, FailApply: true}

	sim, err := NewSimCollaborators(profile, testLogger())
	if err != nil {
		t.Fatalf("NewSimCollaborators: %v", err)
	}
	ctx := context.Background()

	perf := &Proposal{ID: "p1", Family: FamilyPerformance}
	outcome, err := sim.Test(ctx, perf)
	if err != nil {
		t.Fatalf("Test: %v", err)
	}
	if outcome.Pass || outcome.MeasuredDelta != -0.3 {
		t.Errorf("performance outcome = %+v", outcome)
	}

	mem := &Proposal{ID: "p2", Family: FamilyMemoryManagement}
	if err := sim.Apply(ctx, mem); err == nil {
		t.Fatal("Apply succeeded for a family scripted to fail")
	}
}

func TestSimCollaboratorsApplyRevert(t *testing.T) {
	sim, err := NewSimCollaborators(DefaultSimProfile(), testLogger())
	if err != nil {
		t.Fatalf("NewSimCollaborators: %v", err)
	}
	ctx := context.Background()
	p := &Proposal{ID: "p1", Family: FamilyErrorHandling}

	if err := sim.Revert(ctx, p); err == nil {
		t.Fatal("Revert of an unapplied patch succeeded")
	}
	if err := sim.Apply(ctx, p); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if sim.AppliedCount() != 1 {
		t.Fatalf("applied count = %d, want 1", sim.AppliedCount())
	}
	if err := sim.Revert(ctx, p); err != nil {
		t.Fatalf("Revert: %v", err)
	}
	if sim.AppliedCount() != 0 {
		t.Fatalf("applied count = %d after revert, want 0", sim.AppliedCount())
	}
}
