// Package selfmod turns detected weaknesses into risk-gated remediation
// proposals, runs them through a sandbox collaborator, applies them through a
// patcher collaborator, and supports rollback. Every state transition is
// audited.
package selfmod

import (
	"context"
	"errors"
	"time"

	"github.com/clawinfra/vigil/internal/metrics"
)

// Status is the proposal lifecycle state. Transitions are always forward
// except the explicit Applied -> RolledBack edge.
type Status string

const (
	StatusPending    Status = "pending"
	StatusTested     Status = "tested"
	StatusApplied    Status = "applied"
	StatusRejected   Status = "rejected"
	StatusRolledBack Status = "rolled_back"
)

// RiskLevel gates whether a proposal may auto-apply.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Family is the remediation category a proposal belongs to.
type Family string

const (
	FamilyErrorHandling         Family = "error_handling"
	FamilyPerformance           Family = "performance"
	FamilyConfidenceCalibration Family = "confidence_calibration"
	FamilyMemoryManagement      Family = "memory_management"
)

// Proposal is a candidate remediation. Retained indefinitely for audit;
// rollback is a terminal state on the same record, never a deletion.
type Proposal struct {
	ID            string               `json:"id"`
	Kind          metrics.WeaknessKind `json:"weakness_kind"`
	Family        Family               `json:"family"`
	Description   string               `json:"description"`
	Risk          RiskLevel            `json:"risk_level"`
	Patch         string               `json:"patch"` // opaque to the core
	Status        Status               `json:"status"`
	Approved      bool                 `json:"approved"`
	MeasuredDelta float64              `json:"measured_delta,omitempty"`
	LastError     string               `json:"last_error,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
	TestedAt      *time.Time           `json:"tested_at,omitempty"`
	AppliedAt     *time.Time           `json:"applied_at,omitempty"`
	RolledBackAt  *time.Time           `json:"rolled_back_at,omitempty"`
}

// TestOutcome is what the sandbox collaborator reports.
type TestOutcome struct {
	Pass          bool    `json:"pass"`
	MeasuredDelta float64 `json:"measured_delta"`
}

// Sandbox tests a proposal in isolation. It may be a real test runner or a
// simulation; it must enforce its own deadline and return rather than hang.
type Sandbox interface {
	Test(ctx context.Context, p *Proposal) (TestOutcome, error)
}

// Patcher applies and reverts proposals against whatever artifact the host
// chooses (source tree, config, running process).
type Patcher interface {
	Apply(ctx context.Context, p *Proposal) error
	Revert(ctx context.Context, p *Proposal) error
}

// RSIResult aggregates one improvement cycle.
type RSIResult struct {
	Evaluated int      `json:"evaluated"`
	Applied   int      `json:"applied"`
	Queued    int      `json:"queued"`
	Rejected  int      `json:"rejected"`
	Proposals []string `json:"proposal_ids,omitempty"`
}

var (
	// ErrNotFound is returned for unknown proposal ids, and for rollback of
	// anything that is not currently applied.
	ErrNotFound = errors.New("selfmod: proposal not found")
	// ErrInvalidState is returned when an operation is called outside its
	// allowed lifecycle state, e.g. apply on a pending proposal.
	ErrInvalidState = errors.New("selfmod: invalid proposal state")
	// ErrNotApproved is returned when applying a proposal whose risk level
	// requires explicit approval that has not been given.
	ErrNotApproved = errors.New("selfmod: proposal requires approval")
)
