package selfmod

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clawinfra/vigil/internal/audit"
	"github.com/clawinfra/vigil/internal/config"
	"github.com/clawinfra/vigil/internal/metrics"
)

// Engine owns the proposal list and its state machine. Apply and rollback on
// a given proposal are serialized by the engine mutex; collaborator calls run
// with a bounded timeout so a hung sandbox cannot stall the loop forever.
type Engine struct {
	cfg       config.SelfModConfig
	logger    *slog.Logger
	sandbox   Sandbox
	patcher   Patcher
	trail     *audit.Log
	playbooks map[metrics.WeaknessKind]Playbook

	// notifyTraining is called after every successful apply, with the
	// proposal description as the retraining reason. May be nil.
	notifyTraining func(reason string)

	mu        sync.Mutex
	proposals map[string]*Proposal
	order     []string // creation order, for stable listing
}

// NewEngine creates an Engine. Playbook overrides are loaded from
// cfg.PlaybookDir; a bad playbook file is a fatal configuration error.
func NewEngine(cfg config.SelfModConfig, sandbox Sandbox, patcher Patcher, trail *audit.Log, logger *slog.Logger) (*Engine, error) {
	pbs, err := LoadPlaybooks(cfg.PlaybookDir)
	if err != nil {
		return nil, err
	}
	return &Engine{
		cfg:       cfg,
		logger:    logger.With("component", "selfmod"),
		sandbox:   sandbox,
		patcher:   patcher,
		trail:     trail,
		playbooks: pbs,
		proposals: make(map[string]*Proposal),
	}, nil
}

// SetTrainingNotifier wires the hook called after successful applies.
func (e *Engine) SetTrainingNotifier(fn func(reason string)) {
	e.notifyTraining = fn
}

// Propose creates a pending proposal for the weakness. Deterministic mapping
// via the playbooks; never fails.
func (e *Engine) Propose(w metrics.Weakness) *Proposal {
	pb := e.playbooks[w.Kind]
	p := &Proposal{
		ID:          uuid.New().String(),
		Kind:        w.Kind,
		Family:      pb.Family,
		Description: fmt.Sprintf("%s (%s: %s)", pb.Description, w.Kind, w.Description),
		Risk:        escalate(pb.Risk, w.Severity),
		Patch:       pb.Patch,
		Status:      StatusPending,
		CreatedAt:   time.Now(),
	}

	e.mu.Lock()
	e.proposals[p.ID] = p
	e.order = append(e.order, p.ID)
	e.mu.Unlock()

	e.trail.Append(audit.EntityProposal, p.ID, "", string(StatusPending),
		fmt.Sprintf("%s/%s risk=%s", p.Kind, p.Family, p.Risk))
	e.logger.Info("proposal created",
		"id", p.ID,
		"kind", p.Kind,
		"risk", p.Risk,
		"severity", w.Severity,
	)
	return p
}

// Test runs the sandbox collaborator on a pending proposal. Any collaborator
// error, including timeout, rejects the proposal; it is never left pending.
func (e *Engine) Test(ctx context.Context, id string) error {
	p, err := e.get(id)
	if err != nil {
		return err
	}
	if p.Status != StatusPending {
		return fmt.Errorf("%w: test requires pending, %s is %s", ErrInvalidState, id, p.Status)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CollaboratorTimeout())
	defer cancel()

	outcome, err := e.sandbox.Test(callCtx, e.snapshot(p))
	now := time.Now()

	e.mu.Lock()
	p.TestedAt = &now
	switch {
	case err != nil:
		p.Status = StatusRejected
		p.LastError = err.Error()
	case !outcome.Pass:
		p.Status = StatusRejected
		p.MeasuredDelta = outcome.MeasuredDelta
	default:
		p.Status = StatusTested
		p.MeasuredDelta = outcome.MeasuredDelta
	}
	status, lastErr := p.Status, p.LastError
	e.mu.Unlock()

	detail := fmt.Sprintf("delta=%.4f", outcome.MeasuredDelta)
	if lastErr != "" {
		detail = "sandbox error: " + lastErr
	}
	e.trail.Append(audit.EntityProposal, id, string(StatusPending), string(status), detail)

	if status == StatusRejected {
		e.logger.Warn("proposal rejected", "id", id, "error", lastErr)
		return nil
	}
	e.logger.Info("proposal tested", "id", id, "delta", outcome.MeasuredDelta)
	return nil
}

// Approve marks a tested proposal as manually approved, unlocking apply for
// high and critical risk levels.
func (e *Engine) Approve(id string) error {
	p, err := e.get(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if p.Status != StatusTested {
		status := p.Status
		e.mu.Unlock()
		return fmt.Errorf("%w: approve requires tested, %s is %s", ErrInvalidState, id, status)
	}
	p.Approved = true
	e.mu.Unlock()

	e.trail.Append(audit.EntityProposal, id, string(StatusTested), string(StatusTested), "approved")
	e.logger.Info("proposal approved", "id", id)
	return nil
}

// Apply applies a tested proposal via the patcher. Risk policy: low/medium
// may auto-apply per config; high and critical always require prior Approve.
// A patcher failure leaves the proposal tested and returns the error.
func (e *Engine) Apply(ctx context.Context, id string) error {
	p, err := e.get(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if p.Status != StatusTested {
		status := p.Status
		e.mu.Unlock()
		return fmt.Errorf("%w: apply requires tested, %s is %s", ErrInvalidState, id, status)
	}
	if !e.mayApplyLocked(p) {
		risk := p.Risk
		e.mu.Unlock()
		return fmt.Errorf("%w: risk=%s", ErrNotApproved, risk)
	}
	e.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CollaboratorTimeout())
	defer cancel()

	if err := e.patcher.Apply(callCtx, e.snapshot(p)); err != nil {
		e.mu.Lock()
		p.LastError = err.Error()
		e.mu.Unlock()
		e.trail.Append(audit.EntityProposal, id, string(StatusTested), string(StatusTested),
			"apply failed: "+err.Error())
		e.logger.Error("apply failed", "id", id, "error", err)
		return fmt.Errorf("apply proposal %s: %w", id, err)
	}

	now := time.Now()
	e.mu.Lock()
	p.Status = StatusApplied
	p.AppliedAt = &now
	p.LastError = ""
	desc := p.Description
	e.mu.Unlock()

	e.trail.Append(audit.EntityProposal, id, string(StatusTested), string(StatusApplied), "")
	e.logger.Info("proposal applied", "id", id, "risk", p.Risk)

	if e.notifyTraining != nil && e.cfg.NotifyTraining {
		e.notifyTraining(desc)
	}
	return nil
}

// mayApplyLocked implements the risk gate. Caller holds e.mu.
func (e *Engine) mayApplyLocked(p *Proposal) bool {
	if p.Approved {
		return true
	}
	switch p.Risk {
	case RiskLow:
		return e.cfg.AutoApplyLowRisk
	case RiskMedium:
		return e.cfg.AutoApplyMediumRisk
	case RiskHigh, RiskCritical:
		return false
	}
	return false
}

// Rollback reverts an applied proposal. A revert collaborator failure is
// surfaced loudly and leaves the proposal applied: a half-reverted system
// needs human attention, not silence. Rolling back anything that is not
// currently applied returns ErrNotFound, so double rollback never
// double-reverts.
func (e *Engine) Rollback(ctx context.Context, id string) error {
	p, err := e.get(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if p.Status != StatusApplied {
		status := p.Status
		e.mu.Unlock()
		return fmt.Errorf("%w: no applied proposal %s (status %s)", ErrNotFound, id, status)
	}
	e.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CollaboratorTimeout())
	defer cancel()

	if err := e.patcher.Revert(callCtx, e.snapshot(p)); err != nil {
		e.trail.Append(audit.EntityProposal, id, string(StatusApplied), string(StatusApplied),
			"rollback failed: "+err.Error())
		e.logger.Error("rollback failed, proposal remains applied", "id", id, "error", err)
		return fmt.Errorf("rollback proposal %s: %w", id, err)
	}

	now := time.Now()
	e.mu.Lock()
	p.Status = StatusRolledBack
	p.RolledBackAt = &now
	e.mu.Unlock()

	e.trail.Append(audit.EntityProposal, id, string(StatusApplied), string(StatusRolledBack), "")
	e.logger.Info("proposal rolled back", "id", id)
	return nil
}

// ProcessWeakness runs propose -> test -> apply-or-queue for one weakness.
// Returns the resulting proposal. Apply refusals (risk gate) leave the
// proposal tested, i.e. queued for approval.
func (e *Engine) ProcessWeakness(ctx context.Context, w metrics.Weakness) *Proposal {
	p := e.Propose(w)
	if err := e.Test(ctx, p.ID); err != nil {
		e.logger.Error("test dispatch failed", "id", p.ID, "error", err)
		return e.mustSnapshot(p.ID)
	}

	cur := e.mustSnapshot(p.ID)
	if cur.Status != StatusTested {
		return cur
	}

	if err := e.Apply(ctx, p.ID); err != nil {
		// Risk-gated or collaborator-failed applies both leave the proposal
		// tested; the status tells the two apart via LastError.
		e.logger.Info("proposal queued", "id", p.ID, "reason", err)
	}
	return e.mustSnapshot(p.ID)
}

// RunCycle is the manual/scheduled improvement entry point: rank the given
// weaknesses by severity, take the top maxWeaknessesPerCycle, and process
// each. totalObservations gates the whole cycle; below the minimum the
// result is empty and no error is returned.
func (e *Engine) RunCycle(ctx context.Context, weaknesses []metrics.Weakness, totalObservations uint64) RSIResult {
	var result RSIResult

	if totalObservations < uint64(e.cfg.MinInferencesBeforeRSI) {
		e.logger.Debug("rsi cycle skipped, not enough observations",
			"have", totalObservations,
			"need", e.cfg.MinInferencesBeforeRSI,
		)
		return result
	}
	if len(weaknesses) == 0 {
		return result
	}

	ranked := make([]metrics.Weakness, len(weaknesses))
	copy(ranked, weaknesses)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Severity > ranked[j].Severity
	})
	if len(ranked) > e.cfg.MaxWeaknessesPerCycle {
		ranked = ranked[:e.cfg.MaxWeaknessesPerCycle]
	}

	for _, w := range ranked {
		p := e.ProcessWeakness(ctx, w)
		result.Evaluated++
		result.Proposals = append(result.Proposals, p.ID)
		switch p.Status {
		case StatusApplied:
			result.Applied++
		case StatusTested:
			result.Queued++
		case StatusRejected:
			result.Rejected++
		}
	}

	e.logger.Info("rsi cycle complete",
		"evaluated", result.Evaluated,
		"applied", result.Applied,
		"queued", result.Queued,
		"rejected", result.Rejected,
	)
	return result
}

// List returns copies of all proposals in creation order.
func (e *Engine) List() []Proposal {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Proposal, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, *e.proposals[id])
	}
	return out
}

// Get returns a copy of one proposal.
func (e *Engine) Get(id string) (Proposal, error) {
	p, err := e.get(id)
	if err != nil {
		return Proposal{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return *p, nil
}

// StatusCounts returns the number of proposals per lifecycle state.
func (e *Engine) StatusCounts() map[Status]int {
	e.mu.Lock()
	defer e.mu.Unlock()

	counts := make(map[Status]int)
	for _, p := range e.proposals {
		counts[p.Status]++
	}
	return counts
}

func (e *Engine) get(id string) (*Proposal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.proposals[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p, nil
}

// snapshot copies a proposal for handing to collaborators, which must not
// see or mutate engine-owned state.
func (e *Engine) snapshot(p *Proposal) *Proposal {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := *p
	return &cp
}

func (e *Engine) mustSnapshot(id string) *Proposal {
	p, _ := e.get(id)
	return e.snapshot(p)
}
