// Package engine owns the approval state machine. It is the only code path
// that writes approval or step status; everything else reads.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"signoff/internal/chain"
	"signoff/internal/domain"
	"signoff/internal/events"
	"signoff/internal/registry"
	"signoff/internal/repo"
)

var (
	// ErrNotCurrentStep covers out-of-order attempts and lost races: the
	// step is not (or no longer) the one the approval is waiting on.
	ErrNotCurrentStep = errors.New("step is not the current step of its approval")
	// ErrForbidden means the acting user is not the step's assignee.
	ErrForbidden = errors.New("actor is not assigned to this step")
	// ErrAlreadyTerminal means the approval has already been decided.
	ErrAlreadyTerminal = errors.New("approval already decided")
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Registry *registry.Registry
	Now      func() time.Time
}

func New(db *sql.DB, reg *registry.Registry) Engine {
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Registry: reg,
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// StepSpec describes one step of a new approval chain.
type StepSpec struct {
	Order        int
	AssignedToID string
	Required     bool
}

// CreateOptions are parameters for creating an approval.
type CreateOptions struct {
	WorkflowKind     string
	WorkflowRefID    string
	RequestedByID    string
	RequiresAllSteps bool
	Steps            []StepSpec
}

// Create persists an approval with its full step chain atomically and points
// it at the step with order 1. The workflow kind must be registered; catching
// a misconfigured kind here beats discovering it at the terminal transition.
func (e Engine) Create(ctx context.Context, opts CreateOptions) (domain.Approval, error) {
	if opts.WorkflowKind == "" {
		return domain.Approval{}, errors.New("workflow kind is required")
	}
	if opts.WorkflowRefID == "" {
		return domain.Approval{}, errors.New("workflow ref id is required")
	}
	if opts.RequestedByID == "" {
		return domain.Approval{}, errors.New("requested by is required")
	}
	if e.Registry != nil {
		if _, err := e.Registry.Resolve(opts.WorkflowKind); err != nil {
			return domain.Approval{}, err
		}
	}
	steps := make([]domain.ApprovalStep, 0, len(opts.Steps))
	for _, s := range opts.Steps {
		if s.AssignedToID == "" {
			return domain.Approval{}, fmt.Errorf("step %d: assignee is required", s.Order)
		}
		steps = append(steps, domain.ApprovalStep{
			StepOrder:    s.Order,
			IsRequired:   s.Required,
			AssignedToID: s.AssignedToID,
			Status:       domain.StepPending,
		})
	}
	if err := chain.ValidateOrdering(steps); err != nil {
		return domain.Approval{}, err
	}

	now := e.now().UTC().Format(time.RFC3339)
	a := domain.Approval{
		WorkflowKind:     opts.WorkflowKind,
		WorkflowRefID:    opts.WorkflowRefID,
		Status:           domain.ApprovalPending,
		RequiresAllSteps: opts.RequiresAllSteps,
		RequestedByID:    opts.RequestedByID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Approval{}, err
	}
	defer tx.Rollback()

	a.ID, err = e.Repo.InsertApprovalTx(ctx, tx, a)
	if err != nil {
		return domain.Approval{}, err
	}
	if err := e.Repo.EnsureActorTx(ctx, tx, opts.RequestedByID); err != nil {
		return domain.Approval{}, err
	}
	var firstStepID int64
	for i := range steps {
		steps[i].ApprovalID = a.ID
		steps[i].ID, err = e.Repo.InsertStepTx(ctx, tx, steps[i])
		if err != nil {
			return domain.Approval{}, err
		}
		if err := e.Repo.EnsureActorTx(ctx, tx, steps[i].AssignedToID); err != nil {
			return domain.Approval{}, err
		}
		if steps[i].StepOrder == 1 {
			firstStepID = steps[i].ID
		}
	}
	if err := e.Repo.SetCurrentStepTx(ctx, tx, a.ID, firstStepID); err != nil {
		return domain.Approval{}, err
	}
	a.CurrentStepID = &firstStepID
	if err := e.Events.Append(ctx, tx, "approval.created", "approval", fmt.Sprint(a.ID), opts.RequestedByID, events.EventPayload{
		"workflow_kind":   a.WorkflowKind,
		"workflow_ref_id": a.WorkflowRefID,
		"steps":           len(steps),
	}); err != nil {
		return domain.Approval{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Approval{}, err
	}
	a.Steps = steps
	return a, nil
}

// TransitionOptions are parameters for deciding the current step.
type TransitionOptions struct {
	StepID   int64
	ActorID  string
	Decision domain.Decision
	Comment  string
	Reason   string
}

// TransitionResult is the post-transition state. HookErr is set when the
// decision committed but the workflow hook afterwards failed; the decision
// stands regardless.
type TransitionResult struct {
	Approval   domain.Approval
	Step       domain.ApprovalStep
	Terminated bool
	HookErr    error
}

// Transition applies a decision to the current step of an approval, advancing
// or finalizing the chain. The whole transition executes in one
// immediate-write transaction; both the step and the approval row are updated
// conditionally on still being PENDING, so a lost race surfaces as
// ErrNotCurrentStep rather than a double decision.
func (e Engine) Transition(ctx context.Context, opts TransitionOptions) (TransitionResult, error) {
	if opts.Decision != domain.DecisionApprove && opts.Decision != domain.DecisionReject {
		return TransitionResult{}, fmt.Errorf("invalid decision %q", opts.Decision)
	}
	if opts.ActorID == "" {
		return TransitionResult{}, errors.New("actor id is required")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return TransitionResult{}, err
	}
	defer tx.Rollback()

	step, err := e.Repo.GetStepTx(ctx, tx, opts.StepID)
	if err != nil {
		return TransitionResult{}, err
	}
	a, err := e.Repo.GetApprovalTx(ctx, tx, step.ApprovalID)
	if err != nil {
		return TransitionResult{}, err
	}
	if a.Terminal() {
		return TransitionResult{}, ErrAlreadyTerminal
	}
	if a.CurrentStepID == nil || *a.CurrentStepID != step.ID {
		return TransitionResult{}, ErrNotCurrentStep
	}
	if step.AssignedToID != opts.ActorID {
		return TransitionResult{}, ErrForbidden
	}

	steps, err := e.Repo.ListStepsTx(ctx, tx, a.ID)
	if err != nil {
		return TransitionResult{}, err
	}

	// A rejected non-required step under requires-all policy does not
	// terminate the approval; it is recorded as SKIPPED and the chain
	// advances as if approved.
	skipOnReject := opts.Decision == domain.DecisionReject && !step.IsRequired && a.RequiresAllSteps
	stepStatus := domain.StepApproved
	switch {
	case opts.Decision == domain.DecisionReject && skipOnReject:
		stepStatus = domain.StepSkipped
	case opts.Decision == domain.DecisionReject:
		stepStatus = domain.StepRejected
	}

	now := e.now().UTC().Format(time.RFC3339)
	updated, err := e.Repo.DecideStepTx(ctx, tx, step.ID, stepStatus, optionalString(opts.Comment), optionalString(opts.Reason), now)
	if err != nil {
		return TransitionResult{}, err
	}
	if !updated {
		return TransitionResult{}, ErrNotCurrentStep
	}

	terminated := false
	finalStatus := domain.ApprovalPending
	advances := opts.Decision == domain.DecisionApprove || skipOnReject
	switch {
	case !advances:
		// Terminal rejection: required step rejected, or any rejection
		// under any-of policy.
		finalStatus = domain.ApprovalRejected
		terminated = true
	case !a.RequiresAllSteps, chain.IsFinal(steps, step):
		// Under any-of policy the first decision is final.
		finalStatus = domain.ApprovalApproved
		terminated = true
	}

	if terminated {
		ok, err := e.Repo.FinishApprovalTx(ctx, tx, a.ID, finalStatus, step.ID, now)
		if err != nil {
			return TransitionResult{}, err
		}
		if !ok {
			return TransitionResult{}, ErrNotCurrentStep
		}
	} else {
		next, ok := chain.Next(steps, step.StepOrder)
		if !ok {
			return TransitionResult{}, fmt.Errorf("approval %d: no next step after order %d", a.ID, step.StepOrder)
		}
		moved, err := e.Repo.AdvanceApprovalTx(ctx, tx, a.ID, step.ID, next.ID, now)
		if err != nil {
			return TransitionResult{}, err
		}
		if !moved {
			return TransitionResult{}, ErrNotCurrentStep
		}
	}

	stepEvent := map[domain.StepStatus]string{
		domain.StepApproved: "step.approved",
		domain.StepRejected: "step.rejected",
		domain.StepSkipped:  "step.skipped",
	}[stepStatus]
	if err := e.Events.Append(ctx, tx, stepEvent, "approval_step", fmt.Sprint(step.ID), opts.ActorID, events.EventPayload{
		"approval_id": a.ID,
		"step_order":  step.StepOrder,
	}); err != nil {
		return TransitionResult{}, err
	}
	if terminated {
		evtType := "approval.approved"
		if finalStatus == domain.ApprovalRejected {
			evtType = "approval.rejected"
		}
		if err := e.Events.Append(ctx, tx, evtType, "approval", fmt.Sprint(a.ID), opts.ActorID, events.EventPayload{
			"workflow_kind":   a.WorkflowKind,
			"workflow_ref_id": a.WorkflowRefID,
		}); err != nil {
			return TransitionResult{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return TransitionResult{}, err
	}

	result := TransitionResult{Terminated: terminated}
	if terminated {
		// The decision is durable; hooks run outside the transaction and
		// their failure is reported, logged, and never retried here.
		result.HookErr = e.fireHook(ctx, a, finalStatus, opts.ActorID, opts.Reason)
	}

	result.Approval, err = e.GetApproval(ctx, a.ID)
	if err != nil {
		return TransitionResult{}, err
	}
	result.Step, err = e.Repo.GetStep(ctx, step.ID)
	if err != nil {
		return TransitionResult{}, err
	}
	return result, nil
}

func (e Engine) fireHook(ctx context.Context, a domain.Approval, status domain.ApprovalStatus, actorID, reason string) error {
	if e.Registry == nil {
		return nil
	}
	hooks, err := e.Registry.Resolve(a.WorkflowKind)
	if err != nil {
		log.Printf("CONFIG ERROR: approval %d references unregistered workflow kind %s (ref_id=%s); hooks not invoked, operator attention required", a.ID, a.WorkflowKind, a.WorkflowRefID)
		return err
	}
	if status == domain.ApprovalApproved {
		err = hooks.OnApproved(ctx, a.WorkflowRefID, actorID)
	} else {
		err = hooks.OnRejected(ctx, a.WorkflowRefID, actorID, reason)
	}
	if err != nil {
		log.Printf("workflow hook failed: approval_id=%d kind=%s ref_id=%s status=%s: %v", a.ID, a.WorkflowKind, a.WorkflowRefID, status, err)
	}
	return err
}

// GetApproval returns the approval with its ordered steps and resolved
// assignee display names.
func (e Engine) GetApproval(ctx context.Context, id int64) (domain.Approval, error) {
	a, err := e.Repo.GetApproval(ctx, id)
	if err != nil {
		return domain.Approval{}, err
	}
	a.Steps, err = e.Repo.ListSteps(ctx, id)
	if err != nil {
		return domain.Approval{}, err
	}
	return a, nil
}

// WorkflowPayload is the approval envelope plus the resolved business payload.
type WorkflowPayload struct {
	Approval domain.Approval
	Payload  []byte
}

// GetWorkflowPayload resolves the business payload behind an approval through
// the registry. Only a step assignee may call it, and the response must never
// be cached.
func (e Engine) GetWorkflowPayload(ctx context.Context, approvalID int64, callerID string) (WorkflowPayload, error) {
	a, err := e.GetApproval(ctx, approvalID)
	if err != nil {
		return WorkflowPayload{}, err
	}
	assignee := false
	for _, s := range a.Steps {
		if s.AssignedToID == callerID {
			assignee = true
			break
		}
	}
	if !assignee {
		return WorkflowPayload{}, ErrForbidden
	}
	hooks, err := e.Registry.Resolve(a.WorkflowKind)
	if err != nil {
		return WorkflowPayload{}, err
	}
	payload, err := hooks.FetchDetails(ctx, a.WorkflowRefID)
	if err != nil {
		return WorkflowPayload{}, fmt.Errorf("fetch workflow payload: %w", err)
	}
	return WorkflowPayload{Approval: a, Payload: payload}, nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
