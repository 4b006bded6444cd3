package ptw

import (
	"context"
	"errors"
	"fmt"
	"time"

	"athens-ptw.org/internal/ids"
	"athens-ptw.org/internal/obs"
	"athens-ptw.org/internal/tenant"
)

// Workflow orchestrates the review pipeline: verifier
// selection, verification and approval. All step bookkeeping and the matching
// status change commit inside one permit transaction.
type Workflow struct {
	store  Store
	engine *Engine
	dir    tenant.Directory
	now    func() time.Time
}

// WorkflowOption configures the orchestrator.
type WorkflowOption func(*Workflow)

// WithWorkflowClock overrides the time source (tests).
func WithWorkflowClock(fn func() time.Time) WorkflowOption {
	return func(w *Workflow) {
		if fn != nil {
			w.now = fn
		}
	}
}

// NewWorkflow constructs the orchestrator. The engine is shared with the
// direct transition endpoint so both paths run the same state machine.
func NewWorkflow(store Store, engine *Engine, dir tenant.Directory, opts ...WorkflowOption) *Workflow {
	w := &Workflow{store: store, engine: engine, dir: dir, now: time.Now}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ReviewDecision is the payload of a verify or approve call.
type ReviewDecision struct {
	Approve    bool
	Comments   string
	ApproverID string // verify only: the mandatory next reviewer
}

// Initiate creates the workflow instance and the initial verifier-selection
// step for a freshly created permit.
func (w *Workflow) Initiate(ctx context.Context, scope tenant.Scope, permitID string, actor tenant.Principal) (*WorkflowInstance, error) {
	var out *WorkflowInstance
	err := w.store.WithPermit(ctx, scope, permitID, func(ctx context.Context, p *Permit, tx Tx) error {
		if existing, err := tx.WorkflowByPermit(ctx, p.ID); err == nil && existing != nil {
			out = existing
			return nil
		}
		now := w.now().UTC()
		wf := &WorkflowInstance{
			ID:          ids.New(),
			PermitID:    p.ID,
			CurrentStep: 1,
			Status:      WorkflowActive,
			CreatedAt:   now,
		}
		if err := tx.CreateWorkflow(ctx, wf); err != nil {
			return err
		}
		step := &WorkflowStep{
			ID:         ids.New(),
			InstanceID: wf.ID,
			PermitID:   p.ID,
			Kind:       StepVerifierSelection,
			AssigneeID: p.CreatorID,
			Role:       p.CreatorRole,
			Grade:      p.CreatorGrade,
			Order:      1,
			Required:   true,
			Status:     StepPending,
			CreatedAt:  now,
		}
		if err := tx.CreateStep(ctx, step); err != nil {
			return err
		}
		out = wf
		return nil
	})
	return out, err
}

// AssignVerifier records the creator's verifier choice. The candidate must
// pass the creator-type eligibility table. Reassigning while verification is
// still pending skips the stale step and opens a fresh one.
func (w *Workflow) AssignVerifier(ctx context.Context, scope tenant.Scope, permitID, verifierID string, actor tenant.Principal) (*Permit, error) {
	profile, err := w.lookup(ctx, actor.TenantID, verifierID)
	if err != nil {
		return nil, err
	}

	var out *Permit
	err = w.store.WithPermit(ctx, scope, permitID, func(ctx context.Context, p *Permit, tx Tx) error {
		if err := Authorize(actor, p, ActionSelectVerifier); err != nil {
			return err
		}
		if p.Status != StatusDraft && p.Status != StatusSubmitted {
			return invalidTransitionErr(p.Status, p.Status)
		}
		if !VerifierEligible(p.CreatorRole, p.CreatorGrade, profile.Role, profile.Grade) {
			return validationErr("verifier_id", "VERIFIER_INELIGIBLE",
				fmt.Sprintf("user %s (%s/%s) may not verify permits created by %s/%s",
					verifierID, profile.Role, profile.Grade, p.CreatorRole, p.CreatorGrade),
				map[string]any{"verifier_id": verifierID})
		}

		now := w.now().UTC()
		wf, err := tx.WorkflowByPermit(ctx, p.ID)
		if err != nil {
			return err
		}
		steps, err := tx.Steps(ctx, p.ID)
		if err != nil {
			return err
		}
		order := 1
		for _, step := range steps {
			if step.Order > order {
				order = step.Order
			}
			switch {
			case step.Kind == StepVerifierSelection && step.Status == StepPending:
				step.Status = StepCompleted
				step.CompletedAt = &now
				if err := tx.SaveStep(ctx, step); err != nil {
					return err
				}
			case step.Kind == StepVerification && step.Status == StepPending:
				// Reassignment voids the previous verifier's step.
				step.Status = StepSkipped
				step.CompletedAt = &now
				if err := tx.SaveStep(ctx, step); err != nil {
					return err
				}
			}
		}

		old := p.VerifierID
		p.VerifierID = verifierID
		p.VerifierRole = profile.Role
		p.VerifierGrade = profile.Grade
		if err := tx.SavePermit(ctx, p); err != nil {
			return err
		}

		next := &WorkflowStep{
			ID:         ids.New(),
			PermitID:   p.ID,
			Kind:       StepVerification,
			AssigneeID: verifierID,
			Role:       profile.Role,
			Grade:      profile.Grade,
			Order:      order + 1,
			Required:   true,
			Status:     StepPending,
			CreatedAt:  now,
		}
		if wf != nil {
			next.InstanceID = wf.ID
			wf.CurrentStep = next.Order
			if err := tx.SaveWorkflow(ctx, wf); err != nil {
				return err
			}
		}
		if err := tx.CreateStep(ctx, next); err != nil {
			return err
		}

		if err := tx.AppendAudit(ctx, &AuditEntry{
			ID:        ids.New(),
			PermitID:  p.ID,
			Action:    "verifier_assigned",
			UserID:    actor.UserID,
			At:        now,
			OldValues: map[string]any{"verifier_id": old},
			NewValues: map[string]any{"verifier_id": verifierID},
		}); err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}

// Verify records the assigned verifier's decision. Approval requires naming
// the next approver, who must pass the verifier-type eligibility table; the
// permit then moves to under_review with an approval step open for them.
// Rejection moves the permit to rejected.
func (w *Workflow) Verify(ctx context.Context, scope tenant.Scope, permitID string, actor tenant.Principal, d ReviewDecision) (*Permit, error) {
	var approver tenant.UserProfile
	if d.Approve {
		if d.ApproverID == "" {
			return nil, validationErr("approver_id", "APPROVER_REQUIRED",
				"verification approval must name the next approver", nil)
		}
		var err error
		approver, err = w.lookup(ctx, actor.TenantID, d.ApproverID)
		if err != nil {
			return nil, err
		}
	}

	var (
		out *Permit
		ev  *TransitionEvent
	)
	err := w.store.WithPermit(ctx, scope, permitID, func(ctx context.Context, p *Permit, tx Tx) error {
		if d.Approve && !ApproverEligible(p.VerifierRole, p.VerifierGrade, approver.Role, approver.Grade) {
			return validationErr("approver_id", "APPROVER_INELIGIBLE",
				fmt.Sprintf("user %s (%s/%s) may not approve permits verified by %s/%s",
					d.ApproverID, approver.Role, approver.Grade, p.VerifierRole, p.VerifierGrade),
				map[string]any{"approver_id": d.ApproverID})
		}

		now := w.now().UTC()
		steps, err := tx.Steps(ctx, p.ID)
		if err != nil {
			return err
		}
		var verification *WorkflowStep
		order := 1
		for _, step := range steps {
			if step.Order > order {
				order = step.Order
			}
			if step.Kind == StepVerification && step.Status == StepPending {
				verification = step
			}
		}
		if verification == nil {
			return validationErr("workflow", "NO_PENDING_VERIFICATION",
				"permit has no pending verification step", nil)
		}

		target := StatusRejected
		md := &Metadata{}
		if d.Approve {
			target = StatusUnderReview
			verification.Status = StepApproved
			md.ApproverID = d.ApproverID
			md.ApproverRole = approver.Role
			md.ApproverGrade = approver.Grade
		} else {
			verification.Status = StepRejected
		}
		verification.Comments = d.Comments
		verification.CompletedAt = &now
		if err := tx.SaveStep(ctx, verification); err != nil {
			return err
		}

		event, err := w.engine.transitionLocked(ctx, p, tx, TransitionRequest{
			PermitID: p.ID,
			Target:   target,
			Actor:    actor,
			Comments: d.Comments,
			Metadata: md,
		})
		if err != nil {
			return err
		}

		if d.Approve {
			next := &WorkflowStep{
				ID:         ids.New(),
				InstanceID: verification.InstanceID,
				PermitID:   p.ID,
				Kind:       StepApproval,
				AssigneeID: d.ApproverID,
				Role:       approver.Role,
				Grade:      approver.Grade,
				Order:      order + 1,
				Required:   true,
				Status:     StepPending,
				CreatedAt:  now,
			}
			if err := tx.CreateStep(ctx, next); err != nil {
				return err
			}
			if wf, err := tx.WorkflowByPermit(ctx, p.ID); err == nil && wf != nil {
				wf.CurrentStep = next.Order
				if err := tx.SaveWorkflow(ctx, wf); err != nil {
					return err
				}
			}
		} else if wf, err := tx.WorkflowByPermit(ctx, p.ID); err == nil && wf != nil && wf.Status != WorkflowCompleted {
			wf.Status = WorkflowCompleted
			if err := tx.SaveWorkflow(ctx, wf); err != nil {
				return err
			}
		}

		out = p
		ev = event
		return nil
	})
	if err != nil {
		if fe, ok := AsError(err); ok {
			obs.ObserveTransition("", "", string(fe.Kind))
		}
		return nil, err
	}
	obs.ObserveTransition(string(ev.From), string(ev.To), "ok")
	w.engine.emit(ctx, *ev)
	return out, nil
}

// Approve records the assigned approver's decision and moves the permit to
// approved or rejected. Step settlement (first decision wins, remaining
// pending approvals skipped) happens inside the engine under the same lock.
func (w *Workflow) Approve(ctx context.Context, scope tenant.Scope, permitID string, actor tenant.Principal, d ReviewDecision) (*Permit, error) {
	target := StatusApproved
	if !d.Approve {
		target = StatusRejected
	}
	return w.engine.Transition(ctx, scope, TransitionRequest{
		PermitID: permitID,
		Target:   target,
		Actor:    actor,
		Comments: d.Comments,
	})
}

func (w *Workflow) lookup(ctx context.Context, tenantID, userID string) (tenant.UserProfile, error) {
	if w.dir == nil {
		return tenant.UserProfile{}, &Error{Kind: KindInternal, Code: "NO_DIRECTORY", Message: "user directory is not configured"}
	}
	profile, err := w.dir.Lookup(ctx, tenantID, userID)
	if err != nil {
		if errors.Is(err, tenant.ErrUserNotFound) {
			return tenant.UserProfile{}, notFoundErr("user", userID)
		}
		return tenant.UserProfile{}, err
	}
	return profile, nil
}
