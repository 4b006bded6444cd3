package ptw

import (
	"context"
	"time"

	"athens-ptw.org/internal/ids"
	"athens-ptw.org/internal/obs"
	"athens-ptw.org/internal/tenant"
)

// SystemActorID marks transitions driven by the scheduler rather than a user.
const SystemActorID = "system"

// TransitionEvent is handed to the event dispatcher after a transition
// commits. Dispatch failures never propagate back to the transition.
type TransitionEvent struct {
	Permit *Permit
	From   Status
	To     Status
	Actor  string
	System bool
	At     time.Time
}

// EventSink receives committed transition events.
type EventSink interface {
	PermitTransitioned(ctx context.Context, ev TransitionEvent)
}

// Metadata carries the side-effect payload of a transition: reviewer
// assignments and comments.
type Metadata struct {
	VerifierID    string
	VerifierRole  tenant.Role
	VerifierGrade tenant.Grade
	ApproverID    string
	ApproverRole  tenant.Role
	ApproverGrade tenant.Grade
	IssuerID      string
	ReceiverID    string
}

// TransitionRequest describes one status change.
type TransitionRequest struct {
	PermitID string
	Target   Status
	Actor    tenant.Principal
	Comments string
	Metadata *Metadata
	System   bool
}

// Engine is the canonical state machine: the single writer of
// Permit.Status.
type Engine struct {
	store Store
	sink  EventSink
	now   func() time.Time
}

// EngineOption configures the engine.
type EngineOption func(*Engine)

// WithSink attaches the event dispatcher.
func WithSink(s EventSink) EngineOption {
	return func(e *Engine) { e.sink = s }
}

// WithClock overrides the time source (tests).
func WithClock(fn func() time.Time) EngineOption {
	return func(e *Engine) {
		if fn != nil {
			e.now = fn
		}
	}
}

// NewEngine constructs the state machine over the given store.
func NewEngine(store Store, opts ...EngineOption) *Engine {
	e := &Engine{store: store, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Transition performs one status change under the permit row lock. It is the
// only public path that mutates Permit.Status.
func (e *Engine) Transition(ctx context.Context, scope tenant.Scope, req TransitionRequest) (*Permit, error) {
	var (
		out *Permit
		ev  *TransitionEvent
	)
	err := e.store.WithPermit(ctx, scope, req.PermitID, func(ctx context.Context, p *Permit, tx Tx) error {
		event, err := e.transitionLocked(ctx, p, tx, req)
		if err != nil {
			return err
		}
		out = p
		ev = event
		return nil
	})
	if err != nil {
		if fe, ok := AsError(err); ok {
			obs.ObserveTransition("", string(req.Target), string(fe.Kind))
		}
		return nil, err
	}
	obs.ObserveTransition(string(ev.From), string(ev.To), "ok")
	e.emit(ctx, *ev)
	return out, nil
}

// transitionLocked runs the full transition procedure against a locked
// permit. The orchestrator shares it so step bookkeeping and the status
// change commit in one transaction.
func (e *Engine) transitionLocked(ctx context.Context, p *Permit, tx Tx, req TransitionRequest) (*TransitionEvent, error) {
	from := p.Status
	target := req.Target

	if !CanTransition(from, target) {
		return nil, invalidTransitionErr(from, target)
	}
	if target == StatusExpired && !req.System {
		return nil, permissionErr(ActionExpire, "only the scheduler may expire permits")
	}

	if !req.System {
		action := ActionForTransition(from, target)
		if err := Authorize(req.Actor, p, action); err != nil {
			return nil, err
		}
	}

	if sigAction, gated := signatureActionFor(from, target); gated {
		sigs, err := tx.Signatures(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		if missing := MissingSignatures(sigAction, sigs); len(missing) > 0 {
			return nil, signatureRequiredErr(sigAction, missing)
		}
	}

	collateral, err := tx.Collateral(ctx, p)
	if err != nil {
		return nil, err
	}
	if err := validateForTarget(p, target, collateral); err != nil {
		return nil, err
	}

	e.applyMetadata(p, target, req)

	now := e.now().UTC()
	switch target {
	case StatusSubmitted:
		if p.SubmittedAt == nil {
			p.SubmittedAt = &now
		}
	case StatusUnderReview:
		p.VerifiedAt = &now
	case StatusApproved:
		p.ApprovedAt = &now
		if req.System {
			p.ApprovedBy = SystemActorID
		} else {
			p.ApprovedBy = req.Actor.UserID
		}
	case StatusActive:
		if p.ActualStart == nil {
			p.ActualStart = &now
		}
	case StatusCompleted:
		p.ActualEnd = &now
	}

	p.Status = target
	if err := tx.SavePermit(ctx, p); err != nil {
		return nil, err
	}

	if target == StatusApproved || (from == StatusUnderReview && target == StatusRejected) {
		if err := e.settleApprovalSteps(ctx, tx, p, target, req, now); err != nil {
			return nil, err
		}
	}

	actorID := req.Actor.UserID
	if req.System {
		actorID = SystemActorID
	}
	if err := tx.AppendAudit(ctx, &AuditEntry{
		ID:       ids.New(),
		PermitID: p.ID,
		Action:   "status_change",
		UserID:   actorID,
		At:       now,
		Comments: req.Comments,
		OldValues: map[string]any{
			"status": string(from),
		},
		NewValues: map[string]any{
			"status":  string(target),
			"version": p.Version,
		},
	}); err != nil {
		return nil, err
	}

	return &TransitionEvent{
		Permit: p.Clone(),
		From:   from,
		To:     target,
		Actor:  actorID,
		System: req.System,
		At:     now,
	}, nil
}

// applyMetadata applies reviewer assignments and comments for the target.
func (e *Engine) applyMetadata(p *Permit, target Status, req TransitionRequest) {
	if md := req.Metadata; md != nil {
		if md.VerifierID != "" {
			p.VerifierID = md.VerifierID
			p.VerifierRole = md.VerifierRole
			p.VerifierGrade = md.VerifierGrade
		}
		if md.ApproverID != "" {
			p.ApproverID = md.ApproverID
		}
		if md.IssuerID != "" {
			p.IssuerID = md.IssuerID
		}
		if md.ReceiverID != "" {
			p.ReceiverID = md.ReceiverID
		}
	}
	switch target {
	case StatusUnderReview:
		if req.Comments != "" {
			p.VerificationComments = req.Comments
		}
	case StatusApproved, StatusRejected:
		if req.Comments != "" {
			p.ApprovalComments = req.Comments
		}
	}
}

// settleApprovalSteps implements first-approver-wins inside the transaction:
// the acting approver's pending step is resolved and every other pending
// approval step is skipped. The workflow instance closes with the review.
func (e *Engine) settleApprovalSteps(ctx context.Context, tx Tx, p *Permit, target Status, req TransitionRequest, now time.Time) error {
	steps, err := tx.Steps(ctx, p.ID)
	if err != nil {
		return err
	}
	for _, step := range steps {
		if step.Kind != StepApproval || step.Status != StepPending {
			continue
		}
		if !req.System && step.AssigneeID == req.Actor.UserID {
			if target == StatusApproved {
				step.Status = StepApproved
			} else {
				step.Status = StepRejected
			}
			step.Comments = req.Comments
		} else {
			step.Status = StepSkipped
		}
		step.CompletedAt = &now
		if err := tx.SaveStep(ctx, step); err != nil {
			return err
		}
	}
	wf, err := tx.WorkflowByPermit(ctx, p.ID)
	if err == nil && wf != nil && wf.Status != WorkflowCompleted {
		wf.Status = WorkflowCompleted
		if err := tx.SaveWorkflow(ctx, wf); err != nil {
			return err
		}
	}
	return nil
}

// emit hands the event to the sink, isolating the transition from dispatcher
// panics and errors.
func (e *Engine) emit(ctx context.Context, ev TransitionEvent) {
	if e.sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			obs.Error("event sink panic", map[string]any{
				"permit": ev.Permit.ID,
				"to":     string(ev.To),
				"panic":  r,
			})
		}
	}()
	e.sink.PermitTransitioned(ctx, ev)
}
