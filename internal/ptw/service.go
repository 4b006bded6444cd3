package ptw

import (
	"context"
	"fmt"
	"strings"
	"time"

	"athens-ptw.org/internal/ids"
	"athens-ptw.org/internal/obs"
	"athens-ptw.org/internal/tenant"
)

// Service is the application facade the HTTP layer talks to. It composes the
// store, the state machine, the workflow orchestrator and the signature
// service, and owns the non-transition business operations.
type Service struct {
	store      Store
	engine     *Engine
	workflow   *Workflow
	signatures *SignatureService
	now        func() time.Time
}

// ServiceOption configures the service.
type ServiceOption func(*Service)

// WithServiceClock overrides the time source (tests).
func WithServiceClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService wires the facade.
func NewService(store Store, engine *Engine, workflow *Workflow, signatures *SignatureService, opts ...ServiceOption) *Service {
	s := &Service{
		store:      store,
		engine:     engine,
		workflow:   workflow,
		signatures: signatures,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Engine exposes the state machine for direct transition endpoints and jobs.
func (s *Service) Engine() *Engine { return s.engine }

// Workflow exposes the review orchestrator.
func (s *Service) Workflow() *Workflow { return s.workflow }

// Signatures exposes the signature service.
func (s *Service) Signatures() *SignatureService { return s.signatures }

// Store exposes the underlying store for read-only handlers.
func (s *Service) Store() Store { return s.store }

// audit records a trail entry. A failed write never fails the operation it
// describes, but it is logged rather than dropped.
func (s *Service) audit(ctx context.Context, a *AuditEntry) {
	if err := s.store.AppendAudit(ctx, a); err != nil {
		obs.Error("audit append failed", map[string]any{
			"permit": a.PermitID, "action": a.Action, "err": err.Error(),
		})
	}
}

// CreatePermitRequest carries the fields of a new permit.
type CreatePermitRequest struct {
	TypeID            string
	Title             string
	Description       string
	Location          string
	WorkNature        WorkNature
	Priority          string
	PlannedStart      time.Time
	PlannedEnd        time.Time
	RiskProbability   int
	RiskSeverity      int
	ControlMeasures   string
	PPERequirements   []string
	RequiresIsolation bool
	IsolationDetails  string
	OfflineID         string
}

// CreatePermit validates and stores a new draft permit, denormalising the
// creator's role and grade and opening its workflow instance.
func (s *Service) CreatePermit(ctx context.Context, scope tenant.Scope, actor tenant.Principal, req CreatePermitRequest) (*Permit, error) {
	if !CanCreate(actor) {
		return nil, permissionErr(ActionCreate,
			fmt.Sprintf("role %s grade %s may not create permits", actor.Role, actor.Grade))
	}
	if strings.TrimSpace(req.Title) == "" {
		return nil, validationErr("title", "TITLE_REQUIRED", "title is required", nil)
	}
	if req.TypeID == "" {
		return nil, validationErr("type_id", "TYPE_REQUIRED", "type_id is required", nil)
	}
	typ, err := s.store.PermitType(ctx, scope, req.TypeID)
	if err != nil {
		return nil, err
	}
	if req.PlannedStart.IsZero() {
		return nil, validationErr("planned_start_time", "PLANNED_START_REQUIRED", "planned start time is required", nil)
	}
	if req.PlannedEnd.IsZero() && typ.DefaultValidityHours > 0 {
		req.PlannedEnd = req.PlannedStart.Add(time.Duration(typ.DefaultValidityHours) * time.Hour)
	}
	if !req.PlannedEnd.After(req.PlannedStart) {
		return nil, validationErr("planned_end_time", "PLANNED_END_INVALID",
			"planned end time must follow the planned start time", nil)
	}
	if req.RiskProbability < 1 || req.RiskProbability > 5 {
		return nil, validationErr("risk_probability", "RISK_OUT_OF_RANGE", "risk probability must be 1-5", nil)
	}
	if req.RiskSeverity < 1 || req.RiskSeverity > 5 {
		return nil, validationErr("risk_severity", "RISK_OUT_OF_RANGE", "risk severity must be 1-5", nil)
	}

	now := s.now().UTC()
	p := &Permit{
		ID:                ids.New(),
		TenantID:          actor.TenantID,
		ProjectID:         actor.ProjectID,
		TypeID:            typ.ID,
		Title:             strings.TrimSpace(req.Title),
		Description:       req.Description,
		Location:          req.Location,
		WorkNature:        req.WorkNature,
		Priority:          req.Priority,
		Status:            StatusDraft,
		RiskProbability:   req.RiskProbability,
		RiskSeverity:      req.RiskSeverity,
		RiskLevel:         RiskLevelFor(req.RiskProbability, req.RiskSeverity),
		ControlMeasures:   req.ControlMeasures,
		PPERequirements:   append([]string(nil), req.PPERequirements...),
		RequiresIsolation: req.RequiresIsolation,
		IsolationDetails:  req.IsolationDetails,
		CreatorID:         actor.UserID,
		CreatorRole:       actor.Role,
		CreatorGrade:      actor.Grade,
		PlannedStart:      req.PlannedStart.UTC(),
		PlannedEnd:        req.PlannedEnd.UTC(),
		OfflineID:         req.OfflineID,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.CreatePermit(ctx, scope, p); err != nil {
		return nil, err
	}
	if _, err := s.workflow.Initiate(ctx, scope, p.ID, actor); err != nil {
		return nil, err
	}
	s.audit(ctx, &AuditEntry{
		ID:       ids.New(),
		PermitID: p.ID,
		Action:   "created",
		UserID:   actor.UserID,
		At:       now,
		NewValues: map[string]any{
			"permit_number": p.Number,
			"type_id":       p.TypeID,
			"risk_level":    string(p.RiskLevel),
		},
	})
	return s.store.GetPermit(ctx, scope, p.ID)
}

// editableStatuses are the lifecycle states in which descriptive fields may
// still change. Once a permit is approved the record is frozen except through
// the dedicated collateral endpoints.
var editableStatuses = map[Status]bool{
	StatusDraft:       true,
	StatusSubmitted:   true,
	StatusUnderReview: true,
	StatusRejected:    true,
}

// UpdatePermit applies a descriptive update after authorization. Status never
// changes here.
func (s *Service) UpdatePermit(ctx context.Context, scope tenant.Scope, actor tenant.Principal, id string, upd DescriptiveUpdate) (*Permit, error) {
	p, err := s.store.GetPermit(ctx, scope, id)
	if err != nil {
		return nil, err
	}
	if err := Authorize(actor, p, ActionEdit); err != nil {
		return nil, err
	}
	if !editableStatuses[p.Status] {
		return nil, validationErr("status", "NOT_EDITABLE",
			fmt.Sprintf("permit in status %s cannot be edited", p.Status), nil)
	}
	out, err := s.store.UpdateDescriptive(ctx, scope, id, upd)
	if err != nil {
		return nil, err
	}
	s.audit(ctx, &AuditEntry{
		ID:       ids.New(),
		PermitID: id,
		Action:   "updated",
		UserID:   actor.UserID,
		At:       s.now().UTC(),
	})
	return out, nil
}

// RecordGasReading appends an atmosphere test result to the permit.
func (s *Service) RecordGasReading(ctx context.Context, scope tenant.Scope, actor tenant.Principal, r *GasReading) (*GasReading, error) {
	if r.Status != GasSafe && r.Status != GasUnsafe {
		return nil, validationErr("status", "GAS_STATUS_INVALID", "gas reading status must be safe or unsafe", nil)
	}
	if r.GasType == "" {
		return nil, validationErr("gas_type", "GAS_TYPE_REQUIRED", "gas_type is required", nil)
	}
	p, err := s.store.GetPermit(ctx, scope, r.PermitID)
	if err != nil {
		return nil, err
	}
	if IsTerminal(p.Status) {
		return nil, validationErr("status", "PERMIT_CLOSED", "gas readings cannot be added to a closed permit", nil)
	}
	r.ID = ids.New()
	r.TestedBy = actor.UserID
	r.TestedAt = s.now().UTC()
	if err := s.store.AppendGasReading(ctx, scope, r); err != nil {
		return nil, err
	}
	s.audit(ctx, &AuditEntry{
		ID:       ids.New(),
		PermitID: r.PermitID,
		Action:   "gas_reading_added",
		UserID:   actor.UserID,
		At:       r.TestedAt,
		NewValues: map[string]any{
			"gas_type": r.GasType,
			"reading":  r.Reading,
			"status":   r.Status,
		},
	})
	return r, nil
}

// UpdateIsolationPoint moves one lockout point along the monotonic
// progression, stamping the acting user on the stage it entered.
func (s *Service) UpdateIsolationPoint(ctx context.Context, scope tenant.Scope, actor tenant.Principal, pt *IsolationPoint) (*IsolationPoint, error) {
	if IsolationRank(pt.Status) < 0 {
		return nil, validationErr("status", "ISOLATION_STATUS_INVALID",
			fmt.Sprintf("unknown isolation status %q", pt.Status), nil)
	}
	now := s.now().UTC()
	switch pt.Status {
	case IsolationIsolated:
		pt.IsolatedBy = actor.UserID
		pt.IsolatedAt = &now
	case IsolationVerified:
		pt.VerifiedBy = actor.UserID
		pt.VerifiedAt = &now
	case IsolationDeisolated:
		pt.DeisolatedBy = actor.UserID
		pt.DeisolatedAt = &now
	}
	if err := s.store.UpsertIsolationPoint(ctx, scope, pt); err != nil {
		return nil, err
	}
	s.audit(ctx, &AuditEntry{
		ID:       ids.New(),
		PermitID: pt.PermitID,
		Action:   "isolation_point_updated",
		UserID:   actor.UserID,
		At:       now,
		NewValues: map[string]any{
			"point":  pt.Name,
			"status": string(pt.Status),
		},
	})
	return pt, nil
}

// UpdateCloseout merges checklist completion into the permit's closeout
// record, creating it on first write.
func (s *Service) UpdateCloseout(ctx context.Context, scope tenant.Scope, actor tenant.Principal, c *Closeout) (*Closeout, error) {
	p, err := s.store.GetPermit(ctx, scope, c.PermitID)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusActive && p.Status != StatusSuspended {
		return nil, validationErr("status", "CLOSEOUT_NOT_OPEN",
			fmt.Sprintf("closeout can only be recorded for active permits, not %s", p.Status), nil)
	}
	now := s.now().UTC()
	for k, item := range c.Checklist {
		if item.Done && item.By == "" {
			item.By = actor.UserID
			item.At = &now
			c.Checklist[k] = item
		}
	}
	if c.Completed {
		c.CompletedBy = actor.UserID
		c.CompletedAt = &now
	}
	if err := s.store.UpsertCloseout(ctx, scope, c); err != nil {
		return nil, err
	}
	s.audit(ctx, &AuditEntry{
		ID:       ids.New(),
		PermitID: c.PermitID,
		Action:   "closeout_updated",
		UserID:   actor.UserID,
		At:       now,
	})
	return s.store.GetCloseout(ctx, scope, c.PermitID)
}

// RequestExtension files a validity extension request against an active
// permit, subject to the per-type cap.
func (s *Service) RequestExtension(ctx context.Context, scope tenant.Scope, actor tenant.Principal, permitID string, newEnd time.Time, reason string) (*Extension, error) {
	p, err := s.store.GetPermit(ctx, scope, permitID)
	if err != nil {
		return nil, err
	}
	if err := Authorize(actor, p, ActionExtend); err != nil {
		return nil, err
	}
	if p.Status != StatusActive {
		return nil, validationErr("status", "NOT_ACTIVE",
			fmt.Sprintf("extensions apply to active permits, not %s", p.Status), nil)
	}
	if !newEnd.After(p.PlannedEnd) {
		return nil, validationErr("new_end_time", "EXTENSION_NOT_FORWARD",
			"the new end time must be after the current planned end", nil)
	}
	typ, err := s.store.PermitType(ctx, scope, p.TypeID)
	if err != nil {
		return nil, err
	}
	existing, err := s.store.ListExtensions(ctx, scope, permitID)
	if err != nil {
		return nil, err
	}
	if err := ValidateExtensionLimit(typ, existing); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	ext := &Extension{
		ID:          ids.New(),
		PermitID:    permitID,
		RequestedBy: actor.UserID,
		NewEnd:      newEnd.UTC(),
		Hours:       newEnd.Sub(p.PlannedEnd).Hours(),
		Reason:      reason,
		Status:      ExtensionPending,
		CreatedAt:   now,
	}
	if err := s.store.CreateExtension(ctx, scope, ext); err != nil {
		return nil, err
	}
	s.audit(ctx, &AuditEntry{
		ID:       ids.New(),
		PermitID: permitID,
		Action:   "extension_requested",
		UserID:   actor.UserID,
		At:       now,
		NewValues: map[string]any{
			"new_end_time":    ext.NewEnd.Format(time.RFC3339),
			"extension_hours": ext.Hours,
		},
	})
	return ext, nil
}

// DecideExtension approves or rejects a pending extension. Approval pushes
// the permit's planned end out to the requested time.
func (s *Service) DecideExtension(ctx context.Context, scope tenant.Scope, actor tenant.Principal, permitID, extensionID string, approve bool) (*Extension, error) {
	p, err := s.store.GetPermit(ctx, scope, permitID)
	if err != nil {
		return nil, err
	}
	if !actor.IsMaster() && actor.UserID != p.ApproverID && actor.UserID != p.IssuerID {
		return nil, permissionErr(ActionExtend, "only the approver or issuer may decide extensions")
	}
	rows, err := s.store.ListExtensions(ctx, scope, permitID)
	if err != nil {
		return nil, err
	}
	var ext *Extension
	for i := range rows {
		if rows[i].ID == extensionID {
			ext = &rows[i]
			break
		}
	}
	if ext == nil {
		return nil, notFoundErr("extension", extensionID)
	}
	if ext.Status != ExtensionPending {
		return nil, conflictErr("extension", 0, 0, "extension has already been decided")
	}

	now := s.now().UTC()
	ext.DecidedBy = actor.UserID
	ext.DecidedAt = &now
	if approve {
		ext.Status = ExtensionApproved
	} else {
		ext.Status = ExtensionRejected
	}
	if err := s.store.SaveExtension(ctx, scope, ext); err != nil {
		return nil, err
	}
	if approve {
		end := ext.NewEnd
		if _, err := s.store.UpdateDescriptive(ctx, scope, permitID, DescriptiveUpdate{PlannedEnd: &end}); err != nil {
			return nil, err
		}
	}
	s.audit(ctx, &AuditEntry{
		ID:       ids.New(),
		PermitID: permitID,
		Action:   "extension_decided",
		UserID:   actor.UserID,
		At:       now,
		NewValues: map[string]any{
			"extension_id": ext.ID,
			"status":       string(ext.Status),
		},
	})
	return ext, nil
}

// AddPhoto attaches an external photo reference to the permit.
func (s *Service) AddPhoto(ctx context.Context, scope tenant.Scope, actor tenant.Principal, ph *Photo) (*Photo, error) {
	if strings.TrimSpace(ph.URL) == "" {
		return nil, validationErr("url", "URL_REQUIRED", "photo url is required", nil)
	}
	ph.ID = ids.New()
	ph.TakenBy = actor.UserID
	ph.CreatedAt = s.now().UTC()
	if err := s.store.AppendPhoto(ctx, scope, ph); err != nil {
		return nil, err
	}
	return ph, nil
}
