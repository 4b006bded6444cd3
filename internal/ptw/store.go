package ptw

import (
	"context"
	"time"

	"athens-ptw.org/internal/tenant"
)

// Filter narrows permit listings. All queries are additionally bounded by the
// caller's tenant scope.
type Filter struct {
	Status            []Status
	TypeID            string
	ProjectID         string
	CreatorID         string
	ActiveEndedBefore *time.Time // active permits whose planned end is past this instant
	ActiveEndingBy    *time.Time // active permits ending on or before this instant
	Limit             int
}

// DescriptiveUpdate carries the editable fields of a permit. Status is
// deliberately absent; only the engine writes it.
type DescriptiveUpdate struct {
	Title             *string
	Description       *string
	Location          *string
	Priority          *string
	WorkNature        *WorkNature
	ControlMeasures   *string
	PlannedStart      *time.Time
	PlannedEnd        *time.Time
	PPERequirements   *[]string
	SafetyChecklist   map[string]ChecklistItem
	RequiresIsolation *bool
	IsolationDetails  *string
	RiskProbability   *int
	RiskSeverity      *int
	IssuerID          *string
	ReceiverID        *string

	// ExpectVersion, when non-zero, makes the update optimistic: it fails
	// with a CONFLICT error unless the stored version still matches.
	ExpectVersion int
}

// Tx is the mutation surface available while the permit row lock is held.
// Everything done through it commits or rolls back atomically.
type Tx interface {
	SavePermit(ctx context.Context, p *Permit) error

	CreateWorkflow(ctx context.Context, w *WorkflowInstance) error
	SaveWorkflow(ctx context.Context, w *WorkflowInstance) error
	WorkflowByPermit(ctx context.Context, permitID string) (*WorkflowInstance, error)
	CreateStep(ctx context.Context, s *WorkflowStep) error
	SaveStep(ctx context.Context, s *WorkflowStep) error
	Steps(ctx context.Context, permitID string) ([]*WorkflowStep, error)

	Signatures(ctx context.Context, permitID string) ([]Signature, error)
	Collateral(ctx context.Context, p *Permit) (PermitCollateral, error)

	AppendAudit(ctx context.Context, a *AuditEntry) error
}

// Store is the durable permit store. Every read is filtered by the caller's
// tenant scope; status changes never go through the plain write methods, only
// through the engine's WithPermit path.
type Store interface {
	CreatePermit(ctx context.Context, scope tenant.Scope, p *Permit) error
	GetPermit(ctx context.Context, scope tenant.Scope, id string) (*Permit, error)
	GetPermitByOfflineID(ctx context.Context, scope tenant.Scope, offlineID string) (*Permit, error)
	ListPermits(ctx context.Context, scope tenant.Scope, f Filter) ([]*Permit, error)
	UpdateDescriptive(ctx context.Context, scope tenant.Scope, id string, upd DescriptiveUpdate) (*Permit, error)

	// WithPermit runs fn while holding an exclusive lock on the permit row.
	// fn receives a mutable copy of the permit and a transactional mutation
	// surface; returning an error rolls everything back.
	WithPermit(ctx context.Context, scope tenant.Scope, id string, fn func(ctx context.Context, p *Permit, tx Tx) error) error

	PermitType(ctx context.Context, scope tenant.Scope, id string) (*PermitType, error)
	CreatePermitType(ctx context.Context, scope tenant.Scope, t *PermitType) error
	ListPermitTypes(ctx context.Context, scope tenant.Scope) ([]*PermitType, error)

	AppendGasReading(ctx context.Context, scope tenant.Scope, r *GasReading) error
	ListGasReadings(ctx context.Context, scope tenant.Scope, permitID string) ([]GasReading, error)
	AppendPhoto(ctx context.Context, scope tenant.Scope, ph *Photo) error

	UpsertIsolationPoint(ctx context.Context, scope tenant.Scope, pt *IsolationPoint) error
	ListIsolationPoints(ctx context.Context, scope tenant.Scope, permitID string) ([]IsolationPoint, error)

	GetCloseout(ctx context.Context, scope tenant.Scope, permitID string) (*Closeout, error)
	UpsertCloseout(ctx context.Context, scope tenant.Scope, c *Closeout) error

	CreateExtension(ctx context.Context, scope tenant.Scope, e *Extension) error
	ListExtensions(ctx context.Context, scope tenant.Scope, permitID string) ([]Extension, error)
	SaveExtension(ctx context.Context, scope tenant.Scope, e *Extension) error

	AddSignature(ctx context.Context, scope tenant.Scope, s *Signature) error
	ListSignatures(ctx context.Context, scope tenant.Scope, permitID string) ([]Signature, error)

	AppendAudit(ctx context.Context, a *AuditEntry) error
	ListAudit(ctx context.Context, scope tenant.Scope, permitID string) ([]AuditEntry, error)

	WorkflowByPermit(ctx context.Context, scope tenant.Scope, permitID string) (*WorkflowInstance, error)
	StepsByPermit(ctx context.Context, scope tenant.Scope, permitID string) ([]*WorkflowStep, error)
	ListPendingSteps(ctx context.Context, scope tenant.Scope, olderThan time.Time) ([]*WorkflowStep, error)

	// Idempotency register for offline sync; rows are never deleted.
	AppliedChange(ctx context.Context, deviceID, offlineID, entity string) (*AppliedChange, bool, error)
	RecordAppliedChange(ctx context.Context, ac *AppliedChange) error
}
