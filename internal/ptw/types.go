package ptw

import (
	"fmt"
	"strings"
	"time"

	"athens-ptw.org/internal/tenant"
)

// Category enumerates classes of hazardous work.
type Category string

const (
	CategoryHotWork       Category = "hot_work"
	CategoryConfinedSpace Category = "confined_space"
	CategoryElectrical    Category = "electrical"
	CategoryHeight        Category = "height"
	CategoryChemical      Category = "chemical"
	CategoryExcavation    Category = "excavation"
	CategoryLifting       Category = "lifting"
	CategoryGeneral       Category = "general"
)

// RiskLevel buckets the probability x severity score.
type RiskLevel string

const (
	RiskLow     RiskLevel = "low"
	RiskMedium  RiskLevel = "medium"
	RiskHigh    RiskLevel = "high"
	RiskExtreme RiskLevel = "extreme"
)

// RiskLevelFor derives the level from a probability (1-5) and severity (1-5).
func RiskLevelFor(probability, severity int) RiskLevel {
	score := probability * severity
	switch {
	case score >= 17:
		return RiskExtreme
	case score >= 10:
		return RiskHigh
	case score >= 5:
		return RiskMedium
	default:
		return RiskLow
	}
}

// ChecklistTemplateItem describes one entry of a safety or closeout template.
type ChecklistTemplateItem struct {
	Key      string `json:"key"`
	Label    string `json:"label"`
	Required bool   `json:"required"`
}

// ChecklistItem is the per-permit completion state of one checklist entry.
type ChecklistItem struct {
	Done     bool       `json:"done"`
	By       string     `json:"by,omitempty"`
	At       *time.Time `json:"at,omitempty"`
	Comments string     `json:"comments,omitempty"`
}

// PermitType is a catalogue item describing a class of work. Immutable after
// creation except by admin.
type PermitType struct {
	ID                            string                  `json:"id"`
	TenantID                      string                  `json:"tenant_id"`
	Name                          string                  `json:"name"`
	Category                      Category                `json:"category"`
	RiskLevel                     RiskLevel               `json:"risk_level"`
	DefaultValidityHours          int                     `json:"default_validity_hours"`
	RequiresGasTesting            bool                    `json:"requires_gas_testing"`
	RequiresStructuredIsolation   bool                    `json:"requires_structured_isolation"`
	RequiresDeisolationOnCloseout bool                    `json:"requires_deisolation_on_closeout"`
	MandatoryPPE                  []string                `json:"mandatory_ppe,omitempty"`
	SafetyChecklistTemplate       []ChecklistTemplateItem `json:"safety_checklist_template,omitempty"`
	CloseoutChecklistTemplate     []ChecklistTemplateItem `json:"closeout_checklist_template,omitempty"`
	MaxValidityExtensions         int                     `json:"max_validity_extensions"`
	OverdueThresholdHours         int                     `json:"overdue_threshold_hours,omitempty"`
	CreatedAt                     time.Time               `json:"created_at"`
}

// WorkNature says when the work happens.
type WorkNature string

const (
	WorkDay   WorkNature = "day"
	WorkNight WorkNature = "night"
	WorkBoth  WorkNature = "both"
)

// Permit is the authorisation ticket. Status only ever changes through the
// engine; every other mutation bumps Version.
type Permit struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id"`
	ProjectID string `json:"project_id"`
	Number    string `json:"permit_number"`
	TypeID    string `json:"type_id"`

	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Location    string     `json:"location,omitempty"`
	WorkNature  WorkNature `json:"work_nature,omitempty"`
	Priority    string     `json:"priority,omitempty"`

	Status Status `json:"status"`

	RiskProbability int       `json:"risk_probability,omitempty"`
	RiskSeverity    int       `json:"risk_severity,omitempty"`
	RiskLevel       RiskLevel `json:"risk_level,omitempty"`

	ControlMeasures   string                   `json:"control_measures,omitempty"`
	PPERequirements   []string                 `json:"ppe_requirements,omitempty"`
	SafetyChecklist   map[string]ChecklistItem `json:"safety_checklist,omitempty"`
	RequiresIsolation bool                     `json:"requires_isolation"`
	IsolationDetails  string                   `json:"isolation_details,omitempty"`

	CreatorID  string `json:"creator_id"`
	VerifierID string `json:"verifier_id,omitempty"`
	ApproverID string `json:"approver_id,omitempty"`
	IssuerID   string `json:"issuer_id,omitempty"`
	ReceiverID string `json:"receiver_id,omitempty"`

	// Denormalised actor attributes so that authorization decisions need no
	// directory lookups at decision time.
	CreatorRole   tenant.Role  `json:"creator_role,omitempty"`
	CreatorGrade  tenant.Grade `json:"creator_grade,omitempty"`
	VerifierRole  tenant.Role  `json:"verifier_role,omitempty"`
	VerifierGrade tenant.Grade `json:"verifier_grade,omitempty"`

	PlannedStart time.Time  `json:"planned_start_time"`
	PlannedEnd   time.Time  `json:"planned_end_time"`
	ActualStart  *time.Time `json:"actual_start_time,omitempty"`
	ActualEnd    *time.Time `json:"actual_end_time,omitempty"`

	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	VerifiedAt  *time.Time `json:"verified_at,omitempty"`
	ApprovedAt  *time.Time `json:"approved_at,omitempty"`
	ApprovedBy  string     `json:"approved_by,omitempty"`

	VerificationComments string `json:"verification_comments,omitempty"`
	ApprovalComments     string `json:"approval_comments,omitempty"`

	Version   int       `json:"version"`
	OfflineID string    `json:"offline_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy safe to mutate.
func (p *Permit) Clone() *Permit {
	out := *p
	out.PPERequirements = append([]string(nil), p.PPERequirements...)
	if p.SafetyChecklist != nil {
		out.SafetyChecklist = make(map[string]ChecklistItem, len(p.SafetyChecklist))
		for k, v := range p.SafetyChecklist {
			out.SafetyChecklist[k] = v
		}
	}
	return &out
}

// FormatPermitNumber renders the deterministic tenant-unique permit number.
func FormatPermitNumber(year, seq int) string {
	return fmt.Sprintf("PTW-%04d-%06d", year, seq)
}

// WorkflowInstance tracks the review pipeline of one permit (1:1).
type WorkflowInstance struct {
	ID          string    `json:"id"`
	PermitID    string    `json:"permit_id"`
	CurrentStep int       `json:"current_step"`
	Status      string    `json:"status"` // active | completed
	CreatedAt   time.Time `json:"created_at"`
}

const (
	WorkflowActive    = "active"
	WorkflowCompleted = "completed"
)

// StepKind identifies the workflow step semantics.
type StepKind string

const (
	StepVerifierSelection StepKind = "verifier_selection"
	StepVerification      StepKind = "verification"
	StepApproval          StepKind = "approval"
)

// StepStatus is the lifecycle state of one workflow step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepApproved  StepStatus = "approved"
	StepRejected  StepStatus = "rejected"
	StepCompleted StepStatus = "completed"
	StepSkipped   StepStatus = "skipped"
)

// WorkflowStep is an ordered child of a WorkflowInstance.
type WorkflowStep struct {
	ID          string       `json:"id"`
	InstanceID  string       `json:"instance_id"`
	PermitID    string       `json:"permit_id"`
	Kind        StepKind     `json:"step_id"`
	AssigneeID  string       `json:"assignee_id"`
	Role        tenant.Role  `json:"role,omitempty"`
	Grade       tenant.Grade `json:"grade,omitempty"`
	Order       int          `json:"order"`
	Required    bool         `json:"required"`
	Status      StepStatus   `json:"status"`
	Comments    string       `json:"comments,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}

// SignatureType enumerates the five signature slots of a permit.
type SignatureType string

const (
	SignatureRequestor SignatureType = "requestor"
	SignatureVerifier  SignatureType = "verifier"
	SignatureApprover  SignatureType = "approver"
	SignatureIssuer    SignatureType = "issuer"
	SignatureReceiver  SignatureType = "receiver"
)

// ParseSignatureType validates a raw signature type.
func ParseSignatureType(raw string) (SignatureType, bool) {
	switch SignatureType(strings.ToLower(strings.TrimSpace(raw))) {
	case SignatureRequestor:
		return SignatureRequestor, true
	case SignatureVerifier:
		return SignatureVerifier, true
	case SignatureApprover:
		return SignatureApprover, true
	case SignatureIssuer:
		return SignatureIssuer, true
	case SignatureReceiver:
		return SignatureReceiver, true
	default:
		return "", false
	}
}

// Signature is a digital signature row; (permit, type, signatory) is unique
// and immutable once written.
type Signature struct {
	ID          string        `json:"id"`
	PermitID    string        `json:"permit_id"`
	Type        SignatureType `json:"signature_type"`
	SignatoryID string        `json:"signatory_id"`
	DataURL     string        `json:"signature_data,omitempty"`
	SignedAt    time.Time     `json:"signed_at"`
	IPAddress   string        `json:"ip_address,omitempty"`
	DeviceInfo  string        `json:"device_info,omitempty"`
}

// AuditEntry is one append-only row of the permit audit log.
type AuditEntry struct {
	ID        string         `json:"id"`
	PermitID  string         `json:"permit_id"`
	Action    string         `json:"action"`
	UserID    string         `json:"user_id"`
	At        time.Time      `json:"at"`
	Comments  string         `json:"comments,omitempty"`
	OldValues map[string]any `json:"old_values,omitempty"`
	NewValues map[string]any `json:"new_values,omitempty"`
}

// IsolationStatus is the monotonic lockout progression of one point.
type IsolationStatus string

const (
	IsolationAssigned   IsolationStatus = "assigned"
	IsolationIsolated   IsolationStatus = "isolated"
	IsolationVerified   IsolationStatus = "verified"
	IsolationDeisolated IsolationStatus = "deisolated"
)

var isolationOrder = map[IsolationStatus]int{
	IsolationAssigned:   0,
	IsolationIsolated:   1,
	IsolationVerified:   2,
	IsolationDeisolated: 3,
}

// IsolationRank returns the position of a status in the monotonic
// progression, or -1 for unknown values.
func IsolationRank(s IsolationStatus) int {
	if r, ok := isolationOrder[s]; ok {
		return r
	}
	return -1
}

// IsolationPoint is a per-permit lockout entry.
type IsolationPoint struct {
	ID           string          `json:"id"`
	PermitID     string          `json:"permit_id"`
	LibraryRef   string          `json:"library_ref,omitempty"`
	Name         string          `json:"name"`
	Status       IsolationStatus `json:"status"`
	LockCount    int             `json:"lock_count"`
	LockIDs      []string        `json:"lock_ids,omitempty"`
	Required     bool            `json:"required"`
	IsolatedBy   string          `json:"isolated_by,omitempty"`
	IsolatedAt   *time.Time      `json:"isolated_at,omitempty"`
	VerifiedBy   string          `json:"verified_by,omitempty"`
	VerifiedAt   *time.Time      `json:"verified_at,omitempty"`
	DeisolatedBy string          `json:"deisolated_by,omitempty"`
	DeisolatedAt *time.Time      `json:"deisolated_at,omitempty"`
	Version      int             `json:"version"`
}

// GasReading is an append-only atmosphere test result.
type GasReading struct {
	ID       string    `json:"id"`
	PermitID string    `json:"permit_id"`
	GasType  string    `json:"gas_type"`
	Reading  float64   `json:"reading"`
	Unit     string    `json:"unit"`
	Status   string    `json:"status"` // safe | unsafe
	TestedBy string    `json:"tested_by"`
	TestedAt time.Time `json:"tested_at"`
}

const (
	GasSafe   = "safe"
	GasUnsafe = "unsafe"
)

// Closeout is the end-of-work checklist, created lazily on first write.
type Closeout struct {
	PermitID    string                   `json:"permit_id"`
	Checklist   map[string]ChecklistItem `json:"checklist"`
	Completed   bool                     `json:"completed"`
	CompletedBy string                   `json:"completed_by,omitempty"`
	CompletedAt *time.Time               `json:"completed_at,omitempty"`
	Version     int                      `json:"version"`
}

// ExtensionStatus is the lifecycle of a validity extension request.
type ExtensionStatus string

const (
	ExtensionPending  ExtensionStatus = "pending"
	ExtensionApproved ExtensionStatus = "approved"
	ExtensionRejected ExtensionStatus = "rejected"
)

// Extension is a request to push planned_end_time out.
type Extension struct {
	ID          string          `json:"id"`
	PermitID    string          `json:"permit_id"`
	RequestedBy string          `json:"requested_by"`
	NewEnd      time.Time       `json:"new_end_time"`
	Hours       float64         `json:"extension_hours"`
	Reason      string          `json:"reason,omitempty"`
	Status      ExtensionStatus `json:"status"`
	DecidedBy   string          `json:"decided_by,omitempty"`
	DecidedAt   *time.Time      `json:"decided_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// AppliedChange is the idempotency register row for offline sync. Never
// deleted.
type AppliedChange struct {
	DeviceID  string    `json:"device_id"`
	OfflineID string    `json:"offline_id"`
	Entity    string    `json:"entity"`
	ServerID  string    `json:"server_id"`
	AppliedAt time.Time `json:"applied_at"`
}

// Photo is an append-only attachment reference; the media itself lives in an
// external store addressed by URL.
type Photo struct {
	ID        string    `json:"id"`
	PermitID  string    `json:"permit_id"`
	URL       string    `json:"url"`
	Caption   string    `json:"caption,omitempty"`
	TakenBy   string    `json:"taken_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
