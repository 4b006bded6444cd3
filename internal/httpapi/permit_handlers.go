package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"athens-ptw.org/internal/ptw"
	"athens-ptw.org/internal/tenant"
)

type createPermitTypeRequest struct {
	Name                          string                      `json:"name"`
	Category                      string                      `json:"category"`
	RiskLevel                     string                      `json:"risk_level"`
	DefaultValidityHours          int                         `json:"default_validity_hours"`
	RequiresGasTesting            bool                        `json:"requires_gas_testing"`
	RequiresStructuredIsolation   bool                        `json:"requires_structured_isolation"`
	RequiresDeisolationOnCloseout bool                        `json:"requires_deisolation_on_closeout"`
	MandatoryPPE                  []string                    `json:"mandatory_ppe"`
	SafetyChecklistTemplate       []ptw.ChecklistTemplateItem `json:"safety_checklist_template"`
	CloseoutChecklistTemplate     []ptw.ChecklistTemplateItem `json:"closeout_checklist_template"`
	MaxValidityExtensions         int                         `json:"max_validity_extensions"`
	OverdueThresholdHours         int                         `json:"overdue_threshold_hours"`
}

func (a *API) createPermitType(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	if !p.IsMaster() && p.Role != tenant.RoleProjectAdmin {
		writeError(w, r, http.StatusForbidden, errorBody{Code: "PERMISSION_DENIED", Message: "only admins may manage permit types"})
		return
	}
	var req createPermitTypeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		badRequest(w, r, "name is required")
		return
	}
	t := &ptw.PermitType{
		TenantID:                      p.TenantID,
		Name:                          strings.TrimSpace(req.Name),
		Category:                      ptw.Category(req.Category),
		RiskLevel:                     ptw.RiskLevel(req.RiskLevel),
		DefaultValidityHours:          req.DefaultValidityHours,
		RequiresGasTesting:            req.RequiresGasTesting,
		RequiresStructuredIsolation:   req.RequiresStructuredIsolation,
		RequiresDeisolationOnCloseout: req.RequiresDeisolationOnCloseout,
		MandatoryPPE:                  req.MandatoryPPE,
		SafetyChecklistTemplate:       req.SafetyChecklistTemplate,
		CloseoutChecklistTemplate:     req.CloseoutChecklistTemplate,
		MaxValidityExtensions:         req.MaxValidityExtensions,
		OverdueThresholdHours:         req.OverdueThresholdHours,
	}
	if err := a.svc.Store().CreatePermitType(r.Context(), p.Scope(), t); err != nil {
		handleDomainError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/permit-types/"+t.ID)
	writeJSON(w, http.StatusCreated, t)
}

func (a *API) listPermitTypes(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	types, err := a.svc.Store().ListPermitTypes(r.Context(), p.Scope())
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": types})
}

func (a *API) getPermitType(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	t, err := a.svc.Store().PermitType(r.Context(), p.Scope(), r.PathValue("id"))
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type createPermitRequest struct {
	TypeID            string    `json:"type_id"`
	Title             string    `json:"title"`
	Description       string    `json:"description"`
	Location          string    `json:"location"`
	WorkNature        string    `json:"work_nature"`
	Priority          string    `json:"priority"`
	PlannedStart      time.Time `json:"planned_start_time"`
	PlannedEnd        time.Time `json:"planned_end_time"`
	RiskProbability   int       `json:"risk_probability"`
	RiskSeverity      int       `json:"risk_severity"`
	ControlMeasures   string    `json:"control_measures"`
	PPERequirements   []string  `json:"ppe_requirements"`
	RequiresIsolation bool      `json:"requires_isolation"`
	IsolationDetails  string    `json:"isolation_details"`
	OfflineID         string    `json:"offline_id"`
}

func (a *API) createPermit(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	var req createPermitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	permit, err := a.svc.CreatePermit(r.Context(), p.Scope(), p, ptw.CreatePermitRequest{
		TypeID:            req.TypeID,
		Title:             req.Title,
		Description:       req.Description,
		Location:          req.Location,
		WorkNature:        ptw.WorkNature(req.WorkNature),
		Priority:          req.Priority,
		PlannedStart:      req.PlannedStart,
		PlannedEnd:        req.PlannedEnd,
		RiskProbability:   req.RiskProbability,
		RiskSeverity:      req.RiskSeverity,
		ControlMeasures:   req.ControlMeasures,
		PPERequirements:   req.PPERequirements,
		RequiresIsolation: req.RequiresIsolation,
		IsolationDetails:  req.IsolationDetails,
		OfflineID:         req.OfflineID,
	})
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/permits/"+permit.ID)
	writeJSON(w, http.StatusCreated, permit)
}

func (a *API) listPermits(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	var f ptw.Filter
	for _, raw := range strings.Split(q.Get("status"), ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		st, ok := ptw.NormalizeStatus(raw)
		if !ok {
			badRequest(w, r, "unknown status "+raw)
			return
		}
		f.Status = append(f.Status, st)
	}
	f.TypeID = q.Get("type_id")
	f.ProjectID = q.Get("project_id")
	f.CreatorID = q.Get("creator_id")
	f.Limit = a.cfg.BulkExportLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > a.cfg.BulkExportLimit {
			badRequest(w, r, fmt.Sprintf("limit must be between 1 and %d", a.cfg.BulkExportLimit))
			return
		}
		f.Limit = n
	}
	items, err := a.svc.Store().ListPermits(r.Context(), p.Scope(), f)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"as_of": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) getPermit(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	permit, err := a.svc.Store().GetPermit(r.Context(), p.Scope(), r.PathValue("id"))
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, permit)
}

type updatePermitRequest struct {
	Title             *string                      `json:"title"`
	Description       *string                      `json:"description"`
	Location          *string                      `json:"location"`
	WorkNature        *string                      `json:"work_nature"`
	Priority          *string                      `json:"priority"`
	PlannedStart      *time.Time                   `json:"planned_start_time"`
	PlannedEnd        *time.Time                   `json:"planned_end_time"`
	RiskProbability   *int                         `json:"risk_probability"`
	RiskSeverity      *int                         `json:"risk_severity"`
	ControlMeasures   *string                      `json:"control_measures"`
	PPERequirements   *[]string                    `json:"ppe_requirements"`
	SafetyChecklist   map[string]ptw.ChecklistItem `json:"safety_checklist"`
	RequiresIsolation *bool                        `json:"requires_isolation"`
	IsolationDetails  *string                      `json:"isolation_details"`
	IssuerID          *string                      `json:"issuer_id"`
	ReceiverID        *string                      `json:"receiver_id"`
	ExpectVersion     int                          `json:"expect_version"`
}

func (a *API) updatePermit(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	var req updatePermitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	upd := ptw.DescriptiveUpdate{
		Title:             req.Title,
		Description:       req.Description,
		Location:          req.Location,
		Priority:          req.Priority,
		PlannedStart:      req.PlannedStart,
		PlannedEnd:        req.PlannedEnd,
		RiskProbability:   req.RiskProbability,
		RiskSeverity:      req.RiskSeverity,
		ControlMeasures:   req.ControlMeasures,
		PPERequirements:   req.PPERequirements,
		SafetyChecklist:   req.SafetyChecklist,
		RequiresIsolation: req.RequiresIsolation,
		IsolationDetails:  req.IsolationDetails,
		IssuerID:          req.IssuerID,
		ReceiverID:        req.ReceiverID,
		ExpectVersion:     req.ExpectVersion,
	}
	if req.WorkNature != nil {
		wn := ptw.WorkNature(*req.WorkNature)
		upd.WorkNature = &wn
	}
	permit, err := a.svc.UpdatePermit(r.Context(), p.Scope(), p, r.PathValue("id"), upd)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, permit)
}

type transitionRequest struct {
	Status   string `json:"status"`
	Comments string `json:"comments"`

	VerifierID string `json:"verifier_id,omitempty"`
	ApproverID string `json:"approver_id,omitempty"`
	IssuerID   string `json:"issuer_id,omitempty"`
	ReceiverID string `json:"receiver_id,omitempty"`
}

// transitionPermit is the direct state machine endpoint. Legacy status labels
// from older mobile builds are accepted and normalised.
func (a *API) transitionPermit(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	var req transitionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	target, valid := ptw.NormalizeStatus(req.Status)
	if !valid {
		writeError(w, r, http.StatusBadRequest, errorBody{
			Code: "STATUS_UNKNOWN", Field: "status",
			Message: "unknown status " + req.Status,
		})
		return
	}
	var md *ptw.Metadata
	if req.VerifierID != "" || req.ApproverID != "" || req.IssuerID != "" || req.ReceiverID != "" {
		md = &ptw.Metadata{
			VerifierID: req.VerifierID,
			ApproverID: req.ApproverID,
			IssuerID:   req.IssuerID,
			ReceiverID: req.ReceiverID,
		}
	}
	permit, err := a.svc.Engine().Transition(r.Context(), p.Scope(), ptw.TransitionRequest{
		PermitID: r.PathValue("id"),
		Target:   target,
		Actor:    p,
		Comments: req.Comments,
		Metadata: md,
	})
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, permit)
}
