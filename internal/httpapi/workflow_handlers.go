package httpapi

import (
	"net/http"
	"time"

	"athens-ptw.org/internal/ptw"
)

type assignVerifierRequest struct {
	VerifierID string `json:"verifier_id"`
}

func (a *API) assignVerifier(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	var req assignVerifierRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if req.VerifierID == "" {
		badRequest(w, r, "verifier_id is required")
		return
	}
	permit, err := a.svc.Workflow().AssignVerifier(r.Context(), p.Scope(), r.PathValue("id"), req.VerifierID, p)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, permit)
}

type reviewRequest struct {
	Approve    bool   `json:"approve"`
	Comments   string `json:"comments"`
	ApproverID string `json:"approver_id,omitempty"`
}

func (a *API) verifyPermit(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	var req reviewRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	permit, err := a.svc.Workflow().Verify(r.Context(), p.Scope(), r.PathValue("id"), p, ptw.ReviewDecision{
		Approve:    req.Approve,
		Comments:   req.Comments,
		ApproverID: req.ApproverID,
	})
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, permit)
}

func (a *API) approvePermit(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	var req reviewRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	permit, err := a.svc.Workflow().Approve(r.Context(), p.Scope(), r.PathValue("id"), p, ptw.ReviewDecision{
		Approve:  req.Approve,
		Comments: req.Comments,
	})
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, permit)
}

func (a *API) getWorkflow(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	wf, err := a.svc.Store().WorkflowByPermit(r.Context(), p.Scope(), id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	steps, err := a.svc.Store().StepsByPermit(r.Context(), p.Scope(), id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"instance": wf,
		"steps":    steps,
	})
}

func (a *API) listAudit(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	entries, err := a.svc.Store().ListAudit(r.Context(), p.Scope(), r.PathValue("id"))
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}

type addSignatureRequest struct {
	SignatureType string     `json:"signature_type"`
	SignedAt      *time.Time `json:"signed_at,omitempty"`
	DeviceInfo    string     `json:"device_info,omitempty"`
}

func (a *API) addSignature(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	var req addSignatureRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	sig, err := a.svc.Signatures().Add(r.Context(), p.Scope(), r.PathValue("id"), req.SignatureType, p, ptw.SignOptions{
		SignTime:   req.SignedAt,
		IPAddress:  clientIP(r),
		DeviceInfo: req.DeviceInfo,
	})
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sig)
}

func (a *API) listSignatures(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	sigs, err := a.svc.Store().ListSignatures(r.Context(), p.Scope(), r.PathValue("id"))
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": sigs})
}
