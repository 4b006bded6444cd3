package httpapi

import (
	"net/http"
	"time"

	"athens-ptw.org/internal/ptw"
)

type gasReadingRequest struct {
	GasType string  `json:"gas_type"`
	Reading float64 `json:"reading"`
	Unit    string  `json:"unit"`
	Status  string  `json:"status"`
}

func (a *API) addGasReading(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	var req gasReadingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	reading, err := a.svc.RecordGasReading(r.Context(), p.Scope(), p, &ptw.GasReading{
		PermitID: r.PathValue("id"),
		GasType:  req.GasType,
		Reading:  req.Reading,
		Unit:     req.Unit,
		Status:   req.Status,
	})
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, reading)
}

func (a *API) listGasReadings(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	readings, err := a.svc.Store().ListGasReadings(r.Context(), p.Scope(), r.PathValue("id"))
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": readings})
}

type isolationPointRequest struct {
	ID         string   `json:"id,omitempty"`
	LibraryRef string   `json:"library_ref,omitempty"`
	Name       string   `json:"name"`
	Status     string   `json:"status,omitempty"`
	LockCount  int      `json:"lock_count,omitempty"`
	LockIDs    []string `json:"lock_ids,omitempty"`
	Required   bool     `json:"required"`
}

func (a *API) upsertIsolationPoint(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	var req isolationPointRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if req.Name == "" {
		badRequest(w, r, "name is required")
		return
	}
	status := ptw.IsolationStatus(req.Status)
	if req.Status == "" {
		status = ptw.IsolationAssigned
	}
	pt, err := a.svc.UpdateIsolationPoint(r.Context(), p.Scope(), p, &ptw.IsolationPoint{
		ID:         req.ID,
		PermitID:   r.PathValue("id"),
		LibraryRef: req.LibraryRef,
		Name:       req.Name,
		Status:     status,
		LockCount:  req.LockCount,
		LockIDs:    req.LockIDs,
		Required:   req.Required,
	})
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, pt)
}

func (a *API) listIsolationPoints(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	points, err := a.svc.Store().ListIsolationPoints(r.Context(), p.Scope(), r.PathValue("id"))
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": points})
}

type isolationPointUpdateRequest struct {
	Status    string   `json:"status"`
	LockCount *int     `json:"lock_count,omitempty"`
	LockIDs   []string `json:"lock_ids,omitempty"`
}

func (a *API) updateIsolationPoint(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	var req isolationPointUpdateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	permitID := r.PathValue("id")
	pointID := r.PathValue("pointID")

	points, err := a.svc.Store().ListIsolationPoints(r.Context(), p.Scope(), permitID)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	var current *ptw.IsolationPoint
	for i := range points {
		if points[i].ID == pointID {
			current = &points[i]
			break
		}
	}
	if current == nil {
		writeError(w, r, http.StatusNotFound, errorBody{Code: "NOT_FOUND", Message: "isolation point not found"})
		return
	}
	current.Status = ptw.IsolationStatus(req.Status)
	if req.LockCount != nil {
		current.LockCount = *req.LockCount
	}
	if req.LockIDs != nil {
		current.LockIDs = req.LockIDs
	}
	pt, err := a.svc.UpdateIsolationPoint(r.Context(), p.Scope(), p, current)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pt)
}

func (a *API) getCloseout(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	c, err := a.svc.Store().GetCloseout(r.Context(), p.Scope(), r.PathValue("id"))
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	if c == nil {
		writeError(w, r, http.StatusNotFound, errorBody{Code: "NOT_FOUND", Message: "closeout not started"})
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type closeoutRequest struct {
	Checklist map[string]ptw.ChecklistItem `json:"checklist"`
	Completed bool                         `json:"completed"`
}

func (a *API) putCloseout(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	var req closeoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	c, err := a.svc.UpdateCloseout(r.Context(), p.Scope(), p, &ptw.Closeout{
		PermitID:  r.PathValue("id"),
		Checklist: req.Checklist,
		Completed: req.Completed,
	})
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type extensionRequest struct {
	NewEnd time.Time `json:"new_end_time"`
	Reason string    `json:"reason"`
}

func (a *API) requestExtension(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	var req extensionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if req.NewEnd.IsZero() {
		badRequest(w, r, "new_end_time is required")
		return
	}
	ext, err := a.svc.RequestExtension(r.Context(), p.Scope(), p, r.PathValue("id"), req.NewEnd, req.Reason)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ext)
}

func (a *API) listExtensions(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	exts, err := a.svc.Store().ListExtensions(r.Context(), p.Scope(), r.PathValue("id"))
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": exts})
}

type decideExtensionRequest struct {
	Approve bool `json:"approve"`
}

func (a *API) decideExtension(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	var req decideExtensionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	ext, err := a.svc.DecideExtension(r.Context(), p.Scope(), p, r.PathValue("id"), r.PathValue("extID"), req.Approve)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ext)
}

type photoRequest struct {
	URL     string `json:"url"`
	Caption string `json:"caption,omitempty"`
}

func (a *API) addPhoto(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	var req photoRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	ph, err := a.svc.AddPhoto(r.Context(), p.Scope(), p, &ptw.Photo{
		PermitID: r.PathValue("id"),
		URL:      req.URL,
		Caption:  req.Caption,
	})
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ph)
}
