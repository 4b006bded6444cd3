package httpapi

import (
	"net/http"

	"athens-ptw.org/internal/offline"
)

// syncBatch applies one device's offline batch. The response always carries
// the applied/conflicts/rejected triple; per-change problems never fail the
// request.
func (a *API) syncBatch(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	var req offline.SyncRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if req.DeviceID == "" {
		req.DeviceID = p.DeviceID
	}
	resp, err := a.reconciler.Apply(r.Context(), p.Scope(), p, req)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
