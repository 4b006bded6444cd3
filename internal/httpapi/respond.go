package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"athens-ptw.org/internal/ptw"
	"athens-ptw.org/internal/tenant"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// errorBody is the error envelope every failure response carries.
type errorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Field     string         `json:"field,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Timestamp string         `json:"timestamp"`
}

func writeError(w http.ResponseWriter, r *http.Request, code int, body errorBody) {
	if body.Code == "" {
		body.Code = http.StatusText(code)
	}
	body.RequestID = tenant.RequestIDFromContext(r.Context())
	body.Timestamp = time.Now().UTC().Format(time.RFC3339)
	writeJSON(w, code, map[string]any{"error": body})
}

func badRequest(w http.ResponseWriter, r *http.Request, msg string) {
	writeError(w, r, http.StatusBadRequest, errorBody{Code: "BAD_REQUEST", Message: msg})
}

// kindStatus maps engine error kinds to HTTP statuses.
var kindStatus = map[ptw.Kind]int{
	ptw.KindValidation:        http.StatusBadRequest,
	ptw.KindPermission:        http.StatusForbidden,
	ptw.KindInvalidTransition: http.StatusBadRequest,
	ptw.KindSignatureRequired: http.StatusPreconditionFailed,
	ptw.KindConflict:          http.StatusConflict,
	ptw.KindNotFound:          http.StatusNotFound,
	ptw.KindTenantDisabled:    http.StatusForbidden,
	ptw.KindIntegrity:         http.StatusUnprocessableEntity,
	ptw.KindInternal:          http.StatusInternalServerError,
}

// handleDomainError renders an engine error through the envelope.
func handleDomainError(w http.ResponseWriter, r *http.Request, err error) {
	if fe, ok := ptw.AsError(err); ok {
		code, found := kindStatus[fe.Kind]
		if !found {
			code = http.StatusInternalServerError
		}
		writeError(w, r, code, errorBody{
			Code:    fe.Code,
			Message: fe.Message,
			Field:   fe.Field,
			Details: fe.Details,
		})
		return
	}
	switch {
	case errors.Is(err, tenant.ErrTenantDisabled):
		writeError(w, r, http.StatusForbidden, errorBody{Code: "TENANT_DISABLED", Message: "tenant is disabled"})
	case errors.Is(err, tenant.ErrTenantNotFound):
		writeError(w, r, http.StatusNotFound, errorBody{Code: "TENANT_NOT_FOUND", Message: "tenant not found"})
	case errors.Is(err, tenant.ErrUserNotFound):
		writeError(w, r, http.StatusNotFound, errorBody{Code: "USER_NOT_FOUND", Message: "user not found"})
	default:
		writeError(w, r, http.StatusInternalServerError, errorBody{Code: "INTERNAL", Message: "internal error"})
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// principal pulls the authenticated principal; the auth middleware guarantees
// it on protected routes.
func (a *API) principal(w http.ResponseWriter, r *http.Request) (tenant.Principal, bool) {
	p, ok := tenant.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, errorBody{Code: "UNAUTHENTICATED", Message: "authentication required"})
		return tenant.Principal{}, false
	}
	return p, true
}
