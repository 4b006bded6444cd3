package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"athens-ptw.org/internal/tenant"
)

const (
	authHeader   = "Authorization"
	bearer       = "Bearer "
	tenantHeader = "X-Athens-Tenant"
)

var publicPaths = []string{
	"/v1/auth/token",
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
	"/",
}

// withAuth authenticates the bearer token, applies the master tenant override
// header and refuses disabled tenants.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, errorBody{Code: "UNAUTHENTICATED", Message: err.Error()})
			return
		}

		principal, err := tenant.ParseAndValidate(token)
		if err != nil {
			if errors.Is(err, tenant.ErrInvalidToken) {
				writeError(w, r, http.StatusUnauthorized, errorBody{Code: "INVALID_TOKEN", Message: "invalid token"})
			} else {
				writeError(w, r, http.StatusInternalServerError, errorBody{Code: "AUTH_ERROR", Message: "authentication error"})
			}
			return
		}

		// Master principals may pin themselves to one tenant per request.
		if override := strings.TrimSpace(r.Header.Get(tenantHeader)); override != "" {
			if !principal.IsMaster() {
				writeError(w, r, http.StatusForbidden, errorBody{Code: "TENANT_OVERRIDE_DENIED", Message: "tenant override requires a master role"})
				return
			}
			principal.TenantID = override
		}

		if principal.TenantID != "" {
			if err := tenant.CheckTenant(r.Context(), a.registry, principal.TenantID); err != nil {
				handleDomainError(w, r, err)
				return
			}
		}

		next.ServeHTTP(w, r.WithContext(tenant.ContextWithPrincipal(r.Context(), principal)))
	})
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

type mintTokenRequest struct {
	UserID    string `json:"user_id"`
	TenantID  string `json:"tenant_id"`
	ProjectID string `json:"project_id"`
	Role      string `json:"role"`
	Grade     string `json:"grade"`
	TTLHours  int    `json:"ttl_hours"`
}

// mintToken issues a development bearer token. Only mounted with DevTokens.
func (a *API) mintToken(w http.ResponseWriter, r *http.Request) {
	var req mintTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	role := tenant.ParseRole(req.Role)
	if role == "" {
		badRequest(w, r, "unknown role")
		return
	}
	ttl := 12 * time.Hour
	if req.TTLHours > 0 {
		ttl = time.Duration(req.TTLHours) * time.Hour
	}
	p := tenant.Principal{
		UserID:    strings.TrimSpace(req.UserID),
		TenantID:  strings.TrimSpace(req.TenantID),
		ProjectID: strings.TrimSpace(req.ProjectID),
		Role:      role,
		Grade:     tenant.ParseGrade(req.Grade),
	}
	token, err := tenant.GenerateToken(p, ttl)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_in": int(ttl.Seconds()),
	})
}
