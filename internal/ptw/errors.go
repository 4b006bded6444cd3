package ptw

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies engine errors. Callers branch on the kind, never on the
// message text.
type Kind string

const (
	KindValidation        Kind = "VALIDATION"
	KindPermission        Kind = "PERMISSION"
	KindInvalidTransition Kind = "INVALID_TRANSITION"
	KindSignatureRequired Kind = "SIGNATURE_REQUIRED"
	KindConflict          Kind = "CONFLICT"
	KindNotFound          Kind = "NOT_FOUND"
	KindTenantDisabled    Kind = "TENANT_DISABLED"
	KindIntegrity         Kind = "INTEGRITY"
	KindInternal          Kind = "INTERNAL"
)

// Error is the structured error surfaced by every component of the engine.
type Error struct {
	Kind    Kind           `json:"kind"`
	Code    string         `json:"code,omitempty"`
	Field   string         `json:"field,omitempty"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Code != "" {
		b.WriteString("/")
		b.WriteString(e.Code)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Field != "" {
		fmt.Fprintf(&b, " (field %s)", e.Field)
	}
	return b.String()
}

// KindOf extracts the error kind, defaulting to INTERNAL for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// AsError unwraps a *Error if the chain carries one.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func validationErr(field, code, msg string, details map[string]any) *Error {
	return &Error{Kind: KindValidation, Code: code, Field: field, Message: msg, Details: details}
}

func permissionErr(action Action, msg string) *Error {
	return &Error{
		Kind:    KindPermission,
		Code:    "PERMISSION_DENIED",
		Message: msg,
		Details: map[string]any{"action": string(action)},
	}
}

func notFoundErr(entity, id string) *Error {
	return &Error{
		Kind:    KindNotFound,
		Code:    "NOT_FOUND",
		Message: entity + " not found",
		Details: map[string]any{"entity": entity, "id": id},
	}
}

func invalidTransitionErr(from, to Status) *Error {
	return &Error{
		Kind:    KindInvalidTransition,
		Code:    "INVALID_TRANSITION",
		Message: fmt.Sprintf("cannot transition from %s to %s", from, to),
		Details: map[string]any{"current_status": string(from), "target_status": string(to)},
	}
}

func conflictErr(entity string, serverVersion, clientVersion int, msg string) *Error {
	return &Error{
		Kind:    KindConflict,
		Code:    "VERSION_CONFLICT",
		Message: msg,
		Details: map[string]any{
			"entity":         entity,
			"server_version": serverVersion,
			"client_version": clientVersion,
		},
	}
}
