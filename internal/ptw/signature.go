package ptw

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"time"

	"athens-ptw.org/internal/ids"
	"athens-ptw.org/internal/obs"
	"athens-ptw.org/internal/tenant"
)

// signature requirements per workflow action, in gating order.
var requiredSignatureSets = map[string][]SignatureType{
	"submit":   {SignatureRequestor},
	"verify":   {SignatureRequestor, SignatureVerifier},
	"approve":  {SignatureRequestor, SignatureVerifier, SignatureApprover},
	"activate": {SignatureRequestor, SignatureVerifier, SignatureApprover, SignatureIssuer},
}

// RequiredSignatures returns the signature types an action is gated on.
func RequiredSignatures(action string) []SignatureType {
	return requiredSignatureSets[action]
}

// MissingSignatures reports which of the action's required signature types
// are absent from the present set.
func MissingSignatures(action string, present []Signature) []SignatureType {
	required := requiredSignatureSets[action]
	if len(required) == 0 {
		return nil
	}
	have := make(map[SignatureType]struct{}, len(present))
	for _, s := range present {
		have[s.Type] = struct{}{}
	}
	var missing []SignatureType
	for _, t := range required {
		if _, ok := have[t]; !ok {
			missing = append(missing, t)
		}
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
	return missing
}

func signatureRequiredErr(action string, missing []SignatureType) *Error {
	names := make([]string, len(missing))
	for i, m := range missing {
		names[i] = string(m)
	}
	return &Error{
		Kind:    KindSignatureRequired,
		Code:    "SIGNATURE_REQUIRED",
		Message: fmt.Sprintf("action %s requires signatures: %v", action, names),
		Details: map[string]any{"action": action, "missing": names},
	}
}

// SignatureRenderer produces the signed artifact for a signature. The
// returned URL addresses the stored opaque bytes.
type SignatureRenderer interface {
	Render(ctx context.Context, permit *Permit, t SignatureType, signer string, at time.Time) (string, error)
}

// inlineRenderer embeds a small deterministic artifact as a data URL. Sites
// that store rendered signatures externally plug in their own renderer.
type inlineRenderer struct{}

func (inlineRenderer) Render(_ context.Context, permit *Permit, t SignatureType, signer string, at time.Time) (string, error) {
	payload := fmt.Sprintf("%s|%s|%s|%s", permit.Number, t, signer, at.UTC().Format(time.RFC3339))
	return "data:text/plain;base64," + base64.StdEncoding.EncodeToString([]byte(payload)), nil
}

// SignOptions carries the optional attributes of a signing request.
type SignOptions struct {
	SignTime   *time.Time // back-dating allowed for offline capture
	IPAddress  string
	DeviceInfo string
}

// SignatureService adds digital signatures and gates workflow actions on
// them.
type SignatureService struct {
	store    Store
	renderer SignatureRenderer
	now      func() time.Time
}

// SignatureOption configures the service.
type SignatureOption func(*SignatureService)

// WithSignatureRenderer overrides the artifact renderer.
func WithSignatureRenderer(r SignatureRenderer) SignatureOption {
	return func(s *SignatureService) {
		if r != nil {
			s.renderer = r
		}
	}
}

// WithSignatureClock overrides the time source (tests).
func WithSignatureClock(fn func() time.Time) SignatureOption {
	return func(s *SignatureService) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewSignatureService constructs the service.
func NewSignatureService(store Store, opts ...SignatureOption) *SignatureService {
	s := &SignatureService{store: store, renderer: inlineRenderer{}, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add records a digital signature on the permit. The signer must be the user
// occupying the slot; replays return the existing row unchanged.
func (s *SignatureService) Add(ctx context.Context, scope tenant.Scope, permitID, rawType string, actor tenant.Principal, opts SignOptions) (*Signature, error) {
	sigType, ok := ParseSignatureType(rawType)
	if !ok {
		return nil, validationErr("signature_type", "UNKNOWN_SIGNATURE_TYPE",
			fmt.Sprintf("unknown signature type %q", rawType), nil)
	}

	permit, err := s.store.GetPermit(ctx, scope, permitID)
	if err != nil {
		return nil, err
	}

	required := RequiredSignerFor(permit, sigType)
	if required == "" {
		return nil, &Error{
			Kind:    KindValidation,
			Code:    "NO_ASSIGNEE",
			Field:   "signature_type",
			Message: fmt.Sprintf("no user assigned for signature type %s", sigType),
			Details: map[string]any{"signature_type": string(sigType)},
		}
	}
	if actor.UserID != required {
		return nil, &Error{
			Kind:    KindPermission,
			Code:    "WRONG_SIGNER",
			Message: fmt.Sprintf("signature %s belongs to user %s", sigType, required),
			Details: map[string]any{"signature_type": string(sigType), "required_user": required},
		}
	}

	existing, err := s.store.ListSignatures(ctx, scope, permitID)
	if err != nil {
		return nil, err
	}
	for i := range existing {
		if existing[i].Type == sigType && existing[i].SignatoryID == actor.UserID {
			sig := existing[i]
			return &sig, nil
		}
	}

	signedAt := s.now().UTC()
	if opts.SignTime != nil {
		signedAt = opts.SignTime.UTC()
	}
	url, err := s.renderer.Render(ctx, permit, sigType, actor.UserID, signedAt)
	if err != nil {
		return nil, &Error{Kind: KindInternal, Code: "RENDER_FAILED", Message: "signature rendering failed"}
	}

	sig := &Signature{
		ID:          ids.New(),
		PermitID:    permit.ID,
		Type:        sigType,
		SignatoryID: actor.UserID,
		DataURL:     url,
		SignedAt:    signedAt,
		IPAddress:   opts.IPAddress,
		DeviceInfo:  opts.DeviceInfo,
	}
	if err := s.store.AddSignature(ctx, scope, sig); err != nil {
		return nil, err
	}

	if err := s.store.AppendAudit(ctx, &AuditEntry{
		ID:       ids.New(),
		PermitID: permit.ID,
		Action:   "signature_added",
		UserID:   actor.UserID,
		At:       s.now().UTC(),
		NewValues: map[string]any{
			"signature_type": string(sigType),
			"signed_at":      signedAt.Format(time.RFC3339),
		},
	}); err != nil {
		obs.Error("audit append failed", map[string]any{
			"permit": permit.ID, "action": "signature_added", "err": err.Error(),
		})
	}
	return sig, nil
}

// ValidateForWorkflow asserts the required signatures for the action are
// present on the permit.
func (s *SignatureService) ValidateForWorkflow(ctx context.Context, scope tenant.Scope, permitID, action string) error {
	sigs, err := s.store.ListSignatures(ctx, scope, permitID)
	if err != nil {
		return err
	}
	if missing := MissingSignatures(action, sigs); len(missing) > 0 {
		return signatureRequiredErr(action, missing)
	}
	return nil
}
