// Package offline reconciles batches of changes captured on disconnected
// devices against the server state. Replays are detected through a durable
// idempotency register. Edits against a stale base version never mutate the
// server: they come back as field-level conflict records with a merge hint
// and the server's state, and the device resolves and resubmits.
package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"athens-ptw.org/internal/obs"
	"athens-ptw.org/internal/ptw"
	"athens-ptw.org/internal/tenant"
)

// Change is one device-captured mutation.
type Change struct {
	OfflineID   string          `json:"offline_id"`
	Entity      string          `json:"entity"` // permit | gas_reading | isolation_point | closeout | signature
	Op          string          `json:"op"`     // create | update | update_status
	ServerID    string          `json:"server_id,omitempty"`
	PermitID    string          `json:"permit_id,omitempty"`
	BaseVersion int             `json:"base_version,omitempty"`
	CapturedAt  time.Time       `json:"captured_at"`
	Payload     json.RawMessage `json:"payload"`
}

// SyncRequest is one device's batch.
type SyncRequest struct {
	DeviceID string   `json:"device_id"`
	Changes  []Change `json:"changes"`
}

// Applied reports a change that took effect (or had already taken effect).
type Applied struct {
	OfflineID string `json:"offline_id"`
	Entity    string `json:"entity"`
	ServerID  string `json:"server_id"`
	Version   int    `json:"version,omitempty"`
	Replayed  bool   `json:"replayed,omitempty"`
}

// Merge hints attached to field conflicts. They tell the device how to fold
// the server value into its own before resubmitting; the server never applies
// them itself.
const (
	MergeSet       = "set_merge"
	MergeTrueWins  = "true_wins"
	MergeLastWrite = "last_write_wins"
)

// FieldConflict is one divergent field on a stale edit.
type FieldConflict struct {
	Field     string `json:"field"`
	MergeHint string `json:"merge_hint"`
	Server    any    `json:"server_value,omitempty"`
	Client    any    `json:"client_value,omitempty"`
}

// Conflict reports a change the server refused to apply; the client resolves.
type Conflict struct {
	OfflineID     string          `json:"offline_id"`
	Entity        string          `json:"entity"`
	ServerID      string          `json:"server_id,omitempty"`
	Fields        []FieldConflict `json:"fields,omitempty"`
	ServerVersion int             `json:"server_version,omitempty"`
	ClientVersion int             `json:"client_version,omitempty"`
	Reason        string          `json:"reason"`
	ServerState   any             `json:"server_state,omitempty"`
}

// Rejected reports a change that is invalid regardless of merging.
type Rejected struct {
	OfflineID string `json:"offline_id"`
	Entity    string `json:"entity"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// SyncResponse is the per-batch outcome. The batch itself never fails
// atomically; each change lands in exactly one of the three buckets.
type SyncResponse struct {
	Applied   []Applied  `json:"applied"`
	Conflicts []Conflict `json:"conflicts"`
	Rejected  []Rejected `json:"rejected"`
}

// Reconciler applies offline batches.
type Reconciler struct {
	store ptw.Store
	svc   *ptw.Service
	now   func() time.Time
}

// Option configures the reconciler.
type Option func(*Reconciler)

// WithClock overrides the time source (tests).
func WithClock(fn func() time.Time) Option {
	return func(r *Reconciler) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewReconciler constructs the reconciler over the service facade.
func NewReconciler(store ptw.Store, svc *ptw.Service, opts ...Option) *Reconciler {
	r := &Reconciler{store: store, svc: svc, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Apply processes the batch change by change, in order. Every change lands in
// applied, conflicts or rejected; an infrastructure failure aborts the batch.
func (r *Reconciler) Apply(ctx context.Context, scope tenant.Scope, actor tenant.Principal, req SyncRequest) (*SyncResponse, error) {
	if req.DeviceID == "" {
		return nil, &ptw.Error{Kind: ptw.KindValidation, Code: "DEVICE_REQUIRED", Field: "device_id", Message: "device_id is required"}
	}
	resp := &SyncResponse{
		Applied:   []Applied{},
		Conflicts: []Conflict{},
		Rejected:  []Rejected{},
	}
	for _, ch := range req.Changes {
		if ch.OfflineID == "" {
			resp.Rejected = append(resp.Rejected, Rejected{
				OfflineID: ch.OfflineID, Entity: ch.Entity,
				Code: "OFFLINE_ID_REQUIRED", Message: "every change needs an offline_id",
			})
			continue
		}

		prior, seen, err := r.store.AppliedChange(ctx, req.DeviceID, ch.OfflineID, ch.Entity)
		if err != nil {
			return nil, err
		}
		if seen {
			resp.Applied = append(resp.Applied, Applied{
				OfflineID: ch.OfflineID, Entity: ch.Entity, ServerID: prior.ServerID, Replayed: true,
			})
			continue
		}

		if err := r.applyOne(ctx, scope, actor, req.DeviceID, ch, resp); err != nil {
			return nil, err
		}
	}
	obs.Info("offline batch reconciled", map[string]any{
		"device":    req.DeviceID,
		"applied":   len(resp.Applied),
		"conflicts": len(resp.Conflicts),
		"rejected":  len(resp.Rejected),
	})
	return resp, nil
}

// applyOne routes one change. Domain errors become conflicts or rejections;
// only infrastructure errors propagate.
func (r *Reconciler) applyOne(ctx context.Context, scope tenant.Scope, actor tenant.Principal, deviceID string, ch Change, resp *SyncResponse) error {
	var serverID string
	var version int
	var err error

	if ch.Entity == "permit" && (ch.Op == "update" || ch.Op == "update_status") {
		if ch.ServerID == "" {
			resp.Rejected = append(resp.Rejected, Rejected{
				OfflineID: ch.OfflineID, Entity: ch.Entity,
				Code: "MISSING_SERVER_ID", Message: "permit updates need the server_id of the row they target",
			})
			return nil
		}
		if ch.BaseVersion == 0 {
			resp.Rejected = append(resp.Rejected, Rejected{
				OfflineID: ch.OfflineID, Entity: ch.Entity,
				Code: "MISSING_CLIENT_VERSION", Message: "permit updates need the base_version the device last saw",
			})
			return nil
		}
	}

	switch {
	case ch.Entity == "permit" && ch.Op == "create":
		serverID, version, err = r.createPermit(ctx, scope, actor, ch)
	case ch.Entity == "permit" && ch.Op == "update":
		serverID, version, err = r.updatePermit(ctx, scope, actor, ch, resp)
		if err == nil && serverID == "" {
			// the stale edit became a conflict entry; nothing to register
			return nil
		}
	case ch.Entity == "permit" && ch.Op == "update_status":
		serverID, version, err = r.updateStatus(ctx, scope, actor, ch)
	case ch.Entity == "gas_reading" && ch.Op == "create":
		serverID, err = r.createGasReading(ctx, scope, actor, ch)
	case ch.Entity == "isolation_point" && (ch.Op == "update" || ch.Op == "create"):
		serverID, err = r.applyIsolationPoint(ctx, scope, actor, ch)
	case ch.Entity == "closeout" && (ch.Op == "update" || ch.Op == "create"):
		serverID, err = r.applyCloseout(ctx, scope, actor, ch)
	case ch.Entity == "signature" && ch.Op == "create":
		serverID, err = r.createSignature(ctx, scope, actor, ch)
	default:
		resp.Rejected = append(resp.Rejected, Rejected{
			OfflineID: ch.OfflineID, Entity: ch.Entity,
			Code:    "UNSUPPORTED_CHANGE",
			Message: fmt.Sprintf("entity %q op %q is not syncable", ch.Entity, ch.Op),
		})
		return nil
	}

	if err != nil {
		fe, ok := ptw.AsError(err)
		if !ok {
			return err
		}
		switch fe.Kind {
		case ptw.KindConflict:
			c := Conflict{OfflineID: ch.OfflineID, Entity: ch.Entity, ServerID: ch.ServerID, Reason: fe.Message}
			if sv, ok := fe.Details["server_version"].(int); ok {
				c.ServerVersion = sv
			}
			if cv, ok := fe.Details["client_version"].(int); ok {
				c.ClientVersion = cv
			}
			c.ServerState = fe.Details["server_state"]
			resp.Conflicts = append(resp.Conflicts, c)
		case ptw.KindInternal:
			return err
		default:
			resp.Rejected = append(resp.Rejected, Rejected{
				OfflineID: ch.OfflineID, Entity: ch.Entity, Code: fe.Code, Message: fe.Message,
			})
		}
		return nil
	}

	if err := r.store.RecordAppliedChange(ctx, &ptw.AppliedChange{
		DeviceID:  deviceID,
		OfflineID: ch.OfflineID,
		Entity:    ch.Entity,
		ServerID:  serverID,
		AppliedAt: r.now().UTC(),
	}); err != nil {
		return err
	}
	resp.Applied = append(resp.Applied, Applied{
		OfflineID: ch.OfflineID, Entity: ch.Entity, ServerID: serverID, Version: version,
	})
	return nil
}

type permitPayload struct {
	TypeID            string                       `json:"type_id"`
	Title             *string                      `json:"title"`
	Description       *string                      `json:"description"`
	Location          *string                      `json:"location"`
	WorkNature        *ptw.WorkNature              `json:"work_nature"`
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
}

func (r *Reconciler) createPermit(ctx context.Context, scope tenant.Scope, actor tenant.Principal, ch Change) (string, int, error) {
	var pp permitPayload
	if err := json.Unmarshal(ch.Payload, &pp); err != nil {
		return "", 0, &ptw.Error{Kind: ptw.KindValidation, Code: "BAD_PAYLOAD", Message: "malformed permit payload"}
	}
	req := ptw.CreatePermitRequest{TypeID: pp.TypeID, OfflineID: ch.OfflineID}
	if pp.Title != nil {
		req.Title = *pp.Title
	}
	if pp.Description != nil {
		req.Description = *pp.Description
	}
	if pp.Location != nil {
		req.Location = *pp.Location
	}
	if pp.WorkNature != nil {
		req.WorkNature = *pp.WorkNature
	}
	if pp.Priority != nil {
		req.Priority = *pp.Priority
	}
	if pp.PlannedStart != nil {
		req.PlannedStart = *pp.PlannedStart
	}
	if pp.PlannedEnd != nil {
		req.PlannedEnd = *pp.PlannedEnd
	}
	if pp.RiskProbability != nil {
		req.RiskProbability = *pp.RiskProbability
	}
	if pp.RiskSeverity != nil {
		req.RiskSeverity = *pp.RiskSeverity
	}
	if pp.ControlMeasures != nil {
		req.ControlMeasures = *pp.ControlMeasures
	}
	if pp.PPERequirements != nil {
		req.PPERequirements = *pp.PPERequirements
	}
	if pp.RequiresIsolation != nil {
		req.RequiresIsolation = *pp.RequiresIsolation
	}
	if pp.IsolationDetails != nil {
		req.IsolationDetails = *pp.IsolationDetails
	}
	p, err := r.svc.CreatePermit(ctx, scope, actor, req)
	if err != nil {
		return "", 0, err
	}
	return p.ID, p.Version, nil
}

// updatePermit applies a device edit when its base version still matches the
// server row. A stale base never mutates anything: the divergent fields come
// back as conflict records carrying a merge hint and both values, and the
// device resolves and resubmits against the current version.
func (r *Reconciler) updatePermit(ctx context.Context, scope tenant.Scope, actor tenant.Principal, ch Change, resp *SyncResponse) (string, int, error) {
	p, err := r.store.GetPermit(ctx, scope, ch.ServerID)
	if err != nil {
		return "", 0, err
	}

	var pp permitPayload
	if err := json.Unmarshal(ch.Payload, &pp); err != nil {
		return "", 0, &ptw.Error{Kind: ptw.KindValidation, Code: "BAD_PAYLOAD", Message: "malformed permit payload"}
	}

	if ch.BaseVersion != p.Version {
		fields := diffPermit(p, pp)
		if len(fields) > 0 {
			resp.Conflicts = append(resp.Conflicts, Conflict{
				OfflineID:     ch.OfflineID,
				Entity:        ch.Entity,
				ServerID:      p.ID,
				Fields:        fields,
				ServerVersion: p.Version,
				ClientVersion: ch.BaseVersion,
				Reason:        "stale_version",
				ServerState:   p,
			})
			return "", 0, nil
		}
		// stale base, but the edit agrees with the server row: nothing to write
		return p.ID, p.Version, nil
	}

	upd := updateFromPayload(pp)
	upd.ExpectVersion = ch.BaseVersion
	out, err := r.svc.UpdatePermit(ctx, scope, actor, p.ID, upd)
	if err != nil {
		return "", 0, err
	}
	return out.ID, out.Version, nil
}

// updateFromPayload lifts the device payload into a descriptive update. Only
// called once the base version matched, so every supplied field applies.
func updateFromPayload(pp permitPayload) ptw.DescriptiveUpdate {
	return ptw.DescriptiveUpdate{
		Title:             pp.Title,
		Description:       pp.Description,
		Location:          pp.Location,
		WorkNature:        pp.WorkNature,
		Priority:          pp.Priority,
		PlannedStart:      pp.PlannedStart,
		PlannedEnd:        pp.PlannedEnd,
		RiskProbability:   pp.RiskProbability,
		RiskSeverity:      pp.RiskSeverity,
		ControlMeasures:   pp.ControlMeasures,
		PPERequirements:   pp.PPERequirements,
		SafetyChecklist:   pp.SafetyChecklist,
		RequiresIsolation: pp.RequiresIsolation,
		IsolationDetails:  pp.IsolationDetails,
	}
}

// diffPermit lists the client-supplied fields that diverge from the server
// row, each tagged with the merge law for its field class: sets union,
// checklist completion is sticky, scalars go to the later writer.
func diffPermit(server *ptw.Permit, pp permitPayload) []FieldConflict {
	var out []FieldConflict
	scalar := func(name string, client, current any, differs bool) {
		if differs {
			out = append(out, FieldConflict{Field: name, MergeHint: MergeLastWrite, Server: current, Client: client})
		}
	}
	if pp.Title != nil {
		scalar("title", *pp.Title, server.Title, *pp.Title != server.Title)
	}
	if pp.Description != nil {
		scalar("description", *pp.Description, server.Description, *pp.Description != server.Description)
	}
	if pp.Location != nil {
		scalar("location", *pp.Location, server.Location, *pp.Location != server.Location)
	}
	if pp.WorkNature != nil {
		scalar("work_nature", *pp.WorkNature, server.WorkNature, *pp.WorkNature != server.WorkNature)
	}
	if pp.Priority != nil {
		scalar("priority", *pp.Priority, server.Priority, *pp.Priority != server.Priority)
	}
	if pp.PlannedStart != nil {
		scalar("planned_start_time", *pp.PlannedStart, server.PlannedStart, !pp.PlannedStart.Equal(server.PlannedStart))
	}
	if pp.PlannedEnd != nil {
		scalar("planned_end_time", *pp.PlannedEnd, server.PlannedEnd, !pp.PlannedEnd.Equal(server.PlannedEnd))
	}
	if pp.RiskProbability != nil {
		scalar("risk_probability", *pp.RiskProbability, server.RiskProbability, *pp.RiskProbability != server.RiskProbability)
	}
	if pp.RiskSeverity != nil {
		scalar("risk_severity", *pp.RiskSeverity, server.RiskSeverity, *pp.RiskSeverity != server.RiskSeverity)
	}
	if pp.ControlMeasures != nil {
		scalar("control_measures", *pp.ControlMeasures, server.ControlMeasures, *pp.ControlMeasures != server.ControlMeasures)
	}
	if pp.IsolationDetails != nil {
		scalar("isolation_details", *pp.IsolationDetails, server.IsolationDetails, *pp.IsolationDetails != server.IsolationDetails)
	}
	if pp.RequiresIsolation != nil && *pp.RequiresIsolation != server.RequiresIsolation {
		out = append(out, FieldConflict{
			Field: "requires_isolation", MergeHint: MergeTrueWins,
			Server: server.RequiresIsolation, Client: *pp.RequiresIsolation,
		})
	}
	if pp.PPERequirements != nil && !sameStringSet(server.PPERequirements, *pp.PPERequirements) {
		out = append(out, FieldConflict{
			Field: "ppe_requirements", MergeHint: MergeSet,
			Server: server.PPERequirements, Client: *pp.PPERequirements,
		})
	}
	if pp.SafetyChecklist != nil && checklistDiffers(server.SafetyChecklist, pp.SafetyChecklist) {
		out = append(out, FieldConflict{
			Field: "safety_checklist", MergeHint: MergeTrueWins,
			Server: server.SafetyChecklist, Client: pp.SafetyChecklist,
		})
	}
	return out
}

func sameStringSet(a, b []string) bool {
	as := make(map[string]struct{}, len(a))
	for _, s := range a {
		as[s] = struct{}{}
	}
	bs := make(map[string]struct{}, len(b))
	for _, s := range b {
		bs[s] = struct{}{}
	}
	if len(as) != len(bs) {
		return false
	}
	for s := range bs {
		if _, ok := as[s]; !ok {
			return false
		}
	}
	return true
}

func checklistDiffers(server, client map[string]ptw.ChecklistItem) bool {
	for k, item := range client {
		if server[k].Done != item.Done {
			return true
		}
	}
	return false
}

type statusPayload struct {
	Status   string `json:"status"`
	Comments string `json:"comments"`
}

func (r *Reconciler) updateStatus(ctx context.Context, scope tenant.Scope, actor tenant.Principal, ch Change) (string, int, error) {
	var sp statusPayload
	if err := json.Unmarshal(ch.Payload, &sp); err != nil {
		return "", 0, &ptw.Error{Kind: ptw.KindValidation, Code: "BAD_PAYLOAD", Message: "malformed status payload"}
	}
	target, ok := ptw.NormalizeStatus(sp.Status)
	if !ok {
		return "", 0, &ptw.Error{Kind: ptw.KindValidation, Code: "STATUS_UNKNOWN", Field: "status",
			Message: fmt.Sprintf("unknown status %q", sp.Status)}
	}
	p, err := r.store.GetPermit(ctx, scope, ch.ServerID)
	if err != nil {
		return "", 0, err
	}
	if ch.BaseVersion != p.Version {
		return "", 0, &ptw.Error{
			Kind:    ptw.KindConflict,
			Code:    "VERSION_CONFLICT",
			Message: "stale_version",
			Details: map[string]any{
				"server_version": p.Version,
				"client_version": ch.BaseVersion,
				"server_state":   p,
			},
		}
	}
	p, err = r.svc.Engine().Transition(ctx, scope, ptw.TransitionRequest{
		PermitID: p.ID,
		Target:   target,
		Actor:    actor,
		Comments: sp.Comments,
	})
	if err != nil {
		return "", 0, err
	}
	return p.ID, p.Version, nil
}

func (r *Reconciler) createGasReading(ctx context.Context, scope tenant.Scope, actor tenant.Principal, ch Change) (string, error) {
	var gr ptw.GasReading
	if err := json.Unmarshal(ch.Payload, &gr); err != nil {
		return "", &ptw.Error{Kind: ptw.KindValidation, Code: "BAD_PAYLOAD", Message: "malformed gas reading payload"}
	}
	if gr.PermitID == "" {
		gr.PermitID = ch.PermitID
	}
	out, err := r.svc.RecordGasReading(ctx, scope, actor, &gr)
	if err != nil {
		return "", err
	}
	return out.ID, nil
}

// applyIsolationPoint applies a device-side lockout update. The monotonic
// progression makes stale regressions a no-op rather than a conflict: if the
// server already moved further, the change is absorbed.
func (r *Reconciler) applyIsolationPoint(ctx context.Context, scope tenant.Scope, actor tenant.Principal, ch Change) (string, error) {
	var pt ptw.IsolationPoint
	if err := json.Unmarshal(ch.Payload, &pt); err != nil {
		return "", &ptw.Error{Kind: ptw.KindValidation, Code: "BAD_PAYLOAD", Message: "malformed isolation point payload"}
	}
	if pt.PermitID == "" {
		pt.PermitID = ch.PermitID
	}
	if pt.ID != "" {
		existing, err := r.store.ListIsolationPoints(ctx, scope, pt.PermitID)
		if err != nil {
			return "", err
		}
		for _, cur := range existing {
			if cur.ID == pt.ID && ptw.IsolationRank(pt.Status) <= ptw.IsolationRank(cur.Status) {
				return cur.ID, nil
			}
		}
	}
	out, err := r.svc.UpdateIsolationPoint(ctx, scope, actor, &pt)
	if err != nil {
		return "", err
	}
	return out.ID, nil
}

func (r *Reconciler) applyCloseout(ctx context.Context, scope tenant.Scope, actor tenant.Principal, ch Change) (string, error) {
	var c ptw.Closeout
	if err := json.Unmarshal(ch.Payload, &c); err != nil {
		return "", &ptw.Error{Kind: ptw.KindValidation, Code: "BAD_PAYLOAD", Message: "malformed closeout payload"}
	}
	if c.PermitID == "" {
		c.PermitID = ch.PermitID
	}
	out, err := r.svc.UpdateCloseout(ctx, scope, actor, &c)
	if err != nil {
		return "", err
	}
	return out.PermitID, nil
}

type signaturePayload struct {
	Type       string     `json:"signature_type"`
	SignedAt   *time.Time `json:"signed_at"`
	IPAddress  string     `json:"ip_address"`
	DeviceInfo string     `json:"device_info"`
}

func (r *Reconciler) createSignature(ctx context.Context, scope tenant.Scope, actor tenant.Principal, ch Change) (string, error) {
	var sp signaturePayload
	if err := json.Unmarshal(ch.Payload, &sp); err != nil {
		return "", &ptw.Error{Kind: ptw.KindValidation, Code: "BAD_PAYLOAD", Message: "malformed signature payload"}
	}
	sig, err := r.svc.Signatures().Add(ctx, scope, ch.PermitID, sp.Type, actor, ptw.SignOptions{
		SignTime:   sp.SignedAt,
		IPAddress:  sp.IPAddress,
		DeviceInfo: sp.DeviceInfo,
	})
	if err != nil {
		return "", err
	}
	return sig.ID, nil
}
