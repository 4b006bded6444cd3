package ptw

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"athens-ptw.org/internal/ids"
	"athens-ptw.org/internal/tenant"
)

// MemStore is the in-memory Store used by tests and single-node evaluation
// runs. WithPermit holds a per-permit lock and stages every mutation, so a
// failed transition leaves no partial state behind.
type MemStore struct {
	mu sync.RWMutex

	permits   map[string]*Permit
	byOffline map[string]string // offlineID -> permit ID
	types     map[string]*PermitType

	workflows  map[string]*WorkflowInstance // permitID -> instance
	steps      map[string][]*WorkflowStep
	signatures map[string][]Signature
	gas        map[string][]GasReading
	photos     map[string][]Photo
	isolation  map[string][]IsolationPoint
	closeouts  map[string]*Closeout
	extensions map[string][]Extension
	audit      map[string][]AuditEntry
	applied    map[string]AppliedChange

	sequences map[string]int // tenantID|year -> last permit number

	locks   map[string]chan struct{}
	locksMu sync.Mutex

	now func() time.Time
}

// MemStoreOption configures the store.
type MemStoreOption func(*MemStore)

// WithMemClock overrides the time source (tests).
func WithMemClock(fn func() time.Time) MemStoreOption {
	return func(m *MemStore) {
		if fn != nil {
			m.now = fn
		}
	}
}

// NewMemStore creates an empty store.
func NewMemStore(opts ...MemStoreOption) *MemStore {
	m := &MemStore{
		permits:    make(map[string]*Permit),
		byOffline:  make(map[string]string),
		types:      make(map[string]*PermitType),
		workflows:  make(map[string]*WorkflowInstance),
		steps:      make(map[string][]*WorkflowStep),
		signatures: make(map[string][]Signature),
		gas:        make(map[string][]GasReading),
		photos:     make(map[string][]Photo),
		isolation:  make(map[string][]IsolationPoint),
		closeouts:  make(map[string]*Closeout),
		extensions: make(map[string][]Extension),
		audit:      make(map[string][]AuditEntry),
		applied:    make(map[string]AppliedChange),
		sequences:  make(map[string]int),
		locks:      make(map[string]chan struct{}),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemStore) lockPermit(ctx context.Context, id string) (func(), error) {
	m.locksMu.Lock()
	ch, ok := m.locks[id]
	if !ok {
		ch = make(chan struct{}, 1)
		m.locks[id] = ch
	}
	m.locksMu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *MemStore) scoped(scope tenant.Scope, p *Permit) bool {
	return p != nil && scope.Allows(p.TenantID, p.ProjectID)
}

// CreatePermit stores a new permit, assigning its number from the per-tenant
// yearly sequence when absent.
func (m *MemStore) CreatePermit(ctx context.Context, scope tenant.Scope, p *Permit) error {
	if !scope.Allows(p.TenantID, p.ProjectID) {
		return permissionErr(ActionCreate, "permit is outside the caller's tenant scope")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.OfflineID != "" {
		if _, dup := m.byOffline[p.TenantID+"|"+p.OfflineID]; dup {
			return conflictErr("permit", 0, 0, "offline_id already applied")
		}
	}

	now := m.now().UTC()
	if p.ID == "" {
		p.ID = ids.New()
	}
	if p.Number == "" {
		year := now.Year()
		key := fmt.Sprintf("%s|%d", p.TenantID, year)
		m.sequences[key]++
		p.Number = FormatPermitNumber(year, m.sequences[key])
	}
	if p.Status == "" {
		p.Status = StatusDraft
	}
	if p.Version == 0 {
		p.Version = 1
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	p.RiskLevel = RiskLevelFor(p.RiskProbability, p.RiskSeverity)

	m.permits[p.ID] = p.Clone()
	if p.OfflineID != "" {
		m.byOffline[p.TenantID+"|"+p.OfflineID] = p.ID
	}
	return nil
}

func (m *MemStore) getLocked(scope tenant.Scope, id string) (*Permit, error) {
	p, ok := m.permits[id]
	if !ok || !m.scoped(scope, p) {
		return nil, notFoundErr("permit", id)
	}
	return p, nil
}

// GetPermit returns a copy of the permit visible to the scope.
func (m *MemStore) GetPermit(ctx context.Context, scope tenant.Scope, id string) (*Permit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, err := m.getLocked(scope, id)
	if err != nil {
		return nil, err
	}
	return p.Clone(), nil
}

// GetPermitByOfflineID resolves a device-generated id to the server permit.
func (m *MemStore) GetPermitByOfflineID(ctx context.Context, scope tenant.Scope, offlineID string) (*Permit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byOffline[scope.TenantID+"|"+offlineID]
	if !ok {
		return nil, notFoundErr("permit", offlineID)
	}
	p, err := m.getLocked(scope, id)
	if err != nil {
		return nil, err
	}
	return p.Clone(), nil
}

// ListPermits returns scope-visible permits matching the filter, newest first.
func (m *MemStore) ListPermits(ctx context.Context, scope tenant.Scope, f Filter) ([]*Permit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Permit
	for _, p := range m.permits {
		if !m.scoped(scope, p) {
			continue
		}
		if !matchFilter(p, f) {
			continue
		}
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func matchFilter(p *Permit, f Filter) bool {
	if len(f.Status) > 0 {
		found := false
		for _, s := range f.Status {
			if p.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.TypeID != "" && p.TypeID != f.TypeID {
		return false
	}
	if f.ProjectID != "" && p.ProjectID != f.ProjectID {
		return false
	}
	if f.CreatorID != "" && p.CreatorID != f.CreatorID {
		return false
	}
	if f.ActiveEndedBefore != nil {
		if p.Status != StatusActive || !p.PlannedEnd.Before(*f.ActiveEndedBefore) {
			return false
		}
	}
	if f.ActiveEndingBy != nil {
		if p.Status != StatusActive || p.PlannedEnd.After(*f.ActiveEndingBy) {
			return false
		}
	}
	return true
}

// UpdateDescriptive applies the editable fields. With ExpectVersion set the
// update is optimistic and fails on a stale version.
func (m *MemStore) UpdateDescriptive(ctx context.Context, scope tenant.Scope, id string, upd DescriptiveUpdate) (*Permit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.getLocked(scope, id)
	if err != nil {
		return nil, err
	}
	if upd.ExpectVersion != 0 && upd.ExpectVersion != p.Version {
		return nil, conflictErr("permit", p.Version, upd.ExpectVersion, "permit was modified concurrently")
	}

	applyDescriptive(p, upd)
	p.Version++
	p.UpdatedAt = m.now().UTC()
	return p.Clone(), nil
}

func applyDescriptive(p *Permit, upd DescriptiveUpdate) {
	if upd.Title != nil {
		p.Title = *upd.Title
	}
	if upd.Description != nil {
		p.Description = *upd.Description
	}
	if upd.Location != nil {
		p.Location = *upd.Location
	}
	if upd.Priority != nil {
		p.Priority = *upd.Priority
	}
	if upd.WorkNature != nil {
		p.WorkNature = *upd.WorkNature
	}
	if upd.ControlMeasures != nil {
		p.ControlMeasures = *upd.ControlMeasures
	}
	if upd.PlannedStart != nil {
		p.PlannedStart = *upd.PlannedStart
	}
	if upd.PlannedEnd != nil {
		p.PlannedEnd = *upd.PlannedEnd
	}
	if upd.PPERequirements != nil {
		p.PPERequirements = append([]string(nil), (*upd.PPERequirements)...)
	}
	if upd.SafetyChecklist != nil {
		if p.SafetyChecklist == nil {
			p.SafetyChecklist = make(map[string]ChecklistItem, len(upd.SafetyChecklist))
		}
		for k, v := range upd.SafetyChecklist {
			p.SafetyChecklist[k] = v
		}
	}
	if upd.RequiresIsolation != nil {
		p.RequiresIsolation = *upd.RequiresIsolation
	}
	if upd.IsolationDetails != nil {
		p.IsolationDetails = *upd.IsolationDetails
	}
	if upd.RiskProbability != nil {
		p.RiskProbability = *upd.RiskProbability
	}
	if upd.RiskSeverity != nil {
		p.RiskSeverity = *upd.RiskSeverity
	}
	if upd.RiskProbability != nil || upd.RiskSeverity != nil {
		p.RiskLevel = RiskLevelFor(p.RiskProbability, p.RiskSeverity)
	}
	if upd.IssuerID != nil {
		p.IssuerID = *upd.IssuerID
	}
	if upd.ReceiverID != nil {
		p.ReceiverID = *upd.ReceiverID
	}
}

// memTx stages mutations made under the permit lock. Nothing is visible to
// readers until commit.
type memTx struct {
	store    *MemStore
	permitID string

	permit      *Permit
	workflow    *WorkflowInstance
	newSteps    []*WorkflowStep
	savedSteps  map[string]*WorkflowStep
	auditStaged []AuditEntry
}

func (t *memTx) SavePermit(ctx context.Context, p *Permit) error {
	p.Version++
	p.UpdatedAt = t.store.now().UTC()
	t.permit = p
	return nil
}

func (t *memTx) CreateWorkflow(ctx context.Context, w *WorkflowInstance) error {
	t.workflow = w
	return nil
}

func (t *memTx) SaveWorkflow(ctx context.Context, w *WorkflowInstance) error {
	t.workflow = w
	return nil
}

func (t *memTx) WorkflowByPermit(ctx context.Context, permitID string) (*WorkflowInstance, error) {
	if t.workflow != nil {
		return t.workflow, nil
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	wf, ok := t.store.workflows[permitID]
	if !ok {
		return nil, nil
	}
	cp := *wf
	return &cp, nil
}

func (t *memTx) CreateStep(ctx context.Context, s *WorkflowStep) error {
	t.newSteps = append(t.newSteps, s)
	return nil
}

func (t *memTx) SaveStep(ctx context.Context, s *WorkflowStep) error {
	for _, staged := range t.newSteps {
		if staged.ID == s.ID {
			*staged = *s
			return nil
		}
	}
	t.savedSteps[s.ID] = s
	return nil
}

func (t *memTx) Steps(ctx context.Context, permitID string) ([]*WorkflowStep, error) {
	t.store.mu.RLock()
	committed := t.store.steps[permitID]
	out := make([]*WorkflowStep, 0, len(committed)+len(t.newSteps))
	for _, s := range committed {
		cp := *s
		if staged, ok := t.savedSteps[s.ID]; ok {
			cp = *staged
		}
		out = append(out, &cp)
	}
	t.store.mu.RUnlock()
	for _, s := range t.newSteps {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

func (t *memTx) Signatures(ctx context.Context, permitID string) ([]Signature, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	return append([]Signature(nil), t.store.signatures[permitID]...), nil
}

func (t *memTx) Collateral(ctx context.Context, p *Permit) (PermitCollateral, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	var c PermitCollateral
	if typ, ok := t.store.types[p.TypeID]; ok {
		cp := *typ
		c.Type = &cp
	}
	c.GasReadings = append([]GasReading(nil), t.store.gas[p.ID]...)
	c.IsolationPoints = append([]IsolationPoint(nil), t.store.isolation[p.ID]...)
	if co, ok := t.store.closeouts[p.ID]; ok {
		cp := *co
		c.Closeout = &cp
	}
	c.Extensions = append([]Extension(nil), t.store.extensions[p.ID]...)
	return c, nil
}

func (t *memTx) AppendAudit(ctx context.Context, a *AuditEntry) error {
	t.auditStaged = append(t.auditStaged, *a)
	return nil
}

func (t *memTx) commit() {
	m := t.store
	m.mu.Lock()
	defer m.mu.Unlock()

	if t.permit != nil {
		m.permits[t.permit.ID] = t.permit.Clone()
	}
	if t.workflow != nil {
		cp := *t.workflow
		m.workflows[t.permitID] = &cp
	}
	if len(t.savedSteps) > 0 {
		for _, s := range m.steps[t.permitID] {
			if staged, ok := t.savedSteps[s.ID]; ok {
				*s = *staged
			}
		}
	}
	for _, s := range t.newSteps {
		cp := *s
		m.steps[t.permitID] = append(m.steps[t.permitID], &cp)
	}
	m.audit[t.permitID] = append(m.audit[t.permitID], t.auditStaged...)
}

// WithPermit runs fn under the per-permit lock with staged mutations,
// committing only when fn succeeds.
func (m *MemStore) WithPermit(ctx context.Context, scope tenant.Scope, id string, fn func(ctx context.Context, p *Permit, tx Tx) error) error {
	unlock, err := m.lockPermit(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	m.mu.RLock()
	stored, lerr := m.getLocked(scope, id)
	var work *Permit
	if lerr == nil {
		work = stored.Clone()
	}
	m.mu.RUnlock()
	if lerr != nil {
		return lerr
	}

	tx := &memTx{store: m, permitID: id, savedSteps: make(map[string]*WorkflowStep)}
	if err := fn(ctx, work, tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// PermitType returns a catalogue item.
func (m *MemStore) PermitType(ctx context.Context, scope tenant.Scope, id string) (*PermitType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.types[id]
	if !ok || !scope.Allows(t.TenantID, "") {
		return nil, notFoundErr("permit_type", id)
	}
	cp := *t
	return &cp, nil
}

// CreatePermitType stores a catalogue item.
func (m *MemStore) CreatePermitType(ctx context.Context, scope tenant.Scope, t *PermitType) error {
	if !scope.Allows(t.TenantID, "") {
		return permissionErr(ActionCreate, "permit type is outside the caller's tenant scope")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == "" {
		t.ID = ids.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = m.now().UTC()
	}
	cp := *t
	m.types[t.ID] = &cp
	return nil
}

// ListPermitTypes returns the scope-visible catalogue sorted by name.
func (m *MemStore) ListPermitTypes(ctx context.Context, scope tenant.Scope) ([]*PermitType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*PermitType
	for _, t := range m.types {
		if !scope.Allows(t.TenantID, "") {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name) })
	return out, nil
}

// AppendGasReading records an atmosphere test. Append-only.
func (m *MemStore) AppendGasReading(ctx context.Context, scope tenant.Scope, r *GasReading) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.getLocked(scope, r.PermitID); err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = ids.New()
	}
	if r.TestedAt.IsZero() {
		r.TestedAt = m.now().UTC()
	}
	m.gas[r.PermitID] = append(m.gas[r.PermitID], *r)
	return nil
}

// ListGasReadings returns readings oldest first.
func (m *MemStore) ListGasReadings(ctx context.Context, scope tenant.Scope, permitID string) ([]GasReading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, err := m.getLocked(scope, permitID); err != nil {
		return nil, err
	}
	return append([]GasReading(nil), m.gas[permitID]...), nil
}

// AppendPhoto records an attachment reference. Append-only.
func (m *MemStore) AppendPhoto(ctx context.Context, scope tenant.Scope, ph *Photo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.getLocked(scope, ph.PermitID); err != nil {
		return err
	}
	if ph.ID == "" {
		ph.ID = ids.New()
	}
	if ph.CreatedAt.IsZero() {
		ph.CreatedAt = m.now().UTC()
	}
	m.photos[ph.PermitID] = append(m.photos[ph.PermitID], *ph)
	return nil
}

// UpsertIsolationPoint inserts or updates a point, enforcing the monotonic
// status progression.
func (m *MemStore) UpsertIsolationPoint(ctx context.Context, scope tenant.Scope, pt *IsolationPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.getLocked(scope, pt.PermitID); err != nil {
		return err
	}
	points := m.isolation[pt.PermitID]
	for i := range points {
		if points[i].ID == pt.ID {
			if IsolationRank(pt.Status) < IsolationRank(points[i].Status) {
				return validationErr("status", "ISOLATION_REGRESSION",
					"isolation status may only move forward",
					map[string]any{"current": string(points[i].Status), "requested": string(pt.Status)})
			}
			pt.Version = points[i].Version + 1
			points[i] = *pt
			return nil
		}
	}
	if pt.ID == "" {
		pt.ID = ids.New()
	}
	if pt.Status == "" {
		pt.Status = IsolationAssigned
	}
	pt.Version = 1
	m.isolation[pt.PermitID] = append(points, *pt)
	return nil
}

// ListIsolationPoints returns the permit's points in insertion order.
func (m *MemStore) ListIsolationPoints(ctx context.Context, scope tenant.Scope, permitID string) ([]IsolationPoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, err := m.getLocked(scope, permitID); err != nil {
		return nil, err
	}
	return append([]IsolationPoint(nil), m.isolation[permitID]...), nil
}

// GetCloseout returns the closeout record, nil when none exists yet.
func (m *MemStore) GetCloseout(ctx context.Context, scope tenant.Scope, permitID string) (*Closeout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, err := m.getLocked(scope, permitID); err != nil {
		return nil, err
	}
	c, ok := m.closeouts[permitID]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

// UpsertCloseout creates or merges the closeout checklist.
func (m *MemStore) UpsertCloseout(ctx context.Context, scope tenant.Scope, c *Closeout) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.getLocked(scope, c.PermitID); err != nil {
		return err
	}
	existing, ok := m.closeouts[c.PermitID]
	if ok {
		if existing.Checklist == nil {
			existing.Checklist = make(map[string]ChecklistItem)
		}
		for k, v := range c.Checklist {
			existing.Checklist[k] = v
		}
		if c.Completed {
			existing.Completed = true
			existing.CompletedBy = c.CompletedBy
			existing.CompletedAt = c.CompletedAt
		}
		existing.Version++
		return nil
	}
	cp := *c
	if cp.Checklist == nil {
		cp.Checklist = make(map[string]ChecklistItem)
	}
	cp.Version = 1
	m.closeouts[c.PermitID] = &cp
	return nil
}

// CreateExtension records a validity extension request.
func (m *MemStore) CreateExtension(ctx context.Context, scope tenant.Scope, e *Extension) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.getLocked(scope, e.PermitID); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = ids.New()
	}
	if e.Status == "" {
		e.Status = ExtensionPending
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = m.now().UTC()
	}
	m.extensions[e.PermitID] = append(m.extensions[e.PermitID], *e)
	return nil
}

// ListExtensions returns the permit's extension requests, oldest first.
func (m *MemStore) ListExtensions(ctx context.Context, scope tenant.Scope, permitID string) ([]Extension, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, err := m.getLocked(scope, permitID); err != nil {
		return nil, err
	}
	return append([]Extension(nil), m.extensions[permitID]...), nil
}

// SaveExtension updates a decided extension row.
func (m *MemStore) SaveExtension(ctx context.Context, scope tenant.Scope, e *Extension) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.getLocked(scope, e.PermitID); err != nil {
		return err
	}
	rows := m.extensions[e.PermitID]
	for i := range rows {
		if rows[i].ID == e.ID {
			rows[i] = *e
			return nil
		}
	}
	return notFoundErr("extension", e.ID)
}

// AddSignature stores a signature row. (permit, type, signatory) is unique.
func (m *MemStore) AddSignature(ctx context.Context, scope tenant.Scope, s *Signature) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.getLocked(scope, s.PermitID); err != nil {
		return err
	}
	for _, existing := range m.signatures[s.PermitID] {
		if existing.Type == s.Type && existing.SignatoryID == s.SignatoryID {
			return conflictErr("signature", 0, 0, "signature already recorded")
		}
	}
	if s.ID == "" {
		s.ID = ids.New()
	}
	m.signatures[s.PermitID] = append(m.signatures[s.PermitID], *s)
	return nil
}

// ListSignatures returns the permit's signatures, oldest first.
func (m *MemStore) ListSignatures(ctx context.Context, scope tenant.Scope, permitID string) ([]Signature, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, err := m.getLocked(scope, permitID); err != nil {
		return nil, err
	}
	return append([]Signature(nil), m.signatures[permitID]...), nil
}

// AppendAudit records an audit entry outside a permit transaction.
func (m *MemStore) AppendAudit(ctx context.Context, a *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == "" {
		a.ID = ids.New()
	}
	if a.At.IsZero() {
		a.At = m.now().UTC()
	}
	m.audit[a.PermitID] = append(m.audit[a.PermitID], *a)
	return nil
}

// ListAudit returns the permit's audit trail, oldest first.
func (m *MemStore) ListAudit(ctx context.Context, scope tenant.Scope, permitID string) ([]AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, err := m.getLocked(scope, permitID); err != nil {
		return nil, err
	}
	return append([]AuditEntry(nil), m.audit[permitID]...), nil
}

// WorkflowByPermit returns the permit's workflow instance, nil when none.
func (m *MemStore) WorkflowByPermit(ctx context.Context, scope tenant.Scope, permitID string) (*WorkflowInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, err := m.getLocked(scope, permitID); err != nil {
		return nil, err
	}
	wf, ok := m.workflows[permitID]
	if !ok {
		return nil, nil
	}
	cp := *wf
	return &cp, nil
}

// StepsByPermit returns the permit's workflow steps in order.
func (m *MemStore) StepsByPermit(ctx context.Context, scope tenant.Scope, permitID string) ([]*WorkflowStep, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, err := m.getLocked(scope, permitID); err != nil {
		return nil, err
	}
	var out []*WorkflowStep
	for _, s := range m.steps[permitID] {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

// ListPendingSteps returns pending steps created before olderThan, across the
// scope's permits. Used by the overdue escalation job.
func (m *MemStore) ListPendingSteps(ctx context.Context, scope tenant.Scope, olderThan time.Time) ([]*WorkflowStep, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*WorkflowStep
	for permitID, steps := range m.steps {
		p, ok := m.permits[permitID]
		if !ok || !m.scoped(scope, p) {
			continue
		}
		for _, s := range steps {
			if s.Status == StepPending && s.CreatedAt.Before(olderThan) {
				cp := *s
				out = append(out, &cp)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func appliedKey(deviceID, offlineID, entity string) string {
	return deviceID + "|" + offlineID + "|" + entity
}

// AppliedChange looks up the idempotency register.
func (m *MemStore) AppliedChange(ctx context.Context, deviceID, offlineID, entity string) (*AppliedChange, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ac, ok := m.applied[appliedKey(deviceID, offlineID, entity)]
	if !ok {
		return nil, false, nil
	}
	cp := ac
	return &cp, true, nil
}

// RecordAppliedChange writes an idempotency register row. Rows are never
// deleted.
func (m *MemStore) RecordAppliedChange(ctx context.Context, ac *AppliedChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ac.AppliedAt.IsZero() {
		ac.AppliedAt = m.now().UTC()
	}
	m.applied[appliedKey(ac.DeviceID, ac.OfflineID, ac.Entity)] = *ac
	return nil
}

var _ Store = (*MemStore)(nil)
