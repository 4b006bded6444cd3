package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"athens-ptw.org/internal/ids"
	"athens-ptw.org/internal/ptw"
	"athens-ptw.org/internal/tenant"
)

// permitScope returns a where fragment binding rows of a child table to the
// caller's tenant via the owning permit.
func permitScope(scope tenant.Scope, args []any) (string, []any) {
	if scope.CrossTenant {
		return "", args
	}
	args = append(args, scope.TenantID)
	return fmt.Sprintf(" and permit_id in (select id from permits where tenant_id = $%d)", len(args)), args
}

// --- permit types ---

const typeColumns = `id, tenant_id, name, category, risk_level, default_validity_hours,
	requires_gas_testing, requires_structured_isolation, requires_deisolation_on_closeout,
	mandatory_ppe, safety_checklist_template, closeout_checklist_template,
	max_validity_extensions, overdue_threshold_hours, created_at`

func scanPermitType(r rowScanner) (*ptw.PermitType, error) {
	var (
		t                ptw.PermitType
		ppe, safety, clo []byte
	)
	err := r.Scan(
		&t.ID, &t.TenantID, &t.Name, (*string)(&t.Category), (*string)(&t.RiskLevel), &t.DefaultValidityHours,
		&t.RequiresGasTesting, &t.RequiresStructuredIsolation, &t.RequiresDeisolationOnCloseout,
		&ppe, &safety, &clo,
		&t.MaxValidityExtensions, &t.OverdueThresholdHours, &t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(ppe, &t.MandatoryPPE)
	_ = json.Unmarshal(safety, &t.SafetyChecklistTemplate)
	_ = json.Unmarshal(clo, &t.CloseoutChecklistTemplate)
	return &t, nil
}

func (s *Store) PermitType(ctx context.Context, scope tenant.Scope, id string) (*ptw.PermitType, error) {
	clauses, args := scopeWhere(scope, []string{"id = $1"}, []any{id})
	query := fmt.Sprintf(`select %s from permit_types where %s`, typeColumns, joinAnd(clauses))
	t, err := scanPermitType(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("permit_type", id)
	}
	return t, err
}

func (s *Store) CreatePermitType(ctx context.Context, scope tenant.Scope, t *ptw.PermitType) error {
	if !scope.CrossTenant && t.TenantID != scope.TenantID {
		return &ptw.Error{Kind: ptw.KindPermission, Code: "PERMISSION_DENIED", Message: "permit type is outside the caller's tenant scope"}
	}
	if t.ID == "" {
		t.ID = ids.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	ppe, _ := json.Marshal(t.MandatoryPPE)
	safety, _ := json.Marshal(t.SafetyChecklistTemplate)
	clo, _ := json.Marshal(t.CloseoutChecklistTemplate)
	query := fmt.Sprintf(`insert into permit_types(%s) values (%s)`, typeColumns, placeholders(15))
	_, err := s.db.ExecContext(ctx, query,
		t.ID, t.TenantID, t.Name, string(t.Category), string(t.RiskLevel), t.DefaultValidityHours,
		t.RequiresGasTesting, t.RequiresStructuredIsolation, t.RequiresDeisolationOnCloseout,
		ppe, safety, clo,
		t.MaxValidityExtensions, t.OverdueThresholdHours, t.CreatedAt,
	)
	return err
}

func (s *Store) ListPermitTypes(ctx context.Context, scope tenant.Scope) ([]*ptw.PermitType, error) {
	clauses, args := scopeWhere(scope, nil, nil)
	query := fmt.Sprintf(`select %s from permit_types`, typeColumns)
	if len(clauses) > 0 {
		query += " where " + joinAnd(clauses)
	}
	query += " order by name"
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*ptw.PermitType
	for rows.Next() {
		t, err := scanPermitType(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- gas readings and photos ---

func (s *Store) AppendGasReading(ctx context.Context, scope tenant.Scope, r *ptw.GasReading) error {
	if r.ID == "" {
		r.ID = ids.New()
	}
	if r.TestedAt.IsZero() {
		r.TestedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into gas_readings(id, permit_id, gas_type, reading, unit, status, tested_by, tested_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
	`, r.ID, r.PermitID, r.GasType, r.Reading, r.Unit, r.Status, r.TestedBy, r.TestedAt)
	return err
}

func (s *Store) ListGasReadings(ctx context.Context, scope tenant.Scope, permitID string) ([]ptw.GasReading, error) {
	cond, args := permitScope(scope, []any{permitID})
	rows, err := s.db.QueryContext(ctx, `
		select id, permit_id, gas_type, reading, unit, status, tested_by, tested_at
		from gas_readings where permit_id = $1`+cond+` order by tested_at
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ptw.GasReading
	for rows.Next() {
		var g ptw.GasReading
		if err := rows.Scan(&g.ID, &g.PermitID, &g.GasType, &g.Reading, &g.Unit, &g.Status, &g.TestedBy, &g.TestedAt); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *Store) AppendPhoto(ctx context.Context, scope tenant.Scope, ph *ptw.Photo) error {
	if ph.ID == "" {
		ph.ID = ids.New()
	}
	if ph.CreatedAt.IsZero() {
		ph.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into photos(id, permit_id, url, caption, taken_by, created_at)
		values ($1,$2,$3,$4,$5,$6)
	`, ph.ID, ph.PermitID, ph.URL, ph.Caption, ph.TakenBy, ph.CreatedAt)
	return err
}

// --- isolation points ---

const isolationColumns = `id, permit_id, library_ref, name, status, lock_count, lock_ids, required,
	isolated_by, isolated_at, verified_by, verified_at, deisolated_by, deisolated_at, version`

func scanIsolationPoint(r rowScanner) (ptw.IsolationPoint, error) {
	var (
		pt    ptw.IsolationPoint
		locks []byte
	)
	err := r.Scan(
		&pt.ID, &pt.PermitID, &pt.LibraryRef, &pt.Name, (*string)(&pt.Status), &pt.LockCount, &locks, &pt.Required,
		&pt.IsolatedBy, &pt.IsolatedAt, &pt.VerifiedBy, &pt.VerifiedAt, &pt.DeisolatedBy, &pt.DeisolatedAt, &pt.Version,
	)
	if err == nil {
		_ = json.Unmarshal(locks, &pt.LockIDs)
	}
	return pt, err
}

// UpsertIsolationPoint inserts or advances a point; status never moves
// backwards through the lockout progression.
func (s *Store) UpsertIsolationPoint(ctx context.Context, scope tenant.Scope, pt *ptw.IsolationPoint) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if pt.ID != "" {
		cond, args := permitScope(scope, []any{pt.ID, pt.PermitID})
		query := fmt.Sprintf(`select %s from isolation_points where id = $1 and permit_id = $2%s for update`, isolationColumns, cond)
		cur, err := scanIsolationPoint(tx.QueryRowContext(ctx, query, args...))
		if err == nil {
			if ptw.IsolationRank(pt.Status) < ptw.IsolationRank(cur.Status) {
				return &ptw.Error{
					Kind: ptw.KindValidation, Code: "ISOLATION_REGRESSION", Field: "status",
					Message: "isolation status cannot move backwards",
					Details: map[string]any{"current": cur.Status, "requested": pt.Status},
				}
			}
			pt.Version = cur.Version + 1
			locks, _ := json.Marshal(pt.LockIDs)
			_, err = tx.ExecContext(ctx, `
				update isolation_points set
					library_ref=$2, name=$3, status=$4, lock_count=$5, lock_ids=$6, required=$7,
					isolated_by=$8, isolated_at=$9, verified_by=$10, verified_at=$11,
					deisolated_by=$12, deisolated_at=$13, version=$14
				where id=$1
			`, pt.ID, pt.LibraryRef, pt.Name, string(pt.Status), pt.LockCount, locks, pt.Required,
				pt.IsolatedBy, pt.IsolatedAt, pt.VerifiedBy, pt.VerifiedAt,
				pt.DeisolatedBy, pt.DeisolatedAt, pt.Version)
			if err != nil {
				return err
			}
			return tx.Commit()
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
	}

	if pt.ID == "" {
		pt.ID = ids.New()
	}
	pt.Version = 1
	locks, _ := json.Marshal(pt.LockIDs)
	query := fmt.Sprintf(`insert into isolation_points(%s) values (%s)`, isolationColumns, placeholders(15))
	_, err = tx.ExecContext(ctx, query,
		pt.ID, pt.PermitID, pt.LibraryRef, pt.Name, string(pt.Status), pt.LockCount, locks, pt.Required,
		pt.IsolatedBy, pt.IsolatedAt, pt.VerifiedBy, pt.VerifiedAt, pt.DeisolatedBy, pt.DeisolatedAt, pt.Version)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ListIsolationPoints(ctx context.Context, scope tenant.Scope, permitID string) ([]ptw.IsolationPoint, error) {
	cond, args := permitScope(scope, []any{permitID})
	query := fmt.Sprintf(`select %s from isolation_points where permit_id = $1%s order by name`, isolationColumns, cond)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ptw.IsolationPoint
	for rows.Next() {
		pt, err := scanIsolationPoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pt)
	}
	return out, rows.Err()
}

// --- closeouts ---

func (s *Store) GetCloseout(ctx context.Context, scope tenant.Scope, permitID string) (*ptw.Closeout, error) {
	cond, args := permitScope(scope, []any{permitID})
	var (
		c         ptw.Closeout
		checklist []byte
	)
	err := s.db.QueryRowContext(ctx, `
		select permit_id, checklist, completed, completed_by, completed_at, version
		from closeouts where permit_id = $1`+cond+`
	`, args...).Scan(&c.PermitID, &checklist, &c.Completed, &c.CompletedBy, &c.CompletedAt, &c.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(checklist, &c.Checklist)
	return &c, nil
}

func (s *Store) UpsertCloseout(ctx context.Context, scope tenant.Scope, c *ptw.Closeout) error {
	checklist, _ := json.Marshal(c.Checklist)
	return s.db.QueryRowContext(ctx, `
		insert into closeouts(permit_id, checklist, completed, completed_by, completed_at, version)
		values ($1,$2,$3,$4,$5,1)
		on conflict (permit_id) do update set
			checklist = excluded.checklist,
			completed = excluded.completed,
			completed_by = excluded.completed_by,
			completed_at = excluded.completed_at,
			version = closeouts.version + 1
		returning version
	`, c.PermitID, checklist, c.Completed, c.CompletedBy, c.CompletedAt).Scan(&c.Version)
}

// --- extensions ---

const extensionColumns = `id, permit_id, requested_by, new_end_time, extension_hours, reason,
	status, decided_by, decided_at, created_at`

func (s *Store) CreateExtension(ctx context.Context, scope tenant.Scope, e *ptw.Extension) error {
	if e.ID == "" {
		e.ID = ids.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	query := fmt.Sprintf(`insert into extensions(%s) values (%s)`, extensionColumns, placeholders(10))
	_, err := s.db.ExecContext(ctx, query,
		e.ID, e.PermitID, e.RequestedBy, e.NewEnd, e.Hours, e.Reason,
		string(e.Status), e.DecidedBy, e.DecidedAt, e.CreatedAt)
	return err
}

func (s *Store) ListExtensions(ctx context.Context, scope tenant.Scope, permitID string) ([]ptw.Extension, error) {
	cond, args := permitScope(scope, []any{permitID})
	query := fmt.Sprintf(`select %s from extensions where permit_id = $1%s order by created_at`, extensionColumns, cond)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ptw.Extension
	for rows.Next() {
		var e ptw.Extension
		if err := rows.Scan(&e.ID, &e.PermitID, &e.RequestedBy, &e.NewEnd, &e.Hours, &e.Reason,
			(*string)(&e.Status), &e.DecidedBy, &e.DecidedAt, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) SaveExtension(ctx context.Context, scope tenant.Scope, e *ptw.Extension) error {
	res, err := s.db.ExecContext(ctx, `
		update extensions set status=$2, decided_by=$3, decided_at=$4 where id=$1
	`, e.ID, string(e.Status), e.DecidedBy, e.DecidedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("extension", e.ID)
	}
	return nil
}

// --- signatures ---

func (s *Store) AddSignature(ctx context.Context, scope tenant.Scope, sig *ptw.Signature) error {
	if sig.ID == "" {
		sig.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into signatures(id, permit_id, signature_type, signatory_id, data_url, signed_at, ip_address, device_info)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
	`, sig.ID, sig.PermitID, string(sig.Type), sig.SignatoryID, sig.DataURL, sig.SignedAt, sig.IPAddress, sig.DeviceInfo)
	if isUniqueViolation(err) {
		return &ptw.Error{Kind: ptw.KindConflict, Code: "SIGNATURE_EXISTS", Message: "signature already recorded"}
	}
	return err
}

func (s *Store) ListSignatures(ctx context.Context, scope tenant.Scope, permitID string) ([]ptw.Signature, error) {
	cond, args := permitScope(scope, []any{permitID})
	return querySignatures(ctx, s.db, `
		select id, permit_id, signature_type, signatory_id, data_url, signed_at, ip_address, device_info
		from signatures where permit_id = $1`+cond+` order by signed_at
	`, args...)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func querySignatures(ctx context.Context, q querier, query string, args ...any) ([]ptw.Signature, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ptw.Signature
	for rows.Next() {
		var sig ptw.Signature
		if err := rows.Scan(&sig.ID, &sig.PermitID, (*string)(&sig.Type), &sig.SignatoryID,
			&sig.DataURL, &sig.SignedAt, &sig.IPAddress, &sig.DeviceInfo); err != nil {
			return nil, err
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

// --- audit ---

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertAudit(ctx context.Context, q execer, a *ptw.AuditEntry) error {
	if a.ID == "" {
		a.ID = ids.New()
	}
	if a.At.IsZero() {
		a.At = time.Now().UTC()
	}
	oldV, _ := json.Marshal(a.OldValues)
	newV, _ := json.Marshal(a.NewValues)
	_, err := q.ExecContext(ctx, `
		insert into audit_log(id, permit_id, action, user_id, at, comments, old_values, new_values)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
	`, a.ID, a.PermitID, a.Action, a.UserID, a.At, a.Comments, oldV, newV)
	return err
}

func (s *Store) AppendAudit(ctx context.Context, a *ptw.AuditEntry) error {
	return insertAudit(ctx, s.db, a)
}

func (s *Store) ListAudit(ctx context.Context, scope tenant.Scope, permitID string) ([]ptw.AuditEntry, error) {
	cond, args := permitScope(scope, []any{permitID})
	rows, err := s.db.QueryContext(ctx, `
		select id, permit_id, action, user_id, at, comments, old_values, new_values
		from audit_log where permit_id = $1`+cond+` order by at
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ptw.AuditEntry
	for rows.Next() {
		var (
			a          ptw.AuditEntry
			oldV, newV []byte
		)
		if err := rows.Scan(&a.ID, &a.PermitID, &a.Action, &a.UserID, &a.At, &a.Comments, &oldV, &newV); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(oldV, &a.OldValues)
		_ = json.Unmarshal(newV, &a.NewValues)
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- workflow reads ---

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func queryWorkflow(ctx context.Context, q rowQuerier, permitID string, scopeCond string, args ...any) (*ptw.WorkflowInstance, error) {
	var w ptw.WorkflowInstance
	err := q.QueryRowContext(ctx, `
		select id, permit_id, current_step, status, created_at
		from workflow_instances where permit_id = $1`+scopeCond+`
	`, args...).Scan(&w.ID, &w.PermitID, &w.CurrentStep, &w.Status, &w.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("workflow", permitID)
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

const stepColumns = `id, instance_id, permit_id, kind, assignee_id, role, grade, step_order,
	required, status, comments, created_at, completed_at`

func scanStep(r rowScanner) (*ptw.WorkflowStep, error) {
	var st ptw.WorkflowStep
	err := r.Scan(&st.ID, &st.InstanceID, &st.PermitID, (*string)(&st.Kind), &st.AssigneeID,
		(*string)(&st.Role), (*string)(&st.Grade), &st.Order,
		&st.Required, (*string)(&st.Status), &st.Comments, &st.CreatedAt, &st.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func querySteps(ctx context.Context, q querier, query string, args ...any) ([]*ptw.WorkflowStep, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*ptw.WorkflowStep
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) WorkflowByPermit(ctx context.Context, scope tenant.Scope, permitID string) (*ptw.WorkflowInstance, error) {
	cond, args := permitScope(scope, []any{permitID})
	return queryWorkflow(ctx, s.db, permitID, cond, args...)
}

func (s *Store) StepsByPermit(ctx context.Context, scope tenant.Scope, permitID string) ([]*ptw.WorkflowStep, error) {
	cond, args := permitScope(scope, []any{permitID})
	query := fmt.Sprintf(`select %s from workflow_steps where permit_id = $1%s order by step_order, created_at`, stepColumns, cond)
	return querySteps(ctx, s.db, query, args...)
}

func (s *Store) ListPendingSteps(ctx context.Context, scope tenant.Scope, olderThan time.Time) ([]*ptw.WorkflowStep, error) {
	cond, args := permitScope(scope, []any{olderThan})
	query := fmt.Sprintf(`select %s from workflow_steps where status = 'pending' and created_at < $1%s order by created_at`, stepColumns, cond)
	return querySteps(ctx, s.db, query, args...)
}

// --- offline idempotency register ---

func (s *Store) AppliedChange(ctx context.Context, deviceID, offlineID, entity string) (*ptw.AppliedChange, bool, error) {
	var ac ptw.AppliedChange
	err := s.db.QueryRowContext(ctx, `
		select device_id, offline_id, entity, server_id, applied_at
		from applied_changes where device_id = $1 and offline_id = $2 and entity = $3
	`, deviceID, offlineID, entity).Scan(&ac.DeviceID, &ac.OfflineID, &ac.Entity, &ac.ServerID, &ac.AppliedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &ac, true, nil
}

func (s *Store) RecordAppliedChange(ctx context.Context, ac *ptw.AppliedChange) error {
	if ac.AppliedAt.IsZero() {
		ac.AppliedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into applied_changes(device_id, offline_id, entity, server_id, applied_at)
		values ($1,$2,$3,$4,$5)
		on conflict (device_id, offline_id, entity) do nothing
	`, ac.DeviceID, ac.OfflineID, ac.Entity, ac.ServerID, ac.AppliedAt)
	return err
}

func joinAnd(clauses []string) string {
	out := ""
	for i, c := range clauses {
		if i > 0 {
			out += " and "
		}
		out += c
	}
	return out
}
