// Package pg is the Postgres implementation of the permit store. It uses
// database/sql over the pgx stdlib driver; row locks (select ... for update)
// serialise per-permit mutations exactly like the in-memory store's lock.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"athens-ptw.org/internal/ids"
	"athens-ptw.org/internal/ptw"
	"athens-ptw.org/internal/tenant"
)

// Store is the Postgres permit store.
type Store struct {
	db *sql.DB
}

var _ ptw.Store = (*Store)(nil)

// Open connects with tuned pool defaults.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing pool (tests use sqlmock here).
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the pool for the readiness probe and the migration manager.
func (s *Store) DB() *sql.DB { return s.db }

const permitColumns = `id, tenant_id, project_id, permit_number, type_id,
	title, description, location, work_nature, priority, status,
	risk_probability, risk_severity, risk_level,
	control_measures, ppe_requirements, safety_checklist, requires_isolation, isolation_details,
	creator_id, verifier_id, approver_id, issuer_id, receiver_id,
	creator_role, creator_grade, verifier_role, verifier_grade,
	planned_start, planned_end, actual_start, actual_end,
	submitted_at, verified_at, approved_at, approved_by,
	verification_comments, approval_comments,
	version, offline_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPermit(r rowScanner) (*ptw.Permit, error) {
	var (
		p          ptw.Permit
		ppe        []byte
		checklist  []byte
		status     string
		workNature string
	)
	err := r.Scan(
		&p.ID, &p.TenantID, &p.ProjectID, &p.Number, &p.TypeID,
		&p.Title, &p.Description, &p.Location, &workNature, &p.Priority, &status,
		&p.RiskProbability, &p.RiskSeverity, (*string)(&p.RiskLevel),
		&p.ControlMeasures, &ppe, &checklist, &p.RequiresIsolation, &p.IsolationDetails,
		&p.CreatorID, &p.VerifierID, &p.ApproverID, &p.IssuerID, &p.ReceiverID,
		(*string)(&p.CreatorRole), (*string)(&p.CreatorGrade),
		(*string)(&p.VerifierRole), (*string)(&p.VerifierGrade),
		&p.PlannedStart, &p.PlannedEnd, &p.ActualStart, &p.ActualEnd,
		&p.SubmittedAt, &p.VerifiedAt, &p.ApprovedAt, &p.ApprovedBy,
		&p.VerificationComments, &p.ApprovalComments,
		&p.Version, &p.OfflineID, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Status = ptw.Status(status)
	p.WorkNature = ptw.WorkNature(workNature)
	if len(ppe) > 0 {
		_ = json.Unmarshal(ppe, &p.PPERequirements)
	}
	if len(checklist) > 0 {
		_ = json.Unmarshal(checklist, &p.SafetyChecklist)
	}
	return &p, nil
}

func permitArgs(p *ptw.Permit) []any {
	ppe, _ := json.Marshal(p.PPERequirements)
	checklist, _ := json.Marshal(p.SafetyChecklist)
	return []any{
		p.ID, p.TenantID, p.ProjectID, p.Number, p.TypeID,
		p.Title, p.Description, p.Location, string(p.WorkNature), p.Priority, string(p.Status),
		p.RiskProbability, p.RiskSeverity, string(p.RiskLevel),
		p.ControlMeasures, ppe, checklist, p.RequiresIsolation, p.IsolationDetails,
		p.CreatorID, p.VerifierID, p.ApproverID, p.IssuerID, p.ReceiverID,
		string(p.CreatorRole), string(p.CreatorGrade), string(p.VerifierRole), string(p.VerifierGrade),
		p.PlannedStart, p.PlannedEnd, p.ActualStart, p.ActualEnd,
		p.SubmittedAt, p.VerifiedAt, p.ApprovedAt, p.ApprovedBy,
		p.VerificationComments, p.ApprovalComments,
		p.Version, p.OfflineID, p.CreatedAt, p.UpdatedAt,
	}
}

func placeholders(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", i+1)
	}
	return strings.Join(parts, ",")
}

// scopeWhere appends tenant scoping to a where clause.
func scopeWhere(scope tenant.Scope, clauses []string, args []any) ([]string, []any) {
	if scope.CrossTenant {
		return clauses, args
	}
	args = append(args, scope.TenantID)
	clauses = append(clauses, fmt.Sprintf("tenant_id = $%d", len(args)))
	if scope.ProjectID != "" {
		args = append(args, scope.ProjectID)
		clauses = append(clauses, fmt.Sprintf("(project_id = $%d or project_id = '')", len(args)))
	}
	return clauses, args
}

// CreatePermit inserts the permit, drawing its number from the per-tenant
// yearly sequence inside one transaction.
func (s *Store) CreatePermit(ctx context.Context, scope tenant.Scope, p *ptw.Permit) error {
	if !scope.Allows(p.TenantID, p.ProjectID) {
		return &ptw.Error{Kind: ptw.KindPermission, Code: "PERMISSION_DENIED", Message: "permit is outside the caller's tenant scope"}
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	if p.ID == "" {
		p.ID = ids.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if p.Version == 0 {
		p.Version = 1
	}
	if p.Number == "" {
		year := now.Year()
		var seq int
		err := tx.QueryRowContext(ctx, `
			insert into permit_sequences(tenant_id, year, last_value)
			values ($1, $2, 1)
			on conflict (tenant_id, year) do update
			set last_value = permit_sequences.last_value + 1
			returning last_value
		`, p.TenantID, year).Scan(&seq)
		if err != nil {
			return err
		}
		p.Number = ptw.FormatPermitNumber(year, seq)
	}

	query := fmt.Sprintf(`insert into permits(%s) values (%s)`,
		permitColumns, placeholders(42))
	if _, err := tx.ExecContext(ctx, query, permitArgs(p)...); err != nil {
		if isUniqueViolation(err) {
			return &ptw.Error{Kind: ptw.KindConflict, Code: "VERSION_CONFLICT", Message: "offline_id already applied"}
		}
		return err
	}
	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	// pgx stdlib surfaces pgconn errors; match on SQLSTATE 23505 in the text
	return err != nil && strings.Contains(err.Error(), "23505")
}

func notFound(entity, id string) error {
	return &ptw.Error{
		Kind:    ptw.KindNotFound,
		Code:    "NOT_FOUND",
		Message: entity + " not found",
		Details: map[string]any{"entity": entity, "id": id},
	}
}

func (s *Store) GetPermit(ctx context.Context, scope tenant.Scope, id string) (*ptw.Permit, error) {
	clauses, args := scopeWhere(scope, []string{"id = $1"}, []any{id})
	query := fmt.Sprintf(`select %s from permits where %s`, permitColumns, strings.Join(clauses, " and "))
	p, err := scanPermit(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("permit", id)
	}
	return p, err
}

func (s *Store) GetPermitByOfflineID(ctx context.Context, scope tenant.Scope, offlineID string) (*ptw.Permit, error) {
	clauses, args := scopeWhere(scope, []string{"offline_id = $1"}, []any{offlineID})
	query := fmt.Sprintf(`select %s from permits where %s`, permitColumns, strings.Join(clauses, " and "))
	p, err := scanPermit(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("permit", offlineID)
	}
	return p, err
}

func (s *Store) ListPermits(ctx context.Context, scope tenant.Scope, f ptw.Filter) ([]*ptw.Permit, error) {
	var clauses []string
	var args []any
	clauses, args = scopeWhere(scope, clauses, args)

	if len(f.Status) > 0 {
		marks := make([]string, len(f.Status))
		for i, st := range f.Status {
			args = append(args, string(st))
			marks[i] = fmt.Sprintf("$%d", len(args))
		}
		clauses = append(clauses, fmt.Sprintf("status in (%s)", strings.Join(marks, ",")))
	}
	if f.TypeID != "" {
		args = append(args, f.TypeID)
		clauses = append(clauses, fmt.Sprintf("type_id = $%d", len(args)))
	}
	if f.ProjectID != "" {
		args = append(args, f.ProjectID)
		clauses = append(clauses, fmt.Sprintf("project_id = $%d", len(args)))
	}
	if f.CreatorID != "" {
		args = append(args, f.CreatorID)
		clauses = append(clauses, fmt.Sprintf("creator_id = $%d", len(args)))
	}
	if f.ActiveEndedBefore != nil {
		args = append(args, *f.ActiveEndedBefore)
		clauses = append(clauses, fmt.Sprintf("status = 'active' and planned_end < $%d", len(args)))
	}
	if f.ActiveEndingBy != nil {
		args = append(args, *f.ActiveEndingBy)
		clauses = append(clauses, fmt.Sprintf("status = 'active' and planned_end <= $%d", len(args)))
	}

	query := fmt.Sprintf(`select %s from permits`, permitColumns)
	if len(clauses) > 0 {
		query += " where " + strings.Join(clauses, " and ")
	}
	query += " order by created_at desc"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" limit $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ptw.Permit
	for rows.Next() {
		p, err := scanPermit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateDescriptive rewrites the editable columns under a row lock, bumping
// the version and honouring the optimistic precondition.
func (s *Store) UpdateDescriptive(ctx context.Context, scope tenant.Scope, id string, upd ptw.DescriptiveUpdate) (*ptw.Permit, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	p, err := s.lockPermit(ctx, tx, scope, id)
	if err != nil {
		return nil, err
	}
	if upd.ExpectVersion != 0 && upd.ExpectVersion != p.Version {
		return nil, &ptw.Error{
			Kind: ptw.KindConflict, Code: "VERSION_CONFLICT",
			Message: "permit was modified concurrently",
			Details: map[string]any{"entity": "permit", "server_version": p.Version, "client_version": upd.ExpectVersion},
		}
	}
	applyDescriptive(p, upd)
	p.Version++
	p.UpdatedAt = time.Now().UTC()
	if err := savePermit(ctx, tx, p); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Store) lockPermit(ctx context.Context, tx *sql.Tx, scope tenant.Scope, id string) (*ptw.Permit, error) {
	clauses, args := scopeWhere(scope, []string{"id = $1"}, []any{id})
	query := fmt.Sprintf(`select %s from permits where %s for update`,
		permitColumns, strings.Join(clauses, " and "))
	p, err := scanPermit(tx.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("permit", id)
	}
	return p, err
}

func savePermit(ctx context.Context, tx *sql.Tx, p *ptw.Permit) error {
	ppe, _ := json.Marshal(p.PPERequirements)
	checklist, _ := json.Marshal(p.SafetyChecklist)
	_, err := tx.ExecContext(ctx, `
		update permits set
			title=$2, description=$3, location=$4, work_nature=$5, priority=$6, status=$7,
			risk_probability=$8, risk_severity=$9, risk_level=$10,
			control_measures=$11, ppe_requirements=$12, safety_checklist=$13,
			requires_isolation=$14, isolation_details=$15,
			verifier_id=$16, approver_id=$17, issuer_id=$18, receiver_id=$19,
			verifier_role=$20, verifier_grade=$21,
			planned_start=$22, planned_end=$23, actual_start=$24, actual_end=$25,
			submitted_at=$26, verified_at=$27, approved_at=$28, approved_by=$29,
			verification_comments=$30, approval_comments=$31,
			version=$32, updated_at=$33
		where id=$1
	`,
		p.ID, p.Title, p.Description, p.Location, string(p.WorkNature), p.Priority, string(p.Status),
		p.RiskProbability, p.RiskSeverity, string(p.RiskLevel),
		p.ControlMeasures, ppe, checklist,
		p.RequiresIsolation, p.IsolationDetails,
		p.VerifierID, p.ApproverID, p.IssuerID, p.ReceiverID,
		string(p.VerifierRole), string(p.VerifierGrade),
		p.PlannedStart, p.PlannedEnd, p.ActualStart, p.ActualEnd,
		p.SubmittedAt, p.VerifiedAt, p.ApprovedAt, p.ApprovedBy,
		p.VerificationComments, p.ApprovalComments,
		p.Version, p.UpdatedAt,
	)
	return err
}

func applyDescriptive(p *ptw.Permit, upd ptw.DescriptiveUpdate) {
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
			p.SafetyChecklist = make(map[string]ptw.ChecklistItem, len(upd.SafetyChecklist))
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
		p.RiskLevel = ptw.RiskLevelFor(p.RiskProbability, p.RiskSeverity)
	}
	if upd.IssuerID != nil {
		p.IssuerID = *upd.IssuerID
	}
	if upd.ReceiverID != nil {
		p.ReceiverID = *upd.ReceiverID
	}
}

// WithPermit locks the permit row and runs fn inside the transaction.
func (s *Store) WithPermit(ctx context.Context, scope tenant.Scope, id string, fn func(ctx context.Context, p *ptw.Permit, tx ptw.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	p, err := s.lockPermit(ctx, tx, scope, id)
	if err != nil {
		return err
	}
	if err := fn(ctx, p, &pgTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}
