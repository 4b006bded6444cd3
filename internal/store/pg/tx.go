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
)

// pgTx is the mutation surface handed to engine callbacks while the permit
// row lock is held. All statements run on the enclosing transaction.
type pgTx struct {
	tx *sql.Tx
}

var _ ptw.Tx = (*pgTx)(nil)

func (t *pgTx) SavePermit(ctx context.Context, p *ptw.Permit) error {
	p.Version++
	p.UpdatedAt = time.Now().UTC()
	return savePermit(ctx, t.tx, p)
}

func (t *pgTx) CreateWorkflow(ctx context.Context, w *ptw.WorkflowInstance) error {
	if w.ID == "" {
		w.ID = ids.New()
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	_, err := t.tx.ExecContext(ctx, `
		insert into workflow_instances(id, permit_id, current_step, status, created_at)
		values ($1,$2,$3,$4,$5)
	`, w.ID, w.PermitID, w.CurrentStep, w.Status, w.CreatedAt)
	return err
}

func (t *pgTx) SaveWorkflow(ctx context.Context, w *ptw.WorkflowInstance) error {
	res, err := t.tx.ExecContext(ctx, `
		update workflow_instances set current_step=$2, status=$3 where id=$1
	`, w.ID, w.CurrentStep, w.Status)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("workflow", w.ID)
	}
	return nil
}

func (t *pgTx) WorkflowByPermit(ctx context.Context, permitID string) (*ptw.WorkflowInstance, error) {
	return queryWorkflow(ctx, t.tx, permitID, "", permitID)
}

func (t *pgTx) CreateStep(ctx context.Context, s *ptw.WorkflowStep) error {
	if s.ID == "" {
		s.ID = ids.New()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	query := fmt.Sprintf(`insert into workflow_steps(%s) values (%s)`, stepColumns, placeholders(13))
	_, err := t.tx.ExecContext(ctx, query,
		s.ID, s.InstanceID, s.PermitID, string(s.Kind), s.AssigneeID,
		string(s.Role), string(s.Grade), s.Order,
		s.Required, string(s.Status), s.Comments, s.CreatedAt, s.CompletedAt)
	return err
}

func (t *pgTx) SaveStep(ctx context.Context, s *ptw.WorkflowStep) error {
	res, err := t.tx.ExecContext(ctx, `
		update workflow_steps set assignee_id=$2, role=$3, grade=$4, status=$5, comments=$6, completed_at=$7
		where id=$1
	`, s.ID, s.AssigneeID, string(s.Role), string(s.Grade), string(s.Status), s.Comments, s.CompletedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("workflow_step", s.ID)
	}
	return nil
}

func (t *pgTx) Steps(ctx context.Context, permitID string) ([]*ptw.WorkflowStep, error) {
	query := fmt.Sprintf(`select %s from workflow_steps where permit_id = $1 order by step_order, created_at`, stepColumns)
	return querySteps(ctx, t.tx, query, permitID)
}

func (t *pgTx) Signatures(ctx context.Context, permitID string) ([]ptw.Signature, error) {
	return querySignatures(ctx, t.tx, `
		select id, permit_id, signature_type, signatory_id, data_url, signed_at, ip_address, device_info
		from signatures where permit_id = $1 order by signed_at
	`, permitID)
}

// Collateral assembles everything the transition validators look at, read
// inside the same transaction as the permit lock.
func (t *pgTx) Collateral(ctx context.Context, p *ptw.Permit) (ptw.PermitCollateral, error) {
	var c ptw.PermitCollateral

	query := fmt.Sprintf(`select %s from permit_types where id = $1`, typeColumns)
	typ, err := scanPermitType(t.tx.QueryRowContext(ctx, query, p.TypeID))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return c, err
	}
	c.Type = typ

	rows, err := t.tx.QueryContext(ctx, `
		select id, permit_id, gas_type, reading, unit, status, tested_by, tested_at
		from gas_readings where permit_id = $1 order by tested_at
	`, p.ID)
	if err != nil {
		return c, err
	}
	for rows.Next() {
		var g ptw.GasReading
		if err := rows.Scan(&g.ID, &g.PermitID, &g.GasType, &g.Reading, &g.Unit, &g.Status, &g.TestedBy, &g.TestedAt); err != nil {
			rows.Close()
			return c, err
		}
		c.GasReadings = append(c.GasReadings, g)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return c, err
	}

	query = fmt.Sprintf(`select %s from isolation_points where permit_id = $1 order by name`, isolationColumns)
	rows, err = t.tx.QueryContext(ctx, query, p.ID)
	if err != nil {
		return c, err
	}
	for rows.Next() {
		pt, err := scanIsolationPoint(rows)
		if err != nil {
			rows.Close()
			return c, err
		}
		c.IsolationPoints = append(c.IsolationPoints, pt)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return c, err
	}

	var (
		co        ptw.Closeout
		checklist []byte
	)
	err = t.tx.QueryRowContext(ctx, `
		select permit_id, checklist, completed, completed_by, completed_at, version
		from closeouts where permit_id = $1
	`, p.ID).Scan(&co.PermitID, &checklist, &co.Completed, &co.CompletedBy, &co.CompletedAt, &co.Version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return c, err
	default:
		_ = json.Unmarshal(checklist, &co.Checklist)
		c.Closeout = &co
	}

	query = fmt.Sprintf(`select %s from extensions where permit_id = $1 order by created_at`, extensionColumns)
	rows, err = t.tx.QueryContext(ctx, query, p.ID)
	if err != nil {
		return c, err
	}
	defer rows.Close()
	for rows.Next() {
		var e ptw.Extension
		if err := rows.Scan(&e.ID, &e.PermitID, &e.RequestedBy, &e.NewEnd, &e.Hours, &e.Reason,
			(*string)(&e.Status), &e.DecidedBy, &e.DecidedAt, &e.CreatedAt); err != nil {
			return c, err
		}
		c.Extensions = append(c.Extensions, e)
	}
	return c, rows.Err()
}

func (t *pgTx) AppendAudit(ctx context.Context, a *ptw.AuditEntry) error {
	return insertAudit(ctx, t.tx, a)
}
