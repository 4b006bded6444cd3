package pg

import (
	"context"
	"database/sql"
	"errors"

	"athens-ptw.org/internal/tenant"
)

// Registry reads tenants and user profiles from Postgres. Provisioning is an
// upstream concern; the server only looks rows up.
type Registry struct {
	db *sql.DB
}

var (
	_ tenant.Registry       = (*Registry)(nil)
	_ tenant.Directory      = (*Registry)(nil)
	_ tenant.AdminDirectory = (*Registry)(nil)
)

func NewRegistry(db *sql.DB) *Registry { return &Registry{db: db} }

func (r *Registry) Tenant(ctx context.Context, id string) (tenant.Tenant, error) {
	var t tenant.Tenant
	err := r.db.QueryRowContext(ctx, `
		select id, name, disabled, created_at from tenants where id = $1
	`, id).Scan(&t.ID, &t.Name, &t.Disabled, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return tenant.Tenant{}, tenant.ErrTenantNotFound
	}
	return t, err
}

func (r *Registry) Lookup(ctx context.Context, tenantID, userID string) (tenant.UserProfile, error) {
	var (
		u           tenant.UserProfile
		role, grade string
	)
	err := r.db.QueryRowContext(ctx, `
		select user_id, tenant_id, project_id, name, role, grade
		from users where tenant_id = $1 and user_id = $2
	`, tenantID, userID).Scan(&u.UserID, &u.TenantID, &u.ProjectID, &u.Name, &role, &grade)
	if errors.Is(err, sql.ErrNoRows) {
		return tenant.UserProfile{}, tenant.ErrUserNotFound
	}
	if err != nil {
		return tenant.UserProfile{}, err
	}
	u.Role = tenant.ParseRole(role)
	u.Grade = tenant.ParseGrade(grade)
	return u, nil
}

func (r *Registry) ProjectAdmins(ctx context.Context, tenantID string) ([]tenant.UserProfile, error) {
	rows, err := r.db.QueryContext(ctx, `
		select user_id, tenant_id, project_id, name, role, grade
		from users where tenant_id = $1 and role = 'projectadmin'
		order by user_id
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []tenant.UserProfile
	for rows.Next() {
		var (
			u           tenant.UserProfile
			role, grade string
		)
		if err := rows.Scan(&u.UserID, &u.TenantID, &u.ProjectID, &u.Name, &role, &grade); err != nil {
			return nil, err
		}
		u.Role = tenant.ParseRole(role)
		u.Grade = tenant.ParseGrade(grade)
		out = append(out, u)
	}
	return out, rows.Err()
}
