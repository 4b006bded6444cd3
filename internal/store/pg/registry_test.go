package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"athens-ptw.org/internal/tenant"
)

func TestRegistryTenant(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	reg := NewRegistry(db)

	mock.ExpectQuery("select id, name, disabled, created_at from tenants").
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "disabled", "created_at"}).
			AddRow("t1", "Tenant One", false, time.Now().UTC()))

	tn, err := reg.Tenant(context.Background(), "t1")
	if err != nil || tn.Name != "Tenant One" {
		t.Fatalf("tenant = %+v err=%v", tn, err)
	}

	mock.ExpectQuery("select id, name, disabled, created_at from tenants").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "disabled", "created_at"}))

	if _, err := reg.Tenant(context.Background(), "missing"); !errors.Is(err, tenant.ErrTenantNotFound) {
		t.Fatalf("err = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestRegistryLookupNormalisesRoleAndGrade(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	reg := NewRegistry(db)

	// legacy rows carry mixed-case roles and lowercase grades
	mock.ExpectQuery("select user_id, tenant_id, project_id, name, role, grade").
		WithArgs("t1", "u1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "tenant_id", "project_id", "name", "role", "grade"}).
			AddRow("u1", "t1", "p1", "Dana", "EPCUser", "b"))

	u, err := reg.Lookup(context.Background(), "t1", "u1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if u.Role != tenant.RoleEPCUser || u.Grade != tenant.GradeB {
		t.Fatalf("profile = %+v", u)
	}

	mock.ExpectQuery("select user_id, tenant_id, project_id, name, role, grade").
		WithArgs("t1", "ghost").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "tenant_id", "project_id", "name", "role", "grade"}))

	if _, err := reg.Lookup(context.Background(), "t1", "ghost"); !errors.Is(err, tenant.ErrUserNotFound) {
		t.Fatalf("err = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
