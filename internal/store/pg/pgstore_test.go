package pg

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"athens-ptw.org/internal/ptw"
	"athens-ptw.org/internal/tenant"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(db), mock
}

var permitCols = []string{
	"id", "tenant_id", "project_id", "permit_number", "type_id",
	"title", "description", "location", "work_nature", "priority", "status",
	"risk_probability", "risk_severity", "risk_level",
	"control_measures", "ppe_requirements", "safety_checklist", "requires_isolation", "isolation_details",
	"creator_id", "verifier_id", "approver_id", "issuer_id", "receiver_id",
	"creator_role", "creator_grade", "verifier_role", "verifier_grade",
	"planned_start", "planned_end", "actual_start", "actual_end",
	"submitted_at", "verified_at", "approved_at", "approved_by",
	"verification_comments", "approval_comments",
	"version", "offline_id", "created_at", "updated_at",
}

func permitRow(id, tenantID, status string, version int) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows(permitCols).AddRow(
		id, tenantID, "p1", "PTW-2026-000007", "pt-basic",
		"cable pulling", "", "", "electrical", "", status,
		2, 3, "medium",
		"", []byte(`["helmet"]`), []byte(`{}`), false, "",
		"u-creator", "", "", "", "",
		"contractoruser", "", "", "",
		now, now.Add(8*time.Hour), nil, nil,
		nil, nil, nil, "",
		"", "",
		version, "", now, now,
	)
}

func TestCreatePermitDrawsSequence(t *testing.T) {
	s, mock := newMockStore(t)
	year := time.Now().UTC().Year()

	mock.ExpectBegin()
	mock.ExpectQuery("insert into permit_sequences").
		WithArgs("t1", year).
		WillReturnRows(sqlmock.NewRows([]string{"last_value"}).AddRow(7))
	mock.ExpectExec("insert into permits").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	p := &ptw.Permit{
		TenantID:     "t1",
		TypeID:       "pt-basic",
		Title:        "cable pulling",
		Status:       ptw.StatusDraft,
		CreatorID:    "u-creator",
		PlannedStart: time.Now().UTC(),
		PlannedEnd:   time.Now().UTC().Add(8 * time.Hour),
	}
	if err := s.CreatePermit(context.Background(), tenant.Scope{TenantID: "t1"}, p); err != nil {
		t.Fatalf("create: %v", err)
	}
	if p.Number != ptw.FormatPermitNumber(year, 7) {
		t.Fatalf("number = %s", p.Number)
	}
	if p.ID == "" || p.Version != 1 {
		t.Fatalf("permit = %+v", p)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestCreatePermitOutsideScope(t *testing.T) {
	s, _ := newMockStore(t)
	err := s.CreatePermit(context.Background(), tenant.Scope{TenantID: "t1"}, &ptw.Permit{TenantID: "t2"})
	if ptw.KindOf(err) != ptw.KindPermission {
		t.Fatalf("kind = %s (%v)", ptw.KindOf(err), err)
	}
}

func TestCreatePermitUniqueViolation(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("insert into permits").
		WillReturnError(errors.New(`ERROR: duplicate key value violates unique constraint (SQLSTATE 23505)`))
	mock.ExpectRollback()

	err := s.CreatePermit(context.Background(), tenant.Scope{TenantID: "t1"}, &ptw.Permit{
		TenantID:  "t1",
		Number:    "PTW-2026-000001",
		OfflineID: "off-1",
	})
	if ptw.KindOf(err) != ptw.KindConflict {
		t.Fatalf("kind = %s (%v)", ptw.KindOf(err), err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestGetPermitScoping(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("select (.+) from permits where id = \\$1 and tenant_id = \\$2").
		WithArgs("perm-1", "t1").
		WillReturnRows(permitRow("perm-1", "t1", "active", 3))

	p, err := s.GetPermit(context.Background(), tenant.Scope{TenantID: "t1"}, "perm-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.Status != ptw.StatusActive || p.Version != 3 || p.Number != "PTW-2026-000007" {
		t.Fatalf("permit = %+v", p)
	}
	if len(p.PPERequirements) != 1 || p.PPERequirements[0] != "helmet" {
		t.Fatalf("ppe = %v", p.PPERequirements)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestGetPermitNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("select (.+) from permits").
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetPermit(context.Background(), tenant.Scope{TenantID: "t1"}, "missing")
	if ptw.KindOf(err) != ptw.KindNotFound {
		t.Fatalf("kind = %s (%v)", ptw.KindOf(err), err)
	}
}

func TestListPermitsBuildsFilter(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`select (.+) from permits where tenant_id = \$1 and status in \(\$2,\$3\) and creator_id = \$4 order by created_at desc limit \$5`).
		WithArgs("t1", "draft", "submitted", "u-creator", 10).
		WillReturnRows(permitRow("perm-1", "t1", "draft", 1))

	out, err := s.ListPermits(context.Background(), tenant.Scope{TenantID: "t1"}, ptw.Filter{
		Status:    []ptw.Status{ptw.StatusDraft, ptw.StatusSubmitted},
		CreatorID: "u-creator",
		Limit:     10,
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(out) != 1 || out[0].ID != "perm-1" {
		t.Fatalf("out = %+v", out)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestUpdateDescriptiveVersionConflict(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select (.+) from permits where id = \\$1 and tenant_id = \\$2 for update").
		WithArgs("perm-1", "t1").
		WillReturnRows(permitRow("perm-1", "t1", "draft", 3))
	mock.ExpectRollback()

	title := "retitled"
	_, err := s.UpdateDescriptive(context.Background(), tenant.Scope{TenantID: "t1"}, "perm-1", ptw.DescriptiveUpdate{
		Title:         &title,
		ExpectVersion: 2,
	})
	if ptw.KindOf(err) != ptw.KindConflict {
		t.Fatalf("kind = %s (%v)", ptw.KindOf(err), err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestUpdateDescriptiveBumpsVersion(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select (.+) from permits (.+) for update").
		WithArgs("perm-1", "t1").
		WillReturnRows(permitRow("perm-1", "t1", "draft", 3))
	mock.ExpectExec("update permits set").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	prob, sev := 4, 5
	p, err := s.UpdateDescriptive(context.Background(), tenant.Scope{TenantID: "t1"}, "perm-1", ptw.DescriptiveUpdate{
		RiskProbability: &prob,
		RiskSeverity:    &sev,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if p.Version != 4 {
		t.Fatalf("version = %d", p.Version)
	}
	if p.RiskLevel != ptw.RiskExtreme {
		t.Fatalf("risk level = %s", p.RiskLevel)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestWithPermitRollsBackOnError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select (.+) from permits (.+) for update").
		WithArgs("perm-1", "t1").
		WillReturnRows(permitRow("perm-1", "t1", "draft", 1))
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := s.WithPermit(context.Background(), tenant.Scope{TenantID: "t1"}, "perm-1",
		func(ctx context.Context, p *ptw.Permit, tx ptw.Tx) error {
			return boom
		})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
