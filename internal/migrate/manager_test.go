package migrate

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestSplitStatements(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want int
	}{
		{"single", "create table t (id text);", 1},
		{"two", "create table a (id text); create table b (id text);", 2},
		{"no trailing semicolon", "create table t (id text)", 1},
		{"semicolon inside string", "insert into t values ('a;b'); select 1;", 2},
		{"empty", "   \n  ", 0},
	}
	for _, tc := range cases {
		if got := len(splitStatements(tc.in)); got != tc.want {
			t.Errorf("%s: statements = %d want %d", tc.name, got, tc.want)
		}
	}
}

func writeMigrations(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"001_create_permits.up.sql":   "create table permits (id text primary key);",
		"001_create_permits.down.sql": "drop table permits;",
		"002_create_events.up.sql":    "create table events (id text primary key);\ncreate index events_idx on events (id);",
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

func TestUpAppliesPendingInOrder(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	dir := writeMigrations(t)
	m := NewManager(db, dir, "")

	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists schema_seeds").WillReturnResult(sqlmock.NewResult(0, 0))

	// 001 already ran; only 002 is pending
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("001_create_permits.up.sql"))

	mock.ExpectBegin()
	mock.ExpectExec("create table events").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create index events_idx").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectExec("insert into schema_migrations").
		WithArgs("002_create_events.up.sql", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := m.Up(context.Background()); err != nil {
		t.Fatalf("up: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestDownRollsBackLastApplied(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	dir := writeMigrations(t)
	m := NewManager(db, dir, "")

	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists schema_seeds").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_migrations order by applied_at asc").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("001_create_permits.up.sql"))

	mock.ExpectBegin()
	mock.ExpectExec("drop table permits").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectExec("delete from schema_migrations").
		WithArgs("001_create_permits.up.sql").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := m.Down(context.Background()); err != nil {
		t.Fatalf("down: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestDownRefusesMissingDownFile(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	dir := writeMigrations(t)
	m := NewManager(db, dir, "")

	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists schema_seeds").WillReturnResult(sqlmock.NewResult(0, 0))
	// 002 has no .down.sql
	mock.ExpectQuery("select name from schema_migrations order by applied_at asc").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("002_create_events.up.sql"))

	if err := m.Down(context.Background()); err == nil {
		t.Fatal("rollback without a down file succeeded")
	}
}

func TestSeedRunsOnce(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	seeds := t.TempDir()
	if err := os.WriteFile(filepath.Join(seeds, "demo.sql"), []byte("insert into tenants values ('t1');"), 0o644); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	m := NewManager(db, "", seeds)

	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists schema_seeds").WillReturnResult(sqlmock.NewResult(0, 0))
	// the seed already ran; nothing executes
	mock.ExpectQuery("select name from schema_seeds").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("demo.sql"))

	if err := m.Seed(context.Background()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
