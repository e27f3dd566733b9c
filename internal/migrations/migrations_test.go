package migrations

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/go-cmp/cmp"
)

func twoMigrations() fstest.MapFS {
	return fstest.MapFS{
		"sql/000002_two.up.sql":   {Data: []byte("SELECT 2;")},
		"sql/000002_two.down.sql": {Data: []byte("SELECT -2;")},
		"sql/000001_one.up.sql":   {Data: []byte("SELECT 1;")},
		"sql/000001_one.down.sql": {Data: []byte("SELECT -1;")},
		"sql/README.md":           {Data: []byte("ignored")},
	}
}

func TestLoadMigrationsSortsAndPairsUpDown(t *testing.T) {
	items, err := loadMigrations(twoMigrations())
	if err != nil {
		t.Fatalf("loadMigrations() error = %v", err)
	}
	want := []migration{
		{Version: 1, Name: "one", UpSQL: "SELECT 1;", DownSQL: "SELECT -1;"},
		{Version: 2, Name: "two", UpSQL: "SELECT 2;", DownSQL: "SELECT -2;"},
	}
	if diff := cmp.Diff(want, items); diff != "" {
		t.Fatalf("migrations mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadMigrationsRejectsIncompletePairs(t *testing.T) {
	tests := []struct {
		name    string
		fsys    fstest.MapFS
		wantErr string
	}{
		{
			name:    "missing down",
			fsys:    fstest.MapFS{"sql/000001_one.up.sql": {Data: []byte("SELECT 1;")}},
			wantErr: "missing down SQL",
		},
		{
			name:    "missing up",
			fsys:    fstest.MapFS{"sql/000001_one.down.sql": {Data: []byte("SELECT 1;")}},
			wantErr: "missing up SQL",
		},
		{
			name: "mismatched names",
			fsys: fstest.MapFS{
				"sql/000001_one.up.sql":   {Data: []byte("SELECT 1;")},
				"sql/000001_uno.down.sql": {Data: []byte("SELECT -1;")},
			},
			wantErr: "mismatched names",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadMigrations(tt.fsys)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func expectPlan(mock sqlmock.Sqlmock, applied ...int64) {
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS biagent_schema_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	rows := sqlmock.NewRows([]string{"version"})
	for _, version := range applied {
		rows.AddRow(version)
	}
	mock.ExpectQuery("SELECT version FROM biagent_schema_migrations ORDER BY version").WillReturnRows(rows)
}

func expectLocked(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock($1)")).
		WithArgs(lockKey).
		WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestUpAppliesOnlyPendingMigrations(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer func() { _ = db.Close() }()

	expectPlan(mock, 1)
	expectLocked(mock)
	mock.ExpectExec(regexp.QuoteMeta("SELECT 2;")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO biagent_schema_migrations (version, name) VALUES ($1, $2)")).
		WithArgs(int64(2), "two").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	runner := &Runner{fsys: twoMigrations()}
	applied, err := runner.Up(context.Background(), db, 0)
	if err != nil {
		t.Fatalf("Up() error = %v", err)
	}
	if applied != 1 {
		t.Fatalf("applied = %d, want 1", applied)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpStopsAtFailingMigration(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer func() { _ = db.Close() }()

	expectPlan(mock)
	expectLocked(mock)
	mock.ExpectExec(regexp.QuoteMeta("SELECT 1;")).WillReturnError(errors.New("syntax error"))
	mock.ExpectRollback()

	runner := &Runner{fsys: twoMigrations()}
	applied, err := runner.Up(context.Background(), db, 0)
	if err == nil || !strings.Contains(err.Error(), "apply migration 1 (one)") {
		t.Fatalf("Up() error = %v", err)
	}
	if applied != 0 {
		t.Fatalf("applied = %d, want 0", applied)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDownRollsBackNewestFirst(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer func() { _ = db.Close() }()

	expectPlan(mock, 1, 2)
	expectLocked(mock)
	mock.ExpectExec(regexp.QuoteMeta("SELECT -2;")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM biagent_schema_migrations WHERE version = $1")).
		WithArgs(int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	runner := &Runner{fsys: twoMigrations()}
	rolledBack, err := runner.Down(context.Background(), db, 0)
	if err != nil {
		t.Fatalf("Down() error = %v", err)
	}
	if rolledBack != 1 {
		t.Fatalf("rolled back = %d, want 1", rolledBack)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDownRejectsUnknownAppliedVersion(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer func() { _ = db.Close() }()

	expectPlan(mock, 1, 7)

	runner := &Runner{fsys: twoMigrations()}
	if _, err := runner.Down(context.Background(), db, 1); err == nil || !strings.Contains(err.Error(), "missing from source") {
		t.Fatalf("Down() error = %v", err)
	}
}

func TestStatusListsPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer func() { _ = db.Close() }()

	expectPlan(mock, 1)

	runner := &Runner{fsys: twoMigrations()}
	status, err := runner.Status(context.Background(), db)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if diff := cmp.Diff(Status{Applied: []int64{1}, Pending: []int64{2}}, status); diff != "" {
		t.Fatalf("status mismatch (-want +got):\n%s", diff)
	}
}
