package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

// =============================================================================
// MIGRATION RUNNER TESTS
// =============================================================================

func writeMigration(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write migration %s: %v", name, err)
	}
}

func TestPendingVersions_MarksAppliedAndSortsByName(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	dir := t.TempDir()
	writeMigration(t, dir, "002_results.sql", "CREATE TABLE b (id INT);")
	writeMigration(t, dir, "001_jobs.sql", "CREATE TABLE a (id INT);")
	writeMigration(t, dir, "notes.txt", "not a migration")

	mock.ExpectQuery(`SELECT version FROM schema_migrations`).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("001_jobs.sql"))

	versions, err := pendingVersions(db, dir)
	if err != nil {
		t.Fatalf("pendingVersions() error = %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("versions = %v, want 2 sql files", versions)
	}
	if versions[0].name != "001_jobs.sql" || !versions[0].applied {
		t.Errorf("versions[0] = %+v, want 001_jobs.sql applied", versions[0])
	}
	if versions[1].name != "002_results.sql" || versions[1].applied {
		t.Errorf("versions[1] = %+v, want 002_results.sql pending", versions[1])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestApplyMigration_RunsAndRecordsInOneTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	dir := t.TempDir()
	writeMigration(t, dir, "001_jobs.sql", "CREATE TABLE a (id INT);")

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TABLE a`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO schema_migrations`).
		WithArgs("001_jobs.sql").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := applyMigration(db, dir, "001_jobs.sql"); err != nil {
		t.Fatalf("applyMigration() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestApplyMigration_RollsBackOnFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	dir := t.TempDir()
	writeMigration(t, dir, "001_jobs.sql", "CREATE TABLE a (id INT);")

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TABLE a`).WillReturnError(os.ErrClosed)
	mock.ExpectRollback()

	if err := applyMigration(db, dir, "001_jobs.sql"); err == nil {
		t.Fatal("expected the statement error to propagate")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("version recorded for a failed migration: %v", err)
	}
}

func TestApplyMigration_RejectsEmptyFile(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	dir := t.TempDir()
	writeMigration(t, dir, "001_empty.sql", "   \n")

	if err := applyMigration(db, dir, "001_empty.sql"); err == nil {
		t.Fatal("expected an error for an empty migration file")
	}
}
