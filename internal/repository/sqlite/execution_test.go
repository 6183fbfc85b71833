package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sakif/runbox/internal/apperror"
	"github.com/sakif/runbox/internal/model"
	"github.com/sakif/runbox/internal/repository"
)

// newTestDB opens a fresh in-memory database that disappears with the test.
func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func createTestExecution(t *testing.T, db *DB, language, status string, at time.Time) *model.Execution {
	t.Helper()
	code := 0
	exec := &model.Execution{
		Language:   language,
		Status:     status,
		ExitCode:   &code,
		WallTimeMs: 42,
		CodeBytes:  10,
		CreatedAt:  at,
	}
	if err := db.Create(context.Background(), exec); err != nil {
		t.Fatalf("failed to create test execution: %v", err)
	}
	return exec
}

func TestCreate(t *testing.T) {
	db := newTestDB(t)

	exec := &model.Execution{Language: "python", Status: "Success", StdinBytes: 4, Client: "10.0.0.1"}
	if err := db.Create(context.Background(), exec); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if exec.ID == "" {
		t.Error("Create() did not set ID")
	}
	if exec.CreatedAt.IsZero() {
		t.Error("Create() did not set CreatedAt")
	}

	got, err := db.GetByID(context.Background(), exec.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Language != "python" || got.Status != "Success" {
		t.Errorf("GetByID() = %+v", got)
	}
	if got.ExitCode != nil {
		t.Errorf("ExitCode = %v, want nil", *got.ExitCode)
	}
	if got.StdinBytes != 4 || got.Client != "10.0.0.1" {
		t.Errorf("StdinBytes/Client = %d/%q", got.StdinBytes, got.Client)
	}
}

func TestCreate_KeepsExitCode(t *testing.T) {
	db := newTestDB(t)
	code := 137
	exec := &model.Execution{Language: "c", Status: "ResourceExceeded", ExitCode: &code}
	if err := db.Create(context.Background(), exec); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := db.GetByID(context.Background(), exec.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.ExitCode == nil || *got.ExitCode != 137 {
		t.Errorf("ExitCode = %v, want 137", got.ExitCode)
	}
}

func TestGetByID_NotFound(t *testing.T) {
	db := newTestDB(t)

	_, err := db.GetByID(context.Background(), "missing")
	if !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("GetByID() error = %v, want ErrNotFound", err)
	}
}

func TestList_NewestFirst(t *testing.T) {
	db := newTestDB(t)
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	oldest := createTestExecution(t, db, "python", "Success", base)
	middle := createTestExecution(t, db, "c", "CompileError", base.Add(time.Minute))
	newest := createTestExecution(t, db, "python", "Timeout", base.Add(2*time.Minute))

	got, err := db.List(context.Background(), repository.ListOptions{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("List() returned %d rows, want 3", len(got))
	}
	want := []string{newest.ID, middle.ID, oldest.ID}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("List()[%d] = %s, want %s", i, got[i].ID, id)
		}
	}
}

func TestList_FilterAndPaginate(t *testing.T) {
	db := newTestDB(t)
	base := time.Now().Add(-time.Hour)
	for i := range 5 {
		createTestExecution(t, db, "python", "Success", base.Add(time.Duration(i)*time.Second))
	}
	createTestExecution(t, db, "c", "Success", base)

	got, err := db.List(context.Background(), repository.ListOptions{Language: "python", Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("List() returned %d rows, want 2", len(got))
	}
	for _, e := range got {
		if e.Language != "python" {
			t.Errorf("List() returned language %q", e.Language)
		}
	}
}

func TestList_ClampsLimit(t *testing.T) {
	db := newTestDB(t)
	for range 105 {
		createTestExecution(t, db, "bash", "Success", time.Time{})
	}

	got, err := db.List(context.Background(), repository.ListOptions{Limit: 1000})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != 100 {
		t.Errorf("List() returned %d rows, want 100", len(got))
	}

	got, err = db.List(context.Background(), repository.ListOptions{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != 20 {
		t.Errorf("List() default returned %d rows, want 20", len(got))
	}
}

func TestDeleteBefore(t *testing.T) {
	db := newTestDB(t)
	now := time.Now()
	createTestExecution(t, db, "python", "Success", now.Add(-48*time.Hour))
	createTestExecution(t, db, "python", "Success", now.Add(-47*time.Hour))
	kept := createTestExecution(t, db, "python", "Success", now.Add(-time.Hour))

	n, err := db.DeleteBefore(context.Background(), now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteBefore() error = %v", err)
	}
	if n != 2 {
		t.Errorf("DeleteBefore() removed %d, want 2", n)
	}

	got, err := db.List(context.Background(), repository.ListOptions{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != kept.ID {
		t.Errorf("List() after prune = %+v", got)
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	db := newTestDB(t)
	if err := db.migrate(); err != nil {
		t.Fatalf("second migrate() error = %v", err)
	}
}
