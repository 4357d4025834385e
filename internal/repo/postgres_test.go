package repo

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"tasknest/internal/db"
	"tasknest/internal/domain"
)

func TestPgUpdateStatementScopesColumns(t *testing.T) {
	title := "Build a marketing website"
	task := domain.Task{ID: "t1", OwnerID: "u1", Status: domain.StatusBlocked, Title: title, EnhancedTitle: &title, UpdatedAt: "2024-01-01T00:00:00.000000Z"}

	query, args, err := pgUpdateStatement(task, []string{FieldStatus})
	if err != nil {
		t.Fatal(err)
	}
	want := "UPDATE tasks SET status=$1, updated_at=$2::timestamptz WHERE id=$3 AND user_id=$4"
	if query != want {
		t.Fatalf("unexpected query:\n%s\nwant\n%s", query, want)
	}
	if len(args) != 4 || args[0] != domain.StatusBlocked || args[2] != "t1" || args[3] != "u1" {
		t.Fatalf("unexpected args %v", args)
	}

	query, args, err = pgUpdateStatement(task, []string{FieldEnhancementStatus, FieldTags, FieldTitle, FieldTitle})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(query, "UPDATE tasks SET title=$1, tags=$2, ai_enhancement_status=$3, updated_at=$4::timestamptz") {
		t.Fatalf("fields not deduplicated into column order: %s", query)
	}
	if tags, ok := args[1].([]string); !ok || tags == nil {
		t.Fatalf("tags must be a non-nil text array, got %#v", args[1])
	}
	if strings.Contains(query, "enhanced_title") {
		t.Fatalf("unnamed column written: %s", query)
	}

	if _, _, err := pgUpdateStatement(task, []string{"user_id"}); err == nil {
		t.Fatalf("expected owner column to be rejected")
	}
}

func TestPgEnsureChecksCoversEnumerations(t *testing.T) {
	stmt := pgEnsureChecks()
	for _, name := range []string{"tasks_status_check", "tasks_priority_check", "tasks_ai_enhancement_status_check"} {
		if !strings.Contains(stmt, "conname='"+name+"'") || !strings.Contains(stmt, "ADD CONSTRAINT "+name+" CHECK") {
			t.Fatalf("missing constraint %s in:\n%s", name, stmt)
		}
	}
	for _, v := range append(append(append([]string{}, domain.TaskStatuses...), domain.Priorities...), domain.EnhancementStatuses...) {
		if !strings.Contains(stmt, "'"+v+"'") {
			t.Fatalf("value %q not allowed by checks", v)
		}
	}
	if pgQuoteList([]string{"a", "it's"}) != `'a','it''s'` {
		t.Fatalf("unexpected quoting %s", pgQuoteList([]string{"a", "it's"}))
	}
}

// Runs against a real server when TASKNEST_TEST_POSTGRES_DSN is set.
func TestPostgresStoreRoundTrip(t *testing.T) {
	dsn := os.Getenv("TASKNEST_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TASKNEST_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	pool, err := db.OpenPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s := NewPostgresStore(pool)
	t.Cleanup(func() { s.Close() })
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("schema: %v", err)
	}
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("schema is not idempotent: %v", err)
	}

	owner := "pg-" + uuid.NewString()
	now := domain.FormatTime(time.Now())
	task := domain.Task{ID: uuid.NewString(), Title: "Build website", Status: domain.StatusTodo, Priority: domain.PriorityMedium,
		OwnerID: owner, EnhancementStatus: domain.EnhancementNone, CreatedAt: now, UpdatedAt: now}
	if err := s.InsertTask(ctx, task); err != nil {
		t.Fatalf("insert: %v", err)
	}
	t.Cleanup(func() { _ = s.DeleteTask(context.Background(), owner, task.ID) })

	enhanced := "Build a marketing website"
	done := task
	done.Title, done.EnhancedTitle, done.EnhancementStatus = enhanced, &enhanced, domain.EnhancementDone
	if err := s.UpdateTask(ctx, done, []string{FieldTitle, FieldEnhancedTitle, FieldEnhancementStatus}, domain.EventTaskEnhanced, nil); err != nil {
		t.Fatalf("enhance write: %v", err)
	}
	stale := task
	stale.Status = domain.StatusInProgress
	if err := s.UpdateTask(ctx, stale, []string{FieldStatus}, domain.EventTaskStatus, nil); err != nil {
		t.Fatalf("status write: %v", err)
	}
	got, err := s.GetTask(ctx, owner, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusInProgress || got.Title != enhanced || got.EnhancementStatus != domain.EnhancementDone {
		t.Fatalf("unexpected row: %+v", got)
	}
	if _, err := s.GetTask(ctx, "someone-else", task.ID); err != ErrNotFound {
		t.Fatalf("expected owner isolation, got %v", err)
	}

	bad := task
	bad.Status = "not_a_real_status"
	if err := s.UpdateTask(ctx, bad, []string{FieldStatus}, "", nil); err == nil {
		t.Fatalf("expected check constraint to reject invalid status")
	}
}
