package enhance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"tasknest/internal/db"
	"tasknest/internal/domain"
	"tasknest/internal/migrate"
	"tasknest/internal/repo"
)

func newStore(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.New(conn)
}

func seedTask(t *testing.T, store repo.Repo, owner, title string, parent *string) domain.Task {
	t.Helper()
	now := domain.FormatTime(time.Now())
	task := domain.Task{
		ID:                uuid.NewString(),
		Title:             title,
		Status:            domain.StatusTodo,
		Priority:          domain.PriorityMedium,
		OwnerID:           owner,
		ParentTaskID:      parent,
		EnhancementStatus: domain.EnhancementNone,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := store.InsertTask(context.Background(), task); err != nil {
		t.Fatalf("insert task: %v", err)
	}
	return task
}

type fakeModel struct {
	mu      sync.Mutex
	reply   string
	err     error
	block   bool
	calls   int
	prompts []Prompt
}

func (f *fakeModel) Generate(ctx context.Context, p Prompt) (string, error) {
	f.mu.Lock()
	f.calls++
	f.prompts = append(f.prompts, p)
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return f.reply, f.err
}

func (f *fakeModel) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
