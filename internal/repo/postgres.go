package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tasknest/internal/domain"
	"tasknest/internal/events"
)

// PostgresStore implements Store on a hosted Postgres. Every operation runs in a
// transaction that publishes the caller as request.jwt.claim.sub so row-level
// security policies apply alongside the explicit owner predicates.
type PostgresStore struct {
	pool   *pgxpool.Pool
	events events.Writer
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the tables, indexes and owner policies if they don't exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("task store not initialized")
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
    id                    TEXT PRIMARY KEY,
    user_id               TEXT NOT NULL,
    parent_task_id        TEXT REFERENCES tasks(id) ON DELETE SET NULL,
    title                 TEXT NOT NULL,
    description           TEXT,
    status                TEXT NOT NULL DEFAULT 'todo',
    priority              TEXT NOT NULL DEFAULT 'medium',
    due_date              TEXT,
    estimated_hours       DOUBLE PRECISION,
    tags                  TEXT[] NOT NULL DEFAULT '{}',
    enhanced_title        TEXT,
    enhanced_description  TEXT,
    enhancement_notes     TEXT,
    ai_enhancement_status TEXT NOT NULL DEFAULT 'not_enhanced',
    created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at            TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		pgEnsureChecks(),
		`CREATE INDEX IF NOT EXISTS idx_tasks_user ON tasks (user_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks (parent_task_id)`,
		`CREATE TABLE IF NOT EXISTS task_events (
    id           TEXT PRIMARY KEY,
    task_id      TEXT NOT NULL,
    user_id      TEXT NOT NULL,
    type         TEXT NOT NULL,
    payload_json JSONB NOT NULL DEFAULT '{}',
    ts           TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events (user_id, task_id, ts)`,
		`ALTER TABLE tasks ENABLE ROW LEVEL SECURITY`,
		`ALTER TABLE task_events ENABLE ROW LEVEL SECURITY`,
		`DO $$ BEGIN
  IF NOT EXISTS (SELECT 1 FROM pg_policies WHERE tablename='tasks' AND policyname='tasks_owner') THEN
    CREATE POLICY tasks_owner ON tasks USING (user_id = current_setting('request.jwt.claim.sub', true))
      WITH CHECK (user_id = current_setting('request.jwt.claim.sub', true));
  END IF;
  IF NOT EXISTS (SELECT 1 FROM pg_policies WHERE tablename='task_events' AND policyname='task_events_owner') THEN
    CREATE POLICY task_events_owner ON task_events USING (user_id = current_setting('request.jwt.claim.sub', true))
      WITH CHECK (user_id = current_setting('request.jwt.claim.sub', true));
  END IF;
END $$`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure task schema: %w", err)
		}
	}
	return nil
}

// pgCheckConstraints mirrors the enumerations enforced by the SQLite schema.
func pgCheckConstraints() map[string]string {
	return map[string]string{
		"tasks_status_check":                fmt.Sprintf("status IN (%s)", pgQuoteList(domain.TaskStatuses)),
		"tasks_priority_check":              fmt.Sprintf("priority IN (%s)", pgQuoteList(domain.Priorities)),
		"tasks_ai_enhancement_status_check": fmt.Sprintf("ai_enhancement_status IN (%s)", pgQuoteList(domain.EnhancementStatuses)),
	}
}

// pgEnsureChecks adds each missing check constraint, so schemas created before they existed pick them up.
func pgEnsureChecks() string {
	names := make([]string, 0, 3)
	checks := pgCheckConstraints()
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString("DO $$ BEGIN\n")
	for _, name := range names {
		fmt.Fprintf(&b, "  IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname='%s') THEN\n", name)
		fmt.Fprintf(&b, "    ALTER TABLE tasks ADD CONSTRAINT %s CHECK (%s);\n", name, checks[name])
		b.WriteString("  END IF;\n")
	}
	b.WriteString("END $$")
	return b.String()
}

func pgQuoteList(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = "'" + strings.ReplaceAll(v, "'", "''") + "'"
	}
	return strings.Join(quoted, ",")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// withOwner runs fn in a transaction scoped to ownerID.
func (s *PostgresStore) withOwner(ctx context.Context, ownerID string, fn func(pgx.Tx) error) error {
	if ownerID == "" {
		return errors.New("owner is required")
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	claims, _ := json.Marshal(map[string]string{"sub": ownerID, "role": "authenticated"})
	if _, err := tx.Exec(ctx, `SELECT set_config('request.jwt.claim.sub', $1, true), set_config('request.jwt.claims', $2, true)`, ownerID, string(claims)); err != nil {
		return fmt.Errorf("set owner: %w", err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) appendEvent(ctx context.Context, tx pgx.Tx, evtType, taskID, ownerID string, payload events.EventPayload) error {
	evt, err := s.events.Build(evtType, taskID, ownerID, payload)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `INSERT INTO task_events (id, task_id, user_id, type, payload_json, ts) VALUES ($1,$2,$3,$4,$5::jsonb,$6::timestamptz)`,
		evt.ID, evt.TaskID, evt.OwnerID, evt.Type, evt.Payload, evt.TS)
	return err
}

const pgTaskColumns = `id, user_id, parent_task_id, title, description, status, priority, due_date, estimated_hours, tags,
enhanced_title, enhanced_description, enhancement_notes, ai_enhancement_status, created_at, updated_at`

func scanPgTask(row pgx.Row) (domain.Task, error) {
	var t domain.Task
	var created, updated time.Time
	err := row.Scan(&t.ID, &t.OwnerID, &t.ParentTaskID, &t.Title, &t.Description, &t.Status, &t.Priority, &t.DueDate,
		&t.EstimatedHours, &t.Tags, &t.EnhancedTitle, &t.EnhancedDescription, &t.EnhancementNotes, &t.EnhancementStatus,
		&created, &updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if len(t.Tags) == 0 {
		t.Tags = nil
	}
	t.CreatedAt = domain.FormatTime(created)
	t.UpdatedAt = domain.FormatTime(updated)
	return t, nil
}

func collectPgTasks(rows pgx.Rows) ([]domain.Task, error) {
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanPgTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func pgTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

func insertPgTask(ctx context.Context, tx pgx.Tx, t domain.Task) error {
	_, err := tx.Exec(ctx, `INSERT INTO tasks (`+pgTaskColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15::timestamptz,$16::timestamptz)`,
		t.ID, t.OwnerID, t.ParentTaskID, t.Title, t.Description, t.Status, t.Priority, t.DueDate, t.EstimatedHours, pgTags(t.Tags),
		t.EnhancedTitle, t.EnhancedDescription, t.EnhancementNotes, t.EnhancementStatus, t.CreatedAt, t.UpdatedAt)
	return err
}

func (s *PostgresStore) InsertTask(ctx context.Context, t domain.Task) error {
	return s.withOwner(ctx, t.OwnerID, func(tx pgx.Tx) error {
		if err := insertPgTask(ctx, tx, t); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		return s.appendEvent(ctx, tx, domain.EventTaskCreated, t.ID, t.OwnerID, events.EventPayload{"title": t.Title, "parent_task_id": t.ParentTaskID})
	})
}

func (s *PostgresStore) GetTask(ctx context.Context, ownerID, id string) (domain.Task, error) {
	var t domain.Task
	err := s.withOwner(ctx, ownerID, func(tx pgx.Tx) error {
		var err error
		t, err = scanPgTask(tx.QueryRow(ctx, `SELECT `+pgTaskColumns+` FROM tasks WHERE id=$1 AND user_id=$2`, id, ownerID))
		return err
	})
	return t, err
}

func (s *PostgresStore) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	clauses := []string{"user_id=$1"}
	args := []any{f.OwnerID}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Status != "" {
		clauses = append(clauses, "status="+arg(f.Status))
	}
	if f.Priority != "" {
		clauses = append(clauses, "priority="+arg(f.Priority))
	}
	if f.Parent != "" {
		clauses = append(clauses, "parent_task_id="+arg(f.Parent))
	} else if f.RootOnly {
		clauses = append(clauses, "parent_task_id IS NULL")
	}
	if f.Tag != "" {
		clauses = append(clauses, arg(f.Tag)+" = ANY(tags)")
	}
	if f.Search != "" {
		clauses = append(clauses, "title ILIKE "+arg("%"+f.Search+"%"))
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		ts := arg(f.CursorCreatedAt)
		clauses = append(clauses, fmt.Sprintf("(created_at < %s::timestamptz OR (created_at = %s::timestamptz AND id < %s))", ts, ts, arg(f.CursorID)))
	}
	query := `SELECT ` + pgTaskColumns + ` FROM tasks WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}
	var res []domain.Task
	err := s.withOwner(ctx, f.OwnerID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		res, err = collectPgTasks(rows)
		return err
	})
	return res, err
}

func pgFieldValue(t domain.Task, field string) any {
	switch field {
	case FieldParent:
		return t.ParentTaskID
	case FieldTitle:
		return t.Title
	case FieldDescription:
		return t.Description
	case FieldStatus:
		return t.Status
	case FieldPriority:
		return t.Priority
	case FieldDueDate:
		return t.DueDate
	case FieldEstimatedHours:
		return t.EstimatedHours
	case FieldTags:
		return pgTags(t.Tags)
	case FieldEnhancedTitle:
		return t.EnhancedTitle
	case FieldEnhancedDescription:
		return t.EnhancedDescription
	case FieldEnhancementNotes:
		return t.EnhancementNotes
	default:
		return t.EnhancementStatus
	}
}

// pgUpdateStatement builds an UPDATE touching only fields and updated_at.
func pgUpdateStatement(t domain.Task, fields []string) (string, []any, error) {
	ordered, err := orderedFields(fields)
	if err != nil {
		return "", nil, err
	}
	sets := make([]string, 0, len(ordered)+1)
	args := make([]any, 0, len(ordered)+3)
	for _, f := range ordered {
		args = append(args, pgFieldValue(t, f))
		sets = append(sets, fmt.Sprintf("%s=$%d", f, len(args)))
	}
	args = append(args, t.UpdatedAt)
	sets = append(sets, fmt.Sprintf("updated_at=$%d::timestamptz", len(args)))
	args = append(args, t.ID, t.OwnerID)
	query := fmt.Sprintf("UPDATE tasks SET %s WHERE id=$%d AND user_id=$%d", strings.Join(sets, ", "), len(args)-1, len(args))
	return query, args, nil
}

func (s *PostgresStore) UpdateTask(ctx context.Context, t domain.Task, fields []string, evtType string, payload events.EventPayload) error {
	if evtType == "" {
		evtType = domain.EventTaskUpdated
	}
	query, args, err := pgUpdateStatement(t, fields)
	if err != nil {
		return err
	}
	return s.withOwner(ctx, t.OwnerID, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, query, args...)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return s.appendEvent(ctx, tx, evtType, t.ID, t.OwnerID, payload)
	})
}

func (s *PostgresStore) DeleteTask(ctx context.Context, ownerID, id string) error {
	return s.withOwner(ctx, ownerID, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM tasks WHERE id=$1 AND user_id=$2`, id, ownerID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return s.appendEvent(ctx, tx, domain.EventTaskDeleted, id, ownerID, nil)
	})
}

func (s *PostgresStore) ListChildren(ctx context.Context, ownerID, parentID string) ([]domain.Task, error) {
	var res []domain.Task
	err := s.withOwner(ctx, ownerID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT `+pgTaskColumns+` FROM tasks WHERE user_id=$1 AND parent_task_id=$2 ORDER BY created_at ASC, id ASC`, ownerID, parentID)
		if err != nil {
			return err
		}
		res, err = collectPgTasks(rows)
		return err
	})
	return res, err
}

func (s *PostgresStore) Depth(ctx context.Context, ownerID, id string) (int, error) {
	var depth *int
	err := s.withOwner(ctx, ownerID, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `WITH RECURSIVE chain(id, parent_task_id, depth) AS (
  SELECT id, parent_task_id, 1 FROM tasks WHERE id=$1 AND user_id=$2
  UNION ALL
  SELECT t.id, t.parent_task_id, c.depth+1 FROM tasks t JOIN chain c ON t.id=c.parent_task_id
  WHERE t.user_id=$2 AND c.depth < $3
)
SELECT MAX(depth) FROM chain`, id, ownerID, maxWalk).Scan(&depth)
	})
	if err != nil {
		return 0, err
	}
	if depth == nil || *depth == 0 {
		return 0, ErrNotFound
	}
	return *depth, nil
}

func (s *PostgresStore) SubtreeHeight(ctx context.Context, ownerID, id string) (int, error) {
	var height *int
	err := s.withOwner(ctx, ownerID, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `WITH RECURSIVE sub(id, level) AS (
  SELECT id, 1 FROM tasks WHERE id=$1 AND user_id=$2
  UNION ALL
  SELECT t.id, s.level+1 FROM tasks t JOIN sub s ON t.parent_task_id=s.id
  WHERE t.user_id=$2 AND s.level < $3
)
SELECT MAX(level) FROM sub`, id, ownerID, maxWalk).Scan(&height)
	})
	if err != nil {
		return 0, err
	}
	if height == nil || *height == 0 {
		return 0, ErrNotFound
	}
	return *height, nil
}

func (s *PostgresStore) IsAncestor(ctx context.Context, ownerID, ancestorID, id string) (bool, error) {
	var n int
	err := s.withOwner(ctx, ownerID, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `WITH RECURSIVE chain(id, parent_task_id, depth) AS (
  SELECT id, parent_task_id, 1 FROM tasks WHERE id=$1 AND user_id=$2
  UNION ALL
  SELECT t.id, t.parent_task_id, c.depth+1 FROM tasks t JOIN chain c ON t.id=c.parent_task_id
  WHERE t.user_id=$2 AND c.depth < $3
)
SELECT COUNT(1) FROM chain WHERE id=$4`, id, ownerID, maxWalk, ancestorID).Scan(&n)
	})
	return n > 0, err
}

func (s *PostgresStore) EnhancementStatus(ctx context.Context, ownerID, id string) (string, error) {
	var status string
	err := s.withOwner(ctx, ownerID, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `SELECT ai_enhancement_status FROM tasks WHERE id=$1 AND user_id=$2`, id, ownerID).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	})
	return status, err
}

func (s *PostgresStore) SetEnhancementStatus(ctx context.Context, ownerID, id, status string, notes *string) error {
	if !domain.ValidEnhancementStatus(status) {
		return fmt.Errorf("invalid enhancement status %q", status)
	}
	return s.withOwner(ctx, ownerID, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE tasks SET ai_enhancement_status=$1, enhancement_notes=COALESCE($2, enhancement_notes), updated_at=now()
WHERE id=$3 AND user_id=$4`, status, notes, id, ownerID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return s.appendEvent(ctx, tx, enhancementEventType(status), id, ownerID, events.EventPayload{"status": status, "notes": notes})
	})
}

func (s *PostgresStore) ApplySplit(ctx context.Context, ownerID, parentID string, children []domain.Task, notes string) error {
	return s.withOwner(ctx, ownerID, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE tasks SET status=$1, ai_enhancement_status=$2, enhancement_notes=$3, updated_at=now() WHERE id=$4 AND user_id=$5`,
			domain.StatusInProgress, domain.EnhancementDone, notes, parentID, ownerID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		ids := make([]string, 0, len(children))
		for _, child := range children {
			if child.OwnerID != ownerID || child.ParentTaskID == nil || *child.ParentTaskID != parentID {
				return fmt.Errorf("split child %s does not belong to parent %s", child.ID, parentID)
			}
			if err := insertPgTask(ctx, tx, child); err != nil {
				return fmt.Errorf("insert subtask: %w", err)
			}
			if err := s.appendEvent(ctx, tx, domain.EventTaskCreated, child.ID, ownerID, events.EventPayload{"title": child.Title, "parent_task_id": parentID}); err != nil {
				return err
			}
			ids = append(ids, child.ID)
		}
		return s.appendEvent(ctx, tx, domain.EventTaskSplit, parentID, ownerID, events.EventPayload{"subtask_ids": ids})
	})
}

func (s *PostgresStore) ListEvents(ctx context.Context, ownerID, taskID string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	var res []domain.Event
	err := s.withOwner(ctx, ownerID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT id, task_id, user_id, type, payload_json::text, ts FROM task_events
WHERE user_id=$1 AND task_id=$2 ORDER BY ts DESC, id DESC LIMIT $3`, ownerID, taskID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var e domain.Event
			var ts time.Time
			if err := rows.Scan(&e.ID, &e.TaskID, &e.OwnerID, &e.Type, &e.Payload, &ts); err != nil {
				return err
			}
			e.TS = domain.FormatTime(ts)
			res = append(res, e)
		}
		return rows.Err()
	})
	return res, err
}
