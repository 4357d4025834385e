package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"tasknest/internal/domain"
	"tasknest/internal/events"
)

// ErrNotFound covers both missing rows and rows owned by someone else.
var ErrNotFound = errors.New("not found")

// Store is the owner-scoped task persistence used by the engine and the enhancement flow.
type Store interface {
	InsertTask(ctx context.Context, t domain.Task) error
	GetTask(ctx context.Context, ownerID, id string) (domain.Task, error)
	ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error)
	UpdateTask(ctx context.Context, t domain.Task, fields []string, evtType string, payload events.EventPayload) error
	DeleteTask(ctx context.Context, ownerID, id string) error
	ListChildren(ctx context.Context, ownerID, parentID string) ([]domain.Task, error)
	Depth(ctx context.Context, ownerID, id string) (int, error)
	SubtreeHeight(ctx context.Context, ownerID, id string) (int, error)
	IsAncestor(ctx context.Context, ownerID, ancestorID, id string) (bool, error)
	EnhancementStatus(ctx context.Context, ownerID, id string) (string, error)
	SetEnhancementStatus(ctx context.Context, ownerID, id, status string, notes *string) error
	ApplySplit(ctx context.Context, ownerID, parentID string, children []domain.Task, notes string) error
	ListEvents(ctx context.Context, ownerID, taskID string, limit int) ([]domain.Event, error)
	Close() error
}

type TaskFilters struct {
	OwnerID         string
	Status          string
	Priority        string
	Parent          string
	RootOnly        bool
	Tag             string
	Search          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

// Repo is the database/sql implementation backed by the SQLite workspace.
type Repo struct {
	DB     *sql.DB
	Events events.Writer
	Now    func() time.Time
}

var _ Store = Repo{}

func New(db *sql.DB) Repo {
	return Repo{DB: db, Events: events.Writer{}, Now: time.Now}
}

func (r Repo) now() string {
	if r.Now != nil {
		return domain.FormatTime(r.Now())
	}
	return domain.FormatTime(time.Now())
}

func (r Repo) Close() error { return r.DB.Close() }

const taskColumns = `id,user_id,parent_task_id,title,description,status,priority,due_date,estimated_hours,tags_json,enhanced_title,enhanced_description,enhancement_notes,ai_enhancement_status,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var parentID, description, dueDate, tagsJSON, enhancedTitle, enhancedDesc, notes sql.NullString
	var hours sql.NullFloat64
	err := row.Scan(&t.ID, &t.OwnerID, &parentID, &t.Title, &description, &t.Status, &t.Priority, &dueDate, &hours,
		&tagsJSON, &enhancedTitle, &enhancedDesc, &notes, &t.EnhancementStatus, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.ParentTaskID = nullStringPtr(parentID)
	t.Description = nullStringPtr(description)
	t.DueDate = nullStringPtr(dueDate)
	t.EnhancedTitle = nullStringPtr(enhancedTitle)
	t.EnhancedDescription = nullStringPtr(enhancedDesc)
	t.EnhancementNotes = nullStringPtr(notes)
	if hours.Valid {
		h := hours.Float64
		t.EstimatedHours = &h
	}
	if tagsJSON.Valid && tagsJSON.String != "" {
		_ = json.Unmarshal([]byte(tagsJSON.String), &t.Tags)
	}
	return t, nil
}

func insertTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.OwnerID, nullableStringPtr(t.ParentTaskID), t.Title, nullableStringPtr(t.Description), t.Status, t.Priority,
		nullableStringPtr(t.DueDate), nullableFloatPtr(t.EstimatedHours), tagsJSON(t.Tags),
		nullableStringPtr(t.EnhancedTitle), nullableStringPtr(t.EnhancedDescription), nullableStringPtr(t.EnhancementNotes),
		t.EnhancementStatus, t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) InsertTask(ctx context.Context, t domain.Task) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := insertTaskTx(ctx, tx, t); err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	if err := r.Events.Append(ctx, tx, domain.EventTaskCreated, t.ID, t.OwnerID, events.EventPayload{"title": t.Title, "parent_task_id": t.ParentTaskID}); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) GetTask(ctx context.Context, ownerID, id string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=? AND user_id=?`, id, ownerID))
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	if f.OwnerID == "" {
		return nil, errors.New("owner is required")
	}
	clauses := []string{"user_id=?"}
	args := []any{f.OwnerID}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Priority != "" {
		clauses = append(clauses, "priority=?")
		args = append(args, f.Priority)
	}
	if f.Parent != "" {
		clauses = append(clauses, "parent_task_id=?")
		args = append(args, f.Parent)
	} else if f.RootOnly {
		clauses = append(clauses, "parent_task_id IS NULL")
	}
	if f.Tag != "" {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM json_each(tasks.tags_json) WHERE json_each.value=?)")
		args = append(args, f.Tag)
	}
	if f.Search != "" {
		clauses = append(clauses, "title LIKE ?")
		args = append(args, "%"+f.Search+"%")
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return r.queryTasks(ctx, query, args...)
}

func (r Repo) queryTasks(ctx context.Context, query string, args ...any) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// Task columns UpdateTask can write, in statement order.
const (
	FieldParent              = "parent_task_id"
	FieldTitle               = "title"
	FieldDescription         = "description"
	FieldStatus              = "status"
	FieldPriority            = "priority"
	FieldDueDate             = "due_date"
	FieldEstimatedHours      = "estimated_hours"
	FieldTags                = "tags"
	FieldEnhancedTitle       = "enhanced_title"
	FieldEnhancedDescription = "enhanced_description"
	FieldEnhancementNotes    = "enhancement_notes"
	FieldEnhancementStatus   = "ai_enhancement_status"
)

var updatableFields = []string{
	FieldParent, FieldTitle, FieldDescription, FieldStatus, FieldPriority, FieldDueDate, FieldEstimatedHours,
	FieldTags, FieldEnhancedTitle, FieldEnhancedDescription, FieldEnhancementNotes, FieldEnhancementStatus,
}

// orderedFields dedups fields into statement order and rejects names UpdateTask does not write.
func orderedFields(fields []string) ([]string, error) {
	want := make(map[string]bool, len(fields))
	for _, f := range fields {
		want[f] = true
	}
	out := make([]string, 0, len(want))
	for _, f := range updatableFields {
		if want[f] {
			out = append(out, f)
			delete(want, f)
		}
	}
	for f := range want {
		return nil, fmt.Errorf("task field %q cannot be updated", f)
	}
	return out, nil
}

func sqliteFieldValue(t domain.Task, field string) (column string, value any) {
	switch field {
	case FieldParent:
		return field, nullableStringPtr(t.ParentTaskID)
	case FieldTitle:
		return field, t.Title
	case FieldDescription:
		return field, nullableStringPtr(t.Description)
	case FieldStatus:
		return field, t.Status
	case FieldPriority:
		return field, t.Priority
	case FieldDueDate:
		return field, nullableStringPtr(t.DueDate)
	case FieldEstimatedHours:
		return field, nullableFloatPtr(t.EstimatedHours)
	case FieldTags:
		return "tags_json", tagsJSON(t.Tags)
	case FieldEnhancedTitle:
		return field, nullableStringPtr(t.EnhancedTitle)
	case FieldEnhancedDescription:
		return field, nullableStringPtr(t.EnhancedDescription)
	case FieldEnhancementNotes:
		return field, nullableStringPtr(t.EnhancementNotes)
	default:
		return FieldEnhancementStatus, t.EnhancementStatus
	}
}

func updateTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task, fields []string) error {
	ordered, err := orderedFields(fields)
	if err != nil {
		return err
	}
	sets := make([]string, 0, len(ordered)+1)
	args := make([]any, 0, len(ordered)+3)
	for _, f := range ordered {
		column, value := sqliteFieldValue(t, f)
		sets = append(sets, column+"=?")
		args = append(args, value)
	}
	sets = append(sets, "updated_at=?")
	args = append(args, t.UpdatedAt, t.ID, t.OwnerID)
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id=? AND user_id=?`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateTask writes the named columns of t plus updated_at; other columns keep whatever is stored.
// The owner column is never rewritten.
func (r Repo) UpdateTask(ctx context.Context, t domain.Task, fields []string, evtType string, payload events.EventPayload) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := updateTaskTx(ctx, tx, t, fields); err != nil {
		return err
	}
	if evtType == "" {
		evtType = domain.EventTaskUpdated
	}
	if err := r.Events.Append(ctx, tx, evtType, t.ID, t.OwnerID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) DeleteTask(ctx context.Context, ownerID, id string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id=? AND user_id=?`, id, ownerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if err := r.Events.Append(ctx, tx, domain.EventTaskDeleted, id, ownerID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) ListChildren(ctx context.Context, ownerID, parentID string) ([]domain.Task, error) {
	return r.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE user_id=? AND parent_task_id=? ORDER BY created_at ASC, id ASC`, ownerID, parentID)
}

func (r Repo) EnhancementStatus(ctx context.Context, ownerID, id string) (string, error) {
	var status string
	err := r.DB.QueryRowContext(ctx, `SELECT ai_enhancement_status FROM tasks WHERE id=? AND user_id=?`, id, ownerID).Scan(&status)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return status, err
}

func (r Repo) SetEnhancementStatus(ctx context.Context, ownerID, id, status string, notes *string) error {
	if !domain.ValidEnhancementStatus(status) {
		return fmt.Errorf("invalid enhancement status %q", status)
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	query := `UPDATE tasks SET ai_enhancement_status=?, updated_at=? WHERE id=? AND user_id=?`
	args := []any{status, r.now(), id, ownerID}
	if notes != nil {
		query = `UPDATE tasks SET ai_enhancement_status=?, enhancement_notes=?, updated_at=? WHERE id=? AND user_id=?`
		args = []any{status, *notes, r.now(), id, ownerID}
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if err := r.Events.Append(ctx, tx, enhancementEventType(status), id, ownerID, events.EventPayload{"status": status, "notes": notes}); err != nil {
		return err
	}
	return tx.Commit()
}

// ApplySplit inserts the children and marks the parent in one transaction.
func (r Repo) ApplySplit(ctx context.Context, ownerID, parentID string, children []domain.Task, notes string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := r.now()
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, ai_enhancement_status=?, enhancement_notes=?, updated_at=? WHERE id=? AND user_id=?`,
		domain.StatusInProgress, domain.EnhancementDone, notes, now, parentID, ownerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	ids := make([]string, 0, len(children))
	for _, child := range children {
		if child.OwnerID != ownerID || child.ParentTaskID == nil || *child.ParentTaskID != parentID {
			return fmt.Errorf("split child %s does not belong to parent %s", child.ID, parentID)
		}
		if err := insertTaskTx(ctx, tx, child); err != nil {
			return fmt.Errorf("insert subtask: %w", err)
		}
		if err := r.Events.Append(ctx, tx, domain.EventTaskCreated, child.ID, ownerID, events.EventPayload{"title": child.Title, "parent_task_id": parentID}); err != nil {
			return err
		}
		ids = append(ids, child.ID)
	}
	if err := r.Events.Append(ctx, tx, domain.EventTaskSplit, parentID, ownerID, events.EventPayload{"subtask_ids": ids}); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) ListEvents(ctx context.Context, ownerID, taskID string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,task_id,user_id,type,payload_json,ts FROM task_events WHERE user_id=? AND task_id=? ORDER BY ts DESC, rowid DESC LIMIT ?`,
		ownerID, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TaskID, &e.OwnerID, &e.Type, &e.Payload, &e.TS); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func enhancementEventType(status string) string {
	switch status {
	case domain.EnhancementRunning:
		return domain.EventEnhanceStarted
	case domain.EnhancementFailed:
		return domain.EventEnhanceFailed
	case domain.EnhancementDone:
		return domain.EventTaskEnhanced
	default:
		return domain.EventTaskUpdated
	}
}

func nullStringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func tagsJSON(tags []string) any {
	if len(tags) == 0 {
		return nil
	}
	b, _ := json.Marshal(tags)
	return string(b)
}
