package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"tasknest/internal/domain"
	"tasknest/internal/events"
	"tasknest/internal/repo"
)

const (
	DefaultMaxDepth = 3
	maxTitleLen     = 500
	maxTags         = 20
	defaultLimit    = 50
	maxLimit        = 200
)

// ValidationError rejects a request before anything is written.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}

func invalid(field, format string, args ...any) error {
	return ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Engine applies task rules on top of an owner-scoped Store.
type Engine struct {
	Store    repo.Store
	MaxDepth int
	Now      func() time.Time
}

func New(store repo.Store, maxDepth int) Engine {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return Engine{Store: store, MaxDepth: maxDepth, Now: time.Now}
}

func (e Engine) now() string {
	if e.Now != nil {
		return domain.FormatTime(e.Now())
	}
	return domain.FormatTime(time.Now())
}

func (e Engine) maxDepth() int {
	if e.MaxDepth <= 0 {
		return DefaultMaxDepth
	}
	return e.MaxDepth
}

// TaskInput are parameters for creating a task.
type TaskInput struct {
	Title          string
	Description    *string
	Status         string
	Priority       string
	DueDate        *string
	EstimatedHours *float64
	Tags           []string
	ParentTaskID   *string
}

// TaskPatch carries the fields a PUT changes; nil leaves a field as is.
// An empty ParentTaskID detaches the task from its parent.
type TaskPatch struct {
	Title          *string
	Description    *string
	Status         *string
	Priority       *string
	DueDate        *string
	EstimatedHours *float64
	Tags           []string
	SetTags        bool
	ParentTaskID   *string
}

func (e Engine) CreateTask(ctx context.Context, ownerID string, in TaskInput) (domain.Task, error) {
	if ownerID == "" {
		return domain.Task{}, errors.New("owner is required")
	}
	title, err := validTitle(in.Title)
	if err != nil {
		return domain.Task{}, err
	}
	if in.Status == "" {
		in.Status = domain.StatusTodo
	}
	if !domain.ValidTaskStatus(in.Status) {
		return domain.Task{}, invalid("status", "invalid status %q", in.Status)
	}
	if in.Priority == "" {
		in.Priority = domain.PriorityMedium
	}
	if !domain.ValidPriority(in.Priority) {
		return domain.Task{}, invalid("priority", "invalid priority %q", in.Priority)
	}
	if err := validDueDate(in.DueDate); err != nil {
		return domain.Task{}, err
	}
	if err := validHours(in.EstimatedHours); err != nil {
		return domain.Task{}, err
	}
	tags, err := validTags(in.Tags)
	if err != nil {
		return domain.Task{}, err
	}
	parentID := optionalString(in.ParentTaskID)
	if parentID != nil {
		depth, err := e.Store.Depth(ctx, ownerID, *parentID)
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Task{}, invalid("parent_task_id", "parent task %s not found", *parentID)
		}
		if err != nil {
			return domain.Task{}, err
		}
		if depth >= e.maxDepth() {
			return domain.Task{}, invalid("parent_task_id", "maximum nesting depth of %d reached", e.maxDepth())
		}
	}
	now := e.now()
	t := domain.Task{
		ID:                uuid.NewString(),
		Title:             title,
		Description:       optionalString(in.Description),
		Status:            in.Status,
		Priority:          in.Priority,
		DueDate:           optionalString(in.DueDate),
		EstimatedHours:    in.EstimatedHours,
		Tags:              tags,
		OwnerID:           ownerID,
		ParentTaskID:      parentID,
		EnhancementStatus: domain.EnhancementNone,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := e.Store.InsertTask(ctx, t); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func (e Engine) GetTask(ctx context.Context, ownerID, id string) (domain.Task, error) {
	return e.Store.GetTask(ctx, ownerID, id)
}

func (e Engine) UpdateTask(ctx context.Context, ownerID, id string, p TaskPatch) (domain.Task, error) {
	t, err := e.Store.GetTask(ctx, ownerID, id)
	if err != nil {
		return domain.Task{}, err
	}
	changed := []string{}
	if p.Title != nil {
		title, err := validTitle(*p.Title)
		if err != nil {
			return domain.Task{}, err
		}
		t.Title = title
		changed = append(changed, repo.FieldTitle)
	}
	if p.Description != nil {
		t.Description = optionalString(p.Description)
		changed = append(changed, repo.FieldDescription)
	}
	if p.Status != nil {
		if !domain.ValidTaskStatus(*p.Status) {
			return domain.Task{}, invalid("status", "invalid status %q", *p.Status)
		}
		t.Status = *p.Status
		changed = append(changed, repo.FieldStatus)
	}
	if p.Priority != nil {
		if !domain.ValidPriority(*p.Priority) {
			return domain.Task{}, invalid("priority", "invalid priority %q", *p.Priority)
		}
		t.Priority = *p.Priority
		changed = append(changed, repo.FieldPriority)
	}
	if p.DueDate != nil {
		if err := validDueDate(p.DueDate); err != nil {
			return domain.Task{}, err
		}
		t.DueDate = optionalString(p.DueDate)
		changed = append(changed, repo.FieldDueDate)
	}
	if p.EstimatedHours != nil {
		if err := validHours(p.EstimatedHours); err != nil {
			return domain.Task{}, err
		}
		t.EstimatedHours = p.EstimatedHours
		changed = append(changed, repo.FieldEstimatedHours)
	}
	if p.SetTags {
		tags, err := validTags(p.Tags)
		if err != nil {
			return domain.Task{}, err
		}
		t.Tags = tags
		changed = append(changed, repo.FieldTags)
	}
	if p.ParentTaskID != nil {
		newParent := optionalString(p.ParentTaskID)
		if newParent != nil {
			if err := e.checkReparent(ctx, ownerID, t.ID, *newParent); err != nil {
				return domain.Task{}, err
			}
		}
		t.ParentTaskID = newParent
		changed = append(changed, repo.FieldParent)
	}
	t.UpdatedAt = e.now()
	if err := e.Store.UpdateTask(ctx, t, changed, domain.EventTaskUpdated, events.EventPayload{"fields": changed}); err != nil {
		return domain.Task{}, err
	}
	return e.Store.GetTask(ctx, ownerID, id)
}

// checkReparent rejects self-parenting, cycles and moves that would push the subtree past the depth bound.
func (e Engine) checkReparent(ctx context.Context, ownerID, id, parentID string) error {
	if parentID == id {
		return invalid("parent_task_id", "a task cannot be its own parent")
	}
	depth, err := e.Store.Depth(ctx, ownerID, parentID)
	if errors.Is(err, repo.ErrNotFound) {
		return invalid("parent_task_id", "parent task %s not found", parentID)
	}
	if err != nil {
		return err
	}
	cycle, err := e.Store.IsAncestor(ctx, ownerID, id, parentID)
	if err != nil {
		return err
	}
	if cycle {
		return invalid("parent_task_id", "task hierarchy cycle detected")
	}
	height, err := e.Store.SubtreeHeight(ctx, ownerID, id)
	if err != nil {
		return err
	}
	if depth+height > e.maxDepth() {
		return invalid("parent_task_id", "maximum nesting depth of %d exceeded", e.maxDepth())
	}
	return nil
}

// PatchStatus writes only the status column; an invalid value writes nothing.
func (e Engine) PatchStatus(ctx context.Context, ownerID, id, status string) (domain.Task, error) {
	if !domain.ValidTaskStatus(status) {
		return domain.Task{}, invalid("status", "invalid status %q; allowed: %s", status, strings.Join(domain.TaskStatuses, ", "))
	}
	t, err := e.Store.GetTask(ctx, ownerID, id)
	if err != nil {
		return domain.Task{}, err
	}
	from := t.Status
	t.Status = status
	t.UpdatedAt = e.now()
	if err := e.Store.UpdateTask(ctx, t, []string{repo.FieldStatus}, domain.EventTaskStatus, events.EventPayload{"from": from, "to": status}); err != nil {
		return domain.Task{}, err
	}
	return e.Store.GetTask(ctx, ownerID, id)
}

func (e Engine) DeleteTask(ctx context.Context, ownerID, id string) error {
	return e.Store.DeleteTask(ctx, ownerID, id)
}

// ListOptions are the list filters accepted from callers.
type ListOptions struct {
	Status   string
	Priority string
	Parent   string
	RootOnly bool
	Tag      string
	Search   string
	Limit    int
	Cursor   string
}

type TaskPage struct {
	Tasks      []domain.Task
	NextCursor string
}

func (e Engine) ListTasks(ctx context.Context, ownerID string, opts ListOptions) (TaskPage, error) {
	if opts.Status != "" && !domain.ValidTaskStatus(opts.Status) {
		return TaskPage{}, invalid("status", "invalid status %q", opts.Status)
	}
	if opts.Priority != "" && !domain.ValidPriority(opts.Priority) {
		return TaskPage{}, invalid("priority", "invalid priority %q", opts.Priority)
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	f := repo.TaskFilters{
		OwnerID:  ownerID,
		Status:   opts.Status,
		Priority: opts.Priority,
		Parent:   opts.Parent,
		RootOnly: opts.RootOnly,
		Tag:      strings.TrimSpace(opts.Tag),
		Search:   strings.TrimSpace(opts.Search),
		Limit:    limit + 1,
	}
	if opts.Cursor != "" {
		createdAt, id, ok := strings.Cut(opts.Cursor, "|")
		if !ok || createdAt == "" || id == "" {
			return TaskPage{}, invalid("cursor", "malformed cursor")
		}
		f.CursorCreatedAt, f.CursorID = createdAt, id
	}
	tasks, err := e.Store.ListTasks(ctx, f)
	if err != nil {
		return TaskPage{}, err
	}
	page := TaskPage{Tasks: tasks}
	if len(tasks) > limit {
		page.Tasks = tasks[:limit]
		last := page.Tasks[limit-1]
		page.NextCursor = last.CreatedAt + "|" + last.ID
	}
	return page, nil
}

func (e Engine) Children(ctx context.Context, ownerID, id string) ([]domain.Task, error) {
	if _, err := e.Store.GetTask(ctx, ownerID, id); err != nil {
		return nil, err
	}
	return e.Store.ListChildren(ctx, ownerID, id)
}

func (e Engine) WithChildren(ctx context.Context, ownerID, id string) (domain.Task, []domain.Task, error) {
	t, err := e.Store.GetTask(ctx, ownerID, id)
	if err != nil {
		return domain.Task{}, nil, err
	}
	children, err := e.Store.ListChildren(ctx, ownerID, id)
	if err != nil {
		return domain.Task{}, nil, err
	}
	return t, children, nil
}

type TaskNode struct {
	Task     domain.Task
	Children []TaskNode
}

// Tree returns every task of the owner arranged under its root.
func (e Engine) Tree(ctx context.Context, ownerID string) ([]TaskNode, error) {
	all, err := e.Store.ListTasks(ctx, repo.TaskFilters{OwnerID: ownerID})
	if err != nil {
		return nil, err
	}
	byParent := map[string][]domain.Task{}
	var roots []domain.Task
	for i := len(all) - 1; i >= 0; i-- {
		t := all[i]
		if t.ParentTaskID == nil {
			roots = append(roots, t)
			continue
		}
		byParent[*t.ParentTaskID] = append(byParent[*t.ParentTaskID], t)
	}
	var build func(t domain.Task, level int) TaskNode
	build = func(t domain.Task, level int) TaskNode {
		node := TaskNode{Task: t}
		if level >= maxWalkLevels {
			return node
		}
		for _, child := range byParent[t.ID] {
			node.Children = append(node.Children, build(child, level+1))
		}
		return node
	}
	nodes := make([]TaskNode, 0, len(roots))
	for _, r := range roots {
		nodes = append(nodes, build(r, 1))
	}
	return nodes, nil
}

const maxWalkLevels = 64

func (e Engine) Events(ctx context.Context, ownerID, id string, limit int) ([]domain.Event, error) {
	if _, err := e.Store.GetTask(ctx, ownerID, id); err != nil {
		return nil, err
	}
	return e.Store.ListEvents(ctx, ownerID, id, limit)
}

func validTitle(title string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", invalid("title", "title is required")
	}
	if utf8.RuneCountInString(title) > maxTitleLen {
		return "", invalid("title", "title exceeds %d characters", maxTitleLen)
	}
	return title, nil
}

func validDueDate(v *string) error {
	if v == nil || strings.TrimSpace(*v) == "" {
		return nil
	}
	if _, err := time.Parse(time.RFC3339, *v); err == nil {
		return nil
	}
	if _, err := time.Parse("2006-01-02", *v); err == nil {
		return nil
	}
	return invalid("due_date", "due_date must be YYYY-MM-DD or RFC3339")
}

func validHours(v *float64) error {
	if v != nil && *v < 0 {
		return invalid("estimated_hours", "estimated_hours must not be negative")
	}
	return nil
}

func validTags(tags []string) ([]string, error) {
	tags = domain.NormalizeTags(tags)
	if len(tags) > maxTags {
		return nil, invalid("tags", "at most %d tags allowed", maxTags)
	}
	return tags, nil
}

func optionalString(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}
