package domain

import (
	"strings"
	"time"
)

type Task struct {
	ID                  string   `json:"id"`
	Title               string   `json:"title"`
	Description         *string  `json:"description,omitempty"`
	Status              string   `json:"status" enum:"pending,todo,in_progress,blocked,on_hold,review,testing,completed,cancelled,archived"`
	Priority            string   `json:"priority" enum:"low,medium,high"`
	DueDate             *string  `json:"due_date,omitempty"`
	EstimatedHours      *float64 `json:"estimated_hours,omitempty"`
	Tags                []string `json:"tags,omitempty"`
	OwnerID             string   `json:"user_id"`
	ParentTaskID        *string  `json:"parent_task_id,omitempty"`
	CreatedAt           string   `json:"created_at" format:"date-time"`
	UpdatedAt           string   `json:"updated_at" format:"date-time"`
	EnhancedTitle       *string  `json:"enhanced_title,omitempty"`
	EnhancedDescription *string  `json:"enhanced_description,omitempty"`
	EnhancementNotes    *string  `json:"enhancement_notes,omitempty"`
	EnhancementStatus   string   `json:"ai_enhancement_status" enum:"not_enhanced,enhancing,enhanced,enhancement_failed"`
}

// Task statuses.
const (
	StatusPending    = "pending"
	StatusTodo       = "todo"
	StatusInProgress = "in_progress"
	StatusBlocked    = "blocked"
	StatusOnHold     = "on_hold"
	StatusReview     = "review"
	StatusTesting    = "testing"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
	StatusArchived   = "archived"
)

var TaskStatuses = []string{
	StatusPending, StatusTodo, StatusInProgress, StatusBlocked, StatusOnHold,
	StatusReview, StatusTesting, StatusCompleted, StatusCancelled, StatusArchived,
}

const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

var Priorities = []string{PriorityLow, PriorityMedium, PriorityHigh}

// Enhancement statuses. Enhancing is written while a model call is in flight.
const (
	EnhancementNone    = "not_enhanced"
	EnhancementRunning = "enhancing"
	EnhancementDone    = "enhanced"
	EnhancementFailed  = "enhancement_failed"
)

var EnhancementStatuses = []string{EnhancementNone, EnhancementRunning, EnhancementDone, EnhancementFailed}

// Enhancement modes.
const (
	ModeEnhance = "enhance"
	ModeSplit   = "split"
)

func ValidTaskStatus(s string) bool { return contains(TaskStatuses, s) }

func ValidPriority(p string) bool { return contains(Priorities, p) }

func ValidEnhancementStatus(s string) bool { return contains(EnhancementStatuses, s) }

func ValidMode(m string) bool { return m == ModeEnhance || m == ModeSplit }

// TerminalEnhancement reports whether no further transition follows for an attempt.
func TerminalEnhancement(s string) bool {
	return s == EnhancementDone || s == EnhancementFailed
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// NormalizeTags trims, drops blanks and de-duplicates while keeping order.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}

// Subtask is one child proposed by a split.
type Subtask struct {
	Title          string  `json:"title"`
	Description    string  `json:"description,omitempty"`
	Priority       string  `json:"priority" enum:"low,medium,high"`
	EstimatedHours float64 `json:"estimated_hours"`
}

type Event struct {
	ID      string `json:"id"`
	TaskID  string `json:"task_id"`
	OwnerID string `json:"user_id"`
	Type    string `json:"type"`
	Payload string `json:"payload_json"`
	TS      string `json:"ts" format:"date-time"`
}

// Event types recorded in the task activity log.
const (
	EventTaskCreated    = "task.created"
	EventTaskUpdated    = "task.updated"
	EventTaskStatus     = "task.status"
	EventTaskDeleted    = "task.deleted"
	EventEnhanceStarted = "task.enhance.started"
	EventTaskEnhanced   = "task.enhanced"
	EventTaskSplit      = "task.split"
	EventEnhanceFailed  = "task.enhance.failed"
)

// TimeLayout is fixed-width so stored timestamps sort lexically.
const TimeLayout = "2006-01-02T15:04:05.000000Z07:00"

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}
