package enhance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"tasknest/internal/domain"
	"tasknest/internal/engine"
	"tasknest/internal/events"
	"tasknest/internal/logging"
	"tasknest/internal/repo"
)

const (
	DefaultTimeout = 60 * time.Second
	persistTimeout = 10 * time.Second
)

// UpstreamError reports a model call that failed or ran past its deadline.
type UpstreamError struct {
	Op       string
	TimedOut bool
	Err      error
}

func (e *UpstreamError) Error() string {
	if e.TimedOut {
		return e.Op + ": timed out"
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

type Orchestrator struct {
	Store    repo.Store
	Model    Model
	Timeout  time.Duration
	MaxDepth int
	Logger   *slog.Logger
	Now      func() time.Time
}

// Outcome is what one enhancement produced. Enhance mode fills the title fields, split mode Subtasks.
type Outcome struct {
	Mode           string
	Source         Source
	Task           domain.Task
	OldTitle       string
	NewTitle       string
	NewDescription string
	Notes          string
	Subtasks       []domain.Task
	Rationale      string
}

func (o Orchestrator) timeout() time.Duration {
	if o.Timeout <= 0 {
		return DefaultTimeout
	}
	return o.Timeout
}

func (o Orchestrator) now() string {
	if o.Now != nil {
		return domain.FormatTime(o.Now())
	}
	return domain.FormatTime(time.Now())
}

// Enhance runs one attempt: validate, mark enhancing, call the model once, then persist
// the parsed or fallback result. Model failures are recorded as enhancement_failed.
func (o Orchestrator) Enhance(ctx context.Context, ownerID, taskID, mode string) (Outcome, error) {
	log := logging.OrDefault(o.Logger).With("task_id", taskID, "mode", mode)
	if !domain.ValidMode(mode) {
		return Outcome{}, engine.ValidationError{Field: "enhancement_type", Reason: fmt.Sprintf("must be %q or %q", domain.ModeEnhance, domain.ModeSplit)}
	}
	task, err := o.Store.GetTask(ctx, ownerID, taskID)
	if err != nil {
		return Outcome{}, err
	}
	if mode == domain.ModeSplit {
		maxDepth := o.MaxDepth
		if maxDepth <= 0 {
			maxDepth = engine.DefaultMaxDepth
		}
		depth, err := o.Store.Depth(ctx, ownerID, taskID)
		if err != nil {
			return Outcome{}, err
		}
		if depth >= maxDepth {
			return Outcome{}, engine.ValidationError{Field: "enhancement_type", Reason: fmt.Sprintf("task is at the maximum nesting depth of %d and cannot be split", maxDepth)}
		}
	}
	if err := o.Store.SetEnhancementStatus(ctx, ownerID, taskID, domain.EnhancementRunning, nil); err != nil {
		return Outcome{}, err
	}

	started := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, o.timeout())
	raw, err := o.Model.Generate(callCtx, BuildPrompt(task, mode))
	timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded)
	cancel()
	if err != nil {
		uerr := &UpstreamError{Op: "model call", TimedOut: timedOut, Err: err}
		note := fmt.Sprintf("AI enhancement failed: %v", err)
		if timedOut {
			note = "AI enhancement timed out after " + seconds(o.timeout())
		}
		log.Warn("model call failed", "err", err, "timed_out", timedOut, "elapsed", time.Since(started))
		o.markFailed(ctx, ownerID, taskID, note)
		return Outcome{}, uerr
	}

	res := Parse(mode, raw)
	log.Info("model reply parsed", "source", res.Source, "elapsed", time.Since(started))

	// The result is written even if the caller went away while the model was answering.
	persistCtx, cancelPersist := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancelPersist()
	var out Outcome
	if mode == domain.ModeSplit {
		out, err = o.persistSplit(persistCtx, ownerID, taskID, res)
	} else {
		out, err = o.persistEnhancement(persistCtx, ownerID, taskID, res)
	}
	if err != nil {
		log.Error("persist enhancement failed", "err", err)
		o.markFailed(ctx, ownerID, taskID, "AI enhancement failed: result could not be saved")
		return Outcome{}, err
	}
	out.Mode = mode
	out.Source = res.Source
	return out, nil
}

func (o Orchestrator) persistEnhancement(ctx context.Context, ownerID, taskID string, res Result) (Outcome, error) {
	task, err := o.Store.GetTask(ctx, ownerID, taskID)
	if err != nil {
		return Outcome{}, err
	}
	e := res.Enhancement
	oldTitle := task.Title
	fields := []string{repo.FieldEnhancedTitle, repo.FieldEnhancedDescription, repo.FieldEnhancementNotes, repo.FieldEnhancementStatus}
	if e.Title != "" {
		task.Title = e.Title
		fields = append(fields, repo.FieldTitle)
	}
	if e.Description != "" {
		task.Description = &e.Description
		fields = append(fields, repo.FieldDescription)
	}
	// Enhanced fields always describe this attempt, falling back to the task's current text.
	enhancedTitle := task.Title
	task.EnhancedTitle = &enhancedTitle
	task.EnhancedDescription = task.Description
	notes := e.Notes
	task.EnhancementNotes = nil
	if notes != "" {
		task.EnhancementNotes = &notes
	}
	task.EnhancementStatus = domain.EnhancementDone
	task.UpdatedAt = o.now()
	payload := events.EventPayload{"source": string(res.Source), "old_title": oldTitle, "new_title": task.Title}
	if err := o.Store.UpdateTask(ctx, task, fields, domain.EventTaskEnhanced, payload); err != nil {
		return Outcome{}, err
	}
	if fresh, err := o.Store.GetTask(ctx, ownerID, taskID); err == nil {
		task = fresh
	}
	return Outcome{
		Task:           task,
		OldTitle:       oldTitle,
		NewTitle:       task.Title,
		NewDescription: e.Description,
		Notes:          notes,
	}, nil
}

func (o Orchestrator) persistSplit(ctx context.Context, ownerID, taskID string, res Result) (Outcome, error) {
	now := o.now()
	children := make([]domain.Task, 0, len(res.Split.Subtasks))
	parentID := taskID
	for _, st := range res.Split.Subtasks {
		child := domain.Task{
			ID:                uuid.NewString(),
			Title:             st.Title,
			Status:            domain.StatusTodo,
			Priority:          st.Priority,
			OwnerID:           ownerID,
			ParentTaskID:      &parentID,
			EnhancementStatus: domain.EnhancementNone,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if st.Description != "" {
			desc := st.Description
			child.Description = &desc
		}
		if st.EstimatedHours > 0 {
			hours := st.EstimatedHours
			child.EstimatedHours = &hours
		}
		children = append(children, child)
	}
	if err := o.Store.ApplySplit(ctx, ownerID, taskID, children, res.Split.Rationale); err != nil {
		return Outcome{}, err
	}
	parent, err := o.Store.GetTask(ctx, ownerID, taskID)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{
		Task:      parent,
		OldTitle:  parent.Title,
		NewTitle:  parent.Title,
		Notes:     res.Split.Rationale,
		Subtasks:  children,
		Rationale: res.Split.Rationale,
	}, nil
}

// markFailed records the failure on a context detached from the request so a cancelled
// caller still leaves an observable terminal status.
func (o Orchestrator) markFailed(ctx context.Context, ownerID, taskID, note string) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := o.Store.SetEnhancementStatus(wctx, ownerID, taskID, domain.EnhancementFailed, &note); err != nil {
		logging.OrDefault(o.Logger).Error("record enhancement failure", "task_id", taskID, "err", err)
	}
}

// seconds renders whole-second durations as "60s" rather than "1m0s".
func seconds(d time.Duration) string {
	if d%time.Second == 0 {
		return fmt.Sprintf("%ds", int(d/time.Second))
	}
	return d.String()
}
