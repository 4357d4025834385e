package enhance

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"tasknest/internal/domain"
	"tasknest/internal/logging"
	"tasknest/internal/repo"
)

const (
	DefaultPollInterval  = 2 * time.Second
	DefaultStreamTimeout = 120 * time.Second
)

// Stream event names.
const (
	EventConnected = "connected"
	EventStatus    = "status"
	EventComplete  = "complete"
	EventError     = "error"
	EventTimeout   = "timeout"
)

type StreamEvent struct {
	Name string
	Data any
}

type StatusPayload struct {
	TaskID   string `json:"task_id"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Message  string `json:"message"`
}

// State is where a Watch ended, or is, in connected → monitoring → terminal.
type State string

const (
	StateConnected  State = "connected"
	StateMonitoring State = "monitoring"
	StateCompleted  State = "completed"
	StateErrored    State = "errored"
	StateTimedOut   State = "timed_out"
	// StateClosed means the client went away; nothing further was sent.
	StateClosed State = "closed"
)

func Progress(status string) int {
	switch status {
	case domain.EnhancementRunning:
		return 50
	case domain.EnhancementDone, domain.EnhancementFailed:
		return 100
	default:
		return 0
	}
}

func statusMessage(status string) string {
	switch status {
	case domain.EnhancementRunning:
		return "Enhancement in progress"
	case domain.EnhancementDone:
		return "Enhancement completed"
	case domain.EnhancementFailed:
		return "Enhancement failed"
	default:
		return "Waiting for enhancement to start"
	}
}

// Monitor polls a task's enhancement status for one observer. It is transport independent:
// callers hand Watch an emit func that writes to SSE, a websocket or a test buffer.
type Monitor struct {
	Store    repo.Store
	Interval time.Duration
	Timeout  time.Duration
	Logger   *slog.Logger
}

// Open reads the starting status; a missing or foreign task fails here, before any stream starts.
func (m Monitor) Open(ctx context.Context, ownerID, taskID string) (string, error) {
	return m.Store.EnhancementStatus(ctx, ownerID, taskID)
}

// Watch emits exactly one terminal event unless the client disconnects or emit fails first.
func (m Monitor) Watch(ctx context.Context, ownerID, taskID, initial string, emit func(StreamEvent) error) State {
	log := logging.OrDefault(m.Logger).With("task_id", taskID)
	interval, timeout := m.Interval, m.Timeout
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if timeout <= 0 {
		timeout = DefaultStreamTimeout
	}
	started := time.Now()
	finish := func(s State) State {
		log.Debug("status stream closed", "state", s, "duration", time.Since(started))
		return s
	}

	if emit(StreamEvent{Name: EventConnected, Data: map[string]string{"task_id": taskID, "status": initial}}) != nil {
		return finish(StateClosed)
	}
	last := initial
	if emit(statusEvent(taskID, last)) != nil {
		return finish(StateClosed)
	}
	if domain.TerminalEnhancement(last) {
		return finish(m.terminal(taskID, last, emit))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			return finish(StateClosed)
		case <-deadline.C:
			if emit(StreamEvent{Name: EventTimeout, Data: map[string]string{"task_id": taskID, "message": "Status monitoring timed out"}}) != nil {
				return finish(StateClosed)
			}
			return finish(StateTimedOut)
		case <-ticker.C:
			status, err := m.Store.EnhancementStatus(ctx, ownerID, taskID)
			if err != nil {
				if ctx.Err() != nil {
					return finish(StateClosed)
				}
				log.Warn("status read failed", "err", err)
				msg := "Failed to read enhancement status"
				if errors.Is(err, repo.ErrNotFound) {
					msg = "Task no longer exists"
				}
				if emit(StreamEvent{Name: EventError, Data: map[string]string{"task_id": taskID, "message": msg}}) != nil {
					return finish(StateClosed)
				}
				return finish(StateErrored)
			}
			if status != last {
				last = status
				if emit(statusEvent(taskID, status)) != nil {
					return finish(StateClosed)
				}
			}
			if domain.TerminalEnhancement(status) {
				return finish(m.terminal(taskID, status, emit))
			}
		}
	}
}

func (m Monitor) terminal(taskID, status string, emit func(StreamEvent) error) State {
	name, state := EventComplete, StateCompleted
	if status == domain.EnhancementFailed {
		name, state = EventError, StateErrored
	}
	if emit(StreamEvent{Name: name, Data: StatusPayload{TaskID: taskID, Status: status, Progress: 100, Message: statusMessage(status)}}) != nil {
		return StateClosed
	}
	return state
}

func statusEvent(taskID, status string) StreamEvent {
	return StreamEvent{Name: EventStatus, Data: StatusPayload{TaskID: taskID, Status: status, Progress: Progress(status), Message: statusMessage(status)}}
}
