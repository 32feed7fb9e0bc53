package rewind

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// TaskStatus is a composite task's lifecycle state.
type TaskStatus int

const (
	// TaskRunning means steps are still being applied.
	TaskRunning TaskStatus = iota + 1
	// TaskCompleted means every step committed.
	TaskCompleted
	// TaskCancelled means the context was cancelled between steps; steps
	// already committed stay committed.
	TaskCancelled
	// TaskFailed means a step's update failed; the failing step's error is
	// available via Err and was published to observers.
	TaskFailed
)

// String implements fmt.Stringer for log fields.
func (s TaskStatus) String() string {
	switch s {
	case TaskRunning:
		return "running"
	case TaskCompleted:
		return "completed"
	case TaskCancelled:
		return "cancelled"
	case TaskFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Step is one unit of a composite task, applied through the normal update
// protocol (and therefore individually atomic).
type Step[S any] struct {
	Name  string
	Kind  UpdateKind
	Apply func(*S, Conn) error
}

// TaskProgress reports completion of one step.
type TaskProgress struct {
	Step      string
	Completed int
	Total     int
}

// Task is the handle returned by RunTask: an explicit return value replacing
// any broadcast-style discovery of long-running work.
//
// Progress delivery coalesces like state subscriptions: a slow consumer sees
// the latest report, not every intermediate one.
type Task struct {
	id   string
	name string

	progress chan TaskProgress
	done     chan struct{}

	mu     sync.Mutex
	status TaskStatus
	err    error
}

// ID returns the task's UUIDv7 identifier (time-sortable).
func (t *Task) ID() string { return t.id }

// Name returns the caller-supplied task name.
func (t *Task) Name() string { return t.name }

// Progress returns the coalescing progress channel. Closed when the task
// reaches a terminal status.
func (t *Task) Progress() <-chan TaskProgress { return t.progress }

// Done returns a channel closed when the task reaches a terminal status.
func (t *Task) Done() <-chan struct{} { return t.done }

// Status returns the task's current lifecycle state.
func (t *Task) Status() TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Err returns the terminal error: nil on completion, context.Canceled (or
// the context's cause) on cancellation, the failing step's error on failure.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Wait blocks until the task ends or ctx is cancelled, returning the
// terminal error.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Task) finish(status TaskStatus, err error) {
	t.mu.Lock()
	t.status = status
	t.err = err
	t.mu.Unlock()
	close(t.progress)
	close(t.done)
}

func (t *Task) report(p TaskProgress) {
	select {
	case t.progress <- p:
	default:
		select {
		case <-t.progress:
		default:
		}
		select {
		case t.progress <- p:
		default:
		}
	}
}

// RunTask applies steps in order through Update and returns immediately with
// a handle.
//
// Cancellation is cooperative: the context is checked between steps, so a
// cancelled task stops cleanly at a step boundary. Each step remains atomic;
// the composite as a whole is not - steps committed before cancellation stay
// committed.
func (s *Store[S]) RunTask(ctx context.Context, name string, steps ...Step[S]) *Task {
	t := &Task{
		id:       uuid.Must(uuid.NewV7()).String(),
		name:     name,
		progress: make(chan TaskProgress, 1),
		done:     make(chan struct{}),
		status:   TaskRunning,
	}

	go func() {
		for i, step := range steps {
			select {
			case <-ctx.Done():
				s.log.Info("task cancelled",
					"task", t.id,
					"name", name,
					"completed_steps", i,
					"total_steps", len(steps),
				)
				t.finish(TaskCancelled, context.Cause(ctx))
				return
			default:
			}

			if err := s.Update(ctx, step.Kind, step.Apply); err != nil {
				// Cancellation surfacing mid-update counts as cancelled, not
				// failed.
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					t.finish(TaskCancelled, err)
					return
				}
				s.log.Warn("task step failed",
					"task", t.id,
					"name", name,
					"step", step.Name,
					"error", err,
				)
				t.finish(TaskFailed, err)
				return
			}

			t.report(TaskProgress{Step: step.Name, Completed: i + 1, Total: len(steps)})
		}
		t.finish(TaskCompleted, nil)
	}()

	return t
}
