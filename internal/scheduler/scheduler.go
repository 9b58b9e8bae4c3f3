// Package scheduler runs time-ordered one-shot tasks against a simulation clock.
//
// The queue is a slice sorted by fire time; equal fire times keep insertion
// order. Tick removes every due task before invoking any of them, so a task
// scheduled from inside an action is only eligible on a later tick.
package scheduler

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"bussim.transitsim.org/internal/logging"
	"bussim.transitsim.org/internal/metrics"
)

// slowTaskThreshold is the wall-clock duration after which a task action is
// reported as slow. Actions run synchronously on the tick thread.
const slowTaskThreshold = 50 * time.Millisecond

// Action is the work a task performs when it fires.
type Action func() error

// Handle identifies a scheduled task. The zero Handle refers to nothing.
type Handle struct {
	id     uint64
	fireAt time.Time
}

// FireAt returns the time the task was scheduled for.
func (h Handle) FireAt() time.Time { return h.fireAt }

// IsZero reports whether h was never issued by a Scheduler.
func (h Handle) IsZero() bool { return h.id == 0 }

// Task is an immutable pairing of a fire time and an action.
type Task struct {
	id     uint64
	fireAt time.Time
	name   string
	action Action
	done   bool
}

// FireAt returns when the task is due.
func (t *Task) FireAt() time.Time { return t.fireAt }

// Name returns the diagnostic name given at scheduling time.
func (t *Task) Name() string { return t.name }

// Scheduler holds the not-yet-fired tasks. It is not safe for concurrent
// use; all calls belong on the simulation tick thread.
type Scheduler struct {
	queue    []*Task
	inflight []*Task
	nextID   uint64
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// New creates an empty Scheduler. logger and m may be nil.
func New(logger *slog.Logger, m *metrics.Metrics) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger:  logger.With(slog.String("component", "scheduler")),
		metrics: m,
	}
}

// Schedule inserts a task due at fireAt. A fireAt in the past fires on the
// next Tick.
func (s *Scheduler) Schedule(fireAt time.Time, name string, action Action) Handle {
	s.nextID++
	task := &Task{
		id:     s.nextID,
		fireAt: fireAt,
		name:   name,
		action: action,
	}

	// First index whose fire time is strictly later keeps ties in insertion order.
	i := sort.Search(len(s.queue), func(i int) bool {
		return s.queue[i].fireAt.After(fireAt)
	})
	s.queue = append(s.queue, nil)
	copy(s.queue[i+1:], s.queue[i:])
	s.queue[i] = task

	s.metrics.TaskScheduled(len(s.queue))
	return Handle{id: task.id, fireAt: fireAt}
}

// Cancel removes a pending task. It also stops a task that is due in the
// current Tick pass but has not run yet. It reports whether anything was
// cancelled.
func (s *Scheduler) Cancel(h Handle) bool {
	if h.IsZero() {
		return false
	}
	for i, task := range s.queue {
		if task.id != h.id {
			continue
		}
		copy(s.queue[i:], s.queue[i+1:])
		s.queue[len(s.queue)-1] = nil
		s.queue = s.queue[:len(s.queue)-1]
		s.metrics.SetPending(len(s.queue))
		return true
	}
	for _, task := range s.inflight {
		if task.id == h.id && !task.done {
			task.done = true
			return true
		}
	}
	return false
}

// Tick fires every task whose fire time is at or before now, in ascending
// fire-time order, and returns how many ran. A failing task is logged and
// the pass moves on to the next one.
func (s *Scheduler) Tick(now time.Time) int {
	n := sort.Search(len(s.queue), func(i int) bool {
		return s.queue[i].fireAt.After(now)
	})
	if n == 0 {
		return 0
	}

	due := make([]*Task, n)
	copy(due, s.queue[:n])
	remaining := make([]*Task, len(s.queue)-n)
	copy(remaining, s.queue[n:])
	s.queue = remaining
	s.inflight = due
	s.metrics.SetPending(len(s.queue))

	fired := 0
	for _, task := range due {
		if task.done {
			continue
		}
		task.done = true
		err := s.run(task)
		s.metrics.TaskFired(err != nil)
		if err != nil {
			logging.LogError(s.logger, "scheduled task failed", err,
				slog.String("task", task.name),
				slog.Time("fire_at", task.fireAt))
		}
		fired++
	}
	s.inflight = nil
	return fired
}

func (s *Scheduler) run(task *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %q panicked: %v", task.name, r)
		}
	}()
	if task.action == nil {
		return nil
	}

	started := time.Now()
	err = task.action()
	if elapsed := time.Since(started); elapsed > slowTaskThreshold {
		s.logger.Warn("slow scheduled task",
			slog.String("task", task.name),
			slog.Duration("elapsed", elapsed))
	}
	return err
}

// Pending returns the number of tasks waiting to fire.
func (s *Scheduler) Pending() int {
	return len(s.queue)
}

// Next returns the fire time of the earliest pending task.
func (s *Scheduler) Next() (time.Time, bool) {
	if len(s.queue) == 0 {
		return time.Time{}, false
	}
	return s.queue[0].fireAt, true
}

// Tasks returns the pending tasks in firing order. The slice is a copy.
func (s *Scheduler) Tasks() []*Task {
	out := make([]*Task, len(s.queue))
	copy(out, s.queue)
	return out
}
