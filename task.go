package clapsql

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Task is a unit of deferred work on one table. It is created with NewTask,
// started once on a Scheduler, and reports its result both to the continuation
// given to Start and through Wait.
type Task[T any] struct {
	table string
	mode  Mode
	delay time.Duration
	fn    func() (T, error)
	then  func(T, error)

	state  atomic.Int32
	result T
	err    error
	done   chan struct{}

	pool *taskPool[T]
}

func NewTask[T any](table string, mode Mode, fn func() (T, error)) *Task[T] {
	t := &Task[T]{}
	t.reset(table, mode, fn)
	return t
}

func (t *Task[T]) reset(table string, mode Mode, fn func() (T, error)) {
	var zero T
	t.table, t.mode, t.delay = table, mode, 0
	t.fn, t.then = fn, nil
	t.result, t.err = zero, nil
	t.done = make(chan struct{})
	t.state.Store(int32(TaskCreated))
}

// WithDelay sets how long a started task waits before it competes for
// admission. It has no effect once the task is started.
func (t *Task[T]) WithDelay(d time.Duration) *Task[T] {
	if t.State() == TaskCreated {
		t.delay = d
	}
	return t
}

func (t *Task[T]) Table() string { return t.table }
func (t *Task[T]) Mode() Mode    { return t.mode }

func (t *Task[T]) State() TaskState {
	return TaskState(t.state.Load())
}

// Done is closed when the body has finished, before the continuation runs.
func (t *Task[T]) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the body has finished or ctx is done.
func (t *Task[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Start schedules the task. then, if not nil, is invoked exactly once with the
// result after the task has left the active set; on failure it receives the
// zero value and the error. A task can only be started once.
//
// If the scheduler is closed the task completes immediately with
// ErrSchedulerClosed, which is also returned.
func (t *Task[T]) Start(s *Scheduler, then func(T, error)) error {
	if !t.mode.valid() {
		return fmt.Errorf("clapsql: task on %s: %w", t.table, errInvalidMode(t.mode))
	}
	if !t.state.CompareAndSwap(int32(TaskCreated), int32(TaskDelayScheduled)) {
		return fmt.Errorf("clapsql: task on %s already started", t.table)
	}
	t.then = then
	if err := s.submit(t); err != nil {
		t.err = tableErrf(KindTask, t.mode.String(), t.table, "", "", err, "")
		t.complete(s)
		return err
	}
	return nil
}

func errInvalidMode(m Mode) error {
	return errors.New("invalid mode " + m.String())
}

func (t *Task[T]) describe() (string, Mode, time.Duration) {
	return t.table, t.mode, t.delay
}

func (t *Task[T]) setState(st TaskState) {
	t.state.Store(int32(st))
}

func (t *Task[T]) execute(s *Scheduler) {
	defer func() {
		if e := recover(); e != nil {
			var zero T
			t.result = zero
			t.err = tableErrf(KindTask, t.mode.String(), t.table, "", "", fmt.Errorf("panic: %v", e), "")
			s.panics.Add(1)
			s.failed.Add(1)
			s.logger.LogAttrs(context.Background(), slog.LevelError, "clapsql: task panicked", slog.String("table", t.table), slog.String("mode", t.mode.String()), slog.Any("panic", e))
		}
	}()
	result, err := t.fn()
	if err != nil {
		var zero T
		t.result = zero
		if KindOf(err) == 0 {
			err = tableErrf(KindTask, t.mode.String(), t.table, "", "", err, "")
		}
		t.err = err
		s.failed.Add(1)
		s.logger.LogAttrs(context.Background(), slog.LevelError, "clapsql: task failed", slog.String("table", t.table), slog.String("mode", t.mode.String()), slog.Any("err", err))
		return
	}
	t.result = result
}

// complete publishes the result, runs the continuation and recycles the task.
// The task has already left the active set.
func (t *Task[T]) complete(s *Scheduler) {
	t.setState(TaskDone)
	result, err, then := t.result, t.err, t.then
	close(t.done)

	if then != nil {
		func() {
			defer func() {
				if e := recover(); e != nil {
					s.panics.Add(1)
					s.logger.LogAttrs(context.Background(), slog.LevelError, "clapsql: continuation panicked", slog.String("table", t.table), slog.String("mode", t.mode.String()), slog.Any("panic", e))
				}
			}()
			then(result, err)
		}()
	}

	if t.pool != nil {
		t.pool.put(t)
	}
}
