package clapsql

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestScheduler(t testing.TB, workers int) *Scheduler {
	s := NewScheduler(SchedulerOptions{Workers: workers, Logger: testLogger(t)})
	t.Cleanup(s.Close)
	return s
}

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func waitCtx(t testing.TB) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestScheduler_PriorityOrder(t *testing.T) {
	s := newTestScheduler(t, 4)
	var log eventLog
	running := make(chan struct{})
	release := make(chan struct{})

	insert := NewTask("t", ModeInsert, func() (bool, error) {
		close(running)
		<-release
		log.add("insert done")
		return true, nil
	})
	ensure(insert.Start(s, nil))
	<-running

	sel := NewTask("t", ModeSelect, func() (int, error) {
		log.add("select started")
		return 1, nil
	})
	ensure(sel.Start(s, nil))

	time.Sleep(50 * time.Millisecond)
	if st := sel.State(); st != TaskBlocked {
		t.Fatalf("select state = %v, wanted %v", st, TaskBlocked)
	}
	if events := log.list(); len(events) != 0 {
		t.Fatalf("events = %v, wanted none", events)
	}
	deepEqual(t, s.Active("t"), [modeCount]int{1, 0, 0, 1})

	close(release)
	n, err := sel.Wait(waitCtx(t))
	if err != nil || n != 1 {
		t.Fatalf("select = (%d, %v), wanted (1, nil)", n, err)
	}
	deepEqual(t, log.list(), []string{"insert done", "select started"})
}

func TestScheduler_ModeLadder(t *testing.T) {
	s := newTestScheduler(t, 8)
	var log eventLog
	release := make(chan struct{})
	running := make(chan struct{})

	gate := NewTask("t", ModeInsert, func() (bool, error) {
		close(running)
		<-release
		return true, nil
	})
	ensure(gate.Start(s, nil))
	<-running

	var tasks []*Task[bool]
	for _, m := range []Mode{ModeSelect, ModeDelete, ModeUpdate} {
		task := NewTask("t", m, func() (bool, error) {
			log.add(m.String())
			time.Sleep(10 * time.Millisecond)
			return true, nil
		})
		ensure(task.Start(s, nil))
		tasks = append(tasks, task)
	}
	close(release)
	for _, task := range tasks {
		if _, err := task.Wait(waitCtx(t)); err != nil {
			t.Fatalf("%v: %v", task.Mode(), err)
		}
	}
	deepEqual(t, log.list(), []string{"UPDATE", "DELETE", "SELECT"})
}

func TestScheduler_TablesAreIndependent(t *testing.T) {
	s := newTestScheduler(t, 2)
	running := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	blocker := NewTask("x", ModeInsert, func() (bool, error) {
		close(running)
		<-release
		return true, nil
	})
	ensure(blocker.Start(s, nil))
	<-running

	// gated tasks do not hold workers
	var selects []*Task[bool]
	for i := 0; i < 5; i++ {
		sel := NewTask("x", ModeSelect, func() (bool, error) { return true, nil })
		ensure(sel.Start(s, nil))
		selects = append(selects, sel)
	}

	other := NewTask("y", ModeInsert, func() (string, error) { return "y", nil })
	ensure(other.Start(s, nil))
	if v, err := other.Wait(waitCtx(t)); err != nil || v != "y" {
		t.Fatalf("other = (%q, %v), wanted (\"y\", nil)", v, err)
	}

	for i, sel := range selects {
		if sel.State() == TaskDone {
			t.Fatalf("select %d finished while an insert was active on its table", i)
		}
	}
}

func TestTask_ContinuationOrder(t *testing.T) {
	s := newTestScheduler(t, 1)
	result := make(chan error, 1)
	task := NewTask("t", ModeUpdate, func() (int, error) { return 7, nil })
	ensure(task.Start(s, func(n int, err error) {
		// the task has left the active set and finished before its continuation
		if s.Active("t") != [modeCount]int{} || task.State() != TaskDone || n != 7 {
			result <- errors.New("continuation ran too early")
			return
		}
		result <- err
	}))
	if err := <-result; err != nil {
		t.Fatal(err)
	}
}

func TestTask_Failure(t *testing.T) {
	s := newTestScheduler(t, 2)
	boom := errors.New("boom")

	type result struct {
		n   int
		err error
	}
	got := make(chan result, 2)
	then := func(n int, err error) { got <- result{n, err} }

	ensure(NewTask("t", ModeInsert, func() (int, error) { return 5, boom }).Start(s, then))
	o := <-got
	if o.n != 0 || !errors.Is(o.err, boom) || KindOf(o.err) != KindTask {
		t.Fatalf("failed task = (%d, %v), wanted (0, boom) of kind %v", o.n, o.err, KindTask)
	}

	ensure(NewTask("t", ModeInsert, func() (int, error) { panic("kaboom") }).Start(s, then))
	o = <-got
	if o.n != 0 || o.err == nil || !strings.Contains(o.err.Error(), "kaboom") || KindOf(o.err) != KindTask {
		t.Fatalf("panicking task = (%d, %v), wanted (0, kaboom) of kind %v", o.n, o.err, KindTask)
	}

	// store errors keep their own kind
	structural := tableErrf(KindStructural, "insert", "t", "", "", ErrTableNotFound, "")
	task := NewTask("t", ModeDelete, func() (int, error) { return 0, structural })
	ensure(task.Start(s, nil))
	_, err := task.Wait(waitCtx(t))
	if !errors.Is(err, ErrTableNotFound) || KindOf(err) != KindStructural {
		t.Fatalf("err = %v (kind %v), wanted ErrTableNotFound of kind %v", err, KindOf(err), KindStructural)
	}

	st := s.Stats()
	if st.Failed != 3 || st.Panics != 1 {
		t.Fatalf("Failed = %d, Panics = %d, wanted 3 and 1", st.Failed, st.Panics)
	}
	deepEqual(t, st.Active, [modeCount]int{})
}

func TestTask_ContinuationPanic(t *testing.T) {
	s := newTestScheduler(t, 1)
	ensure(NewTask("t", ModeSelect, func() (int, error) { return 1, nil }).Start(s, func(int, error) {
		panic("in continuation")
	}))
	next := NewTask("t", ModeSelect, func() (int, error) { return 2, nil })
	ensure(next.Start(s, nil))
	if n, err := next.Wait(waitCtx(t)); err != nil || n != 2 {
		t.Fatalf("next = (%d, %v), wanted (2, nil)", n, err)
	}
}

func TestTask_Delay(t *testing.T) {
	s := newTestScheduler(t, 1)
	start := time.Now()
	task := NewTask("t", ModeSelect, func() (time.Duration, error) {
		return time.Since(start), nil
	}).WithDelay(100 * time.Millisecond)
	if st := task.State(); st != TaskCreated {
		t.Fatalf("state = %v, wanted %v", st, TaskCreated)
	}
	ensure(task.Start(s, nil))
	if st := task.State(); st != TaskDelayScheduled {
		t.Fatalf("state after Start = %v, wanted %v", st, TaskDelayScheduled)
	}

	elapsed, err := task.Wait(waitCtx(t))
	if err != nil {
		t.Fatal(err)
	}
	if elapsed < 100*time.Millisecond {
		t.Fatalf("body ran after %v, wanted at least 100ms", elapsed)
	}
	if st := task.State(); st != TaskDone {
		t.Fatalf("state = %v, wanted %v", st, TaskDone)
	}
}

func TestTask_StartTwice(t *testing.T) {
	s := newTestScheduler(t, 1)
	task := NewTask("t", ModeInsert, func() (bool, error) { return true, nil })
	ensure(task.Start(s, nil))
	if err := task.Start(s, nil); err == nil {
		t.Fatalf("second Start succeeded")
	}
	if _, err := task.Wait(waitCtx(t)); err != nil {
		t.Fatal(err)
	}
}

func TestTask_InvalidMode(t *testing.T) {
	s := newTestScheduler(t, 1)
	if err := NewTask("t", Mode(9), func() (bool, error) { return true, nil }).Start(s, nil); err == nil {
		t.Fatalf("Start with mode 9 succeeded")
	}
}

func TestScheduler_Close(t *testing.T) {
	s := NewScheduler(SchedulerOptions{Workers: 2, Logger: testLogger(t)})
	var ran sync.WaitGroup
	ran.Add(1)
	ensure(NewTask("t", ModeInsert, func() (bool, error) {
		time.Sleep(30 * time.Millisecond)
		return true, nil
	}).Start(s, func(bool, error) {
		time.Sleep(30 * time.Millisecond)
		ran.Done()
	}))
	s.Close()
	// Close waited for the continuation
	ran.Wait()

	fired := make(chan error, 1)
	task := NewTask("t", ModeInsert, func() (bool, error) { return true, nil })
	if err := task.Start(s, func(_ bool, err error) { fired <- err }); !errors.Is(err, ErrSchedulerClosed) {
		t.Fatalf("Start err = %v, wanted %v", err, ErrSchedulerClosed)
	}
	if err := <-fired; !errors.Is(err, ErrSchedulerClosed) {
		t.Fatalf("continuation err = %v, wanted %v", err, ErrSchedulerClosed)
	}
	if _, err := task.Wait(waitCtx(t)); !errors.Is(err, ErrSchedulerClosed) {
		t.Fatalf("Wait err = %v, wanted %v", err, ErrSchedulerClosed)
	}
	if st := task.State(); st != TaskDone {
		t.Fatalf("state = %v, wanted %v", st, TaskDone)
	}
}

func TestTask_WaitContext(t *testing.T) {
	s := newTestScheduler(t, 1)
	release := make(chan struct{})
	task := NewTask("t", ModeInsert, func() (bool, error) {
		<-release
		return true, nil
	})
	ensure(task.Start(s, nil))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := task.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait err = %v, wanted %v", err, context.DeadlineExceeded)
	}
	close(release)
	<-task.Done()
}

func TestTaskPool_Reuse(t *testing.T) {
	s := NewScheduler(SchedulerOptions{Workers: 1, Logger: testLogger(t)})
	var pool taskPool[int]

	first := pool.obtain("t", ModeSelect, func() (int, error) { return 1, nil })
	done := make(chan int, 1)
	ensure(first.Start(s, func(n int, _ error) { done <- n }))
	if n := <-done; n != 1 {
		t.Fatalf("first = %d, wanted 1", n)
	}
	s.Close()

	if n := pool.idle(ModeSelect); n != 1 {
		t.Fatalf("idle SELECT tasks = %d, wanted 1", n)
	}
	if n := pool.idle(ModeInsert); n != 0 {
		t.Fatalf("idle INSERT tasks = %d, wanted 0", n)
	}

	// only tasks of the same mode are reused
	if other := pool.obtain("t", ModeInsert, func() (int, error) { return 0, nil }); other == first {
		t.Fatalf("SELECT task reused for INSERT")
	}

	second := pool.obtain("u", ModeSelect, func() (int, error) { return 2, nil })
	if second != first {
		t.Fatalf("idle SELECT task not reused")
	}
	if second.State() != TaskCreated || second.Table() != "u" {
		t.Fatalf("reused task = (%v, %q), wanted (%v, \"u\")", second.State(), second.Table(), TaskCreated)
	}
	if r, f := pool.reused.Load(), pool.fresh.Load(); r != 1 || f != 2 {
		t.Fatalf("reused = %d, fresh = %d, wanted 1 and 2", r, f)
	}
}

func TestMode(t *testing.T) {
	if !ModeInsert.Outranks(ModeUpdate) || ModeSelect.Outranks(ModeDelete) || ModeDelete.Outranks(ModeDelete) {
		t.Fatalf("unexpected Outranks results")
	}
	if m, err := ParseMode("delete"); err != nil || m != ModeDelete {
		t.Fatalf("ParseMode(delete) = (%v, %v), wanted (%v, nil)", m, err, ModeDelete)
	}
	if _, err := ParseMode("merge"); err == nil {
		t.Fatalf("ParseMode(merge) succeeded")
	}
	if s := TaskBlocked.String(); s != "blocked" {
		t.Fatalf("TaskBlocked.String() = %q, wanted blocked", s)
	}
}

func TestScheduler_AdmittedTaskIsNotPreempted(t *testing.T) {
	s := newTestScheduler(t, 4)
	running := make(chan struct{})
	release := make(chan struct{})

	sel := NewTask("t", ModeSelect, func() (bool, error) {
		close(running)
		<-release
		return true, nil
	})
	ensure(sel.Start(s, nil))
	<-running

	insert := NewTask("t", ModeInsert, func() (bool, error) { return true, nil })
	ensure(insert.Start(s, nil))
	if _, err := insert.Wait(waitCtx(t)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if st := sel.State(); st != TaskRunning {
		t.Fatalf("select state = %v, wanted %v", st, TaskRunning)
	}
	close(release)
	if _, err := sel.Wait(waitCtx(t)); err != nil {
		t.Fatalf("select: %v", err)
	}
}
