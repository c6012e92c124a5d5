package clapsql

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// Scheduler runs tasks on a bounded number of workers and admits them in
// priority order per table: a task does not start its body while a task of a
// higher-priority mode is active on the same table. Tasks of different tables
// never wait for each other. Tasks of the same mode are not ordered.
//
// A task is active from Start until its body has returned. Waiting for
// admission does not occupy a worker.
//
// Priority is only enforced at admission. A running body is never paused, so a
// higher-priority task started after a lower-priority one was admitted runs
// concurrently with it.
type Scheduler struct {
	slots   *semaphore.Weighted
	workers int
	logger  *slog.Logger

	mu     sync.Mutex
	groups map[string]*tableGroup
	closed bool
	wg     sync.WaitGroup

	started [modeCount]atomic.Uint64
	failed  atomic.Uint64
	panics  atomic.Uint64
}

type SchedulerOptions struct {
	// Workers bounds the number of task bodies running at once. Defaults to
	// runtime.NumCPU().
	Workers int
	Logger  *slog.Logger
}

type SchedulerStats struct {
	Workers int
	Started [modeCount]uint64
	Active  [modeCount]int
	Failed  uint64
	Panics  uint64
}

// tableGroup is the active-task registry of one table.
type tableGroup struct {
	mu     sync.Mutex
	cond   *sync.Cond
	active [modeCount]int
}

// job is the type-erased view of a Task the scheduler works with.
type job interface {
	describe() (table string, mode Mode, delay time.Duration)
	setState(st TaskState)
	execute(s *Scheduler)
	complete(s *Scheduler)
}

func NewScheduler(opt SchedulerOptions) *Scheduler {
	if opt.Workers <= 0 {
		opt.Workers = runtime.NumCPU()
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	return &Scheduler{
		slots:   semaphore.NewWeighted(int64(opt.Workers)),
		workers: opt.Workers,
		logger:  opt.Logger,
		groups:  make(map[string]*tableGroup),
	}
}

func (s *Scheduler) group(table string) *tableGroup {
	g := s.groups[table]
	if g == nil {
		g = &tableGroup{}
		g.cond = sync.NewCond(&g.mu)
		s.groups[table] = g
	}
	return g
}

// submit registers j in the active set of its table and schedules it. It
// returns ErrSchedulerClosed without registering anything after Close.
func (s *Scheduler) submit(j job) error {
	table, mode, _ := j.describe()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSchedulerClosed
	}
	g := s.group(table)
	g.mu.Lock()
	g.active[mode]++
	g.mu.Unlock()
	s.wg.Add(1)
	s.mu.Unlock()

	s.started[mode].Add(1)
	j.setState(TaskDelayScheduled)
	go s.run(g, j)
	return nil
}

func (s *Scheduler) run(g *tableGroup, j job) {
	defer s.wg.Done()
	_, mode, delay := j.describe()

	if delay > 0 {
		timer := time.NewTimer(delay)
		<-timer.C
	}

	j.setState(TaskBlocked)
	for {
		g.awaitAdmission(mode)
		// workers are never held while gated; admission is re-checked once a
		// worker is obtained because higher-priority work may have arrived
		_ = s.slots.Acquire(context.Background(), 1)
		if g.admits(mode) {
			break
		}
		s.slots.Release(1)
	}

	j.setState(TaskRunning)
	j.execute(s)
	s.slots.Release(1)

	g.leave(mode)
	j.complete(s)
}

func (g *tableGroup) admitsLocked(mode Mode) bool {
	for m := ModeInsert; m < mode; m++ {
		if g.active[m] > 0 {
			return false
		}
	}
	return true
}

func (g *tableGroup) admits(mode Mode) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.admitsLocked(mode)
}

func (g *tableGroup) awaitAdmission(mode Mode) {
	g.mu.Lock()
	for !g.admitsLocked(mode) {
		g.cond.Wait()
	}
	g.mu.Unlock()
}

func (g *tableGroup) leave(mode Mode) {
	g.mu.Lock()
	g.active[mode]--
	g.mu.Unlock()
	g.cond.Broadcast()
}

// Active returns the number of active tasks per mode for a table.
func (s *Scheduler) Active(table string) [modeCount]int {
	s.mu.Lock()
	g := s.groups[table]
	s.mu.Unlock()
	if g == nil {
		return [modeCount]int{}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

func (s *Scheduler) Stats() SchedulerStats {
	st := SchedulerStats{
		Workers: s.workers,
		Failed:  s.failed.Load(),
		Panics:  s.panics.Load(),
	}
	for m := range st.Started {
		st.Started[m] = s.started[m].Load()
	}
	s.mu.Lock()
	groups := make([]*tableGroup, 0, len(s.groups))
	for _, g := range s.groups {
		groups = append(groups, g)
	}
	s.mu.Unlock()
	for _, g := range groups {
		g.mu.Lock()
		for m, n := range g.active {
			st.Active[m] += n
		}
		g.mu.Unlock()
	}
	return st
}

// Close stops accepting tasks and waits until every started task, including
// its continuation, has finished. Tasks started from running tasks or
// continuations after Close fail with ErrSchedulerClosed.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
}
