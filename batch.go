package clapsql

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultBatchDelays are the admission delays of batch umbrella tasks, indexed
// by Mode.
var DefaultBatchDelays = [modeCount]time.Duration{
	ModeInsert: 0,
	ModeUpdate: 10 * time.Millisecond,
	ModeDelete: 0,
	ModeSelect: 10 * time.Millisecond,
}

// Batch runs store operations asynchronously on a Scheduler. Every call returns
// immediately; its continuation, if any, is invoked exactly once when the whole
// operation has finished.
//
// Write batches run as an umbrella task that spawns one child task per affected
// sub-table. The umbrella and its children are all active in the batch's mode,
// so lower-priority work on the table waits for the whole batch.
type Batch[R Row[R]] struct {
	db    *DB[R]
	sched *Scheduler

	// Delays are applied to umbrella tasks, indexed by Mode.
	Delays [modeCount]time.Duration

	bools taskPool[bool]
	lists taskPool[[]R]
}

func newBatch[R Row[R]](db *DB[R], sched *Scheduler) *Batch[R] {
	return &Batch[R]{db: db, sched: sched, Delays: DefaultBatchDelays}
}

// join collects the outcome of child tasks.
type join struct {
	wg  sync.WaitGroup
	mu  sync.Mutex
	err error
}

func (j *join) spawn(s *Scheduler, t *Task[bool]) {
	j.wg.Add(1)
	_ = t.Start(s, j.report)
}

func (j *join) report(_ bool, err error) {
	if err != nil {
		j.mu.Lock()
		if j.err == nil {
			j.err = err
		}
		j.mu.Unlock()
	}
	j.wg.Done()
}

func (j *join) wait() error {
	j.wg.Wait()
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

func (b *Batch[R]) startUmbrella(table string, mode Mode, j *join, body func() (bool, error), then func(bool, error)) {
	started := time.Now()
	t := b.bools.obtain(table, mode, body).WithDelay(b.Delays[mode])
	_ = t.Start(b.sched, func(ok bool, err error) {
		if cerr := j.wait(); err == nil {
			err = cerr
		}
		ok = ok && err == nil
		b.db.logger.LogAttrs(context.Background(), slog.LevelDebug, "clapsql: batch finished", slog.String("table", table), slog.String("mode", mode.String()), slog.Duration("elapsed", time.Since(started)), slog.Bool("ok", ok))
		if then != nil {
			then(ok, err)
		}
	})
}

// InsertBatch inserts rows into table, rewriting each affected sub-table once.
func (b *Batch[R]) InsertBatch(table string, rows []R, then func(ok bool, err error)) {
	j := new(join)
	b.startUmbrella(table, ModeInsert, j, func() (bool, error) {
		var order []uint64
		parts := make(map[uint64][]R)
		for _, row := range rows {
			shard := b.db.shardFor(row.Key())
			if _, ok := parts[shard]; !ok {
				order = append(order, shard)
			}
			parts[shard] = append(parts[shard], row)
		}
		paths := make([]string, len(order))
		for i, shard := range order {
			path, err := b.db.createSubTable(table, shard)
			if err != nil {
				return false, err
			}
			paths[i] = path
		}
		for i, path := range paths {
			part := parts[order[i]]
			j.spawn(b.sched, b.bools.obtain(table, ModeInsert, func() (bool, error) {
				defer b.db.locks.lock(path)()
				_, err := b.db.insertRows("insert", path, part)
				return err == nil, err
			}))
		}
		return true, nil
	}, then)
}

// UpdateBatch replaces every row accepted by cond with op(row). Only sub-tables
// with at least one match get a child task.
func (b *Batch[R]) UpdateBatch(table string, cond Condition[R], op Operation[R], then func(ok bool, err error)) {
	j := new(join)
	b.startUmbrella(table, ModeUpdate, j, func() (bool, error) {
		paths, err := b.db.matchingShards(table, cond)
		if err != nil {
			return false, err
		}
		for _, path := range paths {
			j.spawn(b.sched, b.bools.obtain(table, ModeUpdate, func() (bool, error) {
				_, err := b.db.updateShard(path, cond, op)
				return err == nil, err
			}))
		}
		return true, nil
	}, then)
}

// DeleteBatch removes every row accepted by cond. Only sub-tables with at least
// one match get a child task.
func (b *Batch[R]) DeleteBatch(table string, cond Condition[R], then func(ok bool, err error)) {
	j := new(join)
	b.startUmbrella(table, ModeDelete, j, func() (bool, error) {
		paths, err := b.db.matchingShards(table, cond)
		if err != nil {
			return false, err
		}
		for _, path := range paths {
			j.spawn(b.sched, b.bools.obtain(table, ModeDelete, func() (bool, error) {
				_, err := b.db.deleteShard(path, cond)
				return err == nil, err
			}))
		}
		return true, nil
	}, then)
}

// SelectBatch collects every row accepted by cond in a single task.
func (b *Batch[R]) SelectBatch(table string, cond Condition[R], then func(rows []R, err error)) {
	started := time.Now()
	t := b.lists.obtain(table, ModeSelect, func() ([]R, error) {
		return b.db.SelectByCondition(table, cond)
	}).WithDelay(b.Delays[ModeSelect])
	_ = t.Start(b.sched, func(rows []R, err error) {
		b.db.logger.LogAttrs(context.Background(), slog.LevelDebug, "clapsql: batch finished", slog.String("table", table), slog.String("mode", ModeSelect.String()), slog.Duration("elapsed", time.Since(started)), slog.Int("rows", len(rows)))
		if then != nil {
			then(rows, err)
		}
	})
}

// TasksReused returns how many batch tasks were served from the reuse pool.
func (b *Batch[R]) TasksReused() uint64 {
	return b.bools.reused.Load() + b.lists.reused.Load()
}

// matchingShards returns the sub-tables of table holding at least one row
// accepted by cond.
func (db *DB[R]) matchingShards(table string, cond Condition[R]) ([]string, error) {
	paths, err := db.SubTableFiles(table)
	if err != nil {
		return nil, err
	}
	var matching []string
	for _, path := range paths {
		rows, err := db.fetchShard("scan", path)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			if cond(row) {
				matching = append(matching, path)
				break
			}
		}
	}
	return matching, nil
}
