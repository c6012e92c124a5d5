package clapsql

import (
	"bytes"
	"sync"
	"sync/atomic"
)

var framingBufPool = &sync.Pool{
	New: func() any {
		return bytes.NewBuffer(make([]byte, 0, 65536))
	},
}

const taskPoolCap = 64

// taskPool recycles completed tasks per mode. A task is returned only after its
// continuation has finished, so a recycled task never overlaps its previous run.
type taskPool[T any] struct {
	mu     sync.Mutex
	free   [modeCount][]*Task[T]
	reused atomic.Uint64
	fresh  atomic.Uint64
}

func (p *taskPool[T]) obtain(table string, mode Mode, fn func() (T, error)) *Task[T] {
	p.mu.Lock()
	var t *Task[T]
	if list := p.free[mode]; len(list) > 0 {
		t = list[len(list)-1]
		list[len(list)-1] = nil
		p.free[mode] = list[:len(list)-1]
	}
	p.mu.Unlock()

	if t == nil {
		p.fresh.Add(1)
		t = &Task[T]{pool: p}
	} else {
		p.reused.Add(1)
	}
	t.reset(table, mode, fn)
	return t
}

func (p *taskPool[T]) put(t *Task[T]) {
	var zero T
	t.fn, t.then, t.result = nil, nil, zero

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free[t.mode]) < taskPoolCap {
		p.free[t.mode] = append(p.free[t.mode], t)
	}
}

func (p *taskPool[T]) idle(mode Mode) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free[mode])
}
