package engine

import (
	"fmt"
	"sync"

	"github.com/panjf2000/ants/v2"
)

// workerPool runs index-partitioned phases on a fixed set of ants workers that
// live as long as the simulation. Each call to forEach is a barrier: it returns
// once every index has been processed.
type workerPool struct {
	size int
	pool *ants.PoolWithFunc
}

// chunk is one contiguous index range of a phase.
type chunk struct {
	fn     func(i int)
	lo, hi int
	phase  *phase
}

// phase collects the chunks of one forEach call and the first panic raised by any of them.
type phase struct {
	wg        sync.WaitGroup
	once      sync.Once
	recovered any
}

// newWorkerPool starts size workers. Panics if size < 1.
func newWorkerPool(size int) *workerPool {
	if size < 1 {
		panic("workerPool: size must be >= 1")
	}
	pool, err := ants.NewPoolWithFunc(size, runChunk, ants.WithPreAlloc(true), ants.WithDisablePurge(true))
	if err != nil {
		panic(fmt.Sprintf("workerPool: %v", err))
	}
	return &workerPool{size: size, pool: pool}
}

func runChunk(arg any) {
	c := arg.(*chunk)
	defer c.phase.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			c.phase.once.Do(func() { c.phase.recovered = r })
		}
	}()
	for i := c.lo; i < c.hi; i++ {
		c.fn(i)
	}
}

// forEach calls fn for every index in [0, n), splitting the range into one
// contiguous chunk per worker. fn must only touch state owned by index i.
// A panic in fn is re-raised on the calling goroutine after the barrier.
func (p *workerPool) forEach(n int, fn func(i int)) {
	if n == 0 {
		return
	}
	if p.size == 1 {
		for i := 0; i < n; i++ {
			fn(i)
		}
		return
	}
	step := (n + p.size - 1) / p.size
	ph := &phase{}
	for lo := 0; lo < n; lo += step {
		ph.wg.Add(1)
		if err := p.pool.Invoke(&chunk{fn: fn, lo: lo, hi: min(lo+step, n), phase: ph}); err != nil {
			ph.wg.Done()
			panic(fmt.Sprintf("workerPool: %v", err))
		}
	}
	ph.wg.Wait()
	if ph.recovered != nil {
		panic(ph.recovered)
	}
}

// close stops the workers. The pool must not be used afterwards.
func (p *workerPool) close() {
	p.pool.Release()
}
