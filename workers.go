/* Worker pool is a pool of go-routines running for executing callbacks.
It gives no ordering of its own: ordering is the Sequencer's job, the pool
only bounds how many callbacks run at once. */

package seqnet

import (
	"sync"

	xlog "github.com/leesper/seqnet/internal/log"
)

// Executor runs dispatched callbacks. Execute must neither block nor run fn
// on the calling goroutine: the Sequencer calls it while holding node locks.
type Executor interface {
	Execute(fn func())
}

// goExecutor starts one goroutine per callback.
type goExecutor struct{}

func (goExecutor) Execute(fn func()) {
	go fn()
}

// GoExecutor returns the default Executor, one goroutine per callback.
func GoExecutor() Executor {
	return goExecutor{}
}

// WorkerPool is a fixed set of goroutines draining an unbounded FIFO.
// Callbacks that block (a synchronous socket write for instance) hold a
// worker, so size the pool for the number of such callbacks in flight.
type WorkerPool struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	wg     sync.WaitGroup
}

// NewWorkerPool starts vol workers. vol <= 0 means defaultWorkersNum.
func NewWorkerPool(vol int) *WorkerPool {
	if vol <= 0 {
		vol = defaultWorkersNum
	}
	wp := &WorkerPool{}
	wp.cond = sync.NewCond(&wp.mu)
	wp.wg.Add(vol)
	for i := 0; i < vol; i++ {
		go wp.work()
	}
	return wp
}

const defaultWorkersNum = 20

// Execute queues fn. After Close it falls back to a fresh goroutine so that
// sequencer bookkeeping still completes.
func (wp *WorkerPool) Execute(fn func()) {
	wp.mu.Lock()
	if wp.closed {
		wp.mu.Unlock()
		go fn()
		return
	}
	wp.queue = append(wp.queue, fn)
	wp.mu.Unlock()
	wp.cond.Signal()
}

// Pending returns the number of queued, not yet started callbacks.
func (wp *WorkerPool) Pending() int {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return len(wp.queue)
}

// Close stops the workers once the queue has drained and waits for them.
func (wp *WorkerPool) Close() {
	wp.mu.Lock()
	wp.closed = true
	wp.mu.Unlock()
	wp.cond.Broadcast()
	wp.wg.Wait()
}

func (wp *WorkerPool) work() {
	defer wp.wg.Done()
	for {
		wp.mu.Lock()
		for len(wp.queue) == 0 && !wp.closed {
			wp.cond.Wait()
		}
		if len(wp.queue) == 0 {
			wp.mu.Unlock()
			return
		}
		fn := wp.queue[0]
		wp.queue[0] = nil
		wp.queue = wp.queue[1:]
		wp.mu.Unlock()

		wp.run(fn)
	}
}

func (wp *WorkerPool) run(fn func()) {
	defer func() {
		if p := recover(); p != nil {
			l := xlog.WithComponent("workerpool")
			l.Error().Interface("panic", p).Msg("callback panicked")
		}
	}()
	fn()
}
