package seqnet

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"
)

const tickPeriod = 20 * time.Millisecond

type timerHeap []*timerType

func (th timerHeap) Len() int {
	return len(th)
}

func (th timerHeap) Less(i, j int) bool {
	return th[i].expiration.Before(th[j].expiration)
}

func (th timerHeap) Swap(i, j int) {
	th[i], th[j] = th[j], th[i]
	th[i].index = i
	th[j].index = j
}

func (th *timerHeap) Push(x interface{}) {
	t := x.(*timerType)
	t.index = len(*th)
	*th = append(*th, t)
}

func (th *timerHeap) Pop() interface{} {
	old := *th
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*th = old[:n-1]
	return t
}

type timerType struct {
	id         int64
	expiration time.Time
	interval   time.Duration
	domain     Domain
	fn         func(time.Time)
	index      int // for container/heap
}

func (t *timerType) isRepeat() bool {
	return t.interval > 0
}

// TimingWheel fires timers by sequencing their callbacks on the domain they
// were added with, so a timer never runs concurrently with other work of
// that domain.
type TimingWheel struct {
	nextID atomic.Int64

	mu     sync.Mutex // guards following
	timers timerHeap
	byID   map[int64]*timerType
	quit   chan struct{}
	done   chan struct{}
}

// NewTimingWheel returns a running timing wheel. Stop it when done.
func NewTimingWheel() *TimingWheel {
	tw := &TimingWheel{
		byID: make(map[int64]*timerType),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	heap.Init(&tw.timers)
	go tw.start()
	return tw
}

// AddTimer schedules fn on domain at when and, if interval > 0, every
// interval afterwards. It returns an ID for CancelTimer.
func (tw *TimingWheel) AddTimer(domain Domain, when time.Time, interval time.Duration, fn func(time.Time)) int64 {
	t := &timerType{
		id:         tw.nextID.Add(1),
		expiration: when,
		interval:   interval,
		domain:     domain,
		fn:         fn,
	}
	tw.mu.Lock()
	heap.Push(&tw.timers, t)
	tw.byID[t.id] = t
	tw.mu.Unlock()
	return t.id
}

// CancelTimer removes the timer with id. Unknown IDs are ignored.
func (tw *TimingWheel) CancelTimer(id int64) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if t, ok := tw.byID[id]; ok {
		heap.Remove(&tw.timers, t.index)
		delete(tw.byID, id)
	}
}

// Size returns the number of pending timers.
func (tw *TimingWheel) Size() int {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	return tw.timers.Len()
}

// Stop stops the wheel. Pending timers never fire.
func (tw *TimingWheel) Stop() {
	tw.mu.Lock()
	select {
	case <-tw.quit:
	default:
		close(tw.quit)
	}
	tw.mu.Unlock()
	<-tw.done
}

func (tw *TimingWheel) getExpired(now time.Time) []*timerType {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	var expired []*timerType
	for tw.timers.Len() > 0 && !tw.timers[0].expiration.After(now) {
		t := heap.Pop(&tw.timers).(*timerType)
		expired = append(expired, t)
		if t.isRepeat() {
			next := *t
			for !next.expiration.After(now) {
				next.expiration = next.expiration.Add(next.interval)
			}
			heap.Push(&tw.timers, &next)
			tw.byID[t.id] = &next
		} else {
			delete(tw.byID, t.id)
		}
	}
	return expired
}

func (tw *TimingWheel) start() {
	ticker := time.NewTicker(tickPeriod)
	defer func() {
		ticker.Stop()
		close(tw.done)
	}()
	for {
		select {
		case <-tw.quit:
			return
		case now := <-ticker.C:
			for _, t := range tw.getExpired(now) {
				fn := t.fn
				t.domain.SequenceCallback(func(v interface{}) { fn(v.(time.Time)) }, now)
			}
		}
	}
}
