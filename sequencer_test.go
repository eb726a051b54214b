package seqnet

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSequencer(t *testing.T, opt ...SequencerOption) *Sequencer {
	t.Helper()
	seq := NewSequencer(append([]SequencerOption{WithSequencerName(t.Name())}, opt...)...)
	t.Cleanup(func() {
		seq.Wait(5 * time.Second)
	})
	return seq
}

// recorder collects callback IDs and flags any overlap between them.
type recorder struct {
	running atomic.Int32
	overlap atomic.Bool

	mu  sync.Mutex
	ids []string
}

func (r *recorder) fn(id string) func(interface{}) {
	return func(interface{}) {
		if r.running.Add(1) != 1 {
			r.overlap.Store(true)
		}
		r.mu.Lock()
		r.ids = append(r.ids, id)
		r.mu.Unlock()
		r.running.Add(-1)
	}
}

func (r *recorder) order() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestSequencerFIFOPerKey(t *testing.T) {
	for _, tc := range []struct {
		name string
		opt  []SequencerOption
	}{
		{"goroutines", nil},
		{"worker pool", []SequencerOption{WithExecutor(newTestPool(t, 8))}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			seq := newTestSequencer(t, tc.opt...)
			h := seq.GetSequencerHandle("conn/1/recv")

			var r recorder
			want := make([]string, 1000)
			for i := range want {
				want[i] = fmt.Sprint(i)
				h.SequenceCallback(r.fn(want[i]), nil)
			}
			require.Zero(t, seq.Wait(5*time.Second))
			assert.False(t, r.overlap.Load(), "callbacks on one key overlapped")
			assert.Equal(t, want, r.order())
		})
	}
}

func TestSequencerStatePassedThrough(t *testing.T) {
	seq := newTestSequencer(t)
	got := make(chan interface{}, 1)
	seq.SequenceCallbackWithKey("a", func(v interface{}) { got <- v }, 42)
	select {
	case v := <-got:
		assert.Equal(t, 42, v)
	case <-time.After(5 * time.Second):
		t.Fatal("callback did not run")
	}
}

func TestSequencerDisjointKeysRunConcurrently(t *testing.T) {
	seq := newTestSequencer(t)
	other := make(chan struct{})
	sawOther := make(chan bool, 1)

	seq.SequenceCallbackWithKey("p/a", func(interface{}) {
		select {
		case <-other:
			sawOther <- true
		case <-time.After(5 * time.Second):
			sawOther <- false
		}
	}, nil)
	seq.SequenceCallbackWithKey("p/b", func(interface{}) { close(other) }, nil)

	assert.True(t, <-sawOther, "sibling keys were serialized")
}

func TestSequencerParentWaitsForChildren(t *testing.T) {
	seq := newTestSequencer(t)
	var r recorder
	release := make(chan struct{})
	childRunning := make(chan struct{})

	seq.SequenceCallbackWithKey("p/c", func(v interface{}) {
		close(childRunning)
		<-release
		r.fn("child1")(v)
	}, nil)
	waitClosed(t, childRunning, "first child")

	parentRan := make(chan struct{})
	seq.SequenceCallbackWithKey("p", func(v interface{}) {
		r.fn("parent")(v)
		close(parentRan)
	}, nil)
	seq.SequenceCallbackWithKey("p/c", r.fn("child2"), nil)
	seq.SequenceCallbackWithKey("p/other", r.fn("other"), nil)

	select {
	case <-parentRan:
		t.Fatal("parent ran while a child was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.Zero(t, seq.Wait(5*time.Second))
	order := r.order()
	require.Len(t, order, 4)
	assert.Equal(t, "child1", order[0])
	assert.ElementsMatch(t, []string{"parent", "child2", "other"}, order[1:])
}

func TestSequencerChildrenPassRunningParent(t *testing.T) {
	for _, parent := range []string{"p", ""} {
		t.Run("parent="+parent, func(t *testing.T) {
			seq := newTestSequencer(t)
			release := make(chan struct{})
			parentRunning := make(chan struct{})
			seq.SequenceCallbackWithKey(parent, func(interface{}) {
				close(parentRunning)
				<-release
			}, nil)
			waitClosed(t, parentRunning, "parent")

			ran := make(chan string, 2)
			seq.SequenceCallbackWithKey(parent+"/a", func(interface{}) { ran <- "a" }, nil)
			seq.SequenceCallbackWithKey(parent+"/b/c", func(interface{}) { ran <- "c" }, nil)

			var got []string
			for len(got) < 2 {
				select {
				case id := <-ran:
					got = append(got, id)
				case <-time.After(5 * time.Second):
					t.Fatalf("children blocked behind running parent, ran %v", got)
				}
			}
			assert.ElementsMatch(t, []string{"a", "c"}, got)

			close(release)
			require.Zero(t, seq.Wait(5*time.Second))
		})
	}
}

func TestSequencerRootWaitsForInFlightKeys(t *testing.T) {
	seq := newTestSequencer(t)
	var r recorder
	release := make(chan struct{})
	for i := 0; i < 10; i++ {
		seq.SequenceCallbackWithKey(fmt.Sprintf("k/%d", i), func(v interface{}) {
			<-release
			r.fn("before")(v)
		}, nil)
	}
	seq.SequenceCallbackWithKey("", r.fn("root"), nil)
	seq.SequenceCallbackWithKey("", r.fn("root2"), nil)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, r.order(), "root ran while keys below it were in flight")

	close(release)
	require.Zero(t, seq.Wait(5*time.Second))
	order := r.order()
	require.Len(t, order, 12)
	for _, id := range order[:10] {
		assert.Equal(t, "before", id)
	}
	assert.Equal(t, []string{"root", "root2"}, order[10:])
}

func TestSequencerSequenceFromCallback(t *testing.T) {
	seq := newTestSequencer(t)
	var r recorder
	h := seq.GetSequencerHandle("a")
	h.SequenceCallback(func(v interface{}) {
		r.fn("outer")(v)
		h.SequenceCallback(r.fn("inner"), nil)
		seq.SequenceCallbackWithKey("", r.fn("root"), nil)
	}, nil)
	require.Zero(t, seq.Wait(5*time.Second))
	assert.Equal(t, []string{"outer", "inner", "root"}, r.order())
}

func TestSequencerPanicIsRecorded(t *testing.T) {
	seq := newTestSequencer(t)
	var r recorder
	seq.SequenceCallbackWithKey("a", func(interface{}) { panic("boom") }, nil)
	seq.SequenceCallbackWithKey("a", r.fn("next"), nil)
	require.Zero(t, seq.Wait(5*time.Second))

	assert.Equal(t, int64(1), seq.ErrorCount())
	require.Error(t, seq.LastError())
	assert.Contains(t, seq.LastError().Error(), "boom")
	assert.Equal(t, []string{"next"}, r.order())
}

func TestSequencerPanicWithError(t *testing.T) {
	seq := newTestSequencer(t)
	seq.PostUnsequencedCallback(func(interface{}) { panic(ErrAccounting) }, nil)
	require.Zero(t, seq.Wait(5*time.Second))
	assert.ErrorIs(t, seq.LastError(), ErrAccounting)
}

func TestSequencerWaitTimeout(t *testing.T) {
	seq := newTestSequencer(t)
	release := make(chan struct{})
	seq.SequenceCallbackWithKey("a", func(interface{}) { <-release }, nil)
	seq.SequenceCallbackWithKey("a", func(interface{}) {}, nil)

	assert.Equal(t, 2, seq.Wait(20*time.Millisecond))
	close(release)
	assert.Zero(t, seq.Wait(-1))
	assert.Zero(t, seq.Outstanding())
}

func TestSequencerDrain(t *testing.T) {
	seq := newTestSequencer(t)
	require.NoError(t, seq.Drain(context.Background()), "idle sequencer drains at once")

	release := make(chan struct{})
	seq.SequenceCallbackWithKey("a", func(interface{}) { <-release }, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, seq.Drain(ctx), context.DeadlineExceeded)

	close(release)
	assert.NoError(t, seq.Drain(context.Background()))
}

func TestSequencerUnsequenced(t *testing.T) {
	seq := newTestSequencer(t)
	var n atomic.Int32
	for i := 0; i < 100; i++ {
		seq.PostUnsequencedCallback(func(interface{}) { n.Add(1) }, nil)
	}
	require.Zero(t, seq.Wait(5*time.Second))
	assert.Equal(t, int32(100), n.Load())
}

func TestSequencerNilCallback(t *testing.T) {
	seq := newTestSequencer(t)
	seq.SequenceCallbackWithKey("a", nil, nil)
	seq.PostUnsequencedCallback(nil, nil)
	assert.Zero(t, seq.Outstanding())
}

func TestGetSequencerHandleNormalizesKey(t *testing.T) {
	seq := newTestSequencer(t)
	a := seq.GetSequencerHandle("/conn//7/")
	b := seq.GetSequencerHandle("conn/7")
	assert.Equal(t, "conn/7", a.Key())
	assert.Same(t, b.path[len(b.path)-1], a.path[len(a.path)-1])
	assert.Same(t, seq, a.Sequencer())

	root := seq.GetSequencerHandle("")
	assert.Equal(t, "", root.Key())
	assert.Len(t, root.path, 1)
}

func newTestPool(t *testing.T, n int) *WorkerPool {
	t.Helper()
	pool := NewWorkerPool(n)
	t.Cleanup(pool.Close)
	return pool
}

func TestWorkerPoolRunsEverything(t *testing.T) {
	pool := NewWorkerPool(4)
	var n atomic.Int32
	var wg sync.WaitGroup
	wg.Add(100)
	for i := 0; i < 100; i++ {
		pool.Execute(func() {
			n.Add(1)
			wg.Done()
		})
	}
	wg.Wait()
	pool.Close()
	assert.Equal(t, int32(100), n.Load())
	assert.Zero(t, pool.Pending())
}

func TestWorkerPoolSurvivesPanic(t *testing.T) {
	pool := newTestPool(t, 1)
	done := make(chan struct{})
	pool.Execute(func() { panic("boom") })
	pool.Execute(func() { close(done) })
	waitClosed(t, done, "callback after panic")
}

func TestWorkerPoolExecuteAfterClose(t *testing.T) {
	pool := NewWorkerPool(2)
	pool.Close()
	done := make(chan struct{})
	pool.Execute(func() { close(done) })
	waitClosed(t, done, "callback after close")
}

func TestWorkerPoolDefaultSize(t *testing.T) {
	pool := newTestPool(t, 0)
	assert.Zero(t, pool.Pending())
}
