package seqnet

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	xlog "github.com/leesper/seqnet/internal/log"
)

// Sequencer orders callbacks by key. Keys are '/' separated paths forming a
// tree of nodes. Callbacks sent to the same key run one at a time, in the
// order they were sequenced. A node is busy while any callback at or below
// it is in flight, and a callback addressed at a node waits until the node
// is quiet. The guarantee covers callbacks addressed exactly at a key:
// callbacks for its descendants pass a running one, and callbacks under
// disjoint keys run concurrently.
//
// Locking: every node has its own mutex. A goroutine that holds more than one
// node lock acquired them root to leaf. No lock is held while a callback runs.
type Sequencer struct {
	name   string
	exec   Executor
	logger zerolog.Logger
	root   *node

	outstandingGauge prometheus.Gauge
	panicCounter     prometheus.Counter
	sequencedCounter prometheus.Counter
	unseqCounter     prometheus.Counter

	mu          sync.Mutex // guards following
	outstanding int
	idle        chan struct{} // closed while outstanding == 0
	lastErr     error
	errCount    int64
}

type node struct {
	name   string
	level  int
	parent *node

	mu       sync.Mutex // guards following
	children map[string]*node
	queue    []*task
	active   int // tasks dispatched through n and not yet completed
}

type task struct {
	level int
	path  []*node
	fn    func(interface{})
	state interface{}
}

// SequencerOption sets sequencer options.
type SequencerOption func(*Sequencer)

// WithExecutor returns a SequencerOption that runs callbacks on e instead of
// one goroutine per callback.
func WithExecutor(e Executor) SequencerOption {
	return func(s *Sequencer) {
		if e != nil {
			s.exec = e
		}
	}
}

// WithSequencerName returns a SequencerOption that labels logs and metrics.
func WithSequencerName(name string) SequencerOption {
	return func(s *Sequencer) {
		s.name = name
	}
}

// WithSequencerLogger returns a SequencerOption that sets the logger.
func WithSequencerLogger(l zerolog.Logger) SequencerOption {
	return func(s *Sequencer) {
		s.logger = l
	}
}

// NewSequencer returns an empty sequencer.
func NewSequencer(opt ...SequencerOption) *Sequencer {
	s := &Sequencer{
		name:   "default",
		exec:   GoExecutor(),
		logger: xlog.WithComponent("sequencer"),
		root:   &node{},
		idle:   make(chan struct{}),
	}
	close(s.idle)
	for _, o := range opt {
		o(s)
	}
	s.logger = s.logger.With().Str("sequencer", s.name).Logger()
	s.outstandingGauge = sequencerOutstanding.WithLabelValues(s.name)
	s.panicCounter = sequencerPanicsTotal.WithLabelValues(s.name)
	s.sequencedCounter = sequencerTasksTotal.WithLabelValues(s.name, "sequenced")
	s.unseqCounter = sequencerTasksTotal.WithLabelValues(s.name, "unsequenced")
	return s
}

// Handle is bound to the resolved node chain of one key.
type Handle struct {
	seq  *Sequencer
	key  string
	path []*node
}

// GetSequencerHandle resolves key, creating the nodes it names on first use.
// Empty segments are ignored, "" is the root.
func (s *Sequencer) GetSequencerHandle(key string) *Handle {
	segs := splitKey(key)
	path := make([]*node, 0, len(segs)+1)
	n := s.root
	path = append(path, n)
	for _, seg := range segs {
		n = n.child(seg)
		path = append(path, n)
	}
	return &Handle{
		seq:  s,
		key:  strings.Join(segs, "/"),
		path: path,
	}
}

func splitKey(key string) []string {
	parts := strings.Split(key, "/")
	segs := parts[:0]
	for _, p := range parts {
		if p != "" {
			segs = append(segs, p)
		}
	}
	return segs
}

func (n *node) child(name string) *node {
	n.mu.Lock()
	defer n.mu.Unlock()
	c, ok := n.children[name]
	if !ok {
		if n.children == nil {
			n.children = make(map[string]*node)
		}
		c = &node{name: name, level: n.level + 1, parent: n}
		n.children[name] = c
	}
	return c
}

// Key returns the normalized key of the handle.
func (h *Handle) Key() string {
	return h.key
}

// Sequencer returns the sequencer the handle belongs to.
func (h *Handle) Sequencer() *Sequencer {
	return h.seq
}

// SequenceCallback runs fn(state) after every callback previously sequenced
// on the same key has completed.
func (h *Handle) SequenceCallback(fn func(interface{}), state interface{}) {
	if fn == nil {
		return
	}
	t := &task{
		level: len(h.path) - 1,
		path:  h.path,
		fn:    fn,
		state: state,
	}
	h.seq.sequencedCounter.Inc()
	h.seq.begin()
	h.seq.enqueue(h.path[0], t)
}

// SequenceCallbackWithKey is a one-shot GetSequencerHandle(key).SequenceCallback.
func (s *Sequencer) SequenceCallbackWithKey(key string, fn func(interface{}), state interface{}) {
	s.GetSequencerHandle(key).SequenceCallback(fn, state)
}

// PostUnsequencedCallback runs fn(state) on the executor with no ordering
// guarantee at all.
func (s *Sequencer) PostUnsequencedCallback(fn func(interface{}), state interface{}) {
	if fn == nil {
		return
	}
	s.unseqCounter.Inc()
	s.begin()
	s.exec.Execute(func() {
		defer s.end()
		s.invoke(fn, state)
	})
}

// enqueue is called with the locks of n's ancestors possibly held, never
// with a lock of n's descendants.
func (s *Sequencer) enqueue(n *node, t *task) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.queue) > 0 || n.blocks(t) {
		n.queue = append(n.queue, t)
		return
	}
	s.dispatch(n, t)
}

// blocks reports whether t, addressed at n, has to wait for n to go quiet.
func (n *node) blocks(t *task) bool {
	return t.level == n.level && n.active > 0
}

// dispatch is called with n.mu held.
func (s *Sequencer) dispatch(n *node, t *task) {
	n.active++
	if t.level == n.level {
		s.exec.Execute(func() { s.run(t) })
		return
	}
	s.enqueue(t.path[n.level+1], t)
}

// dequeue dispatches queued tasks of n until the queue is empty or its head
// has to wait.
func (s *Sequencer) dequeue(n *node) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	dispatched := false
	for len(n.queue) > 0 {
		t := n.queue[0]
		if n.blocks(t) {
			break
		}
		n.queue[0] = nil
		n.queue = n.queue[1:]
		s.dispatch(n, t)
		dispatched = true
	}
	if len(n.queue) == 0 {
		n.queue = nil
	}
	return dispatched
}

func (s *Sequencer) run(t *task) {
	defer s.complete(t)
	s.invoke(t.fn, t.state)
}

func (s *Sequencer) complete(t *task) {
	for i := 0; i <= t.level; i++ {
		n := t.path[i]
		n.mu.Lock()
		n.active--
		active := n.active
		n.mu.Unlock()
		if active < 0 {
			panic(fmt.Sprintf("sequencer %s: negative active count at level %d", s.name, n.level))
		}
	}
	for n := t.path[t.level]; n != nil; n = n.parent {
		if s.dequeue(n) {
			break
		}
	}
	s.end()
}

func (s *Sequencer) invoke(fn func(interface{}), state interface{}) {
	start := time.Now()
	defer func() {
		observeTask(s.name, time.Since(start))
		if p := recover(); p != nil {
			s.recordPanic(p)
		}
	}()
	fn(state)
}

func (s *Sequencer) recordPanic(p interface{}) {
	var err error
	if e, ok := p.(error); ok {
		err = fmt.Errorf("sequencer %s: callback panic: %w", s.name, e)
	} else {
		err = fmt.Errorf("sequencer %s: callback panic: %v", s.name, p)
	}
	s.panicCounter.Inc()
	s.mu.Lock()
	s.lastErr = err
	s.errCount++
	s.mu.Unlock()
	s.logger.Error().Err(err).Bytes("stack", debug.Stack()).Msg("callback panicked")
}

func (s *Sequencer) begin() {
	s.mu.Lock()
	if s.outstanding == 0 {
		s.idle = make(chan struct{})
	}
	s.outstanding++
	s.mu.Unlock()
	s.outstandingGauge.Inc()
}

func (s *Sequencer) end() {
	s.mu.Lock()
	s.outstanding--
	if s.outstanding == 0 {
		close(s.idle)
	}
	s.mu.Unlock()
	s.outstandingGauge.Dec()
}

// Outstanding returns the number of callbacks submitted but not completed.
func (s *Sequencer) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outstanding
}

// LastError returns the error recovered from the most recent panicking
// callback, nil if none panicked.
func (s *Sequencer) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// ErrorCount returns how many callbacks panicked.
func (s *Sequencer) ErrorCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errCount
}

// Wait blocks until no callback is outstanding or timeout elapsed, and
// returns the number still outstanding. A negative timeout waits forever.
// It is meant for draining at shutdown and in tests.
func (s *Sequencer) Wait(timeout time.Duration) int {
	ctx := context.Background()
	if timeout >= 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	s.Drain(ctx)
	return s.Outstanding()
}

// Drain blocks until no callback is outstanding or ctx is done.
func (s *Sequencer) Drain(ctx context.Context) error {
	for {
		s.mu.Lock()
		idle, n := s.idle, s.outstanding
		s.mu.Unlock()
		if n == 0 {
			return nil
		}
		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
