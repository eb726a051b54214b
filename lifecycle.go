package seqnet

import (
	"sync"

	"github.com/rs/zerolog"

	xlog "github.com/leesper/seqnet/internal/log"
)

// Domain is an ordering domain. Callbacks sequenced on it run one at a time,
// in the order they were sequenced. *Handle implements it.
type Domain interface {
	SequenceCallback(fn func(interface{}), state interface{})
}

// State is the lifecycle state of a pipeline component.
type State int32

// Lifecycle states, in the only order they are ever entered.
const (
	StateInitial State = iota
	StateStarting
	StateActive
	StateStopping
	StateStopped
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Hooks are the component specific parts of a Lifecycle. Every hook is
// optional.
//
// Validate runs synchronously in Start, with the lifecycle lock held; it
// must not call back into the Lifecycle. OnStopping runs on the goroutine
// that called Stop, so it may only touch goroutine-safe state. All other
// hooks run inside the domain.
type Hooks[T any] struct {
	Validate   func() error
	OnStarting func() error
	OnActive   func()
	OnStopping func(reason error)
	OnStopped  func(reason error)
	OnData     func(data T) error
}

type lifecycleOptions struct {
	name   string
	logger *zerolog.Logger
}

// LifecycleOption sets lifecycle options.
type LifecycleOption func(*lifecycleOptions)

// NameOption returns a LifecycleOption that names the component in logs
// and metrics.
func NameOption(name string) LifecycleOption {
	return func(o *lifecycleOptions) {
		o.name = name
	}
}

// LoggerOption returns a LifecycleOption that sets the component logger.
func LoggerOption(l zerolog.Logger) LifecycleOption {
	return func(o *lifecycleOptions) {
		o.logger = &l
	}
}

// Lifecycle is the Initial -> Starting -> Active -> Stopping -> Stopped state
// machine shared by every pipeline component. Every transition after Starting
// and every posted datum runs through one Domain, which makes the domain the
// single point where component state is touched.
type Lifecycle[T any] struct {
	domain Domain
	hooks  Hooks[T]
	name   string
	logger zerolog.Logger

	mu      sync.Mutex // guards following
	state   State
	reason  *StopError
	discard bool // drop data still queued when stopping
	onError func(error)
	onState func(State)
	onData  func(T)
}

// NewLifecycle returns a lifecycle in StateInitial sequenced on domain.
func NewLifecycle[T any](domain Domain, hooks Hooks[T], opt ...LifecycleOption) *Lifecycle[T] {
	if domain == nil {
		panic("seqnet: nil domain")
	}
	opts := lifecycleOptions{name: "lifecycle"}
	for _, o := range opt {
		o(&opts)
	}
	var l zerolog.Logger
	if opts.logger != nil {
		l = *opts.logger
	} else {
		l = xlog.WithComponent(opts.name)
	}
	if h, ok := domain.(*Handle); ok {
		l = l.With().Str("key", h.Key()).Logger()
	}
	return &Lifecycle[T]{
		domain: domain,
		hooks:  hooks,
		name:   opts.name,
		logger: l,
	}
}

// Logger returns the component logger.
func (lc *Lifecycle[T]) Logger() *zerolog.Logger {
	return &lc.logger
}

// State returns the current state.
func (lc *Lifecycle[T]) State() State {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.state
}

// IsActive reports whether the state is StateActive.
func (lc *Lifecycle[T]) IsActive() bool {
	return lc.State() == StateActive
}

// Reason returns the stop reason, nil until Stop was called.
func (lc *Lifecycle[T]) Reason() error {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if lc.reason == nil {
		return nil
	}
	return lc.reason
}

// SetOnError sets the callback for faults raised inside the domain.
func (lc *Lifecycle[T]) SetOnError(cb func(error)) error {
	return lc.whileInitial(func() { lc.onError = cb })
}

// SetOnStateChange sets the callback for state transitions.
func (lc *Lifecycle[T]) SetOnStateChange(cb func(State)) error {
	return lc.whileInitial(func() { lc.onState = cb })
}

// SetOnData sets the callback invoked for every posted datum after OnData.
func (lc *Lifecycle[T]) SetOnData(cb func(T)) error {
	return lc.whileInitial(func() { lc.onData = cb })
}

// whileInitial runs fn with the lock held if the state is StateInitial.
func (lc *Lifecycle[T]) whileInitial(fn func()) error {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if lc.state != StateInitial {
		return ErrNotInitial
	}
	fn()
	return nil
}

// Start enters StateStarting, notifies synchronously, and sequences the
// transition to StateActive.
func (lc *Lifecycle[T]) Start() error {
	lc.mu.Lock()
	if lc.state != StateInitial {
		lc.mu.Unlock()
		return ErrAlreadyStarted
	}
	if lc.hooks.Validate != nil {
		if err := lc.hooks.Validate(); err != nil {
			lc.mu.Unlock()
			return err
		}
	}
	lc.state = StateStarting
	lc.mu.Unlock()

	lc.logger.Debug().Msg("starting")
	lc.notifyState(StateStarting)
	lc.domain.SequenceCallback(lc.activate, nil)
	return nil
}

func (lc *Lifecycle[T]) activate(interface{}) {
	if lc.hooks.OnStarting != nil {
		if err := lc.hooks.OnStarting(); err != nil {
			lc.fail(err)
			return
		}
	}

	lc.mu.Lock()
	if lc.state != StateStarting {
		lc.mu.Unlock()
		return
	}
	lc.state = StateActive
	lc.mu.Unlock()

	lc.notifyState(StateActive)
	if lc.hooks.OnActive != nil {
		lc.hooks.OnActive()
	}
}

// Stop enters StateStopping with reason and sequences the transition to
// StateStopped. Data posted before Stop is still processed. Calling it again
// once stopping is a no-op.
func (lc *Lifecycle[T]) Stop(reason string) error {
	return lc.stop(requested(reason), false)
}

// stop stops with se. When discard is set, data still queued in the domain is
// dropped instead of processed.
func (lc *Lifecycle[T]) stop(se *StopError, discard bool) error {
	lc.mu.Lock()
	switch lc.state {
	case StateInitial:
		lc.mu.Unlock()
		return ErrNotStarted
	case StateStopping, StateStopped:
		lc.mu.Unlock()
		return nil
	}
	lc.state = StateStopping
	lc.reason = se
	lc.discard = discard
	lc.mu.Unlock()

	addStop(lc.name, se.Kind)
	ev := lc.logger.Info()
	if se.Kind != KindRequested {
		ev = lc.logger.Warn()
	}
	ev.Str("kind", se.Kind.String()).Str("reason", se.Reason).Msg("stopping")

	lc.notifyState(StateStopping)
	if lc.hooks.OnStopping != nil {
		lc.hooks.OnStopping(se)
	}
	lc.domain.SequenceCallback(lc.finish, nil)
	return nil
}

func (lc *Lifecycle[T]) finish(interface{}) {
	lc.mu.Lock()
	if lc.state == StateStopped {
		lc.mu.Unlock()
		return
	}
	lc.state = StateStopped
	reason := lc.reason
	lc.mu.Unlock()

	lc.notifyState(StateStopped)
	if lc.hooks.OnStopped != nil {
		lc.hooks.OnStopped(reason)
	}
}

// Post sequences data for OnData. It fails unless the state is StateStarting
// or StateActive; once stopping the error is ErrStopped, which also matches
// ErrNotStarted.
func (lc *Lifecycle[T]) Post(data T) error {
	lc.mu.Lock()
	st := lc.state
	lc.mu.Unlock()
	switch st {
	case StateInitial:
		return ErrNotStarted
	case StateStopping, StateStopped:
		return ErrStopped
	}
	lc.domain.SequenceCallback(lc.process, data)
	return nil
}

func (lc *Lifecycle[T]) process(v interface{}) {
	data, _ := v.(T)

	lc.mu.Lock()
	st, onData, discard := lc.state, lc.onData, lc.discard
	lc.mu.Unlock()
	if st == StateStopped || (st == StateStopping && discard) {
		return
	}

	if lc.hooks.OnData != nil {
		if err := lc.hooks.OnData(data); err != nil {
			lc.fail(err)
			return
		}
	}
	if onData != nil {
		lc.guard("data", func() { onData(data) })
	}
}

// fail runs the generic error path: error callback, then stop discarding
// whatever is still queued.
func (lc *Lifecycle[T]) fail(err error) {
	se := NewStopError(KindCallback, err)
	lc.mu.Lock()
	onError := lc.onError
	lc.mu.Unlock()
	if onError != nil {
		func() {
			defer func() { recover() }()
			onError(se)
		}()
	}
	lc.stop(se, true)
}

func (lc *Lifecycle[T]) notifyState(st State) {
	lc.mu.Lock()
	onState := lc.onState
	lc.mu.Unlock()
	if onState != nil {
		lc.guard("state", func() { onState(st) })
	}
}

func (lc *Lifecycle[T]) guard(what string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			lc.logger.Error().Interface("panic", p).Str("callback", what).Msg("user callback panicked")
		}
	}()
	fn()
}
