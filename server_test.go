package seqnet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type testServer struct {
	*Server
	addr string
	errc chan error
}

func startServer(t *testing.T, opt ...ServerOption) *testServer {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ts := &testServer{
		Server: NewServer(opt...),
		addr:   l.Addr().String(),
		errc:   make(chan error, 1),
	}
	go func() { ts.errc <- ts.Start(l) }()
	return ts
}

func (ts *testServer) stop(t *testing.T) {
	t.Helper()
	ts.Stop()
	select {
	case err := <-ts.errc:
		assert.ErrorIs(t, err, ErrServerClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return")
	}
}

func echo(msg net.Buffers, c *Conn) {
	c.WriteBuffers(msg)
}

// inbox collects the messages of a client connection.
type inbox struct {
	mu   sync.Mutex
	msgs []string
}

func (in *inbox) onMessage(msg net.Buffers, c *Conn) {
	in.mu.Lock()
	in.msgs = append(in.msgs, string(Flatten(msg)))
	in.mu.Unlock()
}

func (in *inbox) get() []string {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]string(nil), in.msgs...)
}

func dial(t *testing.T, addr string, opt ...ServerOption) *Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, "tcp", addr, opt...)
	require.NoError(t, err)
	return c
}

func waitDone(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("%s did not stop", c)
	}
}

func TestServerEcho(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	framesIn := testutil.ToFloat64(framesTotal.WithLabelValues(dirIn))
	ts := startServer(t, OnMessageOption(echo))

	var in inbox
	c := dial(t, ts.addr, OnMessageOption(in.onMessage))
	var want []string
	for i := 0; i < 100; i++ {
		msg := fmt.Sprintf("hello %d", i)
		want = append(want, msg)
		require.NoError(t, c.Write([]byte(msg)))
	}
	require.NoError(t, c.WriteBuffers(net.Buffers{[]byte("split "), []byte("message")}))
	want = append(want, "split message")

	eventually(t, func() bool { return len(in.get()) == len(want) }, "all echoes received")
	assert.Equal(t, want, in.get())
	assert.Equal(t, 1, ts.Conns().Size())
	assert.NotEmpty(t, c.SessionID())
	assert.Equal(t, ts.addr, c.RemoteAddr().String())

	c.Close("done")
	waitDone(t, c)
	assert.Equal(t, KindRequested, KindOf(c.Err()))
	eventually(t, func() bool { return ts.Conns().IsEmpty() }, "server side closed")

	ts.stop(t)
	assert.GreaterOrEqual(t, testutil.ToFloat64(framesTotal.WithLabelValues(dirIn))-framesIn, float64(2*len(want)))
}

func TestServerStopClosesConns(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var closed atomic.Int32
	ts := startServer(t,
		OnMessageOption(echo),
		OnCloseOption(func(*Conn) { closed.Add(1) }),
	)

	var clients []*Conn
	for i := 0; i < 3; i++ {
		clients = append(clients, dial(t, ts.addr))
	}
	eventually(t, func() bool { return ts.Conns().Size() == 3 }, "three conns accepted")

	ts.stop(t)
	assert.Equal(t, int32(3), closed.Load())
	assert.True(t, ts.Conns().IsEmpty())
	for _, c := range clients {
		waitDone(t, c)
		assert.Equal(t, KindTransport, KindOf(c.Err()))
	}

	// a stopped server refuses to start again
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	assert.ErrorIs(t, ts.Start(l), ErrServerClosed)
}

func TestServerRejectOnConnect(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ts := startServer(t, OnConnectOption(func(*Conn) bool { return false }))
	c := dial(t, ts.addr)
	waitDone(t, c)
	eventually(t, func() bool { return ts.Conns().IsEmpty() }, "rejected conn removed")
	ts.stop(t)
}

func TestServerMaxConnections(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ts := startServer(t, MaxConnectionsOption(1), OnMessageOption(echo))
	first := dial(t, ts.addr)
	eventually(t, func() bool { return ts.Conns().Size() == 1 }, "first conn accepted")

	second := dial(t, ts.addr)
	waitDone(t, second)
	assert.Equal(t, KindTransport, KindOf(second.Err()))

	require.NoError(t, first.Write([]byte("still here")))
	select {
	case <-first.Done():
		t.Fatal("first conn closed")
	case <-time.After(50 * time.Millisecond):
	}

	first.Close("done")
	waitDone(t, first)
	ts.stop(t)
}

func TestServerMaxBodyBytes(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var mu sync.Mutex
	var serverErrs []error
	ts := startServer(t,
		MaxBodyBytesOption(16),
		OnMessageOption(echo),
		OnErrorOption(func(_ *Conn, err error) {
			mu.Lock()
			serverErrs = append(serverErrs, err)
			mu.Unlock()
		}),
	)
	c := dial(t, ts.addr)
	require.NoError(t, c.Write(make([]byte, 17)))
	waitDone(t, c)

	ts.stop(t)
	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, serverErrs)
	assert.ErrorIs(t, serverErrs[0], ErrFrameTooLarge)
}

func TestConnCloseFlushesWrites(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	const n = 50
	ts := startServer(t, OnMessageOption(func(msg net.Buffers, c *Conn) {
		for i := 0; i < n; i++ {
			c.Write([]byte(fmt.Sprint(i)))
		}
		c.Close("said everything")
	}))

	var in inbox
	c := dial(t, ts.addr, OnMessageOption(in.onMessage))
	require.NoError(t, c.Write([]byte("talk to me")))
	waitDone(t, c)

	got := in.get()
	require.Len(t, got, n, "every reply written before Close arrives")
	for i, msg := range got {
		assert.Equal(t, fmt.Sprint(i), msg)
	}
	ts.stop(t)
}

func TestConnSlowHandlerHoldsBackReads(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	const n = 100
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	var handled atomic.Int32
	ts := startServer(t, OnMessageOption(func(msg net.Buffers, c *Conn) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		handled.Add(1)
	}))

	c := dial(t, ts.addr)
	framesIn := testutil.ToFloat64(framesTotal.WithLabelValues(dirIn))
	body := make([]byte, 64<<10)
	for i := 0; i < n; i++ {
		require.NoError(t, c.Write(body))
	}

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first message not handled")
	}
	time.Sleep(50 * time.Millisecond)
	read := testutil.ToFloat64(framesTotal.WithLabelValues(dirIn)) - framesIn
	assert.LessOrEqual(t, read, float64(2), "server read ahead of a blocked handler")

	close(release)
	eventually(t, func() bool { return handled.Load() == n }, "every message handled")

	c.Close("done")
	waitDone(t, c)
	ts.stop(t)
}

func TestConnTimers(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var ticks atomic.Int32
	ts := startServer(t, OnScheduleOption(10*time.Millisecond, func(time.Time, *Conn) { ticks.Add(1) }))
	c := dial(t, ts.addr)
	eventually(t, func() bool { return ticks.Load() >= 3 }, "scheduled callback ran")

	fired := make(chan time.Time, 1)
	id := c.RunAt(time.Now().Add(10*time.Millisecond), func(now time.Time, conn *Conn) {
		assert.Same(t, c, conn)
		fired <- now
	})
	assert.NotZero(t, id)
	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("RunAt did not fire")
	}

	var every atomic.Int32
	id = c.RunEvery(10*time.Millisecond, func(time.Time, *Conn) { every.Add(1) })
	eventually(t, func() bool { return every.Load() >= 2 }, "RunEvery fired")
	c.CancelTimer(id)
	time.Sleep(30 * time.Millisecond)
	after := every.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, every.Load(), "cancelled timer keeps firing")

	c.Close("done")
	waitDone(t, c)
	assert.Zero(t, c.RunAt(time.Now(), func(time.Time, *Conn) {}), "no timers once closed")
	ts.stop(t)
}

func TestServerSharedSequencer(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	pool := NewWorkerPool(4)
	defer pool.Close()
	seq := NewSequencer(WithSequencerName("shared"), WithExecutor(pool))

	ts := startServer(t, UseSequencerOption(seq), OnMessageOption(echo))
	assert.Same(t, seq, ts.Sequencer())

	var in inbox
	c := dial(t, ts.addr, UseSequencerOption(seq), OnMessageOption(in.onMessage))
	require.NoError(t, c.Write([]byte("ping")))
	eventually(t, func() bool { return len(in.get()) == 1 }, "echo received")

	c.Close("done")
	waitDone(t, c)
	ts.stop(t)
	require.Zero(t, seq.Wait(5*time.Second))
}

func TestDialRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = Dial(ctx, "tcp", addr)
	require.Error(t, err)
	var opErr *net.OpError
	assert.True(t, errors.As(err, &opErr))
}

func TestConnMap(t *testing.T) {
	cm := NewConnMap()
	assert.True(t, cm.IsEmpty())

	a, b := &Conn{netid: 1}, &Conn{netid: 2}
	cm.Put(a.netid, a)
	cm.Put(b.netid, b)
	assert.Equal(t, 2, cm.Size())

	got, ok := cm.Get(1)
	require.True(t, ok)
	assert.Same(t, a, got)
	assert.ElementsMatch(t, []*Conn{a, b}, cm.Snapshot())

	cm.Remove(1)
	_, ok = cm.Get(1)
	assert.False(t, ok)

	cm.Clear()
	assert.True(t, cm.IsEmpty())
}
