package seqnet

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	xlog "github.com/leesper/seqnet/internal/log"
)

var clientNetID atomic.Int64

// Conn is one framed connection: a SocketHandler feeding a PacketRecver and a
// PacketSender writing to the same SocketHandler. Each stage is sequenced on
// its own key below conn/<netid>, so reading and writing proceed
// independently while each stays in order.
//
// Conn is the application end of the pipeline: it is the PacketRecver's
// RecvClient and the PacketSender's SendClient.
type Conn struct {
	netid   int64
	session string
	opts    *options
	logger  zerolog.Logger

	socket *SocketHandler
	recver *PacketRecver
	sender *PacketSender

	recvDomain *Handle
	wheel      *TimingWheel
	ownWheel   bool
	onGone     func(*Conn)

	done    chan struct{}
	mu      sync.Mutex // guards following
	err     error
	pending int
	timers  map[int64]struct{}
}

func newConn(netid int64, raw net.Conn, opts *options, seq *Sequencer, wheel *TimingWheel, onGone func(*Conn)) (*Conn, error) {
	c := &Conn{
		netid:   netid,
		session: uuid.NewString(),
		opts:    opts,
		wheel:   wheel,
		onGone:  onGone,
		done:    make(chan struct{}),
		pending: 2,
		timers:  make(map[int64]struct{}),
	}
	base := xlog.WithComponent("conn")
	if opts.logger != nil {
		base = *opts.logger
	}
	c.logger = base.With().
		Int64("netid", netid).
		Str("session", c.session).
		Str("remote", raw.RemoteAddr().String()).
		Logger()

	prefix := fmt.Sprintf("conn/%d/", netid)
	c.recvDomain = seq.GetSequencerHandle(prefix + "recv")
	c.socket = NewSocketHandler(seq.GetSequencerHandle(prefix+"socket"), raw,
		NameOption("socket"), LoggerOption(c.logger.With().Str("stage", "socket").Logger()))
	c.recver = NewPacketRecver(c.recvDomain,
		NameOption("packet_recver"), LoggerOption(c.logger.With().Str("stage", "recv").Logger()))
	c.sender = NewPacketSender(seq.GetSequencerHandle(prefix+"send"),
		NameOption("packet_sender"), LoggerOption(c.logger.With().Str("stage", "send").Logger()))

	wiring := []error{
		c.socket.SetRecvClient(c.recver),
		c.socket.SetSendClient(c.sender),
		c.socket.SetMaxBodyBytes(opts.maxBody),
		c.socket.holdUntilReleased(),
		c.recver.SetClient(c),
		c.recver.SetMaxBodyBytes(opts.maxBody),
		c.sender.SetServer(c.socket),
		c.sender.SetClient(c),
	}
	if opts.onError != nil {
		report := func(err error) { opts.onError(c, err) }
		wiring = append(wiring,
			c.socket.SetOnError(report),
			c.recver.Lifecycle().SetOnError(report),
			c.sender.Lifecycle().SetOnError(report),
		)
	}
	for _, err := range wiring {
		if err != nil {
			return nil, err
		}
	}
	return c, nil
}

// start starts the stages bottom-up, then runs the connect callback.
func (c *Conn) start() error {
	for _, s := range []RecvServer{c.recver, c.sender, c.socket} {
		if err := s.Start(); err != nil {
			return err
		}
	}
	c.logger.Info().Msg("conn start")
	if c.opts.sched != nil {
		c.RunEvery(c.opts.interv, c.opts.sched)
	}
	if cb := c.opts.onConnect; cb != nil && !cb(c) {
		c.Close("rejected by connect callback")
	}
	return nil
}

// NetID returns the net ID of the connection.
func (c *Conn) NetID() int64 {
	return c.netid
}

// SessionID returns a random identifier for correlating logs.
func (c *Conn) SessionID() string {
	return c.session
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.socket.RemoteAddr()
}

// LocalAddr returns the local address.
func (c *Conn) LocalAddr() net.Addr {
	return c.socket.LocalAddr()
}

// String returns the remote address.
func (c *Conn) String() string {
	return fmt.Sprintf("conn %d %s", c.netid, c.RemoteAddr())
}

// Write sends b as one message. b must not be modified afterwards.
func (c *Conn) Write(b []byte) error {
	return c.sender.Send(b)
}

// WriteBuffers sends the concatenation of bufs as one message.
func (c *Conn) WriteBuffers(bufs net.Buffers) error {
	return c.sender.SendBuffers(bufs)
}

// Close stops the connection after the messages already written have been
// sent. It does not wait; see Done.
func (c *Conn) Close(reason string) {
	if err := c.sender.Stop(reason); err != nil {
		c.socket.Stop(reason)
	}
}

// Done is closed once every stage has stopped.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection stopped, nil while it runs.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// RunAt runs fn at when, inside the domain messages are delivered in. It
// returns the timer ID, 0 once the connection is closed.
func (c *Conn) RunAt(when time.Time, fn func(time.Time, *Conn)) int64 {
	return c.addTimer(when, 0, fn)
}

// RunEvery runs fn every interval like RunAt until the timer is cancelled or
// the connection closed.
func (c *Conn) RunEvery(interval time.Duration, fn func(time.Time, *Conn)) int64 {
	if interval <= 0 {
		return 0
	}
	return c.addTimer(time.Now().Add(interval), interval, fn)
}

func (c *Conn) addTimer(when time.Time, interval time.Duration, fn func(time.Time, *Conn)) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == 0 {
		return 0
	}
	var id int64
	id = c.wheel.AddTimer(c.recvDomain, when, interval, func(now time.Time) {
		if interval == 0 {
			c.mu.Lock()
			delete(c.timers, id)
			c.mu.Unlock()
		}
		fn(now, c)
	})
	c.timers[id] = struct{}{}
	return id
}

// CancelTimer cancels the timer with id.
func (c *Conn) CancelTimer(id int64) {
	c.mu.Lock()
	delete(c.timers, id)
	c.mu.Unlock()
	c.wheel.CancelTimer(id)
}

// Recv implements RecvClient. The socket reads the next frame only once the
// message callback returned.
func (c *Conn) Recv(msg net.Buffers) error {
	defer c.socket.release()
	if cb := c.opts.onMessage; cb != nil {
		cb(msg, c)
	} else {
		c.logger.Warn().Int64("bytes", BuffersLen(msg)).Msg("no onMessage callback, message dropped")
	}
	return nil
}

// RecvStopped implements RecvClient.
func (c *Conn) RecvStopped(reason error) {
	c.stageStopped(reason)
}

// SendStopped implements SendClient.
func (c *Conn) SendStopped(reason error) {
	c.stageStopped(reason)
}

func (c *Conn) stageStopped(reason error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = reason
	}
	c.pending--
	last := c.pending == 0
	var timers []int64
	if last {
		for id := range c.timers {
			timers = append(timers, id)
		}
		c.timers = nil
	}
	c.mu.Unlock()
	if !last {
		return
	}

	for _, id := range timers {
		c.wheel.CancelTimer(id)
	}
	if c.ownWheel {
		c.wheel.Stop()
	}

	c.logger.Info().Err(reason).Msg("conn close")
	if cb := c.opts.onClose; cb != nil {
		func() {
			defer func() {
				if p := recover(); p != nil {
					c.logger.Error().Interface("panic", p).Msg("close callback panicked")
				}
			}()
			cb(c)
		}()
	}
	close(c.done)
	if c.onGone != nil {
		c.onGone(c)
	}
}

// Dial connects to addr and starts a framed connection. Unless a sequencer
// is supplied with UseSequencerOption, the connection gets a sequencer of its own.
func Dial(ctx context.Context, network, addr string, opt ...ServerOption) (*Conn, error) {
	opts := newOptions(opt)

	var d net.Dialer
	raw, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if opts.tlsCfg != nil {
		tc := tls.Client(raw, opts.tlsCfg)
		if err := tc.HandshakeContext(ctx); err != nil {
			raw.Close()
			return nil, fmt.Errorf("tls handshake %s: %w", addr, err)
		}
		raw = tc
	}

	seq := opts.seq
	if seq == nil {
		seq = NewSequencer(WithSequencerName("client"))
	}
	wheel := NewTimingWheel()
	c, err := newConn(clientNetID.Add(1), raw, opts, seq, wheel, nil)
	if err != nil {
		wheel.Stop()
		raw.Close()
		return nil, err
	}
	c.ownWheel = true
	if err := c.start(); err != nil {
		wheel.Stop()
		raw.Close()
		return nil, err
	}
	return c, nil
}
