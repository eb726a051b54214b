package seqnet

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	xlog "github.com/leesper/seqnet/internal/log"
)

type options struct {
	tlsCfg    *tls.Config
	seq       *Sequencer
	maxConns  int
	maxBody   int64
	limiter   *rate.Limiter
	logger    *zerolog.Logger
	onConnect func(*Conn) bool
	onMessage func(net.Buffers, *Conn)
	onClose   func(*Conn)
	onError   func(*Conn, error)
	interv    time.Duration
	sched     func(time.Time, *Conn)
}

func newOptions(opt []ServerOption) *options {
	opts := &options{
		maxConns: MaxConnections,
		maxBody:  DefaultMaxBodyBytes,
	}
	for _, o := range opt {
		o(opts)
	}
	return opts
}

// ServerOption sets server and connection options.
type ServerOption func(*options)

// TLSCredsOption returns a ServerOption that will set TLS credentials for
// connections. Dial uses it as the client configuration.
func TLSCredsOption(config *tls.Config) ServerOption {
	return func(o *options) {
		o.tlsCfg = config
	}
}

// UseSequencerOption returns a ServerOption that sequences every connection
// on seq instead of a sequencer of the server's own.
func UseSequencerOption(seq *Sequencer) ServerOption {
	return func(o *options) {
		o.seq = seq
	}
}

// MaxConnectionsOption returns a ServerOption that caps concurrent
// connections. Connections accepted beyond the cap are closed at once.
func MaxConnectionsOption(n int) ServerOption {
	return func(o *options) {
		if n > 0 {
			o.maxConns = n
		}
	}
}

// MaxBodyBytesOption returns a ServerOption that bounds the size of one
// received message. n <= 0 lifts the bound.
func MaxBodyBytesOption(n int64) ServerOption {
	return func(o *options) {
		o.maxBody = n
	}
}

// AcceptRateOption returns a ServerOption that limits how fast connections
// are accepted.
func AcceptRateOption(r rate.Limit, burst int) ServerOption {
	return func(o *options) {
		o.limiter = rate.NewLimiter(r, burst)
	}
}

// ServerLoggerOption returns a ServerOption that sets the logger connections
// derive theirs from.
func ServerLoggerOption(l zerolog.Logger) ServerOption {
	return func(o *options) {
		o.logger = &l
	}
}

// OnConnectOption sets callback to invoke when a connection started.
// Returning false closes the connection.
func OnConnectOption(cb func(*Conn) bool) ServerOption {
	return func(o *options) {
		o.onConnect = cb
	}
}

// OnMessageOption sets callback to invoke for every received message. It
// runs inside the connection's receive domain, so messages of one
// connection are handled one at a time and in order.
func OnMessageOption(cb func(net.Buffers, *Conn)) ServerOption {
	return func(o *options) {
		o.onMessage = cb
	}
}

// OnCloseOption sets callback to invoke once a connection fully stopped.
func OnCloseOption(cb func(*Conn)) ServerOption {
	return func(o *options) {
		o.onClose = cb
	}
}

// OnErrorOption sets callback to invoke when a stage of a connection fails.
func OnErrorOption(cb func(*Conn, error)) ServerOption {
	return func(o *options) {
		o.onError = cb
	}
}

// OnScheduleOption sets callback to invoke every interval on each
// connection, as with Conn.RunEvery.
func OnScheduleOption(interval time.Duration, cb func(time.Time, *Conn)) ServerOption {
	return func(o *options) {
		o.interv = interval
		o.sched = cb
	}
}

// Server accepts framed connections.
type Server struct {
	opts   *options
	seq    *Sequencer
	ownSeq bool
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger

	netid  atomic.Int64
	conns  *ConnMap
	timing *TimingWheel
	wg     sync.WaitGroup
	loops  sync.WaitGroup

	mu  sync.Mutex // guards following
	lis map[net.Listener]bool
}

// NewServer returns a new server which has not started to serve requests yet.
func NewServer(opt ...ServerOption) *Server {
	opts := newOptions(opt)
	s := &Server{
		opts:   opts,
		seq:    opts.seq,
		conns:  NewConnMap(),
		timing: NewTimingWheel(),
		lis:    make(map[net.Listener]bool),
		logger: xlog.WithComponent("server"),
	}
	if opts.logger != nil {
		s.logger = *opts.logger
	}
	if s.seq == nil {
		s.seq = NewSequencer(WithSequencerName("server"))
		s.ownSeq = true
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Sequencer returns the sequencer connections are sequenced on.
func (s *Server) Sequencer() *Sequencer {
	return s.seq
}

// Conns returns the live connections.
func (s *Server) Conns() *ConnMap {
	return s.conns
}

// Start accepts connections on l and starts a pipeline for each. It returns
// when l fails with a non temporary error or the server is stopped, in which
// case the error is ErrServerClosed. l is closed when Start returns.
func (s *Server) Start(l net.Listener) error {
	s.mu.Lock()
	if s.lis == nil {
		s.mu.Unlock()
		l.Close()
		return ErrServerClosed
	}
	s.lis[l] = true
	s.loops.Add(1)
	s.mu.Unlock()

	defer func() {
		defer s.loops.Done()
		s.mu.Lock()
		if s.lis != nil && s.lis[l] {
			l.Close()
			delete(s.lis, l)
		}
		s.mu.Unlock()
	}()

	s.logger.Info().Str("net", l.Addr().Network()).Str("addr", l.Addr().String()).Msg("server start")

	var tempDelay time.Duration
	for {
		if lim := s.opts.limiter; lim != nil {
			if err := lim.Wait(s.ctx); err != nil {
				return ErrServerClosed
			}
		}

		rawConn, err := l.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return ErrServerClosed
			}
			if te, ok := err.(interface{ Temporary() bool }); ok && te.Temporary() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := 1 * time.Second; tempDelay >= max {
					tempDelay = max
				}
				s.logger.Error().Err(err).Dur("retry_in", tempDelay).Msg("accept error")
				select {
				case <-time.After(tempDelay):
				case <-s.ctx.Done():
				}
				continue
			}
			return err
		}
		tempDelay = 0

		// how many connections do we have ?
		sz := s.conns.Size()
		if sz >= s.opts.maxConns {
			s.logger.Warn().Int("size", sz).Msg("max connections reached, refuse")
			rawConn.Close()
			continue
		}

		if s.opts.tlsCfg != nil {
			rawConn = tls.Server(rawConn, s.opts.tlsCfg)
		}
		s.serve(rawConn)
	}
}

func (s *Server) serve(rawConn net.Conn) {
	netid := s.netid.Add(1)
	c, err := newConn(netid, rawConn, s.opts, s.seq, s.timing, s.connGone)
	if err != nil {
		s.logger.Error().Err(err).Msg("assemble conn")
		rawConn.Close()
		return
	}

	s.conns.Put(netid, c)
	addTotalConn(1)
	s.wg.Add(1)
	if err := c.start(); err != nil {
		s.logger.Error().Err(err).Int64("netid", netid).Msg("start conn")
		s.conns.Remove(netid)
		addTotalConn(-1)
		s.wg.Done()
		rawConn.Close()
		return
	}
	s.logger.Info().Int64("netid", netid).Str("remote", rawConn.RemoteAddr().String()).
		Int("total", s.conns.Size()).Msg("accepted client")
}

func (s *Server) connGone(c *Conn) {
	s.conns.Remove(c.NetID())
	addTotalConn(-1)
	s.wg.Done()
}

// Stop closes every listener, closes every connection gracefully and waits
// until all of them stopped. It must not be called from a callback sequenced
// on the server's sequencer.
func (s *Server) Stop() {
	s.cancel()

	s.mu.Lock()
	listeners := s.lis
	s.lis = nil
	s.mu.Unlock()

	for l := range listeners {
		l.Close()
		s.logger.Info().Str("addr", l.Addr().String()).Msg("stop accepting")
	}
	s.loops.Wait()

	for _, c := range s.conns.Snapshot() {
		c.Close("server stopped")
	}

	s.wg.Wait()
	s.timing.Stop()
	if s.ownSeq {
		s.seq.Drain(context.Background())
	}
	s.logger.Info().Msg("server stopped")
}

// LoadTLSConfig returns a server TLS configuration using the key pair in
// certFile and keyFile.
func LoadTLSConfig(certFile, keyFile string, isSkipVerify bool) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: isSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}, nil
}
