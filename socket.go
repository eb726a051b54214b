package seqnet

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

type socketOpKind int

const (
	opRecv socketOpKind = iota
	opSend
	opFault
)

type socketOp struct {
	kind socketOpKind
	bufs net.Buffers
	err  error
}

// SocketHandler adapts a connected net.Conn to RecvServer and SendServer.
// A reader goroutine peeks each frame's header to learn its size, reads the
// whole frame and posts it into the handler's domain, which delivers it,
// header included, to the receive client as a single slice. The next frame
// is read only after the receive client took the current one. Writes run
// inside the domain too, so delivery, writes and state changes never overlap.
type SocketHandler struct {
	lc         *Lifecycle[socketOp]
	conn       net.Conn
	br         *bufio.Reader
	recvClient RecvClient
	sendClient SendClient
	maxBody    int64

	delivered chan struct{} // one token per frame handed to the receive client
	hold      bool          // the token comes from release, not from Recv returning
	quit      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewSocketHandler returns a handler for conn sequenced on domain.
func NewSocketHandler(domain Domain, conn net.Conn, opt ...LifecycleOption) *SocketHandler {
	h := &SocketHandler{
		conn:      conn,
		maxBody:   MaxBodyLen,
		delivered: make(chan struct{}, 1),
		quit:      make(chan struct{}),
	}
	if conn != nil {
		h.br = bufio.NewReader(conn)
	}
	h.lc = NewLifecycle(domain, Hooks[socketOp]{
		Validate:   h.validate,
		OnActive:   h.onActive,
		OnStopping: h.onStopping,
		OnStopped:  h.onStopped,
		OnData:     h.onData,
	}, append([]LifecycleOption{NameOption("socket")}, opt...)...)
	return h
}

// State returns the lifecycle state.
func (h *SocketHandler) State() State {
	return h.lc.State()
}

// SetOnError sets the callback for faults raised while active.
func (h *SocketHandler) SetOnError(cb func(error)) error {
	return h.lc.SetOnError(cb)
}

// SetOnStateChange sets the callback for state transitions.
func (h *SocketHandler) SetOnStateChange(cb func(State)) error {
	return h.lc.SetOnStateChange(cb)
}

// SetRecvClient sets the stage frames are delivered to.
func (h *SocketHandler) SetRecvClient(c RecvClient) error {
	return h.lc.whileInitial(func() { h.recvClient = c })
}

// SetSendClient sets the stage told when the handler stops.
func (h *SocketHandler) SetSendClient(c SendClient) error {
	return h.lc.whileInitial(func() { h.sendClient = c })
}

// SetMaxBodyBytes bounds the frame body the reader will allocate for. By
// default, and for n <= 0, it is anything a header can describe.
func (h *SocketHandler) SetMaxBodyBytes(n int64) error {
	if n <= 0 || n > MaxBodyLen {
		n = MaxBodyLen
	}
	return h.lc.whileInitial(func() { h.maxBody = n })
}

// RemoteAddr returns the peer address.
func (h *SocketHandler) RemoteAddr() net.Addr {
	if h.conn == nil {
		return nil
	}
	return h.conn.RemoteAddr()
}

// LocalAddr returns the local address.
func (h *SocketHandler) LocalAddr() net.Addr {
	if h.conn == nil {
		return nil
	}
	return h.conn.LocalAddr()
}

func (h *SocketHandler) validate() error {
	if h.recvClient == nil {
		return NewStopError(KindConfig, fmt.Errorf("socket: %w: receive client", ErrPeerNotSet))
	}
	if h.sendClient == nil {
		return NewStopError(KindConfig, fmt.Errorf("socket: %w: send client", ErrPeerNotSet))
	}
	if h.conn == nil || h.conn.RemoteAddr() == nil {
		return NewStopError(KindConfig, ErrNotConnected)
	}
	return nil
}

// Start starts the handler; the reader goroutine starts once active.
func (h *SocketHandler) Start() error {
	return h.lc.Start()
}

// Stop stops the handler. Writes already accepted are flushed before the
// socket is closed.
func (h *SocketHandler) Stop(reason string) error {
	return h.lc.Stop(reason)
}

// holdUntilReleased makes the reader wait for release instead of the receive
// client's Recv returning. Recv of the next stage may only queue the frame;
// its owner calls release once the frame has really been consumed.
func (h *SocketHandler) holdUntilReleased() error {
	return h.lc.whileInitial(func() { h.hold = true })
}

// release lets the reader read the next frame.
func (h *SocketHandler) release() {
	select {
	case h.delivered <- struct{}{}:
	default:
	}
}

// stopWith stops with the reason of the stage above. Writes already accepted
// are still flushed.
func (h *SocketHandler) stopWith(se *StopError) error {
	return h.lc.stop(se, false)
}

// Send writes b as is.
func (h *SocketHandler) Send(b []byte) error {
	return h.lc.Post(socketOp{kind: opSend, bufs: net.Buffers{b}})
}

// SendRange writes b[offset:offset+size].
func (h *SocketHandler) SendRange(b []byte, offset, size int) error {
	s, err := sliceRange(b, offset, size)
	if err != nil {
		return err
	}
	return h.lc.Post(socketOp{kind: opSend, bufs: net.Buffers{s}})
}

// SendBuffers writes bufs with a single gathered write where supported.
func (h *SocketHandler) SendBuffers(bufs net.Buffers) error {
	return h.lc.Post(socketOp{kind: opSend, bufs: bufs})
}

func (h *SocketHandler) onActive() {
	h.wg.Add(1)
	go h.readLoop()
}

/* readLoop() blocking read from connection, one whole frame at a time, then
post it into the domain and wait until it has been delivered */
func (h *SocketHandler) readLoop() {
	defer func() {
		if p := recover(); p != nil {
			h.lc.Logger().Error().Interface("panic", p).Msg("read loop panicked")
		}
		h.wg.Done()
	}()

	for {
		frame, err := h.readFrame()
		if err != nil {
			if h.lc.State() >= StateStopping {
				return
			}
			h.lc.Post(socketOp{kind: opFault, err: err})
			return
		}
		if err := h.lc.Post(socketOp{kind: opRecv, bufs: net.Buffers{frame}}); err != nil {
			return
		}
		select {
		case <-h.delivered:
		case <-h.quit:
			return
		}
	}
}

func (h *SocketHandler) readFrame() ([]byte, error) {
	hdr, err := h.br.Peek(HeaderLen)
	if err != nil {
		return nil, readError(err)
	}
	n, err := ParseHeader(hdr)
	if err != nil {
		return nil, NewStopError(KindFraming, err)
	}
	if n > h.maxBody {
		return nil, framingf(ErrFrameTooLarge, "%d > %d bytes", n, h.maxBody)
	}
	frame := make([]byte, HeaderLen+n)
	if _, err := io.ReadFull(h.br, frame); err != nil {
		return nil, readError(err)
	}
	return frame, nil
}

func readError(err error) error {
	if errors.Is(err, io.EOF) {
		return NewStopError(KindTransport, fmt.Errorf("connection closed by peer: %w", err))
	}
	return NewStopError(KindTransport, fmt.Errorf("read: %w", err))
}

func (h *SocketHandler) onData(op socketOp) error {
	switch op.kind {
	case opFault:
		return op.err
	case opRecv:
		err := h.recvClient.Recv(op.bufs)
		if !h.hold {
			h.release()
		}
		if err != nil {
			return NewStopError(KindCallback, err)
		}
	case opSend:
		if _, err := op.bufs.WriteTo(h.conn); err != nil {
			h.closeConn()
			return NewStopError(KindTransport, fmt.Errorf("write: %w", err))
		}
	}
	return nil
}

// onStopping runs outside the domain: it only kicks the reader out of its
// blocking read. The socket itself is closed in onStopped, after any write
// sequenced before the stop.
func (h *SocketHandler) onStopping(error) {
	close(h.quit)
	h.conn.SetReadDeadline(time.Now())
}

func (h *SocketHandler) onStopped(reason error) {
	h.closeConn()
	h.wg.Wait()
	h.recvClient.RecvStopped(reason)
	h.sendClient.SendStopped(reason)
}

func (h *SocketHandler) closeConn() {
	h.closeOnce.Do(func() {
		if err := h.conn.Close(); err != nil {
			h.lc.Logger().Debug().Err(err).Msg("close socket")
		}
	})
}
