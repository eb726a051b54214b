package seqnet

import (
	"fmt"
	"net"
)

// Wire format: |10 ASCII decimal digits, zero padded|body|. The header is the
// body length in bytes. There is no delimiter and no checksum.

// AppendHeader appends the header describing a body of n bytes to dst.
func AppendHeader(dst []byte, n int64) ([]byte, error) {
	if n < 0 || n > MaxBodyLen {
		return dst, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	var buf [HeaderLen]byte
	for i := HeaderLen - 1; i >= 0; i-- {
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return append(dst, buf[:]...), nil
}

// ParseHeader returns the body length encoded in h, which must be exactly
// HeaderLen decimal digits.
func ParseHeader(h []byte) (int64, error) {
	if len(h) != HeaderLen {
		return 0, fmt.Errorf("%w: %d bytes", ErrBadHeader, len(h))
	}
	var n int64
	for _, c := range h {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("%w: %q", ErrBadHeader, h)
		}
		n = n*10 + int64(c-'0')
	}
	return n, nil
}

// PacketSender frames messages. Each message handed to one of its Send
// methods leaves as one header slice followed by the message's own slices.
type PacketSender struct {
	lc     *Lifecycle[net.Buffers]
	server SendServer
	client SendClient
}

// NewPacketSender returns a sender sequenced on domain.
func NewPacketSender(domain Domain, opt ...LifecycleOption) *PacketSender {
	ps := &PacketSender{}
	ps.lc = NewLifecycle(domain, Hooks[net.Buffers]{
		Validate:  ps.validate,
		OnStopped: ps.onStopped,
		OnData:    ps.onData,
	}, append([]LifecycleOption{NameOption("packet_sender")}, opt...)...)
	return ps
}

// Lifecycle exposes the state machine, e.g. to set callbacks.
func (ps *PacketSender) Lifecycle() *Lifecycle[net.Buffers] {
	return ps.lc
}

// SetServer sets the transport framed messages are written to.
func (ps *PacketSender) SetServer(s SendServer) error {
	return ps.lc.whileInitial(func() { ps.server = s })
}

// SetClient sets the stage told when the sender stops.
func (ps *PacketSender) SetClient(c SendClient) error {
	return ps.lc.whileInitial(func() { ps.client = c })
}

func (ps *PacketSender) validate() error {
	if ps.server == nil {
		return NewStopError(KindConfig, fmt.Errorf("packet sender: %w: server", ErrPeerNotSet))
	}
	if ps.client == nil {
		return NewStopError(KindConfig, fmt.Errorf("packet sender: %w: client", ErrPeerNotSet))
	}
	return nil
}

// Start starts the sender. The server is started by its owner.
func (ps *PacketSender) Start() error {
	return ps.lc.Start()
}

// Stop stops the sender, its server, and notifies its client.
func (ps *PacketSender) Stop(reason string) error {
	return ps.lc.Stop(reason)
}

// Send frames b as one message.
func (ps *PacketSender) Send(b []byte) error {
	return ps.lc.Post(net.Buffers{b})
}

// SendRange frames b[offset:offset+size] as one message.
func (ps *PacketSender) SendRange(b []byte, offset, size int) error {
	s, err := sliceRange(b, offset, size)
	if err != nil {
		return err
	}
	return ps.lc.Post(net.Buffers{s})
}

// SendBuffers frames the concatenation of bufs as one message.
func (ps *PacketSender) SendBuffers(bufs net.Buffers) error {
	return ps.lc.Post(bufs)
}

// SendStopped implements SendClient. Messages not yet written are dropped.
func (ps *PacketSender) SendStopped(reason error) {
	ps.lc.stop(NewStopError(KindTransport, reason), true)
}

func (ps *PacketSender) onData(bufs net.Buffers) error {
	n := BuffersLen(bufs)
	hdr, err := AppendHeader(make([]byte, 0, HeaderLen), n)
	if err != nil {
		return NewStopError(KindFraming, err)
	}
	framed := make(net.Buffers, 0, len(bufs)+1)
	framed = append(framed, hdr)
	framed = append(framed, bufs...)
	if err := ps.server.SendBuffers(framed); err != nil {
		return NewStopError(KindTransport, err)
	}
	addFrame(dirOut, n)
	return nil
}

// stopper is a server that can be stopped with the sender's own reason, so
// the kind of the fault travels down the pipeline.
type stopper interface {
	stopWith(se *StopError) error
}

func (ps *PacketSender) onStopped(reason error) {
	if s, ok := ps.server.(stopper); ok {
		s.stopWith(NewStopError(KindCallback, reason))
	} else {
		ps.server.Stop(reason.Error())
	}
	ps.client.SendStopped(reason)
}

// PacketRecver reassembles messages from arbitrarily split slices. A single
// Recv may complete no message, one, or several; each is handed to the client
// as the list of slices it spans, header removed, without copying.
type PacketRecver struct {
	lc      *Lifecycle[net.Buffers]
	client  RecvClient
	maxBody int64

	// touched only inside the domain
	queue    sliceQueue
	required int64 // header plus body of the pending frame, 0 while the header is pending
	hdr      [HeaderLen]byte
}

// NewPacketRecver returns a receiver sequenced on domain.
func NewPacketRecver(domain Domain, opt ...LifecycleOption) *PacketRecver {
	pr := &PacketRecver{maxBody: MaxBodyLen}
	pr.lc = NewLifecycle(domain, Hooks[net.Buffers]{
		Validate:  pr.validate,
		OnStopped: pr.onStopped,
		OnData:    pr.onData,
	}, append([]LifecycleOption{NameOption("packet_recver")}, opt...)...)
	return pr
}

// Lifecycle exposes the state machine, e.g. to set callbacks.
func (pr *PacketRecver) Lifecycle() *Lifecycle[net.Buffers] {
	return pr.lc
}

// SetClient sets the stage reassembled messages are delivered to.
func (pr *PacketRecver) SetClient(c RecvClient) error {
	return pr.lc.whileInitial(func() { pr.client = c })
}

// SetMaxBodyBytes bounds the body of a single frame; a larger header is a
// framing fault. By default, and for n <= 0, it is anything a header can
// describe.
func (pr *PacketRecver) SetMaxBodyBytes(n int64) error {
	if n <= 0 || n > MaxBodyLen {
		n = MaxBodyLen
	}
	return pr.lc.whileInitial(func() { pr.maxBody = n })
}

func (pr *PacketRecver) validate() error {
	if pr.client == nil {
		return NewStopError(KindConfig, fmt.Errorf("packet recver: %w: client", ErrPeerNotSet))
	}
	return nil
}

// Start starts the receiver.
func (pr *PacketRecver) Start() error {
	return pr.lc.Start()
}

// Stop stops the receiver and notifies its client.
func (pr *PacketRecver) Stop(reason string) error {
	return pr.lc.Stop(reason)
}

// Recv implements RecvClient.
func (pr *PacketRecver) Recv(msg net.Buffers) error {
	return pr.lc.Post(msg)
}

// RecvStopped implements RecvClient. Slices received before are still
// reassembled and delivered.
func (pr *PacketRecver) RecvStopped(reason error) {
	pr.lc.stop(NewStopError(KindTransport, reason), false)
}

func (pr *PacketRecver) onData(bufs net.Buffers) error {
	pr.queue.push(bufs)
	for {
		if pr.required == 0 {
			if pr.queue.len() < HeaderLen {
				return nil
			}
			pr.queue.peek(pr.hdr[:])
			n, err := ParseHeader(pr.hdr[:])
			if err != nil {
				return NewStopError(KindFraming, err)
			}
			if n > pr.maxBody {
				return framingf(ErrFrameTooLarge, "%d > %d bytes", n, pr.maxBody)
			}
			pr.required = HeaderLen + n
		}

		if pr.queue.len() < pr.required {
			return nil
		}
		frame, err := pr.queue.take(pr.required)
		if err != nil {
			return err
		}
		n := pr.required - HeaderLen
		pr.required = 0
		body := skip(frame, HeaderLen)
		addFrame(dirIn, n)
		pr.lc.guard("recv", func() { err = pr.client.Recv(body) })
		if err != nil {
			return NewStopError(KindCallback, err)
		}
	}
}

func (pr *PacketRecver) onStopped(reason error) {
	pr.queue = sliceQueue{}
	pr.required = 0
	pr.client.RecvStopped(reason)
}
