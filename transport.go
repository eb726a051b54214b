package seqnet

import (
	"net"
)

// Pipeline stages are chained through four small contracts. A stage that
// feeds data upward is a RecvServer to the stage above it, which is its
// RecvClient; a stage that pushes data downward calls a SendServer and is
// told of the server's stop as its SendClient:
//
//	SocketHandler --Recv--> PacketRecver --Recv--> application
//	application --Send--> PacketSender --Send--> SocketHandler
//
// Stop notifications travel to the neighbour as a *StopError; faults never
// cross a stage boundary as a returned error except for API misuse.

// RecvClient accepts messages delivered by a RecvServer.
type RecvClient interface {
	// Recv takes ownership of msg.
	Recv(msg net.Buffers) error
	RecvStopped(reason error)
}

// SendClient is told when the SendServer it writes to has stopped.
type SendClient interface {
	SendStopped(reason error)
}

// RecvServer is a stage delivering messages to a RecvClient.
type RecvServer interface {
	Start() error
	Stop(reason string) error
}

// SendServer is a stage accepting messages for transmission. The slices
// passed to any Send method belong to the server from then on.
type SendServer interface {
	RecvServer
	Send(b []byte) error
	SendRange(b []byte, offset, size int) error
	SendBuffers(bufs net.Buffers) error
}

// sliceRange returns b[offset:offset+size] or ErrBadRange.
func sliceRange(b []byte, offset, size int) ([]byte, error) {
	if offset < 0 || size < 0 || offset > len(b) || size > len(b)-offset {
		return nil, ErrBadRange
	}
	return b[offset : offset+size : offset+size], nil
}
