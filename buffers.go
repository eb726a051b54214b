package seqnet

import (
	"net"
)

// BuffersLen returns the total number of bytes in bufs.
func BuffersLen(bufs net.Buffers) int64 {
	var n int64
	for _, b := range bufs {
		n += int64(len(b))
	}
	return n
}

// Flatten copies bufs into one contiguous slice. A single slice is returned
// as is.
func Flatten(bufs net.Buffers) []byte {
	if len(bufs) == 1 {
		return bufs[0]
	}
	out := make([]byte, 0, BuffersLen(bufs))
	for _, b := range bufs {
		out = append(out, b...)
	}
	return out
}

// sliceQueue is a FIFO of byte slices with a byte count. Taking bytes out of
// it splits slices instead of copying them.
type sliceQueue struct {
	bufs net.Buffers
	size int64
}

func (q *sliceQueue) push(bufs net.Buffers) {
	for _, b := range bufs {
		if len(b) == 0 {
			continue
		}
		q.bufs = append(q.bufs, b)
		q.size += int64(len(b))
	}
}

func (q *sliceQueue) len() int64 {
	return q.size
}

// peek copies the first len(dst) bytes into dst without consuming them. The
// caller checks q.len() first.
func (q *sliceQueue) peek(dst []byte) int {
	n := 0
	for _, b := range q.bufs {
		if n == len(dst) {
			break
		}
		n += copy(dst[n:], b)
	}
	return n
}

// take removes exactly n bytes from the front and returns them as a list of
// views into the queued slices. The byte count must cover n and must agree
// with what was actually taken; a mismatch is ErrAccounting.
func (q *sliceQueue) take(n int64) (net.Buffers, error) {
	if n < 0 || n > q.size {
		return nil, framingf(ErrAccounting, "want %d bytes, %d enqueued", n, q.size)
	}
	var (
		out   net.Buffers
		taken int64
		i     int
	)
	for i < len(q.bufs) && taken < n {
		b := q.bufs[i]
		rest := n - taken
		if int64(len(b)) <= rest {
			out = append(out, b)
			taken += int64(len(b))
			q.bufs[i] = nil
			i++
			continue
		}
		out = append(out, b[:rest:rest])
		q.bufs[i] = b[rest:]
		taken += rest
	}
	q.bufs = q.bufs[i:]
	if len(q.bufs) == 0 {
		q.bufs = nil
	}
	if taken != n {
		return nil, framingf(ErrAccounting, "took %d of %d bytes, %d enqueued", taken, n, q.size)
	}
	q.size -= n
	return out, nil
}

// skip drops the first n bytes of bufs, splitting the slice that straddles
// the boundary.
func skip(bufs net.Buffers, n int) net.Buffers {
	for len(bufs) > 0 && n > 0 {
		if len(bufs[0]) <= n {
			n -= len(bufs[0])
			bufs = bufs[1:]
			continue
		}
		bufs[0] = bufs[0][n:]
		n = 0
	}
	return bufs
}
