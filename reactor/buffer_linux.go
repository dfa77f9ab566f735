//go:build linux

package reactor

import (
	"sync"
)

// extraBufferSize is the size of the overflow region used by [Buffer.ReadFD].
const extraBufferSize = 64 * 1024

var extraBufferPool = sync.Pool{New: func() any { return new([extraBufferSize]byte) }}

// ReadFD reads from fd into the buffer, using a single scatter read. When
// the writable space is smaller than the 64 KiB overflow region, a second
// region catches the excess, which is then appended, so at most
// writable+64KiB bytes are consumed per call without first sizing the
// pending input. It returns 0, nil at end of stream.
func (x *Buffer) ReadFD(fd int) (int, error) {
	writable := x.WritableBytes()
	if writable >= extraBufferSize {
		n, err := readvFD(fd, [][]byte{x.buf[x.writer:]})
		if err != nil {
			return 0, err
		}
		x.writer += n
		return n, nil
	}

	extra := extraBufferPool.Get().(*[extraBufferSize]byte)
	defer extraBufferPool.Put(extra)

	n, err := readvFD(fd, [][]byte{x.buf[x.writer:], extra[:]})
	if err != nil {
		return 0, err
	}
	if n <= writable {
		x.writer += n
	} else {
		x.writer = len(x.buf)
		x.Append(extra[:n-writable])
	}
	return n, nil
}

// WriteFD writes as much of the content to fd as it accepts, without
// consuming it. Callers Retrieve the returned count.
func (x *Buffer) WriteFD(fd int) (int, error) {
	return writeFD(fd, x.Peek())
}
