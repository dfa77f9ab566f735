package reactor

import (
	"fmt"
)

const (
	// CheapPrepend is the size of the region reserved in front of the
	// readable bytes of a new Buffer, see [Buffer.Prepend].
	CheapPrepend = 8

	// InitialBufferSize is the default writable capacity of a new Buffer.
	InitialBufferSize = 1024
)

// Buffer is a growable byte region, used for both inbound and outbound
// connection data.
//
//	+-------------------+------------------+------------------+
//	| prependable bytes |  readable bytes  |  writable bytes  |
//	|                   |     (CONTENT)    |                  |
//	+-------------------+------------------+------------------+
//	|                   |                  |                  |
//	0      <=        reader      <=      writer      <=    len(buf)
//
// A Buffer is not safe for concurrent use. Buffers owned by a [Conn] must
// only be touched from the connection's loop.
type Buffer struct {
	buf    []byte
	reader int
	writer int
}

// NewBuffer returns a Buffer with the given initial writable capacity, or
// [InitialBufferSize] if initialSize is not positive.
func NewBuffer(initialSize int) *Buffer {
	if initialSize <= 0 {
		initialSize = InitialBufferSize
	}
	return &Buffer{
		buf:    make([]byte, CheapPrepend+initialSize),
		reader: CheapPrepend,
		writer: CheapPrepend,
	}
}

// ReadableBytes returns the length of the content.
func (x *Buffer) ReadableBytes() int { return x.writer - x.reader }

// WritableBytes returns the space available after the content, without growing.
func (x *Buffer) WritableBytes() int { return len(x.buf) - x.writer }

// PrependableBytes returns the space available in front of the content.
func (x *Buffer) PrependableBytes() int { return x.reader }

// Cap returns the total size of the underlying region.
func (x *Buffer) Cap() int { return len(x.buf) }

// Peek returns the content, without consuming it. The slice aliases the
// buffer, and is only valid until the next mutating call.
func (x *Buffer) Peek() []byte { return x.buf[x.reader:x.writer] }

// Retrieve consumes n bytes of content. Consuming everything resets both
// cursors, reclaiming the whole region.
func (x *Buffer) Retrieve(n int) {
	if n < 0 {
		panic(fmt.Errorf(`reactor: buffer retrieve: negative length %d`, n))
	}
	if n < x.ReadableBytes() {
		x.reader += n
	} else {
		x.RetrieveAll()
	}
}

// RetrieveAll consumes all content.
func (x *Buffer) RetrieveAll() {
	x.reader = CheapPrepend
	x.writer = CheapPrepend
}

// RetrieveString consumes n bytes of content, returning them as a string.
// Requesting more than [Buffer.ReadableBytes] returns all content.
func (x *Buffer) RetrieveString(n int) string {
	if n > x.ReadableBytes() {
		n = x.ReadableBytes()
	}
	s := string(x.buf[x.reader : x.reader+n])
	x.Retrieve(n)
	return s
}

// RetrieveAllString consumes all content, returning it as a string.
func (x *Buffer) RetrieveAllString() string {
	return x.RetrieveString(x.ReadableBytes())
}

// Append copies data after the content, growing as necessary.
func (x *Buffer) Append(data []byte) {
	x.EnsureWritable(len(data))
	x.writer += copy(x.buf[x.writer:], data)
}

// AppendString is [Buffer.Append] for strings.
func (x *Buffer) AppendString(s string) {
	x.EnsureWritable(len(s))
	x.writer += copy(x.buf[x.writer:], s)
}

// Write implements io.Writer, it never fails.
func (x *Buffer) Write(p []byte) (int, error) {
	x.Append(p)
	return len(p), nil
}

// Prepend copies data in front of the content, e.g. to add a length header
// after a message body has been appended. It panics if data does not fit in
// [Buffer.PrependableBytes].
func (x *Buffer) Prepend(data []byte) {
	if len(data) > x.PrependableBytes() {
		panic(fmt.Errorf(`reactor: buffer prepend: %d bytes exceeds prependable %d`, len(data), x.PrependableBytes()))
	}
	x.reader -= len(data)
	copy(x.buf[x.reader:], data)
}

// EnsureWritable guarantees at least n writable bytes.
func (x *Buffer) EnsureWritable(n int) {
	if x.WritableBytes() < n {
		x.makeSpace(n)
	}
}

// String returns the content as a string, without consuming it.
func (x *Buffer) String() string { return string(x.Peek()) }

// makeSpace either shifts the content to the front, reclaiming consumed
// space, or grows the region, whichever avoids an unnecessary allocation.
func (x *Buffer) makeSpace(n int) {
	if x.WritableBytes()+x.PrependableBytes() < n+CheapPrepend {
		size := x.writer + n
		if c := 2 * len(x.buf); c > size {
			size = c
		}
		buf := make([]byte, size)
		copy(buf, x.buf[:x.writer])
		x.buf = buf
		return
	}
	readable := x.ReadableBytes()
	copy(x.buf[CheapPrepend:], x.buf[x.reader:x.writer])
	x.reader = CheapPrepend
	x.writer = CheapPrepend + readable
}
