package reactor

import (
	"bytes"
	"errors"
	"net/netip"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// ConnState is the lifecycle state of a [Conn]. Transitions only move
// forward: Connecting, Connected, Disconnecting (optional), Disconnected.
type ConnState int32

const (
	// StateConnecting means the connection has not yet been established.
	StateConnecting ConnState = iota
	// StateConnected means the connection is open for reading and writing.
	StateConnected
	// StateDisconnecting means a write-side shutdown has been requested,
	// and will happen once the outbound buffer drains.
	StateDisconnecting
	// StateDisconnected means the connection has closed.
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Conn is one established TCP connection, owned by exactly one [Loop].
//
// The owner holds a lease on the connection, taken at construction and
// given up with [Conn.Release]. Readiness dispatch only proceeds while
// some lease is live, so once the owner lets go, late readiness reports
// for the descriptor are ignored.
//
// Send, Shutdown and the read-only accessors are safe from any goroutine.
// Everything else runs on the owning loop.
type Conn struct {
	loop   *Loop
	sock   *socket
	source *EventSource
	logger *Logger

	onConnection    ConnectionCallback
	onMessage       MessageCallback
	onWriteComplete WriteCompleteCallback
	onHighWaterMark HighWaterMarkCallback
	onClose         CloseCallback

	input  *Buffer
	output *Buffer

	name  string
	local netip.AddrPort
	peer  netip.AddrPort

	highWaterMark int

	state  atomic.Int32
	leases atomic.Int64
}

var _ Tie = (*Conn)(nil)

// NewConn wraps an already connected, non-blocking descriptor. The
// connection takes ownership of fd, enables TCP keepalive, and starts in
// [StateConnecting]; call [Conn.Established] to start reading.
func NewConn(loop *Loop, name string, fd int, local, peer netip.AddrPort) *Conn {
	x := &Conn{
		loop:          loop,
		sock:          &socket{fd: fd},
		source:        NewEventSource(loop, fd),
		logger:        childLogger(loop.Logger(), "conn", name),
		onConnection:  DefaultConnectionCallback,
		onMessage:     DefaultMessageCallback,
		input:         NewBuffer(InitialBufferSize),
		output:        NewBuffer(InitialBufferSize),
		name:          name,
		local:         local,
		peer:          peer,
		highWaterMark: DefaultHighWaterMark,
	}
	x.leases.Store(1)
	x.source.SetReadHandler(x.handleRead)
	x.source.SetWriteHandler(x.handleWrite)
	x.source.SetCloseHandler(x.handleClose)
	x.source.SetErrorHandler(x.handleError)
	x.logger.Debug().Int("fd", fd).Log("connection created")
	if err := x.sock.setKeepAlive(true); err != nil {
		x.logger.Warning().Err(err).Log("failed to enable keepalive")
	}
	return x
}

// SetConnectionCallback must be called before Established.
func (x *Conn) SetConnectionCallback(fn ConnectionCallback) { x.onConnection = fn }

// SetMessageCallback must be called before Established.
func (x *Conn) SetMessageCallback(fn MessageCallback) { x.onMessage = fn }

// SetWriteCompleteCallback must be called before Established.
func (x *Conn) SetWriteCompleteCallback(fn WriteCompleteCallback) { x.onWriteComplete = fn }

// SetHighWaterMarkCallback sets the high-water callback and threshold. It
// must be called before Established.
func (x *Conn) SetHighWaterMarkCallback(fn HighWaterMarkCallback, highWaterMark int) {
	x.onHighWaterMark = fn
	x.highWaterMark = highWaterMark
}

// SetCloseCallback is for the connection's owner, see [Server].
func (x *Conn) SetCloseCallback(fn CloseCallback) { x.onClose = fn }

// Name returns the connection's name.
func (x *Conn) Name() string { return x.name }

// Loop returns the owning loop.
func (x *Conn) Loop() *Loop { return x.loop }

// LocalAddr returns the local address.
func (x *Conn) LocalAddr() netip.AddrPort { return x.local }

// PeerAddr returns the remote address.
func (x *Conn) PeerAddr() netip.AddrPort { return x.peer }

// FD returns the connection's descriptor.
func (x *Conn) FD() int { return x.sock.fd }

// State returns the current state.
func (x *Conn) State() ConnState { return ConnState(x.state.Load()) }

// Connected reports whether the state is [StateConnected].
func (x *Conn) Connected() bool { return x.State() == StateConnected }

// Disconnected reports whether the state is [StateDisconnected].
func (x *Conn) Disconnected() bool { return x.State() == StateDisconnected }

// InputBuffer returns the inbound buffer. Loop thread only.
func (x *Conn) InputBuffer() *Buffer { return x.input }

// OutputBuffer returns the outbound buffer. Loop thread only.
func (x *Conn) OutputBuffer() *Buffer { return x.output }

// SetTCPNoDelay toggles Nagle's algorithm.
func (x *Conn) SetTCPNoDelay(on bool) error {
	return x.sock.setTCPNoDelay(on)
}

// Hold takes an additional lease, failing once every lease has been
// released.
func (x *Conn) Hold() (func(), bool) {
	for {
		n := x.leases.Load()
		if n <= 0 {
			return nil, false
		}
		if x.leases.CompareAndSwap(n, n+1) {
			return x.Release, true
		}
	}
}

// Release gives up one lease. The lease taken by NewConn belongs to the
// connection's owner.
func (x *Conn) Release() {
	if x.leases.Add(-1) < 0 {
		panic(`reactor: connection lease released too many times`)
	}
}

// Send queues data for transmission, attempting a direct write first if
// nothing is already buffered. Data is ignored unless the connection is
// connected. Off the loop's thread, data is copied before being handed
// over.
func (x *Conn) Send(data []byte) {
	if !x.Connected() {
		return
	}
	if x.loop.IsInLoopThread() {
		x.sendInLoop(data)
		return
	}
	data = bytes.Clone(data)
	x.loop.ScheduleAsync(func() { x.sendInLoop(data) })
}

// SendString is Send, for a string.
func (x *Conn) SendString(data string) {
	if !x.Connected() {
		return
	}
	if x.loop.IsInLoopThread() {
		x.sendInLoop([]byte(data))
		return
	}
	x.loop.ScheduleAsync(func() { x.sendInLoop([]byte(data)) })
}

// SendBuffer sends, and consumes, the readable contents of buf.
func (x *Conn) SendBuffer(buf *Buffer) {
	if !x.Connected() {
		return
	}
	if x.loop.IsInLoopThread() {
		x.sendInLoop(buf.Peek())
		buf.RetrieveAll()
		return
	}
	data := []byte(buf.RetrieveAllString())
	x.loop.ScheduleAsync(func() { x.sendInLoop(data) })
}

func (x *Conn) sendInLoop(data []byte) {
	if x.State() == StateDisconnected {
		x.logger.Warning().Log("disconnected, give up writing")
		return
	}

	var written int
	remaining := len(data)
	var fault bool

	if !x.source.IsWriting() && x.output.ReadableBytes() == 0 {
		n, err := writeFD(x.sock.fd, data)
		switch {
		case err == nil:
			written = n
			remaining -= n
			if remaining == 0 && x.onWriteComplete != nil {
				x.loop.ScheduleAsync(func() { x.onWriteComplete(x) })
			}
		case isTemporary(err):
		default:
			x.logger.Err().Err(err).Log("send failed")
			fault = isConnectionFault(err)
		}
	}

	if fault {
		x.loop.ScheduleAsync(x.handleClose)
		return
	}

	if remaining > 0 {
		buffered := x.output.ReadableBytes()
		if buffered+remaining >= x.highWaterMark && buffered < x.highWaterMark && x.onHighWaterMark != nil {
			total := buffered + remaining
			x.loop.ScheduleAsync(func() { x.onHighWaterMark(x, total) })
		}
		x.output.Append(data[written:])
		if !x.source.IsWriting() {
			if err := x.source.setInterestInLoop(x.source.interest | EventWrite); err != nil {
				x.logger.Err().Err(err).Log("failed to enable writing")
			}
		}
	}
}

// Shutdown closes the write side once the outbound buffer drains. Inbound
// data keeps arriving until the peer closes.
func (x *Conn) Shutdown() {
	if x.state.CompareAndSwap(int32(StateConnected), int32(StateDisconnecting)) {
		x.loop.ScheduleNow(x.shutdownInLoop)
	}
}

func (x *Conn) shutdownInLoop() {
	if x.source.IsWriting() {
		return
	}
	if err := x.sock.shutdownWrite(); err != nil {
		x.logger.Err().Err(err).Log("shutdown write failed")
	}
}

// Established moves the connection to connected, ties its event source to
// its lease, starts reading, and notifies the connection callback. It is
// called once, by the owner, and always runs on the owning loop.
func (x *Conn) Established() {
	if !x.loop.IsInLoopThread() {
		x.loop.ScheduleAsync(x.Established)
		return
	}
	if !x.state.CompareAndSwap(int32(StateConnecting), int32(StateConnected)) {
		x.logger.Warning().Stringer("state", x.State()).Log("established in unexpected state")
		return
	}
	x.source.Tie(x)
	if err := x.source.setInterestInLoop(x.source.interest | EventRead); err != nil {
		x.logger.Err().Err(err).Log("failed to enable reading")
	}
	if x.onConnection != nil {
		x.onConnection(x)
	}
}

// Destroyed is the final teardown: if the connection was still open, it
// moves to disconnected and notifies the connection callback, then the
// event source is withdrawn from the loop and the descriptor closed. It is
// called once, by the owner, and always runs on the owning loop.
func (x *Conn) Destroyed() {
	if !x.loop.IsInLoopThread() {
		x.loop.ScheduleAsync(x.Destroyed)
		return
	}
	prev := ConnState(x.state.Swap(int32(StateDisconnected)))
	if prev == StateConnected || prev == StateDisconnecting {
		if err := x.source.setInterestInLoop(EventNone); err != nil {
			x.logger.Err().Err(err).Log("failed to disable events")
		}
		if x.onConnection != nil {
			x.onConnection(x)
		}
	}
	if x.loop.poller.HasSource(x.source) {
		if err := x.source.withdrawInLoop(); err != nil {
			x.logger.Err().Err(err).Log("failed to withdraw source")
		}
	}
	if err := x.sock.close(); err != nil {
		x.logger.Err().Err(err).Log("failed to close socket")
	}
	x.logger.Debug().Log("connection destroyed")
}

func (x *Conn) handleRead(receiveTime time.Time) {
	n, err := x.input.ReadFD(x.sock.fd)
	switch {
	case err == nil && n > 0:
		x.onMessage(x, x.input, receiveTime)
	case err == nil:
		x.handleClose()
	case isTemporary(err):
	default:
		x.logger.Err().Err(err).Log("read failed")
		x.handleError()
		x.handleClose()
	}
}

func (x *Conn) handleWrite() {
	if !x.source.IsWriting() {
		x.logger.Trace().Log("connection is down, no more writing")
		return
	}
	n, err := x.output.WriteFD(x.sock.fd)
	if err != nil {
		if !isTemporary(err) {
			x.logger.Err().Err(err).Log("write failed")
			if isConnectionFault(err) {
				x.loop.ScheduleAsync(x.handleClose)
			}
		}
		return
	}
	x.output.Retrieve(n)
	if x.output.ReadableBytes() != 0 {
		return
	}
	if err := x.source.setInterestInLoop(x.source.interest &^ EventWrite); err != nil {
		x.logger.Err().Err(err).Log("failed to disable writing")
	}
	if x.onWriteComplete != nil {
		x.loop.ScheduleAsync(func() { x.onWriteComplete(x) })
	}
	if x.State() == StateDisconnecting {
		x.shutdownInLoop()
	}
}

// handleClose runs at most once per connection: it disables all interest,
// moves to disconnected, then notifies the connection and close callbacks.
func (x *Conn) handleClose() {
	prev := ConnState(x.state.Load())
	if prev == StateDisconnected {
		return
	}
	x.state.Store(int32(StateDisconnected))
	x.logger.Trace().Stringer("state", prev).Log("connection closing")
	if err := x.source.setInterestInLoop(EventNone); err != nil {
		x.logger.Err().Err(err).Log("failed to disable events")
	}
	release, ok := x.Hold()
	if ok {
		defer release()
	}
	if x.onConnection != nil {
		x.onConnection(x)
	}
	if x.onClose != nil {
		x.onClose(x)
	}
}

func (x *Conn) handleError() {
	err := x.sock.pendingError()
	x.logger.Err().Err(err).Log("connection error")
}

// isConnectionFault reports whether err means the peer is gone, as opposed
// to a transient or local failure.
func isConnectionFault(err error) bool {
	return errors.Is(err, unix.EPIPE) || errors.Is(err, unix.ECONNRESET)
}
