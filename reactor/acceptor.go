package reactor

import (
	"errors"
	"net/netip"
	"time"

	"github.com/joeycumines/go-catrate"
	"golang.org/x/sys/unix"
)

// NewConnectionFunc receives each accepted descriptor, which is
// non-blocking and close-on-exec, and becomes the callee's to close.
type NewConnectionFunc func(fd int, peer netip.AddrPort)

// acceptErrorRates bounds how often a given accept failure is logged, as
// a persistent condition (most notably descriptor exhaustion) would
// otherwise log once per poll cycle.
var acceptErrorRates = map[time.Duration]int{
	time.Second: 5,
	time.Minute: 60,
}

// Acceptor owns a listening socket, and accepts inbound connections from
// its loop.
type Acceptor struct {
	loop            *Loop
	sock            *socket
	source          *EventSource
	onNewConnection NewConnectionFunc
	limiter         *catrate.Limiter
	logger          *Logger
	listening       bool
}

// NewAcceptor creates a non-blocking listening socket bound to addr, with
// address reuse enabled (and port reuse, if requested). It does not listen
// until [Acceptor.Listen] is called. Failure to create or bind the socket is
// fatal.
//
// It must be called on the loop's thread.
func NewAcceptor(loop *Loop, addr netip.AddrPort, reusePort bool) *Acceptor {
	logger := childLogger(loop.Logger(), "listener", addr.String())

	sock, err := newNonBlockingSocket(addr)
	if err != nil {
		fatal(logger, err, "failed to create listening socket")
		return nil
	}
	if err := sock.setReuseAddr(true); err != nil {
		logger.Err().Err(err).Log("failed to set SO_REUSEADDR")
	}
	if reusePort {
		if err := sock.setReusePort(true); err != nil {
			logger.Err().Err(err).Log("failed to set SO_REUSEPORT")
		}
	}
	if err := sock.bind(addr); err != nil {
		_ = sock.close()
		fatal(logger, err, "failed to bind listening socket")
		return nil
	}

	x := &Acceptor{
		loop:    loop,
		sock:    sock,
		source:  NewEventSource(loop, sock.fd),
		limiter: catrate.NewLimiter(acceptErrorRates),
		logger:  logger,
	}
	x.source.SetReadHandler(x.handleRead)
	return x
}

// SetNewConnectionCallback sets the receiver of accepted descriptors. If
// none is set, accepted descriptors are closed immediately.
func (x *Acceptor) SetNewConnectionCallback(fn NewConnectionFunc) { x.onNewConnection = fn }

// Listening reports whether Listen has been called.
func (x *Acceptor) Listening() bool { return x.listening }

// Addr returns the bound local address, which resolves an ephemeral port.
func (x *Acceptor) Addr() netip.AddrPort {
	addr, err := x.sock.localAddr()
	if err != nil {
		x.logger.Err().Err(err).Log("getsockname failed")
	}
	return addr
}

// Listen starts listening, and registers read interest with the loop.
// Failure to listen is fatal. Loop thread only.
func (x *Acceptor) Listen() {
	if err := x.loop.AssertInLoopThread(); err != nil {
		return
	}
	x.listening = true
	if err := x.sock.listen(); err != nil {
		fatal(x.logger, err, "failed to listen")
		return
	}
	if err := x.source.EnableReading(); err != nil {
		x.logger.Err().Err(err).Log("failed to register listening socket")
		return
	}
	x.logger.Info().Log("listening")
}

// Close withdraws the listening socket from the loop and closes it.
// Loop thread only.
func (x *Acceptor) Close() error {
	if err := x.loop.AssertInLoopThread(); err != nil {
		return err
	}
	var errs []error
	if x.loop.poller.HasSource(x.source) {
		if err := x.source.DisableAll(); err != nil {
			errs = append(errs, err)
		}
		if err := x.source.Withdraw(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := x.sock.close(); err != nil {
		errs = append(errs, err)
	}
	x.listening = false
	return errors.Join(errs...)
}

// handleRead accepts at most one connection per readiness report; being
// level-triggered, the loop reports again if more are pending.
func (x *Acceptor) handleRead(time.Time) {
	fd, peer, err := x.sock.accept()
	if err == nil {
		if x.onNewConnection != nil {
			x.onNewConnection(fd, peer)
		} else if err := closeFD(fd); err != nil {
			x.logger.Err().Err(err).Log("failed to close unwanted connection")
		}
		return
	}

	if errors.Is(err, errWouldBlock) {
		return
	}

	var errno unix.Errno
	if !errors.As(err, &errno) {
		errno = 0
	}
	next, ok := x.limiter.Allow(errno)
	if !ok {
		return
	}

	var b *Builder
	if errors.Is(err, unix.EMFILE) || errors.Is(err, unix.ENFILE) {
		b = x.logger.Err().Str("reason", "descriptor limit reached")
	} else {
		b = x.logger.Err()
	}
	if !next.IsZero() {
		b = b.Time("suppressed_until", next)
	}
	b.Err(err).Log("accept failed")
}
