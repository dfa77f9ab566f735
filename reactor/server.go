package reactor

import (
	"context"
	"fmt"
	"net/netip"
	"sync/atomic"
)

// Server assembles an [Acceptor] on a base loop with a [LoopThreadPool] of
// I/O loops. Each accepted connection is assigned an I/O loop round-robin,
// and tracked by name until it closes.
//
// Callback setters and options must be applied before Start. The
// connection table lives on the base loop.
type Server struct {
	loop     *Loop
	acceptor *Acceptor
	pool     *LoopThreadPool
	logger   *Logger
	conns    map[string]*Conn

	onConnection    ConnectionCallback
	onMessage       MessageCallback
	onWriteComplete WriteCompleteCallback
	onHighWaterMark HighWaterMarkCallback
	threadInit      ThreadInitFunc

	name   string
	ipPort string

	highWaterMark int
	nextConnID    int
	tcpNoDelay    bool

	started atomic.Bool
}

// NewServer binds a listening socket to addr (fatal on failure), without
// listening yet. It must be called on the base loop's thread.
func NewServer(loop *Loop, addr netip.AddrPort, name string, opts ...ServerOption) (*Server, error) {
	cfg, err := resolveServerOptions(opts)
	if err != nil {
		return nil, err
	}
	if err := loop.AssertInLoopThread(); err != nil {
		return nil, err
	}

	logger := loop.Logger()
	if cfg.loggerSet {
		logger = cfg.logger
	}
	logger = childLogger(logger, "server", name)

	loopOpts := cfg.loopOptions
	if loopOpts == nil {
		loopOpts = []LoopOption{WithLogger(logger)}
	}

	x := &Server{
		loop:          loop,
		acceptor:      NewAcceptor(loop, addr, cfg.reusePort),
		pool:          NewLoopThreadPool(loop, name, loopOpts...),
		logger:        logger,
		conns:         make(map[string]*Conn),
		onConnection:  DefaultConnectionCallback,
		onMessage:     DefaultMessageCallback,
		threadInit:    cfg.threadInit,
		name:          name,
		ipPort:        addr.String(),
		highWaterMark: cfg.highWaterMark,
		nextConnID:    1,
		tcpNoDelay:    cfg.tcpNoDelay,
	}
	if err := x.pool.SetThreadNum(cfg.threadNum); err != nil {
		_ = x.acceptor.Close()
		return nil, err
	}
	x.acceptor.SetNewConnectionCallback(x.newConnection)
	return x, nil
}

// SetConnectionCallback is applied to every accepted connection.
func (x *Server) SetConnectionCallback(fn ConnectionCallback) { x.onConnection = fn }

// SetMessageCallback is applied to every accepted connection.
func (x *Server) SetMessageCallback(fn MessageCallback) { x.onMessage = fn }

// SetWriteCompleteCallback is applied to every accepted connection.
func (x *Server) SetWriteCompleteCallback(fn WriteCompleteCallback) { x.onWriteComplete = fn }

// SetHighWaterMarkCallback is applied to every accepted connection, with
// the configured high-water mark.
func (x *Server) SetHighWaterMarkCallback(fn HighWaterMarkCallback) { x.onHighWaterMark = fn }

// Name returns the server's name.
func (x *Server) Name() string { return x.name }

// IPPort returns the configured listen address, as given.
func (x *Server) IPPort() string { return x.ipPort }

// Addr returns the bound address, which resolves an ephemeral port.
func (x *Server) Addr() netip.AddrPort { return x.acceptor.Addr() }

// Loop returns the base loop.
func (x *Server) Loop() *Loop { return x.loop }

// Pool returns the I/O loop pool.
func (x *Server) Pool() *LoopThreadPool { return x.pool }

// NumConnections returns the number of tracked connections. Base loop
// thread only.
func (x *Server) NumConnections() int { return len(x.conns) }

// Start starts the I/O loops, then listens on the base loop. Calling it
// again is a no-op. It is safe from any goroutine.
func (x *Server) Start() error {
	if !x.started.CompareAndSwap(false, true) {
		return nil
	}
	if err := x.pool.Start(x.threadInit); err != nil {
		x.started.Store(false)
		return fmt.Errorf("reactor: server %s: %w", x.name, err)
	}
	x.loop.ScheduleNow(x.acceptor.Listen)
	return nil
}

// Close stops accepting, destroys every tracked connection on its own
// loop, then stops the I/O loops, waiting for them (or ctx). It must be
// called on the base loop's thread.
func (x *Server) Close(ctx context.Context) error {
	if err := x.loop.AssertInLoopThread(); err != nil {
		return err
	}
	x.logger.Debug().Int("connections", len(x.conns)).Log("server closing")
	if err := x.acceptor.Close(); err != nil {
		x.logger.Err().Err(err).Log("failed to close acceptor")
	}
	for name, conn := range x.conns {
		delete(x.conns, name)
		conn.Loop().ScheduleNow(func() {
			conn.Destroyed()
			conn.Release()
		})
	}
	return x.pool.Stop(ctx)
}

// newConnection runs on the base loop, for each accepted descriptor.
func (x *Server) newConnection(fd int, peer netip.AddrPort) {
	ioLoop := x.pool.NextLoop()
	name := fmt.Sprintf("%s-%s#%d", x.name, x.ipPort, x.nextConnID)
	x.nextConnID++

	sock := &socket{fd: fd}
	local, err := sock.localAddr()
	if err != nil {
		x.logger.Err().Err(err).Log("getsockname failed")
	}

	x.logger.Info().
		Str("conn", name).
		Str("peer", peer.String()).
		Log("new connection")

	conn := NewConn(ioLoop, name, fd, local, peer)
	conn.SetConnectionCallback(x.onConnection)
	conn.SetMessageCallback(x.onMessage)
	conn.SetWriteCompleteCallback(x.onWriteComplete)
	conn.SetHighWaterMarkCallback(x.onHighWaterMark, x.highWaterMark)
	conn.SetCloseCallback(x.removeConnection)
	if x.tcpNoDelay {
		if err := conn.SetTCPNoDelay(true); err != nil {
			x.logger.Warning().Err(err).Str("conn", name).Log("failed to set TCP_NODELAY")
		}
	}
	x.conns[name] = conn
	ioLoop.ScheduleNow(conn.Established)
}

// removeConnection is the close callback of every connection, and may run
// on any I/O loop.
func (x *Server) removeConnection(conn *Conn) {
	x.loop.ScheduleNow(func() { x.removeConnectionInLoop(conn) })
}

// removeConnectionInLoop drops the table entry, then hands the table's
// lease to a task on the connection's own loop, which destroys it.
func (x *Server) removeConnectionInLoop(conn *Conn) {
	x.logger.Info().Str("conn", conn.Name()).Log("remove connection")
	if _, ok := x.conns[conn.Name()]; !ok {
		return
	}
	delete(x.conns, conn.Name())
	conn.Loop().ScheduleAsync(func() {
		conn.Destroyed()
		conn.Release()
	})
}
