package reactor

import (
	"errors"
	"time"
)

const (
	// DefaultPollTimeout bounds each poll, so that a loop makes progress
	// even if a wakeup is somehow lost.
	DefaultPollTimeout = 10 * time.Second

	// DefaultHighWaterMark is the outbound buffer threshold at which the
	// high-water callback fires.
	DefaultHighWaterMark = 64 * 1024 * 1024
)

// loopOptions holds configuration options for Loop creation.
type loopOptions struct {
	logger        *Logger
	pollTimeout   time.Duration
	initialEvents int
}

// --- Loop Options ---

// LoopOption configures a Loop instance.
type LoopOption interface {
	applyLoop(*loopOptions) error
}

// loopOptionImpl implements LoopOption.
type loopOptionImpl struct {
	applyLoopFunc func(*loopOptions) error
}

func (l *loopOptionImpl) applyLoop(opts *loopOptions) error {
	return l.applyLoopFunc(opts)
}

// WithLogger sets the structured logger. Nil (the default) disables logging.
func WithLogger(logger *Logger) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithPollTimeout bounds how long each poll may block. Defaults to
// [DefaultPollTimeout].
func WithPollTimeout(timeout time.Duration) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if timeout <= 0 {
			return errors.New("reactor: poll timeout must be positive")
		}
		opts.pollTimeout = timeout
		return nil
	}}
}

// WithInitialEventCapacity sets the initial size of the poller's event
// buffer. Defaults to [DefaultInitialEventCapacity].
func WithInitialEventCapacity(n int) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if n <= 0 {
			return errors.New("reactor: initial event capacity must be positive")
		}
		opts.initialEvents = n
		return nil
	}}
}

// resolveLoopOptions applies LoopOption instances to loopOptions.
func resolveLoopOptions(opts []LoopOption) (*loopOptions, error) {
	cfg := &loopOptions{
		pollTimeout:   DefaultPollTimeout,
		initialEvents: DefaultInitialEventCapacity,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyLoop(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// serverOptions holds configuration options for Server creation.
type serverOptions struct {
	logger        *Logger
	threadInit    ThreadInitFunc
	loopOptions   []LoopOption
	threadNum     int
	highWaterMark int
	reusePort     bool
	tcpNoDelay    bool
	loggerSet     bool
}

// --- Server Options ---

// ServerOption configures a Server instance.
type ServerOption interface {
	applyServer(*serverOptions) error
}

// serverOptionImpl implements ServerOption.
type serverOptionImpl struct {
	applyServerFunc func(*serverOptions) error
}

func (s *serverOptionImpl) applyServer(opts *serverOptions) error {
	return s.applyServerFunc(opts)
}

// WithReusePort enables SO_REUSEPORT on the listening socket.
func WithReusePort(enabled bool) ServerOption {
	return &serverOptionImpl{func(opts *serverOptions) error {
		opts.reusePort = enabled
		return nil
	}}
}

// WithThreadNum sets the number of I/O loop threads. Zero (the default)
// runs every connection on the server's own loop.
func WithThreadNum(n int) ServerOption {
	return &serverOptionImpl{func(opts *serverOptions) error {
		if n < 0 {
			return errors.New("reactor: thread count must not be negative")
		}
		opts.threadNum = n
		return nil
	}}
}

// WithThreadInit sets a callback, run on each I/O loop's thread before that
// loop starts running. With zero threads, it runs once, for the server's
// own loop.
func WithThreadInit(fn ThreadInitFunc) ServerOption {
	return &serverOptionImpl{func(opts *serverOptions) error {
		opts.threadInit = fn
		return nil
	}}
}

// WithHighWaterMark sets the outbound buffer threshold applied to every
// accepted connection. Defaults to [DefaultHighWaterMark].
func WithHighWaterMark(n int) ServerOption {
	return &serverOptionImpl{func(opts *serverOptions) error {
		if n <= 0 {
			return errors.New("reactor: high water mark must be positive")
		}
		opts.highWaterMark = n
		return nil
	}}
}

// WithTCPNoDelay sets TCP_NODELAY on every accepted connection.
func WithTCPNoDelay(enabled bool) ServerOption {
	return &serverOptionImpl{func(opts *serverOptions) error {
		opts.tcpNoDelay = enabled
		return nil
	}}
}

// WithServerLogger sets the server's logger. Defaults to the logger of the
// server's loop.
func WithServerLogger(logger *Logger) ServerOption {
	return &serverOptionImpl{func(opts *serverOptions) error {
		opts.logger = logger
		opts.loggerSet = true
		return nil
	}}
}

// WithLoopOptions sets the options used to construct each I/O loop. If
// unset, I/O loops inherit the server's logger.
func WithLoopOptions(opts ...LoopOption) ServerOption {
	return &serverOptionImpl{func(o *serverOptions) error {
		o.loopOptions = append(o.loopOptions, opts...)
		return nil
	}}
}

// resolveServerOptions applies ServerOption instances to serverOptions.
func resolveServerOptions(opts []ServerOption) (*serverOptions, error) {
	cfg := &serverOptions{
		highWaterMark: DefaultHighWaterMark,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyServer(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
