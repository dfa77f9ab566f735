//go:build linux

package reactor

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultInitialEventCapacity is the initial size of the poller's event
// buffer. The buffer doubles each time a poll fills it.
const DefaultInitialEventCapacity = 16

// Poller is the readiness multiplexer, a level-triggered epoll instance.
//
// The kernel event carries only the descriptor: the owning [EventSource] is
// recovered from the poller's fd map, which is also what keeps sources
// reachable for as long as they are registered.
//
// A Poller is owned by exactly one [Loop] and is not safe for concurrent use.
type Poller struct {
	sources map[int]*EventSource
	events  []unix.EpollEvent
	logger  *Logger
	epfd    int
}

// newPoller creates the epoll instance.
func newPoller(initialEvents int, logger *Logger) (*Poller, error) {
	if initialEvents <= 0 {
		initialEvents = DefaultInitialEventCapacity
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}
	return &Poller{
		sources: make(map[int]*EventSource),
		events:  make([]unix.EpollEvent, initialEvents),
		logger:  logger,
		epfd:    epfd,
	}, nil
}

// Poll waits up to timeout for readiness, appending each ready source to
// active, with its reported conditions recorded. It returns the time at
// which the wait returned. Interruption by a signal is not an error.
func (x *Poller) Poll(timeout time.Duration, active []*EventSource) (time.Time, []*EventSource, error) {
	n, err := unix.EpollWait(x.epfd, x.events, durationToMillis(timeout))
	now := time.Now()
	if err != nil {
		if err == unix.EINTR {
			return now, active, nil
		}
		return now, active, fmt.Errorf("reactor: epoll_wait: %w", err)
	}
	if n == 0 {
		x.logger.Trace().Log("nothing happened")
		return now, active, nil
	}
	x.logger.Trace().Int("events", n).Log("events happened")
	for i := 0; i < n; i++ {
		ev := &x.events[i]
		source, ok := x.sources[int(ev.Fd)]
		if !ok {
			x.logger.Warning().Int("fd", int(ev.Fd)).Log("readiness reported for unknown fd")
			continue
		}
		source.revents = epollToEvents(ev.Events)
		active = append(active, source)
	}
	if n == len(x.events) {
		x.events = make([]unix.EpollEvent, len(x.events)*2)
	}
	return now, active, nil
}

// UpdateSource reconciles the OS interest set with the source's interest
// set. A fresh or withdrawn source is added, a registered source with an
// empty interest set is withdrawn (but stays in the map), and anything else
// is modified in place.
func (x *Poller) UpdateSource(source *EventSource) error {
	fd := source.fd
	x.logger.Trace().
		Int("fd", fd).
		Stringer("interest", source.interest).
		Stringer("state", source.reg).
		Log("update source")
	switch source.reg {
	case regFresh, regWithdrawn:
		if source.reg == regFresh {
			if existing, ok := x.sources[fd]; ok && existing != source {
				return fmt.Errorf("reactor: fd %d already registered to another source", fd)
			}
			x.sources[fd] = source
		} else if x.sources[fd] != source {
			return fmt.Errorf("%w: fd %d", ErrSourceNotRegistered, fd)
		}
		if err := x.control(unix.EPOLL_CTL_ADD, source); err != nil {
			if source.reg == regFresh {
				delete(x.sources, fd)
			}
			return err
		}
		source.reg = regRegistered
	default:
		if x.sources[fd] != source {
			return fmt.Errorf("%w: fd %d", ErrSourceNotRegistered, fd)
		}
		if source.IsNoneEvent() {
			if err := x.control(unix.EPOLL_CTL_DEL, source); err != nil {
				return err
			}
			source.reg = regWithdrawn
		} else if err := x.control(unix.EPOLL_CTL_MOD, source); err != nil {
			return err
		}
	}
	return nil
}

// RemoveSource forgets the source entirely, removing it from the OS
// interest set if it is still registered there. The interest set of the
// source is left as is.
func (x *Poller) RemoveSource(source *EventSource) error {
	fd := source.fd
	if x.sources[fd] != source {
		return fmt.Errorf("%w: fd %d", ErrSourceNotRegistered, fd)
	}
	delete(x.sources, fd)
	var err error
	if source.reg == regRegistered {
		err = x.control(unix.EPOLL_CTL_DEL, source)
	}
	source.reg = regFresh
	return err
}

// HasSource reports whether the source is known to this poller.
func (x *Poller) HasSource(source *EventSource) bool {
	existing, ok := x.sources[source.fd]
	return ok && existing == source
}

// Close closes the epoll instance.
func (x *Poller) Close() error {
	return closeFD(x.epfd)
}

func (x *Poller) control(op int, source *EventSource) error {
	ev := unix.EpollEvent{
		Events: eventsToEpoll(source.interest),
		Fd:     int32(source.fd),
	}
	if err := unix.EpollCtl(x.epfd, op, source.fd, &ev); err != nil {
		err = fmt.Errorf("reactor: epoll_ctl %s fd %d: %w", epollOpName(op), source.fd, err)
		x.logger.Err().Err(err).Int("fd", source.fd).Log("epoll_ctl failed")
		return err
	}
	return nil
}

func epollOpName(op int) string {
	switch op {
	case unix.EPOLL_CTL_ADD:
		return "ADD"
	case unix.EPOLL_CTL_MOD:
		return "MOD"
	case unix.EPOLL_CTL_DEL:
		return "DEL"
	default:
		return "unknown"
	}
}

// eventsToEpoll converts IOEvents to epoll event flags.
func eventsToEpoll(events IOEvents) uint32 {
	var epollEvents uint32
	if events&EventRead != 0 {
		epollEvents |= unix.EPOLLIN | unix.EPOLLPRI
	}
	if events&EventWrite != 0 {
		epollEvents |= unix.EPOLLOUT
	}
	return epollEvents
}

// epollToEvents converts epoll event flags to IOEvents.
func epollToEvents(epollEvents uint32) IOEvents {
	var events IOEvents
	if epollEvents&(unix.EPOLLIN|unix.EPOLLPRI|unix.EPOLLRDHUP) != 0 {
		events |= EventRead
	}
	if epollEvents&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if epollEvents&unix.EPOLLERR != 0 {
		events |= EventError
	}
	if epollEvents&unix.EPOLLHUP != 0 {
		events |= EventHangup
	}
	return events
}

// durationToMillis converts a poll timeout, rounding up so that a small
// positive timeout never becomes a busy poll. Negative blocks forever.
func durationToMillis(d time.Duration) int {
	if d < 0 {
		return -1
	}
	ms := (d + time.Millisecond - 1) / time.Millisecond
	if ms > 1<<31-1 {
		return 1<<31 - 1
	}
	return int(ms)
}
