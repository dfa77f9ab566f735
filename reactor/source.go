package reactor

import (
	"strings"
	"time"
)

// IOEvents is a bitmask of readiness conditions, used both for the interest
// set of an [EventSource] and for the conditions reported by the poller.
type IOEvents uint32

const (
	// EventRead means data (or priority data) may be read.
	EventRead IOEvents = 1 << iota
	// EventWrite means data may be written.
	EventWrite
	// EventError means an error condition is pending on the descriptor.
	EventError
	// EventHangup means the peer hung up.
	EventHangup

	// EventNone is the empty interest set.
	EventNone IOEvents = 0
)

func (e IOEvents) String() string {
	if e == EventNone {
		return "none"
	}
	var parts []string
	for _, v := range [...]struct {
		bit  IOEvents
		name string
	}{
		{EventRead, "read"},
		{EventWrite, "write"},
		{EventError, "error"},
		{EventHangup, "hangup"},
	} {
		if e&v.bit != 0 {
			parts = append(parts, v.name)
		}
	}
	return strings.Join(parts, "|")
}

// registration tracks an EventSource's membership of a Poller.
type registration uint8

const (
	// regFresh means the source has never been registered, or was removed.
	regFresh registration = iota
	// regRegistered means the source is in the poller map and the OS set.
	regRegistered
	// regWithdrawn means the source is in the poller map, but was taken out
	// of the OS set because its interest became empty.
	regWithdrawn
)

func (r registration) String() string {
	switch r {
	case regFresh:
		return "fresh"
	case regRegistered:
		return "registered"
	case regWithdrawn:
		return "withdrawn"
	default:
		return "unknown"
	}
}

// Tie is a liveness guard for the owner of an [EventSource]. Before
// dispatching, the source attempts to obtain a temporary hold on its owner,
// and silently skips the dispatch if the owner is already gone.
type Tie interface {
	// Hold attempts to keep the owner alive for the duration of one
	// dispatch. If ok is true, release must be called exactly once.
	Hold() (release func(), ok bool)
}

// EventSource binds one file descriptor, owned by someone else, to a [Loop].
// It carries the interest set, the most recently reported conditions, and
// the handlers that react to them.
//
// All methods must be called on the owning loop's thread, except FD,
// which is immutable.
type EventSource struct {
	loop    *Loop
	onRead  func(receiveTime time.Time)
	onWrite func()
	onClose func()
	onError func()
	tie     Tie
	fd      int

	interest IOEvents
	revents  IOEvents
	reg      registration
}

// NewEventSource returns a source for fd, owned by loop. It is not
// registered with the poller until its interest set is first changed.
func NewEventSource(loop *Loop, fd int) *EventSource {
	return &EventSource{loop: loop, fd: fd}
}

// FD returns the file descriptor.
func (x *EventSource) FD() int { return x.fd }

// Loop returns the owning loop.
func (x *EventSource) Loop() *Loop { return x.loop }

// Interest returns the current interest set.
func (x *EventSource) Interest() IOEvents { return x.interest }

// Revents returns the conditions reported by the most recent poll.
func (x *EventSource) Revents() IOEvents { return x.revents }

// SetReadHandler sets the handler for readable (and priority) conditions.
func (x *EventSource) SetReadHandler(fn func(receiveTime time.Time)) { x.onRead = fn }

// SetWriteHandler sets the handler for writable conditions.
func (x *EventSource) SetWriteHandler(fn func()) { x.onWrite = fn }

// SetCloseHandler sets the handler for a hangup without readable data.
func (x *EventSource) SetCloseHandler(fn func()) { x.onClose = fn }

// SetErrorHandler sets the handler for error conditions.
func (x *EventSource) SetErrorHandler(fn func()) { x.onError = fn }

// Tie attaches a liveness guard, checked before every dispatch.
func (x *EventSource) Tie(t Tie) { x.tie = t }

// SetInterest replaces the interest set, and propagates the change to the
// poller.
func (x *EventSource) SetInterest(events IOEvents) error {
	x.interest = events
	return x.update()
}

// EnableReading adds [EventRead] to the interest set.
func (x *EventSource) EnableReading() error { return x.SetInterest(x.interest | EventRead) }

// DisableReading removes [EventRead] from the interest set.
func (x *EventSource) DisableReading() error { return x.SetInterest(x.interest &^ EventRead) }

// EnableWriting adds [EventWrite] to the interest set.
func (x *EventSource) EnableWriting() error { return x.SetInterest(x.interest | EventWrite) }

// DisableWriting removes [EventWrite] from the interest set.
func (x *EventSource) DisableWriting() error { return x.SetInterest(x.interest &^ EventWrite) }

// DisableAll empties the interest set, withdrawing the descriptor from the
// OS interest set while leaving the source known to the poller.
func (x *EventSource) DisableAll() error { return x.SetInterest(EventNone) }

// IsReading reports whether [EventRead] is in the interest set.
func (x *EventSource) IsReading() bool { return x.interest&EventRead != 0 }

// IsWriting reports whether [EventWrite] is in the interest set.
func (x *EventSource) IsWriting() bool { return x.interest&EventWrite != 0 }

// IsNoneEvent reports whether the interest set is empty.
func (x *EventSource) IsNoneEvent() bool { return x.interest == EventNone }

// Withdraw removes the source from its loop's poller entirely, whatever its
// interest set.
func (x *EventSource) Withdraw() error {
	return x.loop.removeSource(x)
}

func (x *EventSource) update() error {
	return x.loop.updateSource(x)
}

// setInterestInLoop is SetInterest without the thread check, for handlers
// and tasks already running on the source's loop.
func (x *EventSource) setInterestInLoop(events IOEvents) error {
	x.interest = events
	return x.loop.poller.UpdateSource(x)
}

// withdrawInLoop is Withdraw without the thread check.
func (x *EventSource) withdrawInLoop() error {
	return x.loop.poller.RemoveSource(x)
}

// dispatch runs the handlers for the reported conditions, guarded by the
// tie, if any.
func (x *EventSource) dispatch(receiveTime time.Time) {
	if x.tie != nil {
		release, ok := x.tie.Hold()
		if !ok {
			return
		}
		defer release()
	}
	x.dispatchGuarded(receiveTime)
}

// dispatchGuarded runs handlers in a fixed order: close (hangup with no
// readable data), error, read, write.
func (x *EventSource) dispatchGuarded(receiveTime time.Time) {
	revents := x.revents
	if revents&EventHangup != 0 && revents&EventRead == 0 {
		if b := x.loop.logger.Trace(); b.Enabled() {
			b.Int("fd", x.fd).Log("hangup")
		}
		if x.onClose != nil {
			x.onClose()
		}
	}
	if revents&EventError != 0 && x.onError != nil {
		x.onError()
	}
	if revents&EventRead != 0 && x.onRead != nil {
		x.onRead(receiveTime)
	}
	if revents&EventWrite != 0 && x.onWrite != nil {
		x.onWrite()
	}
}
