// Package reactor provides a non-blocking TCP networking engine in the
// one loop per thread style, built on level-triggered epoll (Linux only).
//
// # Architecture
//
// A [Loop] is bound to a single OS thread, represented by a [Thread]
// handle, and repeatedly waits on its [Poller] for readiness of registered
// [EventSource] values, dispatches their handlers, then runs queued tasks.
// Other goroutines hand work to a loop with [Loop.ScheduleAsync], which
// wakes it through an eventfd.
//
// A [LoopThread] hosts a loop on a dedicated goroutine, and a
// [LoopThreadPool] distributes work over several of them, round-robin.
//
// An [Acceptor] accepts inbound connections on a base loop, and each
// becomes a [Conn], owned by one I/O loop, with [Buffer] values for
// inbound and outbound data, and high-water-mark backpressure. A [Server]
// wires these together.
//
// # Thread Safety
//
// Anything touching event sources, buffers, or the poller belongs to the
// owning loop's thread. Safe from any goroutine:
//   - [Loop.ScheduleNow], [Loop.ScheduleAsync], [Loop.Wakeup], [Loop.Stop]
//   - [Conn.Send], [Conn.SendString], [Conn.Shutdown], and the accessors
//     of immutable connection properties
//   - [Server.Start]
//
// # Fatal Conditions
//
// Failure to create a loop's poller or wakeup eventfd, failure to create,
// bind or listen on a listening socket, and constructing a second loop on
// one thread, are logged at alert level and terminate the process.
//
// # Logging
//
// Logging uses [github.com/joeycumines/logiface]. Pass a logger with
// [WithLogger] (loops) or [WithServerLogger] (servers). The default is
// nil, which discards everything.
package reactor
