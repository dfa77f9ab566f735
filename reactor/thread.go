package reactor

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Thread is an explicit handle for an OS thread, which may host at most one
// [Loop]. It replaces per-thread global state: a Loop is bound to the
// Thread passed to [NewLoop], and the one loop per thread rule is asserted
// against that handle.
//
// A Thread is obtained with [LockThread], which wires the calling goroutine
// to its OS thread for the lifetime of the handle.
type Thread struct {
	loop  atomic.Pointer[Loop]
	name  string
	gid   uint64
	locks int
}

// threads maps goroutine id to *Thread, so that repeated LockThread calls
// from one goroutine yield the same handle.
var threads sync.Map

// LockThread wires the calling goroutine to its current OS thread, see
// [runtime.LockOSThread], and returns the handle for that thread. Calling it
// again from the same goroutine returns the same handle (the name of the
// first call is kept). Each call must be paired with [Thread.Unlock], from
// the same goroutine.
func LockThread(name string) *Thread {
	runtime.LockOSThread()
	gid := goroutineID()
	if v, ok := threads.Load(gid); ok {
		t := v.(*Thread)
		t.locks++
		return t
	}
	t := &Thread{name: name, gid: gid, locks: 1}
	threads.Store(gid, t)
	return t
}

// Unlock undoes one [LockThread] call. It panics if called from a goroutine
// other than the one that locked the thread.
func (x *Thread) Unlock() {
	if !x.IsCurrent() {
		panic(`reactor: thread unlocked from a foreign goroutine`)
	}
	x.locks--
	if x.locks == 0 {
		threads.Delete(x.gid)
	}
	runtime.UnlockOSThread()
}

// Name returns the name given to the first [LockThread] call.
func (x *Thread) Name() string { return x.name }

// IsCurrent reports whether the caller is running on this thread.
func (x *Thread) IsCurrent() bool {
	return x != nil && goroutineID() == x.gid
}

// Loop returns the loop currently bound to this thread, if any.
func (x *Thread) Loop() *Loop { return x.loop.Load() }

func (x *Thread) bind(loop *Loop) bool {
	return x.loop.CompareAndSwap(nil, loop)
}

func (x *Thread) unbind(loop *Loop) {
	x.loop.CompareAndSwap(loop, nil)
}

// goroutineID returns the current goroutine's ID, parsed from the header of
// the runtime stack trace ("goroutine N [...").
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
