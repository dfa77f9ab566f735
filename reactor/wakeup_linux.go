//go:build linux

package reactor

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// waker is the cross-thread notification primitive: an eventfd, registered
// for read on the owning loop's poller. Only the edge matters, the counter
// value is discarded.
type waker struct {
	fd  int
	buf [8]byte
}

// newWaker creates a non-blocking, close-on-exec eventfd.
func newWaker() (*waker, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, err
	}
	return &waker{fd: fd}, nil
}

// wake writes one 8 byte value, making any blocked poll return. A full
// counter (EAGAIN) already guarantees a pending wakeup, so it is not an error.
func (x *waker) wake() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := writeFD(x.fd, buf[:])
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

// drain resets the eventfd counter, returning the number of bytes read.
func (x *waker) drain() (int, error) {
	return unix.Read(x.fd, x.buf[:])
}

func (x *waker) close() error {
	return closeFD(x.fd)
}
