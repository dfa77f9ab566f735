//go:build linux

package reactor

import (
	"golang.org/x/sys/unix"
)

const (
	errWouldBlock  = unix.EAGAIN
	errInterrupted = unix.EINTR
)

// closeFD closes a file descriptor.
func closeFD(fd int) error {
	return unix.Close(fd)
}

// writeFD writes to a file descriptor, retrying on EINTR.
func writeFD(fd int, buf []byte) (int, error) {
	for {
		n, err := unix.Write(fd, buf)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		return n, nil
	}
}

// readvFD performs a scatter read into the given slices, retrying on EINTR.
func readvFD(fd int, iovs [][]byte) (int, error) {
	for {
		n, err := unix.Readv(fd, iovs)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		return n, nil
	}
}
