//go:build linux

package reactor

import (
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

// listenBacklog is the listen(2) backlog; the kernel clamps it to somaxconn.
const listenBacklog = 1024

// socket owns a TCP socket descriptor.
type socket struct {
	fd int
}

// newNonBlockingSocket creates a non-blocking, close-on-exec TCP socket for
// the address family of addr.
func newNonBlockingSocket(addr netip.AddrPort) (*socket, error) {
	fd, err := unix.Socket(addrFamily(addr), unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("reactor: socket: %w", err)
	}
	return &socket{fd: fd}, nil
}

func (x *socket) bind(addr netip.AddrPort) error {
	if err := unix.Bind(x.fd, toSockaddr(addr)); err != nil {
		return fmt.Errorf("reactor: bind %s: %w", addr, err)
	}
	return nil
}

func (x *socket) listen() error {
	if err := unix.Listen(x.fd, listenBacklog); err != nil {
		return fmt.Errorf("reactor: listen: %w", err)
	}
	return nil
}

// accept accepts one pending connection, returning a non-blocking,
// close-on-exec descriptor and the peer address.
func (x *socket) accept() (int, netip.AddrPort, error) {
	for {
		fd, sa, err := unix.Accept4(x.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return -1, netip.AddrPort{}, err
		}
		return fd, fromSockaddr(sa), nil
	}
}

func (x *socket) shutdownWrite() error {
	return unix.Shutdown(x.fd, unix.SHUT_WR)
}

func (x *socket) setReuseAddr(on bool) error {
	return setBoolOpt(x.fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, on)
}

func (x *socket) setReusePort(on bool) error {
	return setBoolOpt(x.fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, on)
}

func (x *socket) setKeepAlive(on bool) error {
	return setBoolOpt(x.fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, on)
}

func (x *socket) setTCPNoDelay(on bool) error {
	return setBoolOpt(x.fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, on)
}

func (x *socket) localAddr() (netip.AddrPort, error) {
	sa, err := unix.Getsockname(x.fd)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return fromSockaddr(sa), nil
}

// pendingError returns (and clears) the socket's pending error, SO_ERROR.
func (x *socket) pendingError() error {
	v, err := unix.GetsockoptInt(x.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if v != 0 {
		return unix.Errno(v)
	}
	return nil
}

func (x *socket) close() error {
	return closeFD(x.fd)
}

func setBoolOpt(fd, level, opt int, on bool) error {
	v := 0
	if on {
		v = 1
	}
	return unix.SetsockoptInt(fd, level, opt, v)
}

func addrFamily(addr netip.AddrPort) int {
	if addr.Addr().Is4() {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

func toSockaddr(addr netip.AddrPort) unix.Sockaddr {
	if addr.Addr().Is4() {
		return &unix.SockaddrInet4{Port: int(addr.Port()), Addr: addr.Addr().As4()}
	}
	return &unix.SockaddrInet6{Port: int(addr.Port()), Addr: addr.Addr().As16()}
}

func fromSockaddr(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr).Unmap(), uint16(sa.Port))
	default:
		return netip.AddrPort{}
	}
}
