//go:build linux

package server

import (
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/apoxy-dev/webserv/pkg/netio"
)

const listenBacklog = 128

// Listener is a non-blocking listening TCP socket.
type Listener struct {
	fd int
	// Addr is the configured listen address, used to select servers.
	Addr string
}

// Listen binds and listens on addr ("host:port").
func Listen(addr string) (*Listener, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", addr, err)
	}
	ap := tcpAddr.AddrPort()
	if !ap.Addr().IsValid() {
		// No host: all interfaces, both families.
		ap = netip.AddrPortFrom(netip.IPv6Unspecified(), ap.Port())
	}

	family := unix.AF_INET6
	var sa unix.Sockaddr
	if ap.Addr().Is4() || ap.Addr().Is4In6() {
		family = unix.AF_INET
		sa = &unix.SockaddrInet4{Port: int(ap.Port()), Addr: ap.Addr().Unmap().As4()}
	} else {
		sa = &unix.SockaddrInet6{Port: int(ap.Port()), Addr: ap.Addr().As16()}
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to create socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("failed to set SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("failed to bind %s: %w", addr, err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return &Listener{fd: fd, Addr: addr}, nil
}

// FD returns the socket descriptor.
func (l *Listener) FD() int { return l.fd }

// LocalAddr returns the bound address, with the port the kernel chose when
// listening on port 0.
func (l *Listener) LocalAddr() (netip.AddrPort, error) {
	sa, err := unix.Getsockname(l.fd)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("getsockname: %w", err)
	}
	return sockaddrToAddrPort(sa), nil
}

// Accept returns a non-blocking connected socket, or netio.ErrWouldBlock
// when no connection is pending.
func (l *Listener) Accept() (int, netip.AddrPort, error) {
	for {
		fd, sa, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch err {
		case nil:
			return fd, sockaddrToAddrPort(sa), nil
		case unix.EINTR, unix.ECONNABORTED:
			continue
		case unix.EAGAIN:
			return -1, netip.AddrPort{}, netio.ErrWouldBlock
		default:
			return -1, netip.AddrPort{}, fmt.Errorf("accept on %s: %w", l.Addr, err)
		}
	}
}

// Close closes the socket.
func (l *Listener) Close() error {
	return netio.Close(l.fd)
}

func sockaddrToAddrPort(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr), uint16(sa.Port))
	}
	return netip.AddrPort{}
}
