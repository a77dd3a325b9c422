//go:build linux

// Package netio performs non-blocking I/O on raw socket and pipe descriptors.
package netio

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

var (
	// ErrWouldBlock is returned when the descriptor is not ready.
	ErrWouldBlock = errors.New("operation would block")
	// ErrPeerClosed is returned when the peer closed its end.
	ErrPeerClosed = errors.New("peer closed")
)

// Receive reads at most max bytes from fd.
func Receive(fd, max int) ([]byte, error) {
	buf := make([]byte, max)
	n, err := Read(fd, buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// Read reads into p. A zero-length read is reported as ErrPeerClosed.
func Read(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Read(fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, ErrWouldBlock
		case err == unix.ECONNRESET:
			return 0, ErrPeerClosed
		case err != nil:
			return 0, fmt.Errorf("read fd %d: %w", fd, err)
		case n == 0 && len(p) > 0:
			return 0, ErrPeerClosed
		}
		return n, nil
	}
}

// Send writes as much of b to fd as it accepts in one call and returns the
// number of bytes written. A full socket buffer yields (0, ErrWouldBlock).
func Send(fd int, b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	for {
		n, err := unix.Write(fd, b)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, ErrWouldBlock
		case err == unix.EPIPE || err == unix.ECONNRESET:
			return 0, ErrPeerClosed
		case err != nil:
			return 0, fmt.Errorf("write fd %d: %w", fd, err)
		}
		return n, nil
	}
}

// SendFile copies at most chunk bytes of f, starting at *offset, to fd and
// advances *offset by the number of bytes sent. It reports whether any of the
// size bytes remain.
func SendFile(fd int, f *os.File, offset *int64, size int64, chunk int) (bool, error) {
	remaining := size - *offset
	if remaining <= 0 {
		return false, nil
	}
	if int64(chunk) > remaining {
		chunk = int(remaining)
	}
	for {
		n, err := unix.Sendfile(fd, int(f.Fd()), offset, chunk)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return true, ErrWouldBlock
		case err == unix.EPIPE || err == unix.ECONNRESET:
			return false, ErrPeerClosed
		case err != nil:
			return false, fmt.Errorf("sendfile fd %d: %w", fd, err)
		case n == 0:
			// File shrank underneath us.
			return false, fmt.Errorf("sendfile fd %d: unexpected end of file at %d", fd, *offset)
		}
		return *offset < size, nil
	}
}

// FileSize returns the size of the regular file at path.
func FileSize(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if !fi.Mode().IsRegular() {
		return 0, fmt.Errorf("%s is not a regular file", path)
	}
	return fi.Size(), nil
}

// Close closes fd. It is never retried: on Linux the descriptor is released
// even when close reports EINTR.
func Close(fd int) error {
	if err := unix.Close(fd); err != nil {
		return fmt.Errorf("close fd %d: %w", fd, err)
	}
	return nil
}
