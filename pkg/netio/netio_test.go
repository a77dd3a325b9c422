//go:build linux

package netio_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/apoxy-dev/webserv/pkg/netio"
)

func socketpair(t *testing.T) (int, int) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	return fds[0], fds[1]
}

func TestReceiveSend(t *testing.T) {
	a, b := socketpair(t)
	t.Cleanup(func() { _ = unix.Close(a) })

	_, err := netio.Receive(a, 16)
	require.ErrorIs(t, err, netio.ErrWouldBlock)

	n, err := netio.Send(b, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 5, n)

	got, err := netio.Receive(a, 3)
	require.NoError(t, err)
	assert.Equal(t, "hel", string(got))
	got, err = netio.Receive(a, 16)
	require.NoError(t, err)
	assert.Equal(t, "lo", string(got))

	require.NoError(t, netio.Close(b))
	_, err = netio.Receive(a, 16)
	require.ErrorIs(t, err, netio.ErrPeerClosed)

	_, err = netio.Send(a, []byte("x"))
	require.ErrorIs(t, err, netio.ErrPeerClosed)
}

func TestSendWouldBlock(t *testing.T) {
	a, b := socketpair(t)
	t.Cleanup(func() {
		_ = unix.Close(a)
		_ = unix.Close(b)
	})

	chunk := make([]byte, 64<<10)
	var total int
	for {
		n, err := netio.Send(a, chunk)
		if err != nil {
			require.ErrorIs(t, err, netio.ErrWouldBlock)
			break
		}
		total += n
	}
	assert.Positive(t, total)
}

func TestSendFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.html")
	content := []byte("<html><body>twenty-nine bytes</body></html>")
	require.NoError(t, os.WriteFile(path, content, 0644))

	size, err := netio.FileSize(path)
	require.NoError(t, err)
	require.Equal(t, int64(len(content)), size)

	f, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	a, b := socketpair(t)
	t.Cleanup(func() {
		_ = unix.Close(a)
		_ = unix.Close(b)
	})

	var offset int64
	var chunks int
	for more := true; more; chunks++ {
		more, err = netio.SendFile(a, f, &offset, size, 10)
		require.NoError(t, err)
	}
	assert.Equal(t, 5, chunks)
	assert.Equal(t, size, offset)

	got, err := netio.Receive(b, 128)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	more, err := netio.SendFile(a, f, &offset, size, 10)
	require.NoError(t, err)
	assert.False(t, more)
}

func TestFileSizeDirectory(t *testing.T) {
	_, err := netio.FileSize(t.TempDir())
	require.Error(t, err)

	_, err = netio.FileSize(filepath.Join(t.TempDir(), "missing"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
