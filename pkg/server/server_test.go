//go:build linux

package server_test

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/apoxy-dev/webserv/config"
	"github.com/apoxy-dev/webserv/pkg/metrics"
	"github.com/apoxy-dev/webserv/pkg/netio"
	"github.com/apoxy-dev/webserv/pkg/server"
)

const serverConfig = `
servers:
  - listen: ["127.0.0.1:0"]
    root: %s
    index: index.html
    locations:
      - prefix: /
        methods: [GET]
      - prefix: /cgi-bin/
        methods: [GET, POST]
        cgi:
          extensions: [".sh"]
`

func writeRoot(t *testing.T, index string) string {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "index.html"), []byte(index), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "cgi-bin"), 0755))
	script := "#!/bin/sh\nprintf 'Content-Type: text/plain\\r\\n\\r\\n'\necho \"$REQUEST_METHOD $QUERY_STRING\"\n/bin/cat\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, "cgi-bin", "echo.sh"), []byte(script), 0755))
	return root
}

func parseConfig(t *testing.T, root string) *config.Config {
	cfg, err := config.Parse([]byte(fmt.Sprintf(serverConfig, root)))
	require.NoError(t, err)
	return cfg
}

func TestServer(t *testing.T) {
	srv, err := server.New(parseConfig(t, writeRoot(t, "hello")),
		server.WithMetrics(metrics.New()),
		server.WithTickInterval(10*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, srv.Listen())
	addrs := srv.Addrs()
	require.Len(t, addrs, 1)
	base := "http://" + addrs[0].String()

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(ctx)
	})
	defer func() {
		cancel()
		require.NoError(t, g.Wait())
	}()

	client := &http.Client{Timeout: 5 * time.Second}
	get := func(t *testing.T, path string) (*http.Response, string) {
		resp, err := client.Get(base + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp, string(body)
	}

	t.Run("Static", func(t *testing.T) {
		resp, body := get(t, "/index.html")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "hello", body)
		assert.True(t, strings.HasPrefix(resp.Header.Get("Server"), "webserv/"))
	})

	t.Run("NotFound", func(t *testing.T) {
		resp, body := get(t, "/nope.html")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, "404 Not Found\n", body)
	})

	t.Run("CGI", func(t *testing.T) {
		resp, err := client.Post(base+"/cgi-bin/echo.sh?name=webserv", "text/plain", strings.NewReader("payload"))
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "POST name=webserv\npayload", string(body))
	})

	t.Run("KeepAlive", func(t *testing.T) {
		conn, err := net.DialTimeout("tcp", addrs[0].String(), 5*time.Second)
		require.NoError(t, err)
		defer conn.Close()
		require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
		br := bufio.NewReader(conn)

		for i := 0; i < 3; i++ {
			_, err := io.WriteString(conn, "GET /index.html HTTP/1.1\r\nHost: localhost\r\nConnection: keep-alive\r\n\r\n")
			require.NoError(t, err)
			resp, err := http.ReadResponse(br, nil)
			require.NoError(t, err)
			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Equal(t, "hello", string(body))
			assert.False(t, resp.Close)
		}
	})

	t.Run("Concurrent", func(t *testing.T) {
		var cg errgroup.Group
		for i := 0; i < 16; i++ {
			cg.Go(func() error {
				resp, err := client.Get(base + "/index.html")
				if err != nil {
					return err
				}
				defer resp.Body.Close()
				body, err := io.ReadAll(resp.Body)
				if err != nil {
					return err
				}
				if string(body) != "hello" {
					return fmt.Errorf("unexpected body %q", body)
				}
				return nil
			})
		}
		require.NoError(t, cg.Wait())
	})

	t.Run("Reload", func(t *testing.T) {
		require.NoError(t, srv.Reload(parseConfig(t, writeRoot(t, "reloaded"))))
		_, body := get(t, "/index.html")
		assert.Equal(t, "reloaded", body)
	})
}

func TestServeWithoutListeners(t *testing.T) {
	srv, err := server.New(parseConfig(t, writeRoot(t, "hello")))
	require.NoError(t, err)
	require.Error(t, srv.Serve(context.Background()))
}

func TestListen(t *testing.T) {
	l, err := server.Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	local, err := l.LocalAddr()
	require.NoError(t, err)
	assert.NotZero(t, local.Port())

	_, _, err = l.Accept()
	require.ErrorIs(t, err, netio.ErrWouldBlock)

	conn, err := net.Dial("tcp", local.String())
	require.NoError(t, err)
	defer conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		fd, peer, err := l.Accept()
		if errors.Is(err, netio.ErrWouldBlock) {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, conn.LocalAddr().String(), peer.String())
		require.NoError(t, netio.Close(fd))
		return
	}
	t.Fatal("timed out waiting for a connection")
}

func TestListenInvalid(t *testing.T) {
	_, err := server.Listen("not an address")
	require.Error(t, err)
}
