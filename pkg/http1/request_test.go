package http1_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apoxy-dev/webserv/pkg/http1"
)

const postHead = "POST /cgi-bin/form.py?name=x&y=2 HTTP/1.1\r\n" +
	"Host: localhost:8080\r\n" +
	"Content-Type: application/x-www-form-urlencoded\r\n" +
	"Content-Length: 11\r\n" +
	"Connection: keep-alive\r\n" +
	"\r\n"

func TestParseRequest(t *testing.T) {
	buf := []byte(postHead + "hello=world")

	req, n, err := http1.ParseRequest(buf)
	require.NoError(t, err)
	require.Equal(t, len(postHead), n)
	assert.Equal(t, "hello=world", string(buf[n:]))

	want := &http1.Request{
		Method:  http1.MethodPost,
		Path:    "/cgi-bin/form.py",
		Query:   "name=x&y=2",
		Version: "HTTP/1.1",
		Header: http1.Header{
			"host":           "localhost:8080",
			"content-type":   "application/x-www-form-urlencoded",
			"content-length": "11",
			"connection":     "keep-alive",
		},
		Valid: true,
	}
	if diff := cmp.Diff(want, req); diff != "" {
		t.Errorf("ParseRequest() mismatch (-want +got):\n%s", diff)
	}

	cl, err := req.ContentLength()
	require.NoError(t, err)
	assert.Equal(t, int64(11), cl)
	assert.True(t, req.KeepAlive())
	assert.Equal(t, "localhost", req.Host())
}

func TestParseRequestIncomplete(t *testing.T) {
	for _, in := range []string{
		"",
		"GET / HTTP/1.1",
		"GET / HTTP/1.1\r\nHost: a\r\n",
		"GET / HTTP/1.1\r\nHost: a\r\n\r",
		"\r\n\r\n",
	} {
		_, n, err := http1.ParseRequest([]byte(in))
		assert.True(t, errors.Is(err, http1.ErrIncomplete), "%q", in)
		assert.Zero(t, n, "%q", in)
	}
}

func TestParseRequestBareLF(t *testing.T) {
	req, n, err := http1.ParseRequest([]byte("GET /a.html HTTP/1.0\nHost: x\n\nrest"))
	require.NoError(t, err)
	assert.Equal(t, 30, n)
	assert.True(t, req.Valid)
	assert.Equal(t, "x", req.Header.Get("Host"))
}

func TestParseRequestInvalid(t *testing.T) {
	for name, in := range map[string]string{
		"unknown method":   "PUT /x HTTP/1.1\r\n\r\n",
		"lower method":     "get /x HTTP/1.1\r\n\r\n",
		"missing path":     "GET\r\n\r\n",
		"missing version":  "GET /x\r\n\r\n",
		"bad version":      "GET /x FTP/1.0\r\n\r\n",
		"double space":     "GET  /x HTTP/1.1\r\n\r\n",
		"relative path":    "GET x HTTP/1.1\r\n\r\n",
		"garbage":          "\x16\x03\x01\x02\x00\r\n\r\n",
		"trailing token":   "GET /x HTTP/1.1 extra\r\n\r\n",
		"empty after skip": "\r\n \r\n\r\n",
	} {
		t.Run(name, func(t *testing.T) {
			req, n, err := http1.ParseRequest([]byte(in))
			require.NoError(t, err)
			assert.False(t, req.Valid)
			assert.Equal(t, len(in), n)
		})
	}
}

func TestParseRequestDotDot(t *testing.T) {
	for _, path := range []string{
		"/..",
		"/../etc/passwd",
		"/a/../b",
		"/a/b/..",
		"/a..b",
		"/..?x=1",
		"/a/..%2f",
	} {
		req, _, err := http1.ParseRequest([]byte("GET " + path + " HTTP/1.1\r\n\r\n"))
		require.NoError(t, err)
		assert.False(t, req.Valid, path)
	}

	// Only the path is checked, not the query string.
	req, _, err := http1.ParseRequest([]byte("GET /a?b=.. HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)
	assert.True(t, req.Valid)
}

func TestParseRequestHeaders(t *testing.T) {
	in := "GET / HTTP/1.1\r\n" +
		"Content-Length: 10\r\n" +
		"content-length: 20\r\n" +
		"X-Empty:\r\n" +
		"X-Blank:   \r\n" +
		"NoColonHere\r\n" +
		"X-Path: /Some/CaseSensitive/Path\r\n" +
		"Connection: Keep-Alive\r\n" +
		"\r\n"

	req, _, err := http1.ParseRequest([]byte(in))
	require.NoError(t, err)
	require.True(t, req.Valid)

	// First write wins for duplicate keys, regardless of key case.
	assert.Equal(t, "10", req.Header.Get("content-length"))
	assert.Equal(t, "10", req.Header.Get("Content-Length"))

	_, ok := req.Header["x-empty"]
	assert.False(t, ok)
	_, ok = req.Header["x-blank"]
	assert.False(t, ok)
	assert.Len(t, req.Header, 3)

	// Values keep their case; the connection token is compared case-insensitively.
	assert.Equal(t, "/Some/CaseSensitive/Path", req.Header.Get("x-path"))
	assert.True(t, req.KeepAlive())
}

func TestParserChunkInvariance(t *testing.T) {
	full := []byte(postHead + "hello=world")

	want, n, err := http1.ParseRequest(full)
	require.NoError(t, err)
	wantRest := string(full[n:])

	for split := 0; split <= len(full); split++ {
		p := http1.NewParser(8192)

		var rest string
		req, err := p.Feed(full[:split])
		if err == nil {
			// The whole head already arrived in the first chunk; the second
			// chunk is body only.
			rest = string(p.Buffered()) + string(full[split:])
		} else {
			require.ErrorIs(t, err, http1.ErrIncomplete, "split at %d", split)
			req, err = p.Feed(full[split:])
			require.NoError(t, err, "split at %d", split)
			rest = string(p.Buffered())
		}

		if diff := cmp.Diff(want, req); diff != "" {
			t.Fatalf("split at %d: mismatch (-want +got):\n%s", split, diff)
		}
		assert.Equal(t, wantRest, rest, "split at %d", split)
	}
}

func TestParserHeadTooLarge(t *testing.T) {
	p := http1.NewParser(16)
	_, err := p.Feed([]byte("GET /a-very-long-path-indeed HTTP/1.1\r\n"))
	require.ErrorIs(t, err, http1.ErrHeadTooLarge)
}

func TestParserHeadTooLargeCompleteChunk(t *testing.T) {
	head := "GET / HTTP/1.1\r\nX-Pad: " + strings.Repeat("a", 40) + "\r\n\r\n"

	// Whether the head completes in the chunk that crosses the limit or a
	// later one, it is rejected.
	for _, split := range []int{len(head), 20, len(head) - 1} {
		p := http1.NewParser(32)
		_, err := p.Feed([]byte(head[:split]))
		if errors.Is(err, http1.ErrIncomplete) {
			_, err = p.Feed([]byte(head[split:]))
		}
		require.ErrorIs(t, err, http1.ErrHeadTooLarge, "split at %d", split)
	}

	p := http1.NewParser(len(head))
	req, err := p.Feed([]byte(head))
	require.NoError(t, err)
	assert.True(t, req.Valid)
}

func TestContentLengthInvalid(t *testing.T) {
	req, _, err := http1.ParseRequest([]byte("POST /x HTTP/1.1\r\nContent-Length: -4\r\n\r\n"))
	require.NoError(t, err)
	_, err = req.ContentLength()
	require.Error(t, err)
}
