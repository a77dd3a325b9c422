package http1_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apoxy-dev/webserv/pkg/http1"
)

func TestAppendHead(t *testing.T) {
	t.Run("KeepAlive", func(t *testing.T) {
		r := http1.NewResponse()
		r.ContentLength = 42
		r.ContentType = "text/html"
		r.KeepAlive = true
		r.Header.Add("Server", "webserv/0.0.0-dev")

		assert.Equal(t, "HTTP/1.1 200 OK\r\n"+
			"content-length: 42\r\n"+
			"connection: keep-alive\r\n"+
			"content-type: text/html\r\n"+
			"server: webserv/0.0.0-dev\r\n"+
			"\r\n", string(r.AppendHead(nil)))
	})

	t.Run("CloseWithoutTypeOrLength", func(t *testing.T) {
		r := http1.NewResponse()
		r.Status = 404

		assert.Equal(t, "HTTP/1.1 404 Not Found\r\n"+
			"connection: close\r\n"+
			"\r\n", string(r.AppendHead(nil)))
	})

	t.Run("FixedFieldsNotDuplicated", func(t *testing.T) {
		r := http1.NewResponse()
		r.ContentLength = 0
		r.Header.Add("Content-Length", "99")
		r.Header.Add("Location", "/elsewhere")
		r.Status = 302

		assert.Equal(t, "HTTP/1.1 302 Found\r\n"+
			"content-length: 0\r\n"+
			"connection: close\r\n"+
			"location: /elsewhere\r\n"+
			"\r\n", string(r.AppendHead(nil)))
	})
}

func TestContentTypeFromExt(t *testing.T) {
	assert.Equal(t, "text/html", http1.ContentTypeFromExt(".html"))
	assert.Equal(t, "image/x-icon", http1.ContentTypeFromExt(".ico"))
	assert.Equal(t, "text/plain", http1.ContentTypeFromExt(".tar"))
	assert.Equal(t, "text/plain", http1.ContentTypeFromExt(""))
	assert.Equal(t, "text/html", http1.ContentTypeForPath("/www/INDEX.HTML"))
	assert.Equal(t, "text/plain", http1.ContentTypeForPath("/www/README"))
}

func TestSimpleResponse(t *testing.T) {
	assert.Equal(t, "HTTP/1.1 400 Bad Request\r\n"+
		"content-length: 16\r\n"+
		"connection: close\r\n"+
		"content-type: text/plain\r\n"+
		"\r\n"+
		"400 Bad Request\n", string(http1.SimpleResponse(400, false)))
}

func TestParseCGIHead(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		out := "Content-Type: text/html\r\n\r\n<p>hi</p>"
		head, n, err := http1.ParseCGIHead([]byte(out))
		require.NoError(t, err)
		assert.Equal(t, "<p>hi</p>", out[n:])
		assert.Equal(t, 200, head.Status)
		assert.Equal(t, "text/html", head.ContentType)
		assert.Equal(t, int64(-1), head.ContentLength)
	})

	t.Run("StatusAndLength", func(t *testing.T) {
		out := "Status: 404 Not Found\nContent-Length: 3\nX-Trace: AbC\n\nnope"
		head, n, err := http1.ParseCGIHead([]byte(out))
		require.NoError(t, err)
		assert.Equal(t, "nope", out[n:])
		assert.Equal(t, 404, head.Status)
		assert.Equal(t, int64(3), head.ContentLength)
		assert.Equal(t, "AbC", head.Header.Get("x-trace"))
	})

	t.Run("ExecFailureLine", func(t *testing.T) {
		head, _, err := http1.ParseCGIHead([]byte("status: 500 internal server error\r\n\r\n"))
		require.NoError(t, err)
		assert.Equal(t, 500, head.Status)
	})

	t.Run("Redirect", func(t *testing.T) {
		head, _, err := http1.ParseCGIHead([]byte("Location: /done.html\r\n\r\n"))
		require.NoError(t, err)
		assert.Equal(t, 302, head.Status)
		assert.Equal(t, "/done.html", head.Location)
	})

	t.Run("BogusStatus", func(t *testing.T) {
		head, _, err := http1.ParseCGIHead([]byte("Status: ok\r\n\r\n"))
		require.NoError(t, err)
		assert.Equal(t, 500, head.Status)
	})

	t.Run("Incomplete", func(t *testing.T) {
		_, _, err := http1.ParseCGIHead([]byte("Content-Type: text/plain\r\n"))
		assert.True(t, errors.Is(err, http1.ErrIncomplete))
	})
}
