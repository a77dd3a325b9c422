package http1

import (
	"net/http"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Response is the head of a response. The body is streamed separately by the
// caller; ContentLength is -1 when the body is delimited by connection close.
type Response struct {
	Status        int
	ContentLength int64
	ContentType   string
	KeepAlive     bool
	// Header holds additional fields emitted after the fixed ones.
	Header Header
}

// NewResponse returns a 200 response with an unknown length.
func NewResponse() *Response {
	return &Response{
		Status:        http.StatusOK,
		ContentLength: -1,
		Header:        make(Header),
	}
}

// StatusText returns the reason phrase for code.
func StatusText(code int) string {
	if s := http.StatusText(code); s != "" {
		return s
	}
	return "Unknown"
}

// AppendHead appends the status line and header block to dst. Header order is
// fixed: content-length (when known), connection, content-type (when set),
// followed by the additional fields sorted by name.
func (r *Response) AppendHead(dst []byte) []byte {
	dst = append(dst, "HTTP/1.1 "...)
	dst = strconv.AppendInt(dst, int64(r.Status), 10)
	dst = append(dst, ' ')
	dst = append(dst, StatusText(r.Status)...)
	dst = append(dst, "\r\n"...)

	if r.ContentLength >= 0 {
		dst = appendField(dst, "content-length", strconv.FormatInt(r.ContentLength, 10))
	}
	if r.KeepAlive {
		dst = appendField(dst, "connection", "keep-alive")
	} else {
		dst = appendField(dst, "connection", "close")
	}
	if r.ContentType != "" {
		dst = appendField(dst, "content-type", r.ContentType)
	}

	keys := make([]string, 0, len(r.Header))
	for k := range r.Header {
		switch k {
		case "content-length", "connection", "content-type":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		dst = appendField(dst, k, r.Header[k])
	}
	return append(dst, "\r\n"...)
}

func appendField(dst []byte, key, value string) []byte {
	dst = append(dst, key...)
	dst = append(dst, ": "...)
	dst = append(dst, value...)
	return append(dst, "\r\n"...)
}

var contentTypes = map[string]string{
	".html": "text/html",
	".htm":  "text/html",
	".ico":  "image/x-icon",
	".css":  "text/css",
	".js":   "text/javascript",
	".json": "application/json",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".svg":  "image/svg+xml",
	".txt":  "text/plain",
}

// ContentTypeFromExt maps a file extension (including the dot) to a content
// type. Anything not in the table is text/plain.
func ContentTypeFromExt(ext string) string {
	if ct, ok := contentTypes[strings.ToLower(ext)]; ok {
		return ct
	}
	return "text/plain"
}

// ContentTypeForPath returns the content type for the extension of path.
func ContentTypeForPath(path string) string {
	return ContentTypeFromExt(filepath.Ext(path))
}

// SimpleResponse renders a complete response carrying a short text body.
// Used for errors raised before any route is known.
func SimpleResponse(status int, keepAlive bool) []byte {
	body := strconv.Itoa(status) + " " + StatusText(status) + "\n"
	r := &Response{
		Status:        status,
		ContentLength: int64(len(body)),
		ContentType:   "text/plain",
		KeepAlive:     keepAlive,
	}
	return append(r.AppendHead(nil), body...)
}
