// Package http1 implements the HTTP/1.1 wire format used by the server: an
// incremental request head parser, the CGI response head parser and the
// response head encoder.
package http1

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrIncomplete is returned when the buffer does not yet hold a complete
	// head (request line and headers up to the terminating blank line).
	ErrIncomplete = errors.New("incomplete head")
	// ErrHeadTooLarge is returned when a head does not fit the parser's limit.
	ErrHeadTooLarge = errors.New("head too large")
)

// Method is a request method.
type Method int

const (
	MethodUnknown Method = iota
	MethodGet
	MethodPost
	MethodDelete
)

// ParseMethod maps a method token to a Method. Tokens are case-sensitive.
func ParseMethod(s string) Method {
	switch s {
	case "GET":
		return MethodGet
	case "POST":
		return MethodPost
	case "DELETE":
		return MethodDelete
	}
	return MethodUnknown
}

func (m Method) String() string {
	switch m {
	case MethodGet:
		return "GET"
	case MethodPost:
		return "POST"
	case MethodDelete:
		return "DELETE"
	}
	return "UNKNOWN"
}

// Header holds header fields keyed by lower-cased name.
type Header map[string]string

// Get returns the value for key, matched case-insensitively.
func (h Header) Get(key string) string {
	return h[strings.ToLower(key)]
}

// Add stores value under the lower-cased key unless the key is already
// present: the first occurrence of a header wins.
func (h Header) Add(key, value string) {
	key = strings.ToLower(key)
	if _, ok := h[key]; ok {
		return
	}
	h[key] = value
}

// Request is a parsed request head.
type Request struct {
	Method  Method
	Path    string
	Query   string
	Version string
	Header  Header
	Valid   bool
}

// KeepAlive reports whether the client explicitly asked for the connection
// to be kept open.
func (r *Request) KeepAlive() bool {
	return strings.EqualFold(r.Header.Get("connection"), "keep-alive")
}

// ContentLength returns the declared body length, 0 when absent.
func (r *Request) ContentLength() (int64, error) {
	v := r.Header.Get("content-length")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid content-length %q", v)
	}
	return n, nil
}

// Host returns the host header without its port.
func (r *Request) Host() string {
	host := r.Header.Get("host")
	if i := strings.LastIndexByte(host, ':'); i >= 0 && !strings.Contains(host[i:], "]") {
		host = host[:i]
	}
	return host
}

func (r *Request) String() string {
	if !r.Valid {
		return "INVALID"
	}
	if r.Query != "" {
		return fmt.Sprintf("%s %s?%s %s", r.Method, r.Path, r.Query, r.Version)
	}
	return fmt.Sprintf("%s %s %s", r.Method, r.Path, r.Version)
}

// headEnd returns the offset just past the blank line terminating the head
// in b, skipping leading empty lines. It returns -1 if no blank line has
// arrived yet.
func headEnd(b []byte, start int) int {
	for off := start; off < len(b); {
		nl := bytes.IndexByte(b[off:], '\n')
		if nl < 0 {
			return -1
		}
		line := b[off : off+nl]
		off += nl + 1
		if len(line) == 0 || (len(line) == 1 && line[0] == '\r') {
			return off
		}
	}
	return -1
}

// skipEmptyLines returns the number of leading CRLF / LF bytes in b.
func skipEmptyLines(b []byte) int {
	n := 0
	for n < len(b) && (b[n] == '\r' || b[n] == '\n') {
		n++
	}
	return n
}

// ParseRequest parses a request head from the start of b. It returns the
// request and the number of bytes it consumed; the caller erases that prefix
// and keeps the remainder (e.g. the start of the body). ErrIncomplete is
// returned, with nothing consumed, while the terminating blank line has not
// arrived. A syntactically broken head yields a request with Valid unset;
// its bytes are still reported as consumed.
func ParseRequest(b []byte) (*Request, int, error) {
	start := skipEmptyLines(b)
	end := headEnd(b, start)
	if end < 0 {
		return nil, 0, ErrIncomplete
	}

	req := &Request{Header: make(Header)}
	lines := splitLines(b[start:end])
	if len(lines) == 0 {
		return req, end, nil
	}
	if !parseRequestLine(req, lines[0]) {
		return req, end, nil
	}
	parseHeaderLines(req.Header, lines[1:])
	req.Valid = true
	return req, end, nil
}

func parseRequestLine(req *Request, line string) bool {
	tokens := strings.Split(line, " ")

	req.Method = ParseMethod(tokens[0])
	if req.Method == MethodUnknown {
		return false
	}

	if len(tokens) < 2 || tokens[1] == "" {
		return false
	}
	path := tokens[1]
	if i := strings.IndexByte(path, '?'); i > 0 {
		req.Query = path[i+1:]
		path = path[:i]
	}
	req.Path = path
	if path[0] != '/' || strings.Contains(path, "..") {
		return false
	}

	if len(tokens) != 3 || !strings.HasPrefix(tokens[2], "HTTP/") {
		return false
	}
	req.Version = tokens[2]
	return true
}

// parseHeaderLines adds "Key: Value" lines to h. Lines without a colon, with
// an empty key or with an empty value are skipped.
func parseHeaderLines(h Header, lines []string) {
	for _, line := range lines {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(value, " \t")
		if key == "" || strings.ContainsAny(key, " \t") || value == "" {
			continue
		}
		h.Add(key, value)
	}
}

// splitLines splits a head into lines without their CRLF / LF terminators,
// dropping the final blank line.
func splitLines(b []byte) []string {
	var lines []string
	for len(b) > 0 {
		nl := bytes.IndexByte(b, '\n')
		if nl < 0 {
			nl = len(b)
		}
		line := strings.TrimSuffix(string(b[:nl]), "\r")
		if line == "" {
			break
		}
		lines = append(lines, line)
		if nl == len(b) {
			break
		}
		b = b[nl+1:]
	}
	return lines
}

// Parser accumulates bytes until a complete request head is available.
type Parser struct {
	buf []byte
	max int
}

// NewParser returns a parser that rejects heads longer than max bytes.
func NewParser(max int) *Parser {
	return &Parser{max: max}
}

// Feed appends chunk to the buffered bytes and tries to parse a head. A head
// longer than max is rejected however it was split. On success the consumed
// prefix is dropped and the leftover bytes are available
// through Buffered.
func (p *Parser) Feed(chunk []byte) (*Request, error) {
	p.buf = append(p.buf, chunk...)
	req, n, err := ParseRequest(p.buf)
	if errors.Is(err, ErrIncomplete) {
		if p.max > 0 && len(p.buf) > p.max {
			return nil, ErrHeadTooLarge
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if p.max > 0 && n > p.max {
		return nil, ErrHeadTooLarge
	}
	if n > 0 {
		p.buf = p.buf[n:]
	}
	return req, nil
}

// Buffered returns the bytes received after the last parsed head.
func (p *Parser) Buffered() []byte {
	return p.buf
}
