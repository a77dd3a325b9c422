package http1

import (
	"net/http"
	"strconv"
	"strings"
)

// CGIHead is the header block a CGI program writes before its body.
type CGIHead struct {
	Status        int
	ContentType   string
	ContentLength int64
	Location      string
	Header        Header
}

// ParseCGIHead parses the CGI header block at the start of b using the same
// line rules as request headers. It returns the number of bytes consumed, or
// ErrIncomplete while the terminating blank line is missing.
//
// The status comes from the "Status" field ("404 Not Found" or just "404");
// without one it is 302 when a Location is given and 200 otherwise.
func ParseCGIHead(b []byte) (*CGIHead, int, error) {
	end := headEnd(b, 0)
	if end < 0 {
		return nil, 0, ErrIncomplete
	}
	h := make(Header)
	parseHeaderLines(h, splitLines(b[:end]))

	head := &CGIHead{
		Status:        http.StatusOK,
		ContentType:   h.Get("content-type"),
		ContentLength: -1,
		Location:      h.Get("location"),
		Header:        h,
	}
	if head.Location != "" {
		head.Status = http.StatusFound
	}
	if s := h.Get("status"); s != "" {
		code, _, _ := strings.Cut(s, " ")
		n, err := strconv.Atoi(code)
		if err != nil || n < 100 || n > 999 {
			n = http.StatusInternalServerError
		}
		head.Status = n
	}
	if v := h.Get("content-length"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			head.ContentLength = n
		}
	}
	return head, end, nil
}
