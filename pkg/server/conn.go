//go:build linux

package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/apoxy-dev/webserv/pkg/autoindex"
	"github.com/apoxy-dev/webserv/pkg/cgi"
	"github.com/apoxy-dev/webserv/pkg/http1"
	"github.com/apoxy-dev/webserv/pkg/metrics"
	"github.com/apoxy-dev/webserv/pkg/netio"
	"github.com/apoxy-dev/webserv/pkg/reactor"
	"github.com/apoxy-dev/webserv/pkg/router"
)

// Pending bytes above which the producing side stops being read.
const highWater = 64 << 10

// poller is the part of the reactor a Connection drives.
type poller interface {
	Register(fd int, ev reactor.Events, h reactor.Handler) error
	Modify(fd int, ev reactor.Events) error
	Unregister(fd int) error
}

// deps are shared by every connection of a server.
type deps struct {
	poller   poller
	router   func() *router.Router
	spawner  cgi.Spawner
	reaper   *cgi.Reaper
	metrics  *metrics.Metrics
	software string
	now      func() time.Time
	closeFD  func(fd int) error
	onClose  func(c *Connection)
}

// exchange is the state of one request/response cycle. It is replaced
// wholesale when the next request starts.
type exchange struct {
	req    *http1.Request
	route  *router.Route
	limits router.Limits
	// Whether the connection stays open after the response.
	keepAlive bool
	// Status decided while reading the request, 0 when none.
	status int
	// Response head bytes not yet sent.
	out []byte

	proc      cgi.Process
	spawnedAt time.Time
	deadline  time.Time
	// Body bytes not yet written to the child.
	stdin    []byte
	bodyDone bool
	// Output read before the response started.
	stdout    []byte
	stdoutEOF bool
}

// earlyOutputLimit bounds the CGI output held while the request body is
// still being read. A program that echoes its input must be able to write
// all of it before the response can start.
func (ex *exchange) earlyOutputLimit() int64 {
	limit := ex.limits.ClientMaxBodySize + int64(ex.limits.HeaderBufferSize)
	if limit < highWater {
		limit = highWater
	}
	return limit
}

// Connection is a client connection driven by readiness events. All methods
// run on the reactor goroutine.
type Connection struct {
	id     string
	fd     int
	listen string
	local  netip.AddrPort
	peer   netip.AddrPort
	d      *deps
	log    *slog.Logger

	phase phase
	ex    *exchange
	// Bytes received past the end of the current request.
	carry []byte
	// Tunables of the listener's default server, used until a route is known.
	limits     router.Limits
	lastActive time.Time
}

func newConnection(d *deps, fd int, listen string, local, peer netip.AddrPort) *Connection {
	id := uuid.NewString()
	c := &Connection{
		id:     id,
		fd:     fd,
		listen: listen,
		local:  local,
		peer:   peer,
		d:      d,
		log: slog.With(
			slog.String("conn", id),
			slog.String("peer", peer.String())),
		limits:     d.router().Limits(listen),
		lastActive: d.now(),
	}
	c.phase = &readyToRead{parser: http1.NewParser(c.limits.HeaderBufferSize)}
	return c
}

// ID returns the connection id used in logs.
func (c *Connection) ID() string { return c.id }

// FD returns the socket descriptor.
func (c *Connection) FD() int { return c.fd }

// State returns the visible state.
func (c *Connection) State() State { return c.phase.state() }

func (c *Connection) isClosed() bool {
	_, ok := c.phase.(*closed)
	return ok
}

// HandleEvent implements reactor.Handler for the client socket.
func (c *Connection) HandleEvent(_ int, ev reactor.Events) {
	c.lastActive = c.d.now()
	if ev&(reactor.Hangup|reactor.Error) != 0 {
		c.log.Debug("Socket hung up", slog.String("events", ev.String()))
		c.Close()
		return
	}
	if ev&reactor.Readable != 0 {
		c.onReadable()
	}
	if ev&reactor.Writable != 0 && !c.isClosed() {
		c.onWritable()
	}
	c.sync()
}

func (c *Connection) onReadable() {
	switch p := c.phase.(type) {
	case *readyToRead:
		data, err := netio.Receive(c.fd, c.limits.HeaderBufferSize)
		if err != nil {
			c.readFailed(err)
			return
		}
		c.feed(p, data)
	case *reading:
		c.readBody(p)
	}
}

func (c *Connection) readFailed(err error) {
	switch {
	case errors.Is(err, netio.ErrWouldBlock):
		return
	case errors.Is(err, netio.ErrPeerClosed):
		c.log.Debug("Peer closed connection", slog.String("phase", c.phase.name()))
	default:
		c.log.Warn("Failed to read from socket", slog.Any("error", err))
	}
	c.Close()
}

func (c *Connection) feed(p *readyToRead, data []byte) {
	req, err := p.parser.Feed(data)
	switch {
	case errors.Is(err, http1.ErrIncomplete):
		return
	case errors.Is(err, http1.ErrHeadTooLarge):
		c.log.Debug("Request head too large", slog.Int("limit", c.limits.HeaderBufferSize))
		c.ex = &exchange{limits: c.limits}
		c.reject(http.StatusRequestHeaderFieldsTooLarge)
		return
	case err != nil:
		c.log.Warn("Failed to parse request", slog.Any("error", err))
		c.Close()
		return
	}
	c.startRequest(req, p.parser.Buffered())
}

// reject answers the current request with status and closes afterwards.
func (c *Connection) reject(status int) {
	c.ex.status = status
	c.ex.keepAlive = false
	c.carry = nil
	c.phase = &readyToWrite{}
}

func (c *Connection) startRequest(req *http1.Request, rest []byte) {
	ex := &exchange{req: req, limits: c.limits}
	c.ex = ex
	c.d.metrics.Request(req.Method.String())

	if !req.Valid {
		c.log.Debug("Malformed request")
		c.reject(http.StatusBadRequest)
		return
	}
	ex.keepAlive = req.KeepAlive()
	length, err := req.ContentLength()
	if err != nil {
		c.log.Debug("Bad content length", slog.Any("error", err))
		c.reject(http.StatusBadRequest)
		return
	}

	ex.route = c.d.router().ResolveOn(c.listen, req.Host(), req.Path)
	if ex.route != nil {
		ex.limits = ex.route.Limits()
	}

	var prog *router.Program
	switch {
	case ex.route == nil:
		ex.status = http.StatusNotFound
	case !ex.route.AllowsMethod(req.Method):
		ex.status = http.StatusMethodNotAllowed
	case req.Method == http1.MethodDelete:
		ex.status = http.StatusNotImplemented
	case length > ex.limits.ClientMaxBodySize:
		ex.status = http.StatusRequestEntityTooLarge
	default:
		if p, ok := ex.route.CGI(req.Path); ok {
			prog = p
		} else if req.Method == http1.MethodPost {
			ex.status = http.StatusMethodNotAllowed
		}
	}
	if prog != nil {
		if _, err := netio.FileSize(prog.Script); err != nil {
			ex.status = http.StatusNotFound
		} else if err := c.spawn(prog, length); err != nil {
			c.log.Warn("Failed to spawn CGI program",
				slog.String("script", prog.Script), slog.Any("error", err))
			ex.status = http.StatusInternalServerError
		}
	}

	if ex.status != 0 && length > 0 {
		// The body is left unread.
		c.reject(ex.status)
		return
	}

	n := int64(len(rest))
	if n > length {
		n = length
	}
	c.carry = append([]byte(nil), rest[n:]...)
	c.consumeBody(rest[:n])
	if n >= length {
		c.bodyComplete()
		c.phase = &readyToWrite{}
		return
	}
	c.phase = &reading{received: n, expected: length}
}

func (c *Connection) readBody(p *reading) {
	max := p.expected - p.received
	if max > int64(c.ex.limits.HeaderBufferSize) {
		max = int64(c.ex.limits.HeaderBufferSize)
	}
	data, err := netio.Receive(c.fd, int(max))
	if err != nil {
		c.readFailed(err)
		return
	}
	p.received += int64(len(data))
	c.consumeBody(data)
	if p.received >= p.expected {
		c.bodyComplete()
		c.phase = &readyToWrite{}
	}
}

// consumeBody forwards body bytes to the CGI program, if any, and discards
// them otherwise.
func (c *Connection) consumeBody(b []byte) {
	ex := c.ex
	if len(b) == 0 || ex.proc == nil || ex.proc.StdinFD() < 0 {
		return
	}
	ex.stdin = append(ex.stdin, b...)
}

func (c *Connection) bodyComplete() {
	ex := c.ex
	ex.bodyDone = true
	if ex.proc != nil && len(ex.stdin) == 0 {
		c.closeStdin()
	}
}

func (c *Connection) onWritable() {
	if _, ok := c.phase.(*readyToWrite); ok {
		c.beginResponse()
	}
	switch c.phase.(type) {
	case *writingBuffer, *writingFile, *writingCGI:
		c.writeSome()
	}
}

// beginResponse selects the body source for the current request.
func (c *Connection) beginResponse() {
	ex := c.ex
	if ex.status != 0 {
		c.respondStatus(ex.status)
		return
	}
	if ex.proc != nil {
		p := &awaitingCGIHead{buf: ex.stdout}
		ex.stdout = nil
		c.phase = p
		c.parseCGIHead(p)
		return
	}
	c.serveStatic()
}

func (c *Connection) serveStatic() {
	route, req := c.ex.route, c.ex.req
	fpath := route.Translate(req.Path)

	if strings.HasSuffix(req.Path, "/") {
		if name := route.IndexPage(); name != "" {
			index := filepath.Join(fpath, name)
			if _, err := netio.FileSize(index); err == nil {
				c.serveFile(http.StatusOK, index)
				return
			}
		}
		if !route.AutoIndex() {
			c.respondStatus(http.StatusNotFound)
			return
		}
		page, err := autoindex.Render(fpath, req.Path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				c.respondStatus(http.StatusNotFound)
				return
			}
			c.log.Warn("Failed to render directory listing", slog.Any("error", err))
			c.respondStatus(http.StatusInternalServerError)
			return
		}
		resp := c.newResponse(http.StatusOK)
		resp.ContentLength = int64(len(page))
		resp.ContentType = "text/html"
		c.startWriting(resp, &writingBuffer{body: page})
		return
	}

	if fi, err := os.Stat(fpath); err == nil && fi.IsDir() {
		resp := c.newResponse(http.StatusMovedPermanently)
		resp.Header.Add("location", req.Path+"/")
		resp.ContentLength = 0
		c.startWriting(resp, &writingBuffer{})
		return
	}
	c.serveFile(http.StatusOK, fpath)
}

func openFile(path string) (*os.File, int64, error) {
	size, err := netio.FileSize(path)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	return f, size, nil
}

func (c *Connection) serveFile(status int, path string) {
	f, size, err := openFile(path)
	if err != nil {
		c.log.Debug("File unreadable", slog.String("path", path), slog.Any("error", err))
		c.respondStatus(http.StatusNotFound)
		return
	}
	resp := c.newResponse(status)
	resp.ContentLength = size
	resp.ContentType = http1.ContentTypeForPath(path)
	c.startWriting(resp, &writingFile{f: f, size: size})
}

// respondStatus answers with status and the route's error page for it, or
// a short text body when there is none.
func (c *Connection) respondStatus(status int) {
	if route := c.ex.route; route != nil {
		if page, ok := route.ErrorPage(status); ok {
			f, size, err := openFile(page)
			if err == nil {
				resp := c.newResponse(status)
				resp.ContentLength = size
				resp.ContentType = http1.ContentTypeForPath(page)
				c.startWriting(resp, &writingFile{f: f, size: size})
				return
			}
			c.log.Warn("Error page unreadable", slog.String("path", page), slog.Any("error", err))
		}
	}
	body := []byte(fmt.Sprintf("%d %s\n", status, http1.StatusText(status)))
	resp := c.newResponse(status)
	resp.ContentLength = int64(len(body))
	resp.ContentType = "text/plain"
	c.startWriting(resp, &writingBuffer{body: body})
}

func (c *Connection) newResponse(status int) *http1.Response {
	resp := http1.NewResponse()
	resp.Status = status
	resp.KeepAlive = c.ex.keepAlive
	if c.d.software != "" {
		resp.Header.Add("server", c.d.software)
	}
	return resp
}

// startWriting queues the response head and makes body the active source.
func (c *Connection) startWriting(resp *http1.Response, body phase) {
	ex := c.ex
	ex.keepAlive = resp.KeepAlive
	ex.out = resp.AppendHead(ex.out[:0])
	c.d.metrics.Response(resp.Status)

	attrs := []any{slog.Int("status", resp.Status)}
	if ex.req != nil && ex.req.Valid {
		attrs = append(attrs,
			slog.String("method", ex.req.Method.String()),
			slog.String("path", ex.req.Path))
	}
	c.log.Info("Response", attrs...)
	c.phase = body
}

// writeSome flushes the pending head, then sends one chunk of the body.
func (c *Connection) writeSome() {
	ex := c.ex
	if len(ex.out) > 0 {
		n, err := netio.Send(c.fd, ex.out)
		c.d.metrics.BytesSent(n)
		if err != nil {
			c.writeFailed(err)
			return
		}
		ex.out = ex.out[n:]
		if len(ex.out) > 0 {
			return
		}
	}

	chunk := ex.limits.SendBufferSize
	switch p := c.phase.(type) {
	case *writingBuffer:
		if p.off < len(p.body) {
			end := p.off + chunk
			if end > len(p.body) {
				end = len(p.body)
			}
			n, err := netio.Send(c.fd, p.body[p.off:end])
			c.d.metrics.BytesSent(n)
			if err != nil {
				c.writeFailed(err)
				return
			}
			p.off += n
		}
		if p.off >= len(p.body) {
			c.complete()
		}
	case *writingFile:
		before := p.off
		more, err := netio.SendFile(c.fd, p.f, &p.off, p.size, chunk)
		c.d.metrics.BytesSent(int(p.off - before))
		if err != nil && !errors.Is(err, netio.ErrWouldBlock) {
			c.writeFailed(err)
			return
		}
		if !more {
			c.complete()
		}
	case *writingCGI:
		if len(p.pending) > 0 {
			end := chunk
			if end > len(p.pending) {
				end = len(p.pending)
			}
			n, err := netio.Send(c.fd, p.pending[:end])
			c.d.metrics.BytesSent(n)
			if err != nil {
				c.writeFailed(err)
				return
			}
			p.pending = p.pending[n:]
		}
		if p.drained && len(p.pending) == 0 {
			c.cgiOutputDone(p)
		}
	}
}

func (c *Connection) writeFailed(err error) {
	switch {
	case errors.Is(err, netio.ErrWouldBlock):
		return
	case errors.Is(err, netio.ErrPeerClosed):
		c.log.Debug("Peer closed connection while writing")
	default:
		c.log.Warn("Failed to write to socket", slog.Any("error", err))
	}
	c.Close()
}

// complete ends the exchange: the connection either waits for the next
// request or closes. A CGI program still attached decides that by its exit
// status first.
func (c *Connection) complete() {
	if c.ex.proc != nil {
		if _, ok := c.phase.(*awaitingExit); !ok {
			c.releaseBody()
			c.phase = &awaitingExit{}
			c.checkExit()
			return
		}
	}
	if c.ex.keepAlive {
		c.reset()
		return
	}
	c.Close()
}

func (c *Connection) reset() {
	c.releaseBody()
	c.releaseProcess()
	c.ex = nil
	p := &readyToRead{parser: http1.NewParser(c.limits.HeaderBufferSize)}
	c.phase = p
	if len(c.carry) > 0 {
		data := c.carry
		c.carry = nil
		c.feed(p, data)
	}
}

func (c *Connection) releaseBody() {
	if p, ok := c.phase.(*writingFile); ok && p.f != nil {
		if err := p.f.Close(); err != nil {
			c.log.Warn("Failed to close file", slog.Any("error", err))
		}
		p.f = nil
	}
}

// tick enforces timeouts and polls for CGI exit.
func (c *Connection) tick(now time.Time) {
	if c.isClosed() {
		return
	}
	switch c.phase.(type) {
	case *readyToRead, *reading:
		timeout := c.limits.KeepaliveTimeout
		if c.ex != nil {
			timeout = c.ex.limits.KeepaliveTimeout
		}
		if timeout > 0 && now.Sub(c.lastActive) >= timeout {
			c.log.Debug("Closing idle connection", slog.Duration("idle", now.Sub(c.lastActive)))
			c.Close()
			return
		}
	case *awaitingExit:
		c.checkExit()
	}
	if ex := c.ex; ex != nil && ex.proc != nil && ex.limits.CGITimeout > 0 && now.After(ex.deadline) {
		c.cgiTimedOut()
	}
	c.sync()
}

// sync recomputes the interest sets so that no descriptor is armed for an
// event it cannot make progress on.
func (c *Connection) sync() {
	if c.isClosed() {
		return
	}
	ex := c.ex

	var sock reactor.Events
	switch p := c.phase.(type) {
	case *readyToRead:
		sock = reactor.Readable
	case *reading:
		if ex.proc == nil || len(ex.stdin) < highWater {
			sock = reactor.Readable
		}
	case *readyToWrite, *writingBuffer, *writingFile:
		sock = reactor.Writable
	case *writingCGI:
		if len(ex.out) > 0 || len(p.pending) > 0 {
			sock = reactor.Writable
		}
	}
	if !c.modify(c.fd, sock) {
		return
	}

	if ex == nil || ex.proc == nil {
		return
	}
	if fd := ex.proc.StdinFD(); fd >= 0 {
		var ev reactor.Events
		if len(ex.stdin) > 0 {
			ev = reactor.Writable
		}
		if !c.modify(fd, ev) {
			return
		}
	}
	if fd := ex.proc.StdoutFD(); fd >= 0 {
		var ev reactor.Events
		switch p := c.phase.(type) {
		case *reading, *readyToWrite:
			if int64(len(ex.stdout)) < ex.earlyOutputLimit() {
				ev = reactor.Readable
			}
		case *awaitingCGIHead:
			ev = reactor.Readable
		case *writingCGI:
			if !p.drained && len(p.pending) < highWater {
				ev = reactor.Readable
			}
		}
		c.modify(fd, ev)
	}
}

func (c *Connection) modify(fd int, ev reactor.Events) bool {
	if err := c.d.poller.Modify(fd, ev); err != nil {
		c.log.Warn("Failed to update interest", slog.Int("fd", fd), slog.Any("error", err))
		c.Close()
		return false
	}
	return true
}

// Close releases every descriptor the connection owns. It is idempotent.
func (c *Connection) Close() {
	if c.isClosed() {
		return
	}
	c.releaseBody()
	c.releaseProcess()
	c.phase = &closed{}

	if err := c.d.poller.Unregister(c.fd); err != nil {
		c.log.Warn("Failed to unregister socket", slog.Any("error", err))
	}
	if err := c.d.closeFD(c.fd); err != nil {
		c.log.Warn("Failed to close socket", slog.Any("error", err))
	}
	c.d.metrics.ConnectionClosed()
	if c.d.onClose != nil {
		c.d.onClose(c)
	}
	c.log.Debug("Connection closed")
}
