//go:build linux

package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/apoxy-dev/webserv/pkg/cgi"
	"github.com/apoxy-dev/webserv/pkg/http1"
	"github.com/apoxy-dev/webserv/pkg/netio"
	"github.com/apoxy-dev/webserv/pkg/reactor"
	"github.com/apoxy-dev/webserv/pkg/router"
)

const cgiReadSize = 8192

// pipeHandler receives events for one end of a connection's CGI pipes.
type pipeHandler struct {
	c     *Connection
	stdin bool
}

func (h *pipeHandler) HandleEvent(_ int, ev reactor.Events) {
	if h.stdin {
		h.c.onStdin(ev)
	} else {
		h.c.onStdout(ev)
	}
	h.c.sync()
}

func (c *Connection) spawn(prog *router.Program, length int64) error {
	ex := c.ex
	env := cgi.NewRequestEnv(&cgi.RequestInfo{
		Request:       ex.req,
		ContentLength: length,
		Script:        prog.Script,
		RemoteAddr:    c.peer,
		ServerName:    ex.route.ServerName(),
		ServerPort:    int(c.local.Port()),
		Software:      c.d.software,
	})
	proc, err := c.d.spawner.Spawn(&cgi.Command{
		Argv: prog.Argv,
		Env:  env.Environ(),
		Dir:  filepath.Dir(prog.Script),
	})
	if err != nil {
		c.d.metrics.CGIFailed()
		return err
	}
	c.d.metrics.CGISpawned()

	now := c.d.now()
	ex.proc = proc
	ex.spawnedAt = now
	ex.deadline = now.Add(ex.limits.CGITimeout)

	if err := c.d.poller.Register(proc.StdinFD(), 0, &pipeHandler{c: c, stdin: true}); err != nil {
		c.releaseProcess()
		return fmt.Errorf("failed to register stdin: %w", err)
	}
	if err := c.d.poller.Register(proc.StdoutFD(), 0, &pipeHandler{c: c}); err != nil {
		c.releaseProcess()
		return fmt.Errorf("failed to register stdout: %w", err)
	}
	c.log.Debug("Started CGI program",
		slog.Int("pid", proc.Pid()), slog.String("script", prog.Script))
	return nil
}

func (c *Connection) onStdin(ev reactor.Events) {
	ex := c.ex
	if ex == nil || ex.proc == nil || ex.proc.StdinFD() < 0 {
		return
	}
	if ev&(reactor.Hangup|reactor.Error) != 0 {
		c.log.Debug("CGI program closed its input", slog.Int("unsent", len(ex.stdin)))
		c.closeStdin()
		return
	}
	if len(ex.stdin) > 0 {
		n, err := ex.proc.WriteStdin(ex.stdin)
		switch {
		case errors.Is(err, netio.ErrWouldBlock):
			return
		case err != nil:
			c.log.Debug("Failed to write CGI input", slog.Any("error", err))
			c.closeStdin()
			return
		}
		ex.stdin = ex.stdin[n:]
	}
	if len(ex.stdin) == 0 && ex.bodyDone {
		c.closeStdin()
	}
}

func (c *Connection) onStdout(ev reactor.Events) {
	ex := c.ex
	if ex == nil || ex.proc == nil || ex.proc.StdoutFD() < 0 {
		return
	}
	buf := make([]byte, cgiReadSize)
	n, err := ex.proc.ReadStdout(buf)
	eof := false
	switch {
	case errors.Is(err, netio.ErrWouldBlock):
		return
	case errors.Is(err, io.EOF):
		eof = true
	case err != nil:
		c.log.Warn("Failed to read CGI output", slog.Any("error", err))
		eof = true
	}
	data := buf[:n]

	switch p := c.phase.(type) {
	case *awaitingCGIHead:
		p.buf = append(p.buf, data...)
		if eof {
			c.closeStdout()
		}
		c.parseCGIHead(p)
	case *writingCGI:
		if p.remaining >= 0 {
			if int64(len(data)) > p.remaining {
				data = data[:p.remaining]
			}
			p.remaining -= int64(len(data))
		}
		p.pending = append(p.pending, data...)
		if eof || p.remaining == 0 {
			c.closeStdout()
			p.drained = true
		}
		if p.drained && len(p.pending) == 0 && len(ex.out) == 0 {
			c.cgiOutputDone(p)
		}
	default:
		// Held until the request body is complete.
		ex.stdout = append(ex.stdout, data...)
		if eof {
			c.closeStdout()
		}
	}
}

// parseCGIHead turns the program's header block into the response head.
func (c *Connection) parseCGIHead(p *awaitingCGIHead) {
	ex := c.ex
	head, n, err := http1.ParseCGIHead(p.buf)
	if errors.Is(err, http1.ErrIncomplete) {
		switch {
		case ex.stdoutEOF && len(p.buf) == 0:
			c.log.Warn("CGI program produced no output")
			c.cgiFailed(http.StatusInternalServerError)
		case ex.stdoutEOF:
			c.log.Warn("CGI output ended inside its header block", slog.Int("bytes", len(p.buf)))
			c.cgiFailed(http.StatusInternalServerError)
		case len(p.buf) > ex.limits.HeaderBufferSize:
			c.log.Warn("CGI header block too large", slog.Int("bytes", len(p.buf)))
			c.cgiFailed(http.StatusInternalServerError)
		}
		return
	}

	body := p.buf[n:]
	if c.substituteErrorPage(head, body) {
		if !ex.stdoutEOF && head.ContentLength != 0 {
			// Wait for output or EOF before choosing the body.
			return
		}
		c.closeStdout()
		c.respondStatus(head.Status)
		return
	}

	resp := c.newResponse(head.Status)
	resp.ContentType = head.ContentType
	resp.ContentLength = head.ContentLength
	for k, v := range head.Header {
		switch k {
		case "status", "content-type", "content-length", "connection", "server", "transfer-encoding":
			continue
		}
		resp.Header.Add(k, v)
	}
	if resp.ContentLength < 0 {
		// Delimited by closing the connection.
		resp.KeepAlive = false
	}

	w := &writingCGI{remaining: head.ContentLength}
	if w.remaining >= 0 {
		if int64(len(body)) > w.remaining {
			body = body[:w.remaining]
		}
		w.remaining -= int64(len(body))
	}
	w.pending = append([]byte(nil), body...)
	if ex.stdoutEOF || w.remaining == 0 {
		c.closeStdout()
		w.drained = true
	}
	c.startWriting(resp, w)
}

// substituteErrorPage reports whether a bodiless non-200 CGI response
// would be answered with the route's error page for its status.
func (c *Connection) substituteErrorPage(head *http1.CGIHead, body []byte) bool {
	route := c.ex.route
	if head.Status == http.StatusOK || len(body) > 0 || route == nil {
		return false
	}
	_, ok := route.ErrorPage(head.Status)
	return ok
}

// cgiOutputDone is called once the whole program output has been sent.
func (c *Connection) cgiOutputDone(p *writingCGI) {
	if p.remaining > 0 {
		c.log.Warn("CGI output shorter than its content-length", slog.Int64("missing", p.remaining))
		c.ex.keepAlive = false
	}
	c.phase = &awaitingExit{}
	c.checkExit()
}

// checkExit completes the exchange once the program has been reaped. A
// non-zero exit closes the connection.
func (c *Connection) checkExit() {
	ex := c.ex
	status, err := ex.proc.PollExit()
	switch {
	case errors.Is(err, cgi.ErrNotExited):
		return
	case err != nil:
		c.log.Warn("Failed to reap CGI program", slog.Any("error", err))
		ex.keepAlive = false
	case !status.Success():
		c.log.Warn("CGI program failed", slog.Int("pid", ex.proc.Pid()), slog.String("status", status.String()))
		c.d.metrics.CGIFailed()
		ex.keepAlive = false
	default:
		c.log.Debug("CGI program exited", slog.Int("pid", ex.proc.Pid()))
	}
	c.d.metrics.CGIExited(c.d.now().Sub(ex.spawnedAt))
	c.releaseProcess()
	c.complete()
}

func (c *Connection) cgiTimedOut() {
	ex := c.ex
	c.log.Warn("CGI program timed out",
		slog.Int("pid", ex.proc.Pid()), slog.Duration("timeout", ex.limits.CGITimeout))
	if err := ex.proc.Signal(unix.SIGKILL); err != nil {
		c.log.Warn("Failed to kill CGI program", slog.Any("error", err))
	}
	ex.keepAlive = false
	switch c.phase.(type) {
	case *reading, *readyToWrite, *awaitingCGIHead:
		c.cgiFailed(http.StatusGatewayTimeout)
	default:
		// The head is already out.
		c.d.metrics.CGIFailed()
		c.Close()
	}
}

// cgiFailed hands the program to the reaper and answers with status.
func (c *Connection) cgiFailed(status int) {
	c.d.metrics.CGIFailed()
	c.releaseProcess()
	c.ex.keepAlive = false
	c.respondStatus(status)
}

func (c *Connection) closeStdin() {
	ex := c.ex
	ex.stdin = nil
	fd := ex.proc.StdinFD()
	if fd < 0 {
		return
	}
	if err := c.d.poller.Unregister(fd); err != nil {
		c.log.Warn("Failed to unregister CGI input", slog.Any("error", err))
	}
	if err := ex.proc.CloseStdin(); err != nil {
		c.log.Warn("Failed to close CGI input", slog.Any("error", err))
	}
}

func (c *Connection) closeStdout() {
	ex := c.ex
	ex.stdoutEOF = true
	fd := ex.proc.StdoutFD()
	if fd < 0 {
		return
	}
	if err := c.d.poller.Unregister(fd); err != nil {
		c.log.Warn("Failed to unregister CGI output", slog.Any("error", err))
	}
	if err := ex.proc.CloseStdout(); err != nil {
		c.log.Warn("Failed to close CGI output", slog.Any("error", err))
	}
}

// releaseProcess detaches the program from the connection. One that has not
// exited yet is handed to the reaper.
func (c *Connection) releaseProcess() {
	ex := c.ex
	if ex == nil || ex.proc == nil {
		return
	}
	proc := ex.proc
	ex.proc = nil
	for _, fd := range []int{proc.StdinFD(), proc.StdoutFD()} {
		if fd >= 0 {
			if err := c.d.poller.Unregister(fd); err != nil {
				c.log.Warn("Failed to unregister CGI pipe", slog.Int("fd", fd), slog.Any("error", err))
			}
		}
	}
	c.d.reaper.Adopt(proc, c.d.now())
}
