//go:build linux

// Package server implements the HTTP/1.1 connection state machine and runs it
// on a single-threaded reactor.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/apoxy-dev/webserv/build"
	"github.com/apoxy-dev/webserv/config"
	"github.com/apoxy-dev/webserv/pkg/cgi"
	"github.com/apoxy-dev/webserv/pkg/metrics"
	"github.com/apoxy-dev/webserv/pkg/netio"
	"github.com/apoxy-dev/webserv/pkg/reactor"
	"github.com/apoxy-dev/webserv/pkg/router"
)

// Accepted connections per listener readiness event.
const acceptBatch = 64

// Server accepts connections on every configured listen address and serves
// them from one reactor goroutine.
type Server struct {
	router  atomic.Pointer[router.Router]
	reactor *reactor.Reactor

	listeners []*Listener
	// Addresses bound by Listen. Not modified afterwards.
	bound     map[string]bool
	conns     map[int]*Connection
	reaper    *cgi.Reaper
	metrics   *metrics.Metrics
	spawner   cgi.Spawner
	tick      time.Duration
	software  string
	deps      *deps
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics records server activity in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithSpawner overrides how CGI programs are started.
func WithSpawner(sp cgi.Spawner) Option {
	return func(s *Server) {
		s.spawner = sp
	}
}

// WithTickInterval sets how often timeouts and CGI exits are checked.
func WithTickInterval(d time.Duration) Option {
	return func(s *Server) {
		s.tick = d
	}
}

// New creates a Server for cfg. Call Listen and then Serve.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	rt, err := router.New(cfg)
	if err != nil {
		return nil, err
	}
	s := &Server{
		conns:    make(map[int]*Connection),
		reaper:   cgi.NewReaper(cgi.DefaultGracePeriod),
		spawner:  &cgi.ExecSpawner{},
		tick:     50 * time.Millisecond,
		software: build.ServerSoftware(),
	}
	s.router.Store(rt)
	for _, opt := range opts {
		opt(s)
	}

	s.reactor, err = reactor.New(
		reactor.WithTickInterval(s.tick),
		reactor.WithPanicHandler(s.handlerPanicked),
	)
	if err != nil {
		return nil, err
	}
	s.reactor.OnTick(s.onTick)

	s.deps = &deps{
		poller:   s.reactor,
		router:   s.router.Load,
		spawner:  s.spawner,
		reaper:   s.reaper,
		metrics:  s.metrics,
		software: s.software,
		now:      time.Now,
		closeFD:  netio.Close,
		onClose: func(c *Connection) {
			delete(s.conns, c.fd)
		},
	}
	return s, nil
}

// Reload swaps in a router built from cfg. Listen addresses are fixed at
// startup; new ones are ignored until restart. Safe to call from any
// goroutine.
func (s *Server) Reload(cfg *config.Config) error {
	rt, err := router.New(cfg)
	if err != nil {
		return err
	}
	for _, addr := range rt.Listeners() {
		if !s.bound[addr] {
			slog.Warn("Ignoring new listen address until restart", slog.String("addr", addr))
		}
	}
	s.router.Store(rt)
	slog.Info("Routes reloaded", slog.Int("routes", len(rt.Routes())))
	return nil
}

// Listen binds every configured address.
func (s *Server) Listen() error {
	bound := make(map[string]bool)
	for _, addr := range s.router.Load().Listeners() {
		l, err := Listen(addr)
		if err != nil {
			s.closeListeners()
			return err
		}
		if err := s.reactor.Register(l.FD(), reactor.Readable, &acceptor{s: s, l: l}); err != nil {
			_ = l.Close()
			s.closeListeners()
			return err
		}
		s.listeners = append(s.listeners, l)
		bound[addr] = true
		local, _ := l.LocalAddr()
		slog.Info("Listening", slog.String("addr", addr), slog.String("local", local.String()))
	}
	s.bound = bound
	return nil
}

// Addrs returns the bound addresses of the listeners.
func (s *Server) Addrs() []netip.AddrPort {
	var addrs []netip.AddrPort
	for _, l := range s.listeners {
		if ap, err := l.LocalAddr(); err == nil {
			addrs = append(addrs, ap)
		}
	}
	return addrs
}

// Serve runs the reactor until ctx is done, then closes every connection
// and kills remaining CGI programs.
func (s *Server) Serve(ctx context.Context) error {
	if len(s.listeners) == 0 {
		return errors.New("no listeners")
	}
	err := s.reactor.Run(ctx)

	for _, c := range s.conns {
		c.Close()
	}
	s.closeListeners()
	if n := s.reaper.Shutdown(5 * time.Second); n > 0 {
		slog.Warn("CGI programs left unreaped", slog.Int("count", n))
	}
	if cerr := s.reactor.Close(); cerr != nil {
		slog.Warn("Failed to close reactor", slog.Any("error", cerr))
	}
	return err
}

// ListenAndServe binds every configured address and serves until ctx is
// done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(ctx)
}

func (s *Server) closeListeners() {
	for _, l := range s.listeners {
		_ = s.reactor.Unregister(l.FD())
		if err := l.Close(); err != nil {
			slog.Warn("Failed to close listener", slog.String("addr", l.Addr), slog.Any("error", err))
		}
	}
	s.listeners = nil
}

func (s *Server) onTick(now time.Time) {
	for _, c := range s.conns {
		c.tick(now)
	}
	s.metrics.SetCGIOrphans(s.reaper.Sweep(now))
}

// handlerPanicked closes whatever connection the panicking handler belongs
// to and reports the panic.
func (s *Server) handlerPanicked(fd int, h reactor.Handler, rec any) {
	s.metrics.HandlerPanicked()
	sentry.CurrentHub().Recover(rec)

	var c *Connection
	switch h := h.(type) {
	case *Connection:
		c = h
	case *pipeHandler:
		c = h.c
	case *acceptor:
		slog.Error("Listener handler panicked", slog.String("addr", h.l.Addr))
		return
	}
	if c != nil {
		c.log.Error("Connection handler panicked", slog.Int("fd", fd), slog.Any("panic", rec))
		c.Close()
	}
}

// acceptor accepts pending connections on a listener.
type acceptor struct {
	s *Server
	l *Listener
}

func (a *acceptor) HandleEvent(_ int, ev reactor.Events) {
	if ev&reactor.Error != 0 {
		slog.Error("Listener socket error", slog.String("addr", a.l.Addr))
		return
	}
	local, _ := a.l.LocalAddr()
	for i := 0; i < acceptBatch; i++ {
		fd, peer, err := a.l.Accept()
		if errors.Is(err, netio.ErrWouldBlock) {
			return
		}
		if err != nil {
			slog.Warn("Failed to accept connection", slog.Any("error", err))
			return
		}
		a.s.accept(a.l, fd, local, peer)
	}
}

func (s *Server) accept(l *Listener, fd int, local, peer netip.AddrPort) {
	if !s.router.Load().AllowClient(l.Addr, peer.Addr()) {
		slog.Info("Rejected client", slog.String("peer", peer.String()), slog.String("addr", l.Addr))
		s.metrics.ConnectionRejected()
		_ = netio.Close(fd)
		return
	}
	c := newConnection(s.deps, fd, l.Addr, local, peer)
	if err := s.reactor.Register(fd, reactor.Readable, c); err != nil {
		slog.Warn("Failed to register connection", slog.Any("error", err))
		_ = netio.Close(fd)
		return
	}
	s.conns[fd] = c
	s.metrics.ConnectionAccepted()
	c.log.Debug("Accepted connection", slog.String("addr", l.Addr))
}
