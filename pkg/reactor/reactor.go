//go:build linux

// Package reactor implements a single-threaded, level-triggered epoll loop
// that dispatches descriptor readiness to registered handlers.
package reactor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"
)

// Events is a set of readiness conditions.
type Events uint32

const (
	Readable Events = 1 << iota
	Writable
	// Hangup and Error are always reported, whatever the interest set.
	Hangup
	Error
)

func (e Events) String() string {
	s := ""
	for _, f := range []struct {
		ev   Events
		name string
	}{{Readable, "r"}, {Writable, "w"}, {Hangup, "h"}, {Error, "e"}} {
		if e&f.ev != 0 {
			s += f.name
		}
	}
	if s == "" {
		return "-"
	}
	return s
}

// Handler receives readiness notifications for a registered descriptor.
type Handler interface {
	HandleEvent(fd int, ev Events)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(fd int, ev Events)

func (f HandlerFunc) HandleEvent(fd int, ev Events) { f(fd, ev) }

// PanicHandler is called with the recovered value when a handler panics. The
// descriptor has already been unregistered.
type PanicHandler func(fd int, h Handler, recovered any)

type registration struct {
	h        Handler
	interest Events
	gen      int32
}

// Reactor owns the epoll instance and the fd to handler table. It is not safe
// for concurrent use: every method must be called from the goroutine running
// Run (or from handlers it dispatches to).
type Reactor struct {
	epfd    int
	regs    map[int]*registration
	gen     int32
	events  []unix.EpollEvent
	tick    time.Duration
	tickers []func(time.Time)
	onPanic PanicHandler
}

// Option configures a Reactor.
type Option func(*Reactor)

// WithTickInterval sets how often tick callbacks run. It is also the upper
// bound on how long a single wait blocks. Default 50ms.
func WithTickInterval(d time.Duration) Option {
	return func(r *Reactor) {
		r.tick = d
	}
}

// WithMaxEvents sets how many events a single wait can return.
func WithMaxEvents(n int) Option {
	return func(r *Reactor) {
		r.events = make([]unix.EpollEvent, n)
	}
}

// WithPanicHandler installs a callback for recovered handler panics.
func WithPanicHandler(f PanicHandler) Option {
	return func(r *Reactor) {
		r.onPanic = f
	}
}

// New creates a reactor.
func New(opts ...Option) (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("failed to create epoll instance: %w", err)
	}
	r := &Reactor{
		epfd:   epfd,
		regs:   make(map[int]*registration),
		events: make([]unix.EpollEvent, 256),
		tick:   50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func toEpoll(ev Events) uint32 {
	var e uint32
	if ev&Readable != 0 {
		e |= unix.EPOLLIN
	}
	if ev&Writable != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func fromEpoll(e uint32) Events {
	var ev Events
	if e&(unix.EPOLLIN|unix.EPOLLPRI) != 0 {
		ev |= Readable
	}
	if e&unix.EPOLLOUT != 0 {
		ev |= Writable
	}
	if e&unix.EPOLLHUP != 0 {
		ev |= Hangup
	}
	if e&unix.EPOLLERR != 0 {
		ev |= Error
	}
	return ev
}

// Register adds fd with the given interest set.
func (r *Reactor) Register(fd int, ev Events, h Handler) error {
	if _, ok := r.regs[fd]; ok {
		return fmt.Errorf("fd %d already registered", fd)
	}
	r.gen++
	e := unix.EpollEvent{Events: toEpoll(ev), Fd: int32(fd), Pad: r.gen}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &e); err != nil {
		return fmt.Errorf("failed to register fd %d: %w", fd, err)
	}
	r.regs[fd] = &registration{h: h, interest: ev, gen: r.gen}
	return nil
}

// Modify replaces the interest set of fd. Setting the interest it already
// has is a no-op.
func (r *Reactor) Modify(fd int, ev Events) error {
	reg, ok := r.regs[fd]
	if !ok {
		return fmt.Errorf("fd %d not registered", fd)
	}
	if reg.interest == ev {
		return nil
	}
	e := unix.EpollEvent{Events: toEpoll(ev), Fd: int32(fd), Pad: reg.gen}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &e); err != nil {
		return fmt.Errorf("failed to modify fd %d: %w", fd, err)
	}
	reg.interest = ev
	return nil
}

// Unregister removes fd. It must be called before fd is closed. Unknown
// descriptors are ignored.
func (r *Reactor) Unregister(fd int) error {
	if _, ok := r.regs[fd]; !ok {
		return nil
	}
	delete(r.regs, fd)
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil && !errors.Is(err, unix.EBADF) {
		return fmt.Errorf("failed to unregister fd %d: %w", fd, err)
	}
	return nil
}

// Interest returns the current interest set of fd.
func (r *Reactor) Interest(fd int) (Events, bool) {
	reg, ok := r.regs[fd]
	if !ok {
		return 0, false
	}
	return reg.interest, true
}

// Len returns the number of registered descriptors.
func (r *Reactor) Len() int {
	return len(r.regs)
}

// OnTick adds a callback run roughly every tick interval.
func (r *Reactor) OnTick(f func(now time.Time)) {
	r.tickers = append(r.tickers, f)
}

// Poll waits up to timeout for readiness and dispatches the resulting events.
// It returns the number of events dispatched.
func (r *Reactor) Poll(timeout time.Duration) (int, error) {
	n, err := unix.EpollWait(r.epfd, r.events, int(timeout.Milliseconds()))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, fmt.Errorf("epoll wait failed: %w", err)
	}

	dispatched := 0
	for i := 0; i < n; i++ {
		e := r.events[i]
		fd := int(e.Fd)
		// The descriptor may have been unregistered, or closed and reused,
		// by an earlier handler in this batch.
		reg, ok := r.regs[fd]
		if !ok || reg.gen != e.Pad {
			continue
		}
		r.dispatch(fd, reg.h, fromEpoll(e.Events))
		dispatched++
	}
	return dispatched, nil
}

func (r *Reactor) dispatch(fd int, h Handler, ev Events) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Handler panicked",
				slog.Int("fd", fd), slog.Any("panic", rec))
			_ = r.Unregister(fd)
			if r.onPanic != nil {
				r.onPanic(fd, h, rec)
			}
		}
	}()
	h.HandleEvent(fd, ev)
}

func (r *Reactor) runTickers(now time.Time) {
	for _, f := range r.tickers {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					slog.Error("Tick callback panicked", slog.Any("panic", rec))
				}
			}()
			f(now)
		}()
	}
}

// Run dispatches events until ctx is done.
func (r *Reactor) Run(ctx context.Context) error {
	lastTick := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if _, err := r.Poll(r.tick); err != nil {
			return err
		}

		if now := time.Now(); now.Sub(lastTick) >= r.tick {
			lastTick = now
			r.runTickers(now)
		}
	}
}

// Close closes the epoll instance. Registered descriptors are not closed.
func (r *Reactor) Close() error {
	r.regs = nil
	if err := unix.Close(r.epfd); err != nil {
		return fmt.Errorf("failed to close epoll instance: %w", err)
	}
	return nil
}
