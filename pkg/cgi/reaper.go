package cgi

import (
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultGracePeriod is how long an orphan has to exit after SIGTERM before
// it is killed.
const DefaultGracePeriod = 5 * time.Second

type orphan struct {
	p      Process
	since  time.Time
	killed bool
}

// Reaper owns children whose connection went away before they exited. It
// terminates them and collects their exit status so none is left a zombie.
type Reaper struct {
	grace   time.Duration
	orphans map[int]*orphan
}

// NewReaper returns a Reaper that escalates to SIGKILL after grace.
func NewReaper(grace time.Duration) *Reaper {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Reaper{
		grace:   grace,
		orphans: make(map[int]*orphan),
	}
}

// Adopt takes ownership of p: its pipes are closed and it is sent SIGTERM
// unless it has already exited.
func (r *Reaper) Adopt(p Process, now time.Time) {
	if err := p.Close(); err != nil {
		slog.Warn("Failed to close CGI pipes", slog.Int("pid", p.Pid()), slog.Any("error", err))
	}
	if _, err := p.PollExit(); !errors.Is(err, ErrNotExited) {
		return
	}
	if err := p.Signal(unix.SIGTERM); err != nil {
		slog.Warn("Failed to terminate CGI process", slog.Int("pid", p.Pid()), slog.Any("error", err))
	}
	r.orphans[p.Pid()] = &orphan{p: p, since: now}
}

// Sweep reaps exited orphans and kills those past the grace period. It
// returns how many remain.
func (r *Reaper) Sweep(now time.Time) int {
	for pid, o := range r.orphans {
		status, err := o.p.PollExit()
		switch {
		case err == nil:
			slog.Debug("Reaped orphaned CGI process",
				slog.Int("pid", pid), slog.String("status", status.String()))
			delete(r.orphans, pid)
			continue
		case !errors.Is(err, ErrNotExited):
			// Nothing left to wait for.
			slog.Warn("Failed to reap CGI process", slog.Int("pid", pid), slog.Any("error", err))
			delete(r.orphans, pid)
			continue
		}
		if !o.killed && now.Sub(o.since) >= r.grace {
			slog.Warn("Killing CGI process that ignored SIGTERM", slog.Int("pid", pid))
			if err := o.p.Signal(unix.SIGKILL); err != nil {
				slog.Warn("Failed to kill CGI process", slog.Int("pid", pid), slog.Any("error", err))
			}
			o.killed = true
		}
	}
	return len(r.orphans)
}

// Len returns the number of orphans not yet reaped.
func (r *Reaper) Len() int {
	return len(r.orphans)
}

// Shutdown kills every orphan and waits up to timeout for them to be reaped.
// It returns how many could not be reaped.
func (r *Reaper) Shutdown(timeout time.Duration) int {
	for _, o := range r.orphans {
		if !o.killed {
			_ = o.p.Signal(unix.SIGKILL)
			o.killed = true
		}
	}
	deadline := time.Now().Add(timeout)
	for r.Sweep(time.Now()) > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	return len(r.orphans)
}
