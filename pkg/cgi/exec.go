//go:build linux

package cgi

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/apoxy-dev/webserv/pkg/netio"
)

// ExecSubcommand is the hidden server subcommand that runs ChildMain.
const ExecSubcommand = "cgi-exec"

// ExecSpawner forks and executes programs with their stdin and stdout
// connected to pipes.
type ExecSpawner struct {
	// Trampoline, when set, is the server executable. Programs are then
	// started through its ExecSubcommand so that exec failures are reported
	// by the child as a CGI 500 response rather than a spawn error.
	Trampoline string
}

type pipePair struct {
	// Index 0 is the read end.
	in, out [2]int
}

func (p *pipePair) closeAll() {
	for _, fd := range []int{p.in[0], p.in[1], p.out[0], p.out[1]} {
		if fd >= 0 {
			_ = unix.Close(fd)
		}
	}
}

// Spawn starts cmd. On error no descriptors are left open.
func (s *ExecSpawner) Spawn(cmd *Command) (Process, error) {
	if len(cmd.Argv) == 0 {
		return nil, errors.New("empty command")
	}
	argv := cmd.Argv
	if s.Trampoline != "" {
		argv = append([]string{s.Trampoline, ExecSubcommand, "--"}, cmd.Argv...)
	}

	pp := &pipePair{in: [2]int{-1, -1}, out: [2]int{-1, -1}}
	if err := unix.Pipe2(pp.in[:], unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	if err := unix.Pipe2(pp.out[:], unix.O_CLOEXEC); err != nil {
		pp.closeAll()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	// ForkExec dups Files onto 0, 1 and 2 in the child. Everything else is
	// close-on-exec. The child leads its own process group so that signals
	// reach whatever it forks.
	pid, err := syscall.ForkExec(argv[0], argv, &syscall.ProcAttr{
		Dir:   cmd.Dir,
		Env:   cmd.Env,
		Files: []uintptr{uintptr(pp.in[0]), uintptr(pp.out[1]), uintptr(unix.Stderr)},
		Sys:   &syscall.SysProcAttr{Setpgid: true},
	})
	if err != nil {
		pp.closeAll()
		return nil, fmt.Errorf("failed to start %s: %w", argv[0], err)
	}

	p, err := parentAfterSpawn(pid, pp)
	if err != nil {
		_ = unix.Kill(-pid, unix.SIGKILL)
		var ws unix.WaitStatus
		_, _ = unix.Wait4(pid, &ws, 0, nil)
		return nil, err
	}
	slog.Debug("Spawned CGI process", slog.Int("pid", pid), slog.String("path", cmd.Argv[0]))
	return p, nil
}

// parentAfterSpawn closes the child's pipe ends in the parent and makes the
// parent's ends non-blocking.
func parentAfterSpawn(pid int, pp *pipePair) (*execProcess, error) {
	_ = unix.Close(pp.in[0])
	_ = unix.Close(pp.out[1])
	pp.in[0], pp.out[1] = -1, -1

	for _, fd := range []int{pp.in[1], pp.out[0]} {
		if err := unix.SetNonblock(fd, true); err != nil {
			pp.closeAll()
			return nil, fmt.Errorf("failed to set fd %d non-blocking: %w", fd, err)
		}
	}
	return &execProcess{
		pid:    pid,
		stdin:  pp.in[1],
		stdout: pp.out[0],
	}, nil
}

type execProcess struct {
	pid    int
	stdin  int
	stdout int
	exited bool
	status ExitStatus
}

func (p *execProcess) Pid() int      { return p.pid }
func (p *execProcess) StdinFD() int  { return p.stdin }
func (p *execProcess) StdoutFD() int { return p.stdout }

func (p *execProcess) WriteStdin(b []byte) (int, error) {
	if p.stdin < 0 {
		return 0, fmt.Errorf("stdin of %d is closed", p.pid)
	}
	return netio.Send(p.stdin, b)
}

func (p *execProcess) CloseStdin() error {
	if p.stdin < 0 {
		return nil
	}
	fd := p.stdin
	p.stdin = -1
	return netio.Close(fd)
}

func (p *execProcess) CloseStdout() error {
	if p.stdout < 0 {
		return nil
	}
	fd := p.stdout
	p.stdout = -1
	return netio.Close(fd)
}

func (p *execProcess) ReadStdout(b []byte) (int, error) {
	if p.stdout < 0 {
		return 0, io.EOF
	}
	n, err := netio.Read(p.stdout, b)
	if errors.Is(err, netio.ErrPeerClosed) {
		return 0, io.EOF
	}
	return n, err
}

func (p *execProcess) PollExit() (ExitStatus, error) {
	if p.exited {
		return p.status, nil
	}
	var ws unix.WaitStatus
	for {
		wpid, err := unix.Wait4(p.pid, &ws, unix.WNOHANG, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return ExitStatus{}, fmt.Errorf("wait for %d: %w", p.pid, err)
		}
		if wpid == 0 {
			return ExitStatus{}, ErrNotExited
		}
		break
	}
	p.exited = true
	switch {
	case ws.Signaled():
		p.status = ExitStatus{Code: -1, Signal: ws.Signal()}
	default:
		p.status = ExitStatus{Code: ws.ExitStatus()}
	}
	return p.status, nil
}

// Signal delivers sig to the child's process group.
func (p *execProcess) Signal(sig unix.Signal) error {
	if p.exited {
		return nil
	}
	if err := unix.Kill(-p.pid, sig); err != nil && err != unix.ESRCH {
		return fmt.Errorf("signal %d: %w", p.pid, err)
	}
	return nil
}

func (p *execProcess) Close() error {
	var errs []error
	if err := p.CloseStdin(); err != nil {
		errs = append(errs, err)
	}
	if err := p.CloseStdout(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
