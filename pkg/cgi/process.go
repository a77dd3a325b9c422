package cgi

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// ErrNotExited is returned by PollExit while the child is still running.
var ErrNotExited = errors.New("process has not exited")

// Command describes a program to run.
type Command struct {
	// Argv is the command line. Argv[0] must be a path.
	Argv []string
	// Env is the complete child environment as NAME=value strings.
	Env []string
	// Dir is the working directory. Empty means the server's.
	Dir string
}

// ExitStatus is how a child terminated.
type ExitStatus struct {
	// Code is the exit code, or -1 when the child was killed by a signal.
	Code   int
	Signal unix.Signal
}

// Success reports whether the child exited normally with code zero.
func (s ExitStatus) Success() bool {
	return s.Code == 0
}

func (s ExitStatus) String() string {
	if s.Code < 0 {
		return fmt.Sprintf("signal: %s", s.Signal)
	}
	return fmt.Sprintf("exit status %d", s.Code)
}

// Process is a running CGI child. Its stdin and stdout are the parent ends
// of two non-blocking pipes. No method blocks.
type Process interface {
	Pid() int
	// StdinFD and StdoutFD return the pipe descriptors, or -1 once closed.
	StdinFD() int
	StdoutFD() int
	// WriteStdin writes what the pipe accepts and returns the count.
	// A full pipe yields netio.ErrWouldBlock.
	WriteStdin(b []byte) (int, error)
	// CloseStdin signals end of input to the child.
	CloseStdin() error
	// CloseStdout closes the output pipe once it is no longer read.
	CloseStdout() error
	// ReadStdout reads available output. The end of output is io.EOF;
	// no output yet is netio.ErrWouldBlock.
	ReadStdout(p []byte) (int, error)
	// PollExit reaps the child if it has terminated and returns
	// ErrNotExited otherwise.
	PollExit() (ExitStatus, error)
	// Signal delivers sig to the child and everything it started, unless
	// the child has already been reaped.
	Signal(sig unix.Signal) error
	// Close closes both pipe ends that are still open. The child is not
	// waited for.
	Close() error
}

// Spawner starts processes.
type Spawner interface {
	Spawn(cmd *Command) (Process, error)
}
