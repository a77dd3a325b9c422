package server

import (
	"os"

	"github.com/apoxy-dev/webserv/pkg/http1"
)

// State is the externally visible state of a Connection.
type State int

const (
	StateReadyToRead State = iota
	StateReading
	StateReadyToWrite
	StateWriting
	StateClose
)

func (s State) String() string {
	switch s {
	case StateReadyToRead:
		return "ReadyToRead"
	case StateReading:
		return "Reading"
	case StateReadyToWrite:
		return "ReadyToWrite"
	case StateWriting:
		return "Writing"
	case StateClose:
		return "Close"
	}
	return "Unknown"
}

// phase is the connection's current step. Each implementation carries only
// the data that step needs.
type phase interface {
	state() State
	name() string
}

// readyToRead accumulates a request head.
type readyToRead struct {
	parser *http1.Parser
}

// reading receives the declared request body.
type reading struct {
	received int64
	expected int64
}

// readyToWrite waits for the socket to accept the response.
type readyToWrite struct{}

// awaitingCGIHead collects CGI output until its header block is complete.
type awaitingCGIHead struct {
	buf []byte
}

// writingBuffer streams an in-memory body.
type writingBuffer struct {
	body []byte
	off  int
}

// writingFile streams a file with sendfile.
type writingFile struct {
	f    *os.File
	off  int64
	size int64
}

// writingCGI relays CGI output to the socket.
type writingCGI struct {
	// Output read from the pipe and not yet sent.
	pending []byte
	// Body bytes still expected, or -1 when the body ends at EOF.
	remaining int64
	drained   bool
}

// awaitingExit holds the connection until the CGI exit status decides
// whether it is kept alive.
type awaitingExit struct{}

type closed struct{}

func (*readyToRead) state() State     { return StateReadyToRead }
func (*reading) state() State         { return StateReading }
func (*readyToWrite) state() State    { return StateReadyToWrite }
func (*awaitingCGIHead) state() State { return StateWriting }
func (*writingBuffer) state() State   { return StateWriting }
func (*writingFile) state() State     { return StateWriting }
func (*writingCGI) state() State      { return StateWriting }
func (*awaitingExit) state() State    { return StateWriting }
func (*closed) state() State          { return StateClose }

func (*readyToRead) name() string     { return "readyToRead" }
func (*reading) name() string         { return "reading" }
func (*readyToWrite) name() string    { return "readyToWrite" }
func (*awaitingCGIHead) name() string { return "awaitingCGIHead" }
func (*writingBuffer) name() string   { return "writingBuffer" }
func (*writingFile) name() string     { return "writingFile" }
func (*writingCGI) name() string      { return "writingCGI" }
func (*awaitingExit) name() string    { return "awaitingExit" }
func (*closed) name() string          { return "closed" }
