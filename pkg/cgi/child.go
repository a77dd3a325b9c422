//go:build linux

package cgi

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/sys/unix"
)

// execFailedHead is written to stdout when the program cannot be executed.
const execFailedHead = "status: 500 internal server error\r\n\r\n"

// ExecFailedCode is the exit code of a child whose exec failed.
const ExecFailedCode = 127

// ChildMain replaces the current process with argv. It only returns when
// that fails, after writing a CGI 500 head to stdout, and the caller must
// then exit with the returned code.
func ChildMain(argv []string, stdout, stderr io.Writer) int {
	if len(argv) == 0 {
		return childFailed(stdout, stderr, fmt.Errorf("no program given"))
	}
	path := argv[0]
	if !strings.Contains(path, "/") {
		lp, err := exec.LookPath(path)
		if err != nil {
			return childFailed(stdout, stderr, err)
		}
		path = lp
	}
	err := unix.Exec(path, argv, os.Environ())
	return childFailed(stdout, stderr, fmt.Errorf("exec %s: %w", path, err))
}

func childFailed(stdout, stderr io.Writer, err error) int {
	_, _ = io.WriteString(stdout, execFailedHead)
	fmt.Fprintf(stderr, "cgi-exec: %v\n", err)
	return ExecFailedCode
}
