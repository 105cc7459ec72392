package agent

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrEmptyCommand is returned when an invoker has no command configured.
var ErrEmptyCommand = errors.New("agent command is empty")

// ExitError reports an agent process that exited non-zero.
type ExitError struct {
	Command string
	Code    int
	// Stderr is the tail of the process's standard error.
	Stderr string
	Err    error
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Command, e.Code)
	if tail := strings.TrimSpace(e.Stderr); tail != "" {
		msg += ": " + lastLine(tail)
	}
	return msg
}

func (e *ExitError) Unwrap() error { return e.Err }

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// CleanEnv returns the current environment without variables that would make
// a nested agent believe it runs inside another agent session.
func CleanEnv() []string {
	var env []string
	for _, e := range os.Environ() {
		if strings.HasPrefix(e, "CLAUDECODE=") || strings.HasPrefix(e, "CLAUDE_CODE_") {
			continue
		}
		env = append(env, e)
	}
	return env
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return string(t.buf)
}
