// Command sprint orchestrates roadmap phases through a primary agent and a
// review agent.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/boshu2/sprintops/internal/sprint"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// Exit codes.
const (
	exitOK          = 0
	exitError       = 1
	exitHalted      = 10
	exitEnvironment = 30
)

func main() {
	os.Exit(Execute())
}

// Execute runs the root command and maps its error to an exit code.
func Execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return exitOK
	}
	var reported *reportedError
	if !errors.As(err, &reported) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return exitCode(err)
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	if h, ok := sprint.AsHalt(err); ok {
		if h.Kind == sprint.HaltEnvironment {
			return exitEnvironment
		}
		return exitHalted
	}
	return exitError
}

// reportedError wraps an error the command already explained to the user.
type reportedError struct{ err error }

func (e *reportedError) Error() string { return e.err.Error() }
func (e *reportedError) Unwrap() error { return e.err }
