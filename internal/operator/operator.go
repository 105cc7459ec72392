// Package operator asks the human running a sprint yes/no questions with a
// bounded wait.
package operator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"
)

// DefaultTimeout is how long Ask waits when no timeout is given.
const DefaultTimeout = 5 * time.Minute

// Answer is either a typed value or a timeout; the caller picks the default.
type Answer struct {
	Value    string
	TimedOut bool
}

// Affirmative reports whether the operator typed yes.
func Affirmative(a Answer) bool {
	if a.TimedOut {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(a.Value)) {
	case "y", "yes":
		return true
	}
	return false
}

// Asker is the interface the controller depends on.
type Asker interface {
	Ask(ctx context.Context, question string, timeout time.Duration) (Answer, error)
}

// Prompter reads answers line by line from In.
type Prompter struct {
	In  io.Reader
	Out io.Writer
	// Interactive is false when In is not a terminal; Ask then returns a
	// timeout immediately.
	Interactive bool

	once  sync.Once
	lines chan line
}

type line struct {
	text string
	err  error
}

// NewTerminal returns a Prompter on stdin/stdout.
func NewTerminal() *Prompter {
	return &Prompter{
		In:          os.Stdin,
		Out:         os.Stdout,
		Interactive: term.IsTerminal(int(os.Stdin.Fd())),
	}
}

// Ask prints question and waits up to timeout for one line of input.
func (p *Prompter) Ask(ctx context.Context, question string, timeout time.Duration) (Answer, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	out := p.Out
	if out == nil {
		out = io.Discard
	}
	if !p.Interactive {
		fmt.Fprintf(out, "%s [y/N] (no terminal, declining)\n", question)
		return Answer{TimedOut: true}, nil
	}
	fmt.Fprintf(out, "%s [y/N] (auto-decline in %s): ", question, timeout)

	// A single reader goroutine outlives timed-out questions so a late
	// line is delivered to the next Ask instead of being lost.
	p.once.Do(func() {
		p.lines = make(chan line)
		go p.read()
	})

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		fmt.Fprintln(out)
		return Answer{}, ctx.Err()
	case <-timer.C:
		fmt.Fprintln(out, "\nno answer, declining")
		return Answer{TimedOut: true}, nil
	case l := <-p.lines:
		if l.err != nil {
			if l.err == io.EOF {
				return Answer{TimedOut: true}, nil
			}
			return Answer{}, fmt.Errorf("read answer: %w", l.err)
		}
		return Answer{Value: strings.TrimSpace(l.text)}, nil
	}
}

func (p *Prompter) read() {
	r := bufio.NewReader(p.In)
	for {
		text, err := r.ReadString('\n')
		if err != nil && !(err == io.EOF && text != "") {
			// Keep reporting the terminal error to later questions.
			for {
				p.lines <- line{err: err}
			}
		}
		p.lines <- line{text: text}
	}
}
