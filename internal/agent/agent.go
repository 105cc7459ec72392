// Package agent runs external agent processes and captures their transcripts.
//
// The primary agent is driven in stream-json mode: stdout is consumed line by
// line, assistant text is echoed as it arrives and concatenated into the
// transcript. The review agent is a plain text process whose stdout is the
// transcript. Neither invoker applies its own timeout; only the caller's
// context stops a running agent.
package agent

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/boshu2/sprintops/internal/telemetry"
)

var tracer = telemetry.Tracer("agent")

const stderrTailBytes = 4096

// Invoker sends one prompt to an agent and returns what it said.
type Invoker interface {
	Invoke(ctx context.Context, prompt string) (*Transcript, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, prompt string) (*Transcript, error)

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx context.Context, prompt string) (*Transcript, error) {
	return f(ctx, prompt)
}

// Transcript is the captured output of one invocation.
type Transcript struct {
	// Text is the concatenated human-visible output.
	Text     string
	Progress Progress
	Duration time.Duration
}

// StreamInvoker runs `<Command> -p <prompt> --output-format stream-json
// --verbose <Args...>`.
type StreamInvoker struct {
	Command string
	Args    []string
	Dir     string
	// Env defaults to CleanEnv().
	Env []string
	// Out receives assistant text as it streams. Nil discards.
	Out io.Writer
	// Stderr receives the process's standard error. Nil discards.
	Stderr io.Writer
	// Scratch, when set, receives the full transcript after every call.
	Scratch *Scratch
}

// Invoke runs the agent to completion.
func (s *StreamInvoker) Invoke(ctx context.Context, prompt string) (*Transcript, error) {
	if strings.TrimSpace(s.Command) == "" {
		return nil, ErrEmptyCommand
	}
	ctx, span := tracer.Start(ctx, "agent.invoke", oteltrace.WithAttributes(
		attribute.String("agent.command", s.Command),
		attribute.String("agent.mode", "stream"),
	))
	defer span.End()

	args := append([]string{"-p", prompt, "--output-format", "stream-json", "--verbose"}, s.Args...)
	cmd := exec.CommandContext(ctx, s.Command, args...)
	cmd.Dir = s.Dir
	cmd.Env = envOrClean(s.Env)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	start := time.Now()
	if err := cmd.Start(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("start %s: %w", s.Command, err)
	}

	out := writerOrDiscard(s.Out)
	tail := newTailBuffer(stderrTailBytes)
	tr := &Transcript{}
	var texts []string
	var resultText string

	var g errgroup.Group
	g.Go(func() error {
		return readLines(stdout, func(line []byte) {
			ev, err := ParseEvent(line)
			if err != nil {
				// Not stream-json; keep the raw line as text.
				texts = append(texts, string(line))
				fmt.Fprintln(out, string(line))
				return
			}
			tr.Progress.apply(ev)
			if text := ev.Text(); text != "" {
				texts = append(texts, text)
				fmt.Fprintln(out, text)
			}
			if ev.Type == EventTypeResult {
				resultText = ev.Result
			}
		})
	})
	g.Go(func() error {
		_, err := io.Copy(io.MultiWriter(tail, writerOrDiscard(s.Stderr)), stderr)
		return err
	})
	readErr := g.Wait()
	waitErr := cmd.Wait()

	tr.Duration = time.Since(start)
	tr.Text = strings.Join(texts, "\n")
	if len(texts) == 0 && resultText != "" {
		tr.Text = resultText
		fmt.Fprintln(out, resultText)
	}
	span.SetAttributes(
		attribute.Int("agent.events", tr.Progress.Events),
		attribute.Int("agent.tools", tr.Progress.ToolCount),
		attribute.Int("agent.transcript_bytes", len(tr.Text)),
	)
	if s.Scratch != nil {
		if err := s.Scratch.Write(tr.Text); err != nil {
			return tr, fmt.Errorf("persist transcript: %w", err)
		}
	}

	if err := classify(ctx, s.Command, waitErr, readErr, tail); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return tr, err
	}
	return tr, nil
}

// TextInvoker runs `<Command> <Args...> <prompt>` and captures stdout.
type TextInvoker struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
	Out     io.Writer
	Stderr  io.Writer
}

// Invoke runs the agent to completion.
func (t *TextInvoker) Invoke(ctx context.Context, prompt string) (*Transcript, error) {
	if strings.TrimSpace(t.Command) == "" {
		return nil, ErrEmptyCommand
	}
	ctx, span := tracer.Start(ctx, "agent.invoke", oteltrace.WithAttributes(
		attribute.String("agent.command", t.Command),
		attribute.String("agent.mode", "text"),
	))
	defer span.End()

	args := append(append([]string{}, t.Args...), prompt)
	cmd := exec.CommandContext(ctx, t.Command, args...)
	cmd.Dir = t.Dir
	cmd.Env = envOrClean(t.Env)

	var buf bytes.Buffer
	tail := newTailBuffer(stderrTailBytes)
	cmd.Stdout = io.MultiWriter(&buf, writerOrDiscard(t.Out))
	cmd.Stderr = io.MultiWriter(tail, writerOrDiscard(t.Stderr))

	start := time.Now()
	runErr := cmd.Run()
	tr := &Transcript{Text: strings.TrimRight(buf.String(), "\n"), Duration: time.Since(start)}

	if runErr != nil && cmd.ProcessState == nil {
		span.SetStatus(codes.Error, runErr.Error())
		return nil, fmt.Errorf("start %s: %w", t.Command, runErr)
	}
	if err := classify(ctx, t.Command, runErr, nil, tail); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return tr, err
	}
	return tr, nil
}

func classify(ctx context.Context, command string, waitErr, readErr error, tail *tailBuffer) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%s interrupted: %w", command, ctx.Err())
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return &ExitError{Command: command, Code: exitErr.ExitCode(), Stderr: tail.String(), Err: waitErr}
		}
		return fmt.Errorf("%s execution failed: %w", command, waitErr)
	}
	if readErr != nil {
		return fmt.Errorf("read %s output: %w", command, readErr)
	}
	return nil
}

// readLines calls fn for every non-blank line of r, without a line length
// limit.
func readLines(r io.Reader, fn func(line []byte)) error {
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := br.ReadBytes('\n')
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			fn(trimmed)
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func envOrClean(env []string) []string {
	if env != nil {
		return env
	}
	return CleanEnv()
}

func writerOrDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}
