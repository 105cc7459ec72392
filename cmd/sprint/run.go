package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/boshu2/sprintops/internal/agent"
	"github.com/boshu2/sprintops/internal/gitrepo"
	"github.com/boshu2/sprintops/internal/operator"
	"github.com/boshu2/sprintops/internal/sprint"
	"github.com/boshu2/sprintops/internal/state"
	"github.com/boshu2/sprintops/internal/telemetry"
)

var (
	runUnattended    bool
	runInteractive   bool
	runSkipReview    bool
	runResume        bool
	runForce         bool
	runReviewContext bool
	runMaxFixRounds  int
)

var runCmd = &cobra.Command{
	Use:   "run [start end]",
	Short: "Start or resume a sprint",
	Long: `Run roadmap phases start..end (inclusive) through plan, plan review,
execution and code review, one phase at a time.

A halted sprint picks up where it stopped with --resume; steps already
recorded for the current phase are not repeated.

Examples:
  sprint run 3 5
  sprint run 3 5 --unattended
  sprint run 3 5 --interactive   # override mode: unattended from config
  sprint run --resume`,
	Args: func(cmd *cobra.Command, args []string) error {
		if runResume {
			// Range args are ignored on resume; the document has the range.
			return cobra.MaximumNArgs(2)(cmd, args)
		}
		return cobra.ExactArgs(2)(cmd, args)
	},
	RunE: runSprint,
}

func init() {
	runCmd.Flags().BoolVar(&runUnattended, "unattended", false, "Never prompt; auto-resolve non-auth checkpoints")
	runCmd.Flags().BoolVar(&runInteractive, "interactive", false, "Prompt at checkpoints even when config sets mode: unattended")
	runCmd.MarkFlagsMutuallyExclusive("unattended", "interactive")
	runCmd.Flags().BoolVar(&runSkipReview, "skip-review", false, "Skip plan and code review")
	runCmd.Flags().BoolVar(&runResume, "resume", false, "Resume the halted sprint")
	runCmd.Flags().BoolVar(&runForce, "force", false, "Replace an existing running or halted sprint")
	runCmd.Flags().BoolVar(&runReviewContext, "review-context", false, "Review the project context document before the first phase")
	runCmd.Flags().IntVar(&runMaxFixRounds, "max-fix-rounds", 0, "Fix rounds per review target (default from config)")
	rootCmd.AddCommand(runCmd)
}

func runSprint(cmd *cobra.Command, args []string) error {
	var opts sprint.Options
	if !runResume {
		start, err := parsePhaseArg("start", args[0])
		if err != nil {
			return err
		}
		end, err := parsePhaseArg("end", args[1])
		if err != nil {
			return err
		}
		opts = sprint.Options{Start: start, End: end, Mode: runMode(cmd), Force: runForce}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.Setup(ctx, version)
	if err != nil {
		VerbosePrintf("Warning: telemetry disabled: %v\n", err)
	} else {
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				VerbosePrintf("Warning: telemetry shutdown: %v\n", err)
			}
		}()
	}

	ctrl, cleanup, err := newController(cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer cleanup()

	if runResume {
		err = ctrl.Resume(ctx)
	} else {
		err = ctrl.Start(ctx, opts)
	}
	if err == nil {
		return nil
	}
	if h, ok := sprint.AsHalt(err); ok {
		printHaltBanner(cmd.ErrOrStderr(), h)
		return &reportedError{err: err}
	}
	if errors.Is(err, context.Canceled) {
		fmt.Fprintln(cmd.ErrOrStderr(), "\nInterrupted. The sprint is still marked running; run `sprint halt` before resuming.")
		return &reportedError{err: err}
	}
	return err
}

// newController wires the controller to the configured agents, the working
// tree and the planning directory.
func newController(out io.Writer) (*sprint.Controller, func(), error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, nil, err
	}
	scratch, err := agent.NewScratch(filepath.Join(cfg.PlanningDir, "sprint", "transcripts"))
	if err != nil {
		return nil, nil, fmt.Errorf("create transcript dir: %w", err)
	}
	VerbosePrintf("Agent transcript: %s\n", scratch.Path())

	maxRounds := cfg.MaxFixRounds
	if runMaxFixRounds > 0 {
		maxRounds = runMaxFixRounds
	}

	ctrl := &sprint.Controller{
		PlanningDir: cfg.PlanningDir,
		Store:       stateStore(),
		Ledger:      openLedger(),
		Repo:        gitrepo.Open(cwd),
		Primary: &agent.StreamInvoker{
			Command: cfg.Runtime.Command,
			Args:    cfg.Runtime.Args,
			Dir:     cwd,
			Out:     out,
			Stderr:  verboseStderr(),
			Scratch: scratch,
		},
		Reviewer: &agent.TextInvoker{
			Command: cfg.Review.Command,
			Args:    cfg.Review.Args,
			Dir:     cwd,
			Out:     verboseWriter(out),
			Stderr:  verboseStderr(),
		},
		Operator:         operator.NewTerminal(),
		PromptTimeout:    cfg.PromptTimeoutDuration(),
		MaxFixRounds:     maxRounds,
		SkipReview:       runSkipReview,
		ReviewContext:    runReviewContext,
		RequireCleanTree: cfg.CleanTreeRequired(),
		Commands:         []string{cfg.Runtime.Command, cfg.Review.Command},
		Out:              out,
		Verbose:          verbose,
	}
	cleanup := func() {
		if err := scratch.Close(); err != nil {
			VerbosePrintf("Warning: remove transcripts: %v\n", err)
		}
	}
	return ctrl, cleanup, nil
}

// runMode picks the sprint mode: an explicit flag, including
// --unattended=false, beats the configured mode.
func runMode(cmd *cobra.Command) state.Mode {
	switch {
	case runInteractive:
		return state.ModeInteractive
	case cmd.Flags().Changed("unattended"):
		if runUnattended {
			return state.ModeUnattended
		}
		return state.ModeInteractive
	case cfg.Mode == string(state.ModeUnattended):
		return state.ModeUnattended
	}
	return state.ModeInteractive
}

func parsePhaseArg(name, s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s phase %q: want a non-negative integer", name, s)
	}
	return n, nil
}

func verboseWriter(w io.Writer) io.Writer {
	if verbose {
		return w
	}
	return nil
}

func verboseStderr() io.Writer {
	if verbose {
		return os.Stderr
	}
	return nil
}

var (
	haltTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	haltBoxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("196")).Padding(0, 1)
	hintStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// printHaltBanner explains a halt and how to continue.
func printHaltBanner(w io.Writer, h *sprint.HaltError) {
	title := "SPRINT HALTED"
	if h.Phase != "" {
		title += " at phase " + h.Phase
	}
	body := fmt.Sprintf("%s\n\nKind:   %s\nReason: %s", haltTitleStyle.Render(title), h.Kind, h.Reason)
	hint := "Fix the cause, then run `sprint run --resume`."
	if h.Kind == sprint.HaltEnvironment {
		hint = "Nothing ran. Fix the environment and try again."
	}
	fmt.Fprintln(w, haltBoxStyle.Render(body))
	fmt.Fprintln(w, hintStyle.Render(hint))
}
