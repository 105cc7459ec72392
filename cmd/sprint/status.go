package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/boshu2/sprintops/internal/formatter"
	"github.com/boshu2/sprintops/internal/state"
)

var statusWatch bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the sprint document",
	Long: `Show the current sprint: range, mode, status, current phase and step,
the Progress table and the Validation History.

With --watch the display is redrawn whenever SPRINT.md changes.

Examples:
  sprint status
  sprint status -o json
  sprint status --watch`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if statusWatch {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return watchStatus(ctx, cmd.OutOrStdout())
		}
		return showStatus(cmd.OutOrStdout())
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusWatch, "watch", false, "Redraw on every change to SPRINT.md (Ctrl-C to exit)")
	rootCmd.AddCommand(statusCmd)
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	statusStyle = map[state.Status]lipgloss.Style{
		state.StatusRunning:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214")),
		state.StatusHalted:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196")),
		state.StatusComplete: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42")),
	}
)

func showStatus(w io.Writer) error {
	store := stateStore()
	if !store.Exists() {
		fmt.Fprintf(w, "No sprint in %s. Start one with `sprint run <start> <end>`.\n", cfg.PlanningDir)
		return nil
	}
	st, err := store.Load()
	if err != nil {
		return err
	}
	if cfg.Output != formatter.FormatTable {
		return formatter.Encode(w, cfg.Output, st)
	}
	return renderStatus(w, st)
}

func renderStatus(w io.Writer, st *state.SprintState) error {
	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("Sprint %s: phases %d-%d", shortRunID(st.RunID), st.StartPhase, st.EndPhase)))
	field := func(label, value string) {
		if value == "" {
			return
		}
		fmt.Fprintf(w, "%s %s\n", labelStyle.Render(fmt.Sprintf("%-9s", label+":")), value)
	}
	style, ok := statusStyle[st.Status]
	if !ok {
		style = lipgloss.NewStyle()
	}
	field("Status", style.Render(string(st.Status)))
	field("Mode", string(st.Mode))
	if st.Status != state.StatusComplete {
		step := string(st.PhaseStep)
		if step == "" {
			step = "not started"
		}
		field("Phase", fmt.Sprintf("%s (%s)", st.CurrentPhase, step))
	}
	field("Reason", st.Reason())
	field("Started", st.Started)
	field("Finished", st.Completed)

	if len(st.Progress) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, headerStyle.Render("Progress"))
		if err := formatter.Progress(w, st.Progress); err != nil {
			return err
		}
	}
	if len(st.History) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, headerStyle.Render("Validation History"))
		if err := formatter.History(w, st.History); err != nil {
			return err
		}
	}
	return nil
}

// watchStatus redraws the status whenever the sprint document is written.
func watchStatus(ctx context.Context, w io.Writer) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: the document is replaced by rename on every write.
	if err := watcher.Add(cfg.PlanningDir); err != nil {
		return fmt.Errorf("watch %s: %w", cfg.PlanningDir, err)
	}

	redraw := func() {
		clearScreen(w)
		if err := showStatus(w); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		fmt.Fprint(w, "\n[watching SPRINT.md, Ctrl-C to exit]")
	}
	redraw()

	debounce := time.NewTimer(0)
	<-debounce.C
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(w, "\nExiting watch mode.")
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != state.DefaultFile {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce.Reset(100 * time.Millisecond)
		case <-debounce.C:
			redraw()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			VerbosePrintf("Watcher error: %v\n", err)
		}
	}
}

// clearScreen emits ANSI escape sequences to clear the terminal and move cursor to top.
func clearScreen(w io.Writer) {
	fmt.Fprint(w, "\033[2J\033[H")
}

func shortRunID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
