package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/boshu2/sprintops/internal/formatter"
	"github.com/boshu2/sprintops/internal/ledger"
	"github.com/boshu2/sprintops/internal/review"
	"github.com/boshu2/sprintops/internal/state"
)

var (
	historyVerify  bool
	historyRun     string
	historyAll     bool
	historyReviews bool
	historyKind    string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the orchestration ledger and review rounds",
	Long: `Show the hash-chained ledger of the current sprint: starts, resumes,
phase steps, review rounds, checkpoints, halts and completion.

Examples:
  sprint history
  sprint history --all
  sprint history --run 1b2c3d4e
  sprint history --reviews
  sprint history --reviews --kind code
  sprint history --verify -o json`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().BoolVar(&historyVerify, "verify", false, "Verify the ledger hash chain")
	historyCmd.Flags().StringVar(&historyRun, "run", "", "Show one run (id or prefix)")
	historyCmd.Flags().BoolVar(&historyAll, "all", false, "Show every run, not just the current sprint")
	historyCmd.Flags().BoolVar(&historyReviews, "reviews", false, "Show the Validation History of the sprint document instead")
	historyCmd.Flags().StringVar(&historyKind, "kind", "", "With --reviews, show one review kind (plan, code, context)")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, _ []string) error {
	w := cmd.OutOrStdout()
	l := openLedger()

	if historyVerify {
		res, err := l.Verify()
		if err != nil {
			return err
		}
		if cfg.Output != formatter.FormatTable {
			if err := formatter.Encode(w, cfg.Output, res); err != nil {
				return err
			}
		} else if res.Pass {
			fmt.Fprintf(w, "Ledger OK: %d records\n", res.RecordCount)
		}
		if !res.Pass {
			return fmt.Errorf("ledger chain broken at record %d: %s", res.FirstBrokenIndex, res.Message)
		}
		return nil
	}

	if historyReviews {
		st, err := stateStore().Load()
		if err != nil {
			return err
		}
		rounds, err := filterKind(st.History)
		if err != nil {
			return err
		}
		if cfg.Output != formatter.FormatTable {
			return formatter.Encode(w, cfg.Output, rounds)
		}
		if len(rounds) == 0 {
			fmt.Fprintln(w, "No review rounds recorded.")
			return nil
		}
		return formatter.History(w, rounds)
	}

	records, err := l.Read()
	if err != nil {
		return err
	}
	records, err = selectRun(records)
	if err != nil {
		return err
	}
	if cfg.Output != formatter.FormatTable {
		if records == nil {
			records = []ledger.Record{}
		}
		return formatter.Encode(w, cfg.Output, records)
	}
	if len(records) == 0 {
		fmt.Fprintln(w, "No ledger entries.")
		return nil
	}
	return formatter.Ledger(w, records)
}

// selectRun narrows records to --run, the current sprint, or everything.
func selectRun(records []ledger.Record) ([]ledger.Record, error) {
	if historyAll {
		return records, nil
	}
	runID := historyRun
	if runID == "" {
		st, err := stateStore().Load()
		if errors.Is(err, state.ErrNoSprint) {
			return records, nil
		}
		if err != nil {
			return nil, err
		}
		runID = st.RunID
	}
	return ledger.ForRun(records, runID), nil
}

// filterKind keeps the review rounds of --kind.
func filterKind(rounds []state.ValidationEntry) ([]state.ValidationEntry, error) {
	if historyKind == "" {
		return rounds, nil
	}
	kind, err := review.ParseKind(historyKind)
	if err != nil {
		return nil, err
	}
	out := []state.ValidationEntry{}
	for _, r := range rounds {
		if r.Kind == string(kind) {
			out = append(out, r)
		}
	}
	return out, nil
}
