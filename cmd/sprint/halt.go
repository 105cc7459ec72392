package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/boshu2/sprintops/internal/ledger"
	"github.com/boshu2/sprintops/internal/state"
)

var haltReason string

var haltCmd = &cobra.Command{
	Use:   "halt",
	Short: "Stop a running sprint at its next transition",
	Long: `Mark the running sprint halted. The controller notices after the agent
call in flight returns and stops without starting another step.

Also use this to release a sprint whose process died while running.

Examples:
  sprint halt
  sprint halt --reason "waiting on API keys"`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		store := stateStore()
		if !store.Exists() {
			return fmt.Errorf("no sprint in %s", cfg.PlanningDir)
		}
		st, err := store.Load()
		if err != nil {
			return err
		}
		if st.Status != state.StatusRunning {
			return fmt.Errorf("sprint is %s, not running", st.Status)
		}
		if err := store.Halt(haltReason); err != nil {
			return err
		}
		if _, err := openLedger().Append(ledger.Event{
			RunID:   st.RunID,
			Phase:   st.CurrentPhase,
			Action:  ledger.ActionHalt,
			Details: map[string]any{"kind": "operator", "reason": haltReason},
		}); err != nil {
			VerbosePrintf("Warning: ledger: %v\n", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Sprint %s halted at phase %s: %s\n", shortRunID(st.RunID), st.CurrentPhase, haltReason)
		return nil
	},
}

func init() {
	haltCmd.Flags().StringVar(&haltReason, "reason", "halted by operator", "Reason recorded in halt_reason")
	rootCmd.AddCommand(haltCmd)
}
