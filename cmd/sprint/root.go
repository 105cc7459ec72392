package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/boshu2/sprintops/internal/config"
	"github.com/boshu2/sprintops/internal/ledger"
	"github.com/boshu2/sprintops/internal/state"
)

var (
	// Global flags
	verbose     bool
	output      string
	cfgFile     string
	planningDir string

	// cfg is the resolved configuration, loaded before every command runs.
	cfg = config.Default()

	// flagOverrides holds the global flags the user actually set.
	flagOverrides = &config.Config{}
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "sprint",
	Short: "Drive multi-phase delivery through autonomous agents",
	Long: `sprint runs a range of roadmap phases through a primary agent and a
review agent: plan, review the plan, execute, review the code, record the
phase, move on. It stops and explains itself whenever a human is needed.

Core Commands:
  run       Start or resume a sprint
  status    Show the sprint document
  halt      Stop a running sprint at its next transition
  history   Show the orchestration ledger and review rounds
  config    Show resolved configuration
  version   Show version information

State lives in <planning-dir>/SPRINT.md and <planning-dir>/sprint/ledger.jsonl.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "table", "Output format (table, json, yaml)")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: .sprint/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&planningDir, "planning-dir", ".planning", "Directory holding ROADMAP.md and the sprint state")
}

// loadConfig resolves flags > env > project > home > defaults into cfg.
func loadConfig(cmd *cobra.Command, _ []string) error {
	syncConfigFlagToEnv()
	overrides := &config.Config{Verbose: verbose}
	flags := cmd.Flags()
	if flags.Changed("output") {
		overrides.Output = output
	}
	if flags.Changed("planning-dir") {
		overrides.PlanningDir = planningDir
	}
	flagOverrides = overrides
	loaded, err := config.Load(overrides)
	if err != nil {
		return err
	}
	if err := loaded.Validate(); err != nil {
		return err
	}
	cfg = loaded
	verbose = cfg.Verbose
	return nil
}

func syncConfigFlagToEnv() {
	path := strings.TrimSpace(cfgFile)
	if path == "" {
		return
	}
	_ = os.Setenv("SPRINT_CONFIG", path)
}

// VerbosePrintf prints only when verbose mode is enabled.
func VerbosePrintf(format string, args ...interface{}) {
	if verbose {
		fmt.Printf(format, args...)
	}
}

// stateStore opens the sprint document of the configured planning directory.
func stateStore() *state.Store {
	return state.NewStore(filepath.Join(cfg.PlanningDir, state.DefaultFile))
}

// openLedger opens the orchestration ledger of the configured planning
// directory.
func openLedger() *ledger.Ledger {
	return ledger.Open(filepath.Join(cfg.PlanningDir, ledger.DefaultFile))
}
