package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/boshu2/sprintops/internal/config"
	"github.com/boshu2/sprintops/internal/formatter"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show resolved configuration",
	Long: `Show every setting with its effective value and where it came from.

Configuration priority (highest to lowest):
  1. Command-line flags
  2. Environment variables (SPRINT_*)
  3. Project config (.sprint/config.yaml)
  4. Home config (~/.sprint/config.yaml)
  5. Defaults

Environment variables:
  SPRINT_CONFIG              - Explicit config file path (replaces the project config)
  SPRINT_OUTPUT              - Default output format (table, json, yaml)
  SPRINT_PLANNING_DIR        - Planning directory (default: .planning)
  SPRINT_MODE                - interactive or unattended
  SPRINT_VERBOSE             - Enable verbose output (true/1)
  SPRINT_MAX_FIX_ROUNDS      - Fix rounds per review target (default: 5)
  SPRINT_PROMPT_TIMEOUT      - Operator prompt timeout (default: 5m)
  SPRINT_REQUIRE_CLEAN_TREE  - Reject uncommitted changes at start (default: true)
  SPRINT_RUNTIME_COMMAND     - Primary agent command (default: claude)
  SPRINT_RUNTIME_ARGS        - Extra primary agent arguments, space separated
  SPRINT_REVIEW_COMMAND      - Review agent command (default: codex)
  SPRINT_REVIEW_ARGS         - Review agent arguments, space separated (default: exec)

Examples:
  sprint config
  sprint config -o json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		resolved, err := config.Resolve(flagOverrides)
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		if cfg.Output != formatter.FormatTable {
			return formatter.Encode(w, cfg.Output, resolved)
		}
		t := formatter.NewTable(w, "KEY", "VALUE", "SOURCE")
		t.Placeholder = "-"
		for _, r := range resolved {
			t.AddRow(r.Key, formatValue(r.Value), string(r.Source))
		}
		return t.Render()
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}

func formatValue(v any) string {
	if list, ok := v.([]string); ok {
		return strings.Join(list, " ")
	}
	return fmt.Sprint(v)
}
