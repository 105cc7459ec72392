package main

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

var sprintEnv = []string{
	"SPRINT_OUTPUT", "SPRINT_PLANNING_DIR", "SPRINT_MODE", "SPRINT_VERBOSE",
	"SPRINT_MAX_FIX_ROUNDS", "SPRINT_PROMPT_TIMEOUT", "SPRINT_REQUIRE_CLEAN_TREE",
	"SPRINT_RUNTIME_COMMAND", "SPRINT_RUNTIME_ARGS", "SPRINT_REVIEW_COMMAND", "SPRINT_REVIEW_ARGS",
}

// workspace moves the test into a fresh project directory with an empty
// planning dir and no config files in reach.
func workspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv("HOME", t.TempDir())
	t.Setenv("SPRINT_CONFIG", filepath.Join(dir, "no-such-config.yaml"))
	for _, k := range sprintEnv {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}
	require.NoError(t, os.MkdirAll(".planning", 0o755))
	return dir
}

// executeCommand runs the root command with args and captures its output.
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return buf.String(), err
}

// resetFlags restores every flag to its default so commands do not leak
// state between tests.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

// writeScript writes an executable shell script and returns its path.
func writeScript(t *testing.T, name, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake agents are shell scripts")
	}
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}
