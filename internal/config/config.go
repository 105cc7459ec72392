// Package config provides configuration management for sprint.
// Configuration is loaded from (highest to lowest priority):
// 1. Command-line flags
// 2. Environment variables (SPRINT_*)
// 3. Project config (.sprint/config.yaml in cwd, or $SPRINT_CONFIG)
// 4. Home config (~/.sprint/config.yaml)
// 5. Defaults
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all sprint configuration.
type Config struct {
	// Output controls the default output format (table, json, yaml).
	Output string `yaml:"output" json:"output"`

	// PlanningDir holds ROADMAP.md, phase directories and SPRINT.md.
	PlanningDir string `yaml:"planning_dir" json:"planning_dir"`

	// Mode is the default run mode (interactive or unattended).
	Mode string `yaml:"mode" json:"mode"`

	// Verbose enables verbose output.
	Verbose bool `yaml:"verbose" json:"verbose"`

	// MaxFixRounds bounds fixer passes per review target.
	MaxFixRounds int `yaml:"max_fix_rounds" json:"max_fix_rounds"`

	// PromptTimeout bounds operator prompts in interactive mode ("5m").
	PromptTimeout string `yaml:"prompt_timeout" json:"prompt_timeout"`

	// RequireCleanTree makes pre-flight reject uncommitted changes.
	// Nil means unset.
	RequireCleanTree *bool `yaml:"require_clean_tree,omitempty" json:"require_clean_tree,omitempty"`

	// Runtime is the primary agent.
	Runtime AgentConfig `yaml:"runtime" json:"runtime"`

	// Review is the review agent.
	Review AgentConfig `yaml:"review" json:"review"`
}

// AgentConfig describes how to launch one agent.
type AgentConfig struct {
	Command string   `yaml:"command" json:"command"`
	Args    []string `yaml:"args,omitempty" json:"args,omitempty"`
}

// Default config values.
const (
	defaultOutput         = "table"
	defaultPlanningDir    = ".planning"
	defaultMode           = "interactive"
	defaultMaxFixRounds   = 5
	defaultPromptTimeout  = "5m"
	defaultRuntimeCommand = "claude"
	defaultReviewCommand  = "codex"
)

// Default returns the default configuration.
func Default() *Config {
	clean := true
	return &Config{
		Output:           defaultOutput,
		PlanningDir:      defaultPlanningDir,
		Mode:             defaultMode,
		MaxFixRounds:     defaultMaxFixRounds,
		PromptTimeout:    defaultPromptTimeout,
		RequireCleanTree: &clean,
		Runtime:          AgentConfig{Command: defaultRuntimeCommand},
		Review:           AgentConfig{Command: defaultReviewCommand, Args: []string{"exec"}},
	}
}

// CleanTreeRequired reports the effective require_clean_tree value.
func (c *Config) CleanTreeRequired() bool {
	return c.RequireCleanTree == nil || *c.RequireCleanTree
}

// PromptTimeoutDuration parses PromptTimeout, falling back to the default.
func (c *Config) PromptTimeoutDuration() time.Duration {
	if d, err := time.ParseDuration(c.PromptTimeout); err == nil && d > 0 {
		return d
	}
	d, _ := time.ParseDuration(defaultPromptTimeout)
	return d
}

// Validate rejects values no command can run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Mode {
	case "interactive", "unattended":
	default:
		errs = append(errs, fmt.Errorf("mode %q (want interactive or unattended)", c.Mode))
	}
	switch c.Output {
	case "table", "json", "yaml":
	default:
		errs = append(errs, fmt.Errorf("output %q (want table, json or yaml)", c.Output))
	}
	if c.MaxFixRounds < 1 {
		errs = append(errs, fmt.Errorf("max_fix_rounds %d (want >= 1)", c.MaxFixRounds))
	}
	if d, err := time.ParseDuration(c.PromptTimeout); err != nil || d <= 0 {
		errs = append(errs, fmt.Errorf("prompt_timeout %q (want a positive duration)", c.PromptTimeout))
	}
	if strings.TrimSpace(c.Runtime.Command) == "" {
		errs = append(errs, errors.New("runtime.command is empty"))
	}
	if strings.TrimSpace(c.Review.Command) == "" {
		errs = append(errs, errors.New("review.command is empty"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Source represents where a config value came from.
type Source string

const (
	SourceDefault Source = "default"
	SourceHome    Source = "~/.sprint/config.yaml"
	SourceProject Source = ".sprint/config.yaml"
	SourceEnv     Source = "environment"
	SourceFlag    Source = "flag"
)

// Load loads configuration with proper precedence.
// Priority: flags > env > project > home > defaults
func Load(flagOverrides *Config) (*Config, error) {
	cfg, _, err := load(flagOverrides)
	return cfg, err
}

// Resolved is one effective value and where it came from.
type Resolved struct {
	Key    string `json:"key" yaml:"key"`
	Value  any    `json:"value" yaml:"value"`
	Source Source `json:"source" yaml:"source"`
}

// Resolve returns every setting with its source, sorted by key.
func Resolve(flagOverrides *Config) ([]Resolved, error) {
	cfg, sources, err := load(flagOverrides)
	if err != nil {
		return nil, err
	}
	values := map[string]any{
		"output":             cfg.Output,
		"planning_dir":       cfg.PlanningDir,
		"mode":               cfg.Mode,
		"verbose":            cfg.Verbose,
		"max_fix_rounds":     cfg.MaxFixRounds,
		"prompt_timeout":     cfg.PromptTimeout,
		"require_clean_tree": cfg.CleanTreeRequired(),
		"runtime.command":    cfg.Runtime.Command,
		"runtime.args":       cfg.Runtime.Args,
		"review.command":     cfg.Review.Command,
		"review.args":        cfg.Review.Args,
	}
	out := make([]Resolved, 0, len(values))
	for k, v := range values {
		src, ok := sources[k]
		if !ok {
			src = SourceDefault
		}
		out = append(out, Resolved{Key: k, Value: v, Source: src})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func load(flagOverrides *Config) (*Config, map[string]Source, error) {
	cfg := Default()
	sources := map[string]Source{}

	homeConfig, err := loadFromPath(homeConfigPath())
	if err != nil {
		return nil, nil, err
	}
	if homeConfig != nil {
		merge(cfg, homeConfig, sources, SourceHome)
	}

	projectConfig, err := loadFromPath(projectConfigPath())
	if err != nil {
		return nil, nil, err
	}
	if projectConfig != nil {
		merge(cfg, projectConfig, sources, SourceProject)
	}

	envConfig, err := fromEnv()
	if err != nil {
		return nil, nil, err
	}
	merge(cfg, envConfig, sources, SourceEnv)

	if flagOverrides != nil {
		merge(cfg, flagOverrides, sources, SourceFlag)
	}
	return cfg, sources, nil
}

// homeConfigPath returns the home config path.
func homeConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".sprint", "config.yaml")
}

// projectConfigPath returns the project config path.
func projectConfigPath() string {
	if override := strings.TrimSpace(os.Getenv("SPRINT_CONFIG")); override != "" {
		return override
	}
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	return filepath.Join(cwd, ".sprint", "config.yaml")
}

// loadFromPath loads config from a YAML file. A missing file is not an
// error; a malformed one is.
func loadFromPath(path string) (*Config, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// fromEnv reads SPRINT_* overrides into a sparse Config.
func fromEnv() (*Config, error) {
	cfg := &Config{
		Output:        os.Getenv("SPRINT_OUTPUT"),
		PlanningDir:   os.Getenv("SPRINT_PLANNING_DIR"),
		Mode:          os.Getenv("SPRINT_MODE"),
		PromptTimeout: os.Getenv("SPRINT_PROMPT_TIMEOUT"),
		Runtime: AgentConfig{
			Command: os.Getenv("SPRINT_RUNTIME_COMMAND"),
			Args:    envFields("SPRINT_RUNTIME_ARGS"),
		},
		Review: AgentConfig{
			Command: os.Getenv("SPRINT_REVIEW_COMMAND"),
			Args:    envFields("SPRINT_REVIEW_ARGS"),
		},
	}
	if v := os.Getenv("SPRINT_VERBOSE"); v == "true" || v == "1" {
		cfg.Verbose = true
	}
	if v := os.Getenv("SPRINT_MAX_FIX_ROUNDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("SPRINT_MAX_FIX_ROUNDS: %w", err)
		}
		cfg.MaxFixRounds = n
	}
	if v := os.Getenv("SPRINT_REQUIRE_CLEAN_TREE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("SPRINT_REQUIRE_CLEAN_TREE: %w", err)
		}
		cfg.RequireCleanTree = &b
	}
	return cfg, nil
}

// envFields splits a space-separated list; unset yields nil.
func envFields(key string) []string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	return append([]string{}, strings.Fields(v)...)
}

// merge overlays the set fields of src onto dst and records their source.
func merge(dst, src *Config, sources map[string]Source, from Source) {
	mergeStr(&dst.Output, src.Output, "output", sources, from)
	mergeStr(&dst.PlanningDir, src.PlanningDir, "planning_dir", sources, from)
	mergeStr(&dst.Mode, src.Mode, "mode", sources, from)
	mergeStr(&dst.PromptTimeout, src.PromptTimeout, "prompt_timeout", sources, from)
	if src.Verbose {
		dst.Verbose = true
		sources["verbose"] = from
	}
	if src.MaxFixRounds != 0 {
		dst.MaxFixRounds = src.MaxFixRounds
		sources["max_fix_rounds"] = from
	}
	if src.RequireCleanTree != nil {
		v := *src.RequireCleanTree
		dst.RequireCleanTree = &v
		sources["require_clean_tree"] = from
	}
	mergeAgent(&dst.Runtime, &src.Runtime, "runtime", sources, from)
	mergeAgent(&dst.Review, &src.Review, "review", sources, from)
}

func mergeAgent(dst, src *AgentConfig, prefix string, sources map[string]Source, from Source) {
	mergeStr(&dst.Command, src.Command, prefix+".command", sources, from)
	if src.Args != nil {
		dst.Args = append([]string(nil), src.Args...)
		sources[prefix+".args"] = from
	}
}

// mergeStr overwrites dst with src when src is non-empty.
func mergeStr(dst *string, src, key string, sources map[string]Source, from Source) {
	if src != "" {
		*dst = src
		sources[key] = from
	}
}
