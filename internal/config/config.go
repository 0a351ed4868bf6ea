// Package config provides configuration management for master-kit.
// Configuration is loaded from (highest to lowest priority):
// 1. Command-line flags
// 2. Environment variables (MASTERKIT_*)
// 3. Project config (.masterkit/config.yaml in cwd)
// 4. Home config (~/.masterkit/config.yaml)
// 5. Defaults
package config

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kurtbell87/master-kit/internal/budget"
	"github.com/kurtbell87/master-kit/internal/manifest"
	"github.com/kurtbell87/master-kit/internal/rules"
)

// Environment contract between the run manager and the processes it spawns.
// The run manager exports these; the hook and interop consumers read them
// back to reconstruct the call context without guessing.
const (
	EnvRunID        = "MASTERKIT_RUN_ID"
	EnvRunRoot      = "MASTERKIT_RUN_ROOT"
	EnvPipeline     = "MASTERKIT_PIPELINE"
	EnvPhase        = "MASTERKIT_PHASE"
	EnvDelegated    = "MASTERKIT_DELEGATED"
	EnvMaxReadBytes = "MASTERKIT_MAX_READ_BYTES"
	EnvMustRead     = "MASTERKIT_MUST_READ"
	EnvConfig       = "MASTERKIT_CONFIG"
)

// Harness-side variables describing the operation a hook is screening.
const (
	EnvToolName  = "CLAUDE_TOOL_NAME"
	EnvToolInput = "CLAUDE_TOOL_INPUT"
)

// Config holds all master-kit configuration.
type Config struct {
	// RunRoot is the coordination data directory (default: .masterkit).
	RunRoot string `yaml:"run_root" json:"run_root"`

	// Output controls the default output format (text, json).
	Output string `yaml:"output" json:"output"`

	// Verbose enables verbose output.
	Verbose bool `yaml:"verbose" json:"verbose"`

	// MaxReadBytes is the single-read size threshold enforced by the hook.
	MaxReadBytes int64 `yaml:"max_read_bytes" json:"max_read_bytes"`

	// Manifest bounds how many artifacts a phase manifest lists.
	Manifest manifest.Caps `yaml:"manifest" json:"manifest"`

	// ReadBudget bounds cumulative reads over a whole run. AllowedPaths
	// is a global allowlist; pipelines add their own safe reads on top.
	ReadBudget budget.Budget `yaml:"read_budget" json:"read_budget"`

	// RuntimeCommand is the CLI command used to spawn delegated phase
	// sessions when serving interop requests. Default: "claude".
	RuntimeCommand string `yaml:"runtime_command" json:"runtime_command"`

	// Pipelines maps pipeline name to its definition. Entries here
	// replace same-named built-ins wholesale.
	Pipelines map[string]Pipeline `yaml:"pipelines" json:"pipelines"`

	// Rules are extra phase-protection rules appended to the built-in
	// table.
	Rules []RuleSpec `yaml:"rules" json:"rules"`
}

// Pipeline defines one phase sequence, its read allowances, and the static
// pointers copied verbatim into every manifest the pipeline produces.
type Pipeline struct {
	// Phases in execution order.
	Phases []string `yaml:"phases" json:"phases"`

	// SafeReads are glob patterns whose reads bypass the size threshold
	// and the run budget.
	SafeReads []string `yaml:"safe_reads" json:"safe_reads"`

	// Artifacts are glob patterns selecting which files of a run's
	// artifact directory the manifest lists. Empty means everything.
	Artifacts []string `yaml:"artifacts,omitempty" json:"artifacts,omitempty"`

	// TruthPointers name where this pipeline's ground truth lives. They
	// are copied into manifests unchanged, never inferred.
	TruthPointers []string `yaml:"truth_pointers,omitempty" json:"truth_pointers,omitempty"`

	// LogPointers name where raw phase output lands, relative to the run
	// directory.
	LogPointers []string `yaml:"log_pointers,omitempty" json:"log_pointers,omitempty"`
}

// RuleSpec is one configured rule table entry.
type RuleSpec struct {
	Pipeline string         `yaml:"pipeline" json:"pipeline"`
	Phase    string         `yaml:"phase" json:"phase"`
	Category rules.Category `yaml:"category" json:"category"`
	Pattern  string         `yaml:"pattern" json:"pattern"`
	Except   []string       `yaml:"except,omitempty" json:"except,omitempty"`
	Reason   string         `yaml:"reason" json:"reason"`
}

// Default config values (used in resolution and validation).
const (
	defaultOutput       = "text"
	defaultRunRoot      = ".masterkit"
	defaultMaxReadBytes = 200000
)

// Default read budget over a whole run.
const (
	defaultBudgetMaxFiles      = 128
	defaultBudgetMaxTotalBytes = 32 << 20
)

// Default returns the default configuration with the built-in pipelines.
func Default() *Config {
	return &Config{
		RunRoot:      defaultRunRoot,
		Output:       defaultOutput,
		MaxReadBytes: defaultMaxReadBytes,
		Manifest:     manifest.DefaultCaps(),
		ReadBudget: budget.Budget{
			MaxFiles:      defaultBudgetMaxFiles,
			MaxTotalBytes: defaultBudgetMaxTotalBytes,
		},
		Pipelines: map[string]Pipeline{
			rules.PipelineTDD: {
				Phases:        []string{"red", "green", "refactor"},
				SafeReads:     []string{"**/capsule.md", "**/manifest.json", "go.mod", "**/*.md"},
				TruthPointers: []string{"tests/"},
				LogPointers:   []string{"logs/output.log"},
			},
			rules.PipelineResearch: {
				Phases:        []string{"explore", "synthesize"},
				SafeReads:     []string{"**/capsule.md", "**/manifest.json", "**/SYNTHESIS.md", "**/*.md"},
				TruthPointers: []string{"SYNTHESIS.md"},
				LogPointers:   []string{"logs/output.log"},
			},
			rules.PipelineMath: {
				Phases:        []string{"survey", "formalize", "prove"},
				SafeReads:     []string{"**/capsule.md", "**/manifest.json", "**/*.md"},
				TruthPointers: []string{"proofs/"},
				LogPointers:   []string{"logs/output.log"},
			},
		},
	}
}

// Load loads configuration with proper precedence.
// Priority: flags > env > project > home > defaults
func Load(flagOverrides *Config) (*Config, error) {
	cfg := Default()

	homeConfig, _ := loadFromPath(homeConfigPath())
	if homeConfig != nil {
		cfg = merge(cfg, homeConfig)
	}

	projectConfig, _ := loadFromPath(projectConfigPath())
	if projectConfig != nil {
		cfg = merge(cfg, projectConfig)
	}

	cfg = applyEnv(cfg)

	if flagOverrides != nil {
		cfg = merge(cfg, flagOverrides)
	}

	return cfg, nil
}

// homeConfigPath returns the home config path.
func homeConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".masterkit", "config.yaml")
}

// projectConfigPath returns the project config path.
func projectConfigPath() string {
	if override := strings.TrimSpace(os.Getenv(EnvConfig)); override != "" {
		return override
	}
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	return filepath.Join(cwd, ".masterkit", "config.yaml")
}

// loadFromPath loads config from a YAML file.
func loadFromPath(path string) (*Config, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnv applies environment variable overrides.
func applyEnv(cfg *Config) *Config {
	if v := os.Getenv(EnvRunRoot); v != "" {
		cfg.RunRoot = v
	}
	if v := os.Getenv("MASTERKIT_OUTPUT"); v != "" {
		cfg.Output = v
	}
	if v := os.Getenv("MASTERKIT_VERBOSE"); v == "true" || v == "1" {
		cfg.Verbose = true
	}
	if v := os.Getenv(EnvMaxReadBytes); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			cfg.MaxReadBytes = n
		}
	}
	return cfg
}

// mergeStr overwrites dst with src when src is non-empty.
func mergeStr(dst *string, src string) {
	if src != "" {
		*dst = src
	}
}

// mergeInt overwrites dst with src when src is non-zero.
func mergeInt(dst *int, src int) {
	if src != 0 {
		*dst = src
	}
}

// mergeInt64 overwrites dst with src when src is non-zero.
func mergeInt64(dst *int64, src int64) {
	if src != 0 {
		*dst = src
	}
}

// merge merges src into dst, with src values taking precedence.
func merge(dst, src *Config) *Config {
	mergeStr(&dst.RunRoot, src.RunRoot)
	mergeStr(&dst.Output, src.Output)
	if src.Verbose {
		dst.Verbose = true
	}
	mergeInt64(&dst.MaxReadBytes, src.MaxReadBytes)

	mergeInt(&dst.Manifest.MaxFiles, src.Manifest.MaxFiles)
	mergeInt64(&dst.Manifest.MaxTotalBytes, src.Manifest.MaxTotalBytes)

	mergeInt(&dst.ReadBudget.MaxFiles, src.ReadBudget.MaxFiles)
	mergeInt64(&dst.ReadBudget.MaxTotalBytes, src.ReadBudget.MaxTotalBytes)
	if len(src.ReadBudget.AllowedPaths) > 0 {
		dst.ReadBudget.AllowedPaths = src.ReadBudget.AllowedPaths
	}

	for name, p := range src.Pipelines {
		if dst.Pipelines == nil {
			dst.Pipelines = make(map[string]Pipeline)
		}
		dst.Pipelines[name] = p
	}
	dst.Rules = append(dst.Rules, src.Rules...)

	return dst
}

// RuleTable returns the built-in table extended with configured rules.
func (c *Config) RuleTable() *rules.Table {
	t := rules.DefaultTable()
	for _, r := range c.Rules {
		t.Add(r.Pipeline, r.Phase, r.Category, rules.Rule{
			Pattern: r.Pattern,
			Except:  r.Except,
			Reason:  r.Reason,
		})
	}
	return t
}

// Pipeline returns the named pipeline definition.
func (c *Config) Pipeline(name string) (Pipeline, bool) {
	p, ok := c.Pipelines[name]
	return p, ok
}

// PhaseKnown reports whether a pipeline declares the given phase.
func (c *Config) PhaseKnown(pipeline, phase string) bool {
	p, ok := c.Pipelines[pipeline]
	if !ok {
		return false
	}
	for _, ph := range p.Phases {
		if ph == phase {
			return true
		}
	}
	return false
}

// PipelineNames returns the configured pipeline names, sorted.
func (c *Config) PipelineNames() []string {
	names := make([]string, 0, len(c.Pipelines))
	for name := range c.Pipelines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunsDir is where per-run directories live.
func (c *Config) RunsDir() string {
	return filepath.Join(c.RunRoot, "runs")
}

// RunDir is the directory for one run.
func (c *Config) RunDir(runID string) string {
	return filepath.Join(c.RunsDir(), runID)
}

// LedgerPath is the shared event ledger file.
func (c *Config) LedgerPath() string {
	return filepath.Join(c.RunRoot, "ledger", "events.jsonl")
}

// InteropDir is the root of the cross-pipeline request queue.
func (c *Config) InteropDir() string {
	return filepath.Join(c.RunRoot, "interop")
}
