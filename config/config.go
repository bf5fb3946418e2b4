// Package config holds the tunables of a verification run. Budgets are
// plain millisecond counts so job files stay simple.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// SolverTimeoutMs is the per-check budget for interior split nodes.
	SolverTimeoutMs int `yaml:"solver_timeout_ms"`
	// LeafTimeoutMs is the larger budget granted at maximum split depth.
	LeafTimeoutMs int `yaml:"leaf_timeout_ms"`
	// GlobalTimeoutMs bounds the whole run on the wall clock.
	GlobalTimeoutMs int `yaml:"global_timeout_ms"`

	MaxSplitDepth int `yaml:"max_split_depth"`
	// ContinueAfterLeafTimeout keeps exploring other branches after one
	// split leaf times out instead of giving up on the rule.
	ContinueAfterLeafTimeout bool `yaml:"continue_after_leaf_timeout"`

	// MaxParallelSolvers caps concurrently active solver invocations.
	MaxParallelSolvers int64 `yaml:"max_parallel_solvers"`
	// MaxParallelRules caps rules verified at the same time.
	MaxParallelRules int `yaml:"max_parallel_rules"`

	LoopBound int `yaml:"loop_bound"`
	// OptimisticLoop assumes the loop bound instead of asserting it.
	// Unsound; off by default.
	OptimisticLoop bool `yaml:"optimistic_loop"`

	SummaryRecursionLimit int `yaml:"summary_recursion_limit"`
	// OptimisticSummaryRecursion assumes the recursion limit instead of
	// asserting it. Unsound; off by default.
	OptimisticSummaryRecursion bool `yaml:"optimistic_summary_recursion"`

	// AutoDispatch synthesizes a dispatch over every known implementation
	// for calls with no static receiver and no summary.
	AutoDispatch bool `yaml:"auto_dispatch"`
	// OptimisticFallback narrows the havoc of unresolved calls to a plain
	// value transfer.
	OptimisticFallback bool `yaml:"optimistic_fallback"`
	// CheckReverts reports assertion failures inside reverting callee
	// paths instead of pruning them.
	CheckReverts bool `yaml:"check_reverts"`
}

func Default() *Config {
	return &Config{
		SolverTimeoutMs:       2000,
		LeafTimeoutMs:         10000,
		GlobalTimeoutMs:       300000,
		MaxSplitDepth:         6,
		MaxParallelSolvers:    4,
		MaxParallelRules:      2,
		LoopBound:             3,
		SummaryRecursionLimit: 2,
	}
}

// Load reads a YAML file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	return cfg, nil
}

func (c *Config) SolverTimeout() time.Duration {
	return time.Duration(c.SolverTimeoutMs) * time.Millisecond
}

func (c *Config) LeafTimeout() time.Duration {
	return time.Duration(c.LeafTimeoutMs) * time.Millisecond
}

func (c *Config) GlobalTimeout() time.Duration {
	return time.Duration(c.GlobalTimeoutMs) * time.Millisecond
}
