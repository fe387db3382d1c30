// Package config loads the engine configuration from YAML with environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Query     QueryConfig     `yaml:"query"`
	Cache     CacheConfig     `yaml:"cache"`
	Optimizer OptimizerConfig `yaml:"optimizer"`
	Execution ExecutionConfig `yaml:"execution"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"` // HTTP listen address (e.g. :8080)
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`  // json or text
	SeqURL string `yaml:"seq_url"` // optional Seq ingestion endpoint
}

type QueryConfig struct {
	MaxResultRows          int64    `yaml:"max_result_rows"`
	MaxQueryLength         int      `yaml:"max_query_length"`
	AllowedStatements      []string `yaml:"allowed_statements"`
	MaxMaterializedCTEs    int      `yaml:"max_materialized_ctes"`
	MaxRecursiveIterations int      `yaml:"max_recursive_iterations"`
}

type CacheConfig struct {
	PlanCacheSize      int `yaml:"plan_cache_size"`
	PredicateCacheSize int `yaml:"predicate_cache_size"`
}

type OptimizerConfig struct {
	// SearchStrategy is "advanced" (DP join enumeration up to DPJoinThreshold
	// relations) or "basic" (greedy only).
	SearchStrategy      string  `yaml:"search_strategy"`
	DPJoinThreshold     int     `yaml:"dp_join_threshold"`
	EqualitySelectivity float64 `yaml:"equality_selectivity"`
	RangeSelectivity    float64 `yaml:"range_selectivity"`
}

type ExecutionConfig struct {
	WorkMem             ByteSize `yaml:"work_mem"`
	MaxMemory           ByteSize `yaml:"max_memory"`      // engine-wide; 0 is unlimited
	SpillDir            string   `yaml:"spill_dir"`       // empty keeps spill data in memory
	MaxSpillBytes       ByteSize `yaml:"max_spill_bytes"` // 0 is unlimited
	HashPartitions      int      `yaml:"hash_partitions"`
	Parallelism         int      `yaml:"parallelism"`
	AdaptiveExecution   bool     `yaml:"adaptive_execution"`
	AdaptiveReplanRatio float64  `yaml:"adaptive_replan_ratio"`
	AdaptiveMaxReplans  int      `yaml:"adaptive_max_replans"`
}

// Default returns a configuration with every option set to its default.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads configPath (if non-empty), applies defaults and then
// QUERYCORE_* environment overrides.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", configPath, err)
		}
	}

	applyDefaults(cfg)
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "INFO"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Query.MaxResultRows <= 0 {
		cfg.Query.MaxResultRows = 1_000_000
	}
	if cfg.Query.MaxQueryLength <= 0 {
		cfg.Query.MaxQueryLength = 1 << 20
	}
	if len(cfg.Query.AllowedStatements) == 0 {
		cfg.Query.AllowedStatements = DefaultAllowedStatements()
	}
	if cfg.Query.MaxMaterializedCTEs <= 0 {
		cfg.Query.MaxMaterializedCTEs = 64
	}
	if cfg.Query.MaxRecursiveIterations <= 0 {
		cfg.Query.MaxRecursiveIterations = 1000
	}
	if cfg.Cache.PlanCacheSize <= 0 {
		cfg.Cache.PlanCacheSize = 1024
	}
	if cfg.Cache.PredicateCacheSize <= 0 {
		cfg.Cache.PredicateCacheSize = 4096
	}
	if cfg.Optimizer.SearchStrategy == "" {
		cfg.Optimizer.SearchStrategy = "advanced"
	}
	if cfg.Optimizer.DPJoinThreshold <= 0 {
		cfg.Optimizer.DPJoinThreshold = 8
	}
	if cfg.Optimizer.EqualitySelectivity <= 0 {
		cfg.Optimizer.EqualitySelectivity = 0.005
	}
	if cfg.Optimizer.RangeSelectivity <= 0 {
		cfg.Optimizer.RangeSelectivity = 0.333
	}
	if cfg.Execution.WorkMem <= 0 {
		cfg.Execution.WorkMem = 64 * MiB
	}
	if cfg.Execution.HashPartitions <= 0 {
		cfg.Execution.HashPartitions = 16
	}
	if cfg.Execution.Parallelism <= 0 {
		cfg.Execution.Parallelism = 1
	}
	if cfg.Execution.AdaptiveReplanRatio <= 0 {
		cfg.Execution.AdaptiveReplanRatio = 10
	}
	if cfg.Execution.AdaptiveMaxReplans <= 0 {
		cfg.Execution.AdaptiveMaxReplans = 1
	}
}

// DefaultAllowedStatements lists every statement verb the parser understands.
func DefaultAllowedStatements() []string {
	return []string{
		"SELECT", "WITH", "VALUES", "INSERT", "UPDATE", "DELETE",
		"CREATE", "DROP", "GRANT", "REVOKE", "EXPLAIN", "ANALYZE",
	}
}

// Validate rejects settings that cannot work together.
func (c *Config) Validate() error {
	switch c.Optimizer.SearchStrategy {
	case "basic", "advanced":
	default:
		return fmt.Errorf("optimizer.search_strategy must be basic or advanced, got %q", c.Optimizer.SearchStrategy)
	}
	if c.Optimizer.EqualitySelectivity > 1 || c.Optimizer.RangeSelectivity > 1 {
		return fmt.Errorf("selectivity defaults must be within (0, 1]")
	}
	if c.Execution.AdaptiveReplanRatio < 1 {
		return fmt.Errorf("execution.adaptive_replan_ratio must be >= 1, got %v", c.Execution.AdaptiveReplanRatio)
	}
	if c.Execution.HashPartitions < 2 {
		return fmt.Errorf("execution.hash_partitions must be >= 2")
	}
	if c.Execution.WorkMem < 64*KiB {
		return fmt.Errorf("execution.work_mem must be at least 64KB")
	}
	if c.Execution.MaxMemory > 0 && c.Execution.MaxMemory < c.Execution.WorkMem {
		return fmt.Errorf("execution.max_memory must not be below work_mem")
	}
	return nil
}

type envSetter func(c *Config, v string) error

var envOverrides = map[string]envSetter{
	"QUERYCORE_ADDR":       func(c *Config, v string) error { c.Server.Addr = v; return nil },
	"QUERYCORE_LOG_LEVEL":  func(c *Config, v string) error { c.Log.Level = v; return nil },
	"QUERYCORE_LOG_FORMAT": func(c *Config, v string) error { c.Log.Format = v; return nil },
	"QUERYCORE_SEQ_URL":    func(c *Config, v string) error { c.Log.SeqURL = v; return nil },
	"QUERYCORE_MAX_RESULT_ROWS": func(c *Config, v string) error {
		return parseInt64(v, &c.Query.MaxResultRows)
	},
	"QUERYCORE_PLAN_CACHE_SIZE": func(c *Config, v string) error {
		return parseInt(v, &c.Cache.PlanCacheSize)
	},
	"QUERYCORE_PREDICATE_CACHE_SIZE": func(c *Config, v string) error {
		return parseInt(v, &c.Cache.PredicateCacheSize)
	},
	"QUERYCORE_MAX_MATERIALIZED_CTES": func(c *Config, v string) error {
		return parseInt(v, &c.Query.MaxMaterializedCTEs)
	},
	"QUERYCORE_WORK_MEM": func(c *Config, v string) error {
		size, err := ParseByteSize(v)
		if err != nil {
			return err
		}
		c.Execution.WorkMem = size
		return nil
	},
	"QUERYCORE_SPILL_DIR": func(c *Config, v string) error { c.Execution.SpillDir = v; return nil },
	"QUERYCORE_MAX_SPILL_BYTES": func(c *Config, v string) error {
		size, err := ParseByteSize(v)
		if err != nil {
			return err
		}
		c.Execution.MaxSpillBytes = size
		return nil
	},
	"QUERYCORE_ADAPTIVE_EXECUTION": func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		c.Execution.AdaptiveExecution = b
		return nil
	},
	"QUERYCORE_ADAPTIVE_REPLAN_RATIO": func(c *Config, v string) error {
		return parseFloat(v, &c.Execution.AdaptiveReplanRatio)
	},
	"QUERYCORE_EQUALITY_SELECTIVITY": func(c *Config, v string) error {
		return parseFloat(v, &c.Optimizer.EqualitySelectivity)
	},
	"QUERYCORE_RANGE_SELECTIVITY": func(c *Config, v string) error {
		return parseFloat(v, &c.Optimizer.RangeSelectivity)
	},
	"QUERYCORE_SEARCH_STRATEGY": func(c *Config, v string) error {
		c.Optimizer.SearchStrategy = strings.ToLower(v)
		return nil
	},
	"QUERYCORE_PARALLELISM": func(c *Config, v string) error {
		return parseInt(v, &c.Execution.Parallelism)
	},
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	for name, set := range envOverrides {
		v, ok := lookup(name)
		if !ok || v == "" {
			continue
		}
		if err := set(cfg, v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func parseInt(v string, dst *int) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func parseInt64(v string, dst *int64) error {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func parseFloat(v string, dst *float64) error {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return err
	}
	*dst = f
	return nil
}
