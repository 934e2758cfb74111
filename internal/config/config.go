// Package config loads the orchestrator configuration from an optional YAML
// file plus environment overrides. The resulting Config value is constructed
// once in main and threaded through component constructors; there is no
// package-level singleton.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr  string `yaml:"listen_addr"`
	DBPath      string `yaml:"db_path"`
	RedisURL    string `yaml:"redis_url"`
	DataDir     string `yaml:"data_dir"`
	WorkerCount int    `yaml:"worker_count"`

	OpenAIAPIKey  string `yaml:"openai_api_key"`
	OpenAIBaseURL string `yaml:"openai_base_url"`
	GitHubToken   string `yaml:"github_token"`

	ModelCTO       string `yaml:"model_cto"`
	ModelCoder     string `yaml:"model_coder"`
	EmbeddingModel string `yaml:"embedding_model"`

	BudgetUSDMax        float64 `yaml:"budget_usd_max"`
	MaxRequests         int     `yaml:"max_requests"`
	MaxWallclockMinutes int     `yaml:"max_wallclock_minutes"`

	DryRun               bool  `yaml:"dry_run"`
	ContextEngineEnabled *bool `yaml:"context_engine_enabled,omitempty"`

	ContextBudgetTokens          int     `yaml:"context_budget_tokens"`
	ContextOutputReserveTokens   int     `yaml:"context_output_reserve_tokens"`
	ContextHardCapTokens         int     `yaml:"context_hard_cap_tokens"`
	ContextCompactThresholdRatio float64 `yaml:"context_compact_threshold_ratio"`

	MemoryMaxItemsPerJob  int `yaml:"memory_max_items_per_job"`
	MemoryMaxBytesPerItem int `yaml:"memory_max_bytes_per_item"`

	RetrieverMaxFiles         int   `yaml:"retriever_max_files"`
	RetrieverMaxSnippetTokens int   `yaml:"retriever_max_snippet_tokens"`
	JITEnable                 *bool `yaml:"jit_enable,omitempty"`

	CuratorTopK     int     `yaml:"curator_topk"`
	CuratorMinScore float64 `yaml:"curator_min_score"`

	MergeConflictBehavior string `yaml:"merge_conflict_behavior"`
	AllowDirectPush       bool   `yaml:"allow_direct_push"`

	PromptSpecPath string `yaml:"prompt_spec_path"`
	PricesPath     string `yaml:"prices_path"`
}

// Load reads the config file at path (missing file is not an error), applies
// environment overrides, then defaults. A .env file in the working directory
// is loaded first when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if path != "" {
		b, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(b, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnv(cfg)
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setStr := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := strings.TrimSpace(os.Getenv(k)); v != "" {
				*dst = v
				return
			}
		}
	}
	setStr(&cfg.OpenAIAPIKey, "OPENAI_API_KEY")
	setStr(&cfg.OpenAIBaseURL, "OPENAI_BASE_URL")
	setStr(&cfg.GitHubToken, "GITHUB_TOKEN")
	setStr(&cfg.RedisURL, "REDIS_URL")
	setStr(&cfg.DBPath, "DATABASE_PATH")
	setStr(&cfg.ListenAddr, "AUTODEV_LISTEN_ADDR")
	setStr(&cfg.DataDir, "AUTODEV_DATA_DIR")

	if v := strings.TrimSpace(os.Getenv("AUTODEV_DRY_RUN")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.DryRun = b
		}
	}
	if v := strings.TrimSpace(os.Getenv("AUTODEV_WORKER_COUNT")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.WorkerCount = n
		}
	}
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.DBPath == "" {
		c.DBPath = "autodev.db"
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.WorkerCount <= 0 {
		c.WorkerCount = 2
	}
	if c.ModelCTO == "" {
		c.ModelCTO = "gpt-4o"
	}
	if c.ModelCoder == "" {
		c.ModelCoder = "gpt-4o-mini"
	}
	if c.EmbeddingModel == "" {
		c.EmbeddingModel = "text-embedding-3-small"
	}
	if c.BudgetUSDMax <= 0 {
		c.BudgetUSDMax = 5.0
	}
	if c.MaxRequests <= 0 {
		c.MaxRequests = 100
	}
	if c.MaxWallclockMinutes <= 0 {
		c.MaxWallclockMinutes = 60
	}
	if c.ContextEngineEnabled == nil {
		v := true
		c.ContextEngineEnabled = &v
	}
	if c.ContextBudgetTokens <= 0 {
		c.ContextBudgetTokens = 64000
	}
	if c.ContextOutputReserveTokens <= 0 {
		c.ContextOutputReserveTokens = 8000
	}
	if c.ContextHardCapTokens <= 0 {
		c.ContextHardCapTokens = 70000
	}
	if c.ContextCompactThresholdRatio <= 0 {
		c.ContextCompactThresholdRatio = 0.6
	}
	if c.MemoryMaxItemsPerJob <= 0 {
		c.MemoryMaxItemsPerJob = 2000
	}
	if c.MemoryMaxBytesPerItem <= 0 {
		c.MemoryMaxBytesPerItem = 20000
	}
	if c.RetrieverMaxFiles <= 0 {
		c.RetrieverMaxFiles = 200
	}
	if c.RetrieverMaxSnippetTokens <= 0 {
		c.RetrieverMaxSnippetTokens = 2000
	}
	if c.JITEnable == nil {
		v := true
		c.JITEnable = &v
	}
	if c.CuratorTopK <= 0 {
		c.CuratorTopK = 12
	}
	if c.CuratorMinScore <= 0 {
		c.CuratorMinScore = 0.12
	}
	if c.MergeConflictBehavior == "" {
		c.MergeConflictBehavior = "fail"
	}
}

func (c *Config) validate() error {
	if c.ContextOutputReserveTokens >= c.ContextBudgetTokens {
		return fmt.Errorf("context_output_reserve_tokens (%d) must be below context_budget_tokens (%d)",
			c.ContextOutputReserveTokens, c.ContextBudgetTokens)
	}
	if c.ContextCompactThresholdRatio > 1 {
		return fmt.Errorf("context_compact_threshold_ratio must be in (0,1], got %v", c.ContextCompactThresholdRatio)
	}
	return nil
}

// ContextEnabled reports whether the context engine should run. Defaults to true.
func (c *Config) ContextEnabled() bool {
	return c.ContextEngineEnabled == nil || *c.ContextEngineEnabled
}

// JIT reports whether just-in-time external doc retrieval is enabled. Defaults to true.
func (c *Config) JIT() bool {
	return c.JITEnable == nil || *c.JITEnable
}
