// Package pricing holds the model price table and the budget ledger's limit
// checks. Prices are loaded once at startup; running counters live on the job
// row and are updated by the store together with each cost entry.
package pricing

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Price is the per-1000-token cost of a model, in USD.
type Price struct {
	InputPer1K  float64 `yaml:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k"`
}

// Table maps model name to its price. A "default" entry backs models the
// table has no opinion on.
type Table struct {
	prices map[string]Price
}

var builtinPrices = map[string]Price{
	"gpt-4o":                 {InputPer1K: 0.0025, OutputPer1K: 0.01},
	"gpt-4o-mini":            {InputPer1K: 0.00015, OutputPer1K: 0.0006},
	"gpt-4.1":                {InputPer1K: 0.002, OutputPer1K: 0.008},
	"gpt-4.1-mini":           {InputPer1K: 0.0004, OutputPer1K: 0.0016},
	"o3-mini":                {InputPer1K: 0.0011, OutputPer1K: 0.0044},
	"text-embedding-3-small": {InputPer1K: 0.00002, OutputPer1K: 0},
	"dryrun":                 {InputPer1K: 0, OutputPer1K: 0},
	"default":                {InputPer1K: 0.003, OutputPer1K: 0.012},
}

// LoadTable builds the price table from the built-in defaults merged with an
// optional YAML override file (model -> {input_per_1k, output_per_1k}).
// A missing file is not an error.
func LoadTable(path string) (*Table, error) {
	prices := make(map[string]Price, len(builtinPrices))
	for k, v := range builtinPrices {
		prices[k] = v
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		} else {
			var overrides map[string]Price
			if err := yaml.Unmarshal(b, &overrides); err != nil {
				return nil, fmt.Errorf("parse prices %s: %w", path, err)
			}
			for k, v := range overrides {
				prices[strings.TrimSpace(k)] = v
			}
		}
	}
	return &Table{prices: prices}, nil
}

// Lookup returns the price for model, falling back to the "default" entry.
func (t *Table) Lookup(model string) Price {
	if p, ok := t.prices[strings.TrimSpace(model)]; ok {
		return p
	}
	return t.prices["default"]
}

// Cost computes the USD cost of one model invocation.
func (t *Table) Cost(model string, tokensIn, tokensOut int) float64 {
	p := t.Lookup(model)
	return float64(tokensIn)/1000*p.InputPer1K + float64(tokensOut)/1000*p.OutputPer1K
}

// Limits are the per-job ceilings supplied at job creation.
type Limits struct {
	MaxUSD      float64
	MaxRequests int
	MaxWall     time.Duration
}

// Usage is the job's running position against its limits.
type Usage struct {
	CostUSD  float64
	Requests int
	Elapsed  time.Duration
}

type BudgetExceededError struct {
	CostUSD float64
	MaxUSD  float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded: $%.4f spent of $%.4f allowed", e.CostUSD, e.MaxUSD)
}

type RequestsExceededError struct {
	Requests    int
	MaxRequests int
}

func (e *RequestsExceededError) Error() string {
	return fmt.Sprintf("request limit exceeded: %d of %d allowed", e.Requests, e.MaxRequests)
}

type DeadlineExceededError struct {
	Elapsed time.Duration
	MaxWall time.Duration
}

func (e *DeadlineExceededError) Error() string {
	return fmt.Sprintf("wall-clock limit exceeded: %s elapsed of %s allowed", e.Elapsed.Round(time.Second), e.MaxWall)
}

// CheckLimits returns a typed error when any ceiling is met or passed.
// All three outcomes are fatal for the job; callers do not retry. Once a
// limit trips, every subsequent check trips too (counters never decrease and
// the clock never runs backwards).
func CheckLimits(u Usage, l Limits) error {
	if l.MaxUSD > 0 && u.CostUSD >= l.MaxUSD {
		return &BudgetExceededError{CostUSD: u.CostUSD, MaxUSD: l.MaxUSD}
	}
	if l.MaxRequests > 0 && u.Requests >= l.MaxRequests {
		return &RequestsExceededError{Requests: u.Requests, MaxRequests: l.MaxRequests}
	}
	if l.MaxWall > 0 && u.Elapsed > l.MaxWall {
		return &DeadlineExceededError{Elapsed: u.Elapsed, MaxWall: l.MaxWall}
	}
	return nil
}
