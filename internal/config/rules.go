package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"eu-flight/monitor/internal/models"
)

// rulesFile is the YAML shape of the reconciliation rules document.
type rulesFile struct {
	Thresholds struct {
		ClaimDelayMinutes         int `yaml:"claim_delay_minutes"`
		ImplausibilityWindowHours int `yaml:"implausibility_window_hours"`
		LedgerRetentionHours      int `yaml:"ledger_retention_hours"`
	} `yaml:"thresholds"`
	CancellationsClaimable bool `yaml:"cancellations_claimable"`
	Sources                []struct {
		ID         string `yaml:"id"`
		Priority   int    `yaml:"priority"`
		Confidence string `yaml:"confidence"`
	} `yaml:"sources"`
}

// SourceRule is the configured trust profile of one upstream source.
type SourceRule struct {
	Priority   int
	Confidence models.Confidence
}

// Rules is the immutable, compiled reconciliation configuration. Components
// receive a snapshot per observation; there are no mutable globals.
type Rules struct {
	ClaimDelayMinutes      int
	ImplausibilityWindow   time.Duration
	LedgerRetention        time.Duration
	CancellationsClaimable bool
	Sources                map[string]SourceRule
}

// unrankedPriority sorts unknown sources behind every configured one.
const unrankedPriority = 1 << 20

// Rank returns the priority rank for a source; lower ranks win ties.
func (r *Rules) Rank(sourceID string) int {
	if s, ok := r.Sources[sourceID]; ok {
		return s.Priority
	}
	return unrankedPriority
}

// BaseConfidence returns the configured confidence for a source. Unknown
// sources are treated as low-trust estimates.
func (r *Rules) BaseConfidence(sourceID string) models.Confidence {
	if s, ok := r.Sources[sourceID]; ok {
		return s.Confidence
	}
	return models.ConfidenceLow
}

// CancellationClaimable is the predicate gating cancelled flights into the
// compensation scope. EU261 treats cancellations with their own notice-period
// rule; deployments decide via config rather than this engine guessing it.
func (r *Rules) CancellationClaimable(state *models.FlightState) bool {
	return r.CancellationsClaimable
}

// LoadRules reads and compiles the rules YAML at path.
func LoadRules(path string) (*Rules, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	return parseRules(raw)
}

func parseRules(raw []byte) (*Rules, error) {
	var f rulesFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse rules yaml: %w", err)
	}

	r := &Rules{
		ClaimDelayMinutes:      f.Thresholds.ClaimDelayMinutes,
		ImplausibilityWindow:   time.Duration(f.Thresholds.ImplausibilityWindowHours) * time.Hour,
		LedgerRetention:        time.Duration(f.Thresholds.LedgerRetentionHours) * time.Hour,
		CancellationsClaimable: f.CancellationsClaimable,
		Sources:                make(map[string]SourceRule, len(f.Sources)),
	}
	if r.ClaimDelayMinutes == 0 {
		r.ClaimDelayMinutes = 120
	}
	if r.ImplausibilityWindow == 0 {
		r.ImplausibilityWindow = 48 * time.Hour
	}
	if r.LedgerRetention == 0 {
		r.LedgerRetention = 72 * time.Hour
	}

	for _, s := range f.Sources {
		if s.ID == "" {
			return nil, fmt.Errorf("parse rules yaml: source with empty id")
		}
		if _, dup := r.Sources[s.ID]; dup {
			return nil, fmt.Errorf("parse rules yaml: duplicate source %q", s.ID)
		}
		r.Sources[s.ID] = SourceRule{
			Priority:   s.Priority,
			Confidence: models.ParseConfidence(s.Confidence),
		}
	}
	return r, nil
}

// DefaultRules is the fallback used when no rules file is deployed.
func DefaultRules() *Rules {
	return &Rules{
		ClaimDelayMinutes:    120,
		ImplausibilityWindow: 48 * time.Hour,
		LedgerRetention:      72 * time.Hour,
		Sources:              map[string]SourceRule{},
	}
}
