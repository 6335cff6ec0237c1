package games

import (
	"errors"
	"fmt"
)

// RuleKind discriminates the configured payout rule. The set is closed:
// resolution dispatches by exhaustive switch, never by runtime lookup.
type RuleKind string

const (
	// RuleBeatTheHouse pays entrants that finish strictly above the house portfolio.
	RuleBeatTheHouse RuleKind = "BEAT_THE_HOUSE"
	// RuleTopPercentile pays a share of the pool equally to the top percentile.
	RuleTopPercentile RuleKind = "TOP_PERCENTILE_EQUAL_SHARE"
	// RuleFixedTiers pays configured percentages per final rank.
	RuleFixedTiers RuleKind = "FIXED_TIERS"
)

// Tier assigns a percentage of the pool to one final rank.
type Tier struct {
	Rank    int   `json:"rank"`
	Percent int64 `json:"percent"`
}

// WinRule is the competition's configured payout rule. Only the fields
// relevant to Kind are populated.
type WinRule struct {
	Kind         RuleKind `json:"kind"`
	Percentile   int64    `json:"percentile,omitempty"`
	SharePercent int64    `json:"sharePercent,omitempty"`
	Tiers        []Tier   `json:"tiers,omitempty"`
}

// ErrRuleInvalid marks a misconfigured win rule.
var ErrRuleInvalid = errors.New("games: invalid win rule")

// Validate checks the rule's static configuration.
func (r WinRule) Validate() error {
	switch r.Kind {
	case RuleBeatTheHouse:
		return nil
	case RuleTopPercentile:
		if r.Percentile <= 0 || r.Percentile > 100 {
			return fmt.Errorf("%w: percentile %d out of range (0, 100]", ErrRuleInvalid, r.Percentile)
		}
		if r.SharePercent <= 0 || r.SharePercent > 100 {
			return fmt.Errorf("%w: share percent %d out of range (0, 100]", ErrRuleInvalid, r.SharePercent)
		}
		return nil
	case RuleFixedTiers:
		if len(r.Tiers) == 0 {
			return fmt.Errorf("%w: at least one tier required", ErrRuleInvalid)
		}
		seen := make(map[int]struct{}, len(r.Tiers))
		for _, tier := range r.Tiers {
			if tier.Rank < 1 {
				return fmt.Errorf("%w: tier rank %d must be >= 1", ErrRuleInvalid, tier.Rank)
			}
			if tier.Percent <= 0 {
				return fmt.Errorf("%w: tier %d percent must be positive", ErrRuleInvalid, tier.Rank)
			}
			if _, dup := seen[tier.Rank]; dup {
				return fmt.Errorf("%w: duplicate tier rank %d", ErrRuleInvalid, tier.Rank)
			}
			seen[tier.Rank] = struct{}{}
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrRuleInvalid, r.Kind)
	}
}
