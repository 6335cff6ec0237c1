// Package resolver implements the win condition strategies. Resolution is
// pure: it reads a competition and its locked, revalued portfolios and
// produces an ordered set of placements without touching external state.
package resolver

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"sort"

	"arenasettle/games"
)

var (
	// ErrInvalidValuation marks an entrant whose final valuation is missing,
	// non-finite, or not positive. Competitions hitting this are failed for
	// operator review rather than retried.
	ErrInvalidValuation = errors.New("resolver: invalid portfolio valuation")
	// ErrHouseMissing is returned when a beat-the-house competition has no
	// synthetic benchmark portfolio.
	ErrHouseMissing = errors.New("resolver: synthetic house portfolio missing")
	// ErrNoActiveTiers is returned when no configured tier rank is reachable
	// by the entrant count. This is a misconfiguration, not auto-correctable.
	ErrNoActiveTiers = errors.New("resolver: no tier rank within entrant count")
)

// IsDataError reports whether the error is a data-validation failure that
// should mark the competition failed instead of being retried.
func IsDataError(err error) bool {
	return errors.Is(err, ErrInvalidValuation) ||
		errors.Is(err, ErrHouseMissing) ||
		errors.Is(err, ErrNoActiveTiers) ||
		errors.Is(err, games.ErrRuleInvalid) ||
		errors.Is(err, games.ErrAmountInvalid)
}

// Placement is one entrant's resolved outcome. Rewards are exact integers in
// the smallest currency unit; losers carry a zero reward.
type Placement struct {
	Portfolio games.Portfolio
	Rank      int
	Winner    bool
	Reward    *big.Int
}

// Resolution is the ordered outcome of a competition.
type Resolution struct {
	Placements   []Placement
	WinnerCount  int
	PaidTotal    *big.Int
	PoolRetained bool
}

// Resolve runs the competition's configured rule over its portfolios.
// Entrants are ranked by performance descending with ties broken by earlier
// creation time, so repeated runs over the same data are deterministic.
func Resolve(comp *games.Competition, portfolios []games.Portfolio) (*Resolution, error) {
	if comp == nil {
		return nil, fmt.Errorf("resolver: competition required")
	}
	if err := comp.Rule.Validate(); err != nil {
		return nil, err
	}
	pool, err := comp.PrizePoolAmount()
	if err != nil {
		return nil, err
	}

	var house *games.Portfolio
	entrants := make([]games.Portfolio, 0, len(portfolios))
	for i := range portfolios {
		if portfolios[i].Synthetic {
			if house == nil {
				house = &portfolios[i]
			}
			continue
		}
		entrants = append(entrants, portfolios[i])
	}
	for i := range entrants {
		if err := validateValuation(&entrants[i]); err != nil {
			return nil, err
		}
	}
	sortByPerformance(entrants)

	switch comp.Rule.Kind {
	case games.RuleBeatTheHouse:
		if house == nil {
			return nil, fmt.Errorf("%w: competition %s", ErrHouseMissing, comp.ID)
		}
		if err := validateValuation(house); err != nil {
			return nil, err
		}
		return beatTheHouse(pool, *house, entrants), nil
	case games.RuleTopPercentile:
		return topPercentile(pool, comp.Rule, entrants), nil
	case games.RuleFixedTiers:
		return fixedTiers(pool, comp.Rule, entrants)
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", games.ErrRuleInvalid, comp.Rule.Kind)
	}
}

func validateValuation(p *games.Portfolio) error {
	if math.IsNaN(p.Performance) || math.IsInf(p.Performance, 0) {
		return fmt.Errorf("%w: portfolio %s performance is non-finite", ErrInvalidValuation, p.ID)
	}
	value, err := p.FinalValueAmount()
	if err != nil {
		return fmt.Errorf("%w: portfolio %s: %v", ErrInvalidValuation, p.ID, err)
	}
	if value.Sign() <= 0 {
		return fmt.Errorf("%w: portfolio %s final value must be positive", ErrInvalidValuation, p.ID)
	}
	return nil
}

// sortByPerformance orders entrants by performance descending, breaking ties
// by earlier creation time and finally by identifier for full determinism.
func sortByPerformance(entrants []games.Portfolio) {
	sort.SliceStable(entrants, func(i, j int) bool {
		if entrants[i].Performance != entrants[j].Performance {
			return entrants[i].Performance > entrants[j].Performance
		}
		if !entrants[i].CreatedAt.Equal(entrants[j].CreatedAt) {
			return entrants[i].CreatedAt.Before(entrants[j].CreatedAt)
		}
		return entrants[i].ID.String() < entrants[j].ID.String()
	})
}

// equalSplit divides the pool into n equal integer shares. The remainder is
// assigned to the lowest-ranked winner so the paid total consumes the amount
// exactly.
func equalSplit(amount *big.Int, n int) (per, remainder *big.Int) {
	per = new(big.Int)
	remainder = new(big.Int)
	per.DivMod(amount, big.NewInt(int64(n)), remainder)
	return per, remainder
}

func zero() *big.Int { return new(big.Int) }
