package resolver

import (
	"fmt"
	"math/big"
	"sort"

	"arenasettle/games"
)

// fixedTiers pays configured (rank, percent) tiers. Tiers whose rank exceeds
// the entrant count are inactive; when the active tiers sum to less than 100
// percent the shortfall is redistributed proportionally among them. Per-tier
// rewards are computed in basis points of the pool and the last active tier
// absorbs the rounding remainder, so the paid total always equals the pool
// exactly.
func fixedTiers(pool *big.Int, rule games.WinRule, entrants []games.Portfolio) (*Resolution, error) {
	count := len(entrants)

	active := make([]games.Tier, 0, len(rule.Tiers))
	for _, tier := range rule.Tiers {
		if tier.Rank <= count {
			active = append(active, tier)
		}
	}
	if len(active) == 0 {
		return nil, fmt.Errorf("%w: %d entrants, lowest tier rank %d", ErrNoActiveTiers, count, lowestRank(rule.Tiers))
	}
	sort.Slice(active, func(i, j int) bool { return active[i].Rank < active[j].Rank })

	var activeTotal int64
	for _, tier := range active {
		activeTotal += tier.Percent
	}

	rewards := make(map[int]*big.Int, len(active))
	paid := zero()
	for i, tier := range active {
		var reward *big.Int
		if i == len(active)-1 {
			reward = new(big.Int).Sub(pool, paid)
		} else {
			// Effective share in basis points, rounded half up:
			// round(percent / activeTotal * 10000).
			bps := (tier.Percent*10000*2 + activeTotal) / (2 * activeTotal)
			reward = new(big.Int).Mul(pool, big.NewInt(bps))
			reward.Div(reward, big.NewInt(10000))
		}
		rewards[tier.Rank] = reward
		paid = new(big.Int).Add(paid, reward)
	}

	res := &Resolution{PaidTotal: paid}
	for i := range entrants {
		rank := i + 1
		placement := Placement{
			Portfolio: entrants[i],
			Rank:      rank,
			Reward:    zero(),
		}
		if reward, ok := rewards[rank]; ok {
			placement.Winner = true
			placement.Reward = reward
			res.WinnerCount++
		}
		res.Placements = append(res.Placements, placement)
	}
	res.PoolRetained = paid.Sign() == 0
	return res, nil
}

func lowestRank(tiers []games.Tier) int {
	lowest := 0
	for _, tier := range tiers {
		if lowest == 0 || tier.Rank < lowest {
			lowest = tier.Rank
		}
	}
	return lowest
}
