package resolver

import (
	"math/big"

	"arenasettle/games"
)

// topPercentile pays an equal integer share of sharePercent of the pool to
// the top ceil(percentile% x entrants) performers, with a floor of one
// winner. The unpaid portion of the pool is retained.
func topPercentile(pool *big.Int, rule games.WinRule, entrants []games.Portfolio) *Resolution {
	res := &Resolution{PaidTotal: zero()}

	// Zero entrants: nothing to resolve, pool retained.
	if len(entrants) == 0 {
		res.PoolRetained = true
		return res
	}

	// Zero pool: everyone loses with a zero reward, no error.
	if pool.Sign() == 0 {
		for i := range entrants {
			res.Placements = append(res.Placements, Placement{
				Portfolio: entrants[i],
				Rank:      i + 1,
				Reward:    zero(),
			})
		}
		res.PoolRetained = true
		return res
	}

	count := len(entrants)
	winners := int((rule.Percentile*int64(count) + 99) / 100)
	if winners < 1 {
		winners = 1
	}
	if winners > count {
		winners = count
	}

	share := new(big.Int).Mul(pool, big.NewInt(rule.SharePercent))
	share.Div(share, big.NewInt(100))
	per, remainder := equalSplit(share, winners)

	for i := 0; i < count; i++ {
		placement := Placement{
			Portfolio: entrants[i],
			Rank:      i + 1,
			Reward:    zero(),
		}
		if i < winners {
			placement.Winner = true
			placement.Reward = new(big.Int).Set(per)
			if i == winners-1 {
				placement.Reward.Add(placement.Reward, remainder)
			}
			res.PaidTotal.Add(res.PaidTotal, placement.Reward)
		}
		res.Placements = append(res.Placements, placement)
	}
	res.WinnerCount = winners
	res.PoolRetained = res.PaidTotal.Sign() == 0
	return res
}
