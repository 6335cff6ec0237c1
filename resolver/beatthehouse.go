package resolver

import (
	"math/big"

	"arenasettle/games"
)

// beatTheHouse partitions entrants against the synthetic benchmark. Entrants
// strictly above the house value win an equal integer share of the pool; if
// nobody clears the bar the house itself is recorded as the sole winner with
// a zero reward and the pool is retained.
func beatTheHouse(pool *big.Int, house games.Portfolio, entrants []games.Portfolio) *Resolution {
	res := &Resolution{PaidTotal: zero()}

	// No entrants at all: the house wins by default, nothing is paid.
	if len(entrants) == 0 {
		res.Placements = append(res.Placements, Placement{
			Portfolio: house,
			Rank:      1,
			Winner:    true,
			Reward:    zero(),
		})
		res.WinnerCount = 1
		res.PoolRetained = true
		return res
	}

	winners := 0
	for winners < len(entrants) && entrants[winners].Performance > house.Performance {
		winners++
	}

	if winners == 0 {
		res.Placements = append(res.Placements, Placement{
			Portfolio: house,
			Rank:      1,
			Winner:    true,
			Reward:    zero(),
		})
		res.WinnerCount = 1
		res.PoolRetained = true
		for i := range entrants {
			res.Placements = append(res.Placements, Placement{
				Portfolio: entrants[i],
				Rank:      i + 2,
				Reward:    zero(),
			})
		}
		return res
	}

	per, remainder := equalSplit(pool, winners)
	for i := 0; i < winners; i++ {
		reward := new(big.Int).Set(per)
		if i == winners-1 {
			reward.Add(reward, remainder)
		}
		res.Placements = append(res.Placements, Placement{
			Portfolio: entrants[i],
			Rank:      i + 1,
			Winner:    true,
			Reward:    reward,
		})
		res.PaidTotal.Add(res.PaidTotal, reward)
	}
	res.WinnerCount = winners

	// The house is recorded as a loser ranked immediately after the last winner.
	res.Placements = append(res.Placements, Placement{
		Portfolio: house,
		Rank:      winners + 1,
		Reward:    zero(),
	})
	for i := winners; i < len(entrants); i++ {
		res.Placements = append(res.Placements, Placement{
			Portfolio: entrants[i],
			Rank:      i + 2,
			Reward:    zero(),
		})
	}
	res.PoolRetained = res.PaidTotal.Sign() == 0
	return res
}
