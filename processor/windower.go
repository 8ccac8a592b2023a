package processor

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/pilumvli199/DHAN-WEBSCOKET/models"
)

// Window selects the at-the-money strike and a bounded symmetric slice of its
// neighbours from a full strike ladder. Pure function: the input slice is
// never mutated.
//
// The ATM strike is the first strike minimizing |strike - spot| in ascending
// order, so ties break toward the lower strike. The slice is clamped to the
// ladder's edges; fewer than 2*halfWidth+1 entries near the edges is expected
// and valid. An empty ladder returns an empty window with ATMStrike = spot,
// which happens legitimately before market open.
func Window(spot decimal.Decimal, strikes []models.StrikeEntry, halfWidth int) models.OptionChainWindow {
	win := models.OptionChainWindow{Spot: spot, ATMStrike: spot}
	if len(strikes) == 0 {
		return win
	}
	if halfWidth < 0 {
		halfWidth = 0
	}

	sorted := make([]models.StrikeEntry, len(strikes))
	copy(sorted, strikes)
	// Stable, so duplicate strikes keep their original relative order and the
	// first occurrence wins.
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Strike.LessThan(sorted[j].Strike)
	})

	atm := 0
	best := sorted[0].Strike.Sub(spot).Abs()
	for i := 1; i < len(sorted); i++ {
		d := sorted[i].Strike.Sub(spot).Abs()
		if d.LessThan(best) {
			best = d
			atm = i
		}
	}

	lo := atm - halfWidth
	if lo < 0 {
		lo = 0
	}
	hi := atm + halfWidth
	if hi > len(sorted)-1 {
		hi = len(sorted) - 1
	}

	win.ATMStrike = sorted[atm].Strike
	win.Strikes = sorted[lo : hi+1]
	return win
}
