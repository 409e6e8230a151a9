package autopilot

import (
	"fmt"
	"math"

	"github.com/shadiayoub/ada-binance-bot/internal/levels"
)

// HedgeExit names which hedge unwind rule fired.
type HedgeExit string

const (
	HedgeExitNone HedgeExit = ""
	// HedgeExitGuaranteed closes both legs near the primary's liquidation
	// price while the pair is net positive.
	HedgeExitGuaranteed HedgeExit = "guaranteed_profit"
	// HedgeExitDoubleProfit banks the hedge at a level where the primary
	// is expected to recover.
	HedgeExitDoubleProfit HedgeExit = "double_profit"
	// HedgeExitSafety unwinds the hedge at its own entry price.
	HedgeExitSafety HedgeExit = "safety"
)

// HedgeRules evaluates the three hedge exits. Fractions are unleveraged.
type HedgeRules struct {
	LiquidationBuffer     float64
	PriceReturnTolerance  float64
	DoubleProfitThreshold float64
	LevelTolerance        float64
}

// Evaluate checks guaranteed, double-profit and safety exits in that order
// and returns the first that holds. primary may be nil for a hedge whose
// primary already closed; the guaranteed exit then cannot apply. departed
// tells whether price has left the hedge's entry zone since it opened.
func (r HedgeRules) Evaluate(primary *Position, hedge Position, price float64, departed bool, lv LevelSource) (HedgeExit, string) {
	if primary != nil && primary.IsOpen() {
		liq := LiquidationPrice(primary.EntryPrice, primary.Leverage, primary.Side)
		if liq > 0 && math.Abs(price-liq)/liq <= r.LiquidationBuffer {
			lossAtLiq := primary.UnrealizedPnL(liq)
			gain := hedge.UnrealizedPnL(price)
			if lossAtLiq+gain > 0 {
				return HedgeExitGuaranteed, fmt.Sprintf(
					"price %.5f within %.2f%% of liquidation %.5f, hedge %.2f covers loss %.2f",
					price, r.LiquidationBuffer*100, liq, gain, lossAtLiq)
			}
		}
	}

	if move := hedge.MoveFraction(price); move >= r.DoubleProfitThreshold && lv != nil {
		if level, ok := nearLevel(hedgeRecoveryLevels(lv, hedge.Side), price, r.LevelTolerance, 0); ok {
			return HedgeExitDoubleProfit, fmt.Sprintf(
				"hedge up %.2f%% at %s %.5f", move*100, level.Type, level.Price)
		}
	}

	if departed && hedge.EntryPrice > 0 &&
		math.Abs(price-hedge.EntryPrice)/hedge.EntryPrice <= r.PriceReturnTolerance {
		return HedgeExitSafety, fmt.Sprintf("price %.5f back at hedge entry %.5f", price, hedge.EntryPrice)
	}

	return HedgeExitNone, ""
}

// HasDeparted reports whether price is outside the hedge's return zone.
func (r HedgeRules) HasDeparted(hedge Position, price float64) bool {
	if hedge.EntryPrice <= 0 {
		return false
	}
	return math.Abs(price-hedge.EntryPrice)/hedge.EntryPrice > r.PriceReturnTolerance
}

// hedgeRecoveryLevels are the levels where the hedged primary is expected
// to turn: supports for a SHORT hedge (LONG primary), resistances otherwise.
func hedgeRecoveryLevels(lv LevelSource, hedgeSide Side) []levels.Level {
	if hedgeSide == Short {
		return lv.SupportLevels()
	}
	return lv.ResistanceLevels()
}

// nearLevel returns the closest level within tolerance having at least
// minStrength.
func nearLevel(set []levels.Level, price, tolerance, minStrength float64) (levels.Level, bool) {
	var (
		best     levels.Level
		bestDist = math.Inf(1)
	)
	for _, l := range set {
		if l.Price <= 0 || l.Strength < minStrength {
			continue
		}
		d := math.Abs(price-l.Price) / l.Price
		if d <= tolerance && d < bestDist {
			best, bestDist = l, d
		}
	}
	return best, !math.IsInf(bestDist, 1)
}

// adverseLevels lists the levels a primary falls through when it goes
// wrong, nearest first: supports below a LONG entry, resistances above a
// SHORT entry.
func adverseLevels(lv LevelSource, p Position) []levels.Level {
	var out []levels.Level
	if p.Side == Long {
		sup := lv.SupportLevels()
		for i := len(sup) - 1; i >= 0; i-- {
			if sup[i].Price < p.EntryPrice {
				out = append(out, sup[i])
			}
		}
		return out
	}
	for _, l := range lv.ResistanceLevels() {
		if l.Price > p.EntryPrice {
			out = append(out, l)
		}
	}
	return out
}

// favourableLevels lists the levels in the primary's direction, nearest
// first.
func favourableLevels(lv LevelSource, p Position) []levels.Level {
	var out []levels.Level
	if p.Side == Long {
		for _, l := range lv.ResistanceLevels() {
			if l.Price > p.EntryPrice {
				out = append(out, l)
			}
		}
		return out
	}
	sup := lv.SupportLevels()
	for i := len(sup) - 1; i >= 0; i-- {
		if sup[i].Price < p.EntryPrice {
			out = append(out, sup[i])
		}
	}
	return out
}

// crossed reports whether price has moved through level against p.
func crossed(p Position, level, price float64) bool {
	if p.Side == Long {
		return price <= level
	}
	return price >= level
}
