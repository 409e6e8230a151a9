package autopilot

import "math"

// LiquidationPrice is the price at which an isolated position's margin is
// used up: entry*(1-1/lev) for LONG, entry*(1+1/lev) for SHORT.
func LiquidationPrice(entry float64, leverage int, side Side) float64 {
	if leverage <= 0 {
		return 0
	}
	inv := 1 / float64(leverage)
	if side == Short {
		return entry * (1 + inv)
	}
	return entry * (1 - inv)
}

// HedgeTakeProfit places the hedge's exit a buffer short of the primary's
// liquidation price, on the side reached first. ok is false when that price
// does not lie strictly between the hedge entry and the liquidation price.
func HedgeTakeProfit(primaryLiquidation, hedgeEntry float64, hedgeSide Side, buffer float64) (float64, bool) {
	var tp float64
	if hedgeSide == Short {
		// primary is LONG, price falls towards liquidation
		tp = primaryLiquidation * (1 + buffer)
		return tp, tp > primaryLiquidation && tp < hedgeEntry
	}
	tp = primaryLiquidation * (1 - buffer)
	return tp, tp < primaryLiquidation && tp > hedgeEntry
}

// CalculatePnL returns ((exit-entry) * sign * size * leverage) / entry.
func CalculatePnL(entry, exit float64, side Side, size float64, leverage int) float64 {
	if entry <= 0 {
		return 0
	}
	return (exit - entry) * side.Sign() * size * float64(leverage) / entry
}

// PositionSize is fraction*balance*leverage/price contracts.
func PositionSize(fraction, balance float64, leverage int, price float64) float64 {
	if price <= 0 || balance <= 0 || fraction <= 0 || leverage <= 0 {
		return 0
	}
	return fraction * balance * float64(leverage) / price
}

// BreakEvenPrice solves for the price at which the open positions plus the
// realized PnL sum to zero. Each leg contributes k*(p-E)/E with
// k = sign*size*leverage, so p = (sum(k) - realized) / sum(k/E).
// ok is false when the book is flat or perfectly offset.
func BreakEvenPrice(open []Position, realized float64) (float64, bool) {
	var sumK, sumKOverE float64
	for _, p := range open {
		if !p.IsOpen() || p.EntryPrice <= 0 {
			continue
		}
		k := p.Side.Sign() * p.Size * float64(p.Leverage)
		sumK += k
		sumKOverE += k / p.EntryPrice
	}
	if math.Abs(sumKOverE) < 1e-12 {
		return 0, false
	}
	price := (sumK - realized) / sumKOverE
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return 0, false
	}
	return price, true
}
