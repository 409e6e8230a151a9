// Package indicators computes the raw technical values used by the
// analysis layer. All functions operate on plain series ordered oldest
// first and never mutate their input.
package indicators

// SMA calculates the Simple Moving Average of the last period values.
// Returns 0 when fewer than period values are available.
func SMA(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return 0
	}

	sum := 0.0
	for _, v := range values[len(values)-period:] {
		sum += v
	}

	return sum / float64(period)
}

// EMA calculates the Exponential Moving Average, seeded with the SMA of the
// first period values. Returns 0 when fewer than period values are available.
func EMA(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return 0
	}

	ema := SMA(values[:period], period)
	multiplier := 2.0 / float64(period+1)

	for _, v := range values[period:] {
		ema = (v * multiplier) + (ema * (1 - multiplier))
	}

	return ema
}

// RSI calculates the Relative Strength Index over the last period changes
// using simple averages. Returns 50 (neutral) when there is not enough data.
func RSI(values []float64, period int) float64 {
	if period <= 0 || len(values) < period+1 {
		return 50.0
	}

	gains := 0.0
	losses := 0.0

	for i := len(values) - period; i < len(values); i++ {
		change := values[i] - values[i-1]
		if change > 0 {
			gains += change
		} else {
			losses += -change
		}
	}

	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)

	if avgLoss == 0 {
		if avgGain == 0 {
			return 50.0
		}
		return 100.0
	}

	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}
