package scaler

import "time"

// forecast fits a least-squares line through the utilization series
// (one point per tick) and extrapolates horizon ahead. The returned
// confidence is the R-squared of the fit, so a noisy series that
// happens to trend up does not trigger a speculative scale-up.
func forecast(utils []float64, tick, horizon time.Duration) (predicted, confidence float64) {
	n := float64(len(utils))
	if n < 2 {
		return 0, 0
	}

	var sumX, sumY, sumXY, sumXX float64
	for i, y := range utils {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0, 0
	}
	slope := (n*sumXY - sumX*sumY) / denom
	intercept := (sumY - slope*sumX) / n

	// Horizon expressed in ticks past the last sample.
	ahead := horizon.Seconds() / tick.Seconds()
	predicted = clamp01(intercept + slope*(n-1+ahead))

	// R^2 = 1 - SSres/SStot.
	meanY := sumY / n
	var ssRes, ssTot float64
	for i, y := range utils {
		fit := intercept + slope*float64(i)
		ssRes += (y - fit) * (y - fit)
		ssTot += (y - meanY) * (y - meanY)
	}
	if ssTot == 0 {
		// A perfectly flat series predicts itself.
		return predicted, 1
	}
	confidence = 1 - ssRes/ssTot
	if confidence < 0 {
		confidence = 0
	}
	return predicted, confidence
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
