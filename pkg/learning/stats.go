package learning

import "math"

// wilsonZ is the z-score for a 95% interval.
const wilsonZ = 1.96

// wilsonLowerBound returns the lower bound of the Wilson score interval for
// a success proportion p observed over n trials.
func wilsonLowerBound(p float64, n int) float64 {
	if n <= 0 {
		return 0
	}
	nf := float64(n)
	z2 := wilsonZ * wilsonZ
	center := p + z2/(2*nf)
	margin := wilsonZ * math.Sqrt(p*(1-p)/nf+z2/(4*nf*nf))
	return clamp01((center - margin) / (1 + z2/nf))
}

// Trend is the recent direction of a backend's scores.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendDegrading Trend = "degrading"
)

// computeTrend compares the newest five scores against the five before them.
func computeTrend(recent []float64) Trend {
	if len(recent) < 2*trendHalf {
		return TrendStable
	}
	tail := recent[len(recent)-2*trendHalf:]
	prev := mean(tail[:trendHalf])
	last := mean(tail[trendHalf:])
	switch delta := last - prev; {
	case delta > trendDelta:
		return TrendImproving
	case delta < -trendDelta:
		return TrendDegrading
	}
	return TrendStable
}

func mean(vs []float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vs {
		sum += v
	}
	return sum / float64(len(vs))
}

// decayToward relaxes c toward 0.5 by factor^n.
func decayToward(c, factor float64, n int) float64 {
	return clamp01(0.5 + (c-0.5)*math.Pow(factor, float64(n)))
}
