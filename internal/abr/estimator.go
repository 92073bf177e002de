package abr

import (
	"math"
	"time"
)

const (
	minSampleWeight = 0.001
	minSampleDelay  = 50 * time.Millisecond
	minTTFBValue    = 5 * time.Millisecond
)

// DefaultTTFB is reported until a latency sample has been folded in.
const DefaultTTFB = 100 * time.Millisecond

// Estimator tracks throughput with a fast and a slow EWMA and reports the lower
// of the two, so it adapts down quickly and up slowly. Time-to-first-byte is
// tracked separately with the slow half-life.
type Estimator struct {
	defaultEstimate float64
	defaultTTFB     time.Duration
	slow            *EWMA
	fast            *EWMA
	ttfb            *EWMA
}

// NewEstimator returns an estimator with the given half-lives (seconds) and
// fallback bandwidth in bits/s.
func NewEstimator(slowHalfLife, fastHalfLife, defaultEstimate float64, defaultTTFB time.Duration) *Estimator {
	if defaultTTFB <= 0 {
		defaultTTFB = DefaultTTFB
	}
	return &Estimator{
		defaultEstimate: defaultEstimate,
		defaultTTFB:     defaultTTFB,
		slow:            NewEWMA(slowHalfLife, 0, 0),
		fast:            NewEWMA(fastHalfLife, 0, 0),
		ttfb:            NewEWMA(slowHalfLife, 0, 0),
	}
}

// Update switches half-lives (live vs on-demand), keeping what has been learned.
func (e *Estimator) Update(slowHalfLife, fastHalfLife float64) {
	if e.slow.HalfLife() != slowHalfLife {
		e.slow = NewEWMA(slowHalfLife, e.slow.Estimate(), e.slow.TotalWeight())
	}
	if e.fast.HalfLife() != fastHalfLife {
		e.fast = NewEWMA(fastHalfLife, e.fast.Estimate(), e.fast.TotalWeight())
	}
	if e.ttfb.HalfLife() != slowHalfLife {
		e.ttfb = NewEWMA(slowHalfLife, e.ttfb.Estimate(), e.ttfb.TotalWeight())
	}
}

// Sample folds a transfer of n bytes that took d into the throughput averages.
func (e *Estimator) Sample(d time.Duration, n int64) {
	d = max(d, minSampleDelay)
	seconds := d.Seconds()
	bps := float64(8*n) / seconds
	e.fast.Sample(seconds, bps)
	e.slow.Sample(seconds, bps)
}

// SampleTTFB folds a first-byte latency. Long latencies carry less weight.
func (e *Estimator) SampleTTFB(d time.Duration) {
	seconds := d.Seconds()
	weight := math.Sqrt2 * math.Exp(-(seconds*seconds)/2)
	e.ttfb.Sample(weight, float64(max(d, minTTFBValue))/float64(time.Millisecond))
}

// CanEstimate reports whether at least one throughput sample has been folded.
func (e *Estimator) CanEstimate() bool {
	return e.fast.TotalWeight() >= minSampleWeight
}

// Estimate returns bandwidth in bits/s.
func (e *Estimator) Estimate() float64 {
	if !e.CanEstimate() {
		return e.defaultEstimate
	}
	return math.Min(e.fast.Estimate(), e.slow.Estimate())
}

// EstimateTTFB returns the smoothed time to first byte.
func (e *Estimator) EstimateTTFB() time.Duration {
	if e.ttfb.TotalWeight() < minSampleWeight {
		return e.defaultTTFB
	}
	return time.Duration(e.ttfb.Estimate() * float64(time.Millisecond))
}

// DefaultEstimate is the fallback bandwidth.
func (e *Estimator) DefaultEstimate() float64 { return e.defaultEstimate }
