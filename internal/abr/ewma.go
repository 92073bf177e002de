package abr

import "math"

// EWMA is an exponentially weighted moving average whose decay is expressed
// as a half-life in units of sample weight (seconds for throughput samples).
type EWMA struct {
	halfLife    float64
	alpha       float64
	estimate    float64
	totalWeight float64
}

// NewEWMA returns an average with the given half-life, seeded with an estimate
// and the weight already folded into it.
func NewEWMA(halfLife, estimate, weight float64) *EWMA {
	var alpha float64
	if halfLife > 0 {
		alpha = math.Exp(math.Log(0.5) / halfLife)
	}
	return &EWMA{halfLife: halfLife, alpha: alpha, estimate: estimate, totalWeight: weight}
}

// HalfLife returns the configured half-life.
func (e *EWMA) HalfLife() float64 { return e.halfLife }

// Sample folds value in with the given weight: older data decays by alpha^weight.
func (e *EWMA) Sample(weight, value float64) {
	adj := math.Pow(e.alpha, weight)
	e.estimate = value*(1-adj) + adj*e.estimate
	e.totalWeight += weight
}

// TotalWeight is the sum of all sample weights.
func (e *EWMA) TotalWeight() float64 { return e.totalWeight }

// Estimate returns the zero-bias corrected average.
func (e *EWMA) Estimate() float64 {
	if e.alpha != 0 {
		if zeroFactor := 1 - math.Pow(e.alpha, e.totalWeight); zeroFactor != 0 {
			return e.estimate / zeroFactor
		}
	}
	return e.estimate
}
