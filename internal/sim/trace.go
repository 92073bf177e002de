package sim

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidTrace is returned by ParseTrace.
var ErrInvalidTrace = errors.New("invalid bandwidth trace")

// Step sets the link bandwidth from At onwards.
type Step struct {
	At        time.Duration
	Bandwidth float64 // bits/s
}

// Trace is a piecewise-constant bandwidth profile ordered by At.
type Trace []Step

// Constant returns a trace with a single step.
func Constant(bps float64) Trace { return Trace{{Bandwidth: bps}} }

// At returns the bandwidth in effect at d, or 0 before the first step.
func (t Trace) At(d time.Duration) float64 {
	bw := 0.0
	for _, s := range t {
		if s.At > d {
			break
		}
		bw = s.Bandwidth
	}
	return bw
}

// ParseTrace reads "offset:bps" pairs separated by commas, for example
// "0s:8e6,30s:1.5e6".
func ParseTrace(s string) (Trace, error) {
	var out Trace
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		at, bps, ok := strings.Cut(field, ":")
		if !ok {
			return nil, fmt.Errorf("%w: %q has no bandwidth", ErrInvalidTrace, field)
		}
		d, err := time.ParseDuration(at)
		if err != nil {
			return nil, fmt.Errorf("%w: offset %q: %w", ErrInvalidTrace, at, err)
		}
		bw, err := strconv.ParseFloat(bps, 64)
		if err != nil || bw <= 0 {
			return nil, fmt.Errorf("%w: bandwidth %q", ErrInvalidTrace, bps)
		}
		if n := len(out); n > 0 && d < out[n-1].At {
			return nil, fmt.Errorf("%w: %s goes back in time", ErrInvalidTrace, d)
		}
		out = append(out, Step{At: d, Bandwidth: bw})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidTrace)
	}
	return out, nil
}
