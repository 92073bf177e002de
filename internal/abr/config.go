package abr

import (
	"errors"
	"fmt"
	"time"

	"hls-abr/internal/media"
)

// AbandonCheckInterval is how often drivers should call Controller.Tick while
// a fragment is loading.
const AbandonCheckInterval = 100 * time.Millisecond

var (
	// ErrInvalidHalfLife is returned when an EWMA half-life is not positive.
	ErrInvalidHalfLife = errors.New("ewma half-life must be positive")
	// ErrInvalidFactor is returned when a bandwidth factor is outside (0, 1].
	ErrInvalidFactor = errors.New("bandwidth factor must be in (0, 1]")
	// ErrInvalidEstimate is returned when the default estimate is not positive.
	ErrInvalidEstimate = errors.New("default estimate must be positive")
)

// Config tunes estimation and selection.
type Config struct {
	EwmaFastLive float64
	EwmaSlowLive float64
	EwmaFastVoD  float64
	EwmaSlowVoD  float64

	// DefaultEstimate is the bandwidth assumed before any sample, bits/s.
	DefaultEstimate float64
	DefaultTTFB     time.Duration

	// BandWidthFactor scales the estimate for same-or-lower candidates,
	// BandWidthUpFactor (stricter) for higher ones.
	BandWidthFactor   float64
	BandWidthUpFactor float64

	// MaxStarvationDelay is the rebuffering (seconds) tolerated when picking a level.
	MaxStarvationDelay float64
	// MaxLoadingDelay bounds start-up loading after a bitrate test fragment.
	MaxLoadingDelay float64

	// MaxWithRealBitrate tracks measured level bitrates from loaded fragments.
	MaxWithRealBitrate bool

	PreferHDR          bool
	AllowedVideoRanges []media.VideoRange
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		EwmaFastLive:       3,
		EwmaSlowLive:       9,
		EwmaFastVoD:        3,
		EwmaSlowVoD:        9,
		DefaultEstimate:    500_000,
		DefaultTTFB:        DefaultTTFB,
		BandWidthFactor:    0.95,
		BandWidthUpFactor:  0.7,
		MaxStarvationDelay: 4,
		MaxLoadingDelay:    4,
	}
}

// Validate checks half-lives and factors.
func (c Config) Validate() error {
	for _, hl := range []float64{c.EwmaFastLive, c.EwmaSlowLive, c.EwmaFastVoD, c.EwmaSlowVoD} {
		if hl <= 0 {
			return fmt.Errorf("%w: %v", ErrInvalidHalfLife, hl)
		}
	}
	for _, f := range []float64{c.BandWidthFactor, c.BandWidthUpFactor} {
		if f <= 0 || f > 1 {
			return fmt.Errorf("%w: %v", ErrInvalidFactor, f)
		}
	}
	if !(c.DefaultEstimate > 0) {
		return fmt.Errorf("%w: %v", ErrInvalidEstimate, c.DefaultEstimate)
	}
	return nil
}
