package player

import (
	"errors"
	"fmt"

	"hls-abr/internal/abr"
	"hls-abr/internal/buffer"
	"hls-abr/internal/recovery"
)

// ErrInvalidStartLevel is returned for a start level below -1.
var ErrInvalidStartLevel = errors.New("start level must be -1 (auto) or a level index")

// Config groups the settings of every component of a Core.
type Config struct {
	ABR      abr.Config
	Buffer   buffer.Config
	Recovery recovery.Config

	// MinAutoBitrate excludes lower renditions from automatic selection.
	MinAutoBitrate int
	// StartLevel pins the first level when the estimate cannot pick one;
	// -1 lets the selector decide.
	StartLevel int
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		ABR:        abr.DefaultConfig(),
		Buffer:     buffer.DefaultConfig(),
		Recovery:   recovery.DefaultConfig(),
		StartLevel: -1,
	}
}

// Validate checks every component config.
func (c Config) Validate() error {
	var errs []error
	if err := c.ABR.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("abr: %w", err))
	}
	if err := c.Buffer.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("buffer: %w", err))
	}
	if err := c.Recovery.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("recovery: %w", err))
	}
	if c.StartLevel < -1 {
		errs = append(errs, fmt.Errorf("%w: %d", ErrInvalidStartLevel, c.StartLevel))
	}
	return errors.Join(errs...)
}
