package buffer

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid buffer config")

// Config tunes the orchestrator.
type Config struct {
	// BackBufferLength is how many seconds behind the playhead are kept.
	// +Inf disables back-buffer trimming.
	BackBufferLength float64
	// FrontBufferFlushThreshold is how far ahead a detached range may start
	// before it is flushed. +Inf disables front-buffer trimming.
	FrontBufferFlushThreshold float64
	// AppendErrorMaxRetry is the number of consecutive append failures on
	// one track that makes the error fatal.
	AppendErrorMaxRetry int
	// LiveDurationInfinity reports live streams with infinite duration and
	// a seekable range instead of the playlist edge.
	LiveDurationInfinity bool
	// MaxBufferHole is the largest gap bridged when measuring the buffer.
	MaxBufferHole float64
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		BackBufferLength:          math.Inf(1),
		FrontBufferFlushThreshold: math.Inf(1),
		AppendErrorMaxRetry:       3,
		MaxBufferHole:             0.1,
	}
}

// Validate rejects negative settings.
func (c Config) Validate() error {
	switch {
	case c.BackBufferLength < 0 || math.IsNaN(c.BackBufferLength):
		return fmt.Errorf("%w: back buffer length %v", ErrInvalidConfig, c.BackBufferLength)
	case c.FrontBufferFlushThreshold < 0 || math.IsNaN(c.FrontBufferFlushThreshold):
		return fmt.Errorf("%w: front buffer flush threshold %v", ErrInvalidConfig, c.FrontBufferFlushThreshold)
	case c.AppendErrorMaxRetry < 1:
		return fmt.Errorf("%w: append error max retry %d", ErrInvalidConfig, c.AppendErrorMaxRetry)
	case c.MaxBufferHole < 0:
		return fmt.Errorf("%w: max buffer hole %v", ErrInvalidConfig, c.MaxBufferHole)
	}
	return nil
}
