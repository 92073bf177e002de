package recovery

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidRetry is returned for negative retry ceilings or delays.
var ErrInvalidRetry = errors.New("invalid retry config")

// Config holds the retry policies per request kind.
type Config struct {
	FragLoadPolicy     LoadPolicy
	KeyLoadPolicy      LoadPolicy
	PlaylistLoadPolicy LoadPolicy
}

// DefaultConfig returns the stock policies.
func DefaultConfig() Config {
	frag := LoadPolicy{
		TimeoutRetry: &RetryConfig{
			MaxNumRetry:   4,
			RetryDelay:    time.Second,
			MaxRetryDelay: 8 * time.Second,
			Backoff:       BackoffExponential,
		},
		ErrorRetry: &RetryConfig{
			MaxNumRetry:   6,
			RetryDelay:    time.Second,
			MaxRetryDelay: 8 * time.Second,
			Backoff:       BackoffExponential,
		},
	}
	key := LoadPolicy{
		TimeoutRetry: cloneRetry(frag.TimeoutRetry),
		ErrorRetry:   cloneRetry(frag.ErrorRetry),
	}
	return Config{
		FragLoadPolicy: frag,
		KeyLoadPolicy:  key,
		PlaylistLoadPolicy: LoadPolicy{
			TimeoutRetry: &RetryConfig{
				MaxNumRetry:   2,
				RetryDelay:    time.Second,
				MaxRetryDelay: 8 * time.Second,
				Backoff:       BackoffExponential,
			},
			ErrorRetry: &RetryConfig{
				MaxNumRetry:   2,
				RetryDelay:    time.Second,
				MaxRetryDelay: 8 * time.Second,
				Backoff:       BackoffExponential,
			},
		},
	}
}

func cloneRetry(c *RetryConfig) *RetryConfig {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// Validate checks every retry config.
func (c Config) Validate() error {
	for name, p := range map[string]LoadPolicy{
		"frag":     c.FragLoadPolicy,
		"key":      c.KeyLoadPolicy,
		"playlist": c.PlaylistLoadPolicy,
	} {
		for _, rc := range []*RetryConfig{p.TimeoutRetry, p.ErrorRetry} {
			if rc == nil {
				continue
			}
			if rc.MaxNumRetry < 0 || rc.RetryDelay < 0 || rc.MaxRetryDelay < 0 {
				return fmt.Errorf("%w: %s policy", ErrInvalidRetry, name)
			}
			if rc.Backoff != BackoffExponential && rc.Backoff != BackoffLinear {
				return fmt.Errorf("%w: %s backoff %q", ErrInvalidRetry, name, rc.Backoff)
			}
		}
	}
	return nil
}
