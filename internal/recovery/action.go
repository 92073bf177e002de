package recovery

import (
	"math"
	"time"

	"hls-abr/internal/media"
)

// Action is what the dispatcher should do about a failure.
type Action int

const (
	ActionDoNothing Action = iota
	// ActionRetry re-issues the request after RetryDelay.
	ActionRetry
	// ActionSwitch sends the failing alternate to the penalty box and switches.
	ActionSwitch
	// ActionFatal ends the session.
	ActionFatal
)

func (a Action) String() string {
	switch a {
	case ActionDoNothing:
		return "do-nothing"
	case ActionRetry:
		return "retry"
	case ActionSwitch:
		return "switch"
	case ActionFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Flags select which alternates a switch penalizes.
type Flags int

const (
	FlagNone Flags = iota
	FlagMatchingHost
	FlagMatchingHDCP
	FlagMatchingKey
)

func (f Flags) String() string {
	switch f {
	case FlagMatchingHost:
		return "matching-host"
	case FlagMatchingHDCP:
		return "matching-hdcp"
	case FlagMatchingKey:
		return "matching-key"
	default:
		return "none"
	}
}

// Backoff is the growth of retry delays.
type Backoff string

const (
	BackoffExponential Backoff = "exponential"
	BackoffLinear      Backoff = "linear"
)

// RetryConfig bounds retries of one kind of request.
type RetryConfig struct {
	MaxNumRetry   int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	Backoff       Backoff
}

// Delay returns the wait before retry number retryCount (0-based). Exponential
// backoff doubles the base delay per attempt; linear keeps it constant. Both
// are capped at MaxRetryDelay.
func (c RetryConfig) Delay(retryCount int) time.Duration {
	factor := 1.0
	if c.Backoff != BackoffLinear {
		factor = math.Pow(2, float64(retryCount))
	}
	d := time.Duration(factor * float64(c.RetryDelay))
	if d > c.MaxRetryDelay || d < 0 {
		return c.MaxRetryDelay
	}
	return d
}

// LoadPolicy holds retry configs for timeouts and for other errors.
type LoadPolicy struct {
	TimeoutRetry *RetryConfig
	ErrorRetry   *RetryConfig
}

func (p LoadPolicy) retryConfig(ev *ErrorEvent) *RetryConfig {
	if ev.Timeout() {
		return p.TimeoutRetry
	}
	return p.ErrorRetry
}

// shouldRetry allows a retry while under the ceiling for timeouts, missing
// responses (status 0) and statuses outside the 4xx range.
func shouldRetry(cfg *RetryConfig, retryCount int, timeout bool, status int) bool {
	if cfg == nil || retryCount >= cfg.MaxNumRetry {
		return false
	}
	return timeout || status == 0 || status < 400 || status > 499
}

// Penalty lists the counters the dispatcher must bump for an action.
type Penalty struct {
	// Level is the rendition whose streaks change, -1 for none.
	Level         int
	LoadError     bool
	FragmentError bool
	// PlaylistError extends the playlist retry streak; ResetPlaylistErrors
	// clears it (a switch was found) and takes precedence.
	PlaylistError       bool
	ResetPlaylistErrors bool
	// EnableAuto returns a manual selection to automatic on failure.
	EnableAuto bool
}

// ErrorAction is the verdict attached to one failure event.
type ErrorAction struct {
	Action      Action
	Flags       Flags
	RetryCount  int
	RetryConfig *RetryConfig
	// NextAutoLevel is the switch target, -1 for none.
	NextAutoLevel int
	HDCPLevel     media.HDCPLevel
	KeyID         string
	Resolved      bool
	Penalty       Penalty
}

// RetryDelay is the backoff before the retry this action asks for.
func (a ErrorAction) RetryDelay() time.Duration {
	if a.RetryConfig == nil {
		return 0
	}
	return a.RetryConfig.Delay(a.RetryCount)
}

// DoNothing returns a do-nothing action.
func DoNothing(resolved bool) ErrorAction {
	return ErrorAction{Action: ActionDoNothing, NextAutoLevel: -1, Resolved: resolved, Penalty: Penalty{Level: -1}}
}

func fatal() ErrorAction {
	return ErrorAction{Action: ActionFatal, NextAutoLevel: -1, Penalty: Penalty{Level: -1}}
}
