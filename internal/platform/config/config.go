package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"hls-abr/internal/player"
	"hls-abr/internal/recovery"
)

// ErrInvalidServer is returned by Server.Validate.
var ErrInvalidServer = errors.New("invalid server config")

// Load reads the .env file from the current working directory and sets
// environment variables. If .env does not exist, Load returns an error but
// callers can ignore it and use system env or defaults. Pass one or more paths
// to load from specific files (e.g. ".env"); with no paths, ".env" is used.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// GetEnv returns the value of the environment variable named by key, or fallback
// if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvFloat returns the float value of key, or fallback if unset or invalid.
// "inf" and "+Inf" are accepted.
func GetEnvFloat(key string, fallback float64) float64 {
	if s := os.Getenv(key); s != "" {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return fallback
}

// GetEnvBool returns the boolean value of key, or fallback if unset or invalid.
func GetEnvBool(key string, fallback bool) bool {
	if s := os.Getenv(key); s != "" {
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
	}
	return fallback
}

// GetEnvDuration returns the duration value of key (e.g. "250ms"), or fallback
// if unset or invalid.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	if s := os.Getenv(key); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	return fallback
}

// Server holds the decision server settings.
type Server struct {
	Port        string
	LogLevel    string
	LogFormat   string
	IdleTimeout time.Duration
	ReapEvery   time.Duration
	// PlaylistWindow is the number of fragments served per live playlist.
	PlaylistWindow int
}

// LoadServer reads the server settings from the environment.
func LoadServer() Server {
	return Server{
		Port:           GetEnv("PORT", "8080"),
		LogLevel:       GetEnv("LOG_LEVEL", "info"),
		LogFormat:      GetEnv("LOG_FORMAT", "json"),
		IdleTimeout:    GetEnvDuration("SESSION_IDLE_TIMEOUT", 5*time.Minute),
		ReapEvery:      GetEnvDuration("SESSION_REAP_INTERVAL", 30*time.Second),
		PlaylistWindow: GetEnvInt("SLIDING_WINDOW_SIZE", 6),
	}
}

// Validate rejects non-positive intervals and windows.
func (s Server) Validate() error {
	switch {
	case s.Port == "":
		return fmt.Errorf("%w: empty port", ErrInvalidServer)
	case s.IdleTimeout <= 0:
		return fmt.Errorf("%w: idle timeout %s", ErrInvalidServer, s.IdleTimeout)
	case s.ReapEvery <= 0:
		return fmt.Errorf("%w: reap interval %s", ErrInvalidServer, s.ReapEvery)
	case s.PlaylistWindow < 0:
		return fmt.Errorf("%w: playlist window %d", ErrInvalidServer, s.PlaylistWindow)
	}
	return nil
}

// Player builds the decision core settings from ABR_*, BUFFER_* and RETRY_*
// variables over player.DefaultConfig and validates them.
func Player() (player.Config, error) {
	c := player.DefaultConfig()

	a := &c.ABR
	a.EwmaFastLive = GetEnvFloat("ABR_EWMA_FAST_LIVE", a.EwmaFastLive)
	a.EwmaSlowLive = GetEnvFloat("ABR_EWMA_SLOW_LIVE", a.EwmaSlowLive)
	a.EwmaFastVoD = GetEnvFloat("ABR_EWMA_FAST_VOD", a.EwmaFastVoD)
	a.EwmaSlowVoD = GetEnvFloat("ABR_EWMA_SLOW_VOD", a.EwmaSlowVoD)
	a.DefaultEstimate = GetEnvFloat("ABR_DEFAULT_ESTIMATE", a.DefaultEstimate)
	a.DefaultTTFB = GetEnvDuration("ABR_DEFAULT_TTFB", a.DefaultTTFB)
	a.BandWidthFactor = GetEnvFloat("ABR_BANDWIDTH_FACTOR", a.BandWidthFactor)
	a.BandWidthUpFactor = GetEnvFloat("ABR_BANDWIDTH_UP_FACTOR", a.BandWidthUpFactor)
	a.MaxStarvationDelay = GetEnvFloat("ABR_MAX_STARVATION_DELAY", a.MaxStarvationDelay)
	a.MaxLoadingDelay = GetEnvFloat("ABR_MAX_LOADING_DELAY", a.MaxLoadingDelay)
	a.MaxWithRealBitrate = GetEnvBool("ABR_MAX_WITH_REAL_BITRATE", a.MaxWithRealBitrate)
	a.PreferHDR = GetEnvBool("ABR_PREFER_HDR", a.PreferHDR)
	c.MinAutoBitrate = GetEnvInt("ABR_MIN_AUTO_BITRATE", c.MinAutoBitrate)
	c.StartLevel = GetEnvInt("ABR_START_LEVEL", c.StartLevel)

	b := &c.Buffer
	b.BackBufferLength = GetEnvFloat("BUFFER_BACK_LENGTH", b.BackBufferLength)
	b.FrontBufferFlushThreshold = GetEnvFloat("BUFFER_FRONT_FLUSH_THRESHOLD", b.FrontBufferFlushThreshold)
	b.AppendErrorMaxRetry = GetEnvInt("BUFFER_APPEND_ERROR_MAX_RETRY", b.AppendErrorMaxRetry)
	b.LiveDurationInfinity = GetEnvBool("BUFFER_LIVE_DURATION_INFINITY", b.LiveDurationInfinity)
	b.MaxBufferHole = GetEnvFloat("BUFFER_MAX_HOLE", b.MaxBufferHole)

	retry(c.Recovery.FragLoadPolicy, "RETRY_FRAG")
	retry(c.Recovery.KeyLoadPolicy, "RETRY_KEY")
	retry(c.Recovery.PlaylistLoadPolicy, "RETRY_PLAYLIST")

	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// retry overrides a load policy from <prefix>_{TIMEOUT,ERROR}_{MAX,DELAY,MAX_DELAY,BACKOFF}.
func retry(p recovery.LoadPolicy, prefix string) {
	for kind, rc := range map[string]*recovery.RetryConfig{"TIMEOUT": p.TimeoutRetry, "ERROR": p.ErrorRetry} {
		if rc == nil {
			continue
		}
		key := prefix + "_" + kind
		rc.MaxNumRetry = GetEnvInt(key+"_MAX", rc.MaxNumRetry)
		rc.RetryDelay = GetEnvDuration(key+"_DELAY", rc.RetryDelay)
		rc.MaxRetryDelay = GetEnvDuration(key+"_MAX_DELAY", rc.MaxRetryDelay)
		if s := os.Getenv(key + "_BACKOFF"); s != "" {
			rc.Backoff = recovery.Backoff(strings.ToLower(s))
		}
	}
}
