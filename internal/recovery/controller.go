package recovery

import (
	"errors"
	"fmt"
	"log/slog"
	"mime"

	"hls-abr/internal/media"
)

// ErrFatal matches every *FatalError.
var ErrFatal = errors.New("unrecoverable playback error")

// FatalError is returned when no recovery resolved a failure.
type FatalError struct {
	Level             int
	Details           ErrorDetail
	BandwidthEstimate float64
	Err               error
}

func (e *FatalError) Error() string {
	msg := fmt.Sprintf("fatal %s on level %d (bandwidth estimate %.0f bps)", e.Details, e.Level, e.BandwidthEstimate)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FatalError) Unwrap() error { return e.Err }

func (e *FatalError) Is(target error) bool { return target == ErrFatal }

// Switcher receives the dispatcher's level decisions. *abr.Controller
// implements it.
type Switcher interface {
	SetNextAutoLevel(level int)
	OnLevelsUpdated()
	OnMaxAutoLevelUpdated()
}

// Failover resolves host penalties, for example by moving to a redundant
// stream. It returns false when it cannot help.
type Failover interface {
	Failover(ev *ErrorEvent) bool
}

// BandwidthSource reports the last bandwidth estimate for diagnostics.
type BandwidthSource interface {
	BandwidthEstimate() float64
}

// Controller applies classified actions to the level set and the selector.
//
// It is not safe for concurrent use.
type Controller struct {
	cfg      Config
	levels   *media.LevelSet
	switcher Switcher
	failover Failover
	bw       BandwidthSource
	log      *slog.Logger

	playlistErrors int
	fatal          *FatalError
}

// NewController returns a dispatcher over levels. switcher may be nil.
func NewController(cfg Config, levels *media.LevelSet, switcher Switcher, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Controller{
		cfg:      cfg,
		levels:   levels,
		switcher: switcher,
		log:      log.With(slog.String("component", "recovery")),
	}
}

// SetFailover registers the host fail-over collaborator.
func (c *Controller) SetFailover(f Failover) { c.failover = f }

// SetBandwidthSource registers where fatal errors take their estimate from.
func (c *Controller) SetBandwidthSource(b BandwidthSource) { c.bw = b }

// State snapshots what Classify decides from.
func (c *Controller) State() State { return StateOf(c.levels, c.playlistErrors, c.cfg) }

// PlaylistErrors is the current playlist retry streak.
func (c *Controller) PlaylistErrors() int { return c.playlistErrors }

// Fatal returns the first fatal error, if any.
func (c *Controller) Fatal() *FatalError { return c.fatal }

// OnManifestLoading clears streaks and the fatal state.
func (c *Controller) OnManifestLoading() {
	c.playlistErrors = 0
	c.fatal = nil
}

// OnLevelLoaded ends the playlist error streak and clears the level's load
// errors unless fragments are still failing.
func (c *Controller) OnLevelLoaded(level int) {
	c.playlistErrors = 0
	if l := c.levels.Level(level); l != nil && l.FragmentErrors() == 0 {
		l.ResetLoadErrors()
	}
}

// OnFragBuffered ends the fragment error streak of level.
func (c *Controller) OnFragBuffered(level int) {
	if l := c.levels.Level(level); l != nil {
		l.ResetFragmentErrors()
	}
}

// Handle classifies ev, applies the action and returns it. The error is a
// *FatalError when nothing resolved the failure.
func (c *Controller) Handle(ev *ErrorEvent) (ErrorAction, error) {
	a := Classify(ev, c.State())
	c.applyPenalty(a.Penalty)

	switch a.Action {
	case ActionSwitch:
		c.penaltyBox(ev, &a)
		if !a.Resolved && ev.Details != FragGap {
			return a, c.escalate(ev)
		}
	case ActionFatal:
		return a, c.escalate(ev)
	}

	c.log.Warn("recovering from error",
		slog.String("details", string(ev.Details)),
		slog.String("action", a.Action.String()),
		slog.String("flags", a.Flags.String()),
		slog.Int("retry_count", a.RetryCount),
		slog.Duration("retry_delay", a.RetryDelay()),
		slog.Int("next_level", a.NextAutoLevel),
		slog.Bool("resolved", a.Resolved))

	if ev.Fatal {
		return a, c.escalate(ev)
	}
	return a, nil
}

func (c *Controller) applyPenalty(p Penalty) {
	if p.ResetPlaylistErrors {
		c.playlistErrors = 0
	} else if p.PlaylistError {
		c.playlistErrors++
	}
	if p.EnableAuto {
		c.levels.SetManualLevel(-1)
	}
	l := c.levels.Level(p.Level)
	if l == nil {
		return
	}
	if p.LoadError {
		l.RecordLoadError()
	}
	if p.FragmentError {
		l.RecordFragmentError()
	}
}

func (c *Controller) penaltyBox(ev *ErrorEvent, a *ErrorAction) {
	switch a.Flags {
	case FlagNone:
		c.switchLevel(ev, a)
	case FlagMatchingHDCP:
		if a.HDCPLevel != "" && c.levels.RestrictHDCP(a.HDCPLevel) {
			a.Resolved = true
			if c.switcher != nil {
				c.switcher.OnMaxAutoLevelUpdated()
			}
		}
		c.log.Warn("restricting HDCP level",
			slog.String("restricted", string(a.HDCPLevel)),
			slog.String("max_hdcp_level", string(c.levels.MaxHDCPLevel())))
	case FlagMatchingKey:
		if c.removeLevels(func(l *media.Rendition) bool { return l.HasKey(a.KeyID) }) > 0 {
			a.Resolved = true
		}
	case FlagMatchingHost:
		if c.failover != nil && c.failover.Failover(ev) {
			a.Resolved = true
		}
	}
	if !a.Resolved {
		c.switchLevel(ev, a)
	}
}

func (c *Controller) switchLevel(ev *ErrorEvent, a *ErrorAction) {
	if a.NextAutoLevel < 0 {
		return
	}
	target := c.levels.Level(a.NextAutoLevel)
	c.log.Warn("switching level after error",
		slog.Int("level", a.NextAutoLevel), slog.String("details", string(ev.Details)))
	a.Resolved = true

	if ev.Details == BufferAddCodecError && ev.MimeType != "" && ev.SinkName != "audiovideo" {
		codec := codecsOf(ev.MimeType)
		removed := c.removeLevels(func(l *media.Rendition) bool {
			switch ev.SinkName {
			case "audio":
				return l.AudioCodec == codec
			case "video":
				return l.VideoCodec == codec
			}
			return false
		})
		if removed > 0 {
			a.NextAutoLevel = c.indexAfterPrune(target)
			if a.NextAutoLevel < 0 {
				a.Resolved = false
				return
			}
		}
	}
	if c.switcher != nil {
		c.switcher.SetNextAutoLevel(a.NextAutoLevel)
	}
}

// indexAfterPrune returns the index of target, or when target itself was
// removed, the highest remaining auto level not above its bitrate. -1 when
// nothing is left.
func (c *Controller) indexAfterPrune(target *media.Rendition) int {
	levels := c.levels.Levels()
	for i, l := range levels {
		if l == target {
			return i
		}
	}
	if len(levels) == 0 {
		return -1
	}
	minAuto, maxAuto := c.levels.MinAutoLevel(), c.levels.MaxAutoLevel()
	next := minAuto
	for i := minAuto; i <= maxAuto && i < len(levels); i++ {
		if target == nil || levels[i].Bitrate <= target.Bitrate {
			next = i
		}
	}
	return next
}

func (c *Controller) removeLevels(match func(*media.Rendition) bool) int {
	removed := 0
	for i := c.levels.Len() - 1; i >= 0; i-- {
		if match(c.levels.Level(i)) && c.levels.Remove(i) {
			removed++
		}
	}
	if removed > 0 {
		c.log.Warn("removed renditions", slog.Int("count", removed), slog.Int("remaining", c.levels.Len()))
		if c.switcher != nil {
			c.switcher.OnLevelsUpdated()
		}
	}
	return removed
}

func (c *Controller) escalate(ev *ErrorEvent) error {
	level := ev.Level
	if level < 0 && ev.Frag != nil {
		level = ev.Frag.Level
	}
	if level < 0 {
		level = c.levels.LoadLevel()
	}
	fe := &FatalError{Level: level, Details: ev.Details, Err: ev.Err}
	if c.bw != nil {
		fe.BandwidthEstimate = c.bw.BandwidthEstimate()
	}
	if c.fatal == nil {
		c.fatal = fe
	}
	c.log.Error("unrecoverable error",
		slog.String("details", string(ev.Details)),
		slog.Int("level", level),
		slog.Float64("bandwidth_estimate", fe.BandwidthEstimate),
		slog.Any("err", ev.Err))
	return fe
}

// codecsOf extracts the codecs parameter of a mime type.
func codecsOf(mimeType string) string {
	_, params, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return ""
	}
	return params["codecs"]
}
