// Package player wires the selector, the buffer orchestrator and the
// recovery dispatcher into one decision core.
package player

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"hls-abr/internal/abr"
	"hls-abr/internal/buffer"
	"hls-abr/internal/media"
	"hls-abr/internal/playlist"
	"hls-abr/internal/recovery"
)

// ErrUnknownLevel is returned for level indexes outside the ladder.
var ErrUnknownLevel = errors.New("unknown level")

// ErrNoDetails is returned when a level load carries no playlist.
var ErrNoDetails = errors.New("missing level details")

// Recorder receives decisions for metrics.
type Recorder interface {
	LevelSwitched(from, to, bitrate int)
	LoadAborted(immediate bool)
	RecoveryAction(action recovery.Action)
	Fatal(details recovery.ErrorDetail)
	BandwidthEstimate(bps float64)
}

type nopRecorder struct{}

func (nopRecorder) LevelSwitched(int, int, int)    {}
func (nopRecorder) LoadAborted(bool)               {}
func (nopRecorder) RecoveryAction(recovery.Action) {}
func (nopRecorder) Fatal(recovery.ErrorDetail)     {}
func (nopRecorder) BandwidthEstimate(float64)      {}

// Core is the decision core of one playback session. Drivers report
// loads, buffer events and failures; Core answers which level to fetch
// and how to recover.
//
// It is not safe for concurrent use.
type Core struct {
	cfg      Config
	levels   *media.LevelSet
	abr      *abr.Controller
	recovery *recovery.Controller
	buffer   *buffer.Controller
	recorder Recorder
	host     buffer.Listener
	log      *slog.Logger
	now      func() time.Time

	ended bool
	fatal error
}

// New builds a core over the rendition ladder.
func New(cfg Config, levels []*media.Rendition, log *slog.Logger) (*Core, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	set, err := media.NewLevelSet(levels)
	if err != nil {
		return nil, err
	}
	set.SetMinAutoBitrate(cfg.MinAutoBitrate)
	if cfg.StartLevel >= 0 {
		set.SetFirstLevel(cfg.StartLevel)
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	c := &Core{
		cfg:      cfg,
		levels:   set,
		recorder: nopRecorder{},
		host:     buffer.NopListener{},
		log:      log.With(slog.String("component", "player")),
		now:      time.Now,
	}
	c.abr = abr.NewController(cfg.ABR, set, log)
	c.abr.SetObserver(c)
	c.recovery = recovery.NewController(cfg.Recovery, set, c.abr, log)
	c.recovery.SetBandwidthSource(c.abr)
	return c, nil
}

// AttachMediaSource creates the buffer orchestrator over ms.
func (c *Core) AttachMediaSource(ms buffer.MediaSource) *buffer.Controller {
	c.buffer = buffer.NewController(c.cfg.Buffer, ms, c.log)
	c.buffer.SetListener(c)
	return c.buffer
}

// SetPlayback registers the media element view used for buffer health.
func (c *Core) SetPlayback(p abr.Playback) { c.abr.SetPlayback(p) }

// SetClock replaces the wall clock in every component.
func (c *Core) SetClock(now func() time.Time) {
	c.now = now
	c.abr.SetClock(now)
}

// SetRecorder registers the metrics sink.
func (c *Core) SetRecorder(r Recorder) {
	if r == nil {
		r = nopRecorder{}
	}
	c.recorder = r
}

// SetBufferListener registers a host that receives every buffer
// notification after the core has handled it.
func (c *Core) SetBufferListener(l buffer.Listener) {
	if l == nil {
		l = buffer.NopListener{}
	}
	c.host = l
}

// SetFailover registers the host fail-over collaborator.
func (c *Core) SetFailover(f recovery.Failover) { c.recovery.SetFailover(f) }

// Levels returns the rendition ladder.
func (c *Core) Levels() *media.LevelSet { return c.levels }

// ABR returns the selector.
func (c *Core) ABR() *abr.Controller { return c.abr }

// Recovery returns the error dispatcher.
func (c *Core) Recovery() *recovery.Controller { return c.recovery }

// Buffer returns the orchestrator, nil until a media source is attached.
func (c *Core) Buffer() *buffer.Controller { return c.buffer }

// BandwidthEstimate is the current throughput estimate in bits/s.
func (c *Core) BandwidthEstimate() float64 { return c.abr.BandwidthEstimate() }

// Fatal returns the error that ended the session, if any.
func (c *Core) Fatal() error { return c.fatal }

// Ended reports whether every track was buffered to the end.
func (c *Core) Ended() bool { return c.ended }

// ManifestLoading resets per-manifest state before a new load.
func (c *Core) ManifestLoading() {
	c.abr.OnManifestLoading()
	c.recovery.OnManifestLoading()
	if c.buffer != nil {
		c.buffer.Reset()
	}
	c.fatal = nil
	c.ended = false
}

// NextLevel picks the level to load next and makes it the load level.
func (c *Core) NextLevel() int {
	next := c.levels.ManualLevel()
	if c.levels.AutoLevelEnabled() {
		next = c.abr.NextAutoLevel()
		if next < 0 {
			next = c.levels.MinAutoLevel()
		}
	}
	prev := c.levels.LoadLevel()
	if next != prev {
		c.abr.OnLevelSwitching()
		c.levels.SetLoadLevel(next)
		bitrate := 0
		if l := c.levels.Level(next); l != nil {
			bitrate = l.Bitrate
		}
		c.recorder.LevelSwitched(prev, next, bitrate)
		c.log.Info("level switch",
			slog.Int("from", prev), slog.Int("to", next), slog.Int("bitrate", bitrate),
			slog.Float64("estimate_bps", c.abr.BandwidthEstimate()))
	}
	return next
}

// LevelLoaded stores a refreshed media playlist of level.
func (c *Core) LevelLoaded(level int, details *media.Details, loadTime time.Duration) error {
	l := c.levels.Level(level)
	if l == nil {
		return fmt.Errorf("%w: level %d", ErrUnknownLevel, level)
	}
	if details == nil {
		return fmt.Errorf("%w: level %d", ErrNoDetails, level)
	}
	l.Details = details
	l.KeyIDs = playlist.KeyIDs(details)
	c.levels.SetLive(details.Live)
	c.abr.OnLevelLoaded(details, loadTime)
	c.recovery.OnLevelLoaded(level)
	if c.buffer != nil {
		c.buffer.UpdateDuration(details, details.Live)
	}
	return nil
}

// FragmentLoading marks frag as requested. aborter cancels the request
// when the abandon monitor gives up on it.
func (c *Core) FragmentLoading(frag *media.Segment, part *media.Part, aborter media.Aborter) error {
	// parts of one fragment load back to back
	if part == nil || frag.State() != media.FragLoading {
		if err := frag.Advance(media.FragLoading); err != nil {
			return err
		}
	}
	stats := &frag.Stats
	if part != nil {
		part.Stats = media.LoadStats{}
		stats = &part.Stats
	}
	stats.LoadingStart = c.now()
	c.abr.OnFragLoading(frag, part, aborter)
	return nil
}

// FragmentProgress records received bytes and runs the abandon monitor.
func (c *Core) FragmentProgress(frag *media.Segment, part *media.Part, loaded, total int64) {
	stats := &frag.Stats
	if part != nil {
		stats = &part.Stats
	}
	if loaded > 0 && stats.LoadingFirst.IsZero() {
		stats.LoadingFirst = c.now()
	}
	stats.Loaded = loaded
	if total > 0 {
		stats.Total = total
	}
	c.abr.Tick()
}

// FragmentLoaded marks frag as fully received.
func (c *Core) FragmentLoaded(frag *media.Segment, part *media.Part) error {
	if part == nil {
		if err := frag.Advance(media.FragLoaded); err != nil {
			return err
		}
	}
	stats := &frag.Stats
	if part != nil {
		stats = &part.Stats
	}
	now := c.now()
	if stats.LoadingFirst.IsZero() {
		stats.LoadingFirst = now
	}
	stats.LoadingEnd = now
	if stats.Total == 0 {
		stats.Total = stats.Loaded
	}
	c.abr.OnFragLoaded(frag, part)
	return nil
}

// FragmentBuffered marks frag as parsed and appended on every track.
func (c *Core) FragmentBuffered(frag *media.Segment, part *media.Part) error {
	stats := &frag.Stats
	if part != nil {
		stats = &part.Stats
	}
	if stats.ParsingEnd.IsZero() {
		stats.ParsingEnd = c.now()
	}
	if part == nil {
		if err := frag.Advance(media.FragParsed); err != nil {
			return err
		}
		if err := frag.Advance(media.FragBuffered); err != nil {
			return err
		}
	}
	c.abr.OnFragBuffered(frag, part)
	if frag.Type == media.PlaylistMain {
		c.recovery.OnFragBuffered(frag.Level)
	}
	c.recorder.BandwidthEstimate(c.abr.BandwidthEstimate())
	return nil
}

// Tick runs the abandon monitor. Drivers call it every
// abr.AbandonCheckInterval while a fragment loads.
func (c *Core) Tick() { c.abr.Tick() }

// TrimBuffers applies the back and front buffer limits at currentTime.
func (c *Core) TrimBuffers(currentTime float64) {
	if c.buffer == nil {
		return
	}
	target := 0.0
	if l := c.levels.Level(c.levels.LoadLevel()); l != nil && l.Details != nil {
		target = l.Details.TargetDuration
	}
	c.buffer.TrimBackBuffer(currentTime, target)
	c.buffer.TrimFrontBuffer(currentTime)
}

// EndOfStream signals that the last fragment of every track was appended.
func (c *Core) EndOfStream() {
	if c.buffer != nil {
		c.buffer.EndOfStream(buffer.TrackAll)
	}
}

// HandleError classifies and applies ev. The error is a
// *recovery.FatalError when the session cannot continue.
func (c *Core) HandleError(ev *recovery.ErrorEvent) (recovery.ErrorAction, error) {
	switch {
	case ev.Details == recovery.FragLoadTimeout && ev.Frag != nil:
		c.abr.OnFragLoadTimeout(ev.Frag)
	case ev.Details == recovery.BufferAppendError:
		c.abr.OnAppendError()
	}
	// the failed request is over; a retry or switch requests the fragment again
	if f := ev.Frag; f != nil {
		switch f.State() {
		case media.FragLoading, media.FragLoaded, media.FragParsed:
			_ = f.Advance(media.FragAborted)
		}
	}
	a, err := c.recovery.Handle(ev)
	c.recorder.RecoveryAction(a.Action)
	if err != nil {
		if c.fatal == nil {
			c.fatal = err
		}
		c.recorder.Fatal(ev.Details)
	}
	return a, err
}

// LoadAbandoned implements abr.Observer.
func (c *Core) LoadAbandoned(ev abr.AbortEvent) {
	c.log.Warn("abandoning slow fragment load",
		slog.Int("sn", ev.Frag.SN),
		slog.Int("from_level", ev.FromLevel),
		slog.Int("next_level", ev.NextLevel),
		slog.Bool("immediate", ev.Immediate))
}

// LoadAborted implements abr.Observer.
func (c *Core) LoadAborted(ev abr.AbortEvent) {
	c.recorder.LoadAborted(ev.Immediate)
	c.log.Warn("aborted fragment load",
		slog.Int("sn", ev.Frag.SN),
		slog.Int("from_level", ev.FromLevel),
		slog.Int("next_level", ev.NextLevel))
}

// BufferCreated implements buffer.Listener.
func (c *Core) BufferCreated(tracks []buffer.TrackType) {
	c.log.Debug("buffers created", slog.Any("tracks", tracks))
	c.host.BufferCreated(tracks)
}

// BufferAppended implements buffer.Listener.
func (c *Core) BufferAppended(res buffer.AppendResult) { c.host.BufferAppended(res) }

// BufferFlushed implements buffer.Listener.
func (c *Core) BufferFlushed(track buffer.TrackType) {
	c.log.Debug("buffer flushed", slog.String("track", string(track)))
	c.host.BufferFlushed(track)
}

// BufferedToEnd implements buffer.Listener.
func (c *Core) BufferedToEnd() {
	c.ended = true
	c.host.BufferedToEnd()
}

// BufferError implements buffer.Listener by routing sink failures to recovery.
func (c *Core) BufferError(ev *recovery.ErrorEvent) {
	if _, err := c.HandleError(ev); err != nil {
		c.log.Error("buffer failure ended the session", slog.Any("err", err))
	}
	c.host.BufferError(ev)
}
