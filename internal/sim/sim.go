// Package sim plays a synthetic stream against the decision core in
// virtual time.
package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"hls-abr/internal/abr"
	"hls-abr/internal/buffer"
	"hls-abr/internal/media"
	"hls-abr/internal/player"
	"hls-abr/internal/playlist"
	"hls-abr/internal/recovery"
)

var (
	// ErrInvalidConfig is returned by New for unusable settings.
	ErrInvalidConfig = errors.New("invalid simulation config")

	errInjectedAppend = errors.New("injected append failure")
)

// Config describes the simulated stream and network.
type Config struct {
	Player player.Config
	// Levels is the ladder; nil uses DefaultLadder.
	Levels          []*media.Rendition
	SegmentDuration float64
	Segments        int
	Trace           Trace
	TTFB            time.Duration
	Tick            time.Duration
	// MaxBufferLength stops fetching while this many seconds are buffered ahead.
	MaxBufferLength float64
	// StartupBuffer is the buffer needed to start or resume playback.
	StartupBuffer float64
	// MaxDuration bounds the run in virtual time.
	MaxDuration time.Duration
	// Faults are injected into fragment loads and appends.
	Faults []Fault
	// LoadTimeout is how long a FaultTimeout load hangs before it is reported.
	LoadTimeout time.Duration
}

// DefaultConfig returns a two minute VoD stream over an 8 Mbps link.
func DefaultConfig() Config {
	pc := player.DefaultConfig()
	pc.Buffer.BackBufferLength = 30
	return Config{
		Player:          pc,
		SegmentDuration: 4,
		Segments:        30,
		Trace:           Constant(8_000_000),
		TTFB:            50 * time.Millisecond,
		Tick:            abr.AbandonCheckInterval,
		MaxBufferLength: 30,
		StartupBuffer:   4,
		MaxDuration:     time.Hour,
		LoadTimeout:     10 * time.Second,
	}
}

// DefaultLadder is a four step H.264 ladder.
func DefaultLadder() []*media.Rendition {
	const audio = "mp4a.40.2"
	return []*media.Rendition{
		{URI: "360p.m3u8", Bitrate: 500_000, Width: 640, Height: 360, VideoCodec: "avc1.4d401e", AudioCodec: audio},
		{URI: "540p.m3u8", Bitrate: 1_500_000, Width: 960, Height: 540, VideoCodec: "avc1.4d401f", AudioCodec: audio},
		{URI: "720p.m3u8", Bitrate: 3_000_000, Width: 1280, Height: 720, VideoCodec: "avc1.640020", AudioCodec: audio},
		{URI: "1080p.m3u8", Bitrate: 6_000_000, Width: 1920, Height: 1080, VideoCodec: "avc1.640028", AudioCodec: audio},
	}
}

// Switch is a change of load level.
type Switch struct {
	At      time.Duration `json:"at"`
	From    int           `json:"from"`
	To      int           `json:"to"`
	Bitrate int           `json:"bitrate"`
}

// Report summarizes a run.
type Report struct {
	Switches       []Switch      `json:"switches"`
	Aborts         int           `json:"aborts"`
	Stalls         int           `json:"stalls"`
	StallTime      time.Duration `json:"stall_time"`
	Elapsed        time.Duration `json:"elapsed"`
	Fragments      int           `json:"fragments"`
	AverageBitrate float64       `json:"average_bitrate"`
	FinalEstimate  float64       `json:"final_estimate"`
	Ended          bool          `json:"ended"`
	Fatal          string        `json:"fatal,omitempty"`
	// Errors counts injected failures reported to recovery.
	Errors     int            `json:"errors"`
	Recoveries map[string]int `json:"recoveries,omitempty"`
}

// LogValue implements slog.LogValuer.
func (r *Report) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("switches", len(r.Switches)),
		slog.Int("aborts", r.Aborts),
		slog.Int("stalls", r.Stalls),
		slog.Duration("stall_time", r.StallTime),
		slog.Duration("elapsed", r.Elapsed),
		slog.Int("fragments", r.Fragments),
		slog.Float64("average_bitrate", math.Round(r.AverageBitrate)),
		slog.Float64("final_estimate", math.Round(r.FinalEstimate)),
		slog.Bool("ended", r.Ended),
		slog.Int("errors", r.Errors),
	)
}

type load struct {
	frag    *media.Segment
	size    int64
	loaded  int64
	started time.Duration
	aborted bool
	fault   *Fault
}

func (l *load) AbortRequests() { l.aborted = true }

// Simulator drives one Core. It is not safe for concurrent use.
type Simulator struct {
	cfg     Config
	core    *player.Core
	buf     *buffer.Controller
	ms      *virtualMediaSource
	log     *slog.Logger
	epoch   time.Time
	elapsed time.Duration

	details   map[int]*media.Details
	next      int
	load      *load
	appending *media.Segment
	eos       bool
	faults    *faultPlan
	retryAt   time.Duration

	pos     float64
	playing bool
	stalled bool

	bitrateSum float64
	report     Report
}

// New builds a simulator and its core.
func New(cfg Config, log *slog.Logger) (*Simulator, error) {
	if cfg.SegmentDuration <= 0 || cfg.Segments <= 0 || cfg.Tick <= 0 || len(cfg.Trace) == 0 || cfg.LoadTimeout < 0 {
		return nil, fmt.Errorf("%w: segments %d x %vs, tick %s, %d trace steps",
			ErrInvalidConfig, cfg.Segments, cfg.SegmentDuration, cfg.Tick, len(cfg.Trace))
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	levels := cfg.Levels
	if levels == nil {
		levels = DefaultLadder()
	}
	core, err := player.New(cfg.Player, levels, log)
	if err != nil {
		return nil, err
	}
	s := &Simulator{
		cfg:     cfg,
		core:    core,
		ms:      newVirtualMediaSource(),
		log:     log.With(slog.String("component", "sim")),
		epoch:   time.Unix(0, 0).UTC(),
		details: make(map[int]*media.Details),
		faults:  newFaultPlan(cfg.Faults),
	}
	s.ms.appendFault = s.appendFault
	h := hooks{s}
	core.SetClock(s.now)
	core.SetPlayback(h)
	core.SetRecorder(h)
	core.SetBufferListener(h)
	s.buf = core.AttachMediaSource(s.ms)

	first := core.Levels().Level(0)
	s.buf.OnCodecs(map[buffer.TrackType]buffer.TrackCodec{
		buffer.TrackAudioVideo: {Container: "video/mp4", Codec: strings.Trim(first.VideoCodec+","+first.AudioCodec, ",")},
	})
	return s, nil
}

// Core returns the core under test.
func (s *Simulator) Core() *player.Core { return s.core }

func (s *Simulator) now() time.Time { return s.epoch.Add(s.elapsed) }

func (s *Simulator) total() float64 { return float64(s.cfg.Segments) * s.cfg.SegmentDuration }

// Run plays the stream to the end, a fatal error, MaxDuration or ctx
// cancellation, whichever comes first.
func (s *Simulator) Run(ctx context.Context) (*Report, error) {
	for s.elapsed < s.cfg.MaxDuration {
		if err := ctx.Err(); err != nil {
			return s.finish(), err
		}
		if err := s.step(); err != nil {
			return s.finish(), err
		}
		if err := s.core.Fatal(); err != nil {
			s.report.Fatal = err.Error()
			break
		}
		if s.done() {
			break
		}
		s.elapsed += s.cfg.Tick
	}
	return s.finish(), nil
}

func (s *Simulator) finish() *Report {
	r := s.report
	r.Elapsed = s.elapsed
	r.Ended = s.core.Ended()
	r.FinalEstimate = s.core.BandwidthEstimate()
	if r.Fragments > 0 {
		r.AverageBitrate = s.bitrateSum / float64(r.Fragments)
	}
	return &r
}

func (s *Simulator) done() bool {
	return s.core.Ended() && s.buf.BufferInfo(s.pos).Len <= 0
}

func (s *Simulator) step() error {
	s.ms.tick()
	if err := s.advanceLoad(); err != nil {
		return err
	}
	if err := s.startLoad(); err != nil {
		return err
	}
	if !s.eos && s.next == s.cfg.Segments && s.load == nil && s.appending == nil {
		s.eos = true
		s.core.EndOfStream()
	}
	s.play()
	s.core.TrimBuffers(s.pos)
	return nil
}

func (s *Simulator) advanceLoad() error {
	l := s.load
	if l == nil {
		return nil
	}
	if l.fault != nil {
		return s.advanceFaultyLoad(l)
	}
	if s.elapsed-l.started < s.cfg.TTFB {
		s.core.Tick()
	} else {
		bytes := int64(s.cfg.Trace.At(s.elapsed) * s.cfg.Tick.Seconds() / 8)
		l.loaded = min(l.size, l.loaded+max(bytes, 1))
		s.core.FragmentProgress(l.frag, nil, l.loaded, l.size)
	}
	if l.aborted {
		s.load = nil
		return nil
	}
	if l.loaded < l.size {
		return nil
	}
	s.load = nil
	if err := s.core.FragmentLoaded(l.frag, nil); err != nil {
		return fmt.Errorf("fragment %d loaded: %w", l.frag.SN, err)
	}
	s.next++
	s.appending = l.frag
	s.buf.Append(buffer.AppendData{
		Track: buffer.TrackAudioVideo,
		Frag:  l.frag,
		Data:  encodeSpan(l.frag.Start, l.frag.End()),
	})
	return nil
}

func (s *Simulator) startLoad() error {
	if s.load != nil || s.appending != nil || s.next >= s.cfg.Segments || s.elapsed < s.retryAt {
		return nil
	}
	if s.buf.BufferInfo(s.pos).Len >= s.cfg.MaxBufferLength {
		return nil
	}
	level := s.core.NextLevel()
	d, err := s.levelDetails(level)
	if err != nil {
		return err
	}
	frag := d.Fragments[s.next]
	bitrate := s.core.Levels().Level(level).Bitrate
	s.load = &load{
		frag:    frag,
		size:    max(int64(frag.Duration*float64(bitrate)/8), 1),
		started: s.elapsed,
	}
	if f, ok := s.faults.take(frag.SN, FaultLoadError, FaultTimeout); ok {
		s.load.fault = &f
	}
	return s.core.FragmentLoading(frag, nil, s.load)
}

// advanceFaultyLoad holds a load that is going to fail until its failure
// is due, then reports it to recovery.
func (s *Simulator) advanceFaultyLoad(l *load) error {
	s.core.Tick()
	if l.aborted {
		s.load = nil
		return nil
	}
	due := s.cfg.TTFB
	ev := &recovery.ErrorEvent{
		Type:       recovery.NetworkError,
		Details:    recovery.FragLoadError,
		Level:      l.frag.Level,
		Frag:       l.frag,
		HTTPStatus: l.fault.Status,
	}
	if l.fault.Kind == FaultTimeout {
		due = s.cfg.LoadTimeout
		ev.Details, ev.HTTPStatus = recovery.FragLoadTimeout, 0
	}
	if s.elapsed-l.started < due {
		return nil
	}
	s.load = nil
	s.report.Errors++
	s.log.Info("injected load failure",
		slog.Int("sn", l.frag.SN), slog.Int("level", l.frag.Level), slog.String("kind", string(l.fault.Kind)))
	a, err := s.core.HandleError(ev)
	if err != nil {
		// Run stops on the core's fatal state
		return nil
	}
	if a.Action == recovery.ActionRetry {
		s.retryAt = s.elapsed + a.RetryDelay()
	}
	return nil
}

func (s *Simulator) appendFault() error {
	if s.appending == nil {
		return nil
	}
	if _, ok := s.faults.take(s.appending.SN, FaultAppend); ok {
		return fmt.Errorf("%w: sn %d", errInjectedAppend, s.appending.SN)
	}
	return nil
}

// levelDetails synthesizes the media playlist of level on first use and
// feeds it through the playlist codec.
func (s *Simulator) levelDetails(level int) (*media.Details, error) {
	if d, ok := s.details[level]; ok {
		return d, nil
	}
	l := s.core.Levels().Level(level)
	src := &media.Details{TargetDuration: s.cfg.SegmentDuration}
	for i := range s.cfg.Segments {
		src.Fragments = append(src.Fragments, &media.Segment{
			SN:       i,
			URI:      fmt.Sprintf("%s/%d.ts", strings.TrimSuffix(l.URI, ".m3u8"), i),
			Duration: s.cfg.SegmentDuration,
		})
	}
	text, err := playlist.BuildMediaPlaylist(src)
	if err != nil {
		return nil, err
	}
	d, err := playlist.ParseMedia(strings.NewReader(text), level)
	if err != nil {
		return nil, err
	}
	if len(d.Fragments) != s.cfg.Segments {
		return nil, fmt.Errorf("level %d playlist has %d fragments, want %d", level, len(d.Fragments), s.cfg.Segments)
	}
	s.details[level] = d
	if err := s.core.LevelLoaded(level, d, s.cfg.TTFB); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *Simulator) play() {
	info := s.buf.BufferInfo(s.pos)
	dt := s.cfg.Tick.Seconds()
	if !s.playing {
		if s.stalled {
			s.report.StallTime += s.cfg.Tick
		}
		if info.Len >= math.Min(s.cfg.StartupBuffer, s.total()-s.pos) && info.Len > 0 {
			s.playing, s.stalled = true, false
		}
		return
	}
	if info.Len > 0 {
		s.pos += math.Min(dt, info.Len)
		return
	}
	if s.pos < s.total()-s.cfg.Player.Buffer.MaxBufferHole {
		s.playing, s.stalled = false, true
		s.report.Stalls++
		s.log.Info("playback stalled", slog.Float64("position", s.pos), slog.Duration("at", s.elapsed))
	}
}

// hooks adapts the simulator to the core's callbacks.
type hooks struct{ s *Simulator }

func (h hooks) PlaybackRate() float64 { return 1 }
func (h hooks) Paused() bool          { return false }
func (h hooks) Ready() bool           { return true }

func (h hooks) ForwardBuffer() (float64, bool) {
	return h.s.buf.BufferInfo(h.s.pos).Len, true
}

func (h hooks) LevelSwitched(from, to, bitrate int) {
	h.s.report.Switches = append(h.s.report.Switches, Switch{At: h.s.elapsed, From: from, To: to, Bitrate: bitrate})
}

func (h hooks) LoadAborted(bool)                 { h.s.report.Aborts++ }
func (h hooks) BandwidthEstimate(float64)        {}
func (h hooks) BufferCreated([]buffer.TrackType) {}
func (h hooks) BufferFlushed(buffer.TrackType)   {}
func (h hooks) BufferedToEnd()                   {}

func (h hooks) RecoveryAction(a recovery.Action) {
	r := &h.s.report
	if r.Recoveries == nil {
		r.Recoveries = make(map[string]int)
	}
	r.Recoveries[a.String()]++
}

func (h hooks) Fatal(d recovery.ErrorDetail) {
	h.s.log.Error("unrecoverable error", slog.String("details", string(d)), slog.Duration("at", h.s.elapsed))
}

// BufferError re-requests a fragment whose append failed.
func (h hooks) BufferError(ev *recovery.ErrorEvent) {
	s := h.s
	if ev.Frag == nil || ev.Frag != s.appending {
		return
	}
	s.report.Errors++
	s.appending = nil
	s.next = ev.Frag.SN
}

func (h hooks) BufferAppended(res buffer.AppendResult) {
	s := h.s
	if res.Frag == nil || res.Frag != s.appending {
		return
	}
	s.appending = nil
	if err := s.core.FragmentBuffered(res.Frag, nil); err != nil {
		s.log.Warn("fragment buffered out of order", slog.Int("sn", res.Frag.SN), slog.Any("err", err))
		return
	}
	s.report.Fragments++
	s.bitrateSum += float64(s.core.Levels().Level(res.Frag.Level).Bitrate)
}
