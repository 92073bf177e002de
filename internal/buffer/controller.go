package buffer

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"hls-abr/internal/media"
	"hls-abr/internal/recovery"
)

// ErrNoSink is returned when an operation targets a track without a sink.
var ErrNoSink = errors.New("no sink for track")

// AppendData is one chunk of remuxed media for a track.
type AppendData struct {
	Track TrackType
	Frag  *media.Segment
	Part  *media.Part
	Data  []byte
}

func (d AppendData) span() (start, end float64) {
	switch {
	case d.Part != nil:
		return d.Part.Start, d.Part.End()
	case d.Frag != nil:
		return d.Frag.Start, d.Frag.End()
	}
	return 0, 0
}

func (d AppendData) level() int {
	if d.Frag != nil && d.Frag.Type == media.PlaylistMain {
		return d.Frag.Level
	}
	return -1
}

// AppendResult reports a finished append.
type AppendResult struct {
	Track    TrackType
	Frag     *media.Segment
	Part     *media.Part
	Buffered map[TrackType]media.TimeRanges
}

// Listener receives the orchestrator's notifications.
type Listener interface {
	BufferCreated(tracks []TrackType)
	BufferAppended(res AppendResult)
	BufferFlushed(track TrackType)
	BufferedToEnd()
	// BufferError reports a sink failure for the recovery dispatcher.
	BufferError(ev *recovery.ErrorEvent)
}

// NopListener ignores every notification.
type NopListener struct{}

func (NopListener) BufferCreated([]TrackType)        {}
func (NopListener) BufferAppended(AppendResult)      {}
func (NopListener) BufferFlushed(TrackType)          {}
func (NopListener) BufferedToEnd()                   {}
func (NopListener) BufferError(*recovery.ErrorEvent) {}

// heldAudio is an alternate-audio append waiting for video to catch up.
type heldAudio struct {
	op    *Operation
	pTime float64
}

// Controller drives the sinks of a media source through the operation queue.
//
// It is not safe for concurrent use; sink completions must be delivered on
// the same goroutine as every other call.
type Controller struct {
	cfg      Config
	ms       MediaSource
	queue    *Queue
	listener Listener
	log      *slog.Logger

	tracks   map[TrackType]*Track
	pending  map[TrackType]TrackCodec
	expected int

	gaps               media.TimeRanges
	held               *heldAudio
	lastVideoAppendEnd float64
}

// NewController returns an orchestrator for ms.
func NewController(cfg Config, ms MediaSource, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	log = log.With(slog.String("component", "buffer"))
	c := &Controller{
		cfg:      cfg,
		ms:       ms,
		listener: NopListener{},
		log:      log,
		tracks:   make(map[TrackType]*Track),
		pending:  make(map[TrackType]TrackCodec),
	}
	c.queue = NewQueue(c.sink, log)
	return c
}

// SetListener registers the notification receiver.
func (c *Controller) SetListener(l Listener) {
	if l == nil {
		l = NopListener{}
	}
	c.listener = l
}

// Queue exposes the operation queue.
func (c *Controller) Queue() *Queue { return c.queue }

// Track returns the created track of type t.
func (c *Controller) Track(t TrackType) *Track { return c.tracks[t] }

// Tracks returns the created tracks in a fixed order.
func (c *Controller) Tracks() []*Track {
	out := make([]*Track, 0, len(c.tracks))
	for _, t := range c.trackTypes() {
		out = append(out, c.tracks[t])
	}
	return out
}

// Buffered returns what the sink of t holds.
func (c *Controller) Buffered(t TrackType) media.TimeRanges {
	if tr := c.tracks[t]; tr != nil {
		return tr.Sink.Buffered()
	}
	return nil
}

// MediaBuffered is the range playable on every track.
func (c *Controller) MediaBuffered() media.TimeRanges {
	var out media.TimeRanges
	for i, t := range c.trackTypes() {
		if i == 0 {
			out = c.Buffered(t)
			continue
		}
		out = out.Intersect(c.Buffered(t))
	}
	return out
}

// BufferInfo measures the playable buffer around pos.
func (c *Controller) BufferInfo(pos float64) media.BufferInfo {
	return c.MediaBuffered().Info(pos, c.cfg.MaxBufferHole)
}

// AudioHeld reports whether an alternate-audio append is waiting for video.
func (c *Controller) AudioHeld() bool { return c.held != nil }

// ExpectTracks sets how many codec announcements precede sink creation.
func (c *Controller) ExpectTracks(n int) { c.expected = n }

// OnCodecs announces track codecs. Before sinks exist they are collected
// until every expected track is known; afterwards a codec family change
// queues a change-type operation.
func (c *Controller) OnCodecs(codecs map[TrackType]TrackCodec) {
	if len(c.tracks) > 0 {
		for _, t := range trackOrder {
			codec, ok := codecs[t]
			tr := c.tracks[t]
			if !ok || tr == nil {
				continue
			}
			next := codec.FullCodec()
			if next != "" && codecFamily(tr.Codec.FullCodec()) != codecFamily(next) {
				c.appendChangeType(tr, codec)
			}
		}
		return
	}
	for t, codec := range codecs {
		c.pending[t] = codec
	}
	if c.expected > 0 {
		c.expected--
	}
	c.checkPendingTracks()
}

// MediaSourceOpened creates sinks that were waiting for the source to open.
func (c *Controller) MediaSourceOpened() { c.checkPendingTracks() }

func (c *Controller) checkPendingTracks() {
	n := len(c.pending)
	_, muxed := c.pending[TrackAudioVideo]
	if n == 0 || !(c.expected == 0 || n > 1 || muxed) {
		return
	}
	if !c.ms.Open() {
		return
	}
	c.createSinks()
}

func (c *Controller) createSinks() {
	var created []TrackType
	for _, t := range trackOrder {
		codec, ok := c.pending[t]
		if !ok {
			continue
		}
		mimeType := codec.MimeType()
		sink, err := c.ms.AddSink(mimeType, func(err error) { c.queue.Complete(t, err) })
		if err != nil {
			c.log.Warn("failed to create sink",
				slog.String("track", string(t)), slog.String("mime_type", mimeType), slog.Any("err", err))
			c.listener.BufferError(&recovery.ErrorEvent{
				Type:     recovery.MediaError,
				Details:  recovery.BufferAddCodecError,
				Level:    -1,
				SinkName: string(t),
				MimeType: mimeType,
				Err:      err,
			})
			continue
		}
		c.tracks[t] = &Track{Type: t, Codec: codec, Sink: sink}
		created = append(created, t)
		c.log.Info("created sink", slog.String("track", string(t)), slog.String("mime_type", mimeType))
	}
	c.pending = make(map[TrackType]TrackCodec)

	if len(created) == 0 {
		c.listener.BufferError(&recovery.ErrorEvent{
			Type:    recovery.MediaError,
			Details: recovery.BufferIncompatibleCodecs,
			Fatal:   true,
			Level:   -1,
			Err:     fmt.Errorf("%w: no compatible codecs", ErrNoSink),
		})
		return
	}
	c.listener.BufferCreated(created)
	for _, t := range created {
		c.queue.ExecuteNext(t)
	}
}

func (c *Controller) appendChangeType(tr *Track, codec TrackCodec) {
	mimeType := codec.MimeType()
	c.log.Info("switching sink codec",
		slog.String("track", string(tr.Type)),
		slog.String("from", tr.Codec.FullCodec()),
		slog.String("to", codec.FullCodec()))
	tr.Codec = codec
	c.queue.Append(&Operation{
		Label: "change-type",
		Execute: func() error {
			if err := tr.Sink.ChangeType(mimeType); err != nil {
				return err
			}
			c.queue.ShiftAndExecuteNext(tr.Type)
			return nil
		},
		OnError: func(err error) {
			c.log.Warn("failed to change sink type", slog.String("track", string(tr.Type)), slog.Any("err", err))
		},
	}, tr.Type, false)
}

// Append queues data for its track. Alternate-audio segments are held
// until video has been appended past their start.
func (c *Controller) Append(d AppendData) {
	t := d.Track
	start, end := d.span()
	if t == TrackAudio && d.Frag != nil && d.Frag.Type == media.PlaylistAudio && c.held == nil && c.hasTrack(TrackVideo) {
		c.holdAudio(start, end-start)
	}

	op := &Operation{Label: "append-" + string(t)}
	op.Execute = func() error {
		tr := c.tracks[t]
		if tr == nil {
			return fmt.Errorf("%w: %s", ErrNoSink, t)
		}
		if err := tr.advance(TrackActive); err != nil {
			return err
		}
		return tr.Sink.AppendBuffer(d.Data)
	}
	op.OnComplete = func() { c.onAppended(d, end) }
	op.OnError = func(err error) { c.onAppendError(d, err) }
	c.queue.Append(op, t, c.tracks[t] == nil)
}

func (c *Controller) hasTrack(t TrackType) bool {
	_, pending := c.pending[t]
	return pending || c.tracks[t] != nil
}

func (c *Controller) holdAudio(start, duration float64) {
	pTime := start + duration*0.05
	if c.gaps.Contains(start) || c.videoReached(pTime) {
		return
	}
	op := &Operation{Label: "hold-audio"}
	op.Execute = func() error {
		if c.held != nil && c.held.op == op && c.videoReached(pTime) {
			c.releaseAudio()
		}
		return nil
	}
	c.held = &heldAudio{op: op, pTime: pTime}
	c.log.Debug("holding audio until video is buffered", slog.Float64("position", pTime))
	c.queue.Append(op, TrackAudio, true)
}

func (c *Controller) videoReached(pos float64) bool {
	if c.lastVideoAppendEnd > pos || c.gaps.Contains(pos) {
		return true
	}
	return c.Buffered(TrackVideo).Contains(pos)
}

func (c *Controller) releaseAudio() {
	if c.held == nil {
		return
	}
	op := c.held.op
	c.held = nil
	c.queue.Release(TrackAudio, op)
}

func (c *Controller) onAppended(d AppendData, end float64) {
	if tr := c.tracks[d.Track]; tr != nil {
		tr.appendErrors = 0
	}
	if d.Track == TrackAudio || d.Track == TrackVideo {
		c.resetAppendErrors(TrackAudioVideo)
	} else {
		c.resetAppendErrors(TrackAudio, TrackVideo)
	}

	if d.Track == TrackVideo {
		prev := c.lastVideoAppendEnd
		c.lastVideoAppendEnd = end
		if c.held != nil {
			if end < prev {
				c.log.Debug("video moved backwards, releasing held audio")
				c.releaseAudio()
			} else if c.videoReached(c.held.pTime) {
				c.releaseAudio()
			}
		}
	}

	buffered := make(map[TrackType]media.TimeRanges, len(c.tracks))
	for _, t := range c.trackTypes() {
		buffered[t] = c.Buffered(t)
	}
	c.listener.BufferAppended(AppendResult{Track: d.Track, Frag: d.Frag, Part: d.Part, Buffered: buffered})
}

func (c *Controller) resetAppendErrors(types ...TrackType) {
	for _, t := range types {
		if tr := c.tracks[t]; tr != nil {
			tr.appendErrors = 0
		}
	}
}

func (c *Controller) onAppendError(d AppendData, err error) {
	ev := &recovery.ErrorEvent{
		Type:     recovery.MediaError,
		Details:  recovery.BufferAppendError,
		Level:    d.level(),
		Frag:     d.Frag,
		Part:     d.Part,
		SinkName: string(d.Track),
		Err:      err,
	}
	switch {
	case errors.Is(err, ErrQuotaExceeded):
		ev.Details = recovery.BufferFullError
		ev.Fatal = true
	case errors.Is(err, ErrSinkRemoved):
		c.removeTrack(d.Track)
		if len(c.tracks) == 0 {
			a := recovery.DoNothing(true)
			ev.Action = &a
			break
		}
		c.countAppendError(d.Track, ev)
	default:
		c.countAppendError(d.Track, ev)
	}
	c.listener.BufferError(ev)
}

func (c *Controller) countAppendError(t TrackType, ev *recovery.ErrorEvent) {
	n := 1
	if tr := c.tracks[t]; tr != nil {
		tr.appendErrors++
		n = tr.appendErrors
	}
	c.log.Warn("failed to append segment",
		slog.String("track", string(t)),
		slog.Int("attempt", n),
		slog.Int("max", c.cfg.AppendErrorMaxRetry))
	if n >= c.cfg.AppendErrorMaxRetry {
		ev.Fatal = true
	}
}

func (c *Controller) removeTrack(t TrackType) {
	delete(c.tracks, t)
	c.queue.Remove(t)
	if t == TrackAudio {
		c.held = nil
	}
}

// RecordGap marks [start, end) as a gap in the main timeline. A held audio
// append at that position is released.
func (c *Controller) RecordGap(start, end float64) {
	c.gaps = c.gaps.Add(start, end)
	if c.held != nil && c.videoReached(c.held.pTime) {
		c.releaseAudio()
	}
}

// Flush removes [start, end) from track, or from every track for TrackAll.
func (c *Controller) Flush(track TrackType, start, end float64) {
	c.releaseAudio()
	if track == TrackAll || track == TrackVideo || track == TrackAudioVideo {
		c.lastVideoAppendEnd = 0
	}
	for _, t := range c.targets(track) {
		c.queue.Append(c.flushOp(t, start, end), t, false)
	}
}

func (c *Controller) flushOp(t TrackType, start, end float64) *Operation {
	return &Operation{
		Label: "flush-" + string(t),
		Execute: func() error {
			tr := c.tracks[t]
			if tr == nil {
				c.queue.ShiftAndExecuteNext(t)
				return nil
			}
			removeStart := math.Max(0, start)
			removeEnd := end
			if d := c.ms.Duration(); !math.IsNaN(d) && d < removeEnd {
				removeEnd = d
			}
			if b := tr.Sink.Buffered(); len(b) == 0 {
				removeEnd = removeStart
			} else if last := b[len(b)-1].End; last < removeEnd {
				removeEnd = last
			}
			if removeEnd > removeStart && tr.state != TrackEnding {
				if err := tr.advance(TrackActive); err != nil {
					return err
				}
				return tr.Sink.Remove(removeStart, removeEnd)
			}
			c.queue.ShiftAndExecuteNext(t)
			return nil
		},
		OnComplete: func() { c.listener.BufferFlushed(t) },
		OnError: func(err error) {
			c.log.Warn("failed to remove from sink", slog.String("track", string(t)), slog.Any("err", err))
		},
	}
}

// TrimBackBuffer removes media further behind currentTime than the back
// buffer length, rounded down to a target duration boundary.
func (c *Controller) TrimBackBuffer(currentTime, targetDuration float64) {
	length := c.cfg.BackBufferLength
	if math.IsInf(length, 0) || length < 0 || targetDuration <= 0 {
		return
	}
	target := math.Floor(currentTime/targetDuration)*targetDuration - math.Max(length, targetDuration)
	for _, t := range c.trackTypes() {
		b := c.Buffered(t)
		if len(b) > 0 && target > b[0].Start {
			c.log.Debug("trimming back buffer", slog.String("track", string(t)), slog.Float64("end", target))
			c.queue.Append(c.flushOp(t, 0, target), t, false)
		}
	}
}

// TrimFrontBuffer drops the last discontiguous range when it starts beyond
// currentTime plus the front buffer flush threshold.
func (c *Controller) TrimFrontBuffer(currentTime float64) {
	threshold := c.cfg.FrontBufferFlushThreshold
	if math.IsInf(threshold, 0) || threshold < 0 {
		return
	}
	for _, t := range c.trackTypes() {
		b := c.Buffered(t)
		if len(b) < 2 {
			continue
		}
		last := b[len(b)-1]
		if last.Start <= currentTime+threshold || (currentTime >= last.Start && currentTime <= last.End) {
			continue
		}
		c.log.Debug("trimming front buffer", slog.String("track", string(t)), slog.Float64("start", last.Start))
		c.queue.Append(c.flushOp(t, last.Start, math.Inf(1)), t, false)
	}
}

// UpdateDuration reflects a refreshed playlist in the media source duration.
func (c *Controller) UpdateDuration(details *media.Details, live bool) {
	if details == nil || len(details.Fragments) == 0 {
		return
	}
	c.blockBuffers(func() {
		if !c.ms.Open() {
			return
		}
		if live && c.cfg.LiveDurationInfinity {
			start := math.Max(0, details.FragmentStart())
			end := math.Max(start, start+details.TotalDuration())
			if !math.IsInf(c.ms.Duration(), 1) {
				c.setDuration(math.Inf(1))
			}
			if err := c.ms.SetLiveSeekableRange(start, end); err != nil {
				c.log.Warn("failed to set seekable range", slog.Any("err", err))
			}
			return
		}
		edge := details.Edge()
		if cur := c.ms.Duration(); math.IsNaN(cur) || math.IsInf(cur, 0) || edge > cur {
			c.setDuration(edge)
		}
	})
}

func (c *Controller) setDuration(d float64) {
	if err := c.ms.SetDuration(d); err != nil {
		c.log.Warn("failed to set duration", slog.Float64("duration", d), slog.Any("err", err))
		return
	}
	c.log.Debug("updated duration", slog.Float64("duration", d))
}

// EndOfStream marks track (or every track for TrackAll) as ending. Once no
// track is active the media source is ended behind blockers on every queue.
func (c *Controller) EndOfStream(track TrackType) {
	types := c.trackTypes()
	if len(types) == 0 {
		return
	}
	c.releaseAudio()
	for _, t := range types {
		tr := c.tracks[t]
		if (track == TrackAll || track == t) && tr.state == TrackActive {
			_ = tr.advance(TrackEnding)
			c.log.Debug("track ending", slog.String("track", string(t)))
		}
	}
	for _, t := range types {
		if c.tracks[t].state == TrackActive {
			return
		}
	}
	c.log.Info("queueing end of stream")
	c.blockBuffers(func() {
		ended := false
		for _, tr := range c.Tracks() {
			switch tr.state {
			case TrackActive:
				// appended again since the request
				return
			case TrackEnding:
				_ = tr.advance(TrackEnded)
				ended = true
			}
		}
		if !ended {
			return
		}
		if !c.ms.Open() {
			c.log.Info("media source not open, skipping end of stream")
			return
		}
		if err := c.ms.EndOfStream(); err != nil {
			c.log.Warn("end of stream failed", slog.Any("err", err))
			return
		}
		c.listener.BufferedToEnd()
	})
}

// blockBuffers runs fn once every track queue is idle, then resumes them.
func (c *Controller) blockBuffers(fn func()) {
	types := c.trackTypes()
	if len(types) == 0 {
		fn()
		return
	}
	blockers := make([]*Future, len(types))
	for i, t := range types {
		blockers[i] = c.queue.AppendBlocker(t)
	}
	WhenAll(blockers...).Then(func() {
		fn()
		for i, t := range types {
			c.queue.Release(t, blockers[i].Operation())
		}
	})
}

// Reset drops every track and queued operation.
func (c *Controller) Reset() {
	c.queue.Reset()
	c.tracks = make(map[TrackType]*Track)
	c.pending = make(map[TrackType]TrackCodec)
	c.expected = 0
	c.gaps = nil
	c.held = nil
	c.lastVideoAppendEnd = 0
}

func (c *Controller) targets(track TrackType) []TrackType {
	if track == TrackAll {
		return c.trackTypes()
	}
	if c.tracks[track] != nil {
		return []TrackType{track}
	}
	return nil
}

func (c *Controller) trackTypes() []TrackType {
	out := make([]TrackType, 0, len(c.tracks))
	for _, t := range trackOrder {
		if c.tracks[t] != nil {
			out = append(out, t)
		}
	}
	return out
}

func (c *Controller) sink(t TrackType) Sink {
	if tr := c.tracks[t]; tr != nil {
		return tr.Sink
	}
	return nil
}
