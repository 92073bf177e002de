package buffer

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"testing"

	"hls-abr/internal/media"
	"hls-abr/internal/recovery"
)

type fakeSink struct {
	mime       string
	buffered   media.TimeRanges
	updating   bool
	calls      []string
	removing   *media.TimeRange
	onComplete func(error)
}

func (s *fakeSink) AppendBuffer(data []byte) error {
	if s.updating {
		return ErrSinkBusy
	}
	s.updating = true
	s.calls = append(s.calls, "append:"+string(data))
	return nil
}

func (s *fakeSink) Remove(start, end float64) error {
	if s.updating {
		return ErrSinkBusy
	}
	s.updating = true
	s.removing = &media.TimeRange{Start: start, End: end}
	s.calls = append(s.calls, fmt.Sprintf("remove:%g-%g", start, end))
	return nil
}

func (s *fakeSink) ChangeType(mimeType string) error {
	s.mime = mimeType
	s.calls = append(s.calls, "changeType:"+mimeType)
	return nil
}

func (s *fakeSink) Buffered() media.TimeRanges { return s.buffered }
func (s *fakeSink) Updating() bool             { return s.updating }

// done finishes the in-flight mutation.
func (s *fakeSink) done(err error) {
	s.updating = false
	if err == nil && s.removing != nil {
		s.buffered = s.buffered.Remove(s.removing.Start, s.removing.End)
	}
	s.removing = nil
	s.onComplete(err)
}

// appended finishes an append that buffered [start, end).
func (s *fakeSink) appended(start, end float64) {
	s.buffered = s.buffered.Add(start, end)
	s.done(nil)
}

type fakeMediaSource struct {
	closed   bool
	duration float64
	seekable [2]float64
	ended    int
	reject   map[string]error
	sinks    []*fakeSink
}

func newFakeMediaSource() *fakeMediaSource {
	return &fakeMediaSource{duration: math.NaN()}
}

func (m *fakeMediaSource) AddSink(mimeType string, onComplete func(error)) (Sink, error) {
	if err := m.reject[mimeType]; err != nil {
		return nil, err
	}
	s := &fakeSink{mime: mimeType, onComplete: onComplete}
	m.sinks = append(m.sinks, s)
	return s, nil
}

func (m *fakeMediaSource) Duration() float64 { return m.duration }

func (m *fakeMediaSource) SetDuration(d float64) error {
	m.duration = d
	return nil
}

func (m *fakeMediaSource) SetLiveSeekableRange(start, end float64) error {
	m.seekable = [2]float64{start, end}
	return nil
}

func (m *fakeMediaSource) EndOfStream() error {
	m.ended++
	return nil
}

func (m *fakeMediaSource) Open() bool { return !m.closed }

type recordingListener struct {
	created  [][]TrackType
	appended []AppendResult
	flushed  []TrackType
	toEnd    int
	errors   []*recovery.ErrorEvent
}

func (l *recordingListener) BufferCreated(tracks []TrackType)    { l.created = append(l.created, tracks) }
func (l *recordingListener) BufferAppended(res AppendResult)     { l.appended = append(l.appended, res) }
func (l *recordingListener) BufferFlushed(track TrackType)       { l.flushed = append(l.flushed, track) }
func (l *recordingListener) BufferedToEnd()                      { l.toEnd++ }
func (l *recordingListener) BufferError(ev *recovery.ErrorEvent) { l.errors = append(l.errors, ev) }

var (
	videoCodec = TrackCodec{Container: "video/mp4", Codec: "avc1.42e01e"}
	audioCodec = TrackCodec{Container: "audio/mp4", Codec: "mp4a.40.2"}
)

func newTestController(t *testing.T, cfg Config, tracks ...TrackType) (*Controller, *fakeMediaSource, *recordingListener) {
	t.Helper()
	ms := newFakeMediaSource()
	c := NewController(cfg, ms, nil)
	l := &recordingListener{}
	c.SetListener(l)
	codecs := make(map[TrackType]TrackCodec)
	for _, tr := range tracks {
		switch tr {
		case TrackAudio:
			codecs[tr] = audioCodec
		default:
			codecs[tr] = videoCodec
		}
	}
	c.OnCodecs(codecs)
	if len(c.Tracks()) != len(tracks) {
		t.Fatalf("created %d tracks, want %d", len(c.Tracks()), len(tracks))
	}
	return c, ms, l
}

func sinkOf(t *testing.T, c *Controller, tr TrackType) *fakeSink {
	t.Helper()
	track := c.Track(tr)
	if track == nil {
		t.Fatalf("no %s track", tr)
	}
	return track.Sink.(*fakeSink)
}

func videoData(sn int, start, dur float64) AppendData {
	return AppendData{
		Track: TrackVideo,
		Frag:  &media.Segment{SN: sn, Type: media.PlaylistMain, Start: start, Duration: dur},
		Data:  []byte(fmt.Sprintf("v%d", sn)),
	}
}

func altAudioData(sn int, start, dur float64) AppendData {
	return AppendData{
		Track: TrackAudio,
		Frag:  &media.Segment{SN: sn, Type: media.PlaylistAudio, Start: start, Duration: dur},
		Data:  []byte(fmt.Sprintf("a%d", sn)),
	}
}

func TestController_creates_sinks_once_all_tracks_are_known(t *testing.T) {
	ms := newFakeMediaSource()
	c := NewController(DefaultConfig(), ms, nil)
	l := &recordingListener{}
	c.SetListener(l)
	c.ExpectTracks(2)

	c.OnCodecs(map[TrackType]TrackCodec{TrackVideo: videoCodec})
	c.Append(videoData(1, 0, 4))
	if len(ms.sinks) != 0 {
		t.Fatal("sink created before every track was announced")
	}

	c.OnCodecs(map[TrackType]TrackCodec{TrackAudio: audioCodec})
	if len(l.created) != 1 || !reflect.DeepEqual(l.created[0], []TrackType{TrackVideo, TrackAudio}) {
		t.Fatalf("created = %v", l.created)
	}
	if got := sinkOf(t, c, TrackVideo).mime; got != `video/mp4;codecs="avc1.42e01e"` {
		t.Errorf("video mime = %s", got)
	}
	if got := sinkOf(t, c, TrackVideo).calls; !reflect.DeepEqual(got, []string{"append:v1"}) {
		t.Errorf("pending append not flushed after creation: %v", got)
	}
}

func TestController_waits_for_open_media_source(t *testing.T) {
	ms := newFakeMediaSource()
	ms.closed = true
	c := NewController(DefaultConfig(), ms, nil)
	c.OnCodecs(map[TrackType]TrackCodec{TrackVideo: videoCodec})
	if len(ms.sinks) != 0 {
		t.Fatal("sink created on a closed media source")
	}
	ms.closed = false
	c.MediaSourceOpened()
	if c.Track(TrackVideo) == nil {
		t.Error("sink not created once the media source opened")
	}
}

func TestController_appends_in_fifo_order(t *testing.T) {
	c, _, l := newTestController(t, DefaultConfig(), TrackVideo)
	sink := sinkOf(t, c, TrackVideo)

	for sn := 1; sn <= 3; sn++ {
		c.Append(videoData(sn, float64(sn-1)*4, 4))
	}
	if !reflect.DeepEqual(sink.calls, []string{"append:v1"}) {
		t.Fatalf("more than one mutation in flight: %v", sink.calls)
	}
	for sn := 1; sn <= 3; sn++ {
		sink.appended(float64(sn-1)*4, float64(sn)*4)
	}

	if want := []string{"append:v1", "append:v2", "append:v3"}; !reflect.DeepEqual(sink.calls, want) {
		t.Errorf("calls = %v, want %v", sink.calls, want)
	}
	if len(l.appended) != 3 {
		t.Fatalf("appended = %d, want 3", len(l.appended))
	}
	for i, res := range l.appended {
		if res.Frag.SN != i+1 {
			t.Errorf("append %d reported SN %d", i, res.Frag.SN)
		}
	}
	last := l.appended[2].Buffered[TrackVideo]
	if last.Len() != 1 || last[0].End != 12 {
		t.Errorf("buffered = %v, want [0,12)", last)
	}
	if info := c.BufferInfo(5); info.Len != 7 {
		t.Errorf("BufferInfo(5).Len = %v, want 7", info.Len)
	}
}

func TestController_holds_alternate_audio_until_video(t *testing.T) {
	c, _, _ := newTestController(t, DefaultConfig(), TrackVideo, TrackAudio)
	video, audio := sinkOf(t, c, TrackVideo), sinkOf(t, c, TrackAudio)

	c.Append(altAudioData(1, 0, 4))
	if !c.AudioHeld() {
		t.Fatal("audio ahead of video was not held")
	}
	if len(audio.calls) != 0 {
		t.Fatalf("held audio reached the sink: %v", audio.calls)
	}

	c.Append(videoData(1, 0, 4))
	if !reflect.DeepEqual(video.calls, []string{"append:v1"}) {
		t.Fatalf("video calls = %v", video.calls)
	}
	if len(audio.calls) != 0 {
		t.Fatal("audio released before video finished appending")
	}

	video.appended(0, 4)
	if c.AudioHeld() {
		t.Error("hold not released after video passed the audio start")
	}
	if !reflect.DeepEqual(audio.calls, []string{"append:a1"}) {
		t.Errorf("audio calls = %v, want [append:a1]", audio.calls)
	}
}

func TestController_does_not_hold_audio_behind_video(t *testing.T) {
	c, _, _ := newTestController(t, DefaultConfig(), TrackVideo, TrackAudio)
	video, audio := sinkOf(t, c, TrackVideo), sinkOf(t, c, TrackAudio)
	c.Append(videoData(1, 0, 4))
	video.appended(0, 4)

	c.Append(altAudioData(1, 0, 4))
	if c.AudioHeld() || len(audio.calls) != 1 {
		t.Errorf("audio already covered by video was held: held=%v calls=%v", c.AudioHeld(), audio.calls)
	}
}

func TestController_releases_held_audio(t *testing.T) {
	tests := []struct {
		name    string
		release func(c *Controller)
	}{
		{"gap", func(c *Controller) { c.RecordGap(0, 4) }},
		{"flush", func(c *Controller) { c.Flush(TrackAll, 0, math.Inf(1)) }},
		{"end of stream", func(c *Controller) { c.EndOfStream(TrackAll) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _, _ := newTestController(t, DefaultConfig(), TrackVideo, TrackAudio)
			audio := sinkOf(t, c, TrackAudio)
			c.Append(altAudioData(1, 0, 4))
			if !c.AudioHeld() {
				t.Fatal("audio not held")
			}
			tt.release(c)
			if c.AudioHeld() {
				t.Error("hold still active")
			}
			if len(audio.calls) == 0 || audio.calls[0] != "append:a1" {
				t.Errorf("audio calls = %v, want the held append first", audio.calls)
			}
		})
	}
}

func TestController_quota_exceeded_is_fatal(t *testing.T) {
	c, _, l := newTestController(t, DefaultConfig(), TrackVideo)
	sink := sinkOf(t, c, TrackVideo)
	c.Append(videoData(7, 24, 4))
	sink.done(fmt.Errorf("append: %w", ErrQuotaExceeded))

	if len(l.errors) != 1 {
		t.Fatalf("errors = %d, want 1", len(l.errors))
	}
	ev := l.errors[0]
	if ev.Details != recovery.BufferFullError || !ev.Fatal || ev.SinkName != "video" {
		t.Fatalf("event = %+v", ev)
	}

	levels, err := media.NewLevelSet([]*media.Rendition{{Bitrate: 1_000_000}})
	if err != nil {
		t.Fatal(err)
	}
	_, err = recovery.NewController(recovery.DefaultConfig(), levels, nil, nil).Handle(ev)
	if !errors.Is(err, recovery.ErrFatal) {
		t.Errorf("recovery of a full buffer: got %v, want ErrFatal", err)
	}
}

func TestController_append_errors_become_fatal(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AppendErrorMaxRetry = 3
	c, _, l := newTestController(t, cfg, TrackVideo)
	sink := sinkOf(t, c, TrackVideo)

	for sn := 1; sn <= 3; sn++ {
		c.Append(videoData(sn, 0, 4))
		sink.done(errors.New("decode failure"))
	}
	if len(l.errors) != 3 {
		t.Fatalf("errors = %d, want 3", len(l.errors))
	}
	for i, ev := range l.errors {
		if ev.Details != recovery.BufferAppendError {
			t.Errorf("error %d details = %s", i, ev.Details)
		}
		if want := i == 2; ev.Fatal != want {
			t.Errorf("error %d fatal = %v, want %v", i, ev.Fatal, want)
		}
	}

	// a success resets the streak
	c.Append(videoData(4, 0, 4))
	sink.appended(0, 4)
	c.Append(videoData(5, 4, 4))
	sink.done(errors.New("decode failure"))
	if last := l.errors[len(l.errors)-1]; last.Fatal {
		t.Error("streak not reset by a successful append")
	}
}

func TestController_removed_last_sink_is_resolved(t *testing.T) {
	c, _, l := newTestController(t, DefaultConfig(), TrackVideo)
	sink := sinkOf(t, c, TrackVideo)
	c.Append(videoData(1, 0, 4))
	sink.done(ErrSinkRemoved)

	if len(l.errors) != 1 || l.errors[0].Action == nil {
		t.Fatalf("errors = %+v, want one with a supplied action", l.errors)
	}
	if a := l.errors[0].Action; a.Action != recovery.ActionDoNothing || !a.Resolved {
		t.Errorf("action = %+v, want resolved do-nothing", a)
	}
	if c.Track(TrackVideo) != nil {
		t.Error("removed track still registered")
	}
}

func TestController_end_of_stream(t *testing.T) {
	c, ms, l := newTestController(t, DefaultConfig(), TrackVideo, TrackAudio)

	c.EndOfStream(TrackVideo)
	if ms.ended != 0 {
		t.Fatal("media source ended while audio is active")
	}
	if got := c.Track(TrackVideo).State(); got != TrackEnding {
		t.Errorf("video state = %s, want ending", got)
	}

	c.EndOfStream(TrackAudio)
	if ms.ended != 1 || l.toEnd != 1 {
		t.Fatalf("ended=%d toEnd=%d, want 1 and 1", ms.ended, l.toEnd)
	}
	for _, tr := range c.Tracks() {
		if tr.State() != TrackEnded {
			t.Errorf("%s state = %s, want ended", tr.Type, tr.State())
		}
	}

	c.Append(videoData(9, 32, 4))
	if got := c.Track(TrackVideo).State(); got != TrackActive {
		t.Errorf("video state after append = %s, want active", got)
	}
}

func TestController_end_of_stream_waits_for_inflight_append(t *testing.T) {
	c, ms, l := newTestController(t, DefaultConfig(), TrackVideo, TrackAudio)
	video := sinkOf(t, c, TrackVideo)
	c.Append(videoData(1, 0, 4))

	c.EndOfStream(TrackAll)
	if ms.ended != 0 {
		t.Fatal("ended while an append was in flight")
	}
	video.appended(0, 4)
	if ms.ended != 1 || l.toEnd != 1 {
		t.Errorf("ended=%d toEnd=%d after the append finished", ms.ended, l.toEnd)
	}
	if c.Queue().Len(TrackVideo) != 0 || c.Queue().Len(TrackAudio) != 0 {
		t.Error("blockers left in the queues")
	}
}

func TestController_end_of_stream_skips_closed_source(t *testing.T) {
	c, ms, l := newTestController(t, DefaultConfig(), TrackVideo)
	ms.closed = true
	c.EndOfStream(TrackAll)
	if ms.ended != 0 || l.toEnd != 0 {
		t.Errorf("ended=%d toEnd=%d on a closed source", ms.ended, l.toEnd)
	}
}

func TestTrack_transitions(t *testing.T) {
	tr := &Track{Type: TrackVideo}
	if err := tr.advance(TrackEnded); !errors.Is(err, ErrIllegalTrackTransition) {
		t.Errorf("active -> ended: got %v, want ErrIllegalTrackTransition", err)
	}
	for _, next := range []TrackState{TrackEnding, TrackEnded, TrackActive, TrackEnding, TrackActive} {
		if err := tr.advance(next); err != nil {
			t.Fatalf("-> %s: %v", next, err)
		}
	}
}

func TestController_TrimBackBuffer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BackBufferLength = 10
	c, _, l := newTestController(t, cfg, TrackVideo)
	sink := sinkOf(t, c, TrackVideo)
	sink.buffered = media.TimeRanges{{Start: 0, End: 60}}

	// floor(45/4)*4 - max(10, 4) = 34
	c.TrimBackBuffer(45, 4)
	if !reflect.DeepEqual(sink.calls, []string{"remove:0-34"}) {
		t.Fatalf("calls = %v", sink.calls)
	}
	sink.done(nil)
	if sink.buffered[0].Start != 34 || !reflect.DeepEqual(l.flushed, []TrackType{TrackVideo}) {
		t.Errorf("buffered=%v flushed=%v", sink.buffered, l.flushed)
	}

	unlimited, _, _ := newTestController(t, DefaultConfig(), TrackVideo)
	s := sinkOf(t, unlimited, TrackVideo)
	s.buffered = media.TimeRanges{{Start: 0, End: 60}}
	unlimited.TrimBackBuffer(45, 4)
	if len(s.calls) != 0 {
		t.Errorf("infinite back buffer trimmed: %v", s.calls)
	}
}

func TestController_TrimFrontBuffer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FrontBufferFlushThreshold = 20
	c, _, _ := newTestController(t, cfg, TrackVideo)
	sink := sinkOf(t, c, TrackVideo)
	sink.buffered = media.TimeRanges{{Start: 0, End: 10}, {Start: 50, End: 60}}

	c.TrimFrontBuffer(40)
	if len(sink.calls) != 0 {
		t.Fatalf("range within threshold flushed: %v", sink.calls)
	}
	c.TrimFrontBuffer(5)
	if !reflect.DeepEqual(sink.calls, []string{"remove:50-60"}) {
		t.Errorf("calls = %v, want [remove:50-60]", sink.calls)
	}
}

func TestController_flush_skips_empty_and_ending_tracks(t *testing.T) {
	c, _, l := newTestController(t, DefaultConfig(), TrackVideo, TrackAudio)
	video := sinkOf(t, c, TrackVideo)
	video.buffered = media.TimeRanges{{Start: 0, End: 8}}

	c.Flush(TrackAll, 0, math.Inf(1))
	if !reflect.DeepEqual(video.calls, []string{"remove:0-8"}) {
		t.Fatalf("video calls = %v", video.calls)
	}
	if len(sinkOf(t, c, TrackAudio).calls) != 0 {
		t.Error("empty audio sink received a remove")
	}
	video.done(nil)
	if !reflect.DeepEqual(l.flushed, []TrackType{TrackVideo}) {
		t.Errorf("flushed = %v", l.flushed)
	}
}

func TestController_codec_change_queues_change_type(t *testing.T) {
	c, _, _ := newTestController(t, DefaultConfig(), TrackVideo)
	sink := sinkOf(t, c, TrackVideo)

	c.OnCodecs(map[TrackType]TrackCodec{TrackVideo: {Container: "video/mp4", Codec: "avc1.640028"}})
	if len(sink.calls) != 0 {
		t.Fatalf("profile change triggered %v", sink.calls)
	}

	c.Append(videoData(1, 0, 4))
	c.OnCodecs(map[TrackType]TrackCodec{TrackVideo: {Container: "video/mp4", Codec: "hvc1.1.6.L93.90"}})
	if len(sink.calls) != 1 {
		t.Fatalf("change-type ran while an append was in flight: %v", sink.calls)
	}
	sink.appended(0, 4)
	c.Append(videoData(2, 4, 4))

	want := []string{"append:v1", `changeType:video/mp4;codecs="hvc1.1.6.L93.90"`, "append:v2"}
	if !reflect.DeepEqual(sink.calls, want) {
		t.Errorf("calls = %v\nwant %v", sink.calls, want)
	}
	if c.Track(TrackVideo).Codec.Codec != "hvc1.1.6.L93.90" {
		t.Error("track codec not updated")
	}
}

func TestController_sink_creation_failures(t *testing.T) {
	ms := newFakeMediaSource()
	ms.reject = map[string]error{audioCodec.MimeType(): errors.New("unsupported")}
	c := NewController(DefaultConfig(), ms, nil)
	l := &recordingListener{}
	c.SetListener(l)

	c.OnCodecs(map[TrackType]TrackCodec{TrackVideo: videoCodec, TrackAudio: audioCodec})
	if len(l.errors) != 1 {
		t.Fatalf("errors = %d, want 1", len(l.errors))
	}
	ev := l.errors[0]
	if ev.Details != recovery.BufferAddCodecError || ev.Fatal || ev.SinkName != "audio" || ev.MimeType != audioCodec.MimeType() {
		t.Errorf("event = %+v", ev)
	}
	if c.Track(TrackVideo) == nil || c.Track(TrackAudio) != nil {
		t.Error("wrong tracks created")
	}

	ms2 := newFakeMediaSource()
	ms2.reject = map[string]error{videoCodec.MimeType(): errors.New("unsupported")}
	c2 := NewController(DefaultConfig(), ms2, nil)
	l2 := &recordingListener{}
	c2.SetListener(l2)
	c2.OnCodecs(map[TrackType]TrackCodec{TrackVideo: videoCodec})
	if len(l2.errors) != 2 {
		t.Fatalf("errors = %d, want 2", len(l2.errors))
	}
	if last := l2.errors[1]; last.Details != recovery.BufferIncompatibleCodecs || !last.Fatal {
		t.Errorf("event = %+v, want fatal incompatible codecs", last)
	}
}

func TestController_UpdateDuration(t *testing.T) {
	details := &media.Details{Fragments: []*media.Segment{
		{SN: 0, Start: 0, Duration: 4},
		{SN: 1, Start: 4, Duration: 4},
	}}

	c, ms, _ := newTestController(t, DefaultConfig(), TrackVideo)
	c.UpdateDuration(details, false)
	if ms.duration != 8 {
		t.Errorf("duration = %v, want 8", ms.duration)
	}
	ms.duration = 20
	c.UpdateDuration(details, false)
	if ms.duration != 20 {
		t.Errorf("duration shrank to %v", ms.duration)
	}

	cfg := DefaultConfig()
	cfg.LiveDurationInfinity = true
	live, lms, _ := newTestController(t, cfg, TrackVideo)
	live.UpdateDuration(details, true)
	if !math.IsInf(lms.duration, 1) || lms.seekable != [2]float64{0, 8} {
		t.Errorf("duration=%v seekable=%v, want +Inf and [0 8]", lms.duration, lms.seekable)
	}
}

func TestController_UpdateDuration_waits_for_queues(t *testing.T) {
	details := &media.Details{Fragments: []*media.Segment{{SN: 0, Start: 0, Duration: 6}}}
	c, ms, _ := newTestController(t, DefaultConfig(), TrackVideo)
	sink := sinkOf(t, c, TrackVideo)
	c.Append(videoData(1, 0, 6))

	c.UpdateDuration(details, false)
	if !math.IsNaN(ms.duration) {
		t.Fatal("duration changed while the sink was updating")
	}
	sink.appended(0, 6)
	if ms.duration != 6 {
		t.Errorf("duration = %v, want 6", ms.duration)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"negative back buffer", func(c *Config) { c.BackBufferLength = -1 }, false},
		{"zero append retries", func(c *Config) { c.AppendErrorMaxRetry = 0 }, false},
		{"negative hole", func(c *Config) { c.MaxBufferHole = -0.1 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok && err != nil {
				t.Errorf("unexpected error %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}
