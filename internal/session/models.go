package session

import (
	"sync"
	"time"

	"hls-abr/internal/media"
	"hls-abr/internal/player"
)

// ID uniquely identifies a playback session.
type ID string

// Session is the server-side state of one client playback: its decision
// core plus the fragments the client is currently loading.
type Session struct {
	ID        ID
	Core      *player.Core
	CreatedAt time.Time
	LastSeen  time.Time
	Ended     bool

	// mu serializes every call into Core.
	mu       sync.Mutex
	playback clientPlayback
	inflight map[fragKey]*inflight
}

func newSession(id ID, core *player.Core, now time.Time) *Session {
	s := &Session{
		ID:        id,
		Core:      core,
		CreatedAt: now,
		LastSeen:  now,
		playback:  clientPlayback{rate: 1},
		inflight:  make(map[fragKey]*inflight),
	}
	core.SetPlayback(&s.playback)
	return s
}

// PlaybackState is the media element state a client reports with each call.
type PlaybackState struct {
	// Buffer is the forward buffer in seconds.
	Buffer *float64 `json:"buffer,omitempty"`
	Rate   *float64 `json:"rate,omitempty"`
	Paused *bool    `json:"paused,omitempty"`
}

// clientPlayback is the last reported media element state.
type clientPlayback struct {
	rate      float64
	paused    bool
	buffer    float64
	hasBuffer bool
}

func (p *clientPlayback) update(st *PlaybackState) {
	if st == nil {
		return
	}
	if st.Buffer != nil {
		p.buffer, p.hasBuffer = *st.Buffer, true
	}
	if st.Rate != nil {
		p.rate = *st.Rate
	}
	if st.Paused != nil {
		p.paused = *st.Paused
	}
}

func (p *clientPlayback) PlaybackRate() float64          { return p.rate }
func (p *clientPlayback) Paused() bool                   { return p.paused }
func (p *clientPlayback) Ready() bool                    { return p.hasBuffer }
func (p *clientPlayback) ForwardBuffer() (float64, bool) { return p.buffer, p.hasBuffer }

type fragKey struct {
	level, sn, part int
}

// inflight is a fragment request the client reported as started. The
// abandon monitor cancels it through AbortRequests; the client learns about
// it from the next progress response.
type inflight struct {
	frag    *media.Segment
	part    *media.Part
	aborted bool
}

func (f *inflight) AbortRequests() { f.aborted = true }

// Level describes one rendition of a session.
type Level struct {
	Index   int    `json:"index"`
	URI     string `json:"uri"`
	Bitrate int    `json:"bitrate"`
	Width   int    `json:"width,omitempty"`
	Height  int    `json:"height,omitempty"`
	Codecs  string `json:"codecs,omitempty"`
}

// Info is returned when a session is created.
type Info struct {
	ID     ID      `json:"id"`
	Levels []Level `json:"levels"`
}

// Decision is the answer to "which level next".
type Decision struct {
	Level       int     `json:"level"`
	Bitrate     int     `json:"bitrate"`
	EstimateBps float64 `json:"estimate_bps"`
}

// LevelInfo summarizes a loaded media playlist.
type LevelInfo struct {
	Level     int     `json:"level"`
	Live      bool    `json:"live"`
	StartSN   int     `json:"start_sn"`
	EndSN     int     `json:"end_sn"`
	Fragments int     `json:"fragments"`
	Duration  float64 `json:"duration"`
}

// FragmentReport identifies a fragment (or part) and its load progress.
type FragmentReport struct {
	Level int `json:"level"`
	SN    int `json:"sn"`
	// Part is the partial segment index, nil for whole fragments.
	Part *int `json:"part,omitempty"`
	// Duration is used when the level playlist was not submitted.
	Duration float64        `json:"duration,omitempty"`
	Loaded   int64          `json:"loaded,omitempty"`
	Total    int64          `json:"total,omitempty"`
	Playback *PlaybackState `json:"playback,omitempty"`
}

func (r FragmentReport) key() fragKey {
	part := -1
	if r.Part != nil {
		part = *r.Part
	}
	return fragKey{level: r.Level, sn: r.SN, part: part}
}

// Progress tells the client whether to cancel its request.
type Progress struct {
	Abort bool `json:"abort"`
	// NextLevel is the level to load instead, -1 when the load continues.
	NextLevel int `json:"next_level"`
}

// ErrorReport is a failure observed by the client.
type ErrorReport struct {
	Type       string `json:"type"`
	Details    string `json:"details"`
	Fatal      bool   `json:"fatal,omitempty"`
	Level      *int   `json:"level,omitempty"`
	SN         *int   `json:"sn,omitempty"`
	Context    string `json:"context,omitempty"`
	Live       bool   `json:"live,omitempty"`
	HTTPStatus int    `json:"http_status,omitempty"`
	MimeType   string `json:"mime_type,omitempty"`
	KeyID      string `json:"key_id,omitempty"`
	Message    string `json:"message,omitempty"`
}

// ActionResult is the recovery verdict returned to the client.
type ActionResult struct {
	Action       string `json:"action"`
	Flags        string `json:"flags,omitempty"`
	RetryCount   int    `json:"retry_count"`
	RetryDelayMs int64  `json:"retry_delay_ms"`
	NextLevel    int    `json:"next_level"`
	Resolved     bool   `json:"resolved"`
}
