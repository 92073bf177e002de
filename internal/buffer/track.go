package buffer

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// TrackType names a sink.
type TrackType string

const (
	TrackAudio      TrackType = "audio"
	TrackVideo      TrackType = "video"
	TrackAudioVideo TrackType = "audiovideo"
	// TrackAll addresses every track in Flush and EndOfStream.
	TrackAll TrackType = ""
)

// trackOrder fixes iteration order over tracks.
var trackOrder = []TrackType{TrackVideo, TrackAudio, TrackAudioVideo}

// TrackState is the end-of-stream lifecycle of a sink.
type TrackState int

const (
	TrackActive TrackState = iota
	TrackEnding
	TrackEnded
)

func (s TrackState) String() string {
	switch s {
	case TrackActive:
		return "active"
	case TrackEnding:
		return "ending"
	case TrackEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// ErrIllegalTrackTransition is returned for moves the track lifecycle forbids.
var ErrIllegalTrackTransition = errors.New("illegal track state transition")

var trackTransitions = map[TrackState][]TrackState{
	TrackActive: {TrackEnding},
	TrackEnding: {TrackEnded, TrackActive},
	TrackEnded:  {TrackActive},
}

// TrackCodec describes the content of a track.
type TrackCodec struct {
	ID        string
	Container string // e.g. video/mp4
	Codec     string // e.g. avc1.64001f
	// LevelCodec is the codec declared by the playlist, used when the
	// demuxer could not report a complete one.
	LevelCodec string
}

// FullCodec picks the more complete of Codec and LevelCodec.
func (c TrackCodec) FullCodec() string {
	if c.Codec == "" {
		return c.LevelCodec
	}
	if len(c.LevelCodec) > len(c.Codec) && fourCC(c.LevelCodec) == fourCC(c.Codec) {
		return c.LevelCodec
	}
	return c.Codec
}

// MimeType is the sink mime type for the track.
func (c TrackCodec) MimeType() string {
	return fmt.Sprintf("%s;codecs=\"%s\"", c.Container, c.FullCodec())
}

var videoProfile = regexp.MustCompile(`(avc[1234]|hvc1|hev1|dvh[1e]|vp09|av01)(?:\.[^.,]+)+`)

// codecFamily drops video profile suffixes so that a profile change within
// one codec does not require a type change.
func codecFamily(codec string) string {
	return videoProfile.ReplaceAllString(codec, "$1")
}

func fourCC(codec string) string {
	name, _, _ := strings.Cut(codec, ".")
	return name
}

// Track is one created sink and its lifecycle state.
type Track struct {
	Type  TrackType
	Codec TrackCodec
	Sink  Sink

	state        TrackState
	appendErrors int
}

// State returns the end-of-stream state.
func (t *Track) State() TrackState { return t.state }

func (t *Track) advance(next TrackState) error {
	if t.state == next {
		return nil
	}
	for _, allowed := range trackTransitions[t.state] {
		if allowed == next {
			t.state = next
			return nil
		}
	}
	return fmt.Errorf("%w: %s %s -> %s", ErrIllegalTrackTransition, t.Type, t.state, next)
}
