package media

import (
	"errors"
	"fmt"
	"time"
)

// PlaylistType identifies which playlist a fragment belongs to.
type PlaylistType string

const (
	PlaylistMain     PlaylistType = "main"
	PlaylistAudio    PlaylistType = "audio"
	PlaylistSubtitle PlaylistType = "subtitle"
)

// InitSN is the sequence number used for initialization segments.
const InitSN = -1

// FragState is the load lifecycle of a segment.
type FragState int

const (
	FragNotLoaded FragState = iota
	FragLoading
	FragLoaded
	FragParsed
	FragBuffered
	FragAborted
)

func (s FragState) String() string {
	switch s {
	case FragNotLoaded:
		return "not-loaded"
	case FragLoading:
		return "loading"
	case FragLoaded:
		return "loaded"
	case FragParsed:
		return "parsed"
	case FragBuffered:
		return "buffered"
	case FragAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// ErrIllegalTransition is returned by Segment.Advance for moves the lifecycle forbids.
var ErrIllegalTransition = errors.New("illegal fragment state transition")

var fragTransitions = map[FragState][]FragState{
	FragNotLoaded: {FragLoading},
	FragLoading:   {FragLoaded, FragAborted},
	FragLoaded:    {FragParsed, FragAborted},
	FragParsed:    {FragBuffered, FragAborted},
	FragBuffered:  {FragLoading},
	FragAborted:   {FragLoading},
}

// LoadStats carries the timing of a single request.
type LoadStats struct {
	LoadingStart time.Time
	LoadingFirst time.Time
	LoadingEnd   time.Time
	ParsingEnd   time.Time
	Loaded       int64
	Total        int64
	Aborted      bool
	BwEstimate   float64
}

// TTFB returns first-byte latency, or -1 when no byte has arrived.
func (s *LoadStats) TTFB() time.Duration {
	if s.LoadingFirst.IsZero() || s.LoadingStart.IsZero() {
		return -1
	}
	return s.LoadingFirst.Sub(s.LoadingStart)
}

// Complete reports whether every expected byte has been received.
func (s *LoadStats) Complete() bool {
	return s.Loaded > 0 && s.Loaded == s.Total
}

// Aborter cancels the network requests behind an in-flight load.
type Aborter interface {
	AbortRequests()
}

// Segment is a fragment of one rendition's timeline.
type Segment struct {
	SN          int
	CC          int
	Level       int
	Type        PlaylistType
	URI         string
	Start       float64
	Duration    float64
	ByteSize    int64
	KeyID       string
	Gap         bool
	BitrateTest bool
	Bitrate     int // per-segment bitrate hint (EXT-X-BITRATE), bits/s
	Stats       LoadStats

	state FragState
}

// End is Start + Duration.
func (s *Segment) End() float64 { return s.Start + s.Duration }

// IsInit reports whether the segment is an initialization segment.
func (s *Segment) IsInit() bool { return s.SN == InitSN }

// State returns the lifecycle state.
func (s *Segment) State() FragState { return s.state }

// Advance moves the segment to next, rejecting transitions outside the lifecycle.
// Moving to FragLoading resets the load stats.
func (s *Segment) Advance(next FragState) error {
	for _, allowed := range fragTransitions[s.state] {
		if allowed == next {
			if next == FragLoading {
				s.Stats = LoadStats{}
			}
			if next == FragAborted {
				s.Stats.Aborted = true
			}
			s.state = next
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s (sn %d)", ErrIllegalTransition, s.state, next, s.SN)
}

// Part is a partial segment (LL-HLS).
type Part struct {
	Frag     *Segment
	Index    int
	Start    float64
	Duration float64
	Gap      bool
	Stats    LoadStats
}

// End is Start + Duration.
func (p *Part) End() float64 { return p.Start + p.Duration }

// Details is a parsed media playlist.
type Details struct {
	Live           bool
	TargetDuration float64
	PartTarget     float64
	StartSN        int
	EndSN          int
	Fragments      []*Segment
}

// TotalDuration is the sum of fragment durations.
func (d *Details) TotalDuration() float64 {
	var total float64
	for _, f := range d.Fragments {
		total += f.Duration
	}
	return total
}

// Edge returns the end time of the last fragment.
func (d *Details) Edge() float64 {
	if len(d.Fragments) == 0 {
		return 0
	}
	return d.Fragments[len(d.Fragments)-1].End()
}

// FragmentStart returns the start time of the first fragment.
func (d *Details) FragmentStart() float64 {
	if len(d.Fragments) == 0 {
		return 0
	}
	return d.Fragments[0].Start
}

// AverageTargetDuration is the mean fragment duration, or TargetDuration for empty playlists.
func (d *Details) AverageTargetDuration() float64 {
	if len(d.Fragments) == 0 {
		return d.TargetDuration
	}
	return d.TotalDuration() / float64(len(d.Fragments))
}
