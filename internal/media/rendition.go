package media

import (
	"strings"
)

// VideoRange is the dynamic-range class of a rendition (EXT-X-STREAM-INF VIDEO-RANGE).
type VideoRange string

const (
	VideoRangeSDR VideoRange = "SDR"
	VideoRangePQ  VideoRange = "PQ"
	VideoRangeHLG VideoRange = "HLG"
)

// VideoRanges lists the known ranges from least to most capable.
var VideoRanges = []VideoRange{VideoRangeSDR, VideoRangePQ, VideoRangeHLG}

// HDCPLevel is the output protection required by a rendition.
type HDCPLevel string

const (
	HDCPNone  HDCPLevel = "NONE"
	HDCPType0 HDCPLevel = "TYPE-0"
	HDCPType1 HDCPLevel = "TYPE-1"
)

// HDCPLevels is ordered from least to most restrictive. The empty level means
// "no cap" when used as a maximum.
var HDCPLevels = []HDCPLevel{HDCPNone, HDCPType0, HDCPType1}

// HDCPRank returns the position of l in HDCPLevels, or -1 for unknown/empty.
func HDCPRank(l HDCPLevel) int {
	for i, v := range HDCPLevels {
		if v == l {
			return i
		}
	}
	return -1
}

// LoadedTotals accumulates bytes and media seconds loaded for a rendition.
// It backs the measured ("real") bitrate.
type LoadedTotals struct {
	Bytes    int64
	Duration float64
}

// Rendition is one quality variant of the content (a "level").
//
// Error counters are owned by the rendition and only change through the
// Record*/Reset* methods so the invariants live in one place.
type Rendition struct {
	URI            string
	Name           string
	Bitrate        int     // max bitrate, bits/s (BANDWIDTH)
	AverageBitrate int     // AVERAGE-BANDWIDTH, falls back to Bitrate
	RealBitrate    int     // measured from loaded fragments when enabled
	Width          int
	Height         int
	FrameRate      float64
	VideoCodec     string
	AudioCodec     string
	VideoRange     VideoRange
	HDCPLevel      HDCPLevel
	Score          float64
	AudioGroups    []string
	SubtitleGroups []string
	KeyIDs         []string

	// Details is the parsed media playlist; nil until loaded.
	Details *Details
	Loaded  LoadedTotals

	loadError     int
	fragmentError int
}

// MaxBitrate returns the bitrate used for worst-case fetch estimates.
func (r *Rendition) MaxBitrate() int {
	if r.RealBitrate > r.Bitrate {
		return r.RealBitrate
	}
	return r.Bitrate
}

// AvgBitrate returns AVERAGE-BANDWIDTH if advertised, otherwise the max bitrate.
func (r *Rendition) AvgBitrate() int {
	if r.AverageBitrate > 0 {
		return r.AverageBitrate
	}
	return r.MaxBitrate()
}

// CodecSet is the compatibility key of the rendition: the video and audio
// sample-entry fourCCs joined by a comma ("avc1,mp4a").
func (r *Rendition) CodecSet() string {
	parts := make([]string, 0, 2)
	if v := fourCC(r.VideoCodec); v != "" {
		parts = append(parts, v)
	}
	if a := fourCC(r.AudioCodec); a != "" {
		parts = append(parts, a)
	}
	return strings.Join(parts, ",")
}

// Range returns the video range, treating unset as SDR.
func (r *Rendition) Range() VideoRange {
	if r.VideoRange == "" {
		return VideoRangeSDR
	}
	return r.VideoRange
}

// HasAudioGroup reports whether the rendition references the audio group id.
func (r *Rendition) HasAudioGroup(id string) bool { return contains(r.AudioGroups, id) }

// HasSubtitleGroup reports whether the rendition references the subtitle group id.
func (r *Rendition) HasSubtitleGroup(id string) bool { return contains(r.SubtitleGroups, id) }

// HasKey reports whether the rendition is encrypted with the given key id.
func (r *Rendition) HasKey(id string) bool { return id != "" && contains(r.KeyIDs, id) }

// LoadErrors returns the playlist/level load error streak.
func (r *Rendition) LoadErrors() int { return r.loadError }

// FragmentErrors returns the fragment error streak.
func (r *Rendition) FragmentErrors() int { return r.fragmentError }

// HasErrors reports whether either error streak is active.
func (r *Rendition) HasErrors() bool { return r.loadError > 0 || r.fragmentError > 0 }

func (r *Rendition) RecordLoadError()     { r.loadError++ }
func (r *Rendition) RecordFragmentError() { r.fragmentError++ }
func (r *Rendition) ResetLoadErrors()     { r.loadError = 0 }
func (r *Rendition) ResetFragmentErrors() { r.fragmentError = 0 }

// ResetErrors clears both streaks.
func (r *Rendition) ResetErrors() {
	r.loadError = 0
	r.fragmentError = 0
}

// RecordLoaded folds a loaded fragment into the measured bitrate.
func (r *Rendition) RecordLoaded(bytes int64, duration float64) {
	r.Loaded.Bytes += bytes
	r.Loaded.Duration += duration
	if r.Loaded.Duration > 0 {
		r.RealBitrate = int(float64(8*r.Loaded.Bytes)/r.Loaded.Duration + 0.5)
	}
}

func fourCC(codec string) string {
	codec = strings.TrimSpace(codec)
	if i := strings.IndexByte(codec, '.'); i >= 0 {
		codec = codec[:i]
	}
	return codec
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
