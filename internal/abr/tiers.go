package abr

import (
	"math"
	"strings"

	"hls-abr/internal/media"
)

// CodecTier aggregates the renditions that share a codec set.
type CodecTier struct {
	CodecSet       string
	MinBitrate     int
	MinHeight      int
	MinFrameRate   float64
	MinIndex       int
	MaxScore       float64
	VideoRanges    map[media.VideoRange]int
	FragmentErrors int
}

// CodecTiers groups levels[minAuto..maxAuto] by codec set, in first-seen order.
func CodecTiers(levels []*media.Rendition, minAuto, maxAuto int) []*CodecTier {
	var tiers []*CodecTier
	index := make(map[string]*CodecTier)
	for i := max(minAuto, 0); i <= maxAuto && i < len(levels); i++ {
		l := levels[i]
		set := l.CodecSet()
		if set == "" {
			continue
		}
		tier, ok := index[set]
		if !ok {
			tier = &CodecTier{
				CodecSet:     set,
				MinBitrate:   math.MaxInt,
				MinHeight:    math.MaxInt,
				MinFrameRate: math.Inf(1),
				MinIndex:     i,
				VideoRanges:  make(map[media.VideoRange]int),
			}
			index[set] = tier
			tiers = append(tiers, tier)
		}
		tier.MinBitrate = min(tier.MinBitrate, l.Bitrate)
		tier.MinHeight = min(tier.MinHeight, min(l.Width, l.Height))
		tier.MinFrameRate = math.Min(tier.MinFrameRate, l.FrameRate)
		tier.MinIndex = min(tier.MinIndex, i)
		tier.MaxScore = math.Max(tier.MaxScore, l.Score)
		tier.FragmentErrors += l.FragmentErrors()
		tier.VideoRanges[l.Range()]++
	}
	return tiers
}

// StartTier is the codec tier chosen for the first selection.
type StartTier struct {
	CodecSet     string
	VideoRanges  []media.VideoRange
	PreferHDR    bool
	MinFrameRate float64
	MinBitrate   int
	MinIndex     int
}

// Range returns the video range the first selection should match.
func (s StartTier) Range() media.VideoRange {
	if len(s.VideoRanges) == 0 {
		return ""
	}
	if s.PreferHDR {
		return s.VideoRanges[len(s.VideoRanges)-1]
	}
	return s.VideoRanges[0]
}

// codec preference: lower is preferred. Video entries count double.
var videoCodecPreference = map[string]float64{
	"avc1": 1, "avc3": 1,
	"hvc1": 0.85, "hev1": 0.85,
	"dvh1": 0.7, "dvhe": 0.7,
	"av01": 0.8,
	"vp09": 0.9, "vp08": 1,
}

var audioCodecPreference = map[string]float64{
	"mp4a": 1, "ac-3": 0.95, "ec-3": 0.9, "opus": 1, "flac": 0.9, "fLaC": 0.9,
}

func codecSetPreference(set string) float64 {
	var v float64
	for _, fourCC := range strings.Split(set, ",") {
		if p, ok := videoCodecPreference[fourCC]; ok {
			v += 2 * p
			continue
		}
		if p, ok := audioCodecPreference[fourCC]; ok {
			v += p
			continue
		}
		v += 2
	}
	return v
}

func videoSelectionOptions(current media.VideoRange, cfg Config) (bool, []media.VideoRange) {
	var preferHDR bool
	var allowed []media.VideoRange
	if current != "" {
		preferHDR = current != media.VideoRangeSDR
		allowed = []media.VideoRange{current}
	}
	if cfg.PreferHDR || len(cfg.AllowedVideoRanges) > 0 {
		allowed = cfg.AllowedVideoRanges
		if len(allowed) == 0 {
			allowed = media.VideoRanges
		}
		preferHDR = cfg.PreferHDR
		if !preferHDR {
			allowed = []media.VideoRange{media.VideoRangeSDR}
		}
	}
	return preferHDR, allowed
}

// startCodecTier picks the codec set to start with: it must fit the bandwidth,
// a 1080p / 30fps envelope (or the ladder minimum), and the allowed ranges,
// then the best score, codec preference and fewest errors win.
func startCodecTier(tiers []*CodecTier, current media.VideoRange, bw float64, cfg Config) StartTier {
	preferHDR, allowed := videoSelectionOptions(current, cfg)

	minHeight := math.MaxInt
	minFrameRate := math.Inf(1)
	minBitrate := math.MaxInt
	hasRange := false
	for _, t := range tiers {
		minHeight = min(minHeight, t.MinHeight)
		minFrameRate = math.Min(minFrameRate, t.MinFrameRate)
		minBitrate = min(minBitrate, t.MinBitrate)
		for _, r := range allowed {
			if t.VideoRanges[r] > 0 {
				hasRange = true
			}
		}
	}
	if minHeight == math.MaxInt {
		minHeight = 0
	}
	if math.IsInf(minFrameRate, 1) {
		minFrameRate = 0
	}
	maxHeight := max(1080, minHeight)
	maxFrameRate := math.Max(30, minFrameRate)
	if minBitrate == math.MaxInt {
		minBitrate = int(bw)
	}
	bw = math.Max(float64(minBitrate), bw)

	var selected *CodecTier
	var selectedRanges []media.VideoRange
	var selectedScore float64
	for _, t := range tiers {
		var ranges []media.VideoRange
		if hasRange {
			for _, r := range allowed {
				if t.VideoRanges[r] > 0 {
					ranges = append(ranges, r)
				}
			}
			if len(ranges) == 0 {
				continue
			}
		} else {
			for _, r := range media.VideoRanges {
				if t.VideoRanges[r] > 0 {
					ranges = append(ranges, r)
				}
			}
		}
		switch {
		case float64(t.MinBitrate) > bw:
			continue
		case t.MinHeight > maxHeight:
			continue
		case t.MinFrameRate > maxFrameRate:
			continue
		case t.MaxScore < selectedScore:
			continue
		}
		if selected != nil && (codecSetPreference(t.CodecSet) >= codecSetPreference(selected.CodecSet) ||
			t.FragmentErrors > selected.FragmentErrors) {
			continue
		}
		selected = t
		selectedRanges = ranges
		selectedScore = t.MaxScore
	}

	st := StartTier{
		PreferHDR:    preferHDR,
		MinFrameRate: minFrameRate,
		MinBitrate:   minBitrate,
		MinIndex:     -1,
	}
	if selected != nil {
		st.CodecSet = selected.CodecSet
		st.VideoRanges = selectedRanges
		st.MinIndex = selected.MinIndex
	}
	return st
}
