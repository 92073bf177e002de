package playlist

import (
	"fmt"
	"math"

	"github.com/grafov/m3u8"

	"hls-abr/internal/media"
)

// BuildMediaPlaylist renders details as a media playlist. A discontinuity
// tag is written wherever the CC changes; VoD playlists get EXT-X-ENDLIST.
func BuildMediaPlaylist(d *media.Details) (string, error) {
	capacity := uint(len(d.Fragments))
	if capacity == 0 {
		capacity = 1
	}
	p, err := m3u8.NewMediaPlaylist(0, capacity)
	if err != nil {
		return "", fmt.Errorf("new media playlist: %w", err)
	}
	p.SeqNo = uint64(max(d.StartSN, 0))

	for i, f := range d.Fragments {
		if err := p.Append(f.URI, f.Duration, ""); err != nil {
			return "", fmt.Errorf("append segment %d: %w", f.SN, err)
		}
		if i > 0 && f.CC != d.Fragments[i-1].CC {
			if err := p.SetDiscontinuity(); err != nil {
				return "", fmt.Errorf("discontinuity at segment %d: %w", f.SN, err)
			}
		}
	}
	p.TargetDuration = math.Max(p.TargetDuration, math.Ceil(targetDuration(d)))
	if !d.Live {
		p.Close()
	}
	return p.String(), nil
}

// targetDuration is the ceiling of the longest fragment, at least 1.
func targetDuration(d *media.Details) float64 {
	target := d.TargetDuration
	for _, f := range d.Fragments {
		target = math.Max(target, f.Duration)
	}
	if target <= 0 {
		return 1
	}
	return target
}

// BuildMasterPlaylist renders levels as a master playlist.
func BuildMasterPlaylist(levels []*media.Rendition) string {
	m := m3u8.NewMasterPlaylist()
	for _, l := range levels {
		params := m3u8.VariantParams{
			Bandwidth:        uint32(l.Bitrate),
			AverageBandwidth: uint32(l.AverageBitrate),
			Codecs:           joinCodecs(l.VideoCodec, l.AudioCodec),
			FrameRate:        l.FrameRate,
			VideoRange:       string(l.VideoRange),
			HDCPLevel:        string(l.HDCPLevel),
			Name:             l.Name,
		}
		if l.Width > 0 && l.Height > 0 {
			params.Resolution = fmt.Sprintf("%dx%d", l.Width, l.Height)
		}
		if len(l.AudioGroups) > 0 {
			params.Audio = l.AudioGroups[0]
		}
		if len(l.SubtitleGroups) > 0 {
			params.Subtitles = l.SubtitleGroups[0]
		}
		m.Append(l.URI, nil, params)
	}
	return m.String()
}

func joinCodecs(video, audio string) string {
	switch {
	case video == "":
		return audio
	case audio == "":
		return video
	}
	return video + "," + audio
}

// Window returns the last n fragments of d as a live window. n <= 0 keeps
// every fragment.
func Window(d *media.Details, n int) *media.Details {
	out := *d
	if n <= 0 || len(d.Fragments) <= n {
		return &out
	}
	out.Fragments = d.Fragments[len(d.Fragments)-n:]
	out.StartSN = out.Fragments[0].SN
	return &out
}
