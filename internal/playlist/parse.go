// Package playlist adapts HLS playlists to the media model.
package playlist

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/grafov/m3u8"

	"hls-abr/internal/media"
)

var (
	// ErrInvalidPlaylist wraps decoder failures.
	ErrInvalidPlaylist = errors.New("invalid playlist")
	// ErrNotMaster is returned by ParseMaster for media playlists.
	ErrNotMaster = errors.New("not a master playlist")
	// ErrNotMedia is returned by ParseMedia for master playlists.
	ErrNotMedia = errors.New("not a media playlist")
	// ErrNoVariants is returned for master playlists without playable variants.
	ErrNoVariants = errors.New("master playlist has no variants")
)

var (
	videoCodecs = []string{"avc1", "avc3", "hvc1", "hev1", "dvh1", "dvhe", "vp09", "vp08", "av01", "mp4v"}
	audioCodecs = []string{"mp4a", "ac-3", "ec-3", "opus", "flac", "fLaC", "mp3", ".mp3"}
)

// ParseMaster decodes a master playlist into renditions sorted by bitrate.
// I-frame variants are skipped.
func ParseMaster(r io.Reader) ([]*media.Rendition, error) {
	p, typ, err := m3u8.DecodeFrom(r, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPlaylist, err)
	}
	if typ != m3u8.MASTER {
		return nil, ErrNotMaster
	}
	master := p.(*m3u8.MasterPlaylist)

	var levels []*media.Rendition
	for _, v := range master.Variants {
		if v == nil || v.Iframe {
			continue
		}
		levels = append(levels, rendition(v))
	}
	if len(levels) == 0 {
		return nil, ErrNoVariants
	}
	sort.SliceStable(levels, func(i, j int) bool { return levels[i].Bitrate < levels[j].Bitrate })
	return levels, nil
}

func rendition(v *m3u8.Variant) *media.Rendition {
	l := &media.Rendition{
		URI:            v.URI,
		Name:           v.Name,
		Bitrate:        int(v.Bandwidth),
		AverageBitrate: int(v.AverageBandwidth),
		FrameRate:      v.FrameRate,
		VideoRange:     media.VideoRange(strings.ToUpper(v.VideoRange)),
		HDCPLevel:      media.HDCPLevel(strings.ToUpper(v.HDCPLevel)),
	}
	l.VideoCodec, l.AudioCodec = splitCodecs(v.Codecs)
	if v.Resolution != "" {
		if _, err := fmt.Sscanf(v.Resolution, "%dx%d", &l.Width, &l.Height); err != nil {
			l.Width, l.Height = 0, 0
		}
	}
	if v.Audio != "" {
		l.AudioGroups = []string{v.Audio}
	}
	if v.Subtitles != "" {
		l.SubtitleGroups = []string{v.Subtitles}
	}
	return l
}

// splitCodecs separates a CODECS attribute into its video and audio entries.
func splitCodecs(codecs string) (video, audio string) {
	for _, c := range strings.Split(codecs, ",") {
		c = strings.TrimSpace(c)
		name, _, _ := strings.Cut(c, ".")
		switch {
		case video == "" && hasCodec(videoCodecs, name):
			video = c
		case audio == "" && hasCodec(audioCodecs, name):
			audio = c
		}
	}
	return video, audio
}

func hasCodec(list []string, name string) bool {
	for _, v := range list {
		if strings.EqualFold(v, name) {
			return true
		}
	}
	return false
}

// ParseMedia decodes a media playlist of the rendition at index level.
// Fragment start times accumulate from zero; the discontinuity counter
// starts at EXT-X-DISCONTINUITY-SEQUENCE.
func ParseMedia(r io.Reader, level int) (*media.Details, error) {
	p, typ, err := m3u8.DecodeFrom(r, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPlaylist, err)
	}
	if typ != m3u8.MEDIA {
		return nil, ErrNotMedia
	}
	mp := p.(*m3u8.MediaPlaylist)

	d := &media.Details{
		Live:           !mp.Closed,
		TargetDuration: mp.TargetDuration,
		StartSN:        int(mp.SeqNo),
	}
	cc := int(mp.DiscontinuitySeq)
	key := mp.Key
	var start float64
	for i, s := range mp.Segments {
		// the segment ring is allocated to capacity
		if s == nil {
			break
		}
		if s.Discontinuity {
			cc++
		}
		if s.Key != nil {
			key = s.Key
		}
		frag := &media.Segment{
			SN:       d.StartSN + i,
			CC:       cc,
			Level:    level,
			Type:     media.PlaylistMain,
			URI:      s.URI,
			Start:    start,
			Duration: s.Duration,
			ByteSize: s.Limit,
		}
		if key != nil && key.Method != "" && key.Method != "NONE" {
			frag.KeyID = key.URI
		}
		d.Fragments = append(d.Fragments, frag)
		start += s.Duration
	}
	d.EndSN = d.StartSN + len(d.Fragments) - 1
	return d, nil
}

// KeyIDs returns the distinct key ids referenced by details, in order.
func KeyIDs(d *media.Details) []string {
	var ids []string
	seen := make(map[string]bool)
	for _, f := range d.Fragments {
		if f.KeyID != "" && !seen[f.KeyID] {
			seen[f.KeyID] = true
			ids = append(ids, f.KeyID)
		}
	}
	return ids
}
