package media

import (
	"errors"
	"sort"
)

// ErrNoLevels is returned when a level set is built from an empty ladder.
var ErrNoLevels = errors.New("no renditions")

// LevelSet is the ordered rendition ladder of a session plus the selection
// state shared by the selector and the recovery dispatcher.
//
// It is not safe for concurrent use.
type LevelSet struct {
	levels         []*Rendition
	loadLevel      int
	firstLevel     int
	manualLevel    int
	maxHDCP        HDCPLevel
	minAutoBitrate int
	live           bool
}

// NewLevelSet sorts levels by bitrate ascending and returns the set.
func NewLevelSet(levels []*Rendition) (*LevelSet, error) {
	if len(levels) == 0 {
		return nil, ErrNoLevels
	}
	sorted := append([]*Rendition(nil), levels...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Bitrate < sorted[j].Bitrate })
	return &LevelSet{
		levels:      sorted,
		loadLevel:   -1,
		manualLevel: -1,
	}, nil
}

// Levels returns the ladder. Callers must not reorder it.
func (s *LevelSet) Levels() []*Rendition { return s.levels }

// Len is the number of renditions.
func (s *LevelSet) Len() int { return len(s.levels) }

// Level returns rendition i, or nil when out of range.
func (s *LevelSet) Level(i int) *Rendition {
	if i < 0 || i >= len(s.levels) {
		return nil
	}
	return s.levels[i]
}

// LoadLevel is the level of the most recent fragment request, -1 before the first.
func (s *LevelSet) LoadLevel() int { return s.loadLevel }

// SetLoadLevel records the level being loaded.
func (s *LevelSet) SetLoadLevel(i int) {
	if i >= -1 && i < len(s.levels) {
		s.loadLevel = i
	}
}

// FirstLevel is the default start level when no bandwidth estimate exists.
func (s *LevelSet) FirstLevel() int { return s.firstLevel }

func (s *LevelSet) SetFirstLevel(i int) {
	if i >= 0 && i < len(s.levels) {
		s.firstLevel = i
	}
}

// ManualLevel returns the user-pinned level, -1 when automatic.
func (s *LevelSet) ManualLevel() int { return s.manualLevel }

// SetManualLevel pins a level; -1 returns to automatic selection.
func (s *LevelSet) SetManualLevel(i int) {
	if i >= -1 && i < len(s.levels) {
		s.manualLevel = i
	}
}

// AutoLevelEnabled reports whether selection is automatic.
func (s *LevelSet) AutoLevelEnabled() bool { return s.manualLevel == -1 }

// Live reports whether the latest loaded playlist is live.
func (s *LevelSet) Live() bool { return s.live }

func (s *LevelSet) SetLive(live bool) { s.live = live }

// MaxHDCPLevel is the highest HDCP level playback may use; empty means uncapped.
func (s *LevelSet) MaxHDCPLevel() HDCPLevel { return s.maxHDCP }

// RestrictHDCP lowers the cap to the level below restricted. It returns false
// when no lower level exists.
func (s *LevelSet) RestrictHDCP(restricted HDCPLevel) bool {
	rank := HDCPRank(restricted)
	if rank <= 0 {
		return false
	}
	s.maxHDCP = HDCPLevels[rank-1]
	return true
}

func (s *LevelSet) SetMinAutoBitrate(bps int) { s.minAutoBitrate = bps }

// MinAutoLevel is the lowest level whose bitrate reaches the configured floor.
func (s *LevelSet) MinAutoLevel() int {
	for i, l := range s.levels {
		if l.Bitrate >= s.minAutoBitrate {
			return i
		}
	}
	return 0
}

// MaxAutoLevel is the highest level allowed by the HDCP cap.
func (s *LevelSet) MaxAutoLevel() int {
	if s.maxHDCP == "" {
		return len(s.levels) - 1
	}
	capRank := HDCPRank(s.maxHDCP)
	for i := len(s.levels) - 1; i >= 0; i-- {
		if HDCPRank(s.levels[i].HDCPLevel) <= capRank {
			return i
		}
	}
	return 0
}

// TotalFragmentErrors sums fragment errors across every level.
func (s *LevelSet) TotalFragmentErrors() int {
	n := 0
	for _, l := range s.levels {
		n += l.FragmentErrors()
	}
	return n
}

// Remove drops level i permanently, keeping load/first/manual indexes pointing
// at the same renditions where possible. The last remaining level is never removed.
func (s *LevelSet) Remove(i int) bool {
	if i < 0 || i >= len(s.levels) || len(s.levels) == 1 {
		return false
	}
	s.levels = append(s.levels[:i], s.levels[i+1:]...)
	s.loadLevel = shiftIndex(s.loadLevel, i, len(s.levels))
	s.manualLevel = shiftIndex(s.manualLevel, i, len(s.levels))
	if f := shiftIndex(s.firstLevel, i, len(s.levels)); f >= 0 {
		s.firstLevel = f
	} else {
		s.firstLevel = 0
	}
	return true
}

func shiftIndex(idx, removed, n int) int {
	switch {
	case idx < 0:
		return idx
	case idx > removed:
		return idx - 1
	case idx == removed:
		if idx >= n {
			return n - 1
		}
		return idx
	}
	return idx
}
