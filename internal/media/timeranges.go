package media

import "sort"

// TimeRange is a half-open buffered interval [Start, End) in seconds.
type TimeRange struct {
	Start float64
	End   float64
}

// TimeRanges is a sorted list of buffered intervals.
type TimeRanges []TimeRange

// Len is the number of ranges.
func (t TimeRanges) Len() int { return len(t) }

// Contains reports whether pos falls inside a range.
func (t TimeRanges) Contains(pos float64) bool {
	for _, r := range t {
		if pos >= r.Start && pos < r.End {
			return true
		}
	}
	return false
}

// Add inserts [start, end) and merges overlapping or touching ranges.
func (t TimeRanges) Add(start, end float64) TimeRanges {
	if end <= start {
		return t
	}
	out := append(TimeRanges{}, t...)
	out = append(out, TimeRange{Start: start, End: end})
	return out.normalize()
}

// Remove cuts [start, end) out of the ranges.
func (t TimeRanges) Remove(start, end float64) TimeRanges {
	out := make(TimeRanges, 0, len(t)+1)
	for _, r := range t {
		if r.End <= start || r.Start >= end {
			out = append(out, r)
			continue
		}
		if r.Start < start {
			out = append(out, TimeRange{Start: r.Start, End: start})
		}
		if r.End > end {
			out = append(out, TimeRange{Start: end, End: r.End})
		}
	}
	return out
}

func (t TimeRanges) normalize() TimeRanges {
	sort.Slice(t, func(i, j int) bool { return t[i].Start < t[j].Start })
	out := make(TimeRanges, 0, len(t))
	for _, r := range t {
		if n := len(out); n > 0 && r.Start <= out[n-1].End {
			if r.End > out[n-1].End {
				out[n-1].End = r.End
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

// BufferInfo describes the buffered window around a position.
type BufferInfo struct {
	Len       float64 // seconds buffered ahead of pos
	Start     float64
	End       float64
	NextStart float64 // start of the next range after a hole, 0 if none
}

// Info returns the contiguous buffer around pos, bridging holes smaller than maxHole.
func (t TimeRanges) Info(pos, maxHole float64) BufferInfo {
	info := BufferInfo{Start: pos, End: pos}
	found := false
	for _, r := range t {
		if !found {
			if pos+maxHole >= r.Start && pos < r.End {
				found = true
				info.Start = r.Start
				info.End = r.End
			}
			continue
		}
		if r.Start-info.End < maxHole {
			if r.End > info.End {
				info.End = r.End
			}
			continue
		}
		info.NextStart = r.Start
		break
	}
	if !found {
		for _, r := range t {
			if r.Start > pos {
				info.NextStart = r.Start
				break
			}
		}
	}
	if info.End > pos {
		info.Len = info.End - pos
	}
	return info
}

// Intersect returns the ranges covered by both t and o.
func (t TimeRanges) Intersect(o TimeRanges) TimeRanges {
	var out TimeRanges
	for i, j := 0, 0; i < len(t) && j < len(o); {
		start := max(t[i].Start, o[j].Start)
		end := min(t[i].End, o[j].End)
		if end > start {
			out = append(out, TimeRange{Start: start, End: end})
		}
		if t[i].End < o[j].End {
			i++
		} else {
			j++
		}
	}
	return out
}
