package media

import "slices"

// DefaultNextFragLookupTolerance matches the next fragment even when the
// buffer end sits a few milliseconds short of its start.
const DefaultNextFragLookupTolerance = 0.005

// bufferEdgeEpsilon compensates for float rounding at the previous fragment's end.
const bufferEdgeEpsilon = 0.0000015

// FindFragmentByPTS returns the fragment containing bufferEnd. When prev is
// given, the fragment that follows it is preferred if it is within tolerance;
// otherwise a binary search over frags (sorted by start) is used.
func FindFragmentByPTS(prev *Segment, frags []*Segment, bufferEnd, maxLookupTolerance float64) *Segment {
	if len(frags) == 0 {
		return nil
	}
	var next *Segment
	if prev != nil {
		next = fragAt(frags, 1+prev.SN-frags[0].SN)
		if edge := prev.End() - bufferEnd; edge > 0 && edge < bufferEdgeEpsilon {
			bufferEnd += bufferEdgeEpsilon
		}
		if next != nil && prev.Level != next.Level && next.End() <= prev.End() {
			next = fragAt(frags, 2+prev.SN-frags[0].SN)
		}
	} else if bufferEnd == 0 && frags[0].Start == 0 {
		next = frags[0]
	}

	if next != nil {
		sameLevel := prev == nil || prev.Level == next.Level
		if sameLevel && withinTolerance(bufferEnd, maxLookupTolerance, next) == 0 {
			return next
		}
		if withinFastStartSwitch(next, prev, min(DefaultNextFragLookupTolerance, maxLookupTolerance)) {
			return next
		}
	}

	i, ok := slices.BinarySearchFunc(frags, bufferEnd, func(f *Segment, pos float64) int {
		return -withinTolerance(pos, maxLookupTolerance, f)
	})
	if ok && (frags[i] != prev || next == nil) {
		return frags[i]
	}
	return next
}

// FindFragWithCC returns a fragment of the given discontinuity counter.
func FindFragWithCC(frags []*Segment, cc int) *Segment {
	i, ok := slices.BinarySearchFunc(frags, cc, func(f *Segment, target int) int {
		return f.CC - target
	})
	if !ok {
		return nil
	}
	return frags[i]
}

// withinTolerance returns 1 when the candidate lies before bufferEnd, -1 when
// after, 0 on match.
func withinTolerance(bufferEnd, maxLookupTolerance float64, c *Segment) int {
	if c.Start <= bufferEnd && c.Start+c.Duration > bufferEnd {
		return 0
	}
	tol := min(maxLookupTolerance, c.Duration)
	if c.Start+c.Duration-tol <= bufferEnd {
		return 1
	}
	if c.Start-tol > bufferEnd && c.Start != 0 {
		return -1
	}
	return 0
}

// withinFastStartSwitch allows an up-switch right after the first fragment at
// a lower level to pick the fragment at the same position.
func withinFastStartSwitch(next, prev *Segment, tol float64) bool {
	if prev == nil || prev.Start != 0 || prev.Level >= next.Level || prev.End() <= 0 {
		return false
	}
	return next.Start <= prev.Duration+tol
}

func fragAt(frags []*Segment, i int) *Segment {
	if i < 0 || i >= len(frags) {
		return nil
	}
	return frags[i]
}
