package media

import (
	"errors"
	"testing"
)

func testLadder() []*Rendition {
	return []*Rendition{
		{Bitrate: 2_000_000, HDCPLevel: HDCPType1, VideoCodec: "avc1.640028", AudioCodec: "mp4a.40.2"},
		{Bitrate: 500_000, HDCPLevel: HDCPNone, VideoCodec: "avc1.42e01e", AudioCodec: "mp4a.40.2"},
		{Bitrate: 1_000_000, HDCPLevel: HDCPType0, VideoCodec: "avc1.4d401f", AudioCodec: "mp4a.40.2"},
	}
}

func TestNewLevelSet_sorts_by_bitrate(t *testing.T) {
	set, err := NewLevelSet(testLadder())
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i < set.Len(); i++ {
		if set.Level(i-1).Bitrate > set.Level(i).Bitrate {
			t.Fatalf("levels not sorted: %d > %d", set.Level(i-1).Bitrate, set.Level(i).Bitrate)
		}
	}
	if set.LoadLevel() != -1 || !set.AutoLevelEnabled() {
		t.Errorf("unexpected initial state load=%d auto=%v", set.LoadLevel(), set.AutoLevelEnabled())
	}
}

func TestNewLevelSet_empty(t *testing.T) {
	if _, err := NewLevelSet(nil); !errors.Is(err, ErrNoLevels) {
		t.Errorf("expected ErrNoLevels, got %v", err)
	}
}

func TestLevelSet_RestrictHDCP_caps_max_auto_level(t *testing.T) {
	set, _ := NewLevelSet(testLadder())
	if got := set.MaxAutoLevel(); got != 2 {
		t.Fatalf("uncapped max auto level = %d, want 2", got)
	}
	if !set.RestrictHDCP(HDCPType1) {
		t.Fatal("expected TYPE-1 restriction to resolve")
	}
	if got := set.MaxAutoLevel(); got != 1 {
		t.Errorf("max auto level after TYPE-1 restriction = %d, want 1", got)
	}
	if set.RestrictHDCP(HDCPNone) {
		t.Error("NONE restriction cannot be lowered further")
	}
}

func TestLevelSet_Remove_keeps_indexes(t *testing.T) {
	set, _ := NewLevelSet(testLadder())
	set.SetLoadLevel(2)
	top := set.Level(2)

	if !set.Remove(0) {
		t.Fatal("Remove(0) returned false")
	}
	if set.Len() != 2 {
		t.Fatalf("len = %d, want 2", set.Len())
	}
	if set.Level(set.LoadLevel()) != top {
		t.Errorf("load level no longer points at the same rendition")
	}
}

func TestLevelSet_Remove_never_empties(t *testing.T) {
	set, _ := NewLevelSet(testLadder()[:1])
	if set.Remove(0) {
		t.Error("last level must not be removed")
	}
}

func TestLevelSet_MinAutoLevel(t *testing.T) {
	set, _ := NewLevelSet(testLadder())
	set.SetMinAutoBitrate(900_000)
	if got := set.MinAutoLevel(); got != 1 {
		t.Errorf("MinAutoLevel = %d, want 1", got)
	}
}

func TestRendition_error_counters(t *testing.T) {
	r := &Rendition{Bitrate: 1}
	r.RecordFragmentError()
	r.RecordFragmentError()
	r.RecordLoadError()
	if r.FragmentErrors() != 2 || r.LoadErrors() != 1 || !r.HasErrors() {
		t.Fatalf("unexpected counters frag=%d load=%d", r.FragmentErrors(), r.LoadErrors())
	}
	r.ResetErrors()
	if r.HasErrors() {
		t.Error("ResetErrors should clear both streaks")
	}
}

func TestRendition_CodecSet(t *testing.T) {
	r := &Rendition{VideoCodec: "hvc1.2.4.L123.B0", AudioCodec: "ec-3"}
	if got := r.CodecSet(); got != "hvc1,ec-3" {
		t.Errorf("CodecSet = %q", got)
	}
}

func TestRendition_RecordLoaded(t *testing.T) {
	r := &Rendition{Bitrate: 1_000_000}
	r.RecordLoaded(500_000, 4)
	if r.RealBitrate != 1_000_000 {
		t.Errorf("RealBitrate = %d, want 1000000", r.RealBitrate)
	}
}

func TestSegment_Advance(t *testing.T) {
	s := &Segment{SN: 1}
	steps := []FragState{FragLoading, FragLoaded, FragParsed, FragBuffered}
	for _, st := range steps {
		if err := s.Advance(st); err != nil {
			t.Fatalf("advance to %s: %v", st, err)
		}
	}
	if err := s.Advance(FragParsed); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("expected ErrIllegalTransition, got %v", err)
	}
	if err := s.Advance(FragLoading); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if err := s.Advance(FragAborted); err != nil || !s.Stats.Aborted {
		t.Errorf("abort: err=%v aborted=%v", err, s.Stats.Aborted)
	}
}
