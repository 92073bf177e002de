package abr

import (
	"testing"
	"time"

	"hls-abr/internal/media"
)

type abandonFixture struct {
	c       *Controller
	set     *media.LevelSet
	pb      *fakePlayback
	obs     *recordingObserver
	aborter *countingAborter
	clock   *fakeClock
	frag    *media.Segment
}

func newAbandonFixture(t *testing.T, bitrates []int, level int, buffered float64) *abandonFixture {
	t.Helper()
	levels := make([]*media.Rendition, len(bitrates))
	for i, b := range bitrates {
		levels[i] = &media.Rendition{Bitrate: b}
	}
	c, set, pb := newTestController(t, levels, buffered)
	f := &abandonFixture{
		c:       c,
		set:     set,
		pb:      pb,
		obs:     &recordingObserver{},
		aborter: &countingAborter{},
		clock:   &fakeClock{t: time.Unix(5000, 0)},
	}
	c.SetObserver(f.obs)
	c.SetClock(f.clock.Now)

	f.frag = &media.Segment{SN: 10, Level: level, Type: media.PlaylistMain, Duration: 2}
	if err := f.frag.Advance(media.FragLoading); err != nil {
		t.Fatal(err)
	}
	set.SetLoadLevel(level)
	c.OnFragLoading(f.frag, nil, f.aborter)
	f.frag.Stats.LoadingStart = f.clock.Now()
	f.frag.Stats.LoadingFirst = f.clock.Now().Add(100 * time.Millisecond)
	f.frag.Stats.Total = 500_000
	return f
}

func TestTick_aborts_slow_load_immediately(t *testing.T) {
	f := newAbandonFixture(t, []int{100_000, 200_000, 2_000_000, 4_000_000, 8_000_000}, 2, 2)
	f.frag.Stats.Loaded = 50_000
	f.clock.Advance(1600 * time.Millisecond)

	f.c.Tick()

	if len(f.obs.abandoned) != 1 || !f.obs.abandoned[0].Immediate {
		t.Fatalf("abandoned events = %+v, want one immediate", f.obs.abandoned)
	}
	if len(f.obs.aborted) != 1 {
		t.Fatalf("aborted events = %d, want 1", len(f.obs.aborted))
	}
	if next := f.obs.aborted[0].NextLevel; next >= 2 {
		t.Errorf("switched to level %d, want below 2", next)
	}
	if f.aborter.calls != 1 {
		t.Errorf("aborter called %d times, want 1", f.aborter.calls)
	}
	if f.frag.State() != media.FragAborted || !f.frag.Stats.Aborted {
		t.Errorf("fragment state = %s aborted=%v", f.frag.State(), f.frag.Stats.Aborted)
	}
	if got := f.c.ForcedAutoLevel(); got < 0 || got >= 2 {
		t.Errorf("ForcedAutoLevel() = %d, want a lower level", got)
	}

	// monitoring stops once aborted
	f.clock.Advance(time.Second)
	f.c.Tick()
	if len(f.obs.aborted) != 1 {
		t.Errorf("abort repeated after monitoring stopped")
	}
}

func TestTick_waits_before_judging(t *testing.T) {
	f := newAbandonFixture(t, []int{100_000, 200_000, 2_000_000}, 2, 2)
	f.frag.Stats.Loaded = 10_000
	// less than half the fragment duration has elapsed
	f.clock.Advance(800 * time.Millisecond)

	f.c.Tick()
	if len(f.obs.abandoned) != 0 {
		t.Errorf("abandoned too early: %+v", f.obs.abandoned)
	}
}

func TestTick_keeps_load_that_beats_the_buffer(t *testing.T) {
	f := newAbandonFixture(t, []int{100_000, 200_000, 2_000_000}, 2, 30)
	f.frag.Stats.Loaded = 50_000
	f.clock.Advance(1600 * time.Millisecond)

	f.c.Tick()
	if len(f.obs.abandoned) != 0 {
		t.Errorf("abandoned a load that completes before starvation")
	}
}

func TestTick_ignores_paused_playback(t *testing.T) {
	f := newAbandonFixture(t, []int{100_000, 200_000, 2_000_000}, 2, 2)
	f.pb.paused = true
	f.frag.Stats.Loaded = 50_000
	f.clock.Advance(1600 * time.Millisecond)

	f.c.Tick()
	if len(f.obs.abandoned) != 0 {
		t.Errorf("abandoned while paused")
	}
}

func TestTick_lowest_level_is_never_abandoned(t *testing.T) {
	f := newAbandonFixture(t, []int{2_000_000, 4_000_000}, 0, 2)
	f.frag.Stats.Loaded = 1_000
	f.clock.Advance(1900 * time.Millisecond)

	f.c.Tick()
	if len(f.obs.abandoned) != 0 || f.aborter.calls != 0 {
		t.Errorf("lowest level load was abandoned")
	}
}

// deferredAbort leaves a load whose remaining time sits between one and two
// times the fallback fetch, so the abort is scheduled rather than immediate.
func deferredAbort(t *testing.T) *abandonFixture {
	t.Helper()
	f := newAbandonFixture(t, []int{100_000, 200_000, 2_000_000}, 2, 0.35)
	f.frag.Stats.Loaded = 350_000
	f.clock.Advance(1100 * time.Millisecond)

	f.c.Tick()
	if len(f.obs.abandoned) != 1 || f.obs.abandoned[0].Immediate {
		t.Fatalf("abandoned events = %+v, want one deferred", f.obs.abandoned)
	}
	if len(f.obs.aborted) != 0 || f.aborter.calls != 0 {
		t.Fatalf("deferred abort fired immediately")
	}
	return f
}

func TestTick_deferred_abort_cancelled_when_load_recovers(t *testing.T) {
	f := deferredAbort(t)

	f.frag.Stats.Loaded = 490_000
	f.clock.Advance(100 * time.Millisecond)
	f.c.Tick()

	f.clock.Advance(time.Second)
	f.c.Tick()
	if len(f.obs.aborted) != 0 || f.aborter.calls != 0 {
		t.Errorf("recovered load was aborted")
	}
	if got := f.c.ForcedAutoLevel(); got != -1 {
		t.Errorf("ForcedAutoLevel() = %d after recovery, want -1", got)
	}
}

func TestTick_deferred_abort_fires_at_deadline(t *testing.T) {
	f := deferredAbort(t)

	f.clock.Advance(100 * time.Millisecond)
	f.c.Tick()
	if len(f.obs.aborted) != 0 {
		t.Fatalf("aborted before the deadline")
	}

	f.clock.Advance(200 * time.Millisecond)
	f.c.Tick()
	if len(f.obs.aborted) != 1 || f.aborter.calls != 1 {
		t.Fatalf("aborted=%d aborter=%d, want the abort to fire", len(f.obs.aborted), f.aborter.calls)
	}
	// the first fallback still misses the buffer, so the switch cascades down
	if next := f.obs.aborted[0].NextLevel; next != 0 {
		t.Errorf("NextLevel = %d, want 0", next)
	}
}

func TestOnFragLoaded_stops_monitoring(t *testing.T) {
	f := newAbandonFixture(t, []int{100_000, 200_000, 2_000_000}, 2, 2)
	f.frag.Stats.Loaded = 500_000
	f.frag.Stats.LoadingEnd = f.clock.Now().Add(time.Second)
	f.c.OnFragLoaded(f.frag, nil)

	f.clock.Advance(5 * time.Second)
	f.c.Tick()
	if len(f.obs.abandoned) != 0 {
		t.Errorf("monitor still active after load completed")
	}
}
