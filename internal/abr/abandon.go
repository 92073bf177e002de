package abr

import (
	"log/slog"
	"math"
	"time"

	"hls-abr/internal/media"
)

// loadProgress is a snapshot of an in-flight load.
type loadProgress struct {
	timeLoading     time.Duration
	ttfb            time.Duration
	loadedFirstByte bool
	// loadRate is bytes/s since the first byte; zero before it.
	loadRate    float64
	expectedLen float64
	// loadedDelay is the projected seconds until the load completes.
	loadedDelay float64
}

func (c *Controller) progress(frag *media.Segment, part *media.Part, now time.Time) loadProgress {
	stats := statsOf(frag, part)
	duration := durationOf(frag, part)
	p := loadProgress{
		timeLoading: now.Sub(stats.LoadingStart),
		ttfb:        stats.TTFB(),
	}
	p.loadedFirstByte = stats.Loaded > 0 && p.ttfb > -1

	bitrate := float64(frag.Bitrate)
	if bitrate == 0 {
		if level := c.levels.Level(frag.Level); level != nil {
			bitrate = float64(level.AvgBitrate())
		}
	}
	p.expectedLen = math.Max(float64(stats.Loaded), math.Round(duration*bitrate/8))

	bwEstimate := c.BandwidthEstimate()
	if p.loadedFirstByte {
		streaming := p.timeLoading - p.ttfb
		if streaming < time.Millisecond {
			streaming = min(p.timeLoading, time.Duration(float64(stats.Loaded*8)/bwEstimate*float64(time.Second)))
		}
		if streaming > 0 {
			p.loadRate = float64(stats.Loaded) / streaming.Seconds()
		}
	}
	if p.loadRate > 0 {
		p.loadedDelay = (p.expectedLen - float64(stats.Loaded)) / p.loadRate
	} else {
		p.loadedDelay = p.expectedLen*8/bwEstimate + c.est.EstimateTTFB().Seconds()
	}
	return p
}

// Tick runs the abandon monitor. Drivers call it every AbandonCheckInterval
// while a fragment is loading.
func (c *Controller) Tick() {
	if c.monitoring {
		c.abandonRulesCheck(false)
	}
}

func (c *Controller) stopMonitoring() {
	c.monitoring = false
	c.pending = nil
}

func (c *Controller) abandonRulesCheck(levelLoaded bool) {
	frag, part := c.fragCurrent, c.partCurrent
	if frag == nil || c.playback == nil {
		return
	}
	now := c.now()
	stats := statsOf(frag, part)
	duration := durationOf(frag, part)
	minAuto := c.levels.MinAutoLevel()
	loadingLevel := frag.Level

	if stats.Aborted || stats.Complete() || loadingLevel <= minAuto {
		c.stopMonitoring()
		c.forced = -1
		c.forcedKey = ""
		return
	}
	if !c.levels.AutoLevelEnabled() {
		return
	}
	if c.pending != nil {
		c.checkPendingAbort(now)
		return
	}

	blockingSwitch := c.forced > -1 && c.forced != loadingLevel
	levelChange := levelLoaded || blockingSwitch
	if !levelChange && (c.playback.Paused() || c.playback.PlaybackRate() == 0 || !c.playback.Ready()) {
		return
	}
	buffered, ok := c.playback.ForwardBuffer()
	if !levelChange && !ok {
		return
	}
	rate := math.Abs(c.playback.PlaybackRate())
	if rate == 0 {
		rate = 1
	}

	p := c.progress(frag, part, now)
	ttfbEst := c.est.EstimateTTFB()
	minWait := max(ttfbEst, time.Duration(duration/(rate*2)*float64(time.Second)))
	if p.timeLoading <= minWait {
		return
	}
	starvation := buffered / rate
	if p.loadedDelay <= starvation {
		return
	}

	ttfbSec := ttfbEst.Seconds()
	bw := c.BandwidthEstimate()
	if p.loadRate > 0 {
		bw = p.loadRate * 8
	}
	live := c.levels.Live()
	next := loadingLevel - 1
	nextDelay := math.Inf(1)
	for ; next >= minAuto; next-- {
		cand := c.levels.Level(next)
		nextDelay = c.timeToLoadFrag(ttfbSec, bw, duration*float64(cand.MaxBitrate()), cand.Details == nil || live)
		if nextDelay < math.Min(starvation, duration+ttfbSec) || next == minAuto {
			break
		}
	}
	if nextDelay >= p.loadedDelay {
		return
	}
	if nextDelay > duration*10 {
		return
	}

	if p.loadedFirstByte {
		c.est.Sample(p.timeLoading-min(ttfbEst, p.ttfb), stats.Loaded)
	} else {
		c.est.SampleTTFB(p.timeLoading)
	}
	nextBitrate := float64(c.levels.Level(next).MaxBitrate())
	if c.BandwidthEstimate()*c.cfg.BandWidthUpFactor > nextBitrate {
		c.ResetEstimator(nextBitrate)
	}
	if best := c.findBestLevel(nextBitrate, minAuto, next, 0, starvation, 1, 1); best > -1 {
		next = best
	}

	c.log.Warn("fragment loading too slowly, switching down",
		slog.Int("sn", frag.SN),
		slog.Int("level", loadingLevel),
		slog.Int("next_level", next),
		slog.Float64("loaded_delay", p.loadedDelay),
		slog.Float64("next_level_delay", nextDelay),
		slog.Float64("starvation_delay", starvation))

	c.forced = next
	c.forcedKey = c.autoLevelKey()
	immediate := blockingSwitch || p.loadedDelay > nextDelay*2
	c.observer.LoadAbandoned(AbortEvent{Frag: frag, Part: part, FromLevel: loadingLevel, NextLevel: next, Immediate: immediate})
	if immediate {
		c.abortAndSwitch(frag, next)
		return
	}
	c.pending = &pendingAbort{
		frag:     frag,
		next:     next,
		deadline: now.Add(time.Duration(nextDelay * float64(time.Second))),
	}
}

// checkPendingAbort re-evaluates a deferred abort: it is cancelled once the
// load is projected to finish before the buffer runs out, and carried out
// when its deadline passes.
func (c *Controller) checkPendingAbort(now time.Time) {
	pa := c.pending
	if c.fragCurrent != pa.frag {
		c.pending = nil
		return
	}
	p := c.progress(c.fragCurrent, c.partCurrent, now)
	if p.loadedDelay <= c.StarvationDelay() {
		c.log.Info("fragment load recovered, keeping it", slog.Int("sn", pa.frag.SN), slog.Int("level", pa.frag.Level))
		c.pending = nil
		if c.forced == pa.next {
			c.forced = -1
			c.forcedKey = ""
		}
		return
	}
	if !now.Before(pa.deadline) {
		c.abortAndSwitch(pa.frag, pa.next)
	}
}

func (c *Controller) abortAndSwitch(frag *media.Segment, next int) {
	c.pending = nil
	if c.fragCurrent != frag {
		return
	}
	starvation := c.StarvationDelay()
	c.log.Warn("aborting in-flight request",
		slog.Int("sn", frag.SN),
		slog.Float64("duration", frag.Duration),
		slog.Float64("starvation_delay", starvation))

	if c.aborter != nil {
		c.aborter.AbortRequests()
	}
	part := c.partCurrent
	if frag.State() == media.FragLoading {
		_ = frag.Advance(media.FragAborted)
	} else {
		frag.Stats.Aborted = true
	}
	if part != nil {
		part.Stats.Aborted = true
	}
	c.fragCurrent, c.partCurrent, c.aborter = nil, nil, nil
	c.monitoring = false

	// Cascade further down when the chosen fallback cannot beat the buffer either.
	minAuto := c.levels.MinAutoLevel()
	if next > minAuto {
		cand := c.levels.Level(next)
		fetch := c.timeToLoadFrag(c.est.EstimateTTFB().Seconds(), c.BandwidthEstimate(),
			frag.Duration*float64(cand.MaxBitrate()), cand.Details == nil || c.levels.Live())
		if fetch >= starvation {
			lowest := c.findBestLevel(float64(c.levels.Level(minAuto).Bitrate), minAuto, next, 0, starvation, 1, 1)
			if lowest == -1 {
				lowest = minAuto
			}
			next = lowest
			c.ResetEstimator(float64(c.levels.Level(lowest).Bitrate))
		}
	}
	c.forced = next
	c.forcedKey = c.autoLevelKey()
	c.observer.LoadAborted(AbortEvent{Frag: frag, Part: part, FromLevel: frag.Level, NextLevel: next, Immediate: true})
}
