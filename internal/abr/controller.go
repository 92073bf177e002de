package abr

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"hls-abr/internal/media"
)

// Playback is the media element as seen by the selector.
type Playback interface {
	PlaybackRate() float64
	Paused() bool
	// Ready reports whether the element has enough data to play.
	Ready() bool
	// ForwardBuffer returns the seconds of main media buffered ahead of the
	// playhead; ok is false when no buffer information is available.
	ForwardBuffer() (seconds float64, ok bool)
}

// AbortEvent describes an emergency down-switch of an in-flight load.
type AbortEvent struct {
	Frag      *media.Segment
	Part      *media.Part
	FromLevel int
	NextLevel int
	Immediate bool
}

// Observer receives abandon monitor decisions.
type Observer interface {
	// LoadAbandoned fires when the monitor decides to switch away from a slow load.
	LoadAbandoned(AbortEvent)
	// LoadAborted fires when the in-flight request has been aborted.
	LoadAborted(AbortEvent)
}

type nopObserver struct{}

func (nopObserver) LoadAbandoned(AbortEvent) {}
func (nopObserver) LoadAborted(AbortEvent)   {}

type pendingAbort struct {
	frag     *media.Segment
	next     int
	deadline time.Time
}

// Controller selects renditions from bandwidth and buffer health and watches
// in-flight loads for emergency down-switches.
//
// It is not safe for concurrent use; drivers call it from one control flow.
type Controller struct {
	cfg      Config
	levels   *media.LevelSet
	playback Playback
	observer Observer
	log      *slog.Logger
	now      func() time.Time

	est                 *Estimator
	lastLevelLoadSec    float64
	lastLoadedFragLevel int
	firstSelection      int
	forced              int
	forcedKey           string
	tiers               []*CodecTier
	bitrateTestDelay    float64
	rebufferNotice      int

	fragCurrent *media.Segment
	partCurrent *media.Part
	aborter     media.Aborter
	monitoring  bool
	pending     *pendingAbort
}

// NewController returns a selector over levels.
func NewController(cfg Config, levels *media.LevelSet, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	c := &Controller{
		cfg:                 cfg,
		levels:              levels,
		observer:            nopObserver{},
		log:                 log.With(slog.String("component", "abr")),
		now:                 time.Now,
		lastLoadedFragLevel: -1,
		firstSelection:      -1,
		forced:              -1,
		rebufferNotice:      -1,
	}
	c.est = c.newEstimator()
	return c
}

// SetPlayback attaches the media element. nil detaches it.
func (c *Controller) SetPlayback(p Playback) { c.playback = p }

// SetObserver registers the abandon monitor observer.
func (c *Controller) SetObserver(o Observer) {
	if o == nil {
		o = nopObserver{}
	}
	c.observer = o
}

// SetClock replaces the wall clock, for drivers running in virtual time.
func (c *Controller) SetClock(now func() time.Time) { c.now = now }

// Estimator exposes the bandwidth estimator.
func (c *Controller) Estimator() *Estimator { return c.est }

func (c *Controller) newEstimator() *Estimator {
	slow, fast := c.cfg.EwmaSlowVoD, c.cfg.EwmaFastVoD
	if c.levels != nil && c.levels.Live() {
		slow, fast = c.cfg.EwmaSlowLive, c.cfg.EwmaFastLive
	}
	return NewEstimator(slow, fast, c.cfg.DefaultEstimate, c.cfg.DefaultTTFB)
}

// ResetEstimator discards learned bandwidth. A positive defaultEstimate
// replaces the configured fallback.
func (c *Controller) ResetEstimator(defaultEstimate float64) {
	if defaultEstimate > 0 {
		c.log.Debug("setting default bandwidth estimate", slog.Float64("bps", defaultEstimate))
		c.cfg.DefaultEstimate = defaultEstimate
	}
	c.firstSelection = -1
	c.est = c.newEstimator()
}

// BandwidthEstimate returns the current estimate in bits/s.
func (c *Controller) BandwidthEstimate() float64 {
	if c.est.CanEstimate() {
		return c.est.Estimate()
	}
	return c.cfg.DefaultEstimate
}

// StarvationDelay is the wall-clock time until the forward buffer runs dry.
func (c *Controller) StarvationDelay() float64 {
	if c.playback == nil {
		return math.Inf(1)
	}
	rate := math.Abs(c.playback.PlaybackRate())
	if rate == 0 {
		rate = 1
	}
	buf, _ := c.playback.ForwardBuffer()
	return buf / rate
}

// OnManifestLoading resets all per-manifest state.
func (c *Controller) OnManifestLoading() {
	c.lastLevelLoadSec = 0
	c.lastLoadedFragLevel = -1
	c.firstSelection = -1
	c.forced = -1
	c.forcedKey = ""
	c.tiers = nil
	c.stopMonitoring()
	c.fragCurrent, c.partCurrent, c.aborter = nil, nil, nil
	c.ResetEstimator(0)
}

// OnLevelsUpdated invalidates caches after renditions were added or removed.
func (c *Controller) OnLevelsUpdated() {
	if c.lastLoadedFragLevel >= c.levels.Len() {
		c.lastLoadedFragLevel = -1
	}
	if c.forced >= c.levels.Len() {
		c.forced = -1
	}
	c.tiers = nil
	c.firstSelection = -1
}

// OnMaxAutoLevelUpdated forces a new first selection after caps change.
func (c *Controller) OnMaxAutoLevelUpdated() {
	c.firstSelection = -1
	c.forcedKey = ""
	c.tiers = nil
}

// OnLevelSwitching stops the abandon monitor.
func (c *Controller) OnLevelSwitching() { c.stopMonitoring() }

// OnLevelLoaded records the playlist load time and applies live or on-demand
// half-lives.
func (c *Controller) OnLevelLoaded(details *media.Details, loadTime time.Duration) {
	if loadTime > 0 {
		c.lastLevelLoadSec = loadTime.Seconds()
	}
	if details != nil && details.Live {
		c.est.Update(c.cfg.EwmaSlowLive, c.cfg.EwmaFastLive)
	} else {
		c.est.Update(c.cfg.EwmaSlowVoD, c.cfg.EwmaFastVoD)
	}
	if c.monitoring {
		c.abandonRulesCheck(true)
	}
}

// OnFragLoading starts monitoring frag. aborter cancels its request.
func (c *Controller) OnFragLoading(frag *media.Segment, part *media.Part, aborter media.Aborter) {
	if ignoreFragment(frag) {
		return
	}
	if !frag.BitrateTest {
		c.fragCurrent = frag
		c.partCurrent = part
		c.aborter = aborter
	}
	c.stopMonitoring()
	c.monitoring = true
}

// OnFragLoaded folds latency and, for bitrate tests, throughput samples.
func (c *Controller) OnFragLoaded(frag *media.Segment, part *media.Part) {
	stats := statsOf(frag, part)
	if frag.Type == media.PlaylistMain {
		if ttfb := stats.TTFB(); ttfb >= 0 {
			c.est.SampleTTFB(ttfb)
		}
	}
	if ignoreFragment(frag) {
		return
	}
	c.stopMonitoring()
	if frag.Level == c.forced {
		c.forced = -1
		c.forcedKey = ""
	}
	c.firstSelection = -1

	if c.cfg.MaxWithRealBitrate {
		if level := c.levels.Level(frag.Level); level != nil {
			level.RecordLoaded(stats.Loaded, durationOf(frag, part))
		}
	}
	if frag.BitrateTest {
		c.OnFragBuffered(frag, part)
		frag.BitrateTest = false
		return
	}
	c.lastLoadedFragLevel = frag.Level
}

// OnFragBuffered samples throughput from request start to the end of parsing,
// excluding first-byte latency.
func (c *Controller) OnFragBuffered(frag *media.Segment, part *media.Part) {
	stats := &frag.Stats
	if part != nil && part.Stats.Loaded > 0 {
		stats = &part.Stats
	}
	if stats.Aborted || ignoreFragment(frag) {
		return
	}
	end := stats.ParsingEnd
	if end.IsZero() {
		end = stats.LoadingEnd
	}
	processing := end.Sub(stats.LoadingStart)
	if ttfb := stats.TTFB(); ttfb >= 0 {
		processing -= min(ttfb, c.est.EstimateTTFB())
	}
	c.est.Sample(processing, stats.Loaded)
	stats.BwEstimate = c.BandwidthEstimate()
	if frag.BitrateTest {
		c.bitrateTestDelay = processing.Seconds()
	} else {
		c.bitrateTestDelay = 0
	}
}

// OnFragLoadTimeout keeps the estimator informed when the current load times out.
func (c *Controller) OnFragLoadTimeout(frag *media.Segment) {
	cur := c.fragCurrent
	if frag == nil || cur == nil || frag.SN != cur.SN || frag.Level != cur.Level {
		return
	}
	stats := statsOf(cur, c.partCurrent)
	timeLoading := c.now().Sub(stats.LoadingStart)
	ttfb := stats.TTFB()
	if stats.Loaded > 0 && ttfb > -1 {
		c.est.Sample(timeLoading-min(c.est.EstimateTTFB(), ttfb), stats.Loaded)
		return
	}
	c.est.SampleTTFB(timeLoading)
}

// OnAppendError clears the selection anchor so a new pick can be made after
// media recovery.
func (c *Controller) OnAppendError() {
	c.lastLoadedFragLevel = -1
	c.firstSelection = -1
}

// LastLoadedLevel is the level of the last successfully loaded main fragment.
func (c *Controller) LastLoadedLevel() int { return c.lastLoadedFragLevel }

// ForcedAutoLevel returns the level forced by recovery or the abandon monitor, or -1.
func (c *Controller) ForcedAutoLevel() int { return c.forced }

// SetNextAutoLevel forces the next selection, clamped to the auto range. The
// value sticks until a fragment of that level loads or the bandwidth and
// buffer state change and the ABR pick has no more errors than it.
func (c *Controller) SetNextAutoLevel(level int) {
	level = min(max(level, c.levels.MinAutoLevel()), c.levels.MaxAutoLevel())
	if c.forced != level {
		c.forced = level
		c.forcedKey = c.autoLevelKey()
	}
}

// NextAutoLevel returns the rendition to load next, or -1 when no rendition
// can be fetched before the buffer runs out (callers fall back to the lowest).
func (c *Controller) NextAutoLevel() int {
	forced := c.forced
	canEstimate := c.est.CanEstimate()
	loadedFirst := c.lastLoadedFragLevel > -1
	if forced != -1 && (!canEstimate || !loadedFirst || c.forcedKey == c.autoLevelKey()) {
		return forced
	}

	var next int
	if canEstimate && loadedFirst {
		next = c.nextABRAutoLevel()
	} else {
		next = c.FirstAutoLevel()
	}

	if forced != -1 && next >= 0 {
		fl, nl := c.levels.Level(forced), c.levels.Level(next)
		if fl != nil && nl != nil && fl.LoadErrors() <= nl.LoadErrors() {
			return forced
		}
	}
	if forced != -1 {
		c.forced = -1
		c.forcedKey = ""
	}
	return next
}

// FirstAutoLevel picks the start level from the start codec tier, falling back
// to the configured first level.
func (c *Controller) FirstAutoLevel() int {
	minAuto, maxAuto := c.levels.MinAutoLevel(), c.levels.MaxAutoLevel()
	if lvl := c.findBestLevel(c.BandwidthEstimate(), minAuto, maxAuto, 0, c.cfg.MaxStarvationDelay, 1, 1); lvl > -1 {
		return lvl
	}
	first := c.levels.FirstLevel()
	clamped := min(max(first, minAuto), maxAuto)
	c.log.Warn("could not find best starting auto level, using first level",
		slog.Int("first_level", first), slog.Int("clamped", clamped))
	return clamped
}

func (c *Controller) nextABRAutoLevel() int {
	if c.levels.Len() <= 1 {
		return max(c.levels.LoadLevel(), 0)
	}
	minAuto, maxAuto := c.levels.MinAutoLevel(), c.levels.MaxAutoLevel()
	fragDuration := c.currentFragDuration()
	bw := c.BandwidthEstimate()
	starvation := c.StarvationDelay()
	bwFactor, bwUpFactor := c.cfg.BandWidthFactor, c.cfg.BandWidthUpFactor

	// First look for a level that plays without any rebuffering.
	if starvation > 0 {
		if best := c.findBestLevel(bw, minAuto, maxAuto, starvation, 0, bwFactor, bwUpFactor); best >= 0 {
			c.rebufferNotice = -1
			return best
		}
	}

	maxStarvation := c.cfg.MaxStarvationDelay
	if fragDuration > 0 {
		maxStarvation = math.Min(fragDuration, maxStarvation)
	}
	if starvation == 0 && c.bitrateTestDelay > 0 {
		maxLoading := c.cfg.MaxLoadingDelay
		if fragDuration > 0 {
			maxLoading = math.Min(fragDuration, maxLoading)
		}
		maxStarvation = maxLoading - c.bitrateTestDelay
		c.log.Debug("bitrate test took its time, adjusting max starvation delay",
			slog.Float64("bitrate_test_delay", c.bitrateTestDelay),
			slog.Float64("max_starvation_delay", maxStarvation))
		bwFactor, bwUpFactor = 1, 1
	}

	best := c.findBestLevel(bw, minAuto, maxAuto, starvation, maxStarvation, bwFactor, bwUpFactor)
	if c.rebufferNotice != best {
		c.rebufferNotice = best
		c.log.Info("rebuffering expected",
			slog.Float64("starvation_delay", starvation),
			slog.Float64("max_starvation_delay", maxStarvation),
			slog.Int("level", best))
	}
	return best
}

// findBestLevel scans from maxAuto down and returns the highest level whose
// bitrate fits the adjusted bandwidth and whose fetch fits the time budget of
// starvation + maxStarvation seconds, or -1.
func (c *Controller) findBestLevel(bw float64, minAuto, maxAuto int, starvation, maxStarvation, bwFactor, bwUpFactor float64) int {
	maxFetch := starvation + maxStarvation
	if c.levels.Len() == 1 {
		return 0
	}
	base := c.lastLoadedFragLevel
	if base == -1 {
		base = c.levels.FirstLevel()
	}
	level := c.levels.Level(base)
	live := c.levels.Live()
	firstSelection := c.levels.LoadLevel() == -1 || c.lastLoadedFragLevel == -1

	var codecSet string
	videoRange := media.VideoRangeSDR
	var frameRate float64
	if level != nil {
		frameRate = level.FrameRate
	}
	minStartIndex := -1
	if firstSelection {
		if c.firstSelection != -1 {
			return c.firstSelection
		}
		if c.tiers == nil {
			c.tiers = CodecTiers(c.levels.Levels(), minAuto, maxAuto)
		}
		st := startCodecTier(c.tiers, videoRange, bw, c.cfg)
		minStartIndex = st.MinIndex
		codecSet = st.CodecSet
		videoRange = st.Range()
		frameRate = st.MinFrameRate
		bw = math.Max(bw, float64(st.MinBitrate))
		c.log.Debug("picked start tier", slog.String("codec_set", codecSet),
			slog.String("video_range", string(videoRange)), slog.Int("min_index", minStartIndex))
	} else if level != nil {
		codecSet = level.CodecSet()
		videoRange = level.Range()
	}

	fragDuration := c.currentFragDuration()
	ttfbSec := c.est.EstimateTTFB().Seconds()
	for i := maxAuto; i >= minAuto; i-- {
		cand := c.levels.Level(i)
		if cand == nil {
			continue
		}
		up := i > base
		mismatch := (codecSet != "" && cand.CodecSet() != codecSet) ||
			(videoRange != "" && cand.Range() != videoRange) ||
			(up && frameRate > cand.FrameRate) ||
			(!up && frameRate > 0 && frameRate < cand.FrameRate)
		if mismatch && !(firstSelection && i == minStartIndex) {
			continue
		}

		avgDuration := fragDuration
		if d := cand.Details; d != nil {
			if c.partCurrent != nil && d.PartTarget > 0 {
				avgDuration = d.PartTarget
			} else if a := d.AverageTargetDuration(); a > 0 {
				avgDuration = a
			}
		}
		adjusted := bwFactor * bw
		if up {
			adjusted = bwUpFactor * bw
		}
		bitrate := float64(cand.MaxBitrate())
		if fragDuration > 0 && starvation >= fragDuration*2 && maxStarvation == 0 {
			bitrate = float64(cand.AvgBitrate())
		}
		fetch := c.timeToLoadFrag(ttfbSec, adjusted, bitrate*avgDuration, cand.Details == nil)

		noErrors := i == c.lastLoadedFragLevel || !cand.HasErrors()
		fits := fetch <= ttfbSec || math.IsInf(fetch, 0) || math.IsNaN(fetch) ||
			(live && c.bitrateTestDelay == 0) || fetch < maxFetch
		if adjusted >= bitrate && noErrors && fits {
			if i != c.levels.LoadLevel() {
				c.log.Debug("switch candidate",
					slog.Int("from", base), slog.Int("to", i),
					slog.Float64("adjusted_bw", math.Round(adjusted)),
					slog.Float64("bitrate", bitrate),
					slog.Float64("fetch_duration", fetch),
					slog.Float64("max_fetch_duration", maxFetch),
					slog.Bool("first_selection", firstSelection))
			}
			if firstSelection {
				c.firstSelection = i
			}
			return i
		}
	}
	return -1
}

// timeToLoadFrag estimates seconds to fetch sizeBits, plus a playlist load when
// switching to a level whose playlist is not loaded yet.
func (c *Controller) timeToLoadFrag(ttfbSec, bw, sizeBits float64, isSwitch bool) float64 {
	t := ttfbSec + sizeBits/bw
	if isSwitch {
		t += c.lastLevelLoadSec
	}
	return t
}

func (c *Controller) currentFragDuration() float64 {
	if c.partCurrent != nil {
		return c.partCurrent.Duration
	}
	if c.fragCurrent != nil {
		return c.fragCurrent.Duration
	}
	return 0
}

func (c *Controller) autoLevelKey() string {
	return fmt.Sprintf("%v_%.2f", c.BandwidthEstimate(), c.StarvationDelay())
}

func ignoreFragment(frag *media.Segment) bool {
	return frag.Type != media.PlaylistMain || frag.IsInit()
}

func statsOf(frag *media.Segment, part *media.Part) *media.LoadStats {
	if part != nil {
		return &part.Stats
	}
	return &frag.Stats
}

func durationOf(frag *media.Segment, part *media.Part) float64 {
	if part != nil {
		return part.Duration
	}
	return frag.Duration
}
