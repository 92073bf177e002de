package recovery

import "hls-abr/internal/media"

// State is the read-only view the classifier decides from.
type State struct {
	Levels           []*media.Rendition
	LoadLevel        int
	MinAutoLevel     int
	MaxAutoLevel     int
	AutoLevelEnabled bool
	// PlaylistErrors is the current playlist retry streak.
	PlaylistErrors int
	Config         Config
}

// StateOf snapshots a level set.
func StateOf(levels *media.LevelSet, playlistErrors int, cfg Config) State {
	return State{
		Levels:           levels.Levels(),
		LoadLevel:        levels.LoadLevel(),
		MinAutoLevel:     levels.MinAutoLevel(),
		MaxAutoLevel:     levels.MaxAutoLevel(),
		AutoLevelEnabled: levels.AutoLevelEnabled(),
		PlaylistErrors:   playlistErrors,
		Config:           cfg,
	}
}

func (st State) level(i int) *media.Rendition {
	if i < 0 || i >= len(st.Levels) {
		return nil
	}
	return st.Levels[i]
}

// Classify maps a failure to an action. It reads but never mutates st; the
// counters to bump are returned in ErrorAction.Penalty.
func Classify(ev *ErrorEvent, st State) ErrorAction {
	switch ev.Details {
	case FragLoadError, FragLoadTimeout, KeyLoadError, KeyLoadTimeout:
		return fragRetryOrSwitch(ev, st)

	case FragParsingError:
		if ev.Frag != nil && ev.Frag.Gap {
			return DoNothing(false)
		}
		return preferSwitch(ev, st)
	case FragGap, FragDecryptError:
		return preferSwitch(ev, st)

	case LevelEmptyError, LevelParsingError:
		idx := ev.Level
		if idx < 0 {
			idx = st.LoadLevel
		}
		if ev.Details == LevelEmptyError && ev.Context != nil && ev.Context.Live {
			return playlistRetryOrSwitch(ev, st, idx)
		}
		return levelSwitch(ev, st, idx)

	case LevelLoadError, LevelLoadTimeout:
		if ev.Context == nil {
			return DoNothing(false)
		}
		return playlistRetryOrSwitch(ev, st, ev.Context.Level)

	case AudioTrackLoadError, AudioTrackLoadTimeout, SubtitleLoadError, SubtitleLoadTimeout:
		if ev.Context == nil {
			return DoNothing(false)
		}
		level := st.level(st.LoadLevel)
		if level == nil {
			return DoNothing(false)
		}
		if (ev.Context.Type == ContextAudioTrack && level.HasAudioGroup(ev.Context.GroupID)) ||
			(ev.Context.Type == ContextSubtitleTrack && level.HasSubtitleGroup(ev.Context.GroupID)) {
			a := playlistRetryOrSwitch(ev, st, st.LoadLevel)
			// while retries remain the playlist request is re-issued
			a.Resolved = a.Action == ActionRetry
			a.Action = ActionSwitch
			a.Flags = FlagMatchingHost
			return a
		}
		return DoNothing(false)

	case KeySystemOutputRestricted:
		if level := st.level(st.LoadLevel); level != nil && level.HDCPLevel != "" {
			return ErrorAction{
				Action:        ActionSwitch,
				Flags:         FlagMatchingHDCP,
				HDCPLevel:     level.HDCPLevel,
				NextAutoLevel: -1,
				Penalty:       Penalty{Level: -1},
			}
		}
		return keySystemError(ev, st)

	case BufferAddCodecError, RemuxAllocError, BufferAppendError:
		if ev.Action != nil {
			return *ev.Action
		}
		idx := ev.Level
		if idx < 0 {
			idx = st.LoadLevel
		}
		return levelSwitch(ev, st, idx)

	case BufferFullError, BufferIncompatibleCodecs,
		ManifestLoadError, ManifestLoadTimeout, ManifestParsingError, ManifestIncompatibleCodecs:
		return fatal()

	case InternalException, InternalAbort, BufferAppendingError, LevelSwitchError,
		BufferStalledError, BufferSeekOverHole, BufferNudgeOnStall:
		return DoNothing(true)
	}

	if ev.Type == KeySystemError {
		return keySystemError(ev, st)
	}
	return DoNothing(false)
}

// variantLevel is the rendition a fragment failure is charged to.
func variantLevel(ev *ErrorEvent, st State) int {
	if ev.Frag != nil && ev.Frag.Type == media.PlaylistMain {
		return ev.Frag.Level
	}
	return st.LoadLevel
}

func fragRetryOrSwitch(ev *ErrorEvent, st State) ErrorAction {
	idx := variantLevel(ev, st)
	policy := st.Config.FragLoadPolicy
	if ev.Details.IsKey() {
		policy = st.Config.KeyLoadPolicy
	}
	rc := policy.retryConfig(ev)

	// the count is shared by every rendition
	var count int
	for _, l := range st.Levels {
		count += l.FragmentErrors()
	}
	fragErr := ev.Details != FragGap

	if st.level(idx) != nil && shouldRetry(rc, count, ev.Timeout(), ev.HTTPStatus) {
		return ErrorAction{
			Action:        ActionRetry,
			RetryConfig:   rc,
			RetryCount:    count,
			NextAutoLevel: -1,
			Penalty:       Penalty{Level: idx, FragmentError: fragErr},
		}
	}
	a := levelSwitch(ev, st, idx)
	if st.level(idx) != nil && fragErr {
		a.Penalty.FragmentError = true
	}
	if rc != nil {
		a.RetryConfig = rc
		a.RetryCount = count
	}
	return a
}

// preferSwitch takes the fragment retry-or-switch path but switches even
// while retries remain. Without a switch target the action stays resolved
// until the ceiling is reached, so the request is simply re-issued.
func preferSwitch(ev *ErrorEvent, st State) ErrorAction {
	a := fragRetryOrSwitch(ev, st)
	if a.Action != ActionRetry {
		return a
	}
	sw := levelSwitch(ev, st, variantLevel(ev, st))
	sw.RetryConfig = a.RetryConfig
	sw.RetryCount = a.RetryCount
	sw.Penalty.FragmentError = sw.Penalty.FragmentError || a.Penalty.FragmentError
	if sw.NextAutoLevel < 0 {
		sw.Resolved = true
	}
	return sw
}

func playlistRetryOrSwitch(ev *ErrorEvent, st State, idx int) ErrorAction {
	rc := st.Config.PlaylistLoadPolicy.retryConfig(ev)
	count := st.PlaylistErrors
	if shouldRetry(rc, count, ev.Timeout(), ev.HTTPStatus) {
		return ErrorAction{
			Action:        ActionRetry,
			RetryConfig:   rc,
			RetryCount:    count,
			NextAutoLevel: -1,
			Penalty:       Penalty{Level: -1, PlaylistError: true},
		}
	}
	a := levelSwitch(ev, st, idx)
	a.Penalty.PlaylistError = true
	if rc != nil {
		a.RetryConfig = rc
		a.RetryCount = count
	}
	return a
}

func keySystemError(ev *ErrorEvent, st State) ErrorAction {
	a := levelSwitch(ev, st, variantLevel(ev, st))
	if ev.KeyID != "" {
		a.Flags = FlagMatchingKey
		a.KeyID = ev.KeyID
	}
	return a
}

// levelSwitch charges a load error to level idx and looks for another level,
// scanning cyclically from the one below the load level.
func levelSwitch(ev *ErrorEvent, st State, idx int) ErrorAction {
	if idx < 0 {
		idx = st.LoadLevel
	}
	level := st.level(idx)
	if level == nil {
		return ErrorAction{Action: ActionSwitch, Flags: FlagMatchingHost, NextAutoLevel: -1, Penalty: Penalty{Level: -1}}
	}
	pen := Penalty{
		Level:         idx,
		LoadError:     true,
		FragmentError: ev.Details == BufferAppendError,
		EnableAuto:    !st.AutoLevelEnabled,
	}

	var fragType media.PlaylistType
	if ev.Frag != nil {
		fragType = ev.Frag.Type
	}
	codecErr := ev.Details == BufferAddCodecError || ev.Details == BufferAppendError
	audioCodecErr := (fragType == media.PlaylistAudio && ev.Details == FragParsingError) ||
		(ev.SinkName == "audio" && codecErr)
	findAudioAlt := audioCodecErr && anyLevel(st.Levels, func(l *media.Rendition) bool {
		return l.AudioCodec != level.AudioCodec
	})
	findVideoAlt := ev.SinkName == "video" && codecErr && anyLevel(st.Levels, func(l *media.Rendition) bool {
		return l.CodecSet() != level.CodecSet() && l.AudioCodec == level.AudioCodec
	})
	var ctxType ContextType
	var ctxGroup string
	if ev.Context != nil {
		ctxType, ctxGroup = ev.Context.Type, ev.Context.GroupID
	}

	next := -1
	n := len(st.Levels)
	for i := n; i > 0; i-- {
		c := (i + st.LoadLevel) % n
		if c < 0 || c == st.LoadLevel || c == idx || c < st.MinAutoLevel || c > st.MaxAutoLevel {
			continue
		}
		cand := st.Levels[c]
		if cand.LoadErrors() > 0 {
			continue
		}
		if ev.Details == FragGap && fragType == media.PlaylistMain && ev.Frag != nil {
			if cand.Details != nil {
				if f := media.FindFragmentByPTS(nil, cand.Details.Fragments, ev.Frag.Start, 0); f != nil && f.Gap {
					continue
				}
			}
		} else if (ctxType == ContextAudioTrack && cand.HasAudioGroup(ctxGroup)) ||
			(ctxType == ContextSubtitleTrack && cand.HasSubtitleGroup(ctxGroup)) {
			continue
		} else if (fragType == media.PlaylistAudio && sharesGroup(level.AudioGroups, cand.AudioGroups)) ||
			(fragType == media.PlaylistSubtitle && sharesGroup(level.SubtitleGroups, cand.SubtitleGroups)) ||
			(findAudioAlt && level.AudioCodec == cand.AudioCodec) ||
			(!findAudioAlt && level.AudioCodec != cand.AudioCodec) ||
			(findVideoAlt && level.CodecSet() == cand.CodecSet()) {
			continue
		}
		next = c
		break
	}

	if next > -1 {
		pen.ResetPlaylistErrors = true
		return ErrorAction{Action: ActionSwitch, Flags: FlagNone, NextAutoLevel: next, Penalty: pen}
	}
	return ErrorAction{Action: ActionSwitch, Flags: FlagMatchingHost, NextAutoLevel: -1, Penalty: pen}
}

func anyLevel(levels []*media.Rendition, fn func(*media.Rendition) bool) bool {
	for _, l := range levels {
		if fn(l) {
			return true
		}
	}
	return false
}

func sharesGroup(a, b []string) bool {
	for _, g := range a {
		for _, h := range b {
			if g == h {
				return true
			}
		}
	}
	return false
}
