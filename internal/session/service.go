package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"hls-abr/internal/media"
	"hls-abr/internal/player"
	"hls-abr/internal/playlist"
	"hls-abr/internal/recovery"
)

var (
	// ErrInvalidRequest is returned for reports that do not match the session.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrUnknownFragment is returned for progress on a fragment that was not
	// reported as loading, or whose load was aborted.
	ErrUnknownFragment = errors.New("fragment is not loading")
)

// Service implements the decision server's business logic.
// It is safe for concurrent use: the repository serializes calls per session.
type Service struct {
	repo       Repository
	cfg        player.Config
	recorder   player.Recorder
	windowSize int
	log        *slog.Logger
	now        func() time.Time
}

// NewService creates a new session service. windowSize is the number of
// fragments served in live media playlists.
func NewService(repo Repository, cfg player.Config, windowSize int, log *slog.Logger) *Service {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Service{
		repo:       repo,
		cfg:        cfg,
		windowSize: windowSize,
		log:        log.With(slog.String("component", "session")),
		now:        time.Now,
	}
}

// SetRecorder attaches r to every session created afterwards.
func (s *Service) SetRecorder(r player.Recorder) { s.recorder = r }

// SetClock replaces the clock passed to session cores.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Create starts a session for the given master playlist.
func (s *Service) Create(master string) (*Info, error) {
	levels, err := playlist.ParseMaster(strings.NewReader(master))
	if err != nil {
		return nil, err
	}
	id := ID(uuid.NewString())
	core, err := player.New(s.cfg, levels, s.log.With(slog.String("session_id", string(id))))
	if err != nil {
		return nil, err
	}
	core.SetClock(s.now)
	if s.recorder != nil {
		core.SetRecorder(s.recorder)
	}
	core.ManifestLoading()

	if err := s.repo.Create(newSession(id, core, s.now())); err != nil {
		return nil, err
	}
	s.log.Info("session created", slog.String("session_id", string(id)), slog.Int("levels", len(levels)))

	info := &Info{ID: id}
	for i, l := range core.Levels().Levels() {
		info.Levels = append(info.Levels, Level{
			Index:   i,
			URI:     l.URI,
			Bitrate: l.Bitrate,
			Width:   l.Width,
			Height:  l.Height,
			Codecs:  l.CodecSet(),
		})
	}
	return info, nil
}

// NextLevel returns the level the client should load next.
func (s *Service) NextLevel(id ID, pb *PlaybackState) (Decision, error) {
	var d Decision
	err := s.repo.Update(id, func(st *Session) error {
		if err := st.Core.Fatal(); err != nil {
			return err
		}
		st.playback.update(pb)
		d = decision(st.Core, st.Core.NextLevel())
		return nil
	})
	return d, err
}

// SetManualLevel pins the session to level, or re-enables automatic
// selection for -1.
func (s *Service) SetManualLevel(id ID, level int) error {
	return s.repo.Update(id, func(st *Session) error {
		if level != -1 && st.Core.Levels().Level(level) == nil {
			return fmt.Errorf("%w: %w: level %d", ErrInvalidRequest, player.ErrUnknownLevel, level)
		}
		st.Core.Levels().SetManualLevel(level)
		return nil
	})
}

// LevelLoaded stores the media playlist the client fetched for level.
func (s *Service) LevelLoaded(id ID, level int, text string, loadTime time.Duration) (LevelInfo, error) {
	details, err := playlist.ParseMedia(strings.NewReader(text), level)
	if err != nil {
		return LevelInfo{}, err
	}
	var info LevelInfo
	err = s.repo.Update(id, func(st *Session) error {
		if err := st.Core.LevelLoaded(level, details, loadTime); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		info = LevelInfo{
			Level:     level,
			Live:      details.Live,
			StartSN:   details.StartSN,
			EndSN:     details.EndSN,
			Fragments: len(details.Fragments),
			Duration:  details.TotalDuration(),
		}
		return nil
	})
	return info, err
}

// MediaPlaylist renders the stored playlist of level. Live playlists are
// cut to the last windowSize fragments.
func (s *Service) MediaPlaylist(id ID, level int) (string, error) {
	var out string
	err := s.repo.Update(id, func(st *Session) error {
		l := st.Core.Levels().Level(level)
		if l == nil {
			return fmt.Errorf("%w: %w: level %d", ErrInvalidRequest, player.ErrUnknownLevel, level)
		}
		if l.Details == nil {
			return fmt.Errorf("%w: level %d has no playlist", ErrNotFound, level)
		}
		details := l.Details
		if details.Live {
			details = playlist.Window(details, s.windowSize)
		}
		var err error
		out, err = playlist.BuildMediaPlaylist(details)
		return err
	})
	return out, err
}

// FragmentLoading records that the client requested a fragment.
func (s *Service) FragmentLoading(id ID, r FragmentReport) error {
	return s.repo.Update(id, func(st *Session) error {
		if err := st.Core.Fatal(); err != nil {
			return err
		}
		st.playback.update(r.Playback)
		frag, part, err := s.resolve(st, r)
		if err != nil {
			return err
		}
		f := &inflight{frag: frag, part: part}
		if err := st.Core.FragmentLoading(frag, part, f); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		st.inflight[r.key()] = f
		return nil
	})
}

// FragmentProgress records received bytes and reports whether the abandon
// monitor cancelled the load.
func (s *Service) FragmentProgress(id ID, r FragmentReport) (Progress, error) {
	p := Progress{NextLevel: -1}
	err := s.repo.Update(id, func(st *Session) error {
		f, ok := st.inflight[r.key()]
		if !ok {
			return ErrUnknownFragment
		}
		st.playback.update(r.Playback)
		st.Core.FragmentProgress(f.frag, f.part, r.Loaded, r.Total)
		if f.aborted {
			delete(st.inflight, r.key())
			p.Abort = true
			p.NextLevel = st.Core.NextLevel()
		}
		return nil
	})
	return p, err
}

// FragmentLoaded records that the fragment was fully received.
func (s *Service) FragmentLoaded(id ID, r FragmentReport) error {
	return s.repo.Update(id, func(st *Session) error {
		f, ok := st.inflight[r.key()]
		if !ok {
			return ErrUnknownFragment
		}
		st.playback.update(r.Playback)
		if r.Loaded > 0 {
			st.Core.FragmentProgress(f.frag, f.part, r.Loaded, r.Total)
		}
		if err := st.Core.FragmentLoaded(f.frag, f.part); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		return nil
	})
}

// FragmentBuffered records that the fragment was appended and returns the
// updated decision inputs.
func (s *Service) FragmentBuffered(id ID, r FragmentReport) (Decision, error) {
	var d Decision
	err := s.repo.Update(id, func(st *Session) error {
		f, ok := st.inflight[r.key()]
		if !ok {
			return ErrUnknownFragment
		}
		st.playback.update(r.Playback)
		delete(st.inflight, r.key())
		if err := st.Core.FragmentBuffered(f.frag, f.part); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		d = decision(st.Core, st.Core.Levels().LoadLevel())
		return nil
	})
	return d, err
}

// ReportError classifies a client failure. The returned error wraps
// recovery.ErrFatal when the session cannot continue; the result is still
// filled in.
func (s *Service) ReportError(id ID, r ErrorReport) (ActionResult, error) {
	var res ActionResult
	err := s.repo.Update(id, func(st *Session) error {
		ev, err := s.event(st, r)
		if err != nil {
			return err
		}
		a, err := st.Core.HandleError(ev)
		res = ActionResult{
			Action:       a.Action.String(),
			Flags:        a.Flags.String(),
			RetryCount:   a.RetryCount,
			RetryDelayMs: a.RetryDelay().Milliseconds(),
			NextLevel:    a.NextAutoLevel,
			Resolved:     a.Resolved,
		}
		if a.Action != recovery.ActionSwitch {
			res.NextLevel = -1
		}
		return err
	})
	return res, err
}

// End removes a session.
func (s *Service) End(id ID) error {
	if err := s.repo.Delete(id); err != nil {
		return err
	}
	s.log.Info("session ended", slog.String("session_id", string(id)), slog.String("reason", "deleted"))
	return nil
}

// ActiveCount returns the number of live sessions.
func (s *Service) ActiveCount() int { return s.repo.ActiveCount() }

// ReapIdle ends sessions not seen for longer than idle.
func (s *Service) ReapIdle(idle time.Duration) []ID {
	ids := s.repo.ReapIdle(s.now().Add(-idle))
	for _, id := range ids {
		s.log.Info("session ended", slog.String("session_id", string(id)), slog.String("reason", "idle"))
	}
	return ids
}

// RunReaper calls ReapIdle every interval until ctx is done. onReap, when
// set, receives each non-empty batch.
func (s *Service) RunReaper(ctx context.Context, every, idle time.Duration, onReap func([]ID)) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if ids := s.ReapIdle(idle); len(ids) > 0 && onReap != nil {
				onReap(ids)
			}
		}
	}
}

// resolve finds the fragment a report refers to. Fragments of submitted
// playlists are reused so their lifecycle carries across calls.
func (s *Service) resolve(st *Session, r FragmentReport) (*media.Segment, *media.Part, error) {
	l := st.Core.Levels().Level(r.Level)
	if l == nil {
		return nil, nil, fmt.Errorf("%w: %w: level %d", ErrInvalidRequest, player.ErrUnknownLevel, r.Level)
	}

	var frag *media.Segment
	if r.Part != nil {
		// parts of a fragment share its segment
		for k, f := range st.inflight {
			if k.level == r.Level && k.sn == r.SN {
				frag = f.frag
				break
			}
		}
	}
	if frag == nil && l.Details != nil {
		for _, f := range l.Details.Fragments {
			if f.SN == r.SN {
				frag = f
				break
			}
		}
	}
	if frag == nil {
		if r.Duration <= 0 {
			return nil, nil, fmt.Errorf("%w: sn %d is not in level %d and has no duration", ErrInvalidRequest, r.SN, r.Level)
		}
		frag = &media.Segment{SN: r.SN, Level: r.Level, Type: media.PlaylistMain, Duration: r.Duration}
	}
	if r.Part == nil {
		return frag, nil, nil
	}
	dur := r.Duration
	if dur <= 0 && l.Details != nil {
		dur = l.Details.PartTarget
	}
	return frag, &media.Part{Frag: frag, Index: *r.Part, Start: frag.Start, Duration: dur}, nil
}

// event maps a client report onto a recovery event.
func (s *Service) event(st *Session, r ErrorReport) (*recovery.ErrorEvent, error) {
	if r.Type == "" || r.Details == "" {
		return nil, fmt.Errorf("%w: type and details are required", ErrInvalidRequest)
	}
	ev := &recovery.ErrorEvent{
		Type:       recovery.ErrorType(r.Type),
		Details:    recovery.ErrorDetail(r.Details),
		Fatal:      r.Fatal,
		Level:      -1,
		HTTPStatus: r.HTTPStatus,
		MimeType:   r.MimeType,
		KeyID:      r.KeyID,
	}
	if r.Message != "" {
		ev.Err = errors.New(r.Message)
	}
	if r.Level != nil {
		if st.Core.Levels().Level(*r.Level) == nil {
			return nil, fmt.Errorf("%w: %w: level %d", ErrInvalidRequest, player.ErrUnknownLevel, *r.Level)
		}
		ev.Level = *r.Level
	}
	if r.Context != "" {
		ev.Context = &recovery.LoadContext{Type: recovery.ContextType(r.Context), Level: ev.Level, Live: r.Live}
	}
	if r.SN != nil && ev.Level >= 0 {
		ev.Frag = s.lookupFrag(st, ev.Level, *r.SN)
	}
	return ev, nil
}

func (s *Service) lookupFrag(st *Session, level, sn int) *media.Segment {
	for k, f := range st.inflight {
		if k.level == level && k.sn == sn {
			delete(st.inflight, k)
			return f.frag
		}
	}
	if d := st.Core.Levels().Level(level).Details; d != nil {
		for _, f := range d.Fragments {
			if f.SN == sn {
				return f
			}
		}
	}
	return &media.Segment{SN: sn, Level: level, Type: media.PlaylistMain}
}

func decision(c *player.Core, level int) Decision {
	d := Decision{Level: level, EstimateBps: c.BandwidthEstimate()}
	if l := c.Levels().Level(level); l != nil {
		d.Bitrate = l.Bitrate
	}
	return d
}
