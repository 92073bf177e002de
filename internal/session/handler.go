package session

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"hls-abr/internal/platform/metrics"
	"hls-abr/internal/player"
	"hls-abr/internal/playlist"
	"hls-abr/internal/recovery"
)

const (
	playlistContentType = "application/vnd.apple.mpegurl"
	maxPlaylistBytes    = 4 << 20
)

// Handler exposes session HTTP endpoints using go-chi.
type Handler struct {
	svc     *Service
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewHandler returns a Handler that uses the given Service, Logger, and optional Metrics.
// Metrics may be nil to disable metric recording (e.g. in tests).
func NewHandler(svc *Service, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{svc: svc, log: log, metrics: m}
}

// Register mounts the session routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Post("/sessions", h.CreateSession)
	r.Route("/sessions/{session_id}", func(r chi.Router) {
		r.Delete("/", h.EndSession)
		r.Get("/next-level", h.NextLevel)
		r.Put("/level", h.SetLevel)
		r.Post("/errors", h.ReportError)
		r.Route("/levels/{level}", func(r chi.Router) {
			r.Post("/playlist", h.SubmitPlaylist)
			r.Get("/playlist.m3u8", h.GetPlaylist)
		})
		r.Route("/fragments", func(r chi.Router) {
			r.Post("/loading", h.FragmentLoading)
			r.Post("/progress", h.FragmentProgress)
			r.Post("/loaded", h.FragmentLoaded)
			r.Post("/buffered", h.FragmentBuffered)
		})
	})
}

// CreateSession handles POST /sessions.
// Body: a master playlist, either raw with the HLS content type or as
// { "master": "#EXTM3U..." }.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	master, err := readPlaylistBody(r, "master")
	if err != nil {
		h.log.Debug("invalid session body", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, err)
		return
	}

	info, err := h.svc.Create(master)
	if err != nil {
		h.fail(w, "create session failed", "", err)
		return
	}
	if h.metrics != nil {
		h.metrics.IncSessionsCreated()
	}
	writeJSON(w, http.StatusCreated, info)
}

// NextLevel handles GET /sessions/{session_id}/next-level?buffer=&rate=&paused=.
func (h *Handler) NextLevel(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	pb, err := playbackFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	d, err := h.svc.NextLevel(id, pb)
	if err != nil {
		h.fail(w, "next level failed", id, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// SetLevel handles PUT /sessions/{session_id}/level.
// Body: { "level": 2 }, or -1 for automatic selection.
func (h *Handler) SetLevel(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	var body struct {
		Level *int `json:"level"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Level == nil {
		writeError(w, http.StatusBadRequest, errors.New("level is required"))
		return
	}
	if err := h.svc.SetManualLevel(id, *body.Level); err != nil {
		h.fail(w, "set level failed", id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SubmitPlaylist handles POST /sessions/{session_id}/levels/{level}/playlist?load_ms=.
// Body: the media playlist the client fetched.
func (h *Handler) SubmitPlaylist(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	level, err := strconv.Atoi(chi.URLParam(r, "level"))
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("level must be an integer"))
		return
	}
	var loadTime time.Duration
	if v := r.URL.Query().Get("load_ms"); v != "" {
		ms, err := strconv.ParseFloat(v, 64)
		if err != nil || ms < 0 {
			writeError(w, http.StatusBadRequest, errors.New("load_ms must be a non-negative number"))
			return
		}
		loadTime = time.Duration(ms * float64(time.Millisecond))
	}
	text, err := readPlaylistBody(r, "playlist")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	info, err := h.svc.LevelLoaded(id, level, text, loadTime)
	if err != nil {
		h.fail(w, "submit playlist failed", id, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// GetPlaylist handles GET /sessions/{session_id}/levels/{level}/playlist.m3u8.
func (h *Handler) GetPlaylist(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	level, err := strconv.Atoi(chi.URLParam(r, "level"))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	out, err := h.svc.MediaPlaylist(id, level)
	if err != nil {
		h.fail(w, "get playlist failed", id, err)
		return
	}
	w.Header().Set("Content-Type", playlistContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, out)
}

// FragmentLoading handles POST /sessions/{session_id}/fragments/loading.
// Body: { "level": 2, "sn": 10, "duration": 4.0, "playback": {"buffer": 12.5} }.
func (h *Handler) FragmentLoading(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	rep, ok := decodeFragment(w, r)
	if !ok {
		return
	}
	if err := h.svc.FragmentLoading(id, rep); err != nil {
		h.fail(w, "fragment loading failed", id, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// FragmentProgress handles POST /sessions/{session_id}/fragments/progress.
// Body: { "level": 2, "sn": 10, "loaded": 250000, "total": 1000000 }.
func (h *Handler) FragmentProgress(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	rep, ok := decodeFragment(w, r)
	if !ok {
		return
	}
	p, err := h.svc.FragmentProgress(id, rep)
	if err != nil {
		h.fail(w, "fragment progress failed", id, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// FragmentLoaded handles POST /sessions/{session_id}/fragments/loaded.
func (h *Handler) FragmentLoaded(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	rep, ok := decodeFragment(w, r)
	if !ok {
		return
	}
	if err := h.svc.FragmentLoaded(id, rep); err != nil {
		h.fail(w, "fragment loaded failed", id, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// FragmentBuffered handles POST /sessions/{session_id}/fragments/buffered.
func (h *Handler) FragmentBuffered(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	rep, ok := decodeFragment(w, r)
	if !ok {
		return
	}
	d, err := h.svc.FragmentBuffered(id, rep)
	if err != nil {
		h.fail(w, "fragment buffered failed", id, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// ReportError handles POST /sessions/{session_id}/errors.
// Body: { "type": "networkError", "details": "fragLoadError", "level": 2, "sn": 10, "http_status": 503 }.
// Unrecoverable failures answer 422 with the fatal action.
func (h *Handler) ReportError(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	var rep ErrorReport
	if err := json.NewDecoder(r.Body).Decode(&rep); err != nil {
		h.log.Debug("invalid error body", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := h.svc.ReportError(id, rep)
	switch {
	case errors.Is(err, recovery.ErrFatal):
		h.log.Warn("session failed",
			slog.String("session_id", string(id)),
			slog.String("details", rep.Details),
			slog.String("error", err.Error()))
		writeJSON(w, http.StatusUnprocessableEntity, res)
	case err != nil:
		h.fail(w, "report error failed", id, err)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

// EndSession handles DELETE /sessions/{session_id}.
func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	if err := h.svc.End(id); err != nil {
		h.fail(w, "end session failed", id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
	if h.metrics != nil {
		h.metrics.IncSessionsEnded("deleted")
	}
}

// fail maps service errors onto status codes.
func (h *Handler) fail(w http.ResponseWriter, msg string, id ID, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrSessionEnded):
		status = http.StatusConflict
	case errors.Is(err, recovery.ErrFatal):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, ErrUnknownFragment):
		status = http.StatusConflict
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, player.ErrUnknownLevel),
		errors.Is(err, playlist.ErrInvalidPlaylist),
		errors.Is(err, playlist.ErrNotMaster),
		errors.Is(err, playlist.ErrNotMedia),
		errors.Is(err, playlist.ErrNoVariants):
		status = http.StatusBadRequest
	}
	attrs := []any{slog.String("error", err.Error()), slog.Int("status", status)}
	if id != "" {
		attrs = append(attrs, slog.String("session_id", string(id)))
	}
	if status == http.StatusInternalServerError {
		h.log.Error(msg, attrs...)
	} else {
		h.log.Debug(msg, attrs...)
	}
	writeError(w, status, err)
}

func sessionID(r *http.Request) ID { return ID(chi.URLParam(r, "session_id")) }

func decodeFragment(w http.ResponseWriter, r *http.Request) (FragmentReport, bool) {
	var rep FragmentReport
	if err := json.NewDecoder(r.Body).Decode(&rep); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return rep, false
	}
	return rep, true
}

// readPlaylistBody accepts a raw playlist or a JSON object holding it under key.
func readPlaylistBody(r *http.Request, key string) (string, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPlaylistBytes))
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		return string(body), nil
	}
	var obj map[string]string
	if err := json.Unmarshal(body, &obj); err != nil {
		return "", err
	}
	text, ok := obj[key]
	if !ok || text == "" {
		return "", errors.New(key + " is required")
	}
	return text, nil
}

func playbackFromQuery(r *http.Request) (*PlaybackState, error) {
	q := r.URL.Query()
	pb := &PlaybackState{}
	if v := q.Get("buffer"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, errors.New("buffer must be a number")
		}
		pb.Buffer = &f
	}
	if v := q.Get("rate"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, errors.New("rate must be a number")
		}
		pb.Rate = &f
	}
	if v := q.Get("paused"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, errors.New("paused must be a boolean")
		}
		pb.Paused = &b
	}
	return pb, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
