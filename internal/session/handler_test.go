package session

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"hls-abr/internal/platform/metrics"
	"hls-abr/internal/player"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	repo := NewInMemoryRepository()
	svc := NewService(repo, player.DefaultConfig(), 3, nil)
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewHandler(svc, log, metrics.New())
}

func newTestRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()
	h.Register(r)
	return r
}

func do(t *testing.T, r http.Handler, method, path, contentType string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	return do(t, r, method, path, "application/json", b)
}

func createViaHTTP(t *testing.T, r http.Handler) Info {
	t.Helper()
	rec := do(t, r, http.MethodPost, "/sessions", playlistContentType, []byte(masterText))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var info Info
	if err := json.NewDecoder(rec.Body).Decode(&info); err != nil {
		t.Fatalf("decode info: %v", err)
	}
	return info
}

func TestHandler_CreateSession(t *testing.T) {
	h := newTestHandler(t)
	r := newTestRouter(h)

	info := createViaHTTP(t, r)
	if info.ID == "" || len(info.Levels) != 3 {
		t.Errorf("info = %+v", info)
	}

	rec := doJSON(t, r, http.MethodPost, "/sessions", map[string]string{"master": masterText})
	if rec.Code != http.StatusCreated {
		t.Errorf("json body: expected 201, got %d", rec.Code)
	}
}

func TestHandler_CreateSession_bad_request(t *testing.T) {
	h := newTestHandler(t)
	r := newTestRouter(h)

	tests := []struct {
		name        string
		contentType string
		body        string
	}{
		{"not json", "application/json", "not json"},
		{"missing master", "application/json", `{"other": "x"}`},
		{"media playlist", playlistContentType, vodText},
		{"garbage", playlistContentType, "hello"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, r, http.MethodPost, "/sessions", tt.contentType, []byte(tt.body))
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestHandler_NextLevel(t *testing.T) {
	h := newTestHandler(t)
	r := newTestRouter(h)
	info := createViaHTTP(t, r)

	rec := do(t, r, http.MethodGet, "/sessions/"+string(info.ID)+"/next-level?buffer=10&rate=1&paused=false", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var d Decision
	if err := json.NewDecoder(rec.Body).Decode(&d); err != nil {
		t.Fatal(err)
	}
	if d.Level < 0 || d.Level >= len(info.Levels) {
		t.Errorf("level %d outside ladder", d.Level)
	}

	rec = do(t, r, http.MethodGet, "/sessions/"+string(info.ID)+"/next-level?buffer=lots", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad query: expected 400, got %d", rec.Code)
	}
}

func TestHandler_not_found(t *testing.T) {
	h := newTestHandler(t)
	r := newTestRouter(h)

	tests := []struct {
		method, path string
	}{
		{http.MethodGet, "/sessions/missing/next-level"},
		{http.MethodDelete, "/sessions/missing"},
		{http.MethodGet, "/sessions/missing/levels/0/playlist.m3u8"},
	}
	for _, tt := range tests {
		rec := do(t, r, tt.method, tt.path, "", nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s %s: expected 404, got %d", tt.method, tt.path, rec.Code)
		}
	}
}

func TestHandler_playlist_round_trip(t *testing.T) {
	h := newTestHandler(t)
	r := newTestRouter(h)
	info := createViaHTTP(t, r)
	base := "/sessions/" + string(info.ID) + "/levels/1"

	rec := do(t, r, http.MethodPost, base+"/playlist?load_ms=40", playlistContentType, []byte(liveText(20, 5)))
	if rec.Code != http.StatusOK {
		t.Fatalf("submit: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(t, r, http.MethodGet, base+"/playlist.m3u8", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != playlistContentType {
		t.Errorf("content type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "#EXT-X-MEDIA-SEQUENCE:22") {
		t.Errorf("expected sliding window from 22:\n%s", rec.Body.String())
	}

	rec = do(t, r, http.MethodPost, base+"/playlist?load_ms=-1", playlistContentType, []byte(vodText))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("negative load time: expected 400, got %d", rec.Code)
	}
	rec = do(t, r, http.MethodPost, "/sessions/"+string(info.ID)+"/levels/x/playlist", playlistContentType, []byte(vodText))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad level: expected 400, got %d", rec.Code)
	}
}

func TestHandler_fragment_flow(t *testing.T) {
	h := newTestHandler(t)
	r := newTestRouter(h)
	info := createViaHTTP(t, r)
	base := "/sessions/" + string(info.ID)

	if rec := do(t, r, http.MethodPost, base+"/levels/0/playlist", playlistContentType, []byte(vodText)); rec.Code != http.StatusOK {
		t.Fatalf("submit: %d", rec.Code)
	}

	frag := map[string]any{"level": 0, "sn": 10, "playback": map[string]any{"buffer": 6.0}}
	if rec := doJSON(t, r, http.MethodPost, base+"/fragments/loading", frag); rec.Code != http.StatusAccepted {
		t.Fatalf("loading: expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	frag["loaded"], frag["total"] = 10_000, 400_000
	rec := doJSON(t, r, http.MethodPost, base+"/fragments/progress", frag)
	if rec.Code != http.StatusOK {
		t.Fatalf("progress: expected 200, got %d", rec.Code)
	}
	var p Progress
	if err := json.NewDecoder(rec.Body).Decode(&p); err != nil {
		t.Fatal(err)
	}
	if p.Abort {
		t.Errorf("progress = %+v, want the load to continue", p)
	}

	frag["loaded"] = 400_000
	if rec := doJSON(t, r, http.MethodPost, base+"/fragments/loaded", frag); rec.Code != http.StatusAccepted {
		t.Fatalf("loaded: expected 202, got %d", rec.Code)
	}
	if rec := doJSON(t, r, http.MethodPost, base+"/fragments/buffered", frag); rec.Code != http.StatusOK {
		t.Fatalf("buffered: expected 200, got %d", rec.Code)
	}

	// the fragment is no longer in flight
	if rec := doJSON(t, r, http.MethodPost, base+"/fragments/progress", frag); rec.Code != http.StatusConflict {
		t.Errorf("progress after buffered: expected 409, got %d", rec.Code)
	}
	if rec := do(t, r, http.MethodPost, base+"/fragments/loading", "application/json", []byte("{")); rec.Code != http.StatusBadRequest {
		t.Errorf("bad body: expected 400, got %d", rec.Code)
	}
}

func TestHandler_SetLevel(t *testing.T) {
	h := newTestHandler(t)
	r := newTestRouter(h)
	info := createViaHTTP(t, r)
	base := "/sessions/" + string(info.ID)

	if rec := doJSON(t, r, http.MethodPut, base+"/level", map[string]int{"level": 2}); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	rec := do(t, r, http.MethodGet, base+"/next-level", "", nil)
	var d Decision
	if err := json.NewDecoder(rec.Body).Decode(&d); err != nil {
		t.Fatal(err)
	}
	if d.Level != 2 {
		t.Errorf("level = %d, want 2", d.Level)
	}

	if rec := doJSON(t, r, http.MethodPut, base+"/level", map[string]int{"level": 9}); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown level: expected 400, got %d", rec.Code)
	}
	if rec := doJSON(t, r, http.MethodPut, base+"/level", map[string]string{}); rec.Code != http.StatusBadRequest {
		t.Errorf("missing level: expected 400, got %d", rec.Code)
	}
}

func TestHandler_ReportError(t *testing.T) {
	h := newTestHandler(t)
	r := newTestRouter(h)
	info := createViaHTTP(t, r)
	base := "/sessions/" + string(info.ID)

	rec := doJSON(t, r, http.MethodPost, base+"/errors", map[string]any{
		"type": "networkError", "details": "levelLoadError", "level": 1,
		"context": "level", "http_status": 404,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("recoverable: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, r, http.MethodPost, base+"/errors", map[string]any{
		"type": "networkError", "details": "manifestLoadError",
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("fatal: expected 422, got %d", rec.Code)
	}
	var res ActionResult
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res.Action != "fatal" {
		t.Errorf("action = %q, want fatal", res.Action)
	}

	if rec := do(t, r, http.MethodGet, base+"/next-level", "", nil); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("next level after fatal: expected 422, got %d", rec.Code)
	}
}

func TestHandler_EndSession(t *testing.T) {
	h := newTestHandler(t)
	r := newTestRouter(h)
	info := createViaHTTP(t, r)

	if rec := do(t, r, http.MethodDelete, "/sessions/"+string(info.ID), "", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec := do(t, r, http.MethodGet, "/sessions/"+string(info.ID)+"/next-level", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("after end: expected 404, got %d", rec.Code)
	}
}
