package logger

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func TestNewWriter_levels_and_formats(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn", "json")
	log.Info("dropped")
	log.Warn("kept", "k", 1)
	if strings.Contains(buf.String(), "dropped") {
		t.Error("info record written at warn level")
	}
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("not json: %q", buf.String())
	}
	if rec["msg"] != "kept" {
		t.Errorf("msg = %v", rec["msg"])
	}

	buf.Reset()
	NewWriter(&buf, "debug", "text").Debug("hello")
	if !strings.Contains(buf.String(), "msg=hello") {
		t.Errorf("text output = %q", buf.String())
	}
}

func TestRequestLogger_logs_request_id(t *testing.T) {
	var buf bytes.Buffer
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(NewWriter(&buf, "info", "json")))
	r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("pong"))
	})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(middleware.RequestIDHeader, "req-7")
	r.ServeHTTP(httptest.NewRecorder(), req)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("not json: %q", buf.String())
	}
	if rec["request_id"] != "req-7" || rec["status"] != float64(http.StatusTeapot) || rec["size"] != float64(4) {
		t.Errorf("record = %v", rec)
	}
}

func TestDiscard(t *testing.T) {
	Discard().Error("nothing happens")
}
