package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/scribelabs/whisperd/internal/config"
	"github.com/scribelabs/whisperd/internal/events"
	"github.com/scribelabs/whisperd/internal/history"
	"github.com/scribelabs/whisperd/internal/service"
	"github.com/scribelabs/whisperd/internal/whisper"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeProcessor struct {
	duration   float64
	convertErr error
}

func (f *fakeProcessor) ConvertToWAV(_ context.Context, inputPath, outputPath string) error {
	if f.convertErr != nil {
		return f.convertErr
	}
	data, err := os.ReadFile(inputPath)
	if err != nil {
		return err
	}
	return os.WriteFile(outputPath, data, 0o644)
}

func (f *fakeProcessor) ProbeDuration(_ context.Context, _ string) (float64, error) {
	return f.duration, nil
}

func newTestHandler(t *testing.T, engine whisper.Engine, ready func() bool, mutate func(*config.Config)) http.Handler {
	t.Helper()

	cfg := config.Default()
	cfg.Server.TempDir = t.TempDir()
	cfg.History.Path = filepath.Join(t.TempDir(), "history.db")
	cfg.Events.Servers = nil
	if mutate != nil {
		mutate(&cfg)
	}

	log := newLogger()
	store, err := history.Open(context.Background(), cfg.History, log)
	if err != nil {
		t.Fatalf("open history store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	publisher, err := events.Connect(context.Background(), cfg.Events, log)
	if err != nil {
		t.Fatalf("connect events: %v", err)
	}

	svc, err := service.New(cfg, engine, "small-q8_0", &fakeProcessor{duration: 2.5}, store, publisher, log)
	if err != nil {
		t.Fatalf("create service: %v", err)
	}

	srv, err := NewServer(cfg, svc, ready, log)
	if err != nil {
		t.Fatalf("create server: %v", err)
	}
	return srv.Handler()
}

func uploadRequest(t *testing.T, target, filename, language string, content []byte) *http.Request {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if language != "" {
		if err := mw.WriteField("language", language); err != nil {
			t.Fatalf("write language field: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, target, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return payload
}

func TestHealthEndpoint(t *testing.T) {
	handler := newTestHandler(t, whisper.NewMockEngine(), nil, nil)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	payload := decodeBody(t, rr)
	if payload["status"] != "ok" {
		t.Errorf("status field = %v, want ok", payload["status"])
	}
	if payload["model"] != "small" {
		t.Errorf("model = %v, want small", payload["model"])
	}
	if payload["device"] != "cpu" {
		t.Errorf("device = %v, want cpu", payload["device"])
	}
	if id := rr.Header().Get("X-Request-ID"); len(id) != 8 {
		t.Errorf("X-Request-ID = %q, want 8 characters", id)
	}
	if pt := rr.Header().Get("X-Process-Time"); !strings.HasSuffix(pt, "s") {
		t.Errorf("X-Process-Time = %q, want trailing s", pt)
	}
}

func TestRootRejectsUnknownPath(t *testing.T) {
	handler := newTestHandler(t, whisper.NewMockEngine(), nil, nil)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/nope", nil))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
	if payload := decodeBody(t, rr); payload["detail"] != "Not Found" {
		t.Errorf("detail = %v, want Not Found", payload["detail"])
	}
}

func TestReadiness(t *testing.T) {
	ready := false
	handler := newTestHandler(t, whisper.NewMockEngine(), func() bool { return ready }, nil)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Fatalf("healthz = %d %q, want 200 ok", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz before ready = %d, want 503", rr.Code)
	}

	ready = true
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("readyz after ready = %d, want 200", rr.Code)
	}
}

func TestTranscribeUpload(t *testing.T) {
	handler := newTestHandler(t, whisper.NewMockEngine(), nil, nil)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, uploadRequest(t, "/transcribe", "clip.mp3", "en", []byte("fake audio bytes")))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	payload := decodeBody(t, rr)
	if payload["success"] != true {
		t.Fatalf("success = %v, body %s", payload["success"], rr.Body.String())
	}
	if payload["text"] != "mock transcript" {
		t.Errorf("text = %v", payload["text"])
	}
	if payload["language"] != "en" {
		t.Errorf("language = %v", payload["language"])
	}
	if payload["duration"] != 2.5 {
		t.Errorf("duration = %v, want 2.5", payload["duration"])
	}
	if _, hasSegments := payload["segments"]; hasSegments {
		t.Error("plain transcribe response should not carry segments")
	}
}

func TestTranscribeDetailIncludesSegments(t *testing.T) {
	handler := newTestHandler(t, whisper.NewMockEngine(), nil, nil)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, uploadRequest(t, "/transcribe/detail", "clip.mp3", "", []byte("fake audio bytes")))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	payload := decodeBody(t, rr)
	segments, ok := payload["segments"].([]any)
	if !ok || len(segments) != 1 {
		t.Fatalf("segments = %v, want one entry", payload["segments"])
	}
	first, ok := segments[0].(map[string]any)
	if !ok {
		t.Fatalf("segment entry = %v", segments[0])
	}
	if first["id"] != float64(1) {
		t.Errorf("segment id = %v, want 1", first["id"])
	}
	if first["text"] != "mock transcript" {
		t.Errorf("segment text = %v", first["text"])
	}
}

func TestTranscribeMissingFile(t *testing.T) {
	handler := newTestHandler(t, whisper.NewMockEngine(), nil, nil)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("language", "en"); err != nil {
		t.Fatalf("write field: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/transcribe", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	if payload := decodeBody(t, rr); payload["detail"] != "file field is required" {
		t.Errorf("detail = %v", payload["detail"])
	}
}

func TestTranscribeEmptyFilename(t *testing.T) {
	handler := newTestHandler(t, whisper.NewMockEngine(), nil, nil)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, uploadRequest(t, "/transcribe", "", "", []byte("x")))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestTranscribeUnsupportedExtension(t *testing.T) {
	handler := newTestHandler(t, whisper.NewMockEngine(), nil, nil)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, uploadRequest(t, "/transcribe", "notes.txt", "", []byte("x")))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	payload := decodeBody(t, rr)
	detail, _ := payload["detail"].(string)
	if !strings.Contains(detail, "unsupported file format") || !strings.Contains(detail, "mp3") {
		t.Errorf("detail = %q", detail)
	}
}

func TestTranscribeOversizeUpload(t *testing.T) {
	handler := newTestHandler(t, whisper.NewMockEngine(), nil, func(cfg *config.Config) {
		cfg.Limits.MaxFileSize = 10
	})

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, uploadRequest(t, "/transcribe", "clip.mp3", "", bytes.Repeat([]byte("a"), 64)))

	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413, body %s", rr.Code, rr.Body.String())
	}
	payload := decodeBody(t, rr)
	detail, _ := payload["detail"].(string)
	if !strings.Contains(detail, "maximum size") {
		t.Errorf("detail = %q", detail)
	}
}

func TestTranscribeEngineFailureReportedInBand(t *testing.T) {
	engine := whisper.NewMockEngine()
	engine.Err = errors.New("decode failed")
	handler := newTestHandler(t, engine, nil, nil)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, uploadRequest(t, "/transcribe", "clip.mp3", "", []byte("fake audio bytes")))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	payload := decodeBody(t, rr)
	if payload["success"] != false {
		t.Fatalf("success = %v, want false", payload["success"])
	}
	errText, _ := payload["error"].(string)
	if !strings.Contains(errText, "decode failed") {
		t.Errorf("error = %q", errText)
	}
}

func TestTranscribeURL(t *testing.T) {
	audio := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("remote audio bytes"))
	}))
	defer audio.Close()

	handler := newTestHandler(t, whisper.NewMockEngine(), nil, nil)

	body := strings.NewReader(`{"url": "` + audio.URL + `/clip.ogg", "language": "en"}`)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/transcribe/url", body))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	payload := decodeBody(t, rr)
	if payload["success"] != true {
		t.Fatalf("success = %v, body %s", payload["success"], rr.Body.String())
	}
	if payload["text"] != "mock transcript" {
		t.Errorf("text = %v", payload["text"])
	}
	if _, hasDuration := payload["duration"]; hasDuration {
		t.Error("url response should omit duration")
	}
}

func TestTranscribeURLFailureReportedInBand(t *testing.T) {
	audio := httptest.NewServer(http.NotFoundHandler())
	defer audio.Close()

	handler := newTestHandler(t, whisper.NewMockEngine(), nil, nil)

	body := strings.NewReader(`{"url": "` + audio.URL + `/missing.mp3"}`)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/transcribe/url", body))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	payload := decodeBody(t, rr)
	if payload["success"] != false {
		t.Fatalf("success = %v, want false", payload["success"])
	}
	if errText, _ := payload["error"].(string); errText == "" {
		t.Error("error text missing")
	}
}

func TestTranscribeURLBadRequests(t *testing.T) {
	handler := newTestHandler(t, whisper.NewMockEngine(), nil, nil)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/transcribe/url", strings.NewReader("{not json")))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("malformed body status = %d, want 400", rr.Code)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/transcribe/url", strings.NewReader(`{"language": "en"}`)))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("missing url status = %d, want 400", rr.Code)
	}
	if payload := decodeBody(t, rr); payload["detail"] != "url is required" {
		t.Errorf("detail = %v", payload["detail"])
	}
}

func TestHistoryEndpoint(t *testing.T) {
	handler := newTestHandler(t, whisper.NewMockEngine(), nil, nil)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, uploadRequest(t, "/transcribe", "clip.mp3", "en", []byte("fake audio bytes")))
	if rr.Code != http.StatusOK {
		t.Fatalf("seed upload status = %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/transcriptions", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}

	payload := decodeBody(t, rr)
	if payload["count"] != float64(1) {
		t.Fatalf("count = %v, want 1", payload["count"])
	}
	entries, ok := payload["transcriptions"].([]any)
	if !ok || len(entries) != 1 {
		t.Fatalf("transcriptions = %v", payload["transcriptions"])
	}
	first, ok := entries[0].(map[string]any)
	if !ok {
		t.Fatalf("entry = %v", entries[0])
	}
	if first["status"] != "completed" {
		t.Errorf("status = %v", first["status"])
	}
	if first["source_name"] != "clip.mp3" {
		t.Errorf("source_name = %v", first["source_name"])
	}
	if id, _ := first["request_id"].(string); len(id) != 8 {
		t.Errorf("request_id = %v, want 8 characters", first["request_id"])
	}
}

func TestHistoryRejectsBadLimit(t *testing.T) {
	handler := newTestHandler(t, whisper.NewMockEngine(), nil, nil)

	for _, raw := range []string{"0", "-5", "abc"} {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/transcriptions?limit="+raw, nil))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("limit=%s status = %d, want 400", raw, rr.Code)
		}
	}
}

func TestMethodNotAllowed(t *testing.T) {
	handler := newTestHandler(t, whisper.NewMockEngine(), nil, nil)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/transcribe", nil))

	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rr.Code)
	}
	if allow := rr.Header().Get("Allow"); allow != http.MethodPost {
		t.Errorf("Allow = %q, want POST", allow)
	}
}

func TestCORSPreflight(t *testing.T) {
	handler := newTestHandler(t, whisper.NewMockEngine(), nil, nil)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodOptions, "/transcribe", nil))

	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rr.Code)
	}
	if origin := rr.Header().Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", origin)
	}
}
