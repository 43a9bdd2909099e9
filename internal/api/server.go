// Package api exposes the transcription pipeline over rest.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/scribelabs/whisperd/internal/config"
	"github.com/scribelabs/whisperd/internal/service"
)

type Server struct {
	cfg   config.Config
	svc   *service.Service
	ready func() bool
	log   *slog.Logger

	requests metric.Int64Counter
	latency  metric.Float64Histogram
}

// NewServer wires the handlers. ready gates /readyz; nil means always ready.
func NewServer(cfg config.Config, svc *service.Service, ready func() bool, log *slog.Logger) (*Server, error) {
	s := &Server{cfg: cfg, svc: svc, ready: ready, log: log.With(slog.String("component", "api-server"))}

	meter := otel.Meter("github.com/scribelabs/whisperd/internal/api")
	var err error
	if s.requests, err = meter.Int64Counter("whisperd.http.requests",
		metric.WithDescription("HTTP requests by method, route and status.")); err != nil {
		return nil, err
	}
	if s.latency, err = meter.Float64Histogram("whisperd.http.duration",
		metric.WithDescription("HTTP request latency."),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc("/transcribe", s.handleTranscribe)
	mux.HandleFunc("/transcribe/url", s.handleTranscribeURL)
	mux.HandleFunc("/transcribe/detail", s.handleTranscribeDetail)
	mux.HandleFunc("/transcriptions", s.handleHistory)
	return s.withRequestLogging(mux)
}

type healthResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Model   string `json:"model"`
	Device  string `json:"device"`
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		s.writeError(w, http.StatusNotFound, "Not Found")
		return
	}
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Message: "whisper service is running",
		Model:   s.cfg.Whisper.Model,
		Device:  s.cfg.Whisper.Device,
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if s.ready == nil || s.ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

type errorResponse struct {
	Detail string `json:"detail"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Warn("encode response failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, detail string) {
	s.writeJSON(w, status, errorResponse{Detail: detail})
}

func (s *Server) requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	s.writeError(w, http.StatusMethodNotAllowed, "Method Not Allowed")
	return false
}
