package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type requestIDKey struct{}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// statusRecorder stamps X-Process-Time just before the headers go out.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	started time.Time
	wrote   bool
}

func (rec *statusRecorder) WriteHeader(code int) {
	if rec.wrote {
		return
	}
	rec.wrote = true
	rec.status = code
	rec.Header().Set("X-Process-Time", fmt.Sprintf("%.3fs", time.Since(rec.started).Seconds()))
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *statusRecorder) Write(b []byte) (int, error) {
	if !rec.wrote {
		rec.WriteHeader(http.StatusOK)
	}
	return rec.ResponseWriter.Write(b)
}

func (s *Server) withRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()[:8]
		w.Header().Set("X-Request-ID", requestID)
		w.Header().Set("Access-Control-Allow-Origin", "*")
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK, started: time.Now()}
		ctx := withRequestID(r.Context(), requestID)

		defer func() {
			if panicked := recover(); panicked != nil {
				s.log.Error("handler panic",
					"request_id", requestID,
					"method", r.Method,
					"path", r.URL.Path,
					"panic", panicked)
				if !rec.wrote {
					s.writeError(rec, http.StatusInternalServerError, "internal server error")
				}
			}

			elapsed := time.Since(rec.started)
			s.log.Info("request completed",
				"request_id", requestID,
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"elapsed_ms", elapsed.Milliseconds())

			route := metricRoute(r.URL.Path)
			s.requests.Add(ctx, 1, metric.WithAttributes(
				attribute.String("method", r.Method),
				attribute.String("route", route),
				attribute.Int("status", rec.status)))
			s.latency.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
				attribute.String("method", r.Method),
				attribute.String("route", route)))
		}()

		next.ServeHTTP(rec, r.WithContext(ctx))
	})
}

// metricRoute collapses unknown paths so label cardinality stays bounded.
func metricRoute(path string) string {
	switch path {
	case "/", "/healthz", "/readyz", "/transcribe", "/transcribe/url", "/transcribe/detail", "/transcriptions":
		return path
	default:
		return "other"
	}
}
