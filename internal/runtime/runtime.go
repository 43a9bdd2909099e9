// Package runtime assembles the service from its parts and owns the
// process lifecycle: telemetry, engine setup, servers, shutdown.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/scribelabs/whisperd/internal/api"
	"github.com/scribelabs/whisperd/internal/config"
	"github.com/scribelabs/whisperd/internal/download"
	"github.com/scribelabs/whisperd/internal/events"
	"github.com/scribelabs/whisperd/internal/history"
	"github.com/scribelabs/whisperd/internal/media"
	"github.com/scribelabs/whisperd/internal/service"
	"github.com/scribelabs/whisperd/internal/whisper"
)

const pruneInterval = 6 * time.Hour

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	apiServer     *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	engine, modelName, err := buildEngine(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup engine: %w", err)
	}

	store, err := history.Open(ctx, r.cfg.History, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open history store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			r.logger.Error("history close error", slog.String("error", err.Error()))
		}
	}()

	publisher, err := events.Connect(ctx, r.cfg.Events, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect event stream: %w", err)
	}
	defer publisher.Close()

	svc, err := service.New(r.cfg, engine, modelName, media.NewFFmpeg(), store, publisher, r.logger)
	if err != nil {
		return fmt.Errorf("failed to build service: %w", err)
	}

	srv, err := api.NewServer(r.cfg, svc, func() bool {
		return r.ready.Load() && publisher.Healthy()
	}, r.logger)
	if err != nil {
		return fmt.Errorf("failed to build api server: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.Server.Host, r.cfg.Server.Port)
	r.apiServer = &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve("api", r.apiServer, cancel)

	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && metricsHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              bind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve("metrics", r.metricsServer, cancel)
	}

	if store.Enabled() && (r.cfg.History.RetentionDays > 0 || r.cfg.History.MaxRecords > 0) {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			ticker := time.NewTicker(pruneInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := store.Prune(ctx); err != nil {
						r.logger.Warn("history prune failed", slog.String("error", err.Error()))
					}
				}
			}
		}()
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("model", modelName),
		slog.String("device", r.cfg.Whisper.Device))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.apiServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.metricsServer != nil {
		if err := r.metricsServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

// serve runs the listener in the background. A listen failure cancels the
// runtime context so Start unwinds instead of idling without a server.
func (r *Runtime) serve(name string, server *http.Server, cancel context.CancelFunc) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed",
				slog.String("server", name),
				slog.String("error", err.Error()))
			cancel()
		}
	}()
}

// buildEngine prepares the recognizer the service runs on. In exec mode the
// model file is resolved against the configured directory and fetched when
// auto download is enabled.
func buildEngine(ctx context.Context, cfg config.Config, logger *slog.Logger) (whisper.Engine, string, error) {
	if cfg.Whisper.Mode == "mock" {
		logger.Warn("engine running in mock mode, transcripts are canned")
		return whisper.NewMockEngine(), cfg.Whisper.Model, nil
	}

	compute := cfg.Whisper.EffectiveComputeType()
	if compute != cfg.Whisper.ComputeType {
		logger.Warn("compute type not supported on this device, downgraded",
			slog.String("requested", cfg.Whisper.ComputeType),
			slog.String("effective", compute))
	}

	resolved, err := whisper.ResolveModel(cfg.Whisper.Model, compute, cfg.Whisper.ModelDir, cfg.Whisper.LocalModelPath)
	if err != nil {
		return nil, "", fmt.Errorf("resolve model: %w", err)
	}

	if resolved.NeedsDownload {
		if !cfg.Whisper.AutoDownload {
			return nil, "", fmt.Errorf("model %s not found at %s and auto download is disabled",
				resolved.Name, resolved.Path)
		}
		logger.Info("downloading model",
			slog.String("model", resolved.Name),
			slog.String("path", resolved.Path))
		if err := download.DownloadFile(ctx, download.Options{
			URL:            resolved.URL,
			Destination:    resolved.Path,
			ExpectedSHA256: resolved.SHA256,
			NoProgress:     true,
			Logger:         logger,
		}); err != nil {
			return nil, "", fmt.Errorf("download model: %w", err)
		}
	}

	engine, err := whisper.NewExecEngine(whisper.ExecConfig{
		Command:   cfg.Whisper.Command,
		ModelPath: resolved.Path,
		Threads:   cfg.Whisper.CPUThreads,
		BeamSize:  cfg.Whisper.BeamSize,
		UseGPU:    cfg.Whisper.Device == "cuda",
	}, logger)
	if err != nil {
		return nil, "", err
	}

	name := resolved.Name
	if name == "" {
		name = filepath.Base(resolved.Path)
	}
	return engine, name, nil
}
