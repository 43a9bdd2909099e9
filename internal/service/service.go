// Package service orchestrates the transcription pipeline: staging input,
// probing and converting audio, running the recognizer, and fanning results
// out to history, events, cache and metrics.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	"github.com/scribelabs/whisperd/internal/config"
	"github.com/scribelabs/whisperd/internal/events"
	"github.com/scribelabs/whisperd/internal/history"
	"github.com/scribelabs/whisperd/internal/iolimit"
	"github.com/scribelabs/whisperd/internal/media"
	"github.com/scribelabs/whisperd/internal/whisper"
)

var (
	ErrFileTooLarge = errors.New("file exceeds size limit")
	ErrAudioTooLong = errors.New("audio exceeds duration limit")
	ErrDownload     = errors.New("audio download failed")
)

// Job identifies one transcription request.
type Job struct {
	RequestID  string
	Source     string // upload, url
	SourceName string
	Language   string
}

// Transcription is one finished job.
type Transcription struct {
	Text              string
	Language          string
	DurationSeconds   float64
	ProcessingSeconds float64
	Segments          []whisper.Segment
	FromCache         bool
}

// AudioProcessor covers the ffmpeg operations the pipeline needs.
type AudioProcessor interface {
	ConvertToWAV(ctx context.Context, inputPath, outputPath string) error
	ProbeDuration(ctx context.Context, filePath string) (float64, error)
}

// Service runs transcription jobs. Parallelism is bounded by a weighted
// semaphore sized from limits.max_concurrency.
type Service struct {
	cfg       config.Config
	engine    whisper.Engine
	modelName string
	media     AudioProcessor
	store     *history.Store
	publisher *events.Publisher
	log       *slog.Logger

	sem    *semaphore.Weighted
	cache  *lru.Cache[string, Transcription]
	client *http.Client

	jobsTotal     metric.Int64Counter
	cacheHits     metric.Int64Counter
	audioSeconds  metric.Float64Counter
	processing    metric.Float64Histogram
	realtimeRatio metric.Float64Histogram
}

func New(cfg config.Config, engine whisper.Engine, modelName string, processor AudioProcessor,
	store *history.Store, publisher *events.Publisher, log *slog.Logger) (*Service, error) {

	if err := os.MkdirAll(cfg.Server.TempDir, 0o755); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}

	s := &Service{
		cfg:       cfg,
		engine:    engine,
		modelName: modelName,
		media:     processor,
		store:     store,
		publisher: publisher,
		log:       log.With(slog.String("component", "transcribe-service")),
		sem:       semaphore.NewWeighted(int64(cfg.Limits.MaxConcurrency)),
		client:    &http.Client{Timeout: time.Duration(cfg.Limits.DownloadTimeoutMS) * time.Millisecond},
	}

	if cfg.Cache.MaxEntries > 0 {
		cache, err := lru.New[string, Transcription](cfg.Cache.MaxEntries)
		if err != nil {
			return nil, fmt.Errorf("create result cache: %w", err)
		}
		s.cache = cache
	}

	if err := s.initMetrics(); err != nil {
		return nil, fmt.Errorf("create metrics instruments: %w", err)
	}
	return s, nil
}

func (s *Service) initMetrics() error {
	meter := otel.Meter("github.com/scribelabs/whisperd/internal/service")
	var err error
	if s.jobsTotal, err = meter.Int64Counter("whisperd.jobs",
		metric.WithDescription("Transcription jobs by source and status.")); err != nil {
		return err
	}
	if s.cacheHits, err = meter.Int64Counter("whisperd.cache.hits",
		metric.WithDescription("Transcriptions answered from the result cache.")); err != nil {
		return err
	}
	if s.audioSeconds, err = meter.Float64Counter("whisperd.audio.seconds",
		metric.WithDescription("Seconds of audio processed."),
		metric.WithUnit("s")); err != nil {
		return err
	}
	if s.processing, err = meter.Float64Histogram("whisperd.processing.duration",
		metric.WithDescription("Engine wall time per transcription."),
		metric.WithUnit("s")); err != nil {
		return err
	}
	if s.realtimeRatio, err = meter.Float64Histogram("whisperd.processing.rtf",
		metric.WithDescription("Engine time divided by audio duration.")); err != nil {
		return err
	}
	return nil
}

// ModelName reports the resolved model identifier, quantization suffix
// included.
func (s *Service) ModelName() string {
	return s.modelName
}

// History lists recent jobs, newest first.
func (s *Service) History(ctx context.Context, limit int) ([]history.Record, error) {
	return s.store.List(ctx, limit)
}

// TranscribeUpload stages the uploaded stream and runs the pipeline.
func (s *Service) TranscribeUpload(ctx context.Context, job Job, file io.Reader) (*Transcription, error) {
	staged, err := s.stageReader(file, filepath.Ext(job.SourceName))
	if err != nil {
		return nil, err
	}
	defer os.Remove(staged.path)
	return s.run(ctx, job, staged)
}

// TranscribeURL fetches the remote file and runs the pipeline. The audio
// format is taken from the url path, defaulting to mp3.
func (s *Service) TranscribeURL(ctx context.Context, job Job, rawURL string) (*Transcription, error) {
	staged, err := s.stageURL(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	defer os.Remove(staged.path)
	return s.run(ctx, job, staged)
}

// stagedInput is a request payload parked on disk.
type stagedInput struct {
	path   string
	sha256 string
	size   int64
}

func (s *Service) stageReader(r io.Reader, ext string) (stagedInput, error) {
	f, err := os.CreateTemp(s.cfg.Server.TempDir, "stage_*"+ext)
	if err != nil {
		return stagedInput{}, fmt.Errorf("create temp file: %w", err)
	}

	hash := sha256.New()
	n, err := iolimit.CopyLimit(io.MultiWriter(f, hash), r, s.cfg.Limits.MaxFileSize)
	closeErr := f.Close()
	if err != nil {
		os.Remove(f.Name())
		if errors.Is(err, iolimit.ErrLimitExceeded) {
			return stagedInput{}, ErrFileTooLarge
		}
		return stagedInput{}, fmt.Errorf("stage input: %w", err)
	}
	if closeErr != nil {
		os.Remove(f.Name())
		return stagedInput{}, fmt.Errorf("close temp file: %w", closeErr)
	}

	return stagedInput{
		path:   f.Name(),
		sha256: hex.EncodeToString(hash.Sum(nil)),
		size:   n,
	}, nil
}

func (s *Service) stageURL(ctx context.Context, rawURL string) (stagedInput, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return stagedInput{}, fmt.Errorf("%w: invalid url", ErrDownload)
	}

	ext := path.Ext(parsed.Path)
	if ext == "" {
		ext = ".mp3"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return stagedInput{}, fmt.Errorf("%w: %v", ErrDownload, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return stagedInput{}, fmt.Errorf("%w: %v", ErrDownload, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return stagedInput{}, fmt.Errorf("%w: unexpected status %d", ErrDownload, resp.StatusCode)
	}
	if resp.ContentLength > s.cfg.Limits.MaxFileSize {
		return stagedInput{}, ErrFileTooLarge
	}

	return s.stageReader(resp.Body, ext)
}

func (s *Service) run(ctx context.Context, job Job, staged stagedInput) (*Transcription, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire worker slot: %w", err)
	}
	defer s.sem.Release(1)

	cacheKey := fmt.Sprintf("%s|%s|%s", staged.sha256, job.Language, s.modelName)
	if s.cache != nil {
		if cached, ok := s.cache.Get(cacheKey); ok {
			s.cacheHits.Add(ctx, 1)
			s.jobsTotal.Add(ctx, 1, metric.WithAttributes(
				attribute.String("source", job.Source),
				attribute.String("status", "cached")))
			result := cached
			result.FromCache = true
			s.log.Info("transcription served from cache",
				"request_id", job.RequestID,
				"name", job.SourceName)
			return &result, nil
		}
	}

	duration, err := s.media.ProbeDuration(ctx, staged.path)
	if err != nil {
		s.log.Warn("duration probe failed",
			"request_id", job.RequestID,
			"error", err)
		duration = 0
	}

	wavPath := staged.path + ".16k.wav"
	if err := s.media.ConvertToWAV(ctx, staged.path, wavPath); err != nil {
		wrapped := fmt.Errorf("convert audio: %w", err)
		s.finishJob(ctx, job, nil, duration, 0, wrapped)
		return nil, wrapped
	}
	defer os.Remove(wavPath)

	if duration == 0 {
		if wavSeconds, werr := media.WAVDuration(wavPath); werr == nil {
			duration = wavSeconds
		}
	}
	if max := s.cfg.Limits.MaxAudioSeconds; max > 0 && duration > max {
		return nil, fmt.Errorf("%w: %.1fs over the %.1fs limit", ErrAudioTooLong, duration, max)
	}

	start := time.Now()
	result, err := s.engine.Transcribe(ctx, whisper.Request{WAVPath: wavPath, Language: job.Language})
	processing := time.Since(start).Seconds()
	if err != nil {
		wrapped := fmt.Errorf("transcribe: %w", err)
		s.finishJob(ctx, job, nil, duration, processing, wrapped)
		return nil, wrapped
	}

	out := &Transcription{
		Text:              result.Text,
		Language:          result.Language,
		DurationSeconds:   duration,
		ProcessingSeconds: processing,
		Segments:          result.Segments,
	}

	if s.cache != nil {
		s.cache.Add(cacheKey, *out)
	}
	s.finishJob(ctx, job, out, duration, processing, nil)

	logArgs := []any{
		"request_id", job.RequestID,
		"name", job.SourceName,
		"language", out.Language,
		"audio_s", duration,
		"processing_s", processing,
	}
	if duration > 0 && processing > 0 {
		logArgs = append(logArgs, "rtf", processing/duration)
	}
	s.log.Info("transcription completed", logArgs...)

	return out, nil
}

// finishJob records the outcome in metrics, history and the event stream.
// History and events are advisory; their failures are logged, not returned.
func (s *Service) finishJob(ctx context.Context, job Job, out *Transcription, duration, processing float64, jobErr error) {
	status := "completed"
	var text, detected, errText string
	if jobErr != nil {
		status = "failed"
		errText = jobErr.Error()
	} else {
		text = out.Text
		detected = out.Language
	}

	s.jobsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", job.Source),
		attribute.String("status", status)))
	if duration > 0 {
		s.audioSeconds.Add(ctx, duration)
	}
	if processing > 0 {
		s.processing.Record(ctx, processing, metric.WithAttributes(
			attribute.String("source", job.Source)))
	}
	if duration > 0 && processing > 0 {
		s.realtimeRatio.Record(ctx, processing/duration)
	}

	recordCtx := context.WithoutCancel(ctx)
	rec := history.Record{
		RequestID:         job.RequestID,
		Source:            job.Source,
		SourceName:        job.SourceName,
		Status:            status,
		Language:          job.Language,
		DetectedLanguage:  detected,
		DurationSeconds:   duration,
		ProcessingSeconds: processing,
		Text:              text,
		Error:             errText,
	}
	if err := s.store.Append(recordCtx, rec); err != nil {
		s.log.Warn("history append failed",
			"request_id", job.RequestID,
			"error", err)
	}

	evt := events.TranscriptionEvent{
		RequestID:         job.RequestID,
		Source:            job.Source,
		SourceName:        job.SourceName,
		Status:            status,
		Model:             s.modelName,
		Language:          job.Language,
		DetectedLanguage:  detected,
		DurationSeconds:   duration,
		ProcessingSeconds: processing,
		Text:              text,
		Error:             errText,
	}
	if err := s.publisher.Publish(evt); err != nil {
		s.log.Warn("event publish failed",
			"request_id", job.RequestID,
			"error", err)
	}
}
