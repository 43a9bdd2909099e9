package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/scribelabs/whisperd/internal/history"
	"github.com/scribelabs/whisperd/internal/service"
	"github.com/scribelabs/whisperd/internal/whisper"
)

// multipartGrace covers multipart framing overhead on top of the audio limit.
const multipartGrace = 1 << 20

type transcribeResponse struct {
	Success  bool             `json:"success"`
	Text     string           `json:"text"`
	Language string           `json:"language,omitempty"`
	Duration float64          `json:"duration,omitempty"`
	Segments []segmentPayload `json:"segments,omitempty"`
	Error    string           `json:"error,omitempty"`
}

type segmentPayload struct {
	ID    int     `json:"id"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

type urlRequest struct {
	URL      string `json:"url"`
	Language string `json:"language"`
}

func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	s.handleUpload(w, r, false)
}

func (s *Server) handleTranscribeDetail(w http.ResponseWriter, r *http.Request) {
	s.handleUpload(w, r, true)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, withSegments bool) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Limits.MaxFileSize+multipartGrace)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, s.fileTooLargeDetail())
			return
		}
		s.writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	if header.Filename == "" {
		s.writeError(w, http.StatusBadRequest, "no filename provided")
		return
	}
	if !s.cfg.Limits.ExtensionAllowed(header.Filename) {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported file format, allowed: %s",
			strings.Join(s.cfg.Limits.AllowedExtensions, ", ")))
		return
	}

	job := service.Job{
		RequestID:  requestIDFrom(r.Context()),
		Source:     "upload",
		SourceName: header.Filename,
		Language:   strings.TrimSpace(r.FormValue("language")),
	}

	result, err := s.svc.TranscribeUpload(r.Context(), job, file)
	if err != nil {
		s.writeUploadError(w, err)
		return
	}

	resp := transcribeResponse{
		Success:  true,
		Text:     result.Text,
		Language: result.Language,
		Duration: result.DurationSeconds,
	}
	if withSegments {
		resp.Segments = toSegmentPayloads(result.Segments)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// writeUploadError maps input rejections to 4xx; everything else is reported
// in-band so callers always get a transcribeResponse for a well-formed upload.
func (s *Server) writeUploadError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrFileTooLarge):
		s.writeError(w, http.StatusRequestEntityTooLarge, s.fileTooLargeDetail())
	case errors.Is(err, service.ErrAudioTooLong):
		s.writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("audio too long, maximum duration: %.0fs", s.cfg.Limits.MaxAudioSeconds))
	default:
		s.writeJSON(w, http.StatusOK, transcribeResponse{Success: false, Error: err.Error()})
	}
}

func (s *Server) fileTooLargeDetail() string {
	return fmt.Sprintf("file too large, maximum size: %dMB", s.cfg.Limits.MaxFileSize/(1024*1024))
}

func (s *Server) handleTranscribeURL(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}

	var req urlRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		s.writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	job := service.Job{
		RequestID:  requestIDFrom(r.Context()),
		Source:     "url",
		SourceName: req.URL,
		Language:   strings.TrimSpace(req.Language),
	}

	// The url flow reports every runtime failure in-band.
	result, err := s.svc.TranscribeURL(r.Context(), job, req.URL)
	if err != nil {
		s.writeJSON(w, http.StatusOK, transcribeResponse{Success: false, Error: err.Error()})
		return
	}

	s.writeJSON(w, http.StatusOK, transcribeResponse{
		Success:  true,
		Text:     result.Text,
		Language: result.Language,
	})
}

func toSegmentPayloads(segments []whisper.Segment) []segmentPayload {
	if len(segments) == 0 {
		return nil
	}
	out := make([]segmentPayload, len(segments))
	for i, seg := range segments {
		out[i] = segmentPayload{ID: seg.ID, Start: seg.Start, End: seg.End, Text: seg.Text}
	}
	return out
}

type historyEntry struct {
	ID                int64   `json:"id"`
	RequestID         string  `json:"request_id"`
	Source            string  `json:"source"`
	SourceName        string  `json:"source_name,omitempty"`
	Status            string  `json:"status"`
	Language          string  `json:"language,omitempty"`
	DetectedLanguage  string  `json:"detected_language,omitempty"`
	DurationSeconds   float64 `json:"duration_seconds,omitempty"`
	ProcessingSeconds float64 `json:"processing_seconds,omitempty"`
	Text              string  `json:"text,omitempty"`
	Error             string  `json:"error,omitempty"`
	CreatedAt         string  `json:"created_at"`
}

type historyResponse struct {
	Transcriptions []historyEntry `json:"transcriptions"`
	Count          int            `json:"count"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	if limit > 100 {
		limit = 100
	}

	records, err := s.svc.History(r.Context(), limit)
	if err != nil {
		s.log.Error("list transcriptions failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list transcriptions")
		return
	}

	entries := make([]historyEntry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, toHistoryEntry(rec))
	}
	s.writeJSON(w, http.StatusOK, historyResponse{Transcriptions: entries, Count: len(entries)})
}

func toHistoryEntry(rec history.Record) historyEntry {
	return historyEntry{
		ID:                rec.ID,
		RequestID:         rec.RequestID,
		Source:            rec.Source,
		SourceName:        rec.SourceName,
		Status:            rec.Status,
		Language:          rec.Language,
		DetectedLanguage:  rec.DetectedLanguage,
		DurationSeconds:   rec.DurationSeconds,
		ProcessingSeconds: rec.ProcessingSeconds,
		Text:              rec.Text,
		Error:             rec.Error,
		CreatedAt:         rec.CreatedAt.UTC().Format(time.RFC3339),
	}
}
