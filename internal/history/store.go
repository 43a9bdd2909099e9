// Package history persists completed transcription jobs in SQLite.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/scribelabs/whisperd/internal/config"
	_ "modernc.org/sqlite"
)

// Record is one finished transcription job, successful or not.
type Record struct {
	ID                int64
	RequestID         string
	Source            string // upload, url
	SourceName        string
	Status            string // completed, failed
	Language          string
	DetectedLanguage  string
	DurationSeconds   float64
	ProcessingSeconds float64
	Text              string
	Error             string
	CreatedAt         time.Time
}

// Store wraps the SQLite-backed transcription log. With retention mode
// ephemeral it degrades to a no-op so callers never branch.
type Store struct {
	db    *sql.DB
	cfg   config.HistoryConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the history store according to config. Retention mode
// session starts from an empty table on every boot.
func Open(ctx context.Context, cfg config.HistoryConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "history-store"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.RetentionMode == "session" {
		if _, err := db.ExecContext(ctx, `DELETE FROM transcriptions`); err != nil {
			db.Close()
			return nil, fmt.Errorf("reset session history: %w", err)
		}
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("history vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("history prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS transcriptions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    request_id TEXT NOT NULL,
    source TEXT NOT NULL,
    source_name TEXT,
    status TEXT NOT NULL,
    language TEXT,
    detected_language TEXT,
    duration_seconds REAL,
    processing_seconds REAL,
    text TEXT,
    error TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transcriptions_created ON transcriptions(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Enabled reports whether records are actually persisted.
func (s *Store) Enabled() bool {
	return s.db != nil
}

// Append writes one job record. Text is withheld when store_text is off.
func (s *Store) Append(ctx context.Context, rec Record) error {
	if s.db == nil {
		return nil
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.clock().UTC()
	}
	if !s.cfg.StoreText {
		rec.Text = ""
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transcriptions(request_id, source, source_name, status, language,
		     detected_language, duration_seconds, processing_seconds, text, error, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, rec.Source, rec.SourceName, rec.Status, rec.Language,
		rec.DetectedLanguage, rec.DurationSeconds, rec.ProcessingSeconds, rec.Text, rec.Error, rec.CreatedAt)
	return err
}

// List returns up to limit records, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Record, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, request_id, source, source_name, status, language,
		     detected_language, duration_seconds, processing_seconds, text, error, created_at
		 FROM transcriptions ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var created string
		if err := rows.Scan(&r.ID, &r.RequestID, &r.Source, &r.SourceName, &r.Status, &r.Language,
			&r.DetectedLanguage, &r.DurationSeconds, &r.ProcessingSeconds, &r.Text, &r.Error, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			r.CreatedAt = ts
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Prune applies configured retention. Runs on startup and callers can
// schedule it.
func (s *Store) Prune(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM transcriptions WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxRecords > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM transcriptions WHERE id IN (
			SELECT id FROM transcriptions ORDER BY created_at DESC, id DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxRecords)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
