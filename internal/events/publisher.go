// Package events publishes transcription completion notices to NATS.
// Publishing is optional; without configured servers the publisher is a
// no-op so the rest of the service never branches on it.
package events

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/scribelabs/whisperd/internal/config"
)

// TranscriptionEvent is the wire payload for one finished job.
type TranscriptionEvent struct {
	RequestID         string    `json:"request_id"`
	Source            string    `json:"source"`
	SourceName        string    `json:"source_name,omitempty"`
	Status            string    `json:"status"`
	Model             string    `json:"model,omitempty"`
	Language          string    `json:"language,omitempty"`
	DetectedLanguage  string    `json:"detected_language,omitempty"`
	DurationSeconds   float64   `json:"duration_seconds,omitempty"`
	ProcessingSeconds float64   `json:"processing_seconds,omitempty"`
	Text              string    `json:"text,omitempty"`
	Error             string    `json:"error,omitempty"`
	CompletedAt       time.Time `json:"completed_at"`
}

// Publisher wraps the NATS connection used for completion events.
type Publisher struct {
	conn    *nats.Conn
	subject string
	log     *slog.Logger
}

// Connect dials the configured NATS servers. With no servers configured the
// returned publisher is disabled rather than an error.
func Connect(ctx context.Context, cfg config.EventsConfig, log *slog.Logger) (*Publisher, error) {
	log = log.With(slog.String("component", "event-publisher"))
	if len(cfg.Servers) == 0 {
		return &Publisher{subject: cfg.Subject, log: log}, nil
	}

	options := []nats.Option{
		nats.Name("whisperd"),
		nats.Timeout(time.Duration(cfg.ConnectTimeoutMS) * time.Millisecond),
	}

	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}
	if cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	log.Info("connected to NATS", slog.String("servers", url), slog.String("subject", cfg.Subject))

	return &Publisher{conn: conn, subject: cfg.Subject, log: log}, nil
}

// Enabled reports whether events actually leave the process.
func (p *Publisher) Enabled() bool {
	return p != nil && p.conn != nil
}

// Healthy reports broker connectivity. A disabled publisher is always
// healthy.
func (p *Publisher) Healthy() bool {
	if p == nil || p.conn == nil {
		return true
	}
	return p.conn.Status() == nats.CONNECTED
}

// Publish sends one completion event. Events are advisory; callers log
// failures instead of failing the request.
func (p *Publisher) Publish(evt TranscriptionEvent) error {
	if !p.Enabled() {
		return nil
	}
	if evt.CompletedAt.IsZero() {
		evt.CompletedAt = time.Now().UTC()
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Close drains in-flight messages and closes the connection.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	p.log.Info("closing NATS connection")
	p.conn.Drain()
	p.conn.Close()
}
