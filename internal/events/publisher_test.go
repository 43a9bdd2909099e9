package events

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/scribelabs/whisperd/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDisabledPublisher(t *testing.T) {
	pub, err := Connect(context.Background(), config.EventsConfig{Subject: "whisperd.transcriptions"}, newLogger())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(pub.Close)

	if pub.Enabled() {
		t.Error("publisher without servers reports enabled")
	}
	if !pub.Healthy() {
		t.Error("disabled publisher reports unhealthy")
	}
	if err := pub.Publish(TranscriptionEvent{RequestID: "r1", Status: "completed"}); err != nil {
		t.Errorf("Publish on disabled publisher: %v", err)
	}
}

func TestConnectFailure(t *testing.T) {
	cfg := config.EventsConfig{
		Servers:          []string{"nats://127.0.0.1:1"},
		Subject:          "whisperd.transcriptions",
		ConnectTimeoutMS: 50,
	}
	if _, err := Connect(context.Background(), cfg, newLogger()); err == nil {
		t.Fatal("Connect succeeded against closed port")
	}
}

func TestEventWireFormat(t *testing.T) {
	data, err := json.Marshal(TranscriptionEvent{
		RequestID:       "deadbeef",
		Source:          "upload",
		Status:          "completed",
		Model:           "small-q8_0",
		Language:        "en",
		DurationSeconds: 4.2,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	payload := string(data)
	for _, want := range []string{`"request_id":"deadbeef"`, `"source":"upload"`, `"status":"completed"`, `"model":"small-q8_0"`, `"duration_seconds":4.2`} {
		if !strings.Contains(payload, want) {
			t.Errorf("payload %s missing %s", payload, want)
		}
	}
	if strings.Contains(payload, `"error"`) {
		t.Errorf("payload %s carries empty optional field", payload)
	}
}
