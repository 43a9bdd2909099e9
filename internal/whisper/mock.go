package whisper

import (
	"context"
	"sync"
)

// MockEngine returns canned results. It backs whisper.mode=mock and the
// service tests.
type MockEngine struct {
	Result Result
	Err    error

	mu       sync.Mutex
	requests []Request
}

func NewMockEngine() *MockEngine {
	return &MockEngine{
		Result: Result{
			Text:     "mock transcript",
			Language: "en",
			Segments: []Segment{{ID: 1, Start: 0, End: 1.5, Text: "mock transcript"}},
		},
	}
}

func (m *MockEngine) Transcribe(_ context.Context, req Request) (*Result, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if m.Err != nil {
		return nil, m.Err
	}
	result := m.Result
	result.Segments = append([]Segment(nil), m.Result.Segments...)
	return &result, nil
}

// Requests returns a copy of everything transcribed so far.
func (m *MockEngine) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}
