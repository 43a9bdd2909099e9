// Package whisper runs speech recognition through a whisper.cpp command line
// binary and manages the ggml model files it consumes.
package whisper

import "context"

// Segment is one timestamped span of recognized speech. Start and End are
// seconds from the beginning of the audio.
type Segment struct {
	ID    int
	Start float64
	End   float64
	Text  string
}

// Request describes a single transcription. WAVPath must point at a 16 kHz
// mono PCM wav file. An empty Language asks the engine to detect it.
type Request struct {
	WAVPath  string
	Language string
}

// Result carries the recognized text. Language is the ISO 639-1 code the
// engine used, either the requested one or the detected one.
type Result struct {
	Text     string
	Language string
	Segments []Segment
}

// Engine abstracts transcription backends.
type Engine interface {
	Transcribe(ctx context.Context, req Request) (*Result, error)
}
