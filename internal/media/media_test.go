package media

import (
	"context"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// writeTestWAV produces a silent 16 kHz mono wav of the given length.
func writeTestWAV(t *testing.T, path string, seconds float64) {
	t.Helper()

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	defer f.Close()

	sampleRate := 16000
	buffer := &audio.IntBuffer{
		Format: &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:   make([]int, int(float64(sampleRate)*seconds)),
	}

	encoder := wav.NewEncoder(f, sampleRate, 16, 1, 1)
	if err := encoder.Write(buffer); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if err := encoder.Close(); err != nil {
		t.Fatalf("close wav encoder: %v", err)
	}
}

func TestWAVDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "one-second.wav")
	writeTestWAV(t, path, 1.0)

	duration, err := WAVDuration(path)
	if err != nil {
		t.Fatalf("WAVDuration: %v", err)
	}
	if math.Abs(duration-1.0) > 0.01 {
		t.Errorf("duration = %v, want ~1.0", duration)
	}
}

func TestWAVDurationMissingFile(t *testing.T) {
	if _, err := WAVDuration(filepath.Join(t.TempDir(), "nope.wav")); err == nil {
		t.Fatal("WAVDuration accepted missing file")
	}
}

func TestProbeDurationMissingBinary(t *testing.T) {
	ff := NewFFmpeg(WithFFprobeBinary(filepath.Join(t.TempDir(), "nonexistent")))
	if _, err := ff.ProbeDuration(context.Background(), "whatever.wav"); err == nil {
		t.Fatal("ProbeDuration succeeded without ffprobe")
	}
}

func TestConvertToWAVMissingBinary(t *testing.T) {
	ff := NewFFmpeg(WithFFmpegBinary(filepath.Join(t.TempDir(), "nonexistent")))
	err := ff.ConvertToWAV(context.Background(), "in.mp3", "out.wav")
	if err == nil {
		t.Fatal("ConvertToWAV succeeded without ffmpeg")
	}
}

func TestConvertAndProbe(t *testing.T) {
	if _, err := exec.LookPath(DefaultFFmpegBinary); err != nil {
		t.Skip("ffmpeg not installed")
	}
	if _, err := exec.LookPath(DefaultFFprobeBinary); err != nil {
		t.Skip("ffprobe not installed")
	}

	dir := t.TempDir()
	src := filepath.Join(dir, "src.wav")
	writeTestWAV(t, src, 0.5)

	ff := NewFFmpeg()
	out := filepath.Join(dir, "out.wav")
	if err := ff.ConvertToWAV(context.Background(), src, out); err != nil {
		t.Fatalf("ConvertToWAV: %v", err)
	}

	duration, err := WAVDuration(out)
	if err != nil {
		t.Fatalf("WAVDuration: %v", err)
	}
	if math.Abs(duration-0.5) > 0.05 {
		t.Errorf("converted duration = %v, want ~0.5", duration)
	}

	probed, err := ff.ProbeDuration(context.Background(), out)
	if err != nil {
		t.Fatalf("ProbeDuration: %v", err)
	}
	if math.Abs(probed-0.5) > 0.05 {
		t.Errorf("probed duration = %v, want ~0.5", probed)
	}
}
