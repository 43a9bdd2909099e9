package media

import (
	"fmt"
	"os"

	"github.com/go-audio/wav"
)

// WAVDuration reads the duration of a wav file from its header without
// shelling out. It backs up ffprobe for files we transcoded ourselves.
func WAVDuration(path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	decoder := wav.NewDecoder(f)
	duration, err := decoder.Duration()
	if err != nil {
		return 0, fmt.Errorf("decode wav header: %w", err)
	}
	return duration.Seconds(), nil
}
