package media

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

var ErrDurationUnavailable = errors.New("ffprobe reported no duration")

// ProbeDuration asks ffprobe for the container duration in seconds. Some
// containers carry no duration metadata; those come back as
// ErrDurationUnavailable rather than zero.
func (f *FFmpeg) ProbeDuration(ctx context.Context, filePath string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, f.commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx,
		f.ffprobeBinary,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		filePath,
	)

	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("running ffprobe: %w", err)
	}

	raw := strings.TrimSpace(string(output))
	if raw == "" || raw == "N/A" {
		return 0, ErrDurationUnavailable
	}
	duration, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing ffprobe duration %q: %w", raw, err)
	}
	return duration, nil
}
