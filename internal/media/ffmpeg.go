package media

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// ConvertToWAV transcodes any audio or video input into the 16 kHz mono
// 16-bit pcm wav layout the recognizer expects.
func (f *FFmpeg) ConvertToWAV(ctx context.Context, inputPath, outputPath string) error {
	ctx, cancel := context.WithTimeout(ctx, f.commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx,
		f.ffmpegBinary,
		"-nostdin",
		"-v", "error",
		"-i", inputPath,
		"-ar", "16000",
		"-ac", "1",
		"-c:a", "pcm_s16le",
		"-y",
		outputPath,
	)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("running ffmpeg: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
