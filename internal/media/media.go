// Package media wraps the ffmpeg tool family for audio conversion and
// duration probing.
package media

import (
	"time"
)

const DefaultFFmpegBinary = "ffmpeg"
const DefaultFFprobeBinary = "ffprobe"

const DefaultCommandTimeout = 2 * time.Minute

type FFmpegOption func(*FFmpeg)

type FFmpeg struct {
	ffmpegBinary   string
	ffprobeBinary  string
	commandTimeout time.Duration
}

func WithFFmpegBinary(ffmpegBinary string) FFmpegOption {
	return func(f *FFmpeg) {
		f.ffmpegBinary = ffmpegBinary
	}
}

func WithFFprobeBinary(ffprobeBinary string) FFmpegOption {
	return func(f *FFmpeg) {
		f.ffprobeBinary = ffprobeBinary
	}
}

func WithCommandTimeout(timeout time.Duration) FFmpegOption {
	return func(f *FFmpeg) {
		f.commandTimeout = timeout
	}
}

func NewFFmpeg(options ...FFmpegOption) *FFmpeg {
	ffmpeg := &FFmpeg{
		ffmpegBinary:   DefaultFFmpegBinary,
		ffprobeBinary:  DefaultFFprobeBinary,
		commandTimeout: DefaultCommandTimeout,
	}

	for _, option := range options {
		option(ffmpeg)
	}

	return ffmpeg
}
