package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
)

// ExecConfig configures the subprocess engine.
type ExecConfig struct {
	// Command is the whisper-cli invocation, shell-style. Extra tokens after
	// the binary are kept as leading arguments.
	Command   string
	ModelPath string
	Threads   int
	BeamSize  int
	UseGPU    bool
}

// ExecEngine shells out to whisper-cli for every request. Calls are
// independent, so concurrent use is safe; callers bound parallelism.
type ExecEngine struct {
	argv   []string
	cfg    ExecConfig
	logger *slog.Logger
}

func NewExecEngine(cfg ExecConfig, logger *slog.Logger) (*ExecEngine, error) {
	parser := shellwords.NewParser()
	argv, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse whisper command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("whisper command is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecEngine{argv: argv, cfg: cfg, logger: logger}, nil
}

func (e *ExecEngine) Transcribe(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.WAVPath) == "" {
		return nil, errors.New("audio path is required")
	}
	if strings.TrimSpace(e.cfg.ModelPath) == "" {
		return nil, errors.New("model path is required")
	}

	outBase := filepath.Join(os.TempDir(), fmt.Sprintf("whisperd_%d", time.Now().UnixNano()))
	jsonOut := outBase + ".json"
	defer os.Remove(jsonOut)

	args := e.buildArgs(req, outBase)
	command := exec.CommandContext(ctx, e.argv[0], args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	e.logger.Debug("running whisper engine", "binary", e.argv[0], "args", args)
	start := time.Now()
	if err := command.Run(); err != nil {
		return nil, fmt.Errorf("whisper command failed: %w: %s", err, tailLines(stderr.String(), 5))
	}

	data, err := os.ReadFile(jsonOut)
	if err != nil {
		return nil, fmt.Errorf("read whisper output: %w", err)
	}
	result, err := parseEngineOutput(data)
	if err != nil {
		return nil, err
	}

	e.logger.Debug("whisper engine finished",
		"elapsed", time.Since(start),
		"segments", len(result.Segments),
		"language", result.Language)
	return result, nil
}

func (e *ExecEngine) buildArgs(req Request, outBase string) []string {
	args := append([]string{}, e.argv[1:]...)
	args = append(args,
		"-m", e.cfg.ModelPath,
		"-f", req.WAVPath,
		"-t", strconv.Itoa(e.cfg.Threads),
		"-bs", strconv.Itoa(e.cfg.BeamSize),
		"-oj",
		"-of", outBase,
		"-np",
	)

	lang := strings.TrimSpace(req.Language)
	if lang == "" {
		lang = "auto"
	}
	args = append(args, "-l", lang)

	if !e.cfg.UseGPU {
		args = append(args, "-ng")
	}
	return args
}

// engineOutput mirrors the json whisper-cli emits with -oj. Offsets are
// milliseconds from the start of the audio.
type engineOutput struct {
	Result struct {
		Language string `json:"language"`
	} `json:"result"`
	Transcription []struct {
		Offsets struct {
			From int64 `json:"from"`
			To   int64 `json:"to"`
		} `json:"offsets"`
		Text string `json:"text"`
	} `json:"transcription"`
}

func parseEngineOutput(data []byte) (*Result, error) {
	var out engineOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode whisper output: %w", err)
	}

	result := &Result{Language: out.Result.Language}
	parts := make([]string, 0, len(out.Transcription))
	for i, seg := range out.Transcription {
		text := strings.TrimSpace(seg.Text)
		result.Segments = append(result.Segments, Segment{
			ID:    i + 1,
			Start: float64(seg.Offsets.From) / 1000,
			End:   float64(seg.Offsets.To) / 1000,
			Text:  text,
		})
		if text != "" {
			parts = append(parts, text)
		}
	}
	result.Text = strings.Join(parts, " ")
	return result, nil
}

// tailLines keeps diagnostics short; whisper-cli prints system info banners
// before the actual error.
func tailLines(s string, n int) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
