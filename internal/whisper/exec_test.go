package whisper

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func TestNewExecEngine(t *testing.T) {
	engine, err := NewExecEngine(ExecConfig{Command: "whisper-cli --flash-attn", ModelPath: "m.bin"}, nil)
	if err != nil {
		t.Fatalf("NewExecEngine: %v", err)
	}
	if len(engine.argv) != 2 || engine.argv[0] != "whisper-cli" || engine.argv[1] != "--flash-attn" {
		t.Errorf("argv = %v, want [whisper-cli --flash-attn]", engine.argv)
	}

	if _, err := NewExecEngine(ExecConfig{Command: ""}, nil); err == nil {
		t.Error("NewExecEngine accepted empty command")
	}
	if _, err := NewExecEngine(ExecConfig{Command: `whisper-cli "unterminated`}, nil); err == nil {
		t.Error("NewExecEngine accepted malformed quoting")
	}
}

func TestBuildArgs(t *testing.T) {
	engine, err := NewExecEngine(ExecConfig{
		Command:   "whisper-cli",
		ModelPath: "/models/ggml-small-q8_0.bin",
		Threads:   4,
		BeamSize:  5,
	}, nil)
	if err != nil {
		t.Fatalf("NewExecEngine: %v", err)
	}

	args := engine.buildArgs(Request{WAVPath: "/tmp/a.wav", Language: "de"}, "/tmp/out")
	joined := strings.Join(args, " ")

	for _, want := range []string{
		"-m /models/ggml-small-q8_0.bin",
		"-f /tmp/a.wav",
		"-t 4",
		"-bs 5",
		"-oj",
		"-of /tmp/out",
		"-l de",
		"-ng",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("args %q missing %q", joined, want)
		}
	}
}

func TestBuildArgsLanguageAuto(t *testing.T) {
	engine, err := NewExecEngine(ExecConfig{Command: "whisper-cli", ModelPath: "m.bin", Threads: 1, BeamSize: 1}, nil)
	if err != nil {
		t.Fatalf("NewExecEngine: %v", err)
	}
	joined := strings.Join(engine.buildArgs(Request{WAVPath: "a.wav"}, "out"), " ")
	if !strings.Contains(joined, "-l auto") {
		t.Errorf("args %q missing -l auto", joined)
	}
}

func TestBuildArgsGPU(t *testing.T) {
	engine, err := NewExecEngine(ExecConfig{Command: "whisper-cli", ModelPath: "m.bin", Threads: 1, BeamSize: 1, UseGPU: true}, nil)
	if err != nil {
		t.Fatalf("NewExecEngine: %v", err)
	}
	for _, arg := range engine.buildArgs(Request{WAVPath: "a.wav"}, "out") {
		if arg == "-ng" {
			t.Error("args include -ng with UseGPU set")
		}
	}
}

func TestParseEngineOutput(t *testing.T) {
	data := []byte(`{
		"result": {"language": "en"},
		"transcription": [
			{"offsets": {"from": 0, "to": 2500}, "text": " Hello there."},
			{"offsets": {"from": 2500, "to": 4000}, "text": " General Kenobi."}
		]
	}`)

	result, err := parseEngineOutput(data)
	if err != nil {
		t.Fatalf("parseEngineOutput: %v", err)
	}
	if result.Language != "en" {
		t.Errorf("Language = %q, want %q", result.Language, "en")
	}
	if result.Text != "Hello there. General Kenobi." {
		t.Errorf("Text = %q", result.Text)
	}
	if len(result.Segments) != 2 {
		t.Fatalf("got %d segments, want 2", len(result.Segments))
	}
	first := result.Segments[0]
	if first.ID != 1 || first.Start != 0 || first.End != 2.5 || first.Text != "Hello there." {
		t.Errorf("first segment = %+v", first)
	}
	second := result.Segments[1]
	if second.ID != 2 || second.Start != 2.5 || second.End != 4 {
		t.Errorf("second segment = %+v", second)
	}
}

func TestParseEngineOutputMalformed(t *testing.T) {
	if _, err := parseEngineOutput([]byte("not json")); err == nil {
		t.Fatal("parseEngineOutput accepted garbage")
	}
}

func TestTailLines(t *testing.T) {
	out := tailLines("a\nb\nc\nd", 2)
	if out != "c\nd" {
		t.Errorf("tailLines = %q, want %q", out, "c\nd")
	}
	if got := tailLines("  \n", 3); got != "" {
		t.Errorf("tailLines on blank input = %q, want empty", got)
	}
}

// TestTranscribeWithStubBinary drives the full subprocess path with a shell
// script standing in for whisper-cli.
func TestTranscribeWithStubBinary(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("stub script requires sh")
	}

	dir := t.TempDir()
	stub := filepath.Join(dir, "whisper-stub")
	script := `#!/bin/sh
out=""
while [ $# -gt 0 ]; do
  if [ "$1" = "-of" ]; then out="$2"; fi
  shift
done
cat > "$out.json" <<'EOF'
{"result":{"language":"de"},"transcription":[{"offsets":{"from":0,"to":1000},"text":" Hallo Welt."}]}
EOF
`
	if err := os.WriteFile(stub, []byte(script), 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}
	wavPath := filepath.Join(dir, "audio.wav")
	if err := os.WriteFile(wavPath, []byte("RIFF"), 0o644); err != nil {
		t.Fatalf("write wav: %v", err)
	}

	engine, err := NewExecEngine(ExecConfig{
		Command:   stub,
		ModelPath: filepath.Join(dir, "model.bin"),
		Threads:   1,
		BeamSize:  1,
	}, nil)
	if err != nil {
		t.Fatalf("NewExecEngine: %v", err)
	}

	result, err := engine.Transcribe(context.Background(), Request{WAVPath: wavPath})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if result.Text != "Hallo Welt." {
		t.Errorf("Text = %q", result.Text)
	}
	if result.Language != "de" {
		t.Errorf("Language = %q, want %q", result.Language, "de")
	}
}

func TestTranscribeCommandFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("stub script requires sh")
	}

	dir := t.TempDir()
	stub := filepath.Join(dir, "whisper-stub")
	script := "#!/bin/sh\necho 'model load failed' >&2\nexit 3\n"
	if err := os.WriteFile(stub, []byte(script), 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}

	engine, err := NewExecEngine(ExecConfig{Command: stub, ModelPath: "m.bin", Threads: 1, BeamSize: 1}, nil)
	if err != nil {
		t.Fatalf("NewExecEngine: %v", err)
	}

	_, err = engine.Transcribe(context.Background(), Request{WAVPath: "a.wav"})
	if err == nil {
		t.Fatal("Transcribe succeeded with failing command")
	}
	if !strings.Contains(err.Error(), "model load failed") {
		t.Errorf("error %q does not carry stderr", err)
	}
}
