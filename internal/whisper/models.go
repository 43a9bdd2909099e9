package whisper

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const DefaultModel = "small"

const quantSuffix = "-q8_0"

// Model is a downloadable ggml model file. SHA256 is empty for quantized
// variants; upstream publishes no digests for those.
type Model struct {
	Name     string
	FileName string
	URL      string
	SHA256   string
}

// ResolvedModel is a model pinned to a location on disk.
type ResolvedModel struct {
	Name          string
	Path          string
	URL           string
	SHA256        string
	NeedsDownload bool
	IsCustomPath  bool
}

var registry = map[string]Model{
	"tiny": {
		Name:     "tiny",
		FileName: "ggml-tiny.bin",
		URL:      "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-tiny.bin",
		SHA256:   "be07e048e1e599ad46341c8d2a135645097a538221678b7acdd1b1919c6e1b21",
	},
	"base": {
		Name:     "base",
		FileName: "ggml-base.bin",
		URL:      "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-base.bin",
		SHA256:   "60ed5bc3dd14eea856493d334349b405782ddcaf0028d4b5df4088345fba2efe",
	},
	"small": {
		Name:     "small",
		FileName: "ggml-small.bin",
		URL:      "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-small.bin",
		SHA256:   "1be3a9b2063867b937e64e2ec7483364a79917e157fa98c5d94b5c1fffea987b",
	},
	"medium": {
		Name:     "medium",
		FileName: "ggml-medium.bin",
		URL:      "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-medium.bin",
		SHA256:   "6c14d5adee5f86394037b4e4e8b59f1673b6cee10e3cf0b11bbdbee79c156208",
	},
	"large-v3": {
		Name:     "large-v3",
		FileName: "ggml-large-v3.bin",
		URL:      "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-large-v3.bin",
		SHA256:   "64d182b440b98d5203c4f9bd541544d84c605196c4f7b845dfa11fb23594d1e2",
	},
}

// ModelNames lists the known model names, sorted.
func ModelNames() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func LookupModel(name string) (Model, bool) {
	base := strings.TrimSuffix(name, quantSuffix)
	model, ok := registry[base]
	if !ok {
		return Model{}, false
	}
	if strings.HasSuffix(name, quantSuffix) {
		return quantizedVariant(model), true
	}
	return model, true
}

// quantizedVariant maps a model to its q8_0 build, the whisper.cpp
// counterpart of int8 inference.
func quantizedVariant(m Model) Model {
	stem := strings.TrimSuffix(m.FileName, ".bin")
	fileName := stem + quantSuffix + ".bin"
	return Model{
		Name:     m.Name + quantSuffix,
		FileName: fileName,
		URL:      strings.Replace(m.URL, m.FileName, fileName, 1),
	}
}

// ResolveModel locates the model file a configuration asks for. A non-empty
// localPath wins over the named registry and is never downloaded. Named
// models resolve inside modelDir; when computeType is int8 the q8_0 variant
// is selected.
func ResolveModel(modelRef, computeType, modelDir, localPath string) (ResolvedModel, error) {
	if custom := strings.TrimSpace(localPath); custom != "" {
		custom = filepath.Clean(custom)
		if _, err := os.Stat(custom); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return ResolvedModel{}, fmt.Errorf("local model path does not exist: %s", custom)
			}
			return ResolvedModel{}, fmt.Errorf("stat local model path: %w", err)
		}
		return ResolvedModel{Path: custom, IsCustomPath: true}, nil
	}

	name := strings.TrimSpace(modelRef)
	if name == "" {
		name = DefaultModel
	}

	model, ok := LookupModel(name)
	if !ok {
		return ResolvedModel{}, fmt.Errorf("unknown model %q (known models: %s)", name, strings.Join(ModelNames(), ", "))
	}
	if computeType == "int8" && !strings.HasSuffix(model.Name, quantSuffix) {
		model = quantizedVariant(model)
	}

	if strings.TrimSpace(modelDir) == "" {
		return ResolvedModel{}, errors.New("model directory must not be empty for named model")
	}

	modelPath := filepath.Join(modelDir, model.FileName)
	_, statErr := os.Stat(modelPath)
	if statErr != nil && !errors.Is(statErr, os.ErrNotExist) {
		return ResolvedModel{}, fmt.Errorf("stat model path: %w", statErr)
	}

	return ResolvedModel{
		Name:          model.Name,
		Path:          modelPath,
		URL:           model.URL,
		SHA256:        model.SHA256,
		NeedsDownload: errors.Is(statErr, os.ErrNotExist),
	}, nil
}
