package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	TempDir string `yaml:"temp_dir"`
}

type WhisperConfig struct {
	Mode           string `yaml:"mode"` // exec, mock
	Command        string `yaml:"command"`
	Model          string `yaml:"model"`
	Device         string `yaml:"device"`
	ComputeType    string `yaml:"compute_type"`
	CPUThreads     int    `yaml:"cpu_threads"`
	BeamSize       int    `yaml:"beam_size"`
	ModelDir       string `yaml:"model_dir"`
	LocalModelPath string `yaml:"local_model_path"`
	AutoDownload   bool   `yaml:"auto_download"`
}

type LimitsConfig struct {
	MaxFileSize       int64    `yaml:"max_file_size"`
	MaxAudioSeconds   float64  `yaml:"max_audio_seconds"`
	MaxConcurrency    int      `yaml:"max_concurrency"`
	DownloadTimeoutMS int      `yaml:"download_timeout_ms"`
	AllowedExtensions []string `yaml:"allowed_extensions"`
}

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	StdoutTrace    bool   `yaml:"stdout_trace"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HistoryConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRecords    int    `yaml:"max_records"`
	StoreText     bool   `yaml:"store_text"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type CacheConfig struct {
	MaxEntries int `yaml:"max_entries"`
}

type EventsConfig struct {
	Servers          []string `yaml:"servers"`
	Subject          string   `yaml:"subject"`
	Username         string   `yaml:"username"`
	Password         string   `yaml:"password"`
	Token            string   `yaml:"token"`
	TLSInsecure      bool     `yaml:"tls_insecure"`
	ConnectTimeoutMS int      `yaml:"connect_timeout_ms"`
}

type Config struct {
	ServiceName string          `yaml:"service_name"`
	Environment string          `yaml:"environment"`
	Server      ServerConfig    `yaml:"server"`
	Whisper     WhisperConfig   `yaml:"whisper"`
	Limits      LimitsConfig    `yaml:"limits"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	History     HistoryConfig   `yaml:"history"`
	Cache       CacheConfig     `yaml:"cache"`
	Events      EventsConfig    `yaml:"events"`
}

func Default() Config {
	return Config{
		ServiceName: "whisperd",
		Environment: "development",
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    8000,
			TempDir: "./temp",
		},
		Whisper: WhisperConfig{
			Mode:         "exec",
			Command:      "whisper-cli",
			Model:        "small",
			Device:       "cpu",
			ComputeType:  "int8",
			CPUThreads:   4,
			BeamSize:     5,
			ModelDir:     "./models",
			AutoDownload: true,
		},
		Limits: LimitsConfig{
			MaxFileSize:       100 * 1024 * 1024,
			MaxAudioSeconds:   0,
			MaxConcurrency:    2,
			DownloadTimeoutMS: 60000,
			AllowedExtensions: []string{
				"mp3", "wav", "m4a", "flac", "ogg",
				"wma", "aac", "opus", "webm", "mp4",
			},
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			StdoutTrace:    false,
			PrometheusBind: ":9091",
		},
		History: HistoryConfig{
			Path:          "./data/whisperd.db",
			RetentionMode: "persistent",
			RetentionDays: 30,
			MaxRecords:    10000,
			StoreText:     true,
		},
		Cache: CacheConfig{
			MaxEntries: 64,
		},
		Events: EventsConfig{
			Subject:          "whisperd.transcriptions",
			ConnectTimeoutMS: 2000,
		},
	}
}

// Load builds the effective configuration: defaults, then the yaml file when
// it exists, then environment overrides. A missing file is not an error so
// that container deployments can run on environment variables alone.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.ServiceName, "SERVICE_NAME")
	overrideString(&cfg.Environment, "ENVIRONMENT")
	overrideString(&cfg.Server.Host, "API_HOST")
	overrideInt(&cfg.Server.Port, "API_PORT")
	overrideString(&cfg.Server.TempDir, "TEMP_DIR")
	overrideString(&cfg.Whisper.Mode, "WHISPER_MODE")
	overrideString(&cfg.Whisper.Command, "WHISPER_COMMAND")
	overrideString(&cfg.Whisper.Model, "WHISPER_MODEL")
	overrideString(&cfg.Whisper.Device, "WHISPER_DEVICE")
	overrideString(&cfg.Whisper.ComputeType, "WHISPER_COMPUTE_TYPE")
	overrideInt(&cfg.Whisper.CPUThreads, "WHISPER_CPU_THREADS")
	overrideInt(&cfg.Whisper.BeamSize, "WHISPER_BEAM_SIZE")
	overrideString(&cfg.Whisper.ModelDir, "WHISPER_MODEL_DIR")
	overrideString(&cfg.Whisper.LocalModelPath, "WHISPER_LOCAL_MODEL_PATH")
	overrideBool(&cfg.Whisper.AutoDownload, "WHISPER_AUTO_DOWNLOAD")
	overrideInt64(&cfg.Limits.MaxFileSize, "MAX_FILE_SIZE")
	overrideFloat(&cfg.Limits.MaxAudioSeconds, "MAX_AUDIO_SECONDS")
	overrideInt(&cfg.Limits.MaxConcurrency, "MAX_CONCURRENCY")
	overrideInt(&cfg.Limits.DownloadTimeoutMS, "DOWNLOAD_TIMEOUT_MS")
	overrideStringSlice(&cfg.Limits.AllowedExtensions, "ALLOWED_EXTENSIONS")
	overrideString(&cfg.Telemetry.LogLevel, "LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.StdoutTrace, "TELEMETRY_STDOUT_TRACE")
	overrideString(&cfg.Telemetry.PrometheusBind, "TELEMETRY_PROMETHEUS_BIND")
	overrideString(&cfg.History.Path, "HISTORY_PATH")
	overrideString(&cfg.History.RetentionMode, "HISTORY_RETENTION_MODE")
	overrideInt(&cfg.History.RetentionDays, "HISTORY_RETENTION_DAYS")
	overrideInt(&cfg.History.MaxRecords, "HISTORY_MAX_RECORDS")
	overrideBool(&cfg.History.StoreText, "HISTORY_STORE_TEXT")
	overrideBool(&cfg.History.VacuumOnStart, "HISTORY_VACUUM_ON_START")
	overrideInt(&cfg.Cache.MaxEntries, "CACHE_MAX_ENTRIES")
	overrideStringSlice(&cfg.Events.Servers, "EVENTS_NATS_SERVERS")
	overrideString(&cfg.Events.Subject, "EVENTS_NATS_SUBJECT")
	overrideString(&cfg.Events.Username, "EVENTS_NATS_USERNAME")
	overrideString(&cfg.Events.Password, "EVENTS_NATS_PASSWORD")
	overrideString(&cfg.Events.Token, "EVENTS_NATS_TOKEN")
	overrideBool(&cfg.Events.TLSInsecure, "EVENTS_NATS_TLS_INSECURE")
	overrideInt(&cfg.Events.ConnectTimeoutMS, "EVENTS_CONNECT_TIMEOUT_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

// EffectiveComputeType resolves the compute type the engine actually runs
// with. float16 needs GPU support, so cpu deployments fall back to int8;
// callers log the substitution.
func (w WhisperConfig) EffectiveComputeType() string {
	if w.Device == "cpu" && w.ComputeType == "float16" {
		return "int8"
	}
	return w.ComputeType
}

// ExtensionAllowed reports whether the file name carries one of the accepted
// audio extensions. Names without an extension are rejected.
func (l LimitsConfig) ExtensionAllowed(filename string) bool {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	if ext == "" {
		return false
	}
	for _, allowed := range l.AllowedExtensions {
		if ext == strings.ToLower(allowed) {
			return true
		}
	}
	return false
}

func validate(cfg Config) error {
	if cfg.ServiceName == "" {
		return errors.New("service_name must not be empty")
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if cfg.Server.TempDir == "" {
		return errors.New("server.temp_dir must not be empty")
	}
	switch cfg.Whisper.Mode {
	case "exec", "mock":
	default:
		return errors.New("whisper.mode must be one of exec|mock")
	}
	if cfg.Whisper.Mode == "exec" && cfg.Whisper.Command == "" {
		return errors.New("whisper.command must be set when mode=exec")
	}
	if cfg.Whisper.Model == "" && cfg.Whisper.LocalModelPath == "" {
		return errors.New("whisper.model or whisper.local_model_path must be set")
	}
	switch cfg.Whisper.Device {
	case "cpu", "cuda":
	default:
		return errors.New("whisper.device must be one of cpu|cuda")
	}
	switch cfg.Whisper.ComputeType {
	case "int8", "float16", "float32":
	default:
		return errors.New("whisper.compute_type must be one of int8|float16|float32")
	}
	if cfg.Whisper.CPUThreads <= 0 {
		return errors.New("whisper.cpu_threads must be positive")
	}
	if cfg.Whisper.BeamSize <= 0 {
		return errors.New("whisper.beam_size must be positive")
	}
	if cfg.Limits.MaxFileSize <= 0 {
		return errors.New("limits.max_file_size must be positive")
	}
	if cfg.Limits.MaxAudioSeconds < 0 {
		return errors.New("limits.max_audio_seconds must be >= 0")
	}
	if cfg.Limits.MaxConcurrency <= 0 {
		return errors.New("limits.max_concurrency must be >= 1")
	}
	if cfg.Limits.DownloadTimeoutMS <= 0 {
		return errors.New("limits.download_timeout_ms must be positive")
	}
	if len(cfg.Limits.AllowedExtensions) == 0 {
		return errors.New("limits.allowed_extensions must not be empty")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.History.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("history.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.History.RetentionMode != "ephemeral" && cfg.History.Path == "" {
		return errors.New("history.path must not be empty")
	}
	if cfg.History.RetentionDays < 0 {
		return errors.New("history.retention_days must be >= 0")
	}
	if cfg.History.MaxRecords < 0 {
		return errors.New("history.max_records must be >= 0")
	}
	if cfg.Cache.MaxEntries < 0 {
		return errors.New("cache.max_entries must be >= 0")
	}
	if len(cfg.Events.Servers) > 0 {
		if cfg.Events.Subject == "" {
			return errors.New("events.subject must not be empty when servers are configured")
		}
		if cfg.Events.ConnectTimeoutMS <= 0 {
			return errors.New("events.connect_timeout_ms must be positive")
		}
	}
	return nil
}
