package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override secrets and paths from the file
const (
	EnvAPIKey    = "STT_API_KEY"
	EnvModelPath = "STT_MODEL_PATH"
)

// Recognizer backends
const (
	BackendVosk = "vosk"
	BackendHTTP = "http"
)

// Config represents the complete pipeline configuration
type Config struct {
	Audio      AudioConfig      `yaml:"audio"`
	Queue      QueueConfig      `yaml:"queue"`
	Engine     EngineConfig     `yaml:"engine"`
	Recognizer RecognizerConfig `yaml:"recognizer"`
	Sources    SourcesConfig    `yaml:"sources"`
	YouTube    YouTubeConfig    `yaml:"youtube"`
	HTTP       HTTPConfig       `yaml:"http"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// AudioConfig contains the pipeline audio format
type AudioConfig struct {
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`
	BitDepth   int `yaml:"bit_depth"`
	BlockSize  int `yaml:"block_size"` // frames per chunk
}

// QueueConfig contains bounded audio queue parameters
type QueueConfig struct {
	Capacity         int `yaml:"capacity"`
	DequeueTimeoutMs int `yaml:"dequeue_timeout_ms"`
}

// EngineConfig contains transcription engine parameters
type EngineConfig struct {
	EmitPartials    bool    `yaml:"emit_partials"`
	DefaultDuration float64 `yaml:"default_duration"` // seconds
}

// RecognizerConfig selects and configures the speech recognizer
type RecognizerConfig struct {
	Backend   string              `yaml:"backend"`
	ModelPath string              `yaml:"model_path"`
	HTTP      TranscriptionConfig `yaml:"http"`
	VAD       VADConfig           `yaml:"vad"`
}

// TranscriptionConfig contains transcription API configuration
type TranscriptionConfig struct {
	Endpoint      string `yaml:"endpoint"`
	APIKey        string `yaml:"api_key"`
	Timeout       int    `yaml:"timeout"` // seconds
	MaxRetries    int    `yaml:"max_retries"`
	MaxConcurrent int    `yaml:"max_concurrent"`
	OutputFormat  string `yaml:"output_format"`
	Language      string `yaml:"language"`
	Model         string `yaml:"model"`
}

// VADConfig contains utterance detection parameters for the HTTP backend
type VADConfig struct {
	Threshold          float32 `yaml:"threshold"`
	WindowSize         int     `yaml:"window_size"`          // samples
	MinSpeechDuration  float64 `yaml:"min_speech_duration"`  // seconds
	MinSilenceDuration float64 `yaml:"min_silence_duration"` // seconds
	MinUtterance       float64 `yaml:"min_utterance"`        // seconds
	MaxUtterance       float64 `yaml:"max_utterance"`        // seconds
}

// SourcesConfig contains audio source parameters
type SourcesConfig struct {
	FFmpegPath    string `yaml:"ffmpeg_path"`
	ReadTimeoutMs int    `yaml:"read_timeout_ms"`
	CaptureDevice string `yaml:"capture_device"`
	Realtime      bool   `yaml:"realtime"`
}

// YouTubeConfig contains remote media parameters
type YouTubeConfig struct {
	CaptionLanguage string `yaml:"caption_language"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the configuration used for any field the file omits
func Default() Config {
	return Config{
		Audio: AudioConfig{SampleRate: 16000, Channels: 1, BitDepth: 16, BlockSize: 8000},
		Queue: QueueConfig{Capacity: 50, DequeueTimeoutMs: 1000},
		Engine: EngineConfig{
			DefaultDuration: 60,
		},
		Recognizer: RecognizerConfig{
			Backend: BackendVosk,
			HTTP: TranscriptionConfig{
				Timeout:       30,
				MaxRetries:    3,
				MaxConcurrent: 4,
				OutputFormat:  "json",
			},
			VAD: VADConfig{
				Threshold:          0.5,
				WindowSize:         512,
				MinSpeechDuration:  0.25,
				MinSilenceDuration: 0.5,
				MinUtterance:       0.5,
				MaxUtterance:       15,
			},
		},
		Sources: SourcesConfig{FFmpegPath: "ffmpeg", ReadTimeoutMs: 500},
		YouTube: YouTubeConfig{CaptionLanguage: "en"},
		HTTP:    HTTPConfig{Address: "0.0.0.0", Port: 8080},
		Logging: LoggingConfig{Level: "info", Format: "text", Output: "stdout"},
	}
}

// Load reads and parses the configuration file. A .env file next to the
// working directory is loaded first when present, and STT_API_KEY and
// STT_MODEL_PATH override the values from the file.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return config, nil
}

// Parse decodes YAML on top of Default, applies environment overrides and
// validates the result
func Parse(data []byte) (*Config, error) {
	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config.applyEnv()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvAPIKey); v != "" {
		c.Recognizer.HTTP.APIKey = v
	}
	if v := os.Getenv(EnvModelPath); v != "" {
		c.Recognizer.ModelPath = v
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Queue.Validate(); err != nil {
		return fmt.Errorf("queue config: %w", err)
	}

	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine config: %w", err)
	}

	if err := c.Recognizer.Validate(); err != nil {
		return fmt.Errorf("recognizer config: %w", err)
	}

	if err := c.Sources.Validate(); err != nil {
		return fmt.Errorf("sources config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates the audio format. The recognizers are built for
// 16 kHz mono PCM-16 only.
func (a *AudioConfig) Validate() error {
	if a.SampleRate != 16000 {
		return fmt.Errorf("sample_rate must be 16000 Hz, got %d", a.SampleRate)
	}

	if a.Channels != 1 {
		return fmt.Errorf("channels must be 1 (mono), got %d", a.Channels)
	}

	if a.BitDepth != 16 {
		return fmt.Errorf("bit_depth must be 16, got %d", a.BitDepth)
	}

	if a.BlockSize < 1 {
		return fmt.Errorf("block_size must be at least 1 frame, got %d", a.BlockSize)
	}

	return nil
}

// Validate validates queue configuration
func (q *QueueConfig) Validate() error {
	if q.Capacity < 1 {
		return fmt.Errorf("capacity must be at least 1, got %d", q.Capacity)
	}

	if q.DequeueTimeoutMs < 1 {
		return fmt.Errorf("dequeue_timeout_ms must be positive, got %d", q.DequeueTimeoutMs)
	}

	return nil
}

// Validate validates engine configuration
func (e *EngineConfig) Validate() error {
	if e.DefaultDuration < 0 {
		return fmt.Errorf("default_duration cannot be negative, got %f", e.DefaultDuration)
	}
	return nil
}

// Validate validates the recognizer backend and its section
func (r *RecognizerConfig) Validate() error {
	switch r.Backend {
	case BackendVosk:
		if r.ModelPath == "" {
			return fmt.Errorf("model_path is required for the vosk backend")
		}
		return nil
	case BackendHTTP:
		if err := r.HTTP.Validate(); err != nil {
			return fmt.Errorf("http: %w", err)
		}
		if err := r.VAD.Validate(); err != nil {
			return fmt.Errorf("vad: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("backend must be '%s' or '%s', got '%s'", BackendVosk, BackendHTTP, r.Backend)
	}
}

// Validate validates transcription configuration
func (t *TranscriptionConfig) Validate() error {
	if t.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}

	if t.APIKey == "" {
		return fmt.Errorf("api_key cannot be empty (set it in the file or %s)", EnvAPIKey)
	}

	if t.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", t.Timeout)
	}

	if t.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", t.MaxRetries)
	}

	if t.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", t.MaxConcurrent)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[t.OutputFormat] {
		return fmt.Errorf("output_format must be 'json' or 'text', got '%s'", t.OutputFormat)
	}

	return nil
}

// Validate validates VAD configuration
func (v *VADConfig) Validate() error {
	if v.Threshold < 0 || v.Threshold > 1 {
		return fmt.Errorf("threshold must be between 0 and 1, got %f", v.Threshold)
	}

	if v.WindowSize < 1 {
		return fmt.Errorf("window_size must be positive, got %d", v.WindowSize)
	}

	if v.MinSpeechDuration < 0 {
		return fmt.Errorf("min_speech_duration cannot be negative, got %f", v.MinSpeechDuration)
	}

	if v.MinSilenceDuration <= 0 {
		return fmt.Errorf("min_silence_duration must be positive, got %f", v.MinSilenceDuration)
	}

	if v.MaxUtterance <= v.MinUtterance {
		return fmt.Errorf("max_utterance (%f) must be greater than min_utterance (%f)",
			v.MaxUtterance, v.MinUtterance)
	}

	return nil
}

// Validate validates source configuration
func (s *SourcesConfig) Validate() error {
	if s.FFmpegPath == "" {
		return fmt.Errorf("ffmpeg_path cannot be empty")
	}

	if s.ReadTimeoutMs < 1 {
		return fmt.Errorf("read_timeout_ms must be positive, got %d", s.ReadTimeoutMs)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// GetDequeueTimeout returns the consumer poll interval as a time.Duration
func (q *QueueConfig) GetDequeueTimeout() time.Duration {
	return time.Duration(q.DequeueTimeoutMs) * time.Millisecond
}

// GetDefaultDuration returns the session length used when none is given
func (e *EngineConfig) GetDefaultDuration() time.Duration {
	return time.Duration(e.DefaultDuration * float64(time.Second))
}

// GetTimeoutDuration returns the transcription timeout as a time.Duration
func (t *TranscriptionConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}

// GetMinSpeechDuration returns the minimum speech duration as a time.Duration
func (v *VADConfig) GetMinSpeechDuration() time.Duration {
	return time.Duration(v.MinSpeechDuration * float64(time.Second))
}

// GetMinSilenceDuration returns the minimum silence duration as a time.Duration
func (v *VADConfig) GetMinSilenceDuration() time.Duration {
	return time.Duration(v.MinSilenceDuration * float64(time.Second))
}

// GetMinUtterance returns the shortest utterance sent for transcription
func (v *VADConfig) GetMinUtterance() time.Duration {
	return time.Duration(v.MinUtterance * float64(time.Second))
}

// GetMaxUtterance returns the length at which an utterance is force-closed
func (v *VADConfig) GetMaxUtterance() time.Duration {
	return time.Duration(v.MaxUtterance * float64(time.Second))
}

// GetReadTimeout returns the bounded wait of pull source reads
func (s *SourcesConfig) GetReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutMs) * time.Millisecond
}
