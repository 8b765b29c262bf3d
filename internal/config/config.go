package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the service configuration. Durations are given in seconds.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Audio     AudioConfig     `yaml:"audio"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Providers ProvidersConfig `yaml:"providers"`
	History   HistoryConfig   `yaml:"history"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type ServerConfig struct {
	Address      string  `yaml:"address"`
	WSPath       string  `yaml:"ws_path"`
	ReadLimit    int64   `yaml:"read_limit"`
	WriteTimeout float64 `yaml:"write_timeout"`
	// AllowedOrigins lists websocket origins accepted besides same-origin
	// requests. A single "*" accepts any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type SessionsConfig struct {
	MaxSessions    int     `yaml:"max_sessions"`
	MaxListeners   int     `yaml:"max_listeners"`
	EndedRetention float64 `yaml:"ended_retention"`
	SpeakerTimeout float64 `yaml:"speaker_timeout"`
	SweepInterval  float64 `yaml:"sweep_interval"`
}

type AudioConfig struct {
	SampleRate     int     `yaml:"sample_rate"`
	Format         string  `yaml:"format"`
	WindowDuration float64 `yaml:"window_duration"`
	WindowBytes    int     `yaml:"window_bytes"`
}

type PipelineConfig struct {
	MinConfidence float64 `yaml:"min_confidence"`
	StageTimeout  float64 `yaml:"stage_timeout"`
	MaxRetries    int     `yaml:"max_retries"`
	RetryBackoff  float64 `yaml:"retry_backoff"`
	QueueCapacity int     `yaml:"queue_capacity"`
	CacheCapacity int     `yaml:"cache_capacity"`
}

type BroadcastConfig struct {
	QueueCapacity     int     `yaml:"queue_capacity"`
	HeartbeatInterval float64 `yaml:"heartbeat_interval"`
	MissedHeartbeats  int     `yaml:"missed_heartbeats"`
	DetachAfter       float64 `yaml:"detach_after"`
	SendTimeout       float64 `yaml:"send_timeout"`
}

type ProvidersConfig struct {
	Deepgram    DeepgramConfig    `yaml:"deepgram"`
	Translation TranslationConfig `yaml:"translation"`
	// Voices maps a target language to a provider voice name.
	Voices map[string]string `yaml:"voices"`
}

type DeepgramConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
	// Synthesis turns speech synthesis off when false, listeners then get
	// text only.
	Synthesis bool `yaml:"synthesis"`
}

type TranslationConfig struct {
	Provider string `yaml:"provider"`
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
}

type HistoryConfig struct {
	// Path of the JSON lines file utterances are appended to. Empty disables
	// history.
	Path          string `yaml:"path"`
	QueueCapacity int    `yaml:"queue_capacity"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

type TelemetryConfig struct {
	Tracing     string `yaml:"tracing"`
	ServiceName string `yaml:"service_name"`
}

// Default returns a configuration that runs locally with API keys taken from
// the environment.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Address:      ":8080",
			WSPath:       "/ws",
			ReadLimit:    1 << 20,
			WriteTimeout: 5,
		},
		Sessions: SessionsConfig{
			MaxSessions:    1000,
			MaxListeners:   500,
			EndedRetention: 300,
			SpeakerTimeout: 120,
			SweepInterval:  5,
		},
		Audio: AudioConfig{
			SampleRate:     16000,
			Format:         "linear16",
			WindowDuration: 3,
			WindowBytes:    64 * 1024,
		},
		Pipeline: PipelineConfig{
			MinConfidence: 0.4,
			StageTimeout:  10,
			MaxRetries:    2,
			RetryBackoff:  0.2,
			QueueCapacity: 16,
			CacheCapacity: 100,
		},
		Broadcast: BroadcastConfig{
			QueueCapacity:     32,
			HeartbeatInterval: 10,
			MissedHeartbeats:  3,
			DetachAfter:       60,
			SendTimeout:       5,
		},
		Providers: ProvidersConfig{
			Deepgram:    DeepgramConfig{Synthesis: true},
			Translation: TranslationConfig{Provider: "groq"},
		},
		History: HistoryConfig{
			QueueCapacity: 256,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Telemetry: TelemetryConfig{
			Tracing:     "none",
			ServiceName: "ema-broadcast",
		},
	}
}

// Load reads a YAML file over the defaults. ${VAR} references are expanded
// from the environment before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := c.Sessions.Validate(); err != nil {
		return fmt.Errorf("sessions config: %w", err)
	}
	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}
	if err := c.Pipeline.Validate(); err != nil {
		return fmt.Errorf("pipeline config: %w", err)
	}
	if err := c.Broadcast.Validate(); err != nil {
		return fmt.Errorf("broadcast config: %w", err)
	}
	if err := c.Providers.Validate(); err != nil {
		return fmt.Errorf("providers config: %w", err)
	}
	if err := c.History.Validate(); err != nil {
		return fmt.Errorf("history config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry config: %w", err)
	}
	return nil
}

func (s *ServerConfig) Validate() error {
	if s.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}
	if !strings.HasPrefix(s.WSPath, "/") {
		return fmt.Errorf("ws_path must start with /, got %q", s.WSPath)
	}
	if s.ReadLimit < 1024 {
		return fmt.Errorf("read_limit must be at least 1024 bytes, got %d", s.ReadLimit)
	}
	if s.WriteTimeout <= 0 {
		return fmt.Errorf("write_timeout must be positive, got %f", s.WriteTimeout)
	}
	return nil
}

func (s *SessionsConfig) Validate() error {
	if s.MaxSessions <= 0 {
		return fmt.Errorf("max_sessions must be positive, got %d", s.MaxSessions)
	}
	if s.MaxListeners <= 0 {
		return fmt.Errorf("max_listeners must be positive, got %d", s.MaxListeners)
	}
	if s.EndedRetention < 0 {
		return fmt.Errorf("ended_retention cannot be negative, got %f", s.EndedRetention)
	}
	if s.SpeakerTimeout < 0 {
		return fmt.Errorf("speaker_timeout cannot be negative, got %f", s.SpeakerTimeout)
	}
	if s.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive, got %f", s.SweepInterval)
	}
	return nil
}

func (a *AudioConfig) Validate() error {
	validRates := map[int]bool{8000: true, 16000: true, 24000: true, 44100: true, 48000: true}
	if !validRates[a.SampleRate] {
		return fmt.Errorf("sample_rate must be one of 8000, 16000, 24000, 44100, 48000, got %d", a.SampleRate)
	}

	validFormats := map[string]bool{"linear16": true, "mulaw": true, "alaw": true}
	if !validFormats[a.Format] {
		return fmt.Errorf("format must be one of linear16, mulaw, alaw, got %s", a.Format)
	}

	if a.WindowDuration <= 0 || a.WindowDuration > 30 {
		return fmt.Errorf("window_duration must be between 0 and 30 seconds, got %f", a.WindowDuration)
	}
	if a.WindowBytes <= 0 {
		return fmt.Errorf("window_bytes must be positive, got %d", a.WindowBytes)
	}
	return nil
}

func (p *PipelineConfig) Validate() error {
	if p.MinConfidence < 0 || p.MinConfidence > 1 {
		return fmt.Errorf("min_confidence must be between 0 and 1, got %f", p.MinConfidence)
	}
	if p.StageTimeout <= 0 {
		return fmt.Errorf("stage_timeout must be positive, got %f", p.StageTimeout)
	}
	if p.MaxRetries < 0 || p.MaxRetries > 10 {
		return fmt.Errorf("max_retries must be between 0 and 10, got %d", p.MaxRetries)
	}
	if p.RetryBackoff < 0 {
		return fmt.Errorf("retry_backoff cannot be negative, got %f", p.RetryBackoff)
	}
	if p.QueueCapacity <= 0 {
		return fmt.Errorf("queue_capacity must be positive, got %d", p.QueueCapacity)
	}
	if p.CacheCapacity <= 0 {
		return fmt.Errorf("cache_capacity must be positive, got %d", p.CacheCapacity)
	}
	return nil
}

func (b *BroadcastConfig) Validate() error {
	if b.QueueCapacity <= 0 {
		return fmt.Errorf("queue_capacity must be positive, got %d", b.QueueCapacity)
	}
	if b.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive, got %f", b.HeartbeatInterval)
	}
	if b.MissedHeartbeats <= 0 {
		return fmt.Errorf("missed_heartbeats must be positive, got %d", b.MissedHeartbeats)
	}
	if b.DetachAfter < b.HeartbeatInterval*float64(b.MissedHeartbeats) {
		return fmt.Errorf("detach_after (%f) must not be shorter than heartbeat_interval * missed_heartbeats (%f)",
			b.DetachAfter, b.HeartbeatInterval*float64(b.MissedHeartbeats))
	}
	if b.SendTimeout <= 0 {
		return fmt.Errorf("send_timeout must be positive, got %f", b.SendTimeout)
	}
	return nil
}

func (p *ProvidersConfig) Validate() error {
	validProviders := map[string]bool{"groq": true, "openai": true}
	if !validProviders[p.Translation.Provider] {
		return fmt.Errorf("translation provider must be one of groq, openai, got %s", p.Translation.Provider)
	}
	for language, voice := range p.Voices {
		if strings.TrimSpace(language) == "" || strings.TrimSpace(voice) == "" {
			return fmt.Errorf("voices cannot have empty languages or names, got %q: %q", language, voice)
		}
	}
	return nil
}

func (h *HistoryConfig) Validate() error {
	if h.Path != "" && h.QueueCapacity <= 0 {
		return fmt.Errorf("queue_capacity must be positive when history is enabled, got %d", h.QueueCapacity)
	}
	return nil
}

func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of debug, info, warn, error, got %s", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be one of json, text, got %s", l.Format)
	}

	if l.Output == "" {
		return fmt.Errorf("output cannot be empty")
	}
	return nil
}

func (t *TelemetryConfig) Validate() error {
	validTracing := map[string]bool{"none": true, "stdout": true}
	if !validTracing[t.Tracing] {
		return fmt.Errorf("tracing must be one of none, stdout, got %s", t.Tracing)
	}
	return nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func (s *ServerConfig) GetWriteTimeout() time.Duration { return seconds(s.WriteTimeout) }

func (s *SessionsConfig) GetEndedRetention() time.Duration { return seconds(s.EndedRetention) }
func (s *SessionsConfig) GetSpeakerTimeout() time.Duration { return seconds(s.SpeakerTimeout) }
func (s *SessionsConfig) GetSweepInterval() time.Duration  { return seconds(s.SweepInterval) }

func (a *AudioConfig) GetWindowDuration() time.Duration { return seconds(a.WindowDuration) }

func (p *PipelineConfig) GetStageTimeout() time.Duration { return seconds(p.StageTimeout) }
func (p *PipelineConfig) GetRetryBackoff() time.Duration { return seconds(p.RetryBackoff) }

func (b *BroadcastConfig) GetHeartbeatInterval() time.Duration { return seconds(b.HeartbeatInterval) }
func (b *BroadcastConfig) GetDetachAfter() time.Duration       { return seconds(b.DetachAfter) }
func (b *BroadcastConfig) GetSendTimeout() time.Duration       { return seconds(b.SendTimeout) }
