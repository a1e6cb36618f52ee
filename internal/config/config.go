package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
)

type DatabaseConfig struct {
	Path string `json:"path"`
}

type BootstrapConfig struct {
	URL        string `json:"url"`
	TimeoutSec int    `json:"timeout_seconds"`
}

type UpstreamConfig struct {
	RealtimeURL   string `json:"realtime_url"`
	SessionsURL   string `json:"sessions_url"`
	Model         string `json:"model"`
	Voice         string `json:"voice"`
	APIKey        string `json:"api_key"`
	TimeoutSec    int    `json:"request_timeout_seconds"`
	MaxRetries    int    `json:"max_retries"`
	BackoffBaseMS int    `json:"backoff_base_ms"`
}

type TurnDetectionConfig struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms"`
	SilenceDurationMS int     `json:"silence_duration_ms"`
}

type TranscriptionConfig struct {
	Model    string `json:"model"`
	Prompt   string `json:"prompt"`
	Language string `json:"language"`
}

type SessionConfig struct {
	Instructions              string              `json:"instructions"`
	Modalities                []string            `json:"modalities"`
	Voice                     string              `json:"voice"`
	InputAudioFormat          string              `json:"input_audio_format"`
	OutputAudioFormat         string              `json:"output_audio_format"`
	TurnDetection             TurnDetectionConfig `json:"turn_detection"`
	Transcription             TranscriptionConfig `json:"input_audio_transcription"`
	Temperature               float64             `json:"temperature"`
	WatchdogTimeoutMS         int                 `json:"watchdog_timeout_ms"`
	PendingResponseTimeoutSec int                 `json:"pending_response_timeout_seconds"`
}

type WebRTCConfig struct {
	ICEServers       []string `json:"ice_servers"`
	DataChannelLabel string   `json:"data_channel_label"`
}

type UsageConfig struct {
	UserID               string `json:"user_id"`
	DefaultModel         string `json:"default_model"`
	PricingCacheTTLSec   int    `json:"pricing_cache_ttl_seconds"`
	PricingCacheSize     int    `json:"pricing_cache_size"`
	AccountingTimeoutSec int    `json:"accounting_timeout_seconds"`
}

type ServerConfig struct {
	Port           int      `json:"port"`
	AuthToken      string   `json:"auth_token"`
	AllowedOrigins []string `json:"allowed_origins"`
}

type LoggingConfig struct {
	Level       string `json:"level"`
	Development bool   `json:"development"`
}

// Config is the parley configuration file.
type Config struct {
	Bootstrap BootstrapConfig `json:"bootstrap"`
	Upstream  UpstreamConfig  `json:"upstream"`
	Session   SessionConfig   `json:"session"`
	WebRTC    WebRTCConfig    `json:"webrtc"`
	Usage     UsageConfig     `json:"usage"`
	Database  DatabaseConfig  `json:"database"`
	Server    ServerConfig    `json:"server"`
	Logging   LoggingConfig   `json:"logging"`
}

const (
	DefaultModel       = "gpt-4o-realtime-preview-2024-12-17"
	DefaultRealtimeURL = "https://api.openai.com/v1/realtime"
	DefaultSessionsURL = "https://api.openai.com/v1/realtime/sessions"

	defaultBootstrapURL          = "http://localhost:8430/api/session"
	defaultBootstrapTimeoutSec   = 10
	defaultUpstreamTimeoutSec    = 15
	defaultUpstreamMaxRetries    = 3
	defaultUpstreamBackoffBaseMS = 500
	defaultVoice                 = "alloy"
	defaultAudioFormat           = "pcm16"
	defaultTurnDetectionType     = "server_vad"
	defaultVADThreshold          = 0.5
	defaultPrefixPaddingMS       = 300
	defaultSilenceDurationMS     = 500
	defaultTranscriptionModel    = "gpt-4o-transcribe"
	defaultTranscriptionLanguage = "en"
	defaultTranscriptionPrompt   = "Transcribe exactly what the speaker says in English."
	defaultTemperature           = 0.8
	defaultWatchdogTimeoutMS     = 5000
	defaultPendingResponseSec    = 30
	defaultDataChannelLabel      = "oai-events"
	defaultICEServer             = "stun:stun.l.google.com:19302"
	defaultUserID                = "anonymous"
	defaultPricingCacheTTLSec    = 300
	defaultPricingCacheSize      = 64
	defaultAccountingTimeoutSec  = 5
	defaultDatabasePath          = "parley.db"
	defaultServerPort            = 8430
	defaultLogLevel              = "info"

	EnvAPIKey    = "OPENAI_API_KEY"
	EnvAuthToken = "PARLEY_AUTH_TOKEN"
)

// Load reads, parses and validates a config file. Environment overrides are
// applied before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyEnv(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a validated config with every default applied.
func Default() *Config {
	var cfg Config
	applyEnv(&cfg)
	_ = validate(&cfg)
	return &cfg
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvAPIKey)); v != "" {
		cfg.Upstream.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvAuthToken)); v != "" {
		cfg.Server.AuthToken = v
	}
}

func validate(cfg *Config) error {
	if cfg.Bootstrap.URL == "" {
		cfg.Bootstrap.URL = defaultBootstrapURL
	}
	if err := validateURL("bootstrap.url", cfg.Bootstrap.URL); err != nil {
		return err
	}
	if cfg.Bootstrap.TimeoutSec < 0 {
		return fmt.Errorf("validation error: bootstrap.timeout_seconds must be >= 0, got %d", cfg.Bootstrap.TimeoutSec)
	}
	if cfg.Bootstrap.TimeoutSec == 0 {
		cfg.Bootstrap.TimeoutSec = defaultBootstrapTimeoutSec
	}

	if err := validateUpstream(&cfg.Upstream); err != nil {
		return err
	}
	if err := validateSession(&cfg.Session, cfg.Upstream.Voice); err != nil {
		return err
	}

	if cfg.WebRTC.DataChannelLabel == "" {
		cfg.WebRTC.DataChannelLabel = defaultDataChannelLabel
	}
	if cfg.WebRTC.ICEServers == nil {
		cfg.WebRTC.ICEServers = []string{defaultICEServer}
	}
	for i, s := range cfg.WebRTC.ICEServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") && !strings.HasPrefix(s, "turns:") {
			return fmt.Errorf("validation error: webrtc.ice_servers[%d] must be a stun: or turn: URL, got %q", i, s)
		}
	}

	if err := validateUsage(&cfg.Usage, cfg.Upstream.Model); err != nil {
		return err
	}

	if cfg.Database.Path == "" {
		cfg.Database.Path = defaultDatabasePath
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaultServerPort
	}
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("validation error: server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaultLogLevel
	}
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("validation error: logging.level must be one of debug, info, warn, error, got %q", cfg.Logging.Level)
	}
	return nil
}

func validateUpstream(u *UpstreamConfig) error {
	if u.RealtimeURL == "" {
		u.RealtimeURL = DefaultRealtimeURL
	}
	if err := validateURL("upstream.realtime_url", u.RealtimeURL); err != nil {
		return err
	}
	if u.SessionsURL == "" {
		u.SessionsURL = DefaultSessionsURL
	}
	if err := validateURL("upstream.sessions_url", u.SessionsURL); err != nil {
		return err
	}
	if u.Model == "" {
		u.Model = DefaultModel
	}
	if u.Voice == "" {
		u.Voice = defaultVoice
	}
	if u.TimeoutSec < 0 {
		return fmt.Errorf("validation error: upstream.request_timeout_seconds must be >= 0, got %d", u.TimeoutSec)
	}
	if u.TimeoutSec == 0 {
		u.TimeoutSec = defaultUpstreamTimeoutSec
	}
	if u.MaxRetries < 0 {
		return fmt.Errorf("validation error: upstream.max_retries must be >= 0, got %d", u.MaxRetries)
	}
	if u.MaxRetries == 0 {
		u.MaxRetries = defaultUpstreamMaxRetries
	}
	if u.BackoffBaseMS < 0 {
		return fmt.Errorf("validation error: upstream.backoff_base_ms must be >= 0, got %d", u.BackoffBaseMS)
	}
	if u.BackoffBaseMS == 0 {
		u.BackoffBaseMS = defaultUpstreamBackoffBaseMS
	}
	return nil
}

func validateSession(s *SessionConfig, voice string) error {
	if len(s.Modalities) == 0 {
		s.Modalities = []string{"text", "audio"}
	}
	for _, m := range s.Modalities {
		if m != "text" && m != "audio" {
			return fmt.Errorf("validation error: session.modalities must contain only text or audio, got %q", m)
		}
	}
	if s.Voice == "" {
		s.Voice = voice
	}
	if s.InputAudioFormat == "" {
		s.InputAudioFormat = defaultAudioFormat
	}
	if s.OutputAudioFormat == "" {
		s.OutputAudioFormat = defaultAudioFormat
	}

	td := &s.TurnDetection
	if td.Type == "" {
		td.Type = defaultTurnDetectionType
	}
	if td.Threshold == 0 {
		td.Threshold = defaultVADThreshold
	}
	if td.Threshold < 0 || td.Threshold > 1 {
		return fmt.Errorf("validation error: session.turn_detection.threshold must be between 0 and 1, got %v", td.Threshold)
	}
	if td.PrefixPaddingMS == 0 {
		td.PrefixPaddingMS = defaultPrefixPaddingMS
	}
	if td.SilenceDurationMS == 0 {
		td.SilenceDurationMS = defaultSilenceDurationMS
	}
	if td.PrefixPaddingMS < 0 || td.SilenceDurationMS < 0 {
		return fmt.Errorf("validation error: session.turn_detection durations must be >= 0")
	}

	if s.Transcription.Model == "" {
		s.Transcription.Model = defaultTranscriptionModel
	}
	if s.Transcription.Language == "" {
		s.Transcription.Language = defaultTranscriptionLanguage
	}
	if s.Transcription.Prompt == "" {
		s.Transcription.Prompt = defaultTranscriptionPrompt
	}

	if s.Temperature == 0 {
		s.Temperature = defaultTemperature
	}
	if s.Temperature < 0 || s.Temperature > 2 {
		return fmt.Errorf("validation error: session.temperature must be between 0 and 2, got %v", s.Temperature)
	}
	if s.WatchdogTimeoutMS < 0 {
		return fmt.Errorf("validation error: session.watchdog_timeout_ms must be >= 0, got %d", s.WatchdogTimeoutMS)
	}
	if s.WatchdogTimeoutMS == 0 {
		s.WatchdogTimeoutMS = defaultWatchdogTimeoutMS
	}
	if s.PendingResponseTimeoutSec < 0 {
		return fmt.Errorf("validation error: session.pending_response_timeout_seconds must be >= 0, got %d", s.PendingResponseTimeoutSec)
	}
	if s.PendingResponseTimeoutSec == 0 {
		s.PendingResponseTimeoutSec = defaultPendingResponseSec
	}
	return nil
}

func validateUsage(u *UsageConfig, model string) error {
	if u.UserID == "" {
		u.UserID = defaultUserID
	}
	if u.DefaultModel == "" {
		u.DefaultModel = model
	}
	if u.PricingCacheTTLSec < 0 {
		return fmt.Errorf("validation error: usage.pricing_cache_ttl_seconds must be >= 0, got %d", u.PricingCacheTTLSec)
	}
	if u.PricingCacheTTLSec == 0 {
		u.PricingCacheTTLSec = defaultPricingCacheTTLSec
	}
	if u.PricingCacheSize < 0 {
		return fmt.Errorf("validation error: usage.pricing_cache_size must be >= 0, got %d", u.PricingCacheSize)
	}
	if u.PricingCacheSize == 0 {
		u.PricingCacheSize = defaultPricingCacheSize
	}
	if u.AccountingTimeoutSec < 0 {
		return fmt.Errorf("validation error: usage.accounting_timeout_seconds must be >= 0, got %d", u.AccountingTimeoutSec)
	}
	if u.AccountingTimeoutSec == 0 {
		u.AccountingTimeoutSec = defaultAccountingTimeoutSec
	}
	return nil
}

func validateURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("validation error: %s is not a valid URL: %w", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("validation error: %s must use http or https, got %q", field, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("validation error: %s must include a host, got %q", field, raw)
	}
	return nil
}
