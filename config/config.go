package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Gemini   GeminiConfig   `yaml:"gemini"`
	Session  SessionConfig  `yaml:"session"`
	Audio    AudioConfig    `yaml:"audio"`
	Server   ServerConfig   `yaml:"server"`
	Tools    ToolsConfig    `yaml:"tools"`
	Pushover PushoverConfig `yaml:"pushover"`
	Log      LogConfig      `yaml:"log"`
}

type GeminiConfig struct {
	APIKey            string `yaml:"api_key"`
	BaseURL           string `yaml:"base_url"`
	Model             string `yaml:"model"`
	Voice             string `yaml:"voice"`
	SystemInstruction string `yaml:"system_instruction"`
	Keepalive         string `yaml:"keepalive"`
}

type SessionConfig struct {
	Tools     bool `yaml:"tools"`
	Grounding bool `yaml:"grounding"`
	// AutoStart opens a session at boot instead of waiting for POST /session/start.
	AutoStart      bool   `yaml:"auto_start"`
	MaxRetries     *int   `yaml:"max_retries"`
	RetryCountdown int    `yaml:"retry_countdown"`
	RetryTick      string `yaml:"retry_tick"`
	FrameSize      int    `yaml:"frame_size"`
}

type AudioConfig struct {
	Input              string `yaml:"input"`
	Output             string `yaml:"output"`
	InputFile          string `yaml:"input_file"`
	InputSampleRate    int    `yaml:"input_sample_rate"`
	OutputSampleRate   int    `yaml:"output_sample_rate"`
	OutputChannels     int    `yaml:"output_channels"`
	OutputBufferFrames int    `yaml:"output_buffer_frames"`
}

type ServerConfig struct {
	Addr            string `yaml:"addr"`
	AuthToken       string `yaml:"auth_token"`
	RateLimit       int    `yaml:"rate_limit"`
	RateLimitWindow string `yaml:"rate_limit_window"`
	Metrics         *bool  `yaml:"metrics"`
}

type ToolsConfig struct {
	MarketIntelURL string `yaml:"market_intel_url"`
}

type PushoverConfig struct {
	Token   string `yaml:"token"`
	UserKey string `yaml:"user_key"`
	Enabled bool   `yaml:"enabled"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Gemini.Model == "" {
		c.Gemini.Model = "gemini-2.5-flash-native-audio-preview-09-2025"
	}
	if c.Gemini.Voice == "" {
		c.Gemini.Voice = "Kore"
	}
	if c.Gemini.Keepalive == "" {
		c.Gemini.Keepalive = "20s"
	}
	if c.Session.MaxRetries == nil {
		n := 3
		c.Session.MaxRetries = &n
	}
	if c.Session.RetryCountdown == 0 {
		c.Session.RetryCountdown = 5
	}
	if c.Session.RetryTick == "" {
		c.Session.RetryTick = "1s"
	}
	if c.Session.FrameSize == 0 {
		c.Session.FrameSize = 4096
	}
	if c.Audio.Input == "" {
		c.Audio.Input = "microphone"
	}
	if c.Audio.Output == "" {
		c.Audio.Output = "speaker"
	}
	if c.Audio.InputSampleRate == 0 {
		c.Audio.InputSampleRate = 16000
	}
	if c.Audio.OutputSampleRate == 0 {
		c.Audio.OutputSampleRate = 24000
	}
	if c.Audio.OutputChannels == 0 {
		c.Audio.OutputChannels = 1
	}
	if c.Audio.OutputBufferFrames == 0 {
		c.Audio.OutputBufferFrames = 480
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.RateLimit == 0 {
		c.Server.RateLimit = 30
	}
	if c.Server.RateLimitWindow == "" {
		c.Server.RateLimitWindow = "1m"
	}
	if c.Server.Metrics == nil {
		on := true
		c.Server.Metrics = &on
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

func (c *Config) validate() error {
	var errs []error

	if c.Gemini.APIKey == "" {
		errs = append(errs, errors.New("gemini.api_key is required"))
	}
	durations := []struct {
		name      string
		value     string
		allowZero bool
	}{
		// A zero keepalive disables pings.
		{"gemini.keepalive", c.Gemini.Keepalive, true},
		{"session.retry_tick", c.Session.RetryTick, false},
		{"server.rate_limit_window", c.Server.RateLimitWindow, false},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(d.value)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("%s: %w", d.name, err))
		case v < 0 || (v == 0 && !d.allowZero):
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", d.name, d.value))
		}
	}

	positives := []struct {
		name  string
		value int
	}{
		{"session.retry_countdown", c.Session.RetryCountdown},
		{"session.frame_size", c.Session.FrameSize},
		{"audio.input_sample_rate", c.Audio.InputSampleRate},
		{"audio.output_sample_rate", c.Audio.OutputSampleRate},
		{"audio.output_channels", c.Audio.OutputChannels},
		{"audio.output_buffer_frames", c.Audio.OutputBufferFrames},
		{"server.rate_limit", c.Server.RateLimit},
	}
	for _, p := range positives {
		if p.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", p.name, p.value))
		}
	}

	if *c.Session.MaxRetries < 0 {
		errs = append(errs, errors.New("session.max_retries must not be negative"))
	}
	if c.Audio.Input == "file" && c.Audio.InputFile == "" {
		errs = append(errs, errors.New("audio.input_file is required when audio.input is file"))
	}

	return errors.Join(errs...)
}

// Keepalive, RetryTick and RateLimitWindow are checked by Load, so the parse
// errors below cannot happen for a loaded config.

func (c *Config) Keepalive() time.Duration {
	d, _ := time.ParseDuration(c.Gemini.Keepalive)
	return d
}

func (c *Config) RetryTick() time.Duration {
	d, _ := time.ParseDuration(c.Session.RetryTick)
	return d
}

func (c *Config) RateLimitWindow() time.Duration {
	d, _ := time.ParseDuration(c.Server.RateLimitWindow)
	return d
}
