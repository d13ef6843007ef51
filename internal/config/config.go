package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	// External endpoints.
	BackendURL    string `mapstructure:"backend_url"`
	RealtimeURL   string `mapstructure:"realtime_url"`
	RealtimeModel string `mapstructure:"realtime_model"`
	SttURL        string `mapstructure:"stt_url"`

	// Audio path. One rate end to end: capture, codec, playback, STT.
	SampleRate int `mapstructure:"sample_rate"`

	// Timeouts.
	HTTPTimeout        time.Duration `mapstructure:"http_timeout"`
	GatherCeiling      time.Duration `mapstructure:"gather_ceiling"`
	NegotiationTimeout time.Duration `mapstructure:"negotiation_timeout"`

	// Quality sampling.
	QualityInterval time.Duration `mapstructure:"quality_interval"`

	// Recovery budgets and backoff caps.
	RestartAttempts   int           `mapstructure:"restart_attempts"`
	RestartBackoffCap time.Duration `mapstructure:"restart_backoff_cap"`
	RebuildAttempts   int           `mapstructure:"rebuild_attempts"`
	RebuildBackoffCap time.Duration `mapstructure:"rebuild_backoff_cap"`

	// Signaling exchange retry budget (throttled / server errors only).
	ExchangeAttempts int `mapstructure:"exchange_attempts"`

	// Delay between reaching connected and starting caption pipelines.
	TranscribeStartDelay time.Duration `mapstructure:"transcribe_start_delay"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("backend_url", "http://localhost:8000")
	v.SetDefault("realtime_url", "https://api.openai.com/v1/realtime")
	v.SetDefault("realtime_model", "gpt-4o-realtime-preview-2024-12-17")
	v.SetDefault("stt_url", "wss://api.assemblyai.com/v2/realtime/ws")
	v.SetDefault("sample_rate", 16000)
	v.SetDefault("http_timeout", "10s")
	v.SetDefault("gather_ceiling", "5s")
	v.SetDefault("negotiation_timeout", "30s")
	v.SetDefault("quality_interval", "3s")
	v.SetDefault("restart_attempts", 3)
	v.SetDefault("restart_backoff_cap", "5s")
	v.SetDefault("rebuild_attempts", 5)
	v.SetDefault("rebuild_backoff_cap", "10s")
	v.SetDefault("exchange_attempts", 3)
	v.SetDefault("transcribe_start_delay", "2s")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
