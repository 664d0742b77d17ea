package config

import (
	"time"

	"github.com/spf13/viper"
)

type APICfg struct {
	BaseURL                string `mapstructure:"base_url"`
	TimeoutSeconds         int    `mapstructure:"timeout_seconds"`
	RetryMaxElapsedSeconds int    `mapstructure:"retry_max_elapsed_seconds"`
	RateLimitPerMinute     int    `mapstructure:"rate_limit_per_minute"`
}

type HubCfg struct {
	ChatURL              string `mapstructure:"chat_url"`
	OperatorURL          string `mapstructure:"operator_url"`
	HandshakeSeconds     int    `mapstructure:"handshake_seconds"`
	WriteDeadlineSeconds int    `mapstructure:"write_deadline_seconds"`
	PingIntervalSeconds  int    `mapstructure:"ping_interval_seconds"`
	InvokeTimeoutSeconds int    `mapstructure:"invoke_timeout_seconds"`
	MaxReconnectAttempts int    `mapstructure:"max_reconnect_attempts"`
}

type RedisCfg struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type ChatCfg struct {
	MaxOpenWindows      int `mapstructure:"max_open_windows"`
	TypingDebounceMs    int `mapstructure:"typing_debounce_ms"`
	TypingExpirySeconds int `mapstructure:"typing_expiry_seconds"`
	HistoryPageSize     int `mapstructure:"history_page_size"`
}

type AuthCfg struct {
	Token string `mapstructure:"token"`
}

type Config struct {
	Env         string   `mapstructure:"env"`
	API         APICfg   `mapstructure:"api"`
	Hub         HubCfg   `mapstructure:"hub"`
	Redis       RedisCfg `mapstructure:"redis"`
	Chat        ChatCfg  `mapstructure:"chat"`
	Auth        AuthCfg  `mapstructure:"auth"`
	MetricsPort int      `mapstructure:"metrics_port"`

	// Derived
	APITimeout      time.Duration
	APIRetryElapsed time.Duration
	Handshake       time.Duration
	WriteDeadline   time.Duration
	PingInterval    time.Duration
	InvokeTimeout   time.Duration
	TypingDebounce  time.Duration
	TypingExpiry    time.Duration
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.AutomaticEnv()
	v.SetEnvPrefix("CHATSYNC")

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.API.TimeoutSeconds == 0 {
		cfg.API.TimeoutSeconds = 15
	}
	if cfg.API.RetryMaxElapsedSeconds == 0 {
		cfg.API.RetryMaxElapsedSeconds = 20
	}
	if cfg.API.RateLimitPerMinute == 0 {
		cfg.API.RateLimitPerMinute = 300
	}
	if cfg.Hub.HandshakeSeconds == 0 {
		cfg.Hub.HandshakeSeconds = 10
	}
	if cfg.Hub.WriteDeadlineSeconds == 0 {
		cfg.Hub.WriteDeadlineSeconds = 10
	}
	if cfg.Hub.PingIntervalSeconds == 0 {
		cfg.Hub.PingIntervalSeconds = 25
	}
	if cfg.Hub.InvokeTimeoutSeconds == 0 {
		cfg.Hub.InvokeTimeoutSeconds = 15
	}
	if cfg.Hub.MaxReconnectAttempts == 0 {
		cfg.Hub.MaxReconnectAttempts = 10
	}
	if cfg.Chat.MaxOpenWindows == 0 {
		cfg.Chat.MaxOpenWindows = 3
	}
	if cfg.Chat.TypingDebounceMs == 0 {
		cfg.Chat.TypingDebounceMs = 300
	}
	if cfg.Chat.TypingExpirySeconds == 0 {
		cfg.Chat.TypingExpirySeconds = 3
	}
	if cfg.Chat.HistoryPageSize == 0 {
		cfg.Chat.HistoryPageSize = 50
	}
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = "chatsync"
	}

	cfg.APITimeout = time.Duration(cfg.API.TimeoutSeconds) * time.Second
	cfg.APIRetryElapsed = time.Duration(cfg.API.RetryMaxElapsedSeconds) * time.Second
	cfg.Handshake = time.Duration(cfg.Hub.HandshakeSeconds) * time.Second
	cfg.WriteDeadline = time.Duration(cfg.Hub.WriteDeadlineSeconds) * time.Second
	cfg.PingInterval = time.Duration(cfg.Hub.PingIntervalSeconds) * time.Second
	cfg.InvokeTimeout = time.Duration(cfg.Hub.InvokeTimeoutSeconds) * time.Second
	cfg.TypingDebounce = time.Duration(cfg.Chat.TypingDebounceMs) * time.Millisecond
	cfg.TypingExpiry = time.Duration(cfg.Chat.TypingExpirySeconds) * time.Second
}
