package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "FORUM"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabasePath  = "forum.db"
	defaultLogLevel      = "info"
	defaultIdentityIss   = "driveline-identity"
	defaultEditWindowMin = 15
	defaultDailyRepCap   = 20
	defaultReplayWindow  = 50
	defaultStreamBuffer  = 16
	defaultVoteRetries   = 5
)

// AppConfig captures runtime configuration for the forum API server.
type AppConfig struct {
	HTTPAddress        string
	DatabasePath       string
	LogLevel           string
	IdentitySecret     string
	IdentityIssuer     string
	EditWindow         time.Duration
	ReputationDailyCap int64
	ReplayWindow       int
	StreamBufferSize   int
	VoteMaxRetries     int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("identity.issuer", defaultIdentityIss)
	configViper.SetDefault("edit.window_minutes", defaultEditWindowMin)
	configViper.SetDefault("reputation.daily_cap", defaultDailyRepCap)
	configViper.SetDefault("realtime.replay_window", defaultReplayWindow)
	configViper.SetDefault("realtime.buffer_size", defaultStreamBuffer)
	configViper.SetDefault("vote.max_retries", defaultVoteRetries)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		IdentitySecret:     configViper.GetString("identity.signing_secret"),
		IdentityIssuer:     configViper.GetString("identity.issuer"),
		EditWindow:         time.Duration(configViper.GetInt("edit.window_minutes")) * time.Minute,
		ReputationDailyCap: configViper.GetInt64("reputation.daily_cap"),
		ReplayWindow:       configViper.GetInt("realtime.replay_window"),
		StreamBufferSize:   configViper.GetInt("realtime.buffer_size"),
		VoteMaxRetries:     configViper.GetInt("vote.max_retries"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.IdentitySecret) == "" {
		return fmt.Errorf("identity.signing_secret is required")
	}
	if strings.TrimSpace(c.IdentityIssuer) == "" {
		return fmt.Errorf("identity.issuer is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.EditWindow < 0 {
		return fmt.Errorf("edit.window_minutes must not be negative")
	}
	if c.ReplayWindow < 0 {
		return fmt.Errorf("realtime.replay_window must not be negative")
	}
	if c.StreamBufferSize <= 0 {
		return fmt.Errorf("realtime.buffer_size must be positive")
	}
	if c.VoteMaxRetries <= 0 {
		return fmt.Errorf("vote.max_retries must be positive")
	}
	return nil
}
