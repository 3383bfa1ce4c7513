package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "MEDLEDGER"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabasePath       = "medledger.db"
	defaultLogLevel           = "info"
	defaultSessionTTLMinutes  = 30
	defaultPasswordCost       = 12
	defaultAnchorBatchLimit   = 100
	defaultAnchorPollSeconds  = 60
	defaultAnchorStepTimeoutS = 30
)

// AppConfig captures runtime configuration for the ledger service.
type AppConfig struct {
	HTTPAddress       string
	DatabasePath      string
	LogLevel          string
	SessionSecret     string
	SessionTTL        time.Duration
	PasswordCost      int
	AnchorBatchLimit  int
	AnchorPollEvery   time.Duration
	AnchorStepTimeout time.Duration
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
	configViper.SetDefault("session.ttl_minutes", defaultSessionTTLMinutes)
	configViper.SetDefault("password.cost", defaultPasswordCost)
	configViper.SetDefault("anchor.batch_limit", defaultAnchorBatchLimit)
	configViper.SetDefault("anchor.poll_seconds", defaultAnchorPollSeconds)
	configViper.SetDefault("anchor.step_timeout_seconds", defaultAnchorStepTimeoutS)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		SessionSecret:     configViper.GetString("session.signing_secret"),
		SessionTTL:        time.Duration(configViper.GetInt("session.ttl_minutes")) * time.Minute,
		PasswordCost:      configViper.GetInt("password.cost"),
		AnchorBatchLimit:  configViper.GetInt("anchor.batch_limit"),
		AnchorPollEvery:   time.Duration(configViper.GetInt("anchor.poll_seconds")) * time.Second,
		AnchorStepTimeout: time.Duration(configViper.GetInt("anchor.step_timeout_seconds")) * time.Second,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("session.ttl_minutes must be positive")
	}
	if c.AnchorBatchLimit <= 0 {
		return fmt.Errorf("anchor.batch_limit must be positive")
	}
	return nil
}
