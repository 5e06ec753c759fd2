package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "STOCKLINK"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabasePath  = "stocklink.db"
	defaultLogLevel      = "info"
	defaultSelfMarker    = "stocklink"
	defaultAntiLoopSecs  = 20
	defaultDrainBatch    = 20
	defaultStepBudgetSec = 20
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	DatabasePath   string
	LogLevel       string
	SelfMarker     string
	AntiLoopWindow time.Duration
	DrainBatch     int
	StepBudget     time.Duration
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
	configViper.SetDefault("sync.self_marker", defaultSelfMarker)
	configViper.SetDefault("sync.anti_loop_window_seconds", defaultAntiLoopSecs)
	configViper.SetDefault("queue.drain_batch", defaultDrainBatch)
	configViper.SetDefault("bulk.step_budget_seconds", defaultStepBudgetSec)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       configViper.GetString("log.level"),
		SelfMarker:     configViper.GetString("sync.self_marker"),
		AntiLoopWindow: time.Duration(configViper.GetInt("sync.anti_loop_window_seconds")) * time.Second,
		DrainBatch:     configViper.GetInt("queue.drain_batch"),
		StepBudget:     time.Duration(configViper.GetInt("bulk.step_budget_seconds")) * time.Second,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SelfMarker) == "" {
		return fmt.Errorf("sync.self_marker is required")
	}
	if c.AntiLoopWindow <= 0 {
		return fmt.Errorf("sync.anti_loop_window_seconds must be positive")
	}
	if c.DrainBatch <= 0 {
		return fmt.Errorf("queue.drain_batch must be positive")
	}
	if c.StepBudget <= 0 {
		return fmt.Errorf("bulk.step_budget_seconds must be positive")
	}
	return nil
}
