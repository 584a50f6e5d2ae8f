package config

import (
	"fmt"
	"time"

	"github.com/rpattn/parcelsync/internal/db"
	"github.com/spf13/viper"
)

// PipelineConfig tunes the sync and ingestion machinery.
type PipelineConfig struct {
	Workers         int
	BatchSize       int
	PageSize        int
	MaxAttempts     int
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	InterBatchDelay time.Duration
	MinRequestRate  float64
	MaxRequestRate  float64
	DaemonInterval  time.Duration
}

// ExportConfig controls where export files land.
type ExportConfig struct {
	Dir string
}

// Config is the full application configuration.
type Config struct {
	DB       db.Config
	Pipeline PipelineConfig
	Export   ExportConfig
}

// DefaultPipelineConfig returns the pipeline defaults.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Workers:         4,
		BatchSize:       500,
		PageSize:        1000,
		MaxAttempts:     3,
		RetryBaseDelay:  500 * time.Millisecond,
		RetryMaxDelay:   30 * time.Second,
		InterBatchDelay: 0,
		MinRequestRate:  1,
		MaxRequestRate:  4,
		DaemonInterval:  6 * time.Hour,
	}
}

// Load reads config.yaml from configPath, falling back to defaults plus
// PARCELSYNC_-prefixed environment overrides.
func Load(configPath string) (Config, error) {
	cfg := Config{
		DB:       db.DefaultConfig(),
		Pipeline: DefaultPipelineConfig(),
		Export:   ExportConfig{Dir: "exports"},
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AutomaticEnv() // allow environment overrides
	v.SetEnvPrefix("PARCELSYNC")

	// Optional: Map nested keys to flat env vars
	v.BindEnv("database.host")
	v.BindEnv("database.port")
	v.BindEnv("database.user")
	v.BindEnv("database.password")
	v.BindEnv("database.dbname")
	v.BindEnv("database.sslmode")
	v.BindEnv("pipeline.workers")
	v.BindEnv("pipeline.batch_size")
	v.BindEnv("pipeline.page_size")
	v.BindEnv("pipeline.max_attempts")
	v.BindEnv("pipeline.daemon_interval")
	v.BindEnv("export.dir")

	if err := v.ReadInConfig(); err != nil {
		// Config file not found? Just log it, use defaults + env
		fmt.Println("No config.yaml found, using defaults and env vars")
	} else {
		fmt.Println("Loaded config.yaml")
	}

	// Override defaults if values exist
	if v.IsSet("database.host") {
		cfg.DB.Host = v.GetString("database.host")
	}
	if v.IsSet("database.port") {
		cfg.DB.Port = v.GetInt("database.port")
	}
	if v.IsSet("database.user") {
		cfg.DB.User = v.GetString("database.user")
	}
	if v.IsSet("database.password") {
		cfg.DB.Password = v.GetString("database.password")
	}
	if v.IsSet("database.dbname") {
		cfg.DB.DBName = v.GetString("database.dbname")
	}
	if v.IsSet("database.sslmode") {
		cfg.DB.SSLMode = v.GetString("database.sslmode")
	}

	if v.IsSet("pipeline.workers") {
		cfg.Pipeline.Workers = v.GetInt("pipeline.workers")
	}
	if v.IsSet("pipeline.batch_size") {
		cfg.Pipeline.BatchSize = v.GetInt("pipeline.batch_size")
	}
	if v.IsSet("pipeline.page_size") {
		cfg.Pipeline.PageSize = v.GetInt("pipeline.page_size")
	}
	if v.IsSet("pipeline.max_attempts") {
		cfg.Pipeline.MaxAttempts = v.GetInt("pipeline.max_attempts")
	}
	if v.IsSet("pipeline.retry_base_delay") {
		cfg.Pipeline.RetryBaseDelay = v.GetDuration("pipeline.retry_base_delay")
	}
	if v.IsSet("pipeline.retry_max_delay") {
		cfg.Pipeline.RetryMaxDelay = v.GetDuration("pipeline.retry_max_delay")
	}
	if v.IsSet("pipeline.inter_batch_delay") {
		cfg.Pipeline.InterBatchDelay = v.GetDuration("pipeline.inter_batch_delay")
	}
	if v.IsSet("pipeline.min_request_rate") {
		cfg.Pipeline.MinRequestRate = v.GetFloat64("pipeline.min_request_rate")
	}
	if v.IsSet("pipeline.max_request_rate") {
		cfg.Pipeline.MaxRequestRate = v.GetFloat64("pipeline.max_request_rate")
	}
	if v.IsSet("pipeline.daemon_interval") {
		cfg.Pipeline.DaemonInterval = v.GetDuration("pipeline.daemon_interval")
	}

	if v.IsSet("export.dir") {
		cfg.Export.Dir = v.GetString("export.dir")
	}

	return cfg, nil
}
