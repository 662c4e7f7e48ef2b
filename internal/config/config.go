package config

import (
	"encoding/json"
	"log"
	"os"
	"time"
)

// Config holds all configuration for the etlrun application.
// Values are loaded from environment variables; see printUsage() in
// cmd/etlrun for the full list.
type Config struct {
	StoreDriver string `json:"store_driver"`
	DatabaseURL string `json:"database_url,omitempty"`
	RedisAddr   string `json:"redis_addr,omitempty"`
	HTTPAddr    string `json:"http_addr"`

	TickInterval    time.Duration `json:"-"`
	TickIntervalStr string        `json:"tick_interval"`

	MaxConcurrent    int `json:"max_concurrent"`
	ChunkSize        int `json:"chunk_size"`
	SubscriberBuffer int `json:"subscriber_buffer"`

	ExecutionTimeout    time.Duration `json:"-"`
	ExecutionTimeoutStr string        `json:"execution_timeout"`

	HTTPShutdownTimeout    time.Duration `json:"-"`
	HTTPShutdownTimeoutStr string        `json:"http_shutdown_timeout"`
	EngineDrainTimeout     time.Duration `json:"-"`
	EngineDrainTimeoutStr  string        `json:"engine_drain_timeout"`

	DBMaxOpenConns       int           `json:"db_max_open_conns"`
	DBMaxIdleConns       int           `json:"db_max_idle_conns"`
	DBConnMaxLifetime    time.Duration `json:"-"`
	DBConnMaxLifetimeStr string        `json:"db_conn_max_lifetime"`

	MetricsEnabled bool   `json:"metrics_enabled"`
	MetricsPath    string `json:"metrics_path"`

	JobsFile string `json:"jobs_file,omitempty"`

	AnalyticsWindow       time.Duration `json:"-"`
	AnalyticsWindowStr    string        `json:"analytics_window"`
	AnalyticsRetention    time.Duration `json:"-"`
	AnalyticsRetentionStr string        `json:"analytics_retention"`
}

// Load reads configuration from environment variables with defaults.
func Load() Config {
	cfg := Config{
		StoreDriver:            os.Getenv("STORE_DRIVER"),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		RedisAddr:              os.Getenv("REDIS_ADDR"),
		HTTPAddr:               os.Getenv("HTTP_ADDR"),
		TickIntervalStr:        os.Getenv("TICK_INTERVAL"),
		ExecutionTimeoutStr:    os.Getenv("EXECUTION_TIMEOUT"),
		HTTPShutdownTimeoutStr: os.Getenv("HTTP_SHUTDOWN_TIMEOUT"),
		EngineDrainTimeoutStr:  os.Getenv("ENGINE_DRAIN_TIMEOUT"),
		DBConnMaxLifetimeStr:   os.Getenv("DB_CONN_MAX_LIFETIME"),
		MetricsEnabled:         os.Getenv("METRICS_ENABLED") == "true",
		MetricsPath:            os.Getenv("METRICS_PATH"),
		JobsFile:               os.Getenv("JOBS_FILE"),
		AnalyticsWindowStr:     os.Getenv("ANALYTICS_WINDOW"),
		AnalyticsRetentionStr:  os.Getenv("ANALYTICS_RETENTION"),
	}

	if s := os.Getenv("MAX_CONCURRENT"); s != "" {
		if n, err := parseInt(s); err == nil && n > 0 {
			cfg.MaxConcurrent = n
		} else {
			log.Printf("config: invalid MAX_CONCURRENT %q (must be a positive integer), using default 4", s)
		}
	}
	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = 4
	}

	if s := os.Getenv("CHUNK_SIZE"); s != "" {
		if n, err := parseInt(s); err == nil && n > 0 {
			cfg.ChunkSize = n
		} else {
			log.Printf("config: invalid CHUNK_SIZE %q (must be a positive integer), using default 500", s)
		}
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 500
	}

	if s := os.Getenv("SUBSCRIBER_BUFFER"); s != "" {
		if n, err := parseInt(s); err == nil && n > 0 {
			cfg.SubscriberBuffer = n
		} else {
			log.Printf("config: invalid SUBSCRIBER_BUFFER %q (must be a positive integer), using default 64", s)
		}
	}
	if cfg.SubscriberBuffer == 0 {
		cfg.SubscriberBuffer = 64
	}

	if s := os.Getenv("DB_MAX_OPEN_CONNS"); s != "" {
		if n, err := parseInt(s); err == nil && n > 0 {
			cfg.DBMaxOpenConns = n
		}
	}
	if cfg.DBMaxOpenConns == 0 {
		cfg.DBMaxOpenConns = 25
	}

	if s := os.Getenv("DB_MAX_IDLE_CONNS"); s != "" {
		if n, err := parseInt(s); err == nil && n > 0 {
			cfg.DBMaxIdleConns = n
		}
	}
	if cfg.DBMaxIdleConns == 0 {
		cfg.DBMaxIdleConns = 5
	}

	if cfg.StoreDriver == "" {
		cfg.StoreDriver = "memory"
	}
	// Support Railway's PORT variable as fallback for HTTP_ADDR.
	if cfg.HTTPAddr == "" {
		if port := os.Getenv("PORT"); port != "" {
			cfg.HTTPAddr = ":" + port
		} else {
			cfg.HTTPAddr = ":8080"
		}
	}
	if cfg.TickIntervalStr == "" {
		cfg.TickIntervalStr = "30s"
	}
	if cfg.ExecutionTimeoutStr == "" {
		cfg.ExecutionTimeoutStr = "10m"
	}
	if cfg.HTTPShutdownTimeoutStr == "" {
		cfg.HTTPShutdownTimeoutStr = "10s"
	}
	if cfg.EngineDrainTimeoutStr == "" {
		cfg.EngineDrainTimeoutStr = "30s"
	}
	if cfg.DBConnMaxLifetimeStr == "" {
		cfg.DBConnMaxLifetimeStr = "30m"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.AnalyticsWindowStr == "" {
		cfg.AnalyticsWindowStr = "1h"
	}
	if cfg.AnalyticsRetentionStr == "" {
		cfg.AnalyticsRetentionStr = "720h"
	}

	// Parse durations; validation is handled separately by Validate().
	if d, err := time.ParseDuration(cfg.TickIntervalStr); err == nil {
		cfg.TickInterval = d
	}
	if d, err := time.ParseDuration(cfg.ExecutionTimeoutStr); err == nil {
		cfg.ExecutionTimeout = d
	}
	if d, err := time.ParseDuration(cfg.HTTPShutdownTimeoutStr); err == nil {
		cfg.HTTPShutdownTimeout = d
	}
	if d, err := time.ParseDuration(cfg.EngineDrainTimeoutStr); err == nil {
		cfg.EngineDrainTimeout = d
	}
	if d, err := time.ParseDuration(cfg.DBConnMaxLifetimeStr); err == nil {
		cfg.DBConnMaxLifetime = d
	}
	if d, err := time.ParseDuration(cfg.AnalyticsWindowStr); err == nil {
		cfg.AnalyticsWindow = d
	}
	if d, err := time.ParseDuration(cfg.AnalyticsRetentionStr); err == nil {
		cfg.AnalyticsRetention = d
	}

	return cfg
}

// parseInt parses a string as a non-negative integer.
func parseInt(s string) (int, error) {
	var n int
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, os.ErrInvalid
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := struct {
		StoreDriver         string `json:"store_driver"`
		DatabaseURL         string `json:"database_url,omitempty"`
		RedisAddr           string `json:"redis_addr,omitempty"`
		HTTPAddr            string `json:"http_addr"`
		TickInterval        string `json:"tick_interval"`
		MaxConcurrent       int    `json:"max_concurrent"`
		ChunkSize           int    `json:"chunk_size"`
		SubscriberBuffer    int    `json:"subscriber_buffer"`
		ExecutionTimeout    string `json:"execution_timeout"`
		HTTPShutdownTimeout string `json:"http_shutdown_timeout"`
		EngineDrainTimeout  string `json:"engine_drain_timeout"`
		DBMaxOpenConns      int    `json:"db_max_open_conns"`
		DBMaxIdleConns      int    `json:"db_max_idle_conns"`
		DBConnMaxLifetime   string `json:"db_conn_max_lifetime"`
		MetricsEnabled      bool   `json:"metrics_enabled"`
		MetricsPath         string `json:"metrics_path"`
		JobsFile            string `json:"jobs_file,omitempty"`
		AnalyticsWindow     string `json:"analytics_window"`
		AnalyticsRetention  string `json:"analytics_retention"`
	}{
		StoreDriver:         c.StoreDriver,
		DatabaseURL:         maskSecret(c.DatabaseURL),
		RedisAddr:           c.RedisAddr,
		HTTPAddr:            c.HTTPAddr,
		TickInterval:        c.TickIntervalStr,
		MaxConcurrent:       c.MaxConcurrent,
		ChunkSize:           c.ChunkSize,
		SubscriberBuffer:    c.SubscriberBuffer,
		ExecutionTimeout:    c.ExecutionTimeoutStr,
		HTTPShutdownTimeout: c.HTTPShutdownTimeoutStr,
		EngineDrainTimeout:  c.EngineDrainTimeoutStr,
		DBMaxOpenConns:      c.DBMaxOpenConns,
		DBMaxIdleConns:      c.DBMaxIdleConns,
		DBConnMaxLifetime:   c.DBConnMaxLifetimeStr,
		MetricsEnabled:      c.MetricsEnabled,
		MetricsPath:         c.MetricsPath,
		JobsFile:            c.JobsFile,
		AnalyticsWindow:     c.AnalyticsWindowStr,
		AnalyticsRetention:  c.AnalyticsRetentionStr,
	}
	return json.MarshalIndent(masked, "", "  ")
}

// maskSecret masks a secret value, preserving only the URI scheme if present.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if len(s) >= len(scheme) && s[:len(scheme)] == scheme {
			return scheme + "***"
		}
	}
	return "***"
}
