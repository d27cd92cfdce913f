package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the settings required to boot the cohort analysis engine.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Reasoning ReasoningConfig `yaml:"reasoning"`
	Logging   LoggingConfig   `yaml:"logging"`
	Cache     CacheConfig     `yaml:"cache"`
	Analysis  AnalysisConfig  `yaml:"analysis"`
}

// ServerConfig controls the HTTP listener behaviour.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// DatabaseConfig configures read-only access to the OMOP CDM Postgres store.
type DatabaseConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	Name           string        `yaml:"name"`
	User           string        `yaml:"user"`
	Password       string        `yaml:"password"`
	Schema         string        `yaml:"schema"`
	QueryTimeout   time.Duration `yaml:"queryTimeout"`
	CatalogTimeout time.Duration `yaml:"catalogTimeout"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
	MinConns       int32         `yaml:"minConns"`
	MaxConns       int32         `yaml:"maxConns"`
}

// ConnString renders a pgx-compatible keyword/value connection string.
func (d DatabaseConfig) ConnString() string {
	parts := fmt.Sprintf("host=%s port=%d dbname=%s user=%s", d.Host, d.Port, d.Name, d.User)
	if d.Password != "" {
		parts += " password=" + d.Password
	}
	if d.ConnectTimeout > 0 {
		parts += fmt.Sprintf(" connect_timeout=%d", int(d.ConnectTimeout.Seconds()))
	}
	return parts
}

// ReasoningConfig configures the external reasoning service (an
// OpenAI-compatible chat completion API). The label timeout bounds the
// cheaper utility call independently of the main completion timeout.
type ReasoningConfig struct {
	BaseURL          string        `yaml:"baseURL"`
	APIKey           string        `yaml:"apiKey"`
	Model            string        `yaml:"model"`
	UtilityModel     string        `yaml:"utilityModel"`
	Timeout          time.Duration `yaml:"timeout"`
	LabelTimeout     time.Duration `yaml:"labelTimeout"`
	MaxTokens        int           `yaml:"maxTokens"`
	UtilityMaxTokens int           `yaml:"utilityMaxTokens"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// CacheConfig controls the Valkey-backed cache for resolved cohort labels.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	TLS          bool          `yaml:"tls"`
	LabelTTL     time.Duration `yaml:"labelTTL"`
}

// AnalysisConfig tunes the statistical procedures.
type AnalysisConfig struct {
	MinCohortSize int `yaml:"minCohortSize"`
	MaxDetailRows int `yaml:"maxDetailRows"`
	MaxResultRows int `yaml:"maxResultRows"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("COHORT_ENGINE_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":8080",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Host:           "localhost",
			Port:           5432,
			Name:           "synthea10",
			Schema:         "cdm_synthea",
			QueryTimeout:   30 * time.Second,
			CatalogTimeout: 120 * time.Second,
			ConnectTimeout: 10 * time.Second,
			MinConns:       1,
			MaxConns:       5,
		},
		Reasoning: ReasoningConfig{
			Model:            "gpt-4o-mini",
			UtilityModel:     "gpt-4.1-mini",
			Timeout:          60 * time.Second,
			LabelTimeout:     5 * time.Second,
			MaxTokens:        4096,
			UtilityMaxTokens: 60,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Cache: CacheConfig{
			Enabled:      false,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			LabelTTL:     time.Hour,
		},
		Analysis: AnalysisConfig{
			MinCohortSize: 5,
			MaxDetailRows: 50,
			MaxResultRows: 200,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("COHORT_ENGINE_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("COHORT_ENGINE_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("COHORT_ENGINE_DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("COHORT_ENGINE_DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Database.Port = port
		}
	}
	if v := os.Getenv("COHORT_ENGINE_DB_NAME"); v != "" {
		cfg.Database.Name = v
	}
	if v := os.Getenv("COHORT_ENGINE_DB_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("COHORT_ENGINE_DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("COHORT_ENGINE_DB_SCHEMA"); v != "" {
		cfg.Database.Schema = v
	}
	if v := os.Getenv("COHORT_ENGINE_DB_QUERY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Database.QueryTimeout = d
		}
	}
	if v := os.Getenv("COHORT_ENGINE_REASONING_BASE_URL"); v != "" {
		cfg.Reasoning.BaseURL = v
	}
	if v := os.Getenv("COHORT_ENGINE_REASONING_API_KEY"); v != "" {
		cfg.Reasoning.APIKey = v
	}
	if v := os.Getenv("COHORT_ENGINE_REASONING_MODEL"); v != "" {
		cfg.Reasoning.Model = v
	}
	if v := os.Getenv("COHORT_ENGINE_REASONING_UTILITY_MODEL"); v != "" {
		cfg.Reasoning.UtilityModel = v
	}
	if v := os.Getenv("COHORT_ENGINE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("COHORT_ENGINE_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("COHORT_ENGINE_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("COHORT_ENGINE_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("COHORT_ENGINE_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("COHORT_ENGINE_MIN_COHORT_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Analysis.MinCohortSize = n
		}
	}
}
