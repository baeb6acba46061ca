package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	ListenAddr string               `json:"listen_addr" yaml:"listen_addr"`
	Database   DatabaseConfig       `json:"database" yaml:"database"`
	Auth       AuthConfig           `json:"auth" yaml:"auth"`
	Security   SecurityConfig       `json:"security" yaml:"security"`
	Keys       KeyPoolConfig        `json:"keys" yaml:"keys"`
	Budget     BudgetConfig         `json:"budget" yaml:"budget"`
	Observer   ObservabilityConfig  `json:"observability" yaml:"observability"`
	Limits     UserQuickScanConfig  `json:"limits" yaml:"limits"`
	Search     SearchDefaultsConfig `json:"search" yaml:"search"`
}

// DatabaseConfig selects the backing store: a non-empty DSN means Postgres,
// otherwise runs live in memory and SnapshotPath (when set) points at a JSON
// file that survives restarts.
type DatabaseConfig struct {
	DSN            string `json:"dsn" yaml:"dsn"`
	MaxConns       int32  `json:"max_conns" yaml:"max_conns"`
	MigrationsPath string `json:"migrations_path" yaml:"migrations_path"`
	SnapshotPath   string `json:"snapshot_path" yaml:"snapshot_path"`
}

type AuthConfig struct {
	SessionTTL string `json:"session_ttl" yaml:"session_ttl"`
	CookieName string `json:"cookie_name" yaml:"cookie_name"`
}

type SecurityConfig struct {
	AdminToken string `json:"admin_token" yaml:"admin_token"`
}

type KeyPoolConfig struct {
	ProbeKeys []ProbeKeyConfig `json:"probe_key_pool" yaml:"probe_key_pool"`
}

// ProbeKeyConfig is one gateway API key available for probing, with its daily
// allowance. Limit searches are probe-hungry, so keys budget probe counts and
// total characters rather than dollars.
type ProbeKeyConfig struct {
	Label           string `json:"label" yaml:"label"`
	APIKey          string `json:"api_key" yaml:"api_key"`
	DailyProbeLimit int    `json:"daily_probe_limit" yaml:"daily_probe_limit"`
	DailyCharLimit  int64  `json:"daily_char_limit" yaml:"daily_char_limit"`
	RPM             int    `json:"rpm" yaml:"rpm"`
}

type BudgetConfig struct {
	DefaultRunMaxProbes int `json:"default_run_max_probes" yaml:"default_run_max_probes"`
	DefaultTimeoutSec   int `json:"default_timeout_sec" yaml:"default_timeout_sec"`
	MaxParallelRuns     int `json:"max_parallel_runs" yaml:"max_parallel_runs"`
}

type ObservabilityConfig struct {
	OTLPEndpoint string  `json:"otlp_endpoint" yaml:"otlp_endpoint"`
	ServiceName  string  `json:"service_name" yaml:"service_name"`
	SampleRatio  float64 `json:"sample_ratio" yaml:"sample_ratio"`
}

type UserQuickScanConfig struct {
	QuickScanRPM int `json:"quick_scan_rpm" yaml:"quick_scan_rpm"`
}

type SearchDefaultsConfig struct {
	StartLength   int `json:"start_length" yaml:"start_length"`
	StepSize      int `json:"step_size" yaml:"step_size"`
	MinLength     int `json:"min_length" yaml:"min_length"`
	PrecisionStep int `json:"precision_step" yaml:"precision_step"`
	DelayMS       int `json:"delay_ms" yaml:"delay_ms"`
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr: ":8080",
		Database: DatabaseConfig{
			MaxConns:       10,
			MigrationsPath: "./migrations",
		},
		Auth: AuthConfig{
			SessionTTL: "8h",
			CookieName: "charlimit_session",
		},
		Budget: BudgetConfig{
			DefaultRunMaxProbes: 80,
			DefaultTimeoutSec:   1800,
			MaxParallelRuns:     2,
		},
		Observer: ObservabilityConfig{
			ServiceName: "charlimit-api",
			SampleRatio: 1,
		},
		Limits: UserQuickScanConfig{
			QuickScanRPM: 4,
		},
		Search: SearchDefaultsConfig{
			StartLength:   500000,
			StepSize:      10000,
			MinLength:     1000,
			PrecisionStep: 500,
			DelayMS:       2000,
		},
	}
}

func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse yaml config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse json config: %w", err)
		}
	default:
		var yamlErr error
		if yamlErr = yaml.Unmarshal(data, &cfg); yamlErr == nil {
			break
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, errors.New("config format not recognized (expected yaml/json)")
		}
	}
	normalizeConfig(&cfg)
	return cfg, nil
}

func normalizeConfig(cfg *ServerConfig) {
	if cfg == nil {
		return
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.Database.MaxConns <= 0 {
		cfg.Database.MaxConns = 10
	}
	if strings.TrimSpace(cfg.Database.MigrationsPath) == "" {
		cfg.Database.MigrationsPath = "./migrations"
	}
	if strings.TrimSpace(cfg.Auth.CookieName) == "" {
		cfg.Auth.CookieName = "charlimit_session"
	}
	if strings.TrimSpace(cfg.Auth.SessionTTL) == "" {
		cfg.Auth.SessionTTL = "8h"
	}
	if cfg.Budget.DefaultRunMaxProbes <= 0 {
		cfg.Budget.DefaultRunMaxProbes = 80
	}
	if cfg.Budget.DefaultTimeoutSec <= 0 {
		cfg.Budget.DefaultTimeoutSec = 1800
	}
	if cfg.Budget.MaxParallelRuns <= 0 {
		cfg.Budget.MaxParallelRuns = 2
	}
	if cfg.Observer.SampleRatio <= 0 || cfg.Observer.SampleRatio > 1 {
		cfg.Observer.SampleRatio = 1
	}
	if strings.TrimSpace(cfg.Observer.ServiceName) == "" {
		cfg.Observer.ServiceName = "charlimit-api"
	}
	if cfg.Limits.QuickScanRPM <= 0 {
		cfg.Limits.QuickScanRPM = 4
	}
	if cfg.Search.StartLength <= 0 {
		cfg.Search.StartLength = 500000
	}
	if cfg.Search.StepSize <= 0 {
		cfg.Search.StepSize = 10000
	}
	if cfg.Search.MinLength <= 0 {
		cfg.Search.MinLength = 1000
	}
	if cfg.Search.PrecisionStep <= 0 {
		cfg.Search.PrecisionStep = 500
	}
	if cfg.Search.DelayMS < 0 {
		cfg.Search.DelayMS = 2000
	}
}
