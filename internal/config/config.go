// Package config provides configuration management functionality.
//
// Configuration precedence (lowest to highest): baked-in defaults,
// config/config.yaml, environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DataSourcesConfig selects the preferred market-data source per category
// and controls fallback and pacing behaviour.
type DataSourcesConfig struct {
	RealtimeQuotes  string `yaml:"realtime_quotes"`
	HistoricalDaily string `yaml:"historical_daily"`
	IndexData       string `yaml:"index_data"`
	SectorData      string `yaml:"sector_data"`
	MoneyFlow       string `yaml:"money_flow"`
	StockList       string `yaml:"stock_list"`

	FallbackEnabled   bool   `yaml:"fallback_enabled"`
	RequestIntervalMS int    `yaml:"request_interval_ms"`
	TushareRPM        int    `yaml:"tushare_rpm"` // TuShare calls per minute
	AKToolsURL        string `yaml:"aktools_url"` // AKShare HTTP bridge
}

// SignalsConfig holds signal-generation scheduling settings.
type SignalsConfig struct {
	AutoRefreshHour   int `yaml:"auto_refresh_hour"`
	AutoRefreshMinute int `yaml:"auto_refresh_minute"`
}

// RiskControlConfig holds portfolio simulation limits.
type RiskControlConfig struct {
	InitialCapital float64 `yaml:"initial_capital"`
	MaxPositions   int     `yaml:"max_positions"`
	MaxPositionPct float64 `yaml:"max_position_pct"`
}

// DeepSeekConfig holds LLM API settings.
type DeepSeekConfig struct {
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	Model          string `yaml:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// AILabConfig holds the score-formula component weights for the
// experiment lab. Weights should sum to 1.0.
type AILabConfig struct {
	WeightReturn   float64 `yaml:"weight_return"`
	WeightDrawdown float64 `yaml:"weight_drawdown"`
	WeightSharpe   float64 `yaml:"weight_sharpe"`
	WeightPLR      float64 `yaml:"weight_plr"`
}

// BackupConfig holds S3 database backup settings. When the static key
// pair is empty the AWS default credential chain is used.
type BackupConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// Config holds application configuration.
type Config struct {
	DataDir        string `yaml:"data_dir"`
	Port           int    `yaml:"port"`
	LogLevel       string `yaml:"log_level"`
	TushareToken   string `yaml:"tushare_token"`
	BenchmarkIndex string `yaml:"benchmark_index"` // regime detection index code
	DevMode        bool   `yaml:"-"`

	DataSources DataSourcesConfig `yaml:"data_sources"`
	Signals     SignalsConfig     `yaml:"signals"`
	RiskControl RiskControlConfig `yaml:"risk_control"`
	DeepSeek    DeepSeekConfig    `yaml:"deepseek"`
	AILab       AILabConfig       `yaml:"ai_lab"`
	Backup      BackupConfig      `yaml:"backup"`
}

// Default returns the baked-in configuration defaults.
func Default() *Config {
	return &Config{
		DataDir:        "data",
		Port:           8000,
		LogLevel:       "info",
		BenchmarkIndex: "000300.SH",
		DataSources: DataSourcesConfig{
			RealtimeQuotes:    "akshare",
			HistoricalDaily:   "tushare",
			IndexData:         "tushare",
			SectorData:        "akshare",
			MoneyFlow:         "akshare",
			StockList:         "tushare",
			FallbackEnabled:   true,
			RequestIntervalMS: 300,
			TushareRPM:        190,
		},
		Signals: SignalsConfig{
			AutoRefreshHour:   17,
			AutoRefreshMinute: 30,
		},
		RiskControl: RiskControlConfig{
			InitialCapital: 100000,
			MaxPositions:   10,
			MaxPositionPct: 30,
		},
		DeepSeek: DeepSeekConfig{
			BaseURL:        "https://api.deepseek.com",
			Model:          "deepseek-chat",
			TimeoutSeconds: 120,
		},
		AILab: AILabConfig{
			WeightReturn:   0.30,
			WeightDrawdown: 0.25,
			WeightSharpe:   0.25,
			WeightPLR:      0.20,
		},
	}
}

// Load reads configuration from defaults, config/config.yaml (if present)
// and environment variables, in that order of precedence.
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := Default()

	if err := cfg.mergeYAML(filepath.Join("config", "config.yaml")); err != nil {
		return nil, err
	}
	cfg.mergeEnv()

	// Always resolve data dir to an absolute path and ensure it exists
	absDataDir, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	cfg.DataDir = absDataDir

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// mergeYAML overlays values from a YAML file onto the config.
// A missing file is not an error; a malformed file is.
func (c *Config) mergeYAML(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(content, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// mergeEnv overlays environment variables. Env vars win over YAML.
func (c *Config) mergeEnv() {
	if v := os.Getenv("TUSHARE_TOKEN"); v != "" {
		c.TushareToken = v
	}
	if v := os.Getenv("DEEPSEEK_API_KEY"); v != "" {
		c.DeepSeek.APIKey = v
	}
	if v := os.Getenv("DEBUG"); v != "" {
		if debug, err := strconv.ParseBool(v); err == nil && debug {
			c.DevMode = true
			c.LogLevel = "debug"
		}
	}
	if v := os.Getenv("QUANTLAB_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("QUANTLAB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("QUANTLAB_BACKUP_ACCESS_KEY_ID"); v != "" {
		c.Backup.AccessKeyID = v
	}
	if v := os.Getenv("QUANTLAB_BACKUP_SECRET_ACCESS_KEY"); v != "" {
		c.Backup.SecretAccessKey = v
	}
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c.Signals.AutoRefreshHour < 0 || c.Signals.AutoRefreshHour > 23 {
		return fmt.Errorf("signals.auto_refresh_hour out of range: %d", c.Signals.AutoRefreshHour)
	}
	if c.Signals.AutoRefreshMinute < 0 || c.Signals.AutoRefreshMinute > 59 {
		return fmt.Errorf("signals.auto_refresh_minute out of range: %d", c.Signals.AutoRefreshMinute)
	}
	if c.RiskControl.MaxPositions <= 0 {
		return fmt.Errorf("risk_control.max_positions must be positive")
	}

	// Note: TuShare token optional - akshare fallback covers all categories
	return nil
}

// ScoreWeights returns the experiment score component weights as a
// normalized 4-tuple (return, drawdown, sharpe, profit/loss ratio).
func (c *Config) ScoreWeights() (float64, float64, float64, float64) {
	w := c.AILab
	sum := w.WeightReturn + w.WeightDrawdown + w.WeightSharpe + w.WeightPLR
	if sum <= 0 {
		return 0.30, 0.25, 0.25, 0.20
	}
	return w.WeightReturn / sum, w.WeightDrawdown / sum, w.WeightSharpe / sum, w.WeightPLR / sum
}
