// Package config provides configuration management for the cost optimizer
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/cost-optimizer/internal/budget"
	"github.com/lvonguyen/cost-optimizer/internal/chargeback"
	"github.com/lvonguyen/cost-optimizer/internal/normalizer"
	"github.com/lvonguyen/cost-optimizer/internal/recommend"
)

// Config holds all configuration
type Config struct {
	Store      StoreConfig                `yaml:"store"`
	Normalizer NormalizerConfig           `yaml:"normalizer"`
	Forecast   ForecastConfig             `yaml:"forecast"`
	Anomaly    AnomalyConfig              `yaml:"anomaly"`
	Recommend  RecommendConfig            `yaml:"recommendations"`
	Budgets    []Budget                   `yaml:"budgets" validate:"dive"`
	Chargeback chargeback.AllocatorConfig `yaml:"chargeback"`
	Alerting   AlertingConfig             `yaml:"alerting"`
	AWS        AWSConfig                  `yaml:"aws"`
	Azure      AzureConfig                `yaml:"azure"`
	GCP        GCPConfig                  `yaml:"gcp"`
	Scheduler  SchedulerConfig            `yaml:"scheduler"`
	Logging    LoggingConfig              `yaml:"logging"`
	Reporter   ReporterConfig             `yaml:"reporter"`
}

// StoreConfig selects the persistence backend
type StoreConfig struct {
	Driver          string        `yaml:"driver" validate:"oneof=memory postgres"`
	DatabaseURL     string        `yaml:"database_url" validate:"required_if=Driver postgres"`
	MaxConnections  int           `yaml:"max_connections" validate:"gte=0"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
}

// NormalizerConfig configures currency normalization
type NormalizerConfig struct {
	ReportingCurrency string            `yaml:"reporting_currency" validate:"len=3"`
	ExchangeRates     map[string]string `yaml:"exchange_rates"` // units of reporting currency per unit, as decimal strings
}

// ForecastConfig configures the forecast engine
type ForecastConfig struct {
	MinHistoryDays int           `yaml:"min_history_days" validate:"gte=14"`
	MaxHorizonDays int           `yaml:"max_horizon_days" validate:"gte=1,lte=730"`
	HorizonDays    int           `yaml:"horizon_days" validate:"gte=1,ltefield=MaxHorizonDays"`
	HistoryDays    int           `yaml:"history_days" validate:"gtefield=MinHistoryDays"`
	Coverage       float64       `yaml:"coverage" validate:"gt=0,lt=1"`
	Timeout        time.Duration `yaml:"timeout"`
	CacheSize      int           `yaml:"cache_size" validate:"gte=0"`
	CacheTTL       time.Duration `yaml:"cache_ttl"`
}

// AnomalyConfig configures anomaly detection
type AnomalyConfig struct {
	Enabled        bool    `yaml:"enabled"`
	RecentDays     int     `yaml:"recent_days" validate:"gte=1"`
	Margin         float64 `yaml:"margin" validate:"gte=0"`
	MediumRatio    float64 `yaml:"medium_ratio" validate:"gte=0"`
	HighRatio      float64 `yaml:"high_ratio" validate:"gte=0"`
	MinimumCost    float64 `yaml:"minimum_cost" validate:"gte=0"` // ignore points below this
	HorizonPadding int     `yaml:"horizon_padding" validate:"gte=0"`
}

// RecommendConfig configures recommendation generation
type RecommendConfig struct {
	ConfidenceFloor float64                  `yaml:"confidence_floor" validate:"gt=0,lte=1"`
	Workers         int                      `yaml:"workers" validate:"gte=1"`
	LookbackDays    int                      `yaml:"lookback_days" validate:"gte=1"`
	Policies        []recommend.PolicyConfig `yaml:"policies" validate:"dive"`
}

// Budget defines a monthly budget for a scope
type Budget struct {
	Name         string             `yaml:"name" validate:"required"`
	Department   string             `yaml:"department"`
	Provider     string             `yaml:"provider" validate:"omitempty,oneof=aws azure gcp onprem all"`
	Service      string             `yaml:"service"`
	MonthlyLimit float64            `yaml:"monthly_limit" validate:"gt=0"`
	Thresholds   []budget.Threshold `yaml:"thresholds" validate:"dive"`
}

// ToBudget converts the configured budget into its evaluated form
func (b Budget) ToBudget() budget.Budget {
	scope := budget.Scope{Department: b.Department, Service: b.Service}
	if p, ok := normalizer.ParseProvider(b.Provider); ok {
		scope.Provider = p
	}
	thresholds := b.Thresholds
	if len(thresholds) == 0 {
		thresholds = budget.DefaultThresholds()
	}
	return budget.Budget{
		Name:       b.Name,
		Scope:      scope,
		Amount:     decimal.NewFromFloat(b.MonthlyLimit),
		Thresholds: thresholds,
	}
}

// AlertingConfig configures alerting channels
type AlertingConfig struct {
	Slack              SlackConfig `yaml:"slack"`
	MinAnomalySeverity string      `yaml:"min_anomaly_severity" validate:"omitempty,oneof=low medium high"`
}

// SlackConfig configures Slack alerting
type SlackConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url" validate:"required_if=Enabled true,omitempty,url"`
	Channel    string `yaml:"channel"`
}

// AWSConfig holds AWS-specific configuration
type AWSConfig struct {
	Enabled           bool     `yaml:"enabled"`
	RoleARN           string   `yaml:"role_arn"`
	Region            string   `yaml:"region"`
	AccountIDs        []string `yaml:"account_ids"`
	Granularity       string   `yaml:"granularity" validate:"omitempty,oneof=DAILY MONTHLY HOURLY"`
	GroupBy           []string `yaml:"group_by"` // SERVICE, LINKED_ACCOUNT, etc.
	RequestsPerSecond float64  `yaml:"requests_per_second" validate:"gte=0"`
}

// AzureConfig holds Azure-specific configuration
type AzureConfig struct {
	Enabled           bool     `yaml:"enabled"`
	TenantID          string   `yaml:"tenant_id"`
	SubscriptionIDs   []string `yaml:"subscription_ids" validate:"required_if=Enabled true"`
	UseMSI            bool     `yaml:"use_msi"`
	Granularity       string   `yaml:"granularity"`
	RequestsPerSecond float64  `yaml:"requests_per_second" validate:"gte=0"`
}

// GCPConfig holds GCP-specific configuration
type GCPConfig struct {
	Enabled           bool    `yaml:"enabled"`
	BillingAccount    string  `yaml:"billing_account" validate:"required_if=Enabled true"`
	ProjectID         string  `yaml:"project_id"`
	WIFConfigPath     string  `yaml:"wif_config_path"`
	ExportPath        string  `yaml:"export_path"` // newline-delimited JSON billing export
	ImportBudgets     bool    `yaml:"import_budgets"`
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gte=0"`
}

// SchedulerConfig configures periodic jobs. Schedules are cron specs or
// descriptors such as "@every 6h".
type SchedulerConfig struct {
	CycleSchedule   string `yaml:"cycle_schedule" validate:"required"`
	CollectSchedule string `yaml:"collect_schedule"`
	PurgeSchedule   string `yaml:"purge_schedule"`
	RetentionDays   int    `yaml:"retention_days" validate:"gte=0"`
	MetricsAddr     string `yaml:"metrics_addr"`
}

// LoggingConfig configures the logger
type LoggingConfig struct {
	Level       string `yaml:"level" validate:"oneof=debug info warn error"`
	Development bool   `yaml:"development"`
	File        string `yaml:"file"` // rotated with lumberjack when set
	MaxSizeMB   int    `yaml:"max_size_mb" validate:"gte=0"`
	MaxBackups  int    `yaml:"max_backups" validate:"gte=0"`
	MaxAgeDays  int    `yaml:"max_age_days" validate:"gte=0"`
}

// ReporterConfig configures report generation
type ReporterConfig struct {
	OutputDir    string `yaml:"output_dir"`
	HTMLTemplate string `yaml:"html_template"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, expanding environment variables, then applies defaults
// and validates
func Parse(data []byte) (*Config, error) {
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Store.Driver == "" {
		c.Store.Driver = "memory"
	}
	if c.Normalizer.ReportingCurrency == "" {
		c.Normalizer.ReportingCurrency = "USD"
	}

	if c.Forecast.MinHistoryDays == 0 {
		c.Forecast.MinHistoryDays = 90
	}
	if c.Forecast.MaxHorizonDays == 0 {
		c.Forecast.MaxHorizonDays = 365
	}
	if c.Forecast.HorizonDays == 0 {
		c.Forecast.HorizonDays = 30
	}
	if c.Forecast.HistoryDays == 0 {
		c.Forecast.HistoryDays = 365
	}
	if c.Forecast.Coverage == 0 {
		c.Forecast.Coverage = 0.8
	}
	if c.Forecast.Timeout == 0 {
		c.Forecast.Timeout = 10 * time.Second
	}
	if c.Forecast.CacheSize == 0 {
		c.Forecast.CacheSize = 1024
	}
	if c.Forecast.CacheTTL == 0 {
		c.Forecast.CacheTTL = 6 * time.Hour
	}

	if c.Anomaly.RecentDays == 0 {
		c.Anomaly.RecentDays = 7
	}
	if c.Anomaly.Margin == 0 {
		c.Anomaly.Margin = 0.2
	}

	if c.Recommend.ConfidenceFloor == 0 {
		c.Recommend.ConfidenceFloor = recommend.DefaultConfidenceFloor
	}
	if c.Recommend.Workers == 0 {
		c.Recommend.Workers = 4
	}
	if c.Recommend.LookbackDays == 0 {
		c.Recommend.LookbackDays = 30
	}
	if len(c.Recommend.Policies) == 0 {
		c.Recommend.Policies = recommend.DefaultPolicies()
	}

	if c.Alerting.MinAnomalySeverity == "" {
		c.Alerting.MinAnomalySeverity = "high"
	}

	if c.Scheduler.CycleSchedule == "" {
		c.Scheduler.CycleSchedule = "@every 6h"
	}
	if c.Scheduler.RetentionDays == 0 {
		c.Scheduler.RetentionDays = 400
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Reporter.OutputDir == "" {
		c.Reporter.OutputDir = "./reports"
	}
}

// Validate checks structural constraints and cross-field rules
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	seen := make(map[string]bool, len(c.Budgets))
	for _, b := range c.Budgets {
		if seen[b.Name] {
			return fmt.Errorf("invalid config: duplicate budget %q", b.Name)
		}
		seen[b.Name] = true
	}

	if _, err := c.ExchangeRates(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ExchangeRates parses the configured exchange rates
func (c *Config) ExchangeRates() (map[string]decimal.Decimal, error) {
	rates := make(map[string]decimal.Decimal, len(c.Normalizer.ExchangeRates))
	for code, raw := range c.Normalizer.ExchangeRates {
		rate, err := decimal.NewFromString(raw)
		if err != nil || !rate.IsPositive() {
			return nil, fmt.Errorf("exchange rate for %s must be a positive decimal", code)
		}
		rates[code] = rate
	}
	return rates, nil
}

// BudgetList returns the configured budgets in evaluated form
func (c *Config) BudgetList() []budget.Budget {
	out := make([]budget.Budget, 0, len(c.Budgets))
	for _, b := range c.Budgets {
		out = append(out, b.ToBudget())
	}
	return out
}
