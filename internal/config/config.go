package config

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Strategy string

const (
	StrategyGridHODL Strategy = "gridhodl"
	StrategyGridSell Strategy = "gridsell"
	StrategySwing    Strategy = "swing"
	StrategyCDCA     Strategy = "cdca"
)

type Config struct {
	BaseCurrency  string              `yaml:"base_currency"`
	QuoteCurrency string              `yaml:"quote_currency"`
	UserRef       int64               `yaml:"userref"`
	DryRun        bool                `yaml:"dry_run"`
	Grid          GridConfig          `yaml:"grid"`
	Exchange      ExchangeConfig      `yaml:"exchange"`
	Store         StoreConfig         `yaml:"store"`
	Safety        SafetyConfig        `yaml:"safety"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type GridConfig struct {
	Strategy          Strategy `yaml:"strategy"`
	Interval          Decimal  `yaml:"interval"`
	AmountPerGrid     Decimal  `yaml:"amount_per_grid"`
	NOpenBuyOrders    int      `yaml:"n_open_buy_orders"`
	MaxInvestment     Decimal  `yaml:"max_investment"`
	Fee               Decimal  `yaml:"fee"`
	ReinvestThreshold Decimal  `yaml:"reinvest_threshold"`
}

type ExchangeConfig struct {
	APIKey         string `yaml:"api_key"`
	APISecret      string `yaml:"api_secret"`
	RestBaseURL    string `yaml:"rest_base_url"`
	WSBaseURL      string `yaml:"ws_base_url"`
	WSAuthBaseURL  string `yaml:"ws_auth_base_url"`
	HTTPTimeoutSec int64  `yaml:"http_timeout_sec"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type SafetyConfig struct {
	Enabled           bool `yaml:"enabled"`
	MaxPlaceFailures  int  `yaml:"max_place_failures"`
	MaxCancelFailures int  `yaml:"max_cancel_failures"`
}

type ObservabilityConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
}

type TelegramConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BotToken   string `yaml:"bot_token"`
	ChatID     string `yaml:"chat_id"`
	APIBaseURL string `yaml:"api_base_url"`
	TimeoutSec int64  `yaml:"timeout_sec"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type RuntimeConfig struct {
	ReconcileIntervalSec int64 `yaml:"reconcile_interval_sec"`
	PlaceRetryAttempts   int   `yaml:"place_retry_attempts"`
	PlaceRetryBackoffMs  int64 `yaml:"place_retry_backoff_ms"`
	AlertDropReportSec   int64 `yaml:"alert_drop_report_sec"`
}

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return Config{}, fmt.Errorf("config must contain a single YAML document")
		}
		return Config{}, err
	}
	cfg.normalize()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.BaseCurrency = strings.ToUpper(strings.TrimSpace(c.BaseCurrency))
	c.QuoteCurrency = strings.ToUpper(strings.TrimSpace(c.QuoteCurrency))
	c.Grid.Strategy = Strategy(strings.ToLower(strings.TrimSpace(string(c.Grid.Strategy))))
	c.Exchange.APIKey = strings.TrimSpace(c.Exchange.APIKey)
	c.Exchange.APISecret = strings.TrimSpace(c.Exchange.APISecret)
	c.Exchange.RestBaseURL = strings.TrimSpace(c.Exchange.RestBaseURL)
	c.Exchange.WSBaseURL = strings.TrimSpace(c.Exchange.WSBaseURL)
	c.Exchange.WSAuthBaseURL = strings.TrimSpace(c.Exchange.WSAuthBaseURL)
	c.Store.Path = strings.TrimSpace(c.Store.Path)
	c.Observability.Telegram.BotToken = strings.TrimSpace(c.Observability.Telegram.BotToken)
	c.Observability.Telegram.ChatID = strings.TrimSpace(c.Observability.Telegram.ChatID)
	c.Observability.Telegram.APIBaseURL = strings.TrimSpace(c.Observability.Telegram.APIBaseURL)
	c.Observability.Metrics.Listen = strings.TrimSpace(c.Observability.Metrics.Listen)
}

func (c *Config) applyDefaults() {
	if c.Grid.Strategy == "" {
		c.Grid.Strategy = StrategyGridHODL
	}
	if c.Grid.NOpenBuyOrders == 0 {
		c.Grid.NOpenBuyOrders = 3
	}
	if c.Exchange.RestBaseURL == "" {
		c.Exchange.RestBaseURL = "https://api.kraken.com"
	}
	if c.Exchange.WSBaseURL == "" {
		c.Exchange.WSBaseURL = "wss://ws.kraken.com/v2"
	}
	if c.Exchange.WSAuthBaseURL == "" {
		c.Exchange.WSAuthBaseURL = "wss://ws-auth.kraken.com/v2"
	}
	if c.Exchange.HTTPTimeoutSec == 0 {
		c.Exchange.HTTPTimeoutSec = 15
	}
	if c.Store.Path == "" {
		c.Store.Path = "state/infinity-grid.db"
	}
	if c.Safety.MaxPlaceFailures == 0 {
		c.Safety.MaxPlaceFailures = 5
	}
	if c.Safety.MaxCancelFailures == 0 {
		c.Safety.MaxCancelFailures = 5
	}
	if c.Observability.Telegram.APIBaseURL == "" {
		c.Observability.Telegram.APIBaseURL = "https://api.telegram.org"
	}
	if c.Observability.Telegram.TimeoutSec == 0 {
		c.Observability.Telegram.TimeoutSec = 10
	}
	if c.Observability.Metrics.Listen == "" {
		c.Observability.Metrics.Listen = "127.0.0.1:9108"
	}
	if c.Observability.Runtime.ReconcileIntervalSec == 0 {
		c.Observability.Runtime.ReconcileIntervalSec = 60
	}
	if c.Observability.Runtime.PlaceRetryAttempts == 0 {
		c.Observability.Runtime.PlaceRetryAttempts = 3
	}
	if c.Observability.Runtime.PlaceRetryBackoffMs == 0 {
		c.Observability.Runtime.PlaceRetryBackoffMs = 500
	}
	if c.Observability.Runtime.AlertDropReportSec == 0 {
		c.Observability.Runtime.AlertDropReportSec = 60
	}
}

func (c Config) Validate() error {
	if c.BaseCurrency == "" || c.QuoteCurrency == "" {
		return fmt.Errorf("base_currency and quote_currency are required")
	}
	if c.BaseCurrency == c.QuoteCurrency {
		return fmt.Errorf("base_currency and quote_currency must differ")
	}
	if !isValidCurrency(c.BaseCurrency) || !isValidCurrency(c.QuoteCurrency) {
		return fmt.Errorf("currencies must match [A-Z0-9], length 2..10")
	}
	if c.UserRef <= 0 {
		return fmt.Errorf("userref must be > 0")
	}
	switch c.Grid.Strategy {
	case StrategyGridHODL, StrategyGridSell, StrategySwing, StrategyCDCA:
	default:
		return fmt.Errorf("grid strategy must be gridhodl, gridsell, swing, or cdca")
	}
	one := decimal.NewFromInt(1)
	if c.Grid.Interval.Cmp(decimal.Zero) <= 0 || c.Grid.Interval.Cmp(one) >= 0 {
		return fmt.Errorf("grid interval must be in (0, 1)")
	}
	if c.Grid.AmountPerGrid.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("grid amount_per_grid must be > 0")
	}
	if c.Grid.NOpenBuyOrders < 1 {
		return fmt.Errorf("grid n_open_buy_orders must be >= 1")
	}
	if c.Grid.MaxInvestment.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("grid max_investment must be > 0")
	}
	if c.Grid.MaxInvestment.Cmp(c.Grid.AmountPerGrid.Decimal) < 0 {
		return fmt.Errorf("grid max_investment must be >= amount_per_grid")
	}
	if c.Grid.Fee.Cmp(decimal.Zero) < 0 || c.Grid.Fee.Cmp(decimal.RequireFromString("0.1")) > 0 {
		return fmt.Errorf("grid fee must be between 0 and 0.1")
	}
	if c.Grid.ReinvestThreshold.Cmp(decimal.Zero) < 0 {
		return fmt.Errorf("grid reinvest_threshold must be >= 0")
	}
	if !c.DryRun {
		if c.Exchange.APIKey == "" || c.Exchange.APISecret == "" {
			return fmt.Errorf("exchange api_key/api_secret are required")
		}
	}
	if c.Exchange.HTTPTimeoutSec < 1 || c.Exchange.HTTPTimeoutSec > 120 {
		return fmt.Errorf("exchange http_timeout_sec must be between 1 and 120")
	}
	if err := validateURL(c.Exchange.RestBaseURL, "http", "https"); err != nil {
		return fmt.Errorf("exchange rest_base_url %v", err)
	}
	if err := validateURL(c.Exchange.WSBaseURL, "ws", "wss"); err != nil {
		return fmt.Errorf("exchange ws_base_url %v", err)
	}
	if err := validateURL(c.Exchange.WSAuthBaseURL, "ws", "wss"); err != nil {
		return fmt.Errorf("exchange ws_auth_base_url %v", err)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store path is required")
	}
	if c.Safety.Enabled {
		if c.Safety.MaxPlaceFailures < 1 {
			return fmt.Errorf("safety.max_place_failures must be >= 1")
		}
		if c.Safety.MaxCancelFailures < 1 {
			return fmt.Errorf("safety.max_cancel_failures must be >= 1")
		}
	}
	if c.Observability.Runtime.ReconcileIntervalSec < 10 || c.Observability.Runtime.ReconcileIntervalSec > 3600 {
		return fmt.Errorf("observability.runtime.reconcile_interval_sec must be between 10 and 3600")
	}
	if c.Observability.Runtime.PlaceRetryAttempts < 1 || c.Observability.Runtime.PlaceRetryAttempts > 10 {
		return fmt.Errorf("observability.runtime.place_retry_attempts must be between 1 and 10")
	}
	if c.Observability.Runtime.PlaceRetryBackoffMs < 50 || c.Observability.Runtime.PlaceRetryBackoffMs > 60000 {
		return fmt.Errorf("observability.runtime.place_retry_backoff_ms must be between 50 and 60000")
	}
	if c.Observability.Runtime.AlertDropReportSec < 0 || c.Observability.Runtime.AlertDropReportSec > 3600 {
		return fmt.Errorf("observability.runtime.alert_drop_report_sec must be between 0 and 3600")
	}
	if c.Observability.Telegram.Enabled {
		if c.Observability.Telegram.BotToken == "" {
			return fmt.Errorf("observability.telegram.bot_token is required when telegram enabled")
		}
		if c.Observability.Telegram.ChatID == "" {
			return fmt.Errorf("observability.telegram.chat_id is required when telegram enabled")
		}
		if c.Observability.Telegram.TimeoutSec < 1 || c.Observability.Telegram.TimeoutSec > 120 {
			return fmt.Errorf("observability.telegram.timeout_sec must be between 1 and 120")
		}
		if err := validateURL(c.Observability.Telegram.APIBaseURL, "http", "https"); err != nil {
			return fmt.Errorf("observability.telegram.api_base_url %v", err)
		}
	}
	return nil
}

// Pair returns the exchange symbol, e.g. "BTC/USD".
func (c Config) Pair() string {
	return c.BaseCurrency + "/" + c.QuoteCurrency
}

func isValidCurrency(v string) bool {
	if len(v) < 2 || len(v) > 10 {
		return false
	}
	for _, r := range v {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			continue
		}
		return false
	}
	return true
}

func validateURL(raw string, schemes ...string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("must be a valid URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("must include scheme and host")
	}
	for _, s := range schemes {
		if parsed.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme must be %s", strings.Join(schemes, " or "))
}
