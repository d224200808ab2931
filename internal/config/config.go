// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"subscription-payments/internal/domain/model"
)

type RuntimeConfig struct {
	Dev bool
}

type AppConfig struct {
	OrderTTL         time.Duration `yaml:"order_ttl"`         // PENDING window before verification is rejected
	Retention        time.Duration `yaml:"retention"`         // keyed store TTL for records and indices
	ConvergeAttempts int           `yaml:"converge_attempts"` // re-reads after a lost transition or while another caller activates
	ConvergeInterval time.Duration `yaml:"converge_interval"`
	ActivationLease  time.Duration `yaml:"activation_lease"` // also bounds a single sink call
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type HTTPConfig struct {
	Port           int           `yaml:"port"`
	AdminAPIKey    string        `yaml:"admin_api_key"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"` // redis|postgres|memory|memory-locked
}

type RedisConfig struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
}

type RedirectProviderConfig struct {
	Enabled     bool   `yaml:"enabled"`
	MerchantID  string `yaml:"merchant_id"`
	BaseURL     string `yaml:"base_url"`
	StartPayURL string `yaml:"start_pay_url"`
	CallbackURL string `yaml:"callback_url"`
	Sandbox     bool   `yaml:"sandbox"`
	StateSecret string `yaml:"state_secret"` // signs the callback state token
}

type PushProviderConfig struct {
	Enabled        bool   `yaml:"enabled"`
	BaseURL        string `yaml:"base_url"`
	ConsumerKey    string `yaml:"consumer_key"`
	ConsumerSecret string `yaml:"consumer_secret"`
	ShortCode      string `yaml:"short_code"`
	Passkey        string `yaml:"passkey"`
	CallbackURL    string `yaml:"callback_url"`
	CallbackToken  string `yaml:"callback_token"` // appended to callback_url as a path secret
}

type ManualProviderConfig struct {
	Enabled       bool   `yaml:"enabled"`
	TillNumber    string `yaml:"till_number"`
	AccountName   string `yaml:"account_name"`
	WebhookSecret string `yaml:"webhook_secret"`
}

type WalletProviderConfig struct {
	Enabled       bool   `yaml:"enabled"`
	BaseURL       string `yaml:"base_url"`
	APIKey        string `yaml:"api_key"`
	WebhookSecret string `yaml:"webhook_secret"`
}

type ProvidersConfig struct {
	Redirect RedirectProviderConfig `yaml:"redirect"`
	Push     PushProviderConfig     `yaml:"push"`
	Manual   ManualProviderConfig   `yaml:"manual"`
	Wallet   WalletProviderConfig   `yaml:"wallet"`
	// Noop binds every provider kind without an enabled adapter to the in-memory gateway.
	Noop bool `yaml:"noop"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Token    string `yaml:"token"`
	Language string `yaml:"language"` // locale of activation messages, default en
}

type ActivationConfig struct {
	Sink     string         `yaml:"sink"` // postgres|log
	Telegram TelegramConfig `yaml:"telegram"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type EventsConfig struct {
	Kafka KafkaConfig `yaml:"kafka"`
}

type SchedulerConfig struct {
	ActivationRetryCron string `yaml:"activation_retry_cron"`
	Workers             int    `yaml:"workers"`
}

type Config struct {
	App        AppConfig        `yaml:"app"`
	Log        LogConfig        `yaml:"log"`
	HTTP       HTTPConfig       `yaml:"http"`
	Store      StoreConfig      `yaml:"store"`
	Redis      RedisConfig      `yaml:"redis"`
	Database   DatabaseConfig   `yaml:"database"`
	Pricing    model.PriceBook  `yaml:"pricing"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Activation ActivationConfig `yaml:"activation"`
	Events     EventsConfig     `yaml:"events"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`

	Runtime RuntimeConfig `yaml:"-"`
}

// LoadConfig reads the YAML file at path, overlays secrets from the environment
// (a .env file next to the process is honoured when present), applies defaults
// and validates the result.
func LoadConfig(path string, dev bool) (*Config, error) {
	_ = godotenv.Load() // optional

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(b)
	if err != nil {
		return nil, err
	}
	cfg.Runtime.Dev = dev
	return cfg, nil
}

// Parse decodes raw YAML and applies the same overlay, defaults and validation as LoadConfig.
func Parse(b []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	overlayEnv(&cfg)
	applyDefaults(&cfg)
	cfg.Pricing = normalizePricing(cfg.Pricing)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func overlayEnv(cfg *Config) {
	setFromEnv(&cfg.Redis.URL, "REDIS_URL")
	setFromEnv(&cfg.Redis.Password, "REDIS_PASSWORD")
	setFromEnv(&cfg.Database.URL, "DATABASE_URL")
	setFromEnv(&cfg.HTTP.AdminAPIKey, "ADMIN_API_KEY")
	setFromEnv(&cfg.Providers.Redirect.MerchantID, "REDIRECT_MERCHANT_ID")
	setFromEnv(&cfg.Providers.Redirect.StateSecret, "REDIRECT_STATE_SECRET")
	setFromEnv(&cfg.Providers.Push.ConsumerKey, "PUSH_CONSUMER_KEY")
	setFromEnv(&cfg.Providers.Push.ConsumerSecret, "PUSH_CONSUMER_SECRET")
	setFromEnv(&cfg.Providers.Push.Passkey, "PUSH_PASSKEY")
	setFromEnv(&cfg.Providers.Push.CallbackToken, "PUSH_CALLBACK_TOKEN")
	setFromEnv(&cfg.Providers.Manual.WebhookSecret, "MANUAL_WEBHOOK_SECRET")
	setFromEnv(&cfg.Providers.Wallet.APIKey, "WALLET_API_KEY")
	setFromEnv(&cfg.Providers.Wallet.WebhookSecret, "WALLET_WEBHOOK_SECRET")
	setFromEnv(&cfg.Activation.Telegram.Token, "TELEGRAM_BOT_TOKEN")
}

func setFromEnv(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.App.OrderTTL <= 0 {
		cfg.App.OrderTTL = 30 * time.Minute
	}
	if cfg.App.Retention <= 0 {
		cfg.App.Retention = 7 * 24 * time.Hour
	}
	if cfg.App.ConvergeAttempts <= 0 {
		cfg.App.ConvergeAttempts = 5
	}
	if cfg.App.ConvergeInterval <= 0 {
		cfg.App.ConvergeInterval = 100 * time.Millisecond
	}
	if cfg.App.ActivationLease <= 0 {
		cfg.App.ActivationLease = 30 * time.Second
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = 8080
	}
	if cfg.HTTP.RequestTimeout <= 0 {
		cfg.HTTP.RequestTimeout = 15 * time.Second
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "redis"
	}
	if cfg.Database.MaxConns <= 0 {
		cfg.Database.MaxConns = 10
	}
	if cfg.Activation.Sink == "" {
		cfg.Activation.Sink = "postgres"
	}
	if cfg.Events.Kafka.Topic == "" {
		cfg.Events.Kafka.Topic = "payment-orders"
	}
	if cfg.Scheduler.ActivationRetryCron == "" {
		cfg.Scheduler.ActivationRetryCron = "@every 1m"
	}
	if cfg.Scheduler.Workers <= 0 {
		cfg.Scheduler.Workers = 4
	}
}

func normalizePricing(in model.PriceBook) model.PriceBook {
	out := make(model.PriceBook, len(in))
	for tier, regions := range in {
		norm := make(map[string]model.Price, len(regions))
		for region, p := range regions {
			p.Currency = strings.ToUpper(strings.TrimSpace(p.Currency))
			norm[strings.ToUpper(strings.TrimSpace(region))] = p
		}
		out[model.NormalizeTier(string(tier))] = norm
	}
	return out
}

// Validate performs minimal validation of the settings each enabled component needs.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "redis":
		if c.Redis.URL == "" {
			return errors.New("redis.url is required for store.driver=redis")
		}
	case "postgres":
		if c.Database.URL == "" {
			return errors.New("database.url is required for store.driver=postgres")
		}
	case "memory", "memory-locked":
	default:
		return fmt.Errorf("store.driver %q not supported", c.Store.Driver)
	}
	switch c.Activation.Sink {
	case "postgres":
		if c.Database.URL == "" {
			return errors.New("database.url is required for activation.sink=postgres")
		}
	case "log":
	default:
		return fmt.Errorf("activation.sink %q not supported", c.Activation.Sink)
	}
	if len(c.Pricing) == 0 {
		return errors.New("pricing must define at least one tier")
	}
	for tier, regions := range c.Pricing {
		for region, p := range regions {
			if p.Amount <= 0 || p.Currency == "" {
				return fmt.Errorf("pricing.%s.%s: amount and currency are required", tier, region)
			}
		}
	}
	p := c.Providers
	if p.Redirect.Enabled && (p.Redirect.MerchantID == "" || p.Redirect.CallbackURL == "" || p.Redirect.StateSecret == "") {
		return errors.New("providers.redirect requires merchant_id, callback_url and state_secret")
	}
	if p.Push.Enabled && (p.Push.BaseURL == "" || p.Push.ConsumerKey == "" || p.Push.ShortCode == "" || p.Push.CallbackToken == "") {
		return errors.New("providers.push requires base_url, consumer_key, short_code and callback_token")
	}
	if p.Manual.Enabled && p.Manual.TillNumber == "" {
		return errors.New("providers.manual.till_number is required")
	}
	if p.Wallet.Enabled && (p.Wallet.BaseURL == "" || p.Wallet.APIKey == "") {
		return errors.New("providers.wallet requires base_url and api_key")
	}
	if c.Activation.Telegram.Enabled && c.Activation.Telegram.Token == "" {
		return errors.New("activation.telegram.token is required when enabled")
	}
	return nil
}
