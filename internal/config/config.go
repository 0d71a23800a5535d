// Package config loads economy-engine settings from the environment
// (prefix ECON_) and an optional YAML file named by ECON_CONFIG.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/gamehub/economy-engine/internal/economy"
	"github.com/gamehub/economy-engine/internal/model"
)

type EconomyConfig struct {
	FallbackCommissionRate string        `mapstructure:"fallback_commission_rate"`
	ListingTTL             time.Duration `mapstructure:"listing_ttl"`
	Timezone               string        `mapstructure:"timezone"`
	DailyBonusResource     string        `mapstructure:"daily_bonus_resource"`
	DailyBonusSchedule     []string      `mapstructure:"daily_bonus_schedule"`
	ReferralResource       string        `mapstructure:"referral_resource"`
	ReferralReward         string        `mapstructure:"referral_reward"`
	Shop                   []OfferConfig `mapstructure:"shop"`
}

// OfferConfig is one shop entry. Resource offers set Resource and Amount;
// package offers set Contents, keyed by resource name.
type OfferConfig struct {
	ID       string            `mapstructure:"id"`
	Kind     string            `mapstructure:"kind"`
	Resource string            `mapstructure:"resource"`
	Amount   string            `mapstructure:"amount"`
	Contents map[string]string `mapstructure:"contents"`
	Price    string            `mapstructure:"price"`
	Currency string            `mapstructure:"currency"`
}

type SweepConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Schedule  string `mapstructure:"schedule"`
	BatchSize int    `mapstructure:"batch_size"`
}

type KafkaConfig struct {
	Brokers  []string `mapstructure:"brokers"`
	Topic    string   `mapstructure:"topic"`
	ClientID string   `mapstructure:"client_id"`
}

type Config struct {
	Port            string        `mapstructure:"port"`
	LogLevel        string        `mapstructure:"log_level"`
	DatabaseURL     string        `mapstructure:"database_url"`
	RedisURL        string        `mapstructure:"redis_url"`
	CacheTTL        time.Duration `mapstructure:"cache_ttl"`
	LockTimeout     time.Duration `mapstructure:"lock_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	ServiceToken    string        `mapstructure:"service_token"`
	Economy         EconomyConfig `mapstructure:"economy"`
	Sweep           SweepConfig   `mapstructure:"sweep"`
	Kafka           KafkaConfig   `mapstructure:"kafka"`
}

// Load reads configuration. path overrides ECON_CONFIG; with neither set
// only defaults and the environment apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ECON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path == "" {
		path = os.Getenv("ECON_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("database_url", "")
	v.SetDefault("redis_url", "")
	v.SetDefault("cache_ttl", "30s")
	v.SetDefault("lock_timeout", "5s")
	v.SetDefault("shutdown_timeout", "5s")
	v.SetDefault("service_token", "")

	v.SetDefault("economy.fallback_commission_rate", "0.05")
	v.SetDefault("economy.listing_ttl", "72h")
	v.SetDefault("economy.timezone", "UTC")
	v.SetDefault("economy.daily_bonus_resource", "coins")
	v.SetDefault("economy.daily_bonus_schedule", []string{"100", "150", "200", "250", "300", "400", "500"})
	v.SetDefault("economy.referral_resource", "crystals")
	v.SetDefault("economy.referral_reward", "50")
	v.SetDefault("economy.shop", []map[string]any{
		{"id": "coins-1000", "kind": "resource", "resource": "coins", "amount": "1000", "price": "100", "currency": "stars"},
		{"id": "starter-pack", "kind": "package", "contents": map[string]string{"coins": "5000", "crystals": "100", "essence": "10"}, "price": "1", "currency": "ton"},
	})

	v.SetDefault("sweep.enabled", true)
	v.SetDefault("sweep.schedule", "@every 1m")
	v.SetDefault("sweep.batch_size", 500)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "economy.events")
	v.SetDefault("kafka.client_id", "economy-engine")
}

func (c *Config) validate() error {
	if c.Port == "" {
		return errors.New("ECON_PORT must be set")
	}
	if c.Sweep.Enabled && c.Sweep.Schedule == "" {
		return errors.New("sweep schedule required when sweep is enabled")
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return errors.New("kafka topic required when brokers are configured")
	}
	_, err := c.Economy.Engine()
	return err
}

// Engine converts the economy section into engine settings.
func (e EconomyConfig) Engine() (economy.Config, error) {
	var cfg economy.Config

	rate, err := decimal.NewFromString(e.FallbackCommissionRate)
	if err != nil {
		return cfg, fmt.Errorf("economy.fallback_commission_rate: %w", err)
	}
	loc, err := time.LoadLocation(e.Timezone)
	if err != nil {
		return cfg, fmt.Errorf("economy.timezone: %w", err)
	}
	dailyRes, err := model.ParseResource(e.DailyBonusResource)
	if err != nil {
		return cfg, fmt.Errorf("economy.daily_bonus_resource: %w", err)
	}
	refRes, err := model.ParseResource(e.ReferralResource)
	if err != nil {
		return cfg, fmt.Errorf("economy.referral_resource: %w", err)
	}
	refAmount, err := decimal.NewFromString(e.ReferralReward)
	if err != nil {
		return cfg, fmt.Errorf("economy.referral_reward: %w", err)
	}

	schedule := make([]decimal.Decimal, 0, len(e.DailyBonusSchedule))
	for i, s := range e.DailyBonusSchedule {
		amt, err := decimal.NewFromString(strings.TrimSpace(s))
		if err != nil {
			return cfg, fmt.Errorf("economy.daily_bonus_schedule[%d]: %w", i, err)
		}
		schedule = append(schedule, amt)
	}

	offers := make([]economy.Offer, 0, len(e.Shop))
	for i, oc := range e.Shop {
		o, err := oc.offer()
		if err != nil {
			return cfg, fmt.Errorf("economy.shop[%d]: %w", i, err)
		}
		offers = append(offers, o)
	}

	cfg = economy.Config{
		FallbackRate:       rate,
		ListingTTL:         e.ListingTTL,
		Location:           loc,
		DailyBonusResource: dailyRes,
		DailyBonusSchedule: schedule,
		ReferralResource:   refRes,
		ReferralReward:     refAmount,
		Offers:             offers,
	}
	return cfg, cfg.Validate()
}

func (oc OfferConfig) offer() (economy.Offer, error) {
	o := economy.Offer{ID: oc.ID, Item: model.Item{Kind: model.ItemKind(strings.ToLower(oc.Kind))}}

	currency, err := model.ParseResource(oc.Currency)
	if err != nil {
		return o, fmt.Errorf("currency: %w", err)
	}
	o.Currency = currency
	if o.Price, err = decimal.NewFromString(oc.Price); err != nil {
		return o, fmt.Errorf("price: %w", err)
	}

	switch o.Item.Kind {
	case model.ItemResource:
		if o.Item.Resource, err = model.ParseResource(oc.Resource); err != nil {
			return o, fmt.Errorf("resource: %w", err)
		}
		if o.Item.Amount, err = decimal.NewFromString(oc.Amount); err != nil {
			return o, fmt.Errorf("amount: %w", err)
		}
	case model.ItemPackage:
		o.Item.PackageID = oc.ID
		// Contents keep the canonical resource order regardless of map order.
		for _, r := range model.Resources {
			s, ok := oc.Contents[string(r)]
			if !ok {
				continue
			}
			amt, err := decimal.NewFromString(s)
			if err != nil {
				return o, fmt.Errorf("contents.%s: %w", r, err)
			}
			o.Item.Contents = append(o.Item.Contents, model.ResourceAmount{Resource: r, Amount: amt})
		}
		if len(o.Item.Contents) != len(oc.Contents) {
			return o, fmt.Errorf("contents: %w", model.ErrUnknownCurrency)
		}
	default:
		return o, fmt.Errorf("kind %q: %w", oc.Kind, model.ErrItemNotTradable)
	}
	return o, nil
}

// NewLogger builds the JSON logger used by every component.
func NewLogger(level string) *slog.Logger {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(level)})
	return slog.New(h).With(slog.String("service", "economy-engine"))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
