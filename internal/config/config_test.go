package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/shopspring/decimal"

	"github.com/gamehub/economy-engine/internal/model"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ECON_CONFIG", "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8080" || cfg.LockTimeout != 5*time.Second || cfg.CacheTTL != 30*time.Second {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if !cfg.Sweep.Enabled || cfg.Sweep.Schedule != "@every 1m" || cfg.Sweep.BatchSize != 500 {
		t.Fatalf("unexpected sweep defaults %+v", cfg.Sweep)
	}
	if len(cfg.Kafka.Brokers) != 0 || cfg.Kafka.Topic != "economy.events" {
		t.Fatalf("unexpected kafka defaults %+v", cfg.Kafka)
	}

	eng, err := cfg.Economy.Engine()
	if err != nil {
		t.Fatalf("engine config: %v", err)
	}
	if !eng.FallbackRate.Equal(decimal.RequireFromString("0.05")) {
		t.Errorf("fallback rate = %s", eng.FallbackRate)
	}
	if eng.ListingTTL != 72*time.Hour || eng.Location != time.UTC {
		t.Errorf("ttl %s location %s", eng.ListingTTL, eng.Location)
	}
	if eng.DailyBonusResource != model.Coins || len(eng.DailyBonusSchedule) != 7 {
		t.Errorf("daily bonus %s %v", eng.DailyBonusResource, eng.DailyBonusSchedule)
	}
	if eng.ReferralResource != model.Crystals || !eng.ReferralReward.Equal(decimal.NewFromInt(50)) {
		t.Errorf("referral %s %s", eng.ReferralResource, eng.ReferralReward)
	}
	if len(eng.Offers) != 2 || eng.Offers[0].ID != "coins-1000" || eng.Offers[1].Item.Kind != model.ItemPackage {
		t.Errorf("shop %+v", eng.Offers)
	}
	if cfg.ServiceToken != "" {
		t.Errorf("service token should default to empty")
	}
}

func TestLoad_ZeroFallbackRateIsKept(t *testing.T) {
	t.Setenv("ECON_CONFIG", "")
	t.Setenv("ECON_ECONOMY_FALLBACK_COMMISSION_RATE", "0")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	eng, err := cfg.Economy.Engine()
	if err != nil {
		t.Fatal(err)
	}
	if !eng.FallbackRate.IsZero() {
		t.Fatalf("fallback rate = %s, want 0", eng.FallbackRate)
	}
}

func TestLoad_Shop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shop.yaml")
	body := `
economy:
  shop:
    - id: essence-50
      kind: resource
      resource: essence
      amount: 50
      price: "2.5"
      currency: stars
    - id: weekend-bundle
      kind: package
      contents:
        crystals: "300"
        coins: "2000"
      price: "0.75"
      currency: ton
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	eng, err := cfg.Economy.Engine()
	if err != nil {
		t.Fatal(err)
	}
	if len(eng.Offers) != 2 {
		t.Fatalf("offers = %+v", eng.Offers)
	}
	essence := eng.Offers[0]
	if essence.Item.Resource != model.Essence || !essence.Item.Amount.Equal(decimal.NewFromInt(50)) || essence.Currency != model.Stars {
		t.Errorf("essence offer %+v", essence)
	}
	bundle := eng.Offers[1].Item
	if bundle.PackageID != "weekend-bundle" || len(bundle.Contents) != 2 || bundle.Contents[0].Resource != model.Coins {
		t.Errorf("bundle %+v", bundle)
	}
}

func TestLoad_InvalidShop(t *testing.T) {
	cases := map[string]string{
		"unknown kind":      "[{id: x, kind: artifact, price: '1', currency: stars}]",
		"unknown currency":  "[{id: x, kind: resource, resource: coins, amount: '1', price: '1', currency: gold}]",
		"unknown content":   "[{id: x, kind: package, contents: {gold: '1'}, price: '1', currency: ton}]",
		"negative price":    "[{id: x, kind: resource, resource: coins, amount: '1', price: '-1', currency: stars}]",
		"duplicate id":      "[{id: x, kind: resource, resource: coins, amount: '1', price: '1', currency: stars}, {id: x, kind: resource, resource: coins, amount: '2', price: '1', currency: stars}]",
		"past amount scale": "[{id: x, kind: resource, resource: ton, amount: '0.000000001', price: '1', currency: stars}]",
	}
	for name, shop := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "shop.yaml")
			if err := os.WriteFile(path, []byte("economy:\n  shop: "+shop+"\n"), 0o600); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Fatal("expected a validation error")
			}
		})
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ECON_CONFIG", "")
	t.Setenv("ECON_PORT", "9090")
	t.Setenv("ECON_LOCK_TIMEOUT", "750ms")
	t.Setenv("ECON_ECONOMY_TIMEZONE", "Europe/Berlin")
	t.Setenv("ECON_KAFKA_BROKERS", "kafka-1:9092,kafka-2:9092")
	t.Setenv("ECON_SWEEP_ENABLED", "false")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "9090" || cfg.LockTimeout != 750*time.Millisecond || cfg.Sweep.Enabled {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "kafka-2:9092" {
		t.Fatalf("brokers = %v", cfg.Kafka.Brokers)
	}
	eng, err := cfg.Economy.Engine()
	if err != nil {
		t.Fatal(err)
	}
	if eng.Location.String() != "Europe/Berlin" {
		t.Fatalf("location = %s", eng.Location)
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "economy.yaml")
	body := `
port: "7000"
economy:
  fallback_commission_rate: "0.1"
  daily_bonus_resource: essence
  daily_bonus_schedule: ["5", "10"]
sweep:
  schedule: "*/5 * * * *"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "7000" || cfg.Sweep.Schedule != "*/5 * * * *" {
		t.Fatalf("file not applied: %+v", cfg)
	}
	eng, err := cfg.Economy.Engine()
	if err != nil {
		t.Fatal(err)
	}
	if eng.DailyBonusResource != model.Essence || len(eng.DailyBonusSchedule) != 2 {
		t.Fatalf("daily bonus %s %v", eng.DailyBonusResource, eng.DailyBonusSchedule)
	}
	if !eng.FallbackRate.Equal(decimal.RequireFromString("0.1")) {
		t.Fatalf("rate = %s", eng.FallbackRate)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]map[string]string{
		"rate above one":    {"ECON_ECONOMY_FALLBACK_COMMISSION_RATE": "1.5"},
		"rate not a number": {"ECON_ECONOMY_FALLBACK_COMMISSION_RATE": "five"},
		"unknown timezone":  {"ECON_ECONOMY_TIMEZONE": "Mars/Olympus"},
		"unknown resource":  {"ECON_ECONOMY_REFERRAL_RESOURCE": "gold"},
		"zero referral":     {"ECON_ECONOMY_REFERRAL_REWARD": "0"},
		"negative ttl":      {"ECON_ECONOMY_LISTING_TTL": "-1h"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("ECON_CONFIG", "")
			for k, v := range env {
				t.Setenv(k, v)
			}
			if _, err := Load(""); err == nil {
				t.Fatal("expected a validation error")
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
