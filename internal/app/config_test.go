package app

import (
	"testing"
	"time"
)

func TestDefaultConfig_Values(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.HTTPAddr != ":8080" {
		t.Errorf("expected HTTPAddr :8080, got %s", cfg.HTTPAddr)
	}
	if cfg.GRPCAddr != ":50051" {
		t.Errorf("expected GRPCAddr :50051, got %s", cfg.GRPCAddr)
	}
	if cfg.MetricsAddr != ":9090" {
		t.Errorf("expected MetricsAddr :9090, got %s", cfg.MetricsAddr)
	}
	if cfg.StorageDriver != StorageDriverMemory {
		t.Errorf("expected StorageDriver %s, got %s", StorageDriverMemory, cfg.StorageDriver)
	}
	if !cfg.PostgresAutoMigrate {
		t.Error("expected PostgresAutoMigrate to be true")
	}
	if cfg.OutboxPollInterval <= 0 || cfg.OutboxBatchSize <= 0 || cfg.OutboxMaxAttempts <= 0 {
		t.Errorf("outbox defaults must be positive: %+v", cfg)
	}
	if cfg.OutboxRetryDelay < 0 {
		t.Error("expected OutboxRetryDelay to be >= 0")
	}
	if cfg.IdempotencyCleanupInterval <= 0 || cfg.IdempotencyCleanupBatchSize <= 0 {
		t.Errorf("cleanup defaults must be positive: %+v", cfg)
	}
	if cfg.TaxRate != "0.08" || cfg.FlatShippingMinor != 1000 || cfg.FreeShippingOverMinor != 10000 {
		t.Errorf("unexpected pricing defaults: %s %d %d", cfg.TaxRate, cfg.FlatShippingMinor, cfg.FreeShippingOverMinor)
	}
}

func TestConfig_Comparison(t *testing.T) {
	cfg1 := DefaultConfig()
	cfg2 := DefaultConfig()

	if cfg1 != cfg2 {
		t.Error("two DefaultConfig instances should be equal")
	}

	cfg2.GRPCAddr = ":8080"
	if cfg1 == cfg2 {
		t.Error("modified config should not be equal to original")
	}
}

func TestOrderingConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TaxRate = " 0.2 "
	cfg.Currency = "eur"
	cfg.FlatShippingMinor = 500
	cfg.IdempotencyTTL = time.Hour

	orderingCfg, err := cfg.OrderingConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if orderingCfg.Pricing.TaxRate.String() != "0.2" {
		t.Errorf("unexpected tax rate: %s", orderingCfg.Pricing.TaxRate)
	}
	if orderingCfg.Currency != "EUR" {
		t.Errorf("unexpected currency: %s", orderingCfg.Currency)
	}
	if orderingCfg.Pricing.FlatShippingMinor != 500 {
		t.Errorf("unexpected shipping: %d", orderingCfg.Pricing.FlatShippingMinor)
	}
	if orderingCfg.IdempotencyTTL != time.Hour {
		t.Errorf("unexpected ttl: %s", orderingCfg.IdempotencyTTL)
	}
}

func TestOrderingConfig_Invalid(t *testing.T) {
	cases := map[string]func(*Config){
		"not a number":      func(c *Config) { c.TaxRate = "eight percent" },
		"negative rate":     func(c *Config) { c.TaxRate = "-0.01" },
		"rate of 100%":      func(c *Config) { c.TaxRate = "1" },
		"negative shipping": func(c *Config) { c.FlatShippingMinor = -1 },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(&cfg)
			if _, err := cfg.OrderingConfig(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestKafkaBrokerList(t *testing.T) {
	cfg := Config{KafkaBrokers: " broker1:9092, ,broker2:9092 "}
	brokers := cfg.KafkaBrokerList()
	if len(brokers) != 2 || brokers[0] != "broker1:9092" || brokers[1] != "broker2:9092" {
		t.Fatalf("unexpected brokers: %v", brokers)
	}
	if got := (Config{}).KafkaBrokerList(); len(got) != 0 {
		t.Fatalf("expected no brokers, got %v", got)
	}
}
