package config

import (
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		TimeoutMs:         DefaultTimeoutMs,
		MetadataQueueName: "plan-metadata",
		TileQueueName:     "plan-tiles",
		MarkerQueueName:   "plan-markers",
		WorkersPerStage:   4,
		DatabaseURL:       "postgres://localhost:5432/planproc",
		RedisAddr:         "localhost:6379",
		PlanBucket:        "plans",
		Region:            "us-west-2",
		RasterBaseURL:     "http://raster:9000",
		ListenAddr:        ":8080",
		ShutdownTimeout:   30 * time.Second,
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	if cfg.SheetNameFilter() == nil {
		t.Fatal("expected compiled sheet-name filter")
	}
	if !cfg.SheetNameFilter()("A5") || cfg.SheetNameFilter()("lobby plan") {
		t.Fatal("default filter misclassifies")
	}
	if cfg.Timeout() != 15*time.Minute {
		t.Fatalf("unexpected default timeout: %v", cfg.Timeout())
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"short timeout", func(c *Config) { c.TimeoutMs = 500 }},
		{"bad regex", func(c *Config) { c.MarkerContextRegex = "[" }},
		{"missing metadata queue", func(c *Config) { c.MetadataQueueName = "" }},
		{"missing tile queue", func(c *Config) { c.TileQueueName = "" }},
		{"missing marker queue", func(c *Config) { c.MarkerQueueName = "" }},
		{"zero workers", func(c *Config) { c.WorkersPerStage = 0 }},
		{"missing database", func(c *Config) { c.DatabaseURL = "" }},
		{"wrong database scheme", func(c *Config) { c.DatabaseURL = "mysql://x" }},
		{"missing redis", func(c *Config) { c.RedisAddr = "" }},
		{"missing bucket", func(c *Config) { c.PlanBucket = "" }},
		{"missing region", func(c *Config) { c.Region = "" }},
		{"missing raster URL", func(c *Config) { c.RasterBaseURL = "" }},
		{"bad raster scheme", func(c *Config) { c.RasterBaseURL = "ftp://raster" }},
		{"missing listen addr", func(c *Config) { c.ListenAddr = "" }},
		{"short shutdown", func(c *Config) { c.ShutdownTimeout = 100 * time.Millisecond }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestValidateCustomRegex(t *testing.T) {
	cfg := validConfig()
	cfg.MarkerContextRegex = `^[A-Z]{2}[0-9]+$`
	if err := cfg.Validate(); err != nil {
		t.Fatalf("custom regex rejected: %v", err)
	}
	if !cfg.SheetNameFilter()("AB12") || cfg.SheetNameFilter()("A5") {
		t.Fatal("custom filter not applied")
	}
}
