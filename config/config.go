// Package config holds the service configuration and its validation. All
// values arrive via flags or environment in cmd/planproc; Validate also
// compiles derived fields used at runtime.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Woody88/sitelink/pipeline"
)

// Config holds all configuration for the plan processing service.
type Config struct {
	// Pipeline behavior
	TimeoutMs          int64  // Deadline alarm delay in milliseconds
	MarkerContextRegex string // Sheet-name pattern for marker cross-reference context
	MetadataQueueName  string // Queue feeding metadata workers
	TileQueueName      string // Queue feeding tile workers
	MarkerQueueName    string // Queue feeding marker workers
	WorkersPerStage    int    // Consumer goroutines per stage queue

	// Infrastructure
	DatabaseURL      string        // Postgres DSN
	RedisAddr        string        // Redis host:port
	PlanBucket       string        // Object-store bucket for plan artifacts
	Region           string        // AWS region
	RasterBaseURL    string        // Base URL of the rasterizer/OCR service
	ListenAddr       string        // HTTP listen address
	PreflightRoleARN string        // Optional IAM role to simulate S3 access for
	ShutdownTimeout  time.Duration // Graceful shutdown timeout

	// Internal fields
	sheetNameFilter pipeline.SheetNameFilter // Compiled from MarkerContextRegex
}

// DefaultTimeoutMs is the default deadline alarm delay: fifteen minutes.
const DefaultTimeoutMs = 900_000

// SheetNameFilter returns the filter compiled by Validate.
func (c *Config) SheetNameFilter() pipeline.SheetNameFilter {
	return c.sheetNameFilter
}

// Timeout returns the deadline alarm delay as a duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// Validate ensures all required fields are present and have valid values, and
// populates derived fields.
func (c *Config) Validate() error {
	if c.TimeoutMs < 1000 {
		return fmt.Errorf("timeout must be at least 1000ms")
	}

	if c.MarkerContextRegex == "" {
		c.MarkerContextRegex = pipeline.DefaultMarkerContextPattern
	}
	filter, err := pipeline.NewSheetNameFilter(c.MarkerContextRegex)
	if err != nil {
		return err
	}
	c.sheetNameFilter = filter

	for _, q := range []struct{ name, value string }{
		{"metadata queue name", c.MetadataQueueName},
		{"tile queue name", c.TileQueueName},
		{"marker queue name", c.MarkerQueueName},
	} {
		if q.value == "" {
			return fmt.Errorf("%s is required", q.name)
		}
	}

	if c.WorkersPerStage < 1 {
		return fmt.Errorf("workers per stage must be at least 1")
	}

	if c.DatabaseURL == "" {
		return fmt.Errorf("database URL is required")
	}
	if !strings.HasPrefix(c.DatabaseURL, "postgres://") && !strings.HasPrefix(c.DatabaseURL, "postgresql://") {
		return fmt.Errorf("database URL must use postgres scheme")
	}

	if c.RedisAddr == "" {
		return fmt.Errorf("redis address is required")
	}

	if c.PlanBucket == "" {
		return fmt.Errorf("plan bucket is required")
	}

	if c.Region == "" {
		return fmt.Errorf("region is required")
	}

	if c.RasterBaseURL == "" {
		return fmt.Errorf("raster service URL is required")
	}
	if !strings.HasPrefix(c.RasterBaseURL, "http://") && !strings.HasPrefix(c.RasterBaseURL, "https://") {
		return fmt.Errorf("raster service URL must be http or https")
	}

	if c.ListenAddr == "" {
		return fmt.Errorf("listen address is required")
	}

	if c.ShutdownTimeout < time.Second {
		return fmt.Errorf("shutdown timeout must be at least 1 second")
	}

	return nil
}
