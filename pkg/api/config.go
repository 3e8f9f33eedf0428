package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/mihaimyh/gopoints/pkg/points"
)

// Config holds configuration for the ledger HTTP handler
type Config struct {
	// Manager is the ledger manager instance (required)
	Manager *points.Manager

	// Sweeper runs admin-triggered passes when set, so they never overlap the background loop.
	// If nil, passes call Manager.SweepExpired directly.
	Sweeper *points.Sweeper

	// Logger records server-side failures. Defaults to the manager's logger.
	Logger points.Logger

	// RetryAfter is advertised on 503 responses (default: 1 second)
	RetryAfter time.Duration

	// OnError handles errors
	// If nil, uses default JSON error handling
	OnError func(http.ResponseWriter, *http.Request, error)
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Manager == nil {
		return fmt.Errorf("manager is required")
	}
	if c.RetryAfter < 0 {
		return fmt.Errorf("retry after must not be negative")
	}
	return nil
}

// NewHandler creates a new ledger API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = config.Manager.Config().Logger
	}
	if config.RetryAfter == 0 {
		config.RetryAfter = time.Second
	}
	return &Handler{
		config: config,
	}, nil
}
