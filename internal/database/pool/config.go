package pool

import (
	"fmt"
	"time"
)

// Config bounds and tunes the pool.
type Config struct {
	// MaxConnections is the hard cap on open connections, in use or idle.
	MaxConnections int `yaml:"max_connections"`
	// MinConnections is the number of connections WarmUp opens and Sweep keeps.
	MinConnections int `yaml:"min_connections"`
	// AcquireTimeout bounds how long Acquire waits in the queue. Zero waits
	// until the caller's context is done.
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	// StaleAfter is how long a connection may stay checked out before it is
	// treated as stuck. Zero disables stuck detection.
	StaleAfter time.Duration `yaml:"stale_after"`
	// IdleTimeout retires connections idle for longer. Zero disables it.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	// MaxLifetime retires connections older than this. Zero disables it.
	MaxLifetime time.Duration `yaml:"max_lifetime"`
	// MaxWaiters caps the waiting queue. Zero means unbounded.
	MaxWaiters int `yaml:"max_waiters"`
}

// DefaultConfig returns the pool defaults.
func DefaultConfig() Config {
	return Config{
		MaxConnections: 4,
		MinConnections: 1,
		AcquireTimeout: 5 * time.Second,
		StaleAfter:     30 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxLifetime:    10 * time.Minute,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxConnections <= 0 {
		return fmt.Errorf("max_connections must be positive, got %d", c.MaxConnections)
	}
	if c.MinConnections < 0 {
		return fmt.Errorf("min_connections must not be negative, got %d", c.MinConnections)
	}
	if c.MinConnections > c.MaxConnections {
		return fmt.Errorf("min_connections (%d) exceeds max_connections (%d)", c.MinConnections, c.MaxConnections)
	}
	if c.MaxWaiters < 0 {
		return fmt.Errorf("max_waiters must not be negative, got %d", c.MaxWaiters)
	}
	for name, d := range map[string]time.Duration{
		"acquire_timeout": c.AcquireTimeout,
		"stale_after":     c.StaleAfter,
		"idle_timeout":    c.IdleTimeout,
		"max_lifetime":    c.MaxLifetime,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %s", name, d)
		}
	}
	return nil
}
