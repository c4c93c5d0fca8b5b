package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/astroforum/service_layer/internal/database"
)

// DatabaseFile is the layout of config/database.yaml.
type DatabaseFile struct {
	Database    database.Config            `yaml:"database"`
	Maintenance database.MaintenanceConfig `yaml:"maintenance"`
}

// DefaultDatabaseFile returns the built-in tuning.
func DefaultDatabaseFile() *DatabaseFile {
	return &DatabaseFile{
		Database:    database.DefaultConfig(),
		Maintenance: database.DefaultMaintenanceConfig(),
	}
}

// LoadDatabaseFileFromPath loads the tuning from path. Keys missing from the
// file keep their defaults.
func LoadDatabaseFileFromPath(path string) (*DatabaseFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read database config: %w", err)
	}

	cfg := DefaultDatabaseFile()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("database config %s: %w", path, err)
	}
	return cfg, nil
}

// loadDatabaseFileOrDefault returns the defaults when path does not exist.
// Any other failure is returned.
func loadDatabaseFileOrDefault(path string) (*DatabaseFile, error) {
	cfg, err := LoadDatabaseFileFromPath(path)
	if isNotExist(err) {
		return DefaultDatabaseFile(), nil
	}
	return cfg, err
}

// Validate checks the tuning values.
func (f *DatabaseFile) Validate() error {
	if err := f.Database.Pool.Validate(); err != nil {
		return fmt.Errorf("pool: %w", err)
	}
	b := f.Database.Breaker
	if b.FailureThreshold <= 0 {
		return fmt.Errorf("breaker: failure_threshold must be positive, got %d", b.FailureThreshold)
	}
	if b.MonitoringPeriod < 0 || b.Cooldown < 0 {
		return errors.New("breaker: durations must not be negative")
	}
	h := f.Database.Health
	if h.Warning > h.Critical {
		return fmt.Errorf("health: warning (%v) exceeds critical (%v)", h.Warning, h.Critical)
	}
	if m := f.Maintenance.MemoryThreshold; m < 0 || m > 100 {
		return fmt.Errorf("maintenance: memory_threshold must be a percentage, got %v", m)
	}
	return nil
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
