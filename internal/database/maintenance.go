package database

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/astroforum/service_layer/internal/logging"
)

// MaintenanceConfig schedules the background jobs. Schedules use cron syntax,
// including descriptors such as "@every 30s". An empty schedule disables the
// job.
type MaintenanceConfig struct {
	SweepSchedule       string        `yaml:"sweep_schedule"`
	MemoryCheckSchedule string        `yaml:"memory_check_schedule"`
	MemoryThreshold     float64       `yaml:"memory_threshold"` // percent of system memory in use
	SweepTimeout        time.Duration `yaml:"sweep_timeout"`
}

// DefaultMaintenanceConfig returns the default schedules.
func DefaultMaintenanceConfig() MaintenanceConfig {
	return MaintenanceConfig{
		SweepSchedule:       "@every 30s",
		MemoryCheckSchedule: "@every 1m",
		MemoryThreshold:     85,
		SweepTimeout:        10 * time.Second,
	}
}

// Maintenance runs periodic pool sweeps and relieves memory pressure by
// closing idle connections.
type Maintenance struct {
	db     *DB
	cfg    MaintenanceConfig
	cron   *cron.Cron
	logger *logging.Logger

	// memoryUsage returns used system memory in percent.
	memoryUsage func() (float64, error)
}

// NewMaintenance registers the jobs. Call Start to run them.
func NewMaintenance(db *DB, cfg MaintenanceConfig, logger *logging.Logger) (*Maintenance, error) {
	if logger == nil {
		logger = logging.NewDiscard()
	}
	if cfg.SweepTimeout <= 0 {
		cfg.SweepTimeout = DefaultMaintenanceConfig().SweepTimeout
	}

	cl := cronLogger{logger: logger}
	m := &Maintenance{
		db:     db,
		cfg:    cfg,
		logger: logger,
		cron: cron.New(cron.WithChain(
			cron.Recover(cl),
			cron.SkipIfStillRunning(cl),
		)),
		memoryUsage: systemMemoryUsage,
	}

	if cfg.SweepSchedule != "" {
		if _, err := m.cron.AddFunc(cfg.SweepSchedule, m.sweep); err != nil {
			return nil, fmt.Errorf("sweep schedule %q: %w", cfg.SweepSchedule, err)
		}
	}
	if cfg.MemoryCheckSchedule != "" {
		if _, err := m.cron.AddFunc(cfg.MemoryCheckSchedule, m.checkMemory); err != nil {
			return nil, fmt.Errorf("memory check schedule %q: %w", cfg.MemoryCheckSchedule, err)
		}
	}
	return m, nil
}

// Start runs the scheduler in the background.
func (m *Maintenance) Start() {
	m.cron.Start()
}

// Stop stops the scheduler and waits for running jobs, or for ctx.
func (m *Maintenance) Stop(ctx context.Context) {
	done := m.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

func (m *Maintenance) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SweepTimeout)
	defer cancel()
	m.db.Sweep(ctx)
}

func (m *Maintenance) checkMemory() {
	used, err := m.memoryUsage()
	if err != nil {
		m.logger.WithError(err).Debug("memory usage unavailable")
		return
	}
	if used <= m.cfg.MemoryThreshold {
		return
	}

	closed := m.db.ForceCleanup()
	m.logger.WithFields(map[string]interface{}{
		"memory_used_percent": used,
		"threshold":           m.cfg.MemoryThreshold,
		"closed_idle":         closed,
	}).Warn("memory pressure: closed idle database connections")
}

func systemMemoryUsage() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

// cronLogger adapts the service logger to cron.Logger.
type cronLogger struct {
	logger *logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(kvFields(keysAndValues)).Debug("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(kvFields(keysAndValues)).WithError(err).Error("cron: " + msg)
}

func kvFields(kv []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return fields
}
