package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultCleanupSchedule sweeps idle rate limiter windows.
const DefaultCleanupSchedule = "@every 1m"

const pruneTimeout = time.Minute

// Pruner deletes journal rows older than a cutoff.
type Pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// Cleaner drops idle per-connection state and reports how much it removed.
type Cleaner interface {
	Cleanup() int
}

// Config holds the maintenance schedules. Both use standard cron syntax or
// descriptors such as "@hourly".
type Config struct {
	PruneSchedule   string
	Retention       time.Duration
	CleanupSchedule string
}

// Maintenance runs the periodic housekeeping of a hub process.
type Maintenance struct {
	journal Pruner
	limiter Cleaner
	config  *Config
	cron    *cron.Cron
	logger  *zap.Logger
	now     func() time.Time
}

// NewMaintenance schedules journal pruning when journal is non-nil and
// rate limiter cleanup when limiter is non-nil.
func NewMaintenance(journal Pruner, limiter Cleaner, config *Config, logger *zap.Logger) *Maintenance {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.CleanupSchedule == "" {
		config.CleanupSchedule = DefaultCleanupSchedule
	}
	return &Maintenance{
		journal: journal,
		limiter: limiter,
		config:  config,
		cron:    cron.New(),
		logger:  logger,
		now:     time.Now,
	}
}

func (m *Maintenance) Start() error {
	if m.journal != nil {
		if _, err := m.cron.AddFunc(m.config.PruneSchedule, m.prune); err != nil {
			return fmt.Errorf("failed to schedule journal prune: %w", err)
		}
	}
	if m.limiter != nil {
		if _, err := m.cron.AddFunc(m.config.CleanupSchedule, m.cleanup); err != nil {
			return fmt.Errorf("failed to schedule rate limiter cleanup: %w", err)
		}
	}

	m.cron.Start()
	m.logger.Info("maintenance jobs started",
		zap.String("prune_schedule", m.config.PruneSchedule),
		zap.Duration("retention", m.config.Retention),
		zap.String("cleanup_schedule", m.config.CleanupSchedule))
	return nil
}

// Stop halts scheduling and waits for running jobs to finish.
func (m *Maintenance) Stop() {
	<-m.cron.Stop().Done()
	m.logger.Info("maintenance jobs stopped")
}

// RunPrune deletes journal rows older than the retention window.
func (m *Maintenance) RunPrune(ctx context.Context) (int64, error) {
	if m.journal == nil {
		return 0, nil
	}
	return m.journal.Prune(ctx, m.now().Add(-m.config.Retention))
}

// RunCleanup sweeps the rate limiter once.
func (m *Maintenance) RunCleanup() int {
	if m.limiter == nil {
		return 0
	}
	return m.limiter.Cleanup()
}

func (m *Maintenance) prune() {
	ctx, cancel := context.WithTimeout(context.Background(), pruneTimeout)
	defer cancel()

	n, err := m.RunPrune(ctx)
	if err != nil {
		m.logger.Error("journal prune failed", zap.Error(err))
		return
	}
	m.logger.Info("journal pruned", zap.Int64("rows", n))
}

func (m *Maintenance) cleanup() {
	if n := m.RunCleanup(); n > 0 {
		m.logger.Debug("rate limiter cleaned", zap.Int("entries", n))
	}
}
