/**
 * @description
 * Scheduled job implementations for the auth service.
 */
package app

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/khainguyen105/waitlistdup-sub001/internal/metrics"
	"github.com/khainguyen105/waitlistdup-sub001/internal/snapshot"
)

// SessionRefresher walks the live client instances.
type SessionRefresher interface {
	RefreshAll(ctx context.Context) (active, expired int)
}

// LedgerMaintainer defines the ledger operations needed by the jobs.
type LedgerMaintainer interface {
	CleanupExpiredAttempts() int
	CleanupExpiredLocks() int
	State() snapshot.SecurityState
	Restore(st snapshot.SecurityState)
}

// SecurityCheckpointer persists the ledger.
type SecurityCheckpointer interface {
	SaveSecurity(ctx context.Context, st snapshot.SecurityState) error
	LoadSecurity(ctx context.Context) (snapshot.SecurityState, bool, error)
}

const jobTimeout = 30 * time.Second

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	sessions     SessionRefresher
	ledger       LedgerMaintainer
	checkpointer SecurityCheckpointer
	logger       *zap.Logger
}

// NewJobs creates a new Jobs runner. checkpointer may be nil when state is not persisted.
func NewJobs(sessions SessionRefresher, ledger LedgerMaintainer, checkpointer SecurityCheckpointer, logger *zap.Logger) *Jobs {
	return &Jobs{
		sessions:     sessions,
		ledger:       ledger,
		checkpointer: checkpointer,
		logger:       logger,
	}
}

// RefreshSessions extends sessions close to expiry and drops expired ones.
func (j *Jobs) RefreshSessions() {
	j.logger.Info("starting session refresh job")
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	active, expired := j.sessions.RefreshAll(ctx)
	metrics.MaintenanceRuns.WithLabelValues("session_refresh", "ok").Inc()
	j.logger.Info("session refresh job finished", zap.Int("active", active), zap.Int("expired", expired))
}

// MaintainLedger prunes login attempts outside the lockout window and clears
// expired PIN locks.
func (j *Jobs) MaintainLedger() {
	j.logger.Info("starting ledger maintenance job")

	attempts := j.ledger.CleanupExpiredAttempts()
	locks := j.ledger.CleanupExpiredLocks()
	metrics.MaintenanceRuns.WithLabelValues("ledger_maintenance", "ok").Inc()

	j.logger.Info("ledger maintenance job finished",
		zap.Int("attempts_removed", attempts),
		zap.Int("pin_locks_cleared", locks),
	)
}

// CheckpointLedger saves the ledger to the configured state backend.
func (j *Jobs) CheckpointLedger() {
	if j.checkpointer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	if err := j.SaveLedger(ctx); err != nil {
		metrics.MaintenanceRuns.WithLabelValues("ledger_checkpoint", "error").Inc()
		j.logger.Error("failed to checkpoint ledger", zap.Error(err))
		return
	}
	metrics.MaintenanceRuns.WithLabelValues("ledger_checkpoint", "ok").Inc()
	j.logger.Debug("ledger checkpoint job finished")
}

// SaveLedger writes the ledger state once. It is also called at shutdown.
func (j *Jobs) SaveLedger(ctx context.Context) error {
	if j.checkpointer == nil {
		return nil
	}
	return j.checkpointer.SaveSecurity(ctx, j.ledger.State())
}

// RestoreLedger loads the last checkpoint into the ledger. It reports whether one was found.
func (j *Jobs) RestoreLedger(ctx context.Context) (bool, error) {
	if j.checkpointer == nil {
		return false, nil
	}
	st, found, err := j.checkpointer.LoadSecurity(ctx)
	if err != nil || !found {
		return false, err
	}
	j.ledger.Restore(st)
	j.logger.Info("restored security ledger",
		zap.Int("pin_records", len(st.PinRecords)),
		zap.Int("login_attempts", len(st.LoginAttempts)),
	)
	return true, nil
}
