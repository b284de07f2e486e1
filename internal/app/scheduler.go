/**
 * @description
 * Cron scheduler setup for the session refresh and ledger maintenance ticks.
 */
package app

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/khainguyen105/waitlistdup-sub001/internal/config"
)

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	sugar *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *zap.Logger
	config config.Config
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *zap.Logger, cfg config.Config) *Scheduler {
	c := cron.New(cron.WithChain(cron.Recover(cronLogger{sugar: logger.Sugar()})))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(s.config.SessionRefreshSchedule, s.jobs.RefreshSessions); err != nil {
		s.logger.Error("failed to schedule session refresh job", zap.Error(err))
	} else {
		s.logger.Info("scheduled session refresh job", zap.String("schedule", s.config.SessionRefreshSchedule))
	}

	if _, err := s.cron.AddFunc(s.config.LedgerMaintenanceSchedule, s.jobs.MaintainLedger); err != nil {
		s.logger.Error("failed to schedule ledger maintenance job", zap.Error(err))
	} else {
		s.logger.Info("scheduled ledger maintenance job", zap.String("schedule", s.config.LedgerMaintenanceSchedule))
	}

	if _, err := s.cron.AddFunc(s.config.CheckpointSchedule, s.jobs.CheckpointLedger); err != nil {
		s.logger.Error("failed to schedule ledger checkpoint job", zap.Error(err))
	} else {
		s.logger.Info("scheduled ledger checkpoint job", zap.String("schedule", s.config.CheckpointSchedule))
	}

	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// Entries reports how many jobs are registered.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}
