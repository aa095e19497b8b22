/**
 * @description
 * Cron scheduler shared by the mint-service (reconciliation sweep) and the
 * replicator (locate-info replication).
 */
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Job is a named unit of scheduled work.
type Job struct {
	Name     string
	Schedule string
	Run      func()
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// New creates a scheduler whose jobs recover from panics and log through logger.
func New(logger *slog.Logger) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:   c,
		logger: logger,
	}
}

// Register adds the jobs to the schedule. A job with an invalid or empty schedule is
// logged and skipped; the joined errors are returned so callers can decide to abort.
func (s *Scheduler) Register(jobs ...Job) error {
	var errs []error
	for _, job := range jobs {
		if job.Schedule == "" || job.Run == nil {
			s.logger.Warn("job disabled", "job", job.Name)
			continue
		}
		if _, err := s.cron.AddFunc(job.Schedule, job.Run); err != nil {
			s.logger.Error("failed to schedule job", "job", job.Name, "schedule", job.Schedule, "error", err)
			errs = append(errs, fmt.Errorf("schedule %s: %w", job.Name, err))
			continue
		}
		s.logger.Info("scheduled job", "job", job.Name, "schedule", job.Schedule)
	}
	return errors.Join(errs...)
}

// Len returns the number of registered jobs.
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

// Start starts the cron scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the scheduler; the returned context is done once running jobs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
