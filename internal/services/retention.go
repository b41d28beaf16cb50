package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/aigoflow/arena/internal/repository"
)

// RetentionJob prunes sessions, stream logs and events older than the
// retention window from the local mirror
type RetentionJob struct {
	repo     repository.Repository
	window   time.Duration
	schedule string
	logger   *slog.Logger
	now      func() time.Time
}

func NewRetentionJob(repo repository.Repository, window time.Duration, schedule string, logger *slog.Logger) *RetentionJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetentionJob{
		repo:     repo,
		window:   window,
		schedule: schedule,
		logger:   logger,
		now:      time.Now,
	}
}

// RunOnce deletes everything older than the window and returns the number
// of sessions removed
func (j *RetentionJob) RunOnce(ctx context.Context) (int64, error) {
	cutoff := j.now().Add(-j.window)

	sessions, err := j.repo.Session().DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune sessions: %w", err)
	}
	events, err := j.repo.Event().PruneEvents(ctx, cutoff)
	if err != nil {
		return sessions, fmt.Errorf("failed to prune events: %w", err)
	}

	j.logger.Info("Retention pass finished",
		"cutoff", cutoff.Format(time.RFC3339),
		"sessions", sessions,
		"events", events)
	return sessions, nil
}

// Start runs the job on its cron schedule until ctx is done. A zero window
// disables retention.
func (j *RetentionJob) Start(ctx context.Context) error {
	if j.window <= 0 {
		j.logger.Info("Retention disabled")
		return nil
	}

	c := cron.New(cron.WithLocation(time.UTC))
	_, err := c.AddFunc(j.schedule, func() {
		if _, err := j.RunOnce(ctx); err != nil {
			j.logger.Error("Retention pass failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", j.schedule, err)
	}

	c.Start()
	j.logger.Info("Retention job started", "schedule", j.schedule, "window", j.window)

	<-ctx.Done()
	<-c.Stop().Done()
	j.logger.Info("Retention job stopped")
	return nil
}
