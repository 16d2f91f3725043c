package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/telesearch/telesearch/internal/model"
)

// NewScheduler returns a stopped scheduler calling task on sched. Start it
// with Start and stop it with Shutdown.
func NewScheduler(ctx context.Context, sched *model.Schedule, task func()) (gocron.Scheduler, error) {
	if sched == nil {
		return nil, errors.New("sync.schedule is nil")
	}
	var job gocron.JobDefinition
	switch {
	case sched.Cron != "":
		if _, err := model.ParseCron(sched.Cron); err != nil {
			return nil, fmt.Errorf("parsing sync.schedule.cron: %w", err)
		}
		job = gocron.CronJob(sched.Cron, false)
		slog.DebugContext(ctx, "successfully parsed", "cron", sched.Cron)
	case sched.Duration != "":
		d, err := model.ParseISODuration(sched.Duration)
		if err != nil {
			return nil, fmt.Errorf("parsing sync.schedule.duration: %w", err)
		}
		job = gocron.DurationJob(d)
		slog.DebugContext(ctx, "successfully parsed", "duration", d.String())
	default:
		return nil, errors.New("both cron and duration are empty")
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(task),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}

// ScheduledSync returns the task a scheduler runs: start a sync unless one
// is already in progress. Returns whether a run was started.
func (s *Supervisor) ScheduledSync(ctx context.Context) func() bool {
	return func() bool {
		msg, err := s.StartSync(ctx)
		switch {
		case errors.Is(err, ErrAlreadyRunning):
			slog.InfoContext(ctx, "scheduled sync skipped: sync in progress")
			return false
		case err != nil:
			slog.ErrorContext(ctx, "scheduled sync failed", "error", err)
			return false
		}
		slog.InfoContext(ctx, "scheduled sync", "result", msg)
		return true
	}
}
