package worker

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// RunSweeper invokes task every interval until ctx is cancelled. Runs never overlap.
func RunSweeper(ctx context.Context, interval time.Duration, task func(ctx context.Context) error) error {
	if interval <= 0 {
		return errors.Errorf("sweep interval must be positive, got %s", interval)
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return errors.Wrap(err, "failed to create sweep scheduler")
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if err := task(ctx); err != nil {
				log.Error().Err(err).Msg("stale event sweep failed")
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName("requeue-stale-events"),
	)
	if err != nil {
		return errors.Wrap(err, "failed to register sweep job")
	}

	log.Info().Dur("interval", interval).Msg("starting stale event sweeper")
	scheduler.Start()

	<-ctx.Done()
	return scheduler.Shutdown()
}
