package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"example.com/backstage/services/eventflo/config"
	"example.com/backstage/services/eventflo/internal/api"
	"example.com/backstage/services/eventflo/internal/services"
	"example.com/backstage/services/eventflo/internal/worker"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Start the API server",
	Long: `Start the HTTP API server. With worker.scheduler=local the server also runs
the in-process worker pool and the stale event sweeper; with servicebus it only
enqueues events for the worker command.`,
	RunE: runAPI,
}

func init() {
	rootCmd.AddCommand(apiCmd)
}

func runAPI(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	g, ctx := errgroup.WithContext(ctx)

	var scheduler worker.Scheduler
	switch cfg.Worker.Scheduler {
	case config.SchedulerServiceBus:
		if a.bus == nil {
			return errMissingQueue
		}
		sbScheduler, err := a.bus.NewScheduler()
		if err != nil {
			return err
		}
		a.closers = append(a.closers, sbScheduler.Close)
		scheduler = sbScheduler

	default:
		processor, err := a.processor()
		if err != nil {
			return err
		}
		pool := worker.NewPool(cfg.Worker.PoolSize, cfg.Worker.QueueSize, processor.Process, a.metrics)
		scheduler = pool
		g.Go(func() error {
			return pool.Run(ctx)
		})
	}

	eventService := services.NewEventService(a.db.Sessions, scheduler, a.eventServiceConfig())

	if cfg.Worker.Scheduler == config.SchedulerLocal {
		g.Go(func() error {
			return worker.RunSweeper(ctx, cfg.Worker.SweepInterval, func(ctx context.Context) error {
				_, err := eventService.RequeueStale(ctx, cfg.Worker.StaleAfter, cfg.Worker.SweepLimit)
				return err
			})
		})
	}

	server, err := api.NewServer(cfg.Server, eventService, a.metrics, a.tracer, a.healthChecks())
	if err != nil {
		return err
	}

	g.Go(server.Start)
	g.Go(func() error {
		<-ctx.Done()
		return server.Shutdown(context.Background())
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("API server error")
		return err
	}

	log.Info().Msg("API server stopped")
	return nil
}
