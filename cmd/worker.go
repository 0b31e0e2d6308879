package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"example.com/backstage/services/eventflo/internal/services"
	"example.com/backstage/services/eventflo/internal/worker"
)

var errMissingQueue = errors.New("azure.queue_conn_str is required for the servicebus scheduler")

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background worker",
	Long: `Start the background worker that consumes process requests from Azure
Service Bus, runs the event processor and re-enqueues events left in queued.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
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

	if a.bus == nil {
		return errMissingQueue
	}

	processor, err := a.processor()
	if err != nil {
		return err
	}

	scheduler, err := a.bus.NewScheduler()
	if err != nil {
		return err
	}
	a.closers = append(a.closers, scheduler.Close)

	consumer, err := a.bus.NewConsumer(func(ctx context.Context, id uuid.UUID) error {
		// runs go to a terminal state even when the worker is stopping
		return processor.Process(context.WithoutCancel(ctx), id)
	})
	if err != nil {
		return err
	}
	consumer.Permanent = services.IsRejected
	a.closers = append(a.closers, consumer.Close)

	eventService := services.NewEventService(a.db.Sessions, scheduler, a.eventServiceConfig())

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return consumer.Run(ctx)
	})

	g.Go(func() error {
		return worker.RunSweeper(ctx, cfg.Worker.SweepInterval, func(ctx context.Context) error {
			_, err := eventService.RequeueStale(ctx, cfg.Worker.StaleAfter, cfg.Worker.SweepLimit)
			return err
		})
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	log.Info().Msg("Worker shutting down gracefully")
	return nil
}
