package cmd

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/eventflo/config"
	"example.com/backstage/services/eventflo/internal/api"
	"example.com/backstage/services/eventflo/internal/cache"
	"example.com/backstage/services/eventflo/internal/database"
	"example.com/backstage/services/eventflo/internal/messaging"
	"example.com/backstage/services/eventflo/internal/metrics"
	"example.com/backstage/services/eventflo/internal/search"
	"example.com/backstage/services/eventflo/internal/services"
	"example.com/backstage/services/eventflo/internal/tracing"
)

// app holds the shared dependencies of every command
type app struct {
	cfg     config.Config
	db      *database.Database
	metrics *metrics.Metrics
	tracer  *tracing.NewRelicTracer
	cache   cache.Cache
	elastic *search.ElasticClient
	bus     *messaging.Client
	closers []func(ctx context.Context) error
}

func loadConfig() (config.Config, error) {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return config.Config{}, err
	}
	configureLogging(cfg)
	return cfg, nil
}

func configureLogging(cfg config.Config) {
	if cfg.Logging.Format == "console" || (cfg.Logging.Format == "" && cfg.Environment == "development") {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	if cfg.Logging.Level == "" {
		return
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Logging.Level))
	if err != nil {
		log.Warn().Str("level", cfg.Logging.Level).Msg("unknown log level, keeping default")
		return
	}
	zerolog.SetGlobalLevel(level)
}

// newApp connects the database and the optional integrations. Optional
// integrations that fail to start are logged and left out.
func newApp(cfg config.Config) (_ *app, err error) {
	a := &app{cfg: cfg, metrics: metrics.NewMetrics(), tracer: tracing.Disabled()}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		tracer = tracing.Disabled()
	}
	a.tracer = tracer

	db, err := database.Open(cfg.DB, a.metrics)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	a.db = db
	a.closers = append(a.closers, func(context.Context) error { return db.Close() })

	if cfg.DB.AutoMigrate {
		if err := db.Migrate(); err != nil {
			return nil, errors.Wrap(err, "failed to run migrations")
		}
	}

	c, err := cache.New(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Redis cache, falling back to local cache")
		c = cache.NewLocalCache(cfg.Redis.TTL)
	}
	a.cache = c
	a.closers = append(a.closers, func(context.Context) error { return c.Close() })

	if cfg.Elastic.Enabled {
		client, err := search.NewElasticClient(cfg.Elastic)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize Elasticsearch client, continuing without search")
		} else {
			a.elastic = client
		}
	}

	if cfg.Azure.QueueConnStr != "" {
		bus, err := messaging.NewClient(cfg.Azure)
		if err != nil {
			return nil, err
		}
		a.bus = bus
		a.closers = append(a.closers, bus.Close)
	}

	return a, nil
}

// processor builds the event processor with every available result sink
func (a *app) processor() (*services.EventProcessor, error) {
	var sinks []services.ResultSink
	if a.elastic != nil {
		sinks = append(sinks, a.elastic)
	}
	if a.bus != nil {
		publisher, err := a.bus.NewEscalationPublisher()
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, publisher.Close)
		sinks = append(sinks, publisher)
	}
	return services.NewEventProcessor(a.db.Sessions, a.metrics, a.tracer, services.WithResultSinks(sinks...)), nil
}

func (a *app) eventServiceConfig() services.EventServiceConfig {
	cfg := services.EventServiceConfig{
		Cache:    a.cache,
		CacheTTL: a.cfg.Redis.TTL,
		Metrics:  a.metrics,
		Tracer:   a.tracer,
	}
	if a.elastic != nil {
		cfg.Searcher = a.elastic
	}
	return cfg
}

func (a *app) healthChecks() map[string]api.HealthCheck {
	return map[string]api.HealthCheck{
		"database": a.db.Ping,
	}
}

// close releases resources in reverse order of acquisition
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			log.Warn().Err(err).Msg("error during shutdown")
		}
	}
	a.tracer.Close()
}
