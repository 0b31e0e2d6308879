package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"example.com/backstage/services/eventflo/config"
	"example.com/backstage/services/eventflo/internal/metrics"
	"example.com/backstage/services/eventflo/internal/models"
	"example.com/backstage/services/eventflo/internal/repositories"
)

// Database couples the session factory with the lifecycle of the underlying connection
type Database struct {
	Sessions repositories.Sessions
	db       *gorm.DB
}

// Open connects to the configured driver. The memory driver needs no DSN.
func Open(cfg config.DatabaseConfig, m *metrics.Metrics) (*Database, error) {
	if cfg.Driver == "memory" {
		log.Warn().Msg("using in-memory record store, data will not survive a restart")
		return &Database{Sessions: repositories.NewMemoryStore()}, nil
	}

	db, err := Connect(cfg, m)
	if err != nil {
		return nil, err
	}
	return &Database{Sessions: repositories.NewGormDatabase(db), db: db}, nil
}

// Connect establishes a connection to PostgreSQL
func Connect(cfg config.DatabaseConfig, m *metrics.Metrics) (*gorm.DB, error) {
	logLevel := logger.Error
	adapterLevel := zerolog.WarnLevel
	if cfg.Debug {
		logLevel = logger.Info
		adapterLevel = zerolog.DebugLevel
	}

	gormLogger := logger.New(
		&logAdapter{level: adapterLevel},
		logger.Config{
			SlowThreshold:             cfg.SlowThreshold,
			LogLevel:                  logLevel,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger:         gormLogger,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if m != nil {
		if err := RegisterMetricsHooks(db, m); err != nil {
			return nil, fmt.Errorf("failed to register metrics hooks: %w", err)
		}
	}

	log.Info().Msg("connected to database")
	return db, nil
}

// Migrate creates or updates the schema. The memory driver has nothing to migrate.
func (d *Database) Migrate() error {
	if d.db == nil {
		return nil
	}
	return models.SetupModels(d.db)
}

// Ping checks that the database is reachable
func (d *Database) Ping(ctx context.Context) error {
	if d.db == nil {
		return nil
	}
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the database connection
func (d *Database) Close() error {
	if d.db == nil {
		return nil
	}
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// logAdapter routes gorm's printf-style logger into zerolog
type logAdapter struct {
	level zerolog.Level
}

func (l *logAdapter) Printf(format string, args ...interface{}) {
	log.WithLevel(l.level).
		Str("component", "gorm").
		Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

const startTimeKey = "eventflo:start_time"

// RegisterMetricsHooks records the duration and outcome of every create, query and update
func RegisterMetricsHooks(db *gorm.DB, m *metrics.Metrics) error {
	start := func(tx *gorm.DB) {
		tx.InstanceSet(startTimeKey, time.Now())
	}
	finish := func(op string) func(tx *gorm.DB) {
		return func(tx *gorm.DB) {
			name := metrics.QueryDuration + "_" + op
			if v, ok := tx.InstanceGet(startTimeKey); ok {
				if started, ok := v.(time.Time); ok {
					m.RecordDuration(name, started)
				}
			}
			if tx.Error != nil && tx.Error != gorm.ErrRecordNotFound {
				m.RecordError(name)
			} else {
				m.RecordSuccess(name)
			}
		}
	}

	cb := db.Callback()
	hooks := []struct {
		op  string
		err error
	}{
		{"insert", cb.Create().Before("gorm:create").Register("duration:create", start)},
		{"insert", cb.Create().After("gorm:create").Register("metrics:create", finish("insert"))},
		{"select", cb.Query().Before("gorm:query").Register("duration:query", start)},
		{"select", cb.Query().After("gorm:query").Register("metrics:query", finish("select"))},
		{"update", cb.Update().Before("gorm:update").Register("duration:update", start)},
		{"update", cb.Update().After("gorm:update").Register("metrics:update", finish("update"))},
	}
	for _, h := range hooks {
		if h.err != nil {
			return fmt.Errorf("%s hook: %w", h.op, h.err)
		}
	}
	return nil
}
