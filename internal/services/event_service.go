package services

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/eventflo/internal/cache"
	"example.com/backstage/services/eventflo/internal/metrics"
	"example.com/backstage/services/eventflo/internal/models"
	"example.com/backstage/services/eventflo/internal/repositories"
	"example.com/backstage/services/eventflo/internal/search"
	"example.com/backstage/services/eventflo/internal/tracing"
	"example.com/backstage/services/eventflo/internal/worker"
)

// Listing limits
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
	MaxEventTypeLen  = 128
)

// CreateEventInput is the data needed to record a new event
type CreateEventInput struct {
	EventType string
	Source    *string
	Payload   models.Payload
}

// EventDetails is an event together with its classification, if it has one
type EventDetails struct {
	models.Event
	Result *models.ProcessingResult `json:"result"`
}

// ResultSearcher queries the results projection
type ResultSearcher interface {
	SearchResults(ctx context.Context, q search.ResultQuery) ([]search.ResultDocument, error)
}

// EventService handles ingestion and queries. It never runs the processor itself.
type EventService struct {
	sessions  repositories.Sessions
	scheduler worker.Scheduler
	cache     cache.Cache
	cacheTTL  time.Duration
	searcher  ResultSearcher
	metrics   *metrics.Metrics
	tracer    tracing.Tracer
	now       func() time.Time
}

// EventServiceConfig carries the optional collaborators of an EventService
type EventServiceConfig struct {
	Cache    cache.Cache
	CacheTTL time.Duration
	Searcher ResultSearcher
	Metrics  *metrics.Metrics
	Tracer   tracing.Tracer
}

// NewEventService creates a new event service
func NewEventService(sessions repositories.Sessions, scheduler worker.Scheduler, cfg EventServiceConfig) *EventService {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewMetrics()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = tracing.Disabled()
	}
	return &EventService{
		sessions:  sessions,
		scheduler: scheduler,
		cache:     cfg.Cache,
		cacheTTL:  cfg.CacheTTL,
		searcher:  cfg.Searcher,
		metrics:   cfg.Metrics,
		tracer:    cfg.Tracer,
		now:       time.Now,
	}
}

// CreateEvent stores a queued event and asks the scheduler to process it.
// A scheduling failure does not fail creation; the sweeper picks the event up later.
func (s *EventService) CreateEvent(ctx context.Context, in CreateEventInput) (*models.Event, error) {
	txn := tracing.FromContext(ctx)

	eventType := strings.TrimSpace(in.EventType)
	if eventType == "" || len(eventType) > MaxEventTypeLen {
		return nil, errors.Wrapf(ErrInvalidEvent, "event_type must be 1..%d characters", MaxEventTypeLen)
	}

	event := models.NewEvent(eventType, in.Payload, in.Source, s.now().UTC())

	seg := s.tracer.StartSegment(txn, "insert-event")
	err := s.sessions.WithSession(ctx, func(store repositories.Store) error {
		return store.InsertEvent(ctx, event)
	})
	seg.End()
	if err != nil {
		s.tracer.RecordError(txn, err)
		return nil, errors.Wrap(err, "failed to create event")
	}
	s.metrics.IncrementCounter(metrics.EventsIngested)

	log.Info().
		Str("event_id", event.ID.String()).
		Str("event_type", event.EventType).
		Msg("event queued")

	if err := s.scheduler.Schedule(ctx, event.ID); err != nil {
		log.Warn().Err(err).Str("event_id", event.ID.String()).Msg("failed to schedule event, sweeper will retry")
	}
	return event, nil
}

// GetEvent returns an event and its result. Terminal events are served from cache when possible.
func (s *EventService) GetEvent(ctx context.Context, id uuid.UUID) (*EventDetails, error) {
	key := cache.EventCacheKey(id)
	if s.cache != nil {
		var cached EventDetails
		err := s.cache.Get(ctx, key, &cached)
		if err == nil {
			return &cached, nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			log.Warn().Err(err).Str("event_id", id.String()).Msg("cache read failed")
		}
	}

	var details EventDetails
	err := s.sessions.WithSession(ctx, func(store repositories.Store) error {
		event, err := store.GetEvent(ctx, id)
		if err != nil {
			return err
		}
		details.Event = *event

		if event.Status != models.StatusCompleted {
			return nil
		}
		result, err := store.GetResult(ctx, id)
		if err != nil {
			return err
		}
		details.Result = result
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get event %s", id)
	}

	if s.cache != nil && details.Status.IsTerminal() {
		if err := s.cache.Set(ctx, key, details, s.cacheTTL); err != nil {
			log.Warn().Err(err).Str("event_id", id.String()).Msg("cache write failed")
		}
	}
	return &details, nil
}

// ListEvents returns the newest events first
func (s *EventService) ListEvents(ctx context.Context, limit int) ([]models.Event, error) {
	limit = NormalizeLimit(limit)

	var events []models.Event
	err := s.sessions.WithSession(ctx, func(store repositories.Store) error {
		var err error
		events, err = store.ListEvents(ctx, limit)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list events")
	}
	return events, nil
}

// SearchResults queries the results projection
func (s *EventService) SearchResults(ctx context.Context, q search.ResultQuery) ([]search.ResultDocument, error) {
	if s.searcher == nil {
		return nil, ErrSearchDisabled
	}
	q.Limit = NormalizeLimit(q.Limit)

	docs, err := s.searcher.SearchResults(ctx, q)
	if err != nil {
		return nil, errors.Wrap(err, "failed to search results")
	}
	return docs, nil
}

// RequeueStale schedules events that have waited in queued for longer than olderThan.
// It stops early when the scheduler is full and reports how many were scheduled.
func (s *EventService) RequeueStale(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	cutoff := s.now().UTC().Add(-olderThan)

	var stale []models.Event
	err := s.sessions.WithSession(ctx, func(store repositories.Store) error {
		var err error
		stale, err = store.ListStaleQueued(ctx, cutoff, limit)
		return err
	})
	if err != nil {
		return 0, errors.Wrap(err, "failed to list stale events")
	}

	scheduled := 0
	for _, event := range stale {
		if err := s.scheduler.Schedule(ctx, event.ID); err != nil {
			if errors.Is(err, worker.ErrQueueFull) {
				log.Warn().Int("remaining", len(stale)-scheduled).Msg("worker queue full, stopping sweep")
				break
			}
			log.Error().Err(err).Str("event_id", event.ID.String()).Msg("failed to requeue event")
			continue
		}
		scheduled++
	}

	if scheduled > 0 {
		s.metrics.IncrementCounterBy(metrics.EventsRequeued, int64(scheduled))
		log.Info().Int("count", scheduled).Msg("requeued stale events")
	}
	return scheduled, nil
}

// NormalizeLimit applies the default and maximum page size
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
