package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"example.com/backstage/services/eventflo/internal/cache"
	"example.com/backstage/services/eventflo/internal/models"
	"example.com/backstage/services/eventflo/internal/repositories"
	"example.com/backstage/services/eventflo/internal/search"
	"example.com/backstage/services/eventflo/internal/worker"
)

// capturingScheduler records scheduled ids instead of running them
type capturingScheduler struct {
	mu  sync.Mutex
	ids []uuid.UUID
	err error
}

func (c *capturingScheduler) Schedule(_ context.Context, id uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.ids = append(c.ids, id)
	return nil
}

func (c *capturingScheduler) drain() []uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := c.ids
	c.ids = nil
	return ids
}

type fakeSearcher struct {
	query search.ResultQuery
	docs  []search.ResultDocument
}

func (f *fakeSearcher) SearchResults(_ context.Context, q search.ResultQuery) ([]search.ResultDocument, error) {
	f.query = q
	return f.docs, nil
}

func TestEndToEndScenarios(t *testing.T) {
	ctx := context.Background()
	store := repositories.NewMemoryStore()
	scheduler := &capturingScheduler{}
	svc := NewEventService(store, scheduler, EventServiceConfig{})
	processor := NewEventProcessor(store, nil, nil)

	tests := []struct {
		name      string
		eventType string
		payload   models.Payload
		severity  models.Severity
		escalate  bool
		reason    string
	}{
		{"A payment over threshold", "payment_failed", models.Payload{"amount": 1500.0}, models.SeverityCritical, true, "Payment amount is greater than or equal to 1000"},
		{"B minor sla breach", "sla_breach", models.Payload{"minutes_over": 10.0}, models.SeverityWarning, false, "Minor SLA breach"},
		{"C unknown type", "unknown_thing", models.Payload{}, models.SeverityLow, false, "Unknown event type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, err := svc.CreateEvent(ctx, CreateEventInput{EventType: tt.eventType, Payload: tt.payload})
			require.NoError(t, err)
			require.Equal(t, models.StatusQueued, event.Status)

			scheduled := scheduler.drain()
			require.Equal(t, []uuid.UUID{event.ID}, scheduled)

			// creation never runs the processor
			details, err := svc.GetEvent(ctx, event.ID)
			require.NoError(t, err)
			require.Equal(t, models.StatusQueued, details.Status)
			require.Nil(t, details.Result)

			require.NoError(t, processor.Process(ctx, event.ID))

			details, err = svc.GetEvent(ctx, event.ID)
			require.NoError(t, err)
			require.Equal(t, models.StatusCompleted, details.Status)
			require.NotNil(t, details.Result)
			require.Equal(t, tt.severity, details.Result.Severity)
			require.Equal(t, tt.escalate, details.Result.ShouldEscalate)
			require.Equal(t, tt.reason, details.Result.ClassificationReason)
		})
	}
}

func TestEndToEndThroughWorkerPool(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := repositories.NewMemoryStore()
	processor := NewEventProcessor(store, nil, nil)
	pool := worker.NewPool(2, 16, processor.Process, nil)
	go func() { _ = pool.Run(ctx) }()

	svc := NewEventService(store, pool, EventServiceConfig{})
	event, err := svc.CreateEvent(ctx, CreateEventInput{EventType: "system_error"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		details, err := svc.GetEvent(ctx, event.ID)
		return err == nil && details.Status == models.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	details, err := svc.GetEvent(ctx, event.ID)
	require.NoError(t, err)
	require.Equal(t, models.SeverityCritical, details.Result.Severity)
	require.True(t, details.Result.ShouldEscalate)
}

func TestCreateEventValidation(t *testing.T) {
	svc := NewEventService(repositories.NewMemoryStore(), &capturingScheduler{}, EventServiceConfig{})

	_, err := svc.CreateEvent(context.Background(), CreateEventInput{EventType: "   "})
	require.True(t, errors.Is(err, ErrInvalidEvent))

	long := make([]byte, MaxEventTypeLen+1)
	for i := range long {
		long[i] = 'x'
	}
	_, err = svc.CreateEvent(context.Background(), CreateEventInput{EventType: string(long)})
	require.True(t, errors.Is(err, ErrInvalidEvent))

	event, err := svc.CreateEvent(context.Background(), CreateEventInput{EventType: "  payment_failed "})
	require.NoError(t, err)
	require.Equal(t, "payment_failed", event.EventType)
	require.NotNil(t, event.Payload)
}

func TestCreateEventSurvivesSchedulingFailure(t *testing.T) {
	ctx := context.Background()
	store := repositories.NewMemoryStore()
	svc := NewEventService(store, &capturingScheduler{err: worker.ErrQueueFull}, EventServiceConfig{})

	event, err := svc.CreateEvent(ctx, CreateEventInput{EventType: "sla_breach"})
	require.NoError(t, err)

	got, err := store.GetEvent(ctx, event.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusQueued, got.Status)
}

func TestGetEventNotFound(t *testing.T) {
	svc := NewEventService(repositories.NewMemoryStore(), &capturingScheduler{}, EventServiceConfig{})
	_, err := svc.GetEvent(context.Background(), uuid.New())
	require.True(t, errors.Is(err, repositories.ErrNotFound))
}

func TestGetEventCachesTerminalEvents(t *testing.T) {
	ctx := context.Background()
	store := repositories.NewMemoryStore()
	c := cache.NewLocalCache(time.Minute)
	svc := NewEventService(store, &capturingScheduler{}, EventServiceConfig{Cache: c})

	queued, err := svc.CreateEvent(ctx, CreateEventInput{EventType: "system_error"})
	require.NoError(t, err)
	_, err = svc.GetEvent(ctx, queued.ID)
	require.NoError(t, err)
	require.Zero(t, c.ItemCount())

	require.NoError(t, NewEventProcessor(store, nil, nil).Process(ctx, queued.ID))
	first, err := svc.GetEvent(ctx, queued.ID)
	require.NoError(t, err)
	require.Equal(t, 1, c.ItemCount())

	var cached EventDetails
	require.NoError(t, c.Get(ctx, cache.EventCacheKey(queued.ID), &cached))
	require.Equal(t, models.StatusCompleted, cached.Status)
	require.Equal(t, first.Result.Severity, cached.Result.Severity)

	second, err := svc.GetEvent(ctx, queued.ID)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, models.StatusCompleted, second.Status)
}

func TestListEventsLimits(t *testing.T) {
	ctx := context.Background()
	store := repositories.NewMemoryStore()
	svc := NewEventService(store, &capturingScheduler{}, EventServiceConfig{})

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 25; i++ {
		event := models.NewEvent("login", nil, nil, base.Add(time.Duration(i)*time.Second))
		require.NoError(t, store.InsertEvent(ctx, event))
	}

	events, err := svc.ListEvents(ctx, 0)
	require.NoError(t, err)
	require.Len(t, events, DefaultListLimit)
	require.True(t, events[0].CreatedAt.After(events[1].CreatedAt))

	events, err = svc.ListEvents(ctx, 5)
	require.NoError(t, err)
	require.Len(t, events, 5)

	require.Equal(t, MaxListLimit, NormalizeLimit(1000))
}

func TestSearchResults(t *testing.T) {
	svc := NewEventService(repositories.NewMemoryStore(), &capturingScheduler{}, EventServiceConfig{})
	_, err := svc.SearchResults(context.Background(), search.ResultQuery{})
	require.ErrorIs(t, err, ErrSearchDisabled)

	searcher := &fakeSearcher{docs: []search.ResultDocument{{EventID: "x", Severity: models.SeverityHigh}}}
	svc = NewEventService(repositories.NewMemoryStore(), &capturingScheduler{}, EventServiceConfig{Searcher: searcher})
	docs, err := svc.SearchResults(context.Background(), search.ResultQuery{Severity: models.SeverityHigh})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, DefaultListLimit, searcher.query.Limit)
}

func TestRequeueStale(t *testing.T) {
	ctx := context.Background()
	store := repositories.NewMemoryStore()
	scheduler := &capturingScheduler{}
	svc := NewEventService(store, scheduler, EventServiceConfig{})

	old := models.NewEvent("system_error", nil, nil, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, store.InsertEvent(ctx, old))

	inFlight := models.NewEvent("system_error", nil, nil, time.Now().UTC().Add(-time.Hour))
	inFlight.Status = models.StatusProcessing
	require.NoError(t, store.InsertEvent(ctx, inFlight))

	fresh := models.NewEvent("system_error", nil, nil, time.Now().UTC())
	require.NoError(t, store.InsertEvent(ctx, fresh))

	n, err := svc.RequeueStale(ctx, 10*time.Minute, 50)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []uuid.UUID{old.ID}, scheduler.drain())
}

func TestRequeueStaleStopsWhenQueueFull(t *testing.T) {
	ctx := context.Background()
	store := repositories.NewMemoryStore()
	for i := 0; i < 3; i++ {
		require.NoError(t, store.InsertEvent(ctx, models.NewEvent("x", nil, nil, time.Now().UTC().Add(-time.Hour))))
	}

	svc := NewEventService(store, &capturingScheduler{err: worker.ErrQueueFull}, EventServiceConfig{})
	n, err := svc.RequeueStale(ctx, time.Minute, 10)
	require.NoError(t, err)
	require.Zero(t, n)
}
