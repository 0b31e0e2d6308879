package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/eventflo/internal/classification"
	"example.com/backstage/services/eventflo/internal/metrics"
	"example.com/backstage/services/eventflo/internal/models"
	"example.com/backstage/services/eventflo/internal/repositories"
	"example.com/backstage/services/eventflo/internal/tracing"
)

// processor steps, used in errors and trace segments
const (
	stepLoad           = "load"
	stepMarkProcessing = "mark-processing"
	stepClassify       = "classify"
	stepPersistResult  = "persist-result"
)

// Classifier maps an event to its classification
type Classifier func(eventType string, payload models.Payload) classification.Outcome

// ResultSink receives every completed event after its result has been committed
type ResultSink interface {
	Name() string
	Deliver(ctx context.Context, event *models.Event, result *models.ProcessingResult) error
}

// EventProcessor drives one event from queued to a terminal state
type EventProcessor struct {
	sessions repositories.Sessions
	classify Classifier
	sinks    []ResultSink
	metrics  *metrics.Metrics
	tracer   tracing.Tracer
	now      func() time.Time
}

// ProcessorOption customises an EventProcessor
type ProcessorOption func(*EventProcessor)

// WithResultSinks registers sinks that run after a successful commit
func WithResultSinks(sinks ...ResultSink) ProcessorOption {
	return func(p *EventProcessor) {
		for _, s := range sinks {
			if s != nil {
				p.sinks = append(p.sinks, s)
			}
		}
	}
}

// WithClassifier replaces the decision table
func WithClassifier(c Classifier) ProcessorOption {
	return func(p *EventProcessor) { p.classify = c }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) ProcessorOption {
	return func(p *EventProcessor) { p.now = now }
}

// NewEventProcessor creates a processor. Nil metrics or tracer disable them.
func NewEventProcessor(sessions repositories.Sessions, m *metrics.Metrics, tracer tracing.Tracer, opts ...ProcessorOption) *EventProcessor {
	if m == nil {
		m = metrics.NewMetrics()
	}
	if tracer == nil {
		tracer = tracing.Disabled()
	}
	p := &EventProcessor{
		sessions: sessions,
		classify: classification.Classify,
		metrics:  m,
		tracer:   tracer,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process runs the pipeline for one event on its own session. Any failure after
// the event has been claimed leaves it failed with the failure message; the
// returned error is always a *ProcessError.
func (p *EventProcessor) Process(ctx context.Context, id uuid.UUID) error {
	start := time.Now()
	txn := p.tracer.StartTransaction("process-event")
	defer p.tracer.EndTransaction(txn)
	p.tracer.AddAttribute(txn, "event_id", id.String())

	logger := log.With().Str("event_id", id.String()).Logger()

	var (
		event  *models.Event
		result *models.ProcessingResult
	)
	err := p.sessions.WithSession(ctx, func(store repositories.Store) error {
		var runErr error
		event, result, runErr = p.run(ctx, txn, store, id, logger)
		return runErr
	})
	p.metrics.RecordDuration(metrics.ProcessDuration, start)

	if err != nil {
		var perr *ProcessError
		if !errors.As(err, &perr) {
			perr = &ProcessError{EventID: id, Kind: KindPersistence, Step: "open-session", Err: err}
		}
		p.recordFailure(txn, perr, logger)
		return perr
	}

	p.metrics.RecordSuccess(metrics.ProcessRuns)
	p.metrics.IncrementCounter(metrics.EventsCompleted)
	p.metrics.IncrementCounter(metrics.SeverityCounterPrefix + strings.ToLower(string(result.Severity)))
	if result.ShouldEscalate {
		p.metrics.IncrementCounter(metrics.EventsEscalated)
	}
	p.tracer.AddAttribute(txn, "severity", string(result.Severity))

	logger.Info().
		Str("event_type", event.EventType).
		Str("severity", string(result.Severity)).
		Bool("escalate", result.ShouldEscalate).
		Dur("took", time.Since(start)).
		Msg("event processed")

	p.deliver(ctx, event, result, logger)
	return nil
}

func (p *EventProcessor) run(ctx context.Context, txn *newrelic.Transaction, store repositories.Store, id uuid.UUID, logger zerolog.Logger) (*models.Event, *models.ProcessingResult, error) {
	seg := p.tracer.StartSegment(txn, stepLoad)
	event, err := store.GetEvent(ctx, id)
	seg.End()
	if err != nil {
		kind := KindPersistence
		if errors.Is(err, repositories.ErrNotFound) {
			kind = KindNotFound
		}
		// nothing was loaded, so there is no record to annotate
		return nil, nil, &ProcessError{EventID: id, Kind: kind, Step: stepLoad, Err: err}
	}

	if err := claimable(event); err != nil {
		return nil, nil, &ProcessError{EventID: id, Kind: KindInvalidState, Step: stepLoad, Err: err}
	}

	if perr := p.claim(ctx, txn, store, event); perr != nil {
		if perr.Kind != KindInvalidState {
			// the claim never landed, so the row is still queued
			p.markFailed(ctx, store, event, models.StatusQueued, perr, logger)
		}
		return nil, nil, perr
	}

	result, perr := p.advance(ctx, txn, store, event)
	if perr != nil {
		p.markFailed(ctx, store, event, models.StatusProcessing, perr, logger)
		return nil, nil, perr
	}
	return event, result, nil
}

// claimable only lets queued events through
func claimable(event *models.Event) error {
	switch event.Status {
	case models.StatusQueued:
		return nil
	case models.StatusProcessing:
		return errors.Wrapf(ErrInFlight, "event %s", event.ID)
	case models.StatusCompleted, models.StatusFailed:
		return errors.Wrapf(ErrAlreadyTerminal, "event %s is %s", event.ID, event.Status)
	}
	return errors.Wrapf(models.ErrInvalidTransition, "event %s has unknown status %q", event.ID, event.Status)
}

// claim is the write-ahead step: it moves the event to processing only if
// no other run got there first.
func (p *EventProcessor) claim(ctx context.Context, txn *newrelic.Transaction, store repositories.Store, event *models.Event) *ProcessError {
	seg := p.tracer.StartSegment(txn, stepMarkProcessing)
	defer seg.End()

	if err := event.Transition(models.StatusProcessing, p.now()); err != nil {
		return &ProcessError{EventID: event.ID, Kind: KindInvalidState, Step: stepMarkProcessing, Err: err}
	}
	err := store.UpdateEventIfStatus(ctx, event, models.StatusQueued)
	switch {
	case errors.Is(err, repositories.ErrConflict):
		return &ProcessError{EventID: event.ID, Kind: KindInvalidState, Step: stepMarkProcessing,
			Err: errors.Wrapf(ErrInFlight, "event %s was claimed by another run", event.ID)}
	case err != nil:
		return &ProcessError{EventID: event.ID, Kind: KindPersistence, Step: stepMarkProcessing, Err: err}
	}
	return nil
}

// advance classifies a claimed event and commits its result. On success
// event holds the completed state.
func (p *EventProcessor) advance(ctx context.Context, txn *newrelic.Transaction, store repositories.Store, event *models.Event) (*models.ProcessingResult, *ProcessError) {
	fail := func(kind ErrorKind, step string, err error) *ProcessError {
		return &ProcessError{EventID: event.ID, Kind: kind, Step: step, Err: err}
	}

	seg := p.tracer.StartSegment(txn, stepClassify)
	outcome, err := p.safeClassify(event)
	seg.End()
	if err != nil {
		return nil, fail(KindClassification, stepClassify, err)
	}

	now := p.now()
	result := &models.ProcessingResult{
		EventID:              event.ID,
		Severity:             outcome.Severity,
		ClassificationReason: outcome.Reason,
		Recommendation:       outcome.Recommendation,
		ShouldEscalate:       outcome.Escalate,
		ProcessedAt:          now,
	}

	// work on a copy so a rolled back commit leaves event in processing
	completed := *event
	seg = p.tracer.StartSegment(txn, stepPersistResult)
	err = store.Transaction(ctx, func(tx repositories.Store) error {
		if err := tx.InsertResult(ctx, result); err != nil {
			return err
		}
		if err := completed.Transition(models.StatusCompleted, now); err != nil {
			return err
		}
		if err := completed.Validate(); err != nil {
			return err
		}
		return tx.UpdateEventIfStatus(ctx, &completed, models.StatusProcessing)
	})
	seg.End()
	if err != nil {
		return nil, fail(KindPersistence, stepPersistResult, err)
	}

	*event = completed
	return result, nil
}

func (p *EventProcessor) safeClassify(event *models.Event) (outcome classification.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("classifier panicked: %v", r)
		}
	}()

	outcome = p.classify(event.EventType, event.Payload)
	if outcome.Severity.Rank() == 0 {
		return outcome, fmt.Errorf("classifier returned unknown severity %q", outcome.Severity)
	}
	return outcome, nil
}

// markFailed is the run boundary's failed write. It must be the last write of
// the run, and it only lands while the stored status is still from.
func (p *EventProcessor) markFailed(ctx context.Context, store repositories.Store, event *models.Event, from models.EventStatus, perr *ProcessError, logger zerolog.Logger) {
	if err := event.MarkFailed(perr.Err.Error(), p.now()); err != nil {
		perr.MarkErr = err
		logger.Error().Err(err).Msg("cannot move event to failed")
		return
	}
	if err := store.UpdateEventIfStatus(context.WithoutCancel(ctx), event, from); err != nil {
		perr.MarkErr = err
		logger.Error().Err(err).Str("step", perr.Step).Msg("failed to persist failed status")
		return
	}
	p.metrics.IncrementCounter(metrics.EventsFailed)
}

func (p *EventProcessor) recordFailure(txn *newrelic.Transaction, perr *ProcessError, logger zerolog.Logger) {
	p.tracer.RecordError(txn, perr)
	p.tracer.AddAttribute(txn, "error_kind", string(perr.Kind))

	switch perr.Kind {
	case KindNotFound, KindInvalidState:
		p.metrics.IncrementCounter(metrics.EventsRejected)
		logger.Warn().Err(perr.Err).Str("kind", string(perr.Kind)).Msg("event processing rejected")
	default:
		p.metrics.RecordError(metrics.ProcessRuns)
		logger.Error().Err(perr.Err).Str("kind", string(perr.Kind)).Str("step", perr.Step).Msg("event processing failed")
	}
}

func (p *EventProcessor) deliver(ctx context.Context, event *models.Event, result *models.ProcessingResult, logger zerolog.Logger) {
	for _, sink := range p.sinks {
		if err := sink.Deliver(ctx, event, result); err != nil {
			p.metrics.IncrementCounter(metrics.ResultSinkErrors)
			logger.Warn().Err(err).Str("sink", sink.Name()).Msg("result sink failed")
		}
	}
}
