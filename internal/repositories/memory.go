package repositories

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"example.com/backstage/services/eventflo/internal/models"
)

// MemoryStore keeps records in process memory. It backs local development
// (database.driver=memory) and tests; nothing survives a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	events  map[uuid.UUID]models.Event
	results map[uuid.UUID]models.ProcessingResult
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:  make(map[uuid.UUID]models.Event),
		results: make(map[uuid.UUID]models.ProcessingResult),
	}
}

// WithSession implements Sessions. Every session shares the same maps, guarded by the store lock.
func (m *MemoryStore) WithSession(ctx context.Context, fn func(store Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(m)
}

func (m *MemoryStore) InsertEvent(_ context.Context, event *models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.events[event.ID]; ok {
		return errors.Wrapf(ErrDuplicateKey, "event %s already exists", event.ID)
	}
	m.events[event.ID] = copyEvent(*event)
	return nil
}

func (m *MemoryStore) GetEvent(_ context.Context, id uuid.UUID) (*models.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	event, ok := m.events[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "event %s", id)
	}
	out := copyEvent(event)
	return &out, nil
}

func (m *MemoryStore) UpdateEvent(_ context.Context, event *models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.events[event.ID] = copyEvent(*event)
	return nil
}

func (m *MemoryStore) UpdateEventIfStatus(_ context.Context, event *models.Event, from models.EventStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.events[event.ID]
	if !ok || stored.Status != from {
		return errors.Wrapf(ErrConflict, "event %s is no longer %s", event.ID, from)
	}
	m.events[event.ID] = withLifecycle(stored, event)
	return nil
}

func (m *MemoryStore) InsertResult(_ context.Context, result *models.ProcessingResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.insertResultLocked(*result)
}

func (m *MemoryStore) insertResultLocked(result models.ProcessingResult) error {
	if _, ok := m.results[result.EventID]; ok {
		return errors.Wrapf(ErrDuplicateKey, "processing result for event %s already exists", result.EventID)
	}
	if _, ok := m.events[result.EventID]; !ok {
		return errors.Errorf("processing result references missing event %s", result.EventID)
	}
	result.Event = nil
	m.results[result.EventID] = result
	return nil
}

func (m *MemoryStore) GetResult(_ context.Context, eventID uuid.UUID) (*models.ProcessingResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result, ok := m.results[eventID]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "processing result for event %s", eventID)
	}
	return &result, nil
}

func (m *MemoryStore) ListEvents(_ context.Context, limit int) ([]models.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return listNewest(m.events, limit), nil
}

func (m *MemoryStore) ListStaleQueued(_ context.Context, cutoff time.Time, limit int) ([]models.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stale []models.Event
	for _, event := range m.events {
		if event.Status == models.StatusQueued && event.CreatedAt.Before(cutoff) {
			stale = append(stale, copyEvent(event))
		}
	}
	sort.Slice(stale, func(i, j int) bool {
		return stale[i].CreatedAt.Before(stale[j].CreatedAt)
	})
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

// Transaction stages writes in a memoryTx and applies them under one lock
// only when fn succeeds.
func (m *MemoryStore) Transaction(ctx context.Context, fn func(tx Store) error) error {
	tx := &memoryTx{
		parent:  m,
		events:  make(map[uuid.UUID]models.Event),
		results: make(map[uuid.UUID]models.ProcessingResult),
		expect:  make(map[uuid.UUID]models.EventStatus),
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

// Len reports how many events and results are stored
func (m *MemoryStore) Len() (events, results int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events), len(m.results)
}

// memoryTx buffers writes until commit; reads see staged writes first.
// expect holds the stored status each conditional update was made against.
type memoryTx struct {
	parent  *MemoryStore
	events  map[uuid.UUID]models.Event
	results map[uuid.UUID]models.ProcessingResult
	expect  map[uuid.UUID]models.EventStatus
	order   []uuid.UUID
}

func (t *memoryTx) InsertEvent(ctx context.Context, event *models.Event) error {
	if _, err := t.GetEvent(ctx, event.ID); err == nil {
		return errors.Wrapf(ErrDuplicateKey, "event %s already exists", event.ID)
	}
	t.events[event.ID] = copyEvent(*event)
	return nil
}

func (t *memoryTx) GetEvent(ctx context.Context, id uuid.UUID) (*models.Event, error) {
	if event, ok := t.events[id]; ok {
		out := copyEvent(event)
		return &out, nil
	}
	return t.parent.GetEvent(ctx, id)
}

func (t *memoryTx) UpdateEvent(_ context.Context, event *models.Event) error {
	t.events[event.ID] = copyEvent(*event)
	return nil
}

func (t *memoryTx) UpdateEventIfStatus(ctx context.Context, event *models.Event, from models.EventStatus) error {
	current, err := t.GetEvent(ctx, event.ID)
	if err != nil || current.Status != from {
		return errors.Wrapf(ErrConflict, "event %s is no longer %s", event.ID, from)
	}
	if _, staged := t.events[event.ID]; !staged {
		t.expect[event.ID] = from
	}
	t.events[event.ID] = withLifecycle(*current, event)
	return nil
}

func (t *memoryTx) InsertResult(ctx context.Context, result *models.ProcessingResult) error {
	if _, err := t.GetResult(ctx, result.EventID); err == nil {
		return errors.Wrapf(ErrDuplicateKey, "processing result for event %s already exists", result.EventID)
	}
	t.results[result.EventID] = *result
	t.order = append(t.order, result.EventID)
	return nil
}

func (t *memoryTx) GetResult(ctx context.Context, eventID uuid.UUID) (*models.ProcessingResult, error) {
	if result, ok := t.results[eventID]; ok {
		return &result, nil
	}
	return t.parent.GetResult(ctx, eventID)
}

func (t *memoryTx) ListEvents(_ context.Context, limit int) ([]models.Event, error) {
	t.parent.mu.RLock()
	merged := make(map[uuid.UUID]models.Event, len(t.parent.events)+len(t.events))
	for id, event := range t.parent.events {
		merged[id] = event
	}
	t.parent.mu.RUnlock()

	for id, event := range t.events {
		merged[id] = event
	}
	return listNewest(merged, limit), nil
}

func (t *memoryTx) ListStaleQueued(ctx context.Context, cutoff time.Time, limit int) ([]models.Event, error) {
	return t.parent.ListStaleQueued(ctx, cutoff, limit)
}

func (t *memoryTx) Transaction(_ context.Context, fn func(tx Store) error) error {
	return fn(t)
}

func (t *memoryTx) commit() error {
	p := t.parent
	p.mu.Lock()
	defer p.mu.Unlock()

	// validate everything before the first write so commit is all-or-nothing
	for id, from := range t.expect {
		if stored, ok := p.events[id]; !ok || stored.Status != from {
			return errors.Wrapf(ErrConflict, "event %s is no longer %s", id, from)
		}
	}
	for _, id := range t.order {
		if _, ok := p.results[id]; ok {
			return errors.Wrapf(ErrDuplicateKey, "processing result for event %s already exists", id)
		}
		_, staged := t.events[id]
		_, stored := p.events[id]
		if !staged && !stored {
			return errors.Errorf("processing result references missing event %s", id)
		}
	}
	for id, event := range t.events {
		p.events[id] = event
	}
	for _, id := range t.order {
		result := t.results[id]
		result.Event = nil
		p.results[id] = result
	}
	return nil
}

func listNewest(events map[uuid.UUID]models.Event, limit int) []models.Event {
	out := make([]models.Event, 0, len(events))
	for _, event := range events {
		out = append(out, copyEvent(event))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// withLifecycle applies the status columns of event onto stored
func withLifecycle(stored models.Event, event *models.Event) models.Event {
	stored.Status = event.Status
	stored.ErrorMessage = nil
	if event.ErrorMessage != nil {
		msg := *event.ErrorMessage
		stored.ErrorMessage = &msg
	}
	stored.UpdatedAt = event.UpdatedAt
	return stored
}

func copyEvent(event models.Event) models.Event {
	if event.Payload != nil {
		payload := make(models.Payload, len(event.Payload))
		for k, v := range event.Payload {
			payload[k] = v
		}
		event.Payload = payload
	}
	if event.ErrorMessage != nil {
		msg := *event.ErrorMessage
		event.ErrorMessage = &msg
	}
	return event
}
