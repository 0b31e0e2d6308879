package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"example.com/backstage/services/eventflo/internal/models"
)

// Store is the record store used by one unit of work
type Store interface {
	InsertEvent(ctx context.Context, event *models.Event) error
	GetEvent(ctx context.Context, id uuid.UUID) (*models.Event, error)
	// UpdateEvent writes the full row, inserting it if it does not exist
	UpdateEvent(ctx context.Context, event *models.Event) error
	// UpdateEventIfStatus writes the lifecycle columns only while the stored
	// status is still from, and returns ErrConflict otherwise
	UpdateEventIfStatus(ctx context.Context, event *models.Event, from models.EventStatus) error
	InsertResult(ctx context.Context, result *models.ProcessingResult) error
	GetResult(ctx context.Context, eventID uuid.UUID) (*models.ProcessingResult, error)
	// ListEvents returns the newest events first
	ListEvents(ctx context.Context, limit int) ([]models.Event, error)
	// ListStaleQueued returns queued events created before cutoff, oldest first
	ListStaleQueued(ctx context.Context, cutoff time.Time, limit int) ([]models.Event, error)
	// Transaction runs fn atomically; any error returned by fn rolls back every write made through tx
	Transaction(ctx context.Context, fn func(tx Store) error) error
}

// Sessions hands out a Store bound to a single logical operation.
// The Store must not be used after fn returns.
type Sessions interface {
	WithSession(ctx context.Context, fn func(store Store) error) error
}

// GormDatabase implements Sessions on top of a gorm connection pool
type GormDatabase struct {
	db *gorm.DB
}

// NewGormDatabase wraps a connected gorm.DB
func NewGormDatabase(db *gorm.DB) *GormDatabase {
	return &GormDatabase{db: db}
}

// WithSession pins one pooled connection for the duration of fn and
// releases it on every exit path.
func (d *GormDatabase) WithSession(ctx context.Context, fn func(store Store) error) error {
	return d.db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		return fn(&gormStore{db: conn})
	})
}

// gormStore implements Store on a session-bound gorm handle
type gormStore struct {
	db *gorm.DB
}

func (s *gormStore) InsertEvent(ctx context.Context, event *models.Event) error {
	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		return translate(err, "failed to insert event %s", event.ID)
	}
	return nil
}

func (s *gormStore) GetEvent(ctx context.Context, id uuid.UUID) (*models.Event, error) {
	var event models.Event
	err := s.db.WithContext(ctx).Where("event_id = ?", id).First(&event).Error
	if err != nil {
		return nil, translate(err, "failed to get event %s", id)
	}
	return &event, nil
}

func (s *gormStore) UpdateEvent(ctx context.Context, event *models.Event) error {
	if err := s.db.WithContext(ctx).Save(event).Error; err != nil {
		return translate(err, "failed to update event %s", event.ID)
	}
	return nil
}

func (s *gormStore) UpdateEventIfStatus(ctx context.Context, event *models.Event, from models.EventStatus) error {
	res := s.db.WithContext(ctx).
		Model(&models.Event{}).
		Where("event_id = ? AND status = ?", event.ID, from).
		Updates(map[string]interface{}{
			"status":        event.Status,
			"error_message": event.ErrorMessage,
			"updated_at":    event.UpdatedAt,
		})
	if res.Error != nil {
		return translate(res.Error, "failed to update event %s", event.ID)
	}
	if res.RowsAffected == 0 {
		return errors.Wrapf(ErrConflict, "event %s is no longer %s", event.ID, from)
	}
	return nil
}

func (s *gormStore) InsertResult(ctx context.Context, result *models.ProcessingResult) error {
	if err := s.db.WithContext(ctx).Omit("Event").Create(result).Error; err != nil {
		return translate(err, "failed to insert processing result for event %s", result.EventID)
	}
	return nil
}

func (s *gormStore) GetResult(ctx context.Context, eventID uuid.UUID) (*models.ProcessingResult, error) {
	var result models.ProcessingResult
	err := s.db.WithContext(ctx).Where("event_id = ?", eventID).First(&result).Error
	if err != nil {
		return nil, translate(err, "failed to get processing result for event %s", eventID)
	}
	return &result, nil
}

func (s *gormStore) ListEvents(ctx context.Context, limit int) ([]models.Event, error) {
	var events []models.Event
	err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list events")
	}
	return events, nil
}

func (s *gormStore) ListStaleQueued(ctx context.Context, cutoff time.Time, limit int) ([]models.Event, error) {
	var events []models.Event
	err := s.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", models.StatusQueued, cutoff).
		Order("created_at ASC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list stale queued events")
	}
	return events, nil
}

func (s *gormStore) Transaction(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormStore{db: tx})
	})
}

// translate maps gorm errors onto the repository sentinels.
// Requires gorm.Config.TranslateError so driver constraint errors become gorm.ErrDuplicatedKey.
func translate(err error, format string, args ...interface{}) error {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return errors.Wrapf(ErrNotFound, format, args...)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return errors.Wrapf(ErrDuplicateKey, format+": %v", append(args, err)...)
	}
	return errors.Wrapf(err, format, args...)
}
