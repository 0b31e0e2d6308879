package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// EventStatus is the lifecycle state of an Event
type EventStatus string

// Event lifecycle states
const (
	StatusQueued     EventStatus = "queued"
	StatusProcessing EventStatus = "processing"
	StatusCompleted  EventStatus = "completed"
	StatusFailed     EventStatus = "failed"
)

// ErrInvalidTransition is returned when a status change is not allowed by the lifecycle
var ErrInvalidTransition = errors.New("invalid status transition")

var transitions = map[EventStatus][]EventStatus{
	StatusQueued:     {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusFailed},
}

// Valid reports whether s is one of the known states
func (s EventStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition exists from s
func (s EventStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether the lifecycle allows moving from s to next
func (s EventStatus) CanTransition(next EventStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Severity is the ordinal urgency of a classified event
type Severity string

// Severity levels, lowest first
const (
	SeverityLow      Severity = "LOW"
	SeverityWarning  Severity = "WARNING"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Rank orders severities: LOW < WARNING < HIGH < CRITICAL. Unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityWarning:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// ParseSeverity accepts a severity token in any case
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToUpper(strings.TrimSpace(s)))
	if sev.Rank() == 0 {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return sev, nil
}

// Payload is a schema-less JSON document attached to an event
type Payload map[string]interface{}

// Value implements driver.Valuer
func (p Payload) Value() (driver.Value, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p)
}

// Scan implements sql.Scanner
func (p *Payload) Scan(value interface{}) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		*p = Payload{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into Payload", value)
	}

	out := Payload{}
	if err := json.Unmarshal(data, &out); err != nil {
		return errors.Wrap(err, "failed to unmarshal payload")
	}
	*p = out
	return nil
}

// GormDataType tells gorm which column type to migrate to
func (Payload) GormDataType() string {
	return "jsonb"
}

// Event is an incoming unit of business data tracked through its lifecycle
type Event struct {
	ID           uuid.UUID   `gorm:"column:event_id;type:uuid;primaryKey" json:"event_id"`
	EventType    string      `gorm:"not null" json:"event_type"`
	Source       *string     `json:"source,omitempty"`
	Status       EventStatus `gorm:"type:varchar(16);not null;default:queued;index" json:"status"`
	Payload      Payload     `gorm:"type:jsonb;not null" json:"payload"`
	ErrorMessage *string     `gorm:"type:text" json:"error_message"`
	CreatedAt    time.Time   `gorm:"index" json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// TableName overrides the gorm table name
func (Event) TableName() string {
	return "events"
}

// NewEvent builds a queued event with a fresh identifier
func NewEvent(eventType string, payload Payload, source *string, now time.Time) *Event {
	if payload == nil {
		payload = Payload{}
	}
	return &Event{
		ID:        uuid.New(),
		EventType: eventType,
		Source:    source,
		Status:    StatusQueued,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Transition moves the event to next if the lifecycle allows it.
// Failed events must go through MarkFailed so the error message is set.
func (e *Event) Transition(next EventStatus, now time.Time) error {
	if next == StatusFailed {
		return errors.Wrap(ErrInvalidTransition, "use MarkFailed to fail an event")
	}
	if !e.Status.CanTransition(next) {
		return errors.Wrapf(ErrInvalidTransition, "%s -> %s", e.Status, next)
	}
	e.Status = next
	e.UpdatedAt = now
	return nil
}

// MarkFailed moves a processing event to failed and records why
func (e *Event) MarkFailed(message string, now time.Time) error {
	if !e.Status.CanTransition(StatusFailed) {
		return errors.Wrapf(ErrInvalidTransition, "%s -> %s", e.Status, StatusFailed)
	}
	message = strings.TrimSpace(message)
	if message == "" {
		message = "unknown processing failure"
	}
	e.Status = StatusFailed
	e.ErrorMessage = &message
	e.UpdatedAt = now
	return nil
}

// Validate checks the record invariants: known status, and an error message
// present exactly when the event failed.
func (e *Event) Validate() error {
	if !e.Status.Valid() {
		return fmt.Errorf("event %s has unknown status %q", e.ID, e.Status)
	}
	hasMessage := e.ErrorMessage != nil && *e.ErrorMessage != ""
	if e.Status == StatusFailed && !hasMessage {
		return fmt.Errorf("event %s is failed without an error message", e.ID)
	}
	if e.Status != StatusFailed && hasMessage {
		return fmt.Errorf("event %s is %s but carries an error message", e.ID, e.Status)
	}
	return nil
}

// ProcessingResult is the persisted classification of one event
type ProcessingResult struct {
	EventID              uuid.UUID `gorm:"type:uuid;primaryKey" json:"event_id"`
	Severity             Severity  `gorm:"type:varchar(16);not null;index" json:"severity"`
	ClassificationReason string    `gorm:"type:text;not null" json:"classification_reason"`
	Recommendation       string    `gorm:"type:text;not null" json:"recommendation"`
	ShouldEscalate       bool      `gorm:"not null" json:"should_escalate"`
	ProcessedAt          time.Time `json:"processed_at"`
	Event                *Event    `gorm:"foreignKey:EventID;references:ID;constraint:OnDelete:CASCADE" json:"-"`
}

// TableName overrides the gorm table name
func (ProcessingResult) TableName() string {
	return "event_processing_results"
}

// SetupModels runs migrations for all models
func SetupModels(db *gorm.DB) error {
	if err := db.AutoMigrate(&Event{}, &ProcessingResult{}); err != nil {
		return errors.Wrap(err, "failed to run auto migrations")
	}
	return nil
}
