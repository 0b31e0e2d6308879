package messaging

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"example.com/backstage/services/eventflo/internal/models"
)

// ErrMalformedMessage marks a message body that can never be processed
var ErrMalformedMessage = errors.New("malformed message")

// ProcessMessage asks a worker to run the processor for one event
type ProcessMessage struct {
	EventID uuid.UUID `json:"event_id"`
}

// EncodeProcessMessage serialises the request for the process queue
func EncodeProcessMessage(id uuid.UUID) ([]byte, error) {
	return json.Marshal(ProcessMessage{EventID: id})
}

// DecodeProcessMessage parses a process queue body
func DecodeProcessMessage(body []byte) (uuid.UUID, error) {
	var msg ProcessMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return uuid.Nil, errors.Wrapf(ErrMalformedMessage, "decode: %v", err)
	}
	if msg.EventID == uuid.Nil {
		return uuid.Nil, errors.Wrap(ErrMalformedMessage, "missing event_id")
	}
	return msg.EventID, nil
}

// EscalationMessage notifies downstream teams about an event that needs a human
type EscalationMessage struct {
	EventID        uuid.UUID       `json:"event_id"`
	EventType      string          `json:"event_type"`
	Source         *string         `json:"source,omitempty"`
	Severity       models.Severity `json:"severity"`
	Reason         string          `json:"classification_reason"`
	Recommendation string          `json:"recommendation"`
	ProcessedAt    time.Time       `json:"processed_at"`
}

// NewEscalationMessage builds the notification for a completed event
func NewEscalationMessage(event *models.Event, result *models.ProcessingResult) EscalationMessage {
	return EscalationMessage{
		EventID:        result.EventID,
		EventType:      event.EventType,
		Source:         event.Source,
		Severity:       result.Severity,
		Reason:         result.ClassificationReason,
		Recommendation: result.Recommendation,
		ProcessedAt:    result.ProcessedAt,
	}
}
