package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"example.com/backstage/services/eventflo/internal/models"
	"example.com/backstage/services/eventflo/internal/search"
	"example.com/backstage/services/eventflo/internal/services"
)

// CreateEventRequest is the body of POST /events
type CreateEventRequest struct {
	EventType string         `json:"event_type" binding:"required,event_type"`
	Source    *string        `json:"source"`
	Payload   models.Payload `json:"payload"`
}

// CreateEventResponse acknowledges a queued event
type CreateEventResponse struct {
	EventID uuid.UUID          `json:"event_id"`
	Status  models.EventStatus `json:"status"`
}

// EventSummary is one row of GET /events
type EventSummary struct {
	EventID   uuid.UUID          `json:"event_id"`
	EventType string             `json:"event_type"`
	Status    models.EventStatus `json:"status"`
	CreatedAt time.Time          `json:"created_at"`
}

// EventHandler serves the event and result endpoints
type EventHandler struct {
	events *services.EventService
}

// NewEventHandler creates a new event handler
func NewEventHandler(events *services.EventService) *EventHandler {
	return &EventHandler{events: events}
}

// RegisterRoutes registers the event routes on rg
func (h *EventHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/events", h.CreateEvent)
	rg.GET("/events", h.ListEvents)
	rg.GET("/events/:id", h.GetEvent)
	rg.GET("/results", h.SearchResults)
}

// CreateEvent records a new event and schedules it. The response never waits for processing.
func (h *EventHandler) CreateEvent(c *gin.Context) {
	var req CreateEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, bindError(err))
		return
	}

	event, err := h.events.CreateEvent(c.Request.Context(), services.CreateEventInput{
		EventType: req.EventType,
		Source:    req.Source,
		Payload:   req.Payload,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, CreateEventResponse{EventID: event.ID, Status: event.Status})
}

// GetEvent returns one event with its result
func (h *EventHandler) GetEvent(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, NewValidationError("id must be a UUID"))
		return
	}

	details, err := h.events.GetEvent(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, details)
}

// ListEvents returns the newest events
func (h *EventHandler) ListEvents(c *gin.Context) {
	limit, err := queryInt(c, "limit")
	if err != nil {
		respondError(c, NewValidationError("limit must be an integer"))
		return
	}

	events, err := h.events.ListEvents(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}

	out := make([]EventSummary, 0, len(events))
	for _, e := range events {
		out = append(out, EventSummary{
			EventID:   e.ID,
			EventType: e.EventType,
			Status:    e.Status,
			CreatedAt: e.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, out)
}

// SearchResults queries the result projection
func (h *EventHandler) SearchResults(c *gin.Context) {
	var q search.ResultQuery

	if raw := c.Query("severity"); raw != "" {
		sev, err := models.ParseSeverity(raw)
		if err != nil {
			respondError(c, NewValidationError("severity must be one of LOW, WARNING, HIGH, CRITICAL"))
			return
		}
		q.Severity = sev
	}
	if raw := c.Query("escalate"); raw != "" {
		escalate, err := strconv.ParseBool(raw)
		if err != nil {
			respondError(c, NewValidationError("escalate must be a boolean"))
			return
		}
		q.Escalated = &escalate
	}
	q.EventType = c.Query("event_type")

	limit, err := queryInt(c, "limit")
	if err != nil {
		respondError(c, NewValidationError("limit must be an integer"))
		return
	}
	q.Limit = limit

	docs, err := h.events.SearchResults(c.Request.Context(), q)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, docs)
}

func queryInt(c *gin.Context, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}
