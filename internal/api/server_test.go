package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"example.com/backstage/services/eventflo/config"
	"example.com/backstage/services/eventflo/internal/metrics"
	"example.com/backstage/services/eventflo/internal/models"
	"example.com/backstage/services/eventflo/internal/repositories"
	"example.com/backstage/services/eventflo/internal/search"
	"example.com/backstage/services/eventflo/internal/services"
)

type capturingScheduler struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (c *capturingScheduler) Schedule(_ context.Context, id uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, id)
	return nil
}

type stubSearcher struct {
	query search.ResultQuery
}

func (s *stubSearcher) SearchResults(_ context.Context, q search.ResultQuery) ([]search.ResultDocument, error) {
	s.query = q
	return []search.ResultDocument{{EventID: "abc", Severity: q.Severity}}, nil
}

type testEnv struct {
	handler   http.Handler
	store     *repositories.MemoryStore
	scheduler *capturingScheduler
	processor *services.EventProcessor
	searcher  *stubSearcher
}

func newTestEnv(t *testing.T, searchEnabled bool, checks map[string]HealthCheck) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	env := &testEnv{
		store:     repositories.NewMemoryStore(),
		scheduler: &capturingScheduler{},
	}
	cfg := services.EventServiceConfig{}
	if searchEnabled {
		env.searcher = &stubSearcher{}
		cfg.Searcher = env.searcher
	}
	events := services.NewEventService(env.store, env.scheduler, cfg)
	env.processor = services.NewEventProcessor(env.store, nil, nil)

	srv, err := NewServer(config.ServerConfig{MetricsEnabled: true}, events, metrics.NewMetrics(), nil, checks)
	require.NoError(t, err)
	env.handler = srv.Handler()
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func TestCreateEventAccepted(t *testing.T) {
	env := newTestEnv(t, false, nil)

	w := env.do(t, http.MethodPost, "/api/v1/events", `{"event_type":"payment_failed","source":"billing","payload":{"amount":1500}}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	require.NotEmpty(t, w.Header().Get(requestIDHeader))

	var resp CreateEventResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, models.StatusQueued, resp.Status)
	require.Equal(t, []uuid.UUID{resp.EventID}, env.scheduler.ids)

	stored, err := env.store.GetEvent(context.Background(), resp.EventID)
	require.NoError(t, err)
	require.Equal(t, "billing", *stored.Source)
	require.Equal(t, 1500.0, stored.Payload["amount"])
}

func TestCreateEventValidation(t *testing.T) {
	env := newTestEnv(t, false, nil)

	tests := []struct {
		name string
		body string
		code string
	}{
		{"missing type", `{"payload":{}}`, "VALIDATION_ERROR"},
		{"blank type", `{"event_type":"   ","payload":{}}`, "VALIDATION_ERROR"},
		{"too long type", `{"event_type":"` + strings.Repeat("x", 129) + `"}`, "VALIDATION_ERROR"},
		{"payload not an object", `{"event_type":"x","payload":[1,2]}`, "INVALID_REQUEST"},
		{"not json", `event_type=x`, "INVALID_REQUEST"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/v1/events", tt.body)
			require.Equal(t, http.StatusBadRequest, w.Code)

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			require.Equal(t, tt.code, resp.Code)
		})
	}
	require.Empty(t, env.scheduler.ids)
}

func TestCreateEventRequiredFieldMessage(t *testing.T) {
	env := newTestEnv(t, false, nil)
	w := env.do(t, http.MethodPost, "/api/v1/events", `{}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "event_type is required")
}

func TestGetEventLifecycle(t *testing.T) {
	env := newTestEnv(t, false, nil)

	w := env.do(t, http.MethodPost, "/api/v1/events", `{"event_type":"sla_breach","payload":{"minutes_over":10}}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	var created CreateEventResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = env.do(t, http.MethodGet, "/api/v1/events/"+created.EventID.String(), "")
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "queued", body["status"])
	require.Nil(t, body["result"])

	require.NoError(t, env.processor.Process(context.Background(), created.EventID))

	w = env.do(t, http.MethodGet, "/api/v1/events/"+created.EventID.String(), "")
	require.Equal(t, http.StatusOK, w.Code)
	body = nil
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "completed", body["status"])
	require.Equal(t, created.EventID.String(), body["event_id"])

	result, ok := body["result"].(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "WARNING", result["severity"])
	require.Equal(t, false, result["should_escalate"])
	require.Equal(t, "Minor SLA breach", result["classification_reason"])
}

func TestGetEventErrors(t *testing.T) {
	env := newTestEnv(t, false, nil)

	w := env.do(t, http.MethodGet, "/api/v1/events/not-a-uuid", "")
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/events/"+uuid.New().String(), "")
	require.Equal(t, http.StatusNotFound, w.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "NOT_FOUND", resp.Code)
}

func TestListEvents(t *testing.T) {
	env := newTestEnv(t, false, nil)
	for i := 0; i < 3; i++ {
		w := env.do(t, http.MethodPost, "/api/v1/events", `{"event_type":"login"}`)
		require.Equal(t, http.StatusAccepted, w.Code)
	}

	w := env.do(t, http.MethodGet, "/api/v1/events?limit=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	var events []EventSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &events))
	require.Len(t, events, 2)
	require.Equal(t, models.StatusQueued, events[0].Status)
	require.Equal(t, "login", events[0].EventType)

	w = env.do(t, http.MethodGet, "/api/v1/events?limit=abc", "")
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSearchResults(t *testing.T) {
	env := newTestEnv(t, false, nil)
	w := env.do(t, http.MethodGet, "/api/v1/results", "")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, ErrServiceUnavailable.Code, resp.Code)
	require.NotEqual(t, ErrServiceUnavailable.Message, resp.Message)

	env = newTestEnv(t, true, nil)
	w = env.do(t, http.MethodGet, "/api/v1/results?severity=high&escalate=true&limit=5", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, models.SeverityHigh, env.searcher.query.Severity)
	require.NotNil(t, env.searcher.query.Escalated)
	require.True(t, *env.searcher.query.Escalated)
	require.Equal(t, 5, env.searcher.query.Limit)

	w = env.do(t, http.MethodGet, "/api/v1/results?severity=urgent", "")
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/results?escalate=maybe", "")
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	healthy := true
	env := newTestEnv(t, false, map[string]HealthCheck{
		"database": func(context.Context) error {
			if healthy {
				return nil
			}
			return errors.New("connection refused")
		},
	})

	w := env.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	healthy = false
	w = env.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Contains(t, w.Body.String(), `"database":false`)

	w = env.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "uptime_seconds")

	w = env.do(t, http.MethodGet, "/ping", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "pong", w.Body.String())
}

func TestCORSPreflight(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(CORS([]string{"https://ops.example.com"}))
	router.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodOptions, "/x", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, "https://ops.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}
