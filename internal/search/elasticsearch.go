package search

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/eventflo/config"
	"example.com/backstage/services/eventflo/internal/models"
)

const defaultSearchSize = 20

// ResultDocument is the denormalised view of a processed event stored in the search index
type ResultDocument struct {
	EventID              string          `json:"event_id"`
	EventType            string          `json:"event_type"`
	Source               string          `json:"source,omitempty"`
	Severity             models.Severity `json:"severity"`
	ClassificationReason string          `json:"classification_reason"`
	Recommendation       string          `json:"recommendation"`
	ShouldEscalate       bool            `json:"should_escalate"`
	CreatedAt            time.Time       `json:"created_at"`
	ProcessedAt          time.Time       `json:"processed_at"`
}

// ResultQuery filters indexed results. Zero values do not filter.
type ResultQuery struct {
	Severity  models.Severity
	EventType string
	Escalated *bool
	Limit     int
}

// ElasticClient provides integration with Elasticsearch
type ElasticClient struct {
	client *elasticsearch.Client
	config config.ElasticConfig
}

// NewElasticClient creates a new Elasticsearch client
func NewElasticClient(cfg config.ElasticConfig) (*ElasticClient, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Elasticsearch client")
	}

	return &ElasticClient{client: client, config: cfg}, nil
}

// Name identifies the client in result sink logs
func (c *ElasticClient) Name() string {
	return "elasticsearch"
}

// Deliver indexes a completed event's result
func (c *ElasticClient) Deliver(ctx context.Context, event *models.Event, result *models.ProcessingResult) error {
	return c.IndexResult(ctx, event, result)
}

// IndexResult indexes the result under the event id, replacing any earlier document
func (c *ElasticClient) IndexResult(ctx context.Context, event *models.Event, result *models.ProcessingResult) error {
	doc := NewResultDocument(event, result)

	body, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "failed to marshal result document")
	}

	req := esapi.IndexRequest{
		Index:      config.FormatIndex(c.config, c.config.Index),
		DocumentID: doc.EventID,
		Body:       bytes.NewReader(body),
		Refresh:    "true",
	}

	res, err := req.Do(ctx, c.client)
	if err != nil {
		return errors.Wrap(err, "failed to execute Elasticsearch index request")
	}
	defer res.Body.Close()

	if res.IsError() {
		return responseError(res, "index")
	}

	log.Debug().Str("event_id", doc.EventID).Msg("result indexed")
	return nil
}

// SearchResults returns indexed results matching q, most recently processed first
func (c *ElasticClient) SearchResults(ctx context.Context, q ResultQuery) ([]ResultDocument, error) {
	body, err := json.Marshal(q.toQuery())
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal search query")
	}

	req := esapi.SearchRequest{
		Index: []string{config.FormatIndex(c.config, c.config.Index)},
		Body:  bytes.NewReader(body),
	}

	res, err := req.Do(ctx, c.client)
	if err != nil {
		return nil, errors.Wrap(err, "failed to execute Elasticsearch search request")
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, responseError(res, "search")
	}

	var parsed struct {
		Hits struct {
			Hits []struct {
				Source ResultDocument `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, errors.Wrap(err, "failed to parse Elasticsearch search response")
	}

	docs := make([]ResultDocument, 0, len(parsed.Hits.Hits))
	for _, hit := range parsed.Hits.Hits {
		docs = append(docs, hit.Source)
	}
	return docs, nil
}

// NewResultDocument flattens an event and its result into one document
func NewResultDocument(event *models.Event, result *models.ProcessingResult) ResultDocument {
	doc := ResultDocument{
		EventID:              result.EventID.String(),
		Severity:             result.Severity,
		ClassificationReason: result.ClassificationReason,
		Recommendation:       result.Recommendation,
		ShouldEscalate:       result.ShouldEscalate,
		ProcessedAt:          result.ProcessedAt,
	}
	if event != nil {
		doc.EventType = event.EventType
		doc.CreatedAt = event.CreatedAt
		if event.Source != nil {
			doc.Source = *event.Source
		}
	}
	return doc
}

func (q ResultQuery) toQuery() map[string]interface{} {
	var filters []map[string]interface{}
	if q.Severity != "" {
		filters = append(filters, term("severity", q.Severity))
	}
	if q.EventType != "" {
		filters = append(filters, term("event_type", q.EventType))
	}
	if q.Escalated != nil {
		filters = append(filters, term("should_escalate", *q.Escalated))
	}

	size := q.Limit
	if size <= 0 {
		size = defaultSearchSize
	}

	query := map[string]interface{}{"match_all": map[string]interface{}{}}
	if len(filters) > 0 {
		query = map[string]interface{}{
			"bool": map[string]interface{}{"filter": filters},
		}
	}

	return map[string]interface{}{
		"size":  size,
		"query": query,
		"sort": []map[string]interface{}{
			{"processed_at": map[string]interface{}{"order": "desc"}},
		},
	}
}

func term(field string, value interface{}) map[string]interface{} {
	return map[string]interface{}{
		"term": map[string]interface{}{field: value},
	}
}

func responseError(res *esapi.Response, op string) error {
	var e map[string]interface{}
	if err := json.NewDecoder(res.Body).Decode(&e); err != nil {
		return errors.Wrapf(err, "failed to parse Elasticsearch %s error response", op)
	}
	return errors.Errorf("Elasticsearch %s error [%s]: %v", op, res.Status(), e["error"])
}
