package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/eventflo/config"
	"example.com/backstage/services/eventflo/internal/models"
)

const contentTypeJSON = "application/json"

// lockRenewMargin is the lock time a message must have left before it is handled
const lockRenewMargin = 30 * time.Second

// sender is the subset of *azservicebus.Sender used here
type sender interface {
	SendMessage(ctx context.Context, message *azservicebus.Message, options *azservicebus.SendMessageOptions) error
	Close(ctx context.Context) error
}

// receiver is the subset of *azservicebus.Receiver used here
type receiver interface {
	ReceiveMessages(ctx context.Context, maxMessages int, options *azservicebus.ReceiveMessagesOptions) ([]*azservicebus.ReceivedMessage, error)
	CompleteMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.CompleteMessageOptions) error
	DeadLetterMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.DeadLetterOptions) error
	RenewMessageLock(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.RenewMessageLockOptions) error
	Close(ctx context.Context) error
}

// Client owns the Service Bus connection shared by schedulers, consumers and publishers
type Client struct {
	client *azservicebus.Client
	cfg    config.AzureConfig
}

// NewClient creates a Service Bus client from the configured connection string
func NewClient(cfg config.AzureConfig) (*Client, error) {
	if cfg.QueueConnStr == "" {
		return nil, fmt.Errorf("Azure Service Bus connection string is empty")
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.QueueConnStr, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Service Bus client: %w", err)
	}
	return &Client{client: client, cfg: cfg}, nil
}

// NewScheduler returns a scheduler that enqueues process requests on the process queue
func (c *Client) NewScheduler() (*ServiceBusScheduler, error) {
	s, err := c.client.NewSender(c.cfg.QueueName, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Service Bus sender: %w", err)
	}
	return &ServiceBusScheduler{sender: s, queue: c.cfg.QueueName}, nil
}

// NewConsumer returns a consumer for the process queue
func (c *Client) NewConsumer(handler Handler) (*Consumer, error) {
	r, err := c.client.NewReceiverForQueue(c.cfg.QueueName, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Service Bus receiver: %w", err)
	}
	return &Consumer{
		receiver:  r,
		handler:   handler,
		batchSize: c.cfg.ReceiveBatchSize,
		queue:     c.cfg.QueueName,
	}, nil
}

// NewEscalationPublisher returns a result sink that publishes escalations
func (c *Client) NewEscalationPublisher() (*EscalationPublisher, error) {
	s, err := c.client.NewSender(c.cfg.EscalationQueueName, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Service Bus sender: %w", err)
	}
	return &EscalationPublisher{sender: s}, nil
}

// Close closes the Service Bus connection
func (c *Client) Close(ctx context.Context) error {
	return c.client.Close(ctx)
}

// ServiceBusScheduler hands processor runs to whichever worker receives the message
type ServiceBusScheduler struct {
	sender sender
	queue  string
}

// Schedule enqueues a process request. The event id doubles as the message id so
// duplicate detection on the queue collapses repeated requests.
func (s *ServiceBusScheduler) Schedule(ctx context.Context, id uuid.UUID) error {
	body, err := EncodeProcessMessage(id)
	if err != nil {
		return errors.Wrap(err, "failed to marshal process message")
	}

	msg := &azservicebus.Message{
		Body:        body,
		MessageID:   ptr(id.String()),
		ContentType: ptr(contentTypeJSON),
		ApplicationProperties: map[string]interface{}{
			"source": "eventflo",
			"time":   time.Now().UTC().Format(time.RFC3339),
		},
	}
	if err := s.sender.SendMessage(ctx, msg, nil); err != nil {
		return errors.Wrapf(err, "failed to send process message for event %s", id)
	}
	return nil
}

// Close closes the sender
func (s *ServiceBusScheduler) Close(ctx context.Context) error {
	return s.sender.Close(ctx)
}

// Handler processes one event and returns its outcome
type Handler func(ctx context.Context, id uuid.UUID) error

// Consumer drains the process queue
type Consumer struct {
	receiver  receiver
	handler   Handler
	batchSize int
	queue     string

	// Permanent reports errors that retrying cannot fix. Such messages are dead-lettered.
	Permanent func(err error) bool
}

// Run receives messages until ctx is cancelled. Every message is settled exactly once:
// permanent failures are dead-lettered and everything else is completed, because
// the event row already records the failure.
func (c *Consumer) Run(ctx context.Context) error {
	log.Info().Str("queue", c.queue).Msg("starting process queue consumer")

	batch := c.batchSize
	if batch <= 0 {
		batch = 10
	}

	for {
		messages, err := c.receiver.ReceiveMessages(ctx, batch, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrapf(err, "failed to receive messages from %s", c.queue)
		}

		for _, message := range messages {
			if err := c.holdLock(ctx, message); err != nil {
				// unsettled, so the broker redelivers it once the lock expires
				log.Warn().Err(err).Str("message_id", message.MessageID).Msg("lost message lock, skipping")
				continue
			}
			c.handle(ctx, message)
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

// holdLock renews the peek lock of a message that waited behind the rest of its batch
func (c *Consumer) holdLock(ctx context.Context, message *azservicebus.ReceivedMessage) error {
	if message.LockedUntil == nil || time.Until(*message.LockedUntil) > lockRenewMargin {
		return nil
	}
	if err := c.receiver.RenewMessageLock(ctx, message, nil); err != nil {
		return errors.Wrap(err, "failed to renew message lock")
	}
	return nil
}

func (c *Consumer) handle(ctx context.Context, message *azservicebus.ReceivedMessage) {
	// settlement must happen even while shutting down
	settleCtx := context.WithoutCancel(ctx)
	logger := log.With().Str("message_id", message.MessageID).Logger()

	id, err := DecodeProcessMessage(message.Body)
	if err == nil {
		logger = logger.With().Str("event_id", id.String()).Logger()
		err = c.handler(ctx, id)
	}

	if err != nil && (errors.Is(err, ErrMalformedMessage) || (c.Permanent != nil && c.Permanent(err))) {
		logger.Warn().Err(err).Msg("dead-lettering message")
		reason := "processing rejected"
		desc := err.Error()
		if derr := c.receiver.DeadLetterMessage(settleCtx, message, &azservicebus.DeadLetterOptions{
			Reason:           &reason,
			ErrorDescription: &desc,
		}); derr != nil {
			logger.Error().Err(derr).Msg("failed to dead-letter message")
		}
		return
	}
	if err != nil {
		logger.Error().Err(err).Msg("event processing failed")
	}

	if cerr := c.receiver.CompleteMessage(settleCtx, message, nil); cerr != nil {
		logger.Error().Err(cerr).Msg("failed to complete message")
	}
}

// Close closes the receiver
func (c *Consumer) Close(ctx context.Context) error {
	return c.receiver.Close(ctx)
}

// EscalationPublisher sends escalation notices for results that require one
type EscalationPublisher struct {
	sender sender
}

// Name identifies the publisher in result sink logs
func (p *EscalationPublisher) Name() string {
	return "servicebus-escalations"
}

// Deliver publishes an escalation when the result calls for one
func (p *EscalationPublisher) Deliver(ctx context.Context, event *models.Event, result *models.ProcessingResult) error {
	if !result.ShouldEscalate {
		return nil
	}

	body, err := json.Marshal(NewEscalationMessage(event, result))
	if err != nil {
		return errors.Wrap(err, "failed to marshal escalation message")
	}

	msg := &azservicebus.Message{
		Body:        body,
		MessageID:   ptr(result.EventID.String()),
		ContentType: ptr(contentTypeJSON),
		ApplicationProperties: map[string]interface{}{
			"severity":   string(result.Severity),
			"event_type": event.EventType,
		},
	}
	if err := p.sender.SendMessage(ctx, msg, nil); err != nil {
		return errors.Wrapf(err, "failed to publish escalation for event %s", result.EventID)
	}
	return nil
}

// Close closes the sender
func (p *EscalationPublisher) Close(ctx context.Context) error {
	return p.sender.Close(ctx)
}

func ptr[T any](v T) *T {
	return &v
}
