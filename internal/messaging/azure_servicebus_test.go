package messaging

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"example.com/backstage/services/eventflo/internal/models"
)

type mockSender struct {
	mock.Mock
}

func (m *mockSender) SendMessage(ctx context.Context, message *azservicebus.Message, options *azservicebus.SendMessageOptions) error {
	args := m.Called(ctx, message, options)
	return args.Error(0)
}

func (m *mockSender) Close(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

// fakeReceiver hands out one batch and then blocks until the context ends
type fakeReceiver struct {
	batch       []*azservicebus.ReceivedMessage
	completed   []string
	deadLetters []string
	renewed     []string
	renewErr    map[string]error
}

func (f *fakeReceiver) ReceiveMessages(ctx context.Context, _ int, _ *azservicebus.ReceiveMessagesOptions) ([]*azservicebus.ReceivedMessage, error) {
	if f.batch != nil {
		out := f.batch
		f.batch = nil
		return out, nil
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeReceiver) CompleteMessage(_ context.Context, m *azservicebus.ReceivedMessage, _ *azservicebus.CompleteMessageOptions) error {
	f.completed = append(f.completed, m.MessageID)
	return nil
}

func (f *fakeReceiver) DeadLetterMessage(_ context.Context, m *azservicebus.ReceivedMessage, _ *azservicebus.DeadLetterOptions) error {
	f.deadLetters = append(f.deadLetters, m.MessageID)
	return nil
}

func (f *fakeReceiver) RenewMessageLock(_ context.Context, m *azservicebus.ReceivedMessage, _ *azservicebus.RenewMessageLockOptions) error {
	if err := f.renewErr[m.MessageID]; err != nil {
		return err
	}
	f.renewed = append(f.renewed, m.MessageID)
	until := time.Now().Add(time.Minute)
	m.LockedUntil = &until
	return nil
}

func (f *fakeReceiver) Close(context.Context) error { return nil }

func received(t *testing.T, id string, body []byte) *azservicebus.ReceivedMessage {
	t.Helper()
	return &azservicebus.ReceivedMessage{MessageID: id, Body: body}
}

func TestProcessMessageCodec(t *testing.T) {
	id := uuid.New()
	body, err := EncodeProcessMessage(id)
	require.NoError(t, err)
	require.JSONEq(t, `{"event_id":"`+id.String()+`"}`, string(body))

	got, err := DecodeProcessMessage(body)
	require.NoError(t, err)
	require.Equal(t, id, got)

	_, err = DecodeProcessMessage([]byte("not json"))
	require.ErrorIs(t, err, ErrMalformedMessage)

	_, err = DecodeProcessMessage([]byte(`{}`))
	require.ErrorIs(t, err, ErrMalformedMessage)
}

func TestSchedulerSendsEventID(t *testing.T) {
	id := uuid.New()
	s := &mockSender{}
	s.On("SendMessage", mock.Anything, mock.MatchedBy(func(m *azservicebus.Message) bool {
		decoded, err := DecodeProcessMessage(m.Body)
		return err == nil && decoded == id && *m.MessageID == id.String()
	}), (*azservicebus.SendMessageOptions)(nil)).Return(nil)

	scheduler := &ServiceBusScheduler{sender: s, queue: "eventflo-process"}
	require.NoError(t, scheduler.Schedule(context.Background(), id))
	s.AssertExpectations(t)
}

func TestSchedulerWrapsSendError(t *testing.T) {
	s := &mockSender{}
	s.On("SendMessage", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("connection lost"))

	scheduler := &ServiceBusScheduler{sender: s}
	err := scheduler.Schedule(context.Background(), uuid.New())
	require.Error(t, err)
	require.Contains(t, err.Error(), "connection lost")
}

func TestConsumerSettlesEveryMessage(t *testing.T) {
	ok := uuid.New()
	failed := uuid.New()
	missing := uuid.New()
	errMissing := errors.New("event not found")

	okBody, _ := EncodeProcessMessage(ok)
	failedBody, _ := EncodeProcessMessage(failed)
	missingBody, _ := EncodeProcessMessage(missing)

	r := &fakeReceiver{batch: []*azservicebus.ReceivedMessage{
		received(t, "m1", okBody),
		received(t, "m2", failedBody),
		received(t, "m3", missingBody),
		received(t, "m4", []byte("garbage")),
	}}

	var handled []uuid.UUID
	c := &Consumer{
		receiver: r,
		handler: func(_ context.Context, id uuid.UUID) error {
			handled = append(handled, id)
			switch id {
			case failed:
				return errors.New("classification failed")
			case missing:
				return errMissing
			}
			return nil
		},
		Permanent: func(err error) bool { return errors.Is(err, errMissing) },
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, c.Run(ctx))

	require.Equal(t, []uuid.UUID{ok, failed, missing}, handled)
	require.Equal(t, []string{"m1", "m2"}, r.completed)
	require.Equal(t, []string{"m3", "m4"}, r.deadLetters)
}

func TestConsumerRenewsLocksBeforeHandling(t *testing.T) {
	fresh, expiring, lost := uuid.New(), uuid.New(), uuid.New()
	freshBody, _ := EncodeProcessMessage(fresh)
	expiringBody, _ := EncodeProcessMessage(expiring)
	lostBody, _ := EncodeProcessMessage(lost)

	locked := func(id string, body []byte, left time.Duration) *azservicebus.ReceivedMessage {
		m := received(t, id, body)
		until := time.Now().Add(left)
		m.LockedUntil = &until
		return m
	}

	r := &fakeReceiver{
		batch: []*azservicebus.ReceivedMessage{
			locked("m1", freshBody, 5*time.Minute),
			locked("m2", expiringBody, 5*time.Second),
			locked("m3", lostBody, time.Second),
		},
		renewErr: map[string]error{"m3": errors.New("lock lost")},
	}

	var handled []uuid.UUID
	c := &Consumer{
		receiver: r,
		handler: func(_ context.Context, id uuid.UUID) error {
			handled = append(handled, id)
			return nil
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, c.Run(ctx))

	require.Equal(t, []string{"m2"}, r.renewed)
	require.Equal(t, []uuid.UUID{fresh, expiring}, handled)
	require.Equal(t, []string{"m1", "m2"}, r.completed)
	require.Empty(t, r.deadLetters)
}

func TestEscalationPublisher(t *testing.T) {
	event := models.NewEvent("system_error", models.Payload{}, nil, time.Now())
	escalate := &models.ProcessingResult{EventID: event.ID, Severity: models.SeverityCritical, ShouldEscalate: true}
	quiet := &models.ProcessingResult{EventID: event.ID, Severity: models.SeverityLow}

	s := &mockSender{}
	s.On("SendMessage", mock.Anything, mock.MatchedBy(func(m *azservicebus.Message) bool {
		var msg EscalationMessage
		if err := json.Unmarshal(m.Body, &msg); err != nil {
			return false
		}
		return msg.EventID == event.ID && msg.Severity == models.SeverityCritical && m.ApplicationProperties["event_type"] == "system_error"
	}), (*azservicebus.SendMessageOptions)(nil)).Return(nil).Once()

	p := &EscalationPublisher{sender: s}
	require.NoError(t, p.Deliver(context.Background(), event, escalate))
	require.NoError(t, p.Deliver(context.Background(), event, quiet))
	s.AssertExpectations(t)
}
