package models

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to EventStatus
		allowed  bool
	}{
		{StatusQueued, StatusProcessing, true},
		{StatusQueued, StatusCompleted, false},
		{StatusQueued, StatusFailed, false},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusFailed, true},
		{StatusProcessing, StatusQueued, false},
		{StatusCompleted, StatusFailed, false},
		{StatusCompleted, StatusProcessing, false},
		{StatusFailed, StatusProcessing, false},
		{StatusFailed, StatusCompleted, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			require.Equal(t, tt.allowed, tt.from.CanTransition(tt.to))
		})
	}
}

func TestTerminalStates(t *testing.T) {
	require.False(t, StatusQueued.IsTerminal())
	require.False(t, StatusProcessing.IsTerminal())
	require.True(t, StatusCompleted.IsTerminal())
	require.True(t, StatusFailed.IsTerminal())
	require.False(t, EventStatus("done").Valid())
}

func TestEventLifecycle(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	event := NewEvent("payment_failed", Payload{"amount": 1500.0}, nil, now)

	require.Equal(t, StatusQueued, event.Status)
	require.NoError(t, event.Validate())

	require.NoError(t, event.Transition(StatusProcessing, now.Add(time.Second)))
	require.Equal(t, now.Add(time.Second), event.UpdatedAt)

	err := event.Transition(StatusFailed, now)
	require.True(t, errors.Is(err, ErrInvalidTransition))

	require.NoError(t, event.Transition(StatusCompleted, now))
	require.NoError(t, event.Validate())

	err = event.Transition(StatusProcessing, now)
	require.True(t, errors.Is(err, ErrInvalidTransition))
	require.Equal(t, StatusCompleted, event.Status)
}

func TestMarkFailed(t *testing.T) {
	now := time.Now()
	event := NewEvent("system_error", nil, nil, now)
	require.NotNil(t, event.Payload)

	require.Error(t, event.MarkFailed("boom", now))

	require.NoError(t, event.Transition(StatusProcessing, now))
	require.NoError(t, event.MarkFailed("  ", now))
	require.Equal(t, StatusFailed, event.Status)
	require.NotEmpty(t, *event.ErrorMessage)
	require.NoError(t, event.Validate())
}

func TestValidateInvariant(t *testing.T) {
	msg := "boom"
	event := NewEvent("x", nil, nil, time.Now())
	event.ErrorMessage = &msg
	require.Error(t, event.Validate())

	event.ErrorMessage = nil
	event.Status = StatusFailed
	require.Error(t, event.Validate())

	event.Status = "unknown"
	require.Error(t, event.Validate())
}

func TestSeverity(t *testing.T) {
	require.Less(t, SeverityLow.Rank(), SeverityWarning.Rank())
	require.Less(t, SeverityWarning.Rank(), SeverityHigh.Rank())
	require.Less(t, SeverityHigh.Rank(), SeverityCritical.Rank())

	sev, err := ParseSeverity("critical")
	require.NoError(t, err)
	require.Equal(t, SeverityCritical, sev)

	_, err = ParseSeverity("SEVERE")
	require.Error(t, err)
}

func TestPayloadScanValue(t *testing.T) {
	p := Payload{"amount": 1000.0, "currency": "INR"}
	v, err := p.Value()
	require.NoError(t, err)

	var out Payload
	require.NoError(t, out.Scan(v))
	require.Equal(t, p, out)

	require.NoError(t, out.Scan(`{"minutes_over": 12}`))
	require.Equal(t, 12.0, out["minutes_over"])

	require.NoError(t, out.Scan(nil))
	require.Empty(t, out)

	require.Error(t, out.Scan(42))
}
