// Package classification maps an event type and payload to a severity,
// a recommendation and an escalation decision. It performs no I/O.
package classification

import (
	"encoding/json"

	"example.com/backstage/services/eventflo/internal/models"
)

// Known event types
const (
	TypePaymentFailed = "payment_failed"
	TypeSLABreach     = "sla_breach"
	TypeSystemError   = "system_error"
)

// Inclusive thresholds
const (
	CriticalPaymentAmount = 1000
	EscalateSLAMinutes    = 30
)

// Outcome is the result of classifying one event
type Outcome struct {
	Severity       models.Severity
	Reason         string
	Recommendation string
	Escalate       bool
}

// Classify applies the severity policy. It never fails: unknown types fall
// through to a LOW "no action" outcome and missing or non-numeric fields read as zero.
func Classify(eventType string, payload models.Payload) Outcome {
	switch eventType {
	case TypePaymentFailed:
		if numberField(payload, "amount") >= CriticalPaymentAmount {
			return Outcome{
				Severity:       models.SeverityCritical,
				Reason:         "Payment amount is greater than or equal to 1000",
				Recommendation: "Escalate to finance team immediately",
				Escalate:       true,
			}
		}
		return Outcome{
			Severity:       models.SeverityHigh,
			Reason:         "Payment failed but amount is below critical threshold",
			Recommendation: "Notify customer and retry payment",
		}

	case TypeSLABreach:
		if numberField(payload, "minutes_over") >= EscalateSLAMinutes {
			return Outcome{
				Severity:       models.SeverityHigh,
				Reason:         "SLA breached by more than 30 minutes",
				Recommendation: "Alert operations team",
				Escalate:       true,
			}
		}
		return Outcome{
			Severity:       models.SeverityWarning,
			Reason:         "Minor SLA breach",
			Recommendation: "Log incident and monitor",
		}

	case TypeSystemError:
		return Outcome{
			Severity:       models.SeverityCritical,
			Reason:         "System error detected",
			Recommendation: "Investigate system logs immediately",
			Escalate:       true,
		}
	}

	return Outcome{
		Severity:       models.SeverityLow,
		Reason:         "Unknown event type",
		Recommendation: "No action required",
	}
}

// numberField reads payload[key] as a number, defaulting to 0
func numberField(payload models.Payload, key string) float64 {
	raw, ok := payload[key]
	if !ok {
		return 0
	}

	switch n := raw.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int8:
		return float64(n)
	case int16:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint8:
		return float64(n)
	case uint16:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0
		}
		return f
	}
	return 0
}
