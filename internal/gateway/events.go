package gateway

import (
	"encoding/json"
	"fmt"
)

// EventKind tags the webhook events this system models. Everything
// else is KindOther and acknowledged without effect.
type EventKind int

const (
	KindOther EventKind = iota
	KindPaymentCaptured
	KindPaymentFailed
)

const (
	eventPaymentCaptured = "payment.captured"
	eventPaymentFailed   = "payment.failed"
)

// Event is the decoded webhook payload. It is decoded exactly once at
// the boundary; raw maps never travel further into the system.
type Event struct {
	Kind           EventKind
	RawType        string
	GatewayOrderID string
	PaymentID      string
	Amount         int64
	Method         string
	FailureReason  string
}

type webhookEnvelope struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			ID             string `json:"id"`
			GatewayOrderID string `json:"order_id"`
			Amount         int64  `json:"amount"`
			Method         string `json:"method"`
			ErrorReason    string `json:"error_reason"`
		} `json:"payment"`
	} `json:"payload"`
}

// ParseEvent decodes a verified webhook body into a typed Event.
func ParseEvent(rawBody []byte) (*Event, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(rawBody, &env); err != nil {
		return nil, fmt.Errorf("failed to decode webhook body: %w", err)
	}

	ev := &Event{
		RawType:        env.Event,
		GatewayOrderID: env.Payload.Payment.GatewayOrderID,
		PaymentID:      env.Payload.Payment.ID,
		Amount:         env.Payload.Payment.Amount,
		Method:         env.Payload.Payment.Method,
		FailureReason:  env.Payload.Payment.ErrorReason,
	}

	switch env.Event {
	case eventPaymentCaptured:
		ev.Kind = KindPaymentCaptured
	case eventPaymentFailed:
		ev.Kind = KindPaymentFailed
	default:
		ev.Kind = KindOther
	}

	return ev, nil
}
