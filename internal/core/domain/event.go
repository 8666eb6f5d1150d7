package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Internal domain event types published to tenant subscribers.
const (
	EventPaymentConfirmed   = "payment.confirmed"
	EventPaymentFailed      = "payment.failed"
	EventSignatureCompleted = "signature.completed"
	EventSignatureDeclined  = "signature.declined"
)

// EventPayload is the closed set of business payloads carried by an outbound
// envelope. RawPayload covers event kinds this service does not model.
type EventPayload interface {
	EventType() string
	isEventPayload()
}

// PaymentConfirmed is emitted when a payment settles or is captured.
type PaymentConfirmed struct {
	OrderID       string    `json:"order_id"`
	TransactionID string    `json:"transaction_id"`
	GrossAmount   string    `json:"gross_amount"`
	Currency      string    `json:"currency,omitempty"`
	PaymentType   string    `json:"payment_type,omitempty"`
	Status        string    `json:"status"`
	ConfirmedAt   time.Time `json:"confirmed_at"`
}

func (PaymentConfirmed) EventType() string { return EventPaymentConfirmed }
func (PaymentConfirmed) isEventPayload()   {}

// PaymentFailed is emitted when a payment is denied, cancelled or expires.
type PaymentFailed struct {
	OrderID       string `json:"order_id"`
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
	Reason        string `json:"reason,omitempty"`
}

func (PaymentFailed) EventType() string { return EventPaymentFailed }
func (PaymentFailed) isEventPayload()   {}

// SignatureCompleted is emitted when every signer has signed.
type SignatureCompleted struct {
	SignatureRequestID string     `json:"signature_request_id"`
	SignerEmail        string     `json:"signer_email,omitempty"`
	SignerName         string     `json:"signer_name,omitempty"`
	SignedAt           *time.Time `json:"signed_at,omitempty"`
}

func (SignatureCompleted) EventType() string { return EventSignatureCompleted }
func (SignatureCompleted) isEventPayload()   {}

// SignatureDeclined is emitted when a signature flow ends without signing.
type SignatureDeclined struct {
	SignatureRequestID string `json:"signature_request_id"`
	Status             string `json:"status"`
	SignerEmail        string `json:"signer_email,omitempty"`
}

func (SignatureDeclined) EventType() string { return EventSignatureDeclined }
func (SignatureDeclined) isEventPayload()   {}

// RawPayload carries an event kind unknown to this service as opaque JSON.
type RawPayload struct {
	Type string
	Data json.RawMessage
}

func (p RawPayload) EventType() string { return p.Type }
func (RawPayload) isEventPayload()     {}

// MarshalJSON emits the opaque data unchanged.
func (p RawPayload) MarshalJSON() ([]byte, error) {
	if len(p.Data) == 0 {
		return []byte("null"), nil
	}
	return p.Data, nil
}

// Envelope is the outbound webhook body. Delivery bookkeeping such as attempt
// counts never appears here.
type Envelope struct {
	Event     string          `json:"event"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// NewEnvelope wraps a payload in the outbound envelope.
func NewEnvelope(p EventPayload, at time.Time) (Envelope, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", p.EventType(), err)
	}
	return Envelope{
		Event:     p.EventType(),
		Timestamp: at.UTC().Format(time.RFC3339),
		Data:      data,
	}, nil
}

// DecodePayload maps a published event to its typed variant. Unknown event
// types decode to RawPayload.
func DecodePayload(eventType string, data json.RawMessage) (EventPayload, error) {
	var (
		p   EventPayload
		err error
	)
	switch eventType {
	case EventPaymentConfirmed:
		var v PaymentConfirmed
		err = json.Unmarshal(data, &v)
		p = v
	case EventPaymentFailed:
		var v PaymentFailed
		err = json.Unmarshal(data, &v)
		p = v
	case EventSignatureCompleted:
		var v SignatureCompleted
		err = json.Unmarshal(data, &v)
		p = v
	case EventSignatureDeclined:
		var v SignatureDeclined
		err = json.Unmarshal(data, &v)
		p = v
	default:
		if !json.Valid(data) {
			return nil, fmt.Errorf("decode %s payload: invalid json", eventType)
		}
		raw := make(json.RawMessage, len(data))
		copy(raw, data)
		return RawPayload{Type: eventType, Data: raw}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", eventType, err)
	}
	return p, nil
}
