package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Provider identifies the third party that sent an inbound webhook.
type Provider string

const (
	ProviderPaymentGateway Provider = "payment_gateway"
	ProviderESign          Provider = "esign"
)

// InboundWebhookEvent is a received and verified provider callback, kept for
// audit and replay. RawPayload holds the body exactly as it was signed.
type InboundWebhookEvent struct {
	ID             uuid.UUID       `json:"id"`
	Provider       Provider        `json:"provider"`
	ExternalID     string          `json:"external_id"`
	EventType      string          `json:"event_type"`
	InternalStatus string          `json:"internal_status"`
	OccurredAt     time.Time       `json:"occurred_at"`
	RawPayload     []byte          `json:"raw_payload"`
	ParsedFields   json.RawMessage `json:"parsed_fields"`
	ReceivedAt     time.Time       `json:"received_at"`
}

// DedupKey returns the (provider, externalId, eventType) uniqueness key.
func (e InboundWebhookEvent) DedupKey() string {
	return BuildInboundDedupKey(e.Provider, e.ExternalID, e.EventType)
}

// BuildInboundDedupKey constructs the standard key format.
func BuildInboundDedupKey(provider Provider, externalID, eventType string) string {
	return string(provider) + ":" + externalID + ":" + eventType
}

// SignatureStatus is the internal vocabulary for e-signature flows.
type SignatureStatus string

const (
	SignatureStatusSent                 SignatureStatus = "sent"
	SignatureStatusDelivered            SignatureStatus = "delivered"
	SignatureStatusOpened               SignatureStatus = "opened"
	SignatureStatusViewed               SignatureStatus = "viewed"
	SignatureStatusSigned               SignatureStatus = "signed"
	SignatureStatusDeclined             SignatureStatus = "declined"
	SignatureStatusExpired              SignatureStatus = "expired"
	SignatureStatusFailed               SignatureStatus = "failed"
	SignatureStatusReminderSent         SignatureStatus = "reminder_sent"
	SignatureStatusCertificateGenerated SignatureStatus = "certificate_generated"
)

var signatureStatuses = map[string]SignatureStatus{
	"sent":                  SignatureStatusSent,
	"delivered":             SignatureStatusDelivered,
	"opened":                SignatureStatusOpened,
	"viewed":                SignatureStatusViewed,
	"signed":                SignatureStatusSigned,
	"declined":              SignatureStatusDeclined,
	"expired":               SignatureStatusExpired,
	"failed":                SignatureStatusFailed,
	"reminder_sent":         SignatureStatusReminderSent,
	"certificate_generated": SignatureStatusCertificateGenerated,
}

// ParseSignatureStatus maps a provider event name to the internal vocabulary.
func ParseSignatureStatus(event string) (SignatureStatus, bool) {
	s, ok := signatureStatuses[strings.ToLower(strings.TrimSpace(event))]
	return s, ok
}

// IsTerminal returns true for statuses that close the signature flow.
func (s SignatureStatus) IsTerminal() bool {
	return s == SignatureStatusSigned || s == SignatureStatusDeclined || s == SignatureStatusExpired
}

// PaymentStatus is the internal vocabulary for payment settlement flows.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCaptured  PaymentStatus = "captured"
	PaymentStatusSettled   PaymentStatus = "settled"
	PaymentStatusDenied    PaymentStatus = "denied"
	PaymentStatusCancelled PaymentStatus = "cancelled"
	PaymentStatusExpired   PaymentStatus = "expired"
	PaymentStatusRefunded  PaymentStatus = "refunded"
	PaymentStatusFailed    PaymentStatus = "failed"
)

// TranslatePaymentStatus maps the gateway's transaction_status (and
// fraud_status for card captures) to the internal vocabulary.
func TranslatePaymentStatus(transactionStatus, fraudStatus string) (PaymentStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(transactionStatus)) {
	case "capture":
		switch strings.ToLower(strings.TrimSpace(fraudStatus)) {
		case "challenge":
			return PaymentStatusPending, true
		case "deny":
			return PaymentStatusDenied, true
		}
		return PaymentStatusCaptured, true
	case "settlement":
		return PaymentStatusSettled, true
	case "pending", "authorize":
		return PaymentStatusPending, true
	case "deny":
		return PaymentStatusDenied, true
	case "cancel":
		return PaymentStatusCancelled, true
	case "expire":
		return PaymentStatusExpired, true
	case "refund", "partial_refund":
		return PaymentStatusRefunded, true
	case "failure":
		return PaymentStatusFailed, true
	}
	return "", false
}

// IsTerminal returns true once the payment can no longer change.
func (p PaymentStatus) IsTerminal() bool {
	switch p {
	case PaymentStatusSettled, PaymentStatusDenied, PaymentStatusCancelled,
		PaymentStatusExpired, PaymentStatusRefunded, PaymentStatusFailed:
		return true
	}
	return false
}

// IsSuccessful returns true when funds are secured.
func (p PaymentStatus) IsSuccessful() bool {
	return p == PaymentStatusSettled || p == PaymentStatusCaptured
}

// IsUnsuccessful returns true when the payment ended without funds.
func (p PaymentStatus) IsUnsuccessful() bool {
	switch p {
	case PaymentStatusDenied, PaymentStatusCancelled, PaymentStatusExpired, PaymentStatusFailed:
		return true
	}
	return false
}
