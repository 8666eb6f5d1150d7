package dto

import (
	"encoding/json"
	"time"

	"travel-event-core/internal/core/domain"
	"travel-event-core/internal/core/ports"
)

// TransactionTimeLayout is the gateway's local timestamp format.
const TransactionTimeLayout = "2006-01-02 15:04:05"

// PaymentNotificationRequest is the payment gateway notification body.
// signature_key is checked by the ingest service, not here, so a missing key
// is reported as a signature failure.
type PaymentNotificationRequest struct {
	TransactionID     string     `json:"transaction_id" validate:"required,max=100"`
	OrderID           string     `json:"order_id" validate:"required,max=100"`
	TransactionStatus string     `json:"transaction_status" validate:"required,max=50"`
	StatusCode        string     `json:"status_code" validate:"required,numeric,len=3"`
	GrossAmount       string     `json:"gross_amount" validate:"required,amount"`
	PaymentType       string     `json:"payment_type" validate:"required,max=50"`
	SignatureKey      string     `json:"signature_key"`
	FraudStatus       string     `json:"fraud_status" validate:"omitempty,oneof=accept challenge deny"`
	Currency          string     `json:"currency" validate:"omitempty,len=3"`
	TransactionTime   string     `json:"transaction_time" validate:"omitempty,datetime=2006-01-02 15:04:05"`
	VANumbers         []VANumber `json:"va_numbers" validate:"omitempty,max=10,dive"`
}

// VANumber is one virtual account entry of a notification.
type VANumber struct {
	Bank     string `json:"bank" validate:"required,max=20"`
	VANumber string `json:"va_number" validate:"required,numeric,max=40"`
}

// ToPort converts the validated request. raw is kept for verification and
// audit.
func (r PaymentNotificationRequest) ToPort(raw []byte) ports.PaymentNotification {
	n := ports.PaymentNotification{
		RawBody:           raw,
		TransactionID:     r.TransactionID,
		OrderID:           r.OrderID,
		TransactionStatus: r.TransactionStatus,
		StatusCode:        r.StatusCode,
		GrossAmount:       r.GrossAmount,
		PaymentType:       r.PaymentType,
		SignatureKey:      r.SignatureKey,
		FraudStatus:       r.FraudStatus,
		Currency:          r.Currency,
	}
	for _, va := range r.VANumbers {
		n.VANumbers = append(n.VANumbers, ports.VANumber{Bank: va.Bank, VANumber: va.VANumber})
	}
	if r.TransactionTime != "" {
		if t, err := time.Parse(TransactionTimeLayout, r.TransactionTime); err == nil {
			n.TransactionTime = &t
		}
	}
	return n
}

// ESignCallbackRequest is the e-signature provider callback body.
type ESignCallbackRequest struct {
	SignatureRequestID string          `json:"signature_request_id" validate:"required,max=100"`
	Event              string          `json:"event" validate:"required,max=50"`
	SignedAt           *time.Time      `json:"signed_at"`
	SignerEmail        string          `json:"signer_email" validate:"omitempty,email,max=254"`
	SignerName         string          `json:"signer_name" validate:"max=200"`
	IPAddress          string          `json:"ip_address" validate:"omitempty,ip"`
	UserAgent          string          `json:"user_agent" validate:"max=500"`
	OccurredAt         *time.Time      `json:"occurred_at"`
	Metadata           json.RawMessage `json:"metadata"`
}

// ToPort converts the validated request. The signature comes from the
// X-Signature header.
func (r ESignCallbackRequest) ToPort(raw []byte, signature string) ports.ESignCallback {
	return ports.ESignCallback{
		RawBody:            raw,
		Signature:          signature,
		SignatureRequestID: r.SignatureRequestID,
		Event:              r.Event,
		SignedAt:           r.SignedAt,
		SignerEmail:        r.SignerEmail,
		SignerName:         r.SignerName,
		IPAddress:          r.IPAddress,
		UserAgent:          r.UserAgent,
		OccurredAt:         r.OccurredAt,
		Metadata:           r.Metadata,
	}
}

// PublishEventRequest is the body of POST /api/v1/events.
type PublishEventRequest struct {
	EventType string          `json:"event_type" validate:"required,event_type,max=100"`
	Data      json.RawMessage `json:"data" validate:"required,json_object"`
}

// PublishEventResponse lists the deliveries created by a publish.
type PublishEventResponse struct {
	EventType   string   `json:"event_type"`
	Deliveries  int      `json:"deliveries"`
	DeliveryIDs []string `json:"delivery_ids"`
}

// DeliveryListQuery holds the query string of GET /api/v1/deliveries.
type DeliveryListQuery struct {
	Status    string `form:"status" validate:"omitempty,oneof=pending delivered failed max_retries_exceeded"`
	EventType string `form:"event_type" validate:"omitempty,max=100"`
	Page      int    `form:"page" validate:"omitempty,min=1"`
	PageSize  int    `form:"page_size" validate:"omitempty,min=1,max=100"`
}

// Normalize fills paging defaults.
func (q *DeliveryListQuery) Normalize() {
	if q.Page == 0 {
		q.Page = 1
	}
	if q.PageSize == 0 {
		q.PageSize = 20
	}
}

// FailedJobsQuery holds the query string of GET /api/v1/queues/:name/failed.
type FailedJobsQuery struct {
	Limit int64 `form:"limit" validate:"omitempty,min=1,max=500"`
}

// DeliveryResponse is the operator view of a delivery.
type DeliveryResponse struct {
	ID             string          `json:"id"`
	SubscriptionID string          `json:"subscription_id"`
	EventType      string          `json:"event_type"`
	Status         string          `json:"status"`
	AttemptCount   int             `json:"attempt_count"`
	HTTPStatus     *int            `json:"http_status,omitempty"`
	ResponseBody   *string         `json:"response_body,omitempty"`
	LastError      *string         `json:"last_error,omitempty"`
	NextRetryAt    *string         `json:"next_retry_at,omitempty"`
	DeliveredAt    *string         `json:"delivered_at,omitempty"`
	CreatedAt      string          `json:"created_at"`
	UpdatedAt      string          `json:"updated_at"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// NewDeliveryResponse maps a delivery. The payload is only included for
// single-delivery lookups.
func NewDeliveryResponse(d *domain.WebhookDelivery, withPayload bool) DeliveryResponse {
	resp := DeliveryResponse{
		ID:             d.ID.String(),
		SubscriptionID: d.SubscriptionID.String(),
		EventType:      d.EventType,
		Status:         string(d.Status),
		AttemptCount:   d.AttemptCount,
		HTTPStatus:     d.HTTPStatus,
		ResponseBody:   d.ResponseBody,
		LastError:      d.LastError,
		NextRetryAt:    formatTime(d.NextRetryAt),
		DeliveredAt:    formatTime(d.DeliveredAt),
		CreatedAt:      d.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:      d.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if withPayload {
		resp.Payload = d.Payload
	}
	return resp
}

// StoreKeysQuery holds the query string of GET /api/v1/store/:namespace/keys.
type StoreKeysQuery struct {
	Match string `form:"match" validate:"omitempty,max=200"`
	Limit int    `form:"limit" validate:"omitempty,min=1,max=1000"`
}

// NamespaceCount is one row of GET /api/v1/store.
type NamespaceCount struct {
	Namespace string `json:"namespace"`
	Keys      int    `json:"keys"`
}

// StoreKeysResponse lists the keys found in one namespace.
type StoreKeysResponse struct {
	Namespace string   `json:"namespace"`
	Keys      []string `json:"keys"`
}

// QueueSummaryResponse is one row of GET /api/v1/queues.
type QueueSummaryResponse struct {
	Queues []domain.QueueCounts `json:"queues"`
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
