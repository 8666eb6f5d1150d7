package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RecordType identifies the business record an inbound event updates.
type RecordType string

const (
	RecordTypePayment   RecordType = "payment"
	RecordTypeSignature RecordType = "signature"
)

// ExternalRecordState tracks the provider-driven status of a business record.
// Once Final is set the status never changes again. Rows are registered by the
// owning business module, which also fills TenantID.
type ExternalRecordState struct {
	TenantID   *uuid.UUID `json:"tenant_id,omitempty"`
	RecordType RecordType `json:"record_type"`
	ExternalID string     `json:"external_id"`
	Status     string     `json:"status"`
	Final      bool       `json:"final"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// RecordStatusUpdate is the payload of a record.update-status job. Event and
// EventData name the domain event to fan out when the update applies.
type RecordStatusUpdate struct {
	RecordType RecordType      `json:"record_type"`
	ExternalID string          `json:"external_id"`
	Status     string          `json:"status"`
	Final      bool            `json:"final"`
	EventID    string          `json:"event_id"`
	Event      string          `json:"event,omitempty"`
	EventData  json.RawMessage `json:"event_data,omitempty"`
}

// StakeholderNotification is the payload of a stakeholder.notify job.
type StakeholderNotification struct {
	TenantID   string     `json:"tenant_id,omitempty"`
	RecordType RecordType `json:"record_type"`
	ExternalID string     `json:"external_id"`
	Status     string     `json:"status"`
	Recipient  string     `json:"recipient,omitempty"`
	EventID    string     `json:"event_id"`
}

// EmailMessage is the payload of an email.send job.
type EmailMessage struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}
