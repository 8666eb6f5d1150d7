package domain

import (
	"time"

	"github.com/google/uuid"
)

// WebhookSubscription is a tenant-configured outbound endpoint.
type WebhookSubscription struct {
	ID         uuid.UUID `json:"id"`
	TenantID   uuid.UUID `json:"tenant_id"`
	URL        string    `json:"url"`
	SecretEnc  string    `json:"-"` // AES-256-GCM ciphertext of the signing secret
	EventTypes []string  `json:"event_types"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
}

// Matches returns true if the subscription wants eventType. "*" matches all.
func (s *WebhookSubscription) Matches(eventType string) bool {
	if !s.Active {
		return false
	}
	for _, t := range s.EventTypes {
		if t == "*" || t == eventType {
			return true
		}
	}
	return false
}
