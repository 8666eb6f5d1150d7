package service

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"travel-event-core/internal/core/domain"
	"travel-event-core/internal/core/ports"
)

// HMACSignatureService implements ports.SignatureService using HMAC-SHA256.
type HMACSignatureService struct{}

// NewHMACSignatureService creates a new HMAC-SHA256 signature service.
func NewHMACSignatureService() *HMACSignatureService {
	return &HMACSignatureService{}
}

// Sign computes HMAC-SHA256 of payload using secretKey.
// Returns lowercase hex-encoded signature.
func (s *HMACSignatureService) Sign(secretKey string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secretKey))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks if signature matches HMAC-SHA256(secretKey, payload).
// Uses constant-time comparison to prevent timing attacks.
func (s *HMACSignatureService) Verify(secretKey string, payload []byte, signature string) bool {
	expected := s.Sign(secretKey, payload)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}

// SignatureHeader formats an outbound signature header value.
func SignatureHeader(signature string) string {
	return "sha256=" + signature
}

// PaymentGatewayStrategy verifies gateway notifications, signed as
// hex(SHA512(order_id + status_code + gross_amount + server_key)).
type PaymentGatewayStrategy struct{}

// Provider returns domain.ProviderPaymentGateway.
func (PaymentGatewayStrategy) Provider() domain.Provider {
	return domain.ProviderPaymentGateway
}

// Verify recomputes the digest from the notification fields in rawPayload.
func (PaymentGatewayStrategy) Verify(rawPayload []byte, supplied, serverKey string) bool {
	if supplied == "" || serverKey == "" {
		return false
	}
	fields, err := parsePaymentSignatureFields(rawPayload)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(PaymentGatewaySignature(fields.OrderID, fields.StatusCode, fields.GrossAmount, serverKey)),
		[]byte(strings.ToLower(supplied)))
}

// PaymentGatewaySignature computes the gateway's notification digest.
func PaymentGatewaySignature(orderID, statusCode, grossAmount, serverKey string) string {
	sum := sha512.Sum512([]byte(orderID + statusCode + grossAmount + serverKey))
	return hex.EncodeToString(sum[:])
}

type paymentSignatureFields struct {
	OrderID     string `json:"order_id"`
	StatusCode  string `json:"status_code"`
	GrossAmount string `json:"gross_amount"`
}

func parsePaymentSignatureFields(raw []byte) (paymentSignatureFields, error) {
	var f paymentSignatureFields
	if err := json.Unmarshal(raw, &f); err != nil {
		return f, fmt.Errorf("parse payment notification: %w", err)
	}
	return f, nil
}

// ESignStrategy verifies e-signature callbacks, signed as
// hex(HMAC-SHA256(secret, raw body)) with an optional "sha256=" prefix.
type ESignStrategy struct {
	hmac *HMACSignatureService
}

// NewESignStrategy creates the e-signature strategy.
func NewESignStrategy(hmacSvc *HMACSignatureService) ESignStrategy {
	return ESignStrategy{hmac: hmacSvc}
}

// Provider returns domain.ProviderESign.
func (ESignStrategy) Provider() domain.Provider {
	return domain.ProviderESign
}

// Verify checks supplied against the HMAC of the exact received bytes.
func (s ESignStrategy) Verify(rawPayload []byte, supplied, secret string) bool {
	if supplied == "" || secret == "" {
		return false
	}
	supplied = strings.TrimPrefix(strings.TrimSpace(supplied), "sha256=")
	return s.hmac.Verify(secret, rawPayload, supplied)
}

// SignatureRegistry implements ports.SignatureVerifier.
type SignatureRegistry struct {
	strategies map[domain.Provider]ports.SignatureStrategy
}

// NewSignatureRegistry registers the given strategies by provider.
func NewSignatureRegistry(strategies ...ports.SignatureStrategy) *SignatureRegistry {
	r := &SignatureRegistry{strategies: make(map[domain.Provider]ports.SignatureStrategy, len(strategies))}
	for _, s := range strategies {
		r.strategies[s.Provider()] = s
	}
	return r
}

// NewDefaultSignatureRegistry registers every supported provider.
func NewDefaultSignatureRegistry(hmacSvc *HMACSignatureService) *SignatureRegistry {
	return NewSignatureRegistry(PaymentGatewayStrategy{}, NewESignStrategy(hmacSvc))
}

// Strategy returns the strategy for provider.
func (r *SignatureRegistry) Strategy(provider domain.Provider) (ports.SignatureStrategy, bool) {
	s, ok := r.strategies[provider]
	return s, ok
}
