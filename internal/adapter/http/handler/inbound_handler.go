package handler

import (
	"errors"
	"io"
	"net/http"

	"travel-event-core/internal/adapter/http/dto"
	"travel-event-core/internal/core/ports"
	"travel-event-core/pkg/apperror"
	"travel-event-core/pkg/response"

	"github.com/gin-gonic/gin"
)

// HeaderESignSignature carries the e-signature provider's HMAC.
const HeaderESignSignature = "X-Signature"

// InboundHandler receives provider callbacks.
type InboundHandler struct {
	ingestSvc ports.IngestService
}

// NewInboundHandler creates a new InboundHandler.
func NewInboundHandler(ingestSvc ports.IngestService) *InboundHandler {
	return &InboundHandler{ingestSvc: ingestSvc}
}

// PaymentGateway handles POST /api/v1/webhooks/payment-gateway.
// Duplicates answer 200 so the provider stops retrying.
func (h *InboundHandler) PaymentGateway(c *gin.Context) {
	raw, err := readBody(c)
	if err != nil {
		response.Error(c, err)
		return
	}

	var req dto.PaymentNotificationRequest
	if err := dto.Decode(raw, &req); err != nil {
		response.Error(c, err)
		return
	}

	result, err := h.ingestSvc.IngestPaymentNotification(c.Request.Context(), req.ToPort(raw))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, result)
}

// ESign handles POST /api/v1/webhooks/esign.
func (h *InboundHandler) ESign(c *gin.Context) {
	raw, err := readBody(c)
	if err != nil {
		response.Error(c, err)
		return
	}

	var req dto.ESignCallbackRequest
	if err := dto.Decode(raw, &req); err != nil {
		response.Error(c, err)
		return
	}

	result, err := h.ingestSvc.IngestESignCallback(c.Request.Context(), req.ToPort(raw, c.GetHeader(HeaderESignSignature)))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, result)
}

// readBody returns the exact request bytes, which signatures are computed over.
func readBody(c *gin.Context) ([]byte, error) {
	if c.Request.Body == nil {
		return nil, apperror.Validation([]apperror.FieldError{{Field: "body", Message: "is required"}})
	}
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, apperror.ErrBodyTooLarge(tooLarge.Limit)
		}
		return nil, apperror.Validation([]apperror.FieldError{{Field: "body", Message: "cannot be read"}})
	}
	if len(raw) == 0 {
		return nil, apperror.Validation([]apperror.FieldError{{Field: "body", Message: "is required"}})
	}
	return raw, nil
}
