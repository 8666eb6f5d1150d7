package handler

import (
	"math"
	"strconv"

	"travel-event-core/internal/adapter/http/dto"
	"travel-event-core/internal/adapter/http/middleware"
	"travel-event-core/internal/core/domain"
	"travel-event-core/internal/core/ports"
	"travel-event-core/pkg/apperror"
	"travel-event-core/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// EventHandler handles the operator endpoints for outbound events and their
// deliveries.
type EventHandler struct {
	webhookSvc ports.WebhookService
}

// NewEventHandler creates a new EventHandler.
func NewEventHandler(webhookSvc ports.WebhookService) *EventHandler {
	return &EventHandler{webhookSvc: webhookSvc}
}

// Publish handles POST /api/v1/events.
func (h *EventHandler) Publish(c *gin.Context) {
	tenantID, ok := middleware.TenantID(c)
	if !ok {
		response.Error(c, apperror.ErrInvalidToken())
		return
	}

	raw, err := readBody(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	var req dto.PublishEventRequest
	if err := dto.Decode(raw, &req); err != nil {
		response.Error(c, err)
		return
	}

	payload, err := domain.DecodePayload(req.EventType, req.Data)
	if err != nil {
		response.Error(c, apperror.Validation([]apperror.FieldError{{Field: "data", Message: "does not match " + req.EventType}}))
		return
	}

	deliveries, err := h.webhookSvc.Publish(c.Request.Context(), tenantID, payload)
	if err != nil {
		response.Error(c, err)
		return
	}

	ids := make([]string, 0, len(deliveries))
	for _, d := range deliveries {
		ids = append(ids, d.ID.String())
	}
	response.Accepted(c, dto.PublishEventResponse{
		EventType:   req.EventType,
		Deliveries:  len(ids),
		DeliveryIDs: ids,
	})
}

// ListDeliveries handles GET /api/v1/deliveries.
func (h *EventHandler) ListDeliveries(c *gin.Context) {
	tenantID, ok := middleware.TenantID(c)
	if !ok {
		response.Error(c, apperror.ErrInvalidToken())
		return
	}

	var q dto.DeliveryListQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		response.Error(c, apperror.Validation([]apperror.FieldError{{Field: "query", Message: "page and page_size must be integers"}}))
		return
	}
	if err := dto.Validate(&q); err != nil {
		response.Error(c, err)
		return
	}
	q.Normalize()

	params := ports.DeliveryListParams{
		TenantID: tenantID,
		Page:     q.Page,
		PageSize: q.PageSize,
	}
	if q.Status != "" {
		status := domain.DeliveryStatus(q.Status)
		params.Status = &status
	}
	if q.EventType != "" {
		params.EventType = &q.EventType
	}

	deliveries, total, err := h.webhookSvc.List(c.Request.Context(), params)
	if err != nil {
		response.Error(c, err)
		return
	}

	items := make([]dto.DeliveryResponse, 0, len(deliveries))
	for i := range deliveries {
		items = append(items, dto.NewDeliveryResponse(&deliveries[i], false))
	}
	c.Header("X-Total-Pages", strconv.Itoa(int(math.Ceil(float64(total)/float64(q.PageSize)))))
	response.Paged(c, items, q.Page, q.PageSize, total)
}

// GetDelivery handles GET /api/v1/deliveries/:id.
func (h *EventHandler) GetDelivery(c *gin.Context) {
	tenantID, ok := middleware.TenantID(c)
	if !ok {
		response.Error(c, apperror.ErrInvalidToken())
		return
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Error(c, apperror.Validation([]apperror.FieldError{{Field: "id", Message: "must be a UUID"}}))
		return
	}

	d, err := h.webhookSvc.Get(c.Request.Context(), tenantID, id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, dto.NewDeliveryResponse(d, true))
}
