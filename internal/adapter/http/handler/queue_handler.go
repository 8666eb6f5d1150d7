package handler

import (
	"errors"

	"travel-event-core/internal/adapter/http/dto"
	"travel-event-core/internal/core/domain"
	"travel-event-core/internal/core/ports"
	"travel-event-core/pkg/apperror"
	"travel-event-core/pkg/response"

	"github.com/gin-gonic/gin"
)

const defaultFailedLimit = 50

// QueueHandler exposes read-only queue diagnostics to operators.
type QueueHandler struct {
	inspector ports.QueueInspector
}

// NewQueueHandler creates a new QueueHandler.
func NewQueueHandler(inspector ports.QueueInspector) *QueueHandler {
	return &QueueHandler{inspector: inspector}
}

// List handles GET /api/v1/queues.
func (h *QueueHandler) List(c *gin.Context) {
	queues := h.inspector.Queues()
	out := make([]domain.QueueCounts, 0, len(queues))
	for _, q := range queues {
		counts, err := h.inspector.Counts(c.Request.Context(), q)
		if err != nil {
			response.Error(c, queueError(err))
			return
		}
		out = append(out, *counts)
	}
	response.OK(c, dto.QueueSummaryResponse{Queues: out})
}

// Failed handles GET /api/v1/queues/:name/failed.
func (h *QueueHandler) Failed(c *gin.Context) {
	var q dto.FailedJobsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		response.Error(c, apperror.Validation([]apperror.FieldError{{Field: "limit", Message: "must be an integer"}}))
		return
	}
	if err := dto.Validate(&q); err != nil {
		response.Error(c, err)
		return
	}
	if q.Limit == 0 {
		q.Limit = defaultFailedLimit
	}

	jobs, err := h.inspector.ListFailed(c.Request.Context(), c.Param("name"), q.Limit)
	if err != nil {
		response.Error(c, queueError(err))
		return
	}
	if jobs == nil {
		jobs = []domain.Job{}
	}
	response.OK(c, jobs)
}

// GetJob handles GET /api/v1/queues/:name/jobs/:id.
func (h *QueueHandler) GetJob(c *gin.Context) {
	job, err := h.inspector.Get(c.Request.Context(), c.Param("name"), c.Param("id"))
	if err != nil {
		response.Error(c, queueError(err))
		return
	}
	response.OK(c, job)
}

func queueError(err error) error {
	switch {
	case errors.Is(err, domain.ErrUnknownQueue):
		return apperror.ErrNotFound("queue")
	case errors.Is(err, domain.ErrJobNotFound):
		return apperror.ErrNotFound("job")
	}
	return apperror.ErrQueueUnavailable(err)
}
