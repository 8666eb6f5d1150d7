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

const defaultStoreKeyLimit = 100

// StoreHandler exposes read-only shared store diagnostics.
type StoreHandler struct {
	inspector ports.StoreInspector
}

func NewStoreHandler(inspector ports.StoreInspector) *StoreHandler {
	return &StoreHandler{inspector: inspector}
}

// Namespaces handles GET /api/v1/store.
func (h *StoreHandler) Namespaces(c *gin.Context) {
	counts, err := h.inspector.KeyCounts(c.Request.Context())
	if err != nil {
		response.Error(c, apperror.ErrStoreUnavailable(err))
		return
	}
	names := h.inspector.NamespaceNames()
	out := make([]dto.NamespaceCount, 0, len(names))
	for _, ns := range names {
		out = append(out, dto.NamespaceCount{Namespace: ns, Keys: counts[ns]})
	}
	response.OK(c, out)
}

// Keys handles GET /api/v1/store/:namespace/keys.
func (h *StoreHandler) Keys(c *gin.Context) {
	var q dto.StoreKeysQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		response.Error(c, apperror.Validation([]apperror.FieldError{{Field: "limit", Message: "must be an integer"}}))
		return
	}
	if err := dto.Validate(&q); err != nil {
		response.Error(c, err)
		return
	}
	if q.Limit == 0 {
		q.Limit = defaultStoreKeyLimit
	}

	ns := c.Param("namespace")
	keys, err := h.inspector.ScanKeys(c.Request.Context(), ns, q.Match, q.Limit)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownNamespace) {
			response.Error(c, apperror.ErrNotFound("namespace"))
			return
		}
		response.Error(c, apperror.ErrStoreUnavailable(err))
		return
	}
	if keys == nil {
		keys = []string{}
	}
	response.OK(c, dto.StoreKeysResponse{Namespace: ns, Keys: keys})
}
