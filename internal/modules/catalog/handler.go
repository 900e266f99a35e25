package catalog

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"venuecore/internal/domain"
	"venuecore/internal/pkg/response"
	"venuecore/internal/pkg/validator"
	"venuecore/internal/repository"
)

type Handler struct {
	service *Service
	log     zerolog.Logger
}

func NewHandler(service *Service, log zerolog.Logger) *Handler {
	return &Handler{service: service, log: log.With().Str("handler", "catalog").Logger()}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/resources", h.GetResources)
	rg.GET("/resources/:id", h.GetResource)
	rg.GET("/resources/:id/availability", h.GetAvailability)
}

// RegisterAdminRoutes mounts resource management; rg must already require auth.
func (h *Handler) RegisterAdminRoutes(rg *gin.RouterGroup) {
	rg.POST("/resources", h.CreateResource)
	rg.PATCH("/resources/:id", h.UpdateResource)
}

func (h *Handler) fail(c *gin.Context, op string, err error) {
	if response.FromError(c, err) {
		h.log.Error().Err(err).Str("op", op).Str("resource_id", c.Param("id")).Msg("request failed")
	}
}

func resourceID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Error(c, http.StatusBadRequest, "validation_error", "Invalid resource id")
		return uuid.Nil, false
	}
	return id, true
}

/* ---------- RESOURCE HANDLERS ---------- */

// GetResources handles GET /api/v1/resources with filters
func (h *Handler) GetResources(c *gin.Context) {
	var f repository.ResourceFilters

	f.Kind = domain.ResourceKind(c.Query("kind"))
	f.Area = c.Query("area")

	if from := c.Query("from"); from != "" {
		if t, err := time.Parse(time.RFC3339, from); err == nil {
			f.From = &t
		}
	}

	if to := c.Query("to"); to != "" {
		if t, err := time.Parse(time.RFC3339, to); err == nil {
			f.To = &t
		}
	}

	// Pagination
	f.Limit = 20 // default
	if limit := c.Query("limit"); limit != "" {
		if val, err := strconv.Atoi(limit); err == nil && val > 0 && val <= 100 {
			f.Limit = val
		}
	}

	f.Offset = 0
	if page := c.Query("page"); page != "" {
		if val, err := strconv.Atoi(page); err == nil && val > 0 {
			f.Offset = (val - 1) * f.Limit
		}
	}

	resources, total, err := h.service.ListResources(c.Request.Context(), f)
	if err != nil {
		h.fail(c, "list", err)
		return
	}

	totalPages := (int(total) + f.Limit - 1) / f.Limit
	currentPage := (f.Offset / f.Limit) + 1

	response.Success(c, http.StatusOK, gin.H{
		"resources": resources,
		"pagination": gin.H{
			"page":        currentPage,
			"limit":       f.Limit,
			"total":       total,
			"total_pages": totalPages,
		},
	})
}

func (h *Handler) GetResource(c *gin.Context) {
	id, ok := resourceID(c)
	if !ok {
		return
	}
	v, err := h.service.GetResource(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "get", err)
		return
	}
	response.Success(c, http.StatusOK, v)
}

func (h *Handler) GetAvailability(c *gin.Context) {
	id, ok := resourceID(c)
	if !ok {
		return
	}
	a, err := h.service.Availability(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "availability", err)
		return
	}
	response.Success(c, http.StatusOK, a)
}

func (h *Handler) CreateResource(c *gin.Context) {
	var req CreateResourceRequest
	if !validator.BindJSON(c, &req) {
		return
	}
	r, err := h.service.CreateResource(c.Request.Context(), req)
	if err != nil {
		h.fail(c, "create", err)
		return
	}
	response.Success(c, http.StatusCreated, gin.H{"resource": r})
}

func (h *Handler) UpdateResource(c *gin.Context) {
	id, ok := resourceID(c)
	if !ok {
		return
	}
	var req UpdateResourceRequest
	if !validator.BindJSON(c, &req) {
		return
	}
	r, err := h.service.UpdateResource(c.Request.Context(), id, req)
	if err != nil {
		h.fail(c, "update", err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"resource": r})
}
