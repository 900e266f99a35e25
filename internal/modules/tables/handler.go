package tables

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"venuecore/internal/pkg/response"
	"venuecore/internal/pkg/validator"
)

type Handler struct {
	service *Service
	log     zerolog.Logger
}

func NewHandler(service *Service, log zerolog.Logger) *Handler {
	return &Handler{service: service, log: log.With().Str("handler", "tables").Logger()}
}

// RegisterAdminRoutes mounts floor management; rg must already require auth.
func (h *Handler) RegisterAdminRoutes(rg *gin.RouterGroup) {
	rg.POST("/tables", h.CreateTable)
	rg.POST("/table-links", h.CreateLink)
	rg.POST("/blocks", h.CreateBlock)
	rg.DELETE("/blocks/:id", h.DeleteBlock)
	rg.GET("/bookings/:id/tables", h.Assignments)
	rg.POST("/bookings/:id/move", h.Move)
	rg.POST("/bookings/:id/unassign", h.Unassign)
	rg.POST("/bookings/:id/reallocate", h.Reallocate)
}

type linkRequest struct {
	ResourceID uuid.UUID `json:"resource_id" validate:"required"`
	TableA     uuid.UUID `json:"table_a" validate:"required"`
	TableB     uuid.UUID `json:"table_b" validate:"required"`
}

type moveRequest struct {
	TableID uuid.UUID `json:"table_id" validate:"required"`
}

func (h *Handler) fail(c *gin.Context, op string, err error) {
	if response.FromError(c, err) {
		h.log.Error().Err(err).Str("op", op).Str("id", c.Param("id")).Msg("request failed")
	}
}

func pathID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Error(c, http.StatusBadRequest, "validation_error", "Invalid id")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) CreateTable(c *gin.Context) {
	var req CreateTableRequest
	if !validator.BindJSON(c, &req) {
		return
	}
	t, err := h.service.CreateTable(c.Request.Context(), req)
	if err != nil {
		h.fail(c, "create_table", err)
		return
	}
	response.Success(c, http.StatusCreated, gin.H{"table": t})
}

func (h *Handler) CreateLink(c *gin.Context) {
	var req linkRequest
	if !validator.BindJSON(c, &req) {
		return
	}
	l, err := h.service.CreateLink(c.Request.Context(), req.ResourceID, req.TableA, req.TableB)
	if err != nil {
		h.fail(c, "create_link", err)
		return
	}
	response.Success(c, http.StatusCreated, gin.H{"link": l})
}

func (h *Handler) CreateBlock(c *gin.Context) {
	var req CreateBlockRequest
	if !validator.BindJSON(c, &req) {
		return
	}
	b, err := h.service.CreateBlock(c.Request.Context(), req)
	if err != nil {
		h.fail(c, "create_block", err)
		return
	}
	response.Success(c, http.StatusCreated, gin.H{"block": b})
}

func (h *Handler) DeleteBlock(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.service.DeleteBlock(c.Request.Context(), id); err != nil {
		h.fail(c, "delete_block", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) Assignments(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	out, err := h.service.Assignments(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "assignments", err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"tables": out})
}

func (h *Handler) Move(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req moveRequest
	if !validator.BindJSON(c, &req) {
		return
	}
	a, err := h.service.Move(c.Request.Context(), id, req.TableID)
	if err != nil {
		h.fail(c, "move", err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"table": a})
}

func (h *Handler) Unassign(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.service.Unassign(c.Request.Context(), id); err != nil {
		h.fail(c, "unassign", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) Reallocate(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	out, err := h.service.Reallocate(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "reallocate", err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"tables": out})
}
