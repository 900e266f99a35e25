package feedback

import (
	"net/http"
	"strconv"

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
	return &Handler{service: service, log: log.With().Str("handler", "feedback").Logger()}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/bookings/:id/feedback", h.Submit)
}

// RegisterAdminRoutes mounts staff endpoints; rg must already require auth.
func (h *Handler) RegisterAdminRoutes(rg *gin.RouterGroup) {
	rg.GET("/resources/:id/feedback", h.ListForResource)
	rg.POST("/feedback/:id/response", h.Respond)
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

func (h *Handler) Submit(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req SubmitRequest
	if !validator.BindJSON(c, &req) {
		return
	}
	req.BookingID = id
	req.Caller = c.ClientIP()
	fb, err := h.service.Submit(c.Request.Context(), req)
	if err != nil {
		h.fail(c, "submit", err)
		return
	}
	response.Success(c, http.StatusCreated, gin.H{"feedback": fb})
}

func (h *Handler) ListForResource(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	limit := 20
	if v, err := strconv.Atoi(c.Query("limit")); err == nil && v > 0 && v <= 100 {
		limit = v
	}
	offset := 0
	if v, err := strconv.Atoi(c.Query("offset")); err == nil && v > 0 {
		offset = v
	}

	items, total, err := h.service.ListForResource(c.Request.Context(), id, limit, offset)
	if err != nil {
		h.fail(c, "list", err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"feedback": items, "total": total})
}

func (h *Handler) Respond(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req StaffResponseRequest
	if !validator.BindJSON(c, &req) {
		return
	}
	fb, err := h.service.Respond(c.Request.Context(), id, c.GetString("staff_id"), req.Response)
	if err != nil {
		h.fail(c, "respond", err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"feedback": fb})
}
