package booking

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"venuecore/internal/pkg/response"
	"venuecore/internal/pkg/validator"
)

// IdempotencyHeader carries the caller's idempotency key.
const IdempotencyHeader = "Idempotency-Key"

type Handler struct {
	service *Service
	log     zerolog.Logger
}

func NewHandler(service *Service, log zerolog.Logger) *Handler {
	return &Handler{service: service, log: log.With().Str("handler", "booking").Logger()}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/bookings", h.Create)
	rg.GET("/bookings/:id", h.Get)
	rg.POST("/bookings/:id/cancel", h.Cancel)
	rg.POST("/bookings/:id/party-size", h.ChangePartySize)
}

// RegisterAdminRoutes mounts staff endpoints; rg must already require auth.
func (h *Handler) RegisterAdminRoutes(rg *gin.RouterGroup) {
	rg.GET("/bookings/:id", h.AdminGet)
	rg.POST("/bookings/:id/confirm", h.AdminConfirm)
}

func (h *Handler) fail(c *gin.Context, op string, err error) {
	if response.FromError(c, err) {
		h.log.Error().Err(err).Str("op", op).Str("booking_id", c.Param("id")).Msg("request failed")
	}
}

func bookingID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Error(c, http.StatusBadRequest, "validation_error", "Invalid booking id")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if !validator.BindJSON(c, &req) {
		return
	}
	out, replayed, err := h.service.Create(c.Request.Context(), req, c.GetHeader(IdempotencyHeader), c.ClientIP())
	if err != nil {
		h.fail(c, "create", err)
		return
	}
	status := http.StatusCreated
	if replayed {
		c.Header("Idempotent-Replayed", "true")
		status = http.StatusOK
	}
	response.Success(c, status, out)
}

func (h *Handler) Get(c *gin.Context) {
	id, ok := bookingID(c)
	if !ok {
		return
	}
	v, err := h.service.Get(c.Request.Context(), id, c.Query("token"), c.ClientIP())
	if err != nil {
		h.fail(c, "get", err)
		return
	}
	response.Success(c, http.StatusOK, v)
}

func (h *Handler) Cancel(c *gin.Context) {
	id, ok := bookingID(c)
	if !ok {
		return
	}
	var req CancelRequest
	if !validator.BindJSON(c, &req) {
		return
	}
	req.BookingID = id
	req.Caller = c.ClientIP()
	b, err := h.service.Cancel(c.Request.Context(), req)
	if err != nil {
		h.fail(c, "cancel", err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"booking": b})
}

func (h *Handler) ChangePartySize(c *gin.Context) {
	id, ok := bookingID(c)
	if !ok {
		return
	}
	var req PartySizeRequest
	if !validator.BindJSON(c, &req) {
		return
	}
	req.BookingID = id
	req.Caller = c.ClientIP()
	out, err := h.service.ChangePartySize(c.Request.Context(), req)
	if err != nil {
		h.fail(c, "party_size", err)
		return
	}
	status := http.StatusOK
	if out.Payment != nil {
		status = http.StatusAccepted
	}
	response.Success(c, status, out)
}

func (h *Handler) AdminGet(c *gin.Context) {
	id, ok := bookingID(c)
	if !ok {
		return
	}
	v, err := h.service.View(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "admin_get", err)
		return
	}
	history, err := h.service.History(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "admin_get", err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"booking": v.Booking, "tables": v.Tables, "history": history})
}

func (h *Handler) AdminConfirm(c *gin.Context) {
	id, ok := bookingID(c)
	if !ok {
		return
	}
	b, err := h.service.Confirm(c.Request.Context(), id, "confirmed by staff")
	if err != nil {
		h.fail(c, "confirm", err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"booking": b})
}
