package waitlist

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
	return &Handler{service: service, log: log.With().Str("handler", "waitlist").Logger()}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/waitlist", h.Enqueue)
	rg.POST("/waitlist/:id/withdraw", h.Withdraw)
	rg.POST("/offers/accept", h.Accept)
}

func (h *Handler) RegisterAdminRoutes(rg *gin.RouterGroup) {
	rg.GET("/waitlist/:id", h.Get)
}

func (h *Handler) fail(c *gin.Context, op string, err error) {
	if response.FromError(c, err) {
		h.log.Error().Err(err).Str("op", op).Str("id", c.Param("id")).Msg("request failed")
	}
}

func (h *Handler) Enqueue(c *gin.Context) {
	var req EnqueueRequest
	if !validator.BindJSON(c, &req) {
		return
	}
	req.Caller = c.ClientIP()
	out, err := h.service.Enqueue(c.Request.Context(), req)
	if err != nil {
		h.fail(c, "enqueue", err)
		return
	}
	response.Success(c, http.StatusCreated, out)
}

func (h *Handler) Withdraw(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Error(c, http.StatusBadRequest, "validation_error", "Invalid entry id")
		return
	}
	var req WithdrawRequest
	if !validator.BindJSON(c, &req) {
		return
	}
	req.EntryID, req.Caller = id, c.ClientIP()
	e, err := h.service.Withdraw(c.Request.Context(), req)
	if err != nil {
		h.fail(c, "withdraw", err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"entry": e})
}

func (h *Handler) Accept(c *gin.Context) {
	var req AcceptRequest
	if !validator.BindJSON(c, &req) {
		return
	}
	req.Caller = c.ClientIP()
	out, err := h.service.AcceptOffer(c.Request.Context(), req)
	if err != nil {
		h.fail(c, "accept", err)
		return
	}
	response.Success(c, http.StatusCreated, out)
}

func (h *Handler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Error(c, http.StatusBadRequest, "validation_error", "Invalid entry id")
		return
	}
	e, err := h.service.Entry(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "get", err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"entry": e})
}
