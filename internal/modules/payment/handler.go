package payment

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"venuecore/internal/pkg/response"
	"venuecore/internal/pkg/validator"
)

const maxWebhookBody = 1 << 20

type Handler struct {
	service *Service
	log     zerolog.Logger
}

func NewHandler(service *Service, log zerolog.Logger) *Handler {
	return &Handler{service: service, log: log.With().Str("handler", "payment").Logger()}
}

func (h *Handler) RegisterPublicRoutes(rg *gin.RouterGroup) {
	rg.POST("/bookings/:id/checkout", h.StartCheckout)
	rg.POST("/bookings/:id/card", h.CaptureCard)
	rg.POST("/bookings/:id/pre-order", h.PreOrder)
	rg.POST("/payments/webhook", h.Webhook)
	rg.POST("/charges/:id/decision", h.Decide)
}

// RegisterAdminRoutes mounts staff endpoints; rg must already require auth.
func (h *Handler) RegisterAdminRoutes(rg *gin.RouterGroup) {
	rg.POST("/bookings/:id/charges", h.RequestCharge)
	rg.GET("/bookings/:id/charges", h.ListCharges)
	rg.GET("/bookings/:id/payments", h.ListPayments)
	rg.POST("/charges/:id/waive", h.Waive)
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

func (h *Handler) StartCheckout(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req PayRequest
	if !validator.BindJSON(c, &req) {
		return
	}
	req.BookingID, req.Caller = id, c.ClientIP()
	out, err := h.service.StartCheckout(c.Request.Context(), req)
	if err != nil {
		h.fail(c, "checkout", err)
		return
	}
	response.Success(c, http.StatusOK, out)
}

func (h *Handler) PreOrder(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req PreOrderRequest
	if !validator.BindJSON(c, &req) {
		return
	}
	req.BookingID, req.Caller = id, c.ClientIP()
	out, err := h.service.StartPreOrder(c.Request.Context(), req)
	if err != nil {
		h.fail(c, "pre_order", err)
		return
	}
	response.Success(c, http.StatusOK, out)
}

func (h *Handler) CaptureCard(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req PayRequest
	if !validator.BindJSON(c, &req) {
		return
	}
	req.BookingID, req.Caller = id, c.ClientIP()
	out, err := h.service.CaptureCard(c.Request.Context(), req)
	if err != nil {
		h.fail(c, "capture_card", err)
		return
	}
	response.Success(c, http.StatusOK, out)
}

func (h *Handler) Webhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		response.Error(c, http.StatusBadRequest, "validation_error", "Unreadable body")
		return
	}
	if err := h.service.OnWebhook(c.Request.Context(), c.GetHeader(SignatureHeader), body, c.ClientIP()); err != nil {
		h.fail(c, "webhook", err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"received": true})
}

func (h *Handler) Decide(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req DecisionRequest
	if !validator.BindJSON(c, &req) {
		return
	}
	req.ChargeRequestID, req.Caller = id, c.ClientIP()
	cr, err := h.service.Decide(c.Request.Context(), req)
	if err != nil {
		h.fail(c, "decide", err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"charge_request": cr})
}

func (h *Handler) RequestCharge(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var in ChargeInput
	if !validator.BindJSON(c, &in) {
		return
	}
	in.BookingID, in.RequestedBy = id, c.GetString("staff_id")
	cr, err := h.service.RequestCharge(c.Request.Context(), in)
	if err != nil {
		h.fail(c, "request_charge", err)
		return
	}
	response.Success(c, http.StatusCreated, gin.H{"charge_request": cr})
}

func (h *Handler) ListCharges(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	out, err := h.service.Charges(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "list_charges", err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"charge_requests": out})
}

func (h *Handler) ListPayments(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	out, err := h.service.Payments(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "list_payments", err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"payments": out})
}

func (h *Handler) Waive(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req WaiveRequest
	if c.Request.ContentLength > 0 && !validator.BindJSON(c, &req) {
		return
	}
	req.ChargeRequestID, req.By = id, c.GetString("staff_id")
	cr, err := h.service.WaiveCharge(c.Request.Context(), req)
	if err != nil {
		h.fail(c, "waive", err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"charge_request": cr})
}
