package handlers

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/elegance-store/backend/internal/daraja"
	"github.com/elegance-store/backend/internal/models"
	"github.com/elegance-store/backend/internal/recon"
	"github.com/elegance-store/backend/internal/store"
)

// promptMessage is returned to the client once the gateway accepts the
// push; the actual approval happens out of band on the buyer's phone.
const promptMessage = "An M-PESA prompt has been sent to your phone. Please check and complete payment"

// PaymentHandler exposes payment initiation, the gateway callback
// receiver, and payment status lookup.
type PaymentHandler struct {
	engine    *recon.Engine
	payments  store.PaymentStore
	callbacks store.CallbackStore
}

// NewPaymentHandler creates a new payment handler
func NewPaymentHandler(engine *recon.Engine, payments store.PaymentStore, callbacks store.CallbackStore) *PaymentHandler {
	return &PaymentHandler{
		engine:    engine,
		payments:  payments,
		callbacks: callbacks,
	}
}

// InitiatePayment handles POST /api/payments
func (h *PaymentHandler) InitiatePayment(c *gin.Context) {
	var req models.InitiatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	pr, result, err := h.engine.Initiate(c.Request.Context(), req.Phone, req.Amount, req.OrderID)
	if err != nil {
		h.renderInitiateError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.InitiatePaymentResponse{
		Message:           promptMessage,
		Reference:         pr.Reference,
		CheckoutRequestID: result.CheckoutRequestID,
	})
}

func (h *PaymentHandler) renderInitiateError(c *gin.Context, err error) {
	var rejection *daraja.RejectionError

	switch {
	case errors.Is(err, daraja.ErrInvalidPhone):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Phone number is required in international format"})
	case errors.Is(err, daraja.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Amount must be a positive whole number"})
	case errors.As(err, &rejection):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error": "Payment was declined by the gateway",
			"code":  rejection.Code,
			"desc":  rejection.Description,
		})
	case errors.Is(err, daraja.ErrGatewayAuth), errors.Is(err, daraja.ErrGatewayUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Payment service is temporarily unavailable"})
	default:
		log.WithError(err).Error("Payment initiation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Payment initiation failed"})
	}
}

// GatewayCallback handles POST /api/payments/callback. The delivery is
// persisted verbatim and the gateway is ALWAYS acknowledged with 200:
// a non-success response here triggers an aggressive redelivery storm,
// not recovery.
func (h *PaymentHandler) GatewayCallback(c *gin.Context) {
	defer h.acknowledge(c)

	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		log.WithError(err).Warn("Failed to read callback body")
		return
	}

	cb := &models.PaymentCallback{
		RawPayload: string(raw),
		ReceivedAt: time.Now(),
	}

	res, parseErr := daraja.ParseCallback(raw)
	if parseErr != nil {
		cb.ParseFailed = true
		log.WithError(parseErr).Warn("Unparseable gateway callback")
	} else {
		cb.CheckoutRequestID = res.CheckoutRequestID
		cb.ResultCode = res.ResultCode
		cb.ResultDesc = res.ResultDesc
	}

	if err := h.callbacks.AppendCallback(c.Request.Context(), cb); err != nil {
		log.WithError(err).Error("Failed to persist gateway callback")
		return
	}

	if err := h.engine.Apply(c.Request.Context(), cb); err != nil {
		log.WithError(err).WithField("callback_id", cb.ID).Error("Callback reconciliation failed")
	}
}

// acknowledge sends the fixed success envelope the gateway expects.
func (h *PaymentHandler) acknowledge(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ResultCode": 0,
		"ResultDesc": "Callback received successfully",
	})
}

// GetPayment handles GET /api/payments/:reference so clients can poll
// the outcome of a prompt.
func (h *PaymentHandler) GetPayment(c *gin.Context) {
	pr, err := h.payments.FindPaymentByReference(c.Request.Context(), c.Param("reference"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Payment not found"})
		return
	}
	if err != nil {
		log.WithError(err).Error("Payment lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Payment lookup failed"})
		return
	}
	c.JSON(http.StatusOK, pr)
}

// HealthCheck handles health check requests
func (h *PaymentHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}
