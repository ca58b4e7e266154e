// Package recon owns the payment lifecycle: initiating push payments
// and reconciling the gateway's asynchronous callbacks against them.
package recon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/elegance-store/backend/internal/daraja"
	"github.com/elegance-store/backend/internal/metrics"
	"github.com/elegance-store/backend/internal/models"
	"github.com/elegance-store/backend/internal/store"
)

// Gateway is the outbound side of the payment flow.
type Gateway interface {
	InitiatePush(ctx context.Context, phone string, amount decimal.Decimal, reference string) (*daraja.PushResult, error)
}

// Engine matches inbound callbacks to payment requests and applies
// idempotent state transitions. All terminal transitions go through the
// store's conditional updates, so duplicate deliveries, concurrent
// deliveries and a racing expiry sweep resolve to exactly one winner.
type Engine struct {
	payments  store.PaymentStore
	callbacks store.CallbackStore
	orders    store.OrderStore
	gateway   Gateway

	expiryWindow time.Duration
	rematchGrace time.Duration

	now func() time.Time
}

// NewEngine wires the engine. expiryWindow bounds how long a SENT
// request waits for a callback; rematchGrace bounds how long unmatched
// callbacks are retried by the re-match sweep.
func NewEngine(st store.Store, gateway Gateway, expiryWindow, rematchGrace time.Duration) *Engine {
	return &Engine{
		payments:     st,
		callbacks:    st,
		orders:       st,
		gateway:      gateway,
		expiryWindow: expiryWindow,
		rematchGrace: rematchGrace,
		now:          time.Now,
	}
}

// Initiate creates the PaymentRequest in INITIATING, then asks the
// gateway to push the prompt. A failed outbound call leaves the request
// FAILED, never an ambiguous state.
func (e *Engine) Initiate(ctx context.Context, phone string, amount decimal.Decimal, orderID *uint) (*models.PaymentRequest, *daraja.PushResult, error) {
	normalized, err := daraja.NormalizePhone(phone)
	if err != nil {
		return nil, nil, err
	}
	if err := daraja.ValidateAmount(amount); err != nil {
		return nil, nil, err
	}

	pr := &models.PaymentRequest{
		Reference: uuid.New().String(),
		Phone:     normalized,
		Amount:    amount,
		OrderID:   orderID,
	}
	if err := e.payments.CreatePaymentRequest(ctx, pr); err != nil {
		return nil, nil, fmt.Errorf("creating payment request: %w", err)
	}

	logger := log.WithFields(log.Fields{
		"reference": pr.Reference,
		"amount":    amount.String(),
	})
	logger.Info("Initiating push payment")

	result, err := e.gateway.InitiatePush(ctx, normalized, amount, pr.Reference)
	if err != nil {
		if markErr := e.payments.MarkFailed(ctx, pr.Reference, err.Error()); markErr != nil {
			logger.WithError(markErr).Error("Failed to mark payment request failed")
		}
		metrics.PaymentsTotal.WithLabelValues("failed").Inc()
		return nil, nil, err
	}

	if err := e.payments.MarkSent(ctx, pr.Reference, result.CheckoutRequestID, result.RequestPayload, result.ResponsePayload); err != nil {
		// The push went out; losing the SENT write means the expiry sweep
		// will eventually resolve the attempt.
		logger.WithError(err).Error("Failed to record gateway acknowledgment")
		metrics.ReconciliationAlerts.WithLabelValues("mark_sent_failed").Inc()
		return nil, nil, fmt.Errorf("recording gateway acknowledgment: %w", err)
	}

	pr.Status = models.PaymentSent
	pr.CheckoutRequestID = result.CheckoutRequestID
	metrics.PaymentAmount.Observe(amountFloat(amount))

	logger.WithField("checkout_request_id", result.CheckoutRequestID).Info("Push accepted by gateway")
	return pr, result, nil
}

// Apply reconciles one persisted callback. Unmatched and duplicate
// deliveries are not errors; the gateway is acknowledged regardless.
func (e *Engine) Apply(ctx context.Context, cb *models.PaymentCallback) error {
	outcome, err := e.apply(ctx, cb)
	if err != nil {
		return err
	}
	metrics.CallbacksTotal.WithLabelValues(outcome).Inc()
	return nil
}

func (e *Engine) apply(ctx context.Context, cb *models.PaymentCallback) (string, error) {
	if cb.ParseFailed {
		return metrics.CallbackParseFailed, nil
	}

	logger := log.WithFields(log.Fields{
		"checkout_request_id": cb.CheckoutRequestID,
		"result_code":         cb.ResultCode,
	})

	pr, err := e.payments.FindPaymentByCheckoutID(ctx, cb.CheckoutRequestID)
	if errors.Is(err, store.ErrNotFound) {
		// The callback may legitimately race ahead of the local markSent
		// write; the re-match sweep retries it for a grace period.
		logger.Info("Callback matches no payment request")
		return metrics.CallbackUnmatched, nil
	}
	if err != nil {
		return "", fmt.Errorf("looking up payment request: %w", err)
	}

	target := models.PaymentFailed
	if cb.ResultCode == daraja.ResultSuccess {
		target = models.PaymentConfirmed
	}

	// Receipt details travel only in the raw payload; re-derive them so
	// the re-match sweep works from stored rows alone.
	var receipt string
	if res, perr := daraja.ParseCallback([]byte(cb.RawPayload)); perr == nil {
		receipt = res.Receipt
	}

	changed, err := e.payments.TransitionTerminal(ctx, cb.CheckoutRequestID, target, cb.ResultDesc, receipt)
	if err != nil {
		return "", fmt.Errorf("applying terminal transition: %w", err)
	}

	if !changed {
		if pr.Status.Terminal() {
			// Duplicate delivery: the audit row is already persisted, no
			// further mutation is permitted.
			logger.WithField("status", pr.Status).Info("Duplicate callback for terminal payment request")
			if err := e.callbacks.MarkCallbackMatched(ctx, cb.ID, pr.Reference); err != nil {
				logger.WithError(err).Warn("Failed to mark duplicate callback matched")
			}
			return metrics.CallbackDuplicate, nil
		}
		// Request exists but is not SENT yet; leave the callback for the
		// re-match sweep.
		logger.WithField("status", pr.Status).Info("Callback arrived before request was marked sent")
		return metrics.CallbackUnmatched, nil
	}

	if err := e.callbacks.MarkCallbackMatched(ctx, cb.ID, pr.Reference); err != nil {
		logger.WithError(err).Warn("Failed to mark callback matched")
	}

	if target == models.PaymentConfirmed {
		metrics.PaymentsTotal.WithLabelValues("confirmed").Inc()
		logger.WithField("reference", pr.Reference).Info("Payment confirmed")
		e.settleOrder(ctx, pr, logger)
		return metrics.CallbackConfirmed, nil
	}

	metrics.PaymentsTotal.WithLabelValues("failed").Inc()
	if cb.ResultCode == daraja.ResultUserCancelled {
		logger.WithField("reference", pr.Reference).Info("Payment cancelled by user")
	} else {
		logger.WithField("reference", pr.Reference).Info("Payment failed at gateway")
	}
	// The order stays PENDING so the buyer can retry with a fresh
	// payment request.
	return metrics.CallbackFailed, nil
}

// settleOrder moves the linked order PENDING -> PAID. Inconsistencies
// here are financial-state alerts for the operator, never user-visible
// errors: the gateway has already been told the money moved.
func (e *Engine) settleOrder(ctx context.Context, pr *models.PaymentRequest, logger *log.Entry) {
	if pr.OrderID == nil {
		return
	}

	paid, err := e.orders.MarkOrderPaid(ctx, *pr.OrderID)
	if err != nil {
		logger.WithError(err).WithField("order_id", *pr.OrderID).Error("Failed to mark order paid")
		metrics.ReconciliationAlerts.WithLabelValues("order_update_failed").Inc()
		return
	}
	if !paid {
		logger.WithField("order_id", *pr.OrderID).Error("Confirmed payment but order was not pending")
		metrics.ReconciliationAlerts.WithLabelValues("order_not_pending").Inc()
		return
	}
	metrics.OrdersTotal.WithLabelValues("paid").Inc()
	logger.WithField("order_id", *pr.OrderID).Info("Order marked paid")
}

// ExpireStale moves every request still SENT past the expiry window to
// EXPIRED. Required for liveness: the gateway may never call back.
func (e *Engine) ExpireStale(ctx context.Context) (int64, error) {
	cutoff := e.now().Add(-e.expiryWindow)
	n, err := e.payments.ExpireStale(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("expiring stale payment requests: %w", err)
	}
	if n > 0 {
		metrics.PaymentsExpired.Add(float64(n))
		metrics.PaymentsTotal.WithLabelValues("expired").Add(float64(n))
		log.WithField("count", n).Warn("Expired payment requests with no callback")
	}
	return n, nil
}

// Rematch retries unmatched callbacks still inside the grace window,
// covering callbacks that arrived before the local markSent write.
func (e *Engine) Rematch(ctx context.Context) (int, error) {
	since := e.now().Add(-e.rematchGrace)
	cbs, err := e.callbacks.UnmatchedCallbacksSince(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("listing unmatched callbacks: %w", err)
	}

	matched := 0
	for i := range cbs {
		outcome, err := e.apply(ctx, &cbs[i])
		if err != nil {
			log.WithError(err).WithField("callback_id", cbs[i].ID).Error("Re-match attempt failed")
			continue
		}
		if outcome == metrics.CallbackConfirmed || outcome == metrics.CallbackFailed || outcome == metrics.CallbackDuplicate {
			matched++
			metrics.CallbacksRematched.Inc()
		}
	}
	return matched, nil
}

// RunSweeps drives the expiry reaper and the re-match sweep until ctx
// is cancelled.
func (e *Engine) RunSweeps(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.WithField("interval", interval).Info("Reconciliation sweeps started")
	for {
		select {
		case <-ctx.Done():
			log.Info("Reconciliation sweeps stopped")
			return
		case <-ticker.C:
			if _, err := e.ExpireStale(ctx); err != nil {
				log.WithError(err).Error("Expiry sweep failed")
			}
			if _, err := e.Rematch(ctx); err != nil {
				log.WithError(err).Error("Re-match sweep failed")
			}
		}
	}
}

func amountFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
