package recon

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elegance-store/backend/internal/daraja"
	"github.com/elegance-store/backend/internal/models"
	"github.com/elegance-store/backend/internal/store"
)

type stubGateway struct {
	checkoutID string
	err        error
	calls      int32
	onCall     func(reference string)
}

func (g *stubGateway) InitiatePush(_ context.Context, phone string, amount decimal.Decimal, reference string) (*daraja.PushResult, error) {
	atomic.AddInt32(&g.calls, 1)
	if g.onCall != nil {
		g.onCall(reference)
	}
	if g.err != nil {
		return nil, g.err
	}
	return &daraja.PushResult{
		MerchantRequestID: "merchant-1",
		CheckoutRequestID: g.checkoutID,
		CustomerMessage:   "Success. Request accepted for processing",
		RequestPayload:    `{"PhoneNumber":"` + phone + `"}`,
		ResponsePayload:   `{"ResponseCode":"0"}`,
	}, nil
}

// countingStore counts order settlements so tests can assert the
// at-most-once side effect.
type countingStore struct {
	*store.MemoryStore
	paidCalls int32
}

func (s *countingStore) MarkOrderPaid(ctx context.Context, id uint) (bool, error) {
	atomic.AddInt32(&s.paidCalls, 1)
	return s.MemoryStore.MarkOrderPaid(ctx, id)
}

func newTestEngine(gateway *stubGateway) (*Engine, *countingStore) {
	st := &countingStore{MemoryStore: store.NewMemoryStore()}
	return NewEngine(st, gateway, 2*time.Minute, 10*time.Minute), st
}

func callbackBody(checkoutID string, code int, desc string) string {
	return fmt.Sprintf(`{"Body":{"stkCallback":{
		"MerchantRequestID":"merchant-1",
		"CheckoutRequestID":"%s",
		"ResultCode":%d,
		"ResultDesc":"%s",
		"CallbackMetadata":{"Item":[
			{"Name":"Amount","Value":500.0},
			{"Name":"MpesaReceiptNumber","Value":"NLJ7RT61SV"},
			{"Name":"PhoneNumber","Value":254712345678}]}}}}`,
		checkoutID, code, desc)
}

// persistCallback mirrors what the callback receiver does before it
// hands off to the engine.
func persistCallback(t *testing.T, st store.CallbackStore, raw string) *models.PaymentCallback {
	t.Helper()

	cb := &models.PaymentCallback{RawPayload: raw, ReceivedAt: time.Now()}
	res, err := daraja.ParseCallback([]byte(raw))
	if err != nil {
		cb.ParseFailed = true
	} else {
		cb.CheckoutRequestID = res.CheckoutRequestID
		cb.ResultCode = res.ResultCode
		cb.ResultDesc = res.ResultDesc
	}
	require.NoError(t, st.AppendCallback(context.Background(), cb))
	return cb
}

func TestInitiate_CreatesRecordBeforeNetworkCall(t *testing.T) {
	ctx := context.Background()

	var st *countingStore
	gateway := &stubGateway{checkoutID: "ws_CO_1"}
	gateway.onCall = func(reference string) {
		pr, err := st.FindPaymentByReference(ctx, reference)
		require.NoError(t, err, "record must exist before the outbound call")
		assert.Equal(t, models.PaymentInitiating, pr.Status)
	}
	engine, cs := newTestEngine(gateway)
	st = cs

	pr, result, err := engine.Initiate(ctx, "+254712345678", decimal.NewFromInt(500), nil)
	require.NoError(t, err)
	assert.Equal(t, "ws_CO_1", result.CheckoutRequestID)
	assert.Equal(t, models.PaymentSent, pr.Status)
	assert.Equal(t, "254712345678", pr.Phone)

	stored, err := st.FindPaymentByCheckoutID(ctx, "ws_CO_1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentSent, stored.Status)
	assert.NotEmpty(t, stored.ResponsePayload)
}

func TestInitiate_GatewayFailureLeavesFailedState(t *testing.T) {
	ctx := context.Background()
	gateway := &stubGateway{err: daraja.ErrGatewayUnavailable}
	var reference string
	gateway.onCall = func(ref string) { reference = ref }
	engine, st := newTestEngine(gateway)

	pr, _, err := engine.Initiate(ctx, "254712345678", decimal.NewFromInt(500), nil)
	assert.ErrorIs(t, err, daraja.ErrGatewayUnavailable)
	assert.Nil(t, pr)

	// The attempt is inspectable afterwards, never ambiguous.
	stored, err := st.FindPaymentByReference(ctx, reference)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentFailed, stored.Status)
}

func TestInitiate_InvalidInputNeverReachesGateway(t *testing.T) {
	ctx := context.Background()
	gateway := &stubGateway{checkoutID: "ws_CO_1"}
	engine, _ := newTestEngine(gateway)

	_, _, err := engine.Initiate(ctx, "bogus", decimal.NewFromInt(500), nil)
	assert.ErrorIs(t, err, daraja.ErrInvalidPhone)

	_, _, err = engine.Initiate(ctx, "254712345678", decimal.NewFromFloat(9.99), nil)
	assert.ErrorIs(t, err, daraja.ErrInvalidAmount)

	assert.Zero(t, atomic.LoadInt32(&gateway.calls))
}

func TestApply_ConfirmsPaymentAndSettlesOrder(t *testing.T) {
	ctx := context.Background()
	gateway := &stubGateway{checkoutID: "ws_CO_1"}
	engine, st := newTestEngine(gateway)

	order := &models.Order{UserID: 1, Total: decimal.NewFromInt(500)}
	require.NoError(t, st.CreateOrder(ctx, order))

	_, _, err := engine.Initiate(ctx, "254712345678", decimal.NewFromInt(500), &order.ID)
	require.NoError(t, err)

	cb := persistCallback(t, st, callbackBody("ws_CO_1", daraja.ResultSuccess, "The service request is processed successfully."))
	require.NoError(t, engine.Apply(ctx, cb))

	pr, err := st.FindPaymentByCheckoutID(ctx, "ws_CO_1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentConfirmed, pr.Status)
	assert.Equal(t, "NLJ7RT61SV", pr.Receipt)

	got, err := st.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPaid, got.Status)

	// Redelivery of the same terminal callback: one more audit row,
	// zero further state changes.
	dup := persistCallback(t, st, callbackBody("ws_CO_1", daraja.ResultSuccess, "The service request is processed successfully."))
	require.NoError(t, engine.Apply(ctx, dup))

	rows, err := st.ListCallbacksByCheckoutID(ctx, "ws_CO_1")
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	got, err = st.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPaid, got.Status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&st.paidCalls))
}

func TestApply_UserCancelledLeavesOrderPending(t *testing.T) {
	ctx := context.Background()
	gateway := &stubGateway{checkoutID: "ws_CO_1"}
	engine, st := newTestEngine(gateway)

	order := &models.Order{UserID: 1, Total: decimal.NewFromInt(500)}
	require.NoError(t, st.CreateOrder(ctx, order))

	_, _, err := engine.Initiate(ctx, "254712345678", decimal.NewFromInt(500), &order.ID)
	require.NoError(t, err)

	cb := persistCallback(t, st, callbackBody("ws_CO_1", daraja.ResultUserCancelled, "Request cancelled by user"))
	require.NoError(t, engine.Apply(ctx, cb))

	pr, err := st.FindPaymentByCheckoutID(ctx, "ws_CO_1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentFailed, pr.Status)

	// The buyer can retry with a fresh payment request.
	got, err := st.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, got.Status)
	assert.Zero(t, atomic.LoadInt32(&st.paidCalls))
}

func TestApply_UnmatchedCallbackIsHarmless(t *testing.T) {
	ctx := context.Background()
	gateway := &stubGateway{checkoutID: "ws_CO_1"}
	engine, st := newTestEngine(gateway)

	_, _, err := engine.Initiate(ctx, "254712345678", decimal.NewFromInt(500), nil)
	require.NoError(t, err)

	cb := persistCallback(t, st, callbackBody("ws_CO_unknown", daraja.ResultSuccess, "ok"))
	require.NoError(t, engine.Apply(ctx, cb))

	// The unrelated payment request is untouched.
	pr, err := st.FindPaymentByCheckoutID(ctx, "ws_CO_1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentSent, pr.Status)

	unmatched, err := st.UnmatchedCallbacksSince(ctx, time.Time{})
	require.NoError(t, err)
	assert.Len(t, unmatched, 1)
}

func TestApply_ConcurrentDeliveriesSettleOnce(t *testing.T) {
	ctx := context.Background()
	gateway := &stubGateway{checkoutID: "ws_CO_1"}
	engine, st := newTestEngine(gateway)

	order := &models.Order{UserID: 1, Total: decimal.NewFromInt(500)}
	require.NoError(t, st.CreateOrder(ctx, order))

	_, _, err := engine.Initiate(ctx, "254712345678", decimal.NewFromInt(500), &order.ID)
	require.NoError(t, err)

	const n = 20
	cbs := make([]*models.PaymentCallback, n)
	for i := range cbs {
		cbs[i] = persistCallback(t, st, callbackBody("ws_CO_1", daraja.ResultSuccess, "ok"))
	}

	var wg sync.WaitGroup
	for i := range cbs {
		wg.Add(1)
		go func(cb *models.PaymentCallback) {
			defer wg.Done()
			assert.NoError(t, engine.Apply(ctx, cb))
		}(cbs[i])
	}
	wg.Wait()

	pr, err := st.FindPaymentByCheckoutID(ctx, "ws_CO_1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentConfirmed, pr.Status)

	got, err := st.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPaid, got.Status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&st.paidCalls), "exactly one settlement")
}

func TestExpireStale_WinsAgainstLateCallback(t *testing.T) {
	ctx := context.Background()
	gateway := &stubGateway{checkoutID: "ws_CO_1"}
	engine, st := newTestEngine(gateway)

	order := &models.Order{UserID: 1, Total: decimal.NewFromInt(500)}
	require.NoError(t, st.CreateOrder(ctx, order))

	_, _, err := engine.Initiate(ctx, "254712345678", decimal.NewFromInt(500), &order.ID)
	require.NoError(t, err)

	// Jump past the expiry window.
	engine.now = func() time.Time { return time.Now().Add(3 * time.Minute) }

	n, err := engine.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// The sweep is idempotent.
	n, err = engine.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// A late legitimate callback is now a duplicate-terminal no-op.
	cb := persistCallback(t, st, callbackBody("ws_CO_1", daraja.ResultSuccess, "ok"))
	require.NoError(t, engine.Apply(ctx, cb))

	pr, err := st.FindPaymentByCheckoutID(ctx, "ws_CO_1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentExpired, pr.Status)

	got, err := st.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, got.Status)
	assert.Zero(t, atomic.LoadInt32(&st.paidCalls))
}

func TestRematch_ResolvesCallbackThatRacedAhead(t *testing.T) {
	ctx := context.Background()
	gateway := &stubGateway{checkoutID: "ws_CO_9"}
	engine, st := newTestEngine(gateway)

	order := &models.Order{UserID: 1, Total: decimal.NewFromInt(500)}
	require.NoError(t, st.CreateOrder(ctx, order))

	// Callback arrives before any payment request carries its
	// correlation id.
	cb := persistCallback(t, st, callbackBody("ws_CO_9", daraja.ResultSuccess, "ok"))
	require.NoError(t, engine.Apply(ctx, cb))

	unmatched, err := st.UnmatchedCallbacksSince(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, unmatched, 1)

	// The local write lands afterwards.
	_, _, err = engine.Initiate(ctx, "254712345678", decimal.NewFromInt(500), &order.ID)
	require.NoError(t, err)

	matched, err := engine.Rematch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, matched)

	pr, err := st.FindPaymentByCheckoutID(ctx, "ws_CO_9")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentConfirmed, pr.Status)

	got, err := st.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPaid, got.Status)
}
