package daraja

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGateway struct {
	srv       *httptest.Server
	authCalls int32
	pushCalls int32

	// pushStatus lets a test force the push endpoint's behavior.
	pushStatus int32 // 0 means behave normally
	pushBody   string
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	fg := &fakeGateway{}

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&fg.authCalls, 1)
		user, pass, ok := r.BasicAuth()
		if !ok || user != "consumer-key" || pass != "consumer-secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"access_token": "tok-1",
			"expires_in":   "3599",
		})
	})
	mux.HandleFunc("/mpesa/stkpush/v1/processrequest", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&fg.pushCalls, 1)
		if status := atomic.LoadInt32(&fg.pushStatus); status != 0 {
			w.WriteHeader(int(status))
			w.Write([]byte(fg.pushBody))
			return
		}
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"errorCode":"404.001.04","errorMessage":"Invalid Access Token"}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"MerchantRequestID":   "29115-34620561-1",
			"CheckoutRequestID":   "ws_CO_1",
			"ResponseCode":        "0",
			"ResponseDescription": "Success. Request accepted for processing",
			"CustomerMessage":     "Success. Request accepted for processing",
		})
	})

	fg.srv = httptest.NewServer(mux)
	t.Cleanup(fg.srv.Close)
	return fg
}

func newTestClient(fg *fakeGateway) *Client {
	return NewClient(Config{
		BaseURL:        fg.srv.URL,
		ConsumerKey:    "consumer-key",
		ConsumerSecret: "consumer-secret",
		ShortCode:      "174379",
		Passkey:        "test-passkey",
		CallbackURL:    "https://store.example.com/api/payments/callback",
		Timeout:        2 * time.Second,
	})
}

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"254712345678", "254712345678", false},
		{"+254712345678", "254712345678", false},
		{"", "", true},
		{"0712", "", true},
		{"2547-2345678", "", true},
		{"25471234567890123456", "", true},
	}
	for _, tt := range tests {
		got, err := NormalizePhone(tt.in)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrInvalidPhone, "input %q", tt.in)
		} else {
			require.NoError(t, err, "input %q", tt.in)
			assert.Equal(t, tt.want, got)
		}
	}
}

func TestValidateAmount(t *testing.T) {
	assert.NoError(t, ValidateAmount(decimal.NewFromInt(500)))
	assert.ErrorIs(t, ValidateAmount(decimal.Zero), ErrInvalidAmount)
	assert.ErrorIs(t, ValidateAmount(decimal.NewFromInt(-5)), ErrInvalidAmount)
	assert.ErrorIs(t, ValidateAmount(decimal.NewFromFloat(10.50)), ErrInvalidAmount)
}

func TestStkPassword(t *testing.T) {
	at := time.Date(2024, 6, 1, 12, 30, 45, 0, time.UTC)
	password, timestamp := stkPassword("174379", "passkey", at)

	assert.Equal(t, "20240601123045", timestamp)

	decoded, err := base64.StdEncoding.DecodeString(password)
	require.NoError(t, err)
	assert.Equal(t, "174379"+"passkey"+"20240601123045", string(decoded))
}

func TestInitiatePush_Success(t *testing.T) {
	fg := newFakeGateway(t)
	c := newTestClient(fg)

	result, err := c.InitiatePush(context.Background(), "+254712345678", decimal.NewFromInt(500), "ref-1")
	require.NoError(t, err)
	assert.Equal(t, "ws_CO_1", result.CheckoutRequestID)
	assert.NotEmpty(t, result.ResponsePayload)

	var payload pushPayload
	require.NoError(t, json.Unmarshal([]byte(result.RequestPayload), &payload))
	assert.Equal(t, "254712345678", payload.PhoneNumber, "leading + is stripped")
	assert.Equal(t, "ref-1", payload.AccountReference)
	assert.Equal(t, "500", payload.Amount)
	assert.Equal(t, "174379", payload.BusinessShortCode)
	assert.NotEmpty(t, payload.Password)
	assert.Len(t, payload.Timestamp, 14)
}

func TestInitiatePush_TokenIsCached(t *testing.T) {
	fg := newFakeGateway(t)
	c := newTestClient(fg)

	for i := 0; i < 3; i++ {
		_, err := c.InitiatePush(context.Background(), "254712345678", decimal.NewFromInt(100), "ref")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&fg.authCalls))
}

func TestInitiatePush_RefreshesExpiredToken(t *testing.T) {
	fg := newFakeGateway(t)
	c := newTestClient(fg)

	_, err := c.InitiatePush(context.Background(), "254712345678", decimal.NewFromInt(100), "ref")
	require.NoError(t, err)

	// Simulate expiry; the next push must re-authenticate.
	c.tokenMu.Lock()
	c.tokenExpiry = time.Now().Add(-time.Second)
	c.tokenMu.Unlock()

	_, err = c.InitiatePush(context.Background(), "254712345678", decimal.NewFromInt(100), "ref")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&fg.authCalls))
}

func TestInitiatePush_RetriesOnceOnRejectedToken(t *testing.T) {
	fg := newFakeGateway(t)
	c := newTestClient(fg)

	// Seed a stale token the gateway will reject.
	c.tokenMu.Lock()
	c.token = "tok-stale"
	c.tokenExpiry = time.Now().Add(time.Hour)
	c.tokenMu.Unlock()

	result, err := c.InitiatePush(context.Background(), "254712345678", decimal.NewFromInt(100), "ref")
	require.NoError(t, err)
	assert.Equal(t, "ws_CO_1", result.CheckoutRequestID)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fg.authCalls))
	assert.Equal(t, int32(2), atomic.LoadInt32(&fg.pushCalls))
}

func TestInitiatePush_InvalidInput(t *testing.T) {
	fg := newFakeGateway(t)
	c := newTestClient(fg)

	_, err := c.InitiatePush(context.Background(), "not-a-phone", decimal.NewFromInt(100), "ref")
	assert.ErrorIs(t, err, ErrInvalidPhone)

	_, err = c.InitiatePush(context.Background(), "254712345678", decimal.NewFromFloat(10.5), "ref")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	assert.Zero(t, atomic.LoadInt32(&fg.pushCalls), "invalid input never reaches the gateway")
}

func TestInitiatePush_SynchronousDecline(t *testing.T) {
	fg := newFakeGateway(t)
	atomic.StoreInt32(&fg.pushStatus, http.StatusBadRequest)
	fg.pushBody = `{"errorCode":"500.001.1001","errorMessage":"Unable to lock subscriber"}`
	c := newTestClient(fg)

	_, err := c.InitiatePush(context.Background(), "254712345678", decimal.NewFromInt(100), "ref")

	var rejection *RejectionError
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, "500.001.1001", rejection.Code)
	assert.Equal(t, "Unable to lock subscriber", rejection.Description)
}

func TestInitiatePush_GatewayDown(t *testing.T) {
	fg := newFakeGateway(t)
	atomic.StoreInt32(&fg.pushStatus, http.StatusServiceUnavailable)
	fg.pushBody = `{}`
	c := newTestClient(fg)

	_, err := c.InitiatePush(context.Background(), "254712345678", decimal.NewFromInt(100), "ref")
	assert.ErrorIs(t, err, ErrGatewayUnavailable)
	// Bounded retries: the initial attempt plus the configured retries.
	assert.Equal(t, int32(3), atomic.LoadInt32(&fg.pushCalls))
}

func TestAuthenticate_CredentialsRejected(t *testing.T) {
	fg := newFakeGateway(t)
	c := NewClient(Config{
		BaseURL:        fg.srv.URL,
		ConsumerKey:    "consumer-key",
		ConsumerSecret: "wrong",
		ShortCode:      "174379",
		Passkey:        "test-passkey",
		CallbackURL:    "https://store.example.com/api/payments/callback",
	})

	_, err := c.InitiatePush(context.Background(), "254712345678", decimal.NewFromInt(100), "ref")
	assert.ErrorIs(t, err, ErrGatewayAuth)
}

func TestParseCallback(t *testing.T) {
	t.Run("success envelope", func(t *testing.T) {
		raw := `{"Body":{"stkCallback":{"MerchantRequestID":"29115-34620561-1",
			"CheckoutRequestID":"ws_CO_1","ResultCode":0,
			"ResultDesc":"The service request is processed successfully.",
			"CallbackMetadata":{"Item":[
				{"Name":"Amount","Value":500.0},
				{"Name":"MpesaReceiptNumber","Value":"NLJ7RT61SV"},
				{"Name":"PhoneNumber","Value":254712345678}]}}}}`

		res, err := ParseCallback([]byte(raw))
		require.NoError(t, err)
		assert.Equal(t, "ws_CO_1", res.CheckoutRequestID)
		assert.Equal(t, ResultSuccess, res.ResultCode)
		assert.Equal(t, "NLJ7RT61SV", res.Receipt)
		assert.Equal(t, "254712345678", res.Phone)
		assert.True(t, res.Amount.Equal(decimal.NewFromInt(500)))
	})

	t.Run("user cancelled", func(t *testing.T) {
		raw := `{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_2",
			"ResultCode":1032,"ResultDesc":"Request cancelled by user"}}}`

		res, err := ParseCallback([]byte(raw))
		require.NoError(t, err)
		assert.Equal(t, ResultUserCancelled, res.ResultCode)
		assert.Empty(t, res.Receipt)
	})

	t.Run("result code as string", func(t *testing.T) {
		raw := `{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_3","ResultCode":"0","ResultDesc":"ok"}}}`

		res, err := ParseCallback([]byte(raw))
		require.NoError(t, err)
		assert.Equal(t, ResultSuccess, res.ResultCode)
	})

	t.Run("missing correlation id", func(t *testing.T) {
		_, err := ParseCallback([]byte(`{"Body":{"stkCallback":{"ResultCode":0}}}`))
		assert.Error(t, err)
	})

	t.Run("garbage body", func(t *testing.T) {
		_, err := ParseCallback([]byte(`not json at all`))
		assert.Error(t, err)
	})
}

func TestRejectionErrorMessage(t *testing.T) {
	err := &RejectionError{Code: "1", Description: "insufficient funds"}
	assert.Contains(t, err.Error(), "insufficient funds")
	assert.False(t, errors.Is(err, ErrGatewayUnavailable))
}
