// Package daraja talks to the mobile-money gateway: OAuth token
// acquisition with process-wide caching, and STK push initiation.
package daraja

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/elegance-store/backend/internal/patterns"
)

var (
	// ErrInvalidPhone means the phone number could not be normalized to
	// digits-only international form.
	ErrInvalidPhone = errors.New("invalid phone number")
	// ErrInvalidAmount means the amount is not a gateway-acceptable
	// positive whole denomination.
	ErrInvalidAmount = errors.New("invalid payment amount")
	// ErrGatewayAuth means the gateway rejected our credentials. Not
	// retryable without operator intervention.
	ErrGatewayAuth = errors.New("gateway rejected credentials")
	// ErrGatewayUnavailable covers network errors, timeouts and 5xx
	// responses. Retryable with backoff.
	ErrGatewayUnavailable = errors.New("gateway unavailable")
)

// RejectionError is a synchronous business decline from the gateway.
// The request was valid and delivered; retrying it will not help.
type RejectionError struct {
	Code        string
	Description string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("gateway rejected payment (code %s): %s", e.Code, e.Description)
}

// Config carries gateway endpoints and credentials. Credentials come
// from the environment; they are never logged.
type Config struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	Passkey        string
	CallbackURL    string
	Timeout        time.Duration
}

// Client issues authenticated requests against the gateway. The cached
// bearer token is shared process-wide; refresh is mutually exclusive so
// concurrent pushes cannot trigger a refresh storm.
type Client struct {
	cfg  Config
	rest *resty.Client

	breaker  *patterns.CircuitBreakerWrapper
	bulkhead *patterns.Bulkhead

	tokenMu     sync.Mutex
	token       string
	tokenExpiry time.Time

	now func() time.Time
}

// NewClient builds a gateway client with bounded retries on transient
// failures, a circuit breaker, and a bulkhead limiting concurrent
// outbound pushes.
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = patterns.GatewayTimeout
	}

	rest := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(4 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})

	return &Client{
		cfg:      cfg,
		rest:     rest,
		breaker:  patterns.NewCircuitBreaker("Gateway", "store-backend"),
		bulkhead: patterns.NewBulkhead(10, "gateway", "store-backend"),
		now:      time.Now,
	}
}

// NormalizePhone strips a leading '+' and verifies the remainder is a
// plausible digits-only international number. No further validation is
// assumed reliable.
func NormalizePhone(phone string) (string, error) {
	if len(phone) > 0 && phone[0] == '+' {
		phone = phone[1:]
	}
	if len(phone) < 10 || len(phone) > 15 {
		return "", ErrInvalidPhone
	}
	for _, r := range phone {
		if r < '0' || r > '9' {
			return "", ErrInvalidPhone
		}
	}
	return phone, nil
}

// ValidateAmount checks that amount is a positive whole number, the
// only denomination the gateway accepts.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() || !amount.Equal(amount.Truncate(0)) {
		return ErrInvalidAmount
	}
	return nil
}

// Authenticate returns a valid bearer token, fetching a fresh one from
// the credential endpoint when the cached token has expired.
func (c *Client) Authenticate(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.token != "" && c.now().Before(c.tokenExpiry) {
		return c.token, nil
	}
	return c.refreshTokenLocked(ctx)
}

// invalidateToken drops the cached token, forcing the next call to
// re-authenticate. Used when the gateway rejects a token mid-flight.
func (c *Client) invalidateToken() {
	c.tokenMu.Lock()
	c.token = ""
	c.tokenExpiry = time.Time{}
	c.tokenMu.Unlock()
}

func (c *Client) refreshTokenLocked(ctx context.Context) (string, error) {
	var tok tokenResponse
	resp, err := c.rest.R().
		SetContext(ctx).
		SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret).
		SetQueryParam("grant_type", "client_credentials").
		SetResult(&tok).
		Get("/oauth/v1/generate")
	if err != nil {
		return "", fmt.Errorf("%w: fetching token: %v", ErrGatewayUnavailable, err)
	}

	switch {
	case resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden:
		return "", ErrGatewayAuth
	case resp.StatusCode() != http.StatusOK:
		return "", fmt.Errorf("%w: token endpoint returned status %d", ErrGatewayUnavailable, resp.StatusCode())
	}

	if tok.AccessToken == "" {
		return "", fmt.Errorf("%w: token endpoint returned empty token", ErrGatewayUnavailable)
	}

	ttl := 3600
	if secs, err := strconv.Atoi(tok.ExpiresIn); err == nil && secs > 0 {
		ttl = secs
	}
	c.token = tok.AccessToken
	// Refresh a minute early so an almost-expired token never rides an
	// outbound push.
	c.tokenExpiry = c.now().Add(time.Duration(ttl)*time.Second - time.Minute)

	log.WithField("expires_in", ttl).Debug("Gateway token refreshed")
	return c.token, nil
}

// InitiatePush asks the gateway to push a payment prompt to phone for
// amount, naming reference as the transaction identifier. It returns the
// gateway's correlation id plus the raw acknowledgment.
func (c *Client) InitiatePush(ctx context.Context, phone string, amount decimal.Decimal, reference string) (*PushResult, error) {
	phone, err := NormalizePhone(phone)
	if err != nil {
		return nil, err
	}
	if err := ValidateAmount(amount); err != nil {
		return nil, err
	}

	token, err := c.Authenticate(ctx)
	if err != nil {
		return nil, err
	}

	password, timestamp := stkPassword(c.cfg.ShortCode, c.cfg.Passkey, c.now())
	payload := pushPayload{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          password,
		Timestamp:         timestamp,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            amount.String(),
		PartyA:            phone,
		PartyB:            c.cfg.ShortCode,
		PhoneNumber:       phone,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  reference,
		TransactionDesc:   "Payment for products",
	}

	var result *PushResult
	err = c.bulkhead.Execute(func() error {
		_, cbErr := c.breaker.Execute(func() (interface{}, error) {
			r, pushErr := c.doPush(ctx, token, &payload)
			if pushErr != nil {
				return nil, pushErr
			}
			result = r
			return r, nil
		})
		return cbErr
	})
	if err != nil {
		if patterns.IsOpenError(err) {
			return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, patterns.FormatError("Gateway", err))
		}
		return nil, err
	}
	return result, nil
}

// doPush submits the push once, retrying a single time with a fresh
// token if the gateway rejects the cached one.
func (c *Client) doPush(ctx context.Context, token string, payload *pushPayload) (*PushResult, error) {
	resp, err := c.postPush(ctx, token, payload)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode() == http.StatusUnauthorized {
		c.invalidateToken()
		fresh, authErr := c.Authenticate(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if resp, err = c.postPush(ctx, fresh, payload); err != nil {
			return nil, err
		}
		if resp.StatusCode() == http.StatusUnauthorized {
			return nil, ErrGatewayAuth
		}
	}

	if resp.StatusCode() >= http.StatusInternalServerError {
		return nil, fmt.Errorf("%w: push endpoint returned status %d", ErrGatewayUnavailable, resp.StatusCode())
	}

	var ack pushAck
	if err := json.Unmarshal(resp.Body(), &ack); err != nil {
		return nil, fmt.Errorf("%w: decoding push acknowledgment: %v", ErrGatewayUnavailable, err)
	}

	if resp.StatusCode() != http.StatusOK || ack.ResponseCode != "0" {
		code := ack.ErrorCode
		desc := ack.ErrorMessage
		if code == "" {
			code = ack.ResponseCode
		}
		if desc == "" {
			desc = ack.ResponseDescription
		}
		return nil, &RejectionError{Code: code, Description: desc}
	}

	reqBody, _ := json.Marshal(payload)
	return &PushResult{
		MerchantRequestID: ack.MerchantRequestID,
		CheckoutRequestID: ack.CheckoutRequestID,
		CustomerMessage:   ack.CustomerMessage,
		RequestPayload:    string(reqBody),
		ResponsePayload:   string(resp.Body()),
	}, nil
}

func (c *Client) postPush(ctx context.Context, token string, payload *pushPayload) (*resty.Response, error) {
	resp, err := c.rest.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		Post("/mpesa/stkpush/v1/processrequest")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	return resp, nil
}
