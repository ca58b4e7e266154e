package daraja

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
)

// Gateway result codes carried in the callback envelope.
const (
	ResultSuccess       = 0
	ResultUserCancelled = 1032
)

// timestampLayout is the gateway's YYYYMMDDHHMMSS format.
const timestampLayout = "20060102150405"

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

// pushPayload is the STK push request body.
type pushPayload struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            string `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

// pushAck is the gateway's synchronous acknowledgment. On a decline the
// gateway uses the error fields instead.
type pushAck struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
	ErrorCode           string `json:"errorCode"`
	ErrorMessage        string `json:"errorMessage"`
}

// PushResult is what a successful push returns to the caller.
type PushResult struct {
	MerchantRequestID string
	CheckoutRequestID string
	CustomerMessage   string
	RequestPayload    string
	ResponsePayload   string
}

// stkPassword derives the per-call gateway password. The timestamp
// changes every second, so both are recomputed on each push.
func stkPassword(shortCode, passkey string, t time.Time) (password, timestamp string) {
	timestamp = t.Format(timestampLayout)
	password = base64.StdEncoding.EncodeToString([]byte(shortCode + passkey + timestamp))
	return password, timestamp
}

// CallbackResult is the decoded content of one gateway callback.
type CallbackResult struct {
	MerchantRequestID string
	CheckoutRequestID string
	ResultCode        int
	ResultDesc        string
	Amount            decimal.Decimal
	Receipt           string
	Phone             string
}

type callbackEnvelope struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string      `json:"MerchantRequestID"`
			CheckoutRequestID string      `json:"CheckoutRequestID"`
			ResultCode        interface{} `json:"ResultCode"`
			ResultDesc        string      `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []struct {
					Name  string      `json:"Name"`
					Value interface{} `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// ParseCallback decodes a raw callback body. The result code and the
// metadata items arrive with inconsistent JSON types across gateway
// environments, so they are coerced rather than strictly typed.
func ParseCallback(raw []byte) (*CallbackResult, error) {
	var env callbackEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decoding callback envelope: %w", err)
	}

	cb := env.Body.StkCallback
	if cb.CheckoutRequestID == "" {
		return nil, fmt.Errorf("callback envelope missing CheckoutRequestID")
	}

	code, err := cast.ToIntE(cb.ResultCode)
	if err != nil {
		return nil, fmt.Errorf("decoding ResultCode %v: %w", cb.ResultCode, err)
	}

	out := &CallbackResult{
		MerchantRequestID: cb.MerchantRequestID,
		CheckoutRequestID: cb.CheckoutRequestID,
		ResultCode:        code,
		ResultDesc:        cb.ResultDesc,
	}

	for _, item := range cb.CallbackMetadata.Item {
		switch item.Name {
		case "Amount":
			if v, err := cast.ToFloat64E(item.Value); err == nil {
				out.Amount = decimal.NewFromFloat(v)
			}
		case "MpesaReceiptNumber":
			out.Receipt = cast.ToString(item.Value)
		case "PhoneNumber":
			out.Phone = cast.ToString(item.Value)
		}
	}

	return out, nil
}
