package mpesa

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// CallbackResult is the normalized view of an asynchronous status signal,
// whichever payload shape carried it.
type CallbackResult struct {
	CheckoutRequestID string
	MerchantRequestID string
	ResultCode        int
	ResultDesc        string
	Receipt           *string
}

// Success reports whether the signal is a definitive success.
func (r *CallbackResult) Success() bool {
	return r.ResultCode == 0
}

var ErrUnrecognizedPayload = errors.New("unrecognized callback payload")

// Receipt field names seen in the wild vary by API version; matched after
// lowercasing and stripping underscores.
var receiptNames = map[string]bool{
	"mpesareceiptnumber": true,
	"receiptnumber":      true,
	"transactionreceipt": true,
}

type stkCallbackEnvelope struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string           `json:"MerchantRequestID"`
			CheckoutRequestID string           `json:"CheckoutRequestID"`
			ResultCode        json.RawMessage  `json:"ResultCode"`
			ResultDesc        string           `json:"ResultDesc"`
			CallbackMetadata  callbackMetadata `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

type callbackMetadata struct {
	Item []metadataItem `json:"Item"`
}

type metadataItem struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value"`
}

// ParseCallback extracts a normalized result from a raw provider payload. It
// tolerates both the current Body.stkCallback envelope and the legacy
// top-level ResponseCode shape; anything else is ErrUnrecognizedPayload.
func ParseCallback(raw []byte) (*CallbackResult, error) {
	var env stkCallbackEnvelope
	if err := json.Unmarshal(raw, &env); err == nil {
		stk := env.Body.StkCallback
		if stk.ResultCode != nil {
			code, err := looseInt(stk.ResultCode)
			if err != nil {
				return nil, fmt.Errorf("%w: bad ResultCode", ErrUnrecognizedPayload)
			}
			return &CallbackResult{
				CheckoutRequestID: stk.CheckoutRequestID,
				MerchantRequestID: stk.MerchantRequestID,
				ResultCode:        code,
				ResultDesc:        stk.ResultDesc,
				Receipt:           extractReceipt(stk.CallbackMetadata.Item),
			}, nil
		}
	}

	return parseLegacyCallback(raw)
}

// Older deployments posted a flat object with a string ResponseCode.
func parseLegacyCallback(raw []byte) (*CallbackResult, error) {
	var flat map[string]json.RawMessage
	if err := json.Unmarshal(raw, &flat); err != nil {
		return nil, ErrUnrecognizedPayload
	}

	codeRaw, ok := flat["ResponseCode"]
	if !ok {
		codeRaw, ok = flat["responseCode"]
	}
	if !ok {
		return nil, ErrUnrecognizedPayload
	}

	code, err := looseInt(codeRaw)
	if err != nil {
		return nil, fmt.Errorf("%w: bad ResponseCode", ErrUnrecognizedPayload)
	}

	result := &CallbackResult{
		CheckoutRequestID: looseString(flat["CheckoutRequestID"]),
		MerchantRequestID: looseString(flat["MerchantRequestID"]),
		ResultCode:        code,
		ResultDesc:        looseString(flat["ResponseDescription"]),
	}
	for _, key := range []string{"MpesaReceiptNumber", "ReceiptNumber"} {
		if s := looseString(flat[key]); s != "" {
			result.Receipt = &s
			break
		}
	}
	return result, nil
}

func extractReceipt(items []metadataItem) *string {
	var fallback *string
	for i, it := range items {
		name := strings.ReplaceAll(strings.ToLower(it.Name), "_", "")
		val := looseString(it.Value)
		if val == "" {
			continue
		}
		if receiptNames[name] {
			v := val
			return &v
		}
		// Historical payloads carried the receipt as the second item.
		if i == 1 && fallback == nil {
			v := val
			fallback = &v
		}
	}
	return fallback
}

// looseInt accepts a JSON number or a numeric string.
func looseInt(raw json.RawMessage) (int, error) {
	if raw == nil {
		return 0, errors.New("missing value")
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strconv.Atoi(strings.TrimSpace(s))
	}
	return 0, errors.New("not a number")
}

// looseString accepts a JSON string or renders a number as its decimal form.
func looseString(raw json.RawMessage) string {
	if raw == nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}
