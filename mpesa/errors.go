package mpesa

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

// APIError surfaces non-successful HTTP responses from the Daraja API. These
// are application-level failures and are never retried: re-sending a request
// the provider already rejected only burns rate-limit budget.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("mpesa api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ErrWAFBlocked marks a response that came back from an edge firewall rather
// than the API itself (HTML body on a JSON endpoint).
var ErrWAFBlocked = errors.New("request blocked before reaching the mpesa api")

// Retriable reports whether an error is a network-level failure worth
// retrying, as opposed to a definitive application response.
func Retriable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return false
	}
	if errors.Is(err, ErrWAFBlocked) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// Unwrapped transport errors (connection refused, EOF mid-body) reach
	// here via url.Error without implementing net.Error in all cases.
	return err != nil
}

// Well-known Daraja result codes. The provider's own description is kept
// verbatim when a code is not in this table.
var resultDescriptions = map[string]string{
	"0":    "The service request is processed successfully.",
	"1":    "The balance is insufficient for the transaction.",
	"17":   "Unable to process the request, try again later.",
	"26":   "System busy. The transaction could not be processed.",
	"1001": "Unable to lock subscriber, a transaction is already in process.",
	"1019": "Transaction has expired.",
	"1025": "An error occurred while sending the push request.",
	"1032": "Request cancelled by user.",
	"1037": "Timeout waiting for the user to respond.",
	"2001": "The initiator information is invalid (wrong PIN).",
	"9999": "An error occurred while sending the push request.",
}

// ResultDescription maps a Daraja result code to a human-readable message,
// preferring the local table and falling back to the provider's description.
func ResultDescription(code int, providerDesc string) string {
	if desc, ok := resultDescriptions[strconv.Itoa(code)]; ok {
		return desc
	}
	if providerDesc != "" {
		return providerDesc
	}
	return fmt.Sprintf("MPESA request failed with result code %d", code)
}
