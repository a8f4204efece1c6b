package mpesa

import (
	"context"
	"time"
)

// API is the upstream payment provider surface. Two implementations exist:
// the real Daraja HTTP client and a network-free simulator for environments
// without sandbox credentials. Callers never branch on which one they hold.
type API interface {
	AccessToken(ctx context.Context) (string, error)
	InitiateSTKPush(ctx context.Context, phone string, amountCents int64, accountRef, description string) (*STKPushResponse, error)
	QueryStatus(ctx context.Context, checkoutID string) (*StatusResponse, error)
}

// SlotLimiter gates outbound provider calls. Implemented by ratelimit.Limiter.
type SlotLimiter interface {
	Acquire(ctx context.Context, timeout time.Duration) bool
}

// STKPushResponse is the provider's acknowledgement of an initiation request.
// Acceptance is not completion: the final result arrives asynchronously.
type STKPushResponse struct {
	CheckoutRequestID   string
	MerchantRequestID   string
	ResponseCode        string
	ResponseDescription string
	Raw                 []byte
}

// StatusResponse is a point-in-time answer from the status query endpoint.
type StatusResponse struct {
	ResultCode int
	ResultDesc string
	Receipt    *string
	Raw        []byte
}
