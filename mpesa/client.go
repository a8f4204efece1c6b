package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	sandboxBaseURL    = "https://sandbox.safaricom.co.ke"
	productionBaseURL = "https://api.safaricom.co.ke"

	// Stable browser-like headers keep the Safaricom edge firewall from
	// classifying us as a scraper and answering with an HTML block page.
	defaultUserAgent = "crypto-sales-page/1.0 (+payments)"

	tokenExpiryBuffer = 10 * time.Second
	maxNetworkRetries = 3
	retryBaseDelay    = 500 * time.Millisecond
)

// ClientOptions carries everything the real Daraja client needs. Credentials
// are held privately by the client and never logged.
type ClientOptions struct {
	ConsumerKey    string
	ConsumerSecret string
	Shortcode      string
	Passkey        string
	CallbackURL    string
	Env            string // "sandbox" or "production"
	HTTPClient     *http.Client
	Limiter        SlotLimiter
	Logger         *zap.Logger
}

// Client talks to the Daraja API: OAuth token acquisition with caching, STK
// push initiation and status query. Every outbound request passes the shared
// rate limiter first.
type Client struct {
	httpClient *http.Client
	baseURL    string
	opts       ClientOptions
	logger     *zap.Logger
	limiter    SlotLimiter

	tokenMu     sync.Mutex
	cachedToken string
	tokenExpiry time.Time
}

func NewClient(opts ClientOptions) (*Client, error) {
	if opts.ConsumerKey == "" || opts.ConsumerSecret == "" {
		return nil, errors.New("mpesa consumer key and secret are required")
	}
	if opts.Shortcode == "" || opts.Passkey == "" || opts.CallbackURL == "" {
		return nil, errors.New("mpesa shortcode, passkey and callback URL are required")
	}

	baseURL := sandboxBaseURL
	if opts.Env == "production" {
		baseURL = productionBaseURL
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		opts:       opts,
		logger:     logger,
		limiter:    opts.Limiter,
	}, nil
}

// AccessToken returns a cached OAuth token, fetching a fresh one only when
// the cache is empty or within the expiry buffer. The mutex is held across
// the fetch so concurrent callers trigger a single upstream request.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.cachedToken != "" && time.Now().Before(c.tokenExpiry) {
		return c.cachedToken, nil
	}

	auth := base64.StdEncoding.EncodeToString(
		[]byte(c.opts.ConsumerKey + ":" + c.opts.ConsumerSecret))

	url := c.baseURL + "/oauth/v1/generate?grant_type=client_credentials"
	body, err := c.doRequest(ctx, http.MethodGet, url, nil, map[string]string{
		"Authorization": "Basic " + auth,
	})
	if err != nil {
		return "", err
	}

	var resp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.AccessToken == "" {
		// HTML here means the edge firewall answered, not the API.
		if looksLikeHTML(body) {
			return "", ErrWAFBlocked
		}
		return "", fmt.Errorf("token response missing access_token")
	}

	lifetime := time.Hour
	if secs, err := parseExpiresIn(resp.ExpiresIn); err == nil && secs > 0 {
		lifetime = time.Duration(secs) * time.Second
	}
	buffer := tokenExpiryBuffer
	if lifetime <= buffer {
		buffer = lifetime / 2
	}

	c.cachedToken = resp.AccessToken
	c.tokenExpiry = time.Now().Add(lifetime - buffer)
	c.logger.Debug("Fetched MPESA access token", zap.Duration("lifetime", lifetime))
	return c.cachedToken, nil
}

// InitiateSTKPush sends a payment prompt to the phone. A non-error return is
// only an acknowledgement; the result arrives via callback or polling.
func (c *Client) InitiateSTKPush(ctx context.Context, phone string, amountCents int64, accountRef, description string) (*STKPushResponse, error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	timestamp := time.Now().UTC().Format("20060102150405")
	payload := map[string]interface{}{
		"BusinessShortCode": c.opts.Shortcode,
		"Password":          c.stkPassword(timestamp),
		"Timestamp":         timestamp,
		"TransactionType":   "CustomerPayBillOnline",
		"Amount":            amountCents / 100, // Daraja accepts whole shillings only
		"PartyA":            phone,
		"PartyB":            c.opts.Shortcode,
		"PhoneNumber":       phone,
		"CallBackURL":       c.opts.CallbackURL,
		"AccountReference":  accountRef,
		"TransactionDesc":   description,
	}

	url := c.baseURL + "/mpesa/stkpush/v1/processrequest"
	body, err := c.doRequest(ctx, http.MethodPost, url, payload, map[string]string{
		"Authorization": "Bearer " + token,
	})
	if err != nil {
		return nil, err
	}

	var resp struct {
		CheckoutRequestID   string `json:"CheckoutRequestID"`
		MerchantRequestID   string `json:"MerchantRequestID"`
		ResponseCode        string `json:"ResponseCode"`
		ResponseDescription string `json:"ResponseDescription"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode stkpush response: %w", err)
	}
	if resp.CheckoutRequestID == "" {
		return nil, fmt.Errorf("stkpush response missing CheckoutRequestID")
	}

	return &STKPushResponse{
		CheckoutRequestID:   resp.CheckoutRequestID,
		MerchantRequestID:   resp.MerchantRequestID,
		ResponseCode:        resp.ResponseCode,
		ResponseDescription: resp.ResponseDescription,
		Raw:                 body,
	}, nil
}

// QueryStatus asks the provider for the current state of an initiation.
func (c *Client) QueryStatus(ctx context.Context, checkoutID string) (*StatusResponse, error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	payload := map[string]interface{}{
		"BusinessShortCode": c.opts.Shortcode,
		"Identifier":        checkoutID,
	}

	url := c.baseURL + "/mpesa/stkpushquery/v1/query"
	body, err := c.doRequest(ctx, http.MethodPost, url, payload, map[string]string{
		"Authorization": "Bearer " + token,
	})
	if err != nil {
		return nil, err
	}

	var resp map[string]json.RawMessage
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode status response: %w", err)
	}

	codeRaw, ok := resp["ResultCode"]
	if !ok {
		return nil, fmt.Errorf("status response missing ResultCode")
	}
	code, err := looseInt(codeRaw)
	if err != nil {
		return nil, fmt.Errorf("status response has malformed ResultCode")
	}

	result := &StatusResponse{
		ResultCode: code,
		ResultDesc: looseString(resp["ResultDesc"]),
		Raw:        body,
	}
	for _, key := range []string{"MpesaReceiptNumber", "ReceiptNumber"} {
		if s := looseString(resp[key]); s != "" {
			result.Receipt = &s
			break
		}
	}
	return result, nil
}

func (c *Client) stkPassword(timestamp string) string {
	raw := c.opts.Shortcode + c.opts.Passkey + timestamp
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

// doRequest performs one logical request: rate-limit gate, then the HTTP
// round trip with bounded exponential backoff on network failures. HTTP 4xx
// and 5xx are returned immediately as *APIError and never retried.
func (c *Client) doRequest(ctx context.Context, method, url string, payload interface{}, headers map[string]string) ([]byte, error) {
	if c.limiter != nil {
		if !c.limiter.Acquire(ctx, -1) {
			return nil, ctx.Err()
		}
	}

	var encoded []byte
	if payload != nil {
		var err error
		encoded, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}

	var lastErr error
	delay := retryBaseDelay
	for attempt := 1; attempt <= maxNetworkRetries; attempt++ {
		var body io.Reader
		if encoded != nil {
			body = bytes.NewReader(encoded)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", defaultUserAgent)
		if encoded != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if attempt < maxNetworkRetries {
				c.logger.Warn("MPESA request failed, retrying",
					zap.Int("attempt", attempt),
					zap.Error(err),
				)
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				delay *= 2
				continue
			}
			return nil, lastErr
		}

		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			if attempt < maxNetworkRetries {
				c.logger.Warn("MPESA response read failed, retrying",
					zap.Int("attempt", attempt),
					zap.Error(readErr),
				)
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				delay *= 2
				continue
			}
			return nil, lastErr
		}

		if resp.StatusCode >= 400 {
			return nil, &APIError{StatusCode: resp.StatusCode, Body: truncate(string(data), 1000)}
		}
		return data, nil
	}
	return nil, lastErr
}

func looksLikeHTML(body []byte) bool {
	s := strings.TrimSpace(strings.ToLower(string(body)))
	return strings.HasPrefix(s, "<html") || strings.HasPrefix(s, "<!doctype")
}

// parseExpiresIn handles the string-typed expires_in the token endpoint sends.
func parseExpiresIn(s string) (int64, error) {
	var n int64
	_, err := fmt.Sscanf(strings.TrimSpace(s), "%d", &n)
	return n, err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
