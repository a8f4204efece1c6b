package controllers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/danielmaina989/crypto-sales-page/middleware"
	"github.com/danielmaina989/crypto-sales-page/models"
	"github.com/danielmaina989/crypto-sales-page/mpesa"
	"github.com/danielmaina989/crypto-sales-page/services"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// memRepo mirrors the gorm repository's conditional-update semantics in
// memory.
type memRepo struct {
	mu       sync.Mutex
	payments map[uint]*models.Payment
	nextID   uint
}

func newMemRepo() *memRepo {
	return &memRepo{payments: make(map[uint]*models.Payment)}
}

func (r *memRepo) CreatePayment(ctx context.Context, p *models.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	p.ID = r.nextID
	p.CreatedAt = time.Now()
	cp := *p
	r.payments[p.ID] = &cp
	return nil
}

func (r *memRepo) FindByID(ctx context.Context, id uint) (*models.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *memRepo) FindByCheckoutID(ctx context.Context, checkoutID string) (*models.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.payments {
		if (p.CheckoutRequestID != nil && *p.CheckoutRequestID == checkoutID) ||
			(p.MerchantRequestID != nil && *p.MerchantRequestID == checkoutID) {
			cp := *p
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *memRepo) SetRequestIDs(ctx context.Context, id uint, checkoutID, merchantID *string, raw *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	if checkoutID != nil {
		p.CheckoutRequestID = checkoutID
	}
	if merchantID != nil {
		p.MerchantRequestID = merchantID
	}
	if raw != nil {
		p.CallbackRaw = raw
	}
	return nil
}

func (r *memRepo) MarkSuccess(ctx context.Context, id uint, receipt *string, raw *string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok || p.Status != models.StatusPending {
		return false, nil
	}
	p.Status = models.StatusSuccess
	p.MpesaReceiptNumber = receipt
	p.ErrorCode = nil
	p.ErrorMessage = nil
	if raw != nil {
		p.CallbackRaw = raw
	}
	return true, nil
}

func (r *memRepo) MarkFailed(ctx context.Context, id uint, code, message string, raw *string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok || p.Status != models.StatusPending {
		return false, nil
	}
	p.Status = models.StatusFailed
	p.ErrorCode = &code
	p.ErrorMessage = &message
	if raw != nil {
		p.CallbackRaw = raw
	}
	return true, nil
}

func (r *memRepo) MarkSuccessFromFailed(ctx context.Context, id uint, receipt *string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok || p.Status != models.StatusFailed {
		return false, nil
	}
	p.Status = models.StatusSuccess
	p.MpesaReceiptNumber = receipt
	return true, nil
}

func (r *memRepo) RecordPendingError(ctx context.Context, id uint, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.payments[id]; ok && p.Status == models.StatusPending {
		p.ErrorMessage = &message
	}
	return nil
}

func (r *memRepo) ListFailed(ctx context.Context, limit int, olderThan time.Duration) ([]models.Payment, error) {
	return nil, nil
}

func (r *memRepo) ListPending(ctx context.Context, limit int) ([]models.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Payment
	for _, p := range r.payments {
		if p.Status == models.StatusPending {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (r *memRepo) ListRecent(ctx context.Context, limit int) ([]models.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Payment
	for _, p := range r.payments {
		out = append(out, *p)
	}
	return out, nil
}

func (r *memRepo) CountByStatus(ctx context.Context) (map[models.PaymentStatus]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := map[models.PaymentStatus]int64{}
	for _, p := range r.payments {
		counts[p.Status]++
	}
	return counts, nil
}

// fixedAPI returns canned initiation responses.
type fixedAPI struct {
	initiateErr error
}

func (a *fixedAPI) AccessToken(ctx context.Context) (string, error) { return "tok", nil }

func (a *fixedAPI) InitiateSTKPush(ctx context.Context, phone string, amountCents int64, ref, desc string) (*mpesa.STKPushResponse, error) {
	if a.initiateErr != nil {
		return nil, a.initiateErr
	}
	return &mpesa.STKPushResponse{
		CheckoutRequestID: "ws_CO_CTRL_1",
		MerchantRequestID: "MR_CTRL_1",
		ResponseCode:      "0",
		Raw:               []byte(`{"CheckoutRequestID":"ws_CO_CTRL_1","ResponseCode":"0"}`),
	}, nil
}

func (a *fixedAPI) QueryStatus(ctx context.Context, checkoutID string) (*mpesa.StatusResponse, error) {
	return &mpesa.StatusResponse{ResultCode: 0, Raw: []byte(`{"ResultCode":0}`)}, nil
}

func setupRouter(t *testing.T, repo *memRepo, api mpesa.API, simulate bool) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	poller := services.NewStatusPoller(repo, api, 3, time.Millisecond, 1, nil)
	t.Cleanup(poller.Stop)

	pc := &PaymentController{
		Repo:     repo,
		API:      api,
		Poller:   poller,
		Simulate: simulate,
		Logger:   zap.NewNop(),
	}

	// Route layout mirrors routes.RegisterPaymentRoutes; importing the routes
	// package here would form an import cycle.
	r := gin.New()
	payments := r.Group("/payments")
	{
		payments.POST("/initiate", pc.InitiatePayment)
		payments.GET("/status/:id", pc.PaymentStatus)
		payments.POST("/callback", pc.MpesaCallback)
		payments.POST("/simulate-callback/:checkout_id", pc.SimulateCallback)
	}
	history := r.Group("/payments")
	history.Use(middleware.AuthMiddleware())
	{
		history.GET("/history", pc.PaymentHistory)
	}
	return r
}

func postJSON(r *gin.Engine, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func seedPending(t *testing.T, repo *memRepo, checkout string) *models.Payment {
	t.Helper()
	c := checkout
	p := &models.Payment{
		AmountCents:       10000,
		PhoneNumber:       "254712345678",
		Status:            models.StatusPending,
		CheckoutRequestID: &c,
	}
	require.NoError(t, repo.CreatePayment(context.Background(), p))
	return p
}

func callbackBody(checkoutID string, resultCode int, receipt string) string {
	items := ""
	if receipt != "" {
		items = `,"CallbackMetadata":{"Item":[{"Name":"MpesaReceiptNumber","Value":"` + receipt + `"}]}`
	}
	return `{"Body":{"stkCallback":{"CheckoutRequestID":"` + checkoutID + `","ResultCode":` +
		jsonInt(resultCode) + `,"ResultDesc":"desc"` + items + `}}}`
}

func jsonInt(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestCallbackAppliesSuccess(t *testing.T) {
	repo := newMemRepo()
	payment := seedPending(t, repo, "ws_CO_CB_1")
	r := setupRouter(t, repo, &fixedAPI{}, false)

	w := postJSON(r, "/payments/callback", callbackBody("ws_CO_CB_1", 0, "RCPT01"))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"success": true}`, w.Body.String())

	p, err := repo.FindByID(context.Background(), payment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, p.Status)
	require.NotNil(t, p.MpesaReceiptNumber)
	assert.Equal(t, "RCPT01", *p.MpesaReceiptNumber)
	require.NotNil(t, p.CallbackRaw)
	assert.Contains(t, *p.CallbackRaw, "RCPT01")
}

func TestCallbackAppliesFailureWithMappedDescription(t *testing.T) {
	repo := newMemRepo()
	payment := seedPending(t, repo, "ws_CO_CB_2")
	r := setupRouter(t, repo, &fixedAPI{}, false)

	w := postJSON(r, "/payments/callback", callbackBody("ws_CO_CB_2", 1032, ""))
	assert.Equal(t, http.StatusOK, w.Code)

	p, err := repo.FindByID(context.Background(), payment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, p.Status)
	assert.Equal(t, "1032", *p.ErrorCode)
	assert.Equal(t, "Request cancelled by user.", *p.ErrorMessage)
}

func TestCallbackAlwaysAcknowledges(t *testing.T) {
	repo := newMemRepo()
	r := setupRouter(t, repo, &fixedAPI{}, false)

	for name, body := range map[string]string{
		"malformed json":   `{"Body": not json`,
		"empty object":     `{}`,
		"unknown checkout": callbackBody("ws_CO_NOPE", 0, "X"),
		"form encoded":     `CheckoutRequestID=abc&ResultCode=0`,
	} {
		t.Run(name, func(t *testing.T) {
			w := postJSON(r, "/payments/callback", body)
			assert.Equal(t, http.StatusOK, w.Code)
			assert.JSONEq(t, `{"success": true}`, w.Body.String())
		})
	}
}

func TestCallbackNeverCreatesPayments(t *testing.T) {
	repo := newMemRepo()
	r := setupRouter(t, repo, &fixedAPI{}, false)

	postJSON(r, "/payments/callback", callbackBody("ws_CO_GHOST", 0, "X"))
	assert.Empty(t, repo.payments)
}

func TestCallbackDoesNotOverwriteTerminalState(t *testing.T) {
	repo := newMemRepo()
	payment := seedPending(t, repo, "ws_CO_CB_3")
	r := setupRouter(t, repo, &fixedAPI{}, false)

	// Success lands first.
	postJSON(r, "/payments/callback", callbackBody("ws_CO_CB_3", 0, "FIRST1"))

	// A stale contradicting failure must be rejected but still acknowledged.
	w := postJSON(r, "/payments/callback", callbackBody("ws_CO_CB_3", 1037, ""))
	assert.Equal(t, http.StatusOK, w.Code)

	p, err := repo.FindByID(context.Background(), payment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, p.Status)
	assert.Equal(t, "FIRST1", *p.MpesaReceiptNumber)
	assert.Nil(t, p.ErrorCode)
	// The audit blob is last-writer-wins even when the transition loses.
	assert.Contains(t, *p.CallbackRaw, "1037")
}

func TestCallbackIdempotentRepeat(t *testing.T) {
	repo := newMemRepo()
	payment := seedPending(t, repo, "ws_CO_CB_4")
	r := setupRouter(t, repo, &fixedAPI{}, false)

	body := callbackBody("ws_CO_CB_4", 0, "SAME99")
	postJSON(r, "/payments/callback", body)
	postJSON(r, "/payments/callback", body)

	p, err := repo.FindByID(context.Background(), payment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, p.Status)
	assert.Equal(t, "SAME99", *p.MpesaReceiptNumber)
}

func TestInitiateValidation(t *testing.T) {
	repo := newMemRepo()
	r := setupRouter(t, repo, &fixedAPI{}, false)

	tests := map[string]string{
		"not json":       `amount=100`,
		"missing fields": `{}`,
		"bad amount":     `{"amount": "abc", "phone_number": "0712345678"}`,
		"zero amount":    `{"amount": 0, "phone_number": "0712345678"}`,
		"bad phone":      `{"amount": 100, "phone_number": "123"}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			w := postJSON(r, "/payments/initiate", body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
	assert.Empty(t, repo.payments, "validation failures must not create records")
}

func TestInitiateHappyPath(t *testing.T) {
	repo := newMemRepo()
	r := setupRouter(t, repo, &fixedAPI{}, false)

	w := postJSON(r, "/payments/initiate",
		`{"amount": "150", "phone_number": "0712345678", "description": "Buy BTC"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Success           bool   `json:"success"`
		CheckoutRequestID string `json:"checkout_request_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "ws_CO_CTRL_1", resp.CheckoutRequestID)

	p, err := repo.FindByCheckoutID(context.Background(), "ws_CO_CTRL_1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, p.Status)
	assert.Equal(t, int64(15000), p.AmountCents)
	assert.Equal(t, "254712345678", p.PhoneNumber)
	assert.NotEmpty(t, p.AccountRef)
}

func TestInitiateUpstreamFailure(t *testing.T) {
	repo := newMemRepo()
	api := &fixedAPI{initiateErr: &mpesa.APIError{StatusCode: 503, Body: "Service unavailable"}}
	r := setupRouter(t, repo, api, false)

	w := postJSON(r, "/payments/initiate",
		`{"amount": 100, "phone_number": "0712345678"}`)
	assert.Equal(t, http.StatusBadGateway, w.Code)

	require.Len(t, repo.payments, 1)
	for _, p := range repo.payments {
		assert.Equal(t, models.StatusFailed, p.Status)
		require.NotNil(t, p.ErrorMessage)
		assert.Contains(t, *p.ErrorMessage, "503")
	}
}

func TestInitiateSimulationSettlesImmediately(t *testing.T) {
	repo := newMemRepo()
	r := setupRouter(t, repo, mpesa.NewSimulator(), true)

	w := postJSON(r, "/payments/initiate",
		`{"amount": 100, "phone_number": "0712345678"}`)
	require.Equal(t, http.StatusOK, w.Code)

	require.Len(t, repo.payments, 1)
	for _, p := range repo.payments {
		assert.Equal(t, models.StatusSuccess, p.Status)
		require.NotNil(t, p.MpesaReceiptNumber)
		assert.Contains(t, *p.MpesaReceiptNumber, "SIMREC")
		require.NotNil(t, p.CallbackRaw)
		assert.Contains(t, *p.CallbackRaw, "stkCallback")
	}
}

func TestPaymentStatusLookup(t *testing.T) {
	repo := newMemRepo()
	payment := seedPending(t, repo, "ws_CO_ST_1")
	receipt := "DONE42"
	_, err := repo.MarkSuccess(context.Background(), payment.ID, &receipt, nil)
	require.NoError(t, err)

	r := setupRouter(t, repo, &fixedAPI{}, false)

	for _, identifier := range []string{"1", "ws_CO_ST_1"} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/payments/status/"+identifier, nil)
		r.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code, "identifier %s", identifier)

		var resp struct {
			Status  string  `json:"status"`
			Receipt *string `json:"receipt"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "SUCCESS", resp.Status)
		require.NotNil(t, resp.Receipt)
		assert.Equal(t, "DONE42", *resp.Receipt)
	}
}

func TestPaymentStatusNotFound(t *testing.T) {
	repo := newMemRepo()
	r := setupRouter(t, repo, &fixedAPI{}, false)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/payments/status/ws_CO_MISSING", nil)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSimulateCallbackDisabledOutsideSimulation(t *testing.T) {
	repo := newMemRepo()
	seedPending(t, repo, "ws_CO_SIM_1")
	r := setupRouter(t, repo, &fixedAPI{}, false)

	w := postJSON(r, "/payments/simulate-callback/ws_CO_SIM_1", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestSimulateCallbackSettlesPayment(t *testing.T) {
	repo := newMemRepo()
	payment := seedPending(t, repo, "ws_CO_SIM_2")
	r := setupRouter(t, repo, mpesa.NewSimulator(), true)

	w := postJSON(r, "/payments/simulate-callback/ws_CO_SIM_2", "")
	require.Equal(t, http.StatusOK, w.Code)

	p, err := repo.FindByID(context.Background(), payment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, p.Status)
	assert.Contains(t, *p.MpesaReceiptNumber, "SIMREC")
}

func TestHistoryRequiresAuth(t *testing.T) {
	repo := newMemRepo()
	r := setupRouter(t, repo, &fixedAPI{}, false)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/payments/history", nil)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/payments/history", nil)
	req.Header.Set("X-User-ID", "user-1")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
