package controllers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/danielmaina989/crypto-sales-page/models"
	"github.com/danielmaina989/crypto-sales-page/mpesa"
	"github.com/danielmaina989/crypto-sales-page/repository"
	"github.com/danielmaina989/crypto-sales-page/services"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type PaymentController struct {
	Repo     repository.PaymentRepository
	API      mpesa.API
	Poller   *services.StatusPoller
	Notifier *services.Notifier
	Simulate bool
	Logger   *zap.Logger
}

type initiateRequest struct {
	Amount      json.Number `json:"amount"`
	PhoneNumber string      `json:"phone_number"`
	AccountRef  string      `json:"account_ref"`
	Description string      `json:"description"`
}

// InitiatePayment validates the request, creates the pending record, sends
// the STK push and arms background polling. In simulation mode the payment is
// settled immediately with a fabricated callback payload for audit.
func (pc *PaymentController) InitiatePayment(c *gin.Context) {
	var req initiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "Invalid JSON"})
		return
	}

	if req.Amount == "" || req.PhoneNumber == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "amount and phone_number are required"})
		return
	}

	amountCents, err := mpesa.ParseAmount(req.Amount.String())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "invalid amount"})
		return
	}

	if !mpesa.ValidatePhone(req.PhoneNumber) {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "invalid phone_number"})
		return
	}
	phone, err := mpesa.NormalizePhone(req.PhoneNumber)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "invalid phone_number"})
		return
	}

	accountRef := strings.TrimSpace(req.AccountRef)
	if accountRef == "" {
		accountRef = "CSP-" + uuid.NewString()[:8]
	}

	payment := &models.Payment{
		AmountCents: amountCents,
		PhoneNumber: phone,
		AccountRef:  accountRef,
		Description: req.Description,
		Status:      models.StatusPending,
	}
	if err := pc.Repo.CreatePayment(c.Request.Context(), payment); err != nil {
		pc.Logger.Error("Failed to create payment record", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "internal server error"})
		return
	}

	resp, err := pc.API.InitiateSTKPush(c.Request.Context(), phone, amountCents, accountRef, req.Description)
	if err != nil {
		pc.failInitiation(c, payment, err)
		return
	}

	raw := string(resp.Raw)
	checkoutID := resp.CheckoutRequestID
	merchantID := resp.MerchantRequestID
	if err := pc.Repo.SetRequestIDs(c.Request.Context(), payment.ID, &checkoutID, &merchantID, &raw); err != nil {
		pc.Logger.Error("Failed to store request IDs",
			zap.Uint("payment_id", payment.ID),
			zap.Error(err),
		)
	}

	if pc.Simulate {
		// No provider will call back in simulation; settle now with an
		// audit payload shaped like the real callback.
		receipt := mpesa.SimulatedReceipt()
		payload := mpesa.SimulatedCallbackPayload(checkoutID, receipt)
		if _, err := pc.Repo.MarkSuccess(c.Request.Context(), payment.ID, &receipt, &payload); err != nil {
			pc.Logger.Error("Failed to apply simulated success",
				zap.Uint("payment_id", payment.ID),
				zap.Error(err),
			)
		}
	} else {
		pc.Poller.Schedule(payment.ID)
	}

	c.JSON(http.StatusOK, gin.H{
		"success":             true,
		"checkout_request_id": checkoutID,
		"raw_response":        json.RawMessage(resp.Raw),
	})
}

// failInitiation marks the freshly created record failed and maps the error
// class to the HTTP status: upstream trouble is 502, anything else 500.
func (pc *PaymentController) failInitiation(c *gin.Context, payment *models.Payment, err error) {
	msg := err.Error()
	if len(msg) > 1000 {
		msg = msg[:1000]
	}
	if _, markErr := pc.Repo.MarkFailed(c.Request.Context(), payment.ID, "", msg, nil); markErr != nil {
		pc.Logger.Error("Failed to persist initiation failure",
			zap.Uint("payment_id", payment.ID),
			zap.Error(markErr),
		)
	}

	var apiErr *mpesa.APIError
	if errors.As(err, &apiErr) || mpesa.Retriable(err) || errors.Is(err, mpesa.ErrWAFBlocked) {
		pc.Logger.Error("MPESA upstream request failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{
			"success": false,
			"message": "Upstream MPESA request failed",
			"error":   msg,
		})
		return
	}

	pc.Logger.Error("Failed to initiate STK push", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{
		"success": false,
		"message": "failed to initiate",
		"error":   msg,
	})
}

// PaymentStatus answers frontend polling with a normalized status. The
// identifier may be the numeric payment ID or either provider request ID.
func (pc *PaymentController) PaymentStatus(c *gin.Context) {
	identifier := c.Param("id")

	var payment *models.Payment
	if n, err := strconv.ParseUint(identifier, 10, 64); err == nil {
		if p, err := pc.Repo.FindByID(c.Request.Context(), uint(n)); err == nil {
			payment = p
		}
	}
	if payment == nil {
		p, err := pc.Repo.FindByCheckoutID(c.Request.Context(), identifier)
		if err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				pc.Logger.Error("Status lookup failed", zap.Error(err))
			}
			c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "Payment not found"})
			return
		}
		payment = p
	}

	status := "PENDING"
	switch payment.Status {
	case models.StatusSuccess:
		status = "SUCCESS"
	case models.StatusFailed:
		status = "FAILED"
	}

	c.JSON(http.StatusOK, gin.H{
		"success":             true,
		"status":              status,
		"receipt":             payment.MpesaReceiptNumber,
		"error":               payment.ErrorMessage,
		"payment_id":          payment.ID,
		"checkout_request_id": payment.CheckoutRequestID,
	})
}

// PaymentHistory lists recent payments with per-status counts for the
// dashboard.
func (pc *PaymentController) PaymentHistory(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	payments, err := pc.Repo.ListRecent(c.Request.Context(), limit)
	if err != nil {
		pc.Logger.Error("Failed to list payments", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "internal server error"})
		return
	}

	counts, err := pc.Repo.CountByStatus(c.Request.Context())
	if err != nil {
		pc.Logger.Error("Failed to count payments", zap.Error(err))
		counts = map[models.PaymentStatus]int64{}
	}

	type paymentView struct {
		ID                uint    `json:"id"`
		Amount            string  `json:"amount"`
		PhoneNumber       string  `json:"phone_number"`
		AccountRef        string  `json:"account_ref"`
		Status            string  `json:"status"`
		Receipt           *string `json:"receipt"`
		Error             *string `json:"error"`
		CheckoutRequestID *string `json:"checkout_request_id"`
		CreatedAt         string  `json:"created_at"`
	}

	views := make([]paymentView, 0, len(payments))
	for _, p := range payments {
		views = append(views, paymentView{
			ID:                p.ID,
			Amount:            p.Amount(),
			PhoneNumber:       p.PhoneNumber,
			AccountRef:        p.AccountRef,
			Status:            string(p.Status),
			Receipt:           p.MpesaReceiptNumber,
			Error:             p.ErrorMessage,
			CheckoutRequestID: p.CheckoutRequestID,
			CreatedAt:         p.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"payments": views,
		"counts": gin.H{
			"pending": counts[models.StatusPending],
			"success": counts[models.StatusSuccess],
			"failed":  counts[models.StatusFailed],
		},
	})
}
