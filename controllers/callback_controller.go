package controllers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/danielmaina989/crypto-sales-page/models"
	"github.com/danielmaina989/crypto-sales-page/mpesa"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// MpesaCallback receives the provider's asynchronous result notification.
// The response is 200 {"success": true} no matter what happens internally:
// anything else makes the provider retry indefinitely, and a retry of a
// payload we cannot process is not actionable.
func (pc *PaymentController) MpesaCallback(c *gin.Context) {
	ack := func() { c.JSON(http.StatusOK, gin.H{"success": true}) }

	body, err := c.GetRawData()
	if err != nil || len(body) == 0 {
		pc.Logger.Warn("Callback with unreadable body", zap.Error(err))
		ack()
		return
	}

	result, err := mpesa.ParseCallback(body)
	if err != nil {
		pc.Logger.Warn("Callback with unrecognized payload",
			zap.Error(err),
			zap.Int("body_bytes", len(body)),
		)
		ack()
		return
	}

	checkoutID := result.CheckoutRequestID
	if checkoutID == "" {
		checkoutID = result.MerchantRequestID
	}
	if checkoutID == "" {
		pc.Logger.Warn("Callback missing correlation identifier")
		ack()
		return
	}

	payment, err := pc.Repo.FindByCheckoutID(c.Request.Context(), checkoutID)
	if err != nil {
		// Callbacks never create records; an unknown ID is logged and dropped.
		if errors.Is(err, gorm.ErrRecordNotFound) {
			pc.Logger.Warn("Callback for unknown payment",
				zap.String("checkout_request_id", checkoutID))
		} else {
			pc.Logger.Error("Callback lookup failed", zap.Error(err))
		}
		ack()
		return
	}

	raw := string(body)
	log := pc.Logger.With(
		zap.Uint("payment_id", payment.ID),
		zap.String("checkout_request_id", checkoutID),
		zap.Int("result_code", result.ResultCode),
	)

	if result.Success() {
		applied, err := pc.Repo.MarkSuccess(c.Request.Context(), payment.ID, result.Receipt, &raw)
		if err != nil {
			log.Error("Failed to persist callback success", zap.Error(err))
			ack()
			return
		}
		if applied {
			log.Info("Payment confirmed successful via callback")
			payment.Status = models.StatusSuccess
			payment.MpesaReceiptNumber = result.Receipt
			go pc.Notifier.PaymentSucceeded(payment)
		} else {
			pc.rejectedTerminalWrite(c, payment, raw, log)
		}
		ack()
		return
	}

	code := strconv.Itoa(result.ResultCode)
	desc := mpesa.ResultDescription(result.ResultCode, result.ResultDesc)
	applied, err := pc.Repo.MarkFailed(c.Request.Context(), payment.ID, code, desc, &raw)
	if err != nil {
		log.Error("Failed to persist callback failure", zap.Error(err))
		ack()
		return
	}
	if applied {
		log.Info("Payment marked failed via callback", zap.String("result_desc", desc))
	} else {
		pc.rejectedTerminalWrite(c, payment, raw, log)
	}
	ack()
}

// rejectedTerminalWrite handles a duplicate or contradicting terminal signal:
// the first terminal write won and the status stands, but the payload is
// still persisted since the audit blob is last-writer-wins.
func (pc *PaymentController) rejectedTerminalWrite(c *gin.Context, payment *models.Payment, raw string, log *zap.Logger) {
	log.Warn("Terminal transition rejected, payment already settled",
		zap.String("status", string(payment.Status)))
	if err := pc.Repo.SetRequestIDs(c.Request.Context(), payment.ID, nil, nil, &raw); err != nil {
		log.Error("Failed to persist audit payload", zap.Error(err))
	}
}

// SimulateCallback is the dev-only stand-in for a provider callback: it
// settles the payment as successful with a fabricated receipt. Disabled
// unless simulation mode is on.
func (pc *PaymentController) SimulateCallback(c *gin.Context) {
	if !pc.Simulate {
		c.JSON(http.StatusForbidden, gin.H{"success": false, "message": "simulate-callback endpoint is disabled"})
		return
	}

	checkoutID := c.Param("checkout_id")
	payment, err := pc.Repo.FindByCheckoutID(c.Request.Context(), checkoutID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "Payment not found"})
		return
	}

	receipt := mpesa.SimulatedReceipt()
	payload := mpesa.SimulatedCallbackPayload(checkoutID, receipt)
	applied, err := pc.Repo.MarkSuccess(c.Request.Context(), payment.ID, &receipt, &payload)
	if err != nil {
		pc.Logger.Error("Failed to apply simulated callback", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "internal server error"})
		return
	}
	if !applied {
		c.JSON(http.StatusOK, gin.H{
			"success": false,
			"message": "payment already settled",
			"status":  string(payment.Status),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "receipt": receipt})
}
