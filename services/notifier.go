package services

import (
	"fmt"
	"net/smtp"

	"github.com/danielmaina989/crypto-sales-page/config"
	"github.com/danielmaina989/crypto-sales-page/models"

	"go.uber.org/zap"
)

// Notifier sends best-effort email notifications for settled payments. A
// notification failure is logged and swallowed; it must never fail the
// transition that triggered it.
type Notifier struct {
	host       string
	port       string
	username   string
	password   string
	adminEmail string
	logger     *zap.Logger
}

// NewNotifier returns nil when SMTP is not configured; callers treat a nil
// notifier as disabled.
func NewNotifier(cfg *config.Config, logger *zap.Logger) *Notifier {
	if cfg.SMTPHost == "" || cfg.SMTPUser == "" || cfg.AdminEmail == "" {
		logger.Info("SMTP not configured, payment notifications disabled")
		return nil
	}
	return &Notifier{
		host:       cfg.SMTPHost,
		port:       cfg.SMTPPort,
		username:   cfg.SMTPUser,
		password:   cfg.SMTPPass,
		adminEmail: cfg.AdminEmail,
		logger:     logger,
	}
}

// PaymentSucceeded emails the configured admin address about a successful
// payment. Safe to call on a nil receiver.
func (n *Notifier) PaymentSucceeded(payment *models.Payment) {
	if n == nil {
		return
	}

	receipt := ""
	if payment.MpesaReceiptNumber != nil {
		receipt = *payment.MpesaReceiptNumber
	}

	subject := fmt.Sprintf("Payment successful: KES %s", payment.Amount())
	body := fmt.Sprintf(
		"Payment %d for KES %s succeeded.\r\nReceipt: %s\r\nPhone: %s\r\nReference: %s\r\n",
		payment.ID, payment.Amount(), receipt, payment.PhoneNumber, payment.AccountRef,
	)

	msg := []byte(
		"From: " + n.username + "\r\n" +
			"To: " + n.adminEmail + "\r\n" +
			"Subject: " + subject + "\r\n" +
			"\r\n" +
			body,
	)

	addr := n.host + ":" + n.port
	auth := smtp.PlainAuth("", n.username, n.password, n.host)
	if err := smtp.SendMail(addr, auth, n.username, []string{n.adminEmail}, msg); err != nil {
		n.logger.Warn("Payment notification failed",
			zap.Uint("payment_id", payment.ID),
			zap.Error(err),
		)
		return
	}
	n.logger.Info("Payment notification sent", zap.Uint("payment_id", payment.ID))
}
