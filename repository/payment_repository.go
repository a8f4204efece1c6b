package repository

import (
	"context"
	"time"

	"github.com/danielmaina989/crypto-sales-page/models"

	"gorm.io/gorm"
)

// PaymentRepository is the durable state store for payment lifecycles. The
// Mark* methods are conditional single-row updates: they transition a row
// only when it is still in the expected prior state and report whether the
// transition happened, so racing writers (poller, webhook, reconciler) can
// never overwrite each other's terminal result.
type PaymentRepository interface {
	CreatePayment(ctx context.Context, payment *models.Payment) error
	FindByID(ctx context.Context, id uint) (*models.Payment, error)
	FindByCheckoutID(ctx context.Context, checkoutID string) (*models.Payment, error)
	SetRequestIDs(ctx context.Context, id uint, checkoutID, merchantID *string, raw *string) error

	MarkSuccess(ctx context.Context, id uint, receipt *string, raw *string) (bool, error)
	MarkFailed(ctx context.Context, id uint, code, message string, raw *string) (bool, error)
	MarkSuccessFromFailed(ctx context.Context, id uint, receipt *string) (bool, error)
	RecordPendingError(ctx context.Context, id uint, message string) error

	ListFailed(ctx context.Context, limit int, olderThan time.Duration) ([]models.Payment, error)
	ListPending(ctx context.Context, limit int) ([]models.Payment, error)
	ListRecent(ctx context.Context, limit int) ([]models.Payment, error)
	CountByStatus(ctx context.Context) (map[models.PaymentStatus]int64, error)
}

type gormPaymentRepo struct {
	db *gorm.DB
}

func NewGormPaymentRepo(db *gorm.DB) PaymentRepository {
	return &gormPaymentRepo{db: db}
}

func (r *gormPaymentRepo) CreatePayment(ctx context.Context, payment *models.Payment) error {
	return r.db.WithContext(ctx).Create(payment).Error
}

func (r *gormPaymentRepo) FindByID(ctx context.Context, id uint) (*models.Payment, error) {
	var payment models.Payment
	if err := r.db.WithContext(ctx).First(&payment, id).Error; err != nil {
		return nil, err
	}
	return &payment, nil
}

// FindByCheckoutID matches either correlation identifier; callers hold
// whichever one the provider echoed back.
func (r *gormPaymentRepo) FindByCheckoutID(ctx context.Context, checkoutID string) (*models.Payment, error) {
	var payment models.Payment
	err := r.db.WithContext(ctx).
		Where("checkout_request_id = ? OR merchant_request_id = ?", checkoutID, checkoutID).
		First(&payment).Error
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *gormPaymentRepo) SetRequestIDs(ctx context.Context, id uint, checkoutID, merchantID *string, raw *string) error {
	updates := map[string]interface{}{}
	if checkoutID != nil {
		updates["checkout_request_id"] = checkoutID
	}
	if merchantID != nil {
		updates["merchant_request_id"] = merchantID
	}
	if raw != nil {
		updates["callback_raw"] = raw
	}
	if len(updates) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Model(&models.Payment{}).Where("id = ?", id).Updates(updates).Error
}

// MarkSuccess transitions pending → success. The status guard makes the first
// terminal write win; a duplicate success signal is a no-op and reports false.
func (r *gormPaymentRepo) MarkSuccess(ctx context.Context, id uint, receipt *string, raw *string) (bool, error) {
	updates := map[string]interface{}{
		"status":               models.StatusSuccess,
		"mpesa_receipt_number": receipt,
		"error_code":           nil,
		"error_message":        nil,
		"updated_at":           time.Now(),
	}
	if raw != nil {
		updates["callback_raw"] = raw
	}
	res := r.db.WithContext(ctx).Model(&models.Payment{}).
		Where("id = ? AND status = ?", id, models.StatusPending).
		Updates(updates)
	return res.RowsAffected > 0, res.Error
}

func (r *gormPaymentRepo) MarkFailed(ctx context.Context, id uint, code, message string, raw *string) (bool, error) {
	updates := map[string]interface{}{
		"status":        models.StatusFailed,
		"error_code":    code,
		"error_message": message,
		"updated_at":    time.Now(),
	}
	if raw != nil {
		updates["callback_raw"] = raw
	}
	res := r.db.WithContext(ctx).Model(&models.Payment{}).
		Where("id = ? AND status = ?", id, models.StatusPending).
		Updates(updates)
	return res.RowsAffected > 0, res.Error
}

// MarkSuccessFromFailed is the reconciliation repair path: it only moves a
// row that is currently failed, so a concurrent run cannot double-apply.
func (r *gormPaymentRepo) MarkSuccessFromFailed(ctx context.Context, id uint, receipt *string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.Payment{}).
		Where("id = ? AND status = ?", id, models.StatusFailed).
		Updates(map[string]interface{}{
			"status":               models.StatusSuccess,
			"mpesa_receipt_number": receipt,
			"error_code":           nil,
			"error_message":        nil,
			"updated_at":           time.Now(),
		})
	return res.RowsAffected > 0, res.Error
}

// RecordPendingError notes why polling gave up without claiming the payment
// failed; the row stays pending for the webhook or reconciliation.
func (r *gormPaymentRepo) RecordPendingError(ctx context.Context, id uint, message string) error {
	return r.db.WithContext(ctx).Model(&models.Payment{}).
		Where("id = ? AND status = ?", id, models.StatusPending).
		Updates(map[string]interface{}{
			"error_message": message,
			"updated_at":    time.Now(),
		}).Error
}

func (r *gormPaymentRepo) ListFailed(ctx context.Context, limit int, olderThan time.Duration) ([]models.Payment, error) {
	q := r.db.WithContext(ctx).
		Where("status = ?", models.StatusFailed).
		Order("created_at DESC")
	if olderThan > 0 {
		q = q.Where("created_at < ?", time.Now().Add(-olderThan))
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var payments []models.Payment
	if err := q.Find(&payments).Error; err != nil {
		return nil, err
	}
	return payments, nil
}

// ListPending returns pending payments oldest first, so restart recovery
// re-arms the longest-waiting records before the newest ones. limit <= 0
// means no limit; recovery must see every pending row, not a recent window.
func (r *gormPaymentRepo) ListPending(ctx context.Context, limit int) ([]models.Payment, error) {
	q := r.db.WithContext(ctx).
		Where("status = ?", models.StatusPending).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var payments []models.Payment
	if err := q.Find(&payments).Error; err != nil {
		return nil, err
	}
	return payments, nil
}

func (r *gormPaymentRepo) ListRecent(ctx context.Context, limit int) ([]models.Payment, error) {
	if limit <= 0 {
		limit = 50
	}
	var payments []models.Payment
	err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&payments).Error
	if err != nil {
		return nil, err
	}
	return payments, nil
}

func (r *gormPaymentRepo) CountByStatus(ctx context.Context) (map[models.PaymentStatus]int64, error) {
	type row struct {
		Status models.PaymentStatus
		Count  int64
	}
	var rows []row
	err := r.db.WithContext(ctx).Model(&models.Payment{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[models.PaymentStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}
