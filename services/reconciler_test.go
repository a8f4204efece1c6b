package services

import (
	"context"
	"testing"

	"github.com/danielmaina989/crypto-sales-page/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func failedPayment(t *testing.T, repo *memRepo, checkout string, raw *string) *models.Payment {
	t.Helper()
	p := &models.Payment{
		AmountCents:       5000,
		PhoneNumber:       "254712345678",
		Status:            models.StatusPending,
		CheckoutRequestID: &checkout,
		CallbackRaw:       raw,
	}
	require.NoError(t, repo.CreatePayment(context.Background(), p))
	_, err := repo.MarkFailed(context.Background(), p.ID, "1037", "Timeout waiting for the user to respond.", raw)
	require.NoError(t, err)
	return p
}

const successPayload = `{
	"Body": {
		"stkCallback": {
			"CheckoutRequestID": "ws_CO_REC_1",
			"ResultCode": 0,
			"ResultDesc": "The service request is processed successfully.",
			"CallbackMetadata": {
				"Item": [
					{"Name": "Amount", "Value": 50},
					{"Name": "MpesaReceiptNumber", "Value": "RECOVER1"}
				]
			}
		}
	}
}`

const failurePayload = `{
	"Body": {
		"stkCallback": {
			"CheckoutRequestID": "ws_CO_REC_2",
			"ResultCode": 1032,
			"ResultDesc": "Request cancelled by user"
		}
	}
}`

func TestReconcilerDryRunReportsWithoutPersisting(t *testing.T) {
	repo := newMemRepo()
	payload := successPayload
	payment := failedPayment(t, repo, "ws_CO_REC_1", &payload)

	r := NewReconciler(repo, nil)
	report, err := r.Run(context.Background(), ReconcileOptions{DryRun: true})
	require.NoError(t, err)

	require.Len(t, report.Candidates, 1)
	assert.Equal(t, payment.ID, report.Candidates[0].PaymentID)
	assert.False(t, report.Candidates[0].Applied)

	p, err := repo.FindByID(context.Background(), payment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, p.Status, "dry run must not change anything")
}

func TestReconcilerRepairsFailedPaymentWithSuccessPayload(t *testing.T) {
	repo := newMemRepo()
	payload := successPayload
	payment := failedPayment(t, repo, "ws_CO_REC_1", &payload)

	r := NewReconciler(repo, nil)
	report, err := r.Run(context.Background(), ReconcileOptions{})
	require.NoError(t, err)

	require.Len(t, report.Candidates, 1)
	assert.True(t, report.Candidates[0].Applied)

	p, err := repo.FindByID(context.Background(), payment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, p.Status)
	require.NotNil(t, p.MpesaReceiptNumber)
	assert.Equal(t, "RECOVER1", *p.MpesaReceiptNumber)
	assert.Nil(t, p.ErrorCode)
	assert.Nil(t, p.ErrorMessage)
}

func TestReconcilerSkipsGenuineFailures(t *testing.T) {
	repo := newMemRepo()
	payload := failurePayload
	failedPayment(t, repo, "ws_CO_REC_2", &payload)

	unparsable := `<html>not json</html>`
	failedPayment(t, repo, "ws_CO_REC_3", &unparsable)

	failedPayment(t, repo, "ws_CO_REC_4", nil)

	r := NewReconciler(repo, nil)
	report, err := r.Run(context.Background(), ReconcileOptions{})
	require.NoError(t, err)

	assert.Equal(t, 3, report.Inspected)
	assert.Empty(t, report.Candidates)
}

func TestReconcilerLegacyPayloadShape(t *testing.T) {
	repo := newMemRepo()
	payload := `{"ResponseCode": "0", "MpesaReceiptNumber": "OLDSTYLE9"}`
	payment := failedPayment(t, repo, "ws_CO_REC_5", &payload)

	r := NewReconciler(repo, nil)
	report, err := r.Run(context.Background(), ReconcileOptions{})
	require.NoError(t, err)

	require.Len(t, report.Candidates, 1)
	p, err := repo.FindByID(context.Background(), payment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, p.Status)
	assert.Equal(t, "OLDSTYLE9", *p.MpesaReceiptNumber)
}
