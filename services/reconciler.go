package services

import (
	"context"
	"time"

	"github.com/danielmaina989/crypto-sales-page/mpesa"
	"github.com/danielmaina989/crypto-sales-page/repository"

	"go.uber.org/zap"
)

// Reconciler repairs payments that lost the race: records marked failed whose
// stored callback payload in fact encodes a success. It re-derives the result
// from the audit blob with the same extraction logic the webhook uses, so the
// two can never disagree about what a payload means.
type Reconciler struct {
	repo   repository.PaymentRepository
	logger *zap.Logger
}

type ReconcileOptions struct {
	// DryRun reports candidates without persisting anything.
	DryRun bool
	// Limit bounds the batch size; 0 means no limit.
	Limit int
	// OlderThan skips recent records that polling may still settle.
	OlderThan time.Duration
}

type ReconcileCandidate struct {
	PaymentID         uint
	CheckoutRequestID string
	Receipt           *string
	Applied           bool
}

type ReconcileReport struct {
	Inspected  int
	Candidates []ReconcileCandidate
}

func NewReconciler(repo repository.PaymentRepository, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{repo: repo, logger: logger}
}

func (r *Reconciler) Run(ctx context.Context, opts ReconcileOptions) (*ReconcileReport, error) {
	payments, err := r.repo.ListFailed(ctx, opts.Limit, opts.OlderThan)
	if err != nil {
		return nil, err
	}

	report := &ReconcileReport{Inspected: len(payments)}
	for _, payment := range payments {
		if payment.CallbackRaw == nil || *payment.CallbackRaw == "" {
			continue
		}

		result, err := mpesa.ParseCallback([]byte(*payment.CallbackRaw))
		if err != nil {
			r.logger.Debug("Skipping payment with unparsable callback payload",
				zap.Uint("payment_id", payment.ID),
				zap.Error(err),
			)
			continue
		}
		if !result.Success() {
			continue
		}

		candidate := ReconcileCandidate{
			PaymentID: payment.ID,
			Receipt:   result.Receipt,
		}
		if payment.CheckoutRequestID != nil {
			candidate.CheckoutRequestID = *payment.CheckoutRequestID
		}

		if !opts.DryRun {
			applied, err := r.repo.MarkSuccessFromFailed(ctx, payment.ID, result.Receipt)
			if err != nil {
				r.logger.Error("Failed to apply reconciliation",
					zap.Uint("payment_id", payment.ID),
					zap.Error(err),
				)
				continue
			}
			candidate.Applied = applied
			if applied {
				r.logger.Info("Reconciled failed payment to success",
					zap.Uint("payment_id", payment.ID),
				)
			}
		}

		report.Candidates = append(report.Candidates, candidate)
	}

	r.logger.Info("Reconciliation run complete",
		zap.Int("inspected", report.Inspected),
		zap.Int("candidates", len(report.Candidates)),
		zap.Bool("dry_run", opts.DryRun),
	)
	return report, nil
}
