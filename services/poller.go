package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/danielmaina989/crypto-sales-page/mpesa"
	"github.com/danielmaina989/crypto-sales-page/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// StatusPoller drives the polling side of payment tracking. Each payment's
// lifecycle is a chain of scheduled attempts: a timer enqueues the attempt, a
// worker executes it, and an inconclusive outcome arms the next timer with
// attempt+1. No goroutine sleeps between attempts, so a suspended payment
// costs a timer, not a worker.
//
// The poller races the webhook by design. The repository's conditional
// updates are the only synchronization: whichever side lands the terminal
// transition first wins, and the loser's write is a reported no-op.
type StatusPoller struct {
	repo        repository.PaymentRepository
	api         mpesa.API
	maxAttempts int
	delay       time.Duration
	workers     int
	logger      *zap.Logger

	tasks   chan pollTask
	done    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

type pollTask struct {
	paymentID uint
	attempt   int
}

func NewStatusPoller(repo repository.PaymentRepository, api mpesa.API, maxAttempts int, delay time.Duration, workers int, logger *zap.Logger) *StatusPoller {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatusPoller{
		repo:        repo,
		api:         api,
		maxAttempts: maxAttempts,
		delay:       delay,
		workers:     workers,
		logger:      logger,
		tasks:       make(chan pollTask, 256),
		done:        make(chan struct{}),
	}
}

// Start launches the worker pool. Workers exit when ctx is cancelled.
func (p *StatusPoller) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case task := <-p.tasks:
					p.poll(ctx, task)
				}
			}
		}()
	}
}

// Stop prevents further attempts from being enqueued and waits for in-flight
// ones. Timers already armed fire into a closed gate and are dropped.
func (p *StatusPoller) Stop() {
	p.stopped.Do(func() { close(p.done) })
	p.wg.Wait()
}

// Schedule begins the polling lifecycle for a freshly initiated payment.
// The first attempt runs after the configured delay to give the STK prompt
// time to reach the phone.
func (p *StatusPoller) Schedule(paymentID uint) {
	p.scheduleAttempt(paymentID, 1, p.delay)
}

func (p *StatusPoller) scheduleAttempt(paymentID uint, attempt int, delay time.Duration) {
	time.AfterFunc(delay, func() {
		select {
		case <-p.done:
		case p.tasks <- pollTask{paymentID: paymentID, attempt: attempt}:
		}
	})
}

func (p *StatusPoller) poll(ctx context.Context, task pollTask) {
	log := p.logger.With(
		zap.Uint("payment_id", task.paymentID),
		zap.Int("attempt", task.attempt),
		zap.Int("max_attempts", p.maxAttempts),
	)

	payment, err := p.repo.FindByID(ctx, task.paymentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Warn("Poll skipped, payment no longer exists")
		} else {
			log.Error("Poll failed to load payment", zap.Error(err))
		}
		return
	}

	// A webhook or an earlier attempt may already have settled the record;
	// attempts cannot be cancelled once armed, so detect it here and stop.
	if payment.Status.Terminal() {
		log.Debug("Poll skipped, payment already terminal",
			zap.String("status", string(payment.Status)))
		return
	}

	if payment.CheckoutRequestID == nil {
		log.Warn("Poll skipped, payment has no checkout request ID")
		return
	}

	status, err := p.api.QueryStatus(ctx, *payment.CheckoutRequestID)
	if err != nil {
		p.handleQueryError(ctx, task, log, err)
		return
	}

	if status.ResultCode == 0 {
		raw := string(status.Raw)
		applied, err := p.repo.MarkSuccess(ctx, task.paymentID, status.Receipt, &raw)
		if err != nil {
			log.Error("Failed to persist success from polling", zap.Error(err))
			return
		}
		if applied {
			log.Info("Payment confirmed successful via polling")
		} else {
			log.Debug("Success already recorded by a racing writer")
		}
		return
	}

	// A non-zero code before the budget runs out is "not yet", not a
	// verdict: the provider can still complete the transaction.
	if task.attempt < p.maxAttempts {
		log.Debug("Payment not complete yet, rescheduling",
			zap.Int("result_code", status.ResultCode))
		p.scheduleAttempt(task.paymentID, task.attempt+1, p.delay)
		return
	}

	code := strconv.Itoa(status.ResultCode)
	desc := mpesa.ResultDescription(status.ResultCode, status.ResultDesc)
	raw := string(status.Raw)
	applied, err := p.repo.MarkFailed(ctx, task.paymentID, code, desc, &raw)
	if err != nil {
		log.Error("Failed to persist failure from polling", zap.Error(err))
		return
	}
	if applied {
		log.Info("Payment marked failed after definitive upstream result",
			zap.String("result_code", code),
			zap.String("result_desc", desc))
	} else {
		log.Debug("Terminal state already recorded by a racing writer")
	}
}

// handleQueryError covers every inconclusive outcome: network failures, WAF
// blocks, upstream HTTP errors and malformed bodies. None of them prove the
// payment failed, so exhaustion leaves the record pending for the webhook or
// the reconciliation job.
func (p *StatusPoller) handleQueryError(ctx context.Context, task pollTask, log *zap.Logger, err error) {
	if task.attempt < p.maxAttempts {
		log.Warn("Status query inconclusive, rescheduling", zap.Error(err))
		p.scheduleAttempt(task.paymentID, task.attempt+1, p.delay)
		return
	}

	msg := fmt.Sprintf("status polling exhausted after %d attempts: %v", p.maxAttempts, err)
	if len(msg) > 1000 {
		msg = msg[:1000]
	}
	if err := p.repo.RecordPendingError(ctx, task.paymentID, msg); err != nil {
		log.Error("Failed to record polling exhaustion", zap.Error(err))
		return
	}
	log.Warn("Status polling exhausted, payment left pending for webhook")
}

// Resume re-arms polling for payments found pending at startup, e.g. after a
// restart dropped their in-memory timers. Every pending row is considered,
// however old; restarts must not strand payments outside a recency window.
func (p *StatusPoller) Resume(ctx context.Context) {
	payments, err := p.repo.ListPending(ctx, 0)
	if err != nil {
		p.logger.Error("Failed to resume pending payment polls", zap.Error(err))
		return
	}
	resumed := 0
	for _, payment := range payments {
		if payment.CheckoutRequestID != nil {
			p.Schedule(payment.ID)
			resumed++
		}
	}
	if resumed > 0 {
		p.logger.Info("Resumed polling for pending payments", zap.Int("count", resumed))
	}
}
