// Command reconcile re-derives final status for failed payments from their
// stored callback payloads and repairs the ones that actually succeeded.
// Run with --dry-run first to see what would change.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/danielmaina989/crypto-sales-page/config"
	"github.com/danielmaina989/crypto-sales-page/database"
	"github.com/danielmaina989/crypto-sales-page/logger"
	"github.com/danielmaina989/crypto-sales-page/repository"
	"github.com/danielmaina989/crypto-sales-page/services"

	"go.uber.org/zap"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "show changes without applying")
	limit := flag.Int("limit", 0, "limit number of payments to process (0 = all)")
	age := flag.Duration("age", 0, "only consider payments older than this (e.g. 1h)")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load config: ", err)
	}

	logger.Initialize(cfg.Env)
	defer logger.Log.Sync()

	db, err := database.ConnectPostgres(cfg, logger.Log)
	if err != nil {
		logger.Log.Fatal("Failed to connect to DB", zap.Error(err))
	}
	defer database.Close(db)

	repo := repository.NewGormPaymentRepo(db)
	reconciler := services.NewReconciler(repo, logger.Log)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	report, err := reconciler.Run(ctx, services.ReconcileOptions{
		DryRun:    *dryRun,
		Limit:     *limit,
		OlderThan: *age,
	})
	if err != nil {
		logger.Log.Fatal("Reconciliation failed", zap.Error(err))
	}

	fmt.Printf("Inspected %d failed payments; %d encode success\n",
		report.Inspected, len(report.Candidates))
	for _, c := range report.Candidates {
		receipt := ""
		if c.Receipt != nil {
			receipt = *c.Receipt
		}
		state := "candidate"
		if c.Applied {
			state = "repaired"
		} else if *dryRun {
			state = "would repair"
		}
		fmt.Printf(" - id=%d checkout=%s receipt=%s [%s]\n",
			c.PaymentID, c.CheckoutRequestID, receipt, state)
	}
}
