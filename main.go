package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/danielmaina989/crypto-sales-page/config"
	"github.com/danielmaina989/crypto-sales-page/controllers"
	"github.com/danielmaina989/crypto-sales-page/database"
	"github.com/danielmaina989/crypto-sales-page/logger"
	"github.com/danielmaina989/crypto-sales-page/middleware"
	"github.com/danielmaina989/crypto-sales-page/models"
	"github.com/danielmaina989/crypto-sales-page/mpesa"
	"github.com/danielmaina989/crypto-sales-page/ratelimit"
	"github.com/danielmaina989/crypto-sales-page/repository"
	"github.com/danielmaina989/crypto-sales-page/routes"
	"github.com/danielmaina989/crypto-sales-page/services"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("[Payments] Failed to load config: ", err)
	}

	logger.Initialize(cfg.Env)
	defer logger.Log.Sync()

	db, err := database.ConnectPostgres(cfg, logger.Log, &models.Payment{})
	if err != nil {
		logger.Log.Fatal("Failed to connect to DB", zap.Error(err))
	}
	defer database.Close(db)

	paymentRepo := repository.NewGormPaymentRepo(db)

	// Limiter state lives in Redis when available so every worker process
	// shares the same provider budget; otherwise it is process-local.
	rdb := database.NewRedisClient(cfg.RedisURL, logger.Log)
	limiter := ratelimit.NewLimiter("mpesa_api", cfg.RateLimitBudget, cfg.RateLimitPeriod, rdb, logger.Log)

	var api mpesa.API
	if cfg.MpesaSimulate {
		logger.Log.Warn("MPESA simulation mode enabled, no real provider calls will be made")
		api = mpesa.NewSimulator()
	} else {
		api, err = mpesa.NewClient(mpesa.ClientOptions{
			ConsumerKey:    cfg.MpesaConsumerKey,
			ConsumerSecret: cfg.MpesaConsumerSecret,
			Shortcode:      cfg.MpesaShortcode,
			Passkey:        cfg.MpesaPasskey,
			CallbackURL:    cfg.MpesaCallbackURL,
			Env:            cfg.MpesaEnv,
			Limiter:        limiter,
			Logger:         logger.Log,
		})
		if err != nil {
			logger.Log.Fatal("Failed to construct MPESA client", zap.Error(err))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	poller := services.NewStatusPoller(paymentRepo, api, cfg.PollMaxAttempts, cfg.PollDelay, cfg.PollWorkers, logger.Log)
	poller.Start(ctx)
	defer poller.Stop()
	poller.Resume(ctx)

	notifier := services.NewNotifier(cfg, logger.Log)

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.RequestLogger())
	r.Use(middleware.SecurityHeaders())

	pc := &controllers.PaymentController{
		Repo:     paymentRepo,
		API:      api,
		Poller:   poller,
		Notifier: notifier,
		Simulate: cfg.MpesaSimulate,
		Logger:   logger.Log,
	}
	routes.RegisterPaymentRoutes(r, pc)

	logger.Log.Info("Payments service running", zap.String("port", cfg.Port))
	if err := r.Run(":" + cfg.Port); err != nil {
		logger.Log.Fatal("Server failed", zap.Error(err))
	}
}
