package routes

import (
	"net/http"
	"time"

	"github.com/danielmaina989/crypto-sales-page/controllers"
	"github.com/danielmaina989/crypto-sales-page/middleware"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

func RegisterPaymentRoutes(r *gin.Engine, pc *controllers.PaymentController) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// 100 requests per minute per IP on the public payment surface
	ipLimiter := middleware.NewIPRateLimiter(rate.Every(time.Minute/100), 20, 10*time.Minute)

	payments := r.Group("/payments")
	payments.Use(ipLimiter.Middleware())
	{
		payments.POST("/initiate", pc.InitiatePayment)
		payments.GET("/status/:id", pc.PaymentStatus)
	}

	// Provider-facing; must stay unauthenticated and outside the IP limiter.
	// The provider sends every callback from a small IP pool and expects a 200
	// for each one; throttling here would bounce legitimate terminal signals.
	callbacks := r.Group("/payments")
	{
		callbacks.POST("/callback", pc.MpesaCallback)
		callbacks.POST("/simulate-callback/:checkout_id", pc.SimulateCallback)
	}

	history := r.Group("/payments")
	history.Use(middleware.AuthMiddleware())
	{
		history.GET("/history", pc.PaymentHistory)
	}
}
