package main

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/elegance-store/backend/internal/config"
	"github.com/elegance-store/backend/internal/daraja"
	"github.com/elegance-store/backend/internal/handlers"
	"github.com/elegance-store/backend/internal/metrics"
	"github.com/elegance-store/backend/internal/recon"
	"github.com/elegance-store/backend/internal/store"
)

func init() {
	// Initialize logger
	log.SetFormatter(&log.JSONFormatter{})
	log.SetLevel(log.InfoLevel)
}

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid configuration: ", err)
	}

	st, err := openStore(cfg)
	if err != nil {
		log.Fatal("Failed to open store: ", err)
	}

	gateway := daraja.NewClient(daraja.Config{
		BaseURL:        cfg.GatewayBaseURL,
		ConsumerKey:    cfg.GatewayConsumerKey,
		ConsumerSecret: cfg.GatewayConsumerSecret,
		ShortCode:      cfg.GatewayShortCode,
		Passkey:        cfg.GatewayPasskey,
		CallbackURL:    cfg.CallbackURL,
		Timeout:        cfg.GatewayTimeout,
	})

	engine := recon.NewEngine(st, gateway, cfg.PaymentExpiryWindow, cfg.RematchGrace)

	sweepCtx, stopSweeps := context.WithCancel(context.Background())
	defer stopSweeps()
	go engine.RunSweeps(sweepCtx, cfg.SweepInterval)

	paymentHandler := handlers.NewPaymentHandler(engine, st, st)
	userHandler := handlers.NewUserHandler(st)
	catalogHandler := handlers.NewCatalogHandler(st)
	orderHandler := handlers.NewOrderHandler(st)
	wishlistHandler := handlers.NewWishlistHandler(st)

	router := gin.Default()
	router.Use(metrics.PrometheusMiddleware(cfg.ServiceName))

	router.GET("/health", paymentHandler.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	{
		api.POST("/register", userHandler.Register)
		api.POST("/login", userHandler.Login)

		api.GET("/products", catalogHandler.ListProducts)
		api.GET("/products/:id", catalogHandler.GetProduct)

		api.POST("/orders", orderHandler.CreateOrder)
		api.GET("/orders/:id", orderHandler.GetOrder)
		api.GET("/orders/user/:userId", orderHandler.ListUserOrders)

		api.GET("/wishlist/:userId", wishlistHandler.List)
		api.POST("/wishlist/:userId", wishlistHandler.Add)
		api.DELETE("/wishlist/:userId", wishlistHandler.Remove)

		api.POST("/payments", paymentHandler.InitiatePayment)
		api.POST("/payments/callback", paymentHandler.GatewayCallback)
		api.GET("/payments/:reference", paymentHandler.GetPayment)
	}

	log.WithFields(log.Fields{
		"port":          cfg.Port,
		"expiry_window": cfg.PaymentExpiryWindow.String(),
	}).Info("Store backend starting")

	if err := router.Run(":" + cfg.Port); err != nil {
		log.Fatal("Failed to start server: ", err)
	}
}

func openStore(cfg *config.Config) (store.Store, error) {
	if cfg.DatabaseDSN == "" {
		log.Warn("DATABASE_DSN not set, using in-memory store")
		return store.NewMemoryStore(), nil
	}

	db, err := gorm.Open(mysql.Open(cfg.DatabaseDSN), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}
	return store.NewGormStore(db)
}
