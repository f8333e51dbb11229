package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/kioskpay/backend/docs"
	"github.com/kioskpay/backend/internal/config"
	"github.com/kioskpay/backend/internal/database"
	"github.com/kioskpay/backend/internal/handlers"
	mW "github.com/kioskpay/backend/internal/middleware"
	"github.com/kioskpay/backend/internal/services"
)

// @title KioskPay Ledger Sync API
// @version 1.0
// @description Offline-tolerant bulk transaction sync for payment kiosks
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	docs.SwaggerInfo.Host = "localhost:8080"
	docs.SwaggerInfo.BasePath = "/api/v1"
	docs.SwaggerInfo.Schemes = []string{"http", "https"}

	syncCfg := config.LoadSyncConfig()
	if syncCfg.FleetSecret == "" {
		log.Fatal("SYNC_FLEET_SECRET must be set")
	}
	mW.InitDeviceAuth(syncCfg.FleetSecret)

	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	syncService := services.NewSyncService(db, redisClient, syncCfg)
	settlementService := services.NewSettlementService(db, syncCfg)
	receiptHandler := handlers.NewReceiptHandler(services.NewReceiptService(db))

	r := chi.NewRouter()

	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", mW.HeaderDeviceID, mW.HeaderSyncSecret},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("http://localhost:8080/swagger/doc.json"),
	))

	r.Route("/api/v1", func(r chi.Router) {
		// Kiosk fleet endpoints (shared-secret device credential)
		r.Group(func(r chi.Router) {
			r.Use(mW.DeviceAuth)
			r.Post("/sync/batch", syncService.SyncBatch)
		})

		// Operator endpoints (bearer token)
		r.Group(func(r chi.Router) {
			r.Use(mW.OperatorAuth)

			r.Get("/transactions", syncService.ListTransactions)
			r.Get("/transactions/{txID}", syncService.GetTransaction)
			r.Get("/transactions/{txID}/receipt", receiptHandler.TransactionReceipt)
			r.Get("/members/{memberID}/balance", syncService.MemberBalance)
			r.Get("/sync/devices/{deviceID}", syncService.DeviceSyncStatus)

			r.Post("/settlement/export", settlementService.ExportPeriod)
			r.Post("/settlement/ack", settlementService.AcknowledgeTransaction)
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
