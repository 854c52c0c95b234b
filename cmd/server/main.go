package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/fintrackr/backend/docs"
	"github.com/fintrackr/backend/internal/config"
	"github.com/fintrackr/backend/internal/database"
	"github.com/fintrackr/backend/internal/events/kafka"
	"github.com/fintrackr/backend/internal/handlers"
	mW "github.com/fintrackr/backend/internal/middleware"
	"github.com/fintrackr/backend/internal/services"
)

// @title FinTrackr Ledger API
// @version 1.0
// @description Personal finance ledger with balance consistency guarantees
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env

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
	viper.BindEnv("jwt.expiry_hours", "JWT_EXPIRY_HOURS")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	// Initialize Swagger docs
	docs.SwaggerInfo.Title = "FinTrackr Ledger API"
	docs.SwaggerInfo.Description = "Personal finance ledger with balance consistency guarantees"
	docs.SwaggerInfo.Version = "1.0"
	docs.SwaggerInfo.Host = "localhost:8080"
	docs.SwaggerInfo.BasePath = "/api/v1"
	docs.SwaggerInfo.Schemes = []string{"http", "https"}

	// Initialize services
	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	ledgerCfg := config.LoadLedgerConfig()

	var publisher services.EventPublisher
	if ledgerCfg.KafkaBrokers != "" {
		kafkaPublisher := kafka.NewPublisher(strings.Split(ledgerCfg.KafkaBrokers, ","))
		defer kafkaPublisher.Close()
		publisher = kafkaPublisher
		log.Printf("Kafka publisher enabled: %s", ledgerCfg.KafkaBrokers)
	} else {
		log.Println("Kafka brokers not configured, event publishing disabled")
	}

	ledgerService := services.NewLedgerService(db, redisClient, publisher)
	accountService := services.NewAccountService(db, redisClient, ledgerCfg)
	transactionService := services.NewTransactionService(db, ledgerService)
	reconciliationService := services.NewReconciliationService(db, redisClient, publisher)
	loanService := services.NewLoanService(db, ledgerService, ledgerCfg.MaxLoanTermMonths)

	reconcileHandler := handlers.NewReconcileHandler(reconciliationService)
	loanHandler := handlers.NewLoanHandler(loanService)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Access-Control-Allow-Origin"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// Swagger documentation
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("http://localhost:8080/swagger/doc.json"),
	))

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			// Account endpoints
			r.Post("/accounts", accountService.CreateAccount)
			r.Get("/accounts", accountService.ListAccounts)
			r.Post("/accounts/wallet", accountService.EnsureWallet)
			r.Get("/accounts/{accountId}", accountService.GetAccount)
			r.Delete("/accounts/{accountId}", accountService.DeactivateAccount)
			r.Get("/accounts/{accountId}/balance", accountService.GetAccountBalance)

			// Transaction endpoints
			r.Get("/transactions", transactionService.ListTransactions)
			r.Post("/transactions", transactionService.CreateTransaction)
			r.Get("/transactions/{txId}", transactionService.GetTransaction)
			r.Put("/transactions/{txId}", transactionService.EditTransaction)
			r.Delete("/transactions/{txId}", transactionService.DeleteTransaction)

			// Ledger maintenance
			r.Post("/ledger/reconcile", reconcileHandler.Reconcile)

			// Loan endpoints
			r.Post("/loans", loanHandler.CreateLoan)
			r.Post("/loans/preview", loanHandler.PreviewSchedule)
			r.Get("/loans/{loanId}/schedule", loanHandler.GetSchedule)
			r.Post("/loans/{loanId}/payments/{paymentNumber}", loanHandler.RecordPayment)
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Start server
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
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
