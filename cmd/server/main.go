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
	"github.com/memberclub/backend/docs"
	"github.com/memberclub/backend/internal/config"
	"github.com/memberclub/backend/internal/database"
	mW "github.com/memberclub/backend/internal/middleware"
	"github.com/memberclub/backend/internal/notify"
	"github.com/memberclub/backend/internal/services"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"
)

// @title Member Club Credit Ledger API
// @version 1.0
// @description Multi-wallet credit ledger with cash requests and peer-to-peer loans
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env
	viper.ReadInConfig()        // read .env file

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

	viper.BindEnv("ledger.treasury_user_id", "LEDGER_TREASURY_USER_ID")
	viper.BindEnv("ledger.cash_out_fee_percent", "LEDGER_CASH_OUT_FEE_PERCENT")
	viper.BindEnv("ledger.cash_out_fee_fixed", "LEDGER_CASH_OUT_FEE_FIXED")
	viper.BindEnv("ledger.loan_fee_percent", "LEDGER_LOAN_FEE_PERCENT")
	viper.BindEnv("ledger.sweep_interval", "LEDGER_SWEEP_INTERVAL")
	viper.BindEnv("ledger.poll_interval", "LEDGER_POLL_INTERVAL")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	// Initialize Swagger docs
	docs.SwaggerInfo.Title = "Member Club Credit Ledger API"
	docs.SwaggerInfo.Description = "Multi-wallet credit ledger with cash requests and peer-to-peer loans"
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
	notifier := notify.NewNotifier(redisClient)

	walletService := services.NewWalletService(db, redisClient, notifier, ledgerCfg)
	requestService := services.NewCashRequestService(db, redisClient, walletService, notifier, ledgerCfg)
	loanService := services.NewLoanService(db, redisClient, walletService, notifier, ledgerCfg)
	authService := services.NewAuthService(db, redisClient)
	settlementService := services.NewSettlementService(redisClient)
	qrService := services.NewQRService(requestService, redisClient)

	poller := notify.NewPoller(notifier, walletService.Snapshot, ledgerCfg.PollInterval)

	// Background workers
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	go loanService.RunSweeper(workerCtx)
	go settlementService.RunDrainer(workerCtx, 30*time.Second)
	go poller.Run(workerCtx)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(mW.SecurityHeaders)
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

	// Static file server for payment proofs
	r.Handle("/static/proofs/*", http.StripPrefix("/static/proofs/",
		mW.ProofFileServer("./static/proofs")))

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Public endpoints (no auth required)
		r.Post("/auth/register", authService.Register)
		r.Post("/auth/login", authService.Login)

		// Protected endpoints (auth required)
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Post("/auth/pin", authService.SetPin)
			r.Post("/auth/pin/verify", authService.VerifyPin)

			r.Get("/wallets/balances", walletService.HandleGetBalances)
			r.Post("/wallets/transfer", walletService.HandleTransfer)
			r.Get("/transactions", walletService.HandleListTransactions)

			r.Post("/requests", requestService.HandleCreate)
			r.Get("/requests/{id}", requestService.HandleGet)
			r.Get("/requests/{id}/qr", qrService.HandleDepositQR)

			r.Post("/loans", loanService.HandleOffer)
			r.Get("/loans/{id}", loanService.HandleGet)
			r.Post("/loans/{id}/accept", loanService.HandleAccept)
			r.Post("/loans/{id}/repay", loanService.HandleRepay)
			r.Post("/loans/{id}/cancel", loanService.HandleCancel)

			// Admin endpoints
			r.Group(func(r chi.Router) {
				r.Use(mW.RequireAdmin)

				r.Post("/admin/requests/{id}/decide", requestService.HandleDecide)
				r.Get("/admin/stats", requestService.HandleStats)
				r.Post("/admin/loans/sweep", loanService.HandleSweep)
			})
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
	stopWorkers()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
