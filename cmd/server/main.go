package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"council/internal/billing"
	"council/internal/config"
	"council/internal/council"
	"council/internal/handler"
	"council/internal/notifier"
	"council/internal/openrouter"
	"council/internal/repository"
	"council/internal/server"
	"council/internal/service"
)

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err) // Should not happen in development
	}
	defer func() {
		_ = logger.Sync() // Flushes buffer, if any
	}()

	if err := godotenv.Load(); err != nil {
		logger.Info("No .env file found, relying on environment")
	}

	// Load configuration
	cfgPath := "configs/config.yml"
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	// Database connection
	db, err := repository.NewPostgresDB(cfg.Database.URL, logger)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	// Run migrations
	repository.MigrateDB(db, logger)

	// Initialize repositories
	authRepo := repository.NewAuthRepository(db, logger)
	convRepo := repository.NewConversationRepository(db, logger)
	billingRepo := repository.NewBillingRepository(db, logger)

	// Initialize OpenRouter client
	orClient, err := openrouter.NewClient(openrouter.Config{
		APIKey:     cfg.OpenRouter.APIKey,
		BaseURL:    cfg.OpenRouter.BaseURL,
		MaxRetries: cfg.OpenRouter.MaxRetries,
		Timeout:    cfg.RequestTimeout(),
	}, logger)
	if err != nil {
		logger.Fatal("Failed to initialize OpenRouter client", zap.Error(err))
	}
	defer orClient.Close()

	// Initialize Telegram notifier (optional)
	alerts, err := notifier.NewNotifier(cfg, logger)
	if err != nil {
		logger.Warn("Failed to initialize Telegram notifier, continuing without it", zap.Error(err))
		alerts = nil
	}

	// Initialize the deliberation pipeline
	settler := billing.NewSettler(orClient, billingRepo, billing.Config{
		MinBalance:       cfg.Billing.MinBalance,
		MarginPercent:    cfg.Billing.CostMarginPercent,
		FallbackCallCost: cfg.Billing.FallbackCallCost,
	}, logger)
	roundStore := service.NewRoundStore(convRepo, logger)
	coordinator := council.NewCoordinator(orClient, settler, roundStore, alerts, cfg.Council.TitleModel, logger)

	// Initialize services
	tokenTTL := time.Duration(cfg.Auth.TokenTTLHours) * time.Hour
	authService := service.NewAuthService(authRepo, cfg.Auth.JWTSecret, tokenTTL, alerts.UserRegistered, logger)
	councilService := service.NewCouncilService(cfg, coordinator, convRepo, logger)

	// Initialize handlers
	authHandler := handler.NewAuthHandler(authService, authRepo, logger)
	councilHandler := handler.NewCouncilHandler(cfg, councilService, convRepo, logger)
	billingHandler := handler.NewBillingHandler(billingRepo, logger)

	// Context for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Initialize and run the server
	srv := server.NewServer(cfg, logger, authHandler, councilHandler, billingHandler)
	go srv.Run(cfg.Server.Port)

	<-ctx.Done()
	logger.Info("Application stopped.")
}
