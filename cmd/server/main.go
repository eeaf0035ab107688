package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/folio-api/internal/access"
	"github.com/ksred/folio-api/internal/auth"
	"github.com/ksred/folio-api/internal/database"
	"github.com/ksred/folio-api/internal/history"
	"github.com/ksred/folio-api/internal/marketdata"
	"github.com/ksred/folio-api/internal/prices"
	"github.com/ksred/folio-api/internal/sandbox"
	"github.com/ksred/folio-api/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	// Optional .env for local development
	_ = godotenv.Load()

	// Configure pretty logging for development
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set global log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main initializes and runs the sandbox trading API server with graceful
// shutdown support
func main() {
	// Initialize database
	dbPath := os.Getenv("SQLITE_PATH")
	if dbPath == "" {
		dbPath = "folio.db"
	}
	db, err := database.NewDatabase(dbPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		jwtSecret = "folio-secret-key"
	}

	// Initialize router
	router := gin.Default()

	// Initialize services and handlers
	authService := auth.NewService(jwtSecret)
	authHandlers := auth.NewGinHandlers(authService)
	// Register test credentials
	authService.RegisterUser(auth.TestUsername, auth.TestPassword)

	provider := marketdata.NewYahooClient()
	priceCache := prices.NewCache(provider)
	priceHandlers := prices.NewGinHandlers(priceCache)

	guard := access.NewGuard(db)
	historyService := history.NewService(db, priceCache)

	sandboxService := sandbox.NewService(db, guard, priceCache, historyService)
	sandboxHandlers := sandbox.NewGinHandlers(sandboxService)

	// Create and start the idempotency record sweeper
	processor := sandbox.NewProcessor(sandboxService.GetDB())
	processorCtx, processorCancel := context.WithCancel(context.Background())
	defer processorCancel()

	go processor.Start(processorCtx)

	// Setup middleware
	router.Use(middleware.RateLimit())

	// Setup API routes
	setupRoutes(router, jwtSecret, authHandlers, sandboxHandlers, priceHandlers)

	// Get port from env otherwise it's 8080
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Create server
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth routes: Public endpoints for authentication
// - Sandbox routes: Protected by JWT authentication
// - Market routes: Protected by JWT authentication
func setupRoutes(
	router *gin.Engine,
	jwtSecret string,
	authHandlers *auth.GinHandlers,
	sandboxHandlers *sandbox.GinHandlers,
	priceHandlers *prices.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Sandbox routes
		sandboxes := v1.Group("/sandboxes")
		sandboxes.Use(middleware.JWTAuth(jwtSecret))
		{
			sandboxes.GET("", sandboxHandlers.ListSandboxesHandler())
			sandboxes.POST("", sandboxHandlers.CreateSandboxHandler())
			sandboxes.DELETE("/:sandbox_id", sandboxHandlers.DeleteSandboxHandler())
			sandboxes.GET("/:sandbox_id/portfolio", sandboxHandlers.GetPortfolioHandler())
			sandboxes.GET("/:sandbox_id/transactions", sandboxHandlers.GetTransactionsHandler())
			sandboxes.POST("/:sandbox_id/trade", sandboxHandlers.TradeHandler())
		}

		// Market data routes
		market := v1.Group("/market")
		market.Use(middleware.JWTAuth(jwtSecret))
		{
			market.GET("/search", priceHandlers.SearchHandler())
			market.GET("/quote/:symbol", priceHandlers.QuoteHandler())
		}
	}
}
