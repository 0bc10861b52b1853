package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/darkpool-api/internal/auth"
	"github.com/ksred/darkpool-api/internal/commitment"
	"github.com/ksred/darkpool-api/internal/coordinator"
	"github.com/ksred/darkpool-api/internal/database"
	"github.com/ksred/darkpool-api/internal/matching"
	"github.com/ksred/darkpool-api/internal/orderbook"
	"github.com/ksred/darkpool-api/internal/pool"
	"github.com/ksred/darkpool-api/internal/settlement"
	"github.com/ksred/darkpool-api/internal/types"
	"github.com/ksred/darkpool-api/internal/zk"
	"github.com/ksred/darkpool-api/pkg/middleware"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
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

// main initializes and runs the hidden-order API server with graceful
// shutdown support. It wires the shared stores, the matching/settlement
// pipeline and the mock external collaborators.
func main() {
	db, err := database.NewDatabase(os.Getenv("DATABASE_PATH"))
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	router := gin.Default()

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		jwtSecret = "darkpool-secret-key"
	}

	authService := auth.NewService(jwtSecret)
	authHandlers := auth.NewGinHandlers(authService)
	// Register test credentials
	authService.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret)

	commitmentService, err := commitment.NewService(db)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize commitment store")
	}

	orderService := orderbook.NewService(db, commitmentService)
	orderHandlers := orderbook.NewGinHandlers(orderService)

	liquidity := pool.NewMockPool()
	liquidity.AutoProvision = true
	liquidity.DefaultReserves = 1_000_000_000
	liquidity.Register(types.PoolKey{Pair: types.NewPairKey("ETH", "USDC"), FeeTier: 30}, 500_000, 1_000_000_000)
	liquidity.Register(types.PoolKey{Pair: types.NewPairKey("WBTC", "USDC"), FeeTier: 30}, 20_000, 1_200_000_000)

	engine := settlement.NewEngine(db, orderService, commitmentService, liquidity)
	settlementHandlers := settlement.NewGinHandlers(engine)

	matcher := matching.NewMatcher(0)

	cfg := coordinator.DefaultConfig()
	if interval := os.Getenv("BATCH_INTERVAL"); interval != "" {
		if d, err := time.ParseDuration(interval); err == nil {
			cfg.BatchInterval = d
		}
	}

	coord := coordinator.New(orderService, matcher, engine, zk.NewMockProver(), zk.NewMockLedger(), cfg)
	coordCtx, coordCancel := context.WithCancel(context.Background())
	defer coordCancel()

	go coord.Start(coordCtx)

	// Setup middleware
	router.Use(middleware.RateLimit())

	// Setup API routes
	setupRoutes(router, authService.Secret(), authHandlers, orderHandlers, settlementHandlers)

	// Get port from env otherwise it's 8080
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

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

	// Stop the batch loop first so no settlement is cut off mid-commit
	coordCancel()

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
// - Order routes: Protected by JWT authentication
// - Internal routes: Protected by internal network authentication
func setupRoutes(
	router *gin.Engine,
	jwtSecret []byte,
	authHandlers *auth.GinHandlers,
	orderHandlers *orderbook.GinHandlers,
	settlementHandlers *settlement.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Order routes
		orders := v1.Group("/orders")
		orders.Use(middleware.JWTAuth(jwtSecret))
		{
			orders.POST("", orderHandlers.SubmitOrderHandler())
			orders.GET("/:order_id", orderHandlers.GetOrderStatusHandler())
			orders.DELETE("/:order_id", orderHandlers.WithdrawOrderHandler())
		}

		// Internal routes (should be protected by internal network)
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(jwtSecret))
		{
			internal.GET("/orders", orderHandlers.ListOrdersHandler())
			internal.GET("/settlements/:settlement_id", settlementHandlers.GetSettlementHandler())
			internal.GET("/matchings/:match_group/settlement", settlementHandlers.GetMatchingSettlementHandler())
			internal.GET("/balances/:account", settlementHandlers.GetBalancesHandler())
		}
	}
}
