package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/CollarNetworks/protocol-core-sub007/internal/auth"
	"github.com/CollarNetworks/protocol-core-sub007/internal/certificates"
	"github.com/CollarNetworks/protocol-core-sub007/internal/database"
	"github.com/CollarNetworks/protocol-core-sub007/internal/escrow"
	"github.com/CollarNetworks/protocol-core-sub007/internal/loans"
	"github.com/CollarNetworks/protocol-core-sub007/internal/metrics"
	"github.com/CollarNetworks/protocol-core-sub007/internal/oracle"
	"github.com/CollarNetworks/protocol-core-sub007/internal/position"
	"github.com/CollarNetworks/protocol-core-sub007/internal/provider"
	"github.com/CollarNetworks/protocol-core-sub007/internal/registry"
	"github.com/CollarNetworks/protocol-core-sub007/internal/rolls"
	"github.com/CollarNetworks/protocol-core-sub007/internal/swap"
	"github.com/CollarNetworks/protocol-core-sub007/internal/treasury"
	"github.com/CollarNetworks/protocol-core-sub007/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// priceMaxAge is the staleness window for oracle prices.
const priceMaxAge = 5 * time.Minute

// init configures the application logging based on environment settings.
// In development mode, it enables pretty printing with timestamps.
// Debug logging can be enabled via DEBUG environment variable.
func init() {
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main initializes and runs the protocol API server with graceful shutdown
// support. It wires the ledgers, the price source, and all API routes.
func main() {
	db, err := database.NewDatabase()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		jwtSecret = "collar-secret-key"
	}
	internalSecret := os.Getenv("INTERNAL_SECRET")
	if internalSecret == "" {
		internalSecret = jwtSecret
	}

	router := gin.Default()

	authService := auth.NewService(db, jwtSecret)
	authHandlers := auth.NewGinHandlers(authService)

	registryService := registry.NewService(db)
	registryHandlers := registry.NewGinHandlers(registryService)

	feed := oracle.NewFeed(db, priceMaxAge)
	oracleHandlers := oracle.NewGinHandlers(feed)

	// With REDIS_ADDR set, reads go through a redis cache whose TTL matches
	// the staleness window; a cache outage falls back to the feed.
	var prices oracle.PriceSource = feed
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: addr})
		prices = oracle.NewCachedSource(feed, rdb, priceMaxAge)
	}

	treasuryService := treasury.NewService(db)
	treasuryHandlers := treasury.NewGinHandlers(treasuryService)

	certService := certificates.NewService(db)
	certHandlers := certificates.NewGinHandlers(certService)

	providerService := provider.NewService(db, registryService)
	providerHandlers := provider.NewGinHandlers(providerService)

	positionService := position.NewService(db, registryService, prices)
	positionHandlers := position.NewGinHandlers(positionService)

	rollService := rolls.NewService(db, registryService, prices)
	rollHandlers := rolls.NewGinHandlers(rollService)

	escrowService := escrow.NewService(db)
	escrowHandlers := escrow.NewGinHandlers(escrowService)

	venue := swap.NewLedgerVenue(prices)
	loanService := loans.NewService(db, registryService, prices, venue, positionService)
	loanHandlers := loans.NewGinHandlers(loanService)

	router.Use(middleware.RateLimit())
	router.Use(metrics.RequestMetrics())

	setupRoutes(router, jwtSecret, internalSecret,
		authHandlers, registryHandlers, oracleHandlers, treasuryHandlers,
		certHandlers, providerHandlers, positionHandlers, rollHandlers,
		escrowHandlers, loanHandlers)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

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

// setupRoutes configures all API endpoints and their handlers. Routes are
// grouped by ledger; state-mutating groups sit behind JWT auth, operator
// endpoints (pair config, price posting, pause) behind internal auth.
func setupRoutes(
	router *gin.Engine,
	jwtSecret, internalSecret string,
	authHandlers *auth.GinHandlers,
	registryHandlers *registry.GinHandlers,
	oracleHandlers *oracle.GinHandlers,
	treasuryHandlers *treasury.GinHandlers,
	certHandlers *certificates.GinHandlers,
	providerHandlers *provider.GinHandlers,
	positionHandlers *position.GinHandlers,
	rollHandlers *rolls.GinHandlers,
	escrowHandlers *escrow.GinHandlers,
	loanHandlers *loans.GinHandlers,
) {
	router.GET("/metrics", metrics.Handler())

	v1 := router.Group("/api/v1")
	{
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/register", authHandlers.RegisterHandler())
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		pairs := v1.Group("/pairs")
		{
			pairs.GET("", registryHandlers.ListPairsHandler())
		}

		prices := v1.Group("/prices")
		{
			prices.GET("/:pair", oracleHandlers.GetPriceHandler())
		}

		treasuryGroup := v1.Group("/treasury")
		treasuryGroup.Use(middleware.JWTAuth(jwtSecret))
		{
			treasuryGroup.POST("/deposit", treasuryHandlers.DepositHandler())
			treasuryGroup.POST("/withdraw", treasuryHandlers.WithdrawHandler())
			treasuryGroup.GET("/balances/:asset", treasuryHandlers.GetBalanceHandler())
		}

		certs := v1.Group("/certificates")
		certs.Use(middleware.JWTAuth(jwtSecret))
		{
			certs.POST("/transfer", certHandlers.TransferHandler())
			certs.GET("", certHandlers.ListMineHandler())
		}

		offers := v1.Group("/offers")
		offers.Use(middleware.JWTAuth(jwtSecret))
		{
			offers.POST("", providerHandlers.CreateOfferHandler())
			offers.GET("/pair/:pair", providerHandlers.ListOffersHandler())
			offers.GET("/:offer_id", providerHandlers.GetOfferHandler())
			offers.DELETE("/:offer_id", providerHandlers.CancelOfferHandler())
		}

		positions := v1.Group("/positions")
		positions.Use(middleware.JWTAuth(jwtSecret))
		{
			positions.POST("", positionHandlers.OpenHandler())
			positions.GET("/:position_id", positionHandlers.GetHandler())
			positions.POST("/:position_id/settle", positionHandlers.SettleHandler())
			positions.POST("/:position_id/withdraw", positionHandlers.WithdrawHandler())
			positions.POST("/provider/:position_id/withdraw", providerHandlers.WithdrawHandler())
			positions.GET("/provider/:position_id", providerHandlers.GetPositionHandler())
		}

		rollGroup := v1.Group("/rolls")
		rollGroup.Use(middleware.JWTAuth(jwtSecret))
		{
			rollGroup.POST("/offers", rollHandlers.CreateOfferHandler())
			rollGroup.GET("/offers/:offer_id", rollHandlers.GetOfferHandler())
			rollGroup.DELETE("/offers/:offer_id", rollHandlers.CancelOfferHandler())
			rollGroup.GET("/offers/:offer_id/preview", rollHandlers.PreviewHandler())
			rollGroup.POST("/offers/:offer_id/execute", rollHandlers.ExecuteHandler())
		}

		escrowGroup := v1.Group("/escrow")
		escrowGroup.Use(middleware.JWTAuth(jwtSecret))
		{
			escrowGroup.POST("/offers", escrowHandlers.CreateOfferHandler())
			escrowGroup.GET("/offers/asset/:asset", escrowHandlers.ListOffersHandler())
			escrowGroup.GET("/offers/:offer_id", escrowHandlers.GetOfferHandler())
			escrowGroup.DELETE("/offers/:offer_id", escrowHandlers.CancelOfferHandler())
			escrowGroup.GET("/records/:escrow_id", escrowHandlers.GetRecordHandler())
			escrowGroup.GET("/records/:escrow_id/preview", escrowHandlers.PreviewReleaseHandler())
			escrowGroup.POST("/records/:escrow_id/seize", escrowHandlers.SeizeHandler())
			escrowGroup.POST("/records/:escrow_id/withdraw", escrowHandlers.WithdrawHandler())
		}

		loanGroup := v1.Group("/loans")
		loanGroup.Use(middleware.JWTAuth(jwtSecret))
		{
			loanGroup.POST("", loanHandlers.OpenHandler())
			loanGroup.GET("", loanHandlers.ListHandler())
			loanGroup.GET("/:loan_id", loanHandlers.GetHandler())
			loanGroup.POST("/:loan_id/close", loanHandlers.CloseHandler())
			loanGroup.POST("/:loan_id/roll", loanHandlers.RollHandler())
			loanGroup.POST("/:loan_id/foreclose", loanHandlers.ForecloseHandler())
			loanGroup.POST("/keeper", loanHandlers.SetKeeperHandler())
		}

		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(internalSecret))
		{
			internal.POST("/pairs", registryHandlers.UpsertPairHandler())
			internal.POST("/pause", registryHandlers.SetPausedHandler())
			internal.POST("/prices", oracleHandlers.PostPriceHandler())
		}
	}
}
