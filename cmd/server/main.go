/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the cash-wire payments server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load optional .env, then parse command-line flags
  2. Initialize SQLite store
  3. Wire core components (Ledger, MoneyRequest, EventPool, AuditLog)
  4. Configure HTTP router and background scheduler
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port  HTTP server port (default: 8080)
  -db    SQLite database path (default: cashwire.db);
         use ":memory:" for an in-memory database
  -log-level  zerolog level: debug, info, warn, error (default: info)
  -redis-addr Redis address for the call-rate limiter guarding
              MoneyRequest.Create / EventPool.Contribute; empty disables it

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections, wait up to 30s for active requests
  2. Stop the background scheduler
  3. Close the database connection

SEE ALSO:
  - api/server.go: Router configuration
  - api/scheduler.go: Background sweeps
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/warp/cash-wire/api"
	"github.com/warp/cash-wire/audit"
	"github.com/warp/cash-wire/core"
	"github.com/warp/cash-wire/eventpool"
	"github.com/warp/cash-wire/ledger"
	"github.com/warp/cash-wire/moneyrequest"
	"github.com/warp/cash-wire/ratelimit"
	"github.com/warp/cash-wire/store/sqlite"
)

func main() {
	_ = godotenv.Load()

	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "cashwire.db", "SQLite database path")
	logLevel := flag.String("log-level", "info", "zerolog level: debug, info, warn, error")
	redisAddr := flag.String("redis-addr", "", "Redis address for the rate limiter (e.g. localhost:6379); empty disables rate limiting")
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	log.Logger = logger

	store, err := sqlite.New(*dbPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer store.Close()

	clock := core.SystemClock{}
	ids := core.UUIDGen{}
	users := core.NewStaticUserDirectory()
	notify := core.NoopSink{}

	auditLog := audit.New(store, clock, ids, logger)
	ledgerSvc := ledger.New(store, clock, ids, users, auditLog, notify, logger)
	requestSvc := moneyrequest.New(store, clock, ids, users, ledgerSvc, auditLog, notify, logger)
	eventSvc := eventpool.New(store, clock, ids, users, auditLog, notify, logger)

	var limiter *ratelimit.Limiter
	if *redisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: *redisAddr})
		limiter = ratelimit.New(redisClient, time.Minute, 30, logger)
		logger.Info().Str("redis_addr", *redisAddr).Msg("rate limiting enabled")
	} else {
		logger.Info().Msg("rate limiting disabled (no -redis-addr given)")
	}

	handler := &api.Handler{Ledger: ledgerSvc, Request: requestSvc, Event: eventSvc, Audit: auditLog, Users: users, RateLimit: limiter, Log: logger}
	router := api.NewRouter(handler)

	scheduler := api.NewScheduler(requestSvc, auditLog, logger)
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Int("port", *port).Msg("cash-wire server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("server forced to shutdown")
	}
	logger.Info().Msg("server stopped")
}
