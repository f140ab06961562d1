package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/yowger/fitness-race-tracking/internal/admission"
	"github.com/yowger/fitness-race-tracking/internal/app"
	"github.com/yowger/fitness-race-tracking/internal/httpapi"
	"github.com/yowger/fitness-race-tracking/internal/raceapi"
	"github.com/yowger/fitness-race-tracking/internal/room"
	"github.com/yowger/fitness-race-tracking/internal/ws"
	"github.com/yowger/fitness-race-tracking/pkg/auth"
	"github.com/yowger/fitness-race-tracking/pkg/ratelimit"
)

func main() {
	// Load local .env (dev only)
	_ = godotenv.Load()

	cfg := app.LoadConfig()
	logger := app.NewLogger(cfg.Env)

	// Cancel on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Race-management collaborator + admission policy
	races := raceapi.New(cfg.RaceAPIURL, cfg.RaceAPITimeout, cfg.RaceCacheTTL, logger)
	policy := admission.NewPolicy(races, cfg.JoinableStatuses, logger)

	// Optional redis bus for cross-instance roster fanout
	var bus *ws.RedisBus
	if cfg.RedisAddr != "" {
		var err error
		bus, err = ws.NewRedisBus(ctx, cfg, logger)
		if err != nil {
			logger.Error("redis connect", "err", err)
			log.Fatal(err)
		}
		defer bus.Close()
	}

	// Room registry
	opts := room.Options{
		FlushWindow:        cfg.FlushWindow,
		FinishRadiusMeters: cfg.FinishRadiusMeters,
		Encode:             ws.EncodeRoster,
		Log:                logger,
	}
	if bus != nil {
		opts.Publish = func(raceID string, frame []byte) {
			_ = bus.Publish(context.Background(), raceID, frame)
		}
	}
	reg := room.NewRegistry(opts, cfg.IdleGrace)

	// Staleness reaper
	reaper := room.NewReaper(reg, cfg.StaleTimeout, cfg.HardTimeout, cfg.ReapInterval, logger)
	go reaper.Run(ctx)

	// Connection gateway
	var joinLimit *ratelimit.Limiter
	if cfg.JoinRatePerMin > 0 {
		joinLimit = ratelimit.New(cfg.JoinRatePerMin, time.Minute)
	}
	gw := ws.NewGateway(logger, auth.New(cfg.JWTSecret), policy, reg, bus, joinLimit)
	go gw.Run(ctx)

	// HTTP + WS router
	router := httpapi.NewRouter(cfg, logger, gw)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server
	go func() {
		logger.Info("server.listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server.crash", "err", err)
			cancel()
		}
	}()

	// Wait for shutdown signal
	<-ctx.Done()
	logger.Info("server.shutdown.start")

	// shutdown
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	_ = srv.Shutdown(shutdownCtx)

	logger.Info("server.shutdown.complete")
	_ = os.Stdout.Sync()
}
