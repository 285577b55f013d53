// Command server runs the pairing backend: the HTTP API, the optional Redis
// presence cache, and the janitor that purges expired call signals.
//
//	@title       Pairing Backend API
//	@version     1.0
//	@description Questionnaire matchmaking, chat relay and call signaling over polling.
//	@BasePath    /api/v1
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/tbourn/go-pairing-backend/internal/cache"
	"github.com/tbourn/go-pairing-backend/internal/config"
	httpapi "github.com/tbourn/go-pairing-backend/internal/http"
	"github.com/tbourn/go-pairing-backend/internal/matching"
	"github.com/tbourn/go-pairing-backend/internal/observability"
	"github.com/tbourn/go-pairing-backend/internal/repo"
	"github.com/tbourn/go-pairing-backend/internal/services"
	"github.com/tbourn/go-pairing-backend/internal/sysutil"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const shutdownGrace = 10 * time.Second

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	sysutil.SetLogLevel(cfg.LogLevel)
	logger := sysutil.NewLogger(os.Stderr, cfg.LogPretty, "server")
	log.Logger = logger
	zerolog.DefaultContextLogger = &logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version, observability.DeploymentAttrs(cfg)...)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			logger.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	db, err := repo.Open(cfg.Database.Driver, cfg.Database.DSN())
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	if err := repo.AutoMigrate(db); err != nil {
		return err
	}
	store := repo.NewStore(db)

	var presenceCache services.PresenceCache
	if cfg.Redis.Addr != "" {
		rdb, err := cache.NewRedisClient(ctx, cache.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return err
		}
		defer rdb.Close()
		presenceCache = cache.NewPresence(rdb, cfg.PresenceWindow)
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("presence cache enabled")
	}

	q, err := matching.Load(cfg.Matching.QuestionnairePath)
	if err != nil {
		return err
	}
	q.KeyBonus = cfg.Matching.KeyBonus

	svcs := httpapi.NewServices(store, presenceCache, q, cfg)

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, store, svcs, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Str("version", version).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		j := &services.Janitor{
			Relay:    svcs.Relay,
			Interval: cfg.Relay.PurgeInterval,
			Log:      logger.With().Str("component", "janitor").Logger(),
		}
		if err := j.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		logger.Info().Msg("shutting down")
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}
