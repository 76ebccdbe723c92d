package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/arenadesk/relay/internal/auth"
	"github.com/arenadesk/relay/internal/config"
	"github.com/arenadesk/relay/internal/httpapi"
	"github.com/arenadesk/relay/internal/relay"
	"github.com/arenadesk/relay/internal/store"
	"github.com/arenadesk/relay/internal/ws"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Sugar()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalw("load config", "err", err)
	}

	var st store.Store
	if cfg.Database.DSN != "" {
		st, err = store.NewPostgres(cfg.Database.DSN)
		if err != nil {
			log.Fatalw("open store", "err", err)
		}
	} else {
		log.Warn("DATABASE_DSN not set, using in-memory store")
		st = store.NewMemory()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rel := relay.New(ctx, relay.AllowAll, log)
	verifier := auth.NewJWTVerifier(cfg.JWT.Secret)
	wsHandler := ws.NewHandler(rel, verifier, cfg.Relay, log)
	api := httpapi.NewAPI(st, rel, verifier, log)

	srv := &http.Server{
		Addr:    cfg.Server.Addr(),
		Handler: httpapi.SetupRoutes(api, wsHandler),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infow("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		rel.Close()
		return err
	})

	if err := g.Wait(); err != nil {
		log.Fatalw("server exited", "err", err)
	}
	log.Info("shutdown complete")
}
