package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"chatbridge/internal/config"
	"chatbridge/internal/handler"
	"chatbridge/internal/logging"
	"chatbridge/internal/provider"
	"chatbridge/internal/service/orchestrator"
	"chatbridge/internal/service/session"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil {
		logging.Debug().Err(err).Msg("no .env file, using system environment only")
	}

	cfg, err := config.Load()
	if err != nil {
		logging.Error().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}

	logging.Init(logging.Config{
		Level:  logging.ParseLevel(cfg.Log.Level),
		Pretty: cfg.Log.Pretty,
	})

	store := session.NewStore()
	if sweeper := session.NewSweeper(store, cfg.Session.TTL, cfg.Session.SweepInterval); sweeper != nil {
		go sweeper.Run(ctx)
		logging.Info().Dur("ttl", cfg.Session.TTL).Msg("session sweeper enabled")
	}

	var prov provider.Provider
	if cfg.AI.Enabled() {
		chatModel, err := cfg.AI.NewChatModel(ctx)
		if err != nil {
			logging.Warn().Err(err).Msg("failed to initialize chat model, continuing without a backend")
		} else {
			ark, err := provider.NewArk(ctx, cfg.AI.Model, chatModel)
			if err != nil {
				logging.Warn().Err(err).Msg("failed to build provider chain, continuing without a backend")
			} else {
				prov = ark
				logging.Info().Str("model", cfg.AI.Model).Msg("provider initialized")
			}
		}
	} else {
		logging.Warn().Msg("model credentials not configured, requests will fail until they are")
	}

	orch := orchestrator.New(store, prov,
		orchestrator.WithDefaultMaxTurns(cfg.Chat.MaxTurns),
		orchestrator.WithSystemPrompt(cfg.Chat.SystemPrompt),
		orchestrator.WithRequestTimeout(cfg.Chat.RequestTimeout),
	)

	router := handler.NewRouter(store, orch, prov)

	startServer(ctx, cfg.Server, router)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	srv := &http.Server{
		Addr:              serverCfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logging.Info().Str("addr", serverCfg.Addr).Msg("chatbridge listening")
	if err := runServer(ctx, srv); err != nil {
		logging.Error().Err(err).Msg("server error")
		os.Exit(1)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
