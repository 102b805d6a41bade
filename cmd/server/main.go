package main

import (
	"context"
	"errors"
	"log"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"chatCore/config"
	"chatCore/pkg/api"
	"chatCore/pkg/app"
	"chatCore/pkg/chat"
	"chatCore/pkg/logger"
	"chatCore/pkg/metrics"
	"chatCore/pkg/repository"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Loading configuration: %v", err)
	}

	if err := logger.Initialize(cfg.LogLevel); err != nil {
		log.Fatalf("Initializing logger: %v", err)
	}
	defer func() { _ = logger.Log.Sync() }()

	if err := run(cfg); err != nil {
		logger.Log.Fatal("chat server stopped", zap.Error(err))
	}
}

func run(cfg config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	currentUser := api.User{Id: api.ID(cfg.UserID), Role: api.RoleUser}

	storage := repository.NewStorage(cfg.APIURL, currentUser.Id, cfg.RequestTimeout, logger.Log.Named("repository"))
	chatService := api.NewChatService(storage, logger.Log.Named("service"))

	presence := chat.NewPresenceTracker()
	if cfg.PresenceURL != "" {
		feed := api.NewPresenceFeed(cfg.PresenceURL, presence, logger.Log.Named("presence"))
		go func() {
			if err := feed.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Log.Warn("presence feed stopped", zap.Error(err))
			}
		}()
	} else {
		logger.Log.Info("no presence url configured, everyone shows offline")
	}

	m := metrics.New()
	session := chat.NewSession(chatService, presence, chat.Config{
		CurrentUser:       currentUser,
		PollInterval:      cfg.PollInterval,
		CloseRefreshDelay: cfg.CloseRefreshDelay,
		RequestTimeout:    cfg.RequestTimeout,
		RefreshRate:       rate.Limit(cfg.RefreshRate),
	}, m, logger.Log.Named("session"))

	go func() {
		if err := session.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Log.Error("session stopped", zap.Error(err))
		}
	}()

	hub := api.NewHub(logger.Log.Named("hub"))
	router := chi.NewRouter()
	server := app.NewServer(router, cfg.ServerURL, session, hub, m, logger.Log.Named("app"))

	return server.Run(ctx)
}
