package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"grandeapp/internal/backend"
	"grandeapp/internal/buyrequest"
	"grandeapp/internal/chat"
	"grandeapp/internal/config"
	"grandeapp/internal/escrow"
	"grandeapp/internal/idempotency"
	"grandeapp/internal/logging"
	"grandeapp/internal/models"
	"grandeapp/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("config error")
	}
	log := logging.New(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closer, err := idempotency.Open(ctx, cfg.Idempotency.Driver, cfg.Idempotency.StorePath, cfg.Idempotency.DSN)
	if err != nil {
		log.WithError(err).WithField("driver", cfg.Idempotency.Driver).Fatal("idempotency store error")
	}
	defer closer.Close()
	go idempotency.RunPurger(ctx, store, cfg.Idempotency.PurgeInterval, log)

	metrics := server.NewMetrics()
	api := backend.NewClient(backend.Config{
		BaseURL: cfg.Backend.BaseURL,
		Timeout: cfg.Backend.Timeout,
		Retry: backend.RetryPolicy{
			MaxAttempts:       cfg.Retry.MaxAttempts,
			InitialBackoff:    cfg.Retry.InitialBackoff,
			MaxBackoff:        cfg.Retry.MaxBackoff,
			BackoffMultiplier: cfg.Retry.BackoffMultiplier,
		},
		Observer: metrics.ObserveBackend,
	})

	var escClient escrow.Client = escrow.NewRemoteClient(api)
	if cfg.Backend.FakeEscrow {
		log.WithField("backend_url", cfg.Backend.BaseURL).Warn("FAKE_ESCROW set: escrow runs in memory, everything else uses the backend")
		escClient = escrow.NewFakeClient(cfg.Chain.Network)
	}
	if cfg.Service.WebhookSecret == "" {
		log.Warn("WEBHOOK_SECRET not set: escrow callbacks will be refused")
	}

	deps := server.Deps{
		Listings:      api,
		Escrow:        escClient,
		Store:         store,
		Metrics:       metrics,
		Log:           log,
		BackendHealth: api.Ping,
	}

	var receipts escrow.ReceiptWaiter
	if cfg.Chain.RPCURL != "" {
		chain, err := escrow.DialChain(ctx, cfg.Chain.RPCURL)
		if err != nil {
			log.WithError(err).Warn("chain rpc unavailable; on-chain checks disabled")
		} else {
			deps.Chain = chain
			deps.ChainHealth = chain.Ping
			receipts = chain
		}
	}
	deps.Releaser = escrow.NewReleaser(escClient, receipts, escrow.ReleaserConfig{
		ExplorerURL: cfg.Chain.ExplorerURL,
		ReceiptWait: cfg.Chain.ReceiptWait,
	})

	deps.Requests = buyrequest.NewService(api, log)
	watcher := buyrequest.NewWatcher(deps.Requests, cfg.Polling.BuyRequests, log)
	watcher.OnPoll = metrics.ObservePoll
	watcher.Notify = func(listingID string, req models.BuyRequest) {
		log.WithFields(logrus.Fields{
			"listing_id":  listingID,
			"request_id":  req.RequestID,
			"offer_price": req.OfferPrice.String(),
		}).Info("new buy request")
	}
	deps.Watcher = watcher
	go watcher.Run(ctx)

	registry := chat.NewRegistry(ctx, api, cfg.Polling.Presence, cfg.Polling.ChatIdle, log)
	defer registry.CloseAll()
	go registry.RunSweeper(ctx)
	deps.Chat = registry

	apiServer := server.NewServer(cfg, deps)
	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("server stopped")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("shutdown")
	}
}
