package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/octatecode/collabmesh/internal/auth"
	"github.com/octatecode/collabmesh/internal/config"
	"github.com/octatecode/collabmesh/internal/logging"
	"github.com/octatecode/collabmesh/internal/room"
	"github.com/octatecode/collabmesh/internal/server"
	"github.com/octatecode/collabmesh/internal/signaling"
)

func main() {
	logging.Init()
	cfg := config.Load()
	logger := slog.Default()

	store := room.NewStore(cfg.RoomInactivityTimeout, cfg.PeerHeartbeatTimeout)
	issuer := auth.NewIssuer(cfg.TokenSecret, cfg.TokenTTL)

	hub := signaling.NewHub(store, issuer, logger)
	go hub.Run()

	sweeper := room.NewSweeper(store, cfg.SweepInterval, hub, logger)
	sweeper.Start()

	srv := server.New(store, hub, sweeper, issuer, logger)
	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: srv.Router(),
	}

	go func() {
		logger.Info("signaling server listening", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "err", err)
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctx)
	sweeper.Stop()
	hub.Stop()
	store.Shutdown()
}
