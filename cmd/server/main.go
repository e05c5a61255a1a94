package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/harbourchat/harbour/internal/server"
	"github.com/harbourchat/harbour/internal/store"
	"github.com/harbourchat/harbour/internal/store/sqlite"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := server.NewConfigFromEnv()

	ctx := context.Background()
	db, err := sqlite.Open(ctx, cfg.DatabasePath)
	if err != nil {
		logger.Error("opening database failed", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	stores := server.Stores{
		Identities:    sqlite.NewIdentityStore(db),
		Messages:      sqlite.NewMessageStore(db),
		Notifications: sqlite.NewNotificationStore(db),
		Rooms:         sqlite.NewRoomStore(db),
	}

	if err := ensureDefaultRoom(ctx, stores.Rooms, cfg); err != nil {
		logger.Error("provisioning default room failed", "error", err)
		os.Exit(1)
	}

	hub := server.NewHub(cfg, stores, logger)
	go hub.Run()

	mux := server.SetupRoutes(hub)
	httpServer := server.CreateServer(cfg.Port, mux)

	errCh := make(chan error, 1)
	go func() {
		if err := server.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logger.Error("server failed", "error", err)
		os.Exit(1)
	case sig := <-stop:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	if err := server.ShutdownServer(httpServer, 10*time.Second); err != nil {
		logger.Error("HTTP shutdown failed", "error", err)
	}
	if err := hub.Shutdown(10 * time.Second); err != nil {
		logger.Error("hub shutdown failed", "error", err)
	}
	logger.Info("server stopped")
}

// ensureDefaultRoom creates the always-available public room on first start.
func ensureDefaultRoom(ctx context.Context, rooms store.RoomStore, cfg *server.Config) error {
	_, err := rooms.GetRoom(ctx, cfg.DefaultRoomID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return rooms.CreateRoom(ctx, store.Room{
		ID:        cfg.DefaultRoomID,
		Name:      cfg.DefaultRoomName,
		CreatedAt: time.Now().UTC(),
	})
}
