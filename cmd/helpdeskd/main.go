// Command helpdeskd runs the help desk notification daemon: it connects to
// the database, wires the event bus, producer, dispatcher and WebSocket hub
// together and serves the HTTP endpoints.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/go-hclog"

	"github.com/helpdesk-forge/helpdesk/internal/config"
	"github.com/helpdesk-forge/helpdesk/internal/eventbus"
	"github.com/helpdesk-forge/helpdesk/internal/hub"
	"github.com/helpdesk-forge/helpdesk/internal/producer"
	"github.com/helpdesk-forge/helpdesk/internal/store"
	"github.com/helpdesk-forge/helpdesk/pkg/mail"
	"github.com/helpdesk-forge/helpdesk/pkg/messaging"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configFile := flag.String("config", "", "Path to HCL configuration file")
	flag.Parse()

	if *configFile == "" {
		return fmt.Errorf("missing required -config flag")
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		return err
	}

	log := hclog.New(&hclog.LoggerOptions{
		Name:  "helpdeskd",
		Level: hclog.LevelFromString(cfg.LogLevel),
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := store.Open(cfg.StoreConfig(), log.Named("store"))
	if err != nil {
		return err
	}

	settings := store.NewSettings(db)
	if err := settings.Ensure(ctx); err != nil {
		return err
	}

	broadcaster := hub.New(log.Named("hub"))
	transport := mail.NewSMTPClient(log.Named("smtp"))

	dispatcher := messaging.NewDispatcher(
		log.Named("dispatcher"),
		transport,
		store.NewFailureLog(db),
		settings,
		broadcaster,
		messaging.DispatcherConfig{
			Options: cfg.DispatchOptions(),
			Retry:   cfg.RetryPolicy(),
		},
	)

	issues := producer.NewIssueProducer(
		log.Named("producer"),
		dispatcher,
		store.NewDirectory(db),
		settings,
		nil,
	)

	bus := eventbus.New(log.Named("bus"))
	// Invalidate the settings cache before the dispatcher resyncs, so the
	// resync reads the fresh configuration.
	bus.Subscribe(func(ctx context.Context, ev messaging.Event) {
		if ev.Type == messaging.EventEmailConfigUpdated {
			settings.Invalidate()
		}
	})
	bus.Subscribe(dispatcher.HandleEvent)
	bus.Subscribe(issues.Process)

	if err := dispatcher.Start(ctx); err != nil {
		return err
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":    "ok",
			"queued":    dispatcher.Len(),
			"in_flight": dispatcher.InFlight(),
			"clients":   broadcaster.ClientCount(),
		})
	})
	r.Get("/ws", broadcaster.ServeHTTP)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutdown signal received, draining")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown", "error", err)
	}

	// Stop the worker, then run one final pass so buffered notifications
	// are not lost on a clean exit.
	dispatcher.Stop()
	if err := dispatcher.Dispatch(shutdownCtx); err != nil {
		log.Warn("final dispatch pass", "error", err)
	}
	broadcaster.Close()

	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}

	log.Info("shutdown complete")
	return nil
}
