package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mattjoyce/dumpsys/internal/config"
	"github.com/mattjoyce/dumpsys/internal/dumpsys"
	"github.com/mattjoyce/dumpsys/internal/events"
	"github.com/mattjoyce/dumpsys/internal/gateway"
	"github.com/mattjoyce/dumpsys/internal/history"
	"github.com/mattjoyce/dumpsys/internal/hub"
	"github.com/mattjoyce/dumpsys/internal/log"
	"github.com/mattjoyce/dumpsys/internal/metrics"
	"github.com/mattjoyce/dumpsys/internal/storage"
)

// loadConfig loads the discovered config and sets up logging from it.
func loadConfig(explicit string) (*config.Config, error) {
	cfg, err := config.LoadOrDefault(explicit)
	if err != nil {
		return nil, err
	}
	log.Setup(cfg.Service.LogLevel)
	return cfg, nil
}

// workerOptions maps config onto worker options shared by every command.
func workerOptions(cfg *config.Config, extra ...dumpsys.Option) []dumpsys.Option {
	return append([]dumpsys.Option{
		dumpsys.WithQueueSize(cfg.Worker.QueueSize),
		dumpsys.WithLogger(log.WithComponent("worker")),
	}, extra...)
}

// stack is the long-lived wiring behind serve and watch.
type stack struct {
	hub     *hub.Hub
	gateway *gateway.Gateway
	events  *events.Hub
	metrics *metrics.Metrics
	db      *sql.DB
}

func openStack(ctx context.Context, cfg *config.Config) (*stack, error) {
	h, err := hub.FromConfig(cfg)
	if err != nil {
		return nil, err
	}

	s := &stack{
		hub:     h,
		events:  events.NewHub(events.DefaultBacklog),
		metrics: metrics.New(prometheus.NewRegistry()),
	}
	opts := []gateway.Option{gateway.WithEvents(s.events)}

	if cfg.History.Enabled {
		db, err := storage.OpenSQLite(ctx, cfg.History.Path)
		if err != nil {
			return nil, fmt.Errorf("open history: %w", err)
		}
		s.db = db
		store := history.NewStore(db)
		if n, err := store.Prune(ctx, cfg.History.Retention); err != nil {
			log.Warn("history prune failed", "error", err)
		} else if n > 0 {
			log.Info("pruned dump history", "removed", n, "retention", cfg.History.Retention)
		}
		opts = append(opts, gateway.WithHistory(store))
	}

	ds := dumpsys.New(h, workerOptions(cfg, dumpsys.WithObserver(s.metrics))...)
	s.gateway = gateway.New(ds, opts...)
	return s, nil
}

func (s *stack) Close(ctx context.Context) error {
	var errs []error
	if err := s.gateway.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close history: %w", err))
		}
	}
	return errors.Join(errs...)
}
