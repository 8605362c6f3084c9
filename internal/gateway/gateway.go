// Package gateway puts a dumpsys cache behind the operations the CLI, API and
// TUI share, adding dump history and live events around each call.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/dumpsys/internal/binder"
	"github.com/mattjoyce/dumpsys/internal/dumpsys"
	"github.com/mattjoyce/dumpsys/internal/events"
	"github.com/mattjoyce/dumpsys/internal/history"
	"github.com/mattjoyce/dumpsys/internal/log"
)

var ErrHistoryDisabled = errors.New("dump history is disabled")

// Result describes one dump that reached the worker.
type Result struct {
	ID        string
	Service   string
	Args      []string
	Output    string
	Bytes     int
	Digest    string
	Status    binder.StatusCode
	StartedAt time.Time
	Duration  time.Duration
}

type Gateway struct {
	ds      *dumpsys.Dumpsys
	history *history.Store
	events  *events.Hub
	logger  *slog.Logger
}

type Option func(*Gateway)

// WithHistory records every dump in store.
func WithHistory(store *history.Store) Option {
	return func(g *Gateway) { g.history = store }
}

// WithEvents publishes service and dump events on hub.
func WithEvents(hub *events.Hub) Option {
	return func(g *Gateway) { g.events = hub }
}

func New(ds *dumpsys.Dumpsys, opts ...Option) *Gateway {
	g := &Gateway{
		ds:     ds,
		logger: log.WithComponent("gateway"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Insert resolves name into the cache.
func (g *Gateway) Insert(ctx context.Context, name string) (bool, error) {
	replaced, err := g.ds.Insert(ctx, name)
	if err != nil {
		return false, err
	}
	g.logger.Info("service inserted", "service", name, "replaced", replaced)
	g.publish(events.TypeServiceInserted, events.ServicePayload{Service: name, Replaced: replaced})
	return replaced, nil
}

// Remove drops name from the cache.
func (g *Gateway) Remove(name string) error {
	if _, err := g.ds.Remove(name); err != nil {
		return err
	}
	g.logger.Info("service removed", "service", name)
	g.publish(events.TypeServiceRemoved, events.ServicePayload{Service: name})
	return nil
}

// Services lists cached service names in order.
func (g *Gateway) Services() []string { return g.ds.Names() }

// Len returns the number of cached services.
func (g *Gateway) Len() int { return g.ds.Len() }

// Pending returns the number of dumps queued behind the one in flight.
func (g *Gateway) Pending() int { return g.ds.Pending() }

// Dump runs a dump of a cached service. Names that were never inserted fail
// with dumpsys.ErrNoEntryFound and leave no history. For a remote failure the
// returned Result is non-nil and carries the history ID and partial output.
func (g *Gateway) Dump(ctx context.Context, name string, args []string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	started := time.Now()
	out, dumpErr := g.ds.Dump(name, args...)
	elapsed := time.Since(started)

	if errors.Is(dumpErr, dumpsys.ErrNoEntryFound) {
		return nil, dumpErr
	}

	res := &Result{
		Service:   name,
		Args:      args,
		Output:    out,
		Status:    binder.StatusOK,
		StartedAt: started,
		Duration:  elapsed,
	}
	// Only a StatusError comes from the service. Anything else is local
	// (worker gone, pipe failure) and keeps Status OK.
	var statusErr *dumpsys.StatusError
	if errors.As(dumpErr, &statusErr) {
		res.Status = statusErr.Code
		res.Output = statusErr.Output
	}
	res.Bytes = len(res.Output)
	res.Digest = history.Digest([]byte(res.Output))

	g.record(ctx, res, dumpErr)

	payload := events.DumpPayload{
		ID:         res.ID,
		Service:    name,
		Args:       args,
		Bytes:      res.Bytes,
		Status:     res.Status.String(),
		DurationMS: elapsed.Milliseconds(),
	}
	logger := log.WithDump(res.ID).With("component", "gateway", "service", name)
	if dumpErr != nil {
		payload.Error = dumpErr.Error()
		logger.Warn("dump failed", "error", dumpErr)
		g.publish(events.TypeDumpFailed, payload)
		if statusErr == nil {
			return nil, dumpErr
		}
		return res, dumpErr
	}

	logger.Debug("dump completed", "bytes", res.Bytes, "duration_ms", elapsed.Milliseconds())
	g.publish(events.TypeDumpCompleted, payload)
	return res, nil
}

func (g *Gateway) record(ctx context.Context, res *Result, dumpErr error) {
	if g.history == nil {
		return
	}
	entry := &history.Entry{
		Service:     res.Service,
		Args:        res.Args,
		Outcome:     history.OutcomeSucceeded,
		StatusCode:  res.Status,
		Bytes:       res.Bytes,
		Digest:      res.Digest,
		StartedAt:   res.StartedAt,
		CompletedAt: res.StartedAt.Add(res.Duration),
	}
	if dumpErr != nil {
		msg := dumpErr.Error()
		entry.Outcome = history.OutcomeFailed
		if res.Status.IsOK() {
			entry.Outcome = history.OutcomeErrored
		}
		entry.LastError = &msg
	}
	id, err := g.history.Record(context.WithoutCancel(ctx), entry)
	if err != nil {
		g.logger.Error("failed to record dump history", "service", res.Service, "error", err)
		return
	}
	res.ID = id
}

func (g *Gateway) publish(eventType string, payload any) {
	if g.events == nil {
		return
	}
	g.events.Publish(eventType, payload)
}

// History returns recent dumps, or an error when history is disabled.
func (g *Gateway) History(ctx context.Context, service string, limit int) ([]*history.Entry, error) {
	if g.history == nil {
		return nil, ErrHistoryDisabled
	}
	return g.history.List(ctx, service, limit)
}

// HistoryEntry returns one recorded dump.
func (g *Gateway) HistoryEntry(ctx context.Context, id string) (*history.Entry, error) {
	if g.history == nil {
		return nil, ErrHistoryDisabled
	}
	return g.history.Get(ctx, id)
}

// Close stops the underlying worker and waits for queued dumps to drain.
func (g *Gateway) Close(ctx context.Context) error {
	g.ds.Close()
	select {
	case <-g.ds.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for worker: %w", ctx.Err())
	}
}
