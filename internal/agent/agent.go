// Package agent contains the scanrelay dispatcher. It consumes the watcher's
// event stream, turns every completed file inside a mapped directory into a
// delivery task, and runs each delivery in its own goroutine so that a slow
// or failing upload never stalls event consumption.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/scanrelay/agent/internal/delivery"
	"github.com/scanrelay/agent/internal/route"
	"github.com/scanrelay/agent/internal/watcher"
)

const (
	defaultDeliveryTimeout = 60 * time.Second
	defaultMaxInFlight     = 8
)

// Dispatcher is the central orchestrator of the scanrelay agent. It owns the
// watcher's lifecycle and supervises every delivery goroutine it spawns.
type Dispatcher struct {
	watcher      watcher.Watcher
	destinations *route.DestinationMap
	resolver     *route.Resolver
	deliverer    delivery.Deliverer
	logger       *slog.Logger
	metrics      *Metrics

	timeout     time.Duration
	maxInFlight int64
	sem         *semaphore.Weighted
	newID       func() string

	startTime time.Time
	cancel    context.CancelFunc

	mu          sync.RWMutex
	lastEventAt time.Time
	running     bool
	failed      bool

	loopWG     sync.WaitGroup
	deliveryWG sync.WaitGroup

	fatal     chan error
	fatalOnce sync.Once
}

// Option is a functional option for Dispatcher construction.
type Option func(*Dispatcher)

// WithDeliveryTimeout caps each delivery, including every HTTP round trip.
func WithDeliveryTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.timeout = d
		}
	}
}

// WithMaxInFlight caps the number of deliveries running at once.
func WithMaxInFlight(n int) Option {
	return func(disp *Dispatcher) {
		if n > 0 {
			disp.maxInFlight = int64(n)
		}
	}
}

// WithMetrics registers the counters updated by the dispatcher. Without it a
// private Metrics value is used.
func WithMetrics(m *Metrics) Option {
	return func(disp *Dispatcher) { disp.metrics = m }
}

// WithIDFunc overrides how task IDs are generated.
func WithIDFunc(f func() string) Option {
	return func(disp *Dispatcher) { disp.newID = f }
}

// New creates a Dispatcher. All four components are required.
func New(
	w watcher.Watcher,
	destinations *route.DestinationMap,
	resolver *route.Resolver,
	d delivery.Deliverer,
	logger *slog.Logger,
	opts ...Option,
) *Dispatcher {
	disp := &Dispatcher{
		watcher:      w,
		destinations: destinations,
		resolver:     resolver,
		deliverer:    d,
		logger:       logger,
		timeout:      defaultDeliveryTimeout,
		maxInFlight:  defaultMaxInFlight,
		newID:        uuid.NewString,
		fatal:        make(chan error, 1),
	}
	for _, opt := range opts {
		opt(disp)
	}
	if disp.metrics == nil {
		disp.metrics = NewMetrics()
	}
	disp.sem = semaphore.NewWeighted(disp.maxInFlight)
	return disp
}

// Start starts the watcher and the consume loop. A watcher setup failure is
// returned after the watcher is stopped to release its resources; once Start
// succeeds, per-event problems are only logged.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("agent: already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	if err := d.watcher.Start(ctx); err != nil {
		cancel()
		d.watcher.Stop()
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
		return fmt.Errorf("agent: watcher failed to start: %w", err)
	}

	d.logger.Info("starting scanrelay dispatcher",
		slog.String("root", d.resolver.Root()),
		slog.String("backend", d.watcher.Backend()),
		slog.Int("mappings", d.destinations.Len()),
		slog.Int64("max_in_flight", d.maxInFlight),
		slog.Duration("delivery_timeout", d.timeout),
	)
	for _, e := range d.destinations.Entries() {
		d.logger.Info("mapping", slog.String("dir", e.Dir), slog.String("destination", e.Destination))
	}

	d.loopWG.Add(2)
	go d.consume(ctx)
	go d.watchErrors(ctx)
	return nil
}

// Stop cancels the dispatcher context, stops the watcher, and waits for the
// consume loop and every in-flight delivery. It is safe to call Stop
// multiple times.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.mu.Unlock()

	if d.cancel != nil {
		d.cancel()
	}
	d.watcher.Stop()

	// The loop is the only caller of deliveryWG.Add, so it must exit first.
	d.loopWG.Wait()
	d.deliveryWG.Wait()

	d.logger.Info("scanrelay dispatcher stopped")
}

// Fatal receives at most one error after which the dispatcher can no longer
// observe the tree, such as the watch root being removed.
func (d *Dispatcher) Fatal() <-chan error { return d.fatal }

// Metrics returns the counters updated by the dispatcher.
func (d *Dispatcher) Metrics() *Metrics { return d.metrics }

// consume reads raw events in order until the watcher closes its stream or
// ctx is cancelled.
func (d *Dispatcher) consume(ctx context.Context) {
	defer d.loopWG.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-d.watcher.Events():
			if !ok {
				return
			}
			d.handleEvent(ctx, ev)
		}
	}
}

// watchErrors logs asynchronous watcher failures and escalates the ones the
// watcher cannot recover from.
func (d *Dispatcher) watchErrors(ctx context.Context) {
	defer d.loopWG.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			d.metrics.WatchErrors.Add(1)
			if errors.Is(err, watcher.ErrRootRemoved) {
				d.logger.Error("watch error", slog.Any("error", err))
				d.signalFatal(err)
				continue
			}
			d.logger.Warn("watch error", slog.Any("error", err))
		}
	}
}

func (d *Dispatcher) signalFatal(err error) {
	d.fatalOnce.Do(func() {
		d.mu.Lock()
		d.failed = true
		d.mu.Unlock()
		d.fatal <- err
	})
}

// handleEvent runs the classify, resolve and lookup pipeline for one event
// and spawns a delivery when everything matches. It never blocks on a
// delivery.
func (d *Dispatcher) handleEvent(ctx context.Context, ev watcher.RawEvent) {
	d.metrics.EventsObserved.Add(1)
	d.mu.Lock()
	d.lastEventAt = ev.Time
	d.mu.Unlock()

	path, ok, err := watcher.Classify(ev)
	if err != nil {
		d.metrics.EventsDiscarded.Add(1)
		d.logger.Warn("discarding event", slog.String("kind", ev.Kind.String()), slog.Any("error", err))
		return
	}
	if !ok {
		return
	}
	d.metrics.Candidates.Add(1)

	loc, err := d.resolver.Resolve(path)
	if err != nil {
		d.metrics.EventsDiscarded.Add(1)
		d.logger.Warn("discarding event", slog.String("path", path), slog.Any("error", err))
		return
	}
	d.logger.Debug("modified, parent folder is",
		slog.String("parent", loc.Parent),
		slog.String("filename", loc.Filename),
	)

	dest, ok := d.destinations.Lookup(loc.Parent)
	if !ok {
		d.metrics.Unmapped.Add(1)
		d.logger.Warn("unmapped directory",
			slog.String("dir", loc.Parent),
			slog.String("path", path),
		)
		return
	}
	d.logger.Debug("found channel mapping",
		slog.String("dir", loc.Parent),
		slog.String("destination", dest),
	)

	task := delivery.Task{
		ID:          d.newID(),
		Destination: dest,
		Group:       loc.Parent,
		Filename:    loc.Filename,
		SourcePath:  path,
	}
	d.deliveryWG.Add(1)
	go d.deliver(ctx, task)
}

// deliver waits for a slot, runs exactly one delivery attempt under the
// configured timeout, and records the outcome.
func (d *Dispatcher) deliver(ctx context.Context, task delivery.Task) {
	defer d.deliveryWG.Done()

	log := d.logger.With(
		slog.String("task_id", task.ID),
		slog.String("destination", task.Destination),
		slog.String("file", task.Filename),
	)

	if err := d.sem.Acquire(ctx, 1); err != nil {
		d.metrics.DeliveriesFailed.Add(1)
		log.Warn("delivery abandoned before start", slog.Any("error", err))
		return
	}
	defer d.sem.Release(1)

	d.metrics.DeliveriesStarted.Add(1)
	d.metrics.InFlight.Add(1)
	defer d.metrics.InFlight.Add(-1)

	dctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	if err := d.safeDeliver(dctx, task); err != nil {
		d.metrics.DeliveriesFailed.Add(1)
		log.Error("delivery failed",
			slog.String("group", task.Group),
			slog.Duration("elapsed", time.Since(start)),
			slog.Any("error", err),
		)
		return
	}
	d.metrics.DeliveriesSucceeded.Add(1)
	log.Info("file uploaded",
		slog.String("group", task.Group),
		slog.Duration("elapsed", time.Since(start)),
	)
}

// safeDeliver converts a panic in the deliverer into an error so that one
// bad upload cannot take the process down.
func (d *Dispatcher) safeDeliver(ctx context.Context, task delivery.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", delivery.ErrDeliveryFailed, r)
		}
	}()
	return d.deliverer.Deliver(ctx, task)
}

// HealthStatus is the payload returned by the /healthz endpoint.
type HealthStatus struct {
	Status              string  `json:"status"`
	Backend             string  `json:"backend"`
	UptimeS             float64 `json:"uptime_s"`
	InFlight            int64   `json:"in_flight"`
	DeliveriesSucceeded int64   `json:"deliveries_succeeded"`
	DeliveriesFailed    int64   `json:"deliveries_failed"`
	LastEventAt         string  `json:"last_event_at,omitempty"`
}

// Health returns a snapshot of the current dispatcher health state. Status
// is "failed" once a fatal watch error was reported.
func (d *Dispatcher) Health() HealthStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()

	h := HealthStatus{
		Status:              "ok",
		Backend:             d.watcher.Backend(),
		InFlight:            d.metrics.InFlight.Load(),
		DeliveriesSucceeded: d.metrics.DeliveriesSucceeded.Load(),
		DeliveriesFailed:    d.metrics.DeliveriesFailed.Load(),
	}
	if !d.startTime.IsZero() {
		h.UptimeS = time.Since(d.startTime).Seconds()
	}
	if d.failed {
		h.Status = "failed"
	}
	if !d.lastEventAt.IsZero() {
		h.LastEventAt = d.lastEventAt.UTC().Format(time.RFC3339)
	}
	return h
}

// HealthzHandler responds with the dispatcher's health status as JSON. It
// answers 503 once the dispatcher has failed.
func (d *Dispatcher) HealthzHandler(w http.ResponseWriter, r *http.Request) {
	h := d.Health()
	w.Header().Set("Content-Type", "application/json")
	if h.Status == "failed" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	if err := json.NewEncoder(w).Encode(h); err != nil {
		d.logger.Warn("healthz: failed to encode response", slog.Any("error", err))
	}
}
