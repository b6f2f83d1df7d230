package stats

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/ukydev/fleet-dispatch/internal/db"
	"github.com/ukydev/fleet-dispatch/internal/models"
)

// Aggregator keeps the latest full snapshot of vehicles, zones and workers and
// recomputes FleetStats whenever any of them changes. It never writes.
type Aggregator struct {
	store db.Store
	log   log.FieldLogger
	now   func() time.Time

	// deliverMu is held from recompute through every listener call, so
	// listeners see results in the order they were computed.
	deliverMu sync.Mutex

	mu        sync.Mutex
	vehicles  []models.Vehicle
	zones     []models.Zone
	workers   []models.Worker
	latest    models.FleetStats
	listeners map[int]func(models.FleetStats)
	nextID    int
	subs      []*db.Subscription
}

// NewAggregator creates an aggregator reading from store.
func NewAggregator(store db.Store, logger log.FieldLogger) *Aggregator {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Aggregator{
		store:     store,
		log:       logger,
		now:       time.Now,
		listeners: make(map[int]func(models.FleetStats)),
	}
}

// SetClock replaces the time source.
func (a *Aggregator) SetClock(now func() time.Time) {
	a.mu.Lock()
	a.now = now
	a.mu.Unlock()
}

// Start subscribes to the three collections. Close releases the subscriptions.
func (a *Aggregator) Start(ctx context.Context) error {
	handlers := []struct {
		path string
		fn   func(db.Snapshot)
	}{
		{db.VehiclesPath, a.onVehicles},
		{db.ZonesPath, a.onZones},
		{db.WorkersPath, a.onWorkers},
	}
	var subs []*db.Subscription
	for _, h := range handlers {
		sub, err := a.store.Subscribe(ctx, h.path, h.fn)
		if err != nil {
			for _, s := range subs {
				s.Close()
			}
			return fmt.Errorf("subscribe %s: %w", h.path, err)
		}
		subs = append(subs, sub)
	}
	a.mu.Lock()
	a.subs = append(a.subs, subs...)
	a.mu.Unlock()
	return nil
}

// Close tears down every subscription opened by Start.
func (a *Aggregator) Close() {
	a.mu.Lock()
	subs := a.subs
	a.subs = nil
	a.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
}

// OnChange registers fn to receive every recomputed FleetStats. The returned
// function removes it. Calls are serialized; fn must not write to the store.
func (a *Aggregator) OnChange(fn func(models.FleetStats)) func() {
	a.mu.Lock()
	id := a.nextID
	a.nextID++
	a.listeners[id] = fn
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		delete(a.listeners, id)
		a.mu.Unlock()
	}
}

// Latest returns the most recently computed stats.
func (a *Aggregator) Latest() models.FleetStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.latest
}

// Refresh recomputes against the clock without a new snapshot, so GPS
// freshness decays even when no worker reports.
func (a *Aggregator) Refresh() {
	a.update(func() {})
}

// Run calls Refresh every interval until ctx is done. A non-positive interval
// disables the refresh.
func (a *Aggregator) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Refresh()
		}
	}
}

func (a *Aggregator) onVehicles(s db.Snapshot) {
	items := decodeEach[models.Vehicle](s, a.log)
	a.update(func() { a.vehicles = items })
}

func (a *Aggregator) onZones(s db.Snapshot) {
	items := decodeEach[models.Zone](s, a.log)
	a.update(func() { a.zones = items })
}

func (a *Aggregator) onWorkers(s db.Snapshot) {
	items := decodeEach[models.Worker](s, a.log)
	a.update(func() { a.workers = items })
}

func (a *Aggregator) update(apply func()) {
	a.deliverMu.Lock()
	defer a.deliverMu.Unlock()

	a.mu.Lock()
	apply()
	a.latest = ComputeStats(a.vehicles, a.zones, a.workers, a.now())
	current := a.latest
	listeners := make([]func(models.FleetStats), 0, len(a.listeners))
	for _, fn := range a.listeners {
		listeners = append(listeners, fn)
	}
	a.mu.Unlock()

	for _, fn := range listeners {
		fn(current)
	}
}

// decodeEach decodes every child of s, skipping malformed records so one bad
// document does not hold the whole collection at an older snapshot.
func decodeEach[T any](s db.Snapshot, logger log.FieldLogger) []T {
	out := make([]T, 0, len(s.Children))
	for _, id := range s.IDs() {
		var item T
		if err := bson.Unmarshal(s.Children[id], &item); err != nil {
			logger.WithError(err).WithField("path", db.Join(s.Path, id)).Warn("Skipping malformed record")
			continue
		}
		out = append(out, item)
	}
	return out
}
