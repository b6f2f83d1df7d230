package fleet

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/ukydev/fleet-dispatch/internal/db"
	"github.com/ukydev/fleet-dispatch/internal/models"
	"github.com/ukydev/fleet-dispatch/internal/retry"
)

// faultyStore is a MemoryStore whose Merge and Set calls go through a mock, so
// tests can fail chosen writes.
type faultyStore struct {
	*db.MemoryStore
	mock.Mock
}

func newFaultyStore() *faultyStore {
	return &faultyStore{MemoryStore: db.NewMemoryStore()}
}

func (f *faultyStore) Merge(ctx context.Context, path string, fields bson.M) error {
	args := f.Called(ctx, path, fields)
	if err := args.Error(0); err != nil {
		return err
	}
	return f.MemoryStore.Merge(ctx, path, fields)
}

func (f *faultyStore) Set(ctx context.Context, path string, value interface{}) error {
	args := f.Called(ctx, path, value)
	if err := args.Error(0); err != nil {
		return err
	}
	return f.MemoryStore.Set(ctx, path, value)
}

// passThrough lets every write not matched by an earlier expectation succeed.
func (f *faultyStore) passThrough() {
	f.On("Merge", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	f.On("Set", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type fixture struct {
	store db.Store
	svc   *Service
	clock *fakeClock
	hook  *test.Hook
}

func newFixture(t *testing.T, store db.Store) *fixture {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	clock := &fakeClock{t: time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)}
	n := 0
	svc := NewService(store,
		WithLogger(logger),
		WithRetrier(retry.NoDelay(2)),
		WithClock(clock.Now),
		WithIDGenerator(func() string {
			n++
			return fmt.Sprintf("trip-%d", n)
		}),
	)
	return &fixture{store: store, svc: svc, clock: clock, hook: hook}
}

func (f *fixture) putVehicle(t *testing.T, v models.Vehicle) {
	t.Helper()
	if v.Status == "" {
		v.Status = models.VehicleAvailable
	}
	require.NoError(t, f.store.Set(context.Background(), db.VehiclePath(v.ID), v))
}

func (f *fixture) putWorker(t *testing.T, w models.Worker) {
	t.Helper()
	if w.Status == "" {
		w.Status = models.WorkerAvailable
	}
	require.NoError(t, f.store.Set(context.Background(), db.WorkerPath(w.ID), w))
}

func (f *fixture) vehicle(t *testing.T, id string) models.Vehicle {
	t.Helper()
	var v models.Vehicle
	require.NoError(t, f.store.Get(context.Background(), db.VehiclePath(id), &v))
	return v
}

func (f *fixture) worker(t *testing.T, id string) models.Worker {
	t.Helper()
	var w models.Worker
	require.NoError(t, f.store.Get(context.Background(), db.WorkerPath(id), &w))
	return w
}

func (f *fixture) hasEntry(level logrus.Level, msg string) bool {
	for _, e := range f.hook.AllEntries() {
		if e.Level == level && e.Message == msg {
			return true
		}
	}
	return false
}

func startRequest(odometer int) StartTripRequest {
	return StartTripRequest{
		VehicleID:     "v1",
		WorkerID:      "w1",
		StartOdometer: odometer,
		Destination:   "Zona Norte",
		Reason:        models.ReasonWork,
	}
}
