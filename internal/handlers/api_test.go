package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ukydev/fleet-dispatch/internal/db"
	"github.com/ukydev/fleet-dispatch/internal/fleet"
	"github.com/ukydev/fleet-dispatch/internal/models"
)

// MockFleetService is a mock implementation of FleetService
type MockFleetService struct {
	mock.Mock
}

func (m *MockFleetService) Assign(ctx context.Context, vehicleID, workerID string) error {
	return m.Called(ctx, vehicleID, workerID).Error(0)
}

func (m *MockFleetService) Release(ctx context.Context, vehicleID string) error {
	return m.Called(ctx, vehicleID).Error(0)
}

func (m *MockFleetService) MigrateLegacy(ctx context.Context, vehicleID string) (string, error) {
	args := m.Called(ctx, vehicleID)
	return args.String(0), args.Error(1)
}

func (m *MockFleetService) StartTrip(ctx context.Context, req fleet.StartTripRequest) (*models.Trip, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Trip), args.Error(1)
}

func (m *MockFleetService) FinishTrip(ctx context.Context, req fleet.FinishTripRequest) (*fleet.TripSummary, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*fleet.TripSummary), args.Error(1)
}

func (m *MockFleetService) Reconcile(ctx context.Context, workerID string) (bool, error) {
	args := m.Called(ctx, workerID)
	return args.Bool(0), args.Error(1)
}

type fakeStats struct {
	mu        sync.Mutex
	latest    models.FleetStats
	listeners []func(models.FleetStats)
}

func (f *fakeStats) Latest() models.FleetStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest
}

func (f *fakeStats) OnChange(fn func(models.FleetStats)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, fn)
	return func() {}
}

func (f *fakeStats) publish(s models.FleetStats) {
	f.mu.Lock()
	f.latest = s
	listeners := append([]func(models.FleetStats){}, f.listeners...)
	f.mu.Unlock()
	for _, fn := range listeners {
		fn(s)
	}
}

type apiFixture struct {
	svc   *MockFleetService
	stats *fakeStats
	store *db.MemoryStore
	mux   *http.ServeMux
	h     *FleetHandler
}

func newAPIFixture() *apiFixture {
	logger, _ := test.NewNullLogger()
	f := &apiFixture{svc: new(MockFleetService), stats: &fakeStats{}, store: db.NewMemoryStore(), mux: http.NewServeMux()}
	f.h = NewFleetHandler(f.svc, f.stats, f.store, logger)
	f.h.Register(f.mux)
	return f
}

func (f *apiFixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestFleetHandler_Assign(t *testing.T) {
	t.Run("successful assign", func(t *testing.T) {
		f := newAPIFixture()
		f.svc.On("Assign", mock.Anything, "v1", "w1").Return(nil)

		w := f.do("POST", "/api/vehicles/v1/assign", `{"worker_id":"w1"}`)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"vehicle_id":"v1","worker_id":"w1"}`, w.Body.String())
		f.svc.AssertExpectations(t)
	})

	t.Run("missing worker", func(t *testing.T) {
		f := newAPIFixture()
		w := f.do("POST", "/api/vehicles/v1/assign", `{}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "invalid_request", decodeError(t, w).Error)
		f.svc.AssertNotCalled(t, "Assign", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("invalid JSON", func(t *testing.T) {
		f := newAPIFixture()
		w := f.do("POST", "/api/vehicles/v1/assign", `{"worker_id":`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("method not allowed", func(t *testing.T) {
		f := newAPIFixture()
		w := f.do("GET", "/api/vehicles/v1/assign", "")
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})

	t.Run("oversized body", func(t *testing.T) {
		f := newAPIFixture()
		body := `{"worker_id":"` + strings.Repeat("w", maxBodyBytes) + `"}`
		w := f.do("POST", "/api/vehicles/v1/assign", body)
		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
		assert.Equal(t, "request_too_large", decodeError(t, w).Error)
		f.svc.AssertNotCalled(t, "Assign", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestFleetHandler_ErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{fleet.ErrVehicleAlreadyAssigned, http.StatusConflict, "vehicle_already_assigned"},
		{fleet.ErrWorkerAlreadyAssigned, http.StatusConflict, "worker_already_assigned"},
		{fleet.ErrTripInProgress, http.StatusConflict, "trip_in_progress"},
		{fleet.ErrVehicleUnavailable, http.StatusConflict, "vehicle_unavailable"},
		{fmt.Errorf("%w: -1", fleet.ErrNegativeOdometer), http.StatusUnprocessableEntity, "negative_odometer"},
		{fmt.Errorf("%w: v9", fleet.ErrVehicleNotFound), http.StatusNotFound, "vehicle_not_found"},
		{fmt.Errorf("write vehicles/v1: %w: timeout", db.ErrIndeterminate), http.StatusServiceUnavailable, "indeterminate"},
		{fmt.Errorf("read vehicles/v1: %w: timeout", db.ErrUnavailable), http.StatusServiceUnavailable, "unavailable"},
		{errors.New("something odd"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			f := newAPIFixture()
			f.svc.On("Assign", mock.Anything, "v1", "w2").Return(tt.err)

			w := f.do("POST", "/api/vehicles/v1/assign", `{"worker_id":"w2"}`)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.code, decodeError(t, w).Error)
		})
	}
}

func TestFleetHandler_ReleaseAndMigrate(t *testing.T) {
	f := newAPIFixture()
	f.svc.On("Release", mock.Anything, "v1").Return(nil)
	f.svc.On("MigrateLegacy", mock.Anything, "v2").Return("w7", nil)

	w := f.do("POST", "/api/vehicles/v1/release", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do("POST", "/api/vehicles/v2/migrate", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"vehicle_id":"v2","adopted_worker_id":"w7"}`, w.Body.String())
	f.svc.AssertExpectations(t)
}

func TestFleetHandler_StartTrip(t *testing.T) {
	t.Run("successful start", func(t *testing.T) {
		f := newAPIFixture()
		want := fleet.StartTripRequest{
			VehicleID: "v1", WorkerID: "w1", StartOdometer: 10000,
			Destination: "Zona Norte", Reason: models.ReasonWork, ConfirmAnomaly: true,
		}
		trip := &models.Trip{ID: "t1", VehicleID: "v1", WorkerID: "w1", StartOdometer: 10000, Status: models.TripInProgress}
		f.svc.On("StartTrip", mock.Anything, want).Return(trip, nil)

		w := f.do("POST", "/api/trips/start", `{"vehicle_id":"v1","worker_id":"w1","start_odometer":10000,"destination":"Zona Norte","reason":"trabajo","confirm_anomaly":true}`)
		assert.Equal(t, http.StatusCreated, w.Code)

		var got models.Trip
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
		assert.Equal(t, "t1", got.ID)
		assert.Equal(t, models.TripInProgress, got.Status)
	})

	t.Run("odometer regression", func(t *testing.T) {
		f := newAPIFixture()
		f.svc.On("StartTrip", mock.Anything, mock.AnythingOfType("fleet.StartTripRequest")).
			Return(nil, fmt.Errorf("%w: 9999 < 10000", fleet.ErrOdometerRegression))

		w := f.do("POST", "/api/trips/start", `{"vehicle_id":"v1","worker_id":"w1","start_odometer":9999,"reason":"trabajo"}`)
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		assert.Equal(t, "odometer_regression", decodeError(t, w).Error)
	})

	t.Run("missing ids", func(t *testing.T) {
		f := newAPIFixture()
		w := f.do("POST", "/api/trips/start", `{"start_odometer":1}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestFleetHandler_FinishTrip(t *testing.T) {
	t.Run("successful finish", func(t *testing.T) {
		f := newAPIFixture()
		f.svc.On("FinishTrip", mock.Anything, fleet.FinishTripRequest{VehicleID: "v1", EndOdometer: 12500}).
			Return(&fleet.TripSummary{TripID: "t1", Distance: 2500, DurationSeconds: 2700}, nil)

		w := f.do("POST", "/api/trips/finish", `{"vehicle_id":"v1","end_odometer":12500}`)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"trip_id":"t1","distance":2500,"duration_seconds":2700}`, w.Body.String())
	})

	t.Run("partial failure is surfaced", func(t *testing.T) {
		f := newAPIFixture()
		inconsistent := &fleet.InconsistencyError{Op: "finish_trip", VehicleID: "v1", WorkerID: "w1", TripID: "t1", Err: errors.New("timeout")}
		f.svc.On("FinishTrip", mock.Anything, mock.Anything).Return(&fleet.TripSummary{TripID: "t1", Distance: 10}, inconsistent)

		w := f.do("POST", "/api/trips/finish", `{"vehicle_id":"v1","end_odometer":12500}`)
		assert.Equal(t, http.StatusConflict, w.Code)
		resp := decodeError(t, w)
		assert.Equal(t, "inconsistent", resp.Error)
		assert.Equal(t, "t1", resp.TripID)
		assert.Contains(t, resp.Message, "worker w1 is stale")
	})

	t.Run("unchanged odometer", func(t *testing.T) {
		f := newAPIFixture()
		f.svc.On("FinishTrip", mock.Anything, mock.Anything).Return(nil, fleet.ErrOdometerUnchanged)
		w := f.do("POST", "/api/trips/finish", `{"vehicle_id":"v1","end_odometer":10000}`)
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		assert.Equal(t, "odometer_unchanged", decodeError(t, w).Error)
	})
}

func TestFleetHandler_Reconcile(t *testing.T) {
	f := newAPIFixture()
	f.svc.On("Reconcile", mock.Anything, "w1").Return(true, nil)
	f.svc.On("Reconcile", mock.Anything, "w2").Return(false, fleet.ErrUnreconcilable)

	w := f.do("POST", "/api/workers/w1/reconcile", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"worker_id":"w1","changed":true}`, w.Body.String())

	w = f.do("POST", "/api/workers/w2/reconcile", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "unreconcilable", decodeError(t, w).Error)
}

func TestFleetHandler_Presence(t *testing.T) {
	f := newAPIFixture()
	now := time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)
	f.h.now = func() time.Time { return now }
	ctx := context.Background()
	require.NoError(t, f.store.Set(ctx, db.WorkerPath("w1"), models.Worker{
		ID: "w1", Location: &models.Location{Lat: 1, Lng: 2, Timestamp: models.NewTimestamp(now.Add(-45 * time.Second))},
	}))
	require.NoError(t, f.store.Set(ctx, db.WorkerPath("w2"), models.Worker{
		ID: "w2", Location: &models.Location{Lat: 1, Lng: 2, Timestamp: models.NewTimestamp(now.Add(-3 * time.Minute))},
	}))
	require.NoError(t, f.store.Set(ctx, db.WorkerPath("w3"), models.Worker{ID: "w3"}))

	tests := []struct {
		worker string
		tier   string
		label  string
		live   bool
	}{
		{"w1", "recently_offline", "recently offline", true},
		{"w2", "offline_minutes", "offline 3 min", false},
		{"w3", "no_signal", "no signal", false},
	}
	for _, tt := range tests {
		w := f.do("GET", "/api/workers/"+tt.worker+"/presence", "")
		require.Equal(t, http.StatusOK, w.Code)
		var resp struct {
			Tier  string `json:"tier"`
			Label string `json:"label"`
			Live  bool   `json:"live"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, tt.tier, resp.Tier, tt.worker)
		assert.Equal(t, tt.label, resp.Label, tt.worker)
		assert.Equal(t, tt.live, resp.Live, tt.worker)
	}

	w := f.do("GET", "/api/workers/nobody/presence", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestFleetHandler_StatsAndHealth(t *testing.T) {
	f := newAPIFixture()
	f.stats.publish(models.FleetStats{Vehicles: models.VehicleStats{Total: 50, ActiveOrInUse: 10, Maintenance: 10}})

	w := f.do("GET", "/api/stats", "")
	assert.Equal(t, http.StatusOK, w.Code)
	var got models.FleetStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, 50, got.Vehicles.Total)

	w = f.do("GET", "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestStatsStream(t *testing.T) {
	stats := &fakeStats{}
	stats.publish(models.FleetStats{Vehicles: models.VehicleStats{Total: 1}})
	logger, _ := test.NewNullLogger()
	server := httptest.NewServer(NewStatsStream(stats, logger))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first models.FleetStats
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, 1, first.Vehicles.Total)

	stats.publish(models.FleetStats{Vehicles: models.VehicleStats{Total: 2}})
	var second models.FleetStats
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, 2, second.Vehicles.Total)
}
