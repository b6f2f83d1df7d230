package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ukydev/fleet-dispatch/internal/db"
	"github.com/ukydev/fleet-dispatch/internal/fleet"
	"github.com/ukydev/fleet-dispatch/internal/models"
	"github.com/ukydev/fleet-dispatch/internal/presence"
)

// FleetService is the part of fleet.Service the API calls.
type FleetService interface {
	Assign(ctx context.Context, vehicleID, workerID string) error
	Release(ctx context.Context, vehicleID string) error
	MigrateLegacy(ctx context.Context, vehicleID string) (string, error)
	StartTrip(ctx context.Context, req fleet.StartTripRequest) (*models.Trip, error)
	FinishTrip(ctx context.Context, req fleet.FinishTripRequest) (*fleet.TripSummary, error)
	Reconcile(ctx context.Context, workerID string) (bool, error)
}

// StatsSource publishes fleet statistics.
type StatsSource interface {
	Latest() models.FleetStats
	OnChange(fn func(models.FleetStats)) func()
}

// FleetHandler serves the dispatch API.
type FleetHandler struct {
	fleet FleetService
	stats StatsSource
	store db.Store
	log   log.FieldLogger
	now   func() time.Time
}

// NewFleetHandler creates a new dispatch API handler
func NewFleetHandler(svc FleetService, stats StatsSource, store db.Store, logger log.FieldLogger) *FleetHandler {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &FleetHandler{fleet: svc, stats: stats, store: store, log: logger, now: time.Now}
}

// Register mounts the routes on mux.
func (h *FleetHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/vehicles/{id}/assign", h.Assign)
	mux.HandleFunc("POST /api/vehicles/{id}/release", h.Release)
	mux.HandleFunc("POST /api/vehicles/{id}/migrate", h.Migrate)
	mux.HandleFunc("POST /api/trips/start", h.StartTrip)
	mux.HandleFunc("POST /api/trips/finish", h.FinishTrip)
	mux.HandleFunc("POST /api/workers/{id}/reconcile", h.Reconcile)
	mux.HandleFunc("GET /api/workers/{id}/presence", h.Presence)
	mux.HandleFunc("GET /api/stats", h.Stats)
	mux.HandleFunc("GET /health", h.Health)
}

// Assign handles POST /api/vehicles/{id}/assign
func (h *FleetHandler) Assign(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkerID string `json:"worker_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "worker_id is required")
		return
	}

	vehicleID := r.PathValue("id")
	if err := h.fleet.Assign(r.Context(), vehicleID, req.WorkerID); err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"vehicle_id": vehicleID, "worker_id": req.WorkerID})
}

// Release handles POST /api/vehicles/{id}/release
func (h *FleetHandler) Release(w http.ResponseWriter, r *http.Request) {
	vehicleID := r.PathValue("id")
	if err := h.fleet.Release(r.Context(), vehicleID); err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"vehicle_id": vehicleID})
}

// Migrate handles POST /api/vehicles/{id}/migrate
func (h *FleetHandler) Migrate(w http.ResponseWriter, r *http.Request) {
	vehicleID := r.PathValue("id")
	adopted, err := h.fleet.MigrateLegacy(r.Context(), vehicleID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"vehicle_id": vehicleID, "adopted_worker_id": adopted})
}

// StartTrip handles POST /api/trips/start
func (h *FleetHandler) StartTrip(w http.ResponseWriter, r *http.Request) {
	var req fleet.StartTripRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.VehicleID == "" || req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "vehicle_id and worker_id are required")
		return
	}

	trip, err := h.fleet.StartTrip(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, trip)
}

// FinishTrip handles POST /api/trips/finish
func (h *FleetHandler) FinishTrip(w http.ResponseWriter, r *http.Request) {
	var req fleet.FinishTripRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.VehicleID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "vehicle_id is required")
		return
	}

	summary, err := h.fleet.FinishTrip(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// Reconcile handles POST /api/workers/{id}/reconcile
func (h *FleetHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	workerID := r.PathValue("id")
	changed, err := h.fleet.Reconcile(r.Context(), workerID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"worker_id": workerID, "changed": changed})
}

// Presence handles GET /api/workers/{id}/presence
func (h *FleetHandler) Presence(w http.ResponseWriter, r *http.Request) {
	workerID := r.PathValue("id")
	var worker models.Worker
	if err := h.store.Get(r.Context(), db.WorkerPath(workerID), &worker); err != nil {
		h.writeServiceError(w, err)
		return
	}

	var lastSeen models.Timestamp
	if worker.Location != nil {
		lastSeen = worker.Location.Timestamp
	}
	now := h.now()
	status := presence.Classify(lastSeen.Time, now)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"worker_id": workerID,
		"tier":      status.Tier,
		"minutes":   status.Minutes,
		"label":     status.Label(),
		"last_seen": lastSeen,
		"live":      presence.IsLive(lastSeen.Time, now),
	})
}

// Stats handles GET /api/stats
func (h *FleetHandler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.stats.Latest())
}

// Health handles GET /health
func (h *FleetHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	TripID  string `json:"trip_id,omitempty"`
}

type errorMapping struct {
	target error
	status int
	code   string
}

// serviceErrors is matched in order; the first hit wins.
var serviceErrors = []errorMapping{
	{fleet.ErrVehicleAlreadyAssigned, http.StatusConflict, "vehicle_already_assigned"},
	{fleet.ErrWorkerAlreadyAssigned, http.StatusConflict, "worker_already_assigned"},
	{fleet.ErrAssignmentMismatch, http.StatusConflict, "assignment_mismatch"},
	{fleet.ErrNotAssigned, http.StatusConflict, "not_assigned"},
	{fleet.ErrNoActiveTrip, http.StatusConflict, "no_active_trip"},
	{fleet.ErrTripInProgress, http.StatusConflict, "trip_in_progress"},
	{fleet.ErrVehicleUnavailable, http.StatusConflict, "vehicle_unavailable"},
	{fleet.ErrUnreconcilable, http.StatusConflict, "unreconcilable"},
	{fleet.ErrOdometerRegression, http.StatusUnprocessableEntity, "odometer_regression"},
	{fleet.ErrOdometerAnomalyUnconfirmed, http.StatusUnprocessableEntity, "odometer_anomaly_unconfirmed"},
	{fleet.ErrOdometerNotAdvanced, http.StatusUnprocessableEntity, "odometer_not_advanced"},
	{fleet.ErrOdometerUnchanged, http.StatusUnprocessableEntity, "odometer_unchanged"},
	{fleet.ErrOdometerJumpUnconfirmed, http.StatusUnprocessableEntity, "odometer_jump_unconfirmed"},
	{fleet.ErrInvalidReason, http.StatusUnprocessableEntity, "invalid_reason"},
	{fleet.ErrNegativeOdometer, http.StatusUnprocessableEntity, "negative_odometer"},
	{fleet.ErrVehicleNotFound, http.StatusNotFound, "vehicle_not_found"},
	{fleet.ErrWorkerNotFound, http.StatusNotFound, "worker_not_found"},
	{db.ErrNotFound, http.StatusNotFound, "not_found"},
	{db.ErrInvalidPath, http.StatusBadRequest, "invalid_id"},
	{db.ErrIndeterminate, http.StatusServiceUnavailable, "indeterminate"},
	{db.ErrUnavailable, http.StatusServiceUnavailable, "unavailable"},
}

func (h *FleetHandler) writeServiceError(w http.ResponseWriter, err error) {
	var inconsistent *fleet.InconsistencyError
	if errors.As(err, &inconsistent) {
		h.log.WithError(err).WithFields(log.Fields{
			"vehicle_id": inconsistent.VehicleID,
			"worker_id":  inconsistent.WorkerID,
		}).Error("Operation left vehicle and worker inconsistent")
		writeJSON(w, http.StatusConflict, errorResponse{Error: "inconsistent", Message: err.Error(), TripID: inconsistent.TripID})
		return
	}
	for _, m := range serviceErrors {
		if errors.Is(err, m.target) {
			writeError(w, m.status, m.code, err.Error())
			return
		}
	}
	h.log.WithError(err).Error("Unhandled service error")
	writeError(w, http.StatusInternalServerError, "internal", "internal server error")
}

// decodeBody reads a JSON body into v. It writes the 400 itself and reports
// whether the caller may continue.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request_too_large", "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid_request", "failed to read request body")
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}
