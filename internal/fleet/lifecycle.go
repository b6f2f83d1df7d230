package fleet

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/ukydev/fleet-dispatch/internal/db"
	"github.com/ukydev/fleet-dispatch/internal/models"
)

// StartTripRequest carries the operator input for starting a trip.
type StartTripRequest struct {
	VehicleID     string            `json:"vehicle_id"`
	WorkerID      string            `json:"worker_id"`
	StartOdometer int               `json:"start_odometer"`
	Destination   string            `json:"destination"`
	Reason        models.TripReason `json:"reason"`
	Notes         string            `json:"notes"`
	// ConfirmAnomaly acknowledges a start odometer far above the vehicle's.
	ConfirmAnomaly bool `json:"confirm_anomaly"`
}

// FinishTripRequest carries the operator input for finishing a trip.
type FinishTripRequest struct {
	VehicleID   string `json:"vehicle_id"`
	EndOdometer int    `json:"end_odometer"`
	// ConfirmJump acknowledges a trip distance above the jump threshold.
	ConfirmJump bool `json:"confirm_jump"`
}

// TripSummary is returned by a successful FinishTrip.
type TripSummary struct {
	TripID          string `json:"trip_id"`
	Distance        int    `json:"distance"`
	DurationSeconds int64  `json:"duration_seconds"`
}

// StartTrip moves an assigned vehicle and its worker to EnRoute. The same Trip
// value is written to the vehicle and then to the worker.
//
// If the worker write cannot be confirmed, the returned trip is valid and the
// error is an *InconsistencyError.
func (s *Service) StartTrip(ctx context.Context, req StartTripRequest) (*models.Trip, error) {
	if !req.Reason.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidReason, req.Reason)
	}
	if req.StartOdometer < 0 {
		return nil, fmt.Errorf("%w: %d", ErrNegativeOdometer, req.StartOdometer)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.loadVehicle(ctx, req.VehicleID)
	if err != nil {
		return nil, err
	}
	w, err := s.loadWorker(ctx, req.WorkerID)
	if err != nil {
		return nil, err
	}

	if !isAssigned(v, req.WorkerID) {
		return nil, ErrNotAssigned
	}
	if v.ActiveTrip != nil || w.ActiveTrip != nil {
		return nil, ErrTripInProgress
	}
	if !v.Status.Accepts() {
		return nil, ErrVehicleUnavailable
	}
	if req.StartOdometer < v.Odometer {
		return nil, fmt.Errorf("%w: %d < %d", ErrOdometerRegression, req.StartOdometer, v.Odometer)
	}
	if req.StartOdometer > v.Odometer+s.policy.StartAnomalyKm && !req.ConfirmAnomaly {
		return nil, fmt.Errorf("%w: %d km above %d", ErrOdometerAnomalyUnconfirmed, req.StartOdometer-v.Odometer, v.Odometer)
	}

	trip := models.Trip{
		ID:            s.newID(),
		VehicleID:     req.VehicleID,
		WorkerID:      req.WorkerID,
		StartOdometer: req.StartOdometer,
		Destination:   req.Destination,
		StartedAt:     models.NewTimestamp(s.now()),
		Reason:        req.Reason,
		Notes:         req.Notes,
		Status:        models.TripInProgress,
	}
	logger := s.log.WithFields(log.Fields{"vehicle_id": trip.VehicleID, "worker_id": trip.WorkerID, "trip_id": trip.ID})

	if err := s.merge(ctx, db.VehiclePath(trip.VehicleID), bson.M{
		"status":     models.VehicleInUse,
		"odometer":   trip.StartOdometer,
		"activeTrip": trip,
	}); err != nil {
		return nil, err
	}
	if err := s.merge(ctx, db.WorkerPath(trip.WorkerID), workerStartFields(trip)); err != nil {
		logger.WithError(err).Error("Trip started on vehicle but worker not updated")
		return &trip, &InconsistencyError{Op: "start_trip", VehicleID: trip.VehicleID, WorkerID: trip.WorkerID, TripID: trip.ID, Err: err}
	}
	if req.ConfirmAnomaly && req.StartOdometer > v.Odometer+s.policy.StartAnomalyKm {
		logger.WithField("previous_odometer", v.Odometer).Warn("Trip started with confirmed odometer anomaly")
	}
	logger.Info("Trip started")
	return &trip, nil
}

// FinishTrip archives the vehicle's active trip and returns both vehicle and
// worker to Idle. Finishing also releases the vehicle.
//
// If the worker write cannot be confirmed, the returned summary is valid and
// the error is an *InconsistencyError.
func (s *Service) FinishTrip(ctx context.Context, req FinishTripRequest) (*TripSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.loadVehicle(ctx, req.VehicleID)
	if err != nil {
		return nil, err
	}
	if v.ActiveTrip == nil {
		return nil, ErrNoActiveTrip
	}
	trip := *v.ActiveTrip
	if trip.VehicleID == "" {
		trip.VehicleID = v.ID
	}

	// Readings are compared before subtracting so the distance cannot wrap.
	switch {
	case req.EndOdometer < 0 || trip.StartOdometer < 0:
		return nil, fmt.Errorf("%w: %d", ErrNegativeOdometer, req.EndOdometer)
	case req.EndOdometer < trip.StartOdometer:
		return nil, fmt.Errorf("%w: %d < %d", ErrOdometerNotAdvanced, req.EndOdometer, trip.StartOdometer)
	case req.EndOdometer == trip.StartOdometer:
		return nil, ErrOdometerUnchanged
	case req.EndOdometer-trip.StartOdometer > s.policy.FinishJumpKm && !req.ConfirmJump:
		return nil, fmt.Errorf("%w: %d km", ErrOdometerJumpUnconfirmed, req.EndOdometer-trip.StartOdometer)
	}

	record := finishRecord(trip, req.EndOdometer, s.now(), vehicleLabel(v))
	logger := s.log.WithFields(log.Fields{"vehicle_id": v.ID, "worker_id": trip.WorkerID, "trip_id": trip.ID})

	vehicleFields := bson.M{
		"status":           models.VehicleAvailable,
		"odometer":         req.EndOdometer,
		"assignedWorkerId": nil,
		"activeTrip":       nil,
		"lastTrip":         record,
	}
	for _, f := range legacyFields {
		vehicleFields[f] = nil
	}
	if err := s.merge(ctx, db.VehiclePath(v.ID), vehicleFields); err != nil {
		return nil, err
	}

	summary := &TripSummary{TripID: trip.ID, Distance: record.Distance, DurationSeconds: record.DurationSeconds}
	workerErr := s.finishWorker(ctx, trip.WorkerID, v.ID, record)

	// The archive is written even when the worker is stale; Reconcile reads it.
	if err := s.set(ctx, db.TripPath(trip.ID), record); err != nil {
		logger.WithError(err).Error("Failed to archive finished trip")
	}
	if workerErr != nil {
		logger.WithError(workerErr).Error("Trip finished on vehicle but worker not updated")
		return summary, &InconsistencyError{Op: "finish_trip", VehicleID: v.ID, WorkerID: trip.WorkerID, TripID: trip.ID, Err: workerErr}
	}
	logger.WithFields(log.Fields{"distance": record.Distance, "duration_seconds": record.DurationSeconds}).Info("Trip finished")
	return summary, nil
}

// finishWorker applies the worker side of a finished trip. A worker record
// that no longer exists is skipped.
func (s *Service) finishWorker(ctx context.Context, workerID, vehicleID string, record models.TripRecord) error {
	if workerID == "" {
		return nil
	}
	w, err := s.loadWorker(ctx, workerID)
	if errors.Is(err, db.ErrNotFound) {
		s.log.WithFields(log.Fields{"worker_id": workerID, "trip_id": record.ID}).Warn("Worker of finished trip not found")
		return nil
	}
	if err != nil {
		return err
	}
	return s.merge(ctx, db.WorkerPath(workerID), workerFinishFields(w, vehicleID, record))
}

func workerStartFields(trip models.Trip) bson.M {
	return bson.M{
		"status":     models.WorkerEnRoute,
		"activeTrip": trip,
	}
}

// workerFinishFields archives record on the worker. The active trip, status and
// vehicle back-reference are only cleared while they still belong to this trip.
func workerFinishFields(w *models.Worker, vehicleID string, record models.TripRecord) bson.M {
	fields := bson.M{"lastTrip": record}
	if w.ActiveTrip == nil || w.ActiveTrip.ID == record.ID {
		fields["status"] = models.WorkerAvailable
		fields["activeTrip"] = nil
	}
	if w.VehicleID == vehicleID {
		fields["vehicleId"] = nil
	}
	return fields
}

func finishRecord(trip models.Trip, endOdometer int, now time.Time, vehicleUsed string) models.TripRecord {
	end := endOdometer
	trip.EndOdometer = &end
	trip.EndedAt = models.NewTimestamp(now)
	trip.Status = models.TripFinished

	var duration int64
	if !trip.StartedAt.IsZero() {
		duration = int64(trip.EndedAt.Sub(trip.StartedAt.Time) / time.Second)
		if duration < 0 {
			duration = 0
		}
	}
	return models.TripRecord{
		Trip:            trip,
		Distance:        endOdometer - trip.StartOdometer,
		DurationSeconds: duration,
		VehicleUsed:     vehicleUsed,
	}
}

func vehicleLabel(v *models.Vehicle) string {
	switch {
	case v.Name != "" && v.Plate != "":
		return v.Name + " (" + v.Plate + ")"
	case v.Name != "":
		return v.Name
	case v.Plate != "":
		return v.Plate
	default:
		return v.ID
	}
}
