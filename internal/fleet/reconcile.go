package fleet

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/ukydev/fleet-dispatch/internal/db"
	"github.com/ukydev/fleet-dispatch/internal/models"
)

// Reconcile rolls a worker forward after a partial start or finish left it
// behind its vehicle. The vehicle is the source of truth and is never written.
// It reports whether the worker record was changed.
//
// An interrupted Assign is repaired by repeating the Assign.
func (s *Service) Reconcile(ctx context.Context, workerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, err := s.loadWorker(ctx, workerID)
	if err != nil {
		return false, err
	}
	logger := s.log.WithField("worker_id", workerID)

	if w.ActiveTrip != nil {
		return s.reconcileFinish(ctx, w, logger)
	}
	if w.VehicleID == "" {
		return false, nil
	}

	v, err := s.loadVehicle(ctx, w.VehicleID)
	if errors.Is(err, db.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if v.ActiveTrip == nil || v.ActiveTrip.WorkerID != workerID {
		return false, nil
	}
	if err := s.merge(ctx, db.WorkerPath(workerID), workerStartFields(*v.ActiveTrip)); err != nil {
		return false, err
	}
	logger.WithFields(log.Fields{"vehicle_id": v.ID, "trip_id": v.ActiveTrip.ID}).Warn("Reconciled worker with started trip")
	return true, nil
}

// reconcileFinish handles a worker that still carries an active trip. If the
// vehicle has moved past that trip, the finished record is taken from the
// vehicle's lastTrip or from the trip archive.
func (s *Service) reconcileFinish(ctx context.Context, w *models.Worker, logger log.FieldLogger) (bool, error) {
	trip := w.ActiveTrip
	logger = logger.WithFields(log.Fields{"vehicle_id": trip.VehicleID, "trip_id": trip.ID})

	v, err := s.loadVehicle(ctx, trip.VehicleID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return false, err
	}
	if v != nil && v.ActiveTrip != nil && v.ActiveTrip.ID == trip.ID {
		return false, nil
	}

	var record *models.TripRecord
	if v != nil && v.LastTrip != nil && v.LastTrip.ID == trip.ID {
		record = v.LastTrip
	} else {
		var archived models.TripRecord
		err := s.read(ctx, db.TripPath(trip.ID), &archived)
		switch {
		case err == nil:
			record = &archived
		case errors.Is(err, db.ErrNotFound):
			logger.Error("Worker trip is neither active nor archived")
			return false, ErrUnreconcilable
		default:
			return false, err
		}
	}

	if err := s.merge(ctx, db.WorkerPath(w.ID), workerFinishFields(w, trip.VehicleID, *record)); err != nil {
		return false, err
	}
	logger.Warn("Reconciled worker with finished trip")
	return true, nil
}
