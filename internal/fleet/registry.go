package fleet

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/ukydev/fleet-dispatch/internal/db"
	"github.com/ukydev/fleet-dispatch/internal/models"
)

// legacyFields lists the historical vehicle fields that once encoded an
// assignment. They are never read as a source of truth.
var legacyFields = []string{"asignadoA", "operadorAsignado", "trabajadorAsignado"}

// Assign pairs a vehicle with a worker. Assigning the same pair again succeeds
// and rewrites the same values.
func (s *Service) Assign(ctx context.Context, vehicleID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.assign(ctx, vehicleID, workerID)
}

func (s *Service) assign(ctx context.Context, vehicleID, workerID string) error {
	v, err := s.loadVehicle(ctx, vehicleID)
	if err != nil {
		return err
	}
	w, err := s.loadWorker(ctx, workerID)
	if err != nil {
		return err
	}
	logger := s.log.WithFields(log.Fields{"vehicle_id": vehicleID, "worker_id": workerID})

	if v.AssignedWorkerID != "" && v.AssignedWorkerID != workerID {
		return ErrVehicleAlreadyAssigned
	}
	if !v.Status.Accepts() {
		return ErrVehicleUnavailable
	}
	if w.VehicleID != "" && w.VehicleID != vehicleID {
		held, err := s.loadVehicle(ctx, w.VehicleID)
		switch {
		case err == nil && held.AssignedWorkerID == workerID:
			return ErrWorkerAlreadyAssigned
		case err != nil && !errors.Is(err, db.ErrNotFound):
			return err
		}
		logger.WithField("stale_vehicle_id", w.VehicleID).Warn("Overwriting stale worker back-reference")
	}

	if err := s.merge(ctx, db.VehiclePath(vehicleID), bson.M{"assignedWorkerId": workerID}); err != nil {
		return err
	}
	if err := s.merge(ctx, db.WorkerPath(workerID), bson.M{"vehicleId": vehicleID}); err != nil {
		logger.WithError(err).Error("Vehicle assigned but worker back-reference not written")
		return &InconsistencyError{Op: "assign", VehicleID: vehicleID, WorkerID: workerID, Err: err}
	}
	logger.Info("Vehicle assigned")
	return nil
}

// Release returns a vehicle to the pool. It clears the canonical assignment,
// every legacy assignment field, and the back-reference of any worker that
// still points at the vehicle. Releasing an unassigned vehicle succeeds.
func (s *Service) Release(ctx context.Context, vehicleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.loadVehicle(ctx, vehicleID)
	if err != nil {
		return err
	}
	if v.ActiveTrip != nil {
		return ErrTripInProgress
	}

	holders := v.LegacyAssignees()
	if v.AssignedWorkerID != "" {
		holders = append([]string{v.AssignedWorkerID}, holders...)
	}

	fields := bson.M{"assignedWorkerId": nil}
	for _, f := range legacyFields {
		fields[f] = nil
	}
	if err := s.merge(ctx, db.VehiclePath(vehicleID), fields); err != nil {
		return err
	}

	seen := map[string]bool{}
	for _, workerID := range holders {
		if seen[workerID] {
			continue
		}
		seen[workerID] = true
		if err := s.clearBackReference(ctx, vehicleID, workerID); err != nil {
			return err
		}
	}
	s.log.WithFields(log.Fields{"vehicle_id": vehicleID, "workers": len(seen)}).Info("Vehicle released")
	return nil
}

// clearBackReference removes the worker's vehicle reference if it still names
// vehicleID. A worker that has since moved to another vehicle is left alone.
func (s *Service) clearBackReference(ctx context.Context, vehicleID, workerID string) error {
	w, err := s.loadWorker(ctx, workerID)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		return &InconsistencyError{Op: "release", VehicleID: vehicleID, WorkerID: workerID, Err: err}
	}
	if w.VehicleID != vehicleID {
		return nil
	}
	if err := s.merge(ctx, db.WorkerPath(workerID), bson.M{"vehicleId": nil}); err != nil {
		s.log.WithError(err).WithFields(log.Fields{"vehicle_id": vehicleID, "worker_id": workerID}).
			Error("Vehicle released but worker back-reference not cleared")
		return &InconsistencyError{Op: "release", VehicleID: vehicleID, WorkerID: workerID, Err: err}
	}
	return nil
}

// MigrateLegacy consumes the legacy assignment fields of a vehicle. When the
// vehicle has no canonical assignment, the first legacy worker is assigned
// through the normal exclusivity checks. The legacy fields are cleared either
// way. It returns the adopted worker id, or "" if none was adopted.
func (s *Service) MigrateLegacy(ctx context.Context, vehicleID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.loadVehicle(ctx, vehicleID)
	if err != nil {
		return "", err
	}
	legacy := v.LegacyAssignees()
	if len(legacy) == 0 {
		return "", nil
	}
	logger := s.log.WithFields(log.Fields{"vehicle_id": vehicleID, "legacy_workers": legacy})

	adopted := ""
	if v.AssignedWorkerID == "" {
		if len(legacy) > 1 {
			logger.Warn("Legacy fields name several workers, adopting the first")
		}
		err := s.assign(ctx, vehicleID, legacy[0])
		switch {
		case err == nil:
			adopted = legacy[0]
		case errors.Is(err, ErrAssignment), errors.Is(err, db.ErrNotFound):
			logger.WithError(err).Warn("Legacy assignment not adoptable")
		default:
			return "", err
		}
	}

	fields := bson.M{}
	for _, f := range legacyFields {
		fields[f] = nil
	}
	if err := s.merge(ctx, db.VehiclePath(vehicleID), fields); err != nil {
		return adopted, err
	}
	logger.WithField("adopted", adopted).Info("Legacy assignment migrated")
	return adopted, nil
}

// WorkerFor returns the worker assigned to a vehicle, or "" if none. Only the
// canonical fields are consulted, and both sides must agree.
func (s *Service) WorkerFor(ctx context.Context, vehicleID string) (string, error) {
	v, err := s.loadVehicle(ctx, vehicleID)
	if err != nil {
		return "", err
	}
	if v.AssignedWorkerID == "" {
		return "", nil
	}
	w, err := s.loadWorker(ctx, v.AssignedWorkerID)
	if err != nil {
		return "", err
	}
	if w.VehicleID != vehicleID {
		return "", ErrAssignmentMismatch
	}
	return w.ID, nil
}

// VehicleFor returns the vehicle held by a worker, or "" if none.
func (s *Service) VehicleFor(ctx context.Context, workerID string) (string, error) {
	w, err := s.loadWorker(ctx, workerID)
	if err != nil {
		return "", err
	}
	if w.VehicleID == "" {
		return "", nil
	}
	v, err := s.loadVehicle(ctx, w.VehicleID)
	if err != nil {
		return "", err
	}
	if v.AssignedWorkerID != workerID {
		return "", ErrAssignmentMismatch
	}
	return v.ID, nil
}

// isAssigned reports whether v is held by workerID through the canonical field.
func isAssigned(v *models.Vehicle, workerID string) bool {
	return workerID != "" && v.AssignedWorkerID == workerID
}
