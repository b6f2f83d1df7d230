package fleet

import (
	"errors"
	"fmt"

	"github.com/ukydev/fleet-dispatch/internal/db"
)

var (
	// ErrAssignment groups every assignment rejection.
	ErrAssignment = errors.New("assignment rejected")
	// ErrTrip groups every trip rejection.
	ErrTrip = errors.New("trip rejected")
)

var (
	ErrVehicleAlreadyAssigned = rejection("vehicle already assigned to another worker", ErrAssignment)
	ErrWorkerAlreadyAssigned  = rejection("worker already holds another vehicle", ErrAssignment)
	ErrAssignmentMismatch     = rejection("vehicle and worker disagree on assignment", ErrAssignment)

	ErrNotAssigned                = rejection("vehicle is not assigned to this worker", ErrTrip)
	ErrOdometerRegression         = rejection("start odometer is below the vehicle odometer", ErrTrip)
	ErrOdometerAnomalyUnconfirmed = rejection("start odometer far above the vehicle odometer needs confirmation", ErrTrip)
	ErrNoActiveTrip               = rejection("vehicle has no active trip", ErrTrip)
	ErrOdometerNotAdvanced        = rejection("end odometer is below the start odometer", ErrTrip)
	ErrOdometerUnchanged          = rejection("end odometer equals the start odometer", ErrTrip)
	ErrOdometerJumpUnconfirmed    = rejection("trip distance above the jump threshold needs confirmation", ErrTrip)
	ErrInvalidReason              = rejection("unknown trip reason", ErrTrip)
	ErrNegativeOdometer           = rejection("odometer readings cannot be negative", ErrTrip)
	ErrUnreconcilable             = rejection("worker trip does not match the vehicle and cannot be repaired automatically", ErrTrip)

	ErrTripInProgress     = rejection("a trip is in progress", ErrAssignment, ErrTrip)
	ErrVehicleUnavailable = rejection("vehicle is in maintenance or out of service", ErrAssignment, ErrTrip)

	ErrVehicleNotFound = rejection("vehicle not found", db.ErrNotFound)
	ErrWorkerNotFound  = rejection("worker not found", db.ErrNotFound)
)

// rejectionError is a sentinel that also matches the groups it belongs to.
type rejectionError struct {
	msg   string
	kinds []error
}

func rejection(msg string, kinds ...error) error {
	return &rejectionError{msg: msg, kinds: kinds}
}

func (e *rejectionError) Error() string   { return e.msg }
func (e *rejectionError) Unwrap() []error { return e.kinds }

// InconsistencyError reports that the vehicle side of an operation was written
// but the worker side could not be confirmed after retries. The vehicle is not
// rolled back; the operator repairs the worker with Reconcile.
type InconsistencyError struct {
	Op        string
	VehicleID string
	WorkerID  string
	TripID    string
	Err       error
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("%s: vehicle %s updated but worker %s is stale: %v", e.Op, e.VehicleID, e.WorkerID, e.Err)
}

// Unwrap exposes both the indeterminate marker and the underlying cause.
func (e *InconsistencyError) Unwrap() []error {
	return []error{db.ErrIndeterminate, e.Err}
}
