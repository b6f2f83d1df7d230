package models

// WorkerStatus is the field state of a worker.
type WorkerStatus string

const (
	WorkerAvailable WorkerStatus = "available"
	WorkerEnRoute   WorkerStatus = "en_route"
	WorkerWorking   WorkerStatus = "working"
)

// Worker represents a field worker. ActiveTrip is a value copy of the vehicle's
// active trip, kept so the worker record can be read on its own.
type Worker struct {
	ID         string       `bson:"id" json:"id"`
	Name       string       `bson:"name" json:"name"`
	Phone      string       `bson:"phone,omitempty" json:"phone,omitempty"`
	Status     WorkerStatus `bson:"status" json:"status"`
	VehicleID  string       `bson:"vehicleId" json:"vehicleId,omitempty"`
	ActiveTrip *Trip        `bson:"activeTrip" json:"activeTrip,omitempty"`
	Location   *Location    `bson:"location" json:"location,omitempty"`
	LastTrip   *TripRecord  `bson:"lastTrip,omitempty" json:"lastTrip,omitempty"`
}
