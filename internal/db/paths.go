package db

// Collection paths of the fleet records.
const (
	VehiclesPath = "vehicles"
	WorkersPath  = "workers"
	ZonesPath    = "zones"
	TripsPath    = "trips"
)

// VehiclePath returns the record path of a vehicle.
func VehiclePath(id string) string { return Join(VehiclesPath, id) }

// WorkerPath returns the record path of a worker.
func WorkerPath(id string) string { return Join(WorkersPath, id) }

// ZonePath returns the record path of a zone.
func ZonePath(id string) string { return Join(ZonesPath, id) }

// TripPath returns the record path of an archived trip.
func TripPath(id string) string { return Join(TripsPath, id) }
