package models

// VehicleStatus is the operational state of a fleet vehicle.
type VehicleStatus string

const (
	VehicleAvailable    VehicleStatus = "available"
	VehicleInUse        VehicleStatus = "in_use"
	VehicleMaintenance  VehicleStatus = "maintenance"
	VehicleOutOfService VehicleStatus = "out_of_service"
)

// Vehicle represents a fleet vehicle.
type Vehicle struct {
	ID               string        `bson:"id" json:"id"`
	Name             string        `bson:"name" json:"name"`
	Plate            string        `bson:"plate" json:"plate"`
	Status           VehicleStatus `bson:"status" json:"status"`
	Odometer         int           `bson:"odometer" json:"odometer"` // in kilometers
	AssignedWorkerID string        `bson:"assignedWorkerId" json:"assignedWorkerId,omitempty"`
	ActiveTrip       *Trip         `bson:"activeTrip" json:"activeTrip,omitempty"`
	Location         *Location     `bson:"location" json:"location,omitempty"`
	LastTrip         *TripRecord   `bson:"lastTrip,omitempty" json:"lastTrip,omitempty"`

	// Legacy assignment fields, read only by the migration and cleared on release.
	AsignadoA          string `bson:"asignadoA,omitempty" json:"-"`
	OperadorAsignado   string `bson:"operadorAsignado,omitempty" json:"-"`
	TrabajadorAsignado string `bson:"trabajadorAsignado,omitempty" json:"-"`
}

// LegacyAssignees returns the distinct worker ids named by legacy assignment fields.
func (v Vehicle) LegacyAssignees() []string {
	var out []string
	seen := map[string]bool{}
	for _, id := range []string{v.AsignadoA, v.OperadorAsignado, v.TrabajadorAsignado} {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// Accepts reports whether the vehicle can be handed to a worker.
func (s VehicleStatus) Accepts() bool {
	return s != VehicleMaintenance && s != VehicleOutOfService
}
