package models

// TripStatus is the lifecycle state of a trip.
type TripStatus string

const (
	TripInProgress TripStatus = "en_curso"
	TripFinished   TripStatus = "finalizado"
)

// TripReason classifies why a vehicle left the yard.
type TripReason string

const (
	ReasonWork        TripReason = "trabajo"
	ReasonInspection  TripReason = "inspeccion"
	ReasonEmergency   TripReason = "emergencia"
	ReasonMaintenance TripReason = "mantenimiento"
	ReasonTransfer    TripReason = "traslado"
	ReasonOther       TripReason = "otro"
)

// Valid reports whether r is one of the known reasons.
func (r TripReason) Valid() bool {
	switch r {
	case ReasonWork, ReasonInspection, ReasonEmergency, ReasonMaintenance, ReasonTransfer, ReasonOther:
		return true
	default:
		return false
	}
}

// Trip represents a vehicle trip under a worker's control. StartOdometer never
// changes after creation.
type Trip struct {
	ID            string     `bson:"id" json:"id"`
	VehicleID     string     `bson:"vehicleId" json:"vehicleId"`
	WorkerID      string     `bson:"workerId" json:"workerId"`
	StartOdometer int        `bson:"startOdometer" json:"startOdometer"` // in kilometers
	EndOdometer   *int       `bson:"endOdometer" json:"endOdometer"`
	Destination   string     `bson:"destination" json:"destination"`
	StartedAt     Timestamp  `bson:"startTimestamp" json:"startTimestamp"`
	EndedAt       Timestamp  `bson:"endTimestamp" json:"endTimestamp"`
	Reason        TripReason `bson:"reason" json:"reason"`
	Notes         string     `bson:"notes" json:"notes"`
	Status        TripStatus `bson:"status" json:"status"`
}

// TripRecord is the archival copy of a finished trip kept on the vehicle, the
// worker and under trips/{id}.
type TripRecord struct {
	Trip            `bson:",inline"`
	Distance        int    `bson:"distance" json:"distance"` // in kilometers
	DurationSeconds int64  `bson:"durationSeconds" json:"durationSeconds"`
	VehicleUsed     string `bson:"vehicleUsed,omitempty" json:"vehicleUsed,omitempty"`
}
