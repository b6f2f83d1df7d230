package models

// ZoneStatus is the work state of a service zone.
type ZoneStatus string

const (
	ZonePending    ZoneStatus = "pendiente"
	ZoneInProgress ZoneStatus = "en_progreso"
	ZoneCompleted  ZoneStatus = "completado"
)

// Zone is a service area assigned to a worker. The dispatch engine only reads zones.
type Zone struct {
	ID               string     `bson:"id" json:"id"`
	Name             string     `bson:"name" json:"name"`
	AssignedWorkerID string     `bson:"assignedWorkerId" json:"assignedWorkerId,omitempty"`
	Status           ZoneStatus `bson:"status" json:"status"`
	Priority         string     `bson:"priority" json:"priority"` // "baja", "media", "alta"
}
