package models

// VehicleStats counts vehicles by operational state.
type VehicleStats struct {
	Total         int `json:"total"`
	ActiveOrInUse int `json:"activeOrInUse"`
	Maintenance   int `json:"maintenance"`
}

// ZoneStats counts zones by work state.
type ZoneStats struct {
	Total     int `json:"total"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
}

// WorkerStats counts workers by field state and live GPS signal.
type WorkerStats struct {
	Total     int `json:"total"`
	EnRoute   int `json:"enRoute"`
	Working   int `json:"working"`
	GPSActive int `json:"gpsActive"`
}

// FleetStats is the live dashboard summary shown on the dispatch map.
type FleetStats struct {
	Vehicles   VehicleStats `json:"vehicles"`
	Zones      ZoneStats    `json:"zones"`
	Workers    WorkerStats  `json:"workers"`
	ComputedAt Timestamp    `json:"computedAt"`
}
