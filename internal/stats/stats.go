// Package stats derives the live fleet counters shown on the dispatch map from
// full snapshots of the vehicle, zone and worker collections.
package stats

import (
	"time"

	"github.com/ukydev/fleet-dispatch/internal/models"
	"github.com/ukydev/fleet-dispatch/internal/presence"
)

// ComputeStats counts vehicles, zones and workers. It is a pure function of its
// inputs; now is only used to judge GPS freshness.
func ComputeStats(vehicles []models.Vehicle, zones []models.Zone, workers []models.Worker, now time.Time) models.FleetStats {
	var out models.FleetStats
	out.ComputedAt = models.NewTimestamp(now)

	out.Vehicles.Total = len(vehicles)
	for _, v := range vehicles {
		switch v.Status {
		case models.VehicleInUse:
			out.Vehicles.ActiveOrInUse++
		case models.VehicleMaintenance:
			out.Vehicles.Maintenance++
		}
	}

	out.Zones.Total = len(zones)
	for _, z := range zones {
		switch z.Status {
		case models.ZoneInProgress:
			out.Zones.Active++
		case models.ZoneCompleted:
			out.Zones.Completed++
		}
	}

	out.Workers.Total = len(workers)
	for _, w := range workers {
		switch w.Status {
		case models.WorkerEnRoute:
			out.Workers.EnRoute++
		case models.WorkerWorking:
			out.Workers.Working++
		}
		if w.Location != nil && presence.IsLive(w.Location.Timestamp.Time, now) {
			out.Workers.GPSActive++
		}
	}
	return out
}
