package api

import (
	"fmt"

	"dispatchcore/internal/model"
)

func validateOrder(o model.Order) error {
	if o.ID == "" {
		return fmt.Errorf("id is required")
	}
	if o.ZoneID == "" {
		return fmt.Errorf("zoneId is required")
	}
	if o.Location.Lat == 0 && o.Location.Lng == 0 {
		return fmt.Errorf("location is required")
	}
	if o.Location.Lat < -90 || o.Location.Lat > 90 || o.Location.Lng < -180 || o.Location.Lng > 180 {
		return fmt.Errorf("location out of range")
	}
	if len(o.Lines) == 0 {
		return fmt.Errorf("at least one line is required")
	}
	for i, l := range o.Lines {
		if l.Units <= 0 {
			return fmt.Errorf("line %d: units must be > 0", i)
		}
		if l.WeightKg < 0 {
			return fmt.Errorf("line %d: weightKg must be >= 0", i)
		}
	}
	if o.Window != nil && !o.Window.Start.IsZero() && !o.Window.End.IsZero() && o.Window.End.Before(o.Window.Start) {
		return fmt.Errorf("window end before start")
	}
	switch o.Priority {
	case "", model.PriorityRegular, model.PriorityUrgent, model.PriorityScheduled, model.PriorityBulk:
	default:
		return fmt.Errorf("invalid priority: %s", o.Priority)
	}
	return nil
}

func validateZone(z model.Zone) error {
	if z.ID == "" {
		return fmt.Errorf("id is required")
	}
	if z.Depot.Lat == 0 && z.Depot.Lng == 0 {
		return fmt.Errorf("depot is required")
	}
	if len(z.Boundary) > 0 && len(z.Boundary) < 3 {
		return fmt.Errorf("boundary needs at least 3 points")
	}
	return nil
}

// validateSampleShape checks the request shape; semantic validation (region,
// speed, staleness) happens in the tracker.
func validateSampleShape(s model.LocationSample) error {
	if s.VehicleID == "" {
		return fmt.Errorf("vehicleId is required")
	}
	if s.Timestamp.IsZero() {
		return fmt.Errorf("ts is required")
	}
	if s.Location.Lat < -90 || s.Location.Lat > 90 || s.Location.Lng < -180 || s.Location.Lng > 180 {
		return fmt.Errorf("location out of range")
	}
	return nil
}
