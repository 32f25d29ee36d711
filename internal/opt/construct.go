package opt

import (
	"fmt"
	"sort"
	"time"

	"dispatchcore/internal/config"
	"dispatchcore/internal/model"
)

// Construct turns one cluster and one candidate vehicle into an ordered
// route, or fails with CapacityExceeded / Infeasible. The caller owns id,
// version and publication.
func Construct(c model.Cluster, vehicle model.Vehicle, depot model.GeoPoint, start time.Time, badWeather bool, cfg config.OptimizerConfig) (model.Route, error) {
	if len(c.Orders) == 0 {
		return model.Route{}, fmt.Errorf("%w: empty cluster %s", model.ErrInfeasible, c.ID)
	}
	// stable input order
	orders := append([]model.Order(nil), c.Orders...)
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID < orders[j].ID })
	c.Orders = orders

	// capacity is checked before ordering: no splitting happens mid-route
	units := c.Units()
	if vehicle.CapacityUnits > 0 && units > vehicle.CapacityUnits {
		return model.Route{}, fmt.Errorf("%w: cluster %s needs %d units, vehicle %s holds %d",
			model.ErrCapacityExceeded, c.ID, units, vehicle.ID, vehicle.CapacityUnits)
	}
	weight := 0.0
	for _, o := range orders {
		weight += o.WeightKg()
	}
	if vehicle.CapacityKg > 0 && weight > vehicle.CapacityKg {
		return model.Route{}, fmt.Errorf("%w: cluster %s weighs %.0f kg, vehicle %s holds %.0f",
			model.ErrCapacityExceeded, c.ID, weight, vehicle.ID, vehicle.CapacityKg)
	}

	p := NewProblem(c, vehicle, depot, start, badWeather, cfg)
	strat := strategyFor(len(orders), cfg)
	perm := strat.Order(p)
	sched := p.schedule(perm)
	if !sched.Feasible {
		return model.Route{}, fmt.Errorf("%w: no ordering satisfies the time window of order %s (grace %.0f min)",
			model.ErrInfeasible, sched.Violated, cfg.GraceMin)
	}

	// re-check capacity on the fixed ordering
	total := 0
	for _, s := range sched.Stops {
		total += s.Units
	}
	if vehicle.CapacityUnits > 0 && total > vehicle.CapacityUnits {
		return model.Route{}, fmt.Errorf("%w: ordered route carries %d units over vehicle capacity %d",
			model.ErrCapacityExceeded, total, vehicle.CapacityUnits)
	}

	cost, breakdown := p.cost(sched)
	hazmat := false
	for _, o := range orders {
		if o.Priority == model.PriorityBulk {
			hazmat = true
			break
		}
	}
	return model.Route{
		ZoneID:         c.ZoneID,
		ClusterID:      c.ID,
		VehicleID:      vehicle.ID,
		VehicleType:    vehicle.Type,
		Status:         model.RouteOptimized,
		Stops:          sched.Stops,
		PlannedStart:   start,
		DistanceM:      sched.DistanceM,
		DurationSec:    sched.DurationSec,
		DriveSec:       int(sched.DriveSec),
		CostEstimate:   cost,
		CostBreakdown:  breakdown,
		RequiresHazmat: hazmat,
		Algorithm:      strat.Name(),
	}, nil
}

// ExceedsCostCeiling reports whether the route cost is out of proportion to
// the cluster's revenue; the planner then retries the next vehicle tier up or
// flags the cluster for a manual split.
func ExceedsCostCeiling(r model.Route, c model.Cluster, cfg config.OptimizerConfig) bool {
	if cfg.CostCeilingRatio <= 0 {
		return false
	}
	rev := c.Revenue()
	if rev <= 0 {
		return false
	}
	return r.CostEstimate > rev*cfg.CostCeilingRatio
}
