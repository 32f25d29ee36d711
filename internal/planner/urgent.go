package planner

import (
	"context"
	"fmt"
	"time"

	"dispatchcore/internal/model"
	"dispatchcore/internal/opt"
	"dispatchcore/internal/store"
)

// InsertUrgent places an urgent order into today's published plan without a
// full re-run. Candidate routes are copied, rebuilt with the extra order and
// only the cheapest feasible copy replaces its original, version bumped.
// Routes already in progress are never touched; if no published route can
// absorb the order a fresh single-stop route is attempted.
func (p *Planner) InsertUrgent(ctx context.Context, orderID string, start time.Time, badWeather bool) (model.Route, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, err := p.st.GetOrder(ctx, orderID)
	if err != nil {
		return model.Route{}, fmt.Errorf("load order: %w", err)
	}
	if o.Status != model.OrderAccepted && o.Status != model.OrderUnrouted {
		return model.Route{}, fmt.Errorf("order %s is %s, not insertable", orderID, o.Status)
	}
	o.Priority = model.PriorityUrgent
	zone, err := p.st.GetZone(ctx, o.ZoneID)
	if err != nil {
		return model.Route{}, fmt.Errorf("load zone %s: %w", o.ZoneID, err)
	}

	candidates, err := p.candidateRoutes(ctx, o.ZoneID)
	if err != nil {
		return model.Route{}, err
	}

	type option struct {
		route     model.Route
		extraCost float64
	}
	var best *option
	for _, r := range candidates {
		orders, err := p.routeOrders(ctx, r)
		if err != nil {
			continue
		}
		c := model.Cluster{ID: r.ClusterID, ZoneID: r.ZoneID, Orders: append(orders, o)}
		v := model.Vehicle{ID: r.VehicleID, Type: r.VehicleType}
		if vv, ok := p.vehicleByID(ctx, r.VehicleID); ok {
			v = vv
		}
		// copy-on-write: the original route object is never mutated
		nr, err := opt.Construct(c, v, zone.Depot, r.PlannedStart, badWeather, p.cfg.Optimizer)
		if err != nil {
			continue
		}
		extra := nr.CostEstimate - r.CostEstimate
		if best == nil || extra < best.extraCost {
			nr.ID = r.ID
			nr.Version = r.Version + 1
			nr.PlanDate = r.PlanDate
			nr.DriverID = r.DriverID
			nr.Status = r.Status
			best = &option{route: nr, extraCost: extra}
		}
	}

	if best != nil {
		if err := p.st.SaveRoute(ctx, best.route); err != nil {
			return model.Route{}, fmt.Errorf("save rerouted %s: %w", best.route.ID, err)
		}
		if err := p.st.SetOrderStatus(ctx, o.ID, model.OrderRouted); err != nil {
			p.log.WithError(err).WithField("order", o.ID).Warn("order status not updated")
		}
		p.emit(ctx, "route.updated", best.route)
		p.log.WithField("route", best.route.ID).WithField("order", o.ID).
			Info("urgent order inserted into published route")
		return best.route, nil
	}

	r, err := p.urgentStandalone(ctx, o, zone, start, badWeather)
	if err != nil {
		return model.Route{}, err
	}
	return r, nil
}

// candidateRoutes are today's published-but-not-departed routes in the zone.
func (p *Planner) candidateRoutes(ctx context.Context, zoneID string) ([]model.Route, error) {
	var out []model.Route
	for _, status := range []model.RouteStatus{model.RouteOptimized, model.RouteAssigned} {
		rs, err := p.st.ListRoutes(ctx, store.RouteFilter{ZoneID: zoneID, Status: status})
		if err != nil {
			return nil, fmt.Errorf("list routes: %w", err)
		}
		out = append(out, rs...)
	}
	return out, nil
}

func (p *Planner) routeOrders(ctx context.Context, r model.Route) ([]model.Order, error) {
	var out []model.Order
	for _, s := range r.Stops {
		if s.Completed {
			continue
		}
		o, err := p.st.GetOrder(ctx, s.OrderID)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func (p *Planner) vehicleByID(ctx context.Context, id string) (model.Vehicle, bool) {
	vs, err := p.st.ListVehicles(ctx)
	if err != nil {
		return model.Vehicle{}, false
	}
	for _, v := range vs {
		if v.ID == id {
			return v, true
		}
	}
	return model.Vehicle{}, false
}

// urgentStandalone builds a dedicated route when no existing one can absorb
// the order. The cluster-size floor does not apply to urgent work.
func (p *Planner) urgentStandalone(ctx context.Context, o model.Order, zone model.Zone, start time.Time, badWeather bool) (model.Route, error) {
	vehicles, err := p.st.ListVehicles(ctx)
	if err != nil {
		return model.Route{}, fmt.Errorf("load vehicles: %w", err)
	}
	busy := map[string]bool{}
	for _, status := range []model.RouteStatus{model.RouteOptimized, model.RouteAssigned, model.RouteInProgress} {
		rs, err := p.st.ListRoutes(ctx, store.RouteFilter{Status: status})
		if err != nil {
			return model.Route{}, err
		}
		for _, r := range rs {
			busy[r.VehicleID] = true
		}
	}
	var free []model.Vehicle
	for _, v := range vehicles {
		if !busy[v.ID] {
			free = append(free, v)
		}
	}
	alloc := newAllocator(free)

	c := model.Cluster{ID: "urgent-" + o.ID, ZoneID: o.ZoneID, Orders: []model.Order{o}}
	req := Request{PlanDate: start.Format("2006-01-02"), Start: start, BadWeather: badWeather}
	r, err := p.constructOne(c, zone, alloc, req)
	if err != nil {
		return model.Route{}, fmt.Errorf("%w: urgent order %s has no absorbing route and no free vehicle",
			model.ErrInsufficientCoverage, o.ID)
	}

	// urgent work cannot wait for the next daily cycle's pool refresh
	drivers, err := p.st.ListDrivers(ctx)
	if err != nil {
		return model.Route{}, fmt.Errorf("load drivers: %w", err)
	}
	p.pool.Update(drivers)

	ares := p.engine.Assign([]model.Route{r}, p.pool.Snapshot(), start)
	if len(ares.Assignments) != 1 {
		reason := "no candidate drivers in pool"
		if len(ares.Unassigned) == 1 {
			reason = ares.Unassigned[0].Reason
		}
		return model.Route{}, fmt.Errorf("%w: urgent order %s: %s", model.ErrNoEligibleDriver, o.ID, reason)
	}
	r.DriverID = ares.Assignments[0].DriverID
	r.Status = model.RouteAssigned
	if err := p.st.SaveAssignment(ctx, ares.Assignments[0]); err != nil {
		return model.Route{}, fmt.Errorf("save assignment: %w", err)
	}
	if err := p.st.SaveRoute(ctx, r); err != nil {
		return model.Route{}, fmt.Errorf("save route: %w", err)
	}
	if err := p.st.SetOrderStatus(ctx, o.ID, model.OrderRouted); err != nil {
		p.log.WithError(err).WithField("order", o.ID).Warn("order status not updated")
	}
	p.emit(ctx, "route.published", r)
	return r, nil
}

// CancelOrder handles cancellation at every stage of the order lifecycle.
// Before routing the order just drops out; on a published route the route is
// rebuilt without it; on an in-progress route the core only reports, the
// driver's plan is left alone.
func (p *Planner) CancelOrder(ctx context.Context, orderID string, badWeather bool) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, err := p.st.GetOrder(ctx, orderID)
	if err != nil {
		return "", fmt.Errorf("load order: %w", err)
	}
	switch o.Status {
	case model.OrderCancelled:
		return "already cancelled", nil
	case model.OrderDelivered:
		return "", fmt.Errorf("order %s already delivered", orderID)
	case model.OrderAccepted, model.OrderUnrouted, model.OrderDeferred:
		if err := p.st.SetOrderStatus(ctx, orderID, model.OrderCancelled); err != nil {
			return "", err
		}
		return "cancelled before planning", nil
	}

	// routed: locate the owning route
	route, ok, err := p.findRouteWithOrder(ctx, orderID)
	if err != nil {
		return "", err
	}
	if !ok {
		if err := p.st.SetOrderStatus(ctx, orderID, model.OrderCancelled); err != nil {
			return "", err
		}
		return "cancelled; owning route not found", nil
	}

	if route.Status == model.RouteInProgress {
		// never mutate a route mid-drive; dispatch decides what the driver does
		if err := p.st.SetOrderStatus(ctx, orderID, model.OrderCancelled); err != nil {
			return "", err
		}
		p.emit(ctx, "order.cancelled_in_flight", map[string]any{
			"orderId": orderID, "routeId": route.ID,
		})
		return "cancelled; route in progress, dispatch notified", nil
	}

	remaining, err := p.routeOrders(ctx, route)
	if err != nil {
		return "", err
	}
	kept := remaining[:0]
	for _, ro := range remaining {
		if ro.ID != orderID {
			kept = append(kept, ro)
		}
	}
	if err := p.st.SetOrderStatus(ctx, orderID, model.OrderCancelled); err != nil {
		return "", err
	}

	if len(kept) == 0 {
		if err := p.st.SetRouteStatus(ctx, route.ID, model.RouteCancelled); err != nil {
			return "", err
		}
		p.emit(ctx, "route.cancelled", map[string]any{"routeId": route.ID})
		return "cancelled; empty route withdrawn", nil
	}

	zone, err := p.st.GetZone(ctx, route.ZoneID)
	if err != nil {
		return "", fmt.Errorf("load zone: %w", err)
	}
	v := model.Vehicle{ID: route.VehicleID, Type: route.VehicleType}
	if vv, ok := p.vehicleByID(ctx, route.VehicleID); ok {
		v = vv
	}
	c := model.Cluster{ID: route.ClusterID, ZoneID: route.ZoneID, Orders: kept}
	nr, err := opt.Construct(c, v, zone.Depot, route.PlannedStart, badWeather, p.cfg.Optimizer)
	if err != nil {
		return "", fmt.Errorf("rebuild route %s: %w", route.ID, err)
	}
	nr.ID = route.ID
	nr.Version = route.Version + 1
	nr.PlanDate = route.PlanDate
	nr.DriverID = route.DriverID
	nr.Status = route.Status
	if err := p.st.SaveRoute(ctx, nr); err != nil {
		return "", fmt.Errorf("save rebuilt route: %w", err)
	}
	p.emit(ctx, "route.updated", nr)
	return "cancelled; route rebuilt without the order", nil
}

func (p *Planner) findRouteWithOrder(ctx context.Context, orderID string) (model.Route, bool, error) {
	for _, status := range []model.RouteStatus{model.RouteOptimized, model.RouteAssigned, model.RouteInProgress} {
		rs, err := p.st.ListRoutes(ctx, store.RouteFilter{Status: status})
		if err != nil {
			return model.Route{}, false, err
		}
		for _, r := range rs {
			for _, s := range r.Stops {
				if s.OrderID == orderID && !s.Completed {
					return r, true, nil
				}
			}
		}
	}
	return model.Route{}, false, nil
}

// StartRoute moves an assigned route into execution and registers it with
// the tracker and the exception monitor.
func (p *Planner) StartRoute(ctx context.Context, routeID string) error {
	r, err := p.st.GetRoute(ctx, routeID)
	if err != nil {
		return fmt.Errorf("load route: %w", err)
	}
	if r.Status != model.RouteAssigned {
		return fmt.Errorf("route %s is %s, cannot start", routeID, r.Status)
	}
	zone, err := p.st.GetZone(ctx, r.ZoneID)
	if err != nil {
		return fmt.Errorf("load zone: %w", err)
	}
	if err := p.st.SetRouteStatus(ctx, routeID, model.RouteInProgress); err != nil {
		return err
	}
	r.Status = model.RouteInProgress
	if p.tracker != nil {
		p.tracker.StartRoute(r, zone.Depot)
	}
	if p.monitor != nil {
		p.monitor.WatchRoute(r, zone.Depot)
	}
	p.emit(ctx, "route.started", map[string]any{"routeId": routeID})
	return nil
}

// FinishRoute closes out a completed route and releases live tracking.
func (p *Planner) FinishRoute(ctx context.Context, routeID string, at time.Time) error {
	if err := p.st.SetRouteStatus(ctx, routeID, model.RouteCompleted); err != nil {
		return err
	}
	if p.tracker != nil {
		p.tracker.StopRoute(routeID)
	}
	if p.monitor != nil {
		p.monitor.UnwatchRoute(routeID, at)
	}
	return nil
}
