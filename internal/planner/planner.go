package planner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"dispatchcore/internal/assign"
	"dispatchcore/internal/cluster"
	"dispatchcore/internal/config"
	"dispatchcore/internal/metrics"
	"dispatchcore/internal/model"
	"dispatchcore/internal/monitor"
	"dispatchcore/internal/opt"
	"dispatchcore/internal/store"
	"dispatchcore/internal/track"
)

// FlagManualSplit marks a route whose cost exceeded the ceiling even on the
// largest vehicle tier; an operator should split the cluster by hand.
const FlagManualSplit = "manual_split_review"

// Request describes one planning cycle.
type Request struct {
	PlanDate   string    // YYYY-MM-DD
	Start      time.Time // route departure time
	BadWeather bool
	ZoneID     string // empty = all zones
}

// Planner runs the daily cycle: cluster, construct, assign, persist. A run is
// all-of-nothing per cluster, never per batch: one impossible cluster reports
// its orders as unrouted and the rest of the plan proceeds.
type Planner struct {
	st      store.Store
	cfg     *config.Config
	log     *logrus.Logger
	met     *metrics.Metrics
	pub     track.Notifier
	engine  *assign.Engine
	pool    *assign.Pool
	tracker *track.Tracker
	monitor *monitor.Monitor

	mu sync.Mutex // one planning cycle at a time
}

func New(st store.Store, cfg *config.Config, log *logrus.Logger, met *metrics.Metrics, pub track.Notifier, tr *track.Tracker, mon *monitor.Monitor) *Planner {
	if log == nil {
		log = logrus.New()
	}
	return &Planner{
		st:      st,
		cfg:     cfg,
		log:     log,
		met:     met,
		pub:     pub,
		engine:  assign.NewEngine(cfg.Assign, log),
		pool:    &assign.Pool{},
		tracker: tr,
		monitor: mon,
	}
}

// vehicleAllocator hands out concrete vehicles by tier, each at most once per
// run.
type vehicleAllocator struct {
	mu     sync.Mutex
	byType map[model.VehicleType][]model.Vehicle
	used   map[string]bool
}

func newAllocator(vehicles []model.Vehicle) *vehicleAllocator {
	a := &vehicleAllocator{byType: map[model.VehicleType][]model.Vehicle{}, used: map[string]bool{}}
	sort.Slice(vehicles, func(i, j int) bool { return vehicles[i].ID < vehicles[j].ID })
	for _, v := range vehicles {
		a.byType[v.Type] = append(a.byType[v.Type], v)
	}
	return a
}

// take reserves a free vehicle of the given type, or reports none.
func (a *vehicleAllocator) take(t model.VehicleType) (model.Vehicle, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, v := range a.byType[t] {
		if !a.used[v.ID] {
			a.used[v.ID] = true
			return v, true
		}
	}
	return model.Vehicle{}, false
}

func (a *vehicleAllocator) release(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.used, id)
}

// Run executes one full planning cycle.
func (p *Planner) Run(ctx context.Context, req Request) (model.PlanRunSummary, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	started := time.Now().UTC()
	sum := model.PlanRunSummary{
		BatchID:   uuid.NewString(),
		PlanDate:  req.PlanDate,
		StartedAt: started,
	}

	orders, err := p.st.ListOrders(ctx, store.OrderFilter{ZoneID: req.ZoneID, Status: model.OrderAccepted})
	if err != nil {
		return sum, fmt.Errorf("load orders: %w", err)
	}
	zones, err := p.loadZones(ctx)
	if err != nil {
		return sum, err
	}
	vehicles, err := p.st.ListVehicles(ctx)
	if err != nil {
		return sum, fmt.Errorf("load vehicles: %w", err)
	}
	drivers, err := p.st.ListDrivers(ctx)
	if err != nil {
		return sum, fmt.Errorf("load drivers: %w", err)
	}
	p.pool.Update(drivers)
	sum.Orders = len(orders)

	cl := cluster.Build(orders, zones, p.cfg.Cluster)
	sum.Clusters = len(cl.Clusters)
	unrouted := append([]model.UnroutedOrder(nil), cl.Unplaced...)

	routes, constructUnrouted := p.constructAll(cl.Clusters, zones, newAllocator(vehicles), req)
	unrouted = append(unrouted, constructUnrouted...)
	sum.Routes = len(routes)

	// driver matching over the full route set
	ares := p.engine.Assign(routes, p.pool.Snapshot(), req.Start)
	sum.Assigned = len(ares.Assignments)
	sum.Unassigned = len(ares.Unassigned)
	sum.Escalations = ares.Escalations

	if err := p.persist(ctx, req, routes, ares, unrouted, &sum); err != nil {
		return sum, err
	}

	sum.Unrouted = len(unrouted)
	sum.UnroutedOrders = unrouted
	sum.UnassignedRoutes = ares.Unassigned
	sum.DurationMs = time.Since(started).Milliseconds()
	if err := p.st.SavePlanRun(ctx, sum); err != nil {
		p.log.WithError(err).Warn("plan run summary not saved")
	}
	if p.met != nil {
		outcome := "complete"
		if sum.Unrouted > 0 || sum.Unassigned > 0 {
			outcome = "partial"
		}
		p.met.PlanRuns.WithLabelValues("daily", outcome).Inc()
		p.met.PlanDuration.Observe(float64(sum.DurationMs) / 1000)
		p.met.RoutesBuilt.Add(float64(sum.Routes))
		p.met.Unrouted.Add(float64(sum.Unrouted))
		p.met.AssignmentsMade.WithLabelValues(ares.Matcher).Add(float64(sum.Assigned))
		p.met.RoutesUnassigned.Add(float64(sum.Unassigned))
		for _, r := range ares.Escalations {
			p.met.EscalationsClimbed.WithLabelValues(r).Inc()
		}
	}
	p.emit(ctx, "plan.completed", sum)
	p.log.WithFields(logrus.Fields{
		"batch": sum.BatchID, "orders": sum.Orders, "routes": sum.Routes,
		"unrouted": sum.Unrouted, "unassigned": sum.Unassigned, "ms": sum.DurationMs,
	}).Info("planning cycle finished")
	return sum, nil
}

func (p *Planner) loadZones(ctx context.Context) (map[string]model.Zone, error) {
	zs, err := p.st.ListZones(ctx)
	if err != nil {
		return nil, fmt.Errorf("load zones: %w", err)
	}
	zones := make(map[string]model.Zone, len(zs))
	for _, z := range zs {
		zones[z.ID] = z
	}
	return zones, nil
}

// constructAll builds routes for every cluster concurrently. A cluster that
// cannot be routed reports its orders; it never sinks the batch.
func (p *Planner) constructAll(clusters []model.Cluster, zones map[string]model.Zone, alloc *vehicleAllocator, req Request) ([]model.Route, []model.UnroutedOrder) {
	var (
		mu       sync.Mutex
		routes   []model.Route
		unrouted []model.UnroutedOrder
		wg       sync.WaitGroup
	)
	sem := make(chan struct{}, 8)
	for _, c := range clusters {
		wg.Add(1)
		go func(c model.Cluster) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			r, err := p.constructOne(c, zones[c.ZoneID], alloc, req)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				for _, o := range c.Orders {
					unrouted = append(unrouted, model.UnroutedOrder{
						OrderID: o.ID, ZoneID: c.ZoneID, Reason: err.Error(),
					})
				}
				return
			}
			routes = append(routes, r)
		}(c)
	}
	wg.Wait()
	sort.Slice(routes, func(i, j int) bool { return routes[i].ClusterID < routes[j].ClusterID })
	sort.Slice(unrouted, func(i, j int) bool { return unrouted[i].OrderID < unrouted[j].OrderID })
	return routes, unrouted
}

// constructOne walks vehicle tiers smallest-first. Capacity overruns move up
// a tier; a cost over the ceiling also moves up (a bigger truck can shortcut
// nothing, but a cheaper per-hour class might already have been skipped for
// capacity, so the retry is still worth it). Over-ceiling on the top tier
// keeps the route flagged for a manual split.
func (p *Planner) constructOne(c model.Cluster, zone model.Zone, alloc *vehicleAllocator, req Request) (model.Route, error) {
	var lastErr error
	for _, tier := range model.VehicleTiers {
		v, ok := alloc.take(tier)
		if !ok {
			continue
		}
		r, err := opt.Construct(c, v, zone.Depot, req.Start, req.BadWeather, p.cfg.Optimizer)
		if err != nil {
			alloc.release(v.ID)
			lastErr = err
			if errors.Is(err, model.ErrCapacityExceeded) {
				continue // try the next tier up
			}
			return model.Route{}, err // infeasible: no vehicle fixes a time window
		}
		if opt.ExceedsCostCeiling(r, c, p.cfg.Optimizer) {
			if tier != model.VehicleTiers[len(model.VehicleTiers)-1] {
				alloc.release(v.ID)
				lastErr = fmt.Errorf("%w: route cost %.2f over ceiling for cluster %s", model.ErrInfeasible, r.CostEstimate, c.ID)
				continue
			}
			r.Flags = append(r.Flags, FlagManualSplit)
		}
		r.ID = uuid.NewString()
		r.Version = 1
		r.PlanDate = req.PlanDate
		return r, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%w: no vehicle available for cluster %s", model.ErrInsufficientCoverage, c.ID)
	}
	return model.Route{}, lastErr
}

// persist writes routes, assignments and order statuses.
func (p *Planner) persist(ctx context.Context, req Request, routes []model.Route, ares assign.Result, unrouted []model.UnroutedOrder, sum *model.PlanRunSummary) error {
	driverFor := map[string]string{}
	for _, a := range ares.Assignments {
		driverFor[a.RouteID] = a.DriverID
	}
	for i := range routes {
		r := &routes[i]
		if d, ok := driverFor[r.ID]; ok {
			r.DriverID = d
			r.Status = model.RouteAssigned
		}
		if err := p.st.SaveRoute(ctx, *r); err != nil {
			return fmt.Errorf("save route %s: %w", r.ID, err)
		}
		for _, s := range r.Stops {
			if err := p.st.SetOrderStatus(ctx, s.OrderID, model.OrderRouted); err != nil {
				p.log.WithError(err).WithField("order", s.OrderID).Warn("order status not updated")
			}
		}
		if r.Status == model.RouteAssigned {
			p.emit(ctx, "route.published", r)
		}
	}
	for _, a := range ares.Assignments {
		if err := p.st.SaveAssignment(ctx, a); err != nil {
			return fmt.Errorf("save assignment %s: %w", a.ID, err)
		}
	}
	for _, u := range unrouted {
		if err := p.st.SetOrderStatus(ctx, u.OrderID, model.OrderUnrouted); err != nil {
			p.log.WithError(err).WithField("order", u.OrderID).Warn("order status not updated")
		}
		p.emit(ctx, "order.unrouted", u)
	}
	for _, u := range ares.Unassigned {
		p.emit(ctx, "route.unassigned", u)
	}
	_ = req
	_ = sum
	return nil
}

func (p *Planner) emit(ctx context.Context, event string, payload any) {
	if p.pub == nil {
		return
	}
	if err := p.pub.Emit(ctx, event, payload); err != nil {
		p.log.WithError(err).WithField("event", event).Warn("event emit failed")
	}
}
