package planner

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatchcore/internal/config"
	"dispatchcore/internal/model"
	"dispatchcore/internal/store"
)

var planStart = time.Date(2026, 8, 24, 6, 0, 0, 0, time.UTC)

func seedZone(t *testing.T, st store.Store) {
	t.Helper()
	require.NoError(t, st.PutZone(context.Background(), model.Zone{
		ID:    "z1",
		Depot: model.GeoPoint{Lat: 41.0, Lng: 29.0},
		Boundary: []model.GeoPoint{
			{Lat: 40.9, Lng: 28.9}, {Lat: 41.1, Lng: 28.9},
			{Lat: 41.1, Lng: 29.1}, {Lat: 40.9, Lng: 29.1},
		},
	}))
}

func seedOrder(t *testing.T, st store.Store, id string, lat, lng float64, units int) {
	t.Helper()
	require.NoError(t, st.UpsertOrder(context.Background(), model.Order{
		ID: id, ZoneID: "z1",
		Location: model.GeoPoint{Lat: lat, Lng: lng},
		Lines:    []model.OrderLine{{ProductCode: "LPG-12", Units: units, WeightKg: float64(units) * 12, Price: 30}},
		Priority: model.PriorityRegular,
		Status:   model.OrderAccepted,
	}))
}

func seedDriver(t *testing.T, st store.Store, id string) {
	t.Helper()
	require.NoError(t, st.PutDriver(context.Background(), model.Driver{
		ID: id, LicenseClass: "CE",
		LicenseExpiry:     planStart.AddDate(2, 0, 0),
		MedicalValidUntil: planStart.AddDate(1, 0, 0),
		OnDuty:            true,
		ExperienceYears:   8, OnTimeRate: 0.92, SafetyScore: 85, CustomerRating: 4.4, FuelEfficiency: 75,
	}))
}

func seedFleet(t *testing.T, st store.Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.PutVehicle(ctx, model.Vehicle{ID: "v-small", Type: model.VehicleSmall, CapacityUnits: 30, CostPerHour: 8}))
	require.NoError(t, st.PutVehicle(ctx, model.Vehicle{ID: "v-med", Type: model.VehicleMedium, CapacityUnits: 60, CostPerHour: 12}))
}

func newTestPlanner(st store.Store) *Planner {
	return New(st, config.Default(), nil, nil, nil, nil, nil)
}

func TestRunFullCycle(t *testing.T) {
	st := store.NewMemory()
	seedZone(t, st)
	seedFleet(t, st)
	seedDriver(t, st, "d1")
	seedDriver(t, st, "d2")
	for i := 0; i < 6; i++ {
		seedOrder(t, st, fmt.Sprintf("o%d", i), 41.02+float64(i%3)*0.003, 29.02+float64(i/3)*0.003, 2)
	}

	p := newTestPlanner(st)
	sum, err := p.Run(context.Background(), Request{PlanDate: "2026-08-24", Start: planStart})
	require.NoError(t, err)

	assert.Equal(t, 6, sum.Orders)
	assert.Equal(t, 1, sum.Clusters)
	assert.Equal(t, 1, sum.Routes)
	assert.Equal(t, 1, sum.Assigned)
	assert.Zero(t, sum.Unrouted)
	assert.Zero(t, sum.Unassigned)

	routes, _ := st.ListRoutes(context.Background(), store.RouteFilter{PlanDate: "2026-08-24"})
	require.Len(t, routes, 1)
	r := routes[0]
	assert.Equal(t, model.RouteAssigned, r.Status)
	assert.NotEmpty(t, r.DriverID)
	assert.Equal(t, 1, r.Version)
	assert.Len(t, r.Stops, 6)

	a, err := st.ActiveAssignment(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.DriverID, a.DriverID)

	o, _ := st.GetOrder(context.Background(), "o0")
	assert.Equal(t, model.OrderRouted, o.Status)

	runs, _ := st.ListPlanRuns(context.Background(), 10)
	require.Len(t, runs, 1)
}

func TestRunReportsUnplacedAndContinues(t *testing.T) {
	st := store.NewMemory()
	seedZone(t, st)
	seedFleet(t, st)
	seedDriver(t, st, "d1")
	for i := 0; i < 4; i++ {
		seedOrder(t, st, fmt.Sprintf("o%d", i), 41.02, 29.02+float64(i)*0.002, 2)
	}
	// an order in a zone nobody serves
	require.NoError(t, st.UpsertOrder(context.Background(), model.Order{
		ID: "stray", ZoneID: "z9",
		Location: model.GeoPoint{Lat: 41.0, Lng: 29.0},
		Lines:    []model.OrderLine{{Units: 1}},
		Status:   model.OrderAccepted,
	}))

	p := newTestPlanner(st)
	sum, err := p.Run(context.Background(), Request{PlanDate: "2026-08-24", Start: planStart})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Routes, "good orders still routed")
	assert.Equal(t, 1, sum.Unrouted)

	o, _ := st.GetOrder(context.Background(), "stray")
	assert.Equal(t, model.OrderUnrouted, o.Status)
}

func TestTierUpOnCapacity(t *testing.T) {
	st := store.NewMemory()
	seedZone(t, st)
	seedDriver(t, st, "d1")
	ctx := context.Background()
	require.NoError(t, st.PutVehicle(ctx, model.Vehicle{ID: "v-small", Type: model.VehicleSmall, CapacityUnits: 5, CostPerHour: 8}))
	require.NoError(t, st.PutVehicle(ctx, model.Vehicle{ID: "v-med", Type: model.VehicleMedium, CapacityUnits: 60, CostPerHour: 12}))
	for i := 0; i < 4; i++ {
		seedOrder(t, st, fmt.Sprintf("o%d", i), 41.02, 29.02+float64(i)*0.002, 3) // 12 units total
	}

	p := newTestPlanner(st)
	sum, err := p.Run(ctx, Request{PlanDate: "2026-08-24", Start: planStart})
	require.NoError(t, err)
	require.Equal(t, 1, sum.Routes)

	routes, _ := st.ListRoutes(ctx, store.RouteFilter{PlanDate: "2026-08-24"})
	assert.Equal(t, "v-med", routes[0].VehicleID, "small tier over capacity, medium takes it")
}

func TestUrgentInsertBumpsVersion(t *testing.T) {
	st := store.NewMemory()
	seedZone(t, st)
	seedFleet(t, st)
	seedDriver(t, st, "d1")
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		seedOrder(t, st, fmt.Sprintf("o%d", i), 41.02, 29.02+float64(i)*0.002, 2)
	}

	p := newTestPlanner(st)
	_, err := p.Run(ctx, Request{PlanDate: "2026-08-24", Start: planStart})
	require.NoError(t, err)

	seedOrder(t, st, "rush", 41.021, 29.021, 2)
	r, err := p.InsertUrgent(ctx, "rush", planStart.Add(time.Hour), false)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Version)
	assert.Len(t, r.Stops, 5)

	stored, _ := st.GetRoute(ctx, r.ID)
	assert.Equal(t, 2, stored.Version)
	o, _ := st.GetOrder(ctx, "rush")
	assert.Equal(t, model.OrderRouted, o.Status)
}

func TestUrgentStandaloneWhenNoRouteAbsorbs(t *testing.T) {
	st := store.NewMemory()
	seedZone(t, st)
	seedFleet(t, st)
	seedDriver(t, st, "d1")
	ctx := context.Background()

	seedOrder(t, st, "rush", 41.03, 29.03, 2)
	p := newTestPlanner(st)
	r, err := p.InsertUrgent(ctx, "rush", planStart, false)
	require.NoError(t, err)
	assert.Len(t, r.Stops, 1)
	assert.Equal(t, model.RouteAssigned, r.Status)
	assert.NotEmpty(t, r.DriverID)
}

func TestUrgentWithoutDriversSurfacesNoEligible(t *testing.T) {
	st := store.NewMemory()
	seedZone(t, st)
	seedFleet(t, st)
	ctx := context.Background()

	seedOrder(t, st, "rush", 41.03, 29.03, 2)
	p := newTestPlanner(st)
	_, err := p.InsertUrgent(ctx, "rush", planStart, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrNoEligibleDriver), "got %v", err)
}

func TestCancelOrderLifecycle(t *testing.T) {
	st := store.NewMemory()
	seedZone(t, st)
	seedFleet(t, st)
	seedDriver(t, st, "d1")
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		seedOrder(t, st, fmt.Sprintf("o%d", i), 41.02, 29.02+float64(i)*0.002, 2)
	}
	seedOrder(t, st, "unplanned", 41.03, 29.03, 1)

	p := newTestPlanner(st)

	// before planning: order simply drops out
	msg, err := p.CancelOrder(ctx, "unplanned", false)
	require.NoError(t, err)
	assert.Contains(t, msg, "before planning")

	_, err = p.Run(ctx, Request{PlanDate: "2026-08-24", Start: planStart})
	require.NoError(t, err)
	routes, _ := st.ListRoutes(ctx, store.RouteFilter{PlanDate: "2026-08-24"})
	require.Len(t, routes, 1)
	routeID := routes[0].ID

	// published: route rebuilt one stop shorter, version bumped
	msg, err = p.CancelOrder(ctx, "o1", false)
	require.NoError(t, err)
	assert.Contains(t, msg, "rebuilt")
	r, _ := st.GetRoute(ctx, routeID)
	assert.Equal(t, 2, r.Version)
	assert.Len(t, r.Stops, 3)

	// in progress: report only, plan untouched
	require.NoError(t, p.StartRoute(ctx, routeID))
	msg, err = p.CancelOrder(ctx, "o2", false)
	require.NoError(t, err)
	assert.Contains(t, msg, "in progress")
	r, _ = st.GetRoute(ctx, routeID)
	assert.Equal(t, 2, r.Version, "in-progress route is never rewritten")
	assert.Len(t, r.Stops, 3)
	o, _ := st.GetOrder(ctx, "o2")
	assert.Equal(t, model.OrderCancelled, o.Status)
}

func TestStartRouteTransitions(t *testing.T) {
	st := store.NewMemory()
	seedZone(t, st)
	seedFleet(t, st)
	seedDriver(t, st, "d1")
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		seedOrder(t, st, fmt.Sprintf("o%d", i), 41.02, 29.02+float64(i)*0.002, 2)
	}
	p := newTestPlanner(st)
	_, err := p.Run(ctx, Request{PlanDate: "2026-08-24", Start: planStart})
	require.NoError(t, err)
	routes, _ := st.ListRoutes(ctx, store.RouteFilter{PlanDate: "2026-08-24"})
	require.Len(t, routes, 1)

	require.NoError(t, p.StartRoute(ctx, routes[0].ID))
	r, _ := st.GetRoute(ctx, routes[0].ID)
	assert.Equal(t, model.RouteInProgress, r.Status)

	err = p.StartRoute(ctx, routes[0].ID)
	require.Error(t, err, "double start rejected")

	require.NoError(t, p.FinishRoute(ctx, routes[0].ID, planStart.Add(4*time.Hour)))
	r, _ = st.GetRoute(ctx, routes[0].ID)
	assert.Equal(t, model.RouteCompleted, r.Status)
}
