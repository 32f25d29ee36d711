package opt

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatchcore/internal/config"
	"dispatchcore/internal/model"
)

var depot = model.GeoPoint{Lat: 41.0, Lng: 29.0}

func clusterOf(n int, units int) model.Cluster {
	c := model.Cluster{ID: "z1-c1", ZoneID: "z1"}
	for i := 0; i < n; i++ {
		c.Orders = append(c.Orders, model.Order{
			ID:       fmt.Sprintf("o%03d", i),
			ZoneID:   "z1",
			Location: model.GeoPoint{Lat: 41.0 + float64(i%6)*0.004, Lng: 29.0 + float64(i/6)*0.004},
			Lines:    []model.OrderLine{{ProductCode: "LPG-12", Units: units, WeightKg: float64(units) * 12, Price: 25}},
			Priority: model.PriorityRegular,
			Status:   model.OrderAccepted,
		})
	}
	return c
}

func truck(t model.VehicleType, units int) model.Vehicle {
	return model.Vehicle{ID: "veh-" + string(t), Type: t, CapacityUnits: units, CostPerHour: 12}
}

var start = time.Date(2026, 8, 24, 6, 0, 0, 0, time.UTC) // off-peak

func TestTierSelection(t *testing.T) {
	cfg := config.Default().Optimizer
	assert.Equal(t, "nearest_neighbor", strategyFor(15, cfg).Name())
	assert.Equal(t, "savings", strategyFor(16, cfg).Name())
	assert.Equal(t, "savings", strategyFor(30, cfg).Name())
	assert.Equal(t, "population", strategyFor(31, cfg).Name())
}

func TestConstructSmallCluster(t *testing.T) {
	cfg := config.Default().Optimizer
	r, err := Construct(clusterOf(8, 2), truck(model.VehicleSmall, 30), depot, start, false, cfg)
	require.NoError(t, err)
	assert.Equal(t, "nearest_neighbor", r.Algorithm)
	assert.Len(t, r.Stops, 8)
	assert.Equal(t, 16, r.TotalUnits())
	assert.Greater(t, r.DistanceM, 0.0)
	assert.Greater(t, r.CostEstimate, 0.0)
	for i, s := range r.Stops {
		assert.Equal(t, i+1, s.Seq)
	}
}

func TestCapacityExceeded(t *testing.T) {
	cfg := config.Default().Optimizer
	// 42 orders × 2 units against a 30-unit vehicle
	_, err := Construct(clusterOf(42, 2), truck(model.VehicleMedium, 30), depot, start, false, cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrCapacityExceeded), "got %v", err)
}

func TestInfeasibleTimeWindows(t *testing.T) {
	cfg := config.Default().Optimizer
	c := clusterOf(4, 2)
	// a window that closed an hour before the route starts
	gone := model.TimeWindow{Start: start.Add(-3 * time.Hour), End: start.Add(-1 * time.Hour)}
	c.Orders[2].Window = &gone
	_, err := Construct(c, truck(model.VehicleSmall, 30), depot, start, false, cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrInfeasible), "got %v", err)
	assert.Contains(t, err.Error(), c.Orders[2].ID)
}

func TestWindowGraceBoundary(t *testing.T) {
	cfg := config.Default().Optimizer
	cfg.GraceMin = 15
	c := clusterOf(1, 2)
	p := NewProblem(c, truck(model.VehicleSmall, 30), depot, start, false, cfg)
	drive := time.Duration(p.travelSec[0][1] * float64(time.Second))

	// window ends exactly grace before arrival: still feasible
	w := model.TimeWindow{End: start.Add(drive).Add(-15 * time.Minute)}
	c.Orders[0].Window = &w
	p = NewProblem(c, truck(model.VehicleSmall, 30), depot, start, false, cfg)
	s := p.schedule([]int{0})
	assert.True(t, s.Feasible, "at-grace arrival must be feasible")
	assert.Greater(t, s.LateMin, 0.0)

	// one second beyond grace: infeasible
	w2 := model.TimeWindow{End: start.Add(drive).Add(-15*time.Minute - time.Second)}
	c.Orders[0].Window = &w2
	p = NewProblem(c, truck(model.VehicleSmall, 30), depot, start, false, cfg)
	assert.False(t, p.schedule([]int{0}).Feasible)
}

func TestDeterministicConstruction(t *testing.T) {
	cfg := config.Default().Optimizer
	cfg.Population = 20
	cfg.Generations = 15
	for _, n := range []int{10, 25, 35} {
		a, err := Construct(clusterOf(n, 1), truck(model.VehicleLarge, 60), depot, start, false, cfg)
		require.NoError(t, err)
		b, err := Construct(clusterOf(n, 1), truck(model.VehicleLarge, 60), depot, start, false, cfg)
		require.NoError(t, err)
		require.Equal(t, len(a.Stops), len(b.Stops))
		for i := range a.Stops {
			assert.Equal(t, a.Stops[i].OrderID, b.Stops[i].OrderID, "n=%d stop %d", n, i)
		}
	}
}

func TestSavingsBeatsNaiveOrdering(t *testing.T) {
	cfg := config.Default().Optimizer
	c := clusterOf(20, 1)
	p := NewProblem(c, truck(model.VehicleMedium, 40), depot, start, false, cfg)
	naive := make([]int, len(c.Orders))
	for i := range naive {
		naive[i] = i
	}
	improved := savings{}.Order(p)
	assert.LessOrEqual(t, p.pathSec(improved), p.pathSec(naive))
}

func TestTrafficScalingAppliedBeforeOrdering(t *testing.T) {
	cfg := config.Default().Optimizer
	c := clusterOf(5, 1)
	v := truck(model.VehicleSmall, 30)
	offPeak := NewProblem(c, v, depot, time.Date(2026, 8, 24, 5, 0, 0, 0, time.UTC), false, cfg)
	rush := NewProblem(c, v, depot, time.Date(2026, 8, 24, 8, 0, 0, 0, time.UTC), false, cfg)
	assert.Greater(t, rush.travelSec[0][2], offPeak.travelSec[0][2], "morning rush must slow travel")

	weather := NewProblem(c, v, depot, time.Date(2026, 8, 24, 5, 0, 0, 0, time.UTC), true, cfg)
	assert.Greater(t, weather.travelSec[0][2], offPeak.travelSec[0][2], "bad weather must slow travel")
}

func TestCostCeiling(t *testing.T) {
	cfg := config.Default().Optimizer
	c := clusterOf(6, 2)
	r, err := Construct(c, truck(model.VehicleSmall, 30), depot, start, false, cfg)
	require.NoError(t, err)
	cfg.CostCeilingRatio = 0.0001
	assert.True(t, ExceedsCostCeiling(r, c, cfg))
	cfg.CostCeilingRatio = 100
	assert.False(t, ExceedsCostCeiling(r, c, cfg))
}

func TestPopulationProducesValidPermutation(t *testing.T) {
	cfg := config.Default().Optimizer
	cfg.Population = 20
	cfg.Generations = 10
	c := clusterOf(35, 1)
	p := NewProblem(c, truck(model.VehicleLarge, 60), depot, start, false, cfg)
	perm := population{}.Order(p)
	require.Len(t, perm, 35)
	seen := map[int]bool{}
	for _, i := range perm {
		require.False(t, seen[i], "duplicate index %d", i)
		seen[i] = true
	}
}
