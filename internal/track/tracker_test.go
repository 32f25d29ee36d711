package track

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatchcore/internal/config"
	"dispatchcore/internal/model"
)

type spyNotifier struct {
	mu     sync.Mutex
	events []string
}

func (s *spyNotifier) Emit(_ context.Context, event string, _ any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *spyNotifier) count(event string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e == event {
			n++
		}
	}
	return n
}

type spyObserver struct {
	mu   sync.Mutex
	seen []Progress
}

func (s *spyObserver) Observe(p Progress, _ model.LocationSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, p)
}

var (
	depotPt = model.GeoPoint{Lat: 41.0, Lng: 29.0}
	baseTS  = time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
)

func testRoute() model.Route {
	return model.Route{
		ID:        "rt-1",
		VehicleID: "veh-1",
		DriverID:  "drv-1",
		Status:    model.RouteInProgress,
		Stops: []model.Stop{
			{Seq: 1, OrderID: "o1", Location: model.GeoPoint{Lat: 41.0100, Lng: 29.0}},
			{Seq: 2, OrderID: "o2", Location: model.GeoPoint{Lat: 41.0200, Lng: 29.0}},
		},
	}
}

func newTestTracker(n Notifier, o Observer) *Tracker {
	c := config.Default()
	return NewTracker(c.Tracking, c.Optimizer, c.Region, nil, nil, n, o)
}

func sample(lat, lng, kph float64, at time.Time) model.LocationSample {
	return model.LocationSample{
		VehicleID: "veh-1", RouteID: "rt-1",
		Location: model.GeoPoint{Lat: lat, Lng: lng},
		SpeedKph: kph, Timestamp: at,
	}
}

func TestSampleValidation(t *testing.T) {
	c := config.Default()
	region := config.RegionConfig{LatMin: 40, LatMax: 42, LngMin: 28, LngMax: 30}
	last := sample(41.0, 29.0, 30, baseTS)

	cases := []struct {
		name string
		s    model.LocationSample
	}{
		{"out of region", sample(50.0, 29.0, 30, baseTS.Add(time.Second))},
		{"speed over cap", sample(41.0, 29.0, 200, baseTS.Add(time.Second))},
		{"negative speed", sample(41.0, 29.0, -5, baseTS.Add(time.Second))},
		{"stale timestamp", sample(41.0, 29.0, 30, baseTS)},
		{"teleport", sample(41.9, 29.9, 30, baseTS.Add(time.Second))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := validateSample(tc.s, &last, c.Tracking, region)
			require.Error(t, err)
			assert.True(t, errors.Is(err, model.ErrInvalidSample), "got %v", err)
		})
	}

	_, err := validateSample(sample(41.001, 29.0, 30, baseTS.Add(time.Minute)), &last, c.Tracking, region)
	assert.NoError(t, err)
}

func TestStateMachineFullRoute(t *testing.T) {
	spy := &spyNotifier{}
	obs := &spyObserver{}
	tr := newTestTracker(spy, obs)
	tr.StartRoute(testRoute(), depotPt)
	lr := tr.routes["rt-1"]

	// idle at the depot: no departure yet
	tr.apply(lr, sample(41.0, 29.0, 0, baseTS))
	assert.Equal(t, StateNotStarted, lr.state)

	// pulls away
	tr.apply(lr, sample(41.005, 29.0, 35, baseTS.Add(2*time.Minute)))
	assert.Equal(t, StateEnRoute, lr.state)
	assert.Equal(t, 1, spy.count("route.departed"))

	// reaches stop 1
	tr.apply(lr, sample(41.0100, 29.0, 5, baseTS.Add(4*time.Minute)))
	assert.Equal(t, StateArrivedAtStop, lr.state)
	require.NotNil(t, lr.route.Stops[0].ActualArrival)
	assert.Equal(t, 1, spy.count("stop.arrived"))

	p, err := tr.CompleteStop(context.Background(), "rt-1", 1, "pod-001", baseTS.Add(8*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, StateEnRoute, p.State)
	assert.Equal(t, 2, p.NextStopSeq)
	assert.Equal(t, 1, p.CompletedStops)
	assert.Equal(t, "pod-001", lr.route.Stops[0].ProofRef)
	assert.Equal(t, 1, spy.count("delivery.completed"))

	// closes in on stop 2: one approaching notice, not repeated on arrival
	tr.apply(lr, sample(41.0170, 29.0, 30, baseTS.Add(11*time.Minute)))
	assert.Equal(t, 1, spy.count("stop.approaching"))

	// reaches and completes stop 2
	tr.apply(lr, sample(41.0200, 29.0, 5, baseTS.Add(12*time.Minute)))
	assert.Equal(t, StateArrivedAtStop, lr.state)
	assert.Equal(t, 1, spy.count("stop.approaching"))
	p, err = tr.CompleteStop(context.Background(), "rt-1", 2, "pod-002", baseTS.Add(16*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, StateReturning, p.State)

	// back at the depot
	tr.apply(lr, sample(41.0, 29.0, 0, baseTS.Add(30*time.Minute)))
	assert.Equal(t, StateCompleted, lr.state)
	assert.Equal(t, 1, spy.count("route.completed"))

	// monitor saw every accepted sample
	obs.mu.Lock()
	assert.Len(t, obs.seen, 6)
	obs.mu.Unlock()
}

func TestCompleteStopOutOfOrder(t *testing.T) {
	tr := newTestTracker(nil, nil)
	tr.StartRoute(testRoute(), depotPt)
	_, err := tr.CompleteStop(context.Background(), "rt-1", 2, "pod", baseTS)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not current")
}

func TestDelayNotifiedOnceUntilItGrows(t *testing.T) {
	spy := &spyNotifier{}
	tr := newTestTracker(spy, nil)
	r := testRoute()
	// one stop, due almost immediately, vehicle 10km out and stationary
	r.Stops = []model.Stop{{Seq: 1, OrderID: "o1",
		Location:       model.GeoPoint{Lat: 41.09, Lng: 29.0},
		PlannedArrival: baseTS.Add(5 * time.Minute)}}
	tr.StartRoute(r, depotPt)
	lr := tr.routes["rt-1"]

	tr.apply(lr, sample(41.0, 29.0, 0, baseTS))
	assert.Greater(t, lr.est.DelayMin, 15.0)
	assert.Equal(t, 1, spy.count("route.delayed"))

	// same picture seconds later: no repeat notice
	tr.apply(lr, sample(41.0, 29.0, 0, baseTS.Add(5*time.Second)))
	assert.Equal(t, 1, spy.count("route.delayed"))
}

func TestETATrafficBucketStretchesTravel(t *testing.T) {
	c := config.Default()
	r := testRoute()
	r.Stops = []model.Stop{{Seq: 1, OrderID: "o1",
		Location: model.GeoPoint{Lat: 41.09, Lng: 29.0}}} // ~10km north
	pos := model.GeoPoint{Lat: 41.0, Lng: 29.0}

	offPeak := time.Date(2026, 8, 24, 5, 0, 0, 0, time.UTC)
	rush := time.Date(2026, 8, 24, 8, 0, 0, 0, time.UTC)

	quiet := computeETA(r, 1, pos, offPeak, 40, c.Tracking, c.Optimizer)
	jammed := computeETA(r, 1, pos, rush, 40, c.Tracking, c.Optimizer)

	quietDur := quiet.NextStopETA.Sub(offPeak)
	jammedDur := jammed.NextStopETA.Sub(rush)
	require.Greater(t, jammedDur, quietDur)
	// morning rush stretches pure travel time by its bucket multiplier
	assert.InDelta(t, c.Optimizer.TrafficMorningRush,
		float64(jammedDur)/float64(quietDur), 0.001)
	// the bucket never touches the reported speed
	assert.Equal(t, quiet.EffectiveKph, jammed.EffectiveKph)
}

func TestETAConvergesWhileApproaching(t *testing.T) {
	tr := newTestTracker(nil, nil)
	r := testRoute()
	r.Stops = r.Stops[:1]
	tr.StartRoute(r, depotPt)
	lr := tr.routes["rt-1"]

	prevDist := 1e18
	for i := 0; i < 5; i++ {
		lat := 41.0 + float64(i)*0.002 // steady approach to 41.01
		tr.apply(lr, sample(lat, 29.0, 30, baseTS.Add(time.Duration(i)*time.Minute)))
		require.Less(t, lr.est.RemainDistM, prevDist, "step %d", i)
		prevDist = lr.est.RemainDistM
	}
	assert.Greater(t, lr.est.EffectiveKph, config.Default().Tracking.MinEffectiveKph)
}

func TestIngestUnknownRoute(t *testing.T) {
	tr := newTestTracker(nil, nil)
	err := tr.Ingest(context.Background(), sample(41.0, 29.0, 30, baseTS))
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrInvalidSample))
}

func TestIngestRateLimit(t *testing.T) {
	c := config.Default()
	c.Tracking.SampleRatePerSec = 1
	c.Tracking.SampleBurst = 2
	tr := NewTracker(c.Tracking, c.Optimizer, c.Region, nil, nil, nil, nil)
	tr.StartRoute(testRoute(), depotPt)

	ctx := context.Background()
	require.NoError(t, tr.Ingest(ctx, sample(41.0, 29.0, 10, baseTS)))
	require.NoError(t, tr.Ingest(ctx, sample(41.0001, 29.0, 10, baseTS.Add(time.Second))))
	err := tr.Ingest(ctx, sample(41.0002, 29.0, 10, baseTS.Add(2*time.Second)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrInvalidSample))
	tr.StopRoute("rt-1")
}

func TestProgressDeadReckons(t *testing.T) {
	tr := newTestTracker(nil, nil)
	tr.StartRoute(testRoute(), depotPt)
	lr := tr.routes["rt-1"]
	tr.apply(lr, sample(41.005, 29.0, 36, baseTS)) // en_route, heading 0 = north
	lr.mu.Lock()
	lr.last.HeadingDeg = 0
	lr.mu.Unlock()

	p, ok := tr.Progress("rt-1", baseTS.Add(time.Minute))
	require.True(t, ok)
	// 36 km/h for one minute = 600m further north
	assert.Greater(t, p.Position.Lat, 41.005)
}
