package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatchcore/internal/config"
	"dispatchcore/internal/model"
	"dispatchcore/internal/track"
)

var (
	depotPt = model.GeoPoint{Lat: 41.0, Lng: 29.0}
	baseTS  = time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
)

func watchedRoute() model.Route {
	return model.Route{
		ID:        "rt-1",
		VehicleID: "veh-1",
		Stops: []model.Stop{
			{Seq: 1, OrderID: "o1", StopType: "residential", Location: model.GeoPoint{Lat: 41.05, Lng: 29.0}},
			{Seq: 2, OrderID: "o2", StopType: "commercial", Location: model.GeoPoint{Lat: 41.10, Lng: 29.0}},
		},
	}
}

func newTestMonitor() *Monitor {
	return New(config.Default().Monitor, nil, nil, nil)
}

func enRoute(nextSeq int) track.Progress {
	return track.Progress{RouteID: "rt-1", VehicleID: "veh-1", State: track.StateEnRoute, NextStopSeq: nextSeq}
}

func atStop(seq int) track.Progress {
	return track.Progress{RouteID: "rt-1", VehicleID: "veh-1", State: track.StateArrivedAtStop, NextStopSeq: seq}
}

func sampleAt(lat, lng, kph, heading float64, at time.Time) model.LocationSample {
	return model.LocationSample{
		VehicleID: "veh-1", RouteID: "rt-1",
		Location: model.GeoPoint{Lat: lat, Lng: lng},
		SpeedKph: kph, HeadingDeg: heading, Timestamp: at,
	}
}

func TestDeviationBands(t *testing.T) {
	// planned path runs due north along lng 29; offsets east are pure deviation
	cases := []struct {
		name     string
		lngOff   float64 // degrees east of the path, ~85.4 km/deg at lat 41
		severity string
		action   string
	}{
		{"minor at 600m", 0.00703, model.SeverityMinor, "log"},
		{"major at 2km", 0.02343, model.SeverityMajor, "alert_dispatch"},
		{"critical at 6km", 0.07028, model.SeverityCritical, "emergency"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := newTestMonitor()
			m.WatchRoute(watchedRoute(), depotPt)
			m.Observe(enRoute(1), sampleAt(41.02, 29.0+tc.lngOff, 40, 0, baseTS))
			open := m.Open("rt-1")
			require.Len(t, open, 1)
			assert.Equal(t, model.ExceptionRouteDeviation, open[0].Type)
			assert.Equal(t, tc.severity, open[0].Severity)
			assert.Equal(t, tc.action, open[0].Action)
		})
	}
}

func TestDeviationBandBoundaries(t *testing.T) {
	cfg := config.Default().Monitor
	cases := []struct {
		d        float64
		severity string
		ok       bool
	}{
		{499, "", false},
		{500, model.SeverityMinor, true},
		{999, model.SeverityMinor, true},
		{1000, model.SeverityMajor, true},
		{5000, model.SeverityMajor, true}, // exactly 5 km is still major
		{5001, model.SeverityCritical, true},
	}
	for _, tc := range cases {
		severity, _, _, ok := deviationBand(tc.d, cfg)
		assert.Equal(t, tc.ok, ok, "d=%.0f", tc.d)
		assert.Equal(t, tc.severity, severity, "d=%.0f", tc.d)
	}
}

func TestDeviationUpgradesAndResolves(t *testing.T) {
	m := newTestMonitor()
	m.WatchRoute(watchedRoute(), depotPt)

	m.Observe(enRoute(1), sampleAt(41.02, 29.00703, 40, 0, baseTS)) // ~600m
	m.Observe(enRoute(1), sampleAt(41.02, 29.02343, 40, 0, baseTS.Add(time.Minute)))
	open := m.Open("rt-1")
	require.Len(t, open, 1, "dedup: one open deviation event")
	assert.Equal(t, model.SeverityMajor, open[0].Severity)

	// back on the path resolves it
	m.Observe(enRoute(1), sampleAt(41.02, 29.0, 40, 0, baseTS.Add(2*time.Minute)))
	assert.Empty(t, m.Open("rt-1"))
	hist := m.History("rt-1")
	require.Len(t, hist, 1)
	assert.NotNil(t, hist[0].ResolvedAt)
}

func TestDeviationNeverDowngrades(t *testing.T) {
	m := newTestMonitor()
	m.WatchRoute(watchedRoute(), depotPt)
	m.Observe(enRoute(1), sampleAt(41.02, 29.07028, 40, 0, baseTS)) // critical
	m.Observe(enRoute(1), sampleAt(41.02, 29.00703, 40, 0, baseTS.Add(time.Minute)))
	open := m.Open("rt-1")
	require.Len(t, open, 1)
	assert.Equal(t, model.SeverityCritical, open[0].Severity)
}

func TestWrongDirectionSustained(t *testing.T) {
	m := newTestMonitor()
	m.WatchRoute(watchedRoute(), depotPt)

	// next stop is due north; heading south at speed
	m.Observe(enRoute(1), sampleAt(41.01, 29.0, 40, 180, baseTS))
	assert.Empty(t, m.Open("rt-1"), "no event before the sustain window")
	m.Observe(enRoute(1), sampleAt(41.005, 29.0, 40, 180, baseTS.Add(6*time.Minute)))
	open := m.Open("rt-1")
	require.Len(t, open, 1)
	assert.Equal(t, model.ExceptionRouteDeviation, open[0].Type)
	assert.Contains(t, open[0].Detail, "heading away")
}

func TestLongStopLadder(t *testing.T) {
	m := newTestMonitor()
	m.WatchRoute(watchedRoute(), depotPt)
	loc := sampleAt(41.05, 29.0, 0, 0, baseTS)

	m.Observe(atStop(1), loc) // arrival marks the dwell start
	assert.Empty(t, m.Open("rt-1"))

	// residential baseline is 8 min; a dwell within twice the baseline is
	// normal service
	loc.Timestamp = baseTS.Add(9 * time.Minute)
	m.Observe(atStop(1), loc)
	assert.Empty(t, m.Open("rt-1"))

	loc.Timestamp = baseTS.Add(16*time.Minute - time.Second)
	m.Observe(atStop(1), loc)
	assert.Empty(t, m.Open("rt-1"), "one tick below 2x baseline stays quiet")

	// exactly 2x baseline goes yellow
	loc.Timestamp = baseTS.Add(16 * time.Minute)
	m.Observe(atStop(1), loc)
	open := m.Open("rt-1")
	require.Len(t, open, 1)
	assert.Equal(t, model.SeverityYellow, open[0].Severity)
	assert.Equal(t, "log", open[0].Action)

	// 3x baseline goes orange
	loc.Timestamp = baseTS.Add(24 * time.Minute)
	m.Observe(atStop(1), loc)
	assert.Equal(t, model.SeverityOrange, m.Open("rt-1")[0].Severity)

	// 30 min past baseline goes red
	loc.Timestamp = baseTS.Add(38 * time.Minute)
	m.Observe(atStop(1), loc)
	open = m.Open("rt-1")
	assert.Equal(t, model.SeverityRed, open[0].Severity)
	assert.Equal(t, model.EscalationManager, open[0].Escalation)

	// departure resolves the dwell event
	m.Observe(enRoute(2), sampleAt(41.06, 29.0, 30, 0, baseTS.Add(39*time.Minute)))
	assert.Empty(t, m.Open("rt-1"))
}

func TestNoMovementLadder(t *testing.T) {
	m := newTestMonitor()
	m.WatchRoute(watchedRoute(), depotPt)

	m.Observe(enRoute(1), sampleAt(41.02, 29.0, 0, 0, baseTS))
	m.Observe(enRoute(1), sampleAt(41.02, 29.0, 0, 0, baseTS.Add(11*time.Minute)))
	open := m.Open("rt-1")
	require.Len(t, open, 1)
	assert.Equal(t, model.ExceptionNoMovement, open[0].Type)
	assert.Equal(t, model.SeverityMajor, open[0].Severity)
	assert.Contains(t, open[0].Detail, "welfare")

	m.Observe(enRoute(1), sampleAt(41.02, 29.0, 0, 0, baseTS.Add(21*time.Minute)))
	open = m.Open("rt-1")
	require.Len(t, open, 1)
	assert.Equal(t, model.SeverityCritical, open[0].Severity)
	assert.Contains(t, open[0].Detail, "roadside")

	// movement resolves
	m.Observe(enRoute(1), sampleAt(41.025, 29.0, 30, 0, baseTS.Add(22*time.Minute)))
	assert.Empty(t, m.Open("rt-1"))
}

func TestSpeedLadder(t *testing.T) {
	m := newTestMonitor()
	m.WatchRoute(watchedRoute(), depotPt)

	m.Observe(enRoute(1), sampleAt(41.02, 29.0, 95, 0, baseTS))
	open := m.Open("rt-1")
	require.Len(t, open, 1)
	assert.Equal(t, model.ExceptionSpeedViolation, open[0].Type)
	assert.Equal(t, "warn_driver", open[0].Action)

	m.Observe(enRoute(1), sampleAt(41.025, 29.0, 125, 0, baseTS.Add(time.Minute)))
	open = m.Open("rt-1")
	require.Len(t, open, 1)
	assert.Equal(t, "immobilize_request", open[0].Action)
	assert.Equal(t, model.EscalationDirector, open[0].Escalation)

	m.Observe(enRoute(1), sampleAt(41.03, 29.0, 60, 0, baseTS.Add(2*time.Minute)))
	assert.Empty(t, m.Open("rt-1"))
}

func TestOperatorResolve(t *testing.T) {
	m := newTestMonitor()
	m.WatchRoute(watchedRoute(), depotPt)
	m.Observe(enRoute(1), sampleAt(41.02, 29.00703, 40, 0, baseTS))
	open := m.Open("rt-1")
	require.Len(t, open, 1)

	assert.True(t, m.Resolve(open[0].ID, baseTS.Add(time.Minute)))
	assert.Empty(t, m.Open("rt-1"))
	assert.False(t, m.Resolve("nope", baseTS))
}
