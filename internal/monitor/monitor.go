package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"dispatchcore/internal/config"
	"dispatchcore/internal/geo"
	"dispatchcore/internal/metrics"
	"dispatchcore/internal/model"
	"dispatchcore/internal/track"
)

// severityRank orders both ladders so an open event only ever upgrades.
var severityRank = map[string]int{
	model.SeverityMinor: 1, model.SeverityMajor: 2, model.SeverityCritical: 3,
	model.SeverityYellow: 1, model.SeverityOrange: 2, model.SeverityRed: 3,
}

// watch is the per-route monitoring state.
type watch struct {
	route       model.Route
	path        []model.GeoPoint // depot, stops..., depot
	stopType    map[int]string   // seq -> stop type
	arrivedAt   time.Time        // current arrived_at_stop dwell start
	arrivedSeq  int
	lastMovedAt time.Time
	lastMovePos model.GeoPoint
	wrongDirAt  time.Time // zero when pointing the right way
}

// Monitor classifies accepted samples into exception events. It implements
// track.Observer; the tracker calls Observe with a consistent progress
// snapshot per sample.
type Monitor struct {
	cfg      config.MonitorConfig
	log      *logrus.Logger
	met      *metrics.Metrics
	notifier track.Notifier

	mu      sync.Mutex
	watches map[string]*watch
	open    map[string]*model.ExceptionEvent // key: routeID|type|seq
	history []model.ExceptionEvent           // resolved events, for audit
}

func New(cfg config.MonitorConfig, log *logrus.Logger, met *metrics.Metrics, n track.Notifier) *Monitor {
	if log == nil {
		log = logrus.New()
	}
	return &Monitor{
		cfg:      cfg,
		log:      log,
		met:      met,
		notifier: n,
		watches:  map[string]*watch{},
		open:     map[string]*model.ExceptionEvent{},
	}
}

// WatchRoute registers a route before its samples arrive.
func (m *Monitor) WatchRoute(r model.Route, depot model.GeoPoint) {
	w := &watch{route: r, stopType: map[int]string{}}
	w.path = append(w.path, depot)
	for _, s := range r.Stops {
		w.path = append(w.path, s.Location)
		w.stopType[s.Seq] = s.StopType
	}
	w.path = append(w.path, depot)
	m.mu.Lock()
	m.watches[r.ID] = w
	m.mu.Unlock()
}

// UnwatchRoute resolves anything still open and drops the route.
func (m *Monitor) UnwatchRoute(routeID string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.watches, routeID)
	for k, e := range m.open {
		if e.RouteID == routeID {
			m.resolveLocked(k, at)
		}
	}
}

// Observe classifies one sample. Called by the tracker per accepted sample.
func (m *Monitor) Observe(p track.Progress, s model.LocationSample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.watches[p.RouteID]
	if w == nil {
		return
	}
	now := s.Timestamp

	m.checkDeviation(w, p, s, now)
	m.checkWrongDirection(w, p, s, now)
	m.checkLongStop(w, p, now)
	m.checkNoMovement(w, p, s, now)
	m.checkSpeed(w, s, now)
}

// deviationBand classifies off-path distance. The critical boundary is
// exclusive: exactly the critical distance is still major.
func deviationBand(d float64, cfg config.MonitorConfig) (severity, action, escalation string, ok bool) {
	switch {
	case d > cfg.DeviationCriticalM:
		return model.SeverityCritical, "emergency", model.EscalationManager, true
	case d >= cfg.DeviationMajorM:
		return model.SeverityMajor, "alert_dispatch", model.EscalationSupervisor, true
	case d >= cfg.DeviationMinorM:
		return model.SeverityMinor, "log", model.EscalationAuto, true
	}
	return "", "", "", false
}

// checkDeviation bands distance from the planned path.
func (m *Monitor) checkDeviation(w *watch, p track.Progress, s model.LocationSample, now time.Time) {
	if p.State != track.StateEnRoute && p.State != track.StateReturning {
		return
	}
	d := geo.DistToPathM(s.Location, w.path)
	key := eventKey(p.RouteID, model.ExceptionRouteDeviation, 0)
	severity, action, escalation, ok := deviationBand(d, m.cfg)
	if !ok {
		m.resolveLocked(key, now)
		return
	}
	m.raiseLocked(key, model.ExceptionEvent{
		Type: model.ExceptionRouteDeviation, Severity: severity,
		RouteID: p.RouteID, VehicleID: s.VehicleID,
		Detail: fmt.Sprintf("%.0f m off the planned path", d),
		Action: action, Escalation: escalation,
	}, now)
}

// checkWrongDirection raises when the vehicle's heading stays opposed to the
// bearing toward its next stop past the sustained-time threshold.
func (m *Monitor) checkWrongDirection(w *watch, p track.Progress, s model.LocationSample, now time.Time) {
	if p.State != track.StateEnRoute || s.SpeedKph < 5 {
		w.wrongDirAt = time.Time{}
		return
	}
	var next *model.Stop
	for i := range w.route.Stops {
		if w.route.Stops[i].Seq == p.NextStopSeq {
			next = &w.route.Stops[i]
			break
		}
	}
	if next == nil {
		w.wrongDirAt = time.Time{}
		return
	}
	want := geo.BearingDeg(s.Location, next.Location)
	if geo.AngleDiffDeg(s.HeadingDeg, want) <= 135 {
		w.wrongDirAt = time.Time{}
		return
	}
	if w.wrongDirAt.IsZero() {
		w.wrongDirAt = now
		return
	}
	if now.Sub(w.wrongDirAt) >= m.cfg.WrongDirectionFor {
		m.raiseLocked(eventKey(p.RouteID, model.ExceptionRouteDeviation, p.NextStopSeq), model.ExceptionEvent{
			Type: model.ExceptionRouteDeviation, Severity: model.SeverityMajor,
			RouteID: p.RouteID, StopSeq: p.NextStopSeq, VehicleID: s.VehicleID,
			Detail:     fmt.Sprintf("heading away from stop %d for %s", p.NextStopSeq, now.Sub(w.wrongDirAt).Round(time.Minute)),
			Action:     "alert_dispatch",
			Escalation: model.EscalationSupervisor,
		}, now)
	}
}

// checkLongStop ladders dwell time at a stop against the stop-type baseline.
func (m *Monitor) checkLongStop(w *watch, p track.Progress, now time.Time) {
	if p.State != track.StateArrivedAtStop {
		if w.arrivedSeq != 0 {
			m.resolveLocked(eventKey(p.RouteID, model.ExceptionLongStop, w.arrivedSeq), now)
			w.arrivedSeq = 0
		}
		return
	}
	if w.arrivedSeq != p.NextStopSeq {
		w.arrivedSeq = p.NextStopSeq
		w.arrivedAt = now
		return
	}
	baseline := m.cfg.StopBaselineMin[w.stopType[p.NextStopSeq]]
	if baseline <= 0 {
		baseline = m.cfg.StopBaselineMin["residential"]
		if baseline <= 0 {
			baseline = 8
		}
	}
	base := time.Duration(baseline * float64(time.Minute))
	dwell := now.Sub(w.arrivedAt)
	key := eventKey(p.RouteID, model.ExceptionLongStop, p.NextStopSeq)

	ev := model.ExceptionEvent{
		Type: model.ExceptionLongStop, RouteID: p.RouteID, StopSeq: p.NextStopSeq, VehicleID: p.VehicleID,
		Detail: fmt.Sprintf("stop %d dwell %s against %s baseline", p.NextStopSeq, dwell.Round(time.Minute), base),
	}
	// ladder over baseline: 2x yellow, 3x orange, 30 min past baseline red;
	// dwell up to twice the baseline is normal service
	switch {
	case dwell >= base+m.cfg.RedOverBaseline:
		ev.Severity, ev.Action, ev.Escalation = model.SeverityRed, "alert_dispatch", model.EscalationManager
	case dwell >= 3*base:
		ev.Severity, ev.Action, ev.Escalation = model.SeverityOrange, "alert_dispatch", model.EscalationSupervisor
	case dwell >= 2*base:
		ev.Severity, ev.Action, ev.Escalation = model.SeverityYellow, "log", model.EscalationAuto
	default:
		return
	}
	m.raiseLocked(key, ev, now)
}

// checkNoMovement watches an en_route vehicle that has stopped making
// progress between stops.
func (m *Monitor) checkNoMovement(w *watch, p track.Progress, s model.LocationSample, now time.Time) {
	if p.State != track.StateEnRoute && p.State != track.StateReturning {
		w.lastMovedAt = now
		w.lastMovePos = s.Location
		return
	}
	if w.lastMovedAt.IsZero() || geo.HaversineM(w.lastMovePos, s.Location) > 30 {
		w.lastMovedAt = now
		w.lastMovePos = s.Location
		m.resolveLocked(eventKey(p.RouteID, model.ExceptionNoMovement, 0), now)
		return
	}
	idle := now.Sub(w.lastMovedAt)
	key := eventKey(p.RouteID, model.ExceptionNoMovement, 0)
	switch {
	case idle >= m.cfg.NoMovementAssist:
		m.raiseLocked(key, model.ExceptionEvent{
			Type: model.ExceptionNoMovement, Severity: model.SeverityCritical,
			RouteID: p.RouteID, VehicleID: s.VehicleID,
			Detail:     fmt.Sprintf("no movement for %s, dispatching roadside assistance", idle.Round(time.Minute)),
			Action:     "emergency",
			Escalation: model.EscalationManager,
		}, now)
	case idle >= m.cfg.NoMovementCheck:
		m.raiseLocked(key, model.ExceptionEvent{
			Type: model.ExceptionNoMovement, Severity: model.SeverityMajor,
			RouteID: p.RouteID, VehicleID: s.VehicleID,
			Detail:     fmt.Sprintf("no movement for %s, driver welfare check", idle.Round(time.Minute)),
			Action:     "alert_dispatch",
			Escalation: model.EscalationSupervisor,
		}, now)
	}
}

// checkSpeed ladders the reported speed against the zone limit.
func (m *Monitor) checkSpeed(w *watch, s model.LocationSample, now time.Time) {
	key := eventKey(w.route.ID, model.ExceptionSpeedViolation, 0)
	switch {
	case s.SpeedKph > m.cfg.SpeedLimitKph+m.cfg.SpeedDangerOverKph:
		m.raiseLocked(key, model.ExceptionEvent{
			Type: model.ExceptionSpeedViolation, Severity: model.SeverityCritical,
			RouteID: w.route.ID, VehicleID: s.VehicleID,
			Detail:     fmt.Sprintf("%.0f km/h in a %.0f km/h zone", s.SpeedKph, m.cfg.SpeedLimitKph),
			Action:     "immobilize_request",
			Escalation: model.EscalationDirector,
		}, now)
	case s.SpeedKph > m.cfg.SpeedLimitKph:
		m.raiseLocked(key, model.ExceptionEvent{
			Type: model.ExceptionSpeedViolation, Severity: model.SeverityMinor,
			RouteID: w.route.ID, VehicleID: s.VehicleID,
			Detail:     fmt.Sprintf("%.0f km/h in a %.0f km/h zone", s.SpeedKph, m.cfg.SpeedLimitKph),
			Action:     "warn_driver",
			Escalation: model.EscalationAuto,
		}, now)
	default:
		m.resolveLocked(key, now)
	}
}

// raiseLocked opens a new event or upgrades the open one in place. A repeat
// observation at the same or lower severity refreshes nothing, so each
// condition produces one event until it resolves.
func (m *Monitor) raiseLocked(key string, ev model.ExceptionEvent, now time.Time) {
	if cur, ok := m.open[key]; ok {
		if severityRank[ev.Severity] <= severityRank[cur.Severity] {
			return
		}
		cur.Severity = ev.Severity
		cur.Detail = ev.Detail
		cur.Action = ev.Action
		cur.Escalation = ev.Escalation
		m.record(*cur, "exception.upgraded")
		return
	}
	ev.ID = uuid.NewString()
	ev.RaisedAt = now
	m.open[key] = &ev
	m.record(ev, "exception.raised")
}

func (m *Monitor) resolveLocked(key string, at time.Time) {
	e, ok := m.open[key]
	if !ok {
		return
	}
	delete(m.open, key)
	ts := at
	e.ResolvedAt = &ts
	m.history = append(m.history, *e)
	m.log.WithFields(logrus.Fields{"route": e.RouteID, "type": e.Type, "severity": e.Severity}).
		Info("exception resolved")
}

func (m *Monitor) record(e model.ExceptionEvent, event string) {
	if m.met != nil {
		m.met.Exceptions.WithLabelValues(string(e.Type), e.Severity).Inc()
	}
	m.log.WithFields(logrus.Fields{
		"route": e.RouteID, "type": e.Type, "severity": e.Severity, "action": e.Action,
	}).Warn("exception " + e.Action)
	if m.notifier != nil {
		ctx, cancel := contextWithTimeout()
		defer cancel()
		if err := m.notifier.Emit(ctx, event, e); err != nil {
			m.log.WithError(err).Warn("exception notification failed")
		}
	}
}

// Resolve closes an open event by id, for operator acknowledgement.
func (m *Monitor) Resolve(id string, at time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, e := range m.open {
		if e.ID == id {
			m.resolveLocked(k, at)
			return true
		}
	}
	return false
}

// Open returns currently open events, optionally filtered by route.
func (m *Monitor) Open(routeID string) []model.ExceptionEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ExceptionEvent
	for _, e := range m.open {
		if routeID == "" || e.RouteID == routeID {
			out = append(out, *e)
		}
	}
	return out
}

// History returns resolved events, newest last.
func (m *Monitor) History(routeID string) []model.ExceptionEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ExceptionEvent
	for _, e := range m.history {
		if routeID == "" || e.RouteID == routeID {
			out = append(out, e)
		}
	}
	return out
}

func contextWithTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 2*time.Second)
}

func eventKey(routeID string, t model.ExceptionType, seq int) string {
	return fmt.Sprintf("%s|%s|%d", routeID, t, seq)
}
