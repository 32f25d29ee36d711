package track

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"dispatchcore/internal/config"
	"dispatchcore/internal/geo"
	"dispatchcore/internal/metrics"
	"dispatchcore/internal/model"
)

// Notifier delivers progress events (delay notices, stop completions) to the
// outbox. The tracker never blocks on delivery longer than the configured
// timeout.
type Notifier interface {
	Emit(ctx context.Context, event string, payload any) error
}

// Observer receives every accepted sample together with a consistent progress
// snapshot, for exception monitoring.
type Observer interface {
	Observe(p Progress, s model.LocationSample)
}

// Progress is a read-only snapshot of one route's live state.
type Progress struct {
	RouteID        string                `json:"routeId"`
	VehicleID      string                `json:"vehicleId"`
	DriverID       string                `json:"driverId,omitempty"`
	State          string                `json:"state"`
	NextStopSeq    int                   `json:"nextStopSeq"`
	CompletedStops int                   `json:"completedStops"`
	TotalStops     int                   `json:"totalStops"`
	Position       model.GeoPoint        `json:"position"`
	LastSample     *model.LocationSample `json:"lastSample,omitempty"`
	EffectiveKph   float64               `json:"effectiveKph"`
	NextStopETA    time.Time             `json:"nextStopEta"`
	RouteETA       time.Time             `json:"routeEta"`
	DelayMin       float64               `json:"delayMin"`
	UpdatedAt      time.Time             `json:"updatedAt"`
}

type liveRoute struct {
	mu    sync.Mutex
	route model.Route
	depot model.GeoPoint

	state            string
	nextSeq          int
	approachSeq      int // last stop seq an approaching notice went out for
	last             *model.LocationSample
	ewmaKph          float64
	est              etaEstimate
	notifiedDelayMin float64
	samples          []model.LocationSample

	ch   chan model.LocationSample
	done chan struct{}
}

// Tracker ingests GPS samples, drives route state machines and recomputes
// ETAs. Each tracked route gets its own pipeline goroutine so samples for one
// vehicle are processed in order; a shared semaphore bounds total concurrent
// processing.
type Tracker struct {
	cfg      config.TrackingConfig
	opt      config.OptimizerConfig // traffic buckets for ETA projection
	region   config.RegionConfig
	log      *logrus.Logger
	met      *metrics.Metrics
	notifier Notifier
	observer Observer

	mu        sync.Mutex
	routes    map[string]*liveRoute
	byVehicle map[string]string
	limiters  map[string]*rate.Limiter
	sem       chan struct{}
}

func NewTracker(cfg config.TrackingConfig, opt config.OptimizerConfig, region config.RegionConfig, log *logrus.Logger, met *metrics.Metrics, n Notifier, o Observer) *Tracker {
	if log == nil {
		log = logrus.New()
	}
	maxc := cfg.MaxConcurrent
	if maxc <= 0 {
		maxc = 32
	}
	return &Tracker{
		cfg:       cfg,
		opt:       opt,
		region:    region,
		log:       log,
		met:       met,
		notifier:  n,
		observer:  o,
		routes:    map[string]*liveRoute{},
		byVehicle: map[string]string{},
		limiters:  map[string]*rate.Limiter{},
		sem:       make(chan struct{}, maxc),
	}
}

// StartRoute begins tracking an assigned route. Idempotent per route id.
func (t *Tracker) StartRoute(r model.Route, depot model.GeoPoint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.routes[r.ID]; ok {
		return
	}
	buf := t.cfg.PipelineBuffer
	if buf <= 0 {
		buf = 64
	}
	lr := &liveRoute{
		route:   r,
		depot:   depot,
		state:   StateNotStarted,
		nextSeq: 1,
		ch:      make(chan model.LocationSample, buf),
		done:    make(chan struct{}),
	}
	t.routes[r.ID] = lr
	if r.VehicleID != "" {
		t.byVehicle[r.VehicleID] = r.ID
	}
	go t.pipeline(lr)
}

// StopRoute ends tracking and releases the pipeline.
func (t *Tracker) StopRoute(routeID string) {
	t.mu.Lock()
	lr, ok := t.routes[routeID]
	if ok {
		delete(t.routes, routeID)
		if lr.route.VehicleID != "" {
			delete(t.byVehicle, lr.route.VehicleID)
		}
	}
	t.mu.Unlock()
	if ok {
		close(lr.done)
	}
}

// RouteForVehicle reports the tracked route a vehicle is currently bound to.
func (t *Tracker) RouteForVehicle(vehicleID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.byVehicle[vehicleID]
	return id, ok
}

func (t *Tracker) pipeline(lr *liveRoute) {
	for {
		select {
		case s := <-lr.ch:
			t.sem <- struct{}{}
			t.apply(lr, s)
			<-t.sem
		case <-lr.done:
			return
		}
	}
}

// Ingest validates a sample and hands it to the owning route's pipeline.
// Validation failures return ErrInvalidSample synchronously; the sample is
// logged and counted, never applied.
func (t *Tracker) Ingest(ctx context.Context, s model.LocationSample) error {
	t.mu.Lock()
	routeID := s.RouteID
	if routeID == "" {
		routeID = t.byVehicle[s.VehicleID]
	}
	lr := t.routes[routeID]
	lim := t.limiters[s.VehicleID]
	if lim == nil {
		r := t.cfg.SampleRatePerSec
		if r <= 0 {
			r = 2
		}
		b := t.cfg.SampleBurst
		if b <= 0 {
			b = 10
		}
		lim = rate.NewLimiter(rate.Limit(r), b)
		t.limiters[s.VehicleID] = lim
	}
	t.mu.Unlock()

	if lr == nil {
		t.reject(s, rejectUnknown)
		return fmt.Errorf("%w: no tracked route for vehicle %s", model.ErrInvalidSample, s.VehicleID)
	}
	if !lim.Allow() {
		t.reject(s, rejectRateLimit)
		return fmt.Errorf("%w: vehicle %s over sample rate", model.ErrInvalidSample, s.VehicleID)
	}

	lr.mu.Lock()
	last := lr.last
	lr.mu.Unlock()
	if reason, err := validateSample(s, last, t.cfg, t.region); err != nil {
		t.reject(s, reason)
		return err
	}
	if s.RouteID == "" {
		s.RouteID = routeID
	}

	select {
	case lr.ch <- s:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Tracker) reject(s model.LocationSample, reason string) {
	if t.met != nil {
		t.met.SamplesRejected.WithLabelValues(reason).Inc()
	}
	t.log.WithFields(logrus.Fields{"vehicle": s.VehicleID, "reason": reason, "ts": s.Timestamp}).
		Warn("location sample rejected")
}

// apply runs the state machine and ETA recompute for one accepted sample.
func (t *Tracker) apply(lr *liveRoute, s model.LocationSample) {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	// second monotonicity check: the pipeline is ordered per route, but a
	// racing Ingest can validate two samples against the same predecessor
	if lr.last != nil && !s.Timestamp.After(lr.last.Timestamp) {
		t.reject(s, rejectStale)
		return
	}

	lr.ewmaKph = updateEffectiveSpeed(lr.ewmaKph, lr.last, s)
	lr.last = &s
	lr.samples = append(lr.samples, s)
	t.trimSamples(lr, s.Timestamp)
	if t.met != nil {
		t.met.SamplesAccepted.Inc()
	}

	t.advanceState(lr, s)

	lr.est = computeETA(lr.route, lr.nextSeq, s.Location, s.Timestamp, lr.ewmaKph, t.cfg, t.opt)
	t.maybeNotifyDelay(lr)

	if t.observer != nil {
		t.observer.Observe(t.progressLocked(lr), s)
	}
}

// advanceState moves the route state machine off one sample.
func (t *Tracker) advanceState(lr *liveRoute, s model.LocationSample) {
	switch lr.state {
	case StateNotStarted:
		if geo.HaversineM(s.Location, lr.depot) > t.cfg.ArrivalRadiusM {
			t.transition(lr, StateDeparted)
			t.transition(lr, StateEnRoute)
			t.emit(lr, "route.departed", map[string]any{
				"routeId":   lr.route.ID,
				"vehicleId": lr.route.VehicleID,
				"at":        s.Timestamp,
			})
		}
	case StateDeparted:
		t.transition(lr, StateEnRoute)
	case StateEnRoute:
		stop := t.nextStop(lr)
		if stop == nil {
			return
		}
		dist := geo.HaversineM(s.Location, stop.Location)
		if dist <= t.cfg.ArrivalRadiusM {
			now := s.Timestamp
			for i := range lr.route.Stops {
				if lr.route.Stops[i].Seq == stop.Seq && lr.route.Stops[i].ActualArrival == nil {
					lr.route.Stops[i].ActualArrival = &now
				}
			}
			t.transition(lr, StateArrivedAtStop)
			t.emit(lr, "stop.arrived", map[string]any{
				"routeId": lr.route.ID,
				"orderId": stop.OrderID,
				"stopSeq": stop.Seq,
				"at":      s.Timestamp,
			})
		} else if dist <= t.cfg.ApproachRadiusM && lr.approachSeq < stop.Seq {
			lr.approachSeq = stop.Seq
			t.emit(lr, "stop.approaching", map[string]any{
				"routeId":   lr.route.ID,
				"orderId":   stop.OrderID,
				"stopSeq":   stop.Seq,
				"distanceM": dist,
			})
		}
	case StateReturning:
		if geo.HaversineM(s.Location, lr.depot) <= t.cfg.ArrivalRadiusM {
			t.transition(lr, StateCompleted)
			t.emit(lr, "route.completed", map[string]any{
				"routeId":   lr.route.ID,
				"vehicleId": lr.route.VehicleID,
				"at":        s.Timestamp,
			})
		}
	}
}

func (t *Tracker) transition(lr *liveRoute, to string) {
	if !canTransition(lr.state, to) {
		return
	}
	if lr.state != to {
		t.log.WithFields(logrus.Fields{"route": lr.route.ID, "from": lr.state, "to": to}).
			Debug("route state transition")
	}
	lr.state = to
}

func (t *Tracker) nextStop(lr *liveRoute) *model.Stop {
	for i := range lr.route.Stops {
		if lr.route.Stops[i].Seq == lr.nextSeq {
			return &lr.route.Stops[i]
		}
	}
	return nil
}

// CompleteStop records a delivery confirmation with its proof reference,
// advances the stop cursor and emits delivery.completed. Completing a stop
// other than the current one fails.
func (t *Tracker) CompleteStop(ctx context.Context, routeID string, seq int, proofRef string, at time.Time) (Progress, error) {
	t.mu.Lock()
	lr := t.routes[routeID]
	t.mu.Unlock()
	if lr == nil {
		return Progress{}, fmt.Errorf("route %s is not tracked", routeID)
	}

	lr.mu.Lock()
	defer lr.mu.Unlock()
	if seq != lr.nextSeq {
		return t.progressLocked(lr), fmt.Errorf("stop %d is not current (next is %d)", seq, lr.nextSeq)
	}
	stop := t.nextStop(lr)
	if stop == nil {
		return t.progressLocked(lr), fmt.Errorf("route %s has no stop %d", routeID, seq)
	}
	stop.Completed = true
	stop.ProofRef = proofRef
	ts := at
	stop.ActualDeparture = &ts
	if stop.ActualArrival == nil {
		stop.ActualArrival = &ts
	}
	lr.nextSeq++

	remaining := 0
	for _, s := range lr.route.Stops {
		if !s.Completed {
			remaining++
		}
	}
	if remaining == 0 {
		t.transition(lr, StateReturning)
	} else {
		t.transition(lr, StateEnRoute)
	}

	t.emit(lr, "delivery.completed", map[string]any{
		"routeId":  lr.route.ID,
		"orderId":  stop.OrderID,
		"stopSeq":  stop.Seq,
		"proofRef": proofRef,
		"at":       at,
	})
	if lr.last != nil {
		lr.est = computeETA(lr.route, lr.nextSeq, lr.last.Location, at, lr.ewmaKph, t.cfg, t.opt)
	}
	_ = ctx
	return t.progressLocked(lr), nil
}

// maybeNotifyDelay sends a delay notice when the projected delay first
// crosses the threshold, and again each time it grows by another threshold.
func (t *Tracker) maybeNotifyDelay(lr *liveRoute) {
	d := lr.est.DelayMin
	if d < t.cfg.ETANotifyMin {
		return
	}
	if d < lr.notifiedDelayMin+t.cfg.ETANotifyMin && lr.notifiedDelayMin > 0 {
		return
	}
	lr.notifiedDelayMin = d
	t.emit(lr, "route.delayed", map[string]any{
		"routeId":  lr.route.ID,
		"delayMin": d,
		"routeEta": lr.est.LastStopETA,
	})
}

func (t *Tracker) emit(lr *liveRoute, event string, payload any) {
	if t.notifier == nil {
		return
	}
	timeout := t.cfg.NotifyTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := t.notifier.Emit(ctx, event, payload); err != nil {
		t.log.WithError(err).WithField("event", event).Warn("notification emit failed")
	}
}

func (t *Tracker) trimSamples(lr *liveRoute, now time.Time) {
	keep := t.cfg.SampleRetention
	if keep <= 0 {
		return
	}
	cut := 0
	for cut < len(lr.samples) && now.Sub(lr.samples[cut].Timestamp) > keep {
		cut++
	}
	if cut > 0 {
		lr.samples = append([]model.LocationSample(nil), lr.samples[cut:]...)
	}
}

// Progress returns the live snapshot for a route. When the feed has gone
// quiet the position is dead-reckoned forward to now.
func (t *Tracker) Progress(routeID string, now time.Time) (Progress, bool) {
	t.mu.Lock()
	lr := t.routes[routeID]
	t.mu.Unlock()
	if lr == nil {
		return Progress{}, false
	}
	lr.mu.Lock()
	defer lr.mu.Unlock()
	p := t.progressLocked(lr)
	if lr.last != nil && now.After(lr.last.Timestamp) && lr.state == StateEnRoute {
		p.Position = deadReckon(*lr.last, now)
	}
	return p, true
}

// Samples returns the retained sample tail for a route, newest last.
func (t *Tracker) Samples(routeID string) []model.LocationSample {
	t.mu.Lock()
	lr := t.routes[routeID]
	t.mu.Unlock()
	if lr == nil {
		return nil
	}
	lr.mu.Lock()
	defer lr.mu.Unlock()
	return append([]model.LocationSample(nil), lr.samples...)
}

func (t *Tracker) progressLocked(lr *liveRoute) Progress {
	p := Progress{
		RouteID:      lr.route.ID,
		VehicleID:    lr.route.VehicleID,
		DriverID:     lr.route.DriverID,
		State:        lr.state,
		NextStopSeq:  lr.nextSeq,
		TotalStops:   len(lr.route.Stops),
		EffectiveKph: lr.est.EffectiveKph,
		NextStopETA:  lr.est.NextStopETA,
		RouteETA:     lr.est.LastStopETA,
		DelayMin:     lr.est.DelayMin,
	}
	for _, s := range lr.route.Stops {
		if s.Completed {
			p.CompletedStops++
		}
	}
	if lr.last != nil {
		cp := *lr.last
		p.LastSample = &cp
		p.Position = cp.Location
		p.UpdatedAt = cp.Timestamp
	}
	return p
}

// Route returns a copy of the tracked route, including actual stop times.
func (t *Tracker) Route(routeID string) (model.Route, bool) {
	t.mu.Lock()
	lr := t.routes[routeID]
	t.mu.Unlock()
	if lr == nil {
		return model.Route{}, false
	}
	lr.mu.Lock()
	defer lr.mu.Unlock()
	r := lr.route
	r.Stops = append([]model.Stop(nil), lr.route.Stops...)
	return r, true
}
