package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"dispatchcore/internal/model"
)

// Memory is the in-process store used by tests and single-node runs.
type Memory struct {
	mu sync.RWMutex

	orders        map[string]model.Order
	zones         map[string]model.Zone
	vehicles      map[string]model.Vehicle
	drivers       map[string]model.Driver
	routes        map[string]model.Route
	assignments   map[string][]model.Assignment // by route id
	planRuns      []model.PlanRunSummary
	samples       map[string][]model.LocationSample // by route id
	outbox        map[string]Notification
	subscriptions map[string]Subscription
}

func NewMemory() *Memory {
	return &Memory{
		orders:        map[string]model.Order{},
		zones:         map[string]model.Zone{},
		vehicles:      map[string]model.Vehicle{},
		drivers:       map[string]model.Driver{},
		routes:        map[string]model.Route{},
		assignments:   map[string][]model.Assignment{},
		samples:       map[string][]model.LocationSample{},
		outbox:        map[string]Notification{},
		subscriptions: map[string]Subscription{},
	}
}

func (m *Memory) UpsertOrder(_ context.Context, o model.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = o
	return nil
}

func (m *Memory) GetOrder(_ context.Context, id string) (model.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return model.Order{}, ErrNotFound
	}
	return o, nil
}

func (m *Memory) ListOrders(_ context.Context, f OrderFilter) ([]model.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Order
	for _, o := range m.orders {
		if f.ZoneID != "" && o.ZoneID != f.ZoneID {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SetOrderStatus(_ context.Context, id string, s model.OrderStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return ErrNotFound
	}
	o.Status = s
	m.orders[id] = o
	return nil
}

func (m *Memory) PutZone(_ context.Context, z model.Zone) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.zones[z.ID] = z
	return nil
}

func (m *Memory) GetZone(_ context.Context, id string) (model.Zone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	z, ok := m.zones[id]
	if !ok {
		return model.Zone{}, ErrNotFound
	}
	return z, nil
}

func (m *Memory) ListZones(_ context.Context) ([]model.Zone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Zone
	for _, z := range m.zones {
		out = append(out, z)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) PutVehicle(_ context.Context, v model.Vehicle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vehicles[v.ID] = v
	return nil
}

func (m *Memory) ListVehicles(_ context.Context) ([]model.Vehicle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Vehicle
	for _, v := range m.vehicles {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) PutDriver(_ context.Context, d model.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers[d.ID] = d
	return nil
}

func (m *Memory) ListDrivers(_ context.Context) ([]model.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Driver
	for _, d := range m.drivers {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SaveRoute(_ context.Context, r model.Route) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[r.ID] = r
	return nil
}

func (m *Memory) GetRoute(_ context.Context, id string) (model.Route, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.routes[id]
	if !ok {
		return model.Route{}, ErrNotFound
	}
	return r, nil
}

func (m *Memory) ListRoutes(_ context.Context, f RouteFilter) ([]model.Route, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Route
	for _, r := range m.routes {
		if f.PlanDate != "" && r.PlanDate != f.PlanDate {
			continue
		}
		if f.ZoneID != "" && r.ZoneID != f.ZoneID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SetRouteStatus(_ context.Context, id string, s model.RouteStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routes[id]
	if !ok {
		return ErrNotFound
	}
	r.Status = s
	m.routes[id] = r
	return nil
}

func (m *Memory) SaveAssignment(_ context.Context, a model.Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignments[a.RouteID] = append(m.assignments[a.RouteID], a)
	return nil
}

func (m *Memory) ActiveAssignment(_ context.Context, routeID string) (model.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.assignments[routeID] {
		if a.Active {
			return a, nil
		}
	}
	return model.Assignment{}, ErrNotFound
}

func (m *Memory) ListAssignments(_ context.Context, routeID string) ([]model.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if routeID != "" {
		return append([]model.Assignment(nil), m.assignments[routeID]...), nil
	}
	var out []model.Assignment
	for _, as := range m.assignments {
		out = append(out, as...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) DeactivateAssignments(_ context.Context, routeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	as := m.assignments[routeID]
	for i := range as {
		as[i].Active = false
	}
	return nil
}

func (m *Memory) SavePlanRun(_ context.Context, s model.PlanRunSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.planRuns = append(m.planRuns, s)
	return nil
}

func (m *Memory) ListPlanRuns(_ context.Context, limit int) ([]model.PlanRunSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]model.PlanRunSummary(nil), m.planRuns...)
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) SaveSample(_ context.Context, s model.LocationSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples[s.RouteID] = append(m.samples[s.RouteID], s)
	return nil
}

func (m *Memory) ListSamples(_ context.Context, routeID string, since time.Time) ([]model.LocationSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.LocationSample
	for _, s := range m.samples[routeID] {
		if !since.IsZero() && s.Timestamp.Before(since) {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (m *Memory) EnqueueNotification(_ context.Context, n Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n.Status == "" {
		n.Status = NotifyPending
	}
	m.outbox[n.ID] = n
	return nil
}

func (m *Memory) DueNotifications(_ context.Context, now time.Time, limit int) ([]Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Notification
	for _, n := range m.outbox {
		if n.Status == NotifyPending && !n.NextAttempt.After(now) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) MarkNotification(_ context.Context, id string, status string, attempts int, nextAttempt time.Time, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.outbox[id]
	if !ok {
		return ErrNotFound
	}
	n.Status = status
	n.Attempts = attempts
	n.NextAttempt = nextAttempt
	n.LastError = lastErr
	m.outbox[id] = n
	return nil
}

func (m *Memory) PutSubscription(_ context.Context, s Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions[s.ID] = s
	return nil
}

func (m *Memory) DeleteSubscription(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subscriptions[id]; !ok {
		return ErrNotFound
	}
	delete(m.subscriptions, id)
	return nil
}

func (m *Memory) ListSubscriptions(_ context.Context) ([]Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Subscription
	for _, s := range m.subscriptions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Ping(context.Context) error { return nil }
func (m *Memory) Close() error               { return nil }
