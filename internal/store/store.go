package store

import (
	"context"
	"errors"
	"time"

	"dispatchcore/internal/model"
)

var ErrNotFound = errors.New("not found")

// Notification is one outbox record awaiting webhook delivery.
type Notification struct {
	ID          string    `json:"id"`
	Event       string    `json:"event"`
	Payload     []byte    `json:"payload"`
	Attempts    int       `json:"attempts"`
	NextAttempt time.Time `json:"nextAttempt"`
	Status      string    `json:"status"` // pending, delivered, dead
	LastError   string    `json:"lastError,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

const (
	NotifyPending   = "pending"
	NotifyDelivered = "delivered"
	NotifyDead      = "dead"
)

// Subscription is a webhook endpoint registered for events.
type Subscription struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Secret    string    `json:"secret,omitempty"`
	Events    []string  `json:"events,omitempty"` // empty = all
	CreatedAt time.Time `json:"createdAt"`
}

// OrderFilter narrows order listings.
type OrderFilter struct {
	ZoneID string
	Status model.OrderStatus
}

// RouteFilter narrows route listings.
type RouteFilter struct {
	PlanDate string
	ZoneID   string
	Status   model.RouteStatus
}

// Store is the persistence boundary. Memory backs tests and single-node
// deployments; Postgres backs everything else.
type Store interface {
	UpsertOrder(ctx context.Context, o model.Order) error
	GetOrder(ctx context.Context, id string) (model.Order, error)
	ListOrders(ctx context.Context, f OrderFilter) ([]model.Order, error)
	SetOrderStatus(ctx context.Context, id string, s model.OrderStatus) error

	PutZone(ctx context.Context, z model.Zone) error
	GetZone(ctx context.Context, id string) (model.Zone, error)
	ListZones(ctx context.Context) ([]model.Zone, error)

	PutVehicle(ctx context.Context, v model.Vehicle) error
	ListVehicles(ctx context.Context) ([]model.Vehicle, error)

	PutDriver(ctx context.Context, d model.Driver) error
	ListDrivers(ctx context.Context) ([]model.Driver, error)

	SaveRoute(ctx context.Context, r model.Route) error
	GetRoute(ctx context.Context, id string) (model.Route, error)
	ListRoutes(ctx context.Context, f RouteFilter) ([]model.Route, error)
	SetRouteStatus(ctx context.Context, id string, s model.RouteStatus) error

	SaveAssignment(ctx context.Context, a model.Assignment) error
	ActiveAssignment(ctx context.Context, routeID string) (model.Assignment, error)
	ListAssignments(ctx context.Context, routeID string) ([]model.Assignment, error)
	DeactivateAssignments(ctx context.Context, routeID string) error

	SavePlanRun(ctx context.Context, s model.PlanRunSummary) error
	ListPlanRuns(ctx context.Context, limit int) ([]model.PlanRunSummary, error)

	SaveSample(ctx context.Context, s model.LocationSample) error
	ListSamples(ctx context.Context, routeID string, since time.Time) ([]model.LocationSample, error)

	EnqueueNotification(ctx context.Context, n Notification) error
	DueNotifications(ctx context.Context, now time.Time, limit int) ([]Notification, error)
	MarkNotification(ctx context.Context, id string, status string, attempts int, nextAttempt time.Time, lastErr string) error

	PutSubscription(ctx context.Context, s Subscription) error
	DeleteSubscription(ctx context.Context, id string) error
	ListSubscriptions(ctx context.Context) ([]Subscription, error)

	Ping(ctx context.Context) error
	Close() error
}
