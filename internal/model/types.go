package model

import "time"

// Domain types shared across clustering, construction, assignment and tracking.

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// TimeWindow is a hard delivery window. Zero Start or End means open-ended.
type TimeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Overlaps reports whether two windows share any time.
func (w TimeWindow) Overlaps(o TimeWindow) bool {
	if !w.End.IsZero() && !o.Start.IsZero() && w.End.Before(o.Start) {
		return false
	}
	if !o.End.IsZero() && !w.Start.IsZero() && o.End.Before(w.Start) {
		return false
	}
	return true
}

type Priority string

const (
	PriorityRegular   Priority = "regular"
	PriorityUrgent    Priority = "urgent"
	PriorityScheduled Priority = "scheduled"
	PriorityBulk      Priority = "bulk"
)

type OrderLine struct {
	ProductCode string  `json:"productCode"`
	Units       int     `json:"units"`
	WeightKg    float64 `json:"weightKg"`
	Price       float64 `json:"price,omitempty"`
}

type OrderStatus string

const (
	OrderAccepted  OrderStatus = "accepted"
	OrderRouted    OrderStatus = "routed"
	OrderDelivered OrderStatus = "delivered"
	OrderCancelled OrderStatus = "cancelled"
	OrderUnrouted  OrderStatus = "unrouted"
	OrderDeferred  OrderStatus = "deferred"
)

// Order enters the core validated and geocoded. Immutable once routed,
// except for cancellation.
type Order struct {
	ID          string      `json:"id"`
	ExternalRef string      `json:"externalRef,omitempty"`
	Address     string      `json:"address,omitempty"`
	Location    GeoPoint    `json:"location"`
	Window      *TimeWindow `json:"window,omitempty"`
	Lines       []OrderLine `json:"lines"`
	Priority    Priority    `json:"priority"`
	ZoneID      string      `json:"zoneId"`
	StopType    string      `json:"stopType,omitempty"` // residential, commercial, industrial, bulk
	Status      OrderStatus `json:"status"`
}

// Units is the total cylinder count across lines.
func (o Order) Units() int {
	n := 0
	for _, l := range o.Lines {
		n += l.Units
	}
	return n
}

func (o Order) WeightKg() float64 {
	w := 0.0
	for _, l := range o.Lines {
		w += l.WeightKg
	}
	return w
}

func (o Order) Revenue() float64 {
	r := 0.0
	for _, l := range o.Lines {
		r += l.Price * float64(l.Units)
	}
	return r
}

// Zone is a service area. Zones partition the serviceable region; an order
// belongs to exactly one zone.
type Zone struct {
	ID           string     `json:"id"`
	Name         string     `json:"name,omitempty"`
	Boundary     []GeoPoint `json:"boundary,omitempty"` // polygon, closed implicitly
	PostalCodes  []string   `json:"postalCodes,omitempty"`
	OpenHour     int        `json:"openHour,omitempty"`
	CloseHour    int        `json:"closeHour,omitempty"`
	MaxOrdersDay int        `json:"maxOrdersDay,omitempty"`
	Depot        GeoPoint   `json:"depot"`
}

type VehicleType string

const (
	VehicleSmall  VehicleType = "small"
	VehicleMedium VehicleType = "medium"
	VehicleLarge  VehicleType = "large"
	VehicleXLarge VehicleType = "xlarge"
)

// VehicleTiers orders types from smallest to largest for tier-up retries.
var VehicleTiers = []VehicleType{VehicleSmall, VehicleMedium, VehicleLarge, VehicleXLarge}

// Vehicle is fleet master data, referenced read-only.
type Vehicle struct {
	ID            string      `json:"id"`
	Type          VehicleType `json:"type"`
	CapacityUnits int         `json:"capacityUnits"`
	CapacityKg    float64     `json:"capacityKg"`
	CostPerHour   float64     `json:"costPerHour"`
}

// Driver is a per-planning-cycle snapshot of HR/attendance data. The core
// never mutates it.
type Driver struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name,omitempty"`
	LicenseClass       string    `json:"licenseClass"` // B < C1 < C < CE
	LicenseExpiry      time.Time `json:"licenseExpiry"`
	Certifications     []string  `json:"certifications,omitempty"` // e.g. hazmat
	ZoneAuthorizations []string  `json:"zoneAuthorizations,omitempty"`
	MedicalValidUntil  time.Time `json:"medicalValidUntil"`
	OnDuty             bool      `json:"onDuty"`
	Reachable          bool      `json:"reachable,omitempty"` // callable when off duty
	Floater            bool      `json:"floater,omitempty"`
	CrossTrained       bool      `json:"crossTrained,omitempty"`
	Restricted         bool      `json:"restricted,omitempty"`
	RestrictionNote    string    `json:"restrictionNote,omitempty"`
	DriveHoursToday    float64   `json:"driveHoursToday"`
	WorkHoursToday     float64   `json:"workHoursToday"`
	WorkHoursWeek      float64   `json:"workHoursWeek"` // rolling 7 days
	HomeLocation       GeoPoint  `json:"homeLocation"`
	ExperienceYears    float64   `json:"experienceYears"`
	OnTimeRate         float64   `json:"onTimeRate"`     // 0..1
	SafetyScore        float64   `json:"safetyScore"`    // 0..100
	CustomerRating     float64   `json:"customerRating"` // 0..5
	FuelEfficiency     float64   `json:"fuelEfficiency"` // 0..100
}

// HasCert reports whether the driver holds the named certification.
func (d Driver) HasCert(name string) bool {
	for _, c := range d.Certifications {
		if c == name {
			return true
		}
	}
	return false
}

// AuthorizedForZone: an empty authorization list means unrestricted.
func (d Driver) AuthorizedForZone(zoneID string) bool {
	if len(d.ZoneAuthorizations) == 0 {
		return true
	}
	for _, z := range d.ZoneAuthorizations {
		if z == zoneID {
			return true
		}
	}
	return false
}

// Cluster is a zone-bounded, time-compatible group of orders that becomes a
// route candidate.
type Cluster struct {
	ID       string   `json:"id"`
	ZoneID   string   `json:"zoneId"`
	Orders   []Order  `json:"orders"`
	Centroid GeoPoint `json:"centroid"`
	Density  string   `json:"density"` // high, medium, low
}

func (c Cluster) Units() int {
	n := 0
	for _, o := range c.Orders {
		n += o.Units()
	}
	return n
}

func (c Cluster) Revenue() float64 {
	r := 0.0
	for _, o := range c.Orders {
		r += o.Revenue()
	}
	return r
}

type RouteStatus string

const (
	RouteDraft      RouteStatus = "draft"
	RouteOptimized  RouteStatus = "optimized"
	RouteAssigned   RouteStatus = "assigned"
	RouteInProgress RouteStatus = "in_progress"
	RouteCompleted  RouteStatus = "completed"
	RouteCancelled  RouteStatus = "cancelled"
)

// Stop is one order's planned visit within a route.
type Stop struct {
	Seq              int         `json:"seq"`
	OrderID          string      `json:"orderId"`
	Location         GeoPoint    `json:"location"`
	Window           *TimeWindow `json:"window,omitempty"`
	StopType         string      `json:"stopType,omitempty"`
	Units            int         `json:"units"`
	WeightKg         float64     `json:"weightKg"`
	PlannedArrival   time.Time   `json:"plannedArrival"`
	PlannedDeparture time.Time   `json:"plannedDeparture"`
	LegDistanceM     float64     `json:"legDistanceM"`
	ActualArrival    *time.Time  `json:"actualArrival,omitempty"`
	ActualDeparture  *time.Time  `json:"actualDeparture,omitempty"`
	ProofRef         string      `json:"proofRef,omitempty"`
	Completed        bool        `json:"completed"`
}

// Route exclusively owns its stop sequence. Stops never move between routes
// after publication except through an explicit re-route that bumps Version.
type Route struct {
	ID             string             `json:"id"`
	Version        int                `json:"version"`
	PlanDate       string             `json:"planDate"`
	ZoneID         string             `json:"zoneId"`
	ClusterID      string             `json:"clusterId,omitempty"`
	VehicleID      string             `json:"vehicleId,omitempty"`
	VehicleType    VehicleType        `json:"vehicleType"`
	DriverID       string             `json:"driverId,omitempty"`
	Status         RouteStatus        `json:"status"`
	Stops          []Stop             `json:"stops"`
	PlannedStart   time.Time          `json:"plannedStart"`
	DistanceM      float64            `json:"distanceM"`
	DurationSec    int                `json:"durationSec"`
	DriveSec       int                `json:"driveSec"`
	CostEstimate   float64            `json:"costEstimate"`
	CostBreakdown  map[string]float64 `json:"costBreakdown,omitempty"`
	RequiresHazmat bool               `json:"requiresHazmat,omitempty"`
	Algorithm      string             `json:"algorithm,omitempty"`
	Flags          []string           `json:"flags,omitempty"` // e.g. manual_split_review
}

func (r Route) TotalUnits() int {
	n := 0
	for _, s := range r.Stops {
		n += s.Units
	}
	return n
}

// ScoreBreakdown is the per-factor assignment score, each factor already
// weighted. Kept for audit alongside the assignment.
type ScoreBreakdown struct {
	Experience  float64 `json:"experience"`
	Performance float64 `json:"performance"`
	Rating      float64 `json:"rating"`
	Efficiency  float64 `json:"efficiency"`
	Safety      float64 `json:"safety"`
	Total       float64 `json:"total"`
}

type ConstraintCheck struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// Assignment binds one driver to one route. One active assignment per route;
// superseded assignments stay for audit.
type Assignment struct {
	ID            string            `json:"id"`
	RouteID       string            `json:"routeId"`
	DriverID      string            `json:"driverId"`
	Score         float64           `json:"score"`
	Breakdown     ScoreBreakdown    `json:"breakdown"`
	Checks        []ConstraintCheck `json:"checks,omitempty"`
	Justification string            `json:"justification,omitempty"`
	Active        bool              `json:"active"`
	CreatedAt     time.Time         `json:"createdAt"`
}

// LocationSample is one GPS ping. Append-only per vehicle.
type LocationSample struct {
	VehicleID  string    `json:"vehicleId"`
	DriverID   string    `json:"driverId,omitempty"`
	RouteID    string    `json:"routeId"`
	Location   GeoPoint  `json:"location"`
	SpeedKph   float64   `json:"speedKph"`
	HeadingDeg float64   `json:"headingDeg"`
	AccuracyM  float64   `json:"accuracyM,omitempty"`
	Timestamp  time.Time `json:"ts"`
}

type ExceptionType string

const (
	ExceptionRouteDeviation ExceptionType = "route_deviation"
	ExceptionLongStop       ExceptionType = "long_stop"
	ExceptionNoMovement     ExceptionType = "no_movement"
	ExceptionSpeedViolation ExceptionType = "speed_violation"
)

// Severity ladders: deviations use minor/major/critical, stop-duration uses
// yellow/orange/red. Both share the ExceptionEvent shape.
const (
	SeverityMinor    = "minor"
	SeverityMajor    = "major"
	SeverityCritical = "critical"
	SeverityYellow   = "yellow"
	SeverityOrange   = "orange"
	SeverityRed      = "red"
)

// Escalation ladder rungs, in order.
const (
	EscalationAuto       = "auto"
	EscalationSupervisor = "supervisor"
	EscalationManager    = "manager"
	EscalationDirector   = "director"
)

type ExceptionEvent struct {
	ID         string        `json:"id"`
	Type       ExceptionType `json:"type"`
	Severity   string        `json:"severity"`
	RouteID    string        `json:"routeId"`
	StopSeq    int           `json:"stopSeq,omitempty"`
	VehicleID  string        `json:"vehicleId,omitempty"`
	Detail     string        `json:"detail,omitempty"`
	Action     string        `json:"action,omitempty"` // log, alert_dispatch, emergency, warn_driver, immobilize_request
	Escalation string        `json:"escalation,omitempty"`
	RaisedAt   time.Time     `json:"raisedAt"`
	ResolvedAt *time.Time    `json:"resolvedAt,omitempty"`
}

// UnroutedOrder surfaces an order a planning run could not place, with an
// operator-readable reason. Never silently dropped.
type UnroutedOrder struct {
	OrderID string `json:"orderId"`
	ZoneID  string `json:"zoneId,omitempty"`
	Reason  string `json:"reason"`
}

// UnassignedRoute surfaces a route left without a driver after escalation.
type UnassignedRoute struct {
	RouteID    string   `json:"routeId"`
	Reason     string   `json:"reason"`
	Rejections []string `json:"rejections,omitempty"` // per-candidate reasons
}

// PlanRunSummary is recorded per planning run for ops dashboards.
type PlanRunSummary struct {
	BatchID     string    `json:"batchId"`
	PlanDate    string    `json:"planDate"`
	Urgent      bool      `json:"urgent"`
	Orders      int       `json:"orders"`
	Clusters    int       `json:"clusters"`
	Routes      int       `json:"routes"`
	Assigned    int       `json:"assigned"`
	Unrouted    int       `json:"unrouted"`
	Unassigned  int       `json:"unassigned"`
	Escalations []string  `json:"escalations,omitempty"`
	DurationMs  int64     `json:"durationMs"`
	StartedAt   time.Time `json:"startedAt"`

	// Detail for the run response; each carries an operator-readable reason.
	UnroutedOrders   []UnroutedOrder   `json:"unroutedOrders,omitempty"`
	UnassignedRoutes []UnassignedRoute `json:"unassignedRoutes,omitempty"`
}
