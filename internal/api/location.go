package api

import (
	"sync"
)

// LatestLocation is the newest accepted position for a vehicle on a route.
type LatestLocation struct {
	RouteID   string  `json:"routeId"`
	VehicleID string  `json:"vehicleId"`
	DriverID  string  `json:"driverId,omitempty"`
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	SpeedKph  float64 `json:"speedKph"`
	TS        string  `json:"ts"`
}

// LocationCache keeps the latest position per route/vehicle for quick map
// views without hitting the sample log.
type LocationCache struct {
	mu sync.Mutex
	m  map[string]LatestLocation // key: routeId|vehicleId
}

func NewLocationCache() *LocationCache { return &LocationCache{m: map[string]LatestLocation{}} }

func (c *LocationCache) Upsert(l LatestLocation) {
	if l.RouteID == "" || l.VehicleID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[l.RouteID+"|"+l.VehicleID] = l
}

// ListByRoute returns the latest locations for vehicles on a route.
func (c *LocationCache) ListByRoute(routeID string) []LatestLocation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := []LatestLocation{}
	for _, v := range c.m {
		if v.RouteID == routeID {
			out = append(out, v)
		}
	}
	return out
}
