package cluster

import (
	"fmt"
	"math"
	"sort"

	"dispatchcore/internal/config"
	"dispatchcore/internal/geo"
	"dispatchcore/internal/model"
)

// Result of one clustering pass. Every input order lands either in a cluster
// or in Unplaced with a reason; nothing is dropped silently.
type Result struct {
	Clusters []model.Cluster
	Unplaced []model.UnroutedOrder
}

const (
	DensityHigh   = "high"
	DensityMedium = "medium"
	DensityLow    = "low"
)

type grower struct {
	cfg   config.ClusterConfig
	zone  model.Zone
	// per-density tuning resolved once per zone
	radiusM  float64
	minStops int
}

// Build groups a day's validated orders into zone-bounded clusters. Zones are
// a hard boundary: orders from different zones never share a cluster.
func Build(orders []model.Order, zones map[string]model.Zone, cfg config.ClusterConfig) Result {
	var res Result
	byZone := map[string][]model.Order{}
	for _, o := range orders {
		if o.Status == model.OrderCancelled {
			continue
		}
		z, ok := zones[o.ZoneID]
		if !ok {
			res.Unplaced = append(res.Unplaced, model.UnroutedOrder{
				OrderID: o.ID, ZoneID: o.ZoneID,
				Reason: fmt.Sprintf("%v: unknown zone %q", model.ErrInsufficientCoverage, o.ZoneID),
			})
			continue
		}
		if len(z.Boundary) >= 3 && !geo.PointInPolygon(o.Location, z.Boundary) {
			res.Unplaced = append(res.Unplaced, model.UnroutedOrder{
				OrderID: o.ID, ZoneID: o.ZoneID,
				Reason: fmt.Sprintf("%v: order outside zone boundary", model.ErrInsufficientCoverage),
			})
			continue
		}
		byZone[o.ZoneID] = append(byZone[o.ZoneID], o)
	}

	zoneIDs := make([]string, 0, len(byZone))
	for id := range byZone {
		zoneIDs = append(zoneIDs, id)
	}
	sort.Strings(zoneIDs)

	for _, zid := range zoneIDs {
		zr := clusterZone(byZone[zid], zones[zid], cfg)
		res.Clusters = append(res.Clusters, zr.Clusters...)
		res.Unplaced = append(res.Unplaced, zr.Unplaced...)
	}
	return res
}

func clusterZone(orders []model.Order, zone model.Zone, cfg config.ClusterConfig) Result {
	// Deterministic: process in order-id order.
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID < orders[j].ID })

	density := classifyDensity(orders, cfg)
	g := grower{cfg: cfg, zone: zone, radiusM: cfg.MaxRadiusKm * 1000, minStops: cfg.MinStops}
	switch density {
	case DensityHigh:
		g.radiusM *= cfg.HighDensityRadiusMul
	case DensityLow:
		g.radiusM *= cfg.LowDensityRadiusMul
		if cfg.LowDensityMinStops > 0 {
			g.minStops = cfg.LowDensityMinStops
		}
	}

	var clusters []*model.Cluster
	for _, o := range orders {
		if c := g.bestFit(clusters, o); c != nil {
			c.Orders = append(c.Orders, o)
			c.Centroid = centroidOf(c.Orders)
			continue
		}
		clusters = append(clusters, &model.Cluster{
			ID:       fmt.Sprintf("%s-c%d", zone.ID, len(clusters)+1),
			ZoneID:   zone.ID,
			Orders:   []model.Order{o},
			Centroid: o.Location,
			Density:  density,
		})
	}

	return g.enforceFloor(clusters, density)
}

// bestFit returns the nearest cluster the order can join, or nil. A cluster
// accepts an order only when it stays within the centroid radius, respects
// the capacity-implied size cap, and is time-window compatible. Orders whose
// hard window conflicts with a cluster go to a separate cluster even when
// geographically close.
func (g grower) bestFit(clusters []*model.Cluster, o model.Order) *model.Cluster {
	var best *model.Cluster
	bestDist := math.MaxFloat64
	for _, c := range clusters {
		if len(c.Orders) >= g.cfg.MaxStops {
			continue
		}
		if g.cfg.MaxUnits > 0 && c.Units()+o.Units() > g.cfg.MaxUnits {
			continue
		}
		d := geo.HaversineM(o.Location, c.Centroid)
		if d > g.radiusM {
			continue
		}
		if !windowCompatible(c, o) {
			continue
		}
		if d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}

// windowCompatible: an order with a hard window joins only clusters whose
// windowed members all overlap it.
func windowCompatible(c *model.Cluster, o model.Order) bool {
	if o.Window == nil {
		return true
	}
	for _, m := range c.Orders {
		if m.Window != nil && !m.Window.Overlaps(*o.Window) {
			return false
		}
	}
	return true
}

// enforceFloor merges clusters below the minimum stop floor into the nearest
// compatible cluster, or defers their orders to the next cycle. Orders that
// cannot be placed at all are reported as InsufficientCoverage.
func (g grower) enforceFloor(clusters []*model.Cluster, density string) Result {
	var res Result
	mergeRadius := g.radiusM * g.cfg.MergeRadiusMul

	var keep []*model.Cluster
	var small []*model.Cluster
	for _, c := range clusters {
		if len(c.Orders) >= g.minStops {
			keep = append(keep, c)
		} else {
			small = append(small, c)
		}
	}

	for _, s := range small {
		var target *model.Cluster
		bestDist := math.MaxFloat64
		for _, k := range keep {
			if g.cfg.MaxStops > 0 && len(k.Orders)+len(s.Orders) > g.cfg.MaxStops {
				continue
			}
			if g.cfg.MaxUnits > 0 && k.Units()+s.Units() > g.cfg.MaxUnits {
				continue
			}
			compatible := true
			for _, o := range s.Orders {
				if !windowCompatible(k, o) {
					compatible = false
					break
				}
			}
			if !compatible {
				continue
			}
			d := geo.HaversineM(s.Centroid, k.Centroid)
			if d <= mergeRadius && d < bestDist {
				target, bestDist = k, d
			}
		}
		if target != nil {
			target.Orders = append(target.Orders, s.Orders...)
			target.Centroid = centroidOf(target.Orders)
			continue
		}
		// No compatible neighbor: a lone order below threshold is coverage
		// failure, a small group is deferred to the next cycle.
		for _, o := range s.Orders {
			reason := fmt.Sprintf("deferred: %d stops below floor %d, no compatible cluster within %.1f km",
				len(s.Orders), g.minStops, mergeRadius/1000)
			if len(s.Orders) == 1 {
				reason = fmt.Sprintf("%v: isolated order, no cluster within %.1f km and below minimum of %d stops",
					model.ErrInsufficientCoverage, mergeRadius/1000, g.minStops)
			}
			res.Unplaced = append(res.Unplaced, model.UnroutedOrder{OrderID: o.ID, ZoneID: s.ZoneID, Reason: reason})
		}
	}

	for _, c := range keep {
		sort.Slice(c.Orders, func(i, j int) bool { return c.Orders[i].ID < c.Orders[j].ID })
		c.Density = density
		res.Clusters = append(res.Clusters, *c)
	}
	return res
}

// classifyDensity buckets a zone's order set by stops per km² of its
// bounding box.
func classifyDensity(orders []model.Order, cfg config.ClusterConfig) string {
	if len(orders) < 2 {
		return DensityLow
	}
	minLat, maxLat := orders[0].Location.Lat, orders[0].Location.Lat
	minLng, maxLng := orders[0].Location.Lng, orders[0].Location.Lng
	for _, o := range orders[1:] {
		minLat = math.Min(minLat, o.Location.Lat)
		maxLat = math.Max(maxLat, o.Location.Lat)
		minLng = math.Min(minLng, o.Location.Lng)
		maxLng = math.Max(maxLng, o.Location.Lng)
	}
	w := geo.HaversineM(model.GeoPoint{Lat: minLat, Lng: minLng}, model.GeoPoint{Lat: minLat, Lng: maxLng}) / 1000
	h := geo.HaversineM(model.GeoPoint{Lat: minLat, Lng: minLng}, model.GeoPoint{Lat: maxLat, Lng: minLng}) / 1000
	area := w * h
	if area < 0.25 {
		area = 0.25 // degenerate boxes count as a quarter km²
	}
	perKm2 := float64(len(orders)) / area
	switch {
	case perKm2 >= cfg.HighDensityPerKm2:
		return DensityHigh
	case perKm2 <= cfg.LowDensityPerKm2:
		return DensityLow
	default:
		return DensityMedium
	}
}

func centroidOf(orders []model.Order) model.GeoPoint {
	pts := make([]model.GeoPoint, len(orders))
	for i, o := range orders {
		pts[i] = o.Location
	}
	return geo.Centroid(pts)
}
