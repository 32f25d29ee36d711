package geo

import (
	"math"

	"dispatchcore/internal/model"
)

const earthRadiusM = 6371000.0

// HaversineM returns the great-circle distance between two points in meters.
func HaversineM(a, b model.GeoPoint) float64 {
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusM * c
}

// Centroid of a non-empty point set. Arithmetic mean is fine at city scale.
func Centroid(pts []model.GeoPoint) model.GeoPoint {
	if len(pts) == 0 {
		return model.GeoPoint{}
	}
	var lat, lng float64
	for _, p := range pts {
		lat += p.Lat
		lng += p.Lng
	}
	n := float64(len(pts))
	return model.GeoPoint{Lat: lat / n, Lng: lng / n}
}

// PointInPolygon uses the even-odd ray cast. The polygon closes implicitly.
func PointInPolygon(p model.GeoPoint, poly []model.GeoPoint) bool {
	if len(poly) < 3 {
		return false
	}
	in := false
	j := len(poly) - 1
	for i := 0; i < len(poly); i++ {
		a, b := poly[i], poly[j]
		if (a.Lng > p.Lng) != (b.Lng > p.Lng) &&
			p.Lat < (b.Lat-a.Lat)*(p.Lng-a.Lng)/(b.Lng-a.Lng)+a.Lat {
			in = !in
		}
		j = i
	}
	return in
}

// BearingDeg returns the initial bearing from a to b in degrees [0,360).
func BearingDeg(a, b model.GeoPoint) float64 {
	la1 := a.Lat * math.Pi / 180
	la2 := b.Lat * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180
	y := math.Sin(dLng) * math.Cos(la2)
	x := math.Cos(la1)*math.Sin(la2) - math.Sin(la1)*math.Cos(la2)*math.Cos(dLng)
	deg := math.Atan2(y, x) * 180 / math.Pi
	return math.Mod(deg+360, 360)
}

// AngleDiffDeg returns the absolute angular difference in [0,180].
func AngleDiffDeg(a, b float64) float64 {
	d := math.Mod(math.Abs(a-b), 360)
	if d > 180 {
		d = 360 - d
	}
	return d
}

// DistToSegmentM approximates the distance from p to segment a-b using a
// local equirectangular projection. Good to well under 1% at route scale.
func DistToSegmentM(p, a, b model.GeoPoint) float64 {
	px, py := project(p, a)
	bx, by := project(b, a)
	// a projects to origin
	segLen2 := bx*bx + by*by
	if segLen2 == 0 {
		return HaversineM(p, a)
	}
	t := (px*bx + py*by) / segLen2
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}
	dx := px - t*bx
	dy := py - t*by
	return math.Sqrt(dx*dx + dy*dy)
}

// DistToPathM is the minimum distance from p to any segment of the path.
func DistToPathM(p model.GeoPoint, path []model.GeoPoint) float64 {
	if len(path) == 0 {
		return 0
	}
	if len(path) == 1 {
		return HaversineM(p, path[0])
	}
	min := math.MaxFloat64
	for i := 0; i < len(path)-1; i++ {
		if d := DistToSegmentM(p, path[i], path[i+1]); d < min {
			min = d
		}
	}
	return min
}

// Offset moves a point distM meters along bearingDeg.
func Offset(p model.GeoPoint, distM, bearingDeg float64) model.GeoPoint {
	d := distM / earthRadiusM
	brg := bearingDeg * math.Pi / 180
	la1 := p.Lat * math.Pi / 180
	lo1 := p.Lng * math.Pi / 180
	la2 := math.Asin(math.Sin(la1)*math.Cos(d) + math.Cos(la1)*math.Sin(d)*math.Cos(brg))
	lo2 := lo1 + math.Atan2(math.Sin(brg)*math.Sin(d)*math.Cos(la1), math.Cos(d)-math.Sin(la1)*math.Sin(la2))
	return model.GeoPoint{Lat: la2 * 180 / math.Pi, Lng: lo2 * 180 / math.Pi}
}

func project(p, origin model.GeoPoint) (x, y float64) {
	x = (p.Lng - origin.Lng) * math.Pi / 180 * earthRadiusM * math.Cos(origin.Lat*math.Pi/180)
	y = (p.Lat - origin.Lat) * math.Pi / 180 * earthRadiusM
	return
}
