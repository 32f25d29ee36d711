package geo

import (
	"math"
	"testing"

	"dispatchcore/internal/model"
)

func TestHaversineKnownDistance(t *testing.T) {
	// ~1 degree of latitude ≈ 111.19 km
	a := model.GeoPoint{Lat: 41.0, Lng: 29.0}
	b := model.GeoPoint{Lat: 42.0, Lng: 29.0}
	d := HaversineM(a, b)
	if math.Abs(d-111195) > 200 {
		t.Fatalf("haversine: got %.0f m", d)
	}
	if HaversineM(a, a) != 0 {
		t.Fatalf("zero distance expected")
	}
}

func TestPointInPolygon(t *testing.T) {
	sq := []model.GeoPoint{{Lat: 0, Lng: 0}, {Lat: 0, Lng: 1}, {Lat: 1, Lng: 1}, {Lat: 1, Lng: 0}}
	if !PointInPolygon(model.GeoPoint{Lat: 0.5, Lng: 0.5}, sq) {
		t.Fatal("center should be inside")
	}
	if PointInPolygon(model.GeoPoint{Lat: 1.5, Lng: 0.5}, sq) {
		t.Fatal("outside point reported inside")
	}
}

func TestDistToPath(t *testing.T) {
	path := []model.GeoPoint{{Lat: 0, Lng: 0}, {Lat: 0, Lng: 0.1}}
	// point ~1.11km north of the segment midline
	p := model.GeoPoint{Lat: 0.01, Lng: 0.05}
	d := DistToPathM(p, path)
	if math.Abs(d-1112) > 30 {
		t.Fatalf("dist to path: got %.0f m", d)
	}
}

func TestAngleDiff(t *testing.T) {
	if got := AngleDiffDeg(350, 10); got != 20 {
		t.Fatalf("wraparound diff: got %v", got)
	}
	if got := AngleDiffDeg(90, 270); got != 180 {
		t.Fatalf("opposite diff: got %v", got)
	}
}
