package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"dispatchcore/internal/config"
	"dispatchcore/internal/model"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	s, err := NewServer(config.Default(), log)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return s
}

func postJSON(t *testing.T, h http.HandlerFunc, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, _ := json.Marshal(body)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	h(rr, req)
	return rr
}

func seedMasterData(t *testing.T, s *Server) {
	t.Helper()
	zone := model.Zone{
		ID: "z1",
		Boundary: []model.GeoPoint{
			{Lat: 40.9, Lng: 28.9}, {Lat: 40.9, Lng: 29.1},
			{Lat: 41.1, Lng: 29.1}, {Lat: 41.1, Lng: 28.9},
		},
		Depot: model.GeoPoint{Lat: 41.0, Lng: 29.0},
	}
	if rr := postJSON(t, s.ZonesHandler, "/v1/zones", zone); rr.Code != 200 {
		t.Fatalf("zone: %d %s", rr.Code, rr.Body)
	}
	for i := 0; i < 2; i++ {
		v := model.Vehicle{ID: fmt.Sprintf("veh-%d", i), Type: model.VehicleMedium, CapacityUnits: 30, CostPerHour: 20}
		if rr := postJSON(t, s.VehiclesHandler, "/v1/vehicles", v); rr.Code != 200 {
			t.Fatalf("vehicle: %d %s", rr.Code, rr.Body)
		}
	}
	for i := 0; i < 2; i++ {
		d := model.Driver{
			ID: fmt.Sprintf("drv-%d", i), LicenseClass: "CE",
			LicenseExpiry:     time.Now().Add(365 * 24 * time.Hour),
			MedicalValidUntil: time.Now().Add(365 * 24 * time.Hour),
			OnDuty:            true, ExperienceYears: 5, OnTimeRate: 0.9,
			SafetyScore: 90, CustomerRating: 4.5, FuelEfficiency: 80,
		}
		if rr := postJSON(t, s.DriversHandler, "/v1/drivers", d); rr.Code != 200 {
			t.Fatalf("driver: %d %s", rr.Code, rr.Body)
		}
	}
}

func seedOrders(t *testing.T, s *Server, n int) {
	t.Helper()
	orders := []model.Order{}
	for i := 0; i < n; i++ {
		orders = append(orders, model.Order{
			ID:       fmt.Sprintf("ord-%d", i),
			ZoneID:   "z1",
			Location: model.GeoPoint{Lat: 41.0 + float64(i)*0.002, Lng: 29.0 + float64(i)*0.002},
			Lines:    []model.OrderLine{{ProductCode: "cyl-12", Units: 2, WeightKg: 24, Price: 10}},
			Priority: model.PriorityRegular,
		})
	}
	rr := postJSON(t, s.OrdersHandler, "/v1/orders", map[string]any{"orders": orders})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("orders create: %d %s", rr.Code, rr.Body)
	}
	var res struct {
		Created int `json:"created"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil || res.Created != n {
		t.Fatalf("created %d of %d: %s", res.Created, n, rr.Body)
	}
}

func runPlan(t *testing.T, s *Server) {
	t.Helper()
	rr := postJSON(t, s.PlanHandler, "/v1/plan", map[string]any{
		"planDate": "2026-08-23",
		"start":    time.Date(2026, 8, 23, 6, 0, 0, 0, time.UTC),
	})
	if rr.Code != 200 {
		t.Fatalf("plan: %d %s", rr.Code, rr.Body)
	}
}

func firstRouteID(t *testing.T, s *Server) string {
	t.Helper()
	rr := httptest.NewRecorder()
	s.RoutesHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/routes", nil))
	if rr.Code != 200 {
		t.Fatalf("routes list: %d", rr.Code)
	}
	var idx struct {
		Items []model.Route `json:"items"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &idx); err != nil || len(idx.Items) == 0 {
		t.Fatalf("no routes: %s", rr.Body)
	}
	return idx.Items[0].ID
}

func TestHealthReadyMetrics(t *testing.T) {
	s := newTestServer(t)
	mux := s.Routes()
	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != 200 {
			t.Fatalf("%s: got %d", path, rr.Code)
		}
	}
}

func TestOrdersCreateValidatesAndLists(t *testing.T) {
	s := newTestServer(t)
	seedMasterData(t, s)
	rr := postJSON(t, s.OrdersHandler, "/v1/orders", map[string]any{"orders": []model.Order{
		{ID: "good", ZoneID: "z1", Location: model.GeoPoint{Lat: 41, Lng: 29},
			Lines: []model.OrderLine{{Units: 1}}},
		{ID: "no-lines", ZoneID: "z1", Location: model.GeoPoint{Lat: 41, Lng: 29}},
	}})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("create: %d %s", rr.Code, rr.Body)
	}
	var res struct {
		Created int                 `json:"created"`
		Skipped []map[string]string `json:"skipped"`
	}
	_ = json.Unmarshal(rr.Body.Bytes(), &res)
	if res.Created != 1 || len(res.Skipped) != 1 {
		t.Fatalf("created=%d skipped=%d", res.Created, len(res.Skipped))
	}

	rr = httptest.NewRecorder()
	s.OrdersHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/orders?zoneId=z1&status=accepted", nil))
	if rr.Code != 200 {
		t.Fatalf("list: %d", rr.Code)
	}
	var idx struct {
		Items []model.Order `json:"items"`
	}
	_ = json.Unmarshal(rr.Body.Bytes(), &idx)
	if len(idx.Items) != 1 || idx.Items[0].ID != "good" {
		t.Fatalf("bad list: %s", rr.Body)
	}
}

func TestPlanProducesRoutesAndAssignments(t *testing.T) {
	s := newTestServer(t)
	seedMasterData(t, s)
	seedOrders(t, s, 6)
	runPlan(t, s)

	rid := firstRouteID(t, s)
	rr := httptest.NewRecorder()
	s.RouteByIDHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/routes/"+rid, nil))
	if rr.Code != 200 {
		t.Fatalf("route get: %d %s", rr.Code, rr.Body)
	}
	var rt model.Route
	_ = json.Unmarshal(rr.Body.Bytes(), &rt)
	if len(rt.Stops) != 6 {
		t.Fatalf("want 6 stops, got %d", len(rt.Stops))
	}
	if rt.Status != model.RouteAssigned {
		t.Fatalf("want assigned, got %s", rt.Status)
	}

	rr = httptest.NewRecorder()
	s.AssignmentsHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/assignments?routeId="+rid, nil))
	if rr.Code != 200 {
		t.Fatalf("assignments: %d", rr.Code)
	}
	var asg struct {
		Items []model.Assignment `json:"items"`
	}
	_ = json.Unmarshal(rr.Body.Bytes(), &asg)
	if len(asg.Items) != 1 || !asg.Items[0].Active {
		t.Fatalf("bad assignments: %s", rr.Body)
	}

	rr = httptest.NewRecorder()
	s.PlanRunsHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/plan/runs", nil))
	if rr.Code != 200 {
		t.Fatalf("plan runs: %d", rr.Code)
	}
}

func TestRouteLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)
	seedMasterData(t, s)
	seedOrders(t, s, 4)
	runPlan(t, s)
	rid := firstRouteID(t, s)

	rr := postJSON(t, s.RouteByIDHandler, "/v1/routes/"+rid+"/start", nil)
	if rr.Code != 200 {
		t.Fatalf("start: %d %s", rr.Code, rr.Body)
	}
	// double start is a conflict
	rr = postJSON(t, s.RouteByIDHandler, "/v1/routes/"+rid+"/start", nil)
	if rr.Code == 200 {
		t.Fatalf("double start accepted")
	}

	rr = httptest.NewRecorder()
	s.RouteByIDHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/routes/"+rid+"/progress", nil))
	if rr.Code != 200 {
		t.Fatalf("progress: %d %s", rr.Code, rr.Body)
	}

	// complete stops in order, out-of-order first to confirm the guard
	rr = postJSON(t, s.StopCompleteHandler, "/v1/stops/complete",
		map[string]any{"routeId": rid, "seq": 2, "proofRef": "sig-x"})
	if rr.Code != http.StatusConflict {
		t.Fatalf("out-of-order stop: %d", rr.Code)
	}
	for seq := 1; seq <= 4; seq++ {
		rr = postJSON(t, s.StopCompleteHandler, "/v1/stops/complete",
			map[string]any{"routeId": rid, "seq": seq, "proofRef": fmt.Sprintf("sig-%d", seq)})
		if rr.Code != 200 {
			t.Fatalf("stop %d: %d %s", seq, rr.Code, rr.Body)
		}
	}

	// orders are delivered once their stop completes
	rr = httptest.NewRecorder()
	s.OrdersHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/orders?status=delivered", nil))
	var idx struct {
		Items []model.Order `json:"items"`
	}
	_ = json.Unmarshal(rr.Body.Bytes(), &idx)
	if len(idx.Items) != 4 {
		t.Fatalf("want 4 delivered, got %d", len(idx.Items))
	}

	rr = postJSON(t, s.RouteByIDHandler, "/v1/routes/"+rid+"/complete", nil)
	if rr.Code != 200 {
		t.Fatalf("complete: %d %s", rr.Code, rr.Body)
	}
}

func TestLocationsIngestAndLatest(t *testing.T) {
	s := newTestServer(t)
	seedMasterData(t, s)
	seedOrders(t, s, 4)
	runPlan(t, s)
	rid := firstRouteID(t, s)
	if rr := postJSON(t, s.RouteByIDHandler, "/v1/routes/"+rid+"/start", nil); rr.Code != 200 {
		t.Fatalf("start: %d", rr.Code)
	}

	rr := postJSON(t, s.LocationsHandler, "/v1/locations", map[string]any{
		"samples": []model.LocationSample{
			{VehicleID: "veh-0", RouteID: rid, Location: model.GeoPoint{Lat: 41.001, Lng: 29.001},
				SpeedKph: 30, Timestamp: time.Now().UTC()},
			{RouteID: rid, Location: model.GeoPoint{Lat: 41.001, Lng: 29.001},
				Timestamp: time.Now().UTC()}, // missing vehicleId
		},
	})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("locations: %d %s", rr.Code, rr.Body)
	}
	var res struct {
		Accepted int                 `json:"accepted"`
		Rejected []map[string]string `json:"rejected"`
	}
	_ = json.Unmarshal(rr.Body.Bytes(), &res)
	if res.Accepted != 1 || len(res.Rejected) != 1 {
		t.Fatalf("accepted=%d rejected=%d", res.Accepted, len(res.Rejected))
	}

	rr = httptest.NewRecorder()
	s.RouteByIDHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/routes/"+rid+"/locations", nil))
	if rr.Code != 200 {
		t.Fatalf("latest locations: %d", rr.Code)
	}
	var idx struct {
		Items []LatestLocation `json:"items"`
	}
	_ = json.Unmarshal(rr.Body.Bytes(), &idx)
	if len(idx.Items) != 1 || idx.Items[0].VehicleID != "veh-0" {
		t.Fatalf("bad latest: %s", rr.Body)
	}
}

func TestLocationsVehicleOnlySampleKeepsRoute(t *testing.T) {
	s := newTestServer(t)
	seedMasterData(t, s)
	seedOrders(t, s, 3)
	runPlan(t, s)
	rid := firstRouteID(t, s)
	if rr := postJSON(t, s.RouteByIDHandler, "/v1/routes/"+rid+"/start", nil); rr.Code != 200 {
		t.Fatalf("start: %d", rr.Code)
	}
	rr := httptest.NewRecorder()
	s.RouteByIDHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/routes/"+rid, nil))
	var rt model.Route
	_ = json.Unmarshal(rr.Body.Bytes(), &rt)
	if rt.VehicleID == "" {
		t.Fatalf("route has no vehicle: %s", rr.Body)
	}

	// device posts with only its vehicle id; the tracker knows the route
	rr = postJSON(t, s.LocationsHandler, "/v1/locations", map[string]any{
		"samples": []model.LocationSample{
			{VehicleID: rt.VehicleID, Location: model.GeoPoint{Lat: 41.002, Lng: 29.002},
				SpeedKph: 25, Timestamp: time.Now().UTC()},
		},
	})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("locations: %d %s", rr.Code, rr.Body)
	}

	rr = httptest.NewRecorder()
	s.RouteByIDHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/routes/"+rid+"/locations", nil))
	var idx struct {
		Items []LatestLocation `json:"items"`
	}
	_ = json.Unmarshal(rr.Body.Bytes(), &idx)
	if len(idx.Items) != 1 {
		t.Fatalf("want the sample filed under its route, got %s", rr.Body)
	}
	if idx.Items[0].RouteID != rid || idx.Items[0].VehicleID != rt.VehicleID {
		t.Fatalf("bad latest: %+v", idx.Items[0])
	}
}

func TestProblemTypesCarryErrorClass(t *testing.T) {
	s := newTestServer(t)
	seedMasterData(t, s)

	rr := httptest.NewRecorder()
	s.OrderByIDHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/orders/nope", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("missing order: %d", rr.Code)
	}
	var p Problem
	_ = json.Unmarshal(rr.Body.Bytes(), &p)
	if p.Type != "/problems/not-found" || p.Status != http.StatusNotFound {
		t.Fatalf("bad problem: %+v", p)
	}

	rr = postJSON(t, s.StopCompleteHandler, "/v1/stops/complete",
		map[string]any{"routeId": "rt-x", "seq": 1})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("missing proofRef: %d", rr.Code)
	}
	p = Problem{}
	_ = json.Unmarshal(rr.Body.Bytes(), &p)
	if p.Type != "/problems/bad-request" {
		t.Fatalf("bad problem: %+v", p)
	}
}

func TestOrderCancelOverHTTP(t *testing.T) {
	s := newTestServer(t)
	seedMasterData(t, s)
	seedOrders(t, s, 1)
	rr := postJSON(t, s.OrderByIDHandler, "/v1/orders/ord-0/cancel", nil)
	if rr.Code != 200 {
		t.Fatalf("cancel: %d %s", rr.Code, rr.Body)
	}
	rr = httptest.NewRecorder()
	s.OrderByIDHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/orders/ord-0", nil))
	var o model.Order
	_ = json.Unmarshal(rr.Body.Bytes(), &o)
	if o.Status != model.OrderCancelled {
		t.Fatalf("want cancelled, got %s", o.Status)
	}
}

func TestExceptionsEndpoints(t *testing.T) {
	s := newTestServer(t)
	rr := httptest.NewRecorder()
	s.ExceptionsHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/exceptions", nil))
	if rr.Code != 200 {
		t.Fatalf("exceptions: %d", rr.Code)
	}
	rr = postJSON(t, s.ExceptionResolveHandler, "/v1/exceptions/nope/resolve", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("resolve missing: %d", rr.Code)
	}
}

func TestSubscriptionsCRUD(t *testing.T) {
	s := newTestServer(t)
	rr := postJSON(t, s.SubscriptionsHandler, "/v1/subscriptions",
		map[string]any{"url": "https://example.test/hook", "secret": "s3cret", "events": []string{"route.delayed"}})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rr.Code, rr.Body)
	}
	var sub struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(rr.Body.Bytes(), &sub)
	if sub.ID == "" {
		t.Fatal("no id assigned")
	}

	rr = httptest.NewRecorder()
	s.SubscriptionsHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/subscriptions", nil))
	if rr.Code != 200 {
		t.Fatalf("list: %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	s.SubscriptionByIDHandler(rr, httptest.NewRequest(http.MethodDelete, "/v1/subscriptions/"+sub.ID, nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rr.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	s := newTestServer(t)
	rr := httptest.NewRecorder()
	s.PlanHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/plan", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("plan GET: %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	s.StopCompleteHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/stops/complete", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("stops GET: %d", rr.Code)
	}
}
