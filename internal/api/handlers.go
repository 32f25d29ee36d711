package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"dispatchcore/internal/model"
	"dispatchcore/internal/planner"
	"dispatchcore/internal/store"
)

// OrdersHandler handles POST/GET /v1/orders
func (s *Server) OrdersHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req struct {
			Orders []model.Order `json:"orders"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		created, skipped := 0, []map[string]string{}
		for _, o := range req.Orders {
			if o.ID == "" {
				o.ID = uuid.NewString()
			}
			if err := validateOrder(o); err != nil {
				skipped = append(skipped, map[string]string{"orderId": o.ID, "reason": err.Error()})
				continue
			}
			o.Status = model.OrderAccepted
			if err := s.Store.UpsertOrder(r.Context(), o); err != nil {
				writeProblem(w, http.StatusInternalServerError, "Create orders failed", err.Error(), r.URL.Path)
				return
			}
			created++
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"created": created, "skipped": skipped})
	case http.MethodGet:
		f := store.OrderFilter{
			ZoneID: r.URL.Query().Get("zoneId"),
			Status: model.OrderStatus(r.URL.Query().Get("status")),
		}
		items, err := s.Store.ListOrders(r.Context(), f)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "List orders failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// OrderByIDHandler handles GET /v1/orders/{id} and POST /v1/orders/{id}/cancel
func (s *Server) OrderByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/orders/")
	if rest == "" || rest == r.URL.Path {
		writeProblem(w, http.StatusNotFound, "Not Found", "missing id", r.URL.Path)
		return
	}
	parts := strings.Split(rest, "/")
	id := parts[0]

	if len(parts) > 1 && parts[1] == "cancel" {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		outcome, err := s.Planner.CancelOrder(r.Context(), id, false)
		if err != nil {
			code := http.StatusConflict
			if errors.Is(err, store.ErrNotFound) {
				code = http.StatusNotFound
			}
			writeProblem(w, code, "Cancel failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"orderId": id, "outcome": outcome})
		return
	}

	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	o, err := s.Store.GetOrder(r.Context(), id)
	if err != nil {
		writeError(w, "Order not found", err, r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// PlanHandler handles POST /v1/plan
func (s *Server) PlanHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		PlanDate   string    `json:"planDate"`
		Start      time.Time `json:"start"`
		BadWeather bool      `json:"badWeather"`
		ZoneID     string    `json:"zoneId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if req.Start.IsZero() {
		req.Start = time.Now().UTC()
	}
	if req.PlanDate == "" {
		req.PlanDate = req.Start.Format("2006-01-02")
	}
	sum, err := s.Planner.Run(r.Context(), planner.Request{
		PlanDate: req.PlanDate, Start: req.Start, BadWeather: req.BadWeather, ZoneID: req.ZoneID,
	})
	if err != nil {
		writeError(w, "Plan run failed", err, r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// PlanUrgentHandler handles POST /v1/plan/urgent
func (s *Server) PlanUrgentHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		OrderID    string    `json:"orderId"`
		Start      time.Time `json:"start"`
		BadWeather bool      `json:"badWeather"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if req.OrderID == "" {
		writeProblem(w, http.StatusBadRequest, "Missing orderId", "", r.URL.Path)
		return
	}
	if req.Start.IsZero() {
		req.Start = time.Now().UTC()
	}
	rt, err := s.Planner.InsertUrgent(r.Context(), req.OrderID, req.Start, req.BadWeather)
	if err != nil {
		writeError(w, "Urgent insertion failed", err, r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, rt)
}

// PlanRunsHandler handles GET /v1/plan/runs
func (s *Server) PlanRunsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		fmt.Sscanf(v, "%d", &limit)
	}
	runs, err := s.Store.ListPlanRuns(r.Context(), limit)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "List plan runs failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": runs})
}

// RoutesHandler handles GET /v1/routes
func (s *Server) RoutesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	f := store.RouteFilter{
		PlanDate: r.URL.Query().Get("planDate"),
		ZoneID:   r.URL.Query().Get("zoneId"),
		Status:   model.RouteStatus(r.URL.Query().Get("status")),
	}
	items, err := s.Store.ListRoutes(r.Context(), f)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "List routes failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// RouteByIDHandler handles GET /v1/routes/{id}, GET .../progress,
// GET .../events/stream, GET .../locations, POST .../start, POST .../complete
func (s *Server) RouteByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/routes/")
	if rest == "" || rest == r.URL.Path {
		writeProblem(w, http.StatusNotFound, "Not Found", "missing id", r.URL.Path)
		return
	}
	parts := strings.Split(rest, "/")
	id := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		// live stop state wins over the stored copy while in flight
		if rt, ok := s.Tracker.Route(id); ok {
			writeJSON(w, http.StatusOK, rt)
			return
		}
		rt, err := s.Store.GetRoute(r.Context(), id)
		if err != nil {
			writeError(w, "Route not found", err, r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, rt)
		return
	}

	switch parts[1] {
	case "progress":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		p, ok := s.Tracker.Progress(id, time.Now().UTC())
		if !ok {
			writeProblem(w, http.StatusNotFound, "Route not tracked", "route has not started", r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, p)
	case "locations":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": s.Locations.ListByRoute(id)})
	case "start":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := s.Planner.StartRoute(r.Context(), id); err != nil {
			code := http.StatusConflict
			if errors.Is(err, store.ErrNotFound) {
				code = http.StatusNotFound
			}
			writeProblem(w, code, "Start failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"routeId": id, "status": string(model.RouteInProgress)})
	case "complete":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := s.Planner.FinishRoute(r.Context(), id, time.Now().UTC()); err != nil {
			writeError(w, "Complete failed", err, r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"routeId": id, "status": string(model.RouteCompleted)})
	case "events":
		if len(parts) > 2 && parts[2] == "stream" {
			s.streamRouteEvents(w, r, id)
			return
		}
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
	default:
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
	}
}

func (s *Server) streamRouteEvents(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, http.StatusInternalServerError, "Streaming unsupported", "", r.URL.Path)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	ch := s.Broker.Subscribe(id)
	defer s.Broker.Unsubscribe(id, ch)

	fmt.Fprintf(w, "event: heartbeat\n")
	fmt.Fprintf(w, "data: {\"routeId\":%q,\"ts\":%q}\n\n", id, time.Now().Format(time.RFC3339))
	flusher.Flush()

	notify := r.Context().Done()
	for {
		select {
		case <-notify:
			return
		case evt := <-ch:
			b, _ := json.Marshal(evt.Data)
			fmt.Fprintf(w, "event: %s\n", evt.Type)
			fmt.Fprintf(w, "data: %s\n\n", string(b))
			flusher.Flush()
		}
	}
}

// AssignmentsHandler handles GET /v1/assignments
func (s *Server) AssignmentsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	items, err := s.Store.ListAssignments(r.Context(), r.URL.Query().Get("routeId"))
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "List assignments failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// LocationsHandler handles POST /v1/locations: a batch of GPS samples.
func (s *Server) LocationsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Samples []model.LocationSample `json:"samples"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	accepted, rejected := 0, []map[string]string{}
	for _, smp := range req.Samples {
		if err := validateSampleShape(smp); err != nil {
			rejected = append(rejected, map[string]string{"vehicleId": smp.VehicleID, "reason": err.Error()})
			continue
		}
		if err := s.Tracker.Ingest(r.Context(), smp); err != nil {
			rejected = append(rejected, map[string]string{"vehicleId": smp.VehicleID, "reason": err.Error()})
			continue
		}
		accepted++
		// devices may post with only the vehicle id; resolve the route the
		// tracker bound it to so persistence and fan-out carry it
		if smp.RouteID == "" {
			if rid, ok := s.Tracker.RouteForVehicle(smp.VehicleID); ok {
				smp.RouteID = rid
			}
		}
		if err := s.Store.SaveSample(r.Context(), smp); err != nil {
			s.Log.WithError(err).Warn("sample not persisted")
		}
		s.Locations.Upsert(LatestLocation{
			RouteID: smp.RouteID, VehicleID: smp.VehicleID, DriverID: smp.DriverID,
			Lat: smp.Location.Lat, Lng: smp.Location.Lng, SpeedKph: smp.SpeedKph,
			TS: smp.Timestamp.Format(time.RFC3339),
		})
		s.Broker.Publish(smp.RouteID, SSEEvent{Type: "location.updated", Data: map[string]any{
			"routeId": smp.RouteID, "vehicleId": smp.VehicleID,
			"lat": smp.Location.Lat, "lng": smp.Location.Lng,
			"speedKph": smp.SpeedKph, "ts": smp.Timestamp.Format(time.RFC3339),
		}})
	}
	status := http.StatusAccepted
	if accepted == 0 && len(rejected) > 0 {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, map[string]any{"accepted": accepted, "rejected": rejected})
}

// StopCompleteHandler handles POST /v1/stops/complete
func (s *Server) StopCompleteHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		RouteID  string    `json:"routeId"`
		Seq      int       `json:"seq"`
		ProofRef string    `json:"proofRef"`
		At       time.Time `json:"at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if req.RouteID == "" || req.Seq <= 0 {
		writeProblem(w, http.StatusBadRequest, "Missing routeId or seq", "", r.URL.Path)
		return
	}
	if req.ProofRef == "" {
		writeProblem(w, http.StatusBadRequest, "Missing proofRef", "a delivery confirmation needs its proof reference", r.URL.Path)
		return
	}
	if req.At.IsZero() {
		req.At = time.Now().UTC()
	}
	p, err := s.Tracker.CompleteStop(r.Context(), req.RouteID, req.Seq, req.ProofRef, req.At)
	if err != nil {
		writeProblem(w, http.StatusConflict, "Stop completion failed", err.Error(), r.URL.Path)
		return
	}
	// persist the updated stop state and the delivered order
	if rt, ok := s.Tracker.Route(req.RouteID); ok {
		if err := s.Store.SaveRoute(r.Context(), rt); err != nil {
			s.Log.WithError(err).Warn("route not persisted after stop completion")
		}
		for _, st := range rt.Stops {
			if st.Seq == req.Seq {
				if err := s.Store.SetOrderStatus(r.Context(), st.OrderID, model.OrderDelivered); err != nil {
					s.Log.WithError(err).WithField("order", st.OrderID).Warn("order status not updated")
				}
			}
		}
	}
	writeJSON(w, http.StatusOK, p)
}

// ExceptionsHandler handles GET /v1/exceptions
func (s *Server) ExceptionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	routeID := r.URL.Query().Get("routeId")
	severity := r.URL.Query().Get("severity")
	items := s.Monitor.Open(routeID)
	if r.URL.Query().Get("history") == "true" {
		items = s.Monitor.History(routeID)
	}
	if severity != "" {
		filtered := items[:0]
		for _, e := range items {
			if e.Severity == severity {
				filtered = append(filtered, e)
			}
		}
		items = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// ExceptionResolveHandler handles POST /v1/exceptions/{id}/resolve
func (s *Server) ExceptionResolveHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/exceptions/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[1] != "resolve" {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !s.Monitor.Resolve(parts[0], time.Now().UTC()) {
		writeProblem(w, http.StatusNotFound, "Exception not open", "", r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"resolved": true})
}

// ZonesHandler handles POST/GET /v1/zones
func (s *Server) ZonesHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var z model.Zone
		if err := json.NewDecoder(r.Body).Decode(&z); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if err := validateZone(z); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid zone", err.Error(), r.URL.Path)
			return
		}
		if err := s.Store.PutZone(r.Context(), z); err != nil {
			writeProblem(w, http.StatusInternalServerError, "Save zone failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, z)
	case http.MethodGet:
		items, err := s.Store.ListZones(r.Context())
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "List zones failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// VehiclesHandler handles POST/GET /v1/vehicles
func (s *Server) VehiclesHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var v model.Vehicle
		if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if v.ID == "" || v.Type == "" {
			writeProblem(w, http.StatusBadRequest, "Invalid vehicle", "id and type are required", r.URL.Path)
			return
		}
		if err := s.Store.PutVehicle(r.Context(), v); err != nil {
			writeProblem(w, http.StatusInternalServerError, "Save vehicle failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, v)
	case http.MethodGet:
		items, err := s.Store.ListVehicles(r.Context())
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "List vehicles failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// DriversHandler handles POST/GET /v1/drivers
func (s *Server) DriversHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var d model.Driver
		if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if d.ID == "" {
			writeProblem(w, http.StatusBadRequest, "Invalid driver", "id is required", r.URL.Path)
			return
		}
		if err := s.Store.PutDriver(r.Context(), d); err != nil {
			writeProblem(w, http.StatusInternalServerError, "Save driver failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, d)
	case http.MethodGet:
		items, err := s.Store.ListDrivers(r.Context())
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "List drivers failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// SubscriptionsHandler handles POST/GET /v1/subscriptions
func (s *Server) SubscriptionsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var sub store.Subscription
		if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if sub.URL == "" {
			writeProblem(w, http.StatusBadRequest, "Missing url", "", r.URL.Path)
			return
		}
		if sub.ID == "" {
			sub.ID = uuid.NewString()
		}
		sub.CreatedAt = time.Now().UTC()
		if err := s.Store.PutSubscription(r.Context(), sub); err != nil {
			writeProblem(w, http.StatusInternalServerError, "Save subscription failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusCreated, sub)
	case http.MethodGet:
		items, err := s.Store.ListSubscriptions(r.Context())
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "List subscriptions failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// SubscriptionByIDHandler handles DELETE /v1/subscriptions/{id}
func (s *Server) SubscriptionByIDHandler(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/subscriptions/")
	if id == "" {
		writeProblem(w, http.StatusNotFound, "Not Found", "missing id", r.URL.Path)
		return
	}
	if r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := s.Store.DeleteSubscription(r.Context(), id); err != nil {
		writeError(w, "Delete failed", err, r.URL.Path)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
