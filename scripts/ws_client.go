// Package main runs a demo WebSocket client for live dispatch events.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

func post(base, path string, body any) *http.Response {
	b, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, base+path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatal(err)
	}
	return resp
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	base := fmt.Sprintf("http://localhost:%s", port)

	// Seed a zone, a vehicle, a driver and a couple of orders, then plan.
	post(base, "/v1/zones", map[string]any{
		"id": "z-demo",
		"boundary": []map[string]float64{
			{"lat": 40.9, "lng": 28.9}, {"lat": 40.9, "lng": 29.1},
			{"lat": 41.1, "lng": 29.1}, {"lat": 41.1, "lng": 28.9},
		},
		"depot": map[string]float64{"lat": 41.0, "lng": 29.0},
	})
	post(base, "/v1/vehicles", map[string]any{"id": "veh-demo", "type": "medium", "capacityUnits": 30, "costPerHour": 20})
	post(base, "/v1/drivers", map[string]any{
		"id": "drv-demo", "licenseClass": "CE", "onDuty": true,
		"licenseExpiry":     time.Now().Add(365 * 24 * time.Hour),
		"medicalValidUntil": time.Now().Add(365 * 24 * time.Hour),
		"experienceYears":   5, "onTimeRate": 0.9, "safetyScore": 90, "customerRating": 4.5, "fuelEfficiency": 80,
	})
	post(base, "/v1/orders", map[string]any{"orders": []map[string]any{
		{"id": "ord-demo-1", "zoneId": "z-demo", "location": map[string]float64{"lat": 41.005, "lng": 29.005},
			"lines": []map[string]any{{"productCode": "cyl-12", "units": 2, "weightKg": 24}}},
		{"id": "ord-demo-2", "zoneId": "z-demo", "location": map[string]float64{"lat": 41.010, "lng": 29.010},
			"lines": []map[string]any{{"productCode": "cyl-12", "units": 1, "weightKg": 12}}},
	}})
	post(base, "/v1/plan", map[string]any{"planDate": time.Now().Format("2006-01-02")})

	resp, err := http.Get(base + "/v1/routes")
	if err != nil {
		log.Fatal(err)
	}
	var idx struct {
		Items []struct {
			ID string `json:"id"`
		} `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&idx); err != nil {
		log.Fatal(err)
	}
	_ = resp.Body.Close()
	if len(idx.Items) == 0 {
		log.Fatal("no routes planned")
	}
	routeID := idx.Items[0].ID
	log.Printf("Route ID: %s", routeID)

	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/v1/live/ws", RawQuery: "routeId=" + routeID}
	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var evt struct {
				Type string         `json:"type"`
				Data map[string]any `json:"data"`
			}
			if err := c.ReadJSON(&evt); err != nil {
				log.Printf("read: %v", err)
				return
			}
			b, _ := json.Marshal(evt.Data)
			log.Printf("WS <- %s: %s", evt.Type, string(b))
		}
	}()

	// Start the route and push a sample to trigger live events.
	time.Sleep(500 * time.Millisecond)
	post(base, "/v1/routes/"+routeID+"/start", map[string]any{})
	post(base, "/v1/locations", map[string]any{"samples": []map[string]any{{
		"vehicleId": "veh-demo", "routeId": routeID,
		"location": map[string]float64{"lat": 41.001, "lng": 29.001},
		"speedKph": 32, "ts": time.Now().UTC(),
	}}})

	select {
	case <-time.After(3 * time.Second):
	case <-done:
	}
}
