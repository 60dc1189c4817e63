package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"fleet-tracking/internal/billing"
	"fleet-tracking/internal/realtime"
	"fleet-tracking/internal/track"
)

func testServer(t *testing.T) (*Server, *realtime.Service) {
	t.Helper()
	tracker := realtime.New(realtime.DefaultConfig(), realtime.Options{}, zerolog.Nop())
	t.Cleanup(tracker.Close)

	monitor := billing.NewMonitor(billing.DefaultConfig())
	srv := New(Config{Listen: ":0"}, tracker, monitor, zerolog.Nop())
	return srv, tracker
}

func ingestAndWait(t *testing.T, tracker *realtime.Service, vehicleID string) {
	t.Helper()
	tracker.Ingest(trackSample(vehicleID))
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := tracker.Snapshot(vehicleID); ok {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("snapshot for %s never appeared", vehicleID)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := testServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("GET /healthz = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("status = %q, want ok", body["status"])
	}
}

func TestVehicleEndpoints(t *testing.T) {
	srv, tracker := testServer(t)

	tracker.Assign("bus-1", realtime.Assignment{RouteID: "r-1", CompanyID: "acme"})
	ingestAndWait(t, tracker, "bus-1")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/vehicles", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /api/vehicles = %d, want 200", rec.Code)
	}
	var list []vehicleResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 || list[0].VehicleID != "bus-1" {
		t.Fatalf("unexpected vehicle list: %+v", list)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/vehicles?company=other", nil))
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode filtered list: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("company filter leaked %d vehicles", len(list))
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/vehicles/bus-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /api/vehicles/bus-1 = %d, want 200", rec.Code)
	}
	var one vehicleResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &one); err != nil {
		t.Fatalf("decode vehicle: %v", err)
	}
	if one.RouteID != "r-1" || one.CompanyID != "acme" {
		t.Fatalf("assignment missing from response: %+v", one)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/vehicles/ghost", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("GET /api/vehicles/ghost = %d, want 404", rec.Code)
	}
}

func TestBillingEndpoint(t *testing.T) {
	srv, _ := testServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/billing", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /api/billing = %d, want 200", rec.Code)
	}
	var out []billingResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode billing: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("billing kinds = %d, want 3", len(out))
	}
}

func trackSample(vehicleID string) track.PositionSample {
	now := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	return track.PositionSample{
		VehicleID:    vehicleID,
		Lat:          39.9,
		Lng:          116.4,
		SourceTime:   now,
		ReceivedTime: now,
	}
}
