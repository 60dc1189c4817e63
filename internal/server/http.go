package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"fleet-tracking/internal/billing"
	"fleet-tracking/internal/realtime"
	"fleet-tracking/internal/version"
)

// Config encapsulates the HTTP surface.
type Config struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// Server exposes health, metrics and read-only fleet state over HTTP.
type Server struct {
	cfg     Config
	logger  zerolog.Logger
	tracker *realtime.Service
	billing *billing.Monitor
	httpSrv *http.Server
}

// New builds the HTTP server around the live tracker.
func New(cfg Config, tracker *realtime.Service, monitor *billing.Monitor, logger zerolog.Logger) *Server {
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}
	s := &Server{
		cfg:     cfg,
		logger:  logger.With().Str("component", "http").Logger(),
		tracker: tracker,
		billing: monitor,
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/api/vehicles", s.handleVehicles).Methods(http.MethodGet)
	r.HandleFunc("/api/vehicles/{id}", s.handleVehicle).Methods(http.MethodGet)
	r.HandleFunc("/api/billing", s.handleBilling).Methods(http.MethodGet)

	s.httpSrv = &http.Server{
		Addr:              cfg.Listen,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the routing tree.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Run blocks serving until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("listen", s.cfg.Listen).Msg("http server started")
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.Version,
	})
}

type vehicleResponse struct {
	VehicleID         string     `json:"vehicle_id"`
	CompanyID         string     `json:"company_id,omitempty"`
	RouteID           string     `json:"route_id,omitempty"`
	Status            string     `json:"status"`
	Lat               float64    `json:"lat"`
	Lng               float64    `json:"lng"`
	SpeedKmh          float64    `json:"speed_kmh"`
	HeadingDeg        float64    `json:"heading_deg"`
	TraveledM         float64    `json:"traveled_m"`
	IdleSeconds       float64    `json:"idle_seconds"`
	StoppedSince      *time.Time `json:"stopped_since,omitempty"`
	Deviating         bool       `json:"deviating"`
	DistanceOffRouteM float64    `json:"distance_off_route_m"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

func toVehicleResponse(snap realtime.VehicleSnapshot) vehicleResponse {
	return vehicleResponse{
		VehicleID:         snap.VehicleID,
		CompanyID:         snap.CompanyID,
		RouteID:           snap.RouteID,
		Status:            string(snap.Status),
		Lat:               snap.LastSample.Lat,
		Lng:               snap.LastSample.Lng,
		SpeedKmh:          snap.Metrics.InstSpeedKmh,
		HeadingDeg:        snap.Metrics.HeadingDeg,
		TraveledM:         snap.Metrics.TraveledM,
		IdleSeconds:       snap.Metrics.IdleDuration.Seconds(),
		StoppedSince:      snap.Metrics.StoppedSince,
		Deviating:         snap.Deviation.Deviating,
		DistanceOffRouteM: snap.Deviation.DistanceOffRouteM,
		UpdatedAt:         snap.UpdatedAt,
	}
}

func (s *Server) handleVehicles(w http.ResponseWriter, r *http.Request) {
	company := r.URL.Query().Get("company")
	route := r.URL.Query().Get("route")

	out := make([]vehicleResponse, 0)
	for _, snap := range s.tracker.Snapshots() {
		if company != "" && snap.CompanyID != company {
			continue
		}
		if route != "" && snap.RouteID != route {
			continue
		}
		out = append(out, toVehicleResponse(snap))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleVehicle(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	snap, ok := s.tracker.Snapshot(id)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "vehicle not tracked"})
		return
	}
	s.writeJSON(w, http.StatusOK, toVehicleResponse(snap))
}

type billingResponse struct {
	Kind        string    `json:"kind"`
	WindowStart time.Time `json:"window_start"`
	CallsMade   int64     `json:"calls_made"`
	CallLimit   int64     `json:"call_limit"`
	SpentUSD    string    `json:"spent_usd"`
}

func (s *Server) handleBilling(w http.ResponseWriter, _ *http.Request) {
	if s.billing == nil {
		s.writeJSON(w, http.StatusOK, []billingResponse{})
		return
	}
	out := make([]billingResponse, 0)
	for _, snap := range s.billing.Snapshots() {
		out = append(out, billingResponse{
			Kind:        string(snap.Kind),
			WindowStart: snap.WindowStart,
			CallsMade:   snap.CallsMade,
			CallLimit:   snap.CallLimit,
			SpentUSD:    snap.SpentUSD.StringFixed(2),
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode response")
	}
}
