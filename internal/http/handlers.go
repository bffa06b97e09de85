package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/estimate"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/transport"
)

// Server is the REST surface next to the WebSocket endpoint: fare quotes,
// ride/trip lookups for support tooling, health and metrics.
type Server struct {
	Estimator *estimate.Estimator
	Store     storage.Store
	WS        *transport.Router

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(est *estimate.Estimator, store storage.Store, ws *transport.Router, logger *slog.Logger) *Server {
	s := &Server{Estimator: est, Store: store, WS: ws, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/estimates", s.handleEstimate).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{id}", s.handleGetRide).Methods("GET")
	s.mux.HandleFunc("/api/v1/rides/{id}/attempts", s.handleGetRideAttempts).Methods("GET")
	s.mux.HandleFunc("/api/v1/trips/{id}", s.handleGetTrip).Methods("GET")
	s.mux.HandleFunc("/api/v1/trips/{id}/locations", s.handleGetTripLocations).Methods("GET")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws", s.WS.ServeWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Pickup  *models.Point `json:"pickup"`
		Dropoff *models.Point `json:"dropoff"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Pickup == nil || body.Dropoff == nil {
		http.Error(w, "pickup and dropoff are required", http.StatusBadRequest)
		return
	}
	writeJSON(w, s.Estimator.Quote(*body.Pickup, *body.Dropoff))
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	req, err := s.Store.GetRequest(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.notFoundOr500(w, err)
		return
	}
	writeJSON(w, req)
}

func (s *Server) handleGetRideAttempts(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.Store.GetRequest(r.Context(), id); err != nil {
		s.notFoundOr500(w, err)
		return
	}
	attempts, err := s.Store.ListAttempts(r.Context(), id)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"request_id": id, "attempts": attempts})
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	t, err := s.Store.GetTrip(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.notFoundOr500(w, err)
		return
	}
	writeJSON(w, t)
}

func (s *Server) handleGetTripLocations(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.Store.GetTrip(r.Context(), id); err != nil {
		s.notFoundOr500(w, err)
		return
	}
	locs, err := s.Store.ListTripLocations(r.Context(), id)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"trip_id": id, "locations": locs})
}

func (s *Server) notFoundOr500(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	s.logger.Error("storage read", "error", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
