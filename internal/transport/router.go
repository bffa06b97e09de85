package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/match"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/trip"
)

// Router decodes inbound events and hands them to the dispatch coordinator
// and trip manager. Per-event errors go back to the originating session as
// an error event and never touch shared state.
type Router struct {
	Hub         *Hub
	Coordinator *dispatch.Coordinator
	Trips       *trip.Manager
	Registry    presence.Registry
	Selector    *match.Selector
	Store       storage.PresenceStore
	Producer    *ingest.Producer // optional heartbeat stream
	Logger      *slog.Logger

	upgrader websocket.Upgrader
}

func (r *Router) ServeWS(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s := r.Hub.Add(conn)
	go r.readLoop(s)
}

func (r *Router) readLoop(s *Session) {
	defer r.disconnect(s)
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			r.sendError(s, "malformed event")
			continue
		}
		r.handle(s, env)
	}
}

func (r *Router) handle(s *Session, env Envelope) {
	ctx := context.Background()
	switch env.Event {
	case models.EventDriverConnect:
		r.onDriverConnect(ctx, s, env.Data)
	case models.EventRiderConnect:
		r.onRiderConnect(s, env.Data)
	case models.EventLocationUpdate:
		r.onLocationUpdate(ctx, s, env.Data)
	case models.EventRideRequest:
		r.onRideRequest(ctx, s, env.Data)
	case models.EventRideAccept:
		r.onRideAccept(ctx, s, env.Data)
	case models.EventRideDecline:
		r.onRideDecline(ctx, s, env.Data)
	case models.EventStatusUpdate:
		r.onStatusUpdate(ctx, s, env.Data)
	case models.EventRideCancel:
		r.onRideCancel(ctx, s, env.Data)
	case models.EventNearbyDrivers:
		r.onNearbyDrivers(ctx, s, env.Data)
	default:
		r.sendError(s, "unknown event")
	}
}

func (r *Router) onDriverConnect(ctx context.Context, s *Session, data json.RawMessage) {
	var p struct {
		DriverID string        `json:"driver_id"`
		Loc      *models.Point `json:"loc"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.DriverID == "" {
		r.sendError(s, "driver not registered")
		return
	}
	r.Hub.Bind(s.ID, models.RoleDriver, p.DriverID)
	sid := s.ID
	u := presence.Update{DriverID: p.DriverID, Loc: p.Loc, Status: models.DriverAvailable, SessionID: &sid}
	if err := r.Registry.Upsert(ctx, u); err != nil {
		r.Logger.Warn("presence upsert", "driver_id", p.DriverID, "error", err)
	}
	r.persistHeartbeat(ctx, p.DriverID, p.Loc, models.DriverAvailable, sid)
	observability.DriversOnline.Inc()
	_ = s.send(models.EventDriverConnected, map[string]any{"driver_id": p.DriverID, "status": models.DriverAvailable})
	r.Logger.Info("driver connected", "driver_id", p.DriverID, "session_id", sid)
}

func (r *Router) onRiderConnect(s *Session, data json.RawMessage) {
	var p struct {
		RiderID string `json:"rider_id"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.RiderID == "" {
		r.sendError(s, "rider not registered")
		return
	}
	r.Hub.Bind(s.ID, models.RoleRider, p.RiderID)
	_ = s.send(models.EventRiderConnected, map[string]any{"rider_id": p.RiderID})
	r.Logger.Info("rider connected", "rider_id", p.RiderID, "session_id", s.ID)
}

func (r *Router) onLocationUpdate(ctx context.Context, s *Session, data json.RawMessage) {
	driverID, ok := r.driver(s)
	if !ok {
		return
	}
	var p struct {
		Loc     *models.Point `json:"loc"`
		Heading *float64      `json:"heading"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.Loc == nil {
		r.sendError(s, "invalid location")
		return
	}
	if err := r.Registry.Upsert(ctx, presence.Update{DriverID: driverID, Loc: p.Loc}); err != nil {
		r.Logger.Warn("presence upsert", "driver_id", driverID, "error", err)
	}
	r.persistHeartbeat(ctx, driverID, p.Loc, "", s.ID)
	if err := r.Trips.LogLocation(ctx, driverID, *p.Loc, p.Heading); err != nil {
		r.Logger.Warn("trip location", "driver_id", driverID, "error", err)
	}
}

func (r *Router) onRideRequest(ctx context.Context, s *Session, data json.RawMessage) {
	riderID, ok := r.rider(s)
	if !ok {
		return
	}
	var p struct {
		Pickup  *models.Point `json:"pickup"`
		Dropoff *models.Point `json:"dropoff"`
		Tier    string        `json:"tier"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.Pickup == nil || p.Dropoff == nil {
		r.sendError(s, "pickup and dropoff are required")
		return
	}
	if _, err := r.Coordinator.Submit(ctx, riderID, *p.Pickup, *p.Dropoff, p.Tier); err != nil {
		switch {
		case errors.Is(err, dispatch.ErrActiveRequest):
			r.sendError(s, "you already have an active ride request")
		default:
			r.Logger.Error("submit ride request", "rider_id", riderID, "error", err)
			r.sendError(s, "could not submit ride request")
		}
	}
}

func (r *Router) onRideAccept(ctx context.Context, s *Session, data json.RawMessage) {
	driverID, ok := r.driver(s)
	if !ok {
		return
	}
	requestID, ok := r.requestID(s, data)
	if !ok {
		return
	}
	// conflict losers are answered by the coordinator itself
	if err := r.Coordinator.Accept(ctx, requestID, driverID); err != nil && !errors.Is(err, dispatch.ErrConflict) {
		r.Logger.Error("accept", "request_id", requestID, "driver_id", driverID, "error", err)
		r.sendError(s, "could not accept ride")
	}
}

func (r *Router) onRideDecline(ctx context.Context, s *Session, data json.RawMessage) {
	driverID, ok := r.driver(s)
	if !ok {
		return
	}
	requestID, ok := r.requestID(s, data)
	if !ok {
		return
	}
	if err := r.Coordinator.Decline(ctx, requestID, driverID); err != nil {
		r.Logger.Error("decline", "request_id", requestID, "driver_id", driverID, "error", err)
	}
}

func (r *Router) onStatusUpdate(ctx context.Context, s *Session, data json.RawMessage) {
	driverID, ok := r.driver(s)
	if !ok {
		return
	}
	var p struct {
		RequestID string   `json:"request_id"`
		Status    string   `json:"status"`
		Fare      *float64 `json:"fare"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.RequestID == "" {
		r.sendError(s, "ride not found")
		return
	}
	err := r.Trips.HandleStatusUpdate(ctx, p.RequestID, driverID, p.Status, p.Fare)
	switch {
	case err == nil:
	case errors.Is(err, trip.ErrInvalidStatus):
		r.sendError(s, "invalid ride status")
	case errors.Is(err, trip.ErrUnauthorized):
		r.sendError(s, "invalid ride or driver")
	case errors.Is(err, storage.ErrNotFound):
		r.sendError(s, "ride not found")
	default:
		r.Logger.Error("status update", "request_id", p.RequestID, "error", err)
		r.sendError(s, "could not update ride status")
	}
}

func (r *Router) onRideCancel(ctx context.Context, s *Session, data json.RawMessage) {
	riderID, ok := r.rider(s)
	if !ok {
		return
	}
	requestID, ok := r.requestID(s, data)
	if !ok {
		return
	}
	err := r.Coordinator.Cancel(ctx, requestID, riderID)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound):
		r.sendError(s, "ride not found")
	case errors.Is(err, dispatch.ErrUnauthorized):
		r.sendError(s, "unauthorized")
	case errors.Is(err, dispatch.ErrConflict):
		r.sendError(s, "ride can no longer be cancelled")
	default:
		r.Logger.Error("cancel", "request_id", requestID, "error", err)
		r.sendError(s, "could not cancel ride")
	}
}

func (r *Router) onNearbyDrivers(ctx context.Context, s *Session, data json.RawMessage) {
	var p struct {
		Loc *models.Point `json:"loc"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.Loc == nil {
		r.sendError(s, "invalid location")
		return
	}
	cands := r.Selector.FindCandidates(ctx, *p.Loc)
	list := make([]map[string]any, 0, len(cands))
	for _, c := range cands {
		entry := map[string]any{"id": c.DriverID, "distance_km": c.DistanceKm}
		if pr, ok := r.Registry.Get(ctx, c.DriverID); ok {
			entry["loc"] = pr.Loc
		}
		list = append(list, entry)
	}
	_ = s.send(models.EventDriversList, map[string]any{"drivers": list})
}

func (r *Router) disconnect(s *Session) {
	_ = s.conn.Close()
	role, partyID, bound := r.Hub.Remove(s.ID)
	if !bound {
		return
	}
	ctx := context.Background()
	switch role {
	case models.RoleDriver:
		if err := r.Registry.MarkOffline(ctx, partyID); err != nil {
			r.Logger.Warn("mark offline", "driver_id", partyID, "error", err)
		}
		r.persistHeartbeat(ctx, partyID, nil, models.DriverOffline, "")
		observability.DriversOnline.Dec()
		r.Trips.HandleDriverDisconnect(ctx, partyID)
		r.Logger.Info("driver disconnected", "driver_id", partyID)
	case models.RoleRider:
		// orphaned searching requests are cancelled, not left to spin
		r.Coordinator.HandleRiderDisconnect(ctx, partyID)
		r.Logger.Info("rider disconnected", "rider_id", partyID)
	}
}

// persistHeartbeat mirrors the live registry into the durable heartbeat
// table and the Kafka stream, both best-effort.
func (r *Router) persistHeartbeat(ctx context.Context, driverID string, loc *models.Point, status models.DriverStatus, sessionID string) {
	p := models.Presence{DriverID: driverID, Status: status, SessionID: sessionID, LastSeen: time.Now()}
	if cur, ok := r.Registry.Get(ctx, driverID); ok {
		p = cur
		if loc != nil {
			p.Loc = *loc
		}
		if status != "" {
			p.Status = status
		}
	} else if loc != nil {
		p.Loc = *loc
	}
	if r.Store != nil {
		if err := r.Store.UpsertPresence(ctx, &p); err != nil {
			r.Logger.Warn("heartbeat persist", "driver_id", driverID, "error", err)
		}
	}
	if r.Producer != nil {
		if err := r.Producer.PublishHeartbeat(ctx, p); err != nil {
			r.Logger.Warn("heartbeat publish", "driver_id", driverID, "error", err)
		}
	}
}

func (r *Router) driver(s *Session) (string, bool) {
	if s.role != models.RoleDriver || s.partyID == "" {
		r.sendError(s, "driver not registered")
		return "", false
	}
	return s.partyID, true
}

func (r *Router) rider(s *Session) (string, bool) {
	if s.role != models.RoleRider || s.partyID == "" {
		r.sendError(s, "rider not registered")
		return "", false
	}
	return s.partyID, true
}

func (r *Router) requestID(s *Session, data json.RawMessage) (string, bool) {
	var p struct {
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.RequestID == "" {
		r.sendError(s, "ride not found")
		return "", false
	}
	return p.RequestID, true
}

func (r *Router) sendError(s *Session, msg string) {
	_ = s.send(models.EventError, map[string]any{"message": msg})
}
