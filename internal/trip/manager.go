// Package trip owns the ride after acceptance: arrival, start, completion,
// and the location log kept while a trip is in progress.
package trip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	ErrInvalidStatus = errors.New("invalid ride status")
	ErrUnauthorized  = errors.New("driver does not own this request")
)

// Notifier mirrors the push contract of the transport layer.
type Notifier interface {
	Resolve(role models.Role, partyID string) (string, bool)
	Send(sessionID, event string, payload any) error
}

// Payments captures the fare hold when a trip completes. Optional.
type Payments interface {
	CaptureFare(ctx context.Context, requestID string) error
}

type Manager struct {
	store    storage.Store
	registry presence.Registry
	notifier Notifier
	payments Payments // optional
	logger   *slog.Logger
}

func NewManager(store storage.Store, reg presence.Registry, notifier Notifier, payments Payments, logger *slog.Logger) *Manager {
	return &Manager{store: store, registry: reg, notifier: notifier, payments: payments, logger: logger}
}

var statusMessages = map[string]string{
	"accepted":          "Driver accepted your ride",
	"arrived_at_pickup": "Driver has arrived at your pickup location",
	"ride_started":      "Your ride has started",
	"completed":         "Ride completed",
}

// HandleStatusUpdate processes a driver's status signal for an accepted
// request. ride_started creates the trip idempotently: a second signal for
// the same (rider, driver) pair re-marks the existing trip instead of
// duplicating it. completed settles the fare (driver-reported value, falling
// back to the estimate) and frees the driver.
func (m *Manager) HandleStatusUpdate(ctx context.Context, requestID, driverID, status string, finalFare *float64) error {
	if _, ok := statusMessages[status]; !ok {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	req, err := m.store.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req.AcceptedDriverID != driverID {
		return ErrUnauthorized
	}

	switch status {
	case "ride_started":
		if err := m.startTrip(ctx, req, driverID); err != nil {
			return err
		}
	case "completed":
		fare := req.EstimatedFare
		if finalFare != nil && *finalFare > 0 {
			fare = *finalFare
		}
		if err := m.completeTrip(ctx, req, driverID, fare); err != nil {
			return err
		}
	}

	m.notifyRider(req.RiderID, models.EventRideStatusUpdate, map[string]any{
		"request_id": requestID,
		"status":     status,
		"message":    statusMessages[status],
	})
	return nil
}

func (m *Manager) startTrip(ctx context.Context, req *models.RideRequest, driverID string) error {
	existing, err := m.store.GetTripByParties(ctx, req.RiderID, driverID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("lookup trip: %w", err)
	}
	if existing != nil {
		// duplicate ride_started: refresh the status, do not duplicate the trip
		return m.store.UpdateTripStatus(ctx, req.RiderID, driverID, models.TripInProgress, nil)
	}

	now := time.Now()
	t := models.Trip{
		ID:         uuid.NewString(),
		RiderID:    req.RiderID,
		DriverID:   driverID,
		Pickup:     req.Pickup,
		Dropoff:    req.Dropoff,
		DistanceKm: req.DistanceKm,
		Fare:       req.EstimatedFare,
		Status:     models.TripInProgress,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := m.store.CreateTrip(ctx, &t); err != nil {
		return fmt.Errorf("create trip: %w", err)
	}
	observability.TripsStarted.Inc()
	m.logger.Info("trip started", "trip_id", t.ID, "request_id", req.ID, "driver_id", driverID)
	return nil
}

func (m *Manager) completeTrip(ctx context.Context, req *models.RideRequest, driverID string, fare float64) error {
	t, err := m.store.GetTripByParties(ctx, req.RiderID, driverID)
	if err != nil {
		return fmt.Errorf("lookup trip: %w", err)
	}
	if err := m.store.UpdateTripStatus(ctx, req.RiderID, driverID, models.TripCompleted, &fare); err != nil {
		return fmt.Errorf("complete trip: %w", err)
	}
	// completing a trip always frees the driver
	if err := m.registry.SetStatus(ctx, driverID, models.DriverAvailable); err != nil {
		m.logger.Warn("release driver", "driver_id", driverID, "error", err)
	}
	if m.payments != nil {
		if err := m.payments.CaptureFare(ctx, req.ID); err != nil {
			m.logger.Warn("fare capture failed", "request_id", req.ID, "error", err)
		}
	}
	observability.TripsCompleted.Inc()

	summary := map[string]any{
		"request_id":   req.ID,
		"trip_id":      t.ID,
		"fare":         fare,
		"distance_km":  t.DistanceKm,
		"duration_min": math.Round(time.Since(t.CreatedAt).Minutes()),
	}
	m.notifyRider(req.RiderID, models.EventRideCompleted, summary)
	m.notifyDriver(driverID, models.EventRideCompleted, summary)
	m.logger.Info("trip completed", "trip_id", t.ID, "fare", fare)
	return nil
}

// LogLocation appends a location ping to the driver's active trip and relays
// it live to the rider. A driver with no active trip is a no-op.
func (m *Manager) LogLocation(ctx context.Context, driverID string, loc models.Point, heading *float64) error {
	t, err := m.store.GetActiveTripByDriver(ctx, driverID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup active trip: %w", err)
	}
	if err := m.store.AppendTripLocation(ctx, &models.TripLocation{
		TripID:  t.ID,
		Actor:   string(models.RoleDriver),
		Loc:     loc,
		Heading: heading,
	}); err != nil {
		return fmt.Errorf("append trip location: %w", err)
	}
	m.notifyRider(t.RiderID, models.EventDriverLocation, map[string]any{
		"trip_id": t.ID,
		"loc":     loc,
	})
	return nil
}

// HandleDriverDisconnect tells the rider of an active trip that the driver's
// session dropped.
func (m *Manager) HandleDriverDisconnect(ctx context.Context, driverID string) {
	t, err := m.store.GetActiveTripByDriver(ctx, driverID)
	if err != nil {
		return
	}
	m.notifyRider(t.RiderID, models.EventDriverDisconnected, map[string]any{"trip_id": t.ID})
}

func (m *Manager) notifyRider(riderID, event string, payload any) {
	if sid, ok := m.notifier.Resolve(models.RoleRider, riderID); ok {
		_ = m.notifier.Send(sid, event, payload)
	}
}

func (m *Manager) notifyDriver(driverID, event string, payload any) {
	if sid, ok := m.notifier.Resolve(models.RoleDriver, driverID); ok {
		_ = m.notifier.Send(sid, event, payload)
	}
}
