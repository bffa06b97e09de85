package storage

import (
	"context"
	"errors"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrNotFound = errors.New("not found")

// RequestStore defines persistence for ride requests. TransitionRequest and
// AcceptRequest are compare-and-set operations: they only apply when the
// stored status still matches one of the expected source states, and report
// whether the write landed.
type RequestStore interface {
	CreateRequest(ctx context.Context, r *models.RideRequest) error
	GetRequest(ctx context.Context, id string) (*models.RideRequest, error)
	HasSearchingRequest(ctx context.Context, riderID string) (bool, error)
	TransitionRequest(ctx context.Context, id string, to models.RequestStatus, from ...models.RequestStatus) (bool, error)
	AcceptRequest(ctx context.Context, id, driverID string) (bool, error)
}

// AttemptStore is the append-only offer audit trail. CloseAttempt applies
// the single sent→outcome transition for the pending attempt of
// (request, driver); it is a no-op when no attempt is pending.
type AttemptStore interface {
	CreateAttempt(ctx context.Context, requestID, driverID string, outcome models.AttemptOutcome) error
	CloseAttempt(ctx context.Context, requestID, driverID string, outcome models.AttemptOutcome) error
	ListAttempts(ctx context.Context, requestID string) ([]models.RideRequestAttempt, error)
}

type TripStore interface {
	CreateTrip(ctx context.Context, t *models.Trip) error
	GetTrip(ctx context.Context, id string) (*models.Trip, error)
	GetTripByParties(ctx context.Context, riderID, driverID string) (*models.Trip, error)
	GetActiveTripByDriver(ctx context.Context, driverID string) (*models.Trip, error)
	UpdateTripStatus(ctx context.Context, riderID, driverID string, status models.TripStatus, fare *float64) error
	AppendTripLocation(ctx context.Context, loc *models.TripLocation) error
	ListTripLocations(ctx context.Context, tripID string) ([]models.TripLocation, error)
}

// PresenceStore persists driver heartbeats for audit and recovery. The live
// view queried during matching lives in the presence registry, not here.
type PresenceStore interface {
	UpsertPresence(ctx context.Context, p *models.Presence) error
	GetPresence(ctx context.Context, driverID string) (*models.Presence, error)
}

// Store groups every persistence concern of the engine.
type Store interface {
	RequestStore
	AttemptStore
	TripStore
	PresenceStore
}
