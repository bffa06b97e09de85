package storage

import (
	"context"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// MemoryStore is the in-memory Store used when no PG_DSN is configured and
// as the fixture for package tests. All methods are safe for concurrent use;
// the single mutex doubles as the atomicity guarantee for the CAS
// operations.
type MemoryStore struct {
	mu          sync.Mutex
	requests    map[string]*models.RideRequest
	attempts    map[string][]models.RideRequestAttempt
	trips       map[string]*models.Trip
	tripLocs    map[string][]models.TripLocation
	presences   map[string]*models.Presence
	nextAttempt int64
	nextTripLoc int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:  make(map[string]*models.RideRequest),
		attempts:  make(map[string][]models.RideRequestAttempt),
		trips:     make(map[string]*models.Trip),
		tripLocs:  make(map[string][]models.TripLocation),
		presences: make(map[string]*models.Presence),
	}
}

func (m *MemoryStore) CreateRequest(ctx context.Context, r *models.RideRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.requests[r.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRequest(ctx context.Context, id string) (*models.RideRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) HasSearchingRequest(ctx context.Context, riderID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.requests {
		if r.RiderID == riderID && r.Status == models.RequestSearching {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) TransitionRequest(ctx context.Context, id string, to models.RequestStatus, from ...models.RequestStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return false, ErrNotFound
	}
	for _, f := range from {
		if r.Status == f {
			r.Status = to
			r.UpdatedAt = time.Now()
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) AcceptRequest(ctx context.Context, id, driverID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return false, ErrNotFound
	}
	if r.Status != models.RequestSearching {
		return false, nil
	}
	r.Status = models.RequestAccepted
	r.AcceptedDriverID = driverID
	r.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) CreateAttempt(ctx context.Context, requestID, driverID string, outcome models.AttemptOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextAttempt++
	m.attempts[requestID] = append(m.attempts[requestID], models.RideRequestAttempt{
		ID:        m.nextAttempt,
		RequestID: requestID,
		DriverID:  driverID,
		Outcome:   outcome,
		CreatedAt: time.Now(),
	})
	return nil
}

func (m *MemoryStore) CloseAttempt(ctx context.Context, requestID, driverID string, outcome models.AttemptOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.attempts[requestID]
	for i := range list {
		if list[i].DriverID == driverID && list[i].Outcome == models.AttemptSent {
			now := time.Now()
			list[i].Outcome = outcome
			list[i].RespondedAt = &now
			return nil
		}
	}
	return nil
}

func (m *MemoryStore) ListAttempts(ctx context.Context, requestID string) ([]models.RideRequestAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.RideRequestAttempt, len(m.attempts[requestID]))
	copy(out, m.attempts[requestID])
	return out, nil
}

func (m *MemoryStore) CreateTrip(ctx context.Context, t *models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.trips[t.ID] = &cp
	return nil
}

func (m *MemoryStore) GetTrip(ctx context.Context, id string) (*models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) GetTripByParties(ctx context.Context, riderID, driverID string) (*models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.trips {
		if t.RiderID == riderID && t.DriverID == driverID {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) GetActiveTripByDriver(ctx context.Context, driverID string) (*models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.trips {
		if t.DriverID == driverID && t.Status == models.TripInProgress {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) UpdateTripStatus(ctx context.Context, riderID, driverID string, status models.TripStatus, fare *float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.trips {
		if t.RiderID == riderID && t.DriverID == driverID {
			t.Status = status
			if fare != nil {
				t.Fare = *fare
			}
			t.UpdatedAt = time.Now()
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) AppendTripLocation(ctx context.Context, loc *models.TripLocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextTripLoc++
	cp := *loc
	cp.ID = m.nextTripLoc
	cp.CreatedAt = time.Now()
	m.tripLocs[loc.TripID] = append(m.tripLocs[loc.TripID], cp)
	return nil
}

func (m *MemoryStore) ListTripLocations(ctx context.Context, tripID string) ([]models.TripLocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.TripLocation, len(m.tripLocs[tripID]))
	copy(out, m.tripLocs[tripID])
	return out, nil
}

func (m *MemoryStore) UpsertPresence(ctx context.Context, p *models.Presence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.presences[p.DriverID] = &cp
	return nil
}

func (m *MemoryStore) GetPresence(ctx context.Context, driverID string) (*models.Presence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.presences[driverID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}
