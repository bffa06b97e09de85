package presence

import (
	"context"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Memory is the process-local Registry. Suitable for a single dispatch
// process; the Redis backend covers multi-process deployments.
type Memory struct {
	mu      sync.RWMutex
	drivers map[string]*entry
	window  time.Duration
	now     func() time.Time // test hook
}

type entry struct {
	p      models.Presence
	hasLoc bool
}

func NewMemory(livenessWindow time.Duration) *Memory {
	if livenessWindow <= 0 {
		livenessWindow = DefaultLivenessWindow
	}
	return &Memory{
		drivers: make(map[string]*entry),
		window:  livenessWindow,
		now:     time.Now,
	}
}

func (m *Memory) Upsert(ctx context.Context, u Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.drivers[u.DriverID]
	if !ok {
		e = &entry{p: models.Presence{DriverID: u.DriverID}}
		m.drivers[u.DriverID] = e
	}
	if u.Loc != nil {
		e.p.Loc = *u.Loc
		e.hasLoc = true
	}
	if u.Status != "" {
		e.p.Status = u.Status
	}
	if u.SessionID != nil {
		e.p.SessionID = *u.SessionID
	}
	e.p.LastSeen = m.now()
	return nil
}

func (m *Memory) SetStatus(ctx context.Context, driverID string, status models.DriverStatus) error {
	return m.Upsert(ctx, Update{DriverID: driverID, Status: status})
}

func (m *Memory) MarkOffline(ctx context.Context, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.drivers[driverID]
	if !ok {
		return nil
	}
	e.p.Status = models.DriverOffline
	e.p.SessionID = ""
	e.p.LastSeen = m.now()
	return nil
}

func (m *Memory) Get(ctx context.Context, driverID string) (models.Presence, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.drivers[driverID]
	if !ok {
		return models.Presence{}, false
	}
	return e.p, true
}

func (m *Memory) AllAvailable(ctx context.Context) []models.Presence {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cutoff := m.now().Add(-m.window)
	out := make([]models.Presence, 0, len(m.drivers))
	for _, e := range m.drivers {
		if e.p.Status != models.DriverAvailable || !e.hasLoc {
			continue
		}
		if e.p.LastSeen.Before(cutoff) {
			continue
		}
		out = append(out, e.p)
	}
	return out
}

// Prune drops offline records whose heartbeat is older than the liveness
// window, keeping the table bounded on long-running processes.
func (m *Memory) Prune(ctx context.Context) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-m.window)
	n := 0
	for id, e := range m.drivers {
		if e.p.LastSeen.Before(cutoff) && e.p.Status == models.DriverOffline {
			delete(m.drivers, id)
			n++
		}
	}
	return n
}
