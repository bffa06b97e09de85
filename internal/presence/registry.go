// Package presence tracks each driver's last-known position, availability
// and transport session. Records are independent per driver; no cross-driver
// locking is ever required.
package presence

import (
	"context"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// DefaultLivenessWindow is how long a heartbeat stays trustworthy. Older
// records are treated as offline even if their stored status says available.
const DefaultLivenessWindow = 60 * time.Second

// Update carries a partial presence write. Nil fields are left unchanged;
// last write wins per field. LastSeen is always refreshed.
type Update struct {
	DriverID  string
	Loc       *models.Point
	Status    models.DriverStatus // empty string leaves status unchanged
	SessionID *string             // nil unchanged, empty string clears
}

type Registry interface {
	Upsert(ctx context.Context, u Update) error
	SetStatus(ctx context.Context, driverID string, status models.DriverStatus) error
	MarkOffline(ctx context.Context, driverID string) error
	Get(ctx context.Context, driverID string) (models.Presence, bool)
	// AllAvailable returns available drivers whose heartbeat is within the
	// liveness window and that have a known position.
	AllAvailable(ctx context.Context) []models.Presence
}
