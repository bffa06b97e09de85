package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) CreateRequest(ctx context.Context, r *models.RideRequest) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO ride_requests(id, rider_id, pickup_lat, pickup_lng, pickup_address, dropoff_lat, dropoff_lng, dropoff_address, distance_km, estimated_fare, tier, status, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		r.ID, r.RiderID, r.Pickup.Lat, r.Pickup.Lng, r.Pickup.Address,
		r.Dropoff.Lat, r.Dropoff.Lng, r.Dropoff.Address,
		r.DistanceKm, r.EstimatedFare, r.Tier, r.Status, r.CreatedAt, r.UpdatedAt)
	return err
}

func (p *PostgresStore) GetRequest(ctx context.Context, id string) (*models.RideRequest, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id, rider_id, pickup_lat, pickup_lng, pickup_address, dropoff_lat, dropoff_lng, dropoff_address, distance_km, estimated_fare, tier, status, accepted_driver_id, created_at, updated_at
		FROM ride_requests WHERE id=$1`, id)
	var r models.RideRequest
	var acceptedDriver sql.NullString
	err := row.Scan(&r.ID, &r.RiderID, &r.Pickup.Lat, &r.Pickup.Lng, &r.Pickup.Address,
		&r.Dropoff.Lat, &r.Dropoff.Lng, &r.Dropoff.Address,
		&r.DistanceKm, &r.EstimatedFare, &r.Tier, &r.Status, &acceptedDriver, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if acceptedDriver.Valid {
		r.AcceptedDriverID = acceptedDriver.String
	}
	return &r, nil
}

func (p *PostgresStore) HasSearchingRequest(ctx context.Context, riderID string) (bool, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM ride_requests WHERE rider_id=$1 AND status='searching'`, riderID).Scan(&n)
	return n > 0, err
}

func (p *PostgresStore) TransitionRequest(ctx context.Context, id string, to models.RequestStatus, from ...models.RequestStatus) (bool, error) {
	states := make([]string, len(from))
	for i, f := range from {
		states[i] = string(f)
	}
	res, err := p.db.ExecContext(ctx, `UPDATE ride_requests SET status=$1, updated_at=$2 WHERE id=$3 AND status = ANY($4)`,
		to, time.Now(), id, pq.Array(states))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (p *PostgresStore) AcceptRequest(ctx context.Context, id, driverID string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE ride_requests SET status='accepted', accepted_driver_id=$1, updated_at=$2 WHERE id=$3 AND status='searching'`,
		driverID, time.Now(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (p *PostgresStore) CreateAttempt(ctx context.Context, requestID, driverID string, outcome models.AttemptOutcome) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO ride_request_attempts(request_id, driver_id, outcome, created_at) VALUES($1,$2,$3,$4)`,
		requestID, driverID, outcome, time.Now())
	return err
}

func (p *PostgresStore) CloseAttempt(ctx context.Context, requestID, driverID string, outcome models.AttemptOutcome) error {
	_, err := p.db.ExecContext(ctx, `UPDATE ride_request_attempts SET outcome=$1, responded_at=$2 WHERE request_id=$3 AND driver_id=$4 AND outcome='sent'`,
		outcome, time.Now(), requestID, driverID)
	return err
}

func (p *PostgresStore) ListAttempts(ctx context.Context, requestID string) ([]models.RideRequestAttempt, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, request_id, driver_id, outcome, responded_at, created_at FROM ride_request_attempts WHERE request_id=$1 ORDER BY id`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.RideRequestAttempt
	for rows.Next() {
		var a models.RideRequestAttempt
		var responded sql.NullTime
		if err := rows.Scan(&a.ID, &a.RequestID, &a.DriverID, &a.Outcome, &responded, &a.CreatedAt); err != nil {
			return nil, err
		}
		if responded.Valid {
			t := responded.Time
			a.RespondedAt = &t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CreateTrip(ctx context.Context, t *models.Trip) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO trips(id, rider_id, driver_id, pickup_lat, pickup_lng, pickup_address, dropoff_lat, dropoff_lng, dropoff_address, distance_km, fare, status, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		t.ID, t.RiderID, t.DriverID, t.Pickup.Lat, t.Pickup.Lng, t.Pickup.Address,
		t.Dropoff.Lat, t.Dropoff.Lng, t.Dropoff.Address, t.DistanceKm, t.Fare, t.Status, t.CreatedAt, t.UpdatedAt)
	return err
}

func (p *PostgresStore) GetTrip(ctx context.Context, id string) (*models.Trip, error) {
	return p.scanTrip(p.db.QueryRowContext(ctx, `SELECT id, rider_id, driver_id, pickup_lat, pickup_lng, pickup_address, dropoff_lat, dropoff_lng, dropoff_address, distance_km, fare, status, created_at, updated_at
		FROM trips WHERE id=$1`, id))
}

func (p *PostgresStore) GetTripByParties(ctx context.Context, riderID, driverID string) (*models.Trip, error) {
	return p.scanTrip(p.db.QueryRowContext(ctx, `SELECT id, rider_id, driver_id, pickup_lat, pickup_lng, pickup_address, dropoff_lat, dropoff_lng, dropoff_address, distance_km, fare, status, created_at, updated_at
		FROM trips WHERE rider_id=$1 AND driver_id=$2 ORDER BY created_at DESC LIMIT 1`, riderID, driverID))
}

func (p *PostgresStore) GetActiveTripByDriver(ctx context.Context, driverID string) (*models.Trip, error) {
	return p.scanTrip(p.db.QueryRowContext(ctx, `SELECT id, rider_id, driver_id, pickup_lat, pickup_lng, pickup_address, dropoff_lat, dropoff_lng, dropoff_address, distance_km, fare, status, created_at, updated_at
		FROM trips WHERE driver_id=$1 AND status='in_progress' LIMIT 1`, driverID))
}

func (p *PostgresStore) scanTrip(row *sql.Row) (*models.Trip, error) {
	var t models.Trip
	err := row.Scan(&t.ID, &t.RiderID, &t.DriverID, &t.Pickup.Lat, &t.Pickup.Lng, &t.Pickup.Address,
		&t.Dropoff.Lat, &t.Dropoff.Lng, &t.Dropoff.Address, &t.DistanceKm, &t.Fare, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (p *PostgresStore) UpdateTripStatus(ctx context.Context, riderID, driverID string, status models.TripStatus, fare *float64) error {
	res, err := p.db.ExecContext(ctx, `UPDATE trips SET status=$1, fare=COALESCE($2, fare), updated_at=$3 WHERE rider_id=$4 AND driver_id=$5`,
		status, fare, time.Now(), riderID, driverID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) AppendTripLocation(ctx context.Context, loc *models.TripLocation) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO trip_locations(trip_id, actor, lat, lng, heading, created_at) VALUES($1,$2,$3,$4,$5,$6)`,
		loc.TripID, loc.Actor, loc.Loc.Lat, loc.Loc.Lng, loc.Heading, time.Now())
	return err
}

func (p *PostgresStore) ListTripLocations(ctx context.Context, tripID string) ([]models.TripLocation, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, trip_id, actor, lat, lng, heading, created_at FROM trip_locations WHERE trip_id=$1 ORDER BY id`, tripID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.TripLocation
	for rows.Next() {
		var l models.TripLocation
		var heading sql.NullFloat64
		if err := rows.Scan(&l.ID, &l.TripID, &l.Actor, &l.Loc.Lat, &l.Loc.Lng, &heading, &l.CreatedAt); err != nil {
			return nil, err
		}
		if heading.Valid {
			h := heading.Float64
			l.Heading = &h
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpsertPresence(ctx context.Context, pr *models.Presence) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO driver_heartbeats(driver_id, lat, lng, status, session_id, last_seen_at)
		VALUES($1,$2,$3,$4,$5,$6)
		ON CONFLICT (driver_id) DO UPDATE SET lat=EXCLUDED.lat, lng=EXCLUDED.lng, status=EXCLUDED.status, session_id=EXCLUDED.session_id, last_seen_at=EXCLUDED.last_seen_at`,
		pr.DriverID, pr.Loc.Lat, pr.Loc.Lng, pr.Status, pr.SessionID, pr.LastSeen)
	return err
}

func (p *PostgresStore) GetPresence(ctx context.Context, driverID string) (*models.Presence, error) {
	row := p.db.QueryRowContext(ctx, `SELECT driver_id, lat, lng, status, session_id, last_seen_at FROM driver_heartbeats WHERE driver_id=$1`, driverID)
	var pr models.Presence
	err := row.Scan(&pr.DriverID, &pr.Loc.Lat, &pr.Loc.Lng, &pr.Status, &pr.SessionID, &pr.LastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &pr, nil
}
