package models

import "time"

type Point struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address,omitempty"`
}

// RequestStatus is the lifecycle of a ride request. searching is the only
// non-terminal state.
type RequestStatus string

const (
	RequestSearching RequestStatus = "searching"
	RequestAccepted  RequestStatus = "accepted"
	RequestCancelled RequestStatus = "cancelled"
	RequestFailed    RequestStatus = "failed"
)

type RideRequest struct {
	ID               string        `json:"id"`
	RiderID          string        `json:"rider_id"`
	Pickup           Point         `json:"pickup"`
	Dropoff          Point         `json:"dropoff"`
	DistanceKm       float64       `json:"distance_km"`
	EstimatedFare    float64       `json:"estimated_fare"`
	Tier             string        `json:"tier"`
	Status           RequestStatus `json:"status"`
	AcceptedDriverID string        `json:"accepted_driver_id,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// AttemptOutcome records why a candidate driver was or wasn't used. A row
// starts as sent and moves exactly once to accepted, declined or timeout;
// offline rows are created terminal.
type AttemptOutcome string

const (
	AttemptSent     AttemptOutcome = "sent"
	AttemptAccepted AttemptOutcome = "accepted"
	AttemptDeclined AttemptOutcome = "declined"
	AttemptTimeout  AttemptOutcome = "timeout"
	AttemptOffline  AttemptOutcome = "offline"
)

type RideRequestAttempt struct {
	ID          int64          `json:"id"`
	RequestID   string         `json:"request_id"`
	DriverID    string         `json:"driver_id"`
	Outcome     AttemptOutcome `json:"outcome"`
	RespondedAt *time.Time     `json:"responded_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

type DriverStatus string

const (
	DriverAvailable DriverStatus = "available"
	DriverBusy      DriverStatus = "busy"
	DriverOffline   DriverStatus = "offline"
)

// Presence is a driver's last-known position and availability snapshot.
// Records older than the liveness window are treated as offline by readers
// regardless of the stored status.
type Presence struct {
	DriverID  string       `json:"driver_id"`
	Loc       Point        `json:"loc"`
	Status    DriverStatus `json:"status"`
	SessionID string       `json:"session_id,omitempty"`
	LastSeen  time.Time    `json:"last_seen"`
}

type TripStatus string

const (
	TripRequested  TripStatus = "requested"
	TripAccepted   TripStatus = "accepted"
	TripInProgress TripStatus = "in_progress"
	TripCompleted  TripStatus = "completed"
	TripCancelled  TripStatus = "cancelled"
)

type Trip struct {
	ID         string     `json:"id"`
	RiderID    string     `json:"rider_id"`
	DriverID   string     `json:"driver_id"`
	Pickup     Point      `json:"pickup"`
	Dropoff    Point      `json:"dropoff"`
	DistanceKm float64    `json:"distance_km"`
	Fare       float64    `json:"fare"`
	Status     TripStatus `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

type TripLocation struct {
	ID        int64     `json:"id"`
	TripID    string    `json:"trip_id"`
	Actor     string    `json:"actor"`
	Loc       Point     `json:"loc"`
	Heading   *float64  `json:"heading,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Role string

const (
	RoleRider  Role = "rider"
	RoleDriver Role = "driver"
)
