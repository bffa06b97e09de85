package models

// Event names on the wire. Inbound events are sent by riders and drivers,
// outbound events are pushed by the engine.
const (
	// inbound
	EventDriverConnect  = "driver:connect"
	EventRiderConnect   = "rider:connect"
	EventLocationUpdate = "driver:update_location"
	EventRideRequest    = "ride:request"
	EventRideAccept     = "ride:accept"
	EventRideDecline    = "ride:decline"
	EventStatusUpdate   = "ride:status_update"
	EventRideCancel     = "ride:cancel"
	EventNearbyDrivers  = "drivers:nearby"

	// outbound
	EventDriverConnected     = "driver:connected"
	EventRiderConnected      = "rider:connected"
	EventRideSearching       = "ride:searching"
	EventRideNoDrivers       = "ride:no_drivers"
	EventRideOffer           = "ride:offer"
	EventRideExpired         = "ride:expired"
	EventRideAlreadyAccepted = "ride:already_accepted"
	EventRideAccepted        = "ride:accepted"
	EventRideAcceptedConfirm = "ride:accepted_confirm"
	EventRideStatusUpdate    = "ride:status_update"
	EventRideCancelled       = "ride:cancelled"
	EventRideCancelConfirm   = "ride:cancelled_confirm"
	EventRideCompleted       = "ride:completed"
	EventDriverLocation      = "driver:location"
	EventDriverDisconnected  = "driver:disconnected"
	EventDriversList         = "drivers:list"
	EventError               = "error"
)

// RideOffer is pushed to a candidate driver; ExpiresInSec is the response
// window after which the offer escalates to the next candidate.
type RideOffer struct {
	RequestID     string  `json:"request_id"`
	RiderID       string  `json:"rider_id"`
	Pickup        Point   `json:"pickup"`
	Dropoff       Point   `json:"dropoff"`
	DistanceKm    float64 `json:"distance_km"`
	EstimatedFare float64 `json:"estimated_fare"`
	ExpiresInSec  int     `json:"expires_in_sec"`
}

// DriverSummary is the driver-side detail attached to a ride acceptance.
type DriverSummary struct {
	ID         string  `json:"id"`
	Loc        Point   `json:"loc"`
	ETAMinutes float64 `json:"eta_minutes"`
}
