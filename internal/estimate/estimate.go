// Package estimate holds the pure distance, fare and travel-time math used
// by the dispatch engine. No state, no I/O.
package estimate

import (
	"math"

	"github.com/example/ride-dispatch/internal/models"
)

type Tier string

const (
	TierEconomy Tier = "economy"
	TierClassic Tier = "classic"
)

// Rate is the pricing profile for a tier.
type Rate struct {
	BaseFare   float64
	PerKm      float64
	AvgSpeedKm float64 // average speed in km/h used for ETA
}

// DefaultRates mirrors the production pricing table.
var DefaultRates = map[Tier]Rate{
	TierEconomy: {BaseFare: 20, PerKm: 5, AvgSpeedKm: 25},
	TierClassic: {BaseFare: 30, PerKm: 8, AvgSpeedKm: 35},
}

// ParseTier normalizes free-form tier input. Legacy vehicle-type aliases map
// onto the two tiers; anything unrecognized falls back to economy rather
// than erroring.
func ParseTier(s string) Tier {
	switch s {
	case "classic", "Classic", "car", "delivery":
		return TierClassic
	case "economy", "Economy", "bike", "ride":
		return TierEconomy
	default:
		return TierEconomy
	}
}

// DistanceKm returns the great-circle (haversine) distance in kilometers.
func DistanceKm(a, b models.Point) float64 {
	const earthRadiusKm = 6371.0
	toRad := func(deg float64) float64 { return deg * math.Pi / 180.0 }
	dLat := toRad(b.Lat - a.Lat)
	dLng := toRad(b.Lng - a.Lng)
	sinLat := math.Sin(dLat / 2)
	sinLng := math.Sin(dLng / 2)
	h := sinLat*sinLat + math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*sinLng*sinLng
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

// Estimator computes fares and travel times from a rates table.
type Estimator struct {
	Rates map[Tier]Rate
}

func New() *Estimator { return &Estimator{Rates: DefaultRates} }

func (e *Estimator) rate(tier Tier) Rate {
	if r, ok := e.Rates[tier]; ok {
		return r
	}
	return e.Rates[TierEconomy]
}

// Fare is base + perKm * distance, rounded to 2 decimal places.
func (e *Estimator) Fare(distanceKm float64, tier Tier) float64 {
	r := e.rate(tier)
	return Round2(r.BaseFare + r.PerKm*distanceKm)
}

// ETAMinutes estimates travel time at the tier's average speed.
func (e *Estimator) ETAMinutes(distanceKm float64, tier Tier) float64 {
	r := e.rate(tier)
	return Round2(distanceKm / r.AvgSpeedKm * 60)
}

// TierQuote is a per-tier fare and time estimate.
type TierQuote struct {
	Fare       float64 `json:"fare"`
	ETAMinutes float64 `json:"eta_minutes"`
}

// Quote returns fare and time estimates for every tier between two points.
type Quote struct {
	DistanceKm float64            `json:"distance_km"`
	Tiers      map[Tier]TierQuote `json:"tiers"`
}

func (e *Estimator) Quote(pickup, dropoff models.Point) Quote {
	d := Round2(DistanceKm(pickup, dropoff))
	q := Quote{DistanceKm: d, Tiers: make(map[Tier]TierQuote, len(e.Rates))}
	for tier := range e.Rates {
		q.Tiers[tier] = TierQuote{Fare: e.Fare(d, tier), ETAMinutes: e.ETAMinutes(d, tier)}
	}
	return q
}

// Round2 rounds to 2 decimal places, the precision used for fares,
// distances and minutes everywhere in the engine.
func Round2(v float64) float64 { return math.Round(v*100) / 100 }
