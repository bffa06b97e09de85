// Package match turns the presence registry into an ordered candidate list
// for a pickup point.
package match

import (
	"context"
	"sort"

	"github.com/example/ride-dispatch/internal/estimate"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
)

// Candidate is a driver considered for a specific ride request.
type Candidate struct {
	DriverID   string
	DistanceKm float64
}

type Selector struct {
	Registry presence.Registry
	RadiusKm float64
}

func NewSelector(reg presence.Registry, radiusKm float64) *Selector {
	if radiusKm <= 0 {
		radiusKm = 5
	}
	return &Selector{Registry: reg, RadiusKm: radiusKm}
}

// FindCandidates returns available drivers within the search radius of the
// pickup point, nearest first. Distance ties break on driver ID ascending so
// the offer order is deterministic. An empty fleet is an empty slice, never
// an error.
func (s *Selector) FindCandidates(ctx context.Context, pickup models.Point) []Candidate {
	avail := s.Registry.AllAvailable(ctx)
	out := make([]Candidate, 0, len(avail))
	for _, p := range avail {
		d := estimate.DistanceKm(pickup, p.Loc)
		if d <= s.RadiusKm {
			out = append(out, Candidate{DriverID: p.DriverID, DistanceKm: d})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].DriverID < out[j].DriverID
	})
	return out
}
