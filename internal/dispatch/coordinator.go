// Package dispatch owns the ride-request lifecycle: candidate queueing,
// sequential offers under a timed response window, and the terminal
// transitions. Each request's escalation state is owned exclusively by the
// coordinator; nothing else mutates a request while it is searching.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/estimate"
	"github.com/example/ride-dispatch/internal/match"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	ErrActiveRequest = errors.New("rider already has a searching request")
	ErrConflict      = errors.New("request already resolved")
	ErrUnauthorized  = errors.New("actor does not own this request")
)

// Notifier is the push-to-peer contract the coordinator needs from the
// transport layer. Delivery is best-effort; the coordinator never blocks on
// acknowledgment.
type Notifier interface {
	Resolve(role models.Role, partyID string) (string, bool)
	Send(sessionID, event string, payload any) error
}

// Payments is the optional fare-hold collaborator, called around accept and
// cancel. Settlement itself happens outside the engine.
type Payments interface {
	HoldFare(ctx context.Context, requestID, riderID string, amount float64) error
	ReleaseFare(ctx context.Context, requestID string) error
}

type Coordinator struct {
	store     storage.Store
	registry  presence.Registry
	selector  *match.Selector
	estimator *estimate.Estimator
	notifier  Notifier
	payments  Payments // optional
	logger    *slog.Logger

	window   time.Duration
	liveness time.Duration

	mu      sync.Mutex
	active  map[string]*requestState
	byRider map[string]string // riderID -> searching requestID
}

// requestState is the in-memory escalation state for one searching request.
// Its mutex serializes every transition for that request; the generation
// counter makes a timer fired for an older offer a no-op.
type requestState struct {
	mu         sync.Mutex
	req        models.RideRequest
	queue      []string
	offered    string
	generation int
	timer      *time.Timer
}

func (st *requestState) stopTimerLocked() {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
}

type Config struct {
	ResponseWindow time.Duration
	LivenessWindow time.Duration
}

func NewCoordinator(store storage.Store, reg presence.Registry, sel *match.Selector, est *estimate.Estimator, notifier Notifier, payments Payments, logger *slog.Logger, cfg Config) *Coordinator {
	if cfg.ResponseWindow <= 0 {
		cfg.ResponseWindow = 30 * time.Second
	}
	if cfg.LivenessWindow <= 0 {
		cfg.LivenessWindow = presence.DefaultLivenessWindow
	}
	return &Coordinator{
		store:     store,
		registry:  reg,
		selector:  sel,
		estimator: est,
		notifier:  notifier,
		payments:  payments,
		logger:    logger,
		window:    cfg.ResponseWindow,
		liveness:  cfg.LivenessWindow,
		active:    make(map[string]*requestState),
		byRider:   make(map[string]string),
	}
}

// Submit creates a searching ride request and starts the escalation loop.
// A rider with a request already searching gets ErrActiveRequest.
func (c *Coordinator) Submit(ctx context.Context, riderID string, pickup, dropoff models.Point, tierName string) (*models.RideRequest, error) {
	busy, err := c.store.HasSearchingRequest(ctx, riderID)
	if err != nil {
		return nil, fmt.Errorf("check active request: %w", err)
	}
	if busy {
		return nil, ErrActiveRequest
	}

	tier := estimate.ParseTier(tierName)
	dist := estimate.DistanceKm(pickup, dropoff)
	now := time.Now()
	req := models.RideRequest{
		ID:            uuid.NewString(),
		RiderID:       riderID,
		Pickup:        pickup,
		Dropoff:       dropoff,
		DistanceKm:    estimate.Round2(dist),
		EstimatedFare: c.estimator.Fare(dist, tier),
		Tier:          string(tier),
		Status:        models.RequestSearching,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := c.store.CreateRequest(ctx, &req); err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	candidates := c.selector.FindCandidates(ctx, pickup)
	c.notifyRider(riderID, models.EventRideSearching, map[string]any{
		"request_id":    req.ID,
		"drivers_found": len(candidates),
	})

	if len(candidates) == 0 {
		if _, err := c.store.TransitionRequest(ctx, req.ID, models.RequestFailed, models.RequestSearching); err != nil {
			return nil, fmt.Errorf("fail request: %w", err)
		}
		req.Status = models.RequestFailed
		observability.SearchesFailed.Inc()
		c.notifyRider(riderID, models.EventRideNoDrivers, map[string]any{
			"request_id": req.ID,
			"message":    "No drivers available in your area",
		})
		return &req, nil
	}

	st := &requestState{req: req, queue: make([]string, len(candidates))}
	for i, cand := range candidates {
		st.queue[i] = cand.DriverID
	}
	c.mu.Lock()
	c.active[req.ID] = st
	c.byRider[riderID] = req.ID
	c.mu.Unlock()
	observability.SearchesActive.Inc()

	st.mu.Lock()
	defer st.mu.Unlock()
	if err := c.tryNextLocked(ctx, st); err != nil {
		return nil, err
	}
	return &req, nil
}

// tryNextLocked pops candidates until one receives an offer or the queue is
// exhausted. Candidates that are unavailable, stale or sessionless are
// recorded as offline attempts and skipped without delay. Callers hold st.mu.
func (c *Coordinator) tryNextLocked(ctx context.Context, st *requestState) error {
	st.stopTimerLocked()
	st.generation++
	st.offered = ""

	for len(st.queue) > 0 {
		driverID := st.queue[0]
		st.queue = st.queue[1:]

		p, ok := c.registry.Get(ctx, driverID)
		if !ok || p.Status != models.DriverAvailable || time.Since(p.LastSeen) > c.liveness {
			if err := c.store.CreateAttempt(ctx, st.req.ID, driverID, models.AttemptOffline); err != nil {
				return fmt.Errorf("record offline attempt: %w", err)
			}
			continue
		}
		sessionID, ok := c.notifier.Resolve(models.RoleDriver, driverID)
		if !ok {
			if err := c.store.CreateAttempt(ctx, st.req.ID, driverID, models.AttemptOffline); err != nil {
				return fmt.Errorf("record offline attempt: %w", err)
			}
			continue
		}

		if err := c.store.CreateAttempt(ctx, st.req.ID, driverID, models.AttemptSent); err != nil {
			// do not advance in-memory state past an unconfirmed write
			return fmt.Errorf("record attempt: %w", err)
		}
		if err := c.registry.SetStatus(ctx, driverID, models.DriverBusy); err != nil {
			c.logger.Warn("reserve driver", "driver_id", driverID, "error", err)
		}

		st.offered = driverID
		gen := st.generation
		offer := models.RideOffer{
			RequestID:     st.req.ID,
			RiderID:       st.req.RiderID,
			Pickup:        st.req.Pickup,
			Dropoff:       st.req.Dropoff,
			DistanceKm:    st.req.DistanceKm,
			EstimatedFare: st.req.EstimatedFare,
			ExpiresInSec:  int(c.window / time.Second),
		}
		if err := c.notifier.Send(sessionID, models.EventRideOffer, offer); err != nil {
			c.logger.Warn("offer push failed", "request_id", st.req.ID, "driver_id", driverID, "error", err)
		}
		observability.OffersTotal.Inc()
		c.logger.Info("ride offered", "request_id", st.req.ID, "driver_id", driverID, "queue_left", len(st.queue))

		st.timer = time.AfterFunc(c.window, func() {
			c.onTimeout(st.req.ID, driverID, gen)
		})
		return nil
	}

	// queue exhausted
	ok, err := c.store.TransitionRequest(ctx, st.req.ID, models.RequestFailed, models.RequestSearching)
	if err != nil {
		return fmt.Errorf("fail request: %w", err)
	}
	c.unregister(st.req.ID, st.req.RiderID)
	observability.SearchesFailed.Inc()
	if ok {
		c.notifyRider(st.req.RiderID, models.EventRideNoDrivers, map[string]any{
			"request_id": st.req.ID,
			"message":    "No drivers available in your area",
		})
		c.logger.Info("request failed, queue exhausted", "request_id", st.req.ID)
	}
	return nil
}

// onTimeout runs when the response window for one offer expires. A timer
// belonging to an older generation, or a request that already left
// searching, is a no-op.
func (c *Coordinator) onTimeout(requestID, driverID string, gen int) {
	st := c.get(requestID)
	if st == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.generation != gen {
		return
	}

	ctx := context.Background()
	req, err := c.store.GetRequest(ctx, requestID)
	if err != nil || req.Status != models.RequestSearching {
		return
	}

	if err := c.store.CloseAttempt(ctx, requestID, driverID, models.AttemptTimeout); err != nil {
		c.logger.Error("close timed-out attempt", "request_id", requestID, "error", err)
		return
	}
	if err := c.registry.SetStatus(ctx, driverID, models.DriverAvailable); err != nil {
		c.logger.Warn("release driver", "driver_id", driverID, "error", err)
	}
	observability.OfferTimeouts.Inc()
	if sid, ok := c.notifier.Resolve(models.RoleDriver, driverID); ok {
		_ = c.notifier.Send(sid, models.EventRideExpired, map[string]any{"request_id": requestID})
	}
	c.logger.Info("offer expired", "request_id", requestID, "driver_id", driverID)

	if err := c.tryNextLocked(ctx, st); err != nil {
		c.logger.Error("escalate after timeout", "request_id", requestID, "error", err)
	}
}

// Accept is the driver's answer to an offer. The persisted compare-and-set
// on status=searching decides races: the loser gets ride:already_accepted
// and nothing else changes.
func (c *Coordinator) Accept(ctx context.Context, requestID, driverID string) error {
	st := c.get(requestID)
	if st == nil {
		// already resolved and pruned; tell the late acceptor
		c.notifyDriver(driverID, models.EventRideAlreadyAccepted, map[string]any{"request_id": requestID})
		return ErrConflict
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.offered != driverID {
		c.notifyDriver(driverID, models.EventRideAlreadyAccepted, map[string]any{"request_id": requestID})
		return ErrConflict
	}

	won, err := c.store.AcceptRequest(ctx, requestID, driverID)
	if err != nil {
		return fmt.Errorf("accept request: %w", err)
	}
	if !won {
		c.notifyDriver(driverID, models.EventRideAlreadyAccepted, map[string]any{"request_id": requestID})
		return ErrConflict
	}

	st.generation++
	st.stopTimerLocked()
	if err := c.store.CloseAttempt(ctx, requestID, driverID, models.AttemptAccepted); err != nil {
		c.logger.Error("close accepted attempt", "request_id", requestID, "error", err)
	}
	if err := c.registry.SetStatus(ctx, driverID, models.DriverBusy); err != nil {
		c.logger.Warn("mark driver busy", "driver_id", driverID, "error", err)
	}
	observability.AcceptsTotal.Inc()

	summary := models.DriverSummary{ID: driverID}
	if p, ok := c.registry.Get(ctx, driverID); ok {
		summary.Loc = p.Loc
		approach := estimate.DistanceKm(p.Loc, st.req.Pickup)
		summary.ETAMinutes = c.estimator.ETAMinutes(approach, estimate.Tier(st.req.Tier))
	}
	c.notifyRider(st.req.RiderID, models.EventRideAccepted, map[string]any{
		"request_id": requestID,
		"driver":     summary,
	})
	c.notifyDriver(driverID, models.EventRideAcceptedConfirm, map[string]any{
		"request_id": requestID,
		"rider_id":   st.req.RiderID,
		"pickup":     st.req.Pickup,
		"dropoff":    st.req.Dropoff,
	})

	if c.payments != nil {
		if err := c.payments.HoldFare(ctx, requestID, st.req.RiderID, st.req.EstimatedFare); err != nil {
			c.logger.Warn("fare hold failed", "request_id", requestID, "error", err)
		}
	}

	c.unregister(requestID, st.req.RiderID)
	c.logger.Info("ride accepted", "request_id", requestID, "driver_id", driverID)
	return nil
}

// Decline is only effective for the currently offered driver of a searching
// request; anything else is silently ignored, matching the fire-and-forget
// nature of a stale decline.
func (c *Coordinator) Decline(ctx context.Context, requestID, driverID string) error {
	st := c.get(requestID)
	if st == nil {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.offered != driverID {
		return nil
	}

	if err := c.store.CloseAttempt(ctx, requestID, driverID, models.AttemptDeclined); err != nil {
		return fmt.Errorf("close declined attempt: %w", err)
	}
	if err := c.registry.SetStatus(ctx, driverID, models.DriverAvailable); err != nil {
		c.logger.Warn("release driver", "driver_id", driverID, "error", err)
	}
	observability.DeclinesTotal.Inc()
	c.logger.Info("ride declined", "request_id", requestID, "driver_id", driverID)
	return c.tryNextLocked(ctx, st)
}

// Cancel is the rider-side abort, permitted while the request is searching
// or accepted. Any offered or assigned driver is released and notified.
func (c *Coordinator) Cancel(ctx context.Context, requestID, riderID string) error {
	req, err := c.store.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req.RiderID != riderID {
		return ErrUnauthorized
	}

	ok, err := c.store.TransitionRequest(ctx, requestID, models.RequestCancelled, models.RequestSearching, models.RequestAccepted)
	if err != nil {
		return fmt.Errorf("cancel request: %w", err)
	}
	if !ok {
		return ErrConflict
	}

	var releasedDriver string
	if st := c.get(requestID); st != nil {
		st.mu.Lock()
		st.generation++
		st.stopTimerLocked()
		releasedDriver = st.offered
		st.offered = ""
		st.mu.Unlock()
		c.unregister(requestID, riderID)
	}
	if releasedDriver == "" {
		releasedDriver = req.AcceptedDriverID
	}
	if releasedDriver != "" {
		if err := c.registry.SetStatus(ctx, releasedDriver, models.DriverAvailable); err != nil {
			c.logger.Warn("release driver", "driver_id", releasedDriver, "error", err)
		}
		c.notifyDriver(releasedDriver, models.EventRideCancelled, map[string]any{"request_id": requestID})
	}
	if c.payments != nil {
		if err := c.payments.ReleaseFare(ctx, requestID); err != nil {
			c.logger.Warn("fare release failed", "request_id", requestID, "error", err)
		}
	}
	observability.CancelsTotal.Inc()
	c.notifyRider(riderID, models.EventRideCancelConfirm, map[string]any{"request_id": requestID})
	c.logger.Info("ride cancelled", "request_id", requestID, "rider_id", riderID)
	return nil
}

// HandleRiderDisconnect cancels the rider's searching request, if any, so
// no offer keeps circulating for a rider who is gone.
func (c *Coordinator) HandleRiderDisconnect(ctx context.Context, riderID string) {
	c.mu.Lock()
	requestID, ok := c.byRider[riderID]
	c.mu.Unlock()
	if !ok {
		return
	}
	if err := c.Cancel(ctx, requestID, riderID); err != nil && !errors.Is(err, ErrConflict) {
		c.logger.Warn("cancel on rider disconnect", "request_id", requestID, "error", err)
	}
}

func (c *Coordinator) get(requestID string) *requestState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active[requestID]
}

func (c *Coordinator) unregister(requestID, riderID string) {
	c.mu.Lock()
	if _, ok := c.active[requestID]; ok {
		delete(c.active, requestID)
		observability.SearchesActive.Dec()
	}
	if c.byRider[riderID] == requestID {
		delete(c.byRider, riderID)
	}
	c.mu.Unlock()
}

func (c *Coordinator) notifyRider(riderID, event string, payload any) {
	if sid, ok := c.notifier.Resolve(models.RoleRider, riderID); ok {
		_ = c.notifier.Send(sid, event, payload)
	}
}

func (c *Coordinator) notifyDriver(driverID, event string, payload any) {
	if sid, ok := c.notifier.Resolve(models.RoleDriver, driverID); ok {
		_ = c.notifier.Send(sid, event, payload)
	}
}
