package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/estimate"
	"github.com/example/ride-dispatch/internal/match"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/storage"
)

type sentEvent struct {
	SessionID string
	Event     string
	Payload   any
}

// fakeNotifier implements Notifier, recording every pushed event. Sessions
// are registered per role and party, mirroring what the transport hub does.
type fakeNotifier struct {
	mu       sync.Mutex
	sessions map[string]string
	events   []sentEvent
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{sessions: make(map[string]string)}
}

func (f *fakeNotifier) connect(role models.Role, partyID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	sid := "sess-" + string(role) + "-" + partyID
	f.sessions[string(role)+":"+partyID] = sid
	return sid
}

func (f *fakeNotifier) disconnect(role models.Role, partyID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, string(role)+":"+partyID)
}

func (f *fakeNotifier) Resolve(role models.Role, partyID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sid, ok := f.sessions[string(role)+":"+partyID]
	return sid, ok
}

func (f *fakeNotifier) Send(sessionID, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, sentEvent{SessionID: sessionID, Event: event, Payload: payload})
	return nil
}

func (f *fakeNotifier) eventsFor(sessionID string) []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentEvent
	for _, e := range f.events {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeNotifier) hasEvent(sessionID, event string) bool {
	for _, e := range f.eventsFor(sessionID) {
		if e.Event == event {
			return true
		}
	}
	return false
}

// fakePayments records hold and release calls.
type fakePayments struct {
	mu       sync.Mutex
	held     []string
	released []string
}

func (f *fakePayments) HoldFare(ctx context.Context, requestID, riderID string, amount float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.held = append(f.held, requestID)
	return nil
}

func (f *fakePayments) ReleaseFare(ctx context.Context, requestID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, requestID)
	return nil
}

func (f *fakePayments) CaptureFare(ctx context.Context, requestID string) error { return nil }

type fixture struct {
	coord    *Coordinator
	store    *storage.MemoryStore
	registry *presence.Memory
	notifier *fakeNotifier
	payments *fakePayments
}

func newFixture(t *testing.T, window time.Duration) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	reg := presence.NewMemory(presence.DefaultLivenessWindow)
	sel := match.NewSelector(reg, 5)
	notifier := newFakeNotifier()
	pay := &fakePayments{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	coord := NewCoordinator(store, reg, sel, estimate.New(), notifier, pay, logger, Config{
		ResponseWindow: window,
	})
	return &fixture{coord: coord, store: store, registry: reg, notifier: notifier, payments: pay}
}

// addDriver registers an available driver with a live session near the origin.
func (fx *fixture) addDriver(t *testing.T, id string, lat, lng float64) string {
	t.Helper()
	sid := fx.notifier.connect(models.RoleDriver, id)
	if err := fx.registry.Upsert(context.Background(), presence.Update{
		DriverID:  id,
		Loc:       &models.Point{Lat: lat, Lng: lng},
		Status:    models.DriverAvailable,
		SessionID: &sid,
	}); err != nil {
		t.Fatalf("upsert driver %s: %v", id, err)
	}
	return sid
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

var (
	pickup  = models.Point{Lat: 0.001, Lng: 0.001}
	dropoff = models.Point{Lat: 0.05, Lng: 0.05}
)

func TestSubmitNoDrivers(t *testing.T) {
	fx := newFixture(t, time.Second)
	riderSess := fx.notifier.connect(models.RoleRider, "r1")

	req, err := fx.coord.Submit(context.Background(), "r1", pickup, dropoff, "economy")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if req.Status != models.RequestFailed {
		t.Fatalf("expected failed, got %s", req.Status)
	}
	if !fx.notifier.hasEvent(riderSess, models.EventRideNoDrivers) {
		t.Fatalf("rider not told no drivers: %+v", fx.notifier.eventsFor(riderSess))
	}
	attempts, _ := fx.store.ListAttempts(context.Background(), req.ID)
	if len(attempts) != 0 {
		t.Fatalf("expected no attempts, got %d", len(attempts))
	}
}

func TestOfferGoesToNearestDriver(t *testing.T) {
	fx := newFixture(t, time.Second)
	fx.notifier.connect(models.RoleRider, "r1")
	farSess := fx.addDriver(t, "d-far", 0.02, 0.02)
	nearSess := fx.addDriver(t, "d-near", 0.001, 0.001)

	req, err := fx.coord.Submit(context.Background(), "r1", pickup, dropoff, "economy")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !fx.notifier.hasEvent(nearSess, models.EventRideOffer) {
		t.Fatalf("nearest driver got no offer")
	}
	if fx.notifier.hasEvent(farSess, models.EventRideOffer) {
		t.Fatalf("farther driver offered while nearest still pending")
	}

	attempts, _ := fx.store.ListAttempts(context.Background(), req.ID)
	if len(attempts) != 1 || attempts[0].DriverID != "d-near" || attempts[0].Outcome != models.AttemptSent {
		t.Fatalf("unexpected attempts: %+v", attempts)
	}
	p, _ := fx.registry.Get(context.Background(), "d-near")
	if p.Status != models.DriverBusy {
		t.Fatalf("offered driver not reserved, status=%s", p.Status)
	}
}

func TestTimeoutEscalatesToNextDriver(t *testing.T) {
	fx := newFixture(t, 30*time.Millisecond)
	fx.notifier.connect(models.RoleRider, "r1")
	firstSess := fx.addDriver(t, "d1", 0.001, 0.001)
	secondSess := fx.addDriver(t, "d2", 0.002, 0.002)

	req, err := fx.coord.Submit(context.Background(), "r1", pickup, dropoff, "economy")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return fx.notifier.hasEvent(secondSess, models.EventRideOffer)
	})
	if !fx.notifier.hasEvent(firstSess, models.EventRideExpired) {
		t.Fatalf("first driver not told the offer expired")
	}

	attempts, _ := fx.store.ListAttempts(context.Background(), req.ID)
	if len(attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %+v", attempts)
	}
	if attempts[0].Outcome != models.AttemptTimeout {
		t.Fatalf("first attempt outcome = %s, want timeout", attempts[0].Outcome)
	}
	if attempts[1].Outcome != models.AttemptSent {
		t.Fatalf("second attempt outcome = %s, want sent", attempts[1].Outcome)
	}
	p, _ := fx.registry.Get(context.Background(), "d1")
	if p.Status != models.DriverAvailable {
		t.Fatalf("timed-out driver not released, status=%s", p.Status)
	}
}

func TestQueueExhaustedFailsRequest(t *testing.T) {
	fx := newFixture(t, 20*time.Millisecond)
	riderSess := fx.notifier.connect(models.RoleRider, "r1")
	fx.addDriver(t, "d1", 0.001, 0.001)

	req, err := fx.coord.Submit(context.Background(), "r1", pickup, dropoff, "economy")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return fx.notifier.hasEvent(riderSess, models.EventRideNoDrivers)
	})
	got, err := fx.store.GetRequest(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if got.Status != models.RequestFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
}

func TestDeclineAdvancesImmediately(t *testing.T) {
	fx := newFixture(t, time.Hour)
	fx.notifier.connect(models.RoleRider, "r1")
	fx.addDriver(t, "d1", 0.001, 0.001)
	secondSess := fx.addDriver(t, "d2", 0.002, 0.002)

	req, err := fx.coord.Submit(context.Background(), "r1", pickup, dropoff, "economy")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := fx.coord.Decline(context.Background(), req.ID, "d1"); err != nil {
		t.Fatalf("decline: %v", err)
	}
	if !fx.notifier.hasEvent(secondSess, models.EventRideOffer) {
		t.Fatalf("second driver not offered after decline")
	}
	attempts, _ := fx.store.ListAttempts(context.Background(), req.ID)
	if attempts[0].Outcome != models.AttemptDeclined {
		t.Fatalf("first attempt outcome = %s, want declined", attempts[0].Outcome)
	}
	p, _ := fx.registry.Get(context.Background(), "d1")
	if p.Status != models.DriverAvailable {
		t.Fatalf("declining driver not released")
	}
}

func TestDeclineFromNonOfferedDriverIgnored(t *testing.T) {
	fx := newFixture(t, time.Hour)
	fx.notifier.connect(models.RoleRider, "r1")
	fx.addDriver(t, "d1", 0.001, 0.001)
	fx.addDriver(t, "d2", 0.002, 0.002)

	req, err := fx.coord.Submit(context.Background(), "r1", pickup, dropoff, "economy")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := fx.coord.Decline(context.Background(), req.ID, "d2"); err != nil {
		t.Fatalf("decline: %v", err)
	}
	attempts, _ := fx.store.ListAttempts(context.Background(), req.ID)
	if len(attempts) != 1 || attempts[0].DriverID != "d1" || attempts[0].Outcome != models.AttemptSent {
		t.Fatalf("stray decline mutated attempts: %+v", attempts)
	}
}

func TestAcceptWinsAndNotifiesBothParties(t *testing.T) {
	fx := newFixture(t, time.Hour)
	riderSess := fx.notifier.connect(models.RoleRider, "r1")
	driverSess := fx.addDriver(t, "d1", 0.001, 0.001)

	req, err := fx.coord.Submit(context.Background(), "r1", pickup, dropoff, "economy")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := fx.coord.Accept(context.Background(), req.ID, "d1"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	got, _ := fx.store.GetRequest(context.Background(), req.ID)
	if got.Status != models.RequestAccepted || got.AcceptedDriverID != "d1" {
		t.Fatalf("request not accepted: %+v", got)
	}
	if !fx.notifier.hasEvent(riderSess, models.EventRideAccepted) {
		t.Fatalf("rider not told ride accepted")
	}
	if !fx.notifier.hasEvent(driverSess, models.EventRideAcceptedConfirm) {
		t.Fatalf("driver not confirmed")
	}
	attempts, _ := fx.store.ListAttempts(context.Background(), req.ID)
	if attempts[0].Outcome != models.AttemptAccepted {
		t.Fatalf("attempt outcome = %s, want accepted", attempts[0].Outcome)
	}
	p, _ := fx.registry.Get(context.Background(), "d1")
	if p.Status != models.DriverBusy {
		t.Fatalf("accepting driver not busy")
	}
	fx.payments.mu.Lock()
	held := len(fx.payments.held)
	fx.payments.mu.Unlock()
	if held != 1 {
		t.Fatalf("expected one fare hold, got %d", held)
	}
}

func TestAcceptFromNonOfferedDriverRejected(t *testing.T) {
	fx := newFixture(t, time.Hour)
	fx.notifier.connect(models.RoleRider, "r1")
	fx.addDriver(t, "d1", 0.001, 0.001)
	lateSess := fx.addDriver(t, "d2", 0.002, 0.002)

	req, err := fx.coord.Submit(context.Background(), "r1", pickup, dropoff, "economy")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := fx.coord.Accept(context.Background(), req.ID, "d2"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if !fx.notifier.hasEvent(lateSess, models.EventRideAlreadyAccepted) {
		t.Fatalf("late acceptor not told already accepted")
	}

	// the real offer still stands for d1
	if err := fx.coord.Accept(context.Background(), req.ID, "d1"); err != nil {
		t.Fatalf("offered driver accept: %v", err)
	}
}

func TestSecondAcceptAfterResolutionRejected(t *testing.T) {
	fx := newFixture(t, time.Hour)
	fx.notifier.connect(models.RoleRider, "r1")
	fx.addDriver(t, "d1", 0.001, 0.001)
	lateSess := fx.addDriver(t, "d2", 0.002, 0.002)

	req, err := fx.coord.Submit(context.Background(), "r1", pickup, dropoff, "economy")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := fx.coord.Accept(context.Background(), req.ID, "d1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := fx.coord.Accept(context.Background(), req.ID, "d2"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for late accept, got %v", err)
	}
	if !fx.notifier.hasEvent(lateSess, models.EventRideAlreadyAccepted) {
		t.Fatalf("late acceptor not told already accepted")
	}
	got, _ := fx.store.GetRequest(context.Background(), req.ID)
	if got.AcceptedDriverID != "d1" {
		t.Fatalf("winner changed: %+v", got)
	}
}

func TestOfflineCandidatesSkipped(t *testing.T) {
	fx := newFixture(t, time.Hour)
	fx.notifier.connect(models.RoleRider, "r1")

	// d1 is in the registry but has no live session
	ctx := context.Background()
	if err := fx.registry.Upsert(ctx, presence.Update{
		DriverID: "d1",
		Loc:      &models.Point{Lat: 0.001, Lng: 0.001},
		Status:   models.DriverAvailable,
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	liveSess := fx.addDriver(t, "d2", 0.002, 0.002)

	req, err := fx.coord.Submit(ctx, "r1", pickup, dropoff, "economy")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !fx.notifier.hasEvent(liveSess, models.EventRideOffer) {
		t.Fatalf("live driver not offered")
	}
	attempts, _ := fx.store.ListAttempts(ctx, req.ID)
	if len(attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %+v", attempts)
	}
	if attempts[0].DriverID != "d1" || attempts[0].Outcome != models.AttemptOffline {
		t.Fatalf("sessionless driver not recorded offline: %+v", attempts[0])
	}
}

func TestAtMostOneSentAttempt(t *testing.T) {
	fx := newFixture(t, 25*time.Millisecond)
	riderSess := fx.notifier.connect(models.RoleRider, "r1")
	fx.addDriver(t, "d1", 0.001, 0.001)
	fx.addDriver(t, "d2", 0.002, 0.002)
	fx.addDriver(t, "d3", 0.003, 0.003)

	req, err := fx.coord.Submit(context.Background(), "r1", pickup, dropoff, "economy")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return fx.notifier.hasEvent(riderSess, models.EventRideNoDrivers)
	})

	attempts, _ := fx.store.ListAttempts(context.Background(), req.ID)
	if len(attempts) != 3 {
		t.Fatalf("expected 3 attempts, got %+v", attempts)
	}
	for _, a := range attempts {
		if a.Outcome == models.AttemptSent {
			t.Fatalf("attempt still open after terminal state: %+v", a)
		}
	}
}

func TestDuplicateSearchingRequestRejected(t *testing.T) {
	fx := newFixture(t, time.Hour)
	fx.notifier.connect(models.RoleRider, "r1")
	fx.addDriver(t, "d1", 0.001, 0.001)

	if _, err := fx.coord.Submit(context.Background(), "r1", pickup, dropoff, "economy"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := fx.coord.Submit(context.Background(), "r1", pickup, dropoff, "economy"); !errors.Is(err, ErrActiveRequest) {
		t.Fatalf("expected ErrActiveRequest, got %v", err)
	}
}

func TestCancelReleasesOfferedDriver(t *testing.T) {
	fx := newFixture(t, time.Hour)
	riderSess := fx.notifier.connect(models.RoleRider, "r1")
	driverSess := fx.addDriver(t, "d1", 0.001, 0.001)

	req, err := fx.coord.Submit(context.Background(), "r1", pickup, dropoff, "economy")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := fx.coord.Cancel(context.Background(), req.ID, "r1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	got, _ := fx.store.GetRequest(context.Background(), req.ID)
	if got.Status != models.RequestCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
	if !fx.notifier.hasEvent(driverSess, models.EventRideCancelled) {
		t.Fatalf("offered driver not told about cancel")
	}
	if !fx.notifier.hasEvent(riderSess, models.EventRideCancelConfirm) {
		t.Fatalf("rider cancel not confirmed")
	}
	p, _ := fx.registry.Get(context.Background(), "d1")
	if p.Status != models.DriverAvailable {
		t.Fatalf("driver not released on cancel")
	}
	fx.payments.mu.Lock()
	released := len(fx.payments.released)
	fx.payments.mu.Unlock()
	if released != 1 {
		t.Fatalf("expected one fare release, got %d", released)
	}
}

func TestCancelByWrongRiderRejected(t *testing.T) {
	fx := newFixture(t, time.Hour)
	fx.notifier.connect(models.RoleRider, "r1")
	fx.addDriver(t, "d1", 0.001, 0.001)

	req, err := fx.coord.Submit(context.Background(), "r1", pickup, dropoff, "economy")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := fx.coord.Cancel(context.Background(), req.ID, "r2"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	got, _ := fx.store.GetRequest(context.Background(), req.ID)
	if got.Status != models.RequestSearching {
		t.Fatalf("foreign cancel changed status to %s", got.Status)
	}
}

func TestCancelAfterAcceptReleasesAssignedDriver(t *testing.T) {
	fx := newFixture(t, time.Hour)
	fx.notifier.connect(models.RoleRider, "r1")
	driverSess := fx.addDriver(t, "d1", 0.001, 0.001)

	req, err := fx.coord.Submit(context.Background(), "r1", pickup, dropoff, "economy")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := fx.coord.Accept(context.Background(), req.ID, "d1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := fx.coord.Cancel(context.Background(), req.ID, "r1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !fx.notifier.hasEvent(driverSess, models.EventRideCancelled) {
		t.Fatalf("assigned driver not told about cancel")
	}
	p, _ := fx.registry.Get(context.Background(), "d1")
	if p.Status != models.DriverAvailable {
		t.Fatalf("assigned driver not released on cancel")
	}
}

func TestRiderDisconnectCancelsSearch(t *testing.T) {
	fx := newFixture(t, time.Hour)
	fx.notifier.connect(models.RoleRider, "r1")
	driverSess := fx.addDriver(t, "d1", 0.001, 0.001)

	req, err := fx.coord.Submit(context.Background(), "r1", pickup, dropoff, "economy")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	fx.notifier.disconnect(models.RoleRider, "r1")
	fx.coord.HandleRiderDisconnect(context.Background(), "r1")

	got, _ := fx.store.GetRequest(context.Background(), req.ID)
	if got.Status != models.RequestCancelled {
		t.Fatalf("expected cancelled after rider disconnect, got %s", got.Status)
	}
	if !fx.notifier.hasEvent(driverSess, models.EventRideCancelled) {
		t.Fatalf("driver not told about cancel")
	}
	p, _ := fx.registry.Get(context.Background(), "d1")
	if p.Status != models.DriverAvailable {
		t.Fatalf("driver not released after rider disconnect")
	}
}

func TestStaleTimerAfterAcceptIsNoOp(t *testing.T) {
	fx := newFixture(t, 40*time.Millisecond)
	fx.notifier.connect(models.RoleRider, "r1")
	driverSess := fx.addDriver(t, "d1", 0.001, 0.001)

	req, err := fx.coord.Submit(context.Background(), "r1", pickup, dropoff, "economy")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := fx.coord.Accept(context.Background(), req.ID, "d1"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	// let the armed response-window timer fire after the terminal transition
	time.Sleep(150 * time.Millisecond)

	got, _ := fx.store.GetRequest(context.Background(), req.ID)
	if got.Status != models.RequestAccepted || got.AcceptedDriverID != "d1" {
		t.Fatalf("stale timer disturbed the accepted request: %+v", got)
	}
	attempts, _ := fx.store.ListAttempts(context.Background(), req.ID)
	if len(attempts) != 1 || attempts[0].Outcome != models.AttemptAccepted {
		t.Fatalf("stale timer rewrote the attempt ledger: %+v", attempts)
	}
	p, _ := fx.registry.Get(context.Background(), "d1")
	if p.Status != models.DriverBusy {
		t.Fatalf("stale timer released the assigned driver, status=%s", p.Status)
	}
	if fx.notifier.hasEvent(driverSess, models.EventRideExpired) {
		t.Fatalf("stale timer pushed an expiry to the winning driver")
	}
}

func TestConcurrentAcceptsOneWinner(t *testing.T) {
	fx := newFixture(t, time.Hour)
	fx.notifier.connect(models.RoleRider, "r1")
	fx.addDriver(t, "d1", 0.001, 0.001)

	req, err := fx.coord.Submit(context.Background(), "r1", pickup, dropoff, "economy")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	const n = 8
	var wg sync.WaitGroup
	results := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = fx.coord.Accept(context.Background(), req.ID, "d1")
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
		} else if !errors.Is(err, ErrConflict) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winning accept, got %d", wins)
	}
	got, _ := fx.store.GetRequest(context.Background(), req.ID)
	if got.Status != models.RequestAccepted || got.AcceptedDriverID != "d1" {
		t.Fatalf("request not singly accepted: %+v", got)
	}
}
