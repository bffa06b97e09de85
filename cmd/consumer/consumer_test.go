package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// fakeUpdater implements PresenceUpdater for tests
type fakeUpdater struct {
	fail  int // number of times to fail before succeeding
	calls int
	last  models.Presence
}

func (f *fakeUpdater) UpsertHeartbeat(ctx context.Context, hb models.Presence) error {
	f.calls++
	if f.calls <= f.fail {
		return errors.New("redis fail")
	}
	f.last = hb
	return nil
}

func TestUpdatePresenceWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeUpdater{fail: 2}
	hb := models.Presence{DriverID: "d1", Loc: models.Point{Lat: 1, Lng: 2}, Status: models.DriverAvailable}
	ctx := context.Background()
	start := time.Now()
	if err := updatePresenceWithRetry(ctx, f, hb, 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", f.calls)
	}
	if f.last.DriverID != "d1" {
		t.Fatalf("expected heartbeat to be written, got %+v", f.last)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected at least one backoff")
	}
}

func TestUpdatePresenceWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeUpdater{fail: 5}
	hb := models.Presence{DriverID: "d1", Loc: models.Point{Lat: 1, Lng: 2}, Status: models.DriverAvailable}
	if err := updatePresenceWithRetry(context.Background(), f, hb, 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.calls != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", f.calls)
	}
}
