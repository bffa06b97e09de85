package transport

import (
	"errors"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func TestBindAndResolve(t *testing.T) {
	h := NewHub()
	s := h.Add(nil)
	h.Bind(s.ID, models.RoleDriver, "d1")

	sid, ok := h.Resolve(models.RoleDriver, "d1")
	if !ok || sid != s.ID {
		t.Fatalf("resolve = %q, %v; want %q", sid, ok, s.ID)
	}
	if _, ok := h.Resolve(models.RoleRider, "d1"); ok {
		t.Fatalf("driver binding leaked into rider namespace")
	}
}

func TestReconnectWins(t *testing.T) {
	h := NewHub()
	old := h.Add(nil)
	h.Bind(old.ID, models.RoleDriver, "d1")
	fresh := h.Add(nil)
	h.Bind(fresh.ID, models.RoleDriver, "d1")

	sid, ok := h.Resolve(models.RoleDriver, "d1")
	if !ok || sid != fresh.ID {
		t.Fatalf("resolve = %q, want newest session %q", sid, fresh.ID)
	}

	// the stale session dying must not clear the newer binding
	if _, _, bound := h.Remove(old.ID); !bound {
		t.Fatalf("stale session lost its identity")
	}
	sid, ok = h.Resolve(models.RoleDriver, "d1")
	if !ok || sid != fresh.ID {
		t.Fatalf("stale removal cleared the live binding")
	}
}

func TestRemoveClearsBinding(t *testing.T) {
	h := NewHub()
	s := h.Add(nil)
	h.Bind(s.ID, models.RoleRider, "r1")

	role, party, bound := h.Remove(s.ID)
	if !bound || role != models.RoleRider || party != "r1" {
		t.Fatalf("remove = %s, %s, %v", role, party, bound)
	}
	if _, ok := h.Resolve(models.RoleRider, "r1"); ok {
		t.Fatalf("binding survived removal")
	}
	if role, party, bound := h.Remove(s.ID); bound || role != "" || party != "" {
		t.Fatalf("second remove reported a live session")
	}
}

func TestRemoveUnboundSession(t *testing.T) {
	h := NewHub()
	s := h.Add(nil)
	if _, _, bound := h.Remove(s.ID); bound {
		t.Fatalf("unbound session reported an identity")
	}
}

func TestSendUnknownSession(t *testing.T) {
	h := NewHub()
	if err := h.Send("nope", models.EventRideOffer, nil); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}
