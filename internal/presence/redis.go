package presence

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisPresence implements Registry on Redis so multiple dispatch processes
// and the heartbeat consumer share one view. Positions live in a GEO set,
// metadata in a hash per driver.
type RedisPresence struct {
	client *redis.Client
	key    string
	window time.Duration
}

func NewRedisPresence(addr, password, key string, livenessWindow time.Duration) *RedisPresence {
	if livenessWindow <= 0 {
		livenessWindow = DefaultLivenessWindow
	}
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisPresence{client: c, key: key, window: livenessWindow}
}

// NewRedisPresenceFromClient shares an existing client (used by the
// heartbeat consumer).
func NewRedisPresenceFromClient(c *redis.Client, key string, livenessWindow time.Duration) *RedisPresence {
	if livenessWindow <= 0 {
		livenessWindow = DefaultLivenessWindow
	}
	return &RedisPresence{client: c, key: key, window: livenessWindow}
}

func (r *RedisPresence) Upsert(ctx context.Context, u Update) error {
	pipe := r.client.Pipeline()
	if u.Loc != nil {
		pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: u.Loc.Lng, Latitude: u.Loc.Lat, Name: u.DriverID})
	}
	meta := map[string]interface{}{"last_seen": time.Now().UTC().Format(time.RFC3339Nano)}
	if u.Status != "" {
		meta["status"] = string(u.Status)
	}
	if u.SessionID != nil {
		meta["session_id"] = *u.SessionID
	}
	pipe.HSet(ctx, metaKey(u.DriverID), meta)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisPresence) SetStatus(ctx context.Context, driverID string, status models.DriverStatus) error {
	return r.Upsert(ctx, Update{DriverID: driverID, Status: status})
}

func (r *RedisPresence) MarkOffline(ctx context.Context, driverID string) error {
	empty := ""
	return r.Upsert(ctx, Update{DriverID: driverID, Status: models.DriverOffline, SessionID: &empty})
}

func (r *RedisPresence) Get(ctx context.Context, driverID string) (models.Presence, bool) {
	meta, err := r.client.HGetAll(ctx, metaKey(driverID)).Result()
	if err != nil || len(meta) == 0 {
		return models.Presence{}, false
	}
	p := models.Presence{DriverID: driverID}
	p.Status = models.DriverStatus(meta["status"])
	p.SessionID = meta["session_id"]
	if ts, err := time.Parse(time.RFC3339Nano, meta["last_seen"]); err == nil {
		p.LastSeen = ts
	}
	if pos, err := r.client.GeoPos(ctx, r.key, driverID).Result(); err == nil && len(pos) == 1 && pos[0] != nil {
		p.Loc = models.Point{Lat: pos[0].Latitude, Lng: pos[0].Longitude}
	}
	return p, true
}

func (r *RedisPresence) AllAvailable(ctx context.Context) []models.Presence {
	ids, err := r.client.ZRange(ctx, r.key, 0, -1).Result()
	if err != nil {
		return nil
	}
	cutoff := time.Now().Add(-r.window)
	out := make([]models.Presence, 0, len(ids))
	for _, id := range ids {
		p, ok := r.Get(ctx, id)
		if !ok {
			continue
		}
		if p.Status != models.DriverAvailable || p.LastSeen.Before(cutoff) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// UpsertHeartbeat is the consumer-side write: position plus availability in
// one call, last_seen taken from the heartbeat payload when set.
func (r *RedisPresence) UpsertHeartbeat(ctx context.Context, p models.Presence) error {
	pipe := r.client.Pipeline()
	pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: p.Loc.Lng, Latitude: p.Loc.Lat, Name: p.DriverID})
	last := p.LastSeen
	if last.IsZero() {
		last = time.Now()
	}
	pipe.HSet(ctx, metaKey(p.DriverID), map[string]interface{}{
		"status":     string(p.Status),
		"session_id": p.SessionID,
		"last_seen":  last.UTC().Format(time.RFC3339Nano),
		"lat":        strconv.FormatFloat(p.Loc.Lat, 'f', 6, 64),
		"lng":        strconv.FormatFloat(p.Loc.Lng, 'f', 6, 64),
	})
	_, err := pipe.Exec(ctx)
	return err
}

func metaKey(id string) string { return "driver:presence:" + id }
