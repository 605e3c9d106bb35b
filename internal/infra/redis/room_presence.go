package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RoomPresence marks which instances hold realtime subscribers for a room.
// Each instance adds itself to a set per room when its first local subscriber
// arrives and removes itself when the last one leaves. The TTL bounds how long
// a crashed instance stays listed; Keepalive refreshes it for open rooms.
type RoomPresence struct {
	client   *redis.Client
	instance string
	ttl      time.Duration
}

func NewRoomPresence(client *redis.Client, instance string, ttl time.Duration) *RoomPresence {
	return &RoomPresence{client: client, instance: instance, ttl: ttl}
}

func (p *RoomPresence) RoomOpened(ctx context.Context, sessionID string) {
	// best-effort liveness marker
	_ = p.Keepalive(ctx, []string{sessionID})
}

func (p *RoomPresence) RoomClosed(ctx context.Context, sessionID string) {
	_ = p.client.SRem(ctx, p.key(sessionID), p.instance).Err()
}

// Keepalive re-adds this instance to every given room and pushes the key
// expiry forward.
func (p *RoomPresence) Keepalive(ctx context.Context, sessionIDs []string) error {
	if len(sessionIDs) == 0 {
		return nil
	}
	pipe := p.client.TxPipeline()
	for _, id := range sessionIDs {
		key := p.key(id)
		pipe.SAdd(ctx, key, p.instance)
		if p.ttl > 0 {
			pipe.Expire(ctx, key, p.ttl)
		}
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Instances returns how many instances currently serve the room.
func (p *RoomPresence) Instances(ctx context.Context, sessionID string) (int64, error) {
	return p.client.SCard(ctx, p.key(sessionID)).Result()
}

// Served reports whether any instance has subscribers for the room.
func (p *RoomPresence) Served(ctx context.Context, sessionID string) (bool, error) {
	n, err := p.Instances(ctx, sessionID)
	return n > 0, err
}

func (p *RoomPresence) key(sessionID string) string {
	return "quiz:room:" + sessionID + ":instances"
}
