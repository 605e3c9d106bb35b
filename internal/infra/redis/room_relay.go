package redis

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"quiz-session-service/internal/domain"
	"quiz-session-service/internal/logging"
)

const roomChannelPrefix = "quiz:room:"

// LocalRooms delivers encoded events to this instance's subscribers.
type LocalRooms interface {
	Deliver(ctx context.Context, sessionID string, msg []byte)
}

// Presence tells whether any instance has subscribers for a room.
type Presence interface {
	Served(ctx context.Context, sessionID string) (bool, error)
}

// RoomRelay publishes room events on Redis so every instance can deliver them
// to its own subscribers. Events go out on quiz:room:{sessionID}.
type RoomRelay struct {
	client   *redis.Client
	local    LocalRooms
	presence Presence
	logger   *slog.Logger

	ready     chan struct{}
	readyOnce sync.Once
}

type RelayOption func(*RoomRelay)

// WithPresence lets the relay skip pub/sub for rooms no instance serves.
func WithPresence(p Presence) RelayOption {
	return func(r *RoomRelay) { r.presence = p }
}

func NewRoomRelay(client *redis.Client, local LocalRooms, logger *slog.Logger, opts ...RelayOption) *RoomRelay {
	if logger == nil {
		logger = logging.Discard()
	}
	r := &RoomRelay{client: client, local: local, logger: logger, ready: make(chan struct{})}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Ready is closed once Run has confirmed its subscription. Events published
// before that only reach other instances.
func (r *RoomRelay) Ready() <-chan struct{} { return r.ready }

// Publish implements app.Broadcaster. If Redis rejects the publish the event
// is still delivered locally.
func (r *RoomRelay) Publish(ctx context.Context, ev domain.Event) {
	msg, err := json.Marshal(ev)
	if err != nil {
		r.logger.Error("encode event", "event", ev.Name, "err", err)
		return
	}
	if r.presence != nil {
		served, err := r.presence.Served(ctx, ev.SessionID)
		if err == nil && !served {
			r.local.Deliver(ctx, ev.SessionID, msg)
			return
		}
		if err != nil {
			r.logger.Debug("presence lookup failed, publishing", "session", ev.SessionID, "err", err)
		}
	}
	if err := r.client.Publish(ctx, RoomChannel(ev.SessionID), msg).Err(); err != nil {
		r.logger.Warn("redis publish failed, delivering locally", "session", ev.SessionID, "event", ev.Name, "err", err)
		r.local.Deliver(ctx, ev.SessionID, msg)
	}
}

// Run relays every room channel to the local hub until ctx is done.
func (r *RoomRelay) Run(ctx context.Context) error {
	sub := r.client.PSubscribe(ctx, roomChannelPrefix+"*")
	defer sub.Close()

	// wait for the subscription to be confirmed
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	r.logger.Info("room relay subscribed", "pattern", roomChannelPrefix+"*")
	r.readyOnce.Do(func() { close(r.ready) })

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			sessionID := strings.TrimPrefix(m.Channel, roomChannelPrefix)
			if sessionID == "" || strings.Contains(sessionID, ":") {
				continue
			}
			r.local.Deliver(ctx, sessionID, []byte(m.Payload))
		}
	}
}

// RoomChannel is the pub/sub channel for a session's room.
func RoomChannel(sessionID string) string {
	return roomChannelPrefix + sessionID
}
