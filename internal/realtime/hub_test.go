package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quiz-session-service/internal/domain"
)

type trackerSpy struct {
	mu     sync.Mutex
	opened []string
	closed []string
}

func (s *trackerSpy) RoomOpened(_ context.Context, id string) {
	s.mu.Lock()
	s.opened = append(s.opened, id)
	s.mu.Unlock()
}

func (s *trackerSpy) RoomClosed(_ context.Context, id string) {
	s.mu.Lock()
	s.closed = append(s.closed, id)
	s.mu.Unlock()
}

func drain(c *Client) []string {
	var out []string
	for {
		select {
		case msg := <-c.Messages():
			out = append(out, string(msg))
		default:
			return out
		}
	}
}

func TestHubDeliversInOrderToRoomMembers(t *testing.T) {
	ctx := context.Background()
	h := NewHub()
	a, b, outsider := h.NewClient("a"), h.NewClient("b"), h.NewClient("c")
	require.True(t, h.Join(ctx, "s1", a))
	require.True(t, h.Join(ctx, "s1", b))
	require.True(t, h.Join(ctx, "s2", outsider))

	for i := 0; i < 5; i++ {
		h.Deliver(ctx, "s1", []byte(fmt.Sprint(i)))
	}

	want := []string{"0", "1", "2", "3", "4"}
	assert.Equal(t, want, drain(a))
	assert.Equal(t, want, drain(b))
	assert.Empty(t, drain(outsider))
}

func TestHubPublishEncodesEvent(t *testing.T) {
	ctx := context.Background()
	h := NewHub()
	c := h.NewClient("a")
	h.Join(ctx, "s1", c)

	h.Publish(ctx, domain.Event{Name: domain.EventSessionStarted, SessionID: "s1", Payload: map[string]int{"n": 1}})

	msgs := drain(c)
	require.Len(t, msgs, 1)
	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(msgs[0]), &got))
	assert.Equal(t, "session.started", got["type"])
	assert.Equal(t, "s1", got["sessionId"])
	assert.NotNil(t, got["payload"])
}

func TestHubEvictsSlowClient(t *testing.T) {
	ctx := context.Background()
	spy := &trackerSpy{}
	h := NewHub(WithBuffer(2), WithTracker(spy))
	slow, fast := h.NewClient("slow"), h.NewClient("fast")
	h.Join(ctx, "s1", slow)
	h.Join(ctx, "s1", fast)

	h.Deliver(ctx, "s1", []byte("1"))
	h.Deliver(ctx, "s1", []byte("2"))
	assert.Equal(t, []string{"1", "2"}, drain(fast))

	h.Deliver(ctx, "s1", []byte("3"))

	select {
	case <-slow.Done():
	default:
		t.Fatal("slow client was not evicted")
	}
	assert.Equal(t, []string{"1", "2"}, drain(slow), "queued messages stay intact")
	assert.Equal(t, []string{"3"}, drain(fast))
	assert.Equal(t, 1, h.Subscribers("s1"))
	assert.False(t, h.Join(ctx, "s1", slow))
	assert.False(t, h.Send(ctx, slow, []byte("ack")))
}

func TestHubTracksRoomLifetime(t *testing.T) {
	ctx := context.Background()
	spy := &trackerSpy{}
	h := NewHub(WithTracker(spy))
	a, b := h.NewClient("a"), h.NewClient("b")

	h.Join(ctx, "s1", a)
	h.Join(ctx, "s1", b)
	h.Join(ctx, "s2", a)
	assert.Equal(t, []string{"s1", "s2"}, h.Rooms())
	h.Leave(ctx, "s1", a)
	h.Drop(ctx, b)
	assert.Equal(t, []string{"s2"}, h.Rooms())
	h.Drop(ctx, a)

	assert.Equal(t, []string{"s1", "s2"}, spy.opened)
	assert.ElementsMatch(t, []string{"s1", "s2"}, spy.closed)
	assert.Empty(t, h.Rooms())
	assert.Equal(t, 0, h.Subscribers("s1"))
}

func TestHubSendAck(t *testing.T) {
	ctx := context.Background()
	h := NewHub()
	c := h.NewClient("a")
	require.True(t, h.Send(ctx, c, []byte("ack")))
	assert.Equal(t, []string{"ack"}, drain(c))
}
