package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"quiz-session-service/internal/app"
	"quiz-session-service/internal/auth"
	"quiz-session-service/internal/domain"
	"quiz-session-service/internal/logging"
	"quiz-session-service/internal/realtime"
)

const (
	defaultPingInterval = 30 * time.Second
	writeWait           = 10 * time.Second
	maxInboundBytes     = 4096
)

// WSHandler serves the realtime channel. Clients subscribe to session rooms
// and receive events; lifecycle commands are only accepted over HTTP.
type WSHandler struct {
	service      *app.Service
	hub          *realtime.Hub
	auth         Authenticator
	logger       *slog.Logger
	pingInterval time.Duration
	upgrader     websocket.Upgrader
}

func NewWSHandler(service *app.Service, hub *realtime.Hub, authn Authenticator, logger *slog.Logger, pingInterval time.Duration) *WSHandler {
	if logger == nil {
		logger = logging.Discard()
	}
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	return &WSHandler{
		service:      service,
		hub:          hub,
		auth:         authn,
		logger:       logger,
		pingInterval: pingInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

type roomPayload struct {
	SessionID string `json:"sessionId"`
}

type ackMessage struct {
	Type  string     `json:"type"`
	ID    string     `json:"id,omitempty"`
	OK    bool       `json:"ok"`
	Data  any        `json:"data,omitempty"`
	Error *errorBody `json:"error,omitempty"`
}

// ServeHTTP authenticates the caller, upgrades the connection and runs the
// read loop until the client goes away or is evicted.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	who, err := h.auth.Verify(r.Context(), auth.BearerToken(r))
	if err != nil {
		writeError(w, r, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(auth.WithIdentity(r.Context(), who))
	defer cancel()
	log := h.logger.With("user", who.UserID)
	ctx = logging.NewContext(ctx, log)

	client := h.hub.NewClient(who.UserID)
	defer h.hub.Drop(context.Background(), client)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(ctx, conn, client)
	}()

	conn.SetReadLimit(maxInboundBytes)
	pongWait := 2 * h.pingInterval
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("ws read ended", "err", err)
			}
			break
		}
		var ack ackMessage
		var in inboundMessage
		if err := json.Unmarshal(raw, &in); err != nil {
			// a bad frame costs the client an ack, not the connection
			ack = nack("", domain.BadRequest("INVALID_MESSAGE", "message must be a JSON object with a string type"))
		} else {
			ack = h.handle(ctx, client, who, in)
		}
		msg, err := json.Marshal(ack)
		if err != nil {
			log.Error("encode ack", "err", err)
			continue
		}
		if !h.hub.Send(ctx, client, msg) {
			break
		}
	}

	cancel()
	<-writerDone
}

// writeLoop is the only goroutine that writes to conn.
func (h *WSHandler) writeLoop(ctx context.Context, conn *websocket.Conn, client *realtime.Client) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-client.Messages():
			if err := h.write(conn, websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := h.write(conn, websocket.PingMessage, nil); err != nil {
				return
			}
		case <-client.Done():
			// flush what was accepted before eviction, then close
			for {
				select {
				case msg := <-client.Messages():
					if err := h.write(conn, websocket.TextMessage, msg); err != nil {
						return
					}
				default:
					reason := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "client too slow")
					_ = h.write(conn, websocket.CloseMessage, reason)
					_ = conn.Close()
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (h *WSHandler) write(conn *websocket.Conn, kind int, data []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(kind, data)
}

func (h *WSHandler) handle(ctx context.Context, client *realtime.Client, who domain.Identity, in inboundMessage) ackMessage {
	switch in.Type {
	case "lobby:join":
		var p roomPayload
		if err := json.Unmarshal(in.Payload, &p); err != nil || p.SessionID == "" {
			return nack(in.ID, domain.BadRequest("INVALID_PAYLOAD", "sessionId is required"))
		}
		// authorize before subscribing
		if _, err := h.service.Lobby(ctx, p.SessionID, who); err != nil {
			return nack(in.ID, err)
		}
		if !h.hub.Join(ctx, p.SessionID, client) {
			return nack(in.ID, domain.ErrConcurrentUpdate)
		}
		// snapshot after joining so no event falls between the two
		snap, err := h.service.Lobby(ctx, p.SessionID, who)
		if err != nil {
			h.hub.Leave(ctx, p.SessionID, client)
			return nack(in.ID, err)
		}
		return ackMessage{Type: "ack", ID: in.ID, OK: true, Data: snap}
	case "lobby:leave":
		var p roomPayload
		if err := json.Unmarshal(in.Payload, &p); err != nil || p.SessionID == "" {
			return nack(in.ID, domain.BadRequest("INVALID_PAYLOAD", "sessionId is required"))
		}
		h.hub.Leave(ctx, p.SessionID, client)
		return ackMessage{Type: "ack", ID: in.ID, OK: true}
	case "session:start", "session:end":
		return nack(in.ID, domain.ErrRealtimeReadOnly)
	default:
		return nack(in.ID, domain.BadRequest("UNSUPPORTED_MESSAGE", "unsupported message type"))
	}
}

func nack(id string, err error) ackMessage {
	return ackMessage{Type: "ack", ID: id, Error: toErrorBody(domain.AsError(err))}
}
