package ws

import (
	"context"
	"log"
	nethttp "net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"kasagi-engine/server/internal/net/dispatch"
	"kasagi-engine/server/internal/room"
)

const (
	pingInterval = 30 * time.Second
	pongGrace    = 10 * time.Second
)

// Handler upgrades sockets and runs the per-connection read loop. Protocol
// interpretation lives in the dispatcher; this layer only frames, keeps the
// connection alive, and reports disconnects.
type Handler struct {
	dispatcher *dispatch.Dispatcher
	logger     *log.Logger
	upgrader   websocket.Upgrader
}

// NewHandler constructs a websocket handler for the given dispatcher.
func NewHandler(dispatcher *dispatch.Dispatcher, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{
		dispatcher: dispatcher,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *nethttp.Request) bool {
				return true
			},
		},
	}
}

// Handle serves one websocket connection until it closes.
func (h *Handler) Handle(w nethttp.ResponseWriter, r *nethttp.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("upgrade failed: %v", err)
		return
	}

	session := room.NewSession(uuid.NewString(), conn)
	ctx := context.Background()

	conn.SetReadDeadline(time.Now().Add(pingInterval + pongGrace))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pingInterval + pongGrace))
	})

	done := make(chan struct{})
	defer close(done)
	go h.pingLoop(session, done)

	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			h.dispatcher.HandleDisconnect(ctx, session)
			return
		}
		if messageType != websocket.TextMessage {
			h.logger.Printf("ignoring non-text frame from %s", session.ID())
			continue
		}
		h.dispatcher.HandleMessage(ctx, session, payload)
	}
}

func (h *Handler) pingLoop(session *room.Session, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := session.Send(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
