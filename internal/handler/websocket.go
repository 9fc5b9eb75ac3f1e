package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"directline/internal/model"
	"directline/internal/realtime"
)

const frameTimeout = 5 * time.Second

// createUpgrader creates a WebSocket upgrader with the given allowed origins.
// Requests without an Origin header come from non-browser clients and are
// accepted.
func createUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowedMap := make(map[string]bool)
	for _, origin := range allowedOrigins {
		allowedMap[origin] = true
	}

	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowedMap[origin]
		},
	}
}

// HandleWebSocket handles GET /ws
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())

	upgrader := createUpgrader(h.Config.AllowedOrigins)
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).WithField("user_id", userID).Warn("WebSocket upgrade failed")
		return
	}

	conn := realtime.NewConn(userID, ws, h.Config.WSSendBuffer)
	conn.Start()

	connectCtx, cancel := context.WithTimeout(context.Background(), frameTimeout)
	h.Service.Connect(connectCtx, userID, conn)
	cancel()

	// どの経路で切断されても必ず登録解除する
	defer func() {
		h.Service.Disconnect(userID, conn)
		conn.Close()
	}()

	// クライアントからのフレームを受信
	err = conn.ReadLoop(func(f realtime.Frame) {
		h.handleFrame(userID, conn, f)
	})
	if err != nil {
		h.log.WithError(err).WithFields(logrus.Fields{
			"user_id": userID,
			"conn_id": conn.ID(),
		}).Debug("WebSocket read ended")
	}
}

func (h *Handler) handleFrame(userID string, conn *realtime.Conn, f realtime.Frame) {
	entry := h.log.WithFields(logrus.Fields{
		"user_id": userID,
		"conn_id": conn.ID(),
		"frame":   f.Type,
	})

	switch f.Type {
	case realtime.FramePing:
		if err := conn.Push(model.PongEvent()); err != nil {
			entry.WithError(err).Debug("Pong failed")
		}
	case realtime.FrameMarkSeen:
		ctx, cancel := context.WithTimeout(context.Background(), frameTimeout)
		defer cancel()
		if err := h.Service.MarkConversationSeen(ctx, f.ConversationID, userID); err != nil {
			entry.WithError(err).WithField("conversation_id", f.ConversationID).Warn("markSeen frame failed")
		}
	default:
		entry.Debug("Ignoring unknown frame")
	}
}
