package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"erasmusly/messaging-service/internal/realtime"
)

const maxFrameSize = 64 << 10

type identityRef struct {
	ID string `json:"_id"`
}

type inboundFrame struct {
	Type     string       `json:"type"`
	UserID   string       `json:"userId,omitempty"`
	User     *identityRef `json:"user,omitempty"`
	ChatID   string       `json:"chatId,omitempty"`
	Content  string       `json:"content,omitempty"`
	ClientID string       `json:"clientId,omitempty"`
}

func (f inboundFrame) identity() string {
	if id := strings.TrimSpace(f.UserID); id != "" {
		return id
	}
	if f.User != nil {
		return strings.TrimSpace(f.User.ID)
	}
	return ""
}

type connectedFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

type identifiedFrame struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

type joinedFrame struct {
	Type     string                    `json:"type"`
	ChatID   string                    `json:"chatId"`
	Messages []realtime.MessagePayload `json:"messages"`
}

type chatFrame struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId,omitempty"`
}

type ackFrame struct {
	Type      string                  `json:"type"`
	ClientID  string                  `json:"clientId,omitempty"`
	ChatID    string                  `json:"chatId"`
	MessageID string                  `json:"messageId"`
	Message   realtime.MessagePayload `json:"message"`
}

type errorFrame struct {
	Type  string `json:"type"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

func (h *Handler) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return h.originAllowed(r.Header.Get("Origin"))
		},
	}
}

// handleSocket upgrades an authenticated request and serves frames until the
// client disconnects or stays silent past the idle timeout.
func (h *Handler) handleSocket(c *gin.Context) {
	user := currentUser(c)

	ws, err := h.upgrader().Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the response.
		h.logger.WithError(err).Debug("WebSocket upgrade failed")
		return
	}

	conn := realtime.NewWSConnection(ws, realtime.ConnectionOptions{
		SendBuffer:   h.opts.SendBuffer,
		WriteTimeout: h.opts.WriteTimeout,
		PingPeriod:   h.opts.IdleTimeout / 2,
	})
	if err := h.registry.Attach(conn, user.ID); err != nil {
		conn.Close(websocket.CloseTryAgainLater, "server shutting down")
		return
	}
	conn.Start()

	log := h.logger.WithFields(logrus.Fields{
		"session_id": conn.ID(),
		"user_id":    user.ID,
	})
	log.Info("Socket connected")

	defer func() {
		h.registry.Detach(conn.ID())
		conn.Close(websocket.CloseNormalClosure, "session closed")
		log.Info("Socket disconnected")
	}()

	ws.SetReadLimit(maxFrameSize)
	resetDeadline := func() error {
		return ws.SetReadDeadline(time.Now().Add(h.opts.IdleTimeout))
	}
	_ = resetDeadline()
	ws.SetPongHandler(func(string) error { return resetDeadline() })

	h.sendFrame(conn, connectedFrame{Type: realtime.FrameConnected, SessionID: conn.ID()})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.WithError(err).Debug("Socket read ended")
			}
			return
		}
		_ = resetDeadline()

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.replyError(conn, "bad_request", "invalid payload")
			continue
		}

		switch frame.Type {
		case "identify", "setup":
			h.handleIdentify(conn, log, frame)
		case "join", "join chat":
			h.handleJoin(c, conn, log, frame)
		case "leave":
			h.handleLeave(conn, frame)
		case "message", "new message":
			h.handleSocketMessage(c, conn, log, frame)
		case "ping":
			h.sendFrame(conn, chatFrame{Type: realtime.FramePong})
		default:
			h.replyError(conn, "unsupported_type", "unknown frame type")
		}
	}
}

func (h *Handler) handleIdentify(conn *realtime.WSConnection, log *logrus.Entry, frame inboundFrame) {
	userID := frame.identity()
	if err := h.registry.Identify(conn.ID(), userID); err != nil {
		log.WithError(err).WithFields(logrus.Fields{
			"security":   true,
			"claimed_id": userID,
		}).Warn("Socket identify rejected")
		h.replyError(conn, "unauthorized", "identity does not match token")
		return
	}
	h.sendFrame(conn, identifiedFrame{Type: realtime.FrameIdentified, UserID: userID})
}

// handleJoin subscribes first and reads history second, so a message appended
// in between shows up in both and nothing falls into a gap. Clients dedupe by _id.
func (h *Handler) handleJoin(c *gin.Context, conn *realtime.WSConnection, log *logrus.Entry, frame inboundFrame) {
	chatID := strings.TrimSpace(frame.ChatID)
	if chatID == "" {
		h.replyError(conn, "bad_request", "chatId is required")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.opts.RequestTimeout)
	defer cancel()

	if err := h.registry.Join(ctx, conn.ID(), chatID); err != nil {
		h.socketFail(conn, log, err)
		return
	}

	history, err := h.service.GetChatMessages(ctx, chatID, h.registry.UserID(conn.ID()), 0, "")
	if err != nil {
		h.registry.Leave(conn.ID(), chatID)
		h.socketFail(conn, log, err)
		return
	}

	h.sendFrame(conn, joinedFrame{
		Type:     realtime.FrameJoined,
		ChatID:   chatID,
		Messages: realtime.NewMessagePayloads(history),
	})
}

func (h *Handler) handleLeave(conn *realtime.WSConnection, frame inboundFrame) {
	chatID := strings.TrimSpace(frame.ChatID)
	if chatID == "" {
		h.replyError(conn, "bad_request", "chatId is required")
		return
	}
	h.registry.Leave(conn.ID(), chatID)
	h.sendFrame(conn, chatFrame{Type: realtime.FrameLeft, ChatID: chatID})
}

func (h *Handler) handleSocketMessage(c *gin.Context, conn *realtime.WSConnection, log *logrus.Entry, frame inboundFrame) {
	userID := h.registry.UserID(conn.ID())
	if userID == "" {
		h.socketFail(conn, log, realtime.ErrNotIdentified)
		return
	}

	ctx, cancel := h.detachedContext(c)
	defer cancel()

	msg, err := h.service.SendMessage(ctx, frame.ChatID, userID, frame.Content)
	if err != nil {
		h.socketFail(conn, log, err)
		return
	}

	h.sendFrame(conn, ackFrame{
		Type:      realtime.FrameAck,
		ClientID:  frame.ClientID,
		ChatID:    msg.ChatID,
		MessageID: msg.ID,
		Message:   realtime.NewMessagePayload(msg),
	})
}

func (h *Handler) socketFail(conn *realtime.WSConnection, log *logrus.Entry, err error) {
	status, code, message := classify(err)
	switch {
	case isSecurityRelevant(status):
		log.WithError(err).WithField("security", true).Warn("Socket request rejected")
	case status >= http.StatusInternalServerError:
		log.WithError(err).Error("Socket request failed")
	}
	h.replyError(conn, code, message)
}

func (h *Handler) replyError(conn *realtime.WSConnection, code, message string) {
	h.sendFrame(conn, errorFrame{Type: realtime.FrameError, Code: code, Error: message})
}

func (h *Handler) sendFrame(conn *realtime.WSConnection, frame any) {
	payload, err := json.Marshal(frame)
	if err != nil {
		h.logger.WithError(err).Error("Failed to encode frame")
		return
	}
	if err := conn.Send(payload); err != nil && !errors.Is(err, realtime.ErrSessionClosed) {
		h.logger.WithError(err).WithField("session_id", conn.ID()).Debug("Frame dropped")
	}
}
