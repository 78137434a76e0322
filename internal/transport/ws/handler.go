package ws

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"wireline/internal/apperr"
	"wireline/internal/delivery"
	"wireline/internal/domain"
	"wireline/internal/identity"
	"wireline/internal/presence"
)

// Handler upgrades HTTP connections and drives the per-socket frame loop.
type Handler struct {
	manager  *Manager
	registry *identity.Registry
	pipeline *delivery.Pipeline
	presence *presence.Registry
	upgrader websocket.Upgrader
}

func NewHandler(manager *Manager, registry *identity.Registry, pipeline *delivery.Pipeline, pres *presence.Registry) *Handler {
	return &Handler{
		manager:  manager,
		registry: registry,
		pipeline: pipeline,
		presence: pres,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and blocks for the connection's lifetime.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("transport/ws: upgrade failed: %v", err)
		return
	}

	userID, deviceID, ok := h.awaitAuth(wsConn)
	if !ok {
		wsConn.Close()
		return
	}

	conn := newConnection(uuid.New(), userID, deviceID, wsConn, h.manager)
	h.manager.Register(conn)
	go conn.writePump()
	h.readPump(conn)
}

// awaitAuth blocks for exactly one frame: an `auth` frame carrying a valid
// access token. Any other frame type, or an invalid token, is answered with
// auth_response{success:false} and the caller closes the socket — spec.md
// §6.2 "an unauthenticated connection accepts only auth; all else is
// rejected as UNAUTHORIZED".
func (h *Handler) awaitAuth(conn *websocket.Conn) (uuid.UUID, uuid.UUID, bool) {
	conn.SetReadDeadline(time.Now().Add(IdleTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return uuid.Nil, uuid.Nil, false
	}
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.Type != FrameAuth {
		writeAuthFailure(conn, "first frame must be auth")
		return uuid.Nil, uuid.Nil, false
	}
	var payload authPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		writeAuthFailure(conn, "malformed auth payload")
		return uuid.Nil, uuid.Nil, false
	}
	claims, err := h.registry.ValidateToken(payload.AccessToken, identity.TokenAccess)
	if err != nil {
		writeAuthFailure(conn, "invalid or expired token")
		return uuid.Nil, uuid.Nil, false
	}
	userID, err := uuid.Parse(claims.UserID)
	if err != nil {
		writeAuthFailure(conn, "malformed user id in token")
		return uuid.Nil, uuid.Nil, false
	}
	deviceID, err := uuid.Parse(claims.DeviceID)
	if err != nil {
		writeAuthFailure(conn, "malformed device id in token")
		return uuid.Nil, uuid.Nil, false
	}
	frameBytes, err := encodeFrame(FrameAuthResponse, authResponsePayload{Success: true, UserID: claims.UserID, DeviceID: claims.DeviceID})
	if err == nil {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteMessage(websocket.TextMessage, frameBytes)
	}
	return userID, deviceID, true
}

func writeAuthFailure(conn *websocket.Conn, reason string) {
	frameBytes, err := encodeFrame(FrameAuthResponse, authResponsePayload{Success: false, Message: reason})
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.TextMessage, frameBytes)
}

func (h *Handler) readPump(conn *Connection) {
	defer func() {
		h.manager.Unregister(conn)
		conn.conn.Close()
	}()
	conn.conn.SetReadLimit(maxFrameSize)
	conn.conn.SetReadDeadline(time.Now().Add(IdleTimeout))
	conn.conn.SetPongHandler(func(string) error {
		conn.conn.SetReadDeadline(time.Now().Add(IdleTimeout))
		return nil
	})

	for {
		_, raw, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("transport/ws: read error on connection %s: %v", conn.ID, err)
			}
			return
		}
		conn.conn.SetReadDeadline(time.Now().Add(IdleTimeout))
		h.dispatch(conn, raw)
	}
}

func (h *Handler) dispatch(conn *Connection, raw []byte) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		h.sendError(conn, apperr.New(apperr.Protocol, "malformed frame"))
		return
	}
	switch frame.Type {
	case FramePing:
		h.handlePing(conn, frame.Payload)
	case FrameSendMessage:
		h.handleSendMessage(conn, frame.Payload)
	case FrameTyping:
		h.handleTyping(conn, frame.Payload)
	case FramePresence:
		h.handlePresence(conn, frame.Payload)
	case FrameMarkRead:
		h.handleMarkRead(conn, frame.Payload)
	case FrameSubscribe:
		h.handleSubscribe(conn, frame.Payload)
	case FrameUnsubscribe:
		h.handleUnsubscribe(conn, frame.Payload)
	case FramePong:
		// pure read-deadline refresh, handled unconditionally above
	default:
		h.sendError(conn, apperr.New(apperr.Protocol, "unknown frame type"))
	}
}

func (h *Handler) handlePing(conn *Connection, payload json.RawMessage) {
	var p pingPayload
	_ = json.Unmarshal(payload, &p)
	frameBytes, err := encodeFrame(FramePong, pongPayload{ClientTimestamp: p.ClientTimestamp, ServerTimestamp: time.Now().UnixMilli()})
	if err != nil {
		return
	}
	conn.enqueue(frameBytes)
}

func (h *Handler) handleSendMessage(conn *Connection, payload json.RawMessage) {
	var p sendMessagePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		h.sendError(conn, apperr.New(apperr.InvalidRequest, "malformed send_message payload"))
		return
	}
	recipientID, err := uuid.Parse(p.RecipientUserID)
	if err != nil {
		h.sendError(conn, apperr.New(apperr.InvalidRequest, "malformed recipient id"))
		return
	}
	ciphertext, err := base64.StdEncoding.DecodeString(p.Ciphertext)
	if err != nil {
		h.sendError(conn, apperr.New(apperr.InvalidRequest, "malformed ciphertext"))
		return
	}
	msgType := domain.MessageType(p.Type)
	if msgType == "" {
		msgType = domain.MessageText
	}
	result, err := h.pipeline.Send(context.Background(), conn.UserID, conn.DeviceID, recipientID, ciphertext, msgType, p.ClientTimestamp)
	if err != nil {
		h.sendError(conn, err)
		return
	}
	sentFrame, err := encodeFrame(FrameMessageSent, messageSentPayload{MessageID: result.MessageID.String(), ServerTimestamp: result.ServerTimestamp, Status: string(result.Status)})
	if err == nil {
		conn.enqueue(sentFrame)
	}
	if h.manager.IsConnected(recipientID) {
		pushFrame, err := encodeFrame(FrameMessage, messagePayload{
			MessageID:       result.MessageID.String(),
			ConversationID:  domain.ConversationID(conn.UserID, recipientID).String(),
			SenderUserID:    conn.UserID.String(),
			SenderDeviceID:  conn.DeviceID.String(),
			Ciphertext:      p.Ciphertext,
			Type:            string(msgType),
			ServerTimestamp: result.ServerTimestamp,
		})
		if err == nil {
			h.manager.SendToUser(recipientID, pushFrame)
		}
	}
}

func (h *Handler) handleTyping(conn *Connection, payload json.RawMessage) {
	var p typingPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		h.sendError(conn, apperr.New(apperr.InvalidRequest, "malformed typing payload"))
		return
	}
	toID, err := uuid.Parse(p.ToUserID)
	if err != nil {
		h.sendError(conn, apperr.New(apperr.InvalidRequest, "malformed to_user_id"))
		return
	}
	if err := h.presence.SetTyping(context.Background(), conn.UserID, toID, p.IsTyping); err != nil {
		h.sendError(conn, err)
		return
	}
	if h.manager.IsConnected(toID) {
		frameBytes, err := encodeFrame(FrameTyping, typingPayload{FromUserID: conn.UserID.String(), ToUserID: p.ToUserID, IsTyping: p.IsTyping})
		if err == nil {
			h.manager.SendToUser(toID, frameBytes)
		}
	}
}

func (h *Handler) handlePresence(conn *Connection, payload json.RawMessage) {
	var p presencePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		h.sendError(conn, apperr.New(apperr.InvalidRequest, "malformed presence payload"))
		return
	}
	if err := h.presence.UpdateStatus(context.Background(), conn.UserID, domain.PresenceStatus(p.Status), p.CustomText); err != nil {
		h.sendError(conn, err)
		return
	}
	frameBytes, err := encodeFrame(FramePresence, presencePayload{UserID: conn.UserID.String(), Status: p.Status, CustomText: p.CustomText, LastSeen: time.Now().UnixMilli()})
	if err != nil {
		return
	}
	for _, watcher := range h.manager.watchersOf(conn.UserID) {
		watcher.enqueue(frameBytes)
	}
}

func (h *Handler) handleMarkRead(conn *Connection, payload json.RawMessage) {
	var p markReadPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		h.sendError(conn, apperr.New(apperr.InvalidRequest, "malformed mark_read payload"))
		return
	}
	otherID, err := uuid.Parse(p.ConversationUserID)
	if err != nil {
		h.sendError(conn, apperr.New(apperr.InvalidRequest, "malformed conversation_user_id"))
		return
	}
	ids := make([]uuid.UUID, 0, len(p.MessageIDs))
	for _, s := range p.MessageIDs {
		id, err := uuid.Parse(s)
		if err != nil {
			h.sendError(conn, apperr.New(apperr.InvalidRequest, "malformed message id"))
			return
		}
		ids = append(ids, id)
	}
	conversationID := domain.ConversationID(conn.UserID, otherID)
	if err := h.pipeline.MarkRead(context.Background(), conn.UserID, conversationID, ids); err != nil {
		h.sendError(conn, err)
		return
	}
	if h.manager.IsConnected(otherID) {
		frameBytes, err := encodeFrame(FrameReadReceipt, readReceiptPayload{ConversationUserID: conn.UserID.String(), MessageIDs: p.MessageIDs})
		if err == nil {
			h.manager.SendToUser(otherID, frameBytes)
		}
	}
}

func (h *Handler) handleSubscribe(conn *Connection, payload json.RawMessage) {
	var p subscribePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		h.sendError(conn, apperr.New(apperr.InvalidRequest, "malformed subscribe payload"))
		return
	}
	ids, err := parseIDs(p.UserIDs)
	if err != nil {
		h.sendError(conn, err)
		return
	}
	conn.watch(ids)
}

func (h *Handler) handleUnsubscribe(conn *Connection, payload json.RawMessage) {
	var p subscribePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		h.sendError(conn, apperr.New(apperr.InvalidRequest, "malformed unsubscribe payload"))
		return
	}
	ids, err := parseIDs(p.UserIDs)
	if err != nil {
		h.sendError(conn, err)
		return
	}
	conn.unwatch(ids)
}

func (h *Handler) sendError(conn *Connection, err error) {
	appErr := apperr.From(err)
	frameBytes, encErr := encodeFrame(FrameError, errorPayload{Code: string(appErr.Code), Message: appErr.Message})
	if encErr != nil {
		return
	}
	conn.enqueue(frameBytes)
}

func parseIDs(raw []string) ([]uuid.UUID, error) {
	out := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, apperr.New(apperr.InvalidRequest, "malformed user id")
		}
		out = append(out, id)
	}
	return out, nil
}
