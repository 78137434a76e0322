package ws

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"wireline/internal/crypto"
	"wireline/internal/delivery"
	"wireline/internal/domain"
	"wireline/internal/identity"
	"wireline/internal/presence"
	"wireline/internal/pubsub/mempubsub"
	"wireline/internal/storage/memkv"
	"wireline/internal/storage/memlog"
)

func newTestHandler(t *testing.T) (*Handler, *identity.Registry) {
	t.Helper()
	kv := memkv.New()
	logs := memlog.New()
	ps := mempubsub.New()
	tokens := identity.NewTokenService([]byte("test-secret"))
	registry := identity.NewRegistry(kv, tokens)
	pipeline := delivery.NewPipeline(kv, logs, logs, ps)
	presenceRegistry := presence.NewRegistry(kv, ps)
	manager := NewManager()
	t.Cleanup(manager.Shutdown)
	return NewHandler(manager, registry, pipeline, presenceRegistry), registry
}

func registerDevice(t *testing.T, registry *identity.Registry, username string) string {
	t.Helper()
	ctx := context.Background()
	id, err := crypto.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatalf("GenerateIdentityKeyPair: %v", err)
	}
	user, err := registry.RegisterUser(ctx, username, "correct horse battery staple", "", domain.Device{Type: domain.DeviceMobileA}, id.Public)
	if err != nil {
		t.Fatalf("RegisterUser: %v", err)
	}
	access, _, _, err := registry.Login(ctx, username, "correct horse battery staple", uuid.New())
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	return access
}

func dialAndAuth(t *testing.T, wsURL, accessToken string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	authFrame, err := encodeFrame(FrameAuth, authPayload{AccessToken: accessToken})
	if err != nil {
		t.Fatalf("encode auth frame: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, authFrame); err != nil {
		t.Fatalf("write auth frame: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read auth_response: %v", err)
	}
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("decode auth_response frame: %v", err)
	}
	if frame.Type != FrameAuthResponse {
		t.Fatalf("expected auth_response, got %s", frame.Type)
	}
	var resp authResponsePayload
	if err := json.Unmarshal(frame.Payload, &resp); err != nil {
		t.Fatalf("decode auth_response payload: %v", err)
	}
	if !resp.Success {
		t.Fatalf("auth failed: %s", resp.Message)
	}
	return conn
}

func TestHandler_RejectsNonAuthFirstFrame(t *testing.T) {
	handler, _ := newTestHandler(t)
	server := httptest.NewServer(handler)
	defer server.Close()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	pingFrame, err := encodeFrame(FramePing, pingPayload{ClientTimestamp: 1})
	if err != nil {
		t.Fatalf("encode ping frame: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, pingFrame); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if frame.Type != FrameAuthResponse {
		t.Fatalf("expected auth_response rejecting the non-auth first frame, got %s", frame.Type)
	}
	var resp authResponsePayload
	json.Unmarshal(frame.Payload, &resp)
	if resp.Success {
		t.Fatalf("expected success=false for a non-auth first frame")
	}
}

func TestHandler_SendMessagePushesToLiveRecipient(t *testing.T) {
	handler, registry := newTestHandler(t)
	server := httptest.NewServer(handler)
	defer server.Close()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	aliceToken := registerDevice(t, registry, "alice_ws")
	bobToken := registerDevice(t, registry, "bob_ws")

	aliceConn := dialAndAuth(t, wsURL, aliceToken)
	defer aliceConn.Close()
	bobConn := dialAndAuth(t, wsURL, bobToken)
	defer bobConn.Close()

	claims, err := registry.ValidateToken(bobToken, identity.TokenAccess)
	if err != nil {
		t.Fatalf("validate bob token: %v", err)
	}
	bobUserID, err := uuid.Parse(claims.UserID)
	if err != nil {
		t.Fatalf("parse bob user id: %v", err)
	}
	// Registration happens after the auth_response write completes on the
	// server side, slightly after the client's read returns; poll briefly
	// rather than race the manager's register channel.
	for i := 0; i < 50 && !handler.manager.IsConnected(bobUserID); i++ {
		time.Sleep(10 * time.Millisecond)
	}
	if !handler.manager.IsConnected(bobUserID) {
		t.Fatalf("bob's connection never registered")
	}

	sendFrame, err := encodeFrame(FrameSendMessage, sendMessagePayload{
		RecipientUserID: claims.UserID,
		Ciphertext:      base64.StdEncoding.EncodeToString([]byte("sealed-bytes")),
		Type:            string(domain.MessageText),
		ClientTimestamp: 42,
	})
	if err != nil {
		t.Fatalf("encode send_message frame: %v", err)
	}
	if err := aliceConn.WriteMessage(websocket.TextMessage, sendFrame); err != nil {
		t.Fatalf("write send_message: %v", err)
	}

	aliceConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := aliceConn.ReadMessage()
	if err != nil {
		t.Fatalf("read message_sent: %v", err)
	}
	var ackFrame Frame
	if err := json.Unmarshal(raw, &ackFrame); err != nil {
		t.Fatalf("decode message_sent frame: %v", err)
	}
	if ackFrame.Type != FrameMessageSent {
		t.Fatalf("expected message_sent ack, got %s", ackFrame.Type)
	}

	bobConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err = bobConn.ReadMessage()
	if err != nil {
		t.Fatalf("read pushed message: %v", err)
	}
	var pushFrame Frame
	if err := json.Unmarshal(raw, &pushFrame); err != nil {
		t.Fatalf("decode pushed frame: %v", err)
	}
	if pushFrame.Type != FrameMessage {
		t.Fatalf("expected live message push, got %s", pushFrame.Type)
	}
	var msg messagePayload
	if err := json.Unmarshal(pushFrame.Payload, &msg); err != nil {
		t.Fatalf("decode message payload: %v", err)
	}
	if msg.Ciphertext != base64.StdEncoding.EncodeToString([]byte("sealed-bytes")) {
		t.Fatalf("pushed ciphertext mismatch: got %q", msg.Ciphertext)
	}
}
