package http

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"wireline/internal/crypto"
	"wireline/internal/delivery"
	"wireline/internal/domain"
	"wireline/internal/group"
	"wireline/internal/identity"
	"wireline/internal/pairwise"
	"wireline/internal/presence"
	"wireline/internal/pubsub/mempubsub"
	"wireline/internal/storage/memkv"
	"wireline/internal/storage/memlog"
)

func newTestDeps() Dependencies {
	kv := memkv.New()
	logs := memlog.New()
	ps := mempubsub.New()
	tokens := identity.NewTokenService([]byte("test-secret"))
	registry := identity.NewRegistry(kv, tokens)
	return Dependencies{
		Registry: registry,
		Pairwise: pairwise.NewEngine(kv),
		Groups:   group.NewEngine(kv, 256),
		Pipeline: delivery.NewPipeline(kv, logs, logs, ps),
		Presence: presence.NewRegistry(kv, ps),
		Messages: logs,
		GroupLog: logs,
	}
}

func doRequest(t *testing.T, r *gin.Engine, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func registerAndLogin(t *testing.T, r *gin.Engine, username string) (accessToken string, userID uuid.UUID) {
	t.Helper()
	id, err := crypto.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatalf("GenerateIdentityKeyPair: %v", err)
	}
	rec := doRequest(t, r, "POST", "/v1/auth/register", "", registerRequest{
		Username:       username,
		Password:       "correct horse battery staple",
		DeviceName:     "test device",
		DeviceType:     string(domain.DeviceMobileA),
		IdentityKeyB64: base64.StdEncoding.EncodeToString(id.Public),
	})
	if rec.Code != 201 {
		t.Fatalf("register: status %d body %s", rec.Code, rec.Body.String())
	}
	var regResp envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &regResp); err != nil {
		t.Fatalf("decode register response: %v", err)
	}
	data := regResp.Data.(map[string]interface{})
	userMap := data["user"].(map[string]interface{})
	uid, err := uuid.Parse(userMap["id"].(string))
	if err != nil {
		t.Fatalf("parse user id: %v", err)
	}
	devID, err := uuid.Parse(data["device_id"].(string))
	if err != nil {
		t.Fatalf("parse device id: %v", err)
	}

	rec = doRequest(t, r, "POST", "/v1/auth/login", "", loginRequest{
		Username: username,
		Password: "correct horse battery staple",
		DeviceID: devID,
	})
	if rec.Code != 200 {
		t.Fatalf("login: status %d body %s", rec.Code, rec.Body.String())
	}
	var loginResp envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &loginResp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	loginData := loginResp.Data.(map[string]interface{})
	return loginData["access_token"].(string), uid
}

func TestRouter_RegisterLoginAndSendMessage(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := NewRouter(newTestDeps())

	aliceToken, _ := registerAndLogin(t, r, "alice")
	_, bobID := registerAndLogin(t, r, "bob")

	sendRec := doRequest(t, r, "POST", "/v1/messages", aliceToken, sendMessageRequest{
		RecipientUserID: bobID,
		Ciphertext:      base64.StdEncoding.EncodeToString([]byte("sealed-ciphertext")),
		Type:            string(domain.MessageText),
		ClientTimestamp: 12345,
	})
	if sendRec.Code != 201 {
		t.Fatalf("send message: status %d body %s", sendRec.Code, sendRec.Body.String())
	}
	var sendResp envelope
	if err := json.Unmarshal(sendRec.Body.Bytes(), &sendResp); err != nil {
		t.Fatalf("decode send response: %v", err)
	}
	if !sendResp.Success {
		t.Fatalf("expected success, got error %+v", sendResp.Error)
	}
}

func TestRouter_RequireAuthRejectsMissingToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := NewRouter(newTestDeps())

	rec := doRequest(t, r, "GET", "/v1/conversations", "", nil)
	if rec.Code != 401 {
		t.Fatalf("expected 401 with no token, got %d", rec.Code)
	}
}

func TestRouter_RequireAuthRejectsGarbageToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := NewRouter(newTestDeps())

	rec := doRequest(t, r, "GET", "/v1/conversations", "not-a-real-token", nil)
	if rec.Code != 401 {
		t.Fatalf("expected 401 with garbage token, got %d", rec.Code)
	}
}

func TestRouter_DuplicateUsernameConflict(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := NewRouter(newTestDeps())

	registerAndLogin(t, r, "carol")

	id, err := crypto.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatalf("GenerateIdentityKeyPair: %v", err)
	}
	rec := doRequest(t, r, "POST", "/v1/auth/register", "", registerRequest{
		Username:       "carol",
		Password:       "another long enough password",
		DeviceName:     "dup device",
		DeviceType:     string(domain.DeviceWeb),
		IdentityKeyB64: base64.StdEncoding.EncodeToString(id.Public),
	})
	if rec.Code != 409 {
		t.Fatalf("expected 409 on duplicate username, got %d body %s", rec.Code, rec.Body.String())
	}
}
