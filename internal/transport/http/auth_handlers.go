package http

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"wireline/internal/apperr"
	"wireline/internal/domain"
	"wireline/internal/identity"
)

// AuthHandlers implements the Auth service contract (spec.md §6.1): account
// registration/login/session lifecycle. Key-bundle and key-package
// operations are served by KeyHandlers.
type AuthHandlers struct {
	registry *identity.Registry
}

func NewAuthHandlers(registry *identity.Registry) *AuthHandlers {
	return &AuthHandlers{registry: registry}
}

type registerRequest struct {
	Username     string `json:"username" binding:"required"`
	Password     string `json:"password" binding:"required"`
	Email        string `json:"email"`
	DeviceName   string `json:"device_name" binding:"required"`
	DeviceType   string `json:"device_type" binding:"required"`
	IdentityKeyB64 string `json:"identity_key"` // base64 Ed25519 public key
}

func (h *AuthHandlers) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, bindErr(err))
		return
	}
	identityPub, err := decodeEd25519Pub(req.IdentityKeyB64)
	if err != nil {
		fail(c, apperr.New(apperr.InvalidRequest, "malformed identity key", err.Error()))
		return
	}
	device := domain.Device{
		ID:          uuid.New(),
		DisplayName: req.DeviceName,
		Type:        domain.DeviceType(req.DeviceType),
	}
	user, err := h.registry.RegisterUser(c.Request.Context(), req.Username, req.Password, req.Email, device, identityPub)
	if err != nil {
		fail(c, err)
		return
	}
	created(c, gin.H{"user": user, "device_id": device.ID})
}

type loginRequest struct {
	Username string    `json:"username" binding:"required"`
	Password string    `json:"password" binding:"required"`
	DeviceID uuid.UUID `json:"device_id" binding:"required"`
}

func (h *AuthHandlers) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, bindErr(err))
		return
	}
	access, refresh, user, err := h.registry.Login(c.Request.Context(), req.Username, req.Password, req.DeviceID)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"access_token": access, "refresh_token": refresh, "user": user})
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

func (h *AuthHandlers) Logout(c *gin.Context) {
	var req logoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, bindErr(err))
		return
	}
	if err := h.registry.Logout(c.Request.Context(), req.RefreshToken); err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"logged_out": true})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

func (h *AuthHandlers) RefreshToken(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, bindErr(err))
		return
	}
	access, newRefresh, err := h.registry.RefreshToken(c.Request.Context(), req.RefreshToken)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"access_token": access, "refresh_token": newRefresh})
}

type validateTokenRequest struct {
	Token string `json:"token" binding:"required"`
	Kind  string `json:"kind"`
}

func (h *AuthHandlers) ValidateToken(c *gin.Context) {
	var req validateTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, bindErr(err))
		return
	}
	kind := identity.TokenAccess
	if req.Kind == string(identity.TokenRefresh) {
		kind = identity.TokenRefresh
	}
	claims, err := h.registry.ValidateToken(req.Token, kind)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"user_id": claims.UserID, "device_id": claims.DeviceID, "username": claims.Username, "permissions": claims.Permissions})
}

func (h *AuthHandlers) GetUserProfile(c *gin.Context) {
	userID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		fail(c, apperr.New(apperr.InvalidRequest, "malformed user id"))
		return
	}
	user, err := h.registry.GetUserByID(c.Request.Context(), userID)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"user": user})
}

func (h *AuthHandlers) SearchUsers(c *gin.Context) {
	prefix := c.Query("prefix")
	limit := queryIntDefault(c, "limit", 20, 100)
	users, err := h.registry.SearchUsers(c.Request.Context(), prefix, limit)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"users": users})
}

func (h *AuthHandlers) DeleteAccount(c *gin.Context) {
	userID, _, err := currentUser(c)
	if err != nil {
		fail(c, err)
		return
	}
	if err := h.registry.DeleteAccount(c.Request.Context(), userID); err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"deleted": true})
}

func (h *AuthHandlers) Health(c *gin.Context) {
	ok(c, gin.H{"status": "ok"})
}

func decodeEd25519Pub(b64 string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("identity key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}
