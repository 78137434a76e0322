package http

import (
	"encoding/base64"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"wireline/internal/apperr"
	"wireline/internal/identity"
)

// KeyHandlers implements the key-material half of the Auth service contract:
// pre-key uploads, key-bundle retrieval for X3DH initiators, and MLS
// key-package upload/fetch for the group engine.
type KeyHandlers struct {
	registry *identity.Registry
}

func NewKeyHandlers(registry *identity.Registry) *KeyHandlers {
	return &KeyHandlers{registry: registry}
}

type uploadPreKeysRequest struct {
	DeviceID          uuid.UUID `json:"device_id" binding:"required"`
	SignedPreKey      string    `json:"signed_pre_key" binding:"required"`
	SignedPreKeySig   string    `json:"signed_pre_key_sig" binding:"required"`
	OneTimePreKeys    []string  `json:"one_time_pre_keys"`
	OneTimeStartID    uint32    `json:"one_time_start_id"`
}

func (h *KeyHandlers) UploadPreKeys(c *gin.Context) {
	userID, _, err := currentUser(c)
	if err != nil {
		fail(c, err)
		return
	}
	var req uploadPreKeysRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, bindErr(err))
		return
	}
	signedPK, err := decodeB64(req.SignedPreKey)
	if err != nil {
		fail(c, apperr.New(apperr.InvalidRequest, "malformed signed pre-key"))
		return
	}
	sig, err := decodeB64(req.SignedPreKeySig)
	if err != nil {
		fail(c, apperr.New(apperr.InvalidRequest, "malformed signed pre-key signature"))
		return
	}
	if err := h.registry.UploadSignedPreKey(c.Request.Context(), userID, req.DeviceID, signedPK, sig); err != nil {
		fail(c, err)
		return
	}
	if len(req.OneTimePreKeys) > 0 {
		opks := make([][]byte, 0, len(req.OneTimePreKeys))
		for _, s := range req.OneTimePreKeys {
			raw, err := decodeB64(s)
			if err != nil {
				fail(c, apperr.New(apperr.InvalidRequest, "malformed one-time pre-key"))
				return
			}
			opks = append(opks, raw)
		}
		if err := h.registry.UploadOneTimePreKeys(c.Request.Context(), userID, req.DeviceID, req.OneTimeStartID, opks); err != nil {
			fail(c, err)
			return
		}
	}
	ok(c, gin.H{"uploaded": true})
}

func (h *KeyHandlers) GetKeyBundle(c *gin.Context) {
	userID, err := uuid.Parse(c.Param("userID"))
	if err != nil {
		fail(c, apperr.New(apperr.InvalidRequest, "malformed user id"))
		return
	}
	deviceID, err := uuid.Parse(c.Param("deviceID"))
	if err != nil {
		fail(c, apperr.New(apperr.InvalidRequest, "malformed device id"))
		return
	}
	bundle, err := h.registry.GetKeyBundle(c.Request.Context(), userID, deviceID)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"bundle": bundle})
}

type uploadMLSKeyPackageRequest struct {
	DeviceID uuid.UUID `json:"device_id" binding:"required"`
	HashRef  string    `json:"hash_ref" binding:"required"`
	Data     string    `json:"data" binding:"required"` // base64 crypto.MLSKeyPackageData JSON
}

func (h *KeyHandlers) UploadMLSKeyPackage(c *gin.Context) {
	userID, _, err := currentUser(c)
	if err != nil {
		fail(c, err)
		return
	}
	var req uploadMLSKeyPackageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, bindErr(err))
		return
	}
	data, err := decodeB64(req.Data)
	if err != nil {
		fail(c, apperr.New(apperr.InvalidRequest, "malformed key package data"))
		return
	}
	if err := h.registry.UploadMLSKeyPackage(c.Request.Context(), userID, req.DeviceID, req.HashRef, data); err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"uploaded": true})
}

func (h *KeyHandlers) GetMLSKeyPackage(c *gin.Context) {
	userID, err := uuid.Parse(c.Param("userID"))
	if err != nil {
		fail(c, apperr.New(apperr.InvalidRequest, "malformed user id"))
		return
	}
	deviceID, err := uuid.Parse(c.Param("deviceID"))
	if err != nil {
		fail(c, apperr.New(apperr.InvalidRequest, "malformed device id"))
		return
	}
	hashRef := c.Query("hash_ref")
	if hashRef == "" {
		var err error
		hashRef, err = h.registry.FindUnconsumedKeyPackage(c.Request.Context(), userID, deviceID)
		if err != nil {
			fail(c, err)
			return
		}
	}
	pkg, err := h.registry.GetMLSKeyPackage(c.Request.Context(), userID, deviceID, hashRef)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"key_package": pkg})
}

func decodeB64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
