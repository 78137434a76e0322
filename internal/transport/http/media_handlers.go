package http

import (
	"github.com/gin-gonic/gin"

	"wireline/internal/apperr"
	"wireline/internal/media"
)

// MediaHandlers fronts the presigned-URL contract spec.md §6.3 names for
// the object store: the core never stores or proxies media bytes itself,
// it only issues presigned upload/download URLs and deletes by key.
type MediaHandlers struct {
	store *media.Store
}

func NewMediaHandlers(store *media.Store) *MediaHandlers {
	return &MediaHandlers{store: store}
}

type presignUploadRequest struct {
	ObjectKey   string `json:"object_key" binding:"required"`
	ContentType string `json:"content_type" binding:"required"`
}

func (h *MediaHandlers) PresignUpload(c *gin.Context) {
	var req presignUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, bindErr(err))
		return
	}
	url, err := h.store.PresignedUploadURL(c.Request.Context(), req.ObjectKey, req.ContentType)
	if err != nil {
		fail(c, apperr.Wrap(apperr.InternalError, "presign upload", err))
		return
	}
	ok(c, gin.H{"upload_url": url})
}

func (h *MediaHandlers) PresignDownload(c *gin.Context) {
	objectKey := c.Query("object_key")
	if objectKey == "" {
		fail(c, apperr.New(apperr.InvalidRequest, "object_key is required"))
		return
	}
	url, err := h.store.PresignedDownloadURL(c.Request.Context(), objectKey, c.GetHeader("Range"))
	if err != nil {
		fail(c, apperr.Wrap(apperr.InternalError, "presign download", err))
		return
	}
	ok(c, gin.H{"download_url": url})
}

func (h *MediaHandlers) Delete(c *gin.Context) {
	objectKey := c.Query("object_key")
	if objectKey == "" {
		fail(c, apperr.New(apperr.InvalidRequest, "object_key is required"))
		return
	}
	if err := h.store.Delete(c.Request.Context(), objectKey); err != nil {
		fail(c, apperr.Wrap(apperr.InternalError, "delete object", err))
		return
	}
	ok(c, gin.H{"deleted": true})
}
