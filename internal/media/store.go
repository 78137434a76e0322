// Package media implements the narrow blob-store collaborator spec.md
// §6.3 "Blob store (object storage)" names: presigned upload/download URL
// issuance and delete, kept entirely outside the cryptographic core (media
// blobs are opaque ciphertext from this package's point of view — no
// thumbnailing or content inspection happens here, since the pipeline for
// that is explicitly out of scope per spec.md §1's Non-goals list).
//
// Grounded directly on actuallydan-pollis/internal/services/r2_service.go:
// same S3-compatible presign client usage, same path-style addressing, same
// ULID-suffixed object-key generation to avoid collisions.
package media

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/oklog/ulid/v2"
)

// DefaultPresignExpiry matches spec.md §6.3's documented default.
const DefaultPresignExpiry = 3600 * time.Second

// Store issues presigned URLs against an S3-compatible object store and
// deletes objects outright; it never reads or writes blob bytes itself.
type Store struct {
	client   *s3.Client
	presign  *s3.PresignClient
	bucket   string
	endpoint string
	expiry   time.Duration
}

// Config configures the underlying S3-compatible client; Endpoint must be
// the bucket-less base URL (path-style addressing is always used, since
// S3-compatible object stores outside AWS proper commonly require it).
type Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string // "auto" is fine for most non-AWS S3-compatible stores
	Expiry    time.Duration
}

func New(client *s3.Client, cfg Config) *Store {
	expiry := cfg.Expiry
	if expiry <= 0 {
		expiry = DefaultPresignExpiry
	}
	return &Store{
		client:   client,
		presign:  s3.NewPresignClient(client),
		bucket:   cfg.Bucket,
		endpoint: strings.TrimSuffix(cfg.Endpoint, "/"),
		expiry:   expiry,
	}
}

// PresignedUploadURL returns a presigned PUT URL for objectKey, with
// contentType bound into the signature.
func (s *Store) PresignedUploadURL(ctx context.Context, objectKey, contentType string) (string, error) {
	req, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(objectKey),
		ContentType: aws.String(contentType),
	}, func(opts *s3.PresignOptions) { opts.Expires = s.expiry })
	if err != nil {
		return "", fmt.Errorf("presign upload url: %w", err)
	}
	return req.URL, nil
}

// PresignedDownloadURL returns a presigned GET URL for objectKey. When
// byteRange is non-empty it's passed through as an HTTP Range header value
// (e.g. "bytes=0-1023") for partial/resumable downloads.
func (s *Store) PresignedDownloadURL(ctx context.Context, objectKey, byteRange string) (string, error) {
	input := &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(objectKey)}
	if byteRange != "" {
		input.Range = aws.String(byteRange)
	}
	req, err := s.presign.PresignGetObject(ctx, input, func(opts *s3.PresignOptions) { opts.Expires = s.expiry })
	if err != nil {
		return "", fmt.Errorf("presign download url: %w", err)
	}
	return req.URL, nil
}

// Delete removes an object outright.
func (s *Store) Delete(ctx context.Context, objectKey string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		return fmt.Errorf("delete object %s: %w", objectKey, err)
	}
	return nil
}

// GenerateAttachmentKey builds a collision-resistant object key for a
// message attachment: attachments/{conversationOrGroupID}/{messageID}/{uniqueName}.
func GenerateAttachmentKey(conversationOrGroupID, messageID, filename string) string {
	ext := filepath.Ext(filename)
	baseName := strings.TrimSuffix(filepath.Base(filename), ext)
	unique := fmt.Sprintf("%s_%s%s", baseName, ulid.Make().String(), ext)
	if messageID == "" {
		return fmt.Sprintf("attachments/%s/%s", conversationOrGroupID, unique)
	}
	return fmt.Sprintf("attachments/%s/%s/%s", conversationOrGroupID, messageID, unique)
}

// GenerateAvatarKey builds the object key for a user's avatar image.
func GenerateAvatarKey(userID, filename string) string {
	ext := filepath.Ext(filename)
	if ext == "" {
		ext = ".png"
	}
	baseName := strings.TrimSuffix(filepath.Base(filename), ext)
	unique := fmt.Sprintf("%s_%s%s", baseName, ulid.Make().String(), ext)
	return fmt.Sprintf("avatars/%s/%s", userID, unique)
}
