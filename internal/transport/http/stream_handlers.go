package http

import (
	"context"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"wireline/internal/apperr"
	"wireline/internal/domain"
	"wireline/internal/presence"
)

// streamFetchBatch and streamPollInterval bound the server-streaming
// handlers below: gin has no native gRPC-style server stream, so
// receive-messages and presence subscribe are served as Server-Sent Events
// over the same chunked HTTP response gin already supports (gin.Context.SSEvent),
// not a new dependency — the closest fit to spec.md §6.1's "server-streaming"
// RPCs without swapping the whole surface to gRPC.
const (
	streamFetchBatch   = 16
	streamPollInterval = 2 * time.Second
)

// ReceiveMessages streams an authenticated recipient's durable message
// consumer as SSE events, replaying still-pending backlog first (spec.md
// §4.4 "Reconnect") before switching to live fetch.
func (h *MessagingHandlers) ReceiveMessages(c *gin.Context) {
	userID, _, err := currentUser(c)
	if err != nil {
		fail(c, err)
		return
	}
	otherUserID, err := uuid.Parse(c.Param("userID"))
	if err != nil {
		fail(c, apperr.New(apperr.InvalidRequest, "malformed user id"))
		return
	}
	consumer, err := h.pipeline.CreateRecipientConsumer(c.Request.Context(), userID)
	if err != nil {
		fail(c, err)
		return
	}
	defer consumer.Close()

	ctx := c.Request.Context()
	backlog, err := h.pipeline.ReplayPending(ctx, userID, domain.ConversationID(userID, otherUserID))
	if err != nil {
		fail(c, err)
		return
	}
	for _, env := range backlog {
		c.SSEvent("message", env)
	}
	c.Stream(func(w io.Writer) bool {
		fetchCtx, cancel := context.WithTimeout(ctx, streamPollInterval)
		defer cancel()
		msgs, err := consumer.Fetch(fetchCtx, streamFetchBatch)
		if err != nil {
			select {
			case <-ctx.Done():
				return false
			default:
				return true // timed out waiting for new messages, poll again
			}
		}
		for _, m := range msgs {
			envelope, err := h.pipeline.AckAndMarkDelivered(ctx, m, userID)
			if err != nil {
				continue
			}
			c.SSEvent("message", envelope)
		}
		select {
		case <-ctx.Done():
			return false
		default:
			return true
		}
	})
}

// Subscribe streams presence snapshots for the requested target user ids as
// SSE events, polling GetBulkStatus on an interval (spec.md §4.5's push
// model, approximated here without a push-capable transport).
func (h *PresenceHandlers) Subscribe(c *gin.Context) {
	raw := c.QueryArray("user_id")
	if len(raw) == 0 || len(raw) > presence.MaxBulkIDs {
		fail(c, apperr.New(apperr.InvalidRequest, "subscribe requires 1-100 user_id query parameters"))
		return
	}
	targets := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			fail(c, apperr.New(apperr.InvalidRequest, "malformed user id"))
			return
		}
		targets = append(targets, id)
	}

	ctx := c.Request.Context()
	snapshot, err := h.registry.InitialSnapshot(ctx, targets)
	if err != nil {
		fail(c, err)
		return
	}
	c.SSEvent("snapshot", snapshot)
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(presence.PollInterval):
		}
		updates, err := h.registry.GetBulkStatus(ctx, targets)
		if err != nil {
			return true
		}
		c.SSEvent("update", updates)
		return true
	})
}
