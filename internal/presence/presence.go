// Package presence implements the Presence & Typing Layer (spec.md §4.5):
// ephemeral per-user status, last-seen heartbeats, bounded-TTL typing
// indicators, and bulk/subscription reads. Presence is advisory, not
// transactional — publish failures, typing-indicator storage failures and
// single-id failures inside bulk lookups are swallowed without logging;
// status reads and writes return their storage errors to the caller.
//
// Grounded on histeeria-Histeeria/internal/websocket/manager.go's
// connection-registry and broadcast shape, adapted from an in-memory
// connection map to the KV-persisted presence/typing records spec.md
// §6.3 specifies (`/presence/{user}` and `/typing/{from}/{to}`).
package presence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"wireline/internal/apperr"
	"wireline/internal/domain"
	"wireline/internal/pubsub"
	"wireline/internal/storage"
)

// TypingTTL bounds how long a typing indicator reads as active without an
// explicit stop (spec.md §4.5).
const TypingTTL = 10 * time.Second

// MaxBulkIDs is the cap on get-bulk-status / subscribe target counts.
const MaxBulkIDs = 100

// Registry tracks presence and typing state, KV-persisted so any server
// process instance observes the same ephemeral facts.
type Registry struct {
	kv storage.KV
	ps pubsub.PubSub
}

func NewRegistry(kv storage.KV, ps pubsub.PubSub) *Registry {
	return &Registry{kv: kv, ps: ps}
}

// UpdateStatus sets a user's presence status and custom text, best-effort
// publishing a presence update event.
func (r *Registry) UpdateStatus(ctx context.Context, userID uuid.UUID, status domain.PresenceStatus, customText string) error {
	p := domain.Presence{UserID: userID, Status: status, CustomText: customText, LastSeenMilli: nowMilli()}
	if err := r.putPresence(ctx, p); err != nil {
		return err
	}
	r.bestEffortPublish(ctx, pubsub.PresenceSubject(userID.String()), presenceView(p))
	return nil
}

// UpdateLastSeen is the heartbeat operation: records wall-clock
// milliseconds and, as an implicit side effect, proves the user online —
// a user who was offline transitions to online on heartbeat, but a user
// who set themselves to away/DND/invisible is left alone.
func (r *Registry) UpdateLastSeen(ctx context.Context, userID uuid.UUID) error {
	p, err := r.getPresenceOrDefault(ctx, userID)
	if err != nil {
		return err
	}
	p.LastSeenMilli = nowMilli()
	if p.Status == domain.PresenceOffline {
		p.Status = domain.PresenceOnline
	}
	if err := r.putPresence(ctx, p); err != nil {
		return err
	}
	r.bestEffortPublish(ctx, pubsub.PresenceSubject(userID.String()), presenceView(p))
	return nil
}

// GetStatus returns userID's presence as seen by anyone else: invisible is
// presented as offline with empty custom text (spec.md §4.5 "Status set").
func (r *Registry) GetStatus(ctx context.Context, userID uuid.UUID) (domain.Presence, error) {
	p, err := r.getPresenceOrDefault(ctx, userID)
	if err != nil {
		return domain.Presence{}, err
	}
	return presenceView(p), nil
}

// GetBulkStatus returns presence for up to MaxBulkIDs users in one call.
func (r *Registry) GetBulkStatus(ctx context.Context, userIDs []uuid.UUID) ([]domain.Presence, error) {
	if len(userIDs) > MaxBulkIDs {
		return nil, apperr.New(apperr.InvalidRequest, "too many ids for bulk status", "max 100")
	}
	out := make([]domain.Presence, 0, len(userIDs))
	for _, id := range userIDs {
		p, err := r.getPresenceOrDefault(ctx, id)
		if err != nil {
			continue // advisory: a single bad lookup doesn't fail the batch
		}
		out = append(out, presenceView(p))
	}
	return out, nil
}

// SetTyping records or clears a typing indicator from `from` to `to`.
// Sending a typing indicator to yourself is rejected as InvalidRequest
// (spec.md §4.5 "Failure semantics"); everything else is best-effort.
func (r *Registry) SetTyping(ctx context.Context, from, to uuid.UUID, isTyping bool) error {
	if from == to {
		return apperr.New(apperr.InvalidRequest, "cannot send a typing indicator to yourself")
	}
	key := storage.TypingKey(from.String(), to.String())
	if !isTyping {
		_ = r.kv.Delete(ctx, key) // best-effort: advisory state, not transactional
		return nil
	}
	ind := domain.TypingIndicator{FromUserID: from, ToUserID: to, StartedAt: nowMilli()}
	data, err := json.Marshal(ind)
	if err != nil {
		return nil // advisory: swallow encode failures rather than fail the RPC
	}
	if err := r.kv.Put(ctx, key, data); err != nil {
		return nil
	}
	r.bestEffortPublish(ctx, pubsub.TypingSubject(to.String(), from.String()), ind)
	return nil
}

// IsTyping reports whether `from` is currently typing to `to`, applying
// the 10-second bounded TTL on read since the KV store has no native TTL.
func (r *Registry) IsTyping(ctx context.Context, from, to uuid.UUID) (bool, error) {
	data, err := r.kv.Get(ctx, storage.TypingKey(from.String(), to.String()))
	if err == storage.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, nil // advisory: treat a lookup fault as "not typing"
	}
	var ind domain.TypingIndicator
	if err := json.Unmarshal(data, &ind); err != nil {
		return false, nil
	}
	age := time.Duration(nowMilli()-ind.StartedAt) * time.Millisecond
	return age <= TypingTTL, nil
}

// Snapshot is one subscribe-stream update: a target's presence.
type Snapshot struct {
	UserID   uuid.UUID       `json:"user_id"`
	Presence domain.Presence `json:"presence"`
}

// InitialSnapshot builds the one-per-target snapshot a subscribe stream
// emits immediately on open (spec.md §4.5 "Subscriptions").
func (r *Registry) InitialSnapshot(ctx context.Context, targetUserIDs []uuid.UUID) ([]Snapshot, error) {
	if len(targetUserIDs) > MaxBulkIDs {
		return nil, apperr.New(apperr.InvalidRequest, "too many subscribe targets", "max 100")
	}
	out := make([]Snapshot, 0, len(targetUserIDs))
	for _, id := range targetUserIDs {
		p, err := r.getPresenceOrDefault(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, Snapshot{UserID: id, Presence: presenceView(p)})
	}
	return out, nil
}

// PollInterval is the baseline cadence a subscribe stream falls back to
// when no event-bus push is available (spec.md §4.5).
const PollInterval = 5 * time.Second

func (r *Registry) putPresence(ctx context.Context, p domain.Presence) error {
	data, err := json.Marshal(p)
	if err != nil {
		return apperr.Wrap(apperr.InternalError, "encode presence", err)
	}
	if err := r.kv.Put(ctx, storage.PresenceKey(p.UserID.String()), data); err != nil {
		return apperr.Wrap(apperr.InternalError, "persist presence", err)
	}
	return nil
}

func (r *Registry) getPresenceOrDefault(ctx context.Context, userID uuid.UUID) (domain.Presence, error) {
	data, err := r.kv.Get(ctx, storage.PresenceKey(userID.String()))
	if err == storage.ErrNotFound {
		return domain.Presence{UserID: userID, Status: domain.PresenceOffline}, nil
	}
	if err != nil {
		return domain.Presence{}, apperr.Wrap(apperr.InternalError, "load presence", err)
	}
	var p domain.Presence
	if err := json.Unmarshal(data, &p); err != nil {
		return domain.Presence{}, apperr.Wrap(apperr.InternalError, "decode presence", err)
	}
	return p, nil
}

func (r *Registry) bestEffortPublish(ctx context.Context, subject string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	_ = r.ps.Publish(ctx, subject, data)
}

// presenceView applies the invisible-presents-as-offline transform.
func presenceView(p domain.Presence) domain.Presence {
	if p.Status == domain.PresenceInvisible {
		return domain.Presence{UserID: p.UserID, Status: domain.PresenceOffline, LastSeenMilli: p.LastSeenMilli}
	}
	return p
}

func nowMilli() int64 { return time.Now().UnixMilli() }
