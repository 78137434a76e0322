package presence

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"wireline/internal/apperr"
	"wireline/internal/domain"
	"wireline/internal/pubsub/mempubsub"
	"wireline/internal/storage/memkv"
)

func newTestRegistry() *Registry {
	return NewRegistry(memkv.New(), mempubsub.New())
}

func TestRegistry_DefaultStatusIsOffline(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	p, err := r.GetStatus(ctx, uuid.New())
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if p.Status != domain.PresenceOffline {
		t.Fatalf("got status %v, want offline", p.Status)
	}
}

func TestRegistry_UpdateStatusAndGetStatus(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	userID := uuid.New()

	if err := r.UpdateStatus(ctx, userID, domain.PresenceAway, "out for lunch"); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	p, err := r.GetStatus(ctx, userID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if p.Status != domain.PresenceAway || p.CustomText != "out for lunch" {
		t.Fatalf("got %+v, want away/out for lunch", p)
	}
}

func TestRegistry_InvisiblePresentsAsOffline(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	userID := uuid.New()

	if err := r.UpdateStatus(ctx, userID, domain.PresenceInvisible, "secret"); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	p, err := r.GetStatus(ctx, userID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if p.Status != domain.PresenceOffline || p.CustomText != "" {
		t.Fatalf("got %+v, want presented as offline with empty custom text", p)
	}
}

func TestRegistry_HeartbeatBringsOfflineUserOnline(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	userID := uuid.New()

	if err := r.UpdateLastSeen(ctx, userID); err != nil {
		t.Fatalf("UpdateLastSeen: %v", err)
	}
	p, err := r.GetStatus(ctx, userID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if p.Status != domain.PresenceOnline {
		t.Fatalf("got status %v, want online after heartbeat", p.Status)
	}
	if p.LastSeenMilli == 0 {
		t.Fatalf("expected a non-zero last-seen timestamp")
	}
}

func TestRegistry_HeartbeatDoesNotOverrideExplicitDoNotDisturb(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	userID := uuid.New()

	if err := r.UpdateStatus(ctx, userID, domain.PresenceDoNotDisturb, ""); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if err := r.UpdateLastSeen(ctx, userID); err != nil {
		t.Fatalf("UpdateLastSeen: %v", err)
	}
	p, err := r.GetStatus(ctx, userID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if p.Status != domain.PresenceDoNotDisturb {
		t.Fatalf("got status %v, want do-not-disturb preserved across heartbeat", p.Status)
	}
}

func TestRegistry_SetTypingRejectsSelf(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	userID := uuid.New()

	err := r.SetTyping(ctx, userID, userID, true)
	if err == nil {
		t.Fatalf("expected InvalidRequest sending a typing indicator to yourself")
	}
	appErr, ok := err.(*apperr.Error)
	if !ok || appErr.Code != apperr.InvalidRequest {
		t.Fatalf("expected InvalidRequest code, got %v", err)
	}
}

func TestRegistry_IsTypingReflectsCurrentState(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	from, to := uuid.New(), uuid.New()

	typing, err := r.IsTyping(ctx, from, to)
	if err != nil {
		t.Fatalf("IsTyping: %v", err)
	}
	if typing {
		t.Fatalf("expected not typing before any SetTyping call")
	}

	if err := r.SetTyping(ctx, from, to, true); err != nil {
		t.Fatalf("SetTyping(true): %v", err)
	}
	typing, err = r.IsTyping(ctx, from, to)
	if err != nil {
		t.Fatalf("IsTyping: %v", err)
	}
	if !typing {
		t.Fatalf("expected typing=true right after SetTyping(true)")
	}

	if err := r.SetTyping(ctx, from, to, false); err != nil {
		t.Fatalf("SetTyping(false): %v", err)
	}
	typing, err = r.IsTyping(ctx, from, to)
	if err != nil {
		t.Fatalf("IsTyping: %v", err)
	}
	if typing {
		t.Fatalf("expected typing=false after an explicit stop")
	}
}

func TestRegistry_GetBulkStatusRejectsOverLimit(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	ids := make([]uuid.UUID, MaxBulkIDs+1)
	for i := range ids {
		ids[i] = uuid.New()
	}
	if _, err := r.GetBulkStatus(ctx, ids); err == nil {
		t.Fatalf("expected InvalidRequest over the 100-id cap")
	}
}

func TestRegistry_InitialSnapshotCoversAllTargets(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	a, b := uuid.New(), uuid.New()
	if err := r.UpdateStatus(ctx, a, domain.PresenceOnline, ""); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	snaps, err := r.InitialSnapshot(ctx, []uuid.UUID{a, b})
	if err != nil {
		t.Fatalf("InitialSnapshot: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("got %d snapshots, want 2", len(snaps))
	}
}
