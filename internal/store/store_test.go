package store

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"keyrelay/pkg/interfaces"
	"keyrelay/pkg/types"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()

	cfg := &Config{
		Path:            filepath.Join(t.TempDir(), "keyrelay.db"),
		RoomTTL:         24 * time.Hour,
		SweepInterval:   0, // sweep driven manually in tests
		MaxConnections:  5,
		ConnMaxLifetime: time.Minute,
	}

	m, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func testBundle(seed string) *types.KeyBundle {
	return &types.KeyBundle{
		RegistrationID:  1,
		Identity:        []byte("id-" + seed),
		SignedPrekey:    []byte("spk-" + seed),
		SignedPrekeySig: []byte("sig-" + seed),
		OneTimePrekey:   []byte("otk-" + seed),
	}
}

func TestManager_CreateAndGetRoom(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	roomID, secret, err := m.CreateRoom(ctx)
	if err != nil {
		t.Fatalf("CreateRoom failed: %v", err)
	}
	if roomID == "" || secret == "" {
		t.Fatal("room id and join secret must be non-empty")
	}

	room, err := m.GetRoom(ctx, roomID)
	if err != nil {
		t.Fatalf("GetRoom failed: %v", err)
	}
	if room.JoinSecret != secret {
		t.Errorf("stored secret %q != returned %q", room.JoinSecret, secret)
	}
	if room.AdminMemberID != "" {
		t.Errorf("new room must have no admin, got %q", room.AdminMemberID)
	}

	if _, err := m.GetRoom(ctx, "missing"); !errors.Is(err, interfaces.ErrRoomNotFound) {
		t.Errorf("expected ErrRoomNotFound, got %v", err)
	}
}

func TestManager_SetAdminIfUnset(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	roomID, _, _ := m.CreateRoom(ctx)

	if err := m.SetAdminIfUnset(ctx, roomID, "alice"); err != nil {
		t.Fatalf("SetAdminIfUnset failed: %v", err)
	}
	// Second call must not steal the admin slot.
	if err := m.SetAdminIfUnset(ctx, roomID, "bob"); err != nil {
		t.Fatalf("SetAdminIfUnset failed: %v", err)
	}

	room, err := m.GetRoom(ctx, roomID)
	if err != nil {
		t.Fatalf("GetRoom failed: %v", err)
	}
	if room.AdminMemberID != "alice" {
		t.Errorf("admin must stay the first joiner, got %q", room.AdminMemberID)
	}
}

func TestManager_UpsertMemberReplaces(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	roomID, _, _ := m.CreateRoom(ctx)

	if err := m.UpsertMember(ctx, roomID, "alice", testBundle("v1")); err != nil {
		t.Fatalf("UpsertMember failed: %v", err)
	}
	if err := m.UpsertMember(ctx, roomID, "alice", testBundle("v2")); err != nil {
		t.Fatalf("UpsertMember replace failed: %v", err)
	}

	bundle, err := m.GetMember(ctx, roomID, "alice")
	if err != nil {
		t.Fatalf("GetMember failed: %v", err)
	}
	if !bytes.Equal(bundle.Identity, []byte("id-v2")) {
		t.Errorf("bundle must reflect only the latest upsert, got %q", bundle.Identity)
	}

	if _, err := m.GetMember(ctx, roomID, "nobody"); !errors.Is(err, interfaces.ErrMemberNotFound) {
		t.Errorf("expected ErrMemberNotFound, got %v", err)
	}
}

func TestManager_ListMembers(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	roomID, _, _ := m.CreateRoom(ctx)
	otherRoom, _, _ := m.CreateRoom(ctx)

	_ = m.UpsertMember(ctx, roomID, "alice", testBundle("a"))
	_ = m.UpsertMember(ctx, roomID, "bob", testBundle("b"))
	_ = m.UpsertMember(ctx, otherRoom, "carol", testBundle("c"))

	members, err := m.ListMembers(ctx, roomID)
	if err != nil {
		t.Fatalf("ListMembers failed: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(members))
	}
	if _, ok := members["carol"]; ok {
		t.Error("members must not leak across rooms")
	}
}

func TestManager_TokenLifecycle(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	roomID, _, _ := m.CreateRoom(ctx)

	first, err := m.IssueToken(ctx, roomID, "alice")
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	memberID, err := m.LookupMemberByToken(ctx, roomID, first)
	if err != nil || memberID != "alice" {
		t.Fatalf("lookup by current token: got (%q, %v)", memberID, err)
	}

	// Re-join issues a fresh token; the old value stops authenticating.
	second, err := m.IssueToken(ctx, roomID, "alice")
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}
	if second == first {
		t.Fatal("re-issued token must differ from the previous one")
	}
	if _, err := m.LookupMemberByToken(ctx, roomID, first); !errors.Is(err, interfaces.ErrTokenNotFound) {
		t.Errorf("stale token must not authenticate, got %v", err)
	}
	if memberID, err := m.LookupMemberByToken(ctx, roomID, second); err != nil || memberID != "alice" {
		t.Errorf("fresh token lookup: got (%q, %v)", memberID, err)
	}

	// Tokens are scoped to the room they were issued for.
	otherRoom, _, _ := m.CreateRoom(ctx)
	if _, err := m.LookupMemberByToken(ctx, otherRoom, second); !errors.Is(err, interfaces.ErrTokenNotFound) {
		t.Errorf("token must not cross rooms, got %v", err)
	}
}

func TestManager_SweepExpired(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	staleRoom, _, _ := m.CreateRoom(ctx)
	_ = m.UpsertMember(ctx, staleRoom, "alice", testBundle("a"))
	_, _ = m.IssueToken(ctx, staleRoom, "alice")

	// Nothing is stale yet.
	removed, err := m.sweepExpired(time.Now())
	if err != nil {
		t.Fatalf("sweepExpired failed: %v", err)
	}
	if removed != 0 {
		t.Fatalf("no room should be reclaimed before the TTL, got %d", removed)
	}

	// A sweep running past the TTL reclaims the idle room.
	removed, err = m.sweepExpired(time.Now().Add(25 * time.Hour))
	if err != nil {
		t.Fatalf("sweepExpired failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 room reclaimed past the TTL, got %d", removed)
	}

	if _, err := m.GetRoom(ctx, staleRoom); !errors.Is(err, interfaces.ErrRoomNotFound) {
		t.Errorf("swept room should be gone, got %v", err)
	}
	// Members and tokens cascade with the room.
	if _, err := m.GetMember(ctx, staleRoom, "alice"); !errors.Is(err, interfaces.ErrMemberNotFound) {
		t.Errorf("member should cascade on sweep, got %v", err)
	}
}

func TestManager_TouchActivityExtendsDeadline(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	roomID, _, _ := m.CreateRoom(ctx)
	before, _ := m.GetRoom(ctx, roomID)

	time.Sleep(10 * time.Millisecond)
	if err := m.TouchActivity(ctx, roomID); err != nil {
		t.Fatalf("TouchActivity failed: %v", err)
	}

	after, _ := m.GetRoom(ctx, roomID)
	if !after.LastActivity.After(before.LastActivity) {
		t.Error("TouchActivity must advance last_activity")
	}
}

func TestManager_HealthCheck(t *testing.T) {
	m := newTestManager(t)
	if err := m.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck failed on a live store: %v", err)
	}
}
