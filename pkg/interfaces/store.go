package interfaces

import (
	"context"

	"keyrelay/pkg/types"
)

// DirectoryStore is the durable record of rooms, key bundles and member
// tokens. The relay core reads and writes it but owns none of its state;
// inactivity expiry is the store's job.
type DirectoryStore interface {
	// CreateRoom persists an empty room and returns its id and join secret.
	CreateRoom(ctx context.Context) (roomID, joinSecret string, err error)

	// GetRoom returns the room or ErrRoomNotFound.
	GetRoom(ctx context.Context, roomID string) (*types.Room, error)

	// UpsertMember stores the member's key bundle, replacing any prior one.
	UpsertMember(ctx context.Context, roomID, memberID string, bundle *types.KeyBundle) error

	// SetAdminIfUnset makes memberID the room admin only if no admin is set.
	SetAdminIfUnset(ctx context.Context, roomID, memberID string) error

	// IssueToken generates and stores a fresh member token, replacing any
	// prior token for that member.
	IssueToken(ctx context.Context, roomID, memberID string) (string, error)

	// LookupMemberByToken resolves a presented token to a member id or
	// returns ErrTokenNotFound.
	LookupMemberByToken(ctx context.Context, roomID, token string) (string, error)

	// GetMember returns the member's stored key bundle or ErrMemberNotFound.
	GetMember(ctx context.Context, roomID, memberID string) (*types.KeyBundle, error)

	// ListMembers returns every stored key bundle for the room.
	ListMembers(ctx context.Context, roomID string) (map[string]*types.KeyBundle, error)

	// TouchActivity refreshes the room's inactivity-expiry deadline.
	TouchActivity(ctx context.Context, roomID string) error

	HealthCheck(ctx context.Context) error
	Close() error
}
