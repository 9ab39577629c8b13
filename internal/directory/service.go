package directory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"keyrelay/pkg/interfaces"
	"keyrelay/pkg/types"
)

// Notifier delivers a payload to every connected member of a room. The
// relay dispatcher satisfies it; a nil notifier disables join notifications.
type Notifier interface {
	Broadcast(roomID string, payload []byte)
}

// Service implements the membership and key-exchange protocol over the
// directory store: room creation, member joins with token issuance, and
// prekey bundle lookup.
type Service struct {
	store    interfaces.DirectoryStore
	notifier Notifier
	log      *logrus.Entry
}

// JoinResult is what a successful join returns to the new member: their
// connection credential, the room admin, and every other member's bundle.
type JoinResult struct {
	MemberToken   string
	AdminMemberID string
	Others        map[string]*types.KeyBundle
}

// NewService creates the protocol service.
func NewService(store interfaces.DirectoryStore) *Service {
	return &Service{
		store: store,
		log:   logrus.WithField("component", "directory"),
	}
}

// SetNotifier wires the join-notification sink. Separate from the
// constructor because the dispatcher is built after the service.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

// CreateRoom generates a fresh room with its join secret.
func (s *Service) CreateRoom(ctx context.Context) (roomID, joinSecret string, err error) {
	return s.store.CreateRoom(ctx)
}

// Join admits a member into a room. It validates the join secret, stores
// the presented key bundle (replacing any prior one for the same member),
// assigns the admin slot to the first joiner, and issues a fresh member
// token. Already-connected members get a best-effort join notification;
// notification failures never fail the join.
func (s *Service) Join(ctx context.Context, roomID, joinSecret, memberID string, bundle *types.KeyBundle) (*JoinResult, error) {
	if err := s.store.TouchActivity(ctx, roomID); err != nil {
		s.log.WithError(err).WithField("room_id", roomID).Debug("activity touch failed")
	}

	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if joinSecret != room.JoinSecret {
		return nil, ErrInvalidJoinSecret
	}
	if memberID == "" {
		return nil, ErrMissingMemberID
	}
	if !types.IsValidMemberID(memberID) {
		return nil, types.ErrInvalidMemberID
	}
	if err := bundle.Validate(); err != nil {
		return nil, err
	}

	if err := s.store.UpsertMember(ctx, roomID, memberID, bundle); err != nil {
		return nil, fmt.Errorf("failed to store key bundle: %w", err)
	}
	if err := s.store.SetAdminIfUnset(ctx, roomID, memberID); err != nil {
		return nil, fmt.Errorf("failed to assign admin: %w", err)
	}

	token, err := s.store.IssueToken(ctx, roomID, memberID)
	if err != nil {
		return nil, fmt.Errorf("failed to issue member token: %w", err)
	}

	// Re-read so the result reflects the admin assignment above.
	room, err = s.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}

	members, err := s.store.ListMembers(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	delete(members, memberID)

	s.notifyJoin(roomID, memberID)

	s.log.WithFields(logrus.Fields{
		"room_id":   roomID,
		"member_id": memberID,
		"others":    len(members),
	}).Info("member joined")

	return &JoinResult{
		MemberToken:   token,
		AdminMemberID: room.AdminMemberID,
		Others:        members,
	}, nil
}

// GetKeyBundle returns the stored bundle for a room member.
func (s *Service) GetKeyBundle(ctx context.Context, roomID, memberID string) (*types.KeyBundle, error) {
	if err := s.store.TouchActivity(ctx, roomID); err != nil {
		s.log.WithError(err).WithField("room_id", roomID).Debug("activity touch failed")
	}

	if _, err := s.store.GetRoom(ctx, roomID); err != nil {
		return nil, err
	}
	return s.store.GetMember(ctx, roomID, memberID)
}

// notifyJoin broadcasts a join notification to the room's currently
// connected members. Best effort only.
func (s *Service) notifyJoin(roomID, memberID string) {
	if s.notifier == nil {
		return
	}

	payload, err := json.Marshal(map[string]string{
		"type":      types.FrameTypeJoinNotification,
		"member_id": memberID,
	})
	if err != nil {
		s.log.WithError(err).Warn("failed to encode join notification")
		return
	}
	s.notifier.Broadcast(roomID, payload)
}
