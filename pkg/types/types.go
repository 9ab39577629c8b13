package types

import (
	"time"
)

// Frame type constants. Unknown types are ignored by the relay so new
// client-side types can ship without a server change.
const (
	FrameTypePrivate          = "private"
	FrameTypeGroup            = "group"
	FrameTypeJoinNotification = "join_notification"
)

// Room is a logical chat group gating membership via a join secret.
// AdminMemberID is empty until the first member joins and never changes
// afterwards.
type Room struct {
	ID            string    `json:"id"`
	JoinSecret    string    `json:"-"`
	AdminMemberID string    `json:"admin_member_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	LastActivity  time.Time `json:"last_activity"`
}

// KeyBundle is the public key material a member publishes so peers can
// establish an encrypted session with them. The binary fields are opaque to
// the relay. encoding/json carries []byte as base64 text, which is the wire
// encoding clients expect, so the same struct serves storage and transport.
type KeyBundle struct {
	RegistrationID  int    `json:"registration_id"`
	Identity        []byte `json:"identity"`
	SignedPrekey    []byte `json:"signed_prekey"`
	SignedPrekeySig []byte `json:"signed_prekey_sig"`
	OneTimePrekey   []byte `json:"one_time_prekey"`
}

// Validate checks that every binary field is present.
func (kb *KeyBundle) Validate() error {
	if kb == nil {
		return ErrMissingKeyBundle
	}
	if len(kb.Identity) == 0 || len(kb.SignedPrekey) == 0 ||
		len(kb.SignedPrekeySig) == 0 || len(kb.OneTimePrekey) == 0 {
		return ErrInvalidKeyBundle
	}
	return nil
}

// FrameEnvelope is the minimal shape the relay peeks at before forwarding a
// frame verbatim. Everything else in the frame is opaque payload.
type FrameEnvelope struct {
	Type string `json:"type"`
	To   string `json:"to,omitempty"`
}
