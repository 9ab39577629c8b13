package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"keyrelay/pkg/interfaces"
	"keyrelay/pkg/types"
)

// Config holds directory store settings.
type Config struct {
	Path            string
	RoomTTL         time.Duration
	SweepInterval   time.Duration
	MaxConnections  int
	ConnMaxLifetime time.Duration
}

// Manager implements interfaces.DirectoryStore on sqlite. Writes are
// serialized through a single goroutine to avoid sqlite write contention;
// reads run concurrently. Rooms idle longer than RoomTTL are reclaimed by a
// background sweep, members and tokens cascade with them.
type Manager struct {
	db           *sql.DB
	cfg          *Config
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
	log          *logrus.Entry
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the database, applies the schema and starts the writer
// and sweep goroutines.
func NewManager(cfg *Config) (*Manager, error) {
	db, err := sql.Open("sqlite3", cfg.Path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := applySQLitePragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := applySchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	m := &Manager{
		db:           db,
		cfg:          cfg,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
		log:          logrus.WithField("component", "store"),
	}

	m.wg.Add(1)
	go m.writeLoop()

	if cfg.RoomTTL > 0 && cfg.SweepInterval > 0 {
		m.wg.Add(1)
		go m.sweepLoop()
	}

	return m, nil
}

func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			op.result <- op.operation(m.db)
		case <-m.shutdown:
			return
		}
	}
}

func (m *Manager) executeWrite(operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return fmt.Errorf("directory store is closed")
	}
	m.mu.RUnlock()

	result := make(chan error, 1)

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
		return <-result
	case <-time.After(30 * time.Second):
		return fmt.Errorf("write operation timeout")
	case <-m.shutdown:
		return fmt.Errorf("directory store is shutting down")
	}
}

// sweepLoop reclaims rooms with no activity for RoomTTL.
func (m *Manager) sweepLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n, err := m.sweepExpired(time.Now()); err != nil {
				m.log.WithError(err).Warn("expiry sweep failed")
			} else if n > 0 {
				m.log.WithField("rooms", n).Info("reclaimed expired rooms")
			}
		case <-m.shutdown:
			return
		}
	}
}

// sweepExpired deletes rooms whose last activity is older than RoomTTL and
// returns how many were removed.
func (m *Manager) sweepExpired(now time.Time) (int64, error) {
	var removed int64
	err := m.executeWrite(func(db *sql.DB) error {
		cutoff := now.Add(-m.cfg.RoomTTL)
		res, err := db.Exec(`DELETE FROM rooms WHERE last_activity < ?`, cutoff)
		if err != nil {
			return fmt.Errorf("failed to delete expired rooms: %w", err)
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	return removed, err
}

// CreateRoom persists an empty room and returns its id and join secret.
func (m *Manager) CreateRoom(ctx context.Context) (string, string, error) {
	roomID := uuid.New().String()
	joinSecret := uuid.New().String()
	now := time.Now().UTC()

	err := m.executeWrite(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO rooms (id, join_secret, admin_member_id, created_at, last_activity)
			 VALUES (?, ?, NULL, ?, ?)`,
			roomID, joinSecret, now, now,
		)
		if err != nil {
			return fmt.Errorf("failed to insert room: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", "", err
	}

	m.log.WithField("room_id", roomID).Info("created room")
	return roomID, joinSecret, nil
}

// GetRoom returns the room or interfaces.ErrRoomNotFound.
func (m *Manager) GetRoom(ctx context.Context, roomID string) (*types.Room, error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT id, join_secret, admin_member_id, created_at, last_activity
		 FROM rooms WHERE id = ?`, roomID)

	var room types.Room
	var admin sql.NullString
	err := row.Scan(&room.ID, &room.JoinSecret, &admin, &room.CreatedAt, &room.LastActivity)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, interfaces.ErrRoomNotFound
		}
		return nil, fmt.Errorf("failed to query room: %w", err)
	}
	if admin.Valid {
		room.AdminMemberID = admin.String
	}

	return &room, nil
}

// UpsertMember stores the member's key bundle, replacing any prior one.
func (m *Manager) UpsertMember(ctx context.Context, roomID, memberID string, bundle *types.KeyBundle) error {
	now := time.Now().UTC()
	return m.executeWrite(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO members (room_id, member_id, registration_id, identity_key,
			                      signed_prekey, signed_prekey_sig, one_time_prekey, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (room_id, member_id) DO UPDATE SET
			   registration_id = excluded.registration_id,
			   identity_key = excluded.identity_key,
			   signed_prekey = excluded.signed_prekey,
			   signed_prekey_sig = excluded.signed_prekey_sig,
			   one_time_prekey = excluded.one_time_prekey,
			   updated_at = excluded.updated_at`,
			roomID, memberID, bundle.RegistrationID, bundle.Identity,
			bundle.SignedPrekey, bundle.SignedPrekeySig, bundle.OneTimePrekey, now,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert member: %w", err)
		}
		return nil
	})
}

// SetAdminIfUnset makes memberID the room admin only when no admin is set.
// The WHERE clause keeps the first-joiner-wins invariant under concurrency.
func (m *Manager) SetAdminIfUnset(ctx context.Context, roomID, memberID string) error {
	return m.executeWrite(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`UPDATE rooms SET admin_member_id = ?
			 WHERE id = ? AND admin_member_id IS NULL`,
			memberID, roomID,
		)
		if err != nil {
			return fmt.Errorf("failed to set admin: %w", err)
		}
		return nil
	})
}

// IssueToken generates and stores a fresh member token. A prior token for
// the same member is overwritten and therefore stops authenticating.
func (m *Manager) IssueToken(ctx context.Context, roomID, memberID string) (string, error) {
	token := uuid.New().String()
	now := time.Now().UTC()

	err := m.executeWrite(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO member_tokens (room_id, member_id, token, issued_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT (room_id, member_id) DO UPDATE SET
			   token = excluded.token,
			   issued_at = excluded.issued_at`,
			roomID, memberID, token, now,
		)
		if err != nil {
			return fmt.Errorf("failed to issue token: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	return token, nil
}

// LookupMemberByToken resolves a presented token to a member id.
func (m *Manager) LookupMemberByToken(ctx context.Context, roomID, token string) (string, error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT member_id FROM member_tokens WHERE room_id = ? AND token = ?`,
		roomID, token)

	var memberID string
	if err := row.Scan(&memberID); err != nil {
		if err == sql.ErrNoRows {
			return "", interfaces.ErrTokenNotFound
		}
		return "", fmt.Errorf("failed to look up token: %w", err)
	}

	return memberID, nil
}

// GetMember returns the member's stored key bundle.
func (m *Manager) GetMember(ctx context.Context, roomID, memberID string) (*types.KeyBundle, error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT registration_id, identity_key, signed_prekey, signed_prekey_sig, one_time_prekey
		 FROM members WHERE room_id = ? AND member_id = ?`,
		roomID, memberID)

	var bundle types.KeyBundle
	err := row.Scan(&bundle.RegistrationID, &bundle.Identity, &bundle.SignedPrekey,
		&bundle.SignedPrekeySig, &bundle.OneTimePrekey)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, interfaces.ErrMemberNotFound
		}
		return nil, fmt.Errorf("failed to query member: %w", err)
	}

	return &bundle, nil
}

// ListMembers returns every stored key bundle for the room.
func (m *Manager) ListMembers(ctx context.Context, roomID string) (map[string]*types.KeyBundle, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT member_id, registration_id, identity_key, signed_prekey, signed_prekey_sig, one_time_prekey
		 FROM members WHERE room_id = ?`, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to query members: %w", err)
	}
	defer func() { _ = rows.Close() }()

	members := make(map[string]*types.KeyBundle)
	for rows.Next() {
		var memberID string
		var bundle types.KeyBundle
		err := rows.Scan(&memberID, &bundle.RegistrationID, &bundle.Identity,
			&bundle.SignedPrekey, &bundle.SignedPrekeySig, &bundle.OneTimePrekey)
		if err != nil {
			return nil, fmt.Errorf("failed to scan member row: %w", err)
		}
		members[memberID] = &bundle
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating member rows: %w", err)
	}

	return members, nil
}

// TouchActivity refreshes the room's inactivity-expiry deadline.
func (m *Manager) TouchActivity(ctx context.Context, roomID string) error {
	return m.executeWrite(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`UPDATE rooms SET last_activity = ? WHERE id = ?`,
			time.Now().UTC(), roomID,
		)
		if err != nil {
			return fmt.Errorf("failed to touch activity: %w", err)
		}
		return nil
	})
}

// HealthCheck validates database connectivity.
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var n int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM rooms").Scan(&n); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// Close shuts down the writer and sweep goroutines and the database.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
