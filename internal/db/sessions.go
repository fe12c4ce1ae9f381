package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/bedrock/internal/events"
)

// ErrUnknownSession is returned when a payload carries no session id.
var ErrUnknownSession = errors.New("session payload without id")

const sessionSchema = `
	CREATE TABLE IF NOT EXISTS sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT UNIQUE NOT NULL,
		peer_key TEXT NOT NULL DEFAULT '',
		remote TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL DEFAULT '',
		username TEXT NOT NULL DEFAULT '',
		xuid TEXT NOT NULL DEFAULT '',
		uuid TEXT NOT NULL DEFAULT '',
		version TEXT NOT NULL DEFAULT '',
		protocol INTEGER NOT NULL DEFAULT 0,
		reason TEXT NOT NULL DEFAULT '',
		opened_at INTEGER,
		login_at INTEGER,
		spawned_at INTEGER,
		closed_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_username ON sessions(username);
	CREATE INDEX IF NOT EXISTS idx_sessions_closed_at ON sessions(closed_at);
`

// SessionRecord is one row of session history.
type SessionRecord struct {
	ID        string    `json:"session"`
	Key       string    `json:"key"`
	Remote    string    `json:"remote"`
	Role      string    `json:"role"`
	Username  string    `json:"username"`
	XUID      string    `json:"xuid,omitempty"`
	UUID      string    `json:"uuid,omitempty"`
	Version   string    `json:"version"`
	Protocol  int       `json:"protocol"`
	Reason    string    `json:"reason,omitempty"`
	OpenedAt  time.Time `json:"opened_at"`
	LoginAt   time.Time `json:"login_at,omitempty"`
	SpawnedAt time.Time `json:"spawned_at,omitempty"`
	ClosedAt  time.Time `json:"closed_at,omitempty"`
}

// Open reports whether the session has not been closed yet.
func (r SessionRecord) Open() bool { return r.ClosedAt.IsZero() }

// Duration is how long the session lasted, or has lasted so far.
func (r SessionRecord) Duration() time.Duration {
	if r.OpenedAt.IsZero() {
		return 0
	}
	end := r.ClosedAt
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(r.OpenedAt)
}

// SessionStore records the lifecycle of every session a server accepted.
type SessionStore struct {
	db *Database
}

// NewSessionStore migrates the session schema on db.
func NewSessionStore(db *Database) (*SessionStore, error) {
	if err := db.Migrate("sessions", sessionSchema); err != nil {
		return nil, err
	}
	return &SessionStore{db: db}, nil
}

// Record merges one lifecycle event into the session's row. Bus events
// arrive asynchronously, so every column is filled from whichever event
// carries it and milestones are never overwritten once set.
func (s *SessionStore) Record(t events.EventType, p events.SessionPayload) error {
	if p.Session == "" {
		return ErrUnknownSession
	}

	var opened, login, spawned, closed interface{}
	switch t {
	case events.EventSessionOpened:
		opened = unixMilli(p.Time)
	case events.EventSessionLogin:
		login = unixMilli(p.Time)
	case events.EventSessionSpawned:
		spawned = unixMilli(p.Time)
	case events.EventSessionClosed:
		closed = unixMilli(p.Time)
	default:
		return fmt.Errorf("not a session event: %s", t)
	}

	_, err := s.db.Exec(`
		INSERT INTO sessions (session_id, peer_key, remote, role, username, xuid, uuid,
			version, protocol, reason, opened_at, login_at, spawned_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			username = CASE WHEN excluded.username != '' THEN excluded.username ELSE sessions.username END,
			xuid = CASE WHEN excluded.xuid != '' THEN excluded.xuid ELSE sessions.xuid END,
			uuid = CASE WHEN excluded.uuid != '' THEN excluded.uuid ELSE sessions.uuid END,
			version = CASE WHEN excluded.version != '' THEN excluded.version ELSE sessions.version END,
			protocol = CASE WHEN excluded.protocol != 0 THEN excluded.protocol ELSE sessions.protocol END,
			reason = CASE WHEN excluded.reason != '' THEN excluded.reason ELSE sessions.reason END,
			opened_at = COALESCE(sessions.opened_at, excluded.opened_at),
			login_at = COALESCE(sessions.login_at, excluded.login_at),
			spawned_at = COALESCE(sessions.spawned_at, excluded.spawned_at),
			closed_at = COALESCE(sessions.closed_at, excluded.closed_at)
	`, p.Session, p.Key, p.Remote, p.Role, p.Username, p.XUID, p.UUID,
		p.Version, p.Protocol, p.Reason, opened, login, spawned, closed)
	if err != nil {
		return fmt.Errorf("failed to record %s for %s: %w", t, p.Session, err)
	}
	return nil
}

// Subscribe records every session event published on bus.
func (s *SessionStore) Subscribe(bus *events.EventBus) {
	for _, t := range []events.EventType{
		events.EventSessionOpened,
		events.EventSessionLogin,
		events.EventSessionSpawned,
		events.EventSessionClosed,
	} {
		bus.Subscribe(t, "db.sessions", func(_ context.Context, e events.Event) error {
			p, ok := e.Payload.(events.SessionPayload)
			if !ok {
				return nil
			}
			return s.Record(e.Type, p)
		})
	}
}

const sessionColumns = `session_id, peer_key, remote, role, username, xuid, uuid,
	version, protocol, reason, opened_at, login_at, spawned_at, closed_at`

// Recent returns up to limit sessions, newest first. Non-positive limits
// default to 50.
func (s *SessionStore) Recent(limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.query(`SELECT `+sessionColumns+` FROM sessions ORDER BY id DESC LIMIT ?`, limit)
}

// ByUsername returns up to limit sessions of one player, newest first.
func (s *SessionStore) ByUsername(username string, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.query(`SELECT `+sessionColumns+` FROM sessions WHERE username = ? ORDER BY id DESC LIMIT ?`,
		username, limit)
}

// Get returns one session by id.
func (s *SessionStore) Get(id string) (SessionRecord, error) {
	recs, err := s.query(`SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, id)
	if err != nil {
		return SessionRecord{}, err
	}
	if len(recs) == 0 {
		return SessionRecord{}, sql.ErrNoRows
	}
	return recs[0], nil
}

// Count returns the number of recorded sessions.
func (s *SessionStore) Count() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM sessions").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return n, nil
}

// Prune deletes closed sessions older than olderThan and returns how many
// were removed. Open sessions are kept regardless of age.
func (s *SessionStore) Prune(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	res, err := s.db.Exec("DELETE FROM sessions WHERE closed_at IS NOT NULL AND closed_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		log.Info().Int64("removed", n).Dur("older_than", olderThan).Msg("session history pruned")
	}
	return n, nil
}

func (s *SessionStore) query(query string, args ...interface{}) ([]SessionRecord, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var r SessionRecord
		var opened, login, spawned, closed sql.NullInt64
		if err := rows.Scan(&r.ID, &r.Key, &r.Remote, &r.Role, &r.Username, &r.XUID, &r.UUID,
			&r.Version, &r.Protocol, &r.Reason, &opened, &login, &spawned, &closed); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		r.OpenedAt = fromMilli(opened)
		r.LoginAt = fromMilli(login)
		r.SpawnedAt = fromMilli(spawned)
		r.ClosedAt = fromMilli(closed)
		out = append(out, r)
	}
	return out, rows.Err()
}
