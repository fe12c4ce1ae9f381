package db

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Permission levels granted by operator roles.
const (
	PermMonitor   = "monitor"   // view sessions, history, system stats
	PermControl   = "control"   // kick players, broadcast
	PermConfigure = "configure" // manage operators
)

var (
	// ErrUnknownToken is returned when no operator holds a token.
	ErrUnknownToken = errors.New("unknown operator token")
	// ErrUnknownRole is returned for role names that were never seeded.
	ErrUnknownRole = errors.New("unknown role")
)

const operatorSchema = `
	CREATE TABLE IF NOT EXISTS roles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT UNIQUE NOT NULL,
		inherits TEXT DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS permissions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT UNIQUE NOT NULL
	);

	CREATE TABLE IF NOT EXISTS role_permissions (
		role_id INTEGER NOT NULL,
		permission_id INTEGER NOT NULL,
		PRIMARY KEY (role_id, permission_id),
		FOREIGN KEY (role_id) REFERENCES roles(id) ON DELETE CASCADE,
		FOREIGN KEY (permission_id) REFERENCES permissions(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS operators (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT UNIQUE NOT NULL,
		token_hash TEXT UNIQUE NOT NULL,
		role_id INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (role_id) REFERENCES roles(id)
	);

	CREATE TABLE IF NOT EXISTS audit (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		operator TEXT NOT NULL,
		action TEXT NOT NULL,
		target TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_created_at ON audit(created_at);
`

// Operator is someone allowed to use the admin API.
type Operator struct {
	ID          int       `json:"id"`
	Name        string    `json:"name"`
	Role        string    `json:"role"`
	Permissions []string  `json:"permissions"`
	CreatedAt   time.Time `json:"created_at"`
}

// Can reports whether the operator holds permission.
func (o Operator) Can(permission string) bool {
	for _, p := range o.Permissions {
		if p == permission {
			return true
		}
	}
	return false
}

// Role is a named set of permissions.
type Role struct {
	ID          int      `json:"id"`
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
	Inherits    string   `json:"inherits,omitempty"`
}

// AuditEntry is one recorded operator action.
type AuditEntry struct {
	ID        int       `json:"id"`
	Operator  string    `json:"operator"`
	Action    string    `json:"action"`
	Target    string    `json:"target,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// OperatorStore manages API operators, their roles and an audit trail of
// what they did. Tokens are only stored as hashes.
type OperatorStore struct {
	db *Database
}

// NewOperatorStore migrates the operator schema on db and seeds the
// default roles.
func NewOperatorStore(db *Database) (*OperatorStore, error) {
	if err := db.Migrate("operators", operatorSchema); err != nil {
		return nil, err
	}
	s := &OperatorStore{db: db}
	if err := s.seedDefaults(); err != nil {
		return nil, fmt.Errorf("failed to seed default roles: %w", err)
	}
	return s, nil
}

func (s *OperatorStore) seedDefaults() error {
	return s.db.Transaction(func(tx *sql.Tx) error {
		for _, perm := range []string{PermMonitor, PermControl, PermConfigure} {
			if _, err := tx.Exec("INSERT OR IGNORE INTO permissions (name) VALUES (?)", perm); err != nil {
				return err
			}
		}

		roles := []struct {
			name     string
			perms    []string
			inherits string
		}{
			{name: "viewer", perms: []string{PermMonitor}},
			{name: "admin", perms: []string{PermMonitor, PermControl}, inherits: "viewer"},
			{name: "superadmin", perms: []string{PermMonitor, PermControl, PermConfigure}, inherits: "admin"},
		}
		for _, role := range roles {
			if _, err := tx.Exec("INSERT OR IGNORE INTO roles (name, inherits) VALUES (?, ?)",
				role.name, role.inherits); err != nil {
				return err
			}
			for _, perm := range role.perms {
				if _, err := tx.Exec(`
					INSERT OR IGNORE INTO role_permissions (role_id, permission_id)
					SELECT r.id, p.id FROM roles r, permissions p WHERE r.name = ? AND p.name = ?
				`, role.name, perm); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// CreateOperator registers name with role and returns its bearer token.
// The token cannot be recovered later.
func (s *OperatorStore) CreateOperator(name, role string) (string, error) {
	token, err := newToken()
	if err != nil {
		return "", err
	}

	err = s.db.Transaction(func(tx *sql.Tx) error {
		var roleID int64
		if err := tx.QueryRow("SELECT id FROM roles WHERE name = ?", role).Scan(&roleID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: %s", ErrUnknownRole, role)
			}
			return err
		}
		if _, err := tx.Exec(
			"INSERT INTO operators (name, token_hash, role_id, created_at) VALUES (?, ?, ?, ?)",
			name, hashToken(token), roleID, time.Now().UnixMilli()); err != nil {
			return fmt.Errorf("failed to create operator %s: %w", name, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	log.Info().Str("operator", name).Str("role", role).Msg("operator created")
	return token, nil
}

// RotateToken issues a new token for name, invalidating the old one.
func (s *OperatorStore) RotateToken(name string) (string, error) {
	token, err := newToken()
	if err != nil {
		return "", err
	}
	res, err := s.db.Exec("UPDATE operators SET token_hash = ? WHERE name = ?", hashToken(token), name)
	if err != nil {
		return "", fmt.Errorf("failed to rotate token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", fmt.Errorf("operator %s: %w", name, sql.ErrNoRows)
	}
	return token, nil
}

// Authenticate resolves a bearer token to its operator.
func (s *OperatorStore) Authenticate(token string) (Operator, error) {
	if token == "" {
		return Operator{}, ErrUnknownToken
	}
	ops, err := s.operators("WHERE o.token_hash = ?", hashToken(token))
	if err != nil {
		return Operator{}, err
	}
	if len(ops) == 0 {
		return Operator{}, ErrUnknownToken
	}
	return ops[0], nil
}

// HasPermission reports whether the holder of token may use permission.
func (s *OperatorStore) HasPermission(token, permission string) (bool, error) {
	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM operators o
		JOIN role_permissions rp ON o.role_id = rp.role_id
		JOIN permissions p ON rp.permission_id = p.id
		WHERE o.token_hash = ? AND p.name = ?
	`, hashToken(token), permission).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("permission check failed: %w", err)
	}
	return count > 0, nil
}

// Operators lists every operator with its permissions.
func (s *OperatorStore) Operators() ([]Operator, error) {
	return s.operators("")
}

// DeleteOperator removes an operator and revokes its token.
func (s *OperatorStore) DeleteOperator(name string) error {
	_, err := s.db.Exec("DELETE FROM operators WHERE name = ?", name)
	return err
}

// AssignRole moves an operator to another role.
func (s *OperatorStore) AssignRole(name, role string) error {
	res, err := s.db.Exec(
		"UPDATE operators SET role_id = (SELECT id FROM roles WHERE name = ?) WHERE name = ? AND EXISTS (SELECT 1 FROM roles WHERE name = ?)",
		role, name, role)
	if err != nil {
		return fmt.Errorf("failed to assign role: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w or operator: %s/%s", ErrUnknownRole, role, name)
	}
	return nil
}

// Roles returns all roles with their permissions.
func (s *OperatorStore) Roles() ([]Role, error) {
	rows, err := s.db.Query(`
		SELECT r.id, r.name, r.inherits, COALESCE(GROUP_CONCAT(p.name), '')
		FROM roles r
		LEFT JOIN role_permissions rp ON r.id = rp.role_id
		LEFT JOIN permissions p ON rp.permission_id = p.id
		GROUP BY r.id ORDER BY r.id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		var r Role
		var perms string
		if err := rows.Scan(&r.ID, &r.Name, &r.Inherits, &perms); err != nil {
			return nil, err
		}
		r.Permissions = splitList(perms)
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

// RecordAction appends an operator action to the audit trail.
func (s *OperatorStore) RecordAction(operator, action, target, detail string) error {
	_, err := s.db.Exec(
		"INSERT INTO audit (operator, action, target, detail, created_at) VALUES (?, ?, ?, ?, ?)",
		operator, action, target, detail, time.Now().UnixMilli())
	return err
}

// RecentActions returns up to limit audit entries, newest first.
func (s *OperatorStore) RecentActions(limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		"SELECT id, operator, action, target, detail, created_at FROM audit ORDER BY id DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var a AuditEntry
		var created int64
		if err := rows.Scan(&a.ID, &a.Operator, &a.Action, &a.Target, &a.Detail, &created); err != nil {
			return nil, err
		}
		a.CreatedAt = time.UnixMilli(created)
		out = append(out, a)
	}
	return out, rows.Err()
}

// PruneActions removes audit entries older than days.
func (s *OperatorStore) PruneActions(days int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -days).UnixMilli()
	res, err := s.db.Exec("DELETE FROM audit WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *OperatorStore) operators(where string, args ...interface{}) ([]Operator, error) {
	rows, err := s.db.Query(`
		SELECT o.id, o.name, r.name, o.created_at, COALESCE(GROUP_CONCAT(p.name), '')
		FROM operators o
		JOIN roles r ON o.role_id = r.id
		LEFT JOIN role_permissions rp ON r.id = rp.role_id
		LEFT JOIN permissions p ON rp.permission_id = p.id
		`+where+`
		GROUP BY o.id ORDER BY o.id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query operators: %w", err)
	}
	defer rows.Close()

	var out []Operator
	for rows.Next() {
		var o Operator
		var created int64
		var perms string
		if err := rows.Scan(&o.ID, &o.Name, &o.Role, &created, &perms); err != nil {
			return nil, err
		}
		o.CreatedAt = time.UnixMilli(created)
		o.Permissions = splitList(perms)
		out = append(out, o)
	}
	return out, rows.Err()
}

func newToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
