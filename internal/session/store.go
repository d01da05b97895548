// Package session persists conversation sessions and their turns in SQLite.
// A session belongs to exactly one patient and expires after a fixed idle
// TTL; expired sessions are swept by a background cleaner.
package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/tehqua/medscreening/internal/workflow"
)

// ErrNotFound is returned when a session does not exist or has expired.
var ErrNotFound = errors.New("session not found")

// DefaultTTL is how long a session stays valid without activity.
const DefaultTTL = 30 * time.Minute

// Session is one authenticated conversation.
type Session struct {
	ID         string    `json:"id"`
	PatientID  string    `json:"patient_id"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Turn is one persisted exchange, as exposed by the history endpoint.
type Turn struct {
	SessionID     string                `json:"session_id"`
	PatientID     string                `json:"patient_id"`
	UserText      string                `json:"user_text"`
	AssistantText string                `json:"assistant_text"`
	Metadata      workflow.TurnMetadata `json:"metadata"`
	CreatedAt     time.Time             `json:"created_at"`
}

// Store is the SQLite-backed session store. It implements the workflow
// SessionStore contract.
type Store struct {
	db  *sql.DB
	ttl time.Duration
	log *zap.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id          TEXT PRIMARY KEY,
	patient_id  TEXT NOT NULL,
	created_at  TEXT NOT NULL,
	last_active TEXT NOT NULL,
	expires_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);

CREATE TABLE IF NOT EXISTS turns (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id     TEXT NOT NULL,
	patient_id     TEXT NOT NULL,
	user_text      TEXT NOT NULL,
	assistant_text TEXT NOT NULL,
	metadata       TEXT NOT NULL,
	created_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, id);
`

// Open initializes the session store at the given path. A ttl of zero means
// DefaultTTL.
func Open(path string, ttl time.Duration, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		log.Debug("set busy_timeout failed", zap.Error(err))
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		log.Debug("set journal_mode=WAL failed", zap.Error(err))
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &Store{db: db, ttl: ttl, log: log}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports database reachability for the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Create starts a new session for a patient.
func (s *Store) Create(ctx context.Context, patientID string) (Session, error) {
	now := time.Now().UTC()
	sess := Session{
		ID:         uuid.NewString(),
		PatientID:  patientID,
		CreatedAt:  now,
		LastActive: now,
		ExpiresAt:  now.Add(s.ttl),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, patient_id, created_at, last_active, expires_at)
		VALUES (?, ?, ?, ?, ?)`,
		sess.ID, sess.PatientID,
		sess.CreatedAt.Format(time.RFC3339Nano),
		sess.LastActive.Format(time.RFC3339Nano),
		sess.ExpiresAt.Format(time.RFC3339Nano))
	if err != nil {
		return Session{}, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

// Get returns a live session. Expired or missing sessions yield ErrNotFound.
func (s *Store) Get(ctx context.Context, sessionID string) (Session, error) {
	var sess Session
	var created, active, expires string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, patient_id, created_at, last_active, expires_at
		FROM sessions WHERE id = ?`, sessionID).
		Scan(&sess.ID, &sess.PatientID, &created, &active, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("load session: %w", err)
	}

	sess.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	sess.LastActive, _ = time.Parse(time.RFC3339Nano, active)
	sess.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expires)

	if time.Now().UTC().After(sess.ExpiresAt) {
		return Session{}, ErrNotFound
	}
	return sess, nil
}

// Touch extends a session's expiry after activity.
func (s *Store) Touch(ctx context.Context, sessionID string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET last_active = ?, expires_at = ? WHERE id = ?`,
		now.Format(time.RFC3339Nano), now.Add(s.ttl).Format(time.RFC3339Nano), sessionID)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Invalidate removes a session immediately. Its turns are kept.
func (s *Store) Invalidate(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// ClearHistory deletes all turns of a session. The session itself stays
// live. Returns the number of turns removed.
func (s *Store) ClearHistory(ctx context.Context, sessionID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM turns WHERE session_id = ?", sessionID)
	if err != nil {
		return 0, fmt.Errorf("clear history: %w", err)
	}
	return res.RowsAffected()
}

// CleanupExpired deletes all sessions past their expiry. Returns the number
// removed.
func (s *Store) CleanupExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM sessions WHERE expires_at < ?", time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("cleanup sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// count returns the number of live and expired sessions still stored.
// Test hook.
func (s *Store) count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions").Scan(&n); err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}

// AppendTurn persists one completed exchange.
func (s *Store) AppendTurn(ctx context.Context, sessionID, patientID string, userText, assistantText string, meta workflow.TurnMetadata) error {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO turns (session_id, patient_id, user_text, assistant_text, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, patientID, userText, assistantText, string(metaJSON),
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	return nil
}

// LoadHistory returns at most limit prior messages for a session, oldest
// first. Each persisted turn expands to a user and an assistant message.
func (s *Store) LoadHistory(ctx context.Context, sessionID string, limit int) ([]workflow.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	turnLimit := (limit + 1) / 2

	rows, err := s.db.QueryContext(ctx, `
		SELECT user_text, assistant_text FROM (
			SELECT id, user_text, assistant_text
			FROM turns WHERE session_id = ?
			ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`,
		sessionID, turnLimit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	var msgs []workflow.Message
	for rows.Next() {
		var user, assistant string
		if err := rows.Scan(&user, &assistant); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		msgs = append(msgs,
			workflow.Message{Role: workflow.RoleUser, Content: user},
			workflow.Message{Role: workflow.RoleAssistant, Content: assistant})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}

	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// History returns the most recent turns for a session, newest first, with
// their metadata. Used by the history endpoint.
func (s *Store) History(ctx context.Context, sessionID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, patient_id, user_text, assistant_text, metadata, created_at
		FROM turns WHERE session_id = ?
		ORDER BY id DESC LIMIT ?`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("load turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var metaJSON, created string
		if err := rows.Scan(&t.SessionID, &t.PatientID, &t.UserText, &t.AssistantText, &metaJSON, &created); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		if err := json.Unmarshal([]byte(metaJSON), &t.Metadata); err != nil {
			s.log.Warn("corrupt turn metadata", zap.String("session_id", t.SessionID), zap.Error(err))
		}
		t.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}
	return turns, nil
}
