// Package memory persists sessions and conversation turns in SQLite.
// The store is the only writer to session state; the orchestrator calls
// it once per dispatch with both turns of the exchange so a session
// never ends up with a user turn and no assistant turn.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
	"github.com/rs/zerolog/log"

	"github.com/normanking/dispatch/pkg/types"
)

// Store manages persistent session memory in SQLite.
// No in-memory cache: SQLite is fast enough for a single-node service.
type Store struct {
	db       *sql.DB
	maxTurns int
}

// Config configures the session store.
type Config struct {
	// MaxTurns caps per-session history; the oldest turns are dropped
	// first once the cap is exceeded.
	MaxTurns int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{MaxTurns: 50}
}

// Open opens (creating if needed) the SQLite database at path.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY churn under concurrent dispatches.
	db.SetMaxOpenConns(1)
	return db, nil
}

// NewStore creates a session store and runs migrations.
func NewStore(db *sql.DB, cfg Config) (*Store, error) {
	if cfg.MaxTurns < 2 {
		cfg.MaxTurns = DefaultConfig().MaxTurns
	}

	store := &Store{
		db:       db,
		maxTurns: cfg.MaxTurns,
	}

	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	log.Info().Int("max_turns", cfg.MaxTurns).Msg("session store initialized")
	return store, nil
}

// migrate creates the required database tables.
func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			last_category TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			last_active_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS turns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			category TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
		)`,

		`CREATE INDEX IF NOT EXISTS idx_turns_session
		ON turns(session_id, id)`,

		`CREATE INDEX IF NOT EXISTS idx_sessions_last_active
		ON sessions(last_active_at)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// GetOrCreateSession loads a session with its bounded history, creating
// an empty session row if none exists.
func (s *Store) GetOrCreateSession(ctx context.Context, sessionID string) (*types.Session, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id cannot be empty")
	}

	// Reading a session counts as activity. Touching last_active_at on
	// the upsert keeps a session loaded near the TTL boundary from being
	// swept out from under an in-flight dispatch.
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, created_at, last_active_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET last_active_at = excluded.last_active_at`,
		sessionID, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	session := &types.Session{ID: sessionID}
	var lastCategory sql.NullString
	err = s.db.QueryRowContext(ctx,
		`SELECT last_category, created_at, last_active_at FROM sessions WHERE id = ?`,
		sessionID,
	).Scan(&lastCategory, &session.CreatedAt, &session.LastActiveAt)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if lastCategory.Valid {
		session.LastCategory = types.Category(lastCategory.String)
	}

	history, err := s.loadHistory(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	session.History = history

	return session, nil
}

// loadHistory returns the most recent maxTurns turns, oldest first.
func (s *Store) loadHistory(ctx context.Context, sessionID string) ([]types.Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, category, created_at
		 FROM (
			SELECT id, role, content, category, created_at
			FROM turns WHERE session_id = ?
			ORDER BY id DESC LIMIT ?
		 ) ORDER BY id ASC`,
		sessionID, s.maxTurns,
	)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	var history []types.Turn
	for rows.Next() {
		var turn types.Turn
		var category sql.NullString
		if err := rows.Scan(&turn.Role, &turn.Text, &category, &turn.Timestamp); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		if category.Valid {
			turn.Category = types.Category(category.String)
		}
		history = append(history, turn)
	}
	return history, rows.Err()
}

// AppendTurns atomically appends the turns of one exchange, updates the
// session's last category and activity time, and trims history beyond
// the cap. Either every turn lands or none does.
func (s *Store) AppendTurns(ctx context.Context, sessionID string, turns []types.Turn, lastCategory types.Category) error {
	if len(turns) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (id, created_at, last_active_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET last_active_at = excluded.last_active_at`,
		sessionID, now, now,
	)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}

	if lastCategory != "" {
		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET last_category = ? WHERE id = ?`,
			lastCategory.String(), sessionID,
		); err != nil {
			return fmt.Errorf("update category: %w", err)
		}
	}

	for _, turn := range turns {
		ts := turn.Timestamp
		if ts.IsZero() {
			ts = now
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO turns (session_id, role, content, category, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			sessionID, string(turn.Role), turn.Text, turn.Category.String(), ts,
		); err != nil {
			return fmt.Errorf("insert turn: %w", err)
		}
	}

	// Oldest turns beyond the cap are dropped in the same transaction.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM turns WHERE session_id = ? AND id NOT IN (
			SELECT id FROM turns WHERE session_id = ? ORDER BY id DESC LIMIT ?
		)`,
		sessionID, sessionID, s.maxTurns,
	); err != nil {
		return fmt.Errorf("trim history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	log.Debug().
		Str("session_id", sessionID).
		Int("turns", len(turns)).
		Msg("turns appended")

	return nil
}

// EvictIdle deletes sessions whose last activity is older than ttl,
// along with their turns. Returns the number of sessions evicted.
func (s *Store) EvictIdle(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-ttl)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Foreign keys are enabled on open, but the explicit delete keeps
	// turns from surviving on databases opened without the pragma.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM turns WHERE session_id IN (
			SELECT id FROM sessions WHERE last_active_at < ?
		)`, cutoff,
	); err != nil {
		return 0, fmt.Errorf("evict turns: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM sessions WHERE last_active_at < ?`, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("evict sessions: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}

	evicted, _ := res.RowsAffected()
	if evicted > 0 {
		log.Info().Int64("sessions", evicted).Msg("idle sessions evicted")
	}
	return int(evicted), nil
}

// StartEviction runs the idle-session sweep every interval until ctx is
// cancelled. onEvicted, when non-nil, is called after each sweep that
// removed at least one session, with the removed count.
func (s *Store) StartEviction(ctx context.Context, interval, ttl time.Duration, onEvicted func(count int)) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				evicted, err := s.EvictIdle(ctx, ttl)
				if err != nil {
					log.Warn().Err(err).Msg("session eviction sweep failed")
					continue
				}
				if evicted > 0 && onEvicted != nil {
					onEvicted(evicted)
				}
			}
		}
	}()
}

// SessionCount returns the number of live sessions.
func (s *Store) SessionCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&count)
	return count, err
}

// TurnCount returns the total number of stored turns.
func (s *Store) TurnCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM turns`).Scan(&count)
	return count, err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
