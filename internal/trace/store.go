package trace

import (
	"database/sql"
	"embed"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx" driver
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const maxSessions = 1000

// Writer is the write side of the trace store, consumed by Tracer.
type Writer interface {
	CreateSession(sess Session) error
	EndSession(id string, units, bytes int64, reason string) error
	CreateUnit(u Unit) error
}

// Store persists session and unit accounting to PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ Writer = (*Store)(nil)

// Open connects to a PostgreSQL trace database at connStr.
func Open(connStr string) (*Store, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("trace open: %w", err)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("trace ping: %w", err)
	}
	if err = migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("trace migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`)
	if err != nil {
		return err
	}

	var current int
	row := db.QueryRow(`SELECT COALESCE(MAX(version), -1) FROM schema_version`)
	if err = row.Scan(&current); err != nil {
		return err
	}

	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	for i := current + 1; i < len(entries); i++ {
		data, readErr := migrationFS.ReadFile("migrations/" + entries[i].Name())
		if readErr != nil {
			return fmt.Errorf("read migration %d: %w", i, readErr)
		}
		if _, execErr := db.Exec(string(data)); execErr != nil {
			return fmt.Errorf("migration %d: %w", i, execErr)
		}
		if _, execErr := db.Exec(`INSERT INTO schema_version (version) VALUES ($1)`, i); execErr != nil {
			return fmt.Errorf("migration %d record: %w", i, execErr)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSession inserts a new session and prunes the oldest beyond maxSessions.
func (s *Store) CreateSession(sess Session) error {
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, relay_id, remote_addr, started_at) VALUES ($1, $2, $3, $4)`,
		sess.ID, sess.RelayID, sess.RemoteAddr, sess.StartedAt.UTC(),
	)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`DELETE FROM sessions WHERE id NOT IN (SELECT id FROM sessions ORDER BY started_at DESC LIMIT $1)`,
		maxSessions,
	)
	return err
}

// EndSession stamps ended_at and the final counters.
func (s *Store) EndSession(id string, units, bytes int64, reason string) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET ended_at = $1, unit_count = $2, byte_count = $3, end_reason = $4 WHERE id = $5`,
		time.Now().UTC(), units, bytes, reason, id,
	)
	return err
}

// CreateUnit inserts one unit record.
func (s *Store) CreateUnit(u Unit) error {
	var capturedAt sql.NullTime
	if !u.CapturedAt.IsZero() {
		capturedAt = sql.NullTime{Time: u.CapturedAt.UTC(), Valid: true}
	}
	_, err := s.db.Exec(
		`INSERT INTO units (id, session_id, seq, size_bytes, mime, captured_at, received_at, echo_ms, status, error_msg)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		u.ID, u.SessionID, u.Seq, u.SizeBytes, u.MIME, capturedAt,
		u.ReceivedAt.UTC(), u.EchoMs, u.Status, u.Error,
	)
	return err
}

// ListSessions returns sessions ordered newest first.
func (s *Store) ListSessions(limit, offset int) ([]Session, int, error) {
	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.Query(`
		SELECT id, relay_id, remote_addr, started_at, ended_at, unit_count, byte_count, end_reason
		FROM sessions
		ORDER BY started_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		sess, scanErr := scanSession(rows)
		if scanErr != nil {
			return nil, 0, scanErr
		}
		sessions = append(sessions, sess)
	}
	return sessions, total, rows.Err()
}

// GetSession returns a single session with its units in arrival order.
func (s *Store) GetSession(id string) (*Session, []Unit, error) {
	sess, err := scanSession(s.db.QueryRow(`
		SELECT id, relay_id, remote_addr, started_at, ended_at, unit_count, byte_count, end_reason
		FROM sessions WHERE id = $1
	`, id))
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.db.Query(`
		SELECT id, session_id, seq, size_bytes, mime, captured_at, received_at, echo_ms, status, error_msg
		FROM units
		WHERE session_id = $1
		ORDER BY seq ASC
	`, id)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var units []Unit
	for rows.Next() {
		var u Unit
		var capturedAt sql.NullTime
		if err = rows.Scan(&u.ID, &u.SessionID, &u.Seq, &u.SizeBytes, &u.MIME, &capturedAt,
			&u.ReceivedAt, &u.EchoMs, &u.Status, &u.Error); err != nil {
			return nil, nil, err
		}
		if capturedAt.Valid {
			u.CapturedAt = capturedAt.Time
		}
		units = append(units, u)
	}
	return &sess, units, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (Session, error) {
	var sess Session
	var endedAt sql.NullTime
	if err := row.Scan(&sess.ID, &sess.RelayID, &sess.RemoteAddr, &sess.StartedAt, &endedAt,
		&sess.UnitCount, &sess.ByteCount, &sess.EndReason); err != nil {
		return Session{}, err
	}
	if endedAt.Valid {
		sess.EndedAt = &endedAt.Time
	}
	return sess, nil
}
