package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgmigrate "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Postgres stores sessions in chat_sessions and one row per message in
// chat_messages.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens dsn, verifies the connection and applies pending
// migrations.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: postgres connection failed: %w", err)
	}

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: load migrations: %w", err)
	}
	driver, err := pgmigrate.WithInstance(db, &pgmigrate.Config{})
	if err != nil {
		return fmt.Errorf("store: migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("store: migrate init: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	return nil
}

func (p *Postgres) CreateSession(ctx context.Context, s NewSession) (string, error) {
	if s.StartedAt.IsZero() {
		s.StartedAt = time.Now()
	}
	id := uuid.New().String()

	const query = `
		INSERT INTO chat_sessions (id, emotion, anon_id_1, anon_id_2, started_at)
		VALUES ($1, $2, $3, $4, $5)`

	if _, err := p.db.ExecContext(ctx, query, id, s.Emotion, s.AnonID1, s.AnonID2, s.StartedAt); err != nil {
		return "", fmt.Errorf("store: insert session: %w", err)
	}
	return id, nil
}

func (p *Postgres) AppendMessage(ctx context.Context, sessionID string, m Message) error {
	const query = `
		INSERT INTO chat_messages (session_id, from_anon_id, message, voice, doodle, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := p.db.ExecContext(ctx, query, sessionID, m.FromAnonID, m.Text, m.Voice, m.Doodle, m.Timestamp)
	if err != nil {
		var pqErr *pq.Error
		// 23503 foreign_key_violation, 22P02 invalid_text_representation (bad uuid)
		if errors.As(err, &pqErr) && (pqErr.Code == "23503" || pqErr.Code == "22P02") {
			return fmt.Errorf("store: append to %s: %w", sessionID, ErrNotFound)
		}
		return fmt.Errorf("store: insert message: %w", err)
	}
	return nil
}

// DeleteSession removes the session; its messages go with it through the
// ON DELETE CASCADE foreign key.
func (p *Postgres) DeleteSession(ctx context.Context, sessionID string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM chat_sessions WHERE id = $1`, sessionID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "22P02" {
			return fmt.Errorf("store: delete %s: %w", sessionID, ErrNotFound)
		}
		return fmt.Errorf("store: delete session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("store: delete %s: %w", sessionID, ErrNotFound)
	}
	return nil
}

func (p *Postgres) Recent(ctx context.Context, sessionID string, n int) (*Session, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return nil, ErrNotFound
	}

	var s Session
	err := p.db.QueryRowContext(ctx, `
		SELECT id, emotion, anon_id_1, anon_id_2, started_at
		FROM chat_sessions WHERE id = $1`, sessionID,
	).Scan(&s.ID, &s.Emotion, &s.AnonID1, &s.AnonID2, &s.StartedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: select session: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT from_anon_id, message, voice, doodle, sent_at FROM (
			SELECT id, from_anon_id, message, voice, doodle, sent_at
			FROM chat_messages
			WHERE session_id = $1
			ORDER BY id DESC
			LIMIT $2
		) recent
		ORDER BY id ASC`, sessionID, n)
	if err != nil {
		return nil, fmt.Errorf("store: select messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.FromAnonID, &m.Text, &m.Voice, &m.Doodle, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		s.Messages = append(s.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate messages: %w", err)
	}
	return &s, nil
}

func (p *Postgres) CountSessions(ctx context.Context) (int64, error) {
	var n int64
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_sessions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count sessions: %w", err)
	}
	return n, nil
}

func (p *Postgres) CountMessages(ctx context.Context) (int64, error) {
	var n int64
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count messages: %w", err)
	}
	return n, nil
}

func (p *Postgres) SessionsByEmotion(ctx context.Context) (map[string]int64, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT emotion, COUNT(*) FROM chat_sessions GROUP BY emotion`)
	if err != nil {
		return nil, fmt.Errorf("store: group sessions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var (
			emotion string
			n       int64
		)
		if err := rows.Scan(&emotion, &n); err != nil {
			return nil, fmt.Errorf("store: scan group: %w", err)
		}
		out[emotion] = n
	}
	return out, rows.Err()
}

func (p *Postgres) Close(context.Context) error {
	return p.db.Close()
}
