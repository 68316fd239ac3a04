package store

import (
	"context"
	"fmt"
	"time"

	"github.com/andresmejia3/moodscan/internal/types"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store manages the PostgreSQL connection pool for sessions and emotion logs.
// Every operation acquires a pooled connection and releases it before returning.
type Store struct {
	pool *pgxpool.Pool
}

// New opens a connection pool and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

// initSchema creates both tables if they don't exist (Auto-Migration).
// emotions.session_id is deliberately not a foreign key: logs may reference
// sessions created by another instance.
func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			client_ip TEXT,
			location_country TEXT,
			location_region TEXT,
			started_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS emotions (
			id BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL,
			dominant_emotion TEXT NOT NULL,
			emotion_distribution JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS emotions_session_id_idx ON emotions (session_id);
		CREATE INDEX IF NOT EXISTS emotions_created_at_idx ON emotions (created_at);
	`
	_, err := pool.Exec(ctx, query)
	return err
}

// Close releases every pooled connection.
func (s *Store) Close() {
	s.pool.Close()
}

// CreateSession inserts a new session with a fresh UUID and placeholder location.
func (s *Store) CreateSession(ctx context.Context, clientIP string) (types.Session, error) {
	sess := types.Session{
		ID:              uuid.NewString(),
		ClientIP:        clientIP,
		LocationCountry: types.UnknownLocation,
		LocationRegion:  types.UnknownLocation,
	}

	err := s.pool.QueryRow(ctx, `
		INSERT INTO sessions (session_id, client_ip, location_country, location_region, started_at)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING started_at
	`, sess.ID, sess.ClientIP, sess.LocationCountry, sess.LocationRegion).Scan(&sess.StartedAt)
	if err != nil {
		return types.Session{}, storageErr("create session", err)
	}
	sess.StartedAt = sess.StartedAt.UTC()
	return sess, nil
}

// AppendEmotion records one analyzed frame. The id and created_at are assigned
// by the database. A nil distribution is stored as an empty object.
func (s *Store) AppendEmotion(ctx context.Context, sessionID, dominant string, dist map[string]float64) (types.EmotionLogEntry, error) {
	if dist == nil {
		dist = map[string]float64{}
	}
	entry := types.EmotionLogEntry{
		SessionID:    sessionID,
		Dominant:     dominant,
		Distribution: dist,
	}

	err := s.pool.QueryRow(ctx, `
		INSERT INTO emotions (session_id, dominant_emotion, emotion_distribution, created_at)
		VALUES ($1, $2, $3, NOW())
		RETURNING id, created_at
	`, sessionID, dominant, dist).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return types.EmotionLogEntry{}, storageErr("append emotion", err)
	}
	entry.CreatedAt = entry.CreatedAt.UTC()
	return entry, nil
}

// DeleteEmotionsOlderThan removes, in one transaction, every entry created
// strictly before cutoff. Entries at or after cutoff are kept.
func (s *Store) DeleteEmotionsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, "DELETE FROM emotions WHERE created_at < $1", cutoff.UTC())
		if err != nil {
			return err
		}
		deleted = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, storageErr("delete emotions", err)
	}
	return deleted, nil
}

// ListSessions returns the most recent sessions with the number of frames logged for each.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]types.SessionSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT s.session_id, COALESCE(s.client_ip, ''), COALESCE(s.location_country, ''),
		       COALESCE(s.location_region, ''), s.started_at, COUNT(e.id)
		FROM sessions s
		LEFT JOIN emotions e ON e.session_id = s.session_id
		GROUP BY s.session_id
		ORDER BY s.started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, storageErr("list sessions", err)
	}
	defer rows.Close()

	var out []types.SessionSummary
	for rows.Next() {
		var sum types.SessionSummary
		if err := rows.Scan(&sum.ID, &sum.ClientIP, &sum.LocationCountry, &sum.LocationRegion, &sum.StartedAt, &sum.Frames); err != nil {
			return nil, storageErr("list sessions", err)
		}
		sum.StartedAt = sum.StartedAt.UTC()
		out = append(out, sum)
	}
	return out, storageErr("list sessions", rows.Err())
}

// SessionEmotions returns every entry logged for a session in insertion order.
func (s *Store) SessionEmotions(ctx context.Context, sessionID string) ([]types.EmotionLogEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, dominant_emotion, emotion_distribution, created_at
		FROM emotions
		WHERE session_id = $1
		ORDER BY id ASC
	`, sessionID)
	if err != nil {
		return nil, storageErr("session emotions", err)
	}
	defer rows.Close()

	var out []types.EmotionLogEntry
	for rows.Next() {
		var e types.EmotionLogEntry
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Dominant, &e.Distribution, &e.CreatedAt); err != nil {
			return nil, storageErr("session emotions", err)
		}
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, e)
	}
	return out, storageErr("session emotions", rows.Err())
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		DROP TABLE IF EXISTS emotions CASCADE;
		DROP TABLE IF EXISTS sessions CASCADE;
	`)
	return storageErr("reset", err)
}
