package callrecord

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx" driver
	"github.com/pressly/goose/v3"

	"github.com/hubenschmidt/callbridge/internal/transcript"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const maxCalls = 10000

// Store persists calls and their transcripts to PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL at connStr and applies pending migrations.
func Open(ctx context.Context, connStr string) (*Store, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("callrecord open: %w", err)
	}
	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("callrecord ping: %w", err)
	}
	if err = migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("callrecord migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(migrationFS, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return err
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return err
	}
	for _, r := range results {
		slog.Info("migration applied", "version", r.Source.Version, "duration", r.Duration)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// CreateCall inserts a new call and prunes the oldest beyond maxCalls.
func (s *Store) CreateCall(ctx context.Context, c Call) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO calls (session_id, call_id, dialect, from_number, to_number, mode, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.SessionID, c.CallID, c.Dialect, c.From, c.To, c.Mode, c.StartedAt.UTC(),
	)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM calls WHERE session_id NOT IN (SELECT session_id FROM calls ORDER BY started_at DESC LIMIT $1)`,
		maxCalls,
	)
	return err
}

// EndCall records how and when a call ended. An empty errMsg keeps any
// error already recorded.
func (s *Store) EndCall(ctx context.Context, sessionID, reason, errMsg string, endedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE calls SET ended_at = $1, end_reason = $2, error_msg = COALESCE(NULLIF($3, ''), error_msg) WHERE session_id = $4`,
		endedAt.UTC(), reason, errMsg, sessionID,
	)
	return err
}

// AddTurn appends a transcript turn.
func (s *Store) AddTurn(ctx context.Context, sessionID string, seq int, t transcript.Turn) error {
	var started sql.NullTime
	if !t.StartedAt.IsZero() {
		started = sql.NullTime{Time: t.StartedAt.UTC(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (session_id, seq, role, text, started_at, ended_at, interrupted)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (session_id, seq) DO NOTHING`,
		sessionID, seq, string(t.Role), t.Text, started, t.EndedAt.UTC(), t.Interrupted,
	)
	return err
}

// SetSummary stores the post-call summary.
func (s *Store) SetSummary(ctx context.Context, sessionID, summary string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE calls SET summary = $1 WHERE session_id = $2`, summary, sessionID)
	return err
}

// ListCalls returns calls ordered newest first, with turn counts.
func (s *Store) ListCalls(ctx context.Context, limit, offset int) ([]Call, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM calls`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.session_id, c.call_id, c.dialect, c.from_number, c.to_number, c.mode,
		       c.started_at, c.ended_at, c.end_reason, c.error_msg, c.summary, COUNT(t.seq)
		FROM calls c
		LEFT JOIN turns t ON t.session_id = c.session_id
		GROUP BY c.session_id
		ORDER BY c.started_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var calls []Call
	for rows.Next() {
		var c Call
		var endedAt sql.NullTime
		if err = rows.Scan(&c.SessionID, &c.CallID, &c.Dialect, &c.From, &c.To, &c.Mode,
			&c.StartedAt, &endedAt, &c.EndReason, &c.Error, &c.Summary, &c.TurnCount); err != nil {
			return nil, 0, err
		}
		if endedAt.Valid {
			c.EndedAt = &endedAt.Time
		}
		calls = append(calls, c)
	}
	return calls, total, rows.Err()
}

// GetCall returns a single call with its transcript.
func (s *Store) GetCall(ctx context.Context, sessionID string) (*Detail, error) {
	var d Detail
	var endedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, call_id, dialect, from_number, to_number, mode, started_at, ended_at, end_reason, error_msg, summary
		 FROM calls WHERE session_id = $1`, sessionID,
	).Scan(&d.SessionID, &d.CallID, &d.Dialect, &d.From, &d.To, &d.Mode, &d.StartedAt, &endedAt, &d.EndReason, &d.Error, &d.Summary)
	if err != nil {
		return nil, err
	}
	if endedAt.Valid {
		d.EndedAt = &endedAt.Time
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT role, text, started_at, ended_at, interrupted FROM turns WHERE session_id = $1 ORDER BY seq ASC`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var t transcript.Turn
		var role string
		var started sql.NullTime
		if err = rows.Scan(&role, &t.Text, &started, &t.EndedAt, &t.Interrupted); err != nil {
			return nil, err
		}
		t.Role = transcript.Role(role)
		if started.Valid {
			t.StartedAt = started.Time
		}
		d.Turns = append(d.Turns, t)
	}
	d.TurnCount = len(d.Turns)
	return &d, rows.Err()
}
