package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"mailflush/internal/eventlog/migrations"
	logx "mailflush/pkg/logx"

	_ "github.com/lib/pq"
)

// PostgresStore persists events in PostgreSQL.
type PostgresStore struct {
	db  *sql.DB
	log logx.Logger
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	st := NewPostgres(db, log)
	if err := st.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return st, nil
}

// NewPostgres wraps an already opened database handle.
func NewPostgres(db *sql.DB, log logx.Logger) *PostgresStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &PostgresStore{db: db, log: log}
}

// DB exposes the handle so the advisory run lock can share the pool.
func (s *PostgresStore) DB() *sql.DB { return s.db }

func (s *PostgresStore) Migrate(ctx context.Context) error {
	b, err := migrations.FS.ReadFile("postgres.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) Append(ctx context.Context, e Event) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	e, err := normalizeEvent(e)
	if err != nil {
		return err
	}
	recipient, payload, err := encodeEventJSON(e)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO event_logs (id, created_at, kind, type, receiver_id, receiver_info, payload, mail_sent, attempts, last_error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO NOTHING`,
		e.ID, e.CreatedAt, string(e.Kind), e.Type, e.Recipient.ID, recipient, payload,
		e.Sent, e.Attempts, nullStr(e.LastError),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrConflict
	}
	return nil
}

const pgEventColumns = `id, created_at, kind, type, receiver_info, payload, mail_sent, attempts, last_error`

func (s *PostgresStore) ListUnsent(ctx context.Context, limit int, from Cursor) ([]Event, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		return nil, nil
	}
	var (
		rows *sql.Rows
		err  error
	)
	if from.IsZero() {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+pgEventColumns+` FROM event_logs
			 WHERE NOT mail_sent
			 ORDER BY created_at DESC, id DESC
			 LIMIT $1`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+pgEventColumns+` FROM event_logs
			 WHERE NOT mail_sent AND (created_at, id) < ($1, $2)
			 ORDER BY created_at DESC, id DESC
			 LIMIT $3`, from.CreatedAt.UTC(), from.ID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list unsent events: %w", err)
	}
	defer rows.Close()

	out := make([]Event, 0, limit)
	for rows.Next() {
		e, err := scanPGEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Event, error) {
	if s == nil || s.db == nil {
		return Event{}, ErrDisabled
	}
	e, err := scanPGEvent(s.db.QueryRowContext(ctx,
		`SELECT `+pgEventColumns+` FROM event_logs WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, ErrNotFound
	}
	return e, err
}

func (s *PostgresStore) MarkSent(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `UPDATE event_logs SET mail_sent = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark event sent: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) RecordFailure(ctx context.Context, id string, reason string) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	var attempts int
	err := s.db.QueryRowContext(ctx,
		`UPDATE event_logs SET attempts = attempts + 1, last_error = $2
		 WHERE id = $1
		 RETURNING attempts`,
		id, nullStr(truncateReason(reason)),
	).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("record failure: %w", err)
	}
	return attempts, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPGEvent(r rowScanner) (Event, error) {
	var (
		e         Event
		kind      string
		recipient []byte
		payload   []byte
		lastErr   sql.NullString
	)
	if err := r.Scan(&e.ID, &e.CreatedAt, &kind, &e.Type, &recipient, &payload, &e.Sent, &e.Attempts, &lastErr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Event{}, err
		}
		return Event{}, fmt.Errorf("scan event: %w", err)
	}
	e.CreatedAt = e.CreatedAt.UTC()
	e.Kind = Kind(kind)
	e.LastError = lastErr.String
	if err := decodeEventJSON(&e, recipient, payload); err != nil {
		return Event{}, err
	}
	return e, nil
}
