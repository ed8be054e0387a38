package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"mailflush/internal/eventlog/migrations"
	logx "mailflush/pkg/logx"

	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := filepath.Clean(cfg.Path)
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrations.FS.ReadFile("sqlite.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Append(ctx context.Context, e Event) error {
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
		`INSERT INTO event_logs(id, created_at, kind, type, receiver_id, receiver_info, payload, mail_sent, attempts, last_error)
		 VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO NOTHING`,
		e.ID, e.CreatedAt.UnixMilli(), string(e.Kind), e.Type, e.Recipient.ID, recipient, payload,
		boolInt(e.Sent), e.Attempts, nullStr(e.LastError),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrConflict
	}
	return nil
}

func (s *sqliteStore) ListUnsent(ctx context.Context, limit int, from Cursor) ([]Event, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		return nil, nil
	}
	const cols = `id, created_at, kind, type, receiver_info, payload, mail_sent, attempts, last_error`
	var (
		rows *sql.Rows
		err  error
	)
	if from.IsZero() {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+cols+` FROM event_logs
			 WHERE mail_sent = 0
			 ORDER BY created_at DESC, id DESC
			 LIMIT ?`, limit)
	} else {
		ms := from.CreatedAt.UTC().UnixMilli()
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+cols+` FROM event_logs
			 WHERE mail_sent = 0 AND (created_at < ? OR (created_at = ? AND id < ?))
			 ORDER BY created_at DESC, id DESC
			 LIMIT ?`, ms, ms, from.ID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list unsent events: %w", err)
	}
	defer rows.Close()

	out := make([]Event, 0, limit)
	for rows.Next() {
		var (
			e         Event
			createdMS int64
			kind      string
			recipient string
			payload   string
			sent      int
			lastErr   sql.NullString
		)
		if err := rows.Scan(&e.ID, &createdMS, &kind, &e.Type, &recipient, &payload, &sent, &e.Attempts, &lastErr); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.CreatedAt = time.UnixMilli(createdMS).UTC()
		e.Kind = Kind(kind)
		e.Sent = sent != 0
		e.LastError = lastErr.String
		if err := decodeEventJSON(&e, []byte(recipient), []byte(payload)); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func (s *sqliteStore) Get(ctx context.Context, id string) (Event, error) {
	if s == nil || s.db == nil {
		return Event{}, ErrDisabled
	}
	var (
		e         Event
		createdMS int64
		kind      string
		recipient string
		payload   string
		sent      int
		lastErr   sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, created_at, kind, type, receiver_info, payload, mail_sent, attempts, last_error
		 FROM event_logs WHERE id = ?`, id,
	).Scan(&e.ID, &createdMS, &kind, &e.Type, &recipient, &payload, &sent, &e.Attempts, &lastErr)
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, ErrNotFound
	}
	if err != nil {
		return Event{}, fmt.Errorf("get event: %w", err)
	}
	e.CreatedAt = time.UnixMilli(createdMS).UTC()
	e.Kind = Kind(kind)
	e.Sent = sent != 0
	e.LastError = lastErr.String
	if err := decodeEventJSON(&e, []byte(recipient), []byte(payload)); err != nil {
		return Event{}, err
	}
	return e, nil
}

func (s *sqliteStore) MarkSent(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `UPDATE event_logs SET mail_sent = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark event sent: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) RecordFailure(ctx context.Context, id string, reason string) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin failure write: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`UPDATE event_logs SET attempts = attempts + 1, last_error = ? WHERE id = ?`,
		nullStr(truncateReason(reason)), id,
	); err != nil {
		return 0, fmt.Errorf("record failure: %w", err)
	}
	var attempts int
	err = tx.QueryRowContext(ctx, `SELECT attempts FROM event_logs WHERE id = ?`, id).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("read attempts: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit failure write: %w", err)
	}
	return attempts, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
