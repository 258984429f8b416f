// Package store persists message records and their status history in
// SQLite. It owns the database handle; other components that need
// durability (the job scheduler) borrow the handle via DB().
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

func Open(cfg Config, log zerolog.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	s := &Store{db: db, log: log.With().Str("comp", "store").Logger()}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

// DB exposes the underlying handle for components that share the database
// file (the job scheduler keeps its queue next to the messages).
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Create(ctx context.Context, m *Message) error {
	if m.ID == "" {
		return errors.New("message id is required")
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	if m.Histories == nil {
		m.Histories = []HistoryEntry{}
	}
	hist, err := json.Marshal(m.Histories)
	if err != nil {
		return err
	}

	var schedule any
	if m.Schedule != nil {
		schedule = m.Schedule.Unix()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages(id, batch_code, job_id, transport_message_id, receiver, jid, payload, schedule, status, fail_reason, histories, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, nullStr(m.BatchCode), nullStr(m.JobID), nullStr(m.TransportMessageID),
		m.Receiver, nullStr(m.JID), nullStr(string(m.Payload)), schedule,
		nullStr(m.Status), nullStr(m.FailReason), string(hist),
		m.CreatedAt.Format(time.RFC3339Nano), m.UpdatedAt.Format(time.RFC3339Nano),
	)
	return err
}

// Find returns the single message matching the filter, or ErrNotFound.
func (s *Store) Find(ctx context.Context, f Filter) (*Message, error) {
	where, args := whereClause(f)
	if where == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, selectCols+` FROM messages WHERE `+where+` LIMIT 1`, args...)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

// Update applies u to the message matching f. It reports whether a row
// matched. This is a single-statement filtered update; the caller owns any
// read-modify-write semantics layered on top.
func (s *Store) Update(ctx context.Context, f Filter, u Update) (bool, error) {
	where, args := whereClause(f)
	if where == "" {
		return false, nil
	}

	sets := []string{"updated_at = ?"}
	vals := []any{time.Now().UTC().Format(time.RFC3339Nano)}
	if u.TransportMessageID != nil {
		sets = append(sets, "transport_message_id = ?")
		vals = append(vals, nullStr(*u.TransportMessageID))
	}
	if u.JID != nil {
		sets = append(sets, "jid = ?")
		vals = append(vals, nullStr(*u.JID))
	}
	if u.Status != nil {
		sets = append(sets, "status = ?")
		vals = append(vals, nullStr(*u.Status))
	}
	if u.FailReason != nil {
		sets = append(sets, "fail_reason = ?")
		vals = append(vals, nullStr(*u.FailReason))
	}
	if u.Histories != nil {
		hist, err := json.Marshal(u.Histories)
		if err != nil {
			return false, err
		}
		sets = append(sets, "histories = ?")
		vals = append(vals, string(hist))
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET `+strings.Join(sets, ", ")+` WHERE `+where,
		append(vals, args...)...,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Delete removes the message by id and reports whether a row was removed.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// List returns one page of messages, newest first, plus pagination metadata.
func (s *Store) List(ctx context.Context, q ListQuery) ([]Message, PageInfo, error) {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Size <= 0 {
		q.Size = 10
	}

	where := []string{"1=1"}
	args := []any{}
	if q.Search != "" {
		like := "%" + q.Search + "%"
		where = append(where, "(receiver LIKE ? OR jid LIKE ? OR status LIKE ?)")
		args = append(args, like, like, like)
	}
	if q.BatchCode != "" {
		where = append(where, "batch_code = ?")
		args = append(args, q.BatchCode)
	}
	if q.Status != "" {
		where = append(where, "status = ?")
		args = append(args, q.Status)
	}
	cond := strings.Join(where, " AND ")

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, PageInfo{}, err
	}

	rows, err := s.db.QueryContext(ctx,
		selectCols+` FROM messages WHERE `+cond+` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
		append(args, q.Size, (q.Page-1)*q.Size)...,
	)
	if err != nil {
		return nil, PageInfo{}, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, PageInfo{}, err
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, PageInfo{}, err
	}
	return out, PageInfo{Total: total, Page: q.Page, Size: q.Size}, nil
}

const selectCols = `SELECT id, batch_code, job_id, transport_message_id, receiver, jid, payload, schedule, status, fail_reason, histories, created_at, updated_at`

func whereClause(f Filter) (string, []any) {
	var conds []string
	var args []any
	if f.ID != "" {
		conds = append(conds, "id = ?")
		args = append(args, f.ID)
	}
	if f.JobID != "" {
		conds = append(conds, "job_id = ?")
		args = append(args, f.JobID)
	}
	if f.TransportMessageID != "" {
		conds = append(conds, "transport_message_id = ?")
		args = append(args, f.TransportMessageID)
	}
	return strings.Join(conds, " AND "), args
}

type rowScanner interface {
	Scan(dst ...any) error
}

func scanMessage(r rowScanner) (*Message, error) {
	var (
		m                                Message
		batch, jobID, tmid, jid, payload sql.NullString
		status, failReason               sql.NullString
		schedule                         sql.NullInt64
		histories, createdAt, updatedAt  string
	)
	if err := r.Scan(&m.ID, &batch, &jobID, &tmid, &m.Receiver, &jid, &payload, &schedule, &status, &failReason, &histories, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	m.BatchCode = batch.String
	m.JobID = jobID.String
	m.TransportMessageID = tmid.String
	m.JID = jid.String
	if payload.Valid {
		m.Payload = json.RawMessage(payload.String)
	}
	if schedule.Valid {
		t := time.Unix(schedule.Int64, 0).UTC()
		m.Schedule = &t
	}
	m.Status = status.String
	m.FailReason = failReason.String
	if err := json.Unmarshal([]byte(histories), &m.Histories); err != nil {
		return nil, fmt.Errorf("corrupt histories for message %s: %w", m.ID, err)
	}
	var err error
	if m.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, err
	}
	if m.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
