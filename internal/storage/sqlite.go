package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"catabot/internal/apperr"
	"catabot/pkg/logx"
)

//go:embed migrations.sql
var migrations string

// timeLayout is fixed width so stored stamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store is the SQLite backed plugin store. A nil *Store means storage is
// disabled and every method returns ErrDisabled.
type Store struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (*Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, apperr.Configf("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			log.Warn("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}

	st := &Store{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Info("storage opened", logx.String("driver", "sqlite"), logx.String("path", path))
	return st, nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, migrations)
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ok() error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	return nil
}

// AddRule inserts r and returns its id. Zero CreatedAt means now.
func (s *Store) AddRule(ctx context.Context, r Rule) (int64, error) {
	if err := s.ok(); err != nil {
		return 0, err
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	if r.Score == 0 {
		r.Score = 1
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO rules(text, channel, author, score, created_at) VALUES(?,?,?,?,?)`,
		r.Text, r.Channel, r.Author, r.Score, r.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Rule returns the rule with id, or ErrNotFound.
func (s *Store) Rule(ctx context.Context, id int64) (Rule, error) {
	if err := s.ok(); err != nil {
		return Rule{}, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, text, channel, author, score, created_at FROM rules WHERE id = ?`, id)
	return scanRule(row)
}

// RandomRule picks any rule. channel narrows the pick when not empty.
func (s *Store) RandomRule(ctx context.Context, channel string) (Rule, error) {
	if err := s.ok(); err != nil {
		return Rule{}, err
	}
	q := `SELECT id, text, channel, author, score, created_at FROM rules`
	var args []any
	if channel != "" {
		q += ` WHERE channel = ?`
		args = append(args, channel)
	}
	q += ` ORDER BY random() LIMIT 1`
	return scanRule(s.db.QueryRowContext(ctx, q, args...))
}

// Rules lists rules newest first. channel filters when not empty; limit <= 0
// means no limit.
func (s *Store) Rules(ctx context.Context, channel string, limit int) ([]Rule, error) {
	if err := s.ok(); err != nil {
		return nil, err
	}
	q := `SELECT id, text, channel, author, score, created_at FROM rules`
	var args []any
	if channel != "" {
		q += ` WHERE channel = ?`
		args = append(args, channel)
	}
	q += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountRules counts the rules of channel, or all rules when channel is empty.
func (s *Store) CountRules(ctx context.Context, channel string) (int, error) {
	if err := s.ok(); err != nil {
		return 0, err
	}
	q := `SELECT count(*) FROM rules`
	var args []any
	if channel != "" {
		q += ` WHERE channel = ?`
		args = append(args, channel)
	}
	var n int
	err := s.db.QueryRowContext(ctx, q, args...).Scan(&n)
	return n, err
}

// VoteRule adds delta to the score. A rule whose new score is at or below
// minScore is deleted; removed reports that.
func (s *Store) VoteRule(ctx context.Context, id int64, delta, minScore int) (score int, removed bool, err error) {
	if err := s.ok(); err != nil {
		return 0, false, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := tx.QueryRowContext(ctx, `SELECT score FROM rules WHERE id = ?`, id).Scan(&score); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, ErrNotFound
		}
		return 0, false, err
	}
	score += delta
	if score <= minScore {
		_, err = tx.ExecContext(ctx, `DELETE FROM rules WHERE id = ?`, id)
		removed = true
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE rules SET score = ? WHERE id = ?`, score, id)
	}
	if err != nil {
		return 0, false, err
	}
	return score, removed, tx.Commit()
}

func (s *Store) DeleteRule(ctx context.Context, id int64) error {
	if err := s.ok(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM rules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReplaceSeen stores entries as the whole seen table.
func (s *Store) ReplaceSeen(ctx context.Context, entries []Seen) error {
	if err := s.ok(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM seen`); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO seen(nick, action, channel, at) VALUES(?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.Nick, e.Action, e.Channel, e.At.UTC().Format(timeLayout)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) LoadSeen(ctx context.Context) ([]Seen, error) {
	if err := s.ok(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT nick, action, channel, at FROM seen ORDER BY nick`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Seen
	for rows.Next() {
		var (
			e  Seen
			at string
		)
		if err := rows.Scan(&e.Nick, &e.Action, &e.Channel, &at); err != nil {
			return nil, err
		}
		if e.At, err = time.Parse(timeLayout, at); err != nil {
			s.log.Warn("seen: bad timestamp", logx.String("nick", e.Nick), logx.Err(err))
			continue
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRule(sc scanner) (Rule, error) {
	var (
		r  Rule
		at string
	)
	if err := sc.Scan(&r.ID, &r.Text, &r.Channel, &r.Author, &r.Score, &at); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Rule{}, ErrNotFound
		}
		return Rule{}, err
	}
	t, err := time.Parse(timeLayout, at)
	if err != nil {
		return Rule{}, fmt.Errorf("rule %d: created_at: %w", r.ID, err)
	}
	r.CreatedAt = t
	return r, nil
}
