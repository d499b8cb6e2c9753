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
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"feedspy/internal/feed"
	logx "feedspy/pkg/logx"
)

//go:embed schema.sql
var schemaSQL string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount atomic.Uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = defaultSQLiteBusyTimeout
	}
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)",
		path, busy.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}
	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	log.Info("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) LoadSubscriptionState(ctx context.Context, identity string) (SubscriptionState, error) {
	st := SubscriptionState{Identity: identity}
	var (
		active           int
		username, secret sql.NullString
		friend           sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT endpoint, active, username, secret, friend_timeline_id, direct_message_id
		 FROM users WHERE identity = ?`, identity,
	).Scan(&st.Endpoint, &active, &username, &secret, &friend, &st.DMWatermark)
	if errors.Is(err, sql.ErrNoRows) {
		return st, ErrNotFound
	}
	if err != nil {
		return st, err
	}
	st.Active = active != 0
	if username.Valid && secret.Valid && username.String != "" {
		st.Credentials = &feed.Credentials{Username: username.String, Secret: secret.String}
	}
	if friend.Valid {
		v := friend.Int64
		st.FriendWatermark = &v
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT t.query, t.max_seen FROM user_tracks ut JOIN tracks t ON t.query = ut.query
		 WHERE ut.identity = ? ORDER BY t.query`, identity)
	if err != nil {
		return st, err
	}
	defer rows.Close()
	for rows.Next() {
		var tt TrackedTopic
		if err := rows.Scan(&tt.Query, &tt.Watermark); err != nil {
			return st, err
		}
		st.Tracks = append(st.Tracks, tt)
	}
	return st, rows.Err()
}

func (s *sqliteStore) UpdateWatermarkField(ctx context.Context, identity, field string, value int64) error {
	var q string
	switch field {
	case FieldTopicMaxSeen:
		q = `UPDATE tracks SET max_seen = ? WHERE query = ?`
	case FieldDirectMessageID:
		q = `UPDATE users SET direct_message_id = ? WHERE identity = ?`
	case FieldFriendTimelineID:
		q = `UPDATE users SET friend_timeline_id = ? WHERE identity = ?`
	default:
		return fmt.Errorf("%w: %s", ErrUnknownField, field)
	}
	return s.execOne(ctx, q, value, identity)
}

func (s *sqliteStore) EnsureUser(ctx context.Context, identity, endpoint string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(identity, endpoint) VALUES(?, ?)
		 ON CONFLICT(identity) DO UPDATE SET endpoint = excluded.endpoint`,
		identity, endpoint)
	return err
}

func (s *sqliteStore) SetActive(ctx context.Context, identity string, active bool) error {
	v := 0
	if active {
		v = 1
	}
	return s.execOne(ctx, `UPDATE users SET active = ? WHERE identity = ?`, v, identity)
}

func (s *sqliteStore) SetCredentials(ctx context.Context, identity string, c *feed.Credentials) error {
	var user, secret any
	if c != nil {
		user, secret = c.Username, c.Secret
	}
	return s.execOne(ctx, `UPDATE users SET username = ?, secret = ? WHERE identity = ?`, user, secret, identity)
}

func (s *sqliteStore) SetFriendWatermark(ctx context.Context, identity string, wm *int64) error {
	var v any
	if wm != nil {
		v = *wm
	}
	return s.execOne(ctx, `UPDATE users SET friend_timeline_id = ? WHERE identity = ?`, v, identity)
}

func (s *sqliteStore) Track(ctx context.Context, identity, query string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `INSERT INTO tracks(query) VALUES(?) ON CONFLICT(query) DO NOTHING`, query); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO user_tracks(identity, query) VALUES(?, ?) ON CONFLICT DO NOTHING`, identity, query); err != nil {
		return 0, err
	}
	var wm int64
	if err := tx.QueryRowContext(ctx, `SELECT max_seen FROM tracks WHERE query = ?`, query).Scan(&wm); err != nil {
		return 0, err
	}
	return wm, tx.Commit()
}

func (s *sqliteStore) Untrack(ctx context.Context, identity, query string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM user_tracks WHERE identity = ? AND query = ?`, identity, query)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) ActiveUsers(ctx context.Context) ([]UserRef, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT identity, endpoint FROM users WHERE active = 1 ORDER BY identity`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []UserRef
	for rows.Next() {
		var u UserRef
		if err := rows.Scan(&u.Identity, &u.Endpoint); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%dedupPruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		if perr := s.pruneExpired(pctx); perr != nil {
			s.log.Debug("dedup prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
	return err
}

// execOne runs an UPDATE and maps "no rows" to ErrNotFound.
func (s *sqliteStore) execOne(ctx context.Context, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
