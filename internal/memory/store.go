package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fizteh95/tg-gpt-proxy/internal/domain"
)

// SQLiteStore implements domain.Store on SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ domain.Store = (*SQLiteStore)(nil)

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// single connection for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- contexts ---

func (s *SQLiteStore) GetContext(ctx context.Context, id domain.Identity) (domain.Context, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, "SELECT messages FROM contexts WHERE identity = ?", id.Key()).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Context{}, nil
	}
	if err != nil {
		return domain.Context{}, fmt.Errorf("query context: %w", err)
	}
	var c domain.Context
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return domain.Context{}, fmt.Errorf("decode context %s: %w", id, err)
	}
	return c, nil
}

func (s *SQLiteStore) SaveContext(ctx context.Context, id domain.Identity, c domain.Context) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode context: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO contexts (identity, messages, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(identity) DO UPDATE SET messages = excluded.messages, updated_at = CURRENT_TIMESTAMP`,
		id.Key(), string(raw))
	if err != nil {
		return fmt.Errorf("save context: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ClearContext(ctx context.Context, id domain.Identity) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM contexts WHERE identity = ?", id.Key()); err != nil {
		return fmt.Errorf("clear context: %w", err)
	}
	return nil
}

// --- accounts ---

func (s *SQLiteStore) GetAccount(ctx context.Context, id domain.Identity) (domain.Account, error) {
	var a domain.Account
	err := s.db.QueryRowContext(ctx, "SELECT daily, premium FROM accounts WHERE identity = ?", id.Key()).
		Scan(&a.Daily, &a.Premium)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Account{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Account{}, fmt.Errorf("query account: %w", err)
	}
	return a, nil
}

func (s *SQLiteStore) SetAccount(ctx context.Context, id domain.Identity, a domain.Account) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (identity, daily, premium, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(identity) DO UPDATE SET daily = excluded.daily, premium = excluded.premium,
			updated_at = CURRENT_TIMESTAMP`,
		id.Key(), a.Daily, a.Premium)
	if err != nil {
		return fmt.Errorf("save account: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ResetDailyForAll(ctx context.Context, level int) error {
	res, err := s.db.ExecContext(ctx, "UPDATE accounts SET daily = ?, updated_at = CURRENT_TIMESTAMP", level)
	if err != nil {
		return fmt.Errorf("reset daily: %w", err)
	}
	n, _ := res.RowsAffected()
	s.logger.Info("daily quota reset", "accounts", n, "level", level)
	return nil
}

// --- preferences ---

func (s *SQLiteStore) GetProxyName(ctx context.Context, id domain.Identity) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx, "SELECT proxy FROM preferences WHERE identity = ?", id.Key()).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query preference: %w", err)
	}
	return name, nil
}

func (s *SQLiteStore) SetProxyName(ctx context.Context, id domain.Identity, name string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO preferences (identity, proxy) VALUES (?, ?)
		ON CONFLICT(identity) DO UPDATE SET proxy = excluded.proxy`,
		id.Key(), name)
	if err != nil {
		return fmt.Errorf("save preference: %w", err)
	}
	return nil
}

// --- outbound bookkeeping ---

func (s *SQLiteStore) SaveSentMessage(ctx context.Context, rec domain.OutboundRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO outbound_messages
			(identity, text, tag, delivered_id, pending_edit, pending_delete, pushed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Identity.Key(), rec.Text, rec.Tag, rec.DeliveredID,
		rec.PendingEdit, rec.PendingDelete, rec.Pushed, rec.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save sent message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) MarkPushed(ctx context.Context, id domain.Identity, tag string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE outbound_messages SET pushed = 1 WHERE identity = ? AND tag = ?", id.Key(), tag)
	if err != nil {
		return fmt.Errorf("mark pushed: %w", err)
	}
	return nil
}

const outboundColumns = "text, tag, delivered_id, pending_edit, pending_delete, pushed, created_at"

func (s *SQLiteStore) FindPendingEdit(ctx context.Context, id domain.Identity) (domain.OutboundRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+outboundColumns+` FROM outbound_messages
		WHERE identity = ? AND pending_edit = 1 AND pushed = 0
		ORDER BY id DESC LIMIT 1`, id.Key())
	return scanOutbound(row, id)
}

func (s *SQLiteStore) FindLatestByTag(ctx context.Context, id domain.Identity, tag string) (domain.OutboundRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+outboundColumns+` FROM outbound_messages
		WHERE identity = ? AND tag = ?
		ORDER BY id DESC LIMIT 1`, id.Key(), tag)
	return scanOutbound(row, id)
}

func (s *SQLiteStore) RemoveSentMessage(ctx context.Context, id domain.Identity, deliveredID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM outbound_messages WHERE identity = ? AND delivered_id = ?", id.Key(), deliveredID)
	if err != nil {
		return fmt.Errorf("remove sent message: %w", err)
	}
	return nil
}

func scanOutbound(row *sql.Row, id domain.Identity) (domain.OutboundRecord, bool, error) {
	rec := domain.OutboundRecord{Identity: id}
	var created int64
	err := row.Scan(&rec.Text, &rec.Tag, &rec.DeliveredID,
		&rec.PendingEdit, &rec.PendingDelete, &rec.Pushed, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.OutboundRecord{}, false, nil
	}
	if err != nil {
		return domain.OutboundRecord{}, false, fmt.Errorf("query sent message: %w", err)
	}
	rec.CreatedAt = time.UnixMilli(created)
	return rec, true, nil
}

// --- users ---

func (s *SQLiteStore) EnsureUser(ctx context.Context, u domain.Sender) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO users (identity, kind, external_id, username, first_name, last_name)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(identity) DO NOTHING`,
		u.Identity().Key(), string(u.Kind), u.ID, u.Username, u.FirstName, u.LastName)
	if err != nil {
		return false, fmt.Errorf("ensure user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ensure user: %w", err)
	}
	return n == 1, nil
}

// --- meta ---

func (s *SQLiteStore) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query meta: %w", err)
	}
	return value, true, nil
}

func (s *SQLiteStore) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("save meta: %w", err)
	}
	return nil
}
