package tokenstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aussiebroadwan/wardgate/internal/tokenstore/migrations"
	"github.com/aussiebroadwan/wardgate/pkg/slogx"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "modernc.org/sqlite"
)

// SQLite keeps one row per tab in a local database file so the session
// survives a restart of the portal shell within the TTL.
type SQLite struct {
	db     *sql.DB
	tabID  string
	ttl    time.Duration
	sealer *Sealer
	logger *slog.Logger
	now    func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path and applies the
// embedded migrations.
func OpenSQLite(path string, opts Options) (*SQLite, error) {
	if opts.TabID == "" {
		return nil, errors.New("tokenstore: tab id is required")
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open token database: %w", err)
	}

	if err := applyMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply token database migrations: %w", err)
	}

	return &SQLite{
		db:     db,
		tabID:  opts.TabID,
		ttl:    opts.TTL,
		sealer: opts.Sealer,
		logger: slogx.OrDefault(opts.Logger),
		now:    time.Now,
	}, nil
}

func applyMigrations(db *sql.DB) error {
	driver, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		return err
	}

	source, err := iofs.New(migrations.Migrations, ".")
	if err != nil {
		return err
	}

	instance, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return err
	}

	if err := instance.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) Save(ctx context.Context, rec Record) error {
	now := s.now()
	if rec.SavedAt.IsZero() {
		rec.SavedAt = now
	}

	fields, err := sealRecord(s.sealer, s.tabID, rec)
	if err != nil {
		return err
	}

	expiresAt := now.Add(recordTTL(rec, s.ttl, now))

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tab_sessions (tab_id, access_token, refresh_token, user, saved_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (tab_id) DO UPDATE SET
			access_token  = excluded.access_token,
			refresh_token = excluded.refresh_token,
			user          = excluded.user,
			saved_at      = excluded.saved_at,
			expires_at    = excluded.expires_at`,
		s.tabID,
		fields[FieldAccessToken],
		fields[FieldRefreshToken],
		fields[FieldUser],
		rec.SavedAt.UnixMilli(),
		expiresAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save tab session: %w", err)
	}
	return nil
}

func (s *SQLite) Read(ctx context.Context) (Record, error) {
	var (
		fields             = make(map[string]string, 3)
		access, refresh, u string
		savedAt, expiresAt int64
	)

	err := s.db.QueryRowContext(ctx, `
		SELECT access_token, refresh_token, user, saved_at, expires_at
		FROM tab_sessions WHERE tab_id = ?`, s.tabID,
	).Scan(&access, &refresh, &u, &savedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to read tab session: %w", err)
	}

	if s.now().UnixMilli() >= expiresAt {
		_ = s.Clear(ctx)
		return Record{}, ErrNotFound
	}

	fields[FieldAccessToken] = access
	fields[FieldRefreshToken] = refresh
	fields[FieldUser] = u

	rec, err := openRecord(s.sealer, s.tabID, fields, time.UnixMilli(savedAt))
	if err != nil {
		// Unreadable rows are useless; drop them so the tab starts clean.
		s.logger.Warn("discarding unreadable tab session", "tab_id", s.tabID, "error", err)
		_ = s.Clear(ctx)
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *SQLite) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tab_sessions WHERE tab_id = ?`, s.tabID); err != nil {
		return fmt.Errorf("failed to clear tab session: %w", err)
	}
	return nil
}

// Purge deletes every expired row, for all tabs. It returns the number removed.
func (s *SQLite) Purge(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tab_sessions WHERE expires_at <= ?`, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to purge tab sessions: %w", err)
	}
	return res.RowsAffected()
}
