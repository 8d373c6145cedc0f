package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"freelance-notifier/pkg/listing"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// FileName returns the database file used for a marketplace.
func FileName(m listing.Marketplace) string {
	switch m {
	case listing.Kwork:
		return "kwork_projects.db"
	case listing.Habr:
		return "habr_work.db"
	default:
		return string(m) + ".db"
	}
}

// SQLiteStore is a record set backed by a single SQLite database.
type SQLiteStore struct {
	db          *sqlx.DB
	logger      *slog.Logger
	marketplace listing.Marketplace
}

// OpenSQLite opens (creating if absent) the marketplace database under dir and applies migrations.
func OpenSQLite(ctx context.Context, dir string, marketplace listing.Marketplace, logger *slog.Logger) (*SQLiteStore, error) {
	path := filepath.Join(dir, FileName(marketplace))
	db, err := sqlx.Open("sqlite3", "file:"+path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One connection serialises writers and keeps the file lock simple.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}

	if err := migrateSQLite(db.DB, logger); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Info("SQLite store ready", "marketplace", marketplace, "path", path)
	return NewSQLite(db, marketplace, logger), nil
}

// NewSQLite wraps an already-migrated database handle.
func NewSQLite(db *sqlx.DB, marketplace listing.Marketplace, logger *slog.Logger) *SQLiteStore {
	return &SQLiteStore{
		db:          db,
		logger:      logger,
		marketplace: marketplace,
	}
}

func migrateSQLite(db *sql.DB, logger *slog.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	defer func() {
		if closeErr := src.Close(); closeErr != nil {
			logger.Warn("Failed to close migration source", "error", closeErr)
		}
	}()

	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{
		MigrationsTable: "schema_migrations",
	})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	// m.Close would close db as well, so only the source is released.
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Debug("Schema up to date")
			return nil
		}
		return fmt.Errorf("run migrations: %w", err)
	}

	logger.Info("Schema migrated to latest version")
	return nil
}

type recordRow struct {
	ID          string        `db:"id"`
	Marketplace string        `db:"marketplace"`
	Title       string        `db:"title"`
	Description string        `db:"description"`
	Link        string        `db:"link"`
	PriceText   string        `db:"price_text"`
	SentAt      sql.NullInt64 `db:"sent_at"`
	PriceAmount int64         `db:"price_amount"`
	CreatedAt   int64         `db:"created_at"`
	Sent        bool          `db:"sent"`
}

func toRow(rec *listing.Record) recordRow {
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	row := recordRow{
		ID:          rec.ID,
		Marketplace: string(rec.Marketplace),
		Title:       rec.Title,
		Description: rec.Description,
		Link:        rec.Link,
		PriceText:   rec.Price.Text,
		PriceAmount: rec.Price.Amount,
		CreatedAt:   created.UnixMilli(),
		Sent:        rec.Sent,
	}
	if rec.SentAt != nil {
		row.SentAt = sql.NullInt64{Int64: rec.SentAt.UnixMilli(), Valid: true}
	}
	return row
}

func (r *recordRow) record() listing.Record {
	rec := listing.Record{
		Marketplace: listing.Marketplace(r.Marketplace),
		ID:          r.ID,
		Title:       r.Title,
		Description: r.Description,
		Link:        r.Link,
		Price:       listing.Price{Amount: r.PriceAmount, Text: r.PriceText},
		Sent:        r.Sent,
		CreatedAt:   time.UnixMilli(r.CreatedAt).UTC(),
	}
	if r.SentAt.Valid {
		t := time.UnixMilli(r.SentAt.Int64).UTC()
		rec.SentAt = &t
	}
	return rec
}

// Exists reports whether id has been inserted.
func (s *SQLiteStore) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	if err := s.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM records WHERE id = ?)`, id); err != nil {
		return false, storageErr("exists", err)
	}
	return exists, nil
}

// Insert stores rec unless its identity is already present.
func (s *SQLiteStore) Insert(ctx context.Context, rec *listing.Record) (InsertResult, error) {
	row := toRow(rec)
	res, err := s.db.NamedExecContext(ctx, `
		INSERT OR IGNORE INTO records
			(id, marketplace, title, description, link, price_amount, price_text, sent, created_at, sent_at)
		VALUES
			(:id, :marketplace, :title, :description, :link, :price_amount, :price_text, :sent, :created_at, :sent_at)`,
		row)
	if err != nil {
		return 0, storageErr("insert", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("insert", err)
	}
	if n == 0 {
		return AlreadyExists, nil
	}
	s.logger.Debug("Record stored", "marketplace", s.marketplace, "id", rec.ID)
	return Inserted, nil
}

// MarkSent flags id as delivered. Marking an already-sent record is a no-op.
func (s *SQLiteStore) MarkSent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET sent = 1, sent_at = ? WHERE id = ? AND sent = 0`,
		time.Now().UnixMilli(), id)
	if err != nil {
		return storageErr("mark_sent", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("mark_sent", err)
	}
	if n > 0 {
		return nil
	}

	exists, err := s.Exists(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("mark sent %s: %w", id, ErrNotFound)
	}
	return nil
}

// Unsent returns up to limit undelivered records created at or after since, oldest first.
func (s *SQLiteStore) Unsent(ctx context.Context, since time.Time, limit int) ([]listing.Record, error) {
	var rows []recordRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, marketplace, title, description, link, price_amount, price_text, sent, created_at, sent_at
		FROM records
		WHERE sent = 0 AND created_at >= ?
		ORDER BY created_at ASC
		LIMIT ?`,
		since.UnixMilli(), limit)
	if err != nil {
		return nil, storageErr("unsent", err)
	}

	records := make([]listing.Record, 0, len(rows))
	for i := range rows {
		records = append(records, rows[i].record())
	}
	return records, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return storageErr("close", err)
	}
	return nil
}
