package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/omarfornaroli/posapp-sub000/internal/config"
	"github.com/omarfornaroli/posapp-sub000/internal/logger"
)

var tableNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// SQLiteStore is the embedded Store implementation. One cache table per
// registered entity plus a markers key/value table.
type SQLiteStore struct {
	db     *sql.DB
	tables map[string]string // entity name -> table name
}

// NewSQLiteStore opens (creating if needed) the cache database at filePath
// and ensures a table exists for every registered entity.
func NewSQLiteStore(filePath string, entities []config.EntityConfig) (*SQLiteStore, error) {
	if dir := filepath.Dir(filePath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, storageErr("open", fmt.Errorf("creating data directory: %w", err))
		}
	}

	db, err := sql.Open("sqlite", filePath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, storageErr("open", err)
	}
	// A single writer at a time keeps ReplaceAll transactions serialized.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:     db,
		tables: make(map[string]string, len(entities)),
	}

	for _, e := range entities {
		if !tableNameRe.MatchString(e.Name) {
			db.Close()
			return nil, storageErr("open", fmt.Errorf("invalid entity name %q", e.Name))
		}
		table := "cache_" + e.Name
		if _, err := db.Exec(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			data TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL DEFAULT ''
		)`, table)); err != nil {
			db.Close()
			return nil, storageErr("open", fmt.Errorf("creating table %s: %w", table, err))
		}
		s.tables[e.Name] = table
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS markers (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, storageErr("open", fmt.Errorf("creating markers table: %w", err))
	}

	logger.Log.Info("Opened local cache",
		zap.String("path", filePath),
		zap.Int("tables", len(s.tables)),
	)

	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) table(entity string) (string, error) {
	t, ok := s.tables[entity]
	if !ok {
		return "", fmt.Errorf("unknown entity %q", entity)
	}
	return t, nil
}

// execTx runs fn inside a transaction, rolling back on error.
func (s *SQLiteStore) execTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx err: %v, rb err: %v", err, rbErr)
		}
		return err
	}

	return tx.Commit()
}

func (s *SQLiteStore) GetAll(ctx context.Context, entity string) ([]Record, error) {
	table, err := s.table(entity)
	if err != nil {
		return nil, storageErr("get_all", err)
	}

	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT id, data, created_at, updated_at FROM %s ORDER BY id`, table))
	if err != nil {
		return nil, storageErr("get_all", err)
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, storageErr("get_all", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("get_all", err)
	}

	return records, nil
}

func (s *SQLiteStore) Count(ctx context.Context, entity string) (int, error) {
	table, err := s.table(entity)
	if err != nil {
		return 0, storageErr("count", err)
	}

	var n int
	if err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)).Scan(&n); err != nil {
		return 0, storageErr("count", err)
	}
	return n, nil
}

// ReplaceAll swaps the entire table contents for the given records in one
// transaction, so readers never observe a half-merged table.
func (s *SQLiteStore) ReplaceAll(ctx context.Context, entity string, records []Record) error {
	table, err := s.table(entity)
	if err != nil {
		return storageErr("replace_all", err)
	}

	err = s.execTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, table)); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
			`INSERT INTO %s (id, data, created_at, updated_at) VALUES (?, ?, ?, ?)`, table))
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, rec := range records {
			if _, err := stmt.ExecContext(ctx, rec.ID, string(rec.Data),
				formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt)); err != nil {
				return err
			}
		}
		return nil
	})
	return storageErr("replace_all", err)
}

func (s *SQLiteStore) UpsertOne(ctx context.Context, entity string, record Record) error {
	table, err := s.table(entity)
	if err != nil {
		return storageErr("upsert", err)
	}

	_, err = s.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (id, data, created_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		 data = excluded.data,
		 updated_at = excluded.updated_at`, table),
		record.ID, string(record.Data), formatTime(record.CreatedAt), formatTime(record.UpdatedAt))
	return storageErr("upsert", err)
}

func (s *SQLiteStore) Remove(ctx context.Context, entity string, id string) error {
	table, err := s.table(entity)
	if err != nil {
		return storageErr("remove", err)
	}

	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, table), id)
	return storageErr("remove", err)
}

// GetSingleton returns the single settings row for the entity, or nil when
// none has been stored yet.
func (s *SQLiteStore) GetSingleton(ctx context.Context, entity string) (*Record, error) {
	table, err := s.table(entity)
	if err != nil {
		return nil, storageErr("get_singleton", err)
	}

	row := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT id, data, created_at, updated_at FROM %s WHERE id = ?`, table), SingletonID)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get_singleton", err)
	}
	return &rec, nil
}

func (s *SQLiteStore) PutSingleton(ctx context.Context, entity string, data json.RawMessage) error {
	now := time.Now().UTC()
	return s.UpsertOne(ctx, entity, Record{
		ID:        SingletonID,
		Data:      data,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

func (s *SQLiteStore) GetMarker(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM markers WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, storageErr("get_marker", err)
	}
	return value, true, nil
}

func (s *SQLiteStore) SetMarker(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO markers (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return storageErr("set_marker", err)
}

func (s *SQLiteStore) DeleteMarker(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM markers WHERE key = ?`, key)
	return storageErr("delete_marker", err)
}

// ClearMarkers wipes every persisted marker. Called on explicit logout.
func (s *SQLiteStore) ClearMarkers(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM markers`)
	return storageErr("clear_markers", err)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(row scannable) (Record, error) {
	var (
		rec                  Record
		data                 string
		createdAt, updatedAt string
	)
	if err := row.Scan(&rec.ID, &data, &createdAt, &updatedAt); err != nil {
		return Record{}, err
	}
	rec.Data = json.RawMessage(data)
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	return rec, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
