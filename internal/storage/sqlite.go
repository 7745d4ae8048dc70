package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "postrobot/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	// lockDir holds one flock file per shop next to the database.
	lockDir string
	leases  shopLeases
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, lockDir: path + ".locks"}
	if err := os.MkdirAll(st.lockDir, 0o755); err != nil {
		_ = db.Close()
		return nil, err
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("sqlite store ready", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
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

func (s *sqliteStore) GetConfig(ctx context.Context, shop string) ([]byte, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM configs WHERE shop = ?`, shop).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(doc), nil
}

func (s *sqliteStore) PutConfig(ctx context.Context, shop string, doc []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO configs(shop, doc, updated_at) VALUES(?,?,?)
		 ON CONFLICT(shop) DO UPDATE SET doc=excluded.doc, updated_at=excluded.updated_at`,
		shop, string(doc), time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) LockShop(ctx context.Context, shop string) (func(), error) {
	return fileLease(ctx, &s.leases, shop, filepath.Join(s.lockDir, url.PathEscape(shop)+".lock"))
}

func (s *sqliteStore) ListShops(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT shop FROM configs ORDER BY shop`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var shop string
		if err := rows.Scan(&shop); err != nil {
			return nil, err
		}
		out = append(out, shop)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendActivity(ctx context.Context, shop string, entry []byte, keep int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `INSERT INTO activity(shop, doc) VALUES(?,?)`, shop, string(entry)); err != nil {
		return err
	}
	if keep > 0 {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM activity WHERE shop = ? AND id NOT IN (
			   SELECT id FROM activity WHERE shop = ? ORDER BY id DESC LIMIT ?)`,
			shop, shop, keep,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) RecentActivity(ctx context.Context, shop string, limit int) ([][]byte, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM activity WHERE shop = ? ORDER BY id DESC LIMIT ?`, shop, limit)
	if err != nil {
		return nil, err
	}
	return scanDocs(rows)
}

func (s *sqliteStore) AppendSystem(ctx context.Context, shop string, line []byte) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO system_log(shop, line) VALUES(?,?)`, shop, string(line))
	return err
}

func (s *sqliteStore) TailSystem(ctx context.Context, shop string, n int) ([][]byte, error) {
	if n <= 0 {
		n = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT line FROM (SELECT id, line FROM system_log WHERE shop = ? ORDER BY id DESC LIMIT ?) ORDER BY id`,
		shop, n)
	if err != nil {
		return nil, err
	}
	return scanDocs(rows)
}

func (s *sqliteStore) ClearLogs(ctx context.Context, shop string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM activity WHERE shop = ?`, shop); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM system_log WHERE shop = ?`, shop)
	return err
}

func scanDocs(rows *sql.Rows) ([][]byte, error) {
	defer rows.Close()
	var out [][]byte
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		out = append(out, []byte(doc))
	}
	return out, rows.Err()
}
