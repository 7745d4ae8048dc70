package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	logx "postrobot/pkg/logx"
)

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger

	leases shopLeases
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	pc, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}
	pc.MaxConns = 4
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	pc.MaxConnLifetime = time.Hour
	pc.MaxConnIdleTime = 30 * time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	st := &postgresStore{pool: pool, log: log}
	if err := st.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	log.Info("postgres store ready", logx.Int("max_conns", int(pc.MaxConns)))
	return st, nil
}

func (s *postgresStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS robot_configs (
			shop       TEXT PRIMARY KEY,
			doc        JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS robot_activity (
			id   BIGSERIAL PRIMARY KEY,
			shop TEXT NOT NULL,
			doc  JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_robot_activity_shop ON robot_activity(shop, id)`,
		`CREATE TABLE IF NOT EXISTS robot_system_log (
			id   BIGSERIAL PRIMARY KEY,
			shop TEXT NOT NULL,
			line TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_robot_system_log_shop ON robot_system_log(shop, id)`,
	}
	for _, q := range stmts {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *postgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *postgresStore) GetConfig(ctx context.Context, shop string) ([]byte, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc::text FROM robot_configs WHERE shop = $1`, shop).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *postgresStore) PutConfig(ctx context.Context, shop string, doc []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO robot_configs(shop, doc, updated_at) VALUES($1, $2::jsonb, now())
		 ON CONFLICT (shop) DO UPDATE SET doc = EXCLUDED.doc, updated_at = now()`,
		shop, string(doc),
	)
	return err
}

// LockShop holds a session advisory lock on a dedicated connection until
// unlock. The server drops it if the session dies.
func (s *postgresStore) LockShop(ctx context.Context, shop string) (func(), error) {
	release, err := s.leases.acquire(ctx, shop)
	if err != nil {
		return nil, err
	}
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		release()
		return nil, err
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtext($1))`, shop); err != nil {
		conn.Release()
		release()
		return nil, fmt.Errorf("advisory lock: %w", err)
	}
	return func() {
		uctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(uctx, `SELECT pg_advisory_unlock(hashtext($1))`, shop); err != nil {
			s.log.Warn("advisory unlock failed, dropping connection", logx.Shop(shop), logx.Err(err))
			_ = conn.Conn().Close(uctx)
		}
		conn.Release()
		release()
	}, nil
}

func (s *postgresStore) ListShops(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT shop FROM robot_configs ORDER BY shop`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *postgresStore) AppendActivity(ctx context.Context, shop string, entry []byte, keep int) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO robot_activity(shop, doc) VALUES($1, $2::jsonb)`, shop, string(entry)); err != nil {
			return err
		}
		if keep <= 0 {
			return nil
		}
		_, err := tx.Exec(ctx,
			`DELETE FROM robot_activity WHERE shop = $1 AND id NOT IN (
			   SELECT id FROM robot_activity WHERE shop = $1 ORDER BY id DESC LIMIT $2)`,
			shop, keep,
		)
		return err
	})
}

func (s *postgresStore) RecentActivity(ctx context.Context, shop string, limit int) ([][]byte, error) {
	q := `SELECT doc::text FROM robot_activity WHERE shop = $1 ORDER BY id DESC`
	args := []any{shop}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[[]byte])
}

func (s *postgresStore) AppendSystem(ctx context.Context, shop string, line []byte) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO robot_system_log(shop, line) VALUES($1, $2)`, shop, string(line))
	return err
}

func (s *postgresStore) TailSystem(ctx context.Context, shop string, n int) ([][]byte, error) {
	q := `SELECT line FROM robot_system_log WHERE shop = $1 ORDER BY id DESC`
	args := []any{shop}
	if n > 0 {
		q += ` LIMIT $2`
		args = append(args, n)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	lines, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return lines, nil
}

func (s *postgresStore) ClearLogs(ctx context.Context, shop string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM robot_activity WHERE shop = $1`, shop); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `DELETE FROM robot_system_log WHERE shop = $1`, shop)
		return err
	})
}
