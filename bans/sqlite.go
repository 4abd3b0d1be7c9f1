package bans

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite" // sqlite driver
)

const schema = `create table if not exists t_bans (
	ip text primary key,
	banned_at integer not null default (unixepoch())
)`

// SQLite is the ban list persisted in sqlite database. Lookups are served from memory.
type SQLite struct {
	db    *sql.DB
	cache *Memory
}

// OpenSQLite opens the database stored in the file, creating it if needed.
func OpenSQLite(ctx context.Context, file string) (*SQLite, error) {
	file, err := filepath.Abs(file)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if err := os.MkdirAll(filepath.Dir(file), 0o700); err != nil {
		return nil, errors.Wrap(err, "unable to create database directory")
	}

	db, err := sql.Open("sqlite", file)
	if err != nil {
		return nil, errors.Wrap(err, "unable to open database file")
	}
	return open(ctx, db)
}

// OpenSQLiteMemory opens the database kept in memory.
func OpenSQLiteMemory(ctx context.Context) (*SQLite, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, errors.Wrap(err, "unable to create database")
	}
	// Every connection to :memory: gets its own database.
	db.SetMaxOpenConns(1)
	return open(ctx, db)
}

func open(ctx context.Context, db *sql.DB) (*SQLite, error) {
	s := &SQLite{
		db:    db,
		cache: NewMemory(),
	}
	if err := s.load(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) load(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "unable to initialize database")
	}

	rows, err := s.db.QueryContext(ctx, "select ip from t_bans")
	if err != nil {
		return errors.WithStack(err)
	}
	defer rows.Close()

	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			return errors.WithStack(err)
		}
		if err := s.cache.Ban(ctx, ip); err != nil {
			return err
		}
	}
	return errors.WithStack(rows.Err())
}

// Contains checks if ip is banned.
func (s *SQLite) Contains(ip string) bool {
	return s.cache.Contains(ip)
}

// Ban stores ip in the database.
func (s *SQLite) Ban(ctx context.Context, ip string) error {
	if _, err := s.db.ExecContext(ctx, "insert into t_bans(ip) values ($1) on conflict(ip) do nothing", ip); err != nil {
		return errors.Wrapf(err, "unable to ban %s", ip)
	}
	return s.cache.Ban(ctx, ip)
}

// Unban deletes ip from the database.
func (s *SQLite) Unban(ctx context.Context, ip string) error {
	if _, err := s.db.ExecContext(ctx, "delete from t_bans where ip = $1", ip); err != nil {
		return errors.Wrapf(err, "unable to unban %s", ip)
	}
	return s.cache.Unban(ctx, ip)
}

// All returns banned ips in sorted order.
func (s *SQLite) All() []string {
	return s.cache.All()
}

// Close closes the database.
func (s *SQLite) Close() error {
	return errors.WithStack(s.db.Close())
}
