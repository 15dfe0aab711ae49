package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// SnapshotBlockKey is the system_state key holding the block the stored
// reserves correspond to.
const SnapshotBlockKey = "snapshot_block"

// Store provides SQLite-based persistence for the pool checkpoint.
type Store struct {
	db *sql.DB
}

// PoolRecord represents a pool stored in the database. Reserves are decimal
// strings; fees are basis points out of 10000.
type PoolRecord struct {
	Address   string
	Token0    string
	Token1    string
	Reserve0  string
	Reserve1  string
	RouterFee uint64
	Fees0     uint64
	Fees1     uint64
	UpdatedAt time.Time
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// NewStore creates a new SQLite store and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &Store{db: db}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return store, nil
}

// migrate runs database schema migrations.
func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS pools (
			seq INTEGER NOT NULL,
			address TEXT PRIMARY KEY,
			token0 TEXT NOT NULL,
			token1 TEXT NOT NULL,
			reserve0 TEXT NOT NULL DEFAULT '0',
			reserve1 TEXT NOT NULL DEFAULT '0',
			router_fee INTEGER NOT NULL DEFAULT 9970,
			fees0 INTEGER NOT NULL DEFAULT 0,
			fees1 INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pools_seq ON pools(seq)`,
		`CREATE TABLE IF NOT EXISTS system_state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	log.Debug().Msg("Database migrations completed")
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSnapshot replaces the stored pools with pools, in order, and records
// block as the snapshot height. Both are written in one transaction.
func (s *Store) SaveSnapshot(ctx context.Context, pools []PoolRecord, block uint64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM pools"); err != nil {
		return fmt.Errorf("clearing pools: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO pools (seq, address, token0, token1, reserve0, reserve1, router_fee, fees0, fees1, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	for i, pool := range pools {
		if _, err := stmt.ExecContext(ctx, i, pool.Address, pool.Token0, pool.Token1,
			pool.Reserve0, pool.Reserve1, pool.RouterFee, pool.Fees0, pool.Fees1,
			now); err != nil {
			return fmt.Errorf("inserting pool %s: %w", pool.Address, err)
		}
	}

	if err := setSystemState(ctx, tx, SnapshotBlockKey, strconv.FormatUint(block, 10)); err != nil {
		return fmt.Errorf("storing snapshot block: %w", err)
	}

	return tx.Commit()
}

// LoadSnapshot returns the stored pools in the order they were saved and the
// snapshot height. An empty store yields no pools and block 0.
func (s *Store) LoadSnapshot(ctx context.Context) ([]PoolRecord, uint64, error) {
	query := `SELECT address, token0, token1, reserve0, reserve1, router_fee, fees0, fees1, updated_at
		FROM pools
		ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, 0, fmt.Errorf("querying pools: %w", err)
	}
	defer rows.Close()

	var pools []PoolRecord
	for rows.Next() {
		var p PoolRecord
		if err := rows.Scan(&p.Address, &p.Token0, &p.Token1, &p.Reserve0, &p.Reserve1,
			&p.RouterFee, &p.Fees0, &p.Fees1, &p.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("scanning row: %w", err)
		}
		pools = append(pools, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	value, err := s.GetSystemState(ctx, SnapshotBlockKey)
	if err != nil {
		return nil, 0, fmt.Errorf("reading snapshot block: %w", err)
	}
	if value == "" {
		return pools, 0, nil
	}
	block, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return nil, 0, fmt.Errorf("parsing snapshot block %q: %w", value, err)
	}

	return pools, block, nil
}

// GetPoolCount returns the total number of pools.
func (s *Store) GetPoolCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM pools").Scan(&count)
	return count, err
}

// SetSystemState stores a key-value pair in system state.
func (s *Store) SetSystemState(ctx context.Context, key, value string) error {
	return setSystemState(ctx, s.db, key, value)
}

func setSystemState(ctx context.Context, db execer, key, value string) error {
	query := `INSERT INTO system_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`

	_, err := db.ExecContext(ctx, query, key, value, time.Now())
	return err
}

// GetSystemState retrieves a value from system state.
func (s *Store) GetSystemState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM system_state WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}
