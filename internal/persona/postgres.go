package persona

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps personas in PostgreSQL. Transactions live in a jsonb
// column next to the account fields.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, creates the schema and inserts seed rows that
// do not exist yet.
func NewPostgresStore(ctx context.Context, databaseURL string, seed ...Context) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	s := &PostgresStore{pool: pool}
	for _, p := range seed {
		if err := s.insertIfMissing(ctx, p); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS personas (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			balance DOUBLE PRECISION NOT NULL DEFAULT 0,
			card_last4 TEXT NOT NULL,
			account_type TEXT NOT NULL,
			recent_transactions JSONB NOT NULL DEFAULT '[]'::jsonb,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) insertIfMissing(ctx context.Context, p Context) error {
	txs, err := encodeTransactions(p.RecentTransactions)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO personas (id, name, balance, card_last4, account_type, recent_transactions)
		 VALUES ($1, $2, $3, $4, $5, $6::jsonb)
		 ON CONFLICT (id) DO NOTHING`,
		p.ID, p.Name, p.Balance, p.CardLast4, p.AccountType, txs,
	)
	if err != nil {
		return fmt.Errorf("seed persona %s: %w", p.ID, err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context) ([]Context, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, balance, card_last4, account_type, recent_transactions::text, updated_at
		 FROM personas ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query personas: %w", err)
	}
	defer rows.Close()

	var out []Context
	for rows.Next() {
		p, err := scanPersona(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate persona rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Context, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, name, balance, card_last4, account_type, recent_transactions::text, updated_at
		 FROM personas WHERE id=$1`,
		id,
	)
	p, err := scanPersona(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Context{}, ErrNotFound
	}
	return p, err
}

func (s *PostgresStore) Save(ctx context.Context, p Context) error {
	if err := validate(p); err != nil {
		return err
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	txs, err := encodeTransactions(p.RecentTransactions)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO personas (id, name, balance, card_last4, account_type, recent_transactions, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)
		 ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			balance = EXCLUDED.balance,
			card_last4 = EXCLUDED.card_last4,
			account_type = EXCLUDED.account_type,
			recent_transactions = EXCLUDED.recent_transactions,
			updated_at = EXCLUDED.updated_at`,
		p.ID, p.Name, p.Balance, p.CardLast4, p.AccountType, txs, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save persona: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanPersona(row pgx.Row) (Context, error) {
	var (
		p   Context
		txs string
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Balance, &p.CardLast4, &p.AccountType, &txs, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Context{}, err
		}
		return Context{}, fmt.Errorf("scan persona row: %w", err)
	}
	if err := json.Unmarshal([]byte(txs), &p.RecentTransactions); err != nil {
		return Context{}, fmt.Errorf("decode transactions for %s: %w", p.ID, err)
	}
	return p, nil
}

func encodeTransactions(txs []Transaction) (string, error) {
	if txs == nil {
		txs = []Transaction{}
	}
	raw, err := json.Marshal(txs)
	if err != nil {
		return "", fmt.Errorf("encode transactions: %w", err)
	}
	return string(raw), nil
}
