package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type contextKey string

const txKey contextKey = "db_tx"

// Querier is the subset of pgx shared by pools, connections and transactions.
type Querier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// TxFromContext returns the transaction bound to ctx by TxManager.InTx, if any.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey).(pgx.Tx)
	return tx
}

// Conn returns the caller's transaction when one is active, otherwise the pool.
// Repositories use it so the same code runs inside and outside InTx.
func Conn(ctx context.Context, pool *pgxpool.Pool) Querier {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}
	return pool
}

// TxManager runs functions inside a single read-committed transaction.
type TxManager struct {
	pool *pgxpool.Pool
}

func NewTxManager(pool *pgxpool.Pool) *TxManager {
	return &TxManager{pool: pool}
}

// InTx begins a transaction, binds it to the context passed to fn and commits
// when fn returns nil. Any error from fn, or from commit, rolls the
// transaction back. Row locks taken inside fn are held until that point.
// Nested calls reuse the outer transaction.
func (m *TxManager) InTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}

	tx, err := m.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return Classify(fmt.Errorf("begin transaction: %w", err))
	}
	defer func() {
		if err != nil {
			// Rollback after a failed or cancelled statement is best effort;
			// the server discards the transaction either way.
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	if err = fn(context.WithValue(ctx, txKey, tx)); err != nil {
		return Classify(err)
	}
	if err = tx.Commit(ctx); err != nil {
		return Classify(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

// ErrContention marks failures caused by waiting on locks held by concurrent
// transactions. They are safe for the caller to retry with backoff.
var ErrContention = errors.New("lock contention")

// SQLSTATE codes reported when a transaction loses a lock race.
const (
	codeLockNotAvailable     = "55P03"
	codeDeadlockDetected     = "40P01"
	codeSerializationFailure = "40001"
)

// Classify wraps err with ErrContention when PostgreSQL reports a lock
// timeout, a deadlock or a serialization failure. Other errors are returned
// unchanged.
func Classify(err error) error {
	if err == nil || errors.Is(err, ErrContention) {
		return err
	}
	if IsContention(err) {
		return fmt.Errorf("%w: %w", ErrContention, err)
	}
	return err
}

// IsContention reports whether err carries one of the lock-race SQLSTATEs.
func IsContention(err error) bool {
	if errors.Is(err, ErrContention) {
		return true
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case codeLockNotAvailable, codeDeadlockDetected, codeSerializationFailure:
		return true
	}
	return false
}
