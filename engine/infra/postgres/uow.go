package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/compozy/unitofwork/engine/uow"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// StoreKind is the registry kind used for PostgreSQL handles.
const StoreKind uow.StoreKind = "postgres"

// DBInterface is the subset of pgxpool.Pool the driver needs; pgxmock pools
// satisfy it too.
type DBInterface interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// TxStore runs statements inside the transaction owned by a scope. Unscoped
// stores run directly on the pool and have nothing to persist.
type TxStore struct {
	db DBInterface
	tx pgx.Tx

	mu   sync.Mutex
	done bool
}

// NewFactory returns a uow.Factory that begins one pgx transaction per scope.
func NewFactory(db DBInterface) uow.Factory {
	return func(ctx context.Context, ref uow.TxRef) (uow.Store, error) {
		if !ref.Scoped() {
			return &TxStore{db: db}, nil
		}
		tx, err := db.Begin(ctx)
		if err != nil {
			return nil, fmt.Errorf("postgres: begin transaction: %w", err)
		}
		return &TxStore{db: db, tx: tx}, nil
	}
}

// TxFrom returns the pgx transaction behind a handle, if it has one.
func TxFrom(h *uow.Handle) (pgx.Tx, bool) {
	s, ok := uow.StoreAs[*TxStore](h)
	if !ok || s.tx == nil {
		return nil, false
	}
	return s.tx, true
}

func (s *TxStore) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if s.tx != nil {
		return s.tx.Exec(ctx, sql, args...)
	}
	return s.db.Exec(ctx, sql, args...)
}

func (s *TxStore) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if s.tx != nil {
		return s.tx.Query(ctx, sql, args...)
	}
	return s.db.Query(ctx, sql, args...)
}

func (s *TxStore) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if s.tx != nil {
		return s.tx.QueryRow(ctx, sql, args...)
	}
	return s.db.QueryRow(ctx, sql, args...)
}

// Persist commits the scope transaction.
func (s *TxStore) Persist(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx == nil || s.done {
		return nil
	}
	if err := s.tx.Commit(ctx); err != nil {
		s.done = true
		return fmt.Errorf("postgres: commit: %w", err)
	}
	s.done = true
	return nil
}

// Dispose rolls back unless the transaction was already committed.
func (s *TxStore) Dispose(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx == nil || s.done {
		return nil
	}
	s.done = true
	if err := s.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("postgres: rollback: %w", err)
	}
	return nil
}
