package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/compozy/unitofwork/engine/uow"
)

// StoreKind is the registry kind used for SQLite handles.
const StoreKind uow.StoreKind = "sqlite"

// TxStore executes statements in the scope's transaction, or directly on
// the database when unscoped.
type TxStore struct {
	db   *sql.DB
	conn *sql.Conn
	tx   *sql.Tx

	mu   sync.Mutex
	done bool
}

type factoryOptions struct {
	acquireTimeout time.Duration
}

// FactoryOption configures NewFactory.
type FactoryOption func(*factoryOptions)

// WithAcquireTimeout bounds how long a scope waits for a free connection.
// Zero waits as long as the caller's context allows.
func WithAcquireTimeout(d time.Duration) FactoryOption {
	return func(o *factoryOptions) {
		o.acquireTimeout = d
	}
}

// NewFactory returns a uow.Factory opening one transaction per scope, each
// on its own pooled connection.
//
// Acquiring the connection honours the caller's context, so an isolated
// scope nested inside another scope on a single-connection database fails
// instead of waiting forever for the parent to release it.
func NewFactory(db *sql.DB, opts ...FactoryOption) uow.Factory {
	var o factoryOptions
	for _, opt := range opts {
		opt(&o)
	}
	return func(ctx context.Context, ref uow.TxRef) (uow.Store, error) {
		if !ref.Scoped() {
			return &TxStore{db: db}, nil
		}
		conn, err := acquire(ctx, db, o.acquireTimeout)
		if err != nil {
			return nil, err
		}
		// The transaction outlives the call that opened it.
		tx, err := conn.BeginTx(context.WithoutCancel(ctx), nil)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("sqlite: begin transaction: %w", err)
		}
		return &TxStore{db: db, conn: conn, tx: tx}, nil
	}
}

func acquire(ctx context.Context, db *sql.DB, timeout time.Duration) (*sql.Conn, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlite: acquire connection: %w", err)
	}
	return conn, nil
}

// TxFrom returns the transaction behind a handle, if it has one.
func TxFrom(h *uow.Handle) (*sql.Tx, bool) {
	s, ok := uow.StoreAs[*TxStore](h)
	if !ok || s.tx == nil {
		return nil, false
	}
	return s.tx, true
}

func (s *TxStore) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if s.tx != nil {
		return s.tx.ExecContext(ctx, query, args...)
	}
	return s.db.ExecContext(ctx, query, args...)
}

func (s *TxStore) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if s.tx != nil {
		return s.tx.QueryContext(ctx, query, args...)
	}
	return s.db.QueryContext(ctx, query, args...)
}

func (s *TxStore) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	if s.tx != nil {
		return s.tx.QueryRowContext(ctx, query, args...)
	}
	return s.db.QueryRowContext(ctx, query, args...)
}

func (s *TxStore) Persist(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx == nil || s.done {
		return nil
	}
	s.done = true
	defer s.release()
	if err := s.tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

func (s *TxStore) Dispose(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx == nil || s.done {
		return nil
	}
	s.done = true
	defer s.release()
	if err := s.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("sqlite: rollback: %w", err)
	}
	return nil
}

// release hands the scope's connection back to the pool.
func (s *TxStore) release() {
	if s.conn != nil {
		_ = s.conn.Close()
	}
}
