package uow

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/compozy/unitofwork/engine/core"
)

// StoreKind names a family of stores, e.g. "orders" or "redis".
type StoreKind string

func (k StoreKind) String() string {
	return string(k)
}

// Store is the native side of a handle. Persist makes the work visible;
// Dispose releases it and must discard anything not yet persisted.
type Store interface {
	Persist(ctx context.Context) error
	Dispose(ctx context.Context) error
}

// Factory opens a store for the given transaction reference.
type Factory func(ctx context.Context, tx TxRef) (Store, error)

// TxRef says whether a handle belongs to a transaction. The zero value is the
// unscoped variant.
type TxRef struct {
	id core.ID
}

// Unscoped returns a reference for handles that live outside any unit of work.
func Unscoped() TxRef {
	return TxRef{}
}

// InTx returns a reference bound to the given transaction.
func InTx(id core.ID) TxRef {
	return TxRef{id: id}
}

func (r TxRef) ID() (core.ID, bool) {
	return r.id, !r.id.IsZero()
}

func (r TxRef) Scoped() bool {
	return !r.id.IsZero()
}

func (r TxRef) String() string {
	if r.id.IsZero() {
		return "unscoped"
	}
	return r.id.String()
}

type handleOptions struct {
	name string
}

// HandleOption configures a handle request.
type HandleOption func(*handleOptions)

// WithName selects a logical name so one transaction can hold several
// handles of the same kind.
func WithName(name string) HandleOption {
	return func(o *handleOptions) {
		o.name = name
	}
}

func buildHandleOptions(opts []HandleOption) handleOptions {
	var o handleOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// Handle is one opened store bound to a kind, an optional name and an
// optional transaction.
type Handle struct {
	kind  StoreKind
	name  string
	tx    TxRef
	store Store
	seq   uint64

	dirty     atomic.Bool
	persisted atomic.Bool
	disposeMu sync.Mutex
	disposed  bool
}

// NewHandle wraps store for the registry.
func NewHandle(kind StoreKind, tx TxRef, store Store, opts ...HandleOption) *Handle {
	o := buildHandleOptions(opts)
	return &Handle{kind: kind, name: o.name, tx: tx, store: store}
}

func (h *Handle) Kind() StoreKind { return h.kind }

func (h *Handle) Name() (string, bool) { return h.name, h.name != "" }

func (h *Handle) Tx() TxRef { return h.tx }

func (h *Handle) Store() Store { return h.store }

// Seq is the registration order inside the owning transaction; zero for
// unscoped handles.
func (h *Handle) Seq() uint64 { return h.seq }

func (h *Handle) MarkDirty() { h.dirty.Store(true) }

func (h *Handle) Dirty() bool { return h.dirty.Load() }

func (h *Handle) Persisted() bool { return h.persisted.Load() }

func (h *Handle) Disposed() bool {
	h.disposeMu.Lock()
	defer h.disposeMu.Unlock()
	return h.disposed
}

func (h *Handle) Persist(ctx context.Context) error {
	if err := h.store.Persist(ctx); err != nil {
		return err
	}
	h.persisted.Store(true)
	h.dirty.Store(false)
	return nil
}

// Dispose releases the native store once; later calls are no-ops.
func (h *Handle) Dispose(ctx context.Context) error {
	h.disposeMu.Lock()
	if h.disposed {
		h.disposeMu.Unlock()
		return nil
	}
	h.disposed = true
	h.disposeMu.Unlock()
	return h.store.Dispose(ctx)
}

func (h *Handle) key() handleKey {
	return handleKey{kind: h.kind, tx: h.tx.id, name: h.name}
}

func (h *Handle) String() string {
	if h.name != "" {
		return fmt.Sprintf("%s/%s@%s", h.kind, h.name, h.tx)
	}
	return fmt.Sprintf("%s@%s", h.kind, h.tx)
}

// StoreAs returns the handle's native store as T.
func StoreAs[T Store](h *Handle) (T, bool) {
	var zero T
	if h == nil {
		return zero, false
	}
	s, ok := h.store.(T)
	return s, ok
}

type handleKey struct {
	kind StoreKind
	tx   core.ID
	name string
}

func (k handleKey) String() string {
	return string(k.kind) + "\x00" + string(k.tx) + "\x00" + k.name
}
