package uow

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/compozy/unitofwork/engine/core"
	"github.com/compozy/unitofwork/pkg/logger"
	"golang.org/x/sync/singleflight"
)

// Registry tracks live store handles keyed by (kind, transaction id, name).
//
// Factories are registered during setup. Lookups of an existing handle go
// through a sync.Map; inserts and removals take txMu so the per-transaction
// registration order stays consistent with the lookup map.
type Registry struct {
	factoriesMu sync.RWMutex
	factories   map[StoreKind]Factory

	handles sync.Map // handleKey -> *Handle
	txMu    sync.Mutex
	byTx    map[core.ID][]*Handle
	seq     atomic.Uint64
	group   singleflight.Group
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[StoreKind]Factory),
		byTx:      make(map[core.ID][]*Handle),
	}
}

// RegisterFactory binds a factory to kind. Registering a kind twice is a
// configuration error.
func (r *Registry) RegisterFactory(kind StoreKind, factory Factory) error {
	if kind == "" || factory == nil {
		return configError("register_factory", kind.String(), errors.New("store kind and factory are required"))
	}
	r.factoriesMu.Lock()
	defer r.factoriesMu.Unlock()
	if _, exists := r.factories[kind]; exists {
		return configError("register_factory", kind.String(), ErrDuplicateFactory)
	}
	r.factories[kind] = factory
	return nil
}

func (r *Registry) factory(kind StoreKind) (Factory, error) {
	r.factoriesMu.RLock()
	f, ok := r.factories[kind]
	r.factoriesMu.RUnlock()
	if !ok {
		return nil, configError("get_store", kind.String(), ErrUnknownStoreKind)
	}
	return f, nil
}

// GetOrCreate returns the handle registered for (kind, tx, name) or creates
// it through the kind's factory. Unscoped requests always get a fresh handle
// that the registry does not track.
func (r *Registry) GetOrCreate(ctx context.Context, kind StoreKind, tx TxRef, opts ...HandleOption) (*Handle, error) {
	factory, err := r.factory(kind)
	if err != nil {
		return nil, err
	}
	txID, scoped := tx.ID()
	if !scoped {
		store, err := openStore(ctx, factory, kind, tx)
		if err != nil {
			return nil, err
		}
		return NewHandle(kind, tx, store, opts...), nil
	}
	o := buildHandleOptions(opts)
	key := handleKey{kind: kind, tx: txID, name: o.name}
	if h, ok := r.handles.Load(key); ok {
		return h.(*Handle), nil
	}
	v, err, _ := r.group.Do(key.String(), func() (any, error) {
		if h, ok := r.handles.Load(key); ok {
			return h, nil
		}
		store, err := openStore(ctx, factory, kind, tx)
		if err != nil {
			return nil, err
		}
		return r.Register(ctx, txID, NewHandle(kind, tx, store, opts...))
	})
	if err != nil {
		return nil, err
	}
	return v.(*Handle), nil
}

func openStore(ctx context.Context, factory Factory, kind StoreKind, tx TxRef) (Store, error) {
	txID, _ := tx.ID()
	store, err := factory(ctx, tx)
	if err != nil {
		return nil, &Error{Type: ErrorTypePersistence, Operation: "open_store", TxID: txID, Resource: kind.String(), Cause: err}
	}
	if store == nil {
		return nil, configError("open_store", kind.String(), errors.New("factory returned a nil store"))
	}
	return store, nil
}

// Register inserts h under txID. When a handle with the same kind and name is
// already registered it wins: the candidate is disposed and the existing
// handle returned. Callers must use the returned handle.
func (r *Registry) Register(ctx context.Context, txID core.ID, h *Handle) (*Handle, error) {
	if h == nil {
		return nil, errors.New("register: nil handle")
	}
	if txID.IsZero() {
		return nil, misuseError("register_handle", txID, errors.New("transaction id is required"))
	}
	h.tx = InTx(txID)
	r.txMu.Lock()
	if h.seq == 0 {
		h.seq = r.seq.Add(1)
	}
	existing, loaded := r.handles.LoadOrStore(h.key(), h)
	if !loaded {
		r.byTx[txID] = append(r.byTx[txID], h)
	}
	r.txMu.Unlock()
	if !loaded {
		return h, nil
	}
	winner := existing.(*Handle)
	if winner != h {
		logger.FromContext(ctx).Debug(
			"Discarding duplicate store handle",
			"tx_id", txID,
			"store_kind", h.kind,
		)
		if err := h.Dispose(ctx); err != nil {
			logger.FromContext(ctx).Warn("Failed to dispose discarded store handle", "store_kind", h.kind, "error", err)
		}
	}
	return winner, nil
}

// Handles returns the handles of txID in registration order.
func (r *Registry) Handles(txID core.ID) []*Handle {
	r.txMu.Lock()
	defer r.txMu.Unlock()
	return slices.Clone(r.byTx[txID])
}

// RemoveAll drops every handle owned by txID and disposes them. The removed
// handles are returned even when some Dispose calls fail.
func (r *Registry) RemoveAll(ctx context.Context, txID core.ID) ([]*Handle, error) {
	r.txMu.Lock()
	removed := r.byTx[txID]
	delete(r.byTx, txID)
	for _, h := range removed {
		r.handles.Delete(h.key())
	}
	r.txMu.Unlock()

	var errs []error
	for _, h := range removed {
		if err := h.Dispose(ctx); err != nil {
			errs = append(errs, fmt.Errorf("disposing %s: %w", h, err))
		}
	}
	return removed, errors.Join(errs...)
}

// Query returns the tracked handles matching pred, ordered by registration.
// A nil predicate matches everything.
func (r *Registry) Query(pred func(*Handle) bool) []*Handle {
	r.txMu.Lock()
	var out []*Handle
	for _, hs := range r.byTx {
		for _, h := range hs {
			if pred == nil || pred(h) {
				out = append(out, h)
			}
		}
	}
	r.txMu.Unlock()
	slices.SortFunc(out, func(a, b *Handle) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		default:
			return 0
		}
	})
	return out
}

// InTransaction is a Query predicate selecting the handles of txID.
func InTransaction(txID core.ID) func(*Handle) bool {
	return func(h *Handle) bool {
		id, ok := h.tx.ID()
		return ok && id == txID
	}
}

// OfKind is a Query predicate selecting handles of kind.
func OfKind(kind StoreKind) func(*Handle) bool {
	return func(h *Handle) bool {
		return h.kind == kind
	}
}
