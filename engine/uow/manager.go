package uow

import (
	"context"
	"fmt"
	"time"

	"github.com/compozy/unitofwork/engine/core"
	"github.com/compozy/unitofwork/pkg/logger"
)

// scopeKey is unique per Manager so two managers never see each other's
// scopes on a shared context.
type scopeKey struct {
	m *Manager
}

// Manager opens scopes and resolves the ambient one from a context.
type Manager struct {
	stores      *Registry
	tracker     *Tracker
	router      *Router
	defaultMode Mode
	newID       func() (core.ID, error)
	now         func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithRegistry replaces the default store registry.
func WithRegistry(r *Registry) Option {
	return func(m *Manager) {
		if r != nil {
			m.stores = r
		}
	}
}

// WithTracker replaces the default event tracker.
func WithTracker(t *Tracker) Option {
	return func(m *Manager) {
		if t != nil {
			m.tracker = t
		}
	}
}

// WithRouter replaces the default router and its producer registry.
func WithRouter(r *Router) Option {
	return func(m *Manager) {
		if r != nil {
			m.router = r
		}
	}
}

// WithDefaultMode sets the mode used when Begin receives an empty mode.
func WithDefaultMode(mode Mode) Option {
	return func(m *Manager) {
		if mode != "" {
			m.defaultMode = mode
		}
	}
}

// WithIDGenerator overrides how transaction ids are minted.
func WithIDGenerator(fn func() (core.ID, error)) Option {
	return func(m *Manager) {
		if fn != nil {
			m.newID = fn
		}
	}
}

// NewManager builds a Manager, filling every component not supplied by opts.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		defaultMode: ModeJoin,
		newID:       core.NewID,
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.stores == nil {
		m.stores = NewRegistry()
	}
	if m.tracker == nil {
		m.tracker = NewTracker()
	}
	if m.router == nil {
		m.router = NewRouter(NewProducerRegistry())
	}
	return m
}

func (m *Manager) Stores() *Registry { return m.stores }

func (m *Manager) Tracker() *Tracker { return m.tracker }

func (m *Manager) Router() *Router { return m.router }

func (m *Manager) Producers() *ProducerRegistry { return m.router.Producers() }

// RegisterStore binds a store factory to kind. Setup time only.
func (m *Manager) RegisterStore(kind StoreKind, factory Factory) error {
	return m.stores.RegisterFactory(kind, factory)
}

// RegisterProducer subscribes p to events of kind. Setup time only.
func (m *Manager) RegisterProducer(kind EventKind, p Producer) error {
	return m.router.Producers().Register(kind, p)
}

// Current returns the innermost active scope carried by ctx, or nil.
// Completed scopes are skipped in favour of their active parents.
func (m *Manager) Current(ctx context.Context) *Scope {
	if ctx == nil {
		return nil
	}
	s, _ := ctx.Value(scopeKey{m: m}).(*Scope)
	for s != nil && !s.Active() {
		s = s.parent
	}
	return s
}

// Begin opens a scope and returns the context carrying it. With ModeJoin and
// an active ambient scope the new scope shares its transaction; otherwise a
// new transaction id is allocated. An empty mode selects the manager default.
func (m *Manager) Begin(ctx context.Context, mode Mode) (context.Context, *Scope, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if mode == "" {
		mode = m.defaultMode
	}
	if _, err := ParseMode(string(mode)); err != nil {
		return ctx, nil, misuseError("begin", "", err)
	}
	parent := m.Current(ctx)
	if mode == ModeJoin && parent != nil {
		child := &Scope{
			id:      parent.id,
			mode:    ModeJoin,
			parent:  parent,
			root:    parent.root,
			manager: m,
			started: m.now(),
		}
		child.root.activeChildren.Add(1)
		logger.FromContext(ctx).Debug("Joined ambient scope", "tx_id", child.id)
		return context.WithValue(ctx, scopeKey{m: m}, child), child, nil
	}
	id, err := m.newID()
	if err != nil {
		return ctx, nil, fmt.Errorf("allocating transaction id: %w", err)
	}
	s := &Scope{
		id:      id,
		mode:    mode,
		parent:  parent,
		manager: m,
		started: m.now(),
	}
	s.root = s
	log := logger.FromContext(ctx)
	if parent != nil {
		log.Debug("Began isolated scope", "tx_id", id, "parent_tx_id", parent.id)
	} else {
		log.Debug("Began scope", "tx_id", id, "mode", mode)
	}
	return context.WithValue(ctx, scopeKey{m: m}, s), s, nil
}

// Execute runs fn inside a scope: it commits when fn returns nil and disposes
// the scope in every case, including panics.
func (m *Manager) Execute(ctx context.Context, mode Mode, fn func(ctx context.Context) error) (err error) {
	scopeCtx, s, err := m.Begin(ctx, mode)
	if err != nil {
		return err
	}
	defer func() {
		if dErr := s.Dispose(scopeCtx); dErr != nil && err == nil {
			err = dErr
		}
	}()
	if err := fn(scopeCtx); err != nil {
		return err
	}
	return s.Commit(scopeCtx)
}

// GetStore returns the handle of kind for the ambient transaction. Outside
// any scope it returns a fresh, untracked handle.
func (m *Manager) GetStore(ctx context.Context, kind StoreKind, opts ...HandleOption) (*Handle, error) {
	tx := Unscoped()
	if s := m.Current(ctx); s != nil {
		tx = InTx(s.id)
	}
	return m.stores.GetOrCreate(ctx, kind, tx, opts...)
}

// Track records ev against the ambient transaction. It fails with a scope
// misuse error when ctx carries no active scope.
func (m *Manager) Track(ctx context.Context, ev Event) error {
	s := m.Current(ctx)
	if s == nil {
		return misuseError("track", "", ErrNoActiveScope)
	}
	_, err := m.tracker.Track(s.id, ev)
	return err
}

// GetStore is the typed form of Manager.GetStore.
func GetStore[T Store](ctx context.Context, m *Manager, kind StoreKind, opts ...HandleOption) (T, *Handle, error) {
	var zero T
	h, err := m.GetStore(ctx, kind, opts...)
	if err != nil {
		return zero, nil, err
	}
	s, ok := StoreAs[T](h)
	if !ok {
		return zero, nil, configError("get_store", kind.String(), fmt.Errorf("store is %T, not %T", h.Store(), zero))
	}
	return s, h, nil
}
