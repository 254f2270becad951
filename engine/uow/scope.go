package uow

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/compozy/unitofwork/engine/core"
	"github.com/compozy/unitofwork/pkg/logger"
)

// Mode selects how a new scope relates to the ambient one.
type Mode string

const (
	// ModeJoin reuses the ambient transaction when there is one.
	ModeJoin Mode = "join"
	// ModeIsolate always starts a fresh transaction.
	ModeIsolate Mode = "isolate"
)

// ParseMode validates a mode name from configuration.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeJoin, ModeIsolate:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

// State is the lifecycle position of a scope.
type State int32

const (
	// StateActive accepts stores, events and nested scopes.
	StateActive State = iota
	// StateCompleting is held by an outermost scope while it persists and
	// dispatches.
	StateCompleting
	StateCommitted
	StateRolledBack
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateCompleting:
		return "completing"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled_back"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Scope is one unit-of-work boundary. Joined scopes share their root's
// transaction id and defer completion to it.
type Scope struct {
	id      core.ID
	mode    Mode
	parent  *Scope
	root    *Scope
	manager *Manager
	state   atomic.Int32
	started time.Time

	// root only
	rollbackOnly   atomic.Bool
	activeChildren atomic.Int32
	hooksMu        sync.Mutex
	hooks          []func(ctx context.Context) error
}

func (s *Scope) ID() core.ID { return s.id }

func (s *Scope) Mode() Mode { return s.mode }

func (s *Scope) Parent() *Scope { return s.parent }

// IsRoot reports whether s owns its transaction, i.e. is the outermost scope
// for its id.
func (s *Scope) IsRoot() bool { return s.root == s }

func (s *Scope) State() State { return State(s.state.Load()) }

func (s *Scope) Active() bool { return s.State() == StateActive }

// RollbackOnly reports whether an inner scope exited without committing.
func (s *Scope) RollbackOnly() bool { return s.root.rollbackOnly.Load() }

// OnCommitted registers fn to run after the transaction persisted and its
// events were delivered. Hook errors are logged and never undo the commit.
func (s *Scope) OnCommitted(fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	root := s.root
	root.hooksMu.Lock()
	root.hooks = append(root.hooks, fn)
	root.hooksMu.Unlock()
}

// Commit completes the scope. On a joined scope it only records intent; on
// the outermost scope it persists every store handle in registration order,
// routes the tracked events and releases the handles.
//
// A *DeliveryError return means the data is committed but some events were
// not delivered.
func (s *Scope) Commit(ctx context.Context) error {
	if !s.IsRoot() {
		return s.commitJoined(ctx)
	}
	return s.commitRoot(ctx)
}

func (s *Scope) commitJoined(ctx context.Context) error {
	if s.root.State() != StateActive {
		return misuseError("commit", s.id, ErrScopeCompleted)
	}
	if !s.state.CompareAndSwap(int32(StateActive), int32(StateCommitted)) {
		return misuseError("commit", s.id, ErrScopeCompleted)
	}
	s.root.activeChildren.Add(-1)
	logger.FromContext(ctx).Debug("Joined scope committed", "tx_id", s.id)
	return nil
}

func (s *Scope) commitRoot(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateActive), int32(StateCompleting)) {
		return misuseError("commit", s.id, ErrScopeCompleted)
	}
	m := s.manager
	log := logger.FromContext(ctx).With("tx_id", s.id)

	if n := s.activeChildren.Load(); n > 0 {
		s.state.Store(int32(StateActive))
		return misuseError("commit", s.id, fmt.Errorf("%w: %d", ErrActiveChildren, n))
	}
	if s.rollbackOnly.Load() {
		if err := s.rollback(ctx); err != nil {
			log.Warn("Failed to release handles of rollback-only scope", "error", err)
		}
		return misuseError("commit", s.id, ErrRollbackOnly)
	}
	if err := ctx.Err(); err != nil {
		if rbErr := s.rollback(ctx); rbErr != nil {
			log.Warn("Failed to release handles of cancelled scope", "error", rbErr)
		}
		return &Error{Type: ErrorTypePersistence, Operation: "commit", TxID: s.id, Cause: err}
	}

	// Once the first store persists the commit must run to completion.
	commitCtx := context.WithoutCancel(ctx)
	handles := m.stores.Handles(s.id)
	for _, h := range handles {
		if err := h.Persist(commitCtx); err != nil {
			discarded := m.tracker.Discard(s.id)
			recordDiscarded(commitCtx, discarded)
			if _, rmErr := m.stores.RemoveAll(commitCtx, s.id); rmErr != nil {
				log.Warn("Failed to dispose handles after persist failure", "error", rmErr)
			}
			s.state.Store(int32(StateRolledBack))
			recordScopeOutcome(commitCtx, "persist_failed", s.started)
			log.Error("Persist failed, transaction aborted",
				"store", h.String(),
				"events_discarded", discarded,
				"error", err,
			)
			return &Error{Type: ErrorTypePersistence, Operation: "persist", TxID: s.id, Resource: h.String(), Cause: err}
		}
		recordPersisted(commitCtx, h.Kind())
	}
	s.state.Store(int32(StateCommitted))

	events := m.tracker.Flush(s.id)
	routeErr := m.router.Route(commitCtx, events)
	if _, err := m.stores.RemoveAll(commitCtx, s.id); err != nil {
		log.Warn("Failed to release handles after commit", "error", err)
	}
	if routeErr != nil {
		recordScopeOutcome(commitCtx, "delivery_failed", s.started)
		log.Error("Transaction committed but event delivery failed", "error", routeErr)
		return routeErr
	}
	s.runHooks(commitCtx, log)
	recordScopeOutcome(commitCtx, "committed", s.started)
	log.Debug("Transaction committed", "stores", len(handles), "events", len(events))
	return nil
}

func (s *Scope) runHooks(ctx context.Context, log logger.Logger) {
	s.hooksMu.Lock()
	hooks := s.hooks
	s.hooks = nil
	s.hooksMu.Unlock()
	for _, hook := range hooks {
		if err := hook(ctx); err != nil {
			log.Warn("Post-commit hook failed", "error", err)
		}
	}
}

// Dispose ends the scope without committing. It is a no-op on completed
// scopes, so it is safe to defer right after Begin. A joined scope disposed
// while active marks the whole transaction rollback-only.
func (s *Scope) Dispose(ctx context.Context) error {
	if !s.IsRoot() {
		if s.state.CompareAndSwap(int32(StateActive), int32(StateRolledBack)) {
			s.root.rollbackOnly.Store(true)
			s.root.activeChildren.Add(-1)
			logger.FromContext(ctx).Debug("Joined scope disposed without commit", "tx_id", s.id)
		}
		return nil
	}
	if !s.state.CompareAndSwap(int32(StateActive), int32(StateCompleting)) {
		return nil
	}
	return s.rollback(ctx)
}

// rollback discards events and handles; the caller must hold the completing
// state.
func (s *Scope) rollback(ctx context.Context) error {
	m := s.manager
	rbCtx := context.WithoutCancel(ctx)
	discarded := m.tracker.Discard(s.id)
	recordDiscarded(rbCtx, discarded)
	removed, err := m.stores.RemoveAll(rbCtx, s.id)
	s.state.Store(int32(StateRolledBack))
	s.hooksMu.Lock()
	s.hooks = nil
	s.hooksMu.Unlock()
	recordScopeOutcome(rbCtx, "rolled_back", s.started)
	logger.FromContext(ctx).Debug("Transaction rolled back",
		"tx_id", s.id,
		"stores", len(removed),
		"events_discarded", discarded,
	)
	if err != nil {
		return &Error{Type: ErrorTypePersistence, Operation: "dispose", TxID: s.id, Cause: err}
	}
	return nil
}
