// Package uowtest provides store and producer doubles for unit-of-work tests.
package uowtest

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/compozy/unitofwork/engine/uow"
)

// SpyStore counts Persist and Dispose calls. PersistErr, when set, is
// returned by every Persist call. OnPersist runs before Persist returns.
type SpyStore struct {
	Kind       uow.StoreKind
	TxRef      uow.TxRef
	PersistErr error
	DisposeErr error
	OnPersist  func(ctx context.Context)

	persists atomic.Int32
	disposes atomic.Int32
	journal  *Journal
}

func (s *SpyStore) Persist(ctx context.Context) error {
	if s.OnPersist != nil {
		s.OnPersist(ctx)
	}
	s.persists.Add(1)
	s.journal.add("persist:" + string(s.Kind))
	return s.PersistErr
}

func (s *SpyStore) Dispose(_ context.Context) error {
	s.disposes.Add(1)
	s.journal.add("dispose:" + string(s.Kind))
	return s.DisposeErr
}

func (s *SpyStore) Persists() int { return int(s.persists.Load()) }

func (s *SpyStore) Disposes() int { return int(s.disposes.Load()) }

// Journal records store calls across stores, in order.
type Journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *Journal) add(entry string) {
	if j == nil {
		return
	}
	j.mu.Lock()
	j.entries = append(j.entries, entry)
	j.mu.Unlock()
}

func (j *Journal) Entries() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

// SpyFactory builds SpyStores for one kind and keeps every store it created.
type SpyFactory struct {
	Kind       uow.StoreKind
	PersistErr error
	OpenErr    error
	Journal    *Journal

	mu     sync.Mutex
	stores []*SpyStore
}

func NewSpyFactory(kind uow.StoreKind) *SpyFactory {
	return &SpyFactory{Kind: kind}
}

func (f *SpyFactory) Factory() uow.Factory {
	return func(_ context.Context, tx uow.TxRef) (uow.Store, error) {
		if f.OpenErr != nil {
			return nil, f.OpenErr
		}
		s := &SpyStore{Kind: f.Kind, TxRef: tx, PersistErr: f.PersistErr, journal: f.Journal}
		f.mu.Lock()
		f.stores = append(f.stores, s)
		f.mu.Unlock()
		return s, nil
	}
}

func (f *SpyFactory) Stores() []*SpyStore {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*SpyStore(nil), f.stores...)
}

func (f *SpyFactory) Created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stores)
}

// RecordingProducer keeps every event it receives, in order.
type RecordingProducer struct {
	ProducerName string
	Err          error

	mu     sync.Mutex
	events []uow.Event
	calls  int
}

func NewRecordingProducer(name string) *RecordingProducer {
	return &RecordingProducer{ProducerName: name}
}

func (p *RecordingProducer) Name() string { return p.ProducerName }

func (p *RecordingProducer) Produce(_ context.Context, ev uow.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.Err != nil {
		return p.Err
	}
	p.events = append(p.events, ev)
	return nil
}

func (p *RecordingProducer) Events() []uow.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]uow.Event(nil), p.events...)
}

// Calls counts Produce invocations, failed ones included.
func (p *RecordingProducer) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Event is a minimal uow.Event carrying a payload.
type Event struct {
	EventKind uow.EventKind
	Payload   map[string]any
}

func (e Event) Kind() uow.EventKind { return e.EventKind }
