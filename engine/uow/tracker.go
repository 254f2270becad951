package uow

import (
	"errors"
	"sync"
	"time"

	"github.com/compozy/unitofwork/engine/core"
)

// Tracker buffers domain events per transaction in FIFO order.
type Tracker struct {
	mu      sync.Mutex
	buffers map[core.ID][]LocalEvent
	seq     uint64
	now     func() time.Time
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		buffers: make(map[core.ID][]LocalEvent),
		now:     time.Now,
	}
}

// Track appends ev to the buffer of txID.
func (t *Tracker) Track(txID core.ID, ev Event) (LocalEvent, error) {
	if ev == nil {
		return LocalEvent{}, misuseError("track", txID, errors.New("nil event"))
	}
	if txID.IsZero() {
		return LocalEvent{}, misuseError("track", txID, ErrNoActiveScope)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	local := LocalEvent{
		Event:    ev,
		TxID:     txID,
		Seq:      t.seq,
		RaisedAt: t.now(),
	}
	t.buffers[txID] = append(t.buffers[txID], local)
	return local, nil
}

// Flush returns the events of txID in tracking order and clears the buffer.
// Only the committing scope calls it.
func (t *Tracker) Flush(txID core.ID) []LocalEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	events := t.buffers[txID]
	delete(t.buffers, txID)
	return events
}

// Discard drops the buffer of txID and reports how many events were dropped.
func (t *Tracker) Discard(txID core.ID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.buffers[txID])
	delete(t.buffers, txID)
	return n
}

// Pending reports how many events txID holds.
func (t *Tracker) Pending(txID core.ID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buffers[txID])
}
