package mcp

import (
	"context"
	"errors"
	"sync"
	"time"
)

// CorrelationTable matches responses arriving on one channel with the requests that were
// submitted on another. Every outstanding request owns one PendingCall keyed by its id.
//
// A table is safe for concurrent use. Callers register from any goroutine, while a session's
// single reader loop is the only one expected to call Resolve.
type CorrelationTable struct {
	mu      sync.Mutex
	pending map[RequestID]*PendingCall
	closed  bool

	// Recently cancelled ids, so a late response for one of them is dropped instead of
	// reported as unknown. Bounded by maxTombstones, oldest evicted first.
	tombstones     map[RequestID]struct{}
	tombstoneOrder []RequestID
	maxTombstones  int
}

// PendingCall is the single-assignment slot for one outstanding request.
type PendingCall struct {
	ID       RequestID
	IssuedAt time.Time

	table *CorrelationTable
	done  chan callOutcome
}

type callOutcome struct {
	msg JSONRPCMessage
	err error
}

const defaultMaxTombstones = 1024

// NewCorrelationTable returns an empty, open table.
func NewCorrelationTable() *CorrelationTable {
	return &CorrelationTable{
		pending:       make(map[RequestID]*PendingCall),
		tombstones:    make(map[RequestID]struct{}),
		maxTombstones: defaultMaxTombstones,
	}
}

// Register creates the pending slot for id. It must be called before the request is submitted,
// so a response that arrives immediately is never mistaken for an unknown id.
func (t *CorrelationTable) Register(id RequestID) (*PendingCall, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrSessionClosed
	}
	if _, ok := t.pending[id]; ok {
		return nil, ErrDuplicateID
	}

	// A reused id starts a new logical call, a late response for the old one must not land here.
	t.forgetTombstone(id)

	pc := &PendingCall{
		ID:       id,
		IssuedAt: time.Now(),
		table:    t,
		done:     make(chan callOutcome, 1),
	}
	t.pending[id] = pc
	return pc, nil
}

// Resolve delivers msg to the call waiting on id. It returns ErrUnknownID if no call with that
// id was ever registered. A response for a call that was already cancelled is dropped.
func (t *CorrelationTable) Resolve(id RequestID, msg JSONRPCMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	pc, ok := t.pending[id]
	if !ok {
		if _, cancelled := t.tombstones[id]; cancelled {
			t.forgetTombstone(id)
			return nil
		}
		return ErrUnknownID
	}
	delete(t.pending, id)
	pc.done <- callOutcome{msg: msg}
	return nil
}

// Cancel removes the pending call for id without resolving it. The waiter observes reason,
// ErrCancelled is used when reason is nil. Cancelling an id that is no longer pending is a no-op.
func (t *CorrelationTable) Cancel(id RequestID, reason error) {
	if reason == nil {
		reason = ErrCancelled
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	pc, ok := t.pending[id]
	if !ok {
		return
	}
	delete(t.pending, id)
	t.addTombstone(id)
	pc.done <- callOutcome{err: reason}
}

// Close cancels every pending call with ErrCancelled and refuses further registrations.
// Waiters observe an error matching both ErrCancelled and reason, when reason is given.
func (t *CorrelationTable) Close(reason error) {
	err := ErrCancelled
	if reason != nil && !errors.Is(reason, ErrCancelled) {
		err = errors.Join(ErrCancelled, reason)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	for id, pc := range t.pending {
		delete(t.pending, id)
		pc.done <- callOutcome{err: err}
	}
}

// Len returns the number of calls still waiting for a response.
func (t *CorrelationTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.pending)
}

// Pending reports whether a call with the given id is still waiting.
func (t *CorrelationTable) Pending(id RequestID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.pending[id]
	return ok
}

func (t *CorrelationTable) addTombstone(id RequestID) {
	if _, ok := t.tombstones[id]; ok {
		return
	}
	if len(t.tombstoneOrder) >= t.maxTombstones {
		oldest := t.tombstoneOrder[0]
		t.tombstoneOrder = t.tombstoneOrder[1:]
		delete(t.tombstones, oldest)
	}
	t.tombstones[id] = struct{}{}
	t.tombstoneOrder = append(t.tombstoneOrder, id)
}

func (t *CorrelationTable) forgetTombstone(id RequestID) {
	if _, ok := t.tombstones[id]; !ok {
		return
	}
	delete(t.tombstones, id)
	for i, tid := range t.tombstoneOrder {
		if tid == id {
			t.tombstoneOrder = append(t.tombstoneOrder[:i], t.tombstoneOrder[i+1:]...)
			break
		}
	}
}

// Wait blocks until the call is resolved or ctx is done. An elapsed deadline cancels the call
// with ErrTimeout, any other context cancellation with ErrCancelled. Either way the call is
// removed from its table before Wait returns.
func (p *PendingCall) Wait(ctx context.Context) (JSONRPCMessage, error) {
	select {
	case out := <-p.done:
		return out.msg, out.err
	case <-ctx.Done():
	}

	reason := ErrCancelled
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		reason = ErrTimeout
	}
	p.table.Cancel(p.ID, reason)

	// Either Cancel above or a concurrent Resolve/Close filled the slot, exactly once.
	out := <-p.done
	return out.msg, out.err
}
