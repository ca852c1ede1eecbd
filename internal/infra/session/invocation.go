package session

import (
	"sync"
	"time"

	"mcphost/internal/domain"
)

// invocationTable tracks in-flight tool calls and a bounded history of
// resolved ones. Records are keyed by the JSON-RPC request id, so the
// pending set here mirrors the RPC client's pending-call table.
type invocationTable struct {
	mu        sync.Mutex
	pending   map[int64]*invocationRecord
	completed []domain.Invocation
	history   int
}

type invocationRecord struct {
	inv  domain.Invocation
	done chan struct{}
}

func newInvocationTable(history int) *invocationTable {
	if history <= 0 {
		history = domain.DefaultCompletedHistory
	}
	return &invocationTable{
		pending: make(map[int64]*invocationRecord),
		history: history,
	}
}

func (t *invocationTable) add(inv domain.Invocation) *invocationRecord {
	record := &invocationRecord{inv: inv, done: make(chan struct{})}
	t.mu.Lock()
	t.pending[inv.ID] = record
	t.mu.Unlock()
	return record
}

// resolve moves a pending invocation into the completed history. The
// first resolution wins; later calls for the same id are no-ops, which
// makes the close path and the per-call await path safely concurrent.
func (t *invocationTable) resolve(id int64, state domain.InvocationState, result []byte, err error) (domain.Invocation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	record, ok := t.pending[id]
	if !ok {
		return domain.Invocation{}, false
	}
	delete(t.pending, id)

	record.inv.State = state
	record.inv.Result = result
	record.inv.Err = err
	record.inv.ResolvedAt = time.Now()

	t.completed = append(t.completed, record.inv)
	if len(t.completed) > t.history {
		t.completed = t.completed[len(t.completed)-t.history:]
	}
	close(record.done)
	return record.inv, true
}

// cancelAll resolves every pending invocation as cancelled.
func (t *invocationTable) cancelAll(err error) []domain.Invocation {
	t.mu.Lock()
	ids := make([]int64, 0, len(t.pending))
	for id := range t.pending {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	cancelled := make([]domain.Invocation, 0, len(ids))
	for _, id := range ids {
		if inv, ok := t.resolve(id, domain.InvocationCancelled, nil, err); ok {
			cancelled = append(cancelled, inv)
		}
	}
	return cancelled
}

func (t *invocationTable) get(id int64) (*invocationRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if record, ok := t.pending[id]; ok {
		return record, true
	}
	return nil, false
}

// lookup returns the current snapshot of one invocation, pending or
// completed.
func (t *invocationTable) lookup(id int64) (domain.Invocation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if record, ok := t.pending[id]; ok {
		return record.inv, true
	}
	for i := len(t.completed) - 1; i >= 0; i-- {
		if t.completed[i].ID == id {
			return t.completed[i], true
		}
	}
	return domain.Invocation{}, false
}

func (t *invocationTable) pendingSnapshot() []domain.Invocation {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.Invocation, 0, len(t.pending))
	for _, record := range t.pending {
		out = append(out, record.inv)
	}
	return out
}

func (t *invocationTable) completedSnapshot() []domain.Invocation {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.Invocation, len(t.completed))
	copy(out, t.completed)
	return out
}

func (t *invocationTable) pendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
