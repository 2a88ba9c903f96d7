package sequencer

import (
	"sync"

	"worldledger.ai/internal/protocol"
)

// resultBook remembers the outcome of the most recent submissions so that
// asynchronous proposers can poll for them and resubmissions of an already
// committed id are answered without re-applying.
type resultBook struct {
	mu      sync.Mutex
	limit   int
	order   []string
	byID    map[string]protocol.Result
	pending map[string]string // id -> kind
}

func newResultBook(limit int) *resultBook {
	if limit <= 0 {
		limit = 4096
	}
	return &resultBook{
		limit:   limit,
		byID:    map[string]protocol.Result{},
		pending: map[string]string{},
	}
}

// begin marks id pending. It reports false when id is already pending or
// has a recorded outcome.
func (b *resultBook) begin(id, kind string) (protocol.Result, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.byID[id]; ok && r.Committed() {
		return r, false
	}
	if k, ok := b.pending[id]; ok {
		return protocol.Result{ChangesetID: id, Kind: k, Status: protocol.StatusPending}, false
	}
	b.pending[id] = kind
	return protocol.Result{}, true
}

func (b *resultBook) finish(r protocol.Result) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, r.ChangesetID)
	if _, ok := b.byID[r.ChangesetID]; !ok {
		b.order = append(b.order, r.ChangesetID)
	}
	b.byID[r.ChangesetID] = r
	for len(b.order) > b.limit {
		delete(b.byID, b.order[0])
		b.order = b.order[1:]
	}
}

func (b *resultBook) get(id string) (protocol.Result, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.byID[id]; ok {
		return r, true
	}
	if k, ok := b.pending[id]; ok {
		return protocol.Result{ChangesetID: id, Kind: k, Status: protocol.StatusPending}, true
	}
	return protocol.Result{}, false
}
