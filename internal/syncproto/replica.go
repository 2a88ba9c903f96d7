package syncproto

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"worldledger.ai/internal/sim/store"
)

// ErrResyncRequired means a delta cannot be applied on top of the replica;
// the client must fetch a full snapshot.
var ErrResyncRequired = errors.New("syncproto: full snapshot required")

// Replica is a client's read-only copy of the world. It is safe for
// concurrent use.
type Replica struct {
	mu sync.RWMutex

	seq       uint64
	versions  map[string]uint64
	agents    map[string]store.Agent
	prevPos   map[string]store.Vec2
	actions   []store.Action
	chat      []store.ChatMessage
	inventory map[string]store.Inventory
	trades    map[string]store.Trade
	objects   map[string][]store.WorldObject
	readOnly  bool

	// retain caps the local action and chat logs; 0 keeps everything.
	retain int
}

func NewReplica(retain int) *Replica {
	r := &Replica{retain: retain}
	r.clear()
	return r
}

func (r *Replica) clear() {
	r.seq = 0
	r.versions = map[string]uint64{}
	r.agents = map[string]store.Agent{}
	r.prevPos = map[string]store.Vec2{}
	r.actions = nil
	r.chat = nil
	r.inventory = map[string]store.Inventory{}
	r.trades = map[string]store.Trade{}
	r.objects = map[string][]store.WorldObject{}
}

// ApplySnapshot replaces the replica's contents. Positions held before the
// snapshot are kept as the interpolation origin.
func (r *Replica) ApplySnapshot(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := map[string]store.Vec2{}
	for id, a := range r.agents {
		prev[id] = a.Position
	}
	r.clear()
	r.seq = s.Seq
	for doc, v := range s.Versions {
		r.versions[doc] = v
	}
	for _, a := range s.Agents {
		r.agents[a.ID] = a
		if p, ok := prev[a.ID]; ok {
			r.prevPos[a.ID] = p
		} else {
			r.prevPos[a.ID] = a.Position
		}
	}
	r.actions = append(r.actions, s.Actions...)
	r.chat = append(r.chat, s.Chat...)
	for _, inv := range s.Inventory {
		r.inventory[inv.AgentID] = inv
	}
	for _, t := range s.Trades {
		r.trades[t.ID] = t
	}
	for w, objs := range s.Objects {
		r.objects[w] = append([]store.WorldObject(nil), objs...)
	}
	r.readOnly = s.ReadOnly
	r.trim()
}

// ApplyDelta merges d. It applies nothing and returns ErrResyncRequired
// when d signals truncation or a reset, or when d is older than the replica.
func (r *Replica) ApplyDelta(d Delta) error {
	if d.NeedsSnapshot() {
		return fmt.Errorf("%w: truncated=%v reset=%v", ErrResyncRequired, d.Truncated, d.Reset)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if d.Seq < r.seq {
		return fmt.Errorf("%w: delta seq %d behind replica seq %d", ErrResyncRequired, d.Seq, r.seq)
	}

	for id, a := range r.agents {
		r.prevPos[id] = a.Position
	}
	docs := make([]string, 0, len(d.Docs))
	for doc := range d.Docs {
		docs = append(docs, doc)
	}
	sort.Strings(docs)
	for _, doc := range docs {
		dd := d.Docs[doc]
		known := r.versions[doc]
		if dd.Version <= known {
			continue
		}
		for _, a := range dd.Agents {
			r.agents[a.ID] = a
			if _, ok := r.prevPos[a.ID]; !ok {
				r.prevPos[a.ID] = a.Position
			}
		}
		for _, a := range dd.Actions {
			if a.Rev > known {
				r.actions = append(r.actions, a)
			}
		}
		for _, m := range dd.Chat {
			if m.Rev > known {
				r.chat = append(r.chat, m)
			}
		}
		for _, inv := range dd.Inventory {
			r.inventory[inv.AgentID] = inv
		}
		for _, t := range dd.Trades {
			r.trades[t.ID] = t
		}
		for _, o := range dd.Objects {
			if o.Rev > known {
				r.objects[o.WorldID] = append(r.objects[o.WorldID], o)
			}
		}
		r.versions[doc] = dd.Version
	}
	r.seq = d.Seq
	r.readOnly = d.ReadOnly
	r.trim()
	return nil
}

func (r *Replica) trim() {
	if r.retain <= 0 {
		return
	}
	if n := len(r.actions); n > r.retain {
		r.actions = append([]store.Action(nil), r.actions[n-r.retain:]...)
	}
	if n := len(r.chat); n > r.retain {
		r.chat = append([]store.ChatMessage(nil), r.chat[n-r.retain:]...)
	}
}

// Known returns the versions to send with the next delta request.
func (r *Replica) Known() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]uint64, len(r.versions))
	for k, v := range r.versions {
		out[k] = v
	}
	return out
}

func (r *Replica) Seq() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.seq
}

func (r *Replica) ReadOnly() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.readOnly
}

func (r *Replica) Agent(id string) (store.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	return a, ok
}

// Agents returns every agent ordered by id.
func (r *Replica) Agents() []store.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedAgents(r.agents, 0)
}

func (r *Replica) Actions() []store.Action {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]store.Action(nil), r.actions...)
}

func (r *Replica) Chat() []store.ChatMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]store.ChatMessage(nil), r.chat...)
}

func (r *Replica) Inventory(agentID string) map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := map[string]int{}
	for k, v := range r.inventory[agentID].Items {
		out[k] = v
	}
	return out
}

func (r *Replica) Trade(id string) (store.Trade, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.trades[id]
	return t, ok
}

// Trades returns every trade ordered by id.
func (r *Replica) Trades() []store.Trade {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedTrades(r.trades, 0)
}

func (r *Replica) Objects(worldID string) []store.WorldObject {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]store.WorldObject(nil), r.objects[worldID]...)
}

// Interpolated blends an agent's position between the last two applied
// updates; alpha 0 is the previous position and 1 the current one. It is
// cosmetic and never fed back into changesets.
func (r *Replica) Interpolated(agentID string, alpha float64) (store.Vec2, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentID]
	if !ok {
		return store.Vec2{}, false
	}
	prev, ok := r.prevPos[agentID]
	if !ok {
		return a.Position, true
	}
	return Interpolate(prev, a.Position, alpha), true
}

func Interpolate(from, to store.Vec2, alpha float64) store.Vec2 {
	if alpha <= 0 {
		return from
	}
	if alpha >= 1 {
		return to
	}
	return store.Vec2{
		X: from.X + (to.X-from.X)*alpha,
		Z: from.Z + (to.Z-from.Z)*alpha,
	}
}
