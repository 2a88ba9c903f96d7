package store

import (
	"sort"
	"time"
)

// Tx builds the next State from a base State without mutating it. Each
// document is copied the first time it is touched; untouched documents are
// shared with the base.
type Tx struct {
	base *State
	next State
	now  time.Time

	touched        map[DocName]bool
	objectsCloned  bool
	countersCloned bool
	activityCloned bool
	docsCloned     bool
}

func (s *State) Begin(now time.Time) *Tx {
	return &Tx{
		base:    s,
		next:    *s,
		now:     now.UTC(),
		touched: map[DocName]bool{},
	}
}

// View is the prospective state including everything applied so far. It
// must be treated as read-only.
func (tx *Tx) View() *State { return &tx.next }

func (tx *Tx) Base() *State { return tx.base }

func (tx *Tx) Now() time.Time { return tx.now }

// Rev is the version every record written by this transaction into doc will
// carry.
func (tx *Tx) Rev(doc DocName) uint64 { return tx.base.Docs[doc].Version + 1 }

// Touched returns the touched documents, sorted.
func (tx *Tx) Touched() []DocName {
	out := make([]DocName, 0, len(tx.touched))
	for d := range tx.touched {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (tx *Tx) touch(doc DocName) {
	if tx.touched[doc] {
		return
	}
	tx.touched[doc] = true
	switch doc {
	case DocAgents:
		tx.next.Agents = cloneMap(tx.base.Agents)
	case DocActions:
		tx.next.Actions = append([]Action(nil), tx.base.Actions...)
	case DocChat:
		tx.next.Chat = append([]ChatMessage(nil), tx.base.Chat...)
	case DocInventory:
		tx.next.Inventory = cloneMap(tx.base.Inventory)
	case DocTrades:
		tx.next.Trades = cloneMap(tx.base.Trades)
	default:
		w, ok := doc.ObjectsWorld()
		if !ok {
			return
		}
		if !tx.objectsCloned {
			tx.next.Objects = cloneMap(tx.base.Objects)
			tx.objectsCloned = true
		}
		tx.next.Objects[w] = append([]WorldObject(nil), tx.base.Objects[w]...)
	}
}

func (tx *Tx) noteActivity(agentID string, ts time.Time) {
	if !tx.activityCloned {
		tx.next.LastActivity = cloneMap(tx.base.LastActivity)
		tx.activityCloned = true
	}
	if prev, ok := tx.next.LastActivity[agentID]; !ok || ts.After(prev) {
		tx.next.LastActivity[agentID] = ts
	}
}

func (tx *Tx) cloneCounters() {
	if !tx.countersCloned {
		tx.next.Counters = cloneMap(tx.base.Counters)
		tx.countersCloned = true
	}
}

// NextID hands out the next "<prefix>-NNN" id.
func (tx *Tx) NextID(prefix string) string {
	tx.cloneCounters()
	tx.next.Counters[prefix]++
	return FormatID(prefix, tx.next.Counters[prefix])
}

// claimID keeps the counter ahead of proposer-supplied sequential ids.
func (tx *Tx) claimID(prefix, id string) string {
	if id == "" {
		return tx.NextID(prefix)
	}
	if n, ok := ParseID(prefix, id); ok && n > tx.next.Counters[prefix] {
		tx.cloneCounters()
		tx.next.Counters[prefix] = n
	}
	return id
}

func (tx *Tx) PutAgent(a Agent) Agent {
	tx.touch(DocAgents)
	a.Rev = tx.Rev(DocAgents)
	tx.next.Agents[a.ID] = a
	return a
}

func (tx *Tx) AppendAction(a Action) Action {
	tx.touch(DocActions)
	a.ID = tx.claimID(PrefixAction, a.ID)
	a.Timestamp = a.Timestamp.UTC()
	a.Rev = tx.Rev(DocActions)
	tx.next.Actions = append(tx.next.Actions, a)
	tx.noteActivity(a.AgentID, a.Timestamp)
	return a
}

func (tx *Tx) AppendChat(m ChatMessage) ChatMessage {
	tx.touch(DocChat)
	m.ID = tx.claimID(PrefixChat, m.ID)
	m.Timestamp = m.Timestamp.UTC()
	m.Rev = tx.Rev(DocChat)
	tx.next.Chat = append(tx.next.Chat, m)
	tx.noteActivity(m.AgentID, m.Timestamp)
	return m
}

func (tx *Tx) PutTrade(t Trade) Trade {
	tx.touch(DocTrades)
	t.ID = tx.claimID(PrefixTrade, t.ID)
	t.CreatedAt = t.CreatedAt.UTC()
	t.Rev = tx.Rev(DocTrades)
	tx.next.Trades[t.ID] = t
	return t
}

// SetInventory replaces an agent's holdings. Zero quantities drop the item.
func (tx *Tx) SetInventory(agentID string, items map[string]int) Inventory {
	tx.touch(DocInventory)
	inv := Inventory{AgentID: agentID, Items: make(map[string]int, len(items)), Rev: tx.Rev(DocInventory)}
	for item, n := range items {
		if n != 0 {
			inv.Items[item] = n
		}
	}
	tx.next.Inventory[agentID] = inv
	return inv
}

func (tx *Tx) AppendObject(o WorldObject) WorldObject {
	doc := ObjectsDoc(o.WorldID)
	tx.touch(doc)
	o.ID = tx.claimID(PrefixObject, o.ID)
	o.Rev = tx.Rev(doc)
	tx.next.Objects[o.WorldID] = append(tx.next.Objects[o.WorldID], o)
	return o
}

// Commit finalizes the transaction: every touched document advances by
// exactly one version, append logs are cut to the newest retain entries
// (retain <= 0 keeps everything) and the commit sequence advances.
func (tx *Tx) Commit(retain int) *State {
	if !tx.docsCloned {
		tx.next.Docs = cloneMap(tx.base.Docs)
		tx.docsCloned = true
	}
	for doc := range tx.touched {
		meta := tx.next.Docs[doc]
		meta.Version++
		meta.LastUpdate = tx.now
		tx.next.Docs[doc] = meta
	}
	if retain > 0 {
		if n := len(tx.next.Actions); n > retain {
			dropped := tx.next.Actions[n-retain-1].Rev
			tx.next.Actions = append([]Action(nil), tx.next.Actions[n-retain:]...)
			tx.markTruncated(DocActions, dropped)
		}
		if n := len(tx.next.Chat); n > retain {
			dropped := tx.next.Chat[n-retain-1].Rev
			tx.next.Chat = append([]ChatMessage(nil), tx.next.Chat[n-retain:]...)
			tx.markTruncated(DocChat, dropped)
		}
	}
	tx.next.Seq = tx.base.Seq + 1
	out := tx.next
	return &out
}

func (tx *Tx) markTruncated(doc DocName, through uint64) {
	meta := tx.next.Docs[doc]
	if through > meta.TruncatedThrough {
		meta.TruncatedThrough = through
	}
	tx.next.Docs[doc] = meta
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
