// Package syncproto is the read-side contract for polling clients: full
// snapshots, per-document deltas since a client's known versions, and the
// client replica that applies them.
package syncproto

import (
	"sort"
	"time"

	"worldledger.ai/internal/protocol"
	"worldledger.ai/internal/sim/store"
)

type Snapshot struct {
	ProtocolVersion string                         `json:"protocol_version"`
	Seq             uint64                         `json:"seq"`
	Versions        map[string]uint64              `json:"versions"`
	LastUpdate      map[string]time.Time           `json:"last_update"`
	Truncated       map[string]uint64              `json:"truncated_through,omitempty"`
	Agents          []store.Agent                  `json:"agents"`
	Actions         []store.Action                 `json:"actions"`
	Chat            []store.ChatMessage            `json:"chat"`
	Inventory       []store.Inventory              `json:"inventory"`
	Trades          []store.Trade                  `json:"trades"`
	Objects         map[string][]store.WorldObject `json:"objects"`
	ReadOnly        bool                           `json:"read_only"`
	ReadOnlyReason  string                         `json:"read_only_reason,omitempty"`
}

// DocDelta carries the records of one document that changed after the
// client's version. Only the slice matching the document is set.
type DocDelta struct {
	Version    uint64              `json:"version"`
	LastUpdate time.Time           `json:"last_update"`
	Agents     []store.Agent       `json:"agents,omitempty"`
	Actions    []store.Action      `json:"actions,omitempty"`
	Chat       []store.ChatMessage `json:"chat,omitempty"`
	Inventory  []store.Inventory   `json:"inventory,omitempty"`
	Trades     []store.Trade       `json:"trades,omitempty"`
	Objects    []store.WorldObject `json:"objects,omitempty"`
}

// Delta lists changed documents only. A document in Truncated lost entries
// the client never saw; one in Reset is older on the server than the
// client claims. Either means the client must fetch a full snapshot.
type Delta struct {
	ProtocolVersion string              `json:"protocol_version"`
	Seq             uint64              `json:"seq"`
	Docs            map[string]DocDelta `json:"docs"`
	Truncated       []string            `json:"truncated,omitempty"`
	Reset           []string            `json:"reset,omitempty"`
	ReadOnly        bool                `json:"read_only"`
}

func (d Delta) NeedsSnapshot() bool { return len(d.Truncated) > 0 || len(d.Reset) > 0 }

// CurrentSnapshot renders st. Slices are ordered by id so equal states
// render identically.
func CurrentSnapshot(st *store.State, readOnlyReason string, readOnly bool) Snapshot {
	snap := Snapshot{
		ProtocolVersion: protocol.Version,
		Seq:             st.Seq,
		Versions:        st.Versions(),
		LastUpdate:      map[string]time.Time{},
		Agents:          sortedAgents(st.Agents, 0),
		Actions:         append([]store.Action{}, st.Actions...),
		Chat:            append([]store.ChatMessage{}, st.Chat...),
		Inventory:       sortedInventory(st.Inventory, 0),
		Trades:          sortedTrades(st.Trades, 0),
		Objects:         map[string][]store.WorldObject{},
		ReadOnly:        readOnly,
		ReadOnlyReason:  readOnlyReason,
	}
	for name, meta := range st.Docs {
		snap.LastUpdate[string(name)] = meta.LastUpdate
		if meta.TruncatedThrough > 0 {
			if snap.Truncated == nil {
				snap.Truncated = map[string]uint64{}
			}
			snap.Truncated[string(name)] = meta.TruncatedThrough
		}
		if w, ok := name.ObjectsWorld(); ok {
			snap.Objects[w] = append([]store.WorldObject{}, st.Objects[w]...)
		}
	}
	return snap
}

// ChangesSince builds the delta from the client's known versions. A
// document missing from known is treated as known at version 0.
func ChangesSince(st *store.State, known map[string]uint64, readOnly bool) Delta {
	d := Delta{
		ProtocolVersion: protocol.Version,
		Seq:             st.Seq,
		Docs:            map[string]DocDelta{},
		ReadOnly:        readOnly,
	}
	for _, name := range st.DocNames() {
		meta := st.Docs[name]
		k := known[string(name)]
		switch {
		case k == meta.Version:
			continue
		case k > meta.Version:
			d.Reset = append(d.Reset, string(name))
			continue
		case k < meta.TruncatedThrough:
			d.Truncated = append(d.Truncated, string(name))
			continue
		}
		dd := DocDelta{Version: meta.Version, LastUpdate: meta.LastUpdate}
		switch name {
		case store.DocAgents:
			dd.Agents = sortedAgents(st.Agents, k)
		case store.DocActions:
			for _, a := range st.Actions {
				if a.Rev > k {
					dd.Actions = append(dd.Actions, a)
				}
			}
		case store.DocChat:
			for _, m := range st.Chat {
				if m.Rev > k {
					dd.Chat = append(dd.Chat, m)
				}
			}
		case store.DocInventory:
			dd.Inventory = sortedInventory(st.Inventory, k)
		case store.DocTrades:
			dd.Trades = sortedTrades(st.Trades, k)
		default:
			if w, ok := name.ObjectsWorld(); ok {
				for _, o := range st.Objects[w] {
					if o.Rev > k {
						dd.Objects = append(dd.Objects, o)
					}
				}
			}
		}
		d.Docs[string(name)] = dd
	}
	return d
}

func sortedAgents(m map[string]store.Agent, after uint64) []store.Agent {
	out := make([]store.Agent, 0, len(m))
	for _, a := range m {
		if a.Rev > after || after == 0 {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func sortedInventory(m map[string]store.Inventory, after uint64) []store.Inventory {
	out := make([]store.Inventory, 0, len(m))
	for _, inv := range m {
		if inv.Rev > after || after == 0 {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

func sortedTrades(m map[string]store.Trade, after uint64) []store.Trade {
	out := make([]store.Trade, 0, len(m))
	for _, t := range m {
		if t.Rev > after || after == 0 {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
