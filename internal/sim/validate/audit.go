package validate

import (
	"fmt"
	"sort"
	"time"

	"worldledger.ai/internal/sim/store"
	"worldledger.ai/internal/sim/worlds"
)

// Violation is one broken invariant found by Audit.
type Violation struct {
	Rule   string `json:"rule"`
	Detail string `json:"detail"`
}

func (v Violation) String() string { return v.Rule + ": " + v.Detail }

// Audit re-checks every store invariant over a whole state. An empty result
// means the state is consistent with cfg.
func Audit(st *store.State, cfg worlds.Config) []Violation {
	var out []Violation
	add := func(rule, format string, args ...any) {
		out = append(out, Violation{Rule: rule, Detail: fmt.Sprintf(format, args...)})
	}

	for name, meta := range st.Docs {
		if meta.TruncatedThrough > meta.Version {
			add("versions", "%s truncated through %d beyond version %d", name, meta.TruncatedThrough, meta.Version)
		}
	}
	revCheck := func(doc store.DocName, id string, rev uint64) {
		if rev > st.Docs[doc].Version {
			add("versions", "%s record %s has rev %d beyond version %d", doc, id, rev, st.Docs[doc].Version)
		}
	}

	for _, id := range sortedKeys(st.Agents) {
		a := st.Agents[id]
		revCheck(store.DocAgents, id, a.Rev)
		if a.ID != id {
			add("agents", "agent keyed %s carries id %s", id, a.ID)
		}
		if !store.ValidAgentStatus(a.Status) {
			add("agents", "agent %s has status %q", id, a.Status)
		}
		w, ok := cfg.WorldSpecByID(a.WorldID)
		if !ok {
			add("referential", "agent %s in unknown world %q", id, a.WorldID)
			continue
		}
		if !w.Contains(a.Position) {
			add("bounds", "agent %s at (%g,%g) outside %s", id, a.Position.X, a.Position.Z, w.ID)
		}
	}

	lastSeen := map[string]time.Time{}
	for _, a := range st.Actions {
		revCheck(store.DocActions, a.ID, a.Rev)
		if _, ok := st.Agents[a.AgentID]; !ok {
			add("referential", "action %s by unknown agent %s", a.ID, a.AgentID)
		}
		if prev, ok := lastSeen[a.AgentID]; ok && a.Timestamp.Before(prev) {
			add("temporal", "action %s at %s precedes earlier action of %s", a.ID, a.Timestamp.Format(time.RFC3339), a.AgentID)
		}
		lastSeen[a.AgentID] = a.Timestamp
		if la, ok := st.LastActivity[a.AgentID]; !ok || a.Timestamp.After(la) {
			add("temporal", "action %s is newer than last activity of %s", a.ID, a.AgentID)
		}
		if !st.IDIssued(store.PrefixAction, a.ID) {
			add("ids", "action %s beyond issued counter", a.ID)
		}
	}
	for _, m := range st.Chat {
		revCheck(store.DocChat, m.ID, m.Rev)
		if _, ok := st.Agents[m.AgentID]; !ok {
			add("referential", "chat %s by unknown agent %s", m.ID, m.AgentID)
		}
		if n := len([]rune(m.Content)); n == 0 || n > 500 {
			add("chat", "chat %s content length %d", m.ID, n)
		}
	}

	for _, id := range sortedKeys(st.Inventory) {
		inv := st.Inventory[id]
		revCheck(store.DocInventory, id, inv.Rev)
		if _, ok := st.Agents[id]; !ok {
			add("referential", "inventory of unknown agent %s", id)
		}
		for item, n := range inv.Items {
			if n <= 0 {
				add("ownership", "%s holds %d %s", id, n, item)
			}
		}
	}

	for _, id := range sortedKeys(st.Trades) {
		t := st.Trades[id]
		revCheck(store.DocTrades, id, t.Rev)
		switch t.Status {
		case store.TradeProposed, store.TradeAccepted, store.TradeRejected, store.TradeSettled:
		default:
			add("trades", "trade %s has status %q", id, t.Status)
		}
		for _, p := range t.Parties {
			if _, ok := st.Agents[p]; !ok {
				add("referential", "trade %s references unknown agent %s", id, p)
			}
		}
	}

	for _, w := range sortedKeys(st.Objects) {
		spec, known := cfg.WorldSpecByID(w)
		if !known {
			add("referential", "objects stored for unknown world %s", w)
		}
		seen := map[string]bool{}
		for _, o := range st.Objects[w] {
			revCheck(store.ObjectsDoc(w), o.ID, o.Rev)
			if seen[o.ID] {
				add("ids", "duplicate object %s in %s", o.ID, w)
			}
			seen[o.ID] = true
			if o.WorldID != w {
				add("objects", "object %s filed under %s claims world %s", o.ID, w, o.WorldID)
			}
			if known && !spec.Contains(o.Position) {
				add("bounds", "object %s at (%g,%g) outside %s", o.ID, o.Position.X, o.Position.Z, w)
			}
			if _, ok := st.Agents[o.PlacedBy]; !ok {
				add("referential", "object %s placed by unknown agent %s", o.ID, o.PlacedBy)
			}
		}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
