package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"
)

type DocName string

const (
	DocAgents    DocName = "agents"
	DocActions   DocName = "actions"
	DocChat      DocName = "chat"
	DocInventory DocName = "inventory"
	DocTrades    DocName = "trades"

	objectsPrefix = "objects:"
)

func ObjectsDoc(worldID string) DocName { return DocName(objectsPrefix + worldID) }

// ObjectsWorld returns the world id of an objects:{worldId} document.
func (d DocName) ObjectsWorld() (string, bool) {
	if !strings.HasPrefix(string(d), objectsPrefix) {
		return "", false
	}
	w := strings.TrimPrefix(string(d), objectsPrefix)
	return w, w != ""
}

// IsLog reports whether the document is a retention-capped append log.
func (d DocName) IsLog() bool { return d == DocActions || d == DocChat }

type DocMeta struct {
	Version    uint64    `json:"version"`
	LastUpdate time.Time `json:"last_update"`
	// TruncatedThrough is the highest document version whose entries were
	// dropped by retention. Zero when nothing was ever dropped.
	TruncatedThrough uint64 `json:"truncated_through,omitempty"`
}

// State is one committed version of the world. A published State is
// immutable; mutation goes through Begin/Tx which copies what it touches.
type State struct {
	Seq          uint64                   `json:"seq"`
	Docs         map[DocName]DocMeta      `json:"docs"`
	Agents       map[string]Agent         `json:"agents"`
	Actions      []Action                 `json:"actions"`
	Chat         []ChatMessage            `json:"chat"`
	Inventory    map[string]Inventory     `json:"inventory"`
	Trades       map[string]Trade         `json:"trades"`
	Objects      map[string][]WorldObject `json:"objects"`
	LastActivity map[string]time.Time     `json:"last_activity"`
	Counters     map[string]uint64        `json:"counters"`
}

// Bootstrap builds the version-0 state: every document exists, nothing has
// been committed yet.
func Bootstrap(worldIDs []string, agents []Agent, inventory map[string]map[string]int, now time.Time) *State {
	now = now.UTC()
	s := &State{
		Docs:         map[DocName]DocMeta{},
		Agents:       map[string]Agent{},
		Inventory:    map[string]Inventory{},
		Trades:       map[string]Trade{},
		Objects:      map[string][]WorldObject{},
		LastActivity: map[string]time.Time{},
		Counters:     map[string]uint64{},
	}
	for _, d := range []DocName{DocAgents, DocActions, DocChat, DocInventory, DocTrades} {
		s.Docs[d] = DocMeta{LastUpdate: now}
	}
	for _, w := range worldIDs {
		s.Docs[ObjectsDoc(w)] = DocMeta{LastUpdate: now}
	}
	for _, a := range agents {
		a.Rev = 0
		if a.Status == "" {
			a.Status = AgentActive
		}
		s.Agents[a.ID] = a
	}
	for agentID, items := range inventory {
		inv := Inventory{AgentID: agentID, Items: map[string]int{}}
		for item, n := range items {
			if n > 0 {
				inv.Items[item] = n
			}
		}
		s.Inventory[agentID] = inv
	}
	return s
}

// EnsureMaps replaces nil maps left behind by a decoder with empty ones.
// Call it only on states that have not been published.
func (s *State) EnsureMaps() {
	if s.Docs == nil {
		s.Docs = map[DocName]DocMeta{}
	}
	if s.Agents == nil {
		s.Agents = map[string]Agent{}
	}
	if s.Inventory == nil {
		s.Inventory = map[string]Inventory{}
	}
	for id, inv := range s.Inventory {
		if inv.Items == nil {
			inv.Items = map[string]int{}
			s.Inventory[id] = inv
		}
	}
	if s.Trades == nil {
		s.Trades = map[string]Trade{}
	}
	for id, t := range s.Trades {
		if t.Offered == nil {
			t.Offered = map[string]int{}
			s.Trades[id] = t
		}
	}
	if s.Objects == nil {
		s.Objects = map[string][]WorldObject{}
	}
	if s.LastActivity == nil {
		s.LastActivity = map[string]time.Time{}
	}
	if s.Counters == nil {
		s.Counters = map[string]uint64{}
	}
}

func (s *State) Doc(name DocName) (DocMeta, bool) {
	m, ok := s.Docs[name]
	return m, ok
}

// DocNames returns every document name, sorted.
func (s *State) DocNames() []DocName {
	out := make([]DocName, 0, len(s.Docs))
	for d := range s.Docs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Versions returns the per-document version map.
func (s *State) Versions() map[string]uint64 {
	out := make(map[string]uint64, len(s.Docs))
	for d, m := range s.Docs {
		out[string(d)] = m.Version
	}
	return out
}

func (s *State) Agent(id string) (Agent, bool) {
	a, ok := s.Agents[id]
	return a, ok
}

func (s *State) Trade(id string) (Trade, bool) {
	t, ok := s.Trades[id]
	return t, ok
}

// Holding returns how many of item the agent currently holds.
func (s *State) Holding(agentID, item string) int {
	return s.Inventory[agentID].Items[item]
}

func (s *State) HasObject(worldID, id string) bool {
	for _, o := range s.Objects[worldID] {
		if o.ID == id {
			return true
		}
	}
	return false
}

// IDIssued reports whether id collides with an id of the given prefix that
// was already handed out, including ids whose records were truncated.
func (s *State) IDIssued(prefix, id string) bool {
	n, ok := ParseID(prefix, id)
	if !ok {
		return false
	}
	return n <= s.Counters[prefix]
}

func (s *State) HasAction(id string) bool {
	if s.IDIssued(PrefixAction, id) {
		return true
	}
	for _, a := range s.Actions {
		if a.ID == id {
			return true
		}
	}
	return false
}

func (s *State) HasChat(id string) bool {
	if s.IDIssued(PrefixChat, id) {
		return true
	}
	for _, m := range s.Chat {
		if m.ID == id {
			return true
		}
	}
	return false
}

// FormatID renders sequential ids as "<prefix>-NNN".
func FormatID(prefix string, n uint64) string {
	s := strconv.FormatUint(n, 10)
	for len(s) < 3 {
		s = "0" + s
	}
	return prefix + "-" + s
}

func ParseID(prefix, id string) (uint64, bool) {
	rest, ok := strings.CutPrefix(id, prefix+"-")
	if !ok || rest == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Digest is a stable sha256 over the canonical JSON encoding of the state.
func Digest(s *State) string {
	b, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
