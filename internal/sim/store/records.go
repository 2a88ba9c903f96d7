package store

import (
	"encoding/json"
	"time"
)

// Agent statuses.
const (
	AgentActive  = "active"
	AgentIdle    = "idle"
	AgentOffline = "offline"
)

// Trade statuses.
const (
	TradeProposed = "proposed"
	TradeAccepted = "accepted"
	TradeRejected = "rejected"
	TradeSettled  = "settled"
)

// Id prefixes handed out by Tx.NextID.
const (
	PrefixAction = "action"
	PrefixChat   = "msg"
	PrefixTrade  = "trade"
	PrefixObject = "obj"
)

type Vec2 struct {
	X float64 `json:"x"`
	Z float64 `json:"z"`
}

// Rev on every record is the owning document's version at the record's
// last change. Deltas select records by it.

type Agent struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	WorldID  string `json:"world_id"`
	Position Vec2   `json:"position"`
	Status   string `json:"status"`
	NPC      bool   `json:"npc,omitempty"`
	Rev      uint64 `json:"rev"`
}

type Action struct {
	ID        string          `json:"id"`
	AgentID   string          `json:"agent_id"`
	Kind      string          `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	WorldID   string          `json:"world_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Rev       uint64          `json:"rev"`
}

type ChatMessage struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	Author    string    `json:"author,omitempty"`
	WorldID   string    `json:"world_id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Rev       uint64    `json:"rev"`
}

type Inventory struct {
	AgentID string         `json:"agent_id"`
	Items   map[string]int `json:"items"`
	Rev     uint64         `json:"rev"`
}

// Trade parties are [offerer, target]. Offered items move offerer->target,
// requested items move target->offerer when the trade settles.
type Trade struct {
	ID        string         `json:"id"`
	Parties   [2]string      `json:"parties"`
	Offered   map[string]int `json:"offered"`
	Requested map[string]int `json:"requested,omitempty"`
	Status    string         `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	Rev       uint64         `json:"rev"`
}

type WorldObject struct {
	ID       string          `json:"id"`
	Kind     string          `json:"kind"`
	WorldID  string          `json:"world_id"`
	PlacedBy string          `json:"placed_by"`
	Position Vec2            `json:"position"`
	Data     json.RawMessage `json:"data,omitempty"`
	Rev      uint64          `json:"rev"`
}

var tradeOrder = map[string]int{
	TradeProposed: 0,
	TradeAccepted: 1,
	TradeSettled:  2,
	TradeRejected: 2,
}

// TradeTransitionAllowed reports whether a trade may move from one status to
// another. Transitions only go forward; settled and rejected are terminal.
func TradeTransitionAllowed(from, to string) bool {
	f, ok1 := tradeOrder[from]
	t, ok2 := tradeOrder[to]
	if !ok1 || !ok2 || from == to {
		return false
	}
	if from == TradeSettled || from == TradeRejected {
		return false
	}
	return t > f
}

func ValidAgentStatus(s string) bool {
	switch s {
	case AgentActive, AgentIdle, AgentOffline:
		return true
	}
	return false
}
