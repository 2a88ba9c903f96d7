package changeset

import (
	"encoding/json"
	"time"

	"worldledger.ai/internal/sim/store"
)

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// ActionRecord is the wire form of an appended action.
type ActionRecord struct {
	ID        string    `json:"id,omitempty"`
	AgentID   string    `json:"agent_id"`
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	WorldID   string    `json:"world_id"`
	Payload   any       `json:"payload,omitempty"`
}

func AppendActionPatch(r ActionRecord) Patch {
	return Patch{Document: string(store.DocActions), Op: OpAppend, Record: mustJSON(r)}
}

// Move builds a move changeset: the agent's position update plus the
// matching action record.
func Move(agentID, worldID string, from, to store.Vec2, ts time.Time) Changeset {
	return Changeset{
		ProposerID:  agentID,
		Kind:        KindMove,
		TargetWorld: worldID,
		SubmittedAt: ts,
		Patches: []Patch{
			{Document: string(store.DocAgents), Op: OpUpdate, Target: agentID, Fields: map[string]json.RawMessage{"position": mustJSON(to)}},
			AppendActionPatch(ActionRecord{AgentID: agentID, Kind: KindMove, Timestamp: ts, WorldID: worldID,
				Payload: map[string]any{"from": from, "to": to}}),
		},
	}
}

func Chat(agentID, author, worldID, content string, ts time.Time) Changeset {
	msg := map[string]any{"agent_id": agentID, "world_id": worldID, "content": content, "timestamp": ts}
	if author != "" {
		msg["author"] = author
	}
	return Changeset{
		ProposerID:  agentID,
		Kind:        KindChat,
		TargetWorld: worldID,
		SubmittedAt: ts,
		Patches: []Patch{
			{Document: string(store.DocChat), Op: OpAppend, Record: mustJSON(msg)},
			AppendActionPatch(ActionRecord{AgentID: agentID, Kind: KindChat, Timestamp: ts, WorldID: worldID,
				Payload: map[string]any{"content": content}}),
		},
	}
}

func Emote(agentID, worldID, emote string, ts time.Time) Changeset {
	return Changeset{
		ProposerID:  agentID,
		Kind:        KindEmote,
		TargetWorld: worldID,
		SubmittedAt: ts,
		Patches: []Patch{
			AppendActionPatch(ActionRecord{AgentID: agentID, Kind: KindEmote, Timestamp: ts, WorldID: worldID,
				Payload: map[string]any{"emote": emote}}),
		},
	}
}

// Spawn adds a new active agent at pos.
func Spawn(agentID, name, worldID string, pos store.Vec2, ts time.Time) Changeset {
	rec := map[string]any{"id": agentID, "name": name, "world_id": worldID, "position": pos, "status": store.AgentActive}
	return Changeset{
		ProposerID:  agentID,
		Kind:        KindSpawn,
		TargetWorld: worldID,
		SubmittedAt: ts,
		Patches: []Patch{
			{Document: string(store.DocAgents), Op: OpAppend, Record: mustJSON(rec)},
			AppendActionPatch(ActionRecord{AgentID: agentID, Kind: KindSpawn, Timestamp: ts, WorldID: worldID}),
		},
	}
}

// TradeOffer proposes moving offered items from offerer to target in
// exchange for requested items.
func TradeOffer(offerer, target, worldID string, offered, requested map[string]int, ts time.Time) Changeset {
	rec := map[string]any{"parties": []string{offerer, target}, "offered": offered, "created_at": ts}
	if len(requested) > 0 {
		rec["requested"] = requested
	}
	return Changeset{
		ProposerID:  offerer,
		Kind:        KindTradeOffer,
		TargetWorld: worldID,
		SubmittedAt: ts,
		Patches: []Patch{
			{Document: string(store.DocTrades), Op: OpAppend, Record: mustJSON(rec)},
			AppendActionPatch(ActionRecord{AgentID: offerer, Kind: KindTradeOffer, Timestamp: ts, WorldID: worldID,
				Payload: map[string]any{"target": target}}),
		},
	}
}

// TradeAccept settles trade t against the holdings in st: both parties'
// inventories are rewritten with the exchange applied once.
func TradeAccept(st *store.State, t store.Trade, worldID string, ts time.Time) Changeset {
	offerer, target := t.Parties[0], t.Parties[1]
	offInv := copyItems(st.Inventory[offerer].Items)
	tgtInv := copyItems(st.Inventory[target].Items)
	for item, n := range t.Offered {
		offInv[item] -= n
		tgtInv[item] += n
	}
	for item, n := range t.Requested {
		tgtInv[item] -= n
		offInv[item] += n
	}
	return Changeset{
		ProposerID:  target,
		Kind:        KindTradeAccept,
		TargetWorld: worldID,
		SubmittedAt: ts,
		Patches: []Patch{
			{Document: string(store.DocTrades), Op: OpSetStatus, Target: t.ID, Status: store.TradeSettled},
			InventoryPatch(offerer, offInv),
			InventoryPatch(target, tgtInv),
			AppendActionPatch(ActionRecord{AgentID: target, Kind: KindTradeAccept, Timestamp: ts, WorldID: worldID,
				Payload: map[string]any{"trade_id": t.ID}}),
		},
	}
}

func InventoryPatch(agentID string, items map[string]int) Patch {
	clean := map[string]int{}
	for k, v := range items {
		clean[k] = v
	}
	return Patch{Document: string(store.DocInventory), Op: OpUpdate, Target: agentID,
		Fields: map[string]json.RawMessage{"items": mustJSON(clean)}}
}

func copyItems(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
