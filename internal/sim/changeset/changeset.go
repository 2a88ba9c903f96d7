// Package changeset defines the unit of mutation: a named bundle of
// per-document patches that is applied all-or-nothing.
package changeset

import (
	"encoding/json"
	"sort"
	"time"

	"worldledger.ai/internal/sim/store"
)

type Op string

const (
	OpAppend    Op = "append"
	OpUpdate    Op = "update"
	OpSetStatus Op = "set_status"
)

func (o Op) Known() bool {
	switch o {
	case OpAppend, OpUpdate, OpSetStatus:
		return true
	}
	return false
}

// Action kinds.
const (
	KindMove            = "move"
	KindChat            = "chat"
	KindEmote           = "emote"
	KindSpawn           = "spawn"
	KindDespawn         = "despawn"
	KindInteract        = "interact"
	KindTradeOffer      = "trade_offer"
	KindTradeAccept     = "trade_accept"
	KindTradeDecline    = "trade_decline"
	KindBattleChallenge = "battle_challenge"
	KindBattleAction    = "battle_action"
	KindPlaceObject     = "place_object"
	KindTeach           = "teach"
	KindConsume         = "consume"
)

// Patch is one (document, op) pair. Append carries Record; update carries
// Target and Fields; set_status carries Target and Status.
type Patch struct {
	Document string                     `json:"document"`
	Op       Op                         `json:"op"`
	Record   json.RawMessage            `json:"record,omitempty"`
	Target   string                     `json:"target,omitempty"`
	Fields   map[string]json.RawMessage `json:"fields,omitempty"`
	Status   string                     `json:"status,omitempty"`
}

type Changeset struct {
	ID          string    `json:"id,omitempty"`
	ProposerID  string    `json:"proposer_id"`
	Kind        string    `json:"kind"`
	TargetWorld string    `json:"target_world"`
	Patches     []Patch   `json:"patches"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Requirement names one document a kind must patch, optionally pinning the
// op and the status a set_status patch must carry.
type Requirement struct {
	Doc    store.DocName
	Op     Op
	Status string
}

var requirements = map[string][]Requirement{
	KindMove:            {{Doc: store.DocAgents, Op: OpUpdate}, {Doc: store.DocActions, Op: OpAppend}},
	KindChat:            {{Doc: store.DocChat, Op: OpAppend}, {Doc: store.DocActions, Op: OpAppend}},
	KindEmote:           {{Doc: store.DocActions, Op: OpAppend}},
	KindInteract:        {{Doc: store.DocActions, Op: OpAppend}},
	KindTeach:           {{Doc: store.DocActions, Op: OpAppend}},
	KindBattleChallenge: {{Doc: store.DocActions, Op: OpAppend}},
	KindBattleAction:    {{Doc: store.DocActions, Op: OpAppend}},
	KindSpawn:           {{Doc: store.DocAgents, Op: OpAppend}, {Doc: store.DocActions, Op: OpAppend}},
	KindDespawn:         {{Doc: store.DocAgents, Op: OpSetStatus, Status: store.AgentOffline}, {Doc: store.DocActions, Op: OpAppend}},
	KindTradeOffer:      {{Doc: store.DocTrades, Op: OpAppend}, {Doc: store.DocActions, Op: OpAppend}},
	KindTradeAccept:     {{Doc: store.DocTrades, Op: OpSetStatus, Status: store.TradeSettled}, {Doc: store.DocInventory, Op: OpUpdate}, {Doc: store.DocActions, Op: OpAppend}},
	KindTradeDecline:    {{Doc: store.DocTrades, Op: OpSetStatus, Status: store.TradeRejected}, {Doc: store.DocActions, Op: OpAppend}},
	KindConsume:         {{Doc: store.DocInventory, Op: OpUpdate}, {Doc: store.DocActions, Op: OpAppend}},
	// place_object's objects document depends on the target world.
	KindPlaceObject: {{Op: OpAppend}, {Doc: store.DocActions, Op: OpAppend}},
}

// Requirements returns the exact document set a kind must patch.
func Requirements(kind, targetWorld string) ([]Requirement, bool) {
	req, ok := requirements[kind]
	if !ok {
		return nil, false
	}
	out := make([]Requirement, len(req))
	copy(out, req)
	for i := range out {
		if out[i].Doc == "" {
			out[i].Doc = store.ObjectsDoc(targetWorld)
		}
	}
	return out, true
}

func KnownKind(kind string) bool {
	_, ok := requirements[kind]
	return ok
}

// Kinds returns every kind with a patch-set rule.
func Kinds() []string {
	out := make([]string, 0, len(requirements))
	for k := range requirements {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Permitted reports whether op may be used on doc at all.
func Permitted(doc store.DocName, op Op) bool {
	switch doc {
	case store.DocAgents:
		return op == OpAppend || op == OpUpdate || op == OpSetStatus
	case store.DocActions, store.DocChat:
		return op == OpAppend
	case store.DocInventory:
		return op == OpUpdate
	case store.DocTrades:
		return op == OpAppend || op == OpSetStatus
	}
	if _, ok := doc.ObjectsWorld(); ok {
		return op == OpAppend
	}
	return false
}
