package changeset

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"worldledger.ai/internal/sim/store"
)

var t0 = time.Date(2025, 1, 30, 20, 0, 0, 0, time.UTC)

func baseState() *store.State {
	return store.Bootstrap([]string{"hub"},
		[]store.Agent{{ID: "a1", Name: "A1", WorldID: "hub"}, {ID: "a2", Name: "A2", WorldID: "hub"}},
		map[string]map[string]int{"a1": {"gem": 2}, "a2": {"coin": 5}},
		t0)
}

func TestDecodeMove(t *testing.T) {
	d, err := Decode(Move("a1", "hub", store.Vec2{}, store.Vec2{X: 3, Z: -4}, t0))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(d.Mutations) != 2 {
		t.Fatalf("mutations=%d", len(d.Mutations))
	}
	if f := d.Mutations[0].Fields; f == nil || f.Position == nil || *f.Position != (store.Vec2{X: 3, Z: -4}) {
		t.Fatalf("fields not decoded: %+v", d.Mutations[0])
	}
	if a := d.Mutations[1].Action; a == nil || a.Kind != KindMove || !a.Timestamp.Equal(t0) {
		t.Fatalf("action not decoded: %+v", d.Mutations[1])
	}
}

func TestDecodeRejectsSchemaViolations(t *testing.T) {
	cases := map[string]Changeset{
		"chat too long": Chat("a1", "", "hub", strings.Repeat("x", 501), t0),
		"empty chat":    Chat("a1", "", "hub", "", t0),
		"unknown doc": {ProposerID: "a1", Kind: KindEmote, TargetWorld: "hub",
			Patches: []Patch{{Document: "weather", Op: OpAppend, Record: json.RawMessage(`{}`)}}},
		"unknown op": {ProposerID: "a1", Kind: KindEmote, TargetWorld: "hub",
			Patches: []Patch{{Document: "actions", Op: "delete", Target: "action-001"}}},
		"extra field": {ProposerID: "a1", Kind: KindEmote, TargetWorld: "hub",
			Patches: []Patch{{Document: "actions", Op: OpAppend,
				Record: json.RawMessage(`{"agent_id":"a1","kind":"emote","timestamp":"2025-01-30T20:00:00Z","world_id":"hub","rev":9}`)}}},
		"agent field not updatable": {ProposerID: "a1", Kind: KindMove, TargetWorld: "hub",
			Patches: []Patch{{Document: "agents", Op: OpUpdate, Target: "a1",
				Fields: map[string]json.RawMessage{"id": json.RawMessage(`"a9"`)}}}},
		"no patches": {ProposerID: "a1", Kind: KindEmote, TargetWorld: "hub"},
	}
	for name, cs := range cases {
		_, err := Decode(cs)
		var de *DecodeError
		if !errors.As(err, &de) {
			t.Fatalf("%s: expected DecodeError, got %v", name, err)
		}
	}
}

func TestDecodeLeavesUnpermittedOpsForValidation(t *testing.T) {
	cs := Changeset{ProposerID: "a1", Kind: KindEmote, TargetWorld: "hub",
		Patches: []Patch{{Document: "actions", Op: OpUpdate, Target: "action-001"}}}
	d, err := Decode(cs)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m := d.Mutations[0]; m.Action != nil || m.Op != OpUpdate {
		t.Fatalf("unexpected mutation %+v", m)
	}
	if _, err := Apply(d, baseState().Begin(t0)); err == nil {
		t.Fatalf("apply should refuse an unpermitted op")
	}
}

func TestApplyTradeAcceptExchangesOnce(t *testing.T) {
	st := baseState()
	d, err := Decode(TradeOffer("a1", "a2", "hub", map[string]int{"gem": 2}, map[string]int{"coin": 3}, t0))
	if err != nil {
		t.Fatalf("decode offer: %v", err)
	}
	tx := st.Begin(t0)
	ids, err := Apply(d, tx)
	if err != nil {
		t.Fatalf("apply offer: %v", err)
	}
	st = tx.Commit(0)
	if len(ids) != 2 || ids[0] != "trade-001" {
		t.Fatalf("assigned ids=%v", ids)
	}
	trade, _ := st.Trade("trade-001")
	if trade.Status != store.TradeProposed {
		t.Fatalf("status=%q", trade.Status)
	}

	d, err = Decode(TradeAccept(st, trade, "hub", t0.Add(time.Minute)))
	if err != nil {
		t.Fatalf("decode accept: %v", err)
	}
	tx = st.Begin(t0.Add(time.Minute))
	if _, err := Apply(d, tx); err != nil {
		t.Fatalf("apply accept: %v", err)
	}
	st = tx.Commit(0)

	if got := st.Holding("a1", "gem"); got != 0 {
		t.Fatalf("a1 gem=%d", got)
	}
	if got := st.Holding("a1", "coin"); got != 3 {
		t.Fatalf("a1 coin=%d", got)
	}
	if got := st.Holding("a2", "gem"); got != 2 {
		t.Fatalf("a2 gem=%d", got)
	}
	if got := st.Holding("a2", "coin"); got != 2 {
		t.Fatalf("a2 coin=%d", got)
	}
	if tr, _ := st.Trade("trade-001"); tr.Status != store.TradeSettled {
		t.Fatalf("status=%q", tr.Status)
	}
	if v := st.Docs[store.DocInventory].Version; v != 1 {
		t.Fatalf("inventory version=%d", v)
	}
}

func TestRequirementsPlaceObjectUsesTargetWorld(t *testing.T) {
	req, ok := Requirements(KindPlaceObject, "gallery")
	if !ok {
		t.Fatalf("place_object unknown")
	}
	if req[0].Doc != store.ObjectsDoc("gallery") {
		t.Fatalf("doc=%q", req[0].Doc)
	}
	if _, ok := Requirements("fly", "hub"); ok {
		t.Fatalf("unknown kind should have no requirements")
	}
}
