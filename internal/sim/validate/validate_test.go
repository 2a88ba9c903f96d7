package validate

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"worldledger.ai/internal/protocol"
	"worldledger.ai/internal/sim/changeset"
	"worldledger.ai/internal/sim/store"
	"worldledger.ai/internal/sim/worlds"
)

var t0 = time.Date(2025, 1, 30, 20, 0, 0, 0, time.UTC)

func fixture(t *testing.T) (*store.State, worlds.Config) {
	t.Helper()
	cfg, err := worlds.Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	st := store.Bootstrap(cfg.WorldIDs(),
		[]store.Agent{
			{ID: "a1", Name: "A1", WorldID: "hub"},
			{ID: "a2", Name: "A2", WorldID: "hub", Position: store.Vec2{X: 2, Z: 2}},
		},
		map[string]map[string]int{"a1": {"gem": 2}, "a2": {"coin": 5}},
		t0.Add(-time.Hour))
	return st, cfg
}

// commit applies cs on st, failing the test if it does not validate.
func commit(t *testing.T, st *store.State, cfg worlds.Config, cs changeset.Changeset) *store.State {
	t.Helper()
	d, err := Validate(cs, st, cfg)
	if err != nil {
		t.Fatalf("validate %s: %v", cs.Kind, err)
	}
	tx := st.Begin(t0)
	if _, err := changeset.Apply(d, tx); err != nil {
		t.Fatalf("apply %s: %v", cs.Kind, err)
	}
	return tx.Commit(100)
}

func wantCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s, got accept", code)
	}
	var pe *protocol.Error
	if !errors.As(err, &pe) {
		t.Fatalf("expected *protocol.Error, got %T %v", err, err)
	}
	if pe.Code != code {
		t.Fatalf("code=%s want %s (%s)", pe.Code, code, pe.Reason)
	}
}

func TestValidMoveAccepted(t *testing.T) {
	st, cfg := fixture(t)
	commit(t, st, cfg, changeset.Move("a1", "hub", store.Vec2{}, store.Vec2{X: 15, Z: -15}, t0))
}

func TestMoveOutOfBoundsRejected(t *testing.T) {
	st, cfg := fixture(t)
	_, err := Validate(changeset.Move("a1", "hub", store.Vec2{}, store.Vec2{X: 20, Z: 0}, t0), st, cfg)
	wantCode(t, err, protocol.ErrOutOfBounds)
}

func TestMoveWithoutActionPatchIsIncomplete(t *testing.T) {
	st, cfg := fixture(t)
	cs := changeset.Move("a1", "hub", store.Vec2{}, store.Vec2{X: 1, Z: 1}, t0)
	cs.Patches = cs.Patches[:1]
	_, err := Validate(cs, st, cfg)
	wantCode(t, err, protocol.ErrSchema)
	var pe *protocol.Error
	errors.As(err, &pe)
	if !strings.HasPrefix(pe.Reason, "IncompletePatchSet") {
		t.Fatalf("reason=%q", pe.Reason)
	}
}

func TestChatBeforeLastActivityRejected(t *testing.T) {
	st, cfg := fixture(t)
	st = commit(t, st, cfg, changeset.Emote("a1", "hub", "wave", t0))
	_, err := Validate(changeset.Chat("a1", "A1", "hub", "hello", t0.Add(-time.Minute)), st, cfg)
	wantCode(t, err, protocol.ErrTemporal)

	if _, err := Validate(changeset.Chat("a1", "A1", "hub", "hello", t0), st, cfg); err != nil {
		t.Fatalf("equal timestamp should pass: %v", err)
	}
}

func TestTemporalSurvivesTruncation(t *testing.T) {
	st, cfg := fixture(t)
	st = commit(t, st, cfg, changeset.Emote("a1", "hub", "wave", t0))
	for i := 0; i < 120; i++ {
		st = commit(t, st, cfg, changeset.Emote("a2", "hub", "nod", t0.Add(time.Duration(i)*time.Second)))
	}
	for _, a := range st.Actions {
		if a.AgentID == "a1" {
			t.Fatalf("a1's action should have been truncated")
		}
	}
	_, err := Validate(changeset.Emote("a1", "hub", "wave", t0.Add(-time.Second)), st, cfg)
	wantCode(t, err, protocol.ErrTemporal)
}

func TestUnknownAgentIsReferential(t *testing.T) {
	st, cfg := fixture(t)
	_, err := Validate(changeset.Chat("ghost", "", "hub", "boo", t0), st, cfg)
	wantCode(t, err, protocol.ErrReferential)
}

func TestSpawnedAgentCountsForReferences(t *testing.T) {
	st, cfg := fixture(t)
	rec, _ := json.Marshal(map[string]any{"id": "a3", "name": "A3", "world_id": "hub", "position": store.Vec2{X: 1, Z: 1}})
	cs := changeset.Changeset{
		ProposerID: "a3", Kind: changeset.KindSpawn, TargetWorld: "hub", SubmittedAt: t0,
		Patches: []changeset.Patch{
			{Document: "agents", Op: changeset.OpAppend, Record: rec},
			changeset.AppendActionPatch(changeset.ActionRecord{AgentID: "a3", Kind: changeset.KindSpawn, Timestamp: t0, WorldID: "hub"}),
		},
	}
	st = commit(t, st, cfg, cs)
	if _, ok := st.Agent("a3"); !ok {
		t.Fatalf("a3 not spawned")
	}
	_, err := Validate(cs, st, cfg)
	wantCode(t, err, protocol.ErrSchema)
}

func TestKindNotDeclaredForWorld(t *testing.T) {
	st, cfg := fixture(t)
	cs := changeset.Changeset{
		ProposerID: "a1", Kind: changeset.KindBattleChallenge, TargetWorld: "hub", SubmittedAt: t0,
		Patches: []changeset.Patch{
			changeset.AppendActionPatch(changeset.ActionRecord{AgentID: "a1", Kind: changeset.KindBattleChallenge, Timestamp: t0, WorldID: "hub"}),
		},
	}
	_, err := Validate(cs, st, cfg)
	wantCode(t, err, protocol.ErrSchema)
}

func TestUnknownEmoteRejected(t *testing.T) {
	st, cfg := fixture(t)
	_, err := Validate(changeset.Emote("a1", "hub", "moonwalk", t0), st, cfg)
	wantCode(t, err, protocol.ErrSchema)
}

func TestMoveToMustMatchPosition(t *testing.T) {
	st, cfg := fixture(t)
	cs := changeset.Move("a1", "hub", store.Vec2{}, store.Vec2{X: 1, Z: 1}, t0)
	cs.Patches[0].Fields["position"] = json.RawMessage(`{"x":2,"z":2}`)
	_, err := Validate(cs, st, cfg)
	wantCode(t, err, protocol.ErrSchema)
}

func TestTradeOfferNeedsHoldings(t *testing.T) {
	st, cfg := fixture(t)
	_, err := Validate(changeset.TradeOffer("a1", "a2", "hub", map[string]int{"gem": 3}, nil, t0), st, cfg)
	wantCode(t, err, protocol.ErrOwnership)
}

func TestTradeAcceptMustExchangeExactlyOnce(t *testing.T) {
	st, cfg := fixture(t)
	st = commit(t, st, cfg, changeset.TradeOffer("a1", "a2", "hub", map[string]int{"gem": 1}, map[string]int{"coin": 2}, t0))
	trade, _ := st.Trade("trade-001")

	cs := changeset.TradeAccept(st, trade, "hub", t0)
	// Credit the gem twice.
	cs.Patches[2] = changeset.InventoryPatch("a2", map[string]int{"coin": 3, "gem": 2})
	_, err := Validate(cs, st, cfg)
	wantCode(t, err, protocol.ErrOwnership)

	st = commit(t, st, cfg, changeset.TradeAccept(st, trade, "hub", t0))
	if st.Holding("a2", "gem") != 1 || st.Holding("a1", "coin") != 2 {
		t.Fatalf("exchange not applied: %+v", st.Inventory)
	}
}

func TestTradeSettledTwiceInOneChangesetRejected(t *testing.T) {
	st, cfg := fixture(t)
	st = commit(t, st, cfg, changeset.TradeOffer("a1", "a2", "hub", map[string]int{"gem": 1}, nil, t0))
	trade, _ := st.Trade("trade-001")

	settle := changeset.Patch{Document: string(store.DocTrades), Op: changeset.OpSetStatus, Target: trade.ID, Status: store.TradeSettled}
	cs := changeset.Changeset{
		ProposerID: "a2", Kind: changeset.KindTradeAccept, TargetWorld: "hub", SubmittedAt: t0,
		Patches: []changeset.Patch{
			settle,
			settle,
			changeset.InventoryPatch("a1", map[string]int{}),
			changeset.InventoryPatch("a2", map[string]int{"coin": 5, "gem": 2}),
			changeset.AppendActionPatch(changeset.ActionRecord{AgentID: "a2", Kind: changeset.KindTradeAccept, Timestamp: t0, WorldID: "hub",
				Payload: map[string]any{"trade_id": trade.ID}}),
		},
	}
	_, err := Validate(cs, st, cfg)
	wantCode(t, err, protocol.ErrSchema)
	if st.Holding("a2", "gem") != 0 || st.Holding("a1", "gem") != 2 {
		t.Fatalf("holdings changed: %+v", st.Inventory)
	}
}

func TestSameAgentUpdatedTwiceRejected(t *testing.T) {
	st, cfg := fixture(t)
	cs := changeset.Move("a1", "hub", store.Vec2{}, store.Vec2{X: 1, Z: 1}, t0)
	cs.Patches = append(cs.Patches, cs.Patches[0])
	_, err := Validate(cs, st, cfg)
	wantCode(t, err, protocol.ErrSchema)
}

func TestTradeAcceptBySettledTradeRejected(t *testing.T) {
	st, cfg := fixture(t)
	st = commit(t, st, cfg, changeset.TradeOffer("a1", "a2", "hub", map[string]int{"gem": 1}, nil, t0))
	trade, _ := st.Trade("trade-001")
	accept := changeset.TradeAccept(st, trade, "hub", t0)
	after := commit(t, st, cfg, accept)

	// Give a1 another gem so possession alone would pass.
	tx := after.Begin(t0)
	tx.SetInventory("a1", map[string]int{"gem": 1})
	after = tx.Commit(100)
	if _, err := Validate(accept, after, cfg); err == nil {
		t.Fatalf("second accept of a settled trade accepted")
	}
}

func TestConsumeRemovesExactlyConsumed(t *testing.T) {
	st, cfg := fixture(t)
	consume := func(left int) changeset.Changeset {
		return changeset.Changeset{
			ProposerID: "a1", Kind: changeset.KindConsume, TargetWorld: "hub", SubmittedAt: t0,
			Patches: []changeset.Patch{
				changeset.InventoryPatch("a1", map[string]int{"gem": left}),
				changeset.AppendActionPatch(changeset.ActionRecord{AgentID: "a1", Kind: changeset.KindConsume, Timestamp: t0, WorldID: "hub",
					Payload: map[string]any{"item": "gem", "quantity": 1}}),
			},
		}
	}
	_, err := Validate(consume(0), st, cfg)
	wantCode(t, err, protocol.ErrOwnership)
	st = commit(t, st, cfg, consume(1))
	if st.Holding("a1", "gem") != 1 {
		t.Fatalf("gem=%d", st.Holding("a1", "gem"))
	}
}

func TestPlaceObjectDuplicateIDRejected(t *testing.T) {
	st, cfg := fixture(t)
	place := func() changeset.Changeset {
		rec, _ := json.Marshal(map[string]any{"id": "obj-001", "kind": "lamp", "world_id": "hub", "placed_by": "a1", "position": store.Vec2{X: 3, Z: 3}})
		return changeset.Changeset{
			ProposerID: "a1", Kind: changeset.KindPlaceObject, TargetWorld: "hub", SubmittedAt: t0,
			Patches: []changeset.Patch{
				{Document: string(store.ObjectsDoc("hub")), Op: changeset.OpAppend, Record: rec},
				changeset.AppendActionPatch(changeset.ActionRecord{AgentID: "a1", Kind: changeset.KindPlaceObject, Timestamp: t0, WorldID: "hub"}),
			},
		}
	}
	st = commit(t, st, cfg, place())
	_, err := Validate(place(), st, cfg)
	wantCode(t, err, protocol.ErrSchema)
}

func TestUnknownTargetWorldIsSchema(t *testing.T) {
	st, cfg := fixture(t)
	_, err := Validate(changeset.Emote("a1", "moon", "wave", t0), st, cfg)
	wantCode(t, err, protocol.ErrSchema)
}

func TestAuditCleanAndCorrupt(t *testing.T) {
	st, cfg := fixture(t)
	st = commit(t, st, cfg, changeset.Move("a1", "hub", store.Vec2{}, store.Vec2{X: 3, Z: 3}, t0))
	if v := Audit(st, cfg); len(v) != 0 {
		t.Fatalf("unexpected violations: %v", v)
	}

	tx := st.Begin(t0)
	a, _ := st.Agent("a2")
	a.Position = store.Vec2{X: 99, Z: 0}
	tx.PutAgent(a)
	tx.AppendAction(store.Action{AgentID: "ghost", Kind: "emote", WorldID: "hub", Timestamp: t0})
	bad := tx.Commit(100)

	rules := map[string]bool{}
	for _, v := range Audit(bad, cfg) {
		rules[v.Rule] = true
	}
	if !rules["bounds"] || !rules["referential"] {
		t.Fatalf("audit missed violations: %v", Audit(bad, cfg))
	}
}

func TestSpawnBuilderThenMove(t *testing.T) {
	st, cfg := fixture(t)
	st = commit(t, st, cfg, changeset.Spawn("bot-1", "Bot", "hub", store.Vec2{X: -3, Z: 4}, t0))
	a, ok := st.Agent("bot-1")
	if !ok || a.Status != store.AgentActive || a.Position != (store.Vec2{X: -3, Z: 4}) {
		t.Fatalf("spawned=%+v ok=%v", a, ok)
	}
	st = commit(t, st, cfg, changeset.Move("bot-1", "hub", a.Position, store.Vec2{X: -1, Z: 4}, t0.Add(time.Second)))
	if a, _ := st.Agent("bot-1"); a.Position.X != -1 {
		t.Fatalf("move not applied: %+v", a)
	}
	_, err := Validate(changeset.Spawn("bot-1", "Bot", "hub", store.Vec2{}, t0.Add(2*time.Second)), st, cfg)
	if err == nil {
		t.Fatalf("duplicate spawn accepted")
	}
}
