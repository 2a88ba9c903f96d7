package generator

import (
	"context"
	"strings"
	"testing"
	"time"

	"worldledger.ai/internal/sim/changeset"
	"worldledger.ai/internal/sim/sequencer"
	"worldledger.ai/internal/sim/store"
	"worldledger.ai/internal/sim/worlds"
)

var t0 = time.Date(2026, 5, 2, 18, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return t0 }

func setup(t *testing.T) (*store.Store, *sequencer.Sequencer, *worlds.Registry) {
	t.Helper()
	cfg, err := worlds.Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	boot := cfg.Bootstrap(t0.Add(-time.Hour))
	agents := make([]store.Agent, 0, len(boot.Agents)+1)
	for _, a := range boot.Agents {
		agents = append(agents, a)
	}
	agents = append(agents, store.Agent{ID: "p1", Name: "Pat", WorldID: "hub", Status: store.AgentActive})
	st := store.New(store.Bootstrap(cfg.WorldIDs(), agents, cfg.Seed.Inventory, t0.Add(-time.Hour)))
	reg := worlds.NewRegistry("", cfg)
	seq := sequencer.New(st, reg, sequencer.Config{Now: fixedNow})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = seq.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return st, seq, reg
}

func TestNPCRepliesToPlayerChat(t *testing.T) {
	st, seq, reg := setup(t)
	ctx := context.Background()
	if res := seq.Submit(ctx, changeset.Chat("p1", "Pat", "hub", "hello there", t0)); !res.Committed() {
		t.Fatalf("player chat: %+v", res)
	}

	g := New(st, seq, reg, Config{Seed: 7, Now: fixedNow}, nil)
	if n := g.Tick(ctx); n != 1 {
		t.Fatalf("committed=%d", n)
	}
	chat := st.Current().Chat
	last := chat[len(chat)-1]
	if last.AgentID != "npc-guide" || !strings.Contains(last.Content, "Pat") {
		t.Fatalf("reply=%+v", last)
	}

	if n := g.Tick(ctx); n != 0 {
		t.Fatalf("second tick replied again: %d", n)
	}
}

func TestReplyOnlyFromSameWorld(t *testing.T) {
	st, seq, reg := setup(t)
	ctx := context.Background()
	g := New(st, seq, reg, Config{Seed: 1, Now: fixedNow}, nil)
	g.Tick(ctx) // prime with an empty chat log

	if res := seq.Submit(ctx, changeset.Chat("npc-merchant", "Merchant", "marketplace", "fresh potions", t0)); !res.Committed() {
		t.Fatalf("npc chat: %+v", res)
	}
	if n := g.Tick(ctx); n != 0 {
		t.Fatalf("npc chatter should not trigger replies, committed=%d", n)
	}
}

func TestWanderStaysInBounds(t *testing.T) {
	st, seq, reg := setup(t)
	ctx := context.Background()
	g := New(st, seq, reg, Config{Seed: 42, WanderChance: 1, StepSize: 6, Now: fixedNow}, nil)

	npcs := len(activeNPCs(st.Current()))
	for i := 0; i < 25; i++ {
		if n := g.Tick(ctx); n != npcs {
			t.Fatalf("tick %d committed=%d want %d", i, n, npcs)
		}
	}
	cfg := reg.Current()
	for _, a := range st.Current().Agents {
		w, _ := cfg.WorldSpecByID(a.WorldID)
		if !w.Contains(a.Position) {
			t.Fatalf("%s left %s: %+v", a.ID, a.WorldID, a.Position)
		}
	}
	if st.Current().Seq != uint64(25*npcs) {
		t.Fatalf("seq=%d", st.Current().Seq)
	}
}

func TestEmoteOnly(t *testing.T) {
	st, seq, reg := setup(t)
	g := New(st, seq, reg, Config{Seed: 3, EmoteChance: 1, Now: fixedNow}, nil)
	before := len(st.Current().Actions)
	g.Tick(context.Background())
	acts := st.Current().Actions[before:]
	if len(acts) != 4 {
		t.Fatalf("actions=%d", len(acts))
	}
	for _, a := range acts {
		if a.Kind != changeset.KindEmote {
			t.Fatalf("kind=%s", a.Kind)
		}
	}
}
