// Package generator drives the seeded NPCs. It is an ordinary proposer: it
// reads published state and submits changesets like any external client.
package generator

import (
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"sort"
	"time"

	"worldledger.ai/internal/protocol"
	"worldledger.ai/internal/sim/changeset"
	"worldledger.ai/internal/sim/store"
	"worldledger.ai/internal/sim/worlds"
)

type Source interface {
	Current() *store.State
}

type Submitter interface {
	Submit(ctx context.Context, cs changeset.Changeset) protocol.Result
}

type WorldSource interface {
	Current() worlds.Config
}

type Config struct {
	Interval time.Duration
	// Per tick, each idle NPC wanders with WanderChance, else emotes with
	// EmoteChance.
	WanderChance float64
	EmoteChance  float64
	StepSize     float64
	Seed         int64
	Now          func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.StepSize <= 0 {
		c.StepSize = 2
	}
	if c.Seed == 0 {
		c.Seed = time.Now().UnixNano()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

var (
	emotes  = []string{"wave", "nod", "bow", "cheer", "shrug", "think"}
	replies = []string{
		"Welcome, %s! Ask me anything about this place.",
		"Good to see you, %s.",
		"%s, have you visited the marketplace yet?",
		"Interesting thought, %s. Tell me more.",
		"Safe travels, %s.",
	}
)

type Generator struct {
	src    Source
	sub    Submitter
	worlds WorldSource
	cfg    Config
	log    *log.Logger
	rng    *rand.Rand

	primed  bool
	chatRev uint64
}

func New(src Source, sub Submitter, ws WorldSource, cfg Config, logger *log.Logger) *Generator {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Generator{
		src:    src,
		sub:    sub,
		worlds: ws,
		cfg:    cfg,
		log:    logger,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
	}
}

func (g *Generator) Run(ctx context.Context) error {
	t := time.NewTicker(g.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			g.Tick(ctx)
		}
	}
}

// Tick answers new player chat, then lets every NPC that did not speak
// wander or emote. It returns how many changesets committed.
func (g *Generator) Tick(ctx context.Context) int {
	st := g.src.Current()
	cfg := g.worlds.Current()
	npcs := activeNPCs(st)
	if len(npcs) == 0 {
		return 0
	}
	now := g.cfg.Now().UTC()
	committed := 0
	busy := map[string]bool{}

	for _, m := range g.newPlayerChat(st) {
		var candidates []store.Agent
		for _, a := range npcs {
			if a.WorldID == m.WorldID && !busy[a.ID] {
				candidates = append(candidates, a)
			}
		}
		if len(candidates) == 0 {
			continue
		}
		npc := candidates[g.rng.Intn(len(candidates))]
		who := m.Author
		if who == "" {
			who = m.AgentID
		}
		line := fmt.Sprintf(replies[g.rng.Intn(len(replies))], who)
		busy[npc.ID] = true
		if g.submit(ctx, changeset.Chat(npc.ID, npc.Name, npc.WorldID, line, now)) {
			committed++
		}
	}

	for _, a := range npcs {
		if busy[a.ID] {
			continue
		}
		r := g.rng.Float64()
		switch {
		case r < g.cfg.WanderChance:
			w, ok := cfg.WorldSpecByID(a.WorldID)
			if !ok {
				continue
			}
			to := g.step(a.Position, w.Bounds)
			if g.submit(ctx, changeset.Move(a.ID, a.WorldID, a.Position, to, now)) {
				committed++
			}
		case r < g.cfg.WanderChance+g.cfg.EmoteChance:
			e := emotes[g.rng.Intn(len(emotes))]
			if g.submit(ctx, changeset.Emote(a.ID, a.WorldID, e, now)) {
				committed++
			}
		}
	}
	return committed
}

// newPlayerChat returns chat appended since the last tick by non-NPC
// agents. The first tick only considers the latest message.
func (g *Generator) newPlayerChat(st *store.State) []store.ChatMessage {
	var fresh []store.ChatMessage
	if !g.primed {
		g.primed = true
		if n := len(st.Chat); n > 0 {
			fresh = st.Chat[n-1:]
		}
	} else {
		for _, m := range st.Chat {
			if m.Rev > g.chatRev {
				fresh = append(fresh, m)
			}
		}
	}
	if n := len(st.Chat); n > 0 {
		g.chatRev = st.Chat[n-1].Rev
	}
	var out []store.ChatMessage
	for _, m := range fresh {
		if a, ok := st.Agent(m.AgentID); ok && a.NPC {
			continue
		}
		out = append(out, m)
	}
	return out
}

func (g *Generator) step(p store.Vec2, b worlds.BoundsSpec) store.Vec2 {
	dx := (g.rng.Float64()*2 - 1) * g.cfg.StepSize
	dz := (g.rng.Float64()*2 - 1) * g.cfg.StepSize
	return store.Vec2{
		X: round2(clamp(p.X+dx, b.XMin, b.XMax)),
		Z: round2(clamp(p.Z+dz, b.ZMin, b.ZMax)),
	}
}

func (g *Generator) submit(ctx context.Context, cs changeset.Changeset) bool {
	res := g.sub.Submit(ctx, cs)
	if !res.Committed() {
		g.log.Printf("%s %s rejected: %s %s", cs.ProposerID, cs.Kind, res.Code, res.Reason)
		return false
	}
	return true
}

func activeNPCs(st *store.State) []store.Agent {
	var out []store.Agent
	for _, a := range st.Agents {
		if a.NPC && a.Status == store.AgentActive {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
