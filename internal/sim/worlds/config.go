// Package worlds loads the static per-world configuration: bounds, the
// action kinds each world accepts, and the bootstrap seed.
package worlds

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"worldledger.ai/internal/protocol"
	"worldledger.ai/internal/sim/changeset"
	"worldledger.ai/internal/sim/store"
)

type Config struct {
	DefaultWorldID string      `yaml:"default_world_id"`
	Worlds         []WorldSpec `yaml:"worlds"`
	Seed           SeedSpec    `yaml:"seed,omitempty"`
}

type WorldSpec struct {
	ID     string     `yaml:"id"`
	Name   string     `yaml:"name,omitempty"`
	Bounds BoundsSpec `yaml:"bounds"`
	// Kinds lists the changeset kinds the world accepts. Empty means all.
	Kinds []string `yaml:"kinds,omitempty"`
}

// BoundsSpec is an inclusive axis-aligned rectangle on the x/z plane.
type BoundsSpec struct {
	XMin float64 `yaml:"x_min"`
	XMax float64 `yaml:"x_max"`
	ZMin float64 `yaml:"z_min"`
	ZMax float64 `yaml:"z_max"`
}

type SeedSpec struct {
	Agents    []SeedAgent               `yaml:"agents,omitempty"`
	Inventory map[string]map[string]int `yaml:"inventory,omitempty"`
}

type SeedAgent struct {
	ID      string  `yaml:"id"`
	Name    string  `yaml:"name"`
	WorldID string  `yaml:"world_id"`
	X       float64 `yaml:"x"`
	Z       float64 `yaml:"z"`
	Status  string  `yaml:"status,omitempty"`
	NPC     bool    `yaml:"npc,omitempty"`
}

func Load(path string) (Config, error) {
	cfg := defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	// The file replaces the defaults wholesale, seed included.
	cfg.Worlds = nil
	cfg.DefaultWorldID = ""
	cfg.Seed = SeedSpec{}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("worlds.yaml: %w", err)
	}
	if len(cfg.Worlds) == 0 {
		d := defaults()
		cfg.Worlds = d.Worlds
		if cfg.DefaultWorldID == "" {
			cfg.DefaultWorldID = d.DefaultWorldID
		}
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("worlds.yaml: %w", err)
	}
	return cfg, nil
}

var (
	commonKinds = []string{
		changeset.KindMove, changeset.KindChat, changeset.KindEmote, changeset.KindSpawn,
		changeset.KindDespawn, changeset.KindInteract, changeset.KindTeach, changeset.KindConsume,
	}
	tradeKinds  = []string{changeset.KindTradeOffer, changeset.KindTradeAccept, changeset.KindTradeDecline}
	battleKinds = []string{changeset.KindBattleChallenge, changeset.KindBattleAction}
)

func kinds(groups ...[]string) []string {
	var out []string
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

func defaults() Config {
	return Config{
		DefaultWorldID: "hub",
		Worlds: []WorldSpec{
			{ID: "hub", Name: "Central Hub", Bounds: BoundsSpec{XMin: -15, XMax: 15, ZMin: -15, ZMax: 15},
				Kinds: kinds(commonKinds, tradeKinds, []string{changeset.KindPlaceObject})},
			{ID: "arena", Name: "Battle Arena", Bounds: BoundsSpec{XMin: -12, XMax: 12, ZMin: -12, ZMax: 12},
				Kinds: kinds(commonKinds, battleKinds)},
			{ID: "marketplace", Name: "Marketplace", Bounds: BoundsSpec{XMin: -15, XMax: 15, ZMin: -15, ZMax: 15},
				Kinds: kinds(commonKinds, tradeKinds, []string{changeset.KindPlaceObject})},
			{ID: "gallery", Name: "Gallery", Bounds: BoundsSpec{XMin: -12, XMax: 12, ZMin: -12, ZMax: 15},
				Kinds: kinds(commonKinds, []string{changeset.KindPlaceObject})},
			{ID: "dungeon", Name: "Dungeon", Bounds: BoundsSpec{XMin: -12, XMax: 12, ZMin: -12, ZMax: 12},
				Kinds: kinds(commonKinds, battleKinds)},
		},
		Seed: SeedSpec{
			Agents: []SeedAgent{
				{ID: "npc-guide", Name: "Guide", WorldID: "hub", NPC: true},
				{ID: "npc-merchant", Name: "Merchant", WorldID: "marketplace", X: 4, Z: -3, NPC: true},
				{ID: "npc-curator", Name: "Curator", WorldID: "gallery", X: -2, Z: 10, NPC: true},
				{ID: "npc-champion", Name: "Champion", WorldID: "arena", Z: 6, NPC: true},
			},
			Inventory: map[string]map[string]int{
				"npc-merchant": {"potion": 10, "map": 3},
				"npc-guide":    {"map": 1},
			},
		},
	}
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	for i := range c.Worlds {
		c.Worlds[i].ID = strings.TrimSpace(c.Worlds[i].ID)
		if c.Worlds[i].Name == "" {
			c.Worlds[i].Name = c.Worlds[i].ID
		}
		if len(c.Worlds[i].Kinds) == 0 {
			c.Worlds[i].Kinds = changeset.Kinds()
		}
		sort.Strings(c.Worlds[i].Kinds)
	}
	if c.DefaultWorldID == "" && len(c.Worlds) > 0 {
		c.DefaultWorldID = c.Worlds[0].ID
	}
	for i := range c.Seed.Agents {
		if c.Seed.Agents[i].WorldID == "" {
			c.Seed.Agents[i].WorldID = c.DefaultWorldID
		}
		if c.Seed.Agents[i].Status == "" {
			c.Seed.Agents[i].Status = store.AgentActive
		}
	}
}

func (c Config) Validate() error {
	if len(c.Worlds) == 0 {
		return fmt.Errorf("worlds must not be empty")
	}
	seen := map[string]bool{}
	for _, w := range c.Worlds {
		if strings.TrimSpace(w.ID) == "" {
			return fmt.Errorf("world id must not be empty")
		}
		if strings.Contains(w.ID, ":") {
			return fmt.Errorf("world id %q must not contain ':'", w.ID)
		}
		if seen[w.ID] {
			return fmt.Errorf("duplicate world id: %s", w.ID)
		}
		seen[w.ID] = true
		if w.Bounds.XMin > w.Bounds.XMax || w.Bounds.ZMin > w.Bounds.ZMax {
			return fmt.Errorf("world %s bounds are inverted", w.ID)
		}
		for _, k := range w.Kinds {
			if !changeset.KnownKind(k) {
				return fmt.Errorf("world %s declares unknown kind %q", w.ID, k)
			}
		}
	}
	if c.DefaultWorldID == "" {
		return fmt.Errorf("default_world_id must not be empty")
	}
	if !seen[c.DefaultWorldID] {
		return fmt.Errorf("default_world_id %q not found in worlds", c.DefaultWorldID)
	}
	agents := map[string]bool{}
	for i, a := range c.Seed.Agents {
		if strings.TrimSpace(a.ID) == "" {
			return fmt.Errorf("seed.agents[%d] missing id", i)
		}
		if agents[a.ID] {
			return fmt.Errorf("seed.agents duplicate id: %s", a.ID)
		}
		agents[a.ID] = true
		w, ok := c.WorldSpecByID(a.WorldID)
		if !ok {
			return fmt.Errorf("seed agent %s: world %q not found", a.ID, a.WorldID)
		}
		if !w.Contains(store.Vec2{X: a.X, Z: a.Z}) {
			return fmt.Errorf("seed agent %s: position (%g,%g) outside %s", a.ID, a.X, a.Z, w.ID)
		}
		if !store.ValidAgentStatus(a.Status) {
			return fmt.Errorf("seed agent %s: unknown status %q", a.ID, a.Status)
		}
	}
	for agentID, items := range c.Seed.Inventory {
		if !agents[agentID] {
			return fmt.Errorf("seed.inventory: unknown agent %s", agentID)
		}
		for item, n := range items {
			if n < 0 {
				return fmt.Errorf("seed.inventory %s/%s: negative quantity", agentID, item)
			}
		}
	}
	return nil
}

func (w WorldSpec) Contains(p store.Vec2) bool {
	b := w.Bounds
	return p.X >= b.XMin && p.X <= b.XMax && p.Z >= b.ZMin && p.Z <= b.ZMax
}

func (w WorldSpec) Allows(kind string) bool {
	for _, k := range w.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func (c Config) WorldSpecByID(id string) (WorldSpec, bool) {
	for _, w := range c.Worlds {
		if w.ID == id {
			return w, true
		}
	}
	return WorldSpec{}, false
}

func (c Config) WorldIDs() []string {
	out := make([]string, 0, len(c.Worlds))
	for _, w := range c.Worlds {
		out = append(out, w.ID)
	}
	return out
}

func (c Config) Manifest() []protocol.WorldRef {
	out := make([]protocol.WorldRef, 0, len(c.Worlds))
	for _, w := range c.Worlds {
		out = append(out, protocol.WorldRef{
			WorldID: w.ID,
			Name:    w.Name,
			XMin:    w.Bounds.XMin,
			XMax:    w.Bounds.XMax,
			ZMin:    w.Bounds.ZMin,
			ZMax:    w.Bounds.ZMax,
			Kinds:   append([]string(nil), w.Kinds...),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorldID < out[j].WorldID })
	return out
}

// Bootstrap builds the version-0 store state from the seed.
func (c Config) Bootstrap(now time.Time) *store.State {
	agents := make([]store.Agent, 0, len(c.Seed.Agents))
	for _, a := range c.Seed.Agents {
		agents = append(agents, store.Agent{
			ID:       a.ID,
			Name:     a.Name,
			WorldID:  a.WorldID,
			Position: store.Vec2{X: a.X, Z: a.Z},
			Status:   a.Status,
			NPC:      a.NPC,
		})
	}
	return store.Bootstrap(c.WorldIDs(), agents, c.Seed.Inventory, now)
}
