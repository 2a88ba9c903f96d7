// Package validate decides whether a changeset may be applied to a given
// state. Every function here is pure: it reads the state and the world
// configuration and never mutates either.
package validate

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"worldledger.ai/internal/protocol"
	"worldledger.ai/internal/sim/changeset"
	"worldledger.ai/internal/sim/store"
	"worldledger.ai/internal/sim/worlds"
)

var validEmotes = map[string]bool{
	"wave": true, "dance": true, "bow": true, "clap": true,
	"think": true, "celebrate": true, "cheer": true, "nod": true,
}

// Decode parses cs and resolves its target world. Failures are E_SCHEMA.
func Decode(cs changeset.Changeset, cfg worlds.Config) (*changeset.Decoded, error) {
	d, err := changeset.Decode(cs)
	if err != nil {
		var de *changeset.DecodeError
		reason := err.Error()
		if errors.As(err, &de) {
			reason = de.Error()
		}
		return nil, &protocol.Error{Code: protocol.ErrSchema, Reason: reason, Cause: err}
	}
	if _, ok := cfg.WorldSpecByID(d.TargetWorld); !ok {
		return nil, protocol.Reject(protocol.ErrSchema, "unknown target world %q", d.TargetWorld)
	}
	return d, nil
}

// Validate decodes cs and checks it against st.
func Validate(cs changeset.Changeset, st *store.State, cfg worlds.Config) (*changeset.Decoded, error) {
	d, err := Decode(cs, cfg)
	if err != nil {
		return nil, err
	}
	if err := Check(d, st, cfg); err != nil {
		return nil, err
	}
	return d, nil
}

// Check runs the admission rules in order and stops at the first failure:
// referential integrity, temporal order, spatial bounds, possession, then
// schema conformance.
func Check(d *changeset.Decoded, st *store.State, cfg worlds.Config) error {
	c := newChecker(d, st, cfg)
	for _, step := range []func() error{
		c.referential,
		c.temporal,
		c.bounds,
		c.ownership,
		c.schema,
	} {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

type checker struct {
	d     *changeset.Decoded
	st    *store.State
	cfg   worlds.Config
	world worlds.WorldSpec

	spawned map[string]store.Agent
}

func newChecker(d *changeset.Decoded, st *store.State, cfg worlds.Config) *checker {
	w, _ := cfg.WorldSpecByID(d.TargetWorld)
	c := &checker{d: d, st: st, cfg: cfg, world: w, spawned: map[string]store.Agent{}}
	for _, m := range d.Mutations {
		if m.Agent != nil {
			c.spawned[m.Agent.ID] = *m.Agent
		}
	}
	return c
}

// agent resolves an agent as it will exist once earlier patches in the
// changeset have applied.
func (c *checker) agent(id string) (store.Agent, bool) {
	if a, ok := c.spawned[id]; ok {
		return a, true
	}
	return c.st.Agent(id)
}

func (c *checker) agentExists(id string) bool {
	_, ok := c.agent(id)
	return ok
}

func (c *checker) worldExists(id string) bool {
	_, ok := c.cfg.WorldSpecByID(id)
	return ok
}

func referentialErr(m changeset.Mutation, format string, args ...any) error {
	return protocol.Reject(protocol.ErrReferential, "patch %d: %s", m.Index, fmt.Sprintf(format, args...))
}

func (c *checker) referential() error {
	for _, m := range c.d.Mutations {
		switch {
		case m.Agent != nil:
			if !c.worldExists(m.Agent.WorldID) {
				return referentialErr(m, "unknown world %q", m.Agent.WorldID)
			}
		case m.Fields != nil:
			if !c.agentExists(m.Target) {
				return referentialErr(m, "unknown agent %q", m.Target)
			}
			if m.Fields.WorldID != nil && !c.worldExists(*m.Fields.WorldID) {
				return referentialErr(m, "unknown world %q", *m.Fields.WorldID)
			}
		case m.Doc == store.DocAgents && m.Op == changeset.OpSetStatus:
			if !c.agentExists(m.Target) {
				return referentialErr(m, "unknown agent %q", m.Target)
			}
		case m.Action != nil:
			if !c.agentExists(m.Action.AgentID) {
				return referentialErr(m, "unknown agent %q", m.Action.AgentID)
			}
		case m.Chat != nil:
			if !c.agentExists(m.Chat.AgentID) {
				return referentialErr(m, "unknown agent %q", m.Chat.AgentID)
			}
		case m.Doc == store.DocInventory && m.Op == changeset.OpUpdate:
			if !c.agentExists(m.Target) {
				return referentialErr(m, "unknown agent %q", m.Target)
			}
		case m.Trade != nil:
			for _, p := range m.Trade.Parties {
				if !c.agentExists(p) {
					return referentialErr(m, "unknown trade party %q", p)
				}
			}
		case m.Doc == store.DocTrades && m.Op == changeset.OpSetStatus:
			if _, ok := c.st.Trade(m.Target); !ok {
				return referentialErr(m, "unknown trade %q", m.Target)
			}
		case m.Object != nil:
			if !c.agentExists(m.Object.PlacedBy) {
				return referentialErr(m, "unknown agent %q", m.Object.PlacedBy)
			}
			if !c.worldExists(m.Object.WorldID) {
				return referentialErr(m, "unknown world %q", m.Object.WorldID)
			}
		}
	}
	return nil
}

func (c *checker) temporal() error {
	latest := map[string]time.Time{}
	for agentID, ts := range c.st.LastActivity {
		latest[agentID] = ts
	}
	for _, m := range c.d.Mutations {
		var agentID string
		var ts time.Time
		switch {
		case m.Action != nil:
			agentID, ts = m.Action.AgentID, m.Action.Timestamp
		case m.Chat != nil:
			agentID, ts = m.Chat.AgentID, m.Chat.Timestamp
		default:
			continue
		}
		if prev, ok := latest[agentID]; ok && ts.Before(prev) {
			return protocol.Reject(protocol.ErrTemporal, "patch %d: timestamp %s precedes %s's last activity %s",
				m.Index, ts.UTC().Format(time.RFC3339Nano), agentID, prev.UTC().Format(time.RFC3339Nano))
		}
		latest[agentID] = ts
	}
	return nil
}

func boundsErr(m changeset.Mutation, what string, p store.Vec2, w worlds.WorldSpec) error {
	b := w.Bounds
	return protocol.Reject(protocol.ErrOutOfBounds, "patch %d: %s (%g,%g) outside %s [%g..%g]x[%g..%g]",
		m.Index, what, p.X, p.Z, w.ID, b.XMin, b.XMax, b.ZMin, b.ZMax)
}

type movePayload struct {
	From *store.Vec2 `json:"from"`
	To   *store.Vec2 `json:"to"`
}

func parseMovePayload(raw json.RawMessage) (movePayload, bool) {
	var p movePayload
	if len(raw) == 0 || json.Unmarshal(raw, &p) != nil {
		return movePayload{}, false
	}
	return p, true
}

func (c *checker) bounds() error {
	agents := map[string]store.Agent{}
	resolve := func(id string) (store.Agent, bool) {
		if a, ok := agents[id]; ok {
			return a, true
		}
		return c.agent(id)
	}
	for _, m := range c.d.Mutations {
		switch {
		case m.Agent != nil:
			w, _ := c.cfg.WorldSpecByID(m.Agent.WorldID)
			if !w.Contains(m.Agent.Position) {
				return boundsErr(m, "agent "+m.Agent.ID, m.Agent.Position, w)
			}
			agents[m.Agent.ID] = *m.Agent
		case m.Fields != nil:
			a, _ := resolve(m.Target)
			a = m.Fields.ApplyTo(a)
			w, ok := c.cfg.WorldSpecByID(a.WorldID)
			if !ok {
				return referentialErr(m, "agent %q is in unknown world %q", a.ID, a.WorldID)
			}
			if !w.Contains(a.Position) {
				return boundsErr(m, "agent "+a.ID, a.Position, w)
			}
			agents[a.ID] = a
		case m.Object != nil:
			w, _ := c.cfg.WorldSpecByID(m.Object.WorldID)
			if !w.Contains(m.Object.Position) {
				return boundsErr(m, "object", m.Object.Position, w)
			}
		case m.Action != nil && m.Action.Kind == changeset.KindMove:
			p, ok := parseMovePayload(m.Action.Payload)
			if !ok {
				continue
			}
			if p.From != nil && !c.world.Contains(*p.From) {
				return boundsErr(m, "move from", *p.From, c.world)
			}
			if p.To != nil && !c.world.Contains(*p.To) {
				return boundsErr(m, "move to", *p.To, c.world)
			}
		}
	}
	return nil
}

func ownershipErr(format string, args ...any) error {
	return protocol.Reject(protocol.ErrOwnership, format, args...)
}

type consumePayload struct {
	Item     string `json:"item"`
	Quantity int    `json:"quantity"`
}

func (c *checker) ownership() error {
	patches := map[string]map[string]int{}
	var patchOrder []string
	for _, m := range c.d.Mutations {
		if m.Doc != store.DocInventory || m.Op != changeset.OpUpdate {
			continue
		}
		for item, n := range m.Items {
			if n < 0 {
				return ownershipErr("patch %d: %s would hold %d %s", m.Index, m.Target, n, item)
			}
		}
		if _, dup := patches[m.Target]; dup {
			return ownershipErr("patch %d: inventory of %s patched twice", m.Index, m.Target)
		}
		patches[m.Target] = m.Items
		patchOrder = append(patchOrder, m.Target)
	}

	expected := map[string]map[string]int{}
	for _, m := range c.d.Mutations {
		switch {
		case m.Trade != nil:
			offerer := m.Trade.Parties[0]
			for item, n := range m.Trade.Offered {
				if have := c.st.Holding(offerer, item); have < n {
					return ownershipErr("patch %d: %s offers %d %s but holds %d", m.Index, offerer, n, item, have)
				}
			}
		case m.Doc == store.DocTrades && m.Op == changeset.OpSetStatus && m.Status == store.TradeSettled:
			t, _ := c.st.Trade(m.Target)
			offerer, target := t.Parties[0], t.Parties[1]
			off := c.current(expected, offerer)
			tgt := c.current(expected, target)
			for item, n := range t.Offered {
				if have := off[item]; have < n {
					return ownershipErr("trade %s: %s no longer holds %d %s (has %d)", t.ID, offerer, n, item, have)
				}
			}
			for item, n := range t.Requested {
				if have := tgt[item]; have < n {
					return ownershipErr("trade %s: %s holds %d %s, %d requested", t.ID, target, have, item, n)
				}
			}
			for item, n := range t.Offered {
				off[item] -= n
				tgt[item] += n
			}
			for item, n := range t.Requested {
				tgt[item] -= n
				off[item] += n
			}
		case m.Action != nil && m.Action.Kind == changeset.KindConsume:
			var p consumePayload
			if len(m.Action.Payload) == 0 || json.Unmarshal(m.Action.Payload, &p) != nil || p.Item == "" || p.Quantity <= 0 {
				return protocol.Reject(protocol.ErrSchema, "patch %d: consume needs payload {item, quantity>0}", m.Index)
			}
			agentID := m.Action.AgentID
			inv := c.current(expected, agentID)
			if have := inv[p.Item]; have < p.Quantity {
				return ownershipErr("patch %d: %s consumes %d %s but holds %d", m.Index, agentID, p.Quantity, p.Item, have)
			}
			inv[p.Item] -= p.Quantity
		}
	}

	// Inventory patches must carry exactly the holdings implied by the
	// settlements and consumptions above, no more and no less.
	if len(expected) == 0 {
		return nil
	}
	for agentID, want := range expected {
		got, ok := patches[agentID]
		if !ok {
			return ownershipErr("inventory of %s not updated", agentID)
		}
		if !sameItems(got, want) {
			return ownershipErr("inventory of %s does not reflect the exchange exactly once: got %v want %v",
				agentID, nonZero(got), nonZero(want))
		}
	}
	for _, agentID := range patchOrder {
		if _, ok := expected[agentID]; !ok {
			return ownershipErr("inventory of %s changed without an exchange", agentID)
		}
	}
	return nil
}

func (c *checker) current(expected map[string]map[string]int, agentID string) map[string]int {
	if inv, ok := expected[agentID]; ok {
		return inv
	}
	inv := map[string]int{}
	for item, n := range c.st.Inventory[agentID].Items {
		inv[item] = n
	}
	expected[agentID] = inv
	return inv
}

func nonZero(m map[string]int) map[string]int {
	out := map[string]int{}
	for k, v := range m {
		if v != 0 {
			out[k] = v
		}
	}
	return out
}

func sameItems(a, b map[string]int) bool {
	a, b = nonZero(a), nonZero(b)
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func schemaErr(format string, args ...any) error {
	return protocol.Reject(protocol.ErrSchema, format, args...)
}

func (c *checker) schema() error {
	d := c.d
	if !c.world.Allows(d.Kind) {
		return schemaErr("kind %q not declared for world %s", d.Kind, d.TargetWorld)
	}
	reqs, ok := changeset.Requirements(d.Kind, d.TargetWorld)
	if !ok {
		return schemaErr("unknown kind %q", d.Kind)
	}

	required := map[store.DocName]changeset.Requirement{}
	for _, r := range reqs {
		required[r.Doc] = r
	}
	present := map[store.DocName]bool{}
	type docTarget struct {
		doc    store.DocName
		target string
	}
	targeted := map[docTarget]bool{}
	for _, m := range d.Mutations {
		present[m.Doc] = true
		if m.Target != "" {
			k := docTarget{m.Doc, m.Target}
			if targeted[k] {
				return schemaErr("patch %d: %s target %q patched twice", m.Index, m.Doc, m.Target)
			}
			targeted[k] = true
		}
		r, ok := required[m.Doc]
		if !ok {
			return schemaErr("UnexpectedDocument: %s does not patch %s", d.Kind, m.Doc)
		}
		if !changeset.Permitted(m.Doc, m.Op) {
			return schemaErr("patch %d: op %s not permitted on %s", m.Index, m.Op, m.Doc)
		}
		if r.Op != "" && m.Op != r.Op {
			return schemaErr("patch %d: %s must %s %s, got %s", m.Index, d.Kind, r.Op, m.Doc, m.Op)
		}
		if r.Status != "" && m.Status != r.Status {
			return schemaErr("patch %d: %s must set status %s, got %s", m.Index, d.Kind, r.Status, m.Status)
		}
	}
	var missing []string
	for _, r := range reqs {
		if !present[r.Doc] {
			missing = append(missing, string(r.Doc))
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return schemaErr("IncompletePatchSet: %s requires %v", d.Kind, missing)
	}

	var action *store.Action
	for _, m := range d.Mutations {
		if m.Action == nil {
			continue
		}
		if action != nil {
			return schemaErr("patch %d: %s carries more than one action record", m.Index, d.Kind)
		}
		action = m.Action
	}
	if action == nil {
		return schemaErr("IncompletePatchSet: %s has no action record", d.Kind)
	}
	if action.Kind != d.Kind {
		return schemaErr("action kind %q does not match changeset kind %q", action.Kind, d.Kind)
	}
	if action.WorldID != d.TargetWorld {
		return schemaErr("action world %q does not match target world %q", action.WorldID, d.TargetWorld)
	}

	if err := c.uniqueIDs(); err != nil {
		return err
	}
	return c.kindRules(action)
}

func (c *checker) uniqueIDs() error {
	seen := map[string]bool{}
	claim := func(m changeset.Mutation, id string, taken bool) error {
		if id == "" {
			return nil
		}
		if taken || seen[id] {
			return schemaErr("patch %d: duplicate id %q", m.Index, id)
		}
		seen[id] = true
		return nil
	}
	for _, m := range c.d.Mutations {
		var err error
		switch {
		case m.Agent != nil:
			_, exists := c.st.Agent(m.Agent.ID)
			err = claim(m, m.Agent.ID, exists)
		case m.Action != nil:
			err = claim(m, m.Action.ID, m.Action.ID != "" && c.st.HasAction(m.Action.ID))
		case m.Chat != nil:
			err = claim(m, m.Chat.ID, m.Chat.ID != "" && c.st.HasChat(m.Chat.ID))
		case m.Trade != nil:
			_, exists := c.st.Trade(m.Trade.ID)
			err = claim(m, m.Trade.ID, exists || c.st.IDIssued(store.PrefixTrade, m.Trade.ID))
		case m.Object != nil:
			taken := m.Object.ID != "" && (c.st.HasObject(m.Object.WorldID, m.Object.ID) || c.st.IDIssued(store.PrefixObject, m.Object.ID))
			err = claim(m, m.Object.ID, taken)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *checker) kindRules(action *store.Action) error {
	d := c.d
	for _, m := range d.Mutations {
		switch {
		case m.Chat != nil:
			if m.Chat.AgentID != action.AgentID {
				return schemaErr("patch %d: chat author %q differs from action agent %q", m.Index, m.Chat.AgentID, action.AgentID)
			}
			if m.Chat.WorldID != d.TargetWorld {
				return schemaErr("patch %d: chat world %q does not match target world", m.Index, m.Chat.WorldID)
			}
		case m.Agent != nil:
			if m.Agent.WorldID != d.TargetWorld {
				return schemaErr("patch %d: agent spawned in %q, not target world", m.Index, m.Agent.WorldID)
			}
		case m.Doc == store.DocAgents && m.Op == changeset.OpSetStatus:
			a, _ := c.agent(m.Target)
			if a.Status == m.Status {
				return schemaErr("patch %d: agent %s is already %s", m.Index, a.ID, m.Status)
			}
		case m.Trade != nil:
			if m.Trade.Parties[0] == m.Trade.Parties[1] {
				return schemaErr("patch %d: trade parties must differ", m.Index)
			}
			if len(m.Trade.Offered) == 0 {
				return schemaErr("patch %d: trade offers nothing", m.Index)
			}
			if m.Trade.Parties[0] != action.AgentID {
				return schemaErr("patch %d: trade offerer %q differs from action agent %q", m.Index, m.Trade.Parties[0], action.AgentID)
			}
		case m.Doc == store.DocTrades && m.Op == changeset.OpSetStatus:
			t, _ := c.st.Trade(m.Target)
			if !store.TradeTransitionAllowed(t.Status, m.Status) {
				return schemaErr("patch %d: trade %s cannot go %s -> %s", m.Index, t.ID, t.Status, m.Status)
			}
			if action.AgentID != t.Parties[0] && action.AgentID != t.Parties[1] {
				return schemaErr("patch %d: %s is not a party to trade %s", m.Index, action.AgentID, t.ID)
			}
			if m.Status == store.TradeSettled && action.AgentID != t.Parties[1] {
				return schemaErr("patch %d: only %s may accept trade %s", m.Index, t.Parties[1], t.ID)
			}
		case m.Object != nil:
			if m.Object.WorldID != d.TargetWorld || m.Doc != store.ObjectsDoc(d.TargetWorld) {
				return schemaErr("patch %d: object world %q does not match %s", m.Index, m.Object.WorldID, m.Doc)
			}
			if m.Object.PlacedBy != action.AgentID {
				return schemaErr("patch %d: object placer %q differs from action agent %q", m.Index, m.Object.PlacedBy, action.AgentID)
			}
		}
	}

	switch d.Kind {
	case changeset.KindMove:
		return c.moveRules(action)
	case changeset.KindEmote:
		var p struct {
			Emote string `json:"emote"`
		}
		if len(action.Payload) == 0 || json.Unmarshal(action.Payload, &p) != nil || !validEmotes[p.Emote] {
			return schemaErr("unknown emote in payload %s", string(action.Payload))
		}
	}
	return nil
}

func (c *checker) moveRules(action *store.Action) error {
	var update *changeset.Mutation
	for i := range c.d.Mutations {
		m := &c.d.Mutations[i]
		if m.Fields == nil {
			continue
		}
		if update != nil {
			return schemaErr("patch %d: move updates more than one agent", m.Index)
		}
		update = m
	}
	if update == nil || update.Fields.Position == nil {
		return schemaErr("move must update the agent position")
	}
	if update.Target != action.AgentID {
		return schemaErr("move updates %q but the action is by %q", update.Target, action.AgentID)
	}
	a, _ := c.agent(update.Target)
	a = update.Fields.ApplyTo(a)
	if a.WorldID != c.d.TargetWorld {
		return schemaErr("move leaves agent %s in %q, not target world %q", a.ID, a.WorldID, c.d.TargetWorld)
	}
	p, ok := parseMovePayload(action.Payload)
	if !ok || p.To == nil {
		return schemaErr("move action needs payload.to")
	}
	if *p.To != *update.Fields.Position {
		return schemaErr("move payload.to (%g,%g) differs from new position (%g,%g)",
			p.To.X, p.To.Z, update.Fields.Position.X, update.Fields.Position.Z)
	}
	return nil
}
