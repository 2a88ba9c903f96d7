package changeset

import (
	"fmt"

	"worldledger.ai/internal/sim/store"
)

// Apply writes every mutation onto tx in patch order and returns the ids of
// appended records. It assumes the changeset was validated against
// tx.Base(); an error means tx must be discarded.
func Apply(d *Decoded, tx *store.Tx) ([]string, error) {
	var assigned []string
	for _, m := range d.Mutations {
		view := tx.View()
		switch {
		case m.Agent != nil:
			tx.PutAgent(*m.Agent)
		case m.Fields != nil:
			a, ok := view.Agent(m.Target)
			if !ok {
				return nil, fmt.Errorf("patch %d: agent %q missing", m.Index, m.Target)
			}
			tx.PutAgent(m.Fields.ApplyTo(a))
		case m.Doc == store.DocAgents && m.Op == OpSetStatus:
			a, ok := view.Agent(m.Target)
			if !ok {
				return nil, fmt.Errorf("patch %d: agent %q missing", m.Index, m.Target)
			}
			a.Status = m.Status
			tx.PutAgent(a)
		case m.Action != nil:
			a := tx.AppendAction(*m.Action)
			assigned = append(assigned, a.ID)
		case m.Chat != nil:
			c := tx.AppendChat(*m.Chat)
			assigned = append(assigned, c.ID)
		case m.Doc == store.DocInventory && m.Op == OpUpdate:
			tx.SetInventory(m.Target, m.Items)
		case m.Trade != nil:
			t := tx.PutTrade(*m.Trade)
			assigned = append(assigned, t.ID)
		case m.Doc == store.DocTrades && m.Op == OpSetStatus:
			t, ok := view.Trade(m.Target)
			if !ok {
				return nil, fmt.Errorf("patch %d: trade %q missing", m.Index, m.Target)
			}
			t.Status = m.Status
			tx.PutTrade(t)
		case m.Object != nil:
			o := tx.AppendObject(*m.Object)
			assigned = append(assigned, o.ID)
		default:
			return nil, fmt.Errorf("patch %d: %s on %s cannot be applied", m.Index, m.Op, m.Doc)
		}
	}
	return assigned, nil
}
