package changeset

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"worldledger.ai/internal/sim/store"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

const schemaBase = "https://worldledger.ai/schemas/"

var schemas = mustCompileSchemas()

func mustCompileSchemas() map[string]*jsonschema.Schema {
	c := jsonschema.NewCompiler()
	names, err := fs.Glob(schemaFS, "schemas/*.schema.json")
	if err != nil {
		panic(err)
	}
	for _, name := range names {
		b, err := schemaFS.ReadFile(name)
		if err != nil {
			panic(err)
		}
		if err := c.AddResource(schemaBase+path.Base(name), bytes.NewReader(b)); err != nil {
			panic(fmt.Sprintf("schema %s: %v", name, err))
		}
	}
	out := map[string]*jsonschema.Schema{}
	for _, name := range names {
		key := strings.TrimSuffix(path.Base(name), ".schema.json")
		out[key] = c.MustCompile(schemaBase + path.Base(name))
	}
	return out
}

// DecodeError describes a changeset that cannot be interpreted at all.
type DecodeError struct {
	Patch  int // -1 for changeset-level problems
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Patch < 0 {
		return e.Reason
	}
	return fmt.Sprintf("patch %d: %s", e.Patch, e.Reason)
}

func decodeErr(i int, format string, args ...any) error {
	return &DecodeError{Patch: i, Reason: fmt.Sprintf(format, args...)}
}

// AgentFields is a parsed update-field-set for an agent.
type AgentFields struct {
	Name     *string
	WorldID  *string
	Position *store.Vec2
	Status   *string
}

func (f AgentFields) ApplyTo(a store.Agent) store.Agent {
	if f.Name != nil {
		a.Name = *f.Name
	}
	if f.WorldID != nil {
		a.WorldID = *f.WorldID
	}
	if f.Position != nil {
		a.Position = *f.Position
	}
	if f.Status != nil {
		a.Status = *f.Status
	}
	return a
}

// Mutation is a typed patch. Exactly one payload field is set for the
// (Doc, Op) pairs that carry one; other pairs keep only Doc and Op so
// validation can name them.
type Mutation struct {
	Index  int
	Doc    store.DocName
	Op     Op
	Target string
	Status string

	Agent  *store.Agent
	Fields *AgentFields
	Items  map[string]int
	Action *store.Action
	Chat   *store.ChatMessage
	Trade  *store.Trade
	Object *store.WorldObject
}

// Decoded is a changeset whose patches parsed and passed record schemas.
type Decoded struct {
	ID          string
	ProposerID  string
	Kind        string
	TargetWorld string
	SubmittedAt time.Time
	Mutations   []Mutation
}

func knownDoc(doc store.DocName) bool {
	switch doc {
	case store.DocAgents, store.DocActions, store.DocChat, store.DocInventory, store.DocTrades:
		return true
	}
	_, ok := doc.ObjectsWorld()
	return ok
}

// Decode parses every patch into its typed form. It checks shape only;
// nothing here looks at store state.
func Decode(cs Changeset) (*Decoded, error) {
	if strings.TrimSpace(cs.Kind) == "" {
		return nil, decodeErr(-1, "missing kind")
	}
	if strings.TrimSpace(cs.TargetWorld) == "" {
		return nil, decodeErr(-1, "missing target_world")
	}
	if strings.TrimSpace(cs.ProposerID) == "" {
		return nil, decodeErr(-1, "missing proposer_id")
	}
	if len(cs.Patches) == 0 {
		return nil, decodeErr(-1, "no patches")
	}
	d := &Decoded{
		ID:          cs.ID,
		ProposerID:  cs.ProposerID,
		Kind:        cs.Kind,
		TargetWorld: cs.TargetWorld,
		SubmittedAt: cs.SubmittedAt.UTC(),
		Mutations:   make([]Mutation, 0, len(cs.Patches)),
	}
	for i, p := range cs.Patches {
		m, err := decodePatch(i, p)
		if err != nil {
			return nil, err
		}
		d.Mutations = append(d.Mutations, m)
	}
	return d, nil
}

func decodePatch(i int, p Patch) (Mutation, error) {
	doc := store.DocName(p.Document)
	m := Mutation{Index: i, Doc: doc, Op: p.Op, Target: p.Target, Status: p.Status}
	if !knownDoc(doc) {
		return m, decodeErr(i, "unknown document %q", p.Document)
	}
	if !p.Op.Known() {
		return m, decodeErr(i, "unknown op %q", p.Op)
	}
	if !Permitted(doc, p.Op) {
		// Left for validation to report against the kind's patch set.
		return m, nil
	}

	switch p.Op {
	case OpAppend:
		if len(p.Record) == 0 {
			return m, decodeErr(i, "append without record")
		}
	case OpUpdate, OpSetStatus:
		if p.Target == "" {
			return m, decodeErr(i, "%s without target", p.Op)
		}
		if p.Op == OpSetStatus && p.Status == "" {
			return m, decodeErr(i, "set_status without status")
		}
	}

	var err error
	switch {
	case doc == store.DocAgents && p.Op == OpAppend:
		var a store.Agent
		if err = decodeRecord(i, "agent", p.Record, &a); err == nil {
			if a.Status == "" {
				a.Status = store.AgentActive
			}
			m.Agent = &a
		}
	case doc == store.DocAgents && p.Op == OpUpdate:
		m.Fields, err = decodeAgentFields(i, p.Fields)
	case doc == store.DocAgents && p.Op == OpSetStatus:
		if !store.ValidAgentStatus(p.Status) {
			err = decodeErr(i, "unknown agent status %q", p.Status)
		}
	case doc == store.DocActions:
		var a store.Action
		if err = decodeRecord(i, "action", p.Record, &a); err == nil {
			m.Action = &a
		}
	case doc == store.DocChat:
		var c store.ChatMessage
		if err = decodeRecord(i, "chat", p.Record, &c); err == nil {
			m.Chat = &c
		}
	case doc == store.DocInventory:
		m.Items, err = decodeInventory(i, p.Fields)
	case doc == store.DocTrades && p.Op == OpAppend:
		var t store.Trade
		if err = decodeRecord(i, "trade", p.Record, &t); err == nil {
			t.Status = store.TradeProposed
			m.Trade = &t
		}
	case doc == store.DocTrades && p.Op == OpSetStatus:
		switch p.Status {
		case store.TradeAccepted, store.TradeRejected, store.TradeSettled:
		default:
			err = decodeErr(i, "unknown trade status %q", p.Status)
		}
	default: // objects:{world}
		var o store.WorldObject
		if err = decodeRecord(i, "object", p.Record, &o); err == nil {
			m.Object = &o
		}
	}
	return m, err
}

func decodeRecord(i int, schema string, raw json.RawMessage, dst any) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return decodeErr(i, "malformed record: %v", err)
	}
	if err := schemas[schema].Validate(v); err != nil {
		return decodeErr(i, "%s record: %s", schema, schemaMessage(err))
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return decodeErr(i, "%s record: %v", schema, err)
	}
	return nil
}

func decodeAgentFields(i int, fields map[string]json.RawMessage) (*AgentFields, error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, decodeErr(i, "malformed fields: %v", err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, decodeErr(i, "malformed fields: %v", err)
	}
	if err := schemas["agent_fields"].Validate(v); err != nil {
		return nil, decodeErr(i, "agent fields: %s", schemaMessage(err))
	}
	var f struct {
		Name     *string     `json:"name"`
		WorldID  *string     `json:"world_id"`
		Position *store.Vec2 `json:"position"`
		Status   *string     `json:"status"`
	}
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, decodeErr(i, "agent fields: %v", err)
	}
	return &AgentFields{Name: f.Name, WorldID: f.WorldID, Position: f.Position, Status: f.Status}, nil
}

func decodeInventory(i int, fields map[string]json.RawMessage) (map[string]int, error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, decodeErr(i, "malformed fields: %v", err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, decodeErr(i, "malformed fields: %v", err)
	}
	if err := schemas["inventory"].Validate(v); err != nil {
		return nil, decodeErr(i, "inventory fields: %s", schemaMessage(err))
	}
	var f struct {
		Items map[string]int `json:"items"`
	}
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, decodeErr(i, "inventory fields: %v", err)
	}
	if f.Items == nil {
		f.Items = map[string]int{}
	}
	return f.Items, nil
}

// schemaMessage flattens a jsonschema error to its innermost cause.
func schemaMessage(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	loc := ve.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return loc + ": " + ve.Message
}
