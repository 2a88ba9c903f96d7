package protocol

import (
	"encoding/json"
	"errors"

	"worldledger.ai/internal/sim/changeset"
)

const Version = "1.0"

// Message types (websocket submission transport).
const (
	TypeSubmit = "SUBMIT"
	TypeResult = "RESULT"
	TypeError  = "ERROR"
)

// Result statuses.
const (
	StatusCommitted = "committed"
	StatusRejected  = "rejected"
	StatusPending   = "pending"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}

type SubmitMsg struct {
	Type            string              `json:"type"`
	ProtocolVersion string              `json:"protocol_version"`
	Changeset       changeset.Changeset `json:"changeset"`
}

type ResultMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Result          Result `json:"result"`
}

type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message"`
}

// Result is the outcome of one submission. Committed results carry the
// commit sequence number and the new version of every touched document.
type Result struct {
	ChangesetID string            `json:"changeset_id"`
	Kind        string            `json:"kind,omitempty"`
	Status      string            `json:"status"`
	Code        string            `json:"code,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	Seq         uint64            `json:"seq,omitempty"`
	Versions    map[string]uint64 `json:"versions,omitempty"`
	AssignedIDs []string          `json:"assigned_ids,omitempty"`
}

func (r Result) Committed() bool { return r.Status == StatusCommitted }

func RejectedResult(id, kind string, err error) Result {
	res := Result{ChangesetID: id, Kind: kind, Status: StatusRejected, Code: CodeOf(err)}
	var pe *Error
	if errors.As(err, &pe) {
		res.Reason = pe.Reason
	} else if err != nil {
		res.Reason = err.Error()
	}
	return res
}

// WorldRef describes one configured world for clients.
type WorldRef struct {
	WorldID string   `json:"world_id"`
	Name    string   `json:"name,omitempty"`
	XMin    float64  `json:"x_min"`
	XMax    float64  `json:"x_max"`
	ZMin    float64  `json:"z_min"`
	ZMax    float64  `json:"z_max"`
	Kinds   []string `json:"kinds"`
}
