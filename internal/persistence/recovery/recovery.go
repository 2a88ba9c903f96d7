// Package recovery rebuilds the committed state at startup from the newest
// snapshot plus the commit log written after it.
package recovery

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"worldledger.ai/internal/persistence/log"
	"worldledger.ai/internal/persistence/snapshot"
	"worldledger.ai/internal/protocol"
	"worldledger.ai/internal/sim/changeset"
	"worldledger.ai/internal/sim/store"
	"worldledger.ai/internal/sim/validate"
	"worldledger.ai/internal/sim/worlds"
)

// Corruption is one reason the recovered state cannot be trusted.
type Corruption struct {
	Source string // snapshot | commit_log | audit
	Detail string
}

func (c Corruption) String() string { return c.Source + ": " + c.Detail }

type Result struct {
	State        *store.State
	SnapshotPath string
	SnapshotSeq  uint64
	Replayed     int
	TornTail     bool
	Corruptions  []Corruption

	// Committed holds the outcomes of the most recent logged commits,
	// oldest first, including those already folded into the snapshot.
	Committed []protocol.Result
}

func (r Result) Corrupt() bool { return len(r.Corruptions) > 0 }

type Options struct {
	DataDir string
	Worlds  worlds.Config
	Retain  int
	Now     func() time.Time

	// History is how many recent commits to report in Result.Committed.
	History int
}

const defaultHistory = 4096

func SnapshotDir(dataDir string) string { return filepath.Join(dataDir, "snapshots") }

// Restore never repairs anything. A snapshot that fails its digest check is
// reported and skipped in favour of an older one so that reads can still be
// served; the caller is expected to go read-only when Corrupt is true.
func Restore(opts Options) (Result, error) {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	var res Result

	paths, err := snapshot.List(SnapshotDir(opts.DataDir))
	if err != nil {
		return res, err
	}
	for i := len(paths) - 1; i >= 0; i-- {
		st, h, err := snapshot.ReadSnapshot(paths[i])
		if err != nil {
			res.Corruptions = append(res.Corruptions, Corruption{Source: "snapshot", Detail: err.Error()})
			continue
		}
		res.State = st
		res.SnapshotPath = paths[i]
		res.SnapshotSeq = h.Seq
		break
	}
	if res.State == nil {
		res.State = opts.Worlds.Bootstrap(now())
	}

	history := opts.History
	if history <= 0 {
		history = defaultHistory
	}
	from := uint64(0)
	if res.State.Seq > uint64(history) {
		from = res.State.Seq - uint64(history)
	}
	entries, err := log.ReadCommits(opts.DataDir, from)
	if err != nil {
		if !errors.Is(err, log.ErrTornTail) {
			res.Corruptions = append(res.Corruptions, Corruption{Source: "commit_log", Detail: err.Error()})
		} else {
			res.TornTail = true
		}
	}

	st := res.State
	base := st.Seq
	for _, e := range entries {
		if res.Replayed == 0 && e.Seq <= base {
			// Already in the snapshot; only its outcome is needed.
			res.Committed = append(res.Committed, committedResult(e))
			continue
		}
		next, err := replay(st, e, opts)
		if err != nil {
			res.Corruptions = append(res.Corruptions, Corruption{Source: "commit_log", Detail: err.Error()})
			break
		}
		st = next
		res.Replayed++
		res.Committed = append(res.Committed, committedResult(e))
	}
	res.State = st
	if len(res.Committed) > history {
		res.Committed = res.Committed[len(res.Committed)-history:]
	}

	for _, v := range validate.Audit(st, opts.Worlds) {
		res.Corruptions = append(res.Corruptions, Corruption{Source: "audit", Detail: v.String()})
	}
	return res, nil
}

func committedResult(e log.CommitEntry) protocol.Result {
	return protocol.Result{
		ChangesetID: e.Changeset.ID,
		Kind:        e.Changeset.Kind,
		Status:      protocol.StatusCommitted,
		Seq:         e.Seq,
		Versions:    e.Versions,
		AssignedIDs: e.AssignedIDs,
	}
}

// replay re-applies one logged commit. The changeset was validated when it
// was committed, so only decoding and the recorded outcome are checked here.
func replay(st *store.State, e log.CommitEntry, opts Options) (*store.State, error) {
	if e.Seq != st.Seq+1 {
		return nil, fmt.Errorf("seq gap: state at %d, next logged commit is %d", st.Seq, e.Seq)
	}
	d, err := validate.Decode(e.Changeset, opts.Worlds)
	if err != nil {
		return nil, fmt.Errorf("seq %d: %w", e.Seq, err)
	}
	tx := st.Begin(e.CommittedAt)
	ids, err := changeset.Apply(d, tx)
	if err != nil {
		return nil, fmt.Errorf("seq %d: apply: %w", e.Seq, err)
	}
	next := tx.Commit(opts.Retain)
	for doc, want := range e.Versions {
		if got := next.Docs[store.DocName(doc)].Version; got != want {
			return nil, fmt.Errorf("seq %d: %s replayed to version %d, log says %d", e.Seq, doc, got, want)
		}
	}
	if len(e.AssignedIDs) > 0 && !sameIDs(ids, e.AssignedIDs) {
		return nil, fmt.Errorf("seq %d: replay assigned %v, log says %v", e.Seq, ids, e.AssignedIDs)
	}
	return next, nil
}

func sameIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
