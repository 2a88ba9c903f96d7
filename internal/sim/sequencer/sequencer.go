// Package sequencer serializes concurrent changeset submissions into one
// total commit order. Validation runs in the submitting goroutine against
// the state it observed; the single commit loop re-validates against the
// latest state, appends to the commit log and only then publishes.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	persistlog "worldledger.ai/internal/persistence/log"
	"worldledger.ai/internal/protocol"
	"worldledger.ai/internal/sim/changeset"
	"worldledger.ai/internal/sim/store"
	"worldledger.ai/internal/sim/validate"
	"worldledger.ai/internal/sim/worlds"
)

const (
	StageSubmit = "submit"
	StageCommit = "commit"
)

type Config struct {
	ValidationTimeout time.Duration
	QueueSize         int
	ResultHistory     int
	// SnapshotEvery hands every Nth published state to the snapshot sink.
	// Zero disables periodic snapshots.
	SnapshotEvery uint64
	Retain        int
	Now           func() time.Time
}

func (c *Config) normalize() {
	if c.ValidationTimeout <= 0 {
		c.ValidationTimeout = 2 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.ResultHistory <= 0 {
		c.ResultHistory = 4096
	}
	if c.Retain == 0 {
		c.Retain = 100
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

type CommitLog interface {
	WriteCommit(persistlog.CommitEntry) error
}

type RejectionLog interface {
	WriteRejection(persistlog.RejectionEntry) error
}

// Observer receives every outcome after it is final. Implementations must
// not block.
type Observer interface {
	RecordCommit(persistlog.CommitEntry)
	RecordRejection(persistlog.RejectionEntry)
}

type WorldSource interface {
	Current() worlds.Config
}

type Option func(*Sequencer)

func WithCommitLog(l CommitLog) Option       { return func(s *Sequencer) { s.commits = l } }
func WithRejectionLog(l RejectionLog) Option { return func(s *Sequencer) { s.rejects = l } }
func WithMetrics(m *Metrics) Option          { return func(s *Sequencer) { s.metrics = m } }
func WithLogger(l *log.Logger) Option        { return func(s *Sequencer) { s.logger = l } }
func WithObserver(o Observer) Option {
	return func(s *Sequencer) { s.observers = append(s.observers, o) }
}

// WithCommitted seeds the result history with commits made by an earlier
// process, so their ids are answered from the log instead of re-applied.
func WithCommitted(results []protocol.Result) Option {
	return func(s *Sequencer) {
		for _, r := range results {
			if r.ChangesetID != "" && r.Committed() {
				s.results.finish(r)
			}
		}
	}
}

// WithSnapshotSink receives published states to persist. Sends never block
// the commit loop; a busy sink skips that snapshot.
func WithSnapshotSink(ch chan<- *store.State) Option {
	return func(s *Sequencer) { s.snapshots = ch }
}

type request struct {
	cs       changeset.Changeset
	seq      uint64
	deadline time.Time
	resp     chan protocol.Result
}

type snapshotReq struct {
	resp chan snapshotResp
}

type snapshotResp struct {
	seq uint64
	err error
}

type Sequencer struct {
	cfg    Config
	store  *store.Store
	worlds WorldSource

	commits   CommitLog
	rejects   RejectionLog
	observers []Observer
	metrics   *Metrics
	logger    *log.Logger
	snapshots chan<- *store.State

	inbox   chan *request
	admin   chan snapshotReq
	done    chan struct{}
	results *resultBook
}

func New(st *store.Store, ws WorldSource, cfg Config, opts ...Option) *Sequencer {
	cfg.normalize()
	s := &Sequencer{
		cfg:     cfg,
		store:   st,
		worlds:  ws,
		inbox:   make(chan *request, cfg.QueueSize),
		admin:   make(chan snapshotReq, 8),
		done:    make(chan struct{}),
		results: newResultBook(cfg.ResultHistory),
	}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = log.New(io.Discard, "", 0)
	}
	if reason, ro := st.ReadOnly(); ro {
		s.metrics.setReadOnly(true, st.Current().Seq)
		s.logger.Printf("starting read-only: %s", reason)
	} else {
		s.metrics.setReadOnly(false, st.Current().Seq)
	}
	return s
}

func (s *Sequencer) Store() *store.Store { return s.store }

// Submit validates cs against the current state, queues it and waits for
// the commit outcome. If ctx ends after the changeset was queued the
// returned result is pending; the final outcome is available from Result.
func (s *Sequencer) Submit(ctx context.Context, cs changeset.Changeset) protocol.Result {
	if strings.TrimSpace(cs.ID) == "" {
		cs.ID = uuid.NewString()
	}
	if prev, ok := s.results.begin(cs.ID, cs.Kind); !ok {
		return prev
	}
	return s.submit(ctx, cs)
}

// SubmitAsync starts a submission and returns its id immediately.
func (s *Sequencer) SubmitAsync(cs changeset.Changeset) (string, protocol.Result, bool) {
	if strings.TrimSpace(cs.ID) == "" {
		cs.ID = uuid.NewString()
	}
	if prev, ok := s.results.begin(cs.ID, cs.Kind); !ok {
		return cs.ID, prev, false
	}
	go s.submit(context.Background(), cs)
	return cs.ID, protocol.Result{ChangesetID: cs.ID, Kind: cs.Kind, Status: protocol.StatusPending}, true
}

// Result returns the outcome of a recent submission, or a pending result
// while it is in flight.
func (s *Sequencer) Result(id string) (protocol.Result, bool) { return s.results.get(id) }

func (s *Sequencer) submit(ctx context.Context, cs changeset.Changeset) protocol.Result {
	now := s.cfg.Now().UTC()
	if cs.SubmittedAt.IsZero() {
		cs.SubmittedAt = now
	}
	if reason, ro := s.store.ReadOnly(); ro {
		return s.reject(StageSubmit, cs, protocol.Reject(protocol.ErrReadOnly, "store is read-only: %s", reason))
	}

	st := s.store.Current()
	if _, err := validate.Validate(cs, st, s.worlds.Current()); err != nil {
		return s.reject(StageSubmit, cs, err)
	}

	req := &request{
		cs:       cs,
		seq:      st.Seq,
		deadline: now.Add(s.cfg.ValidationTimeout),
		resp:     make(chan protocol.Result, 1),
	}
	timer := time.NewTimer(s.cfg.ValidationTimeout)
	defer timer.Stop()

	select {
	case s.inbox <- req:
		s.metrics.queue(len(s.inbox))
	case <-timer.C:
		return s.reject(StageSubmit, cs, protocol.Reject(protocol.ErrValidationTimeout,
			"not admitted to the commit queue within %s", s.cfg.ValidationTimeout))
	case <-ctx.Done():
		return s.reject(StageSubmit, cs, &protocol.Error{Code: protocol.ErrInternal, Reason: "submission canceled", Cause: ctx.Err()})
	case <-s.done:
		return s.reject(StageSubmit, cs, protocol.Reject(protocol.ErrInternal, "sequencer stopped"))
	}

	select {
	case r := <-req.resp:
		return r
	case <-ctx.Done():
		return protocol.Result{ChangesetID: cs.ID, Kind: cs.Kind, Status: protocol.StatusPending}
	case <-s.done:
		select {
		case r := <-req.resp:
			return r
		default:
		}
		return s.reject(StageCommit, cs, protocol.Reject(protocol.ErrInternal, "sequencer stopped before commit"))
	}
}

// Run is the commit loop. It must be the only writer of the store.
func (s *Sequencer) Run(ctx context.Context) error {
	defer close(s.done)
	for {
		if ctx.Err() != nil {
			s.drain()
			return ctx.Err()
		}
		select {
		case <-ctx.Done():
			s.drain()
			return ctx.Err()
		case req := <-s.inbox:
			s.metrics.queue(len(s.inbox))
			req.resp <- s.commit(req)
		case r := <-s.admin:
			r.resp <- s.handleSnapshotRequest()
		}
	}
}

// drain answers everything still queued; none of it is applied.
func (s *Sequencer) drain() {
	for {
		select {
		case req := <-s.inbox:
			req.resp <- s.reject(StageCommit, req.cs, protocol.Reject(protocol.ErrInternal, "sequencer stopped before commit"))
		case r := <-s.admin:
			r.resp <- snapshotResp{err: errors.New("sequencer stopped")}
		default:
			s.metrics.queue(0)
			return
		}
	}
}

func (s *Sequencer) commit(req *request) (res protocol.Result) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			s.logger.Printf("panic committing %s: %v", req.cs.ID, p)
			res = s.reject(StageCommit, req.cs, protocol.Reject(protocol.ErrInternal, "internal error during commit"))
		}
	}()

	if reason, ro := s.store.ReadOnly(); ro {
		return s.reject(StageCommit, req.cs, protocol.Reject(protocol.ErrReadOnly, "store is read-only: %s", reason))
	}
	now := s.cfg.Now().UTC()
	if now.After(req.deadline) {
		return s.reject(StageCommit, req.cs, protocol.Reject(protocol.ErrValidationTimeout,
			"validation window of %s elapsed before commit", s.cfg.ValidationTimeout))
	}

	st := s.store.Current()
	d, err := validate.Validate(req.cs, st, s.worlds.Current())
	if err != nil {
		if st.Seq != req.seq {
			var pe *protocol.Error
			reason := err.Error()
			if errors.As(err, &pe) {
				reason = pe.Code + ": " + pe.Reason
			}
			err = &protocol.Error{
				Code:   protocol.ErrStaleConflict,
				Reason: fmt.Sprintf("state advanced from seq %d to %d: %s", req.seq, st.Seq, reason),
				Cause:  err,
			}
		}
		return s.reject(StageCommit, req.cs, err)
	}

	tx := st.Begin(now)
	ids, err := changeset.Apply(d, tx)
	if err != nil {
		return s.reject(StageCommit, req.cs, &protocol.Error{Code: protocol.ErrInternal, Reason: "apply failed", Cause: err})
	}
	next := tx.Commit(s.cfg.Retain)

	versions := make(map[string]uint64, len(tx.Touched()))
	for _, doc := range tx.Touched() {
		versions[string(doc)] = next.Docs[doc].Version
	}
	entry := persistlog.CommitEntry{
		Seq:         next.Seq,
		CommittedAt: now,
		Changeset:   req.cs,
		Versions:    versions,
		AssignedIDs: ids,
	}
	if s.commits != nil {
		if err := s.commits.WriteCommit(entry); err != nil {
			// The log may now end in a partial record; later appends would
			// land behind it.
			s.markReadOnly("commit log append failed: " + err.Error())
			return s.reject(StageCommit, req.cs, &protocol.Error{Code: protocol.ErrInternal, Reason: "commit log append failed", Cause: err})
		}
	}
	if err := s.store.Publish(next); err != nil {
		s.markReadOnly("publish after durable commit failed: " + err.Error())
		return s.reject(StageCommit, req.cs, &protocol.Error{Code: protocol.ErrInternal, Reason: "publish failed", Cause: err})
	}

	res = protocol.Result{
		ChangesetID: req.cs.ID,
		Kind:        req.cs.Kind,
		Status:      protocol.StatusCommitted,
		Seq:         next.Seq,
		Versions:    versions,
		AssignedIDs: ids,
	}
	s.results.finish(res)
	s.metrics.commit(req.cs.Kind, time.Since(start).Seconds(), next.Seq)
	for _, o := range s.observers {
		o.RecordCommit(entry)
	}
	if s.cfg.SnapshotEvery > 0 && next.Seq%s.cfg.SnapshotEvery == 0 {
		s.offerSnapshot(next)
	}
	return res
}

func (s *Sequencer) markReadOnly(reason string) {
	s.store.MarkReadOnly(reason)
	s.metrics.setReadOnly(true, s.store.Current().Seq)
	s.logger.Printf("CORRUPTION entering read-only mode: %s", reason)
}

func (s *Sequencer) offerSnapshot(st *store.State) bool {
	if s.snapshots == nil {
		return false
	}
	select {
	case s.snapshots <- st:
		return true
	default:
		s.metrics.snapshotDropped()
		return false
	}
}

func (s *Sequencer) reject(stage string, cs changeset.Changeset, err error) protocol.Result {
	res := protocol.RejectedResult(cs.ID, cs.Kind, err)
	s.results.finish(res)
	s.metrics.reject(res.Code, stage)

	entry := persistlog.RejectionEntry{
		At:          s.cfg.Now().UTC(),
		Stage:       stage,
		ChangesetID: cs.ID,
		ProposerID:  cs.ProposerID,
		Kind:        cs.Kind,
		TargetWorld: cs.TargetWorld,
		Code:        res.Code,
		Reason:      res.Reason,
	}
	if s.rejects != nil {
		if err := s.rejects.WriteRejection(entry); err != nil {
			s.logger.Printf("rejection log: %v", err)
		}
	}
	for _, o := range s.observers {
		o.RecordRejection(entry)
	}
	return res
}

// RequestSnapshot asks the commit loop to hand the current state to the
// snapshot sink. It is safe to call from other goroutines.
func (s *Sequencer) RequestSnapshot(ctx context.Context) (uint64, error) {
	resp := make(chan snapshotResp, 1)
	select {
	case s.admin <- snapshotReq{resp: resp}:
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-s.done:
		return 0, errors.New("sequencer stopped")
	}
	select {
	case r := <-resp:
		return r.seq, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (s *Sequencer) handleSnapshotRequest() snapshotResp {
	st := s.store.Current()
	if s.snapshots == nil {
		return snapshotResp{seq: st.Seq, err: errors.New("snapshot sink not configured")}
	}
	if !s.offerSnapshot(st) {
		return snapshotResp{seq: st.Seq, err: errors.New("snapshot sink backpressure")}
	}
	return snapshotResp{seq: st.Seq}
}
