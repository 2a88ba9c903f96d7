package sequencer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	persistlog "worldledger.ai/internal/persistence/log"
	"worldledger.ai/internal/persistence/recovery"
	"worldledger.ai/internal/protocol"
	"worldledger.ai/internal/sim/changeset"
	"worldledger.ai/internal/sim/store"
	"worldledger.ai/internal/sim/worlds"
)

var t0 = time.Date(2025, 1, 30, 20, 0, 0, 0, time.UTC)

type memLog struct {
	mu      sync.Mutex
	entries []persistlog.CommitEntry
	err     error
	panics  bool
}

func (l *memLog) WriteCommit(e persistlog.CommitEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.panics {
		panic("disk exploded")
	}
	if l.err != nil {
		return l.err
	}
	l.entries = append(l.entries, e)
	return nil
}

type memRejects struct {
	mu      sync.Mutex
	entries []persistlog.RejectionEntry
}

func (l *memRejects) WriteRejection(e persistlog.RejectionEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	return nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	seq     *Sequencer
	store   *store.Store
	commits *memLog
	rejects *memRejects
	clock   *clock
	reg     *prometheus.Registry
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	wc, err := worlds.Load("")
	if err != nil {
		t.Fatalf("load worlds: %v", err)
	}
	st := store.Bootstrap(wc.WorldIDs(),
		[]store.Agent{
			{ID: "a1", Name: "A1", WorldID: "hub"},
			{ID: "a2", Name: "A2", WorldID: "hub", Position: store.Vec2{X: 2, Z: 2}},
		},
		map[string]map[string]int{"a1": {"gem": 2}, "a2": {"coin": 5}},
		t0.Add(-time.Hour))
	h := &harness{
		store:   store.New(st),
		commits: &memLog{},
		rejects: &memRejects{},
		clock:   &clock{now: t0},
		reg:     prometheus.NewRegistry(),
	}
	cfg.Now = h.clock.Now
	h.seq = New(h.store, worlds.NewRegistry("", wc), cfg,
		WithCommitLog(h.commits),
		WithRejectionLog(h.rejects),
		WithMetrics(NewMetrics(h.reg)),
	)
	return h
}

func (h *harness) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.seq.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitQueued(t *testing.T, s *Sequencer, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for len(s.inbox) < n {
		if time.Now().After(deadline) {
			t.Fatalf("only %d of %d submissions queued", len(s.inbox), n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSubmitCommitsDurablyThenPublishes(t *testing.T) {
	h := newHarness(t, Config{})
	h.run(t)

	res := h.seq.Submit(context.Background(), changeset.Move("a1", "hub", store.Vec2{}, store.Vec2{X: 3, Z: 4}, t0))
	if !res.Committed() {
		t.Fatalf("res=%+v", res)
	}
	if res.Seq != 1 || res.Versions["agents"] != 1 || res.Versions["actions"] != 1 || len(res.Versions) != 2 {
		t.Fatalf("res=%+v", res)
	}
	if len(res.AssignedIDs) != 1 || res.AssignedIDs[0] != "action-001" {
		t.Fatalf("assigned=%v", res.AssignedIDs)
	}
	cur := h.store.Current()
	if cur.Seq != 1 || cur.Agents["a1"].Position != (store.Vec2{X: 3, Z: 4}) {
		t.Fatalf("published state seq=%d a1=%+v", cur.Seq, cur.Agents["a1"])
	}
	if len(h.commits.entries) != 1 || h.commits.entries[0].Seq != 1 || h.commits.entries[0].Changeset.ID != res.ChangesetID {
		t.Fatalf("commit log=%+v", h.commits.entries)
	}
	if got, ok := h.seq.Result(res.ChangesetID); !ok || !got.Committed() {
		t.Fatalf("result handle=%+v ok=%v", got, ok)
	}
	if v := testutil.ToFloat64(h.seq.metrics.commits.WithLabelValues("move")); v != 1 {
		t.Fatalf("commits metric=%v", v)
	}
}

func TestConcurrentTradeAcceptsOneWins(t *testing.T) {
	h := newHarness(t, Config{})

	// The loop is not running yet, so committing directly is the only writer.
	offer := h.seq.commit(&request{
		cs:       changeset.TradeOffer("a1", "a2", "hub", map[string]int{"gem": 1}, map[string]int{"coin": 2}, t0),
		deadline: t0.Add(time.Minute),
	})
	if !offer.Committed() {
		t.Fatalf("offer=%+v", offer)
	}
	trade, ok := h.store.Current().Trade("trade-001")
	if !ok {
		t.Fatalf("trade-001 missing")
	}
	accept := changeset.TradeAccept(h.store.Current(), trade, "hub", t0.Add(time.Second))

	// Both proposers validate against the same state before either commits.
	results := make(chan protocol.Result, 2)
	for i := 0; i < 2; i++ {
		go func() { results <- h.seq.Submit(context.Background(), accept) }()
	}
	waitQueued(t, h.seq, 2)
	h.run(t)

	a, b := <-results, <-results
	if a.Committed() == b.Committed() {
		t.Fatalf("expected exactly one commit: %+v / %+v", a, b)
	}
	lost := a
	if a.Committed() {
		lost = b
	}
	if lost.Code != protocol.ErrStaleConflict {
		t.Fatalf("loser code=%s reason=%s", lost.Code, lost.Reason)
	}
	cur := h.store.Current()
	if cur.Trades["trade-001"].Status != store.TradeSettled || cur.Holding("a2", "gem") != 1 || cur.Holding("a1", "coin") != 2 {
		t.Fatalf("exchange applied wrong: trade=%+v inv=%+v", cur.Trades["trade-001"], cur.Inventory)
	}
	if cur.Seq != 2 {
		t.Fatalf("seq=%d", cur.Seq)
	}
}

func TestRejectionIsIdempotentAndLeavesStateUntouched(t *testing.T) {
	h := newHarness(t, Config{})
	h.run(t)

	cs := changeset.Move("a1", "hub", store.Vec2{}, store.Vec2{X: 20, Z: 0}, t0)
	cs.ID = "cs-oob"
	for i := 0; i < 2; i++ {
		res := h.seq.Submit(context.Background(), cs)
		if res.Status != protocol.StatusRejected || res.Code != protocol.ErrOutOfBounds {
			t.Fatalf("attempt %d: %+v", i, res)
		}
	}
	cur := h.store.Current()
	if cur.Seq != 0 || cur.Docs[store.DocAgents].Version != 0 {
		t.Fatalf("state changed: seq=%d", cur.Seq)
	}
	if len(h.rejects.entries) != 2 || h.rejects.entries[1].Stage != StageSubmit {
		t.Fatalf("rejections=%+v", h.rejects.entries)
	}
	if len(h.commits.entries) != 0 {
		t.Fatalf("rejected changeset reached the commit log")
	}
}

func TestResubmittingCommittedIDIsNotReapplied(t *testing.T) {
	h := newHarness(t, Config{})
	h.run(t)

	cs := changeset.Emote("a1", "hub", "wave", t0)
	cs.ID = "cs-wave"
	first := h.seq.Submit(context.Background(), cs)
	second := h.seq.Submit(context.Background(), cs)
	if !first.Committed() || !second.Committed() || second.Seq != first.Seq {
		t.Fatalf("first=%+v second=%+v", first, second)
	}
	if h.store.Current().Seq != 1 || len(h.commits.entries) != 1 {
		t.Fatalf("applied twice: seq=%d", h.store.Current().Seq)
	}
}

func TestCommittedIDsSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	wc, err := worlds.Load("")
	if err != nil {
		t.Fatalf("load worlds: %v", err)
	}
	opts := recovery.Options{DataDir: dir, Worlds: wc, Retain: 100, Now: func() time.Time { return t0.Add(-time.Hour) }}

	start := func() (*Sequencer, *store.Store, func()) {
		t.Helper()
		rec, err := recovery.Restore(opts)
		if err != nil || rec.Corrupt() {
			t.Fatalf("restore err=%v corruptions=%v", err, rec.Corruptions)
		}
		st := store.New(rec.State)
		cl := persistlog.NewCommitLogger(dir)
		seq := New(st, worlds.NewRegistry("", wc), Config{Now: func() time.Time { return t0 }},
			WithCommitLog(cl),
			WithCommitted(rec.Committed),
		)
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			_ = seq.Run(ctx)
			close(done)
		}()
		return seq, st, func() {
			cancel()
			<-done
			_ = cl.Close()
		}
	}

	cs := changeset.Chat("npc-guide", "Guide", "hub", "welcome", t0)
	cs.ID = "inbox-0001"

	s1, _, stop1 := start()
	first := s1.Submit(context.Background(), cs)
	stop1()
	if !first.Committed() {
		t.Fatalf("first=%+v", first)
	}

	s2, st2, stop2 := start()
	defer stop2()
	if got, ok := s2.Result(cs.ID); !ok || !got.Committed() || got.Seq != first.Seq {
		t.Fatalf("result after restart=%+v ok=%v", got, ok)
	}
	second := s2.Submit(context.Background(), cs)
	if !second.Committed() || second.Seq != first.Seq {
		t.Fatalf("second=%+v", second)
	}
	cur := st2.Current()
	if cur.Seq != 1 || len(cur.Chat) != 1 {
		t.Fatalf("applied again after restart: seq=%d chat=%d", cur.Seq, len(cur.Chat))
	}
}

func TestCommitLogFailurePublishesNothing(t *testing.T) {
	h := newHarness(t, Config{})
	h.commits.err = errors.New("no space left on device")
	h.run(t)

	res := h.seq.Submit(context.Background(), changeset.Emote("a1", "hub", "wave", t0))
	if res.Code != protocol.ErrInternal {
		t.Fatalf("res=%+v", res)
	}
	if h.store.Current().Seq != 0 {
		t.Fatalf("published despite failed log append")
	}
	if _, ro := h.store.ReadOnly(); !ro {
		t.Fatalf("expected read-only after log failure")
	}
	res = h.seq.Submit(context.Background(), changeset.Emote("a1", "hub", "nod", t0))
	if res.Code != protocol.ErrReadOnly {
		t.Fatalf("res=%+v", res)
	}
	if v := testutil.ToFloat64(h.seq.metrics.readOnly); v != 1 {
		t.Fatalf("read_only gauge=%v", v)
	}
}

func TestPanicDuringCommitIsInternalError(t *testing.T) {
	h := newHarness(t, Config{})
	h.commits.panics = true
	h.run(t)

	res := h.seq.Submit(context.Background(), changeset.Emote("a1", "hub", "wave", t0))
	if res.Code != protocol.ErrInternal {
		t.Fatalf("res=%+v", res)
	}
	if h.store.Current().Seq != 0 {
		t.Fatalf("state published after panic")
	}
}

func TestValidationTimeoutBeforeCommit(t *testing.T) {
	h := newHarness(t, Config{ValidationTimeout: 2 * time.Second})

	done := make(chan protocol.Result, 1)
	go func() { done <- h.seq.Submit(context.Background(), changeset.Emote("a1", "hub", "wave", t0)) }()
	waitQueued(t, h.seq, 1)
	h.clock.Advance(3 * time.Second)
	h.run(t)

	res := <-done
	if res.Code != protocol.ErrValidationTimeout {
		t.Fatalf("res=%+v", res)
	}
	if h.store.Current().Seq != 0 {
		t.Fatalf("expired changeset applied")
	}
}

func TestStoppedSequencerAnswersQueuedCallers(t *testing.T) {
	h := newHarness(t, Config{})

	done := make(chan protocol.Result, 1)
	go func() { done <- h.seq.Submit(context.Background(), changeset.Emote("a1", "hub", "wave", t0)) }()
	waitQueued(t, h.seq, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.seq.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("run err=%v", err)
	}
	res := <-done
	if res.Code != protocol.ErrInternal || h.store.Current().Seq != 0 {
		t.Fatalf("res=%+v seq=%d", res, h.store.Current().Seq)
	}
}

func TestPeriodicAndRequestedSnapshots(t *testing.T) {
	sink := make(chan *store.State, 4)
	h := newHarness(t, Config{SnapshotEvery: 2})
	h.seq.snapshots = sink
	h.run(t)

	for i := 0; i < 3; i++ {
		res := h.seq.Submit(context.Background(), changeset.Emote("a1", "hub", "wave", t0.Add(time.Duration(i)*time.Second)))
		if !res.Committed() {
			t.Fatalf("res=%+v", res)
		}
	}
	if got := <-sink; got.Seq != 2 {
		t.Fatalf("periodic snapshot seq=%d", got.Seq)
	}
	seq, err := h.seq.RequestSnapshot(context.Background())
	if err != nil || seq != 3 {
		t.Fatalf("seq=%d err=%v", seq, err)
	}
	if got := <-sink; got.Seq != 3 {
		t.Fatalf("requested snapshot seq=%d", got.Seq)
	}
}

func TestAsyncSubmissionResultHandle(t *testing.T) {
	h := newHarness(t, Config{})
	h.run(t)

	id, res, ok := h.seq.SubmitAsync(changeset.Emote("a1", "hub", "wave", t0))
	if !ok || res.Status != protocol.StatusPending || id == "" {
		t.Fatalf("id=%q res=%+v ok=%v", id, res, ok)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		got, _ := h.seq.Result(id)
		if got.Committed() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("async submission never committed: %+v", got)
		}
		time.Sleep(time.Millisecond)
	}
}
