package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"worldledger.ai/internal/protocol"
	"worldledger.ai/internal/sim/changeset"
	"worldledger.ai/internal/transport/limit"
)

type fakeSeq struct {
	mu   sync.Mutex
	seen []string
}

func (f *fakeSeq) Submit(ctx context.Context, cs changeset.Changeset) protocol.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, cs.ID)
	if cs.Kind == changeset.KindBattleAction {
		return protocol.RejectedResult(cs.ID, cs.Kind, protocol.Reject(protocol.ErrOwnership, "not yours"))
	}
	return protocol.Result{ChangesetID: cs.ID, Kind: cs.Kind, Status: protocol.StatusCommitted, Seq: uint64(len(f.seen))}
}

func dial(t *testing.T, s *Server) *Client {
	t.Helper()
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestSubmitReceivesResult(t *testing.T) {
	seq := &fakeSeq{}
	c := dial(t, NewServer(seq, nil, nil))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ts := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	res, err := c.Submit(ctx, changeset.Emote("a1", "hub", "wave", ts))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !res.Committed() || res.ChangesetID == "" {
		t.Fatalf("res=%+v", res)
	}

	cs := changeset.Emote("a1", "arena", "bow", ts)
	cs.Kind = changeset.KindBattleAction
	res, err = c.Submit(ctx, cs)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Code != protocol.ErrOwnership {
		t.Fatalf("res=%+v", res)
	}
}

func TestConcurrentSubmitsMatchByID(t *testing.T) {
	c := dial(t, NewServer(&fakeSeq{}, nil, nil))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan string, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cs := changeset.Emote("a1", "hub", "wave", time.Unix(int64(i), 0))
			cs.ID = "cs-" + string(rune('a'+i))
			res, err := c.Submit(ctx, cs)
			if err != nil || res.ChangesetID != cs.ID {
				errs <- cs.ID
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for id := range errs {
		t.Fatalf("mismatched result for %s", id)
	}
}

func TestRateLimitAndBadFrames(t *testing.T) {
	seq := &fakeSeq{}
	s := NewServer(seq, limit.New(0.001, 1), nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	if err := conn.WriteJSON(map[string]any{"type": "HELLO"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var em protocol.ErrorMsg
	if err := conn.ReadJSON(&em); err != nil || em.Type != protocol.TypeError || em.Code != protocol.ErrProtoBadRequest {
		t.Fatalf("error msg=%+v err=%v", em, err)
	}

	ts := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"one", "two"} {
		cs := changeset.Emote("a1", "hub", "wave", ts)
		cs.ID = id
		if err := conn.WriteJSON(protocol.SubmitMsg{Type: protocol.TypeSubmit, ProtocolVersion: protocol.Version, Changeset: cs}); err != nil {
			t.Fatalf("write: %v", err)
		}
		var rm protocol.ResultMsg
		if err := conn.ReadJSON(&rm); err != nil {
			t.Fatalf("read: %v", err)
		}
		if i == 0 && !rm.Result.Committed() {
			t.Fatalf("first=%+v", rm.Result)
		}
		if i == 1 && rm.Result.Code != protocol.ErrRateLimit {
			t.Fatalf("second=%+v", rm.Result)
		}
	}
	seq.mu.Lock()
	defer seq.mu.Unlock()
	if len(seq.seen) != 1 {
		t.Fatalf("rate-limited submission reached the sequencer: %v", seq.seen)
	}
}
