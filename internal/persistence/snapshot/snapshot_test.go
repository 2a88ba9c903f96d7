package snapshot

import (
	"errors"
	"os"
	"testing"
	"time"

	"worldledger.ai/internal/sim/store"
)

func sampleState() *store.State {
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	st := store.Bootstrap([]string{"hub"}, []store.Agent{{ID: "a1", WorldID: "hub"}},
		map[string]map[string]int{"a1": {"gem": 1}}, now)
	tx := st.Begin(now.Add(time.Minute))
	tx.AppendAction(store.Action{AgentID: "a1", Kind: "emote", WorldID: "hub", Timestamp: now.Add(time.Minute)})
	tx.SetInventory("a1", map[string]int{"gem": 0})
	tx.AppendObject(store.WorldObject{WorldID: "hub", Kind: "lamp", PlacedBy: "a1"})
	return tx.Commit(100)
}

func TestSnapshotRoundTripKeepsDigest(t *testing.T) {
	dir := t.TempDir()
	st := sampleState()
	h, err := WriteSnapshot(PathFor(dir, st.Seq), st)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	got, gh, err := ReadSnapshot(PathFor(dir, st.Seq))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if gh.Digest != h.Digest || store.Digest(got) != store.Digest(st) {
		t.Fatalf("digest changed across round trip")
	}
	if got.Seq != 1 || got.Docs[store.DocActions].Version != 1 {
		t.Fatalf("state=%+v", got.Docs)
	}
	hdr, err := ReadHeader(PathFor(dir, st.Seq))
	if err != nil || hdr.Seq != 1 {
		t.Fatalf("header=%+v err=%v", hdr, err)
	}
}

func TestSnapshotDigestMismatchDetected(t *testing.T) {
	dir := t.TempDir()
	st := sampleState()
	p := PathFor(dir, st.Seq)
	if _, err := WriteSnapshot(p, st); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Re-encode with a tampered body but the original header.
	tampered := *st
	tampered.Agents = map[string]store.Agent{"a1": {ID: "a1", WorldID: "hub", Position: store.Vec2{X: 99}}}
	f, err := os.Create(p)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	h := Header{Version: formatVersion, Seq: st.Seq, Digest: store.Digest(st)}
	if err := encode(f, h, &tampered); err != nil {
		t.Fatalf("encode: %v", err)
	}
	_ = f.Close()

	if _, _, err := ReadSnapshot(p); !errors.Is(err, ErrDigestMismatch) {
		t.Fatalf("expected ErrDigestMismatch, got %v", err)
	}
}

func TestListAndPrune(t *testing.T) {
	dir := t.TempDir()
	st := sampleState()
	for _, seq := range []uint64{3, 12, 7} {
		s := *st
		s.Seq = seq
		if _, err := WriteSnapshot(PathFor(dir, seq), &s); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := os.WriteFile(dir+"/notes.txt", []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	paths, err := List(dir)
	if err != nil || len(paths) != 3 || paths[2] != PathFor(dir, 12) {
		t.Fatalf("paths=%v err=%v", paths, err)
	}
	if err := Prune(dir, 1); err != nil {
		t.Fatalf("prune: %v", err)
	}
	paths, _ = List(dir)
	if len(paths) != 1 || paths[0] != PathFor(dir, 12) {
		t.Fatalf("after prune=%v", paths)
	}
}
