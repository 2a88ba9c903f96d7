package main

import (
	"context"
	"log"
	"path/filepath"

	"worldledger.ai/internal/persistence/snapshot"
	"worldledger.ai/internal/sim/store"
)

type snapshotWriter struct {
	dir     string
	keep    int
	idx     runtimeIndex
	log     *log.Logger
	lastSeq uint64
}

func (w *snapshotWriter) run(ctx context.Context, ch <-chan *store.State) {
	for {
		select {
		case <-ctx.Done():
			return
		case st := <-ch:
			w.write(st)
		}
	}
}

// write persists st unless a snapshot at or past its seq already exists.
func (w *snapshotWriter) write(st *store.State) {
	if st == nil || st.Seq == 0 || st.Seq <= w.lastSeq {
		return
	}
	path := snapshot.PathFor(w.dir, st.Seq)
	h, err := snapshot.WriteSnapshot(path, st)
	if err != nil {
		w.log.Printf("snapshot write: %v", err)
		return
	}
	w.lastSeq = st.Seq
	w.log.Printf("snapshot %s digest=%s", filepath.Base(path), h.Digest)
	if w.idx != nil {
		w.idx.RecordSnapshot(path, h, st)
	}
	if w.keep > 0 {
		if err := snapshot.Prune(w.dir, w.keep); err != nil {
			w.log.Printf("snapshot prune: %v", err)
		}
	}
}
