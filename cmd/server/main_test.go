package main

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"worldledger.ai/internal/persistence/snapshot"
	"worldledger.ai/internal/sim/worlds"
)

func TestSnapshotWriterSkipsStaleAndPrunes(t *testing.T) {
	dir := t.TempDir()
	cfg, err := worlds.Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	w := &snapshotWriter{dir: dir, keep: 2, log: log.New(io.Discard, "", 0)}

	base := cfg.Bootstrap(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	w.write(base) // seq 0 is never written
	for _, seq := range []uint64{3, 5, 5, 4, 9} {
		st := *base
		st.Seq = seq
		w.write(&st)
	}
	paths, err := snapshot.List(dir)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("paths=%v", paths)
	}
	if filepath.Base(paths[1]) != filepath.Base(snapshot.PathFor(dir, 9)) {
		t.Fatalf("newest=%s", paths[1])
	}
	if w.lastSeq != 9 {
		t.Fatalf("lastSeq=%d", w.lastSeq)
	}
}

func TestOpenRuntimeIndexBackends(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	idx, err := openRuntimeIndex(t.TempDir(), true, logger)
	if err != nil || idx != nil {
		t.Fatalf("disabled: idx=%v err=%v", idx, err)
	}

	t.Setenv("WL_INDEX_BACKEND", "bogus")
	if _, err := openRuntimeIndex(t.TempDir(), false, logger); err == nil {
		t.Fatalf("unknown backend accepted")
	}

	t.Setenv("WL_INDEX_BACKEND", "sqlite")
	dir := t.TempDir()
	idx, err = openRuntimeIndex(dir, false, logger)
	if err != nil || idx == nil {
		t.Fatalf("sqlite: idx=%v err=%v", idx, err)
	}
	defer idx.Close()
	if _, err := os.Stat(indexPath(dir)); err != nil {
		t.Fatalf("sqlite file: %v", err)
	}
}

func TestEnvBool(t *testing.T) {
	t.Setenv("WL_TEST_FLAG", "true")
	if !envBool("WL_TEST_FLAG", false) {
		t.Fatalf("true not parsed")
	}
	t.Setenv("WL_TEST_FLAG", "nope")
	if envBool("WL_TEST_FLAG", false) {
		t.Fatalf("garbage should fall back to default")
	}
}
