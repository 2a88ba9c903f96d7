package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"worldledger.ai/internal/persistence/indexdb"
	"worldledger.ai/internal/persistence/snapshot"
	"worldledger.ai/internal/sim/sequencer"
	"worldledger.ai/internal/sim/store"
)

type runtimeIndex interface {
	sequencer.Observer
	RecordSnapshot(path string, h snapshot.Header, st *store.State)
	Flush(ctx context.Context) error
	Close() error
}

func indexPath(dataDir string) string { return filepath.Join(dataDir, "index", "world.sqlite") }

func openRuntimeIndex(dataDir string, disableDB bool, logger *log.Logger) (runtimeIndex, error) {
	if disableDB {
		return nil, nil
	}

	backend := strings.ToLower(strings.TrimSpace(os.Getenv("WL_INDEX_BACKEND")))
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "none", "off", "disabled":
		logger.Printf("index backend disabled (WL_INDEX_BACKEND=%s)", backend)
		return nil, nil
	case "sqlite":
		idx, err := indexdb.OpenSQLite(indexPath(dataDir), indexdb.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return idx, nil
	default:
		return nil, fmt.Errorf("unsupported WL_INDEX_BACKEND: %s", backend)
	}
}
