package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"worldledger.ai/internal/persistence/indexdb"
)

// dbCmd queries the read-model index: recent | rejections | snapshots, or
// rebuilds it from the commit log with "rebuild".
func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (default: <data>/index/world.sqlite)")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)

	q := "snapshots"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}
	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "index", "world.sqlite")
	}
	if *limit <= 0 {
		*limit = 20
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if q == "rebuild" {
		idx, err := indexdb.OpenSQLite(path)
		if err != nil {
			fmt.Fprintln(os.Stderr, "open:", err)
			os.Exit(1)
		}
		n, err := idx.Rebuild(ctx, *dataDir)
		_ = idx.Close()
		if err != nil {
			fmt.Fprintln(os.Stderr, "rebuild:", err)
			os.Exit(1)
		}
		printJSON(map[string]any{"ok": true, "commits": n, "db": path})
		return
	}

	if _, err := os.Stat(path); err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	var out any
	switch q {
	case "recent":
		out, err = indexdb.RecentCommits(ctx, db, *limit)
	case "rejections":
		out, err = indexdb.RejectionCounts(ctx, db)
	case "snapshots":
		out, err = indexdb.Snapshots(ctx, db, *limit)
	default:
		fmt.Fprintln(os.Stderr, "unknown query:", q, "(want recent|rejections|snapshots|rebuild)")
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
	printJSON(out)
}
