package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	persistlog "worldledger.ai/internal/persistence/log"
	"worldledger.ai/internal/persistence/recovery"
	"worldledger.ai/internal/persistence/snapshot"
	"worldledger.ai/internal/sim/store"
	"worldledger.ai/internal/sim/worlds"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "audit":
			os.Exit(auditCmd(os.Args[2:]))
		case "commits":
			os.Exit(commitsCmd(os.Args[2:]))
		case "db":
			dbCmd(os.Args[2:])
			return
		case "health":
			healthCmd(os.Args[2:])
			return
		case "snapshot":
			snapshotCmd(os.Args[2:])
			return
		case "reload":
			reloadCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)

	snaps, err := snapshot.List(recovery.SnapshotDir(*dataDir))
	if err != nil {
		fmt.Fprintln(os.Stderr, "snapshots:", err)
		os.Exit(1)
	}
	for _, p := range snaps {
		fmt.Println(p)
	}
	for _, sub := range []string{"commits", "rejections"} {
		files, err := persistlog.Files(filepath.Join(*dataDir, sub), sub)
		if err != nil {
			fmt.Fprintln(os.Stderr, sub+":", err)
			os.Exit(1)
		}
		for _, p := range files {
			fmt.Println(p)
		}
	}
}

type auditReport struct {
	Seq          uint64            `json:"seq"`
	Digest       string            `json:"digest"`
	SnapshotPath string            `json:"snapshot_path,omitempty"`
	SnapshotSeq  uint64            `json:"snapshot_seq"`
	Replayed     int               `json:"replayed"`
	TornTail     bool              `json:"torn_tail,omitempty"`
	Versions     map[string]uint64 `json:"versions"`
	Corruptions  []string          `json:"corruptions,omitempty"`
}

// auditCmd runs the same restore the server runs at startup, offline, and
// exits non-zero when anything is corrupt.
func auditCmd(args []string) int {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldsPath := fs.String("worlds", "./configs/worlds.yaml", "world config path")
	retain := fs.Int("retain", 100, "log retention the server runs with")
	_ = fs.Parse(args)

	path := strings.TrimSpace(*worldsPath)
	if _, err := os.Stat(path); err != nil {
		path = ""
	}
	cfg, err := worlds.Load(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "worlds:", err)
		return 2
	}
	res, err := recovery.Restore(recovery.Options{DataDir: *dataDir, Worlds: cfg, Retain: *retain})
	if err != nil {
		fmt.Fprintln(os.Stderr, "restore:", err)
		return 1
	}
	rep := auditReport{
		Seq:          res.State.Seq,
		Digest:       store.Digest(res.State),
		SnapshotPath: res.SnapshotPath,
		SnapshotSeq:  res.SnapshotSeq,
		Replayed:     res.Replayed,
		TornTail:     res.TornTail,
		Versions:     res.State.Versions(),
	}
	for _, c := range res.Corruptions {
		rep.Corruptions = append(rep.Corruptions, c.String())
	}
	printJSON(rep)
	if res.Corrupt() {
		return 1
	}
	return 0
}

// commitsCmd prints commit log entries after -after as JSON lines.
func commitsCmd(args []string) int {
	fs := flag.NewFlagSet("commits", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	after := fs.Uint64("after", 0, "print commits with seq greater than this")
	limit := fs.Int("limit", 0, "max entries (0 = all)")
	_ = fs.Parse(args)

	entries, err := persistlog.ReadCommits(*dataDir, *after)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		if len(entries) == 0 {
			return 1
		}
	}
	enc := json.NewEncoder(os.Stdout)
	for i, e := range entries {
		if *limit > 0 && i >= *limit {
			break
		}
		_ = enc.Encode(e)
	}
	return 0
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
