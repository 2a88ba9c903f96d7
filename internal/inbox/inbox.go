// Package inbox ingests changesets dropped as JSON files into a directory.
//
// Producers must write a file under another name and rename it into place;
// a file that does not decode is rejected like any other bad changeset.
package inbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"worldledger.ai/internal/protocol"
	"worldledger.ai/internal/sim/changeset"
)

type Submitter interface {
	Submit(ctx context.Context, cs changeset.Changeset) protocol.Result
}

const RejectedDir = "rejected"

type Ingester struct {
	dir string
	sub Submitter
	log *log.Logger

	// Debounce groups bursts of file events into one scan.
	Debounce time.Duration
}

type ScanStats struct {
	Committed int
	Rejected  int
	Deferred  int
}

func New(dir string, sub Submitter, logger *log.Logger) *Ingester {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Ingester{dir: dir, sub: sub, log: logger, Debounce: 250 * time.Millisecond}
}

func (in *Ingester) Dir() string { return in.dir }

type pendingFile struct {
	path string
	cs   changeset.Changeset
}

// Scan submits every *.json file currently in the directory, oldest
// submitted_at first. Committed files are removed; rejected files move to
// rejected/ next to a .reason file. Files hit by a transient condition
// (read-only store, shutdown, internal error) stay for the next scan.
func (in *Ingester) Scan(ctx context.Context) (ScanStats, error) {
	var stats ScanStats
	entries, err := os.ReadDir(in.dir)
	if err != nil {
		return stats, err
	}
	var files []pendingFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(in.dir, e.Name())
		b, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return stats, err
		}
		var cs changeset.Changeset
		if err := json.Unmarshal(b, &cs); err != nil {
			in.reject(path, protocol.ErrProtoBadRequest, "bad changeset json: "+err.Error())
			stats.Rejected++
			continue
		}
		if strings.TrimSpace(cs.ID) == "" {
			cs.ID = "inbox-" + strings.TrimSuffix(e.Name(), ".json")
		}
		files = append(files, pendingFile{path: path, cs: cs})
	}
	sort.SliceStable(files, func(i, j int) bool {
		a, b := files[i].cs.SubmittedAt, files[j].cs.SubmittedAt
		if !a.Equal(b) {
			return a.Before(b)
		}
		return files[i].path < files[j].path
	})

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			stats.Deferred++
			continue
		}
		res := in.sub.Submit(ctx, f.cs)
		switch {
		case res.Committed():
			if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
				in.log.Printf("remove %s: %v", f.path, err)
			}
			stats.Committed++
		case transient(res):
			stats.Deferred++
		default:
			in.reject(f.path, res.Code, res.Reason)
			stats.Rejected++
		}
	}
	return stats, nil
}

func transient(res protocol.Result) bool {
	if res.Status == protocol.StatusPending {
		return true
	}
	switch res.Code {
	case protocol.ErrReadOnly, protocol.ErrInternal, protocol.ErrRateLimit:
		return true
	}
	return false
}

func (in *Ingester) reject(path, code, reason string) {
	dst := filepath.Join(in.dir, RejectedDir)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		in.log.Printf("mkdir %s: %v", dst, err)
		return
	}
	name := filepath.Base(path)
	target := filepath.Join(dst, name)
	if err := os.Rename(path, target); err != nil {
		in.log.Printf("move %s: %v", name, err)
		return
	}
	msg := fmt.Sprintf("%s: %s\n", code, reason)
	if err := os.WriteFile(target+".reason", []byte(msg), 0o644); err != nil {
		in.log.Printf("write reason for %s: %v", name, err)
	}
	in.log.Printf("rejected %s %s", name, strings.TrimSpace(msg))
}

// Run scans once, then again whenever files land in the directory, until
// ctx is done.
func (in *Ingester) Run(ctx context.Context) error {
	if err := os.MkdirAll(in.dir, 0o755); err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(in.dir); err != nil {
		return fmt.Errorf("watch %s: %w", in.dir, err)
	}
	in.log.Printf("watching %s", in.dir)

	in.scan(ctx)

	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(ev.Name, ".json") || !(ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Rename)) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(in.Debounce)
			} else {
				timer.Reset(in.Debounce)
			}
			timerC = timer.C
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			in.log.Printf("watch error: %v", err)
		case <-timerC:
			timerC = nil
			in.scan(ctx)
		}
	}
}

func (in *Ingester) scan(ctx context.Context) {
	stats, err := in.Scan(ctx)
	if err != nil {
		in.log.Printf("scan: %v", err)
		return
	}
	if stats.Committed+stats.Rejected+stats.Deferred > 0 {
		in.log.Printf("scan committed=%d rejected=%d deferred=%d", stats.Committed, stats.Rejected, stats.Deferred)
	}
}
