package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	stdlog "log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"worldledger.ai/internal/persistence/log"
	"worldledger.ai/internal/persistence/snapshot"
	"worldledger.ai/internal/sim/store"
)

// SQLiteIndex is a secondary, queryable copy of the commit and rejection
// logs. Writes are queued and batched by one goroutine; the JSONL logs
// remain the source of truth.
type SQLiteIndex struct {
	db     *sql.DB
	logger *stdlog.Logger

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed  atomic.Bool
	dropped atomic.Uint64
}

type reqKind int

const (
	reqCommit reqKind = iota + 1
	reqRejection
	reqSnapshot
	reqFlush
)

type req struct {
	kind reqKind

	commit    log.CommitEntry
	rejection log.RejectionEntry
	snapshot  SnapshotRow
	done      chan struct{}
}

type SnapshotRow struct {
	Seq       uint64 `json:"seq"`
	Path      string `json:"path"`
	Digest    string `json:"digest"`
	Agents    int    `json:"agents"`
	Actions   int    `json:"actions"`
	Chat      int    `json:"chat"`
	Trades    int    `json:"trades"`
	Objects   int    `json:"objects"`
	WrittenAt string `json:"written_at"`
}

type CommitRow struct {
	Seq         uint64 `json:"seq"`
	ChangesetID string `json:"changeset_id"`
	ProposerID  string `json:"proposer_id"`
	Kind        string `json:"kind"`
	TargetWorld string `json:"target_world"`
	CommittedAt string `json:"committed_at"`
}

type Option func(*SQLiteIndex)

// WithLogger reports write failures; the index discards them silently
// otherwise.
func WithLogger(l *stdlog.Logger) Option { return func(s *SQLiteIndex) { s.logger = l } }

func OpenSQLite(path string, opts ...Option) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, 16384),
	}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = stdlog.New(io.Discard, "", 0)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS commits (
			seq INTEGER PRIMARY KEY,
			changeset_id TEXT NOT NULL,
			proposer_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			target_world TEXT NOT NULL,
			committed_at TEXT NOT NULL,
			raw_json TEXT NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_commits_changeset ON commits(changeset_id);`,
		`CREATE INDEX IF NOT EXISTS idx_commits_proposer ON commits(proposer_id, seq);`,
		`CREATE TABLE IF NOT EXISTS commit_docs (
			seq INTEGER NOT NULL,
			doc TEXT NOT NULL,
			version INTEGER NOT NULL,
			PRIMARY KEY (seq, doc)
		);`,
		`CREATE TABLE IF NOT EXISTS rejections (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			at TEXT NOT NULL,
			stage TEXT NOT NULL,
			changeset_id TEXT NOT NULL,
			proposer_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			target_world TEXT NOT NULL,
			code TEXT NOT NULL,
			reason TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_rejections_code ON rejections(code);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			seq INTEGER PRIMARY KEY,
			path TEXT NOT NULL,
			digest TEXT NOT NULL,
			agents INTEGER NOT NULL,
			actions INTEGER NOT NULL,
			chat INTEGER NOT NULL,
			trades INTEGER NOT NULL,
			objects INTEGER NOT NULL,
			written_at TEXT NOT NULL
		);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// Dropped reports how many records never reached the db, either because the
// queue was full or because their batch failed to write.
func (s *SQLiteIndex) Dropped() uint64 { return s.dropped.Load() }

func (s *SQLiteIndex) enqueue(r req) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- r:
	default:
		s.dropped.Add(1)
	}
}

func (s *SQLiteIndex) RecordCommit(e log.CommitEntry) { s.enqueue(req{kind: reqCommit, commit: e}) }

func (s *SQLiteIndex) RecordRejection(e log.RejectionEntry) {
	s.enqueue(req{kind: reqRejection, rejection: e})
}

func (s *SQLiteIndex) RecordSnapshot(path string, h snapshot.Header, st *store.State) {
	objects := 0
	for _, objs := range st.Objects {
		objects += len(objs)
	}
	s.enqueue(req{kind: reqSnapshot, snapshot: SnapshotRow{
		Seq:       h.Seq,
		Path:      path,
		Digest:    h.Digest,
		Agents:    len(st.Agents),
		Actions:   len(st.Actions),
		Chat:      len(st.Chat),
		Trades:    len(st.Trades),
		Objects:   objects,
		WrittenAt: h.WrittenAt.UTC().Format(time.RFC3339Nano),
	}})
}

// Flush blocks until everything queued before it is committed to the db.
func (s *SQLiteIndex) Flush(ctx context.Context) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	done := make(chan struct{})
	select {
	case s.ch <- req{kind: reqFlush, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Rebuild replaces the commit tables with the contents of the commit log.
// It runs synchronously and must not race with queued writes.
func (s *SQLiteIndex) Rebuild(ctx context.Context, dataDir string) (int, error) {
	entries, err := log.ReadCommits(dataDir, 0)
	if err != nil && len(entries) == 0 {
		return 0, err
	}
	tx, terr := s.db.BeginTx(ctx, nil)
	if terr != nil {
		return 0, terr
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range []string{`DELETE FROM commits`, `DELETE FROM commit_docs`} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return 0, err
		}
	}
	for _, e := range entries {
		if err := insertCommit(ctx, tx, e); err != nil {
			return 0, err
		}
	}
	if cerr := tx.Commit(); cerr != nil {
		return 0, cerr
	}
	// A torn tail still leaves a usable index; report it to the caller.
	return len(entries), err
}

func insertCommit(ctx context.Context, tx *sql.Tx, e log.CommitEntry) error {
	raw, _ := json.Marshal(e.Changeset)
	cs := e.Changeset
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO commits(seq,changeset_id,proposer_id,kind,target_world,committed_at,raw_json) VALUES(?,?,?,?,?,?,?)`,
		int64(e.Seq), cs.ID, cs.ProposerID, cs.Kind, cs.TargetWorld,
		e.CommittedAt.UTC().Format(time.RFC3339Nano), string(raw),
	); err != nil {
		return err
	}
	for doc, v := range e.Versions {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO commit_docs(seq,doc,version) VALUES(?,?,?)`,
			int64(e.Seq), doc, int64(v),
		); err != nil {
			return err
		}
	}
	return nil
}

func insertRejection(ctx context.Context, tx *sql.Tx, e log.RejectionEntry) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO rejections(at,stage,changeset_id,proposer_id,kind,target_world,code,reason) VALUES(?,?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.Stage, e.ChangesetID, e.ProposerID, e.Kind, e.TargetWorld, e.Code, e.Reason,
	)
	return err
}

func insertSnapshot(ctx context.Context, tx *sql.Tx, r SnapshotRow) error {
	_, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO snapshots(seq,path,digest,agents,actions,chat,trades,objects,written_at) VALUES(?,?,?,?,?,?,?,?,?)`,
		int64(r.Seq), r.Path, r.Digest, r.Agents, r.Actions, r.Chat, r.Trades, r.Objects, r.WrittenAt,
	)
	return err
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 500
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			s.logger.Printf("index begin: %v", err)
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.dropped.Add(uint64(opCount))
			s.logger.Printf("index commit of %d records failed: %v", opCount, err)
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	for r := range s.ch {
		if r.kind == reqFlush {
			commit()
			close(r.done)
			continue
		}
		begin()
		if tx == nil {
			s.dropped.Add(1)
			continue
		}
		var err error
		switch r.kind {
		case reqCommit:
			err = insertCommit(ctx, tx, r.commit)
		case reqRejection:
			err = insertRejection(ctx, tx, r.rejection)
		case reqSnapshot:
			err = insertSnapshot(ctx, tx, r.snapshot)
		}
		if err != nil {
			// The rollback also discards the batch queued before this record.
			s.dropped.Add(uint64(opCount) + 1)
			s.logger.Printf("index write (kind %d): %v; %d records discarded", r.kind, err, opCount+1)
			rollback()
			continue
		}
		opCount++
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	commit()
}

func (s *SQLiteIndex) RecentCommits(ctx context.Context, limit int) ([]CommitRow, error) {
	return RecentCommits(ctx, s.db, limit)
}

func (s *SQLiteIndex) RejectionCounts(ctx context.Context) (map[string]int, error) {
	return RejectionCounts(ctx, s.db)
}

func (s *SQLiteIndex) Snapshots(ctx context.Context, limit int) ([]SnapshotRow, error) {
	return Snapshots(ctx, s.db, limit)
}

// RecentCommits lists commits newest first.
func RecentCommits(ctx context.Context, db *sql.DB, limit int) ([]CommitRow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.QueryContext(ctx,
		`SELECT seq,changeset_id,proposer_id,kind,target_world,committed_at FROM commits ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CommitRow
	for rows.Next() {
		var r CommitRow
		var seq int64
		if err := rows.Scan(&seq, &r.ChangesetID, &r.ProposerID, &r.Kind, &r.TargetWorld, &r.CommittedAt); err != nil {
			return nil, err
		}
		r.Seq = uint64(seq)
		out = append(out, r)
	}
	return out, rows.Err()
}

func RejectionCounts(ctx context.Context, db *sql.DB) (map[string]int, error) {
	rows, err := db.QueryContext(ctx, `SELECT code, COUNT(*) FROM rejections GROUP BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var code string
		var n int
		if err := rows.Scan(&code, &n); err != nil {
			return nil, err
		}
		out[code] = n
	}
	return out, rows.Err()
}

func Snapshots(ctx context.Context, db *sql.DB, limit int) ([]SnapshotRow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.QueryContext(ctx,
		`SELECT seq,path,digest,agents,actions,chat,trades,objects,written_at FROM snapshots ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SnapshotRow
	for rows.Next() {
		var r SnapshotRow
		var seq int64
		if err := rows.Scan(&seq, &r.Path, &r.Digest, &r.Agents, &r.Actions, &r.Chat, &r.Trades, &r.Objects, &r.WrittenAt); err != nil {
			return nil, err
		}
		r.Seq = uint64(seq)
		out = append(out, r)
	}
	return out, rows.Err()
}
