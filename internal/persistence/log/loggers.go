package log

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"worldledger.ai/internal/sim/changeset"
)

// JSONLZstdWriter appends JSON lines to hourly files. Every line is its own
// zstd frame, so a file is always a valid concatenation of frames up to the
// last completed write and a crash can only tear the final line.
type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	sync    bool
	now     func() time.Time

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		now:     time.Now,
	}
}

// WithSync makes every Write fsync before returning.
func (w *JSONLZstdWriter) WithSync() *JSONLZstdWriter {
	w.sync = true
	return w
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.now().UTC().Format("2006-01-02-15")
	if hour != w.curHour || w.f == nil {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}
	frame := w.enc.EncodeAll(b, make([]byte, 0, len(b)/2+64))
	if _, err := w.f.Write(frame); err != nil {
		return err
	}
	if w.sync {
		return w.f.Sync()
	}
	return nil
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(w.baseDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.pathForHour(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest), zstd.WithEncoderConcurrency(1))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.curHour = hour
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err error
	if w.enc != nil {
		_ = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		err = w.f.Close()
		w.f = nil
	}
	w.curHour = ""
	return err
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// CommitEntry is one committed changeset, enough to replay it exactly.
type CommitEntry struct {
	Seq         uint64              `json:"seq"`
	CommittedAt time.Time           `json:"committed_at"`
	Changeset   changeset.Changeset `json:"changeset"`
	Versions    map[string]uint64   `json:"versions"`
	AssignedIDs []string            `json:"assigned_ids,omitempty"`
}

type RejectionEntry struct {
	At          time.Time `json:"at"`
	Stage       string    `json:"stage"` // submit | commit
	ChangesetID string    `json:"changeset_id"`
	ProposerID  string    `json:"proposer_id,omitempty"`
	Kind        string    `json:"kind,omitempty"`
	TargetWorld string    `json:"target_world,omitempty"`
	Code        string    `json:"code"`
	Reason      string    `json:"reason"`
}

// CommitLogger is the durable commit log. Writes are fsynced.
type CommitLogger struct{ w *JSONLZstdWriter }

func NewCommitLogger(dataDir string) *CommitLogger {
	return &CommitLogger{w: NewJSONLZstdWriter(filepath.Join(dataDir, "commits"), "commits").WithSync()}
}

func (l *CommitLogger) WriteCommit(e CommitEntry) error { return l.w.Write(e) }
func (l *CommitLogger) Close() error                    { return l.w.Close() }

// RejectionLogger keeps a best-effort record of rejected changesets.
type RejectionLogger struct{ w *JSONLZstdWriter }

func NewRejectionLogger(dataDir string) *RejectionLogger {
	return &RejectionLogger{w: NewJSONLZstdWriter(filepath.Join(dataDir, "rejections"), "rejections")}
}

func (l *RejectionLogger) WriteRejection(e RejectionEntry) error { return l.w.Write(e) }
func (l *RejectionLogger) Close() error                          { return l.w.Close() }
