package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"worldledger.ai/internal/sim/store"
)

const formatVersion = 1

var ErrDigestMismatch = errors.New("snapshot: digest mismatch")

type Header struct {
	Version   int       `json:"version"`
	Seq       uint64    `json:"seq"`
	Digest    string    `json:"digest"`
	WrittenAt time.Time `json:"written_at"`
}

type SnapshotV1 struct {
	Header Header
	State  store.State
}

// PathFor names snapshots so lexical order is seq order.
func PathFor(dir string, seq uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%020d.snap.zst", seq))
}

// WriteSnapshot writes st atomically: the file appears under its final
// name only once complete.
func WriteSnapshot(path string, st *store.State) (Header, error) {
	h := Header{Version: formatVersion, Seq: st.Seq, Digest: store.Digest(st), WrittenAt: time.Now().UTC()}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return h, err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return h, err
	}
	if err := encode(f, h, st); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return h, err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return h, err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return h, err
	}
	return h, os.Rename(tmp, path)
}

func encode(f *os.File, h Header, st *store.State) error {
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, _ := json.Marshal(h)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	snap := SnapshotV1{Header: h, State: *st}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return enc.Close()
}

// ReadHeader reads only the JSON header line.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()
	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("decode header: %w", err)
	}
	return h, nil
}

// ReadSnapshot decodes a snapshot and verifies its digest.
func ReadSnapshot(path string) (*store.State, Header, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return nil, snap.Header, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, snap.Header, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)
	// The header line is repeated inside the gob body.
	if _, err := br.ReadBytes('\n'); err != nil {
		return nil, snap.Header, fmt.Errorf("read header: %w", err)
	}
	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return nil, snap.Header, fmt.Errorf("gob decode: %w", err)
	}
	if snap.Header.Version != formatVersion {
		return nil, snap.Header, fmt.Errorf("snapshot version %d unsupported", snap.Header.Version)
	}
	st := snap.State
	st.EnsureMaps()
	if got := store.Digest(&st); got != snap.Header.Digest {
		return nil, snap.Header, fmt.Errorf("%w: %s: header %s, body %s", ErrDigestMismatch, path, snap.Header.Digest, got)
	}
	if st.Seq != snap.Header.Seq {
		return nil, snap.Header, fmt.Errorf("%w: %s: header seq %d, body seq %d", ErrDigestMismatch, path, snap.Header.Seq, st.Seq)
	}
	return &st, snap.Header, nil
}

// List returns the snapshot files in dir by ascending seq.
func List(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range ents {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".snap.zst") {
			continue
		}
		if _, err := strconv.ParseUint(strings.TrimSuffix(name, ".snap.zst"), 10, 64); err != nil {
			continue
		}
		out = append(out, filepath.Join(dir, name))
	}
	sort.Strings(out)
	return out, nil
}

// Prune removes all but the newest keep snapshots.
func Prune(dir string, keep int) error {
	paths, err := List(dir)
	if err != nil || keep <= 0 || len(paths) <= keep {
		return err
	}
	for _, p := range paths[:len(paths)-keep] {
		if err := os.Remove(p); err != nil {
			return err
		}
	}
	return nil
}
