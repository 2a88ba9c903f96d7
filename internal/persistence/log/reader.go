package log

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/zstd"
)

// ErrTornTail reports an incomplete final record in the newest log file.
// Records before it were read normally.
var ErrTornTail = errors.New("log: torn final record")

// Files lists the log files for prefix under dir, oldest first.
func Files(dir, prefix string) ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(dir, prefix+"-*.jsonl.zst"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

// ReadJSONL calls fn for every line of a compressed JSONL file.
func ReadJSONL(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 && err == nil {
			if ferr := fn(line[:len(line)-1]); ferr != nil {
				return ferr
			}
		}
		if err == io.EOF {
			if len(line) > 0 {
				return fmt.Errorf("%s: %w", path, ErrTornTail)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s: %w: %v", path, ErrTornTail, err)
		}
	}
}

// ReadCommits returns every commit after seq `after`, oldest first. A torn
// record at the very end of the newest file is dropped and reported with
// ErrTornTail alongside the commits read before it; damage anywhere else is
// a hard error.
func ReadCommits(dataDir string, after uint64) ([]CommitEntry, error) {
	files, err := Files(filepath.Join(dataDir, "commits"), "commits")
	if err != nil {
		return nil, err
	}
	var out []CommitEntry
	var tail error
	for i, p := range files {
		err := ReadJSONL(p, func(line []byte) error {
			var e CommitEntry
			if err := json.Unmarshal(line, &e); err != nil {
				return fmt.Errorf("%s: bad commit line: %v", p, err)
			}
			if e.Seq > after {
				out = append(out, e)
			}
			return nil
		})
		if err == nil {
			continue
		}
		if errors.Is(err, ErrTornTail) && i == len(files)-1 {
			tail = err
			continue
		}
		return out, err
	}
	return out, tail
}
